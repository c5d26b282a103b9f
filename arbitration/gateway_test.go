package arbitration

import (
	"context"
	"sync"
	"testing"
)

func TestRulingValid(t *testing.T) {
	for _, r := range []Ruling{RulingFavorHolder, RulingFavorCounterparty, RulingSplit} {
		if !r.Valid() {
			t.Fatalf("ruling %q should be valid", r)
		}
	}
	if Ruling("split_evenly").Valid() {
		t.Fatal("unknown ruling accepted")
	}
}

func TestFixedGatewayOpenDispute(t *testing.T) {
	gw := NewFixedGateway(4).WithIDGenerator(func() string { return "d1" })
	ctx := context.Background()

	cost, err := gw.Cost(ctx)
	if err != nil || cost != 4 {
		t.Fatalf("expected cost 4, got %d (%v)", cost, err)
	}

	if _, err := gw.OpenDispute(ctx, 30, 10, 3); err == nil {
		t.Fatal("underpaid fee must be rejected")
	}

	id, err := gw.OpenDispute(ctx, 30, 10, 4)
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	if id != "d1" {
		t.Fatalf("expected dispute d1, got %q", id)
	}
	got, ok := gw.Dispute("d1")
	if !ok || got != [2]uint64{30, 10} {
		t.Fatalf("dispute estimates not recorded: %v %v", got, ok)
	}
}

// One gateway serves every request of the HTTP server, so concurrent dispute
// openings must not corrupt the dispute map. Run with -race.
func TestFixedGatewayConcurrentOpenDispute(t *testing.T) {
	gw := NewFixedGateway(4)
	ctx := context.Background()

	const n = 16
	ids := make([]string, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			id, err := gw.OpenDispute(ctx, uint64(i), uint64(i)+1, 4)
			if err != nil {
				t.Errorf("open dispute %d: %v", i, err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for i, id := range ids {
		if id == "" {
			continue
		}
		if seen[id] {
			t.Fatalf("dispute id %q handed out twice", id)
		}
		seen[id] = true
		if got, ok := gw.Dispute(id); !ok || got != [2]uint64{uint64(i), uint64(i) + 1} {
			t.Fatalf("dispute %q lost its estimates: %v %v", id, got, ok)
		}
	}
	if len(seen) != n {
		t.Fatalf("expected %d disputes, got %d", n, len(seen))
	}
}
