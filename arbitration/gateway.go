package arbitration

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Ruling is the arbitrator's verdict on an unresolved damage negotiation.
type Ruling string

const (
	RulingFavorHolder       Ruling = "favor_holder"
	RulingFavorCounterparty Ruling = "favor_counterparty"
	RulingSplit             Ruling = "split"
)

// Valid reports whether r is one of the known rulings.
func (r Ruling) Valid() bool {
	switch r {
	case RulingFavorHolder, RulingFavorCounterparty, RulingSplit:
		return true
	default:
		return false
	}
}

// Gateway is the capability surface of the external arbitrator. How the
// arbitrator reaches its ruling is its own business; callers only learn the
// fee, open disputes, and later receive the ruling through the agreement's
// inbound callback.
type Gateway interface {
	// Cost returns the fee the arbitrator charges to take a dispute.
	Cost(ctx context.Context) (uint64, error)
	// OpenDispute registers both estimates with the arbitrator along with the
	// fee and returns an opaque dispute identifier.
	OpenDispute(ctx context.Context, holderEstimate, counterEstimate, fee uint64) (string, error)
}

// FixedGateway is an in-process gateway with a fixed fee. It hands out dispute
// ids and remembers the estimates, which is enough for local bootstrap and for
// exercising the dispute path in tests. Safe for concurrent use: one gateway is
// shared across all HTTP requests.
type FixedGateway struct {
	FeeAmount   uint64
	idGenerator func() string

	mu       sync.Mutex
	disputes map[string][2]uint64
}

func NewFixedGateway(fee uint64) *FixedGateway {
	return &FixedGateway{
		FeeAmount:   fee,
		idGenerator: func() string { return uuid.NewString() },
		disputes:    make(map[string][2]uint64),
	}
}

// WithIDGenerator overrides dispute id generation, used by tests.
func (g *FixedGateway) WithIDGenerator(gen func() string) *FixedGateway {
	g.idGenerator = gen
	return g
}

func (g *FixedGateway) Cost(ctx context.Context) (uint64, error) {
	return g.FeeAmount, nil
}

func (g *FixedGateway) OpenDispute(ctx context.Context, holderEstimate, counterEstimate, fee uint64) (string, error) {
	if fee < g.FeeAmount {
		return "", fmt.Errorf("arbitration: fee %d below required %d", fee, g.FeeAmount)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.idGenerator()
	g.disputes[id] = [2]uint64{holderEstimate, counterEstimate}
	return id, nil
}

// Dispute returns the estimates registered for a dispute id.
func (g *FixedGateway) Dispute(id string) ([2]uint64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.disputes[id]
	return d, ok
}
