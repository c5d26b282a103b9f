package agreement

import (
	"context"
	"errors"
	"testing"
	"time"

	"rentflow/arbitration"
	"rentflow/negotiation"
	"rentflow/obligation"
	"rentflow/settlement"
)

const (
	holder       = "holder-addr"
	counterparty = "counterparty-addr"
	arbitrator   = "arbitrator-addr"
	outsider     = "someone-else"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func testTerms() Terms {
	return Terms{
		Deposit:          100,
		BaseAmount:       10,
		TermLength:       1,
		PeriodLength:     30 * 24 * time.Hour,
		GracePeriod:      72 * time.Hour,
		LateFeePercent:   10,
		CancelFeePercent: 5,
		TimeoutWindow:    7 * 24 * time.Hour,
	}
}

func draft(t *testing.T, terms Terms) *Agreement {
	t.Helper()
	a := New("ag-1", holder, counterparty, arbitrator)
	if err := a.SetTerms(holder, terms); err != nil {
		t.Fatalf("set terms: %v", err)
	}
	return a
}

func activated(t *testing.T, terms Terms) *Agreement {
	t.Helper()
	a := draft(t, terms)
	if err := a.PayDeposit(counterparty, terms.Deposit, epoch); err != nil {
		t.Fatalf("pay deposit: %v", err)
	}
	return a
}

// checkConservation verifies that no value appears or disappears: everything
// ever received is either still held as deposit, pending withdrawal, already
// withdrawn, or paid out as arbitration fees.
func checkConservation(t *testing.T, a *Agreement) {
	t.Helper()
	got := a.Settlement.PendingTotal() + a.DepositHeld + a.Settlement.TotalWithdrawn + a.FeesPaid
	if got != a.ValueReceived {
		t.Fatalf("conservation violated: pending+deposit+withdrawn+fees=%d, received=%d", got, a.ValueReceived)
	}
}

func TestSetTermsGuards(t *testing.T) {
	a := New("ag-1", holder, counterparty, arbitrator)

	if err := a.SetTerms(counterparty, testTerms()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("only the holder sets terms, got %v", err)
	}
	bad := testTerms()
	bad.Deposit = 0
	if err := a.SetTerms(holder, bad); err == nil {
		t.Fatal("zero deposit must be rejected")
	}
	bad = testTerms()
	bad.LateFeePercent = 101
	if err := a.SetTerms(holder, bad); err == nil {
		t.Fatal("fee percentage above 100 must be rejected")
	}

	if err := a.SetTerms(holder, testTerms()); err != nil {
		t.Fatal(err)
	}
	if err := a.SetTerms(holder, testTerms()); !errors.Is(err, ErrPhase) {
		t.Fatalf("terms are set once, got %v", err)
	}
}

func TestPayDepositActivates(t *testing.T) {
	a := draft(t, testTerms())

	if err := a.PayDeposit(holder, 100, epoch); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("only the counterparty pays the deposit, got %v", err)
	}
	if err := a.PayDeposit(counterparty, 99, epoch); !errors.Is(err, ErrValueMismatch) {
		t.Fatalf("deposit must match exactly, got %v", err)
	}
	if err := a.PayDeposit(counterparty, 100, epoch); err != nil {
		t.Fatal(err)
	}
	if !a.Active || !a.DepositPaid || a.CurrentPeriod != 1 || a.DepositHeld != 100 {
		t.Fatalf("activation state wrong: %+v", a)
	}
	if a.Status() != "active" {
		t.Fatalf("expected status active, got %s", a.Status())
	}
	if err := a.PayDeposit(counterparty, 100, epoch); !errors.Is(err, ErrPhase) {
		t.Fatalf("deposit is paid once, got %v", err)
	}
	checkConservation(t, a)
}

// Scenario: deposit 100, base 10, single-period term. The counterparty pays
// 10+5 for the period, which ends the term and leaves 15 pending for the holder.
func TestSinglePeriodTerm(t *testing.T) {
	a := activated(t, testTerms())

	if err := a.Pay(counterparty, 15, epoch); !errors.Is(err, obligation.ErrChargeMissing) {
		t.Fatalf("payment before the charge is recorded must fail, got %v", err)
	}
	if err := a.RecordPeriodCharge(counterparty, 5); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("only the holder records charges, got %v", err)
	}
	if err := a.RecordPeriodCharge(holder, 5); err != nil {
		t.Fatal(err)
	}
	if err := a.Pay(counterparty, 15, epoch.Add(24*time.Hour)); err != nil {
		t.Fatal(err)
	}

	if !a.PeriodPaid(1) {
		t.Fatal("period 1 must be paid")
	}
	if !a.TermEnded {
		t.Fatal("paying the final period must end the term")
	}
	if got := a.Pending(holder); got != 15 {
		t.Fatalf("holder pending must be 15, got %d", got)
	}
	if a.Status() != "negotiating" {
		t.Fatalf("expected status negotiating, got %s", a.Status())
	}

	if err := a.Pay(counterparty, 15, epoch); !errors.Is(err, ErrPhase) {
		t.Fatalf("no payment after the term ends, got %v", err)
	}
	checkConservation(t, a)
}

// Scenario: the rejected counter-estimate escalates to arbitration and the
// ruling settles deposit, damage, and fee refund.
func TestDisputeLifecycle(t *testing.T) {
	a := activated(t, testTerms())
	if err := a.RecordPeriodCharge(holder, 5); err != nil {
		t.Fatal(err)
	}
	if err := a.Pay(counterparty, 15, epoch); err != nil {
		t.Fatal(err)
	}

	gw := arbitration.NewFixedGateway(4).WithIDGenerator(func() string { return "dispute-1" })
	ctx := context.Background()

	if err := a.SetEstimate(holder, 30, epoch); err != nil {
		t.Fatal(err)
	}
	if err := a.RejectEstimate(counterparty); err != nil {
		t.Fatal(err)
	}
	if err := a.SetCounterEstimate(counterparty, 10, epoch); err != nil {
		t.Fatal(err)
	}

	id, err := a.RejectCounterEstimate(ctx, holder, gw)
	if err != nil {
		t.Fatal(err)
	}
	if id != "dispute-1" {
		t.Fatalf("expected dispute-1, got %q", id)
	}
	if a.DepositHeld != 96 || a.FeesPaid != 4 {
		t.Fatalf("fee must leave the deposit: held=%d fees=%d", a.DepositHeld, a.FeesPaid)
	}
	if a.Status() != "disputed" {
		t.Fatalf("expected status disputed, got %s", a.Status())
	}

	if err := a.SubmitEvidence(counterparty, "dispute-1", "ipfs://photos"); err != nil {
		t.Fatal(err)
	}
	if err := a.SubmitEvidence(outsider, "dispute-1", "ipfs://junk"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("outsiders cannot file evidence, got %v", err)
	}

	if err := a.ApplyRuling(holder, "dispute-1", arbitration.RulingFavorHolder, 2, epoch); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("only the arbitrator rules, got %v", err)
	}
	if err := a.ApplyRuling(arbitrator, "dispute-1", arbitration.RulingFavorHolder, 2, epoch); err != nil {
		t.Fatal(err)
	}

	// Rent 15 + damage min(30,96)=30 + refund 2 for the holder; 96-30 back.
	if got := a.Pending(holder); got != 47 {
		t.Fatalf("holder pending must be 47, got %d", got)
	}
	if got := a.Pending(counterparty); got != 66 {
		t.Fatalf("counterparty pending must be 66, got %d", got)
	}
	if !a.Ended || a.Status() != "ended" {
		t.Fatalf("ruling must end the agreement, status=%s", a.Status())
	}
	if err := a.ApplyRuling(arbitrator, "dispute-1", arbitration.RulingFavorHolder, 2, epoch); !errors.Is(err, ErrPhase) {
		t.Fatalf("a ruling applies once, got %v", err)
	}
	checkConservation(t, a)
}

func TestAcceptEstimateEndsAgreement(t *testing.T) {
	terms := testTerms()
	a := activated(t, terms)
	if err := a.RecordPeriodCharge(holder, 5); err != nil {
		t.Fatal(err)
	}
	if err := a.Pay(counterparty, 15, epoch); err != nil {
		t.Fatal(err)
	}
	if err := a.SetEstimate(holder, 30, epoch); err != nil {
		t.Fatal(err)
	}
	if err := a.AcceptEstimate(counterparty, epoch); err != nil {
		t.Fatal(err)
	}
	if got := a.Pending(holder); got != 45 {
		t.Fatalf("holder pending must be rent 15 + damage 30, got %d", got)
	}
	if got := a.Pending(counterparty); got != 70 {
		t.Fatalf("counterparty refund must be 70, got %d", got)
	}
	if !a.Ended || a.DepositHeld != 0 {
		t.Fatalf("acceptance must end the agreement and empty the deposit")
	}
	checkConservation(t, a)
}

// Scenario: skipping a non-final period moves no funds and carries the total.
func TestSkipCarriesDue(t *testing.T) {
	terms := testTerms()
	terms.TermLength = 2
	a := activated(t, terms)

	if err := a.RecordPeriodCharge(holder, 5); err != nil {
		t.Fatal(err)
	}
	if err := a.Skip(counterparty, epoch); err != nil {
		t.Fatal(err)
	}
	if a.CurrentPeriod != 2 {
		t.Fatalf("skip must advance the period, got %d", a.CurrentPeriod)
	}
	if a.Obligations.CarriedOver != 15 {
		t.Fatalf("skip must carry the full total, got %d", a.Obligations.CarriedOver)
	}
	if got := a.Pending(holder); got != 0 {
		t.Fatalf("skip must move no funds, holder pending %d", got)
	}

	// Final period owes its own total plus the carry, and cannot be skipped.
	if err := a.RecordPeriodCharge(holder, 2); err != nil {
		t.Fatal(err)
	}
	if err := a.Skip(counterparty, epoch); !errors.Is(err, obligation.ErrFinalSkip) {
		t.Fatalf("the final period must not be skippable, got %v", err)
	}
	if err := a.Pay(counterparty, 27, epoch); err != nil {
		t.Fatal(err)
	}
	if !a.TermEnded {
		t.Fatal("settling the final period must end the term")
	}
	checkConservation(t, a)
}

func TestPartialThenRemainder(t *testing.T) {
	a := activated(t, testTerms())
	if err := a.RecordPeriodCharge(holder, 5); err != nil {
		t.Fatal(err)
	}

	if err := a.PayPartial(counterparty, 6, epoch); err != nil {
		t.Fatal(err)
	}
	if a.TermEnded || a.PeriodPaid(1) {
		t.Fatal("a partial payment must not advance or settle the period")
	}
	if got := a.Pending(holder); got != 6 {
		t.Fatalf("partial amount must be credited, got %d", got)
	}

	if err := a.Pay(counterparty, 9, epoch); err != nil {
		t.Fatal(err)
	}
	if !a.PeriodPaid(1) || !a.TermEnded {
		t.Fatal("the remainder must settle the period and end the term")
	}
	if got := a.Pending(holder); got != 15 {
		t.Fatalf("the two payments must sum to the full total, got %d", got)
	}
	checkConservation(t, a)
}

func TestCancelFees(t *testing.T) {
	t.Run("by holder", func(t *testing.T) {
		a := activated(t, testTerms())
		if err := a.Cancel(holder, 0, epoch); !errors.Is(err, ErrValueMismatch) {
			t.Fatalf("holder must attach the fee, got %v", err)
		}
		if err := a.Cancel(holder, 5, epoch); err != nil {
			t.Fatal(err)
		}
		if got := a.Pending(counterparty); got != 105 {
			t.Fatalf("counterparty gets deposit plus fee, got %d", got)
		}
		if !a.Cancelled || a.Status() != "cancelled" {
			t.Fatalf("expected cancelled, got %s", a.Status())
		}
		checkConservation(t, a)
	})

	t.Run("by counterparty", func(t *testing.T) {
		a := activated(t, testTerms())
		if err := a.Cancel(counterparty, 0, epoch); err != nil {
			t.Fatal(err)
		}
		if got := a.Pending(counterparty); got != 95 {
			t.Fatalf("fee comes out of the refund, got %d", got)
		}
		if got := a.Pending(holder); got != 5 {
			t.Fatalf("fee goes to the holder, got %d", got)
		}
		checkConservation(t, a)
	})

	t.Run("after term end", func(t *testing.T) {
		a := activated(t, testTerms())
		if err := a.RecordPeriodCharge(holder, 5); err != nil {
			t.Fatal(err)
		}
		if err := a.Pay(counterparty, 15, epoch); err != nil {
			t.Fatal(err)
		}
		if err := a.Cancel(counterparty, 0, epoch); !errors.Is(err, ErrPhase) {
			t.Fatalf("no cancellation after the term ends, got %v", err)
		}
	})

	t.Run("by outsider", func(t *testing.T) {
		a := activated(t, testTerms())
		if err := a.Cancel(outsider, 0, epoch); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("outsiders cannot cancel, got %v", err)
		}
	})
}

func TestPauseGatesMutators(t *testing.T) {
	a := activated(t, testTerms())
	if err := a.Pause(counterparty); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("only the holder pauses, got %v", err)
	}
	if err := a.Pause(holder); err != nil {
		t.Fatal(err)
	}
	if err := a.Pause(holder); !errors.Is(err, ErrPhase) {
		t.Fatalf("already paused, got %v", err)
	}

	if err := a.RecordPeriodCharge(holder, 5); !errors.Is(err, ErrPaused) {
		t.Fatalf("charges are rejected while paused, got %v", err)
	}
	if err := a.Pay(counterparty, 15, epoch); !errors.Is(err, ErrPaused) {
		t.Fatalf("payments are rejected while paused, got %v", err)
	}

	// Withdrawal stays available while paused.
	a.Settlement.Credit(holder, 7)
	a.ValueReceived += 7
	noop := settlement.TransfererFunc(func(context.Context, string, uint64) error { return nil })
	if _, err := a.Withdraw(context.Background(), holder, noop); err != nil {
		t.Fatalf("withdrawal must work while paused: %v", err)
	}

	if err := a.Resume(holder); err != nil {
		t.Fatal(err)
	}
	if err := a.RecordPeriodCharge(holder, 5); err != nil {
		t.Fatalf("resume must lift the gate: %v", err)
	}
	checkConservation(t, a)
}

func TestTimeoutRoleReversalOnEstimate(t *testing.T) {
	terms := testTerms()
	a := activated(t, terms)
	if err := a.RecordPeriodCharge(holder, 5); err != nil {
		t.Fatal(err)
	}
	termEnd := epoch.Add(24 * time.Hour)
	if err := a.Pay(counterparty, 15, termEnd); err != nil {
		t.Fatal(err)
	}

	if err := a.SetEstimate(counterparty, 0, termEnd.Add(time.Hour)); !errors.Is(err, negotiation.ErrNotYourMove) {
		t.Fatalf("inside the window only the holder estimates, got %v", err)
	}
	if err := a.SetEstimate(counterparty, 0, termEnd.Add(terms.TimeoutWindow)); err != nil {
		t.Fatalf("after the window the counterparty forces a zero estimate: %v", err)
	}
	if err := a.AcceptEstimate(counterparty, termEnd.Add(terms.TimeoutWindow)); err != nil {
		t.Fatal(err)
	}
	if got := a.Pending(counterparty); got != 100 {
		t.Fatalf("zero damage returns the whole deposit, got %d", got)
	}
	if !a.Ended {
		t.Fatal("agreement must end")
	}
	checkConservation(t, a)
}

func TestWithdrawReentrancyRejected(t *testing.T) {
	a := activated(t, testTerms())
	a.Settlement.Credit(holder, 10)
	a.ValueReceived += 10

	var reentrant error
	evil := settlement.TransfererFunc(func(ctx context.Context, to string, amount uint64) error {
		_, reentrant = a.Withdraw(ctx, holder, settlement.TransfererFunc(func(context.Context, string, uint64) error { return nil }))
		return nil
	})
	if _, err := a.Withdraw(context.Background(), holder, evil); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(reentrant, ErrReentrancy) {
		t.Fatalf("reentrant withdraw must be rejected, got %v", reentrant)
	}
}

func TestWithdrawTransferFailureKeepsCredit(t *testing.T) {
	a := activated(t, testTerms())
	a.Settlement.Credit(holder, 10)
	a.ValueReceived += 10

	failing := settlement.TransfererFunc(func(context.Context, string, uint64) error {
		return errors.New("wire down")
	})
	if _, err := a.Withdraw(context.Background(), holder, failing); !errors.Is(err, settlement.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if got := a.Pending(holder); got != 10 {
		t.Fatalf("credit must survive a failed transfer, got %d", got)
	}
	checkConservation(t, a)
}
