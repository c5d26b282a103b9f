package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"rentflow/agreement"
	"rentflow/arbitration"
	"rentflow/negotiation"
	"rentflow/obligation"
	"rentflow/settlement"
)

// expected reports whether an error is a normal domain outcome under
// contention (wrong phase, value races, nothing to withdraw) rather than an
// infrastructure failure.
func expected(err error) bool {
	for _, target := range []error{
		agreement.ErrUnauthorized,
		agreement.ErrPhase,
		agreement.ErrPaused,
		agreement.ErrValueMismatch,
		agreement.ErrReentrancy,
		obligation.ErrChargeMissing,
		obligation.ErrAlreadyPaid,
		obligation.ErrValueMismatch,
		obligation.ErrBadPartial,
		obligation.ErrFinalSkip,
		obligation.ErrRolled,
		negotiation.ErrNotYourMove,
		negotiation.ErrNoEstimate,
		negotiation.ErrEstimateExists,
		negotiation.ErrCounterExists,
		negotiation.ErrNoCounter,
		negotiation.ErrNotRejected,
		negotiation.ErrDisputeOpen,
		negotiation.ErrNoDispute,
		negotiation.ErrDisputeMismatch,
		negotiation.ErrResolved,
		negotiation.ErrInsufficientDeposit,
		settlement.ErrNothingPending,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func pause(base, jitter int) {
	time.Sleep(time.Duration(base+rand.Intn(jitter)) * time.Millisecond)
}

// Charger plays the holder recording period charges with varying extras.
// Overwrites before payment are allowed, so repeated calls are benign.
func Charger(ctx context.Context, svc *agreement.Service, id, holder string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		extra := uint64(1 + rand.Intn(5))
		if err := svc.RecordPeriodCharge(ctx, id, holder, extra); err != nil && !expected(err) {
			return fmt.Errorf("charger: %w", err)
		}
		pause(10, 20)
	}
}

// Payer plays the counterparty: it reads the current period's charge and pays
// the exact amount due. A concurrent charge overwrite makes the value stale,
// which surfaces as a mismatch and is retried.
func Payer(ctx context.Context, svc *agreement.Service, id, counterparty string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		a, err := svc.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("payer load: %w", err)
		}
		if !a.Active || a.TermEnded {
			pause(20, 40)
			continue
		}
		rec, ok := a.Obligations.Records[a.CurrentPeriod]
		if !ok || rec.Extra == 0 {
			pause(10, 20)
			continue
		}
		due := rec.Base + rec.Extra + a.Obligations.CarriedOver
		if err := svc.Pay(ctx, id, counterparty, due); err != nil && !expected(err) {
			return fmt.Errorf("payer: %w", err)
		}
		pause(20, 40)
	}
}

// Withdrawer drains whatever settles to the party. Most attempts find nothing
// pending.
func Withdrawer(ctx context.Context, svc *agreement.Service, id, party string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := svc.Withdraw(ctx, id, party); err != nil && !expected(err) {
			return fmt.Errorf("withdrawer: %w", err)
		}
		pause(30, 50)
	}
}

// PauseToggler flips the paused flag to exercise the paused gate on the
// payment path.
func PauseToggler(ctx context.Context, svc *agreement.Service, id, holder string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := svc.Pause(ctx, id, holder); err != nil && !expected(err) {
			return fmt.Errorf("pause: %w", err)
		}
		pause(5, 10)
		if err := svc.Resume(ctx, id, holder); err != nil && !expected(err) {
			return fmt.Errorf("resume: %w", err)
		}
		pause(40, 60)
	}
}

// Settler closes out the end of term: the holder posts a damage estimate and
// the counterparty accepts it. Until the term ends every call is a phase error.
func Settler(ctx context.Context, svc *agreement.Service, id, holder, counterparty string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		a, err := svc.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("settler load: %w", err)
		}
		if a.Ended {
			return nil
		}
		if !a.TermEnded {
			pause(30, 50)
			continue
		}
		if !a.Negotiation.EstimateSet {
			estimate := uint64(rand.Intn(int(a.Terms.Deposit + 1)))
			if err := svc.SetEstimate(ctx, id, holder, estimate); err != nil && !expected(err) {
				return fmt.Errorf("settler estimate: %w", err)
			}
		} else {
			if err := svc.AcceptEstimate(ctx, id, counterparty); err != nil && !expected(err) {
				return fmt.Errorf("settler accept: %w", err)
			}
		}
		pause(20, 40)
	}
}

// RulingReplayer waits for a dispute to open, then delivers the same ruling
// webhook over and over with one idempotency key. Exactly one delivery may
// take effect; the rest must be silent no-ops.
func RulingReplayer(ctx context.Context, svc *agreement.Service, id, arbitrator, key string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		a, err := svc.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("replayer load: %w", err)
		}
		if !a.Negotiation.Disputed() && !a.Ended {
			pause(50, 50)
			continue
		}
		req := agreement.RulingRequest{
			AgreementID:    id,
			IdempotencyKey: key,
			Arbitrator:     arbitrator,
			DisputeID:      a.Negotiation.DisputeID,
			Ruling:         arbitration.RulingSplit,
			Refund:         2,
		}
		if a.Ended {
			// the status row no longer carries the dispute id; replay with
			// the key alone, which must still short-circuit
			req.DisputeID = "replay"
		}
		if err := svc.HandleRulingWebhook(ctx, req); err != nil && !expected(err) {
			return fmt.Errorf("replayer webhook: %w", err)
		}
		pause(80, 80)
	}
}

// Disputant escalates a second agreement all the way to arbitration: reject
// the estimate, counter, then reject the counter to open the dispute.
func Disputant(ctx context.Context, svc *agreement.Service, id, holder, counterparty string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		a, err := svc.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("disputant load: %w", err)
		}
		if a.Ended || a.Negotiation.Disputed() {
			return nil
		}
		if !a.TermEnded {
			pause(30, 50)
			continue
		}
		switch {
		case !a.Negotiation.EstimateSet:
			err = svc.SetEstimate(ctx, id, holder, a.Terms.Deposit/2)
		case !a.Negotiation.EstimateRejected:
			err = svc.RejectEstimate(ctx, id, counterparty)
		case !a.Negotiation.CounterSet:
			err = svc.SetCounterEstimate(ctx, id, counterparty, a.Terms.Deposit/4)
		default:
			_, err = svc.RejectCounterEstimate(ctx, id, holder)
		}
		if err != nil && !expected(err) {
			return fmt.Errorf("disputant: %w", err)
		}
		pause(20, 40)
	}
}
