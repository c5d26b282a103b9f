package agreement

import (
	"context"
	"time"

	"rentflow/arbitration"
	"rentflow/negotiation"
)

// guardNegotiating admits the two parties to the post-term negotiation.
func (a *Agreement) guardNegotiating(actor string) (negotiation.Actor, error) {
	who, ok := a.actorOf(actor)
	if !ok {
		return 0, ErrUnauthorized
	}
	if !a.Active || a.Cancelled || a.Ended || !a.TermEnded {
		return 0, ErrPhase
	}
	if a.Paused {
		return 0, ErrPaused
	}
	return who, nil
}

// SetEstimate records the holder's damage estimate, or a forced zero estimate
// by the counterparty once the timeout window has elapsed.
func (a *Agreement) SetEstimate(actor string, amount uint64, now time.Time) error {
	who, err := a.guardNegotiating(actor)
	if err != nil {
		return err
	}
	return a.Negotiation.SetEstimate(who, amount, now)
}

// AcceptEstimate settles the deposit on the holder's estimate and ends the
// agreement.
func (a *Agreement) AcceptEstimate(actor string, now time.Time) error {
	who, err := a.guardNegotiating(actor)
	if err != nil {
		return err
	}
	if err := a.enter(); err != nil {
		return err
	}
	defer a.exit()

	split, err := a.Negotiation.AcceptEstimate(who, a.DepositHeld)
	if err != nil {
		return err
	}
	a.settle(split)
	return nil
}

// RejectEstimate records the counterparty's rejection of the estimate.
func (a *Agreement) RejectEstimate(actor string) error {
	who, err := a.guardNegotiating(actor)
	if err != nil {
		return err
	}
	return a.Negotiation.RejectEstimate(who)
}

// SetCounterEstimate records the counterparty's counter, or a forced zero
// counter by the holder once the timeout window has elapsed.
func (a *Agreement) SetCounterEstimate(actor string, amount uint64, now time.Time) error {
	who, err := a.guardNegotiating(actor)
	if err != nil {
		return err
	}
	return a.Negotiation.SetCounterEstimate(who, amount, now)
}

// AcceptCounterEstimate settles the deposit on the counter-estimate and ends
// the agreement.
func (a *Agreement) AcceptCounterEstimate(actor string, now time.Time) error {
	who, err := a.guardNegotiating(actor)
	if err != nil {
		return err
	}
	if err := a.enter(); err != nil {
		return err
	}
	defer a.exit()

	split, err := a.Negotiation.AcceptCounterEstimate(who, a.DepositHeld)
	if err != nil {
		return err
	}
	a.settle(split)
	return nil
}

// RejectCounterEstimate escalates to arbitration. The arbitration fee is
// deducted from the deposit before the dispute opens.
func (a *Agreement) RejectCounterEstimate(ctx context.Context, actor string, gw arbitration.Gateway) (string, error) {
	who, err := a.guardNegotiating(actor)
	if err != nil {
		return "", err
	}

	fee, err := a.Negotiation.RejectCounterEstimate(ctx, who, a.DepositHeld, gw)
	if err != nil {
		return "", err
	}
	a.DepositHeld -= fee
	a.FeesPaid += fee
	return a.Negotiation.DisputeID, nil
}

// SubmitEvidence appends an evidence URI for the open dispute. Either party.
func (a *Agreement) SubmitEvidence(actor string, disputeID, uri string) error {
	if _, err := a.guardNegotiating(actor); err != nil {
		return err
	}
	return a.Negotiation.SubmitEvidence(disputeID, uri)
}

// ApplyRuling is the inbound callback from the arbitration gateway. Only the
// configured arbitrator identity is accepted, and a pause does not block it:
// a holder must not be able to stall a binding ruling.
func (a *Agreement) ApplyRuling(actor string, disputeID string, ruling arbitration.Ruling, refund uint64, now time.Time) error {
	if actor != a.Arbitrator {
		return ErrUnauthorized
	}
	if !a.Active || a.Cancelled || a.Ended || !a.TermEnded {
		return ErrPhase
	}
	if err := a.enter(); err != nil {
		return err
	}
	defer a.exit()

	split, err := a.Negotiation.ApplyRuling(disputeID, ruling, refund, a.DepositHeld)
	if err != nil {
		return err
	}
	a.ValueReceived += refund
	a.settle(split)
	return nil
}

// settle credits the final split and closes the agreement. Only reachable once
// the term has ended and the negotiation resolved; balances remain withdrawable.
func (a *Agreement) settle(split negotiation.Split) {
	a.Settlement.Credit(a.Holder, split.Holder)
	a.Settlement.Credit(a.Counterparty, split.Counterparty)
	a.DepositHeld = 0
	a.Ended = true
}
