package agreement

import (
	"context"
	"fmt"
	"time"

	"rentflow/settlement"
)

// SetTerms configures the agreement. Holder only, draft only, set once.
func (a *Agreement) SetTerms(actor string, t Terms) error {
	if actor != a.Holder {
		return ErrUnauthorized
	}
	if a.Active || a.Cancelled || a.TermsSet {
		return ErrPhase
	}
	if t.Deposit == 0 || t.BaseAmount == 0 || t.TermLength <= 0 {
		return fmt.Errorf("agreement: deposit, base amount, and term length must be positive")
	}
	if t.PeriodLength <= 0 || t.TimeoutWindow <= 0 {
		return fmt.Errorf("agreement: period length and timeout window must be positive")
	}
	if t.LateFeePercent > 100 || t.CancelFeePercent > 100 {
		return fmt.Errorf("agreement: fee percentages must be within 0-100")
	}
	if t.GracePeriod < 0 {
		return fmt.Errorf("agreement: grace period must not be negative")
	}

	a.Terms = t
	a.TermsSet = true
	return nil
}

// PayDeposit escrows the deposit and activates the agreement in one step, so a
// holder cannot sit on received funds without activating.
func (a *Agreement) PayDeposit(actor string, value uint64, now time.Time) error {
	if actor != a.Counterparty {
		return ErrUnauthorized
	}
	if !a.TermsSet || a.Active || a.Cancelled || a.DepositPaid {
		return ErrPhase
	}
	if value != a.Terms.Deposit {
		return fmt.Errorf("%w: deposit is %d, got %d", ErrValueMismatch, a.Terms.Deposit, value)
	}

	a.DepositPaid = true
	a.Active = true
	a.DepositHeld = value
	a.ValueReceived += value
	a.CurrentPeriod = 1
	a.PeriodStart = now
	return nil
}

func (a *Agreement) guardPaying(actor string, want Role) error {
	role, ok := a.roleOf(actor)
	if !ok || role != want {
		return ErrUnauthorized
	}
	if !a.Active || a.Cancelled || a.Ended || a.TermEnded {
		return ErrPhase
	}
	if a.Paused {
		return ErrPaused
	}
	return nil
}

// RecordPeriodCharge sets the extra charge for the current period. Recording
// again overwrites; a period cannot be paid until its charge is known.
func (a *Agreement) RecordPeriodCharge(actor string, extra uint64) error {
	if err := a.guardPaying(actor, RoleHolder); err != nil {
		return err
	}
	if extra == 0 {
		return fmt.Errorf("agreement: extra charge must be positive")
	}
	return a.Obligations.RecordCharge(a.CurrentPeriod, a.Terms.BaseAmount, a.dueDate(a.CurrentPeriod), extra)
}

// Pay settles the current period in full and advances it, ending the term
// after the final period. The full amount is credited to the holder's
// settlement balance.
func (a *Agreement) Pay(actor string, value uint64, now time.Time) error {
	if err := a.guardPaying(actor, RoleCounterparty); err != nil {
		return err
	}
	if err := a.enter(); err != nil {
		return err
	}
	defer a.exit()

	total, err := a.Obligations.Pay(a.CurrentPeriod, value, a.Terms.LateFeePercent, a.Terms.GracePeriod, now)
	if err != nil {
		return err
	}

	a.ValueReceived += total
	a.Settlement.Credit(a.Holder, total)
	a.advancePeriod(now)
	return nil
}

// PayPartial credits a payment strictly below the due total to the holder and
// carries the shortfall forward. The period stays current and unpaid.
func (a *Agreement) PayPartial(actor string, amount uint64, now time.Time) error {
	if err := a.guardPaying(actor, RoleCounterparty); err != nil {
		return err
	}
	if err := a.enter(); err != nil {
		return err
	}
	defer a.exit()

	if err := a.Obligations.PayPartial(a.CurrentPeriod, amount, a.Terms.LateFeePercent, a.Terms.GracePeriod, now); err != nil {
		return err
	}

	a.ValueReceived += amount
	a.Settlement.Credit(a.Holder, amount)
	return nil
}

// Skip rolls the current period's total into the carried-over due and advances
// the period. The final period can never be skipped.
func (a *Agreement) Skip(actor string, now time.Time) error {
	if err := a.guardPaying(actor, RoleCounterparty); err != nil {
		return err
	}
	if err := a.Obligations.Skip(a.CurrentPeriod, a.CurrentPeriod == a.Terms.TermLength); err != nil {
		return err
	}
	a.advancePeriod(now)
	return nil
}

func (a *Agreement) advancePeriod(now time.Time) {
	if a.CurrentPeriod == a.Terms.TermLength {
		a.TermEnded = true
		a.Negotiation.Start(now, a.Terms.TimeoutWindow)
		return
	}
	a.CurrentPeriod++
}

// Cancel terminates the agreement before the term ends. The cancelling party
// bears a fee: a cancelling holder attaches it on top of the full deposit
// refund; a cancelling counterparty has it deducted from the refund and
// credited to the holder.
func (a *Agreement) Cancel(actor string, value uint64, now time.Time) error {
	role, ok := a.roleOf(actor)
	if !ok || role == RoleArbitrator {
		return ErrUnauthorized
	}
	if !a.Active || a.Cancelled || a.Ended || a.TermEnded {
		return ErrPhase
	}
	if err := a.enter(); err != nil {
		return err
	}
	defer a.exit()

	fee := a.Terms.Deposit * a.Terms.CancelFeePercent / 100
	switch role {
	case RoleHolder:
		if value != fee {
			return fmt.Errorf("%w: cancellation fee is %d, got %d", ErrValueMismatch, fee, value)
		}
		a.ValueReceived += value
		a.Settlement.Credit(a.Counterparty, a.DepositHeld+fee)
	case RoleCounterparty:
		if value != 0 {
			return fmt.Errorf("%w: counterparty cancellation takes no value, got %d", ErrValueMismatch, value)
		}
		if fee > a.DepositHeld {
			fee = a.DepositHeld
		}
		a.Settlement.Credit(a.Counterparty, a.DepositHeld-fee)
		a.Settlement.Credit(a.Holder, fee)
	}

	a.DepositHeld = 0
	a.Cancelled = true
	a.Ended = true
	return nil
}

// Pause suspends all financial mutators except withdrawal and cancellation.
func (a *Agreement) Pause(actor string) error {
	if actor != a.Holder {
		return ErrUnauthorized
	}
	if !a.Active || a.Ended || a.Cancelled || a.Paused {
		return ErrPhase
	}
	a.Paused = true
	return nil
}

// Resume lifts a pause.
func (a *Agreement) Resume(actor string) error {
	if actor != a.Holder {
		return ErrUnauthorized
	}
	if !a.Active || a.Ended || a.Cancelled || !a.Paused {
		return ErrPhase
	}
	a.Paused = false
	return nil
}

// Withdraw sweeps the caller's full pending settlement balance through the
// value-transfer boundary. Allowed in every phase, pause included; outstanding
// balances stay payable indefinitely after the agreement ends.
func (a *Agreement) Withdraw(ctx context.Context, actor string, xfer settlement.Transferer) (uint64, error) {
	if err := a.enter(); err != nil {
		return 0, err
	}
	defer a.exit()

	return a.Settlement.Withdraw(ctx, actor, xfer)
}
