package obligation

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrChargeMissing is returned when a payment action is attempted before the
	// period's extra charge has been recorded.
	ErrChargeMissing = errors.New("obligation: period charge not recorded")
	// ErrAlreadyPaid signals the period was settled before.
	ErrAlreadyPaid = errors.New("obligation: period already paid")
	// ErrValueMismatch signals the attached value does not equal the amount due.
	ErrValueMismatch = errors.New("obligation: attached value does not equal amount due")
	// ErrBadPartial signals a partial payment that is zero or not strictly below the due total.
	ErrBadPartial = errors.New("obligation: partial payment must be positive and below the due total")
	// ErrFinalSkip signals an attempt to skip the final period of the term.
	ErrFinalSkip = errors.New("obligation: final period cannot be skipped")
	// ErrRolled signals the period's due was already fixed into the carried-over
	// amount by a partial payment or skip and can no longer be recharged.
	ErrRolled = errors.New("obligation: period already rolled into carried-over due")
)

// Record tracks one billing period. A record is created lazily when the first
// charge is recorded for its period.
type Record struct {
	Base    uint64     `json:"base"`
	Extra   uint64     `json:"extra"`
	DueDate time.Time  `json:"due_date"`
	Paid    bool       `json:"paid"`
	PaidAt  *time.Time `json:"paid_at,omitempty"`
	LateFee uint64     `json:"late_fee"`
	// Rolled marks that a partial payment folded base, extra, and the fixed late
	// fee into the carried-over due; the remaining debt for the period is then
	// the ledger's CarriedOver alone.
	Rolled bool `json:"rolled,omitempty"`
}

// Ledger tracks per-period obligations and the running carried-over due.
// Fields are exported for snapshot persistence; mutate only through methods.
type Ledger struct {
	Records     map[int]*Record `json:"records"`
	CarriedOver uint64          `json:"carried_over"`
}

func NewLedger() Ledger {
	return Ledger{Records: make(map[int]*Record)}
}

// Normalize restores internal maps after deserialization.
func (l *Ledger) Normalize() {
	if l.Records == nil {
		l.Records = make(map[int]*Record)
	}
}

// RecordCharge creates or updates the period record with the extra charge.
// A second call overwrites the previous charge; it never accumulates. Once a
// partial payment rolls the period, the due total is fixed and further charges
// are rejected instead of silently ignored.
func (l *Ledger) RecordCharge(period int, base uint64, due time.Time, extra uint64) error {
	l.Normalize()
	rec := l.Records[period]
	if rec == nil {
		rec = &Record{Base: base, DueDate: due}
		l.Records[period] = rec
	}
	if rec.Paid {
		return ErrAlreadyPaid
	}
	if rec.Rolled {
		return ErrRolled
	}
	rec.Extra = extra
	return nil
}

// Outstanding computes the exact amount due for the period at the given time
// and the late-fee component included in it. It fails until a non-zero charge
// has been recorded, which keeps a counterparty from underpaying a period whose
// charges are not yet known.
func (l *Ledger) Outstanding(period int, lateFeePercent uint64, grace time.Duration, now time.Time) (uint64, uint64, error) {
	rec := l.Records[period]
	if rec == nil || (!rec.Rolled && rec.Extra == 0) {
		return 0, 0, ErrChargeMissing
	}
	if rec.Paid {
		return 0, 0, ErrAlreadyPaid
	}
	if rec.Rolled {
		// Everything owed was folded into the carry by a partial payment.
		return l.CarriedOver, rec.LateFee, nil
	}
	var fee uint64
	if now.After(rec.DueDate.Add(grace)) {
		fee = rec.Base * lateFeePercent / 100
	}
	return rec.Base + rec.Extra + l.CarriedOver + fee, fee, nil
}

// Pay settles the period in full. The attached value must equal the computed
// total exactly. On success the period is marked paid, the late fee is fixed on
// the record for audit, and the carried-over due is zeroed.
func (l *Ledger) Pay(period int, value uint64, lateFeePercent uint64, grace time.Duration, now time.Time) (uint64, error) {
	total, fee, err := l.Outstanding(period, lateFeePercent, grace, now)
	if err != nil {
		return 0, err
	}
	if value != total {
		return 0, fmt.Errorf("%w: need %d, got %d", ErrValueMismatch, total, value)
	}

	rec := l.Records[period]
	rec.Paid = true
	paidAt := now
	rec.PaidAt = &paidAt
	if !rec.Rolled {
		rec.LateFee = fee
	}
	l.CarriedOver = 0

	return total, nil
}

// PayPartial records a payment strictly below the due total. The shortfall
// becomes the new carried-over due; the period stays unpaid.
func (l *Ledger) PayPartial(period int, amount uint64, lateFeePercent uint64, grace time.Duration, now time.Time) error {
	total, fee, err := l.Outstanding(period, lateFeePercent, grace, now)
	if err != nil {
		return err
	}
	if amount == 0 || amount >= total {
		return fmt.Errorf("%w: due %d, got %d", ErrBadPartial, total, amount)
	}

	rec := l.Records[period]
	if !rec.Rolled {
		rec.LateFee = fee
		rec.Rolled = true
	}
	l.CarriedOver = total - amount

	return nil
}

// Skip rolls the full period total (without late fee) into the carried-over
// due. The final period of a term can never be skipped.
func (l *Ledger) Skip(period int, final bool) error {
	if final {
		return ErrFinalSkip
	}
	rec := l.Records[period]
	if rec == nil || (!rec.Rolled && rec.Extra == 0) {
		return ErrChargeMissing
	}
	if rec.Paid {
		return ErrAlreadyPaid
	}
	if !rec.Rolled {
		l.CarriedOver += rec.Base + rec.Extra
		rec.Rolled = true
	}
	return nil
}

// Paid reports whether the period has been settled in full.
func (l *Ledger) Paid(period int) bool {
	rec := l.Records[period]
	return rec != nil && rec.Paid
}
