package settlement

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNothingPending is returned when a withdrawal is attempted with a zero balance.
	ErrNothingPending = errors.New("settlement: nothing pending for address")
	// ErrTransferFailed signals the value-transfer boundary reported failure.
	ErrTransferFailed = errors.New("settlement: transfer failed")
)

// Transferer is the value-transfer boundary. Implementations move value to an
// address and report success or failure synchronously.
type Transferer interface {
	Transfer(ctx context.Context, to string, amount uint64) error
}

// TransfererFunc adapts a function to the Transferer interface.
type TransfererFunc func(ctx context.Context, to string, amount uint64) error

func (f TransfererFunc) Transfer(ctx context.Context, to string, amount uint64) error {
	return f(ctx, to, amount)
}

// Ledger is a pull-payment balance table. Credits record entitlement without
// moving value; Withdraw moves value for exactly one address. Fields are
// exported for snapshot persistence; mutate only through methods.
type Ledger struct {
	Balances       map[string]uint64 `json:"balances"`
	TotalCredited  uint64            `json:"total_credited"`
	TotalWithdrawn uint64            `json:"total_withdrawn"`
}

func NewLedger() Ledger {
	return Ledger{Balances: make(map[string]uint64)}
}

// Normalize restores internal maps after deserialization.
func (l *Ledger) Normalize() {
	if l.Balances == nil {
		l.Balances = make(map[string]uint64)
	}
}

// Credit records amount as pending for addr. No value moves.
func (l *Ledger) Credit(addr string, amount uint64) {
	if amount == 0 {
		return
	}
	l.Normalize()
	l.Balances[addr] += amount
	l.TotalCredited += amount
}

// Pending reports the withdrawable balance for addr.
func (l *Ledger) Pending(addr string) uint64 {
	return l.Balances[addr]
}

// PendingTotal reports the sum of all pending balances.
func (l *Ledger) PendingTotal() uint64 {
	var total uint64
	for _, v := range l.Balances {
		total += v
	}
	return total
}

// Withdraw zeroes addr's balance and then invokes the transfer. The zeroing
// happens before the external call so a reentrant credit cannot be swept twice;
// if the transfer fails the balance is reinstated and the call errors, leaving
// the ledger exactly as it was.
func (l *Ledger) Withdraw(ctx context.Context, addr string, xfer Transferer) (uint64, error) {
	l.Normalize()
	amount := l.Balances[addr]
	if amount == 0 {
		return 0, ErrNothingPending
	}

	delete(l.Balances, addr)
	if err := xfer.Transfer(ctx, addr, amount); err != nil {
		// additive, so a credit posted during the failed attempt survives
		l.Balances[addr] += amount
		return 0, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	l.TotalWithdrawn += amount

	return amount, nil
}
