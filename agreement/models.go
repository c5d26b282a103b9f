package agreement

import (
	"errors"
	"time"

	"rentflow/negotiation"
	"rentflow/obligation"
	"rentflow/settlement"
)

var (
	// ErrUnauthorized signals the caller identity is not allowed to perform the action.
	ErrUnauthorized = errors.New("agreement: caller not authorized for this action")
	// ErrPhase signals the action was invoked outside its valid phase.
	ErrPhase = errors.New("agreement: action not allowed in current phase")
	// ErrPaused signals a financial mutator was invoked while the agreement is paused.
	ErrPaused = errors.New("agreement: paused")
	// ErrValueMismatch signals the attached value does not equal the required amount.
	ErrValueMismatch = errors.New("agreement: attached value does not equal required amount")
	// ErrReentrancy signals a mutator was re-entered from within a value transfer.
	ErrReentrancy = errors.New("agreement: reentrant call rejected")
)

// Role distinguishes the three identities an agreement knows about.
type Role string

const (
	RoleHolder       Role = "holder"
	RoleCounterparty Role = "counterparty"
	RoleArbitrator   Role = "arbitrator"
)

// Terms are the financial parameters of the agreement, set once in draft.
type Terms struct {
	Deposit          uint64        `json:"deposit"`
	BaseAmount       uint64        `json:"base_amount"`
	TermLength       int           `json:"term_length"`
	PeriodLength     time.Duration `json:"period_length"`
	GracePeriod      time.Duration `json:"grace_period"`
	LateFeePercent   uint64        `json:"late_fee_percent"`
	CancelFeePercent uint64        `json:"cancel_fee_percent"`
	TimeoutWindow    time.Duration `json:"timeout_window"`
}

// Agreement is the aggregate root: two fixed parties, the deposit custody, the
// obligation ledger for the active term, and the damage negotiation after it.
// All mutation goes through the methods in machine.go and endgame.go; the
// fields are exported only so the repository can snapshot the aggregate.
type Agreement struct {
	ID           string `json:"id"`
	Holder       string `json:"holder"`
	Counterparty string `json:"counterparty"`
	Arbitrator   string `json:"arbitrator"`

	Terms    Terms `json:"terms"`
	TermsSet bool  `json:"terms_set"`

	DepositPaid bool `json:"deposit_paid"`
	Active      bool `json:"active"`
	TermEnded   bool `json:"term_ended"`
	Paused      bool `json:"paused"`
	Cancelled   bool `json:"cancelled"`
	Ended       bool `json:"ended"`

	DepositHeld   uint64 `json:"deposit_held"`
	FeesPaid      uint64 `json:"fees_paid"`
	ValueReceived uint64 `json:"value_received"`

	CurrentPeriod int       `json:"current_period"`
	PeriodStart   time.Time `json:"period_start"`

	Obligations obligation.Ledger    `json:"obligations"`
	Negotiation negotiation.Protocol `json:"negotiation"`
	Settlement  settlement.Ledger    `json:"settlement"`

	busy bool
}

// New creates a draft agreement between the fixed party identities.
func New(id, holder, counterparty, arbitrator string) *Agreement {
	return &Agreement{
		ID:           id,
		Holder:       holder,
		Counterparty: counterparty,
		Arbitrator:   arbitrator,
		Obligations:  obligation.NewLedger(),
		Settlement:   settlement.NewLedger(),
	}
}

// Normalize restores internal maps after deserialization.
func (a *Agreement) Normalize() {
	a.Obligations.Normalize()
	a.Settlement.Normalize()
}

// Status derives a coarse lifecycle label for indexing. Paused is an overlay,
// not a status of its own.
func (a *Agreement) Status() string {
	switch {
	case a.Cancelled:
		return "cancelled"
	case a.Ended:
		return "ended"
	case a.Negotiation.Disputed():
		return "disputed"
	case a.TermEnded:
		return "negotiating"
	case a.Active:
		return "active"
	default:
		return "draft"
	}
}

// PeriodPaid reports whether the given period was settled in full.
func (a *Agreement) PeriodPaid(period int) bool {
	return a.Obligations.Paid(period)
}

// Pending reports the withdrawable settlement balance for addr.
func (a *Agreement) Pending(addr string) uint64 {
	return a.Settlement.Pending(addr)
}

func (a *Agreement) roleOf(addr string) (Role, bool) {
	switch addr {
	case a.Holder:
		return RoleHolder, true
	case a.Counterparty:
		return RoleCounterparty, true
	case a.Arbitrator:
		return RoleArbitrator, true
	default:
		return "", false
	}
}

func (a *Agreement) actorOf(addr string) (negotiation.Actor, bool) {
	switch addr {
	case a.Holder:
		return negotiation.ActorHolder, true
	case a.Counterparty:
		return negotiation.ActorCounterparty, true
	default:
		return 0, false
	}
}

// dueDate is the end of the given period.
func (a *Agreement) dueDate(period int) time.Time {
	return a.PeriodStart.Add(time.Duration(period) * a.Terms.PeriodLength)
}

// enter arms the reentrancy guard for mutators that move value. A reentrant
// invocation from within an external transfer or callback is rejected.
func (a *Agreement) enter() error {
	if a.busy {
		return ErrReentrancy
	}
	a.busy = true
	return nil
}

func (a *Agreement) exit() { a.busy = false }
