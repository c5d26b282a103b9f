package negotiation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rentflow/arbitration"
)

// Actor identifies which side of the agreement is making a move.
type Actor int

const (
	ActorHolder Actor = iota + 1
	ActorCounterparty
)

var (
	// ErrNotYourMove signals the actor is not authorized for this step right now.
	ErrNotYourMove = errors.New("negotiation: not this party's move")
	// ErrNoEstimate signals a step that requires the holder's estimate first.
	ErrNoEstimate = errors.New("negotiation: no damage estimate set")
	// ErrEstimateExists signals the estimate was already set.
	ErrEstimateExists = errors.New("negotiation: estimate already set")
	// ErrCounterExists signals the counter-estimate was already set.
	ErrCounterExists = errors.New("negotiation: counter-estimate already set")
	// ErrNoCounter signals a step that requires a counter-estimate first.
	ErrNoCounter = errors.New("negotiation: no counter-estimate set")
	// ErrNotRejected signals a counter-estimate submitted before the estimate was rejected.
	ErrNotRejected = errors.New("negotiation: estimate must be rejected before countering")
	// ErrDisputeOpen signals a negotiation move while arbitration is pending.
	ErrDisputeOpen = errors.New("negotiation: dispute already open")
	// ErrNoDispute signals a dispute-scoped action with no open dispute.
	ErrNoDispute = errors.New("negotiation: no open dispute")
	// ErrDisputeMismatch signals an action referencing the wrong dispute id.
	ErrDisputeMismatch = errors.New("negotiation: dispute id mismatch")
	// ErrResolved signals the negotiation already settled.
	ErrResolved = errors.New("negotiation: already resolved")
	// ErrInsufficientDeposit signals the deposit cannot cover the arbitration fee.
	ErrInsufficientDeposit = errors.New("negotiation: deposit below arbitration cost")
	// ErrBadRuling signals an unknown ruling value.
	ErrBadRuling = errors.New("negotiation: unknown ruling")
)

// Split is a settlement of the remaining deposit (plus any fee refund)
// between the two parties.
type Split struct {
	Holder       uint64
	Counterparty uint64
}

// Protocol is the bounded damage-estimate negotiation. Each "set a number"
// step has one authorized actor until the timeout window elapses, at which
// point authorization flips to the counterpart for that step only and the
// forced value is zero. Acceptance, rejection, and dispute opening never flip.
//
// Fields are exported for snapshot persistence; mutate only through methods.
type Protocol struct {
	Estimate         uint64              `json:"estimate"`
	EstimateSet      bool                `json:"estimate_set"`
	EstimateRejected bool                `json:"estimate_rejected"`
	Counter          uint64              `json:"counter"`
	CounterSet       bool                `json:"counter_set"`
	DisputeID        string              `json:"dispute_id,omitempty"`
	Resolved         bool                `json:"resolved"`
	Evidence         map[string][]string `json:"evidence,omitempty"`
	LastAction       time.Time           `json:"last_action"`
	Window           time.Duration       `json:"window"`
}

// Start arms the negotiation clock. Called once when the agreement term ends.
func (p *Protocol) Start(now time.Time, window time.Duration) {
	p.LastAction = now
	p.Window = window
}

// Disputed reports whether arbitration is pending.
func (p *Protocol) Disputed() bool {
	return p.DisputeID != "" && !p.Resolved
}

func (p *Protocol) windowElapsed(now time.Time) bool {
	return !now.Before(p.LastAction.Add(p.Window))
}

func (p *Protocol) guardOpen() error {
	if p.Resolved {
		return ErrResolved
	}
	if p.DisputeID != "" {
		return ErrDisputeOpen
	}
	return nil
}

// SetEstimate records the holder's damage estimate. After the timeout window
// the counterparty may force a zero estimate on the holder's behalf instead.
func (p *Protocol) SetEstimate(actor Actor, amount uint64, now time.Time) error {
	if err := p.guardOpen(); err != nil {
		return err
	}
	if p.EstimateSet {
		return ErrEstimateExists
	}
	switch actor {
	case ActorHolder:
		p.Estimate = amount
	case ActorCounterparty:
		if !p.windowElapsed(now) {
			return ErrNotYourMove
		}
		p.Estimate = 0
	default:
		return ErrNotYourMove
	}
	p.EstimateSet = true
	p.LastAction = now
	return nil
}

// AcceptEstimate settles on the holder's number: min(estimate, deposit) to the
// holder, the remainder back to the counterparty.
func (p *Protocol) AcceptEstimate(actor Actor, deposit uint64) (Split, error) {
	if err := p.guardOpen(); err != nil {
		return Split{}, err
	}
	if actor != ActorCounterparty {
		return Split{}, ErrNotYourMove
	}
	if !p.EstimateSet {
		return Split{}, ErrNoEstimate
	}
	damage := min(p.Estimate, deposit)
	p.Resolved = true
	return Split{Holder: damage, Counterparty: deposit - damage}, nil
}

// RejectEstimate records the counterparty's rejection. Purely informational,
// but required before a counter-estimate is admissible.
func (p *Protocol) RejectEstimate(actor Actor) error {
	if err := p.guardOpen(); err != nil {
		return err
	}
	if actor != ActorCounterparty {
		return ErrNotYourMove
	}
	if !p.EstimateSet {
		return ErrNoEstimate
	}
	p.EstimateRejected = true
	return nil
}

// SetCounterEstimate records the counterparty's counter. After the timeout
// window the holder may force a zero counter instead; the forced path does not
// require a prior rejection, since the stall itself is the disagreement.
func (p *Protocol) SetCounterEstimate(actor Actor, amount uint64, now time.Time) error {
	if err := p.guardOpen(); err != nil {
		return err
	}
	if !p.EstimateSet {
		return ErrNoEstimate
	}
	if p.CounterSet {
		return ErrCounterExists
	}
	switch actor {
	case ActorCounterparty:
		if !p.EstimateRejected {
			return ErrNotRejected
		}
		p.Counter = amount
	case ActorHolder:
		if !p.windowElapsed(now) {
			return ErrNotYourMove
		}
		p.Counter = 0
	default:
		return ErrNotYourMove
	}
	p.CounterSet = true
	p.LastAction = now
	return nil
}

// AcceptCounterEstimate settles on the counterparty's number, symmetric to
// AcceptEstimate.
func (p *Protocol) AcceptCounterEstimate(actor Actor, deposit uint64) (Split, error) {
	if err := p.guardOpen(); err != nil {
		return Split{}, err
	}
	if actor != ActorHolder {
		return Split{}, ErrNotYourMove
	}
	if !p.CounterSet {
		return Split{}, ErrNoCounter
	}
	damage := min(p.Counter, deposit)
	p.Resolved = true
	return Split{Holder: damage, Counterparty: deposit - damage}, nil
}

// RejectCounterEstimate escalates to arbitration: it prices the dispute via
// the gateway, checks the deposit covers it, and opens the dispute. The
// returned fee must be deducted from the deposit by the caller.
func (p *Protocol) RejectCounterEstimate(ctx context.Context, actor Actor, deposit uint64, gw arbitration.Gateway) (uint64, error) {
	if err := p.guardOpen(); err != nil {
		return 0, err
	}
	if actor != ActorHolder {
		return 0, ErrNotYourMove
	}
	if !p.CounterSet {
		return 0, ErrNoCounter
	}

	cost, err := gw.Cost(ctx)
	if err != nil {
		return 0, fmt.Errorf("negotiation: arbitration cost: %w", err)
	}
	if deposit < cost {
		return 0, fmt.Errorf("%w: deposit %d, cost %d", ErrInsufficientDeposit, deposit, cost)
	}

	id, err := gw.OpenDispute(ctx, p.Estimate, p.Counter, cost)
	if err != nil {
		return 0, fmt.Errorf("negotiation: open dispute: %w", err)
	}
	p.DisputeID = id

	return cost, nil
}

// SubmitEvidence appends a URI to the append-only evidence log for the open
// dispute. Pure audit trail; no state effect.
func (p *Protocol) SubmitEvidence(disputeID, uri string) error {
	if p.Resolved {
		return ErrResolved
	}
	if p.DisputeID == "" {
		return ErrNoDispute
	}
	if disputeID != p.DisputeID {
		return ErrDisputeMismatch
	}
	if p.Evidence == nil {
		p.Evidence = make(map[string][]string)
	}
	p.Evidence[disputeID] = append(p.Evidence[disputeID], uri)
	return nil
}

// ApplyRuling settles the deposit according to the arbitrator's verdict. A
// clear ruling awards min(winner's estimate, deposit) as damage to the holder
// side of the split; a split ruling halves the deposit. The fee refund goes
// wholly to the winner, or is halved on a split with the odd unit landing on
// the holder.
func (p *Protocol) ApplyRuling(disputeID string, ruling arbitration.Ruling, refund, deposit uint64) (Split, error) {
	if p.Resolved {
		return Split{}, ErrResolved
	}
	if p.DisputeID == "" {
		return Split{}, ErrNoDispute
	}
	if disputeID != p.DisputeID {
		return Split{}, ErrDisputeMismatch
	}

	var out Split
	switch ruling {
	case arbitration.RulingFavorHolder:
		damage := min(p.Estimate, deposit)
		out = Split{Holder: damage + refund, Counterparty: deposit - damage}
	case arbitration.RulingFavorCounterparty:
		damage := min(p.Counter, deposit)
		out = Split{Holder: damage, Counterparty: deposit - damage + refund}
	case arbitration.RulingSplit:
		half := deposit / 2
		// Odd refund unit goes to the holder. Arbitrary tie-break, kept stable.
		out = Split{Holder: half + (refund - refund/2), Counterparty: deposit - half + refund/2}
	default:
		return Split{}, fmt.Errorf("%w: %q", ErrBadRuling, ruling)
	}

	p.Resolved = true
	return out, nil
}
