package agreement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"rentflow/arbitration"
	"rentflow/settlement"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the data access required by the service. Every write happens
// inside the caller's transaction so a rejected mutation leaves no trace.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, a *Agreement) error
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (*Agreement, error)
	Save(ctx context.Context, tx pgx.Tx, a *Agreement) error
	AppendTimelineEvent(ctx context.Context, tx pgx.Tx, agreementID, eventType, actorID string, payload map[string]any) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
	InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error
}

// Service applies aggregate mutations transactionally: load the snapshot under
// a row lock, run the state machine, persist the snapshot, append a timeline
// event, enqueue an outbox message, commit. The row lock serializes all
// mutation per agreement.
type Service struct {
	pool        TxBeginner
	store       Store
	gateway     arbitration.Gateway
	transfer    settlement.Transferer
	now         func() time.Time
	idGenerator func() string
}

func NewService(pool TxBeginner, store Store, gw arbitration.Gateway, xfer settlement.Transferer) *Service {
	if store == nil {
		store = NewRepository()
	}
	return &Service{
		pool:        pool,
		store:       store,
		gateway:     gw,
		transfer:    xfer,
		now:         time.Now,
		idGenerator: func() string { return uuid.NewString() },
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

// outcome describes the persisted side channel of a successful mutation.
type outcome struct {
	event   string
	actor   string
	payload map[string]any
}

func topicFor(event string) string {
	return "agreement." + strings.ToLower(event)
}

func (s *Service) mutate(ctx context.Context, id string, fn func(a *Agreement) (outcome, error)) error {
	if id == "" {
		return fmt.Errorf("agreement: missing agreement id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.store.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}

	out, err := fn(a)
	if err != nil {
		return err
	}

	if err := s.store.Save(ctx, tx, a); err != nil {
		return err
	}

	payload := out.payload
	if payload == nil {
		payload = make(map[string]any, 2)
	}
	payload["agreement_id"] = id
	if err := s.store.AppendTimelineEvent(ctx, tx, id, out.event, out.actor, payload); err != nil {
		return err
	}
	if err := s.store.EnqueueOutbox(ctx, tx, topicFor(out.event), payload); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("agreement: commit tx: %w", err)
	}
	return nil
}

// Create registers a draft agreement between the fixed party identities and
// returns its id.
func (s *Service) Create(ctx context.Context, holder, counterparty, arbitrator string) (string, error) {
	if holder == "" || counterparty == "" || arbitrator == "" {
		return "", fmt.Errorf("agreement: all three party identities are required")
	}
	if holder == counterparty {
		return "", fmt.Errorf("agreement: holder and counterparty must differ")
	}

	a := New(s.idGenerator(), holder, counterparty, arbitrator)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.store.Insert(ctx, tx, a); err != nil {
		return "", err
	}
	payload := map[string]any{
		"agreement_id": a.ID,
		"holder":       holder,
		"counterparty": counterparty,
	}
	if err := s.store.AppendTimelineEvent(ctx, tx, a.ID, "AGREEMENT_CREATED", holder, payload); err != nil {
		return "", err
	}
	if err := s.store.EnqueueOutbox(ctx, tx, topicFor("AGREEMENT_CREATED"), payload); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("agreement: commit tx: %w", err)
	}
	return a.ID, nil
}

// Get loads a read-only copy of the aggregate.
func (s *Service) Get(ctx context.Context, id string) (*Agreement, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	return s.store.GetForUpdate(ctx, tx, id)
}

// ArbitrationCost proxies the current fee from the gateway.
func (s *Service) ArbitrationCost(ctx context.Context) (uint64, error) {
	return s.gateway.Cost(ctx)
}

func (s *Service) SetTerms(ctx context.Context, id, actor string, t Terms) error {
	return s.mutate(ctx, id, func(a *Agreement) (outcome, error) {
		if err := a.SetTerms(actor, t); err != nil {
			return outcome{}, err
		}
		return outcome{event: "TERMS_SET", actor: actor, payload: map[string]any{
			"deposit":     t.Deposit,
			"base_amount": t.BaseAmount,
			"term_length": t.TermLength,
		}}, nil
	})
}

func (s *Service) PayDeposit(ctx context.Context, id, actor string, value uint64) error {
	return s.mutate(ctx, id, func(a *Agreement) (outcome, error) {
		if err := a.PayDeposit(actor, value, s.now()); err != nil {
			return outcome{}, err
		}
		return outcome{event: "DEPOSIT_PAID", actor: actor, payload: map[string]any{
			"value": value,
		}}, nil
	})
}

func (s *Service) RecordPeriodCharge(ctx context.Context, id, actor string, extra uint64) error {
	return s.mutate(ctx, id, func(a *Agreement) (outcome, error) {
		if err := a.RecordPeriodCharge(actor, extra); err != nil {
			return outcome{}, err
		}
		return outcome{event: "CHARGE_RECORDED", actor: actor, payload: map[string]any{
			"period": a.CurrentPeriod,
			"extra":  extra,
		}}, nil
	})
}

func (s *Service) Pay(ctx context.Context, id, actor string, value uint64) error {
	return s.mutate(ctx, id, func(a *Agreement) (outcome, error) {
		period := a.CurrentPeriod
		if err := a.Pay(actor, value, s.now()); err != nil {
			return outcome{}, err
		}
		return outcome{event: "PERIOD_PAID", actor: actor, payload: map[string]any{
			"period":     period,
			"value":      value,
			"term_ended": a.TermEnded,
		}}, nil
	})
}

func (s *Service) PayPartial(ctx context.Context, id, actor string, amount uint64) error {
	return s.mutate(ctx, id, func(a *Agreement) (outcome, error) {
		if err := a.PayPartial(actor, amount, s.now()); err != nil {
			return outcome{}, err
		}
		return outcome{event: "PERIOD_PART_PAID", actor: actor, payload: map[string]any{
			"period":       a.CurrentPeriod,
			"value":        amount,
			"carried_over": a.Obligations.CarriedOver,
		}}, nil
	})
}

func (s *Service) Skip(ctx context.Context, id, actor string) error {
	return s.mutate(ctx, id, func(a *Agreement) (outcome, error) {
		period := a.CurrentPeriod
		if err := a.Skip(actor, s.now()); err != nil {
			return outcome{}, err
		}
		return outcome{event: "PERIOD_SKIPPED", actor: actor, payload: map[string]any{
			"period":       period,
			"carried_over": a.Obligations.CarriedOver,
		}}, nil
	})
}

func (s *Service) Cancel(ctx context.Context, id, actor string, value uint64) error {
	return s.mutate(ctx, id, func(a *Agreement) (outcome, error) {
		if err := a.Cancel(actor, value, s.now()); err != nil {
			return outcome{}, err
		}
		return outcome{event: "CANCELLED", actor: actor, payload: map[string]any{
			"value": value,
		}}, nil
	})
}

func (s *Service) Pause(ctx context.Context, id, actor string) error {
	return s.mutate(ctx, id, func(a *Agreement) (outcome, error) {
		if err := a.Pause(actor); err != nil {
			return outcome{}, err
		}
		return outcome{event: "PAUSED", actor: actor}, nil
	})
}

func (s *Service) Resume(ctx context.Context, id, actor string) error {
	return s.mutate(ctx, id, func(a *Agreement) (outcome, error) {
		if err := a.Resume(actor); err != nil {
			return outcome{}, err
		}
		return outcome{event: "RESUMED", actor: actor}, nil
	})
}

func (s *Service) SetEstimate(ctx context.Context, id, actor string, amount uint64) error {
	return s.mutate(ctx, id, func(a *Agreement) (outcome, error) {
		if err := a.SetEstimate(actor, amount, s.now()); err != nil {
			return outcome{}, err
		}
		return outcome{event: "ESTIMATE_SET", actor: actor, payload: map[string]any{
			"estimate": a.Negotiation.Estimate,
		}}, nil
	})
}

func (s *Service) AcceptEstimate(ctx context.Context, id, actor string) error {
	return s.mutate(ctx, id, func(a *Agreement) (outcome, error) {
		if err := a.AcceptEstimate(actor, s.now()); err != nil {
			return outcome{}, err
		}
		return outcome{event: "ESTIMATE_ACCEPTED", actor: actor, payload: map[string]any{
			"estimate": a.Negotiation.Estimate,
			"ended":    a.Ended,
		}}, nil
	})
}

func (s *Service) RejectEstimate(ctx context.Context, id, actor string) error {
	return s.mutate(ctx, id, func(a *Agreement) (outcome, error) {
		if err := a.RejectEstimate(actor); err != nil {
			return outcome{}, err
		}
		return outcome{event: "ESTIMATE_REJECTED", actor: actor}, nil
	})
}

func (s *Service) SetCounterEstimate(ctx context.Context, id, actor string, amount uint64) error {
	return s.mutate(ctx, id, func(a *Agreement) (outcome, error) {
		if err := a.SetCounterEstimate(actor, amount, s.now()); err != nil {
			return outcome{}, err
		}
		return outcome{event: "COUNTER_SET", actor: actor, payload: map[string]any{
			"counter_estimate": a.Negotiation.Counter,
		}}, nil
	})
}

func (s *Service) AcceptCounterEstimate(ctx context.Context, id, actor string) error {
	return s.mutate(ctx, id, func(a *Agreement) (outcome, error) {
		if err := a.AcceptCounterEstimate(actor, s.now()); err != nil {
			return outcome{}, err
		}
		return outcome{event: "COUNTER_ACCEPTED", actor: actor, payload: map[string]any{
			"counter_estimate": a.Negotiation.Counter,
			"ended":            a.Ended,
		}}, nil
	})
}

func (s *Service) RejectCounterEstimate(ctx context.Context, id, actor string) (string, error) {
	var disputeID string
	err := s.mutate(ctx, id, func(a *Agreement) (outcome, error) {
		var err error
		disputeID, err = a.RejectCounterEstimate(ctx, actor, s.gateway)
		if err != nil {
			return outcome{}, err
		}
		return outcome{event: "DISPUTE_OPENED", actor: actor, payload: map[string]any{
			"dispute_id": disputeID,
			"fees_paid":  a.FeesPaid,
		}}, nil
	})
	return disputeID, err
}

func (s *Service) SubmitEvidence(ctx context.Context, id, actor, disputeID, uri string) error {
	return s.mutate(ctx, id, func(a *Agreement) (outcome, error) {
		if err := a.SubmitEvidence(actor, disputeID, uri); err != nil {
			return outcome{}, err
		}
		return outcome{event: "EVIDENCE_SUBMITTED", actor: actor, payload: map[string]any{
			"dispute_id": disputeID,
			"uri":        uri,
		}}, nil
	})
}

// RulingRequest captures the gateway's ruling callback normalized for the service.
type RulingRequest struct {
	AgreementID    string
	IdempotencyKey string
	Arbitrator     string
	DisputeID      string
	Ruling         arbitration.Ruling
	Refund         uint64
}

// HandleRulingWebhook applies the arbitration ruling exactly once. A replayed
// idempotency key is treated as success without re-applying the ruling.
func (s *Service) HandleRulingWebhook(ctx context.Context, req RulingRequest) error {
	if req.IdempotencyKey == "" {
		return fmt.Errorf("agreement: missing idempotency key")
	}
	if req.AgreementID == "" {
		return fmt.Errorf("agreement: missing agreement id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.store.InsertIdempotencyKey(ctx, tx, req.IdempotencyKey); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return nil
		}
		return err
	}

	a, err := s.store.GetForUpdate(ctx, tx, req.AgreementID)
	if err != nil {
		return err
	}
	if err := a.ApplyRuling(req.Arbitrator, req.DisputeID, req.Ruling, req.Refund, s.now()); err != nil {
		return err
	}
	if err := s.store.Save(ctx, tx, a); err != nil {
		return err
	}

	payload := map[string]any{
		"agreement_id": req.AgreementID,
		"dispute_id":   req.DisputeID,
		"ruling":       string(req.Ruling),
		"refund":       req.Refund,
	}
	if err := s.store.AppendTimelineEvent(ctx, tx, req.AgreementID, "RULING_APPLIED", req.Arbitrator, payload); err != nil {
		return err
	}
	if err := s.store.EnqueueOutbox(ctx, tx, topicFor("RULING_APPLIED"), payload); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("agreement: commit tx: %w", err)
	}
	return nil
}

// Withdraw sweeps the caller's pending balance. The external transfer runs
// inside the transaction: if it fails, the zeroed balance rolls back with
// everything else.
func (s *Service) Withdraw(ctx context.Context, id, actor string) (uint64, error) {
	var amount uint64
	err := s.mutate(ctx, id, func(a *Agreement) (outcome, error) {
		var err error
		amount, err = a.Withdraw(ctx, actor, s.transfer)
		if err != nil {
			return outcome{}, err
		}
		return outcome{event: "FUNDS_WITHDRAWN", actor: actor, payload: map[string]any{
			"value": amount,
		}}, nil
	})
	return amount, err
}
