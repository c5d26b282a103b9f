package agreement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrDuplicateIdempotencyKey signals the idempotency insert hit an existing key.
	ErrDuplicateIdempotencyKey = errors.New("agreement: duplicate idempotency key")
	// ErrNotFound is returned when no agreement row exists for the identifier.
	ErrNotFound = errors.New("agreement: not found")
)

// Repository persists agreements as status-indexed jsonb snapshots, with the
// timeline and outbox written in the caller's transaction.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, a *Agreement) error {
	snapshot, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("agreement: marshal snapshot: %w", err)
	}

	const insertSQL = `
INSERT INTO agreements (id, holder_id, counterparty_id, arbitrator_id, status, snapshot)
VALUES ($1, $2, $3, $4, $5, $6)
`
	if _, err := tx.Exec(ctx, insertSQL, a.ID, a.Holder, a.Counterparty, a.Arbitrator, a.Status(), snapshot); err != nil {
		return fmt.Errorf("agreement: insert: %w", err)
	}
	return nil
}

// GetForUpdate loads and row-locks the agreement, serializing all mutation on
// it for the duration of the transaction.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (*Agreement, error) {
	var snapshot []byte
	err := tx.QueryRow(ctx, `SELECT snapshot FROM agreements WHERE id = $1 FOR UPDATE`, id).Scan(&snapshot)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agreement: load: %w", err)
	}

	var a Agreement
	if err := json.Unmarshal(snapshot, &a); err != nil {
		return nil, fmt.Errorf("agreement: unmarshal snapshot: %w", err)
	}
	a.Normalize()
	return &a, nil
}

func (r *Repository) Save(ctx context.Context, tx pgx.Tx, a *Agreement) error {
	snapshot, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("agreement: marshal snapshot: %w", err)
	}

	tag, err := tx.Exec(ctx, `
UPDATE agreements
SET snapshot = $1,
    status = $2,
    updated_at = now()
WHERE id = $3
`, snapshot, a.Status(), a.ID)
	if err != nil {
		return fmt.Errorf("agreement: save: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendTimelineEvent writes the next event in the agreement's append-only
// timeline. The per-agreement seq is computed under the caller's row lock.
func (r *Repository) AppendTimelineEvent(ctx context.Context, tx pgx.Tx, agreementID, eventType, actorID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("agreement: marshal timeline payload: %w", err)
	}

	var actor any
	if actorID != "" {
		actor = actorID
	}

	const insertSQL = `
INSERT INTO timeline_events (agreement_id, seq, type, actor_id, payload)
VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM timeline_events WHERE agreement_id = $1), $2, $3, $4::jsonb)
`
	if _, err := tx.Exec(ctx, insertSQL, agreementID, eventType, actor, body); err != nil {
		return fmt.Errorf("agreement: insert timeline event: %w", err)
	}
	return nil
}

func (r *Repository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("agreement: marshal outbox payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("agreement: enqueue outbox: %w", err)
	}
	return nil
}

// InsertIdempotencyKey attempts to reserve the key inside the active transaction.
func (r *Repository) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	if key == "" {
		return fmt.Errorf("agreement: empty idempotency key")
	}

	if _, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1)`, key); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("agreement: insert idempotency key: %w", err)
	}
	return nil
}
