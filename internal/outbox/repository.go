package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lotline/lotline/internal/events"
)

// Repository persists outbox rows. Events are inserted in the same
// transaction as the state change they announce and relayed to the bus
// afterwards, so a broadcast never describes a rolled-back mutation.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert appends one event inside the caller's transaction.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, env events.Envelope) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO outbox_events (id, auction_id, lot_id, event_type, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		env.EventID, env.AuctionID, env.LotID, env.Type, env.Payload, env.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

// FetchUnsent returns the oldest unsent events, locked so concurrent relay
// instances never pick up the same rows.
func (r *Repository) FetchUnsent(ctx context.Context, tx pgx.Tx, limit int) ([]events.Envelope, error) {
	rows, err := tx.Query(ctx,
		`SELECT id, auction_id, lot_id, event_type, payload, created_at
		 FROM outbox_events
		 WHERE sent_at IS NULL
		 ORDER BY created_at
		 LIMIT $1
		 FOR UPDATE SKIP LOCKED`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unsent events: %w", err)
	}
	defer rows.Close()

	var result []events.Envelope
	for rows.Next() {
		var env events.Envelope
		if err := rows.Scan(&env.EventID, &env.AuctionID, &env.LotID, &env.Type, &env.Payload, &env.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		result = append(result, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox events: %w", err)
	}
	return result, nil
}

// MarkSent stamps the given events as relayed.
func (r *Repository) MarkSent(ctx context.Context, tx pgx.Tx, ids []uuid.UUID, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx,
		`UPDATE outbox_events SET sent_at = $2 WHERE id = ANY($1)`,
		ids, now)
	if err != nil {
		return fmt.Errorf("failed to mark events sent: %w", err)
	}
	return nil
}
