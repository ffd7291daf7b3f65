package bid

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lotline/lotline/internal/models"
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx, so reads can
// run inside or outside a transaction.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists bids and standing proxy bids in PostgreSQL. Bid rows
// are append-only; proxy bids are deactivated in place when cancelled or
// replaced.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// SaveBid appends one bid row inside the caller's transaction.
func (r *Repository) SaveBid(ctx context.Context, tx pgx.Tx, b *models.Bid) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO bids (id, lot_id, user_id, amount, kind, proxy_max_amount, is_highest_at_placement, placed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.ID, b.LotID, b.UserID, b.Amount, b.Kind, b.ProxyMaxAmount, b.IsHighestAtPlacement, b.PlacedAt)
	if err != nil {
		return fmt.Errorf("failed to insert bid: %w", err)
	}
	return nil
}

// HighestPreBid returns the winning pre-bid for a lot: highest amount,
// ties broken by earliest placement. Returns nil when no pre-bids exist.
func (r *Repository) HighestPreBid(ctx context.Context, q Querier, lotID uuid.UUID) (*models.Bid, error) {
	if q == nil {
		q = r.pool
	}
	row := q.QueryRow(ctx,
		`SELECT id, lot_id, user_id, amount, kind, proxy_max_amount, is_highest_at_placement, placed_at
		 FROM bids
		 WHERE lot_id = $1 AND kind = $2
		 ORDER BY amount DESC, placed_at ASC
		 LIMIT 1`,
		lotID, models.BidKindPreBid)

	b, err := scanBid(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return b, nil
}

// BidHistory returns the most recent bids on a lot, newest first.
func (r *Repository) BidHistory(ctx context.Context, lotID uuid.UUID, limit int) ([]*models.Bid, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, lot_id, user_id, amount, kind, proxy_max_amount, is_highest_at_placement, placed_at
		 FROM bids
		 WHERE lot_id = $1
		 ORDER BY placed_at DESC
		 LIMIT $2`,
		lotID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query bids: %w", err)
	}
	defer rows.Close()

	var result []*models.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bids: %w", err)
	}
	return result, nil
}

// Stats aggregates bid activity on a lot inside the caller's transaction
// so the broadcast matches the state the mutation produced.
func (r *Repository) Stats(ctx context.Context, q Querier, lotID uuid.UUID) (*models.BidStats, error) {
	if q == nil {
		q = r.pool
	}
	stats := &models.BidStats{LotID: lotID}
	err := q.QueryRow(ctx,
		`SELECT count(*), count(DISTINCT user_id), COALESCE(max(amount), 0),
		        (SELECT user_id FROM bids WHERE lot_id = $1 ORDER BY amount DESC, placed_at ASC LIMIT 1)
		 FROM bids WHERE lot_id = $1`,
		lotID).Scan(&stats.BidCount, &stats.BidderCount, &stats.HighestAmount, &stats.HighestBidder)
	if err != nil {
		return nil, fmt.Errorf("failed to query bid stats: %w", err)
	}
	return stats, nil
}

// StrongestProxy returns the standing proxy with the highest ceiling on a
// lot, ties broken by earliest placement, excluding the given user's own
// proxy. Returns nil when no rival proxy stands.
func (r *Repository) StrongestProxy(ctx context.Context, tx pgx.Tx, lotID uuid.UUID, excludeUser uuid.UUID) (*models.ProxyBid, error) {
	row := tx.QueryRow(ctx,
		`SELECT id, lot_id, user_id, max_amount, active, created_at
		 FROM proxy_bids
		 WHERE lot_id = $1 AND active AND user_id <> $2
		 ORDER BY max_amount DESC, created_at ASC
		 LIMIT 1
		 FOR UPDATE`,
		lotID, excludeUser)

	var p models.ProxyBid
	err := row.Scan(&p.ID, &p.LotID, &p.UserID, &p.MaxAmount, &p.Active, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query strongest proxy: %w", err)
	}
	return &p, nil
}

// RegisterProxy replaces the user's standing proxy on a lot with a new
// ceiling. The old proxy row, if any, is deactivated rather than deleted.
func (r *Repository) RegisterProxy(ctx context.Context, tx pgx.Tx, p *models.ProxyBid) error {
	_, err := tx.Exec(ctx,
		`UPDATE proxy_bids SET active = FALSE WHERE lot_id = $1 AND user_id = $2 AND active`,
		p.LotID, p.UserID)
	if err != nil {
		return fmt.Errorf("failed to supersede proxy: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO proxy_bids (id, lot_id, user_id, max_amount, active, created_at)
		 VALUES ($1, $2, $3, $4, TRUE, $5)`,
		p.ID, p.LotID, p.UserID, p.MaxAmount, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert proxy: %w", err)
	}
	return nil
}

// DeactivateProxy cancels the user's standing proxy on a lot. Returns
// false when no active proxy exists.
func (r *Repository) DeactivateProxy(ctx context.Context, tx pgx.Tx, lotID, userID uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx,
		`UPDATE proxy_bids SET active = FALSE WHERE lot_id = $1 AND user_id = $2 AND active`,
		lotID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to deactivate proxy: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RetireProxy deactivates a specific standing proxy once its ceiling is
// exhausted by a challenger.
func (r *Repository) RetireProxy(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx,
		`UPDATE proxy_bids SET active = FALSE WHERE id = $1`,
		id)
	if err != nil {
		return fmt.Errorf("failed to retire proxy: %w", err)
	}
	return nil
}

func scanBid(row pgx.Row) (*models.Bid, error) {
	var b models.Bid
	err := row.Scan(&b.ID, &b.LotID, &b.UserID, &b.Amount, &b.Kind, &b.ProxyMaxAmount, &b.IsHighestAtPlacement, &b.PlacedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan bid: %w", err)
	}
	return &b, nil
}
