package auction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lotline/lotline/internal/models"
)

// ErrNotFound is returned when an auction does not exist.
var ErrNotFound = errors.New("auction not found")

const auctionColumns = `id, name, status, start_time, end_time, timer_seconds,
	current_lot_number, total_cars_count, sold_cars_count, total_sales_amount,
	created_at, updated_at`

// Repository persists auctions in PostgreSQL. Status transitions use
// compare-and-swap updates so concurrent drivers race safely.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) GetAuction(ctx context.Context, id uuid.UUID) (*models.Auction, error) {
	query := fmt.Sprintf(`SELECT %s FROM auctions WHERE id = $1`, auctionColumns)
	return scanAuction(r.pool.QueryRow(ctx, query, id))
}

// GetAuctionForUpdate locks the auction row for the duration of tx.
func (r *Repository) GetAuctionForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Auction, error) {
	query := fmt.Sprintf(`SELECT %s FROM auctions WHERE id = $1 FOR UPDATE`, auctionColumns)
	return scanAuction(tx.QueryRow(ctx, query, id))
}

// TryTransitionStatus atomically moves an auction from an expected status
// to a new one. It returns false, without error, when another driver
// already advanced the auction.
func (r *Repository) TryTransitionStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to models.AuctionStatus) (bool, error) {
	tag, err := tx.Exec(ctx,
		`UPDATE auctions SET status = $3, updated_at = now() WHERE id = $1 AND status = $2`,
		id, from, to)
	if err != nil {
		return false, fmt.Errorf("failed to transition auction status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListScheduledDue returns Scheduled auctions whose pre-bid window has
// opened as of now.
func (r *Repository) ListScheduledDue(ctx context.Context, now time.Time, window time.Duration, limit int) ([]*models.Auction, error) {
	query := fmt.Sprintf(`SELECT %s FROM auctions
		WHERE status = $1 AND start_time <= $2
		ORDER BY start_time
		LIMIT $3`, auctionColumns)
	return r.list(ctx, query, models.AuctionStatusScheduled, now.Add(window), limit)
}

// ListReadyDue returns Ready auctions whose start time has arrived.
func (r *Repository) ListReadyDue(ctx context.Context, now time.Time, limit int) ([]*models.Auction, error) {
	query := fmt.Sprintf(`SELECT %s FROM auctions
		WHERE status = $1 AND start_time <= $2
		ORDER BY start_time
		LIMIT $3`, auctionColumns)
	return r.list(ctx, query, models.AuctionStatusReady, now, limit)
}

// ListRunningPastEnd returns Running auctions whose end time has passed.
func (r *Repository) ListRunningPastEnd(ctx context.Context, now time.Time, limit int) ([]*models.Auction, error) {
	query := fmt.Sprintf(`SELECT %s FROM auctions
		WHERE status = $1 AND end_time <= $2
		ORDER BY end_time
		LIMIT $3`, auctionColumns)
	return r.list(ctx, query, models.AuctionStatusRunning, now, limit)
}

// ListRunning returns all Running auctions, for the tick loop.
func (r *Repository) ListRunning(ctx context.Context, limit int) ([]*models.Auction, error) {
	query := fmt.Sprintf(`SELECT %s FROM auctions
		WHERE status = $1
		ORDER BY start_time
		LIMIT $2`, auctionColumns)
	rows, err := r.pool.Query(ctx, query, models.AuctionStatusRunning, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query auctions: %w", err)
	}
	defer rows.Close()
	return collectAuctions(rows)
}

// SetCurrentLotNumber records which lot is on the block; nil clears it.
func (r *Repository) SetCurrentLotNumber(ctx context.Context, tx pgx.Tx, id uuid.UUID, lotNumber *int) error {
	_, err := tx.Exec(ctx,
		`UPDATE auctions SET current_lot_number = $2, updated_at = now() WHERE id = $1`,
		id, lotNumber)
	if err != nil {
		return fmt.Errorf("failed to set current lot number: %w", err)
	}
	return nil
}

// RecordSale bumps the sold counter and sales total after a lot sells.
func (r *Repository) RecordSale(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) error {
	_, err := tx.Exec(ctx,
		`UPDATE auctions
		 SET sold_cars_count = sold_cars_count + 1,
		     total_sales_amount = total_sales_amount + $2,
		     updated_at = now()
		 WHERE id = $1`,
		id, amount)
	if err != nil {
		return fmt.Errorf("failed to record sale: %w", err)
	}
	return nil
}

// SyncTotalCarsCount recomputes the lot count from the lots table. Run on
// Scheduled->Ready so the aggregate reflects the final run list.
func (r *Repository) SyncTotalCarsCount(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx,
		`UPDATE auctions
		 SET total_cars_count = (SELECT count(*) FROM lots WHERE auction_id = $1),
		     updated_at = now()
		 WHERE id = $1`,
		id)
	if err != nil {
		return fmt.Errorf("failed to sync total cars count: %w", err)
	}
	return nil
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]*models.Auction, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query auctions: %w", err)
	}
	defer rows.Close()
	return collectAuctions(rows)
}

func collectAuctions(rows pgx.Rows) ([]*models.Auction, error) {
	var result []*models.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating auctions: %w", err)
	}
	return result, nil
}

func scanAuction(row pgx.Row) (*models.Auction, error) {
	var a models.Auction
	err := row.Scan(
		&a.ID,
		&a.Name,
		&a.Status,
		&a.StartTime,
		&a.EndTime,
		&a.TimerSeconds,
		&a.CurrentLotNumber,
		&a.TotalCarsCount,
		&a.SoldCarsCount,
		&a.TotalSalesAmount,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan auction: %w", err)
	}
	return &a, nil
}
