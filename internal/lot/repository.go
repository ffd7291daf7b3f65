package lot

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

// ErrNotFound is returned when a lot does not exist.
var ErrNotFound = errors.New("lot not found")

const lotColumns = `id, auction_id, lot_number, start_price, current_price,
	reserve_price, condition, is_active, activated_at, last_bid_time,
	highest_bidder_id, created_at, updated_at`

// Repository persists lots in PostgreSQL. Condition and activation changes
// use compare-and-swap updates scoped to the expected prior state.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) GetLot(ctx context.Context, id uuid.UUID) (*models.Lot, error) {
	query := fmt.Sprintf(`SELECT %s FROM lots WHERE id = $1`, lotColumns)
	return scanLot(r.pool.QueryRow(ctx, query, id))
}

// GetLotForUpdate locks the lot row for the duration of tx. This is the
// serialization point for all price and lifecycle writes to a lot.
func (r *Repository) GetLotForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Lot, error) {
	query := fmt.Sprintf(`SELECT %s FROM lots WHERE id = $1 FOR UPDATE`, lotColumns)
	return scanLot(tx.QueryRow(ctx, query, id))
}

// GetActiveLotForUpdate locks the auction's active lot row, if any.
func (r *Repository) GetActiveLotForUpdate(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) (*models.Lot, error) {
	query := fmt.Sprintf(`SELECT %s FROM lots WHERE auction_id = $1 AND is_active FOR UPDATE`, lotColumns)
	return scanLot(tx.QueryRow(ctx, query, auctionID))
}

// GetActiveLot returns the auction's active lot without locking.
func (r *Repository) GetActiveLot(ctx context.Context, auctionID uuid.UUID) (*models.Lot, error) {
	query := fmt.Sprintf(`SELECT %s FROM lots WHERE auction_id = $1 AND is_active`, lotColumns)
	return scanLot(r.pool.QueryRow(ctx, query, auctionID))
}

// NextReadyLot returns the lowest-numbered ReadyForAuction lot, locked.
func (r *Repository) NextReadyLot(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) (*models.Lot, error) {
	query := fmt.Sprintf(`SELECT %s FROM lots
		WHERE auction_id = $1 AND condition = $2
		ORDER BY lot_number
		LIMIT 1
		FOR UPDATE`, lotColumns)
	return scanLot(tx.QueryRow(ctx, query, auctionID, models.LotConditionReadyForAuction))
}

// MarkLotsReady promotes every PreAuction lot on the auction to
// ReadyForAuction and returns how many rows moved.
func (r *Repository) MarkLotsReady(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) (int, error) {
	tag, err := tx.Exec(ctx,
		`UPDATE lots SET condition = $3, updated_at = now()
		 WHERE auction_id = $1 AND condition = $2`,
		auctionID, models.LotConditionPreAuction, models.LotConditionReadyForAuction)
	if err != nil {
		return 0, fmt.Errorf("failed to mark lots ready: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ApplyFallbackStartPrice gives unpriced lots a minimum start price.
func (r *Repository) ApplyFallbackStartPrice(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID, price int64) error {
	_, err := tx.Exec(ctx,
		`UPDATE lots
		 SET start_price = $2, current_price = $2, updated_at = now()
		 WHERE auction_id = $1 AND start_price <= 0`,
		auctionID, price)
	if err != nil {
		return fmt.Errorf("failed to apply fallback start price: %w", err)
	}
	return nil
}

// TryActivate atomically moves a lot from ReadyForAuction to a live,
// active state with the given opening price and holder. Returns false if
// another driver activated or advanced it first.
func (r *Repository) TryActivate(ctx context.Context, tx pgx.Tx, id uuid.UUID, openingPrice int64, holder *uuid.UUID, now time.Time) (bool, error) {
	tag, err := tx.Exec(ctx,
		`UPDATE lots
		 SET condition = $3, is_active = TRUE, activated_at = $4,
		     current_price = $5, highest_bidder_id = $6,
		     last_bid_time = NULL, updated_at = now()
		 WHERE id = $1 AND condition = $2 AND NOT is_active`,
		id, models.LotConditionReadyForAuction, models.LotConditionLiveAuction,
		now, openingPrice, holder)
	if err != nil {
		return false, fmt.Errorf("failed to activate lot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// TryClose atomically deactivates a live lot into a terminal condition.
// Returns false if the lot is no longer active, which makes a second
// concurrent close a no-op.
func (r *Repository) TryClose(ctx context.Context, tx pgx.Tx, id uuid.UUID, terminal models.LotCondition) (bool, error) {
	tag, err := tx.Exec(ctx,
		`UPDATE lots
		 SET condition = $3, is_active = FALSE, updated_at = now()
		 WHERE id = $1 AND condition = $2 AND is_active`,
		id, models.LotConditionLiveAuction, terminal)
	if err != nil {
		return false, fmt.Errorf("failed to close lot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CloseRemaining marks every non-terminal lot on the auction Unsold; used
// when an auction ends with lots still in the run list.
func (r *Repository) CloseRemaining(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) (int, error) {
	tag, err := tx.Exec(ctx,
		`UPDATE lots
		 SET condition = $2, is_active = FALSE, updated_at = now()
		 WHERE auction_id = $1 AND condition NOT IN ($3, $4)`,
		auctionID, models.LotConditionUnsold, models.LotConditionSold, models.LotConditionUnsold)
	if err != nil {
		return 0, fmt.Errorf("failed to close remaining lots: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// UpdatePrice writes the arbitration outcome for a lot: new price, holder,
// and the bid time that re-arms the countdown.
func (r *Repository) UpdatePrice(ctx context.Context, tx pgx.Tx, id uuid.UUID, price int64, holder uuid.UUID, bidTime time.Time) error {
	_, err := tx.Exec(ctx,
		`UPDATE lots
		 SET current_price = $2, highest_bidder_id = $3, last_bid_time = $4,
		     updated_at = now()
		 WHERE id = $1`,
		id, price, holder, bidTime)
	if err != nil {
		return fmt.Errorf("failed to update lot price: %w", err)
	}
	return nil
}

// ListExpiredActive returns auction ids whose active lot countdown has run
// out as of now. The auction's own timer length applies per lot.
func (r *Repository) ListExpiredActive(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT l.auction_id
		 FROM lots l
		 JOIN auctions a ON a.id = l.auction_id
		 WHERE l.is_active
		   AND a.status = $1
		   AND COALESCE(l.last_bid_time, l.activated_at) + a.timer_seconds * interval '1 second' <= $2
		 LIMIT $3`,
		models.AuctionStatusRunning, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired lots: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan auction id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating expired lots: %w", err)
	}
	return ids, nil
}

func scanLot(row pgx.Row) (*models.Lot, error) {
	var l models.Lot
	err := row.Scan(
		&l.ID,
		&l.AuctionID,
		&l.LotNumber,
		&l.StartPrice,
		&l.CurrentPrice,
		&l.ReservePrice,
		&l.Condition,
		&l.IsActive,
		&l.ActivatedAt,
		&l.LastBidTime,
		&l.HighestBidderID,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan lot: %w", err)
	}
	return &l, nil
}
