package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/lotline/lotline/internal/lot"
	"github.com/lotline/lotline/internal/models"
)

// StateSnapshot is the complete auction view a client needs to render
// after joining or rejoining, replacing anything it missed while away.
type StateSnapshot struct {
	Auction    *models.Auction       `json:"auction"`
	ActiveLot  *models.Lot           `json:"active_lot,omitempty"`
	Timer      *models.TimerSnapshot `json:"timer,omitempty"`
	Stats      *models.BidStats      `json:"stats,omitempty"`
	RecentBids []*models.Bid         `json:"recent_bids,omitempty"`
}

// AuctionStats summarizes an auction's sale progress for watchers.
type AuctionStats struct {
	AuctionID        uuid.UUID            `json:"auction_id"`
	Status           models.AuctionStatus `json:"status"`
	CurrentLotNumber *int                 `json:"current_lot_number,omitempty"`
	TotalCars        int                  `json:"total_cars"`
	SoldCars         int                  `json:"sold_cars"`
	TotalSalesAmount int64                `json:"total_sales_amount"`
}

// AuctionReader reads auction state for snapshots.
type AuctionReader interface {
	GetAuction(ctx context.Context, id uuid.UUID) (*models.Auction, error)
}

// LotReader reads the active lot for snapshots.
type LotReader interface {
	GetActiveLot(ctx context.Context, auctionID uuid.UUID) (*models.Lot, error)
}

// snapshotRecentBids bounds the history included in a snapshot.
const snapshotRecentBids = 10

// Provider assembles state snapshots from the live repositories. The
// snapshot is read fresh on every request; it is the client's
// resynchronization point, so staleness here defeats its purpose.
type Provider struct {
	auctions AuctionReader
	lots     LotReader
	bids     BidService
	clock    clockwork.Clock
}

func NewProvider(auctions AuctionReader, lots LotReader, bids BidService, clock clockwork.Clock) *Provider {
	return &Provider{auctions: auctions, lots: lots, bids: bids, clock: clock}
}

// AuctionStats reads the auction's sale aggregates.
func (p *Provider) AuctionStats(ctx context.Context, auctionID uuid.UUID) (*AuctionStats, error) {
	auc, err := p.auctions.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load auction: %w", err)
	}
	return &AuctionStats{
		AuctionID:        auc.ID,
		Status:           auc.Status,
		CurrentLotNumber: auc.CurrentLotNumber,
		TotalCars:        auc.TotalCarsCount,
		SoldCars:         auc.SoldCarsCount,
		TotalSalesAmount: auc.TotalSalesAmount,
	}, nil
}

// Snapshot builds the full state view for one auction.
func (p *Provider) Snapshot(ctx context.Context, auctionID uuid.UUID) (*StateSnapshot, error) {
	auc, err := p.auctions.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load auction: %w", err)
	}

	snap := &StateSnapshot{Auction: auc}

	active, err := p.lots.GetActiveLot(ctx, auctionID)
	if err != nil {
		if errors.Is(err, lot.ErrNotFound) {
			return snap, nil
		}
		return nil, fmt.Errorf("failed to load active lot: %w", err)
	}
	snap.ActiveLot = active

	timer := models.NewTimerSnapshot(active, auc.TimerSeconds, p.clock.Now().UTC())
	snap.Timer = &timer

	stats, err := p.bids.LotStats(ctx, active.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load lot stats: %w", err)
	}
	snap.Stats = stats

	recent, err := p.bids.BidHistory(ctx, active.ID, snapshotRecentBids)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent bids: %w", err)
	}
	snap.RecentBids = recent

	return snap, nil
}
