package events

import (
	"time"

	"github.com/google/uuid"
)

// Event payloads shared between the lifecycle driver, the bid engine, and
// the gateway. Each event is a tagged variant with an explicit field set;
// validation happens at the serialization boundary only.

// AuctionReadyPayload announces that pre-bidding has opened.
type AuctionReadyPayload struct {
	AuctionID uuid.UUID `json:"auction_id"`
	Name      string    `json:"name"`
	StartTime time.Time `json:"start_time"`
	LotCount  int       `json:"lot_count"`
}

// AuctionStartedPayload announces that live bidding has begun.
type AuctionStartedPayload struct {
	AuctionID    uuid.UUID `json:"auction_id"`
	StartedAt    time.Time `json:"started_at"`
	FirstLotID   uuid.UUID `json:"first_lot_id"`
	LotNumber    int       `json:"lot_number"`
	TimerSeconds int       `json:"timer_seconds"`
}

// AuctionEndedPayload carries the final aggregates for an ended auction.
type AuctionEndedPayload struct {
	AuctionID        uuid.UUID `json:"auction_id"`
	EndedAt          time.Time `json:"ended_at"`
	TotalCars        int       `json:"total_cars"`
	SoldCars         int       `json:"sold_cars"`
	TotalSalesAmount int64     `json:"total_sales_amount"`
}

// CarCompletedPayload announces the terminal state of a closed lot.
type CarCompletedPayload struct {
	LotID     uuid.UUID  `json:"lot_id"`
	LotNumber int        `json:"lot_number"`
	Status    string     `json:"status"` // SOLD or UNSOLD
	SoldPrice *int64     `json:"sold_price,omitempty"`
	Winner    *uuid.UUID `json:"winner,omitempty"`
	ClosedAt  time.Time  `json:"closed_at"`
}

// CarMovedPayload announces advancement from one lot to the next.
type CarMovedPayload struct {
	PreviousLotID *uuid.UUID `json:"previous_lot_id,omitempty"`
	NextLotID     uuid.UUID  `json:"next_lot_id"`
	NextLotNumber int        `json:"next_lot_number"`
	OpeningPrice  int64      `json:"opening_price"`
	Winner        *uuid.UUID `json:"winner,omitempty"`
	TimerSeconds  int        `json:"timer_seconds"`
	MovedAt       time.Time  `json:"moved_at"`
}

// NewLiveBidPayload announces an accepted bid on a lot.
type NewLiveBidPayload struct {
	LotID    uuid.UUID `json:"lot_id"`
	BidID    uuid.UUID `json:"bid_id"`
	UserID   uuid.UUID `json:"user_id"`
	Amount   int64     `json:"amount"`
	Kind     string    `json:"kind"`
	PlacedAt time.Time `json:"placed_at"`
}

// HighestBidUpdatedPayload announces the lot's new price and holder after
// arbitration, which may differ from the incoming bid when a proxy wins.
type HighestBidUpdatedPayload struct {
	LotID    uuid.UUID `json:"lot_id"`
	Amount   int64     `json:"amount"`
	BidderID uuid.UUID `json:"bidder_id"`
}

// BidStatsUpdatedPayload carries refreshed aggregate bid stats for a lot.
type BidStatsUpdatedPayload struct {
	LotID         uuid.UUID  `json:"lot_id"`
	BidCount      int        `json:"bid_count"`
	BidderCount   int        `json:"bidder_count"`
	HighestAmount int64      `json:"highest_amount"`
	HighestBidder *uuid.UUID `json:"highest_bidder,omitempty"`
}

// AuctionTimerResetPayload announces that a qualifying bid re-armed the
// lot countdown.
type AuctionTimerResetPayload struct {
	LotID               uuid.UUID `json:"lot_id"`
	NewRemainingSeconds int       `json:"new_remaining_seconds"`
}

// TimerTickPayload is the per-second countdown broadcast for the active lot.
type TimerTickPayload struct {
	AuctionID        uuid.UUID `json:"auction_id"`
	LotID            uuid.UUID `json:"lot_id"`
	RemainingSeconds int       `json:"remaining_seconds"`
	IsExpired        bool      `json:"is_expired"`
	TickedAt         time.Time `json:"ticked_at"`
}

// BidErrorPayload is returned only to the connection whose bid was rejected.
type BidErrorPayload struct {
	LotID  uuid.UUID `json:"lot_id"`
	Reason string    `json:"reason"`
}
