package models

import (
	"time"

	"github.com/google/uuid"
)

// BidKind distinguishes how a bid was placed.
type BidKind string

const (
	BidKindLive   BidKind = "LIVE"
	BidKindPreBid BidKind = "PRE_BID"
	BidKindProxy  BidKind = "PROXY"
)

// Bid is one accepted bid on a lot. Bid rows are append-only; they are
// never mutated or deleted, only superseded by later, higher bids.
// IsHighestAtPlacement records whether the bid held the lot when written;
// it is derived at write time for history display and never consulted by
// arbitration.
type Bid struct {
	ID                   uuid.UUID `json:"id"`
	LotID                uuid.UUID `json:"lot_id"`
	UserID               uuid.UUID `json:"user_id"`
	Amount               int64     `json:"amount"`
	Kind                 BidKind   `json:"kind"`
	ProxyMaxAmount       *int64    `json:"proxy_max_amount,omitempty"`
	IsHighestAtPlacement bool      `json:"is_highest_at_placement"`
	PlacedAt             time.Time `json:"placed_at"`
}

// ProxyBid is a standing maximum a bidder has authorized on a lot. The
// engine raises it incrementally only as far as needed to stay ahead of
// challengers. A cancelled proxy is deactivated, not deleted.
type ProxyBid struct {
	ID        uuid.UUID `json:"id"`
	LotID     uuid.UUID `json:"lot_id"`
	UserID    uuid.UUID `json:"user_id"`
	MaxAmount int64     `json:"max_amount"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// BidStats aggregates bid activity on a lot for broadcast to watchers.
type BidStats struct {
	LotID         uuid.UUID  `json:"lot_id"`
	BidCount      int        `json:"bid_count"`
	BidderCount   int        `json:"bidder_count"`
	HighestAmount int64      `json:"highest_amount"`
	HighestBidder *uuid.UUID `json:"highest_bidder,omitempty"`
}
