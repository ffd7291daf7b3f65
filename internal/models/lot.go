package models

import (
	"time"

	"github.com/google/uuid"
)

// LotCondition defines the lifecycle condition of a lot within an auction.
type LotCondition string

const (
	LotConditionPreAuction      LotCondition = "PRE_AUCTION"
	LotConditionReadyForAuction LotCondition = "READY_FOR_AUCTION"
	LotConditionLiveAuction     LotCondition = "LIVE_AUCTION"
	LotConditionSold            LotCondition = "SOLD"
	LotConditionUnsold          LotCondition = "UNSOLD"
)

var lotConditionOrder = map[LotCondition]int{
	LotConditionPreAuction:      0,
	LotConditionReadyForAuction: 1,
	LotConditionLiveAuction:     2,
	LotConditionSold:            3,
	LotConditionUnsold:          3,
}

// CanTransition reports whether a lot may move from one condition to
// another. Conditions never regress and never skip a stage, except that
// a never-activated lot may be closed Unsold when its auction ends.
func (c LotCondition) CanTransition(to LotCondition) bool {
	fromOrd, okFrom := lotConditionOrder[c]
	toOrd, okTo := lotConditionOrder[to]
	if !okFrom || !okTo || c.Terminal() {
		return false
	}
	if to == LotConditionUnsold {
		return toOrd > fromOrd
	}
	return toOrd == fromOrd+1
}

// Terminal reports whether the condition admits no further transitions.
func (c LotCondition) Terminal() bool {
	return c == LotConditionSold || c == LotConditionUnsold
}

// Lot is one vehicle being auctioned within an auction. It carries its own
// price, condition, and countdown state independent of sibling lots.
type Lot struct {
	ID              uuid.UUID    `json:"id"`
	AuctionID       uuid.UUID    `json:"auction_id"`
	LotNumber       int          `json:"lot_number"`
	StartPrice      int64        `json:"start_price"`
	CurrentPrice    int64        `json:"current_price"`
	ReservePrice    *int64       `json:"reserve_price,omitempty"`
	Condition       LotCondition `json:"condition"`
	IsActive        bool         `json:"is_active"`
	ActivatedAt     *time.Time   `json:"activated_at,omitempty"`
	LastBidTime     *time.Time   `json:"last_bid_time,omitempty"`
	HighestBidderID *uuid.UUID   `json:"highest_bidder_id,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// CountdownBase returns the instant the lot's countdown is measured from:
// the latest bid if one exists, otherwise the activation time.
func (l *Lot) CountdownBase() time.Time {
	if l.LastBidTime != nil {
		return *l.LastBidTime
	}
	if l.ActivatedAt != nil {
		return *l.ActivatedAt
	}
	return time.Time{}
}

// Expired reports whether the lot's countdown has run out as of now.
func (l *Lot) Expired(timerSeconds int, now time.Time) bool {
	base := l.CountdownBase()
	if base.IsZero() {
		return false
	}
	return now.Sub(base) >= time.Duration(timerSeconds)*time.Second
}

// MeetsReserve reports whether the current price satisfies the lot's
// reserve, if one is set.
func (l *Lot) MeetsReserve() bool {
	return l.ReservePrice == nil || l.CurrentPrice >= *l.ReservePrice
}

// TimerSnapshot is the server-authoritative remaining time for the active
// lot. It is recomputed every tick and never persisted; clients must render
// it rather than run their own countdown.
type TimerSnapshot struct {
	AuctionID        uuid.UUID `json:"auction_id"`
	LotID            uuid.UUID `json:"lot_id"`
	RemainingSeconds int       `json:"remaining_seconds"`
	IsExpired        bool      `json:"is_expired"`
}

// NewTimerSnapshot computes the snapshot for an active lot. Remaining
// whole seconds truncate to zero during the final partial second while
// the countdown is still live, so expiry is measured on the full elapsed
// duration rather than the truncated display value.
func NewTimerSnapshot(l *Lot, timerSeconds int, now time.Time) TimerSnapshot {
	remaining := 0
	expired := false
	base := l.CountdownBase()
	if !base.IsZero() {
		window := time.Duration(timerSeconds) * time.Second
		elapsed := now.Sub(base)
		if left := window - elapsed; left > 0 {
			remaining = int(left / time.Second)
		}
		expired = elapsed >= window
	}
	return TimerSnapshot{
		AuctionID:        l.AuctionID,
		LotID:            l.ID,
		RemainingSeconds: remaining,
		IsExpired:        expired,
	}
}
