package models

import (
	"time"

	"github.com/google/uuid"
)

// AuctionStatus defines the lifecycle status of an auction.
type AuctionStatus string

const (
	AuctionStatusDraft     AuctionStatus = "DRAFT"
	AuctionStatusScheduled AuctionStatus = "SCHEDULED"
	AuctionStatusReady     AuctionStatus = "READY"
	AuctionStatusRunning   AuctionStatus = "RUNNING"
	AuctionStatusEnded     AuctionStatus = "ENDED"
	AuctionStatusCancelled AuctionStatus = "CANCELLED"
)

// auctionStatusOrder fixes the forward-only ordering of auction statuses.
// Cancelled sits outside the order and is handled separately.
var auctionStatusOrder = map[AuctionStatus]int{
	AuctionStatusDraft:     0,
	AuctionStatusScheduled: 1,
	AuctionStatusReady:     2,
	AuctionStatusRunning:   3,
	AuctionStatusEnded:     4,
}

// CanTransition reports whether an auction may move from one status to
// another. Statuses only move forward; Cancelled is reachable from any
// status before Running.
func (s AuctionStatus) CanTransition(to AuctionStatus) bool {
	if to == AuctionStatusCancelled {
		from, ok := auctionStatusOrder[s]
		return ok && from < auctionStatusOrder[AuctionStatusRunning]
	}
	fromOrd, okFrom := auctionStatusOrder[s]
	toOrd, okTo := auctionStatusOrder[to]
	return okFrom && okTo && toOrd > fromOrd
}

// Terminal reports whether the status admits no further transitions.
func (s AuctionStatus) Terminal() bool {
	return s == AuctionStatusEnded || s == AuctionStatusCancelled
}

// Auction represents one timed sale event containing an ordered run list
// of lots.
type Auction struct {
	ID               uuid.UUID     `json:"id"`
	Name             string        `json:"name"`
	Status           AuctionStatus `json:"status"`
	StartTime        time.Time     `json:"start_time"`
	EndTime          time.Time     `json:"end_time"`
	TimerSeconds     int           `json:"timer_seconds"`
	CurrentLotNumber *int          `json:"current_lot_number,omitempty"`
	TotalCarsCount   int           `json:"total_cars_count"`
	SoldCarsCount    int           `json:"sold_cars_count"`
	TotalSalesAmount int64         `json:"total_sales_amount"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}
