package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type identifies an auction event on the bus and on the websocket wire.
type Type string

const (
	TypeAuctionReady      Type = "AuctionReady"
	TypeAuctionStarted    Type = "AuctionStarted"
	TypeAuctionEnded      Type = "AuctionEnded"
	TypeCarMoved          Type = "CarMoved"
	TypeCarCompleted      Type = "CarCompleted"
	TypeNewLiveBid        Type = "NewLiveBid"
	TypeHighestBidUpdated Type = "HighestBidUpdated"
	TypeBidStatsUpdated   Type = "BidStatsUpdated"
	TypeAuctionTimerReset Type = "AuctionTimerReset"
	TypeTimerTick         Type = "TimerTick"
	TypeBidError          Type = "BidError"
	TypeStateSnapshot     Type = "StateSnapshot"

	// Command replies, sent only to the requesting connection.
	TypeMinimumBid   Type = "MinimumBid"
	TypeBidHistory   Type = "BidHistory"
	TypeAuctionStats Type = "AuctionStats"
)

// Envelope is the wire format shared by the outbox relay, the event bus,
// and the websocket gateway. LotID is set only for lot-scoped events.
type Envelope struct {
	EventID   uuid.UUID       `json:"event_id"`
	Type      Type            `json:"type"`
	AuctionID uuid.UUID       `json:"auction_id"`
	LotID     *uuid.UUID      `json:"lot_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope wraps a payload struct into an Envelope, marshalling the
// payload to JSON. Marshalling a payload struct cannot fail in practice;
// an error here indicates a programming mistake and is returned as-is.
func NewEnvelope(t Type, auctionID uuid.UUID, lotID *uuid.UUID, ts time.Time, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:   uuid.New(),
		Type:      t,
		AuctionID: auctionID,
		LotID:     lotID,
		Timestamp: ts,
		Payload:   data,
	}, nil
}
