package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/lotline/lotline/internal/events"
)

const (
	// StreamName holds the durable auction event log.
	StreamName = "AUCTION_EVENTS"
	// EventSubjectPrefix scopes durable events per auction.
	EventSubjectPrefix = "auction.events"
	// TickSubjectPrefix scopes ephemeral countdown ticks per auction.
	TickSubjectPrefix = "auction.ticks"
)

// EventSubject returns the durable subject for one auction's events.
func EventSubject(auctionID string) string {
	return fmt.Sprintf("%s.%s", EventSubjectPrefix, auctionID)
}

// TickSubject returns the ephemeral subject for one auction's ticks.
func TickSubject(auctionID string) string {
	return fmt.Sprintf("%s.%s", TickSubjectPrefix, auctionID)
}

// Publisher pushes auction events onto NATS. Durable events go through
// JetStream with the event id as the dedup key, so a relay retry after a
// failed MarkSent never produces a duplicate downstream. Ticks go over
// core NATS and are simply dropped when nobody listens.
type Publisher struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// NewPublisher connects the publisher and ensures the event stream exists.
func NewPublisher(ctx context.Context, nc *nats.Conn) (*Publisher, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Durable auction lifecycle and bid events",
		Subjects:    []string{EventSubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      24 * time.Hour,
		Duplicates:  2 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure event stream: %w", err)
	}

	return &Publisher{nc: nc, js: js}, nil
}

// Publish relays one durable event, deduplicated by event id.
func (p *Publisher) Publish(ctx context.Context, env events.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = p.js.Publish(ctx, EventSubject(env.AuctionID.String()), data,
		jetstream.WithMsgID(env.EventID.String()))
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// PublishTick fans out one ephemeral countdown tick.
func (p *Publisher) PublishTick(_ context.Context, env events.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal tick: %w", err)
	}
	if err := p.nc.Publish(TickSubject(env.AuctionID.String()), data); err != nil {
		return fmt.Errorf("failed to publish tick: %w", err)
	}
	return nil
}
