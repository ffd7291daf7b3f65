package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/lotline/lotline/internal/events"
	"github.com/lotline/lotline/internal/outbox"
)

// ConsumerConfig holds the JetStream consumer tuning for the gateway.
type ConsumerConfig struct {
	StreamName    string
	ConsumerName  string
	SubjectFilter string
	TickSubject   string
	MaxDeliver    int
	AckWait       time.Duration
	MaxAckPending int
}

// DefaultConsumerConfig returns the default gateway consumer tuning.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		StreamName:    outbox.StreamName,
		ConsumerName:  "auction-gateway",
		SubjectFilter: outbox.EventSubjectPrefix + ".>",
		TickSubject:   outbox.TickSubjectPrefix + ".>",
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		MaxAckPending: 100,
	}
}

// EventConsumer bridges the event bus to WebSocket clients: durable
// auction events come from JetStream with explicit acks, countdown ticks
// from a core NATS subscription with no delivery guarantee.
type EventConsumer struct {
	connectionManager *ConnectionManager
	nc                *nats.Conn
	js                jetstream.JetStream
	consumer          jetstream.Consumer
	config            ConsumerConfig
}

func NewEventConsumer(ctx context.Context, cm *ConnectionManager, nc *nats.Conn, config ConsumerConfig) (*EventConsumer, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	ec := &EventConsumer{
		connectionManager: cm,
		nc:                nc,
		js:                js,
		config:            config,
	}
	if err := ec.ensureConsumer(ctx); err != nil {
		return nil, err
	}
	return ec, nil
}

func (ec *EventConsumer) ensureConsumer(ctx context.Context) error {
	stream, err := ec.js.Stream(ctx, ec.config.StreamName)
	if err != nil {
		return fmt.Errorf("failed to get stream: %w", err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          ec.config.ConsumerName,
		Durable:       ec.config.ConsumerName,
		Description:   "Auction gateway WebSocket consumer",
		FilterSubject: ec.config.SubjectFilter,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    ec.config.MaxDeliver,
		AckWait:       ec.config.AckWait,
		MaxAckPending: ec.config.MaxAckPending,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	ec.consumer = consumer
	return nil
}

// Start consumes events and ticks until ctx is cancelled.
func (ec *EventConsumer) Start(ctx context.Context) error {
	log.Info().
		Str("consumer", ec.config.ConsumerName).
		Str("stream", ec.config.StreamName).
		Msg("starting gateway event consumer")

	tickSub, err := ec.nc.Subscribe(ec.config.TickSubject, func(msg *nats.Msg) {
		ec.fanOut(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to ticks: %w", err)
	}
	defer tickSub.Unsubscribe()

	consumeCtx, err := ec.consumer.Consume(func(msg jetstream.Msg) {
		if err := ec.processEvent(msg.Data()); err != nil {
			log.Error().Err(err).Str("subject", msg.Subject()).Msg("failed to process event")
			if nakErr := msg.Nak(); nakErr != nil {
				log.Error().Err(nakErr).Msg("failed to NAK message")
			}
			return
		}
		if ackErr := msg.Ack(); ackErr != nil {
			log.Error().Err(ackErr).Msg("failed to ACK message")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}
	defer consumeCtx.Stop()

	<-ctx.Done()
	log.Info().Msg("gateway event consumer shutting down")
	return ctx.Err()
}

func (ec *EventConsumer) processEvent(data []byte) error {
	var env events.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	ec.connectionManager.Broadcast(env)
	return nil
}

// fanOut pushes a tick straight to watchers; a malformed tick is dropped.
func (ec *EventConsumer) fanOut(data []byte) {
	var env events.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Msg("failed to unmarshal tick")
		return
	}
	ec.connectionManager.Broadcast(env)
}
