package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/lotline/lotline/internal/events"
)

// TxManager starts the transaction a relay batch runs in.
type TxManager interface {
	BeginTx(ctx context.Context) (pgx.Tx, error)
}

// Store is what the relay needs from outbox persistence.
type Store interface {
	FetchUnsent(ctx context.Context, tx pgx.Tx, limit int) ([]events.Envelope, error)
	MarkSent(ctx context.Context, tx pgx.Tx, ids []uuid.UUID, now time.Time) error
}

// EventPublisher pushes one durable event to the bus.
type EventPublisher interface {
	Publish(ctx context.Context, env events.Envelope) error
}

// RelayConfig controls the outbox relay loop.
type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
	RetryDelay   time.Duration
}

// Relay drains the outbox to the event bus. Events that fail to publish
// stay unsent and are retried on the next batch; publish dedup by event
// id keeps redelivery invisible to consumers.
type Relay struct {
	cfg   RelayConfig
	txm   TxManager
	store Store
	pub   EventPublisher
	clock clockwork.Clock
}

func NewRelay(cfg RelayConfig, txm TxManager, store Store, pub EventPublisher, clock clockwork.Clock) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Relay{cfg: cfg, txm: txm, store: store, pub: pub, clock: clock}
}

// Run executes the relay loop until ctx is cancelled. A drain runs
// immediately so events written while the process was down go out without
// waiting for the first tick.
func (r *Relay) Run(ctx context.Context) error {
	log.Info().
		Dur("poll_interval", r.cfg.PollInterval).
		Int("batch_size", r.cfg.BatchSize).
		Msg("outbox relay starting")

	r.drain(ctx)

	ticker := r.clock.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("outbox relay stopping")
			return ctx.Err()
		case <-ticker.Chan():
			r.drain(ctx)
		}
	}
}

// drain relays batches until the outbox is empty or a batch fails.
func (r *Relay) drain(ctx context.Context) {
	for {
		n, err := r.relayBatch(ctx)
		if err != nil {
			log.Error().Err(err).Msg("outbox batch failed")
			return
		}
		if n < r.cfg.BatchSize {
			return
		}
	}
}

func (r *Relay) relayBatch(ctx context.Context) (int, error) {
	tx, err := r.txm.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch, err := r.store.FetchUnsent(ctx, tx, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	var sent []uuid.UUID
	for _, env := range batch {
		if err := r.publishWithRetry(ctx, env); err != nil {
			log.Error().Err(err).
				Str("event_id", env.EventID.String()).
				Str("event_type", string(env.Type)).
				Msg("failed to publish event")
			continue
		}
		sent = append(sent, env.EventID)
	}

	if err := r.store.MarkSent(ctx, tx, sent, r.clock.Now().UTC()); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit relay batch: %w", err)
	}

	log.Debug().Int("fetched", len(batch)).Int("sent", len(sent)).Msg("relayed outbox batch")
	return len(batch), nil
}

func (r *Relay) publishWithRetry(ctx context.Context, env events.Envelope) error {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.clock.After(r.cfg.RetryDelay * time.Duration(attempt)):
			}
		}
		if err := r.pub.Publish(ctx, env); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("failed after %d attempts: %w", r.cfg.MaxRetries+1, lastErr)
}
