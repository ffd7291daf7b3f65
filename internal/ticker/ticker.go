package ticker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/lotline/lotline/internal/events"
	"github.com/lotline/lotline/internal/lifecycle"
	"github.com/lotline/lotline/internal/lot"
	"github.com/lotline/lotline/internal/models"
)

// AuctionLister returns the auctions that need a countdown broadcast.
type AuctionLister interface {
	ListRunning(ctx context.Context, limit int) ([]*models.Auction, error)
}

// LotGetter reads the active lot whose countdown is being broadcast.
type LotGetter interface {
	GetActiveLot(ctx context.Context, auctionID uuid.UUID) (*models.Lot, error)
}

// Advancer closes an expired lot and moves the auction forward.
type Advancer interface {
	CloseAndAdvance(ctx context.Context, auctionID uuid.UUID) error
}

// TickPublisher fans a countdown tick out to watchers. Ticks are ephemeral
// and bypass the durable outbox; a missed tick is superseded one second
// later.
type TickPublisher interface {
	PublishTick(ctx context.Context, env events.Envelope) error
}

// Config controls the tick loop.
type Config struct {
	TickInterval time.Duration
	BatchSize    int
}

// Service recomputes the server-authoritative countdown for every running
// auction's active lot once per tick and broadcasts it. When a countdown
// reaches zero the service triggers close-and-advance itself rather than
// waiting for the scheduler's next poll.
type Service struct {
	cfg      Config
	auctions AuctionLister
	lots     LotGetter
	advancer Advancer
	pub      TickPublisher
	clock    clockwork.Clock
}

func NewService(cfg Config, auctions AuctionLister, lots LotGetter, advancer Advancer, pub TickPublisher, clock clockwork.Clock) *Service {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Service{
		cfg:      cfg,
		auctions: auctions,
		lots:     lots,
		advancer: advancer,
		pub:      pub,
		clock:    clock,
	}
}

// Run executes the tick loop until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	log.Info().Dur("tick_interval", s.cfg.TickInterval).Msg("timer service starting")

	ticker := s.clock.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("timer service stopping")
			return ctx.Err()
		case <-ticker.Chan():
			s.tick(ctx)
		}
	}
}

// tick broadcasts one countdown snapshot per running auction. Errors are
// logged and skipped; the next tick retries naturally.
func (s *Service) tick(ctx context.Context) {
	now := s.clock.Now().UTC()

	running, err := s.auctions.ListRunning(ctx, s.cfg.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to list running auctions")
		return
	}

	for _, auc := range running {
		if err := s.tickAuction(ctx, auc, now); err != nil {
			log.Error().Err(err).Str("auction_id", auc.ID.String()).Msg("tick failed")
		}
	}
}

func (s *Service) tickAuction(ctx context.Context, auc *models.Auction, now time.Time) error {
	active, err := s.lots.GetActiveLot(ctx, auc.ID)
	if err != nil {
		if errors.Is(err, lot.ErrNotFound) {
			return nil
		}
		return err
	}

	snap := models.NewTimerSnapshot(active, auc.TimerSeconds, now)
	env, err := events.NewEnvelope(events.TypeTimerTick, auc.ID, &active.ID, now, events.TimerTickPayload{
		AuctionID:        snap.AuctionID,
		LotID:            snap.LotID,
		RemainingSeconds: snap.RemainingSeconds,
		IsExpired:        snap.IsExpired,
		TickedAt:         now,
	})
	if err != nil {
		return err
	}
	if err := s.pub.PublishTick(ctx, env); err != nil {
		return err
	}

	if snap.IsExpired {
		if err := s.advancer.CloseAndAdvance(ctx, auc.ID); err != nil {
			if errors.Is(err, lifecycle.ErrConflict) {
				log.Debug().Str("auction_id", auc.ID.String()).Msg("advance already in progress")
				return nil
			}
			return err
		}
	}
	return nil
}
