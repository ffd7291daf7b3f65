package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/lotline/lotline/internal/events"
	"github.com/lotline/lotline/internal/lot"
	"github.com/lotline/lotline/internal/models"
)

// SchedulerConfig controls the lifecycle polling loop.
type SchedulerConfig struct {
	PollInterval       time.Duration
	BatchSize          int
	PreBidWindow       time.Duration
	MaxBackoff         time.Duration
	FallbackStartPrice int64
}

// Scheduler polls for due lifecycle work: opening pre-bidding, starting
// auctions, ending overdue ones, and closing expired lots. Every pass is
// safe to repeat, so a missed cycle is caught up on the next one.
type Scheduler struct {
	cfg      SchedulerConfig
	txm      TxManager
	auctions AuctionStore
	lots     LotStore
	bids     BidStore
	outbox   OutboxStore
	advancer *Advancer
	clock    clockwork.Clock

	consecutiveFailures int
}

func NewScheduler(cfg SchedulerConfig, txm TxManager, auctions AuctionStore, lots LotStore, bids BidStore, outbox OutboxStore, advancer *Advancer, clock clockwork.Clock) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	return &Scheduler{
		cfg:      cfg,
		txm:      txm,
		auctions: auctions,
		lots:     lots,
		bids:     bids,
		outbox:   outbox,
		advancer: advancer,
		clock:    clock,
	}
}

// Run executes the polling loop until ctx is cancelled. A catch-up cycle
// runs immediately so work missed while the process was down is not
// delayed by a full poll interval.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info().
		Dur("poll_interval", s.cfg.PollInterval).
		Int("batch_size", s.cfg.BatchSize).
		Msg("lifecycle scheduler starting")

	s.cycle(ctx)

	ticker := s.clock.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("lifecycle scheduler stopping")
			return ctx.Err()
		case <-ticker.Chan():
			s.cycle(ctx)
		}
	}
}

// cycle runs the four passes once. A failing cycle backs off exponentially
// after three consecutive failures so a down database is not hammered.
func (s *Scheduler) cycle(ctx context.Context) {
	err := errors.Join(
		s.openPreBidding(ctx),
		s.startDueAuctions(ctx),
		s.endOverdueAuctions(ctx),
		s.closeExpiredLots(ctx),
	)
	if err == nil {
		s.consecutiveFailures = 0
		return
	}

	s.consecutiveFailures++
	log.Error().Err(err).Int("consecutive_failures", s.consecutiveFailures).Msg("lifecycle cycle failed")
	if s.consecutiveFailures >= 3 {
		backoff := s.cfg.PollInterval * time.Duration(1<<(s.consecutiveFailures-3))
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
		log.Warn().Dur("backoff", backoff).Msg("backing off lifecycle polling")
		select {
		case <-ctx.Done():
		case <-s.clock.After(backoff):
		}
	}
}

// openPreBidding moves Scheduled auctions whose pre-bid window has opened
// to Ready, freezing the run list and opening pre-bids.
func (s *Scheduler) openPreBidding(ctx context.Context) error {
	now := s.clock.Now().UTC()
	due, err := s.auctions.ListScheduledDue(ctx, now, s.cfg.PreBidWindow, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	var errs []error
	for _, auc := range due {
		if err := s.openOne(ctx, auc, now); err != nil {
			log.Error().Err(err).Str("auction_id", auc.ID.String()).Msg("failed to open pre-bidding")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) openOne(ctx context.Context, auc *models.Auction, now time.Time) error {
	tx, err := s.txm.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	ok, err := s.auctions.TryTransitionStatus(ctx, tx, auc.ID, models.AuctionStatusScheduled, models.AuctionStatusReady)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	moved, err := s.lots.MarkLotsReady(ctx, tx, auc.ID)
	if err != nil {
		return err
	}
	if err := s.lots.ApplyFallbackStartPrice(ctx, tx, auc.ID, s.cfg.FallbackStartPrice); err != nil {
		return err
	}
	if err := s.auctions.SyncTotalCarsCount(ctx, tx, auc.ID); err != nil {
		return err
	}

	if err := s.insertEvent(ctx, tx, auc.ID, events.TypeAuctionReady, now, events.AuctionReadyPayload{
		AuctionID: auc.ID,
		Name:      auc.Name,
		StartTime: auc.StartTime,
		LotCount:  moved,
	}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Info().Str("auction_id", auc.ID.String()).Int("lots", moved).Msg("pre-bidding opened")
	return nil
}

// startDueAuctions moves Ready auctions whose start time has arrived to
// Running and puts the first lot on the block.
func (s *Scheduler) startDueAuctions(ctx context.Context) error {
	now := s.clock.Now().UTC()
	due, err := s.auctions.ListReadyDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	var errs []error
	for _, auc := range due {
		if err := s.startOne(ctx, auc, now); err != nil {
			log.Error().Err(err).Str("auction_id", auc.ID.String()).Msg("failed to start auction")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) startOne(ctx context.Context, auc *models.Auction, now time.Time) error {
	tx, err := s.txm.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	ok, err := s.auctions.TryTransitionStatus(ctx, tx, auc.ID, models.AuctionStatusReady, models.AuctionStatusRunning)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	first, err := s.lots.NextReadyLot(ctx, tx, auc.ID)
	if err != nil {
		if errors.Is(err, lot.ErrNotFound) {
			// Nothing to sell; end immediately rather than leaving an
			// empty auction running.
			if err := s.advancer.endAuction(ctx, tx, auc, now); err != nil {
				return err
			}
			return tx.Commit(ctx)
		}
		return err
	}

	opening, holder, err := s.advancer.openingFor(ctx, tx, first)
	if err != nil {
		return err
	}
	activated, err := s.lots.TryActivate(ctx, tx, first.ID, opening, holder, now)
	if err != nil {
		return err
	}
	if !activated {
		return nil
	}
	if err := s.auctions.SetCurrentLotNumber(ctx, tx, auc.ID, &first.LotNumber); err != nil {
		return err
	}

	if err := s.insertEvent(ctx, tx, auc.ID, events.TypeAuctionStarted, now, events.AuctionStartedPayload{
		AuctionID:    auc.ID,
		StartedAt:    now,
		FirstLotID:   first.ID,
		LotNumber:    first.LotNumber,
		TimerSeconds: auc.TimerSeconds,
	}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Info().
		Str("auction_id", auc.ID.String()).
		Str("first_lot_id", first.ID.String()).
		Int64("opening_price", opening).
		Msg("auction started")
	return nil
}

// endOverdueAuctions force-ends Running auctions past their end time.
func (s *Scheduler) endOverdueAuctions(ctx context.Context) error {
	now := s.clock.Now().UTC()
	overdue, err := s.auctions.ListRunningPastEnd(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	var errs []error
	for _, auc := range overdue {
		if err := s.advancer.ForceEnd(ctx, auc.ID); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			log.Error().Err(err).Str("auction_id", auc.ID.String()).Msg("failed to force-end auction")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// closeExpiredLots is the scheduler-side backstop for countdown expiry.
// The ticker normally reacts first; this pass catches anything it missed.
func (s *Scheduler) closeExpiredLots(ctx context.Context) error {
	now := s.clock.Now().UTC()
	expired, err := s.lots.ListExpiredActive(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	var errs []error
	for _, auctionID := range expired {
		if err := s.advancer.CloseAndAdvance(ctx, auctionID); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			log.Error().Err(err).Str("auction_id", auctionID.String()).Msg("failed to advance expired lot")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) insertEvent(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID, t events.Type, now time.Time, payload any) error {
	env, err := events.NewEnvelope(t, auctionID, nil, now, payload)
	if err != nil {
		return err
	}
	return s.outbox.Insert(ctx, tx, env)
}
