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

	"github.com/lotline/lotline/internal/bid"
	"github.com/lotline/lotline/internal/events"
	"github.com/lotline/lotline/internal/lot"
	"github.com/lotline/lotline/internal/models"
)

// ErrConflict is returned when another driver is already advancing the
// same auction. Callers treat it as a benign race, not a failure.
var ErrConflict = errors.New("auction advancement already in progress")

// TxManager starts the transaction a lifecycle mutation runs in.
type TxManager interface {
	BeginTx(ctx context.Context) (pgx.Tx, error)
}

// AuctionStore is what the lifecycle driver needs from auction persistence.
type AuctionStore interface {
	GetAuctionForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Auction, error)
	TryTransitionStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to models.AuctionStatus) (bool, error)
	SetCurrentLotNumber(ctx context.Context, tx pgx.Tx, id uuid.UUID, lotNumber *int) error
	RecordSale(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) error
	SyncTotalCarsCount(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	ListScheduledDue(ctx context.Context, now time.Time, window time.Duration, limit int) ([]*models.Auction, error)
	ListReadyDue(ctx context.Context, now time.Time, limit int) ([]*models.Auction, error)
	ListRunningPastEnd(ctx context.Context, now time.Time, limit int) ([]*models.Auction, error)
}

// LotStore is what the lifecycle driver needs from lot persistence.
type LotStore interface {
	GetActiveLotForUpdate(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) (*models.Lot, error)
	NextReadyLot(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) (*models.Lot, error)
	MarkLotsReady(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) (int, error)
	ApplyFallbackStartPrice(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID, price int64) error
	TryActivate(ctx context.Context, tx pgx.Tx, id uuid.UUID, openingPrice int64, holder *uuid.UUID, now time.Time) (bool, error)
	TryClose(ctx context.Context, tx pgx.Tx, id uuid.UUID, terminal models.LotCondition) (bool, error)
	CloseRemaining(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) (int, error)
	ListExpiredActive(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// BidStore is what the lifecycle driver needs from bid persistence.
type BidStore interface {
	HighestPreBid(ctx context.Context, q bid.Querier, lotID uuid.UUID) (*models.Bid, error)
}

// OutboxStore appends broadcast events inside the mutation transaction.
type OutboxStore interface {
	Insert(ctx context.Context, tx pgx.Tx, env events.Envelope) error
}

// Advancer drives the close-and-advance step shared by the scheduler and
// the ticker. Both may detect the same expiry; the keyed mutex plus the
// CAS lot close make the duplicate invocation a no-op.
type Advancer struct {
	txm      TxManager
	auctions AuctionStore
	lots     LotStore
	bids     BidStore
	outbox   OutboxStore
	clock    clockwork.Clock
	locks    *keyedMutex
}

func NewAdvancer(txm TxManager, auctions AuctionStore, lots LotStore, bids BidStore, outbox OutboxStore, clock clockwork.Clock) *Advancer {
	return &Advancer{
		txm:      txm,
		auctions: auctions,
		lots:     lots,
		bids:     bids,
		outbox:   outbox,
		clock:    clock,
		locks:    newKeyedMutex(),
	}
}

// closedLot describes the terminal state a lot just reached.
type closedLot struct {
	lot    *models.Lot
	sold   bool
	winner *uuid.UUID
}

// CloseAndAdvance closes the auction's active lot and either activates the
// next lot in the run list or, when none remains, ends the auction. Safe
// to call from concurrent drivers: the second caller returns ErrConflict
// or finds nothing left to do.
func (a *Advancer) CloseAndAdvance(ctx context.Context, auctionID uuid.UUID) error {
	if !a.locks.tryLock(auctionID) {
		return ErrConflict
	}
	defer a.locks.unlock(auctionID)

	now := a.clock.Now().UTC()

	tx, err := a.txm.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	auc, err := a.auctions.GetAuctionForUpdate(ctx, tx, auctionID)
	if err != nil {
		return err
	}
	if auc.Status != models.AuctionStatusRunning {
		return nil
	}

	active, err := a.activeLot(ctx, tx, auc.ID)
	if err != nil {
		return err
	}
	if active != nil && !active.Expired(auc.TimerSeconds, now) {
		// The countdown was re-armed by a bid between expiry detection
		// and taking the row lock. Nothing to close.
		return tx.Commit(ctx)
	}
	if active == nil && auc.CurrentLotNumber != nil {
		// Another driver closed the lot first. Nothing left to do.
		return tx.Commit(ctx)
	}

	closed, err := a.closeLot(ctx, tx, auc, active, now)
	if err != nil {
		return err
	}
	if err := a.advance(ctx, tx, auc, closed, now); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ForceEnd ends a running auction regardless of how many lots remain,
// closing the active lot normally and the rest as Unsold.
func (a *Advancer) ForceEnd(ctx context.Context, auctionID uuid.UUID) error {
	if !a.locks.tryLock(auctionID) {
		return ErrConflict
	}
	defer a.locks.unlock(auctionID)

	now := a.clock.Now().UTC()

	tx, err := a.txm.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	auc, err := a.auctions.GetAuctionForUpdate(ctx, tx, auctionID)
	if err != nil {
		return err
	}
	if auc.Status != models.AuctionStatusRunning {
		return nil
	}

	active, err := a.activeLot(ctx, tx, auc.ID)
	if err != nil {
		return err
	}
	if _, err := a.closeLot(ctx, tx, auc, active, now); err != nil {
		return err
	}
	if err := a.endAuction(ctx, tx, auc, now); err != nil {
		return err
	}

	log.Info().Str("auction_id", auctionID.String()).Msg("auction force-ended past its end time")
	return tx.Commit(ctx)
}

// activeLot locks and returns the auction's active lot, or nil when no
// lot is on the block.
func (a *Advancer) activeLot(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) (*models.Lot, error) {
	active, err := a.lots.GetActiveLotForUpdate(ctx, tx, auctionID)
	if err != nil {
		if errors.Is(err, lot.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return active, nil
}

// closeLot moves the given lot to its terminal condition and records the
// sale. Returns nil when there was nothing to close.
func (a *Advancer) closeLot(ctx context.Context, tx pgx.Tx, auc *models.Auction, active *models.Lot, now time.Time) (*closedLot, error) {
	if active == nil {
		return nil, nil
	}

	sold := active.HighestBidderID != nil && active.MeetsReserve()
	terminal := models.LotConditionUnsold
	if sold {
		terminal = models.LotConditionSold
	}

	ok, err := a.lots.TryClose(ctx, tx, active.ID, terminal)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	closed := &closedLot{lot: active, sold: sold}
	payload := events.CarCompletedPayload{
		LotID:     active.ID,
		LotNumber: active.LotNumber,
		Status:    string(terminal),
		ClosedAt:  now,
	}
	if sold {
		closed.winner = active.HighestBidderID
		payload.SoldPrice = &active.CurrentPrice
		payload.Winner = active.HighestBidderID
		if err := a.auctions.RecordSale(ctx, tx, auc.ID, active.CurrentPrice); err != nil {
			return nil, err
		}
		auc.SoldCarsCount++
		auc.TotalSalesAmount += active.CurrentPrice
	}

	if err := a.insertEvent(ctx, tx, auc.ID, &active.ID, events.TypeCarCompleted, now, payload); err != nil {
		return nil, err
	}

	log.Info().
		Str("auction_id", auc.ID.String()).
		Str("lot_id", active.ID.String()).
		Int("lot_number", active.LotNumber).
		Bool("sold", sold).
		Msg("lot closed")
	return closed, nil
}

// advance activates the next ready lot, or ends the auction when the run
// list is exhausted.
func (a *Advancer) advance(ctx context.Context, tx pgx.Tx, auc *models.Auction, closed *closedLot, now time.Time) error {
	next, err := a.lots.NextReadyLot(ctx, tx, auc.ID)
	if err != nil {
		if errors.Is(err, lot.ErrNotFound) {
			return a.endAuction(ctx, tx, auc, now)
		}
		return err
	}

	opening, holder, err := a.openingFor(ctx, tx, next)
	if err != nil {
		return err
	}
	ok, err := a.lots.TryActivate(ctx, tx, next.ID, opening, holder, now)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := a.auctions.SetCurrentLotNumber(ctx, tx, auc.ID, &next.LotNumber); err != nil {
		return err
	}

	payload := events.CarMovedPayload{
		NextLotID:     next.ID,
		NextLotNumber: next.LotNumber,
		OpeningPrice:  opening,
		TimerSeconds:  auc.TimerSeconds,
		MovedAt:       now,
	}
	if closed != nil {
		payload.PreviousLotID = &closed.lot.ID
		payload.Winner = closed.winner
	}
	if err := a.insertEvent(ctx, tx, auc.ID, &next.ID, events.TypeCarMoved, now, payload); err != nil {
		return err
	}

	log.Info().
		Str("auction_id", auc.ID.String()).
		Str("lot_id", next.ID.String()).
		Int("lot_number", next.LotNumber).
		Int64("opening_price", opening).
		Msg("advanced to next lot")
	return nil
}

// openingFor seeds a lot's opening price from its winning pre-bid when one
// beats the start price; otherwise the lot opens at its start price with
// no holder.
func (a *Advancer) openingFor(ctx context.Context, tx pgx.Tx, l *models.Lot) (int64, *uuid.UUID, error) {
	pre, err := a.bids.HighestPreBid(ctx, tx, l.ID)
	if err != nil {
		return 0, nil, err
	}
	if pre != nil && pre.Amount >= l.StartPrice {
		return pre.Amount, &pre.UserID, nil
	}
	return l.StartPrice, nil, nil
}

// endAuction transitions Running to Ended, closes any leftover lots as
// Unsold, and emits the final aggregates.
func (a *Advancer) endAuction(ctx context.Context, tx pgx.Tx, auc *models.Auction, now time.Time) error {
	ok, err := a.auctions.TryTransitionStatus(ctx, tx, auc.ID, models.AuctionStatusRunning, models.AuctionStatusEnded)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if _, err := a.lots.CloseRemaining(ctx, tx, auc.ID); err != nil {
		return err
	}
	if err := a.auctions.SetCurrentLotNumber(ctx, tx, auc.ID, nil); err != nil {
		return err
	}

	payload := events.AuctionEndedPayload{
		AuctionID:        auc.ID,
		EndedAt:          now,
		TotalCars:        auc.TotalCarsCount,
		SoldCars:         auc.SoldCarsCount,
		TotalSalesAmount: auc.TotalSalesAmount,
	}
	if err := a.insertEvent(ctx, tx, auc.ID, nil, events.TypeAuctionEnded, now, payload); err != nil {
		return err
	}

	log.Info().
		Str("auction_id", auc.ID.String()).
		Int("sold_cars", auc.SoldCarsCount).
		Int64("total_sales", auc.TotalSalesAmount).
		Msg("auction ended")
	return nil
}

func (a *Advancer) insertEvent(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID, lotID *uuid.UUID, t events.Type, now time.Time, payload any) error {
	env, err := events.NewEnvelope(t, auctionID, lotID, now, payload)
	if err != nil {
		return err
	}
	return a.outbox.Insert(ctx, tx, env)
}
