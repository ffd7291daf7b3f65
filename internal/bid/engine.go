package bid

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/lotline/lotline/internal/events"
	"github.com/lotline/lotline/internal/models"
)

// TxManager starts the transaction a bid mutation runs in.
type TxManager interface {
	BeginTx(ctx context.Context) (pgx.Tx, error)
}

// LotStore is what the engine needs from lot persistence.
type LotStore interface {
	GetLot(ctx context.Context, id uuid.UUID) (*models.Lot, error)
	GetLotForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Lot, error)
	UpdatePrice(ctx context.Context, tx pgx.Tx, id uuid.UUID, price int64, holder uuid.UUID, bidTime time.Time) error
}

// BidStore is what the engine needs from bid persistence.
type BidStore interface {
	SaveBid(ctx context.Context, tx pgx.Tx, b *models.Bid) error
	HighestPreBid(ctx context.Context, q Querier, lotID uuid.UUID) (*models.Bid, error)
	Stats(ctx context.Context, q Querier, lotID uuid.UUID) (*models.BidStats, error)
	BidHistory(ctx context.Context, lotID uuid.UUID, limit int) ([]*models.Bid, error)
	StrongestProxy(ctx context.Context, tx pgx.Tx, lotID uuid.UUID, excludeUser uuid.UUID) (*models.ProxyBid, error)
	RegisterProxy(ctx context.Context, tx pgx.Tx, p *models.ProxyBid) error
	DeactivateProxy(ctx context.Context, tx pgx.Tx, lotID, userID uuid.UUID) (bool, error)
	RetireProxy(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
}

// AuctionStore is what the engine needs from auction persistence.
type AuctionStore interface {
	GetAuction(ctx context.Context, id uuid.UUID) (*models.Auction, error)
}

// OutboxStore appends broadcast events inside the mutation transaction.
type OutboxStore interface {
	Insert(ctx context.Context, tx pgx.Tx, env events.Envelope) error
}

// Limits bounds what the engine will accept as a sane bid.
type Limits struct {
	// AbsoluteCeiling is the floor of the sanity ceiling, in cents.
	AbsoluteCeiling int64
	// StartPriceMultiple scales a lot's start price into its ceiling;
	// the larger of the two applies.
	StartPriceMultiple int64
}

// PlaceBidRequest is one incoming bid of any kind.
type PlaceBidRequest struct {
	LotID    uuid.UUID
	UserID   uuid.UUID
	Amount   int64
	Kind     models.BidKind
	ProxyMax int64 // Proxy only
}

// PlaceBidResult reports the arbitration outcome for an accepted bid. The
// new holder may differ from the submitting user when a standing proxy
// defended the lot.
type PlaceBidResult struct {
	BidID             uuid.UUID
	NewCurrentPrice   int64
	NewHighestBidder  uuid.UUID
	TimerResetSeconds int
}

// Engine validates incoming bids, arbitrates proxy wars, and commits the
// resulting price movement atomically with the bid insert. All price
// writes for a lot happen under that lot's row lock, so two bids on the
// same lot never interleave their read-modify-write.
type Engine struct {
	txm      TxManager
	lots     LotStore
	bids     BidStore
	auctions AuctionStore
	outbox   OutboxStore
	limits   Limits
	clock    clockwork.Clock
}

func NewEngine(txm TxManager, lots LotStore, bids BidStore, auctions AuctionStore, outbox OutboxStore, limits Limits, clock clockwork.Clock) *Engine {
	return &Engine{
		txm:      txm,
		lots:     lots,
		bids:     bids,
		auctions: auctions,
		outbox:   outbox,
		limits:   limits,
		clock:    clock,
	}
}

// PlaceBid validates and applies one bid. Validation failures return a
// *ValidationError; anything else is an infrastructure fault.
func (e *Engine) PlaceBid(ctx context.Context, req PlaceBidRequest) (*PlaceBidResult, error) {
	now := e.clock.Now().UTC()

	tx, err := e.txm.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	lot, err := e.lots.GetLotForUpdate(ctx, tx, req.LotID)
	if err != nil {
		return nil, fmt.Errorf("lot not found: %w", err)
	}

	if err := e.checkCeiling(lot, req); err != nil {
		return nil, err
	}

	var result *PlaceBidResult
	switch req.Kind {
	case models.BidKindPreBid:
		result, err = e.placePreBid(ctx, tx, lot, req, now)
	case models.BidKindLive, models.BidKindProxy:
		result, err = e.placeLiveOrProxy(ctx, tx, lot, req, now)
	default:
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown bid kind %q", req.Kind)}
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit bid: %w", err)
	}

	log.Info().
		Str("lot_id", req.LotID.String()).
		Str("user_id", req.UserID.String()).
		Str("kind", string(req.Kind)).
		Int64("amount", req.Amount).
		Int64("new_price", result.NewCurrentPrice).
		Msg("bid accepted")

	return result, nil
}

func (e *Engine) checkCeiling(lot *models.Lot, req PlaceBidRequest) error {
	ceiling := e.limits.AbsoluteCeiling
	if byStart := lot.StartPrice * e.limits.StartPriceMultiple; byStart > ceiling {
		ceiling = byStart
	}
	if req.Amount > ceiling {
		return errBidTooHigh(ceiling)
	}
	if req.Kind == models.BidKindProxy && req.ProxyMax > ceiling {
		return errBidTooHigh(ceiling)
	}
	return nil
}

// placePreBid accepts a bid before live bidding opens. Pre-bids do not
// move the live price; the highest one seeds the opening price when the
// lot activates.
func (e *Engine) placePreBid(ctx context.Context, tx pgx.Tx, lot *models.Lot, req PlaceBidRequest, now time.Time) (*PlaceBidResult, error) {
	if lot.Condition != models.LotConditionPreAuction && lot.Condition != models.LotConditionReadyForAuction {
		return nil, errLotNotPreBiddable()
	}

	minimum := lot.StartPrice
	if highest, err := e.bids.HighestPreBid(ctx, tx, lot.ID); err != nil {
		return nil, err
	} else if highest != nil {
		minimum = MinimumRaise(highest.Amount)
	}
	if req.Amount < minimum {
		return nil, errBidTooLow(minimum)
	}

	b := &models.Bid{
		ID:     uuid.New(),
		LotID:  lot.ID,
		UserID: req.UserID,
		Amount: req.Amount,
		Kind:   models.BidKindPreBid,
		// An accepted pre-bid always tops the previous pre-bids.
		IsHighestAtPlacement: true,
		PlacedAt:             now,
	}
	if err := e.bids.SaveBid(ctx, tx, b); err != nil {
		return nil, err
	}

	if err := e.emitStats(ctx, tx, lot, now); err != nil {
		return nil, err
	}

	holder := uuid.Nil
	if lot.HighestBidderID != nil {
		holder = *lot.HighestBidderID
	}
	return &PlaceBidResult{
		BidID:            b.ID,
		NewCurrentPrice:  lot.CurrentPrice,
		NewHighestBidder: holder,
	}, nil
}

// placeLiveOrProxy arbitrates an incoming live or proxy bid against the
// strongest standing proxy on the lot, all under the lot's row lock.
func (e *Engine) placeLiveOrProxy(ctx context.Context, tx pgx.Tx, lot *models.Lot, req PlaceBidRequest, now time.Time) (*PlaceBidResult, error) {
	if lot.Condition != models.LotConditionLiveAuction {
		return nil, errLotNotLive()
	}

	minimum := MinimumRaise(lot.CurrentPrice)
	if req.Amount < minimum {
		return nil, errBidTooLow(minimum)
	}
	if req.Kind == models.BidKindProxy && req.ProxyMax < req.Amount {
		return nil, errProxyBelowStart(req.ProxyMax, req.Amount)
	}

	standing, err := e.bids.StrongestProxy(ctx, tx, lot.ID, req.UserID)
	if err != nil {
		return nil, err
	}

	ch := challenger{userID: req.UserID, opening: req.Amount, ceiling: req.Amount}
	if req.Kind == models.BidKindProxy {
		ch.ceiling = req.ProxyMax
	}
	out := arbitrate(ch, standing)

	incoming := &models.Bid{
		ID:                   uuid.New(),
		LotID:                lot.ID,
		UserID:               req.UserID,
		Amount:               req.Amount,
		Kind:                 req.Kind,
		IsHighestAtPlacement: out.winnerID == req.UserID,
		PlacedAt:             now,
	}
	if req.Kind == models.BidKindProxy {
		max := req.ProxyMax
		incoming.ProxyMaxAmount = &max
	}
	if err := e.bids.SaveBid(ctx, tx, incoming); err != nil {
		return nil, err
	}
	if err := e.emitBid(ctx, tx, lot, incoming, now); err != nil {
		return nil, err
	}

	if out.standingWon {
		// The standing proxy defends automatically; record its counter
		// so the bid history shows the war.
		counter := &models.Bid{
			ID:                   uuid.New(),
			LotID:                lot.ID,
			UserID:               standing.UserID,
			Amount:               out.price,
			Kind:                 models.BidKindProxy,
			ProxyMaxAmount:       &standing.MaxAmount,
			IsHighestAtPlacement: true,
			PlacedAt:             now,
		}
		if err := e.bids.SaveBid(ctx, tx, counter); err != nil {
			return nil, err
		}
		if err := e.emitBid(ctx, tx, lot, counter, now); err != nil {
			return nil, err
		}
	}
	if out.standingExhausted {
		if err := e.bids.RetireProxy(ctx, tx, standing.ID); err != nil {
			return nil, err
		}
	}
	if req.Kind == models.BidKindProxy && out.winnerID == req.UserID {
		p := &models.ProxyBid{
			ID:        uuid.New(),
			LotID:     lot.ID,
			UserID:    req.UserID,
			MaxAmount: req.ProxyMax,
			Active:    true,
			CreatedAt: now,
		}
		if err := e.bids.RegisterProxy(ctx, tx, p); err != nil {
			return nil, err
		}
	}

	if err := e.lots.UpdatePrice(ctx, tx, lot.ID, out.price, out.winnerID, now); err != nil {
		return nil, err
	}

	auc, err := e.auctions.GetAuction(ctx, lot.AuctionID)
	if err != nil {
		return nil, err
	}

	if err := e.insertEvent(ctx, tx, lot, events.TypeHighestBidUpdated, now, events.HighestBidUpdatedPayload{
		LotID:    lot.ID,
		Amount:   out.price,
		BidderID: out.winnerID,
	}); err != nil {
		return nil, err
	}
	if err := e.insertEvent(ctx, tx, lot, events.TypeAuctionTimerReset, now, events.AuctionTimerResetPayload{
		LotID:               lot.ID,
		NewRemainingSeconds: auc.TimerSeconds,
	}); err != nil {
		return nil, err
	}
	if err := e.emitStats(ctx, tx, lot, now); err != nil {
		return nil, err
	}

	return &PlaceBidResult{
		BidID:             incoming.ID,
		NewCurrentPrice:   out.price,
		NewHighestBidder:  out.winnerID,
		TimerResetSeconds: auc.TimerSeconds,
	}, nil
}

// CancelProxyBid withdraws the user's standing proxy on a lot.
func (e *Engine) CancelProxyBid(ctx context.Context, lotID, userID uuid.UUID) error {
	tx, err := e.txm.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	ok, err := e.bids.DeactivateProxy(ctx, tx, lotID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return errNoActiveProxy()
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit proxy cancellation: %w", err)
	}

	log.Info().Str("lot_id", lotID.String()).Str("user_id", userID.String()).Msg("proxy bid cancelled")
	return nil
}

// MinimumBid returns the lowest acceptable next bid on a lot given its
// current phase. Terminal lots return 0.
func (e *Engine) MinimumBid(ctx context.Context, lotID uuid.UUID) (int64, error) {
	lot, err := e.lots.GetLot(ctx, lotID)
	if err != nil {
		return 0, err
	}

	switch lot.Condition {
	case models.LotConditionLiveAuction:
		return MinimumRaise(lot.CurrentPrice), nil
	case models.LotConditionPreAuction, models.LotConditionReadyForAuction:
		highest, err := e.bids.HighestPreBid(ctx, nil, lotID)
		if err != nil {
			return 0, err
		}
		if highest == nil {
			return lot.StartPrice, nil
		}
		return MinimumRaise(highest.Amount), nil
	default:
		return 0, nil
	}
}

// BidHistory returns the most recent bids on a lot, newest first.
func (e *Engine) BidHistory(ctx context.Context, lotID uuid.UUID, limit int) ([]*models.Bid, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return e.bids.BidHistory(ctx, lotID, limit)
}

// LotStats returns aggregate bid stats for a lot.
func (e *Engine) LotStats(ctx context.Context, lotID uuid.UUID) (*models.BidStats, error) {
	return e.bids.Stats(ctx, nil, lotID)
}

func (e *Engine) emitBid(ctx context.Context, tx pgx.Tx, lot *models.Lot, b *models.Bid, now time.Time) error {
	return e.insertEvent(ctx, tx, lot, events.TypeNewLiveBid, now, events.NewLiveBidPayload{
		LotID:    lot.ID,
		BidID:    b.ID,
		UserID:   b.UserID,
		Amount:   b.Amount,
		Kind:     string(b.Kind),
		PlacedAt: b.PlacedAt,
	})
}

func (e *Engine) emitStats(ctx context.Context, tx pgx.Tx, lot *models.Lot, now time.Time) error {
	stats, err := e.bids.Stats(ctx, tx, lot.ID)
	if err != nil {
		return err
	}
	return e.insertEvent(ctx, tx, lot, events.TypeBidStatsUpdated, now, events.BidStatsUpdatedPayload{
		LotID:         stats.LotID,
		BidCount:      stats.BidCount,
		BidderCount:   stats.BidderCount,
		HighestAmount: stats.HighestAmount,
		HighestBidder: stats.HighestBidder,
	})
}

func (e *Engine) insertEvent(ctx context.Context, tx pgx.Tx, lot *models.Lot, t events.Type, now time.Time, payload any) error {
	lotID := lot.ID
	env, err := events.NewEnvelope(t, lot.AuctionID, &lotID, now, payload)
	if err != nil {
		return err
	}
	return e.outbox.Insert(ctx, tx, env)
}
