package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lotline/lotline/internal/bid"
	"github.com/lotline/lotline/internal/events"
	"github.com/lotline/lotline/internal/lot"
	"github.com/lotline/lotline/internal/models"
)

type fakeTx struct {
	pgx.Tx
	committed bool
}

func (f *fakeTx) Commit(ctx context.Context) error   { f.committed = true; return nil }
func (f *fakeTx) Rollback(ctx context.Context) error { return nil }

type fakeTxManager struct{}

func (f *fakeTxManager) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return &fakeTx{}, nil
}

// fakeAuctionStore applies status transitions to an in-memory auction the
// same way the SQL compare-and-swap updates do.
type fakeAuctionStore struct {
	auction *models.Auction

	scheduledDue   []*models.Auction
	readyDue       []*models.Auction
	runningPastEnd []*models.Auction
}

func (f *fakeAuctionStore) GetAuctionForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Auction, error) {
	return f.auction, nil
}

func (f *fakeAuctionStore) TryTransitionStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to models.AuctionStatus) (bool, error) {
	if f.auction.Status != from {
		return false, nil
	}
	f.auction.Status = to
	return true, nil
}

func (f *fakeAuctionStore) SetCurrentLotNumber(ctx context.Context, tx pgx.Tx, id uuid.UUID, lotNumber *int) error {
	f.auction.CurrentLotNumber = lotNumber
	return nil
}

func (f *fakeAuctionStore) RecordSale(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) error {
	f.auction.SoldCarsCount++
	f.auction.TotalSalesAmount += amount
	return nil
}

func (f *fakeAuctionStore) SyncTotalCarsCount(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	return nil
}

func (f *fakeAuctionStore) ListScheduledDue(ctx context.Context, now time.Time, window time.Duration, limit int) ([]*models.Auction, error) {
	return f.scheduledDue, nil
}

func (f *fakeAuctionStore) ListReadyDue(ctx context.Context, now time.Time, limit int) ([]*models.Auction, error) {
	return f.readyDue, nil
}

func (f *fakeAuctionStore) ListRunningPastEnd(ctx context.Context, now time.Time, limit int) ([]*models.Auction, error) {
	return f.runningPastEnd, nil
}

// fakeLotStore mimics the compare-and-swap semantics of the real lot
// repository against an in-memory run list.
type fakeLotStore struct {
	lots []*models.Lot

	expiredAuctions []uuid.UUID
	fallbackApplied int64
}

func (f *fakeLotStore) GetActiveLotForUpdate(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) (*models.Lot, error) {
	for _, l := range f.lots {
		if l.AuctionID == auctionID && l.IsActive {
			return l, nil
		}
	}
	return nil, lot.ErrNotFound
}

func (f *fakeLotStore) NextReadyLot(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) (*models.Lot, error) {
	var next *models.Lot
	for _, l := range f.lots {
		if l.AuctionID != auctionID || l.Condition != models.LotConditionReadyForAuction {
			continue
		}
		if next == nil || l.LotNumber < next.LotNumber {
			next = l
		}
	}
	if next == nil {
		return nil, lot.ErrNotFound
	}
	return next, nil
}

func (f *fakeLotStore) MarkLotsReady(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) (int, error) {
	moved := 0
	for _, l := range f.lots {
		if l.AuctionID == auctionID && l.Condition == models.LotConditionPreAuction {
			l.Condition = models.LotConditionReadyForAuction
			moved++
		}
	}
	return moved, nil
}

func (f *fakeLotStore) ApplyFallbackStartPrice(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID, price int64) error {
	f.fallbackApplied = price
	for _, l := range f.lots {
		if l.AuctionID == auctionID && l.StartPrice <= 0 {
			l.StartPrice = price
			l.CurrentPrice = price
		}
	}
	return nil
}

func (f *fakeLotStore) TryActivate(ctx context.Context, tx pgx.Tx, id uuid.UUID, openingPrice int64, holder *uuid.UUID, now time.Time) (bool, error) {
	for _, l := range f.lots {
		if l.ID != id {
			continue
		}
		if l.Condition != models.LotConditionReadyForAuction || l.IsActive {
			return false, nil
		}
		activated := now
		l.Condition = models.LotConditionLiveAuction
		l.IsActive = true
		l.ActivatedAt = &activated
		l.CurrentPrice = openingPrice
		l.HighestBidderID = holder
		l.LastBidTime = nil
		return true, nil
	}
	return false, nil
}

func (f *fakeLotStore) TryClose(ctx context.Context, tx pgx.Tx, id uuid.UUID, terminal models.LotCondition) (bool, error) {
	for _, l := range f.lots {
		if l.ID != id {
			continue
		}
		if l.Condition != models.LotConditionLiveAuction || !l.IsActive {
			return false, nil
		}
		l.Condition = terminal
		l.IsActive = false
		return true, nil
	}
	return false, nil
}

func (f *fakeLotStore) CloseRemaining(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) (int, error) {
	closed := 0
	for _, l := range f.lots {
		if l.AuctionID == auctionID && !l.Condition.Terminal() {
			l.Condition = models.LotConditionUnsold
			l.IsActive = false
			closed++
		}
	}
	return closed, nil
}

func (f *fakeLotStore) ListExpiredActive(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return f.expiredAuctions, nil
}

type fakeBidStore struct {
	preBids map[uuid.UUID]*models.Bid
}

func (f *fakeBidStore) HighestPreBid(ctx context.Context, q bid.Querier, lotID uuid.UUID) (*models.Bid, error) {
	if f.preBids == nil {
		return nil, nil
	}
	return f.preBids[lotID], nil
}

type fakeOutbox struct {
	envs []events.Envelope
}

func (f *fakeOutbox) Insert(ctx context.Context, tx pgx.Tx, env events.Envelope) error {
	f.envs = append(f.envs, env)
	return nil
}

func (f *fakeOutbox) types() []events.Type {
	var out []events.Type
	for _, env := range f.envs {
		out = append(out, env.Type)
	}
	return out
}

type advancerFixture struct {
	advancer *Advancer
	auctions *fakeAuctionStore
	lots     *fakeLotStore
	bids     *fakeBidStore
	outbox   *fakeOutbox
	clock    *clockwork.FakeClock
}

func newAdvancerFixture(auc *models.Auction, lots []*models.Lot) *advancerFixture {
	f := &advancerFixture{
		auctions: &fakeAuctionStore{auction: auc},
		lots:     &fakeLotStore{lots: lots},
		bids:     &fakeBidStore{preBids: make(map[uuid.UUID]*models.Bid)},
		outbox:   &fakeOutbox{},
		clock:    clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	f.advancer = NewAdvancer(&fakeTxManager{}, f.auctions, f.lots, f.bids, f.outbox, f.clock)
	return f
}

func runningAuction() *models.Auction {
	one := 1
	return &models.Auction{
		ID:               uuid.New(),
		Status:           models.AuctionStatusRunning,
		TimerSeconds:     30,
		TotalCarsCount:   2,
		CurrentLotNumber: &one,
	}
}

func lotOnBlock(auctionID uuid.UUID, number int, activatedAt time.Time) *models.Lot {
	return &models.Lot{
		ID:           uuid.New(),
		AuctionID:    auctionID,
		LotNumber:    number,
		StartPrice:   100_000,
		CurrentPrice: 100_000,
		Condition:    models.LotConditionLiveAuction,
		IsActive:     true,
		ActivatedAt:  &activatedAt,
	}
}

func readyLot(auctionID uuid.UUID, number int) *models.Lot {
	return &models.Lot{
		ID:           uuid.New(),
		AuctionID:    auctionID,
		LotNumber:    number,
		StartPrice:   200_000,
		CurrentPrice: 200_000,
		Condition:    models.LotConditionReadyForAuction,
	}
}

func TestCloseAndAdvanceSellsLotAndActivatesNext(t *testing.T) {
	auc := runningAuction()
	activated := time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC)
	current := lotOnBlock(auc.ID, 1, activated)
	winner := uuid.New()
	current.HighestBidderID = &winner
	current.CurrentPrice = 130_000
	next := readyLot(auc.ID, 2)

	f := newAdvancerFixture(auc, []*models.Lot{current, next})

	err := f.advancer.CloseAndAdvance(context.Background(), auc.ID)
	require.NoError(t, err)

	assert.Equal(t, models.LotConditionSold, current.Condition)
	assert.False(t, current.IsActive)
	assert.Equal(t, 1, auc.SoldCarsCount)
	assert.Equal(t, int64(130_000), auc.TotalSalesAmount)

	assert.Equal(t, models.LotConditionLiveAuction, next.Condition)
	assert.True(t, next.IsActive)
	assert.Equal(t, int64(200_000), next.CurrentPrice)
	require.NotNil(t, auc.CurrentLotNumber)
	assert.Equal(t, 2, *auc.CurrentLotNumber)

	assert.Equal(t, []events.Type{events.TypeCarCompleted, events.TypeCarMoved}, f.outbox.types())
}

func TestCloseAndAdvanceUnsoldWhenReserveNotMet(t *testing.T) {
	auc := runningAuction()
	activated := time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC)
	current := lotOnBlock(auc.ID, 1, activated)
	winner := uuid.New()
	reserve := int64(500_000)
	current.HighestBidderID = &winner
	current.CurrentPrice = 130_000
	current.ReservePrice = &reserve

	f := newAdvancerFixture(auc, []*models.Lot{current, readyLot(auc.ID, 2)})

	err := f.advancer.CloseAndAdvance(context.Background(), auc.ID)
	require.NoError(t, err)

	assert.Equal(t, models.LotConditionUnsold, current.Condition)
	assert.Zero(t, auc.SoldCarsCount)
	assert.Zero(t, auc.TotalSalesAmount)
}

func TestCloseAndAdvanceSeedsOpeningFromPreBid(t *testing.T) {
	auc := runningAuction()
	activated := time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC)
	current := lotOnBlock(auc.ID, 1, activated)
	next := readyLot(auc.ID, 2)

	f := newAdvancerFixture(auc, []*models.Lot{current, next})
	preBidder := uuid.New()
	f.bids.preBids[next.ID] = &models.Bid{
		LotID:  next.ID,
		UserID: preBidder,
		Amount: 250_000,
		Kind:   models.BidKindPreBid,
	}

	err := f.advancer.CloseAndAdvance(context.Background(), auc.ID)
	require.NoError(t, err)

	assert.Equal(t, int64(250_000), next.CurrentPrice, "winning pre-bid seeds the opening price")
	require.NotNil(t, next.HighestBidderID)
	assert.Equal(t, preBidder, *next.HighestBidderID)
}

func TestCloseAndAdvanceEndsAuctionOnLastLot(t *testing.T) {
	auc := runningAuction()
	activated := time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC)
	current := lotOnBlock(auc.ID, 1, activated)
	winner := uuid.New()
	current.HighestBidderID = &winner

	f := newAdvancerFixture(auc, []*models.Lot{current})

	err := f.advancer.CloseAndAdvance(context.Background(), auc.ID)
	require.NoError(t, err)

	assert.Equal(t, models.AuctionStatusEnded, auc.Status)
	assert.Nil(t, auc.CurrentLotNumber)
	assert.Equal(t, []events.Type{events.TypeCarCompleted, events.TypeAuctionEnded}, f.outbox.types())
}

func TestCloseAndAdvanceNoOpWhileCountdownLive(t *testing.T) {
	auc := runningAuction()
	// Activated five seconds ago against a 30 second timer.
	activated := time.Date(2026, 3, 1, 11, 59, 55, 0, time.UTC)
	current := lotOnBlock(auc.ID, 1, activated)

	f := newAdvancerFixture(auc, []*models.Lot{current, readyLot(auc.ID, 2)})

	err := f.advancer.CloseAndAdvance(context.Background(), auc.ID)
	require.NoError(t, err)

	assert.Equal(t, models.LotConditionLiveAuction, current.Condition)
	assert.True(t, current.IsActive)
	assert.Empty(t, f.outbox.envs)
}

func TestCloseAndAdvanceRepeatedInvocationIsIdempotent(t *testing.T) {
	auc := runningAuction()
	activated := time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC)
	current := lotOnBlock(auc.ID, 1, activated)
	next := readyLot(auc.ID, 2)

	f := newAdvancerFixture(auc, []*models.Lot{current, next})

	require.NoError(t, f.advancer.CloseAndAdvance(context.Background(), auc.ID))
	require.NoError(t, f.advancer.CloseAndAdvance(context.Background(), auc.ID))

	// The second invocation finds the fresh lot's countdown running and
	// does nothing.
	assert.Equal(t, models.LotConditionLiveAuction, next.Condition)
	assert.True(t, next.IsActive)
	assert.Equal(t, []events.Type{events.TypeCarCompleted, events.TypeCarMoved}, f.outbox.types())
}

func TestCloseAndAdvanceIgnoresNonRunningAuction(t *testing.T) {
	auc := runningAuction()
	auc.Status = models.AuctionStatusEnded

	f := newAdvancerFixture(auc, nil)

	require.NoError(t, f.advancer.CloseAndAdvance(context.Background(), auc.ID))
	assert.Empty(t, f.outbox.envs)
}

func TestForceEndClosesEverything(t *testing.T) {
	auc := runningAuction()
	activated := time.Date(2026, 3, 1, 11, 59, 50, 0, time.UTC)
	current := lotOnBlock(auc.ID, 1, activated)
	winner := uuid.New()
	current.HighestBidderID = &winner
	current.CurrentPrice = 140_000
	leftover := readyLot(auc.ID, 2)

	f := newAdvancerFixture(auc, []*models.Lot{current, leftover})

	err := f.advancer.ForceEnd(context.Background(), auc.ID)
	require.NoError(t, err)

	// The lot on the block still sells even though its countdown had
	// time left; the rest of the run list goes unsold.
	assert.Equal(t, models.LotConditionSold, current.Condition)
	assert.Equal(t, models.LotConditionUnsold, leftover.Condition)
	assert.Equal(t, models.AuctionStatusEnded, auc.Status)
	assert.Equal(t, 1, auc.SoldCarsCount)
	assert.Equal(t, []events.Type{events.TypeCarCompleted, events.TypeAuctionEnded}, f.outbox.types())
}
