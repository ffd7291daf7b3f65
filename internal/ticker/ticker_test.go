package ticker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lotline/lotline/internal/events"
	"github.com/lotline/lotline/internal/lifecycle"
	"github.com/lotline/lotline/internal/lot"
	"github.com/lotline/lotline/internal/models"
)

type fakeAuctions struct {
	running []*models.Auction
}

func (f *fakeAuctions) ListRunning(ctx context.Context, limit int) ([]*models.Auction, error) {
	return f.running, nil
}

type fakeLots struct {
	active map[uuid.UUID]*models.Lot
}

func (f *fakeLots) GetActiveLot(ctx context.Context, auctionID uuid.UUID) (*models.Lot, error) {
	if l, ok := f.active[auctionID]; ok {
		return l, nil
	}
	return nil, lot.ErrNotFound
}

type fakeAdvancer struct {
	advanced []uuid.UUID
	err      error
}

func (f *fakeAdvancer) CloseAndAdvance(ctx context.Context, auctionID uuid.UUID) error {
	f.advanced = append(f.advanced, auctionID)
	return f.err
}

type fakePublisher struct {
	ticks []events.Envelope
}

func (f *fakePublisher) PublishTick(ctx context.Context, env events.Envelope) error {
	f.ticks = append(f.ticks, env)
	return nil
}

type tickerFixture struct {
	service  *Service
	auctions *fakeAuctions
	lots     *fakeLots
	advancer *fakeAdvancer
	pub      *fakePublisher
	clock    *clockwork.FakeClock
}

func newTickerFixture() *tickerFixture {
	f := &tickerFixture{
		auctions: &fakeAuctions{},
		lots:     &fakeLots{active: make(map[uuid.UUID]*models.Lot)},
		advancer: &fakeAdvancer{},
		pub:      &fakePublisher{},
		clock:    clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	f.service = NewService(Config{}, f.auctions, f.lots, f.advancer, f.pub, f.clock)
	return f
}

func runningAuctionWithLot(activatedAgo time.Duration, now time.Time) (*models.Auction, *models.Lot) {
	auc := &models.Auction{
		ID:           uuid.New(),
		Status:       models.AuctionStatusRunning,
		TimerSeconds: 30,
	}
	activated := now.Add(-activatedAgo)
	l := &models.Lot{
		ID:          uuid.New(),
		AuctionID:   auc.ID,
		LotNumber:   1,
		Condition:   models.LotConditionLiveAuction,
		IsActive:    true,
		ActivatedAt: &activated,
	}
	return auc, l
}

func TestTickBroadcastsRemainingTime(t *testing.T) {
	f := newTickerFixture()
	auc, l := runningAuctionWithLot(12*time.Second, f.clock.Now().UTC())
	f.auctions.running = []*models.Auction{auc}
	f.lots.active[auc.ID] = l

	f.service.tick(context.Background())

	require.Len(t, f.pub.ticks, 1)
	env := f.pub.ticks[0]
	assert.Equal(t, events.TypeTimerTick, env.Type)
	assert.Equal(t, auc.ID, env.AuctionID)

	var payload events.TimerTickPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, 18, payload.RemainingSeconds)
	assert.False(t, payload.IsExpired)
	assert.Empty(t, f.advancer.advanced)
}

func TestTickTriggersAdvanceOnExpiry(t *testing.T) {
	f := newTickerFixture()
	auc, l := runningAuctionWithLot(31*time.Second, f.clock.Now().UTC())
	f.auctions.running = []*models.Auction{auc}
	f.lots.active[auc.ID] = l

	f.service.tick(context.Background())

	require.Len(t, f.pub.ticks, 1)
	var payload events.TimerTickPayload
	require.NoError(t, json.Unmarshal(f.pub.ticks[0].Payload, &payload))
	assert.Zero(t, payload.RemainingSeconds)
	assert.True(t, payload.IsExpired)
	assert.Equal(t, []uuid.UUID{auc.ID}, f.advancer.advanced)
}

func TestTickCountdownRestartsFromLastBid(t *testing.T) {
	f := newTickerFixture()
	now := f.clock.Now().UTC()
	auc, l := runningAuctionWithLot(50*time.Second, now)
	lastBid := now.Add(-5 * time.Second)
	l.LastBidTime = &lastBid
	f.auctions.running = []*models.Auction{auc}
	f.lots.active[auc.ID] = l

	f.service.tick(context.Background())

	var payload events.TimerTickPayload
	require.NoError(t, json.Unmarshal(f.pub.ticks[0].Payload, &payload))
	assert.Equal(t, 25, payload.RemainingSeconds, "countdown measures from the latest bid")
	assert.Empty(t, f.advancer.advanced)
}

func TestTickToleratesConcurrentAdvance(t *testing.T) {
	f := newTickerFixture()
	auc, l := runningAuctionWithLot(31*time.Second, f.clock.Now().UTC())
	f.auctions.running = []*models.Auction{auc}
	f.lots.active[auc.ID] = l
	f.advancer.err = lifecycle.ErrConflict

	// Another driver holding the advancement lock is routine, not an error.
	f.service.tick(context.Background())

	assert.Equal(t, []uuid.UUID{auc.ID}, f.advancer.advanced)
}

func TestTickSkipsAuctionBetweenLots(t *testing.T) {
	f := newTickerFixture()
	auc := &models.Auction{ID: uuid.New(), Status: models.AuctionStatusRunning, TimerSeconds: 30}
	f.auctions.running = []*models.Auction{auc}

	f.service.tick(context.Background())

	assert.Empty(t, f.pub.ticks)
	assert.Empty(t, f.advancer.advanced)
}
