package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lotline/lotline/internal/bid"
	"github.com/lotline/lotline/internal/events"
	"github.com/lotline/lotline/internal/models"
)

// fakeBidService is called from connection read pumps, so it guards its
// recorded calls with a mutex.
type fakeBidService struct {
	mu        sync.Mutex
	placed    []bid.PlaceBidRequest
	placeErr  error
	minimum   int64
	history   []*models.Bid
	stats     *models.BidStats
	cancelled []uuid.UUID
}

func (f *fakeBidService) PlaceBid(ctx context.Context, req bid.PlaceBidRequest) (*bid.PlaceBidResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, req)
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	return &bid.PlaceBidResult{BidID: uuid.New(), NewCurrentPrice: req.Amount}, nil
}

func (f *fakeBidService) CancelProxyBid(ctx context.Context, lotID, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, lotID)
	return nil
}

func (f *fakeBidService) placedBids() []bid.PlaceBidRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bid.PlaceBidRequest(nil), f.placed...)
}

func (f *fakeBidService) MinimumBid(ctx context.Context, lotID uuid.UUID) (int64, error) {
	return f.minimum, nil
}

func (f *fakeBidService) BidHistory(ctx context.Context, lotID uuid.UUID, limit int) ([]*models.Bid, error) {
	return f.history, nil
}

func (f *fakeBidService) LotStats(ctx context.Context, lotID uuid.UUID) (*models.BidStats, error) {
	return f.stats, nil
}

type fakeStateProvider struct {
	snap  *StateSnapshot
	stats *AuctionStats
}

func (f *fakeStateProvider) Snapshot(ctx context.Context, auctionID uuid.UUID) (*StateSnapshot, error) {
	return f.snap, nil
}

func (f *fakeStateProvider) AuctionStats(ctx context.Context, auctionID uuid.UUID) (*AuctionStats, error) {
	stats := *f.stats
	stats.AuctionID = auctionID
	return &stats, nil
}

type gatewayFixture struct {
	server  *httptest.Server
	manager *ConnectionManager
	bids    *fakeBidService
	cancel  context.CancelFunc
}

func newGatewayFixture(t *testing.T, auctionID uuid.UUID) *gatewayFixture {
	t.Helper()

	bids := &fakeBidService{
		minimum: 110_000,
		stats:   &models.BidStats{BidCount: 3, BidderCount: 2, HighestAmount: 100_000},
	}
	state := &fakeStateProvider{
		snap: &StateSnapshot{
			Auction: &models.Auction{
				ID:           auctionID,
				Name:         "March Classics",
				Status:       models.AuctionStatusRunning,
				TimerSeconds: 30,
			},
		},
		stats: &AuctionStats{
			Status:           models.AuctionStatusRunning,
			TotalCars:        12,
			SoldCars:         5,
			TotalSalesAmount: 4_250_000,
		},
	}

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	commands := NewCommands(bids, state, clock)
	manager := NewConnectionManager(DefaultConnectionConfig(), commands)
	handler := NewWebSocketHandler(manager, commands)

	ctx, cancel := context.WithCancel(context.Background())
	go manager.Start(ctx)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	server := httptest.NewServer(mux)

	f := &gatewayFixture{server: server, manager: manager, bids: bids, cancel: cancel}
	t.Cleanup(func() {
		server.Close()
		cancel()
	})
	return f
}

func (f *gatewayFixture) dial(t *testing.T, auctionID, userID uuid.UUID) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/auction?auction_id=" + auctionID.String()
	if userID != uuid.Nil {
		url += "&user_id=" + userID.String()
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) events.Envelope {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var env events.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func sendCommand(t *testing.T, conn *websocket.Conn, action string, data any) {
	t.Helper()

	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Command{Action: action, Data: raw}))
}

func TestConnectReceivesStateSnapshot(t *testing.T) {
	auctionID := uuid.New()
	f := newGatewayFixture(t, auctionID)

	conn := f.dial(t, auctionID, uuid.Nil)

	env := readEnvelope(t, conn)
	assert.Equal(t, events.TypeStateSnapshot, env.Type)
	assert.Equal(t, auctionID, env.AuctionID)

	var snap StateSnapshot
	require.NoError(t, json.Unmarshal(env.Payload, &snap))
	require.NotNil(t, snap.Auction)
	assert.Equal(t, "March Classics", snap.Auction.Name)
}

func TestMinimumBidReply(t *testing.T) {
	auctionID := uuid.New()
	lotID := uuid.New()
	f := newGatewayFixture(t, auctionID)

	conn := f.dial(t, auctionID, uuid.Nil)
	readEnvelope(t, conn) // initial snapshot

	sendCommand(t, conn, ActionGetMinimumBid, map[string]any{"lot_id": lotID})

	env := readEnvelope(t, conn)
	assert.Equal(t, events.TypeMinimumBid, env.Type)

	var reply struct {
		LotID      uuid.UUID `json:"lot_id"`
		MinimumBid int64     `json:"minimum_bid"`
	}
	require.NoError(t, json.Unmarshal(env.Payload, &reply))
	assert.Equal(t, lotID, reply.LotID)
	assert.Equal(t, int64(110_000), reply.MinimumBid)
}

func TestPlaceBidForwardsToEngine(t *testing.T) {
	auctionID := uuid.New()
	lotID := uuid.New()
	userID := uuid.New()
	f := newGatewayFixture(t, auctionID)

	conn := f.dial(t, auctionID, userID)
	readEnvelope(t, conn)

	sendCommand(t, conn, ActionPlaceLiveBid, map[string]any{"lot_id": lotID, "amount": 120_000})

	require.Eventually(t, func() bool {
		return len(f.bids.placedBids()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	req := f.bids.placedBids()[0]
	assert.Equal(t, lotID, req.LotID)
	assert.Equal(t, userID, req.UserID)
	assert.Equal(t, int64(120_000), req.Amount)
	assert.Equal(t, models.BidKindLive, req.Kind)
}

func TestRejectedBidGoesOnlyToSender(t *testing.T) {
	auctionID := uuid.New()
	lotID := uuid.New()
	f := newGatewayFixture(t, auctionID)
	f.bids.placeErr = &bid.ValidationError{Reason: "minimum bid is $1100.00"}

	bidder := f.dial(t, auctionID, uuid.New())
	watcher := f.dial(t, auctionID, uuid.Nil)
	readEnvelope(t, bidder)
	readEnvelope(t, watcher)

	sendCommand(t, bidder, ActionPlaceLiveBid, map[string]any{"lot_id": lotID, "amount": 1})

	env := readEnvelope(t, bidder)
	assert.Equal(t, events.TypeBidError, env.Type)

	var payload events.BidErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "minimum bid is $1100.00", payload.Reason)

	watcher.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := watcher.ReadMessage()
	assert.Error(t, err, "the rejection must not reach other watchers")
}

func TestAnonymousConnectionCannotBid(t *testing.T) {
	auctionID := uuid.New()
	f := newGatewayFixture(t, auctionID)

	conn := f.dial(t, auctionID, uuid.Nil)
	readEnvelope(t, conn)

	sendCommand(t, conn, ActionPlaceLiveBid, map[string]any{"lot_id": uuid.New(), "amount": 120_000})

	env := readEnvelope(t, conn)
	assert.Equal(t, events.TypeBidError, env.Type)
	assert.Empty(t, f.bids.placedBids())
}

func TestBroadcastReachesAuctionGroup(t *testing.T) {
	auctionID := uuid.New()
	f := newGatewayFixture(t, auctionID)

	first := f.dial(t, auctionID, uuid.Nil)
	second := f.dial(t, auctionID, uuid.Nil)
	readEnvelope(t, first)
	readEnvelope(t, second)

	env, err := events.NewEnvelope(events.TypeHighestBidUpdated, auctionID, nil, time.Now(), map[string]any{"current_price": 130_000})
	require.NoError(t, err)
	f.manager.Broadcast(env)

	for _, conn := range []*websocket.Conn{first, second} {
		got := readEnvelope(t, conn)
		assert.Equal(t, events.TypeHighestBidUpdated, got.Type)
	}
}

func TestBroadcastSkipsOtherAuctions(t *testing.T) {
	auctionID := uuid.New()
	otherID := uuid.New()
	f := newGatewayFixture(t, auctionID)

	conn := f.dial(t, auctionID, uuid.Nil)
	readEnvelope(t, conn)

	env, err := events.NewEnvelope(events.TypeHighestBidUpdated, otherID, nil, time.Now(), map[string]any{})
	require.NoError(t, err)
	f.manager.Broadcast(env)

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, readErr := conn.ReadMessage()
	assert.Error(t, readErr, "events for other auctions are not delivered")
}

func TestAuctionStatsReply(t *testing.T) {
	auctionID := uuid.New()
	otherAuction := uuid.New()
	f := newGatewayFixture(t, auctionID)

	conn := f.dial(t, auctionID, uuid.Nil)
	readEnvelope(t, conn)

	sendCommand(t, conn, ActionGetAuctionStats, map[string]any{"auction_id": otherAuction})

	env := readEnvelope(t, conn)
	assert.Equal(t, events.TypeAuctionStats, env.Type)

	var stats AuctionStats
	require.NoError(t, json.Unmarshal(env.Payload, &stats))
	assert.Equal(t, otherAuction, stats.AuctionID)
	assert.Equal(t, 12, stats.TotalCars)
	assert.Equal(t, 5, stats.SoldCars)
	assert.Equal(t, int64(4_250_000), stats.TotalSalesAmount)
}

func TestAuctionStatsDefaultsToWatchedAuction(t *testing.T) {
	auctionID := uuid.New()
	f := newGatewayFixture(t, auctionID)

	conn := f.dial(t, auctionID, uuid.Nil)
	readEnvelope(t, conn)

	sendCommand(t, conn, ActionGetAuctionStats, map[string]any{})

	env := readEnvelope(t, conn)
	assert.Equal(t, events.TypeAuctionStats, env.Type)

	var stats AuctionStats
	require.NoError(t, json.Unmarshal(env.Payload, &stats))
	assert.Equal(t, auctionID, stats.AuctionID)
}

func TestLotGroupFanOut(t *testing.T) {
	auctionID := uuid.New()
	otherAuction := uuid.New()
	lotID := uuid.New()
	f := newGatewayFixture(t, auctionID)

	conn := f.dial(t, auctionID, uuid.Nil)
	readEnvelope(t, conn)

	sendCommand(t, conn, ActionJoinLotGroup, map[string]any{"lot_id": lotID})
	require.Eventually(t, func() bool {
		f.manager.mu.RLock()
		defer f.manager.mu.RUnlock()
		return len(f.manager.lotConns[lotID]) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The envelope belongs to another auction, so only lot-group
	// membership can deliver it to this connection.
	env, err := events.NewEnvelope(events.TypeTimerTick, otherAuction, &lotID, time.Now(), map[string]any{"remaining_seconds": 12})
	require.NoError(t, err)
	f.manager.Broadcast(env)

	got := readEnvelope(t, conn)
	assert.Equal(t, events.TypeTimerTick, got.Type)

	sendCommand(t, conn, ActionLeaveLotGroup, map[string]any{"lot_id": lotID})
	require.Eventually(t, func() bool {
		f.manager.mu.RLock()
		defer f.manager.mu.RUnlock()
		return len(f.manager.lotConns[lotID]) == 0
	}, 2*time.Second, 10*time.Millisecond)

	f.manager.Broadcast(env)
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, readErr := conn.ReadMessage()
	assert.Error(t, readErr, "lot events stop after leaving the lot group")
}

func TestBroadcastSurvivesConcurrentDisconnect(t *testing.T) {
	auctionID := uuid.New()
	cm := NewConnectionManager(DefaultConnectionConfig(), nil)

	env, err := events.NewEnvelope(events.TypeHighestBidUpdated, auctionID, nil, time.Now(), map[string]any{"current_price": 130_000})
	require.NoError(t, err)

	// A pump can tear a connection down while a broadcast is in flight.
	// Neither side may send on the closed channel.
	for i := 0; i < 50; i++ {
		conn := &Connection{
			ID:        uuid.New().String(),
			AuctionID: auctionID,
			Send:      make(chan []byte, 256),
			Manager:   cm,
			lots:      make(map[uuid.UUID]bool),
		}
		cm.registerConnection(conn)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				cm.handleBroadcast(BroadcastMessage{AuctionID: auctionID, Envelope: env})
			}
		}()
		go func() {
			defer wg.Done()
			cm.unregisterConnection(conn)
		}()
		wg.Wait()
	}
}

func TestConnectionRequiresAuctionID(t *testing.T) {
	f := newGatewayFixture(t, uuid.New())

	resp, err := http.Get(f.server.URL + "/ws/auction")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConnectionStatsEndpoint(t *testing.T) {
	auctionID := uuid.New()
	f := newGatewayFixture(t, auctionID)

	conn := f.dial(t, auctionID, uuid.Nil)
	readEnvelope(t, conn)

	resp, err := http.Get(f.server.URL + "/ws/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats struct {
		TotalConnections int `json:"total_connections"`
		ActiveAuctions   int `json:"active_auctions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.TotalConnections)
	assert.Equal(t, 1, stats.ActiveAuctions)
}
