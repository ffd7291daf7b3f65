package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lotline/lotline/internal/auction"
	"github.com/lotline/lotline/internal/bid"
	"github.com/lotline/lotline/internal/config"
	"github.com/lotline/lotline/internal/gateway"
	"github.com/lotline/lotline/internal/lifecycle"
	"github.com/lotline/lotline/internal/lot"
	"github.com/lotline/lotline/internal/outbox"
	"github.com/lotline/lotline/internal/sqlutil"
	"github.com/lotline/lotline/internal/ticker"
)

// Services holds the wired application components.
type Services struct {
	Auctions *auction.Repository
	Lots     *lot.Repository
	Bids     *bid.Repository

	Engine    *bid.Engine
	Advancer  *lifecycle.Advancer
	Scheduler *lifecycle.Scheduler
	Ticker    *ticker.Service
	Relay     *outbox.Relay
	Gateway   *gateway.Service
}

// txLockTimeout bounds how long a bid or lifecycle transaction waits on a
// contended lot row.
const txLockTimeout = 5 * time.Second

func setupNATS(cfg config.NATSConfig) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Info().Str("url", cfg.URL).Msg("connected to NATS")
	return nc, nil
}

func setupServices(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, nc *nats.Conn) (*Services, error) {
	clock := clockwork.NewRealClock()

	auctions := auction.NewRepository(pool)
	lots := lot.NewRepository(pool)
	bids := bid.NewRepository(pool)
	outboxRepo := outbox.NewRepository(pool)
	txm := sqlutil.NewTxManager(pool, txLockTimeout)

	publisher, err := outbox.NewPublisher(ctx, nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create publisher: %w", err)
	}

	engine := bid.NewEngine(txm, lots, bids, auctions, outboxRepo, bid.Limits{
		AbsoluteCeiling:    cfg.Bidding.AbsoluteBidCeiling,
		StartPriceMultiple: cfg.Bidding.StartPriceCeilingMultiple,
	}, clock)

	advancer := lifecycle.NewAdvancer(txm, auctions, lots, bids, outboxRepo, clock)

	scheduler := lifecycle.NewScheduler(lifecycle.SchedulerConfig{
		PollInterval:       cfg.Scheduler.PollInterval,
		BatchSize:          cfg.Scheduler.BatchSize,
		PreBidWindow:       cfg.Scheduler.PreBidWindow,
		MaxBackoff:         cfg.Scheduler.MaxBackoff,
		FallbackStartPrice: cfg.Bidding.FallbackStartPrice,
	}, txm, auctions, lots, bids, outboxRepo, advancer, clock)

	tickerSvc := ticker.NewService(ticker.Config{
		TickInterval: cfg.Timer.TickInterval,
		BatchSize:    cfg.Scheduler.BatchSize,
	}, auctions, lots, advancer, publisher, clock)

	relay := outbox.NewRelay(outbox.RelayConfig{
		PollInterval: cfg.Scheduler.RelayInterval,
		BatchSize:    cfg.Scheduler.BatchSize,
	}, txm, outboxRepo, publisher, clock)

	stateProvider := gateway.NewProvider(auctions, lots, engine, clock)
	gw, err := gateway.NewService(ctx, gateway.DefaultConfig(), nc, engine, stateProvider, clock)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}

	return &Services{
		Auctions:  auctions,
		Lots:      lots,
		Bids:      bids,
		Engine:    engine,
		Advancer:  advancer,
		Scheduler: scheduler,
		Ticker:    tickerSvc,
		Relay:     relay,
		Gateway:   gw,
	}, nil
}
