package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Service is the real-time auction gateway: it owns the WebSocket
// connection groups, the command dispatch, and the event-bus consumer
// that fans auction events out to watchers.
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	eventConsumer     *EventConsumer
	commands          *Commands
}

// Config holds configuration for the gateway service.
type Config struct {
	ConnectionConfig ConnectionConfig
	ConsumerConfig   ConsumerConfig
}

// DefaultConfig returns the default gateway configuration.
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		ConsumerConfig:   DefaultConsumerConfig(),
	}
}

func NewService(ctx context.Context, config Config, nc *nats.Conn, bids BidService, state StateProvider, clock clockwork.Clock) (*Service, error) {
	commands := NewCommands(bids, state, clock)
	connectionManager := NewConnectionManager(config.ConnectionConfig, commands)
	wsHandler := NewWebSocketHandler(connectionManager, commands)

	eventConsumer, err := NewEventConsumer(ctx, connectionManager, nc, config.ConsumerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create event consumer: %w", err)
	}

	return &Service{
		connectionManager: connectionManager,
		wsHandler:         wsHandler,
		eventConsumer:     eventConsumer,
		commands:          commands,
	}, nil
}

// Start runs the gateway until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting auction gateway")

	go s.connectionManager.Start(ctx)

	go func() {
		if err := s.eventConsumer.Start(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("event consumer failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("auction gateway shutting down")
	return ctx.Err()
}

// RegisterRoutes registers the WebSocket HTTP routes.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
}
