package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// WebSocketHandler handles WebSocket upgrade requests for auction watchers.
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	commands          *Commands
}

func NewWebSocketHandler(cm *ConnectionManager, commands *Commands) *WebSocketHandler {
	return &WebSocketHandler{connectionManager: cm, commands: commands}
}

// HandleAuctionConnection upgrades a client into an auction group and
// pushes the initial state snapshot.
func (h *WebSocketHandler) HandleAuctionConnection(w http.ResponseWriter, r *http.Request) {
	auctionIDStr := r.URL.Query().Get("auction_id")
	if auctionIDStr == "" {
		http.Error(w, "auction_id is required", http.StatusBadRequest)
		return
	}
	auctionID, err := uuid.Parse(auctionIDStr)
	if err != nil {
		http.Error(w, "invalid auction_id format", http.StatusBadRequest)
		return
	}

	// Anonymous watchers may connect; bidding requires a user id. In
	// production the id comes from the session, not a query parameter.
	userID := uuid.Nil
	if userIDStr := r.URL.Query().Get("user_id"); userIDStr != "" {
		userID, err = uuid.Parse(userIDStr)
		if err != nil {
			http.Error(w, "invalid user_id format", http.StatusBadRequest)
			return
		}
	}

	conn, err := h.connectionManager.UpgradeConnection(w, r, userID, auctionID)
	if err != nil {
		log.Error().Err(err).Str("auction_id", auctionID.String()).Msg("failed to upgrade WebSocket connection")
		return
	}

	h.commands.SendSnapshot(context.Background(), conn)
}

// HandleConnectionStats reports active connection counts.
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	total, auctions := h.connectionManager.Stats()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"total_connections":%d,"active_auctions":%d}`, total, auctions)
}

// RegisterRoutes registers WebSocket routes with an HTTP mux.
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/auction", h.HandleAuctionConnection)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}
