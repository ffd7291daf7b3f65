package gateway

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/lotline/lotline/internal/bid"
	"github.com/lotline/lotline/internal/events"
	"github.com/lotline/lotline/internal/models"
)

// Client command actions.
const (
	ActionJoinAuctionGroup  = "JoinAuctionGroup"
	ActionLeaveAuctionGroup = "LeaveAuctionGroup"
	ActionJoinLotGroup      = "JoinLotGroup"
	ActionLeaveLotGroup     = "LeaveLotGroup"
	ActionPlaceLiveBid      = "PlaceLiveBid"
	ActionPlacePreBid       = "PlacePreBid"
	ActionPlaceProxyBid     = "PlaceProxyBid"
	ActionCancelProxyBid    = "CancelProxyBid"
	ActionGetMinimumBid     = "GetMinimumBid"
	ActionGetBidHistory     = "GetBidHistory"
	ActionGetAuctionStats   = "GetAuctionStats"
	ActionGetStateSnapshot  = "GetStateSnapshot"
)

// Command is the client-to-server wire format.
type Command struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type lotCommand struct {
	LotID uuid.UUID `json:"lot_id"`
	Limit int       `json:"limit,omitempty"`
}

type auctionCommand struct {
	AuctionID uuid.UUID `json:"auction_id"`
}

type bidCommand struct {
	LotID    uuid.UUID `json:"lot_id"`
	Amount   int64     `json:"amount"`
	ProxyMax int64     `json:"proxy_max,omitempty"`
}

// BidService is the slice of the bid engine the gateway exposes to clients.
type BidService interface {
	PlaceBid(ctx context.Context, req bid.PlaceBidRequest) (*bid.PlaceBidResult, error)
	CancelProxyBid(ctx context.Context, lotID, userID uuid.UUID) error
	MinimumBid(ctx context.Context, lotID uuid.UUID) (int64, error)
	BidHistory(ctx context.Context, lotID uuid.UUID, limit int) ([]*models.Bid, error)
	LotStats(ctx context.Context, lotID uuid.UUID) (*models.BidStats, error)
}

// StateProvider builds the full-state snapshot sent on join and on
// demand, and the auction-level sale aggregates.
type StateProvider interface {
	Snapshot(ctx context.Context, auctionID uuid.UUID) (*StateSnapshot, error)
	AuctionStats(ctx context.Context, auctionID uuid.UUID) (*AuctionStats, error)
}

// Commands dispatches client commands to the bid engine and the state
// provider. Replies and rejections go only to the issuing connection;
// accepted bids reach everyone through the outbox relay instead.
type Commands struct {
	bids  BidService
	state StateProvider
	clock clockwork.Clock
}

func NewCommands(bids BidService, state StateProvider, clock clockwork.Clock) *Commands {
	return &Commands{bids: bids, state: state, clock: clock}
}

// HandleCommand processes one raw client message.
func (h *Commands) HandleCommand(ctx context.Context, conn *Connection, raw []byte) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		log.Debug().Str("connection_id", conn.ID).Msg("ignoring malformed command")
		return
	}

	switch cmd.Action {
	case ActionJoinAuctionGroup, ActionGetStateSnapshot:
		h.sendSnapshot(ctx, conn)
	case ActionLeaveAuctionGroup:
		conn.Conn.Close()
	case ActionJoinLotGroup:
		var c lotCommand
		if json.Unmarshal(cmd.Data, &c) == nil {
			conn.Manager.JoinLot(conn, c.LotID)
		}
	case ActionLeaveLotGroup:
		var c lotCommand
		if json.Unmarshal(cmd.Data, &c) == nil {
			conn.Manager.LeaveLot(conn, c.LotID)
		}
	case ActionPlaceLiveBid:
		h.placeBid(ctx, conn, cmd.Data, models.BidKindLive)
	case ActionPlacePreBid:
		h.placeBid(ctx, conn, cmd.Data, models.BidKindPreBid)
	case ActionPlaceProxyBid:
		h.placeBid(ctx, conn, cmd.Data, models.BidKindProxy)
	case ActionCancelProxyBid:
		h.cancelProxy(ctx, conn, cmd.Data)
	case ActionGetMinimumBid:
		h.minimumBid(ctx, conn, cmd.Data)
	case ActionGetBidHistory:
		h.bidHistory(ctx, conn, cmd.Data)
	case ActionGetAuctionStats:
		h.auctionStats(ctx, conn, cmd.Data)
	default:
		log.Debug().Str("action", cmd.Action).Str("connection_id", conn.ID).Msg("unknown command action")
	}
}

func (h *Commands) placeBid(ctx context.Context, conn *Connection, data json.RawMessage, kind models.BidKind) {
	var c bidCommand
	if err := json.Unmarshal(data, &c); err != nil {
		h.sendBidError(conn, uuid.Nil, "malformed bid")
		return
	}
	if conn.UserID == uuid.Nil {
		h.sendBidError(conn, c.LotID, "bidding requires an identified user")
		return
	}

	_, err := h.bids.PlaceBid(ctx, bid.PlaceBidRequest{
		LotID:    c.LotID,
		UserID:   conn.UserID,
		Amount:   c.Amount,
		Kind:     kind,
		ProxyMax: c.ProxyMax,
	})
	if err != nil {
		if bid.IsValidation(err) {
			h.sendBidError(conn, c.LotID, err.Error())
			return
		}
		log.Error().Err(err).Str("lot_id", c.LotID.String()).Msg("bid failed")
		h.sendBidError(conn, c.LotID, "bid could not be processed")
	}
	// The accepted bid reaches this connection through the broadcast
	// pipeline like everyone else.
}

func (h *Commands) cancelProxy(ctx context.Context, conn *Connection, data json.RawMessage) {
	var c lotCommand
	if err := json.Unmarshal(data, &c); err != nil {
		h.sendBidError(conn, uuid.Nil, "malformed command")
		return
	}
	if err := h.bids.CancelProxyBid(ctx, c.LotID, conn.UserID); err != nil {
		if bid.IsValidation(err) {
			h.sendBidError(conn, c.LotID, err.Error())
			return
		}
		log.Error().Err(err).Str("lot_id", c.LotID.String()).Msg("proxy cancellation failed")
		h.sendBidError(conn, c.LotID, "cancellation could not be processed")
	}
}

func (h *Commands) minimumBid(ctx context.Context, conn *Connection, data json.RawMessage) {
	var c lotCommand
	if err := json.Unmarshal(data, &c); err != nil {
		return
	}
	minimum, err := h.bids.MinimumBid(ctx, c.LotID)
	if err != nil {
		log.Error().Err(err).Str("lot_id", c.LotID.String()).Msg("failed to compute minimum bid")
		return
	}
	h.reply(conn, events.TypeMinimumBid, &c.LotID, map[string]any{
		"lot_id":      c.LotID,
		"minimum_bid": minimum,
	})
}

func (h *Commands) bidHistory(ctx context.Context, conn *Connection, data json.RawMessage) {
	var c lotCommand
	if err := json.Unmarshal(data, &c); err != nil {
		return
	}
	history, err := h.bids.BidHistory(ctx, c.LotID, c.Limit)
	if err != nil {
		log.Error().Err(err).Str("lot_id", c.LotID.String()).Msg("failed to load bid history")
		return
	}
	h.reply(conn, events.TypeBidHistory, &c.LotID, map[string]any{
		"lot_id": c.LotID,
		"bids":   history,
	})
}

// auctionStats replies with the auction's sale aggregates. The auction
// defaults to the one the connection is watching.
func (h *Commands) auctionStats(ctx context.Context, conn *Connection, data json.RawMessage) {
	id := conn.AuctionID
	var c auctionCommand
	if len(data) > 0 && json.Unmarshal(data, &c) == nil && c.AuctionID != uuid.Nil {
		id = c.AuctionID
	}
	stats, err := h.state.AuctionStats(ctx, id)
	if err != nil {
		log.Error().Err(err).Str("auction_id", id.String()).Msg("failed to load auction stats")
		return
	}
	h.reply(conn, events.TypeAuctionStats, nil, stats)
}

func (h *Commands) sendSnapshot(ctx context.Context, conn *Connection) {
	snap, err := h.state.Snapshot(ctx, conn.AuctionID)
	if err != nil {
		log.Error().Err(err).Str("auction_id", conn.AuctionID.String()).Msg("failed to build state snapshot")
		return
	}
	h.reply(conn, events.TypeStateSnapshot, nil, snap)
}

// SendSnapshot pushes the full auction state to a newly joined connection.
func (h *Commands) SendSnapshot(ctx context.Context, conn *Connection) {
	h.sendSnapshot(ctx, conn)
}

func (h *Commands) sendBidError(conn *Connection, lotID uuid.UUID, reason string) {
	var lotRef *uuid.UUID
	if lotID != uuid.Nil {
		lotRef = &lotID
	}
	h.reply(conn, events.TypeBidError, lotRef, events.BidErrorPayload{
		LotID:  lotID,
		Reason: reason,
	})
}

func (h *Commands) reply(conn *Connection, t events.Type, lotID *uuid.UUID, payload any) {
	env, err := events.NewEnvelope(t, conn.AuctionID, lotID, h.clock.Now().UTC(), payload)
	if err != nil {
		log.Error().Err(err).Str("type", string(t)).Msg("failed to build reply envelope")
		return
	}
	conn.Manager.SendTo(conn, env)
}
