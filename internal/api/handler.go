// Package api exposes the agent's admin HTTP surface: health and metrics
// endpoints plus a small v1 API for inspecting and steering the offer
// engine. The agent owns one account; none of the routes take one.
package api

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/barterworks/steam-agent/internal/confirmation"
	"github.com/barterworks/steam-agent/internal/steamapi"
	"github.com/barterworks/steam-agent/internal/tradeoffer"
)

// OfferEngine defines the interface for offer operations needed by the
// handler.
type OfferEngine interface {
	Account() string
	Ready() bool
	LastPoll() time.Time
	DroppedEvents() int64
	Poll(fullUpdate bool)
	SnapshotPollData() *tradeoffer.PollData
	Refresh(ctx context.Context, offer *tradeoffer.Offer) error
	Cancel(ctx context.Context, offer *tradeoffer.Offer) error
}

// Confirmer defines the interface for mobile-confirmation operations
// needed by the handler.
type Confirmer interface {
	Fetch(ctx context.Context) ([]*confirmation.Entry, error)
	CancelAll(ctx context.Context) (int, error)
}

// TradeSource fetches completed-trade records.
type TradeSource interface {
	TradeStatus(ctx context.Context, tradeID string) (*steamapi.Trade, error)
}

// Handler handles admin API requests.
type Handler struct {
	logger    *zap.Logger
	engine    OfferEngine
	confirmer Confirmer
	trades    TradeSource
}

// NewHandler creates a new Handler. confirmer and trades are optional;
// their routes answer 503 when nil.
func NewHandler(logger *zap.Logger, engine OfferEngine, confirmer Confirmer, trades TradeSource) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		logger:    logger,
		engine:    engine,
		confirmer: confirmer,
		trades:    trades,
	}
}

// Status reports the engine's bookkeeping at a glance.
func (h *Handler) Status(c *fiber.Ctx) error {
	data := h.engine.SnapshotPollData()

	var lastPoll any
	if t := h.engine.LastPoll(); !t.IsZero() {
		lastPoll = t.UTC()
	}

	return c.JSON(fiber.Map{
		"account":        h.engine.Account(),
		"ready":          h.engine.Ready(),
		"last_poll":      lastPoll,
		"dropped_events": h.engine.DroppedEvents(),
		"offers_since":   data.OffersSince,
		"tracked": fiber.Map{
			"sent":     len(data.Sent),
			"received": len(data.Received),
		},
	})
}

type pollRequest struct {
	Full bool `json:"full"`
}

// TriggerPoll schedules an immediate poll. The poll runs on its own
// goroutine; the request returns as soon as it is scheduled.
func (h *Handler) TriggerPoll(c *fiber.Ctx) error {
	var req pollRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
	}
	if c.Query("full") == "true" {
		req.Full = true
	}

	h.logger.Info("api.poll_triggered", zap.Bool("full", req.Full))
	go h.engine.Poll(req.Full)

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status": "scheduled",
		"full":   req.Full,
	})
}

type trackedOffer struct {
	OfferID   string `json:"offer_id"`
	Side      string `json:"side"`
	State     string `json:"state"`
	UpdatedAt int64  `json:"updated_at"`
}

// Offers dumps the engine's tracked offers, sorted by id per side.
func (h *Handler) Offers(c *fiber.Ctx) error {
	data := h.engine.SnapshotPollData()

	offers := make([]trackedOffer, 0, len(data.Sent)+len(data.Received))
	for side, entries := range map[tradeoffer.OfferSide]map[string]tradeoffer.State{
		tradeoffer.SideSent:     data.Sent,
		tradeoffer.SideReceived: data.Received,
	} {
		for id, state := range entries {
			offers = append(offers, trackedOffer{
				OfferID:   id,
				Side:      side.String(),
				State:     state.String(),
				UpdatedAt: data.Timestamps[id],
			})
		}
	}
	sort.Slice(offers, func(i, j int) bool {
		if offers[i].Side != offers[j].Side {
			return offers[i].Side > offers[j].Side // sent before received
		}
		return offers[i].OfferID < offers[j].OfferID
	})

	return c.JSON(fiber.Map{
		"offers_since": data.OffersSince,
		"offers":       offers,
	})
}

// CancelOffer withdraws a sent offer or declines a received one. The offer
// is refreshed from the remote first so the side and state are
// authoritative.
func (h *Handler) CancelOffer(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "offer id is required"})
	}

	offer := &tradeoffer.Offer{ID: id}
	if err := h.engine.Refresh(c.Context(), offer); err != nil {
		h.logger.Warn("api.cancel_refresh_failed",
			zap.String("offer_id", id),
			zap.Error(err))
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
	}

	if err := h.engine.Cancel(c.Context(), offer); err != nil {
		h.logger.Warn("api.cancel_failed",
			zap.String("offer_id", id),
			zap.String("state", offer.State.String()),
			zap.Error(err))
		status := fiber.StatusBadGateway
		if errors.Is(err, tradeoffer.ErrInvalidState) {
			status = fiber.StatusConflict
		}
		return c.Status(status).JSON(fiber.Map{"error": err.Error()})
	}

	h.logger.Info("api.offer_canceled",
		zap.String("offer_id", id),
		zap.String("state", offer.State.String()))
	return c.JSON(fiber.Map{
		"offer_id": id,
		"state":    offer.State.String(),
	})
}

// Confirmations lists the pending mobile confirmations.
func (h *Handler) Confirmations(c *fiber.Ctx) error {
	if h.confirmer == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "confirmations not configured"})
	}

	entries, err := h.confirmer.Fetch(c.Context())
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"confirmations": entries})
}

// CancelAllConfirmations denies every pending mobile confirmation.
func (h *Handler) CancelAllConfirmations(c *fiber.Ctx) error {
	if h.confirmer == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "confirmations not configured"})
	}

	n, err := h.confirmer.CancelAll(c.Context())
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
	}

	h.logger.Info("api.confirmations_canceled", zap.Int("count", n))
	return c.JSON(fiber.Map{"canceled": n})
}

type tradeResponse struct {
	TradeID        string    `json:"trade_id"`
	Partner        string    `json:"partner"`
	Status         int       `json:"status"`
	InitiatedAt    time.Time `json:"initiated_at"`
	AssetsGiven    int       `json:"assets_given"`
	AssetsReceived int       `json:"assets_received"`
}

// Trade reports the asset movement behind an accepted offer's trade id.
func (h *Handler) Trade(c *fiber.Ctx) error {
	if h.trades == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "trade lookup not configured"})
	}

	id := c.Params("id")
	trade, err := h.trades.TradeStatus(c.Context(), id)
	if err != nil {
		status := fiber.StatusBadGateway
		if errors.Is(err, tradeoffer.ErrMalformedResponse) {
			status = fiber.StatusNotFound
		}
		return c.Status(status).JSON(fiber.Map{"error": err.Error()})
	}

	return c.JSON(tradeResponse{
		TradeID:        trade.TradeID,
		Partner:        trade.Partner.String(),
		Status:         trade.Status,
		InitiatedAt:    trade.InitiatedAt,
		AssetsGiven:    len(trade.AssetsGiven),
		AssetsReceived: len(trade.AssetsReceived),
	})
}
