package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the canonical event envelope.
// All messages the agent publishes to NATS or AMQP follow this format.
type Envelope struct {
	ID            uuid.UUID       `json:"id"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	Account       string          `json:"account"`
	Topic         string          `json:"topic"`
	EventType     string          `json:"event_type"`
	Version       string          `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// OfferEvent is the payload for evt.offer.* events. Partner is the
// 64-bit SteamID in decimal. State strings match the offer engine's
// state names.
type OfferEvent struct {
	Event          string    `json:"event"`
	Account        string    `json:"account"`
	OfferID        string    `json:"offer_id,omitempty"`
	Partner        string    `json:"partner,omitempty"`
	State          string    `json:"state,omitempty"`
	PrevState      string    `json:"prev_state,omitempty"`
	IsOurs         bool      `json:"is_ours"`
	ItemsToGive    int       `json:"items_to_give,omitempty"`
	ItemsToReceive int       `json:"items_to_receive,omitempty"`
	TradeID        string    `json:"trade_id,omitempty"`
	CancelReason   string    `json:"cancel_reason,omitempty"`
	Error          string    `json:"error,omitempty"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
	ObservedAt     time.Time `json:"observed_at"`
}

// SummaryRefreshedEvent is the payload for evt.offer.summary.refreshed.v1.
type SummaryRefreshedEvent struct {
	Account     string        `json:"account"`
	RefreshedAt time.Time     `json:"refreshed_at"`
	Elapsed     time.Duration `json:"elapsed_ns"`
}

func NewUUID() uuid.UUID {
	return uuid.New()
}
