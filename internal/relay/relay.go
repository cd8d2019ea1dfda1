// Package relay forwards offer engine events to external message systems.
//
// Every routed event is wrapped in the canonical envelope and fanned out to
// each configured sink. Delivery is best-effort per sink: a failing sink is
// counted and logged but never blocks the other sinks or the engine.
package relay

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/barterworks/steam-agent/internal/metrics"
	"github.com/barterworks/steam-agent/internal/tradeoffer"
	"github.com/barterworks/steam-agent/pkg/model"
)

// Sink delivers one enveloped event to an external system. The envelope's
// Topic is the subject / routing key.
type Sink interface {
	Name() string
	Publish(ctx context.Context, env *model.Envelope) error
	Close() error
}

type route struct {
	topic     string
	eventType string
}

// routes maps engine events to outbound subjects. Events without a route
// (poll bookkeeping, debug) stay internal.
var routes = map[tradeoffer.EventType]route{
	tradeoffer.EventNewOffer:                          {"evt.offer.new_offer.v1.STEAM", "offer.new_offer"},
	tradeoffer.EventSentOfferChanged:                  {"evt.offer.sent_offer_changed.v1.STEAM", "offer.sent_offer_changed"},
	tradeoffer.EventReceivedOfferChanged:              {"evt.offer.received_offer_changed.v1.STEAM", "offer.received_offer_changed"},
	tradeoffer.EventUnknownOfferSent:                  {"evt.offer.unknown_offer_sent.v1.STEAM", "offer.unknown_offer_sent"},
	tradeoffer.EventSentOfferCanceled:                 {"evt.offer.sent_offer_canceled.v1.STEAM", "offer.sent_offer_canceled"},
	tradeoffer.EventSentPendingOfferCanceled:          {"evt.offer.sent_pending_offer_canceled.v1.STEAM", "offer.sent_pending_offer_canceled"},
	tradeoffer.EventRealTimeTradeConfirmationRequired: {"evt.offer.realtime_trade_confirmation_required.v1.STEAM", "offer.realtime_trade_confirmation_required"},
	tradeoffer.EventRealTimeTradeCompleted:            {"evt.offer.realtime_trade_completed.v1.STEAM", "offer.realtime_trade_completed"},
	tradeoffer.EventSessionExpired:                    {"evt.session.expired.v1.STEAM", "session.expired"},
	tradeoffer.EventFamilyViewRestricted:              {"evt.session.family_view_restricted.v1.STEAM", "session.family_view_restricted"},
}

// Relay consumes engine events and publishes them through the sinks.
type Relay struct {
	logger  *zap.Logger
	account string
	sinks   []Sink
}

func New(logger *zap.Logger, account string, sinks ...Sink) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{logger: logger, account: account, sinks: sinks}
}

// Run consumes events until ctx is canceled or the channel closes. Run it
// on its own goroutine with a channel from Manager.Subscribe.
func (r *Relay) Run(ctx context.Context, events <-chan tradeoffer.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.Forward(ctx, ev)
		}
	}
}

// Forward publishes a single event to every sink, if it is routed.
func (r *Relay) Forward(ctx context.Context, ev tradeoffer.Event) {
	rt, ok := routes[ev.Type]
	if !ok {
		return
	}

	env, err := r.envelope(rt, ev)
	if err != nil {
		r.logger.Error("relay.marshal_failed",
			zap.String("event", ev.Type.String()),
			zap.Error(err))
		metrics.IncError("relay", "marshal_failed")
		return
	}

	for _, sink := range r.sinks {
		start := time.Now()
		err := sink.Publish(ctx, env)
		metrics.ObserveDuration(metrics.RelayPublishLatency, start, sink.Name())
		if err != nil {
			r.logger.Warn("relay.publish_failed",
				zap.String("sink", sink.Name()),
				zap.String("topic", rt.topic),
				zap.String("event", ev.Type.String()),
				zap.Error(err))
			metrics.IncRelayMessage(sink.Name(), rt.topic, "error")
			continue
		}
		metrics.IncRelayMessage(sink.Name(), rt.topic, "ok")
	}

	r.logger.Debug("relay.event_forwarded",
		zap.String("topic", rt.topic),
		zap.String("event", ev.Type.String()),
		zap.Int("sinks", len(r.sinks)))
}

func (r *Relay) envelope(rt route, ev tradeoffer.Event) (*model.Envelope, error) {
	payload, err := json.Marshal(r.payload(ev))
	if err != nil {
		return nil, err
	}
	ts := ev.At
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return &model.Envelope{
		ID:            model.NewUUID(),
		CorrelationID: model.NewUUID(),
		Account:       r.account,
		Topic:         rt.topic,
		EventType:     rt.eventType,
		Version:       "1.0.0",
		Timestamp:     ts,
		Payload:       payload,
	}, nil
}

func (r *Relay) payload(ev tradeoffer.Event) model.OfferEvent {
	p := model.OfferEvent{
		Event:      ev.Type.String(),
		Account:    r.account,
		ObservedAt: ev.At,
	}
	if o := ev.Offer; o != nil {
		p.OfferID = o.ID
		if o.Partner.IsValid() {
			p.Partner = o.Partner.String()
		}
		p.State = o.State.String()
		p.IsOurs = o.IsOurs
		p.ItemsToGive = len(o.ItemsToGive)
		p.ItemsToReceive = len(o.ItemsToReceive)
		p.TradeID = o.TradeID
		p.UpdatedAt = o.UpdatedAt
	}
	if ev.PrevState != 0 {
		p.PrevState = ev.PrevState.String()
	}
	if ev.Reason != "" {
		p.CancelReason = string(ev.Reason)
	}
	if ev.Err != nil {
		p.Error = ev.Err.Error()
	}
	return p
}

// Close closes every sink.
func (r *Relay) Close() {
	for _, sink := range r.sinks {
		if err := sink.Close(); err != nil {
			r.logger.Warn("relay.sink_close_failed",
				zap.String("sink", sink.Name()),
				zap.Error(err))
		}
	}
}
