package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/barterworks/steam-agent/pkg/model"
)

// jetStream is the slice of nats.JetStreamContext the sink uses.
type jetStream interface {
	PublishMsg(msg *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// NATSSink publishes envelopes to NATS JetStream, one subject per topic.
type NATSSink struct {
	logger  *zap.Logger
	nc      *nats.Conn
	js      jetStream
	service string
}

var _ Sink = (*NATSSink)(nil)

// NewNATSSink connects to NATS and enables JetStream.
func NewNATSSink(logger *zap.Logger, url, service string) (*NATSSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	nc, err := nats.Connect(url,
		nats.Name(service),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats jetstream: %w", err)
	}

	logger.Info("relay.nats_connected", zap.String("url", url))
	return &NATSSink{logger: logger, nc: nc, js: js, service: service}, nil
}

func (s *NATSSink) Name() string { return "nats" }

// Publish serializes the envelope and publishes it on env.Topic.
func (s *NATSSink) Publish(ctx context.Context, env *model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	msg := &nats.Msg{
		Subject: env.Topic,
		Data:    data,
		Header: nats.Header{
			"event_type":     []string{env.EventType},
			"correlation_id": []string{env.CorrelationID.String()},
			"service":        []string{s.service},
			"content_type":   []string{"application/json"},
			"account":        []string{env.Account},
		},
	}

	if _, err := s.js.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", env.Topic, err)
	}
	return nil
}

func (s *NATSSink) Close() error {
	if s.nc != nil && s.nc.IsConnected() {
		s.nc.Close()
	}
	return nil
}
