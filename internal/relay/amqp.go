package relay

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/barterworks/steam-agent/pkg/model"
)

// amqpChannel is the slice of *amqp.Channel the sink uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes envelopes to RabbitMQ with the envelope topic as
// routing key. With an empty exchange the topic must name a queue.
type AMQPSink struct {
	logger   *zap.Logger
	conn     *amqp.Connection
	channel  amqpChannel
	exchange string
}

var _ Sink = (*AMQPSink)(nil)

// NewAMQPSink connects to RabbitMQ. A non-empty exchange is declared as a
// durable topic exchange.
func NewAMQPSink(logger *zap.Logger, url, exchange string) (*AMQPSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if exchange != "" {
		if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			_ = channel.Close()
			_ = conn.Close()
			return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
		}
	}

	logger.Info("relay.amqp_connected", zap.String("exchange", exchange))
	return &AMQPSink{logger: logger, conn: conn, channel: channel, exchange: exchange}, nil
}

func (s *AMQPSink) Name() string { return "amqp" }

// Publish serializes the envelope and publishes it with env.Topic as the
// routing key.
func (s *AMQPSink) Publish(ctx context.Context, env *model.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	err = s.channel.PublishWithContext(
		ctx,
		s.exchange,
		env.Topic, // routing key
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			Body:          body,
			MessageId:     env.ID.String(),
			CorrelationId: env.CorrelationID.String(),
			Type:          env.EventType,
			Timestamp:     env.Timestamp,
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", env.Topic, err)
	}
	return nil
}

func (s *AMQPSink) Close() error {
	if s.channel != nil {
		_ = s.channel.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
