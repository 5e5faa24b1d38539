package mq

import (
	"context"
	"covfuzz/config"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("rabbitmq publisher closed")

// RabbitMQ publishes persistent JSON messages to durable queues.
type RabbitMQ interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

type rabbitMQImpl struct {
	logger *zap.Logger
	url    string

	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	declared map[string]struct{}
	stopped  bool
}

type RabbitMQParams struct {
	fx.In

	Config    *config.AppConfig
	Logger    *zap.Logger
	Lifecycle fx.Lifecycle
}

// NewRabbitMQ returns a publisher that redials on demand, or nil when no
// broker is configured.
func NewRabbitMQ(p RabbitMQParams) RabbitMQ {
	if p.Config.RabbitMQURL == "" {
		p.Logger.Debug("no RabbitMQ configured, crash notifications disabled")
		return nil
	}

	svc := &rabbitMQImpl{
		logger:   p.Logger,
		url:      p.Config.RabbitMQURL,
		declared: make(map[string]struct{}),
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			svc.mu.Lock()
			defer svc.mu.Unlock()
			if _, err := svc.channelLocked(); err != nil {
				return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
			}
			svc.logger.Debug("RabbitMQ publisher connected")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			svc.mu.Lock()
			defer svc.mu.Unlock()
			svc.stopped = true
			svc.resetLocked()
			return nil
		},
	})
	return svc
}

// channelLocked returns the cached channel, dialing a fresh connection if
// the broker dropped the previous one.
func (r *rabbitMQImpl) channelLocked() (*amqp.Channel, error) {
	if r.stopped {
		return nil, ErrClosed
	}
	if r.channel != nil && !r.channel.IsClosed() && !r.conn.IsClosed() {
		return r.channel, nil
	}
	r.resetLocked()

	conn, err := amqp.Dial(r.url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	r.conn, r.channel = conn, ch
	r.declared = make(map[string]struct{})
	return ch, nil
}

func (r *rabbitMQImpl) resetLocked() {
	if r.channel != nil {
		r.channel.Close()
		r.channel = nil
	}
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
}

// Publish declares queue as durable on first use and sends body to it.
func (r *rabbitMQImpl) Publish(ctx context.Context, queue string, body []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, err := r.channelLocked()
	if err != nil {
		return fmt.Errorf("failed to get RabbitMQ channel: %w", err)
	}

	if _, ok := r.declared[queue]; !ok {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			r.resetLocked()
			return fmt.Errorf("failed to declare queue %s: %w", queue, err)
		}
		r.declared[queue] = struct{}{}
	}

	err = ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		r.logger.Warn("publish failed, dropping connection", zap.String("queue", queue), zap.Error(err))
		r.resetLocked()
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}
