// Package broker fans applied remote changes out to a checkpoint-local
// RabbitMQ exchange, so services sharing the workstation (display boards,
// cache invalidators) can react to entities the sync engine writes.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/outpostlabs/edgesync/internal/models"
)

const (
	appliedExchange = "edge.sync.applied"
	confirmTimeout  = 10 * time.Second
)

// AppliedEvent is the message body published for each applied change.
type AppliedEvent struct {
	Model     string    `json:"model"`
	ObjectID  string    `json:"object_id"`
	Action    string    `json:"action"`
	AppliedAt time.Time `json:"applied_at"`
}

// Publisher handles the low-level communication with the local broker,
// with Publisher Confirms enabled so a fanout loss is at least visible.
type Publisher struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	logger     *slog.Logger
	connClosed chan *amqp.Error
	chanClosed chan *amqp.Error
	closeOnce  sync.Once
	healthy    atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewPublisher connects, declares the topic exchange and enables confirms.
func NewPublisher(url string, l *slog.Logger) (*Publisher, error) {
	c, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %v", err)
	}

	ch, err := c.Channel()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %v", err)
	}

	if err := ch.ExchangeDeclare(
		appliedExchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		ch.Close()
		c.Close()
		return nil, fmt.Errorf("failed to declare topic exchange: %v", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		c.Close()
		return nil, fmt.Errorf("failed to activate Publisher Confirms: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		conn:       c,
		channel:    ch,
		logger:     l,
		connClosed: make(chan *amqp.Error, 1),
		chanClosed: make(chan *amqp.Error, 1),
		ctx:        ctx,
		cancel:     cancel,
	}

	p.healthy.Store(true)
	p.conn.NotifyClose(p.connClosed)
	p.channel.NotifyClose(p.chanClosed)

	go func() {
		select {
		case err := <-p.connClosed:
			p.healthy.Store(false)
			l.Warn("RabbitMQ connection closed", "error", err)
		case err := <-p.chanClosed:
			p.healthy.Store(false)
			l.Warn("RabbitMQ channel closed", "error", err)
		case <-p.ctx.Done():
			return
		}
	}()

	l.Info("Applied-change fanout connected", "exchange", appliedExchange)
	return p, nil
}

// PublishApplied sends one applied-change event and blocks until the
// broker confirms (ACK/NACK) or the confirm budget runs out. Fanout is
// best-effort from the orchestrator's point of view: a failure here never
// fails the sync cycle.
func (p *Publisher) PublishApplied(ctx context.Context, label, objectID string, action models.Action) error {
	if !p.IsHealthy() {
		return fmt.Errorf("broker connection is closed")
	}

	event := AppliedEvent{
		Model:     label,
		ObjectID:  objectID,
		Action:    string(action),
		AppliedAt: time.Now().UTC(),
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize applied event: %v", err)
	}

	routingKey := fmt.Sprintf("sync.%s.%s", label, string(action))

	deferred, err := p.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		appliedExchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish call failed: %v", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deferred.Done():
		if !deferred.Acked() {
			return fmt.Errorf("RabbitMQ NACK received: event not persisted")
		}
		return nil
	case <-time.After(confirmTimeout):
		return fmt.Errorf("publisher confirm timeout")
	}
}

// Close gracefully shuts down the broker resources.
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() {
		p.logger.Info("Terminating applied-change fanout")
		p.cancel()
		if p.channel != nil {
			p.channel.Close()
		}
		if p.conn != nil {
			p.conn.Close()
		}
	})
	return nil
}

// IsHealthy returns true if the connection and channel are active.
func (p *Publisher) IsHealthy() bool {
	return p.healthy.Load()
}
