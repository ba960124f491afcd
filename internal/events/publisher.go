package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/saltfish/trainstream/internal/config"
	"github.com/saltfish/trainstream/internal/progress"
	"github.com/saltfish/trainstream/internal/scheduler"
)

// Publisher provides event publishing to RabbitMQ.
type Publisher interface {
	// Publish publishes an event with the given routing key.
	Publish(ctx context.Context, routingKey string, event any) error

	// PublishRunStarted publishes a run started event.
	PublishRunStarted(ctx context.Context, run scheduler.RunInfo) error

	// PublishRunFinished publishes the event matching how the run ended.
	PublishRunFinished(ctx context.Context, run scheduler.RunInfo, outcome scheduler.Outcome, final progress.Snapshot) error

	// Close closes the publisher connection.
	Close() error
}

// RabbitMQPublisher implements Publisher using RabbitMQ.
type RabbitMQPublisher struct {
	config   *config.RabbitMQConfig
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger

	mu           sync.RWMutex
	closed       bool
	reconnecting bool
}

// NewRabbitMQPublisher creates a new RabbitMQ publisher.
func NewRabbitMQPublisher(cfg *config.RabbitMQConfig, logger *zap.Logger) (*RabbitMQPublisher, error) {
	p := &RabbitMQPublisher{
		config:   cfg,
		exchange: cfg.Exchange,
		logger:   logger,
	}

	if err := p.connect(); err != nil {
		return nil, err
	}

	return p, nil
}

// connect establishes connection to RabbitMQ.
func (p *RabbitMQPublisher) connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errPublisherClosed
	}

	conn, err := amqp.Dial(p.config.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	if err := declareExchange(channel, p.exchange); err != nil {
		channel.Close()
		conn.Close()
		return err
	}

	p.conn, p.channel = conn, channel

	closeChan := make(chan *amqp.Error, 1)
	p.conn.NotifyClose(closeChan)
	go p.handleClose(closeChan)

	p.logger.Info("Connected to RabbitMQ",
		zap.String("exchange", p.exchange),
	)

	return nil
}

// handleClose handles connection close events and triggers reconnection.
func (p *RabbitMQPublisher) handleClose(closeChan chan *amqp.Error) {
	err := <-closeChan
	if err == nil {
		return // Graceful close
	}

	p.logger.Warn("RabbitMQ connection closed", zap.Error(err))
	p.reconnect()
}

// reconnect attempts to reconnect to RabbitMQ with exponential backoff.
func (p *RabbitMQPublisher) reconnect() {
	p.mu.Lock()
	if p.closed || p.reconnecting {
		p.mu.Unlock()
		return
	}
	p.reconnecting = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.reconnecting = false
		p.mu.Unlock()
	}()

	backoff := newBackoff(p.config.ReconnectDelayDuration(), p.config.MaxReconnectWaitDuration())

	for {
		p.mu.RLock()
		closed := p.closed
		p.mu.RUnlock()
		if closed {
			return
		}

		delay := backoff.next()
		p.logger.Info("Attempting to reconnect to RabbitMQ",
			zap.Duration("delay", delay),
		)
		time.Sleep(delay)

		if err := p.connect(); err != nil {
			p.logger.Warn("Reconnection failed", zap.Error(err))
			continue
		}

		p.logger.Info("Reconnected to RabbitMQ")
		return
	}
}

// Publish publishes an event with the given routing key.
func (p *RabbitMQPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return errPublisherClosed
	}
	if p.channel == nil {
		p.mu.RUnlock()
		return fmt.Errorf("channel not available")
	}
	channel := p.channel
	p.mu.RUnlock()

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = channel.PublishWithContext(
		ctx,
		p.exchange, // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("Published event",
		zap.String("routing_key", routingKey),
		zap.Int("body_size", len(body)),
	)

	return nil
}

// PublishRunStarted publishes a run started event.
func (p *RabbitMQPublisher) PublishRunStarted(ctx context.Context, run scheduler.RunInfo) error {
	return p.Publish(ctx, RoutingKeyRunStarted, NewRunStartedEvent(run))
}

// PublishRunFinished publishes the event matching how the run ended.
func (p *RabbitMQPublisher) PublishRunFinished(ctx context.Context, run scheduler.RunInfo, outcome scheduler.Outcome, final progress.Snapshot) error {
	routingKey, event := finishedEvent(run, outcome, final)
	return p.Publish(ctx, routingKey, event)
}

// finishedEvent picks the routing key and payload for a finished run.
func finishedEvent(run scheduler.RunInfo, outcome scheduler.Outcome, final progress.Snapshot) (string, any) {
	switch outcome {
	case scheduler.OutcomeSucceeded:
		return RoutingKeyRunSucceeded, NewRunSucceededEvent(run, final)
	case scheduler.OutcomeFailed:
		return RoutingKeyRunFailed, NewRunFailedEvent(run, final)
	default:
		return RoutingKeyRunCancelled, NewRunCancelledEvent(run, final)
	}
}

// Close closes the publisher connection.
func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error

	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	p.logger.Info("RabbitMQ publisher closed")

	if len(errs) > 0 {
		return fmt.Errorf("errors closing publisher: %w", errors.Join(errs...))
	}
	return nil
}

// NoOpPublisher is a publisher that does nothing (for testing or when events disabled).
type NoOpPublisher struct{}

// NewNoOpPublisher creates a new no-op publisher.
func NewNoOpPublisher() *NoOpPublisher {
	return &NoOpPublisher{}
}

func (p *NoOpPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	return nil
}

func (p *NoOpPublisher) PublishRunStarted(ctx context.Context, run scheduler.RunInfo) error {
	return nil
}

func (p *NoOpPublisher) PublishRunFinished(ctx context.Context, run scheduler.RunInfo, outcome scheduler.Outcome, final progress.Snapshot) error {
	return nil
}

func (p *NoOpPublisher) Close() error {
	return nil
}

// LifecycleObserver publishes run lifecycle events for a session.
// Publish failures are logged and never affect the run.
func LifecycleObserver(pub Publisher, logger *zap.Logger) scheduler.RunObserver {
	return scheduler.ObserverFuncs{
		Started: func(ctx context.Context, run scheduler.RunInfo) {
			if err := pub.PublishRunStarted(ctx, run); err != nil {
				logger.Warn("Failed to publish run started event",
					zap.String("run_id", run.ID.String()),
					zap.Error(err),
				)
			}
		},
		Finished: func(ctx context.Context, run scheduler.RunInfo, outcome scheduler.Outcome, final progress.Snapshot) {
			if err := pub.PublishRunFinished(ctx, run, outcome, final); err != nil {
				logger.Warn("Failed to publish run finished event",
					zap.String("run_id", run.ID.String()),
					zap.String("outcome", string(outcome)),
					zap.Error(err),
				)
			}
		},
	}
}

var errPublisherClosed = errors.New("publisher is closed")

// declareExchange declares the durable topic exchange shared by publisher and subscriber.
func declareExchange(channel *amqp.Channel, exchange string) error {
	err := channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	return nil
}

// backoff doubles a delay up to a ceiling.
type backoff struct {
	delay   time.Duration
	ceiling time.Duration
}

func newBackoff(initial, ceiling time.Duration) *backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if ceiling < initial {
		ceiling = initial
	}
	return &backoff{delay: initial, ceiling: ceiling}
}

// next returns the current delay and doubles the following one.
func (b *backoff) next() time.Duration {
	d := b.delay
	b.delay = min(b.delay*2, b.ceiling)
	return d
}

// Ensure interface compliance
var _ Publisher = (*RabbitMQPublisher)(nil)
var _ Publisher = (*NoOpPublisher)(nil)
