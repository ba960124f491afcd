package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/saltfish/trainstream/internal/config"
	"github.com/saltfish/trainstream/internal/domain"
)

// RunRequestQueue is the queue the service consumes run requests from.
const RunRequestQueue = "trainstream.run_requests"

// EventHandler is a function that processes received events. A returned
// error requeues the message.
type EventHandler func(ctx context.Context, routingKey string, body []byte) error

// Subscriber provides event subscription from RabbitMQ.
type Subscriber interface {
	// Subscribe starts consuming messages from RabbitMQ.
	Subscribe(ctx context.Context, routingKeys []string, handler EventHandler) error

	// Close closes the subscriber connection.
	Close() error
}

// RabbitMQSubscriber implements Subscriber using RabbitMQ.
type RabbitMQSubscriber struct {
	config   *config.RabbitMQConfig
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	queue    string
	logger   *zap.Logger

	mu           sync.RWMutex
	closed       bool
	reconnecting bool
	handler      EventHandler
	routingKeys  []string
	ctx          context.Context
	cancel       context.CancelFunc
}

// NewRabbitMQSubscriber creates a new RabbitMQ subscriber.
func NewRabbitMQSubscriber(cfg *config.RabbitMQConfig, queueName string, logger *zap.Logger) (*RabbitMQSubscriber, error) {
	s := &RabbitMQSubscriber{
		config:   cfg,
		exchange: cfg.Exchange,
		queue:    queueName,
		logger:   logger,
	}

	if err := s.connect(); err != nil {
		return nil, err
	}

	return s, nil
}

// connect establishes connection to RabbitMQ.
func (s *RabbitMQSubscriber) connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errSubscriberClosed
	}

	conn, err := amqp.Dial(s.config.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	if err := s.setupChannel(channel); err != nil {
		channel.Close()
		conn.Close()
		return err
	}
	s.conn, s.channel = conn, channel

	closeChan := make(chan *amqp.Error, 1)
	s.conn.NotifyClose(closeChan)
	go s.handleClose(closeChan)

	s.logger.Info("Connected to RabbitMQ for subscription",
		zap.String("exchange", s.exchange),
		zap.String("queue", s.queue),
	)

	return nil
}

// setupChannel declares the exchange and queue, restores bindings and sets QoS.
// Callers hold s.mu.
func (s *RabbitMQSubscriber) setupChannel(channel *amqp.Channel) error {
	if err := declareExchange(channel, s.exchange); err != nil {
		return err
	}

	_, err := channel.QueueDeclare(
		s.queue, // name
		true,    // durable
		false,   // auto-delete
		false,   // exclusive
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := s.bind(channel, s.routingKeys); err != nil {
		return err
	}

	prefetch := s.config.PrefetchCount
	if prefetch <= 0 {
		prefetch = 10
	}
	if err := channel.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	return nil
}

func (s *RabbitMQSubscriber) bind(channel *amqp.Channel, routingKeys []string) error {
	for _, routingKey := range routingKeys {
		err := channel.QueueBind(
			s.queue,    // queue name
			routingKey, // routing key
			s.exchange, // exchange
			false,      // no-wait
			nil,        // arguments
		)
		if err != nil {
			return fmt.Errorf("failed to bind queue to routing key %s: %w", routingKey, err)
		}
	}
	return nil
}

// handleClose handles connection close events and triggers reconnection.
func (s *RabbitMQSubscriber) handleClose(closeChan chan *amqp.Error) {
	err := <-closeChan
	if err == nil {
		return // Graceful close
	}

	s.logger.Warn("RabbitMQ subscriber connection closed", zap.Error(err))
	s.reconnect()
}

// reconnect attempts to reconnect to RabbitMQ with exponential backoff and
// resumes consumption once connected.
func (s *RabbitMQSubscriber) reconnect() {
	s.mu.Lock()
	if s.closed || s.reconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	backoff := newBackoff(s.config.ReconnectDelayDuration(), s.config.MaxReconnectWaitDuration())

	for {
		s.mu.RLock()
		closed := s.closed
		s.mu.RUnlock()
		if closed {
			return
		}

		delay := backoff.next()
		s.logger.Info("Attempting to reconnect subscriber to RabbitMQ",
			zap.Duration("delay", delay),
		)
		time.Sleep(delay)

		if err := s.connect(); err != nil {
			s.logger.Warn("Subscriber reconnection failed", zap.Error(err))
			continue
		}

		s.mu.RLock()
		handler := s.handler
		ctx := s.ctx
		s.mu.RUnlock()

		if handler != nil && ctx != nil {
			go s.consume(ctx, handler)
		}

		s.logger.Info("Subscriber reconnected to RabbitMQ")
		return
	}
}

// Subscribe starts consuming messages from RabbitMQ.
func (s *RabbitMQSubscriber) Subscribe(ctx context.Context, routingKeys []string, handler EventHandler) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errSubscriberClosed
	}

	if err := s.bind(s.channel, routingKeys); err != nil {
		s.mu.Unlock()
		return err
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.handler = handler
	s.routingKeys = routingKeys
	consumeCtx := s.ctx
	s.mu.Unlock()

	s.logger.Info("Subscribed to routing keys",
		zap.Strings("routing_keys", routingKeys),
		zap.String("queue", s.queue),
	)

	go s.consume(consumeCtx, handler)

	return nil
}

// consume consumes messages from the queue.
func (s *RabbitMQSubscriber) consume(ctx context.Context, handler EventHandler) {
	s.mu.RLock()
	if s.closed || s.channel == nil {
		s.mu.RUnlock()
		return
	}
	channel := s.channel
	s.mu.RUnlock()

	msgs, err := channel.Consume(
		s.queue, // queue
		"",      // consumer tag
		false,   // auto-ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		s.logger.Error("Failed to start consuming", zap.Error(err))
		return
	}

	s.logger.Info("Started consuming messages from queue", zap.String("queue", s.queue))

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				s.logger.Info("Message channel closed")
				return
			}

			if err := s.processMessage(ctx, msg.RoutingKey, msg.Body, handler); err != nil {
				s.logger.Error("Failed to process message",
					zap.Error(err),
					zap.String("routing_key", msg.RoutingKey),
				)
				msg.Nack(false, true)
			} else {
				msg.Ack(false)
			}

		case <-ctx.Done():
			s.logger.Info("Subscriber context cancelled, stopping consumption")
			return
		}
	}
}

// processMessage processes a single message.
func (s *RabbitMQSubscriber) processMessage(ctx context.Context, routingKey string, body []byte, handler EventHandler) error {
	s.logger.Debug("Received message",
		zap.String("routing_key", routingKey),
		zap.Int("body_size", len(body)),
	)

	if !json.Valid(body) {
		// Requeueing would redeliver it forever.
		s.logger.Warn("Discarding message with invalid JSON body",
			zap.String("routing_key", routingKey),
		)
		return nil
	}

	if err := handler(ctx, routingKey, body); err != nil {
		return fmt.Errorf("handler error: %w", err)
	}

	return nil
}

// Close closes the subscriber connection.
func (s *RabbitMQSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.cancel != nil {
		s.cancel()
	}

	var errs []error

	if s.channel != nil {
		if err := s.channel.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	s.logger.Info("RabbitMQ subscriber closed")

	if len(errs) > 0 {
		return fmt.Errorf("errors closing subscriber: %w", errors.Join(errs...))
	}
	return nil
}

// NoOpSubscriber is a subscriber that does nothing (for testing or when events disabled).
type NoOpSubscriber struct{}

// NewNoOpSubscriber creates a new no-op subscriber.
func NewNoOpSubscriber() *NoOpSubscriber {
	return &NoOpSubscriber{}
}

func (s *NoOpSubscriber) Subscribe(ctx context.Context, routingKeys []string, handler EventHandler) error {
	return nil
}

func (s *NoOpSubscriber) Close() error {
	return nil
}

var errSubscriberClosed = errors.New("subscriber is closed")

// RunSubmitter starts a run on a named surface, superseding any run in flight.
type RunSubmitter interface {
	Submit(ctx context.Context, surface string, req domain.TrainingRequest, trigger string) (uuid.UUID, error)
}

// RunRequestHandler submits runs requested over the bus. Requests that can
// never succeed (bad payload, invalid request, unknown surface) are logged
// and acknowledged; other failures requeue the message.
func RunRequestHandler(submitter RunSubmitter, submitTimeout time.Duration, logger *zap.Logger) EventHandler {
	return func(ctx context.Context, routingKey string, body []byte) error {
		var msg RunRequestedMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			logger.Warn("Discarding malformed run request",
				zap.String("routing_key", routingKey),
				zap.Error(err),
			)
			return nil
		}
		if msg.Surface == "" {
			msg.Surface = config.DefaultSurface
		}

		if submitTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, submitTimeout)
			defer cancel()
		}

		runID, err := submitter.Submit(ctx, msg.Surface, msg.Request, TriggerRemote)
		switch {
		case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrUnknownSurface):
			logger.Warn("Rejected run request",
				zap.String("surface", msg.Surface),
				zap.Error(err),
			)
			return nil
		case err != nil:
			return fmt.Errorf("submit run on %s: %w", msg.Surface, err)
		}

		logger.Info("Run requested over message bus",
			zap.String("run_id", runID.String()),
			zap.String("surface", msg.Surface),
		)
		return nil
	}
}

// Ensure interface compliance
var _ Subscriber = (*RabbitMQSubscriber)(nil)
var _ Subscriber = (*NoOpSubscriber)(nil)
