package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	dialAttempts   = 5
	publishTimeout = 5 * time.Second
)

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPReporter publishes events as JSON to a durable queue. Report only
// enqueues; a single worker does the publishing, so a slow broker never
// stalls a connection. Events are dropped when the buffer is full.
type AMQPReporter struct {
	ch     publisher
	queue  string
	logger *slog.Logger

	events chan Event
	done   chan struct{}

	mu     sync.Mutex
	closed bool

	closers []func() error
}

// DialAMQP connects to the broker, retrying a few times, and declares the
// queue.
func DialAMQP(url, queue string, buffer int, retryDelay time.Duration, logger *slog.Logger) (*AMQPReporter, error) {
	var conn *amqp.Connection
	var err error
	for i := 0; i < dialAttempts; i++ {
		if conn, err = amqp.Dial(url); err == nil {
			break
		}
		logger.Warn("failed to connect to RabbitMQ, retrying", "attempt", i+1, "delay", retryDelay)
		time.Sleep(retryDelay)
	}
	if err != nil {
		return nil, fmt.Errorf("could not connect to RabbitMQ after %d attempts: %w", dialAttempts, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}

	logger.Info("📨 connected to RabbitMQ", "queue", queue)
	r := NewAMQPReporter(ch, queue, buffer, logger)
	r.closers = []func() error{ch.Close, conn.Close}
	return r, nil
}

func NewAMQPReporter(ch publisher, queue string, buffer int, logger *slog.Logger) *AMQPReporter {
	if buffer <= 0 {
		buffer = 256
	}
	r := &AMQPReporter{
		ch:     ch,
		queue:  queue,
		logger: logger,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *AMQPReporter) Report(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.events <- ev:
	default:
		r.logger.Warn("notify buffer full, dropping event", "kind", ev.Kind, "session", ev.SessionID)
	}
}

func (r *AMQPReporter) run() {
	defer close(r.done)
	for ev := range r.events {
		if err := r.publish(ev); err != nil {
			r.logger.Error("failed to publish event", "kind", ev.Kind, "error", err)
		}
	}
}

func (r *AMQPReporter) publish(ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	return r.ch.PublishWithContext(ctx, "", r.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.At,
		Type:         string(ev.Kind),
		Body:         body,
	})
}

// Close flushes queued events and closes the broker connection.
func (r *AMQPReporter) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.events)
	r.mu.Unlock()

	<-r.done

	var firstErr error
	for _, c := range r.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
