package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/streadway/amqp"
)

// amqpChannel is the subset of *amqp.Channel used by the RabbitMQ sink.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type amqpDialer func() (amqpChannel, io.Closer, error)

// RabbitMQ publishes persistent messages to a topic exchange and waits for
// the broker's publisher confirm. The routing key is "<aggregate>.<event>".
// A broken connection is re-dialled on the next publish.
type RabbitMQ struct {
	mu       sync.Mutex
	exchange string
	dial     amqpDialer

	ch       amqpChannel
	conn     io.Closer
	confirms chan amqp.Confirmation
	nextTag  uint64
}

// NewRabbitMQ connects to url and declares exchange.
func NewRabbitMQ(url, exchange string) (*RabbitMQ, error) {
	r := newRabbitMQ(exchange, func() (amqpChannel, io.Closer, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("failed to open channel: %w", err)
		}
		return ch, conn, nil
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.connect(); err != nil {
		return nil, err
	}
	return r, nil
}

func newRabbitMQ(exchange string, dial amqpDialer) *RabbitMQ {
	return &RabbitMQ{exchange: exchange, dial: dial}
}

// connect must be called with mu held.
func (r *RabbitMQ) connect() error {
	if r.ch != nil {
		return nil
	}

	ch, conn, err := r.dial()
	if err != nil {
		return err
	}
	// ExchangeDeclare is idempotent and has no effect if the exchange is already in place
	if err := ch.ExchangeDeclare(r.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	r.ch = ch
	r.conn = conn
	r.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 64))
	r.nextTag = 0
	return nil
}

// reset must be called with mu held.
func (r *RabbitMQ) reset() {
	if r.ch != nil {
		r.ch.Close()
	}
	if r.conn != nil {
		r.conn.Close()
	}
	r.ch, r.conn, r.confirms = nil, nil, nil
}

func (r *RabbitMQ) Publish(ctx context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.connect(); err != nil {
		return err
	}

	headers := make(amqp.Table)
	for k, v := range msg.Metadata() {
		headers[k] = v
	}

	err := r.ch.Publish(r.exchange, msg.AggregateType+"."+msg.EventType, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID.String(),
		Timestamp:    msg.Timestamp,
		Type:         msg.EventType,
		Headers:      headers,
		Body:         msg.Payload,
	})
	if err != nil {
		r.reset()
		return fmt.Errorf("failed to publish to exchange %s: %w", r.exchange, err)
	}
	r.nextTag++
	tag := r.nextTag

	for {
		select {
		case c, ok := <-r.confirms:
			if !ok {
				r.reset()
				return errors.New("rabbitmq channel closed before confirm")
			}
			if c.DeliveryTag < tag {
				continue // confirm for a publish that already timed out
			}
			if !c.Ack {
				return fmt.Errorf("rabbitmq nacked message %s", msg.ID)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reset()
	return nil
}
