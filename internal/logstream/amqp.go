package logstream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange receives activity records.
const DefaultExchange = "chatpilot.activity"

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes records to a topic exchange with routing key
// chatpilot.activity.<level>.
type AMQPSink struct {
	exchange string
	timeout  time.Duration

	mu   sync.Mutex
	ch   publisher
	conn *amqp.Connection
}

// DialAMQP connects to url and declares exchange as a durable topic
// exchange.
func DialAMQP(url, exchange string) (*AMQPSink, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	s := newAMQPSink(ch, exchange)
	s.conn = conn
	return s, nil
}

func newAMQPSink(ch publisher, exchange string) *AMQPSink {
	return &AMQPSink{exchange: exchange, ch: ch, timeout: 5 * time.Second}
}

// RoutingKey returns the key a record of level is published under.
func RoutingKey(level string) string {
	return "chatpilot.activity." + strings.ToLower(level)
}

func (s *AMQPSink) Write(ctx context.Context, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		return fmt.Errorf("amqp sink closed")
	}
	return s.ch.PublishWithContext(ctx, s.exchange, RoutingKey(rec.Level.String()), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    rec.Time,
		Body:         body,
	})
}

func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		return nil
	}
	err := s.ch.Close()
	s.ch = nil
	if s.conn != nil {
		if cerr := s.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
