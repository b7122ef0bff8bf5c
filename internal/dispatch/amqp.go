package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// AMQP publishes the payload to a RabbitMQ exchange. Connections are opened on
// first use and reused per broker URL until they close.
type AMQP struct {
	defaultURL string

	mu    sync.Mutex
	conns map[string]*amqp.Connection
	dial  func(url string) (*amqp.Connection, error)
}

type AMQPParams struct {
	URL        string `json:"url"`
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key"`
}

// NewAMQP returns a handler that uses defaultURL when an integration does not
// name its own broker.
func NewAMQP(defaultURL string) *AMQP {
	return &AMQP{defaultURL: defaultURL, conns: map[string]*amqp.Connection{}, dial: amqp.Dial}
}

func (a *AMQP) Handle(ctx context.Context, params json.RawMessage, msg Message) error {
	var p AMQPParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return Permanent(fmt.Errorf("invalid amqp parameters: %w", err))
		}
	}
	if p.URL == "" {
		p.URL = a.defaultURL
	}
	if p.URL == "" {
		return Permanent(errors.New("broker url is required"))
	}
	if p.Exchange == "" && p.RoutingKey == "" {
		return Permanent(errors.New("exchange or routing_key is required"))
	}

	body, err := json.Marshal(msg.Payload)
	if err != nil {
		return Permanent(fmt.Errorf("marshal payload: %w", err))
	}

	conn, err := a.conn(p.URL)
	if err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		a.drop(p.URL, conn)
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	err = ch.PublishWithContext(ctx,
		p.Exchange,
		p.RoutingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.IdempotencyKey,
			Timestamp:    msg.Payload.Timestamp,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", p.Exchange, p.RoutingKey, err)
	}

	log.Debug().
		Str("exchange", p.Exchange).
		Str("routing_key", p.RoutingKey).
		Str("message_id", msg.IdempotencyKey).
		Msg("published message")
	return nil
}

func (a *AMQP) conn(url string) (*amqp.Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.conns[url]; ok && !c.IsClosed() {
		return c, nil
	}
	c, err := a.dial(url)
	if err != nil {
		return nil, err
	}
	a.conns[url] = c
	return c, nil
}

func (a *AMQP) drop(url string, c *amqp.Connection) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conns[url] == c {
		delete(a.conns, url)
	}
	_ = c.Close()
}

// Close closes every cached broker connection.
func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	for url, c := range a.conns {
		if err := c.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
		delete(a.conns, url)
	}
	return errors.Join(errs...)
}
