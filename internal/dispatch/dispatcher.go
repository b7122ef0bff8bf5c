// Package dispatch fires the post-completion integrations attached to a
// schedule. Dispatch is best effort: failures are logged and returned for
// inspection, never escalated to the queue item.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"leadflow/internal/domain"
)

// Payload is the body delivered to every integration.
type Payload struct {
	Records      []domain.Record `json:"records"`
	ResultHandle string          `json:"result_handle"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Message is one delivery: the payload plus a key that stays stable across
// retries of the same integration.
type Message struct {
	Payload        Payload
	IdempotencyKey string
}

// Handler delivers a message for one integration type.
type Handler interface {
	Handle(ctx context.Context, params json.RawMessage, msg Message) error
}

// IntegrationError is a failed post-completion side effect.
type IntegrationError struct {
	Type  string
	Index int
	Err   error
}

func (e *IntegrationError) Error() string {
	return fmt.Sprintf("integration %d (%s): %v", e.Index, e.Type, e.Err)
}

func (e *IntegrationError) Unwrap() error { return e.Err }

// ErrUnknownType is returned for an integration with no registered handler.
var ErrUnknownType = errors.New("unknown integration type")

type Config struct {
	// Timeout bounds one integration including its retries.
	Timeout time.Duration
	// Attempts is the total number of tries for a retryable failure.
	Attempts int
	// Backoff is the wait before the second attempt; it doubles afterwards.
	Backoff time.Duration
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = time.Second
	}
}

type Dispatcher struct {
	handlers map[string]Handler
	cfg      Config
	now      func() time.Time
}

func New(handlers map[string]Handler, cfg Config) *Dispatcher {
	cfg.defaults()
	if handlers == nil {
		handlers = map[string]Handler{}
	}
	return &Dispatcher{handlers: handlers, cfg: cfg, now: time.Now}
}

// Register adds or replaces the handler for an integration type.
func (d *Dispatcher) Register(typ string, h Handler) {
	d.handlers[typ] = h
}

// Dispatch runs every integration in order. Each gets its own timeout, and a
// failure never stops the ones after it. The returned slice holds one
// *IntegrationError per failed integration.
func (d *Dispatcher) Dispatch(ctx context.Context, resultHandle string, records []domain.Record, integrations []domain.Integration) []error {
	if len(integrations) == 0 {
		return nil
	}
	if records == nil {
		records = []domain.Record{}
	}
	payload := Payload{Records: records, ResultHandle: resultHandle, Timestamp: d.now().UTC()}

	var errs []error
	for i, in := range integrations {
		msg := Message{Payload: payload, IdempotencyKey: fmt.Sprintf("%s:%d", resultHandle, i)}
		start := time.Now()
		err := d.run(ctx, in, msg)
		dispatchLatency.WithLabelValues(in.Type).Observe(time.Since(start).Seconds())
		if err != nil {
			dispatchTotal.WithLabelValues(in.Type, "error").Inc()
			ierr := &IntegrationError{Type: in.Type, Index: i, Err: err}
			log.Warn().Err(err).
				Str("integration", in.Type).
				Int("index", i).
				Str("result_handle", resultHandle).
				Msg("integration failed")
			errs = append(errs, ierr)
			continue
		}
		dispatchTotal.WithLabelValues(in.Type, "ok").Inc()
		log.Info().Str("integration", in.Type).Int("index", i).Str("result_handle", resultHandle).Msg("integration dispatched")
	}
	return errs
}

func (d *Dispatcher) run(ctx context.Context, in domain.Integration, msg Message) error {
	h, ok := d.handlers[in.Type]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownType, in.Type)
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	return Retry(ctx, d.cfg.Attempts, d.cfg.Backoff, func(ctx context.Context) error {
		return h.Handle(ctx, in.Params, msg)
	})
}
