// Package provider defines the capability every lead source implements and the
// ordered registry the aggregator cascades through.
package provider

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"leadflow/internal/domain"
)

// Provider is one external source of business records.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, query string, limit int) ([]domain.Record, error)
}

// Func adapts a plain function to Provider.
type Func struct {
	ID string
	Fn func(ctx context.Context, query string, limit int) ([]domain.Record, error)
}

func (f Func) Name() string { return f.ID }

func (f Func) Fetch(ctx context.Context, query string, limit int) ([]domain.Record, error) {
	return f.Fn(ctx, query, limit)
}

// Error is a failure of a single provider. The cascade logs it and moves on.
type Error struct {
	Provider string
	Err      error
}

func (e *Error) Error() string { return fmt.Sprintf("provider %s: %v", e.Provider, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// DefaultCap bounds a single fetch when the registration sets no cap.
const DefaultCap = 100

// Entry is one registered provider with its per-source limits.
type Entry struct {
	Provider Provider
	Cap      int
	limiter  *rate.Limiter
}

func (e Entry) Name() string { return e.Provider.Name() }

// Fetch waits for the rate limiter, calls the provider and converts both
// returned errors and panics into *Error.
func (e Entry) Fetch(ctx context.Context, query string, limit int) (recs []domain.Record, err error) {
	name := e.Provider.Name()
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, &Error{Provider: name, Err: fmt.Errorf("rate limit wait: %w", err)}
		}
	}
	defer func() {
		if r := recover(); r != nil {
			recs = nil
			err = &Error{Provider: name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	recs, err = e.Provider.Fetch(ctx, query, limit)
	if err != nil {
		return nil, &Error{Provider: name, Err: err}
	}
	return recs, nil
}

type Option func(*Entry)

// WithCap bounds the limit passed to this provider.
func WithCap(n int) Option {
	return func(e *Entry) {
		if n > 0 {
			e.Cap = n
		}
	}
}

// WithRateLimit spaces consecutive calls to this provider.
func WithRateLimit(every time.Duration, burst int) Option {
	return func(e *Entry) {
		if every <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Every(every), burst)
	}
}

// Registry is the fixed, ordered list of providers. Order is priority.
type Registry struct {
	entries []Entry
}

func NewRegistry() *Registry { return &Registry{} }

// Register appends p at the lowest priority.
func (r *Registry) Register(p Provider, opts ...Option) {
	e := Entry{Provider: p, Cap: DefaultCap}
	for _, o := range opts {
		o(&e)
	}
	r.entries = append(r.entries, e)
}

// Entries returns the providers in priority order.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *Registry) Len() int { return len(r.entries) }
