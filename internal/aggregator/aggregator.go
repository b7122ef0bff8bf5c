// Package aggregator cascades a query through the registered providers until
// enough unique records are collected.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"leadflow/internal/dedup"
	"leadflow/internal/domain"
	"leadflow/internal/provider"
)

var (
	// ErrAllProvidersFailed means every provider tried in the cascade errored.
	ErrAllProvidersFailed = errors.New("all providers failed")
	// ErrNoProviders means the registry is empty.
	ErrNoProviders = errors.New("no providers registered")
	// ErrCancelled is returned by a Checkpoint to stop the cascade.
	ErrCancelled = errors.New("cancelled")
)

// Checkpoint runs before every provider call. A non-nil error stops the
// cascade and is returned unchanged.
type Checkpoint func(ctx context.Context) error

type Config struct {
	// OverRequestFactor multiplies the remaining count to absorb duplicates.
	OverRequestFactor int
	// LowYieldThreshold and LowYieldRemaining flag a provider that added fewer
	// than LowYieldThreshold records while more than LowYieldRemaining are
	// still missing.
	LowYieldThreshold int
	LowYieldRemaining int
}

func (c *Config) defaults() {
	if c.OverRequestFactor <= 0 {
		c.OverRequestFactor = 2
	}
	if c.LowYieldThreshold <= 0 {
		c.LowYieldThreshold = 5
	}
	if c.LowYieldRemaining <= 0 {
		c.LowYieldRemaining = 10
	}
}

type Aggregator struct {
	registry *provider.Registry
	cfg      Config
}

func New(registry *provider.Registry, cfg Config) *Aggregator {
	cfg.defaults()
	return &Aggregator{registry: registry, cfg: cfg}
}

// Result describes one cascade run.
type Result struct {
	Records   []domain.Record
	RawCount  int
	Attempted []string
	Succeeded int
	Failures  []error
	PerSource map[string]int
}

// Collect returns up to target unique records for query. Each provider is
// called at most once, in registry order, and the cascade stops as soon as
// target is reached. Provider calls block the caller for their duration.
//
// A provider error is logged and skipped. When every provider that was tried
// failed, Collect returns ErrAllProvidersFailed; providers that succeed with
// nothing yield an empty result and a nil error.
func (a *Aggregator) Collect(ctx context.Context, query string, target int, checkpoint Checkpoint) (Result, error) {
	res := Result{PerSource: map[string]int{}}
	if target <= 0 {
		return res, nil
	}
	entries := a.registry.Entries()
	if len(entries) == 0 {
		return res, ErrNoProviders
	}

	seen := dedup.New()
	for _, e := range entries {
		remaining := target - len(res.Records)
		if remaining <= 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if checkpoint != nil {
			if err := checkpoint(ctx); err != nil {
				return res, err
			}
		}

		name := e.Name()
		limit := min(remaining*a.cfg.OverRequestFactor, e.Cap)
		res.Attempted = append(res.Attempted, name)

		start := time.Now()
		recs, err := e.Fetch(ctx, query, limit)
		providerLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			providerCalls.WithLabelValues(name, "error").Inc()
			log.Warn().Err(err).Str("provider", name).Str("query", query).Msg("provider failed, continuing cascade")
			res.Failures = append(res.Failures, err)
			continue
		}
		providerCalls.WithLabelValues(name, "ok").Inc()
		res.Succeeded++
		res.RawCount += len(recs)

		added := 0
		for _, r := range recs {
			if len(res.Records) >= target {
				break
			}
			if !seen.Accept(r) {
				continue
			}
			r.Source = name
			res.Records = append(res.Records, r)
			added++
		}
		res.PerSource[name] = added
		remaining = target - len(res.Records)

		ev := log.Info()
		if added < a.cfg.LowYieldThreshold && remaining > a.cfg.LowYieldRemaining {
			ev = log.Debug().Bool("low_yield", true)
		}
		ev.Str("provider", name).
			Int("requested", limit).
			Int("returned", len(recs)).
			Int("unique", added).
			Int("collected", len(res.Records)).
			Int("target", target).
			Msg("provider contributed")
	}

	if res.Succeeded == 0 && len(res.Failures) > 0 {
		return res, fmt.Errorf("%w: %w", ErrAllProvidersFailed, errors.Join(res.Failures...))
	}
	return res, nil
}
