// Package worker runs the queue processor: the single loop that claims queue
// items and turns each one into a cascade run.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"leadflow/internal/aggregator"
	"leadflow/internal/domain"
	"leadflow/internal/queue"
)

// Collector is the cascade driven for each item.
type Collector interface {
	Collect(ctx context.Context, query string, target int, checkpoint aggregator.Checkpoint) (aggregator.Result, error)
}

// Dispatcher fires a schedule's integrations after its item completes.
type Dispatcher interface {
	Dispatch(ctx context.Context, resultHandle string, records []domain.Record, integrations []domain.Integration) []error
}

type Config struct {
	PollInterval time.Duration
	// ItemTimeout forces processing -> error for an item that runs longer.
	ItemTimeout time.Duration
	// StaleTimeout is how long an item may sit in processing before it is
	// returned to pending. Defaults to twice ItemTimeout.
	StaleTimeout time.Duration
	// MaxRetryAttempts > 0 re-enqueues a failed item as a fresh one, up to
	// this many times, RetryDelay after the failure.
	MaxRetryAttempts int
	RetryDelay       time.Duration
}

func (c *Config) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = 10 * time.Minute
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = 2 * c.ItemTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Minute
	}
}

var errItemTimeout = errors.New("item timed out")

type Processor struct {
	repo       queue.Repository
	agg        Collector
	dispatcher Dispatcher
	sink       ResultSink
	cfg        Config

	stop     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

type Option func(*Processor)

func WithDispatcher(d Dispatcher) Option {
	return func(p *Processor) { p.dispatcher = d }
}

func WithSink(s ResultSink) Option {
	return func(p *Processor) {
		if s != nil {
			p.sink = s
		}
	}
}

func NewProcessor(repo queue.Repository, agg Collector, cfg Config, opts ...Option) *Processor {
	cfg.defaults()
	p := &Processor{
		repo: repo,
		agg:  agg,
		sink: HandleSink{},
		cfg:  cfg,
		stop: make(chan struct{}),
		now:  time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run processes items strictly one at a time until ctx is done or Stop is
// called. A cascade blocks the loop for as long as its providers take, so
// provider latency directly bounds queue throughput.
//
// Run returns nil on shutdown and a *queue.StoreError when the store fails;
// every other failure is recorded on the item and the loop continues.
func (p *Processor) Run(ctx context.Context) error {
	if err := p.recoverStale(ctx); err != nil {
		return err
	}
	lastRecover := p.now()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	log.Info().
		Dur("poll_interval", p.cfg.PollInterval).
		Dur("item_timeout", p.cfg.ItemTimeout).
		Dur("stale_timeout", p.cfg.StaleTimeout).
		Msg("queue processor started")

	for {
		// Drain everything ready before sleeping again.
		for {
			ok, err := p.ProcessNext(ctx)
			if ctx.Err() != nil || p.stopped() {
				return nil
			}
			if err != nil {
				return err
			}
			if !ok {
				break
			}
		}

		if p.now().Sub(lastRecover) >= p.cfg.StaleTimeout/2 {
			if err := p.recoverStale(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			lastRecover = p.now()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-p.stop:
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Processor) stopped() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

// ProcessNext claims one ready item and runs it to a final status. It reports
// false when nothing was ready.
func (p *Processor) ProcessNext(ctx context.Context) (bool, error) {
	item, err := p.repo.DequeueNextReady(ctx, p.now())
	if errors.Is(err, queue.ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, p.process(ctx, item)
}

func (p *Processor) process(ctx context.Context, item domain.QueueItem) error {
	started := p.now()
	if item.StartedAt != nil {
		started = *item.StartedAt
	}
	logger := log.With().Str("queue_id", item.ID).Str("query", item.Query).Logger()
	logger.Info().Int("target", item.TargetCount).Int("priority", item.Priority).Int("attempt", item.Attempt).Msg("processing queue item")

	res, err := p.collect(ctx, item)
	switch {
	case ctx.Err() != nil:
		logger.Warn().Msg("shutdown while processing, item left for stale recovery")
		return nil
	case errors.Is(err, aggregator.ErrCancelled):
		return p.cancelled(ctx, item, started, res, logger)
	case queue.IsStoreError(err):
		return err
	case err != nil:
		return p.fail(ctx, item, started, res, err, logger)
	}
	return p.complete(ctx, item, started, res, logger)
}

// collect runs the cascade under the item timeout. The cascade runs in its own
// goroutine so that a provider ignoring its context cannot hold the loop past
// the deadline; such a goroutine is abandoned and exits when the call returns.
func (p *Processor) collect(ctx context.Context, item domain.QueueItem) (aggregator.Result, error) {
	itemCtx, cancel := context.WithTimeout(ctx, p.cfg.ItemTimeout)
	defer cancel()

	checkpoint := func(ctx context.Context) error {
		cur, err := p.repo.GetItem(ctx, item.ID)
		if err != nil {
			return err
		}
		if cur.Status == domain.StatusCancelled {
			return aggregator.ErrCancelled
		}
		return nil
	}

	type outcome struct {
		res aggregator.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := p.agg.Collect(itemCtx, item.Query, item.TargetCount, checkpoint)
		done <- outcome{res: res, err: err}
	}()

	timedOut := func() bool {
		return ctx.Err() == nil && errors.Is(itemCtx.Err(), context.DeadlineExceeded)
	}
	select {
	case out := <-done:
		if out.err != nil && timedOut() {
			return out.res, fmt.Errorf("%w after %s", errItemTimeout, p.cfg.ItemTimeout)
		}
		return out.res, out.err
	case <-itemCtx.Done():
		if timedOut() {
			return aggregator.Result{}, fmt.Errorf("%w after %s", errItemTimeout, p.cfg.ItemTimeout)
		}
		return aggregator.Result{}, ctx.Err()
	}
}

func (p *Processor) complete(ctx context.Context, item domain.QueueItem, started time.Time, res aggregator.Result, logger zerolog.Logger) error {
	handle, err := p.sink.Store(ctx, item, res.Records)
	if err != nil {
		return p.fail(ctx, item, started, res, fmt.Errorf("store results: %w", err), logger)
	}

	ok, err := p.repo.CompleteItem(ctx, item.ID, handle)
	if err != nil {
		return p.missing(err, logger)
	}
	if !ok {
		return p.superseded(ctx, item, started, res, logger)
	}

	h := p.history(item, started, domain.StatusCompleted)
	h.FoundCount = len(res.Records)
	h.RawCount = res.RawCount
	h.ResultHandle = handle
	if _, err := p.repo.RecordHistory(ctx, h); err != nil {
		return err
	}

	itemsProcessed.WithLabelValues(domain.StatusCompleted).Inc()
	itemDuration.Observe(h.CompletedAt.Sub(started).Seconds())
	recordsFound.Add(float64(h.FoundCount))
	logger.Info().
		Int("found", h.FoundCount).
		Int("raw", h.RawCount).
		Strs("providers", res.Attempted).
		Str("result_handle", handle).
		Msg("queue item completed")

	return p.dispatch(ctx, item, handle, res.Records, logger)
}

func (p *Processor) fail(ctx context.Context, item domain.QueueItem, started time.Time, res aggregator.Result, cause error, logger zerolog.Logger) error {
	msg := cause.Error()
	ok, err := p.repo.FailItem(ctx, item.ID, msg)
	if err != nil {
		return p.missing(err, logger)
	}
	if !ok {
		return p.superseded(ctx, item, started, res, logger)
	}

	h := p.history(item, started, domain.StatusError)
	h.RawCount = res.RawCount
	h.ErrorMessage = msg
	if _, err := p.repo.RecordHistory(ctx, h); err != nil {
		return err
	}

	itemsProcessed.WithLabelValues(domain.StatusError).Inc()
	itemDuration.Observe(h.CompletedAt.Sub(started).Seconds())
	logger.Error().Err(cause).Msg("queue item failed")

	return p.retry(ctx, item, logger)
}

// cancelled records the run of an item that was cancelled while running. No
// results are kept, so found_count stays zero.
func (p *Processor) cancelled(ctx context.Context, item domain.QueueItem, started time.Time, res aggregator.Result, logger zerolog.Logger) error {
	h := p.history(item, started, domain.StatusCancelled)
	h.RawCount = res.RawCount
	h.ErrorMessage = "cancelled while running"
	if _, err := p.repo.RecordHistory(ctx, h); err != nil {
		return err
	}
	itemsProcessed.WithLabelValues(domain.StatusCancelled).Inc()
	logger.Info().Int("discarded", len(res.Records)).Msg("queue item cancelled")
	return nil
}

// superseded handles a terminal update that matched nothing because the item
// left processing while the cascade ran.
func (p *Processor) superseded(ctx context.Context, item domain.QueueItem, started time.Time, res aggregator.Result, logger zerolog.Logger) error {
	cur, err := p.repo.GetItem(ctx, item.ID)
	if err != nil {
		return p.missing(err, logger)
	}
	if cur.Status == domain.StatusCancelled {
		return p.cancelled(ctx, item, started, res, logger)
	}
	logger.Warn().Str("status", cur.Status).Msg("queue item changed status while processing, result dropped")
	return nil
}

func (p *Processor) missing(err error, logger zerolog.Logger) error {
	if errors.Is(err, queue.ErrNotFound) {
		logger.Warn().Msg("queue item removed while processing")
		return nil
	}
	return err
}

// retry enqueues a fresh item derived from a failed one. The failed item
// keeps its error status.
func (p *Processor) retry(ctx context.Context, item domain.QueueItem, logger zerolog.Logger) error {
	if p.cfg.MaxRetryAttempts <= 0 || item.Attempt >= p.cfg.MaxRetryAttempts {
		return nil
	}
	at := p.now().Add(p.cfg.RetryDelay)
	parent := item.ID
	id, err := p.repo.Enqueue(ctx, domain.QueueItem{
		Query:         item.Query,
		TargetCount:   item.TargetCount,
		Verify:        item.Verify,
		Priority:      item.Priority,
		ScheduleID:    item.ScheduleID,
		ScheduledTime: &at,
		Attempt:       item.Attempt + 1,
		ParentID:      &parent,
	})
	if err != nil {
		return err
	}
	retriesEnqueued.Inc()
	logger.Info().Str("retry_id", id).Int("attempt", item.Attempt+1).Time("scheduled_time", at).Msg("retry enqueued")
	return nil
}

func (p *Processor) dispatch(ctx context.Context, item domain.QueueItem, handle string, records []domain.Record, logger zerolog.Logger) error {
	if p.dispatcher == nil || item.ScheduleID == nil {
		return nil
	}
	s, err := p.repo.GetSchedule(ctx, *item.ScheduleID)
	if errors.Is(err, queue.ErrNotFound) {
		logger.Debug().Str("schedule_id", *item.ScheduleID).Msg("schedule gone, skipping integrations")
		return nil
	}
	if err != nil {
		return err
	}
	if len(s.Integrations) == 0 {
		return nil
	}
	if errs := p.dispatcher.Dispatch(ctx, handle, records, s.Integrations); len(errs) > 0 {
		logger.Warn().Int("failed", len(errs)).Int("total", len(s.Integrations)).Msg("some integrations failed")
	}
	return nil
}

func (p *Processor) history(item domain.QueueItem, started time.Time, status string) domain.HistoryRecord {
	return domain.HistoryRecord{
		ScheduleID:  item.ScheduleID,
		QueueID:     item.ID,
		Query:       item.Query,
		Status:      status,
		StartedAt:   started,
		CompletedAt: p.now(),
	}
}

func (p *Processor) recoverStale(ctx context.Context) error {
	n, err := p.repo.RecoverStale(ctx, p.now(), p.cfg.StaleTimeout)
	if err != nil {
		return err
	}
	if n > 0 {
		staleRecovered.Add(float64(n))
		log.Warn().Int("recovered", n).Dur("stale_timeout", p.cfg.StaleTimeout).Msg("requeued stale processing items")
	}
	return nil
}
