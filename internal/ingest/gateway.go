// Package ingest is the front door for submitted events: rate limiting,
// sampling, validation, capture filtering and a retried commit.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"crabstack.local/projects/crab-observer/internal/event"
	"crabstack.local/projects/crab-observer/internal/store"
)

var (
	ErrShuttingDown  = errors.New("ingest gateway shutting down")
	ErrUnavailable   = errors.New("event store unavailable")
	ErrBatchTooLarge = errors.New("batch too large")
)

const (
	defaultRetryBackoff = 50 * time.Millisecond
	defaultMaxBackoff   = 2 * time.Second
	unknownSourceApp    = "unknown"
)

type Normalizer interface {
	Normalize(event.Raw) (event.Event, []event.Warning, error)
}

type Config struct {
	// DropRate is the fraction of events sampled out before validation.
	// The zero value keeps everything.
	DropRate float64
	// Capture reports whether a category is captured. Nil captures all.
	Capture         func(category string) bool
	RetryAttempts   int
	RetryBackoff    time.Duration
	MaxBackoff      time.Duration
	RetryQueueSize  int
	Timeout         time.Duration
	EventsPerSecond float64
	Burst           int
	MaxBatchSize    int
}

type Option func(*Gateway)

// WithSampler replaces the uniform [0,1) source used for sampling.
func WithSampler(sample func() float64) Option {
	return func(g *Gateway) {
		if sample != nil {
			g.sample = sample
		}
	}
}

type Gateway struct {
	cfg        Config
	normalizer Normalizer
	store      store.Store
	logger     *slog.Logger
	sample     func() float64

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	// retrySlots bounds how many commits may sit in backoff at once.
	retrySlots chan struct{}

	lifecycleMu sync.Mutex
	closing     bool
	inflight    sync.WaitGroup

	counts map[Status]*atomic.Int64
}

func New(cfg Config, normalizer Normalizer, st store.Store, logger *slog.Logger, opts ...Option) *Gateway {
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.RetryQueueSize <= 0 {
		cfg.RetryQueueSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		cfg:        cfg,
		normalizer: normalizer,
		store:      st,
		logger:     logger,
		sample:     rand.Float64,
		limiters:   make(map[string]*rate.Limiter),
		retrySlots: make(chan struct{}, cfg.RetryQueueSize),
		counts:     make(map[Status]*atomic.Int64, len(allStatuses)),
	}
	for _, status := range allStatuses {
		g.counts[status] = &atomic.Int64{}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// SubmitOne runs a single event through the pipeline.
func (g *Gateway) SubmitOne(ctx context.Context, raw event.Raw) Result {
	if !g.enter() {
		return g.count(unavailable(CodeShuttingDown, ErrShuttingDown.Error()))
	}
	defer g.inflight.Done()
	return g.count(g.process(ctx, raw))
}

// SubmitBatch processes items in order and independently. A failed item
// never rolls back its committed siblings. Nil items are reported as
// rejected.
func (g *Gateway) SubmitBatch(ctx context.Context, raws []event.Raw) ([]Result, error) {
	if g.cfg.MaxBatchSize > 0 && len(raws) > g.cfg.MaxBatchSize {
		return nil, fmt.Errorf("%w: %d items, limit %d", ErrBatchTooLarge, len(raws), g.cfg.MaxBatchSize)
	}
	if !g.enter() {
		return nil, ErrShuttingDown
	}
	defer g.inflight.Done()

	results := make([]Result, len(raws))
	for i, raw := range raws {
		if raw == nil {
			var verr event.ValidationError
			verr.Add("event", "must be a JSON object")
			results[i] = g.count(rejected(&verr))
			continue
		}
		results[i] = g.count(g.process(ctx, raw))
	}
	return results, nil
}

func (g *Gateway) process(ctx context.Context, raw event.Raw) Result {
	sourceApp := peekString(raw, "source_app")
	if !g.allow(sourceApp) {
		return Result{
			Status:    StatusRateLimited,
			Error:     &Failure{Code: CodeRateLimited, Message: fmt.Sprintf("rate limit exceeded for source_app %q", sourceApp)},
			Retryable: true,
		}
	}

	// sampling happens before validation so dropped events cost nothing
	if g.cfg.DropRate > 0 && g.sample() >= 1-g.cfg.DropRate {
		return Result{Status: StatusSampledOut}
	}

	ev, warnings, err := g.normalizer.Normalize(raw)
	if err != nil {
		var verr *event.ValidationError
		if errors.As(err, &verr) {
			return rejected(verr)
		}
		verr = &event.ValidationError{}
		verr.Add("event", err.Error())
		return rejected(verr)
	}

	if g.cfg.Capture != nil && !g.cfg.Capture(ev.EventCategory) {
		return Result{Status: StatusFiltered, ID: ev.ID}
	}

	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	if ev.ParentEventID != "" {
		exists, err := g.store.Exists(ctx, ev.ParentEventID)
		if err != nil {
			g.logger.Warn("parent lookup failed", "event_id", ev.ID, "parent_event_id", ev.ParentEventID, "err", err)
		} else if !exists {
			warnings = append(warnings, event.NewWarning(event.WarnDanglingParent, "parent_event_id",
				"parent event %q has not been received", ev.ParentEventID))
		}
	}

	committed, err := g.commitWithRetry(ctx, ev)
	switch {
	case err == nil:
		return accepted(committed, warnings)
	case errors.Is(err, store.ErrDuplicate):
		existing, getErr := g.store.Get(ctx, ev.ID)
		if getErr != nil {
			return unavailable(CodeUnavailable, getErr.Error())
		}
		warnings = append(warnings, event.NewWarning(event.WarnDuplicateEvent, "id",
			"event %q was already committed", ev.ID))
		return accepted(existing, warnings)
	case errors.Is(err, context.DeadlineExceeded):
		return unavailable(CodeTimeout, "commit timed out")
	default:
		g.logger.Error("commit failed", "event_id", ev.ID, "session_id", ev.SessionID, "source_app", ev.SourceApp, "err", err)
		return unavailable(CodeUnavailable, err.Error())
	}
}

func (g *Gateway) commitWithRetry(ctx context.Context, ev event.Event) (event.Event, error) {
	var lastErr error
	for attempt := 1; attempt <= g.cfg.RetryAttempts; attempt++ {
		committed, err := g.store.Commit(ctx, ev)
		if err == nil {
			if attempt > 1 {
				g.logger.Info("commit succeeded after retry", "event_id", ev.ID, "sequence", committed.Sequence, "attempt", attempt)
			}
			return committed, nil
		}
		lastErr = err
		if !errors.Is(err, store.ErrUnavailable) || attempt == g.cfg.RetryAttempts {
			break
		}

		select {
		case g.retrySlots <- struct{}{}:
		default:
			return event.Event{}, fmt.Errorf("%w: retry queue full: %v", ErrUnavailable, err)
		}
		g.logger.Debug("commit retry", "event_id", ev.ID, "attempt", attempt, "err", err)
		waitErr := sleepCtx(ctx, g.backoff(attempt))
		<-g.retrySlots
		if waitErr != nil {
			return event.Event{}, waitErr
		}
	}
	if errors.Is(lastErr, store.ErrUnavailable) {
		return event.Event{}, fmt.Errorf("%w after %d attempts: %v", ErrUnavailable, g.cfg.RetryAttempts, lastErr)
	}
	return event.Event{}, lastErr
}

func (g *Gateway) backoff(attempt int) time.Duration {
	d := g.cfg.RetryBackoff << (attempt - 1)
	if d <= 0 || d > g.cfg.MaxBackoff {
		return g.cfg.MaxBackoff
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (g *Gateway) allow(sourceApp string) bool {
	if g.cfg.EventsPerSecond <= 0 {
		return true
	}
	if sourceApp == "" {
		sourceApp = unknownSourceApp
	}
	g.limitersMu.Lock()
	limiter, ok := g.limiters[sourceApp]
	if !ok {
		burst := g.cfg.Burst
		if burst <= 0 {
			burst = max(1, int(g.cfg.EventsPerSecond))
		}
		limiter = rate.NewLimiter(rate.Limit(g.cfg.EventsPerSecond), burst)
		g.limiters[sourceApp] = limiter
	}
	g.limitersMu.Unlock()
	return limiter.Allow()
}

func (g *Gateway) enter() bool {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()
	if g.closing {
		return false
	}
	g.inflight.Add(1)
	return true
}

// Close refuses new submissions and waits for in-flight ones to finish
// committing, or for ctx to end.
func (g *Gateway) Close(ctx context.Context) error {
	g.lifecycleMu.Lock()
	g.closing = true
	g.lifecycleMu.Unlock()

	drained := make(chan struct{})
	go func() {
		g.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain ingest gateway: %w", ctx.Err())
	}
}

func (g *Gateway) count(r Result) Result {
	g.counts[r.Status].Add(1)
	return r
}

// Stats returns per-outcome counters since start.
func (g *Gateway) Stats() map[Status]int64 {
	out := make(map[Status]int64, len(g.counts))
	for status, counter := range g.counts {
		out[status] = counter.Load()
	}
	return out
}

func peekString(raw event.Raw, field string) string {
	value, ok := raw[field]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(value, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}
