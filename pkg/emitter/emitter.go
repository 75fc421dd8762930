// Package emitter is the adapter-side client. A Translator maps a
// platform's native hook payload to a canonical submission and the Emitter
// batches submissions to the observer's batch endpoint.
package emitter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"crabstack.local/projects/crab-observer/internal/event"
)

const (
	ProtocolHTTP   = "http"
	ProtocolStream = "stream"

	batchPath           = "/v1/events/batch"
	defaultBatchSize    = 100
	defaultFlush        = time.Second
	defaultRetries      = 3
	defaultTimeout      = 5 * time.Second
	defaultRetryBackoff = 150 * time.Millisecond
	maxErrorBodyBytes   = 1 << 20
)

// Submission is the canonical wire shape before the server assigns id
// defaults, sequence and ingested_at.
type Submission = event.Submission

type Translator interface {
	Translate(native any) (Submission, error)
}

type TranslatorFunc func(native any) (Submission, error)

func (f TranslatorFunc) Translate(native any) (Submission, error) {
	return f(native)
}

type Config struct {
	ServerURL     string
	Protocol      string
	BatchSize     int
	FlushInterval time.Duration
	RetryAttempts int
	Timeout       time.Duration
	// MaxBuffered bounds memory when the server is unreachable; the oldest
	// submissions are dropped first. Defaults to ten batches.
	MaxBuffered int
}

// ItemResult mirrors one entry of the batch response.
type ItemResult struct {
	OK       bool   `json:"ok"`
	Status   string `json:"status"`
	ID       string `json:"id,omitempty"`
	Sequence int64  `json:"sequence,omitempty"`
	Error    *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

var ErrStatus = errors.New("observer rejected batch")

type Option func(*Emitter)

func WithHTTPClient(client *http.Client) Option {
	return func(e *Emitter) {
		if client != nil {
			e.httpClient = client
		}
	}
}

func WithRetryBackoff(d time.Duration) Option {
	return func(e *Emitter) {
		if d > 0 {
			e.retryBackoff = d
		}
	}
}

type Emitter struct {
	cfg          Config
	endpoint     string
	translator   Translator
	httpClient   *http.Client
	logger       *slog.Logger
	retryBackoff time.Duration

	mu      sync.Mutex
	buf     []Submission
	dropped int
	full    chan struct{}

	flushMu sync.Mutex
}

func New(cfg Config, translator Translator, logger *slog.Logger, opts ...Option) *Emitter {
	if cfg.Protocol == "" {
		cfg.Protocol = ProtocolHTTP
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlush
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = defaultRetries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBuffered < cfg.BatchSize {
		cfg.MaxBuffered = cfg.BatchSize * 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Emitter{
		cfg:          cfg,
		endpoint:     batchEndpoint(cfg.ServerURL),
		translator:   translator,
		httpClient:   &http.Client{},
		logger:       logger,
		retryBackoff: defaultRetryBackoff,
		full:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Emit translates a native payload and buffers it.
func (e *Emitter) Emit(native any) error {
	if e.translator == nil {
		return errors.New("emitter has no translator")
	}
	sub, err := e.translator.Translate(native)
	if err != nil {
		return fmt.Errorf("translate: %w", err)
	}
	e.Enqueue(sub)
	return nil
}

// Enqueue buffers an already canonical submission. It never blocks on the
// network; reaching BatchSize wakes Run.
func (e *Emitter) Enqueue(sub Submission) {
	e.mu.Lock()
	if len(e.buf) >= e.cfg.MaxBuffered {
		e.buf = e.buf[1:]
		e.dropped++
	}
	e.buf = append(e.buf, sub)
	ready := len(e.buf) >= e.cfg.BatchSize
	e.mu.Unlock()

	if ready {
		select {
		case e.full <- struct{}{}:
		default:
		}
	}
}

func (e *Emitter) Buffered() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buf)
}

// Dropped counts submissions discarded because the buffer was full.
func (e *Emitter) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Run flushes on every interval tick and whenever a batch fills up. When
// ctx ends it makes one last flush bounded by the request timeout.
func (e *Emitter) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), e.cfg.Timeout)
			defer cancel()
			_, err := e.Flush(final)
			return err
		case <-ticker.C:
		case <-e.full:
		}
		if _, err := e.Flush(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("emitter flush failed", "err", err)
		}
	}
}

// Flush sends everything buffered, one batch at a time. A batch that still
// fails after all retries is dropped and its error returned.
func (e *Emitter) Flush(ctx context.Context) ([]ItemResult, error) {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	var (
		all  []ItemResult
		errs []error
	)
	for {
		batch := e.take()
		if len(batch) == 0 {
			return all, errors.Join(errs...)
		}
		results, err := e.send(ctx, batch)
		if err != nil {
			e.logger.Warn("dropping batch", "events", len(batch), "err", err)
			errs = append(errs, err)
			if ctx.Err() != nil {
				return all, errors.Join(errs...)
			}
			continue
		}
		for _, r := range results {
			if !r.OK && r.Error != nil {
				e.logger.Debug("event not stored", "status", r.Status, "code", r.Error.Code, "message", r.Error.Message)
			}
		}
		all = append(all, results...)
	}
}

func (e *Emitter) take() []Submission {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := min(len(e.buf), e.cfg.BatchSize)
	if n == 0 {
		return nil
	}
	batch := make([]Submission, n)
	copy(batch, e.buf[:n])
	e.buf = e.buf[n:]
	return batch
}

func (e *Emitter) send(ctx context.Context, batch []Submission) ([]ItemResult, error) {
	body, contentType, err := e.encode(batch)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for attempt := 1; attempt <= e.cfg.RetryAttempts; attempt++ {
		results, retry, err := e.post(ctx, body, contentType)
		if err == nil {
			return results, nil
		}
		lastErr = err
		if !retry || attempt == e.cfg.RetryAttempts {
			break
		}
		e.logger.Debug("batch retry", "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.retryBackoff * time.Duration(attempt)):
		}
	}
	return nil, lastErr
}

func (e *Emitter) encode(batch []Submission) ([]byte, string, error) {
	if e.cfg.Protocol != ProtocolStream {
		body, err := json.Marshal(batch)
		if err != nil {
			return nil, "", fmt.Errorf("marshal batch: %w", err)
		}
		return body, "application/json", nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, sub := range batch {
		if err := enc.Encode(sub); err != nil {
			return nil, "", fmt.Errorf("marshal batch: %w", err)
		}
	}
	return buf.Bytes(), "application/x-ndjson", nil
}

// post makes one attempt. retry reports whether the failure is transient.
func (e *Emitter) post(ctx context.Context, body []byte, contentType string) ([]ItemResult, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("build batch request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("post batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		var results []ItemResult
		if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
			return nil, false, fmt.Errorf("decode batch response: %w", err)
		}
		return results, false, nil
	}

	errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	retry := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError
	return nil, retry, fmt.Errorf("%w: status=%d body=%q", ErrStatus, resp.StatusCode, strings.TrimSpace(string(errorBody)))
}

func batchEndpoint(serverURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(serverURL))
	if err != nil {
		return strings.TrimRight(strings.TrimSpace(serverURL), "/") + batchPath
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.Path = strings.TrimRight(strings.TrimSpace(parsed.Path), "/") + batchPath
	return parsed.String()
}
