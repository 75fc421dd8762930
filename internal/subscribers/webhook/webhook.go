package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crabstack.local/projects/crab-observer/internal/event"
	"crabstack.local/projects/crab-observer/internal/store"
	"crabstack.local/projects/crab-observer/internal/subscribers"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	// only the head of an error body is kept; it ends up in logs
	maxErrorBodyBytes = 4 << 10
	userAgent         = "crab-observer-webhook"
)

type Option func(*WebhookSubscriber)

// WebhookSubscriber POSTs each committed event as canonical JSON. Failures
// come back as *subscribers.DeliveryError so the relay can tell a receiver
// that is down from one that will never accept the event.
type WebhookSubscriber struct {
	name   string
	url    string
	client *http.Client
	logger *slog.Logger
	filter store.Filter
	now    func() time.Time
}

func New(name string, url string, logger *slog.Logger, opts ...Option) *WebhookSubscriber {
	sub := &WebhookSubscriber{
		name:   strings.TrimSpace(name),
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: defaultHTTPTimeout},
		logger: logger,
		now:    time.Now,
	}
	if sub.name == "" {
		sub.name = "webhook"
	}
	if sub.logger == nil {
		sub.logger = slog.Default()
	}
	for _, opt := range opts {
		if opt != nil {
			opt(sub)
		}
	}
	return sub
}

func WithHTTPClient(client *http.Client) Option {
	return func(s *WebhookSubscriber) {
		if client != nil {
			s.client = client
		}
	}
}

// WithEventFilter limits forwarding to matching events. The relay subscribes
// with it, so filtered events never reach this subscriber's queue.
func WithEventFilter(filter store.Filter) Option {
	return func(s *WebhookSubscriber) {
		s.filter = filter
	}
}

func (s *WebhookSubscriber) Name() string {
	return s.name
}

func (s *WebhookSubscriber) Filter() store.Filter {
	return s.filter
}

func (s *WebhookSubscriber) Handle(ctx context.Context, ev event.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Observer-Event-Id", ev.ID)
	req.Header.Set("X-Observer-Sequence", strconv.FormatInt(ev.Sequence, 10))
	req.Header.Set("X-Observer-Platform", ev.Platform)
	req.Header.Set("X-Observer-Event-Type", ev.EventType)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
		s.logger.Debug("webhook delivered", "subscriber", s.name, "event_id", ev.ID, "status", resp.StatusCode)
		return nil
	}

	head, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return &subscribers.DeliveryError{
		Status:     resp.StatusCode,
		Body:       strings.TrimSpace(string(head)),
		Permanent:  permanentStatus(resp.StatusCode),
		RetryAfter: retryAfter(resp.Header.Get("Retry-After"), s.now()),
	}
}

// permanentStatus is true for client errors other than the ones that ask
// the caller to come back later.
func permanentStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return false
	}
	return code >= 400 && code < 500
}

// retryAfter accepts delay-seconds or an HTTP date.
func retryAfter(raw string, now time.Time) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	at, err := http.ParseTime(raw)
	if err != nil || !at.After(now) {
		return 0
	}
	return at.Sub(now)
}
