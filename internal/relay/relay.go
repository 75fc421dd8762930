// Package relay forwards committed events from the hub to outbound
// subscribers. Each subscriber reads from its own hub subscription, so a
// failing endpoint only ever overruns its own queue.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"crabstack.local/projects/crab-observer/internal/event"
	"crabstack.local/projects/crab-observer/internal/hub"
	"crabstack.local/projects/crab-observer/internal/store"
	"crabstack.local/projects/crab-observer/internal/subscribers"
)

// filtered is implemented by subscribers that only want some events.
type filtered interface {
	Filter() store.Filter
}

type Relay struct {
	logger       *slog.Logger
	hub          *hub.Hub
	subscribers  []subscribers.Subscriber
	retryCount   int
	retryBackoff time.Duration
	// maxRetryAfter caps how long a receiver's Retry-After can hold the queue
	maxRetryAfter time.Duration
}

func New(logger *slog.Logger, h *hub.Hub, subs []subscribers.Subscriber) *Relay {
	return &Relay{
		logger:        logger,
		hub:           h,
		subscribers:   subs,
		retryCount:    3,
		retryBackoff:  150 * time.Millisecond,
		maxRetryAfter: 30 * time.Second,
	}
}

// Run attaches every subscriber and forwards events until ctx ends or the
// hub closes.
func (r *Relay) Run(ctx context.Context) error {
	attached := make([]*hub.Subscription, 0, len(r.subscribers))
	for _, sub := range r.subscribers {
		var filter store.Filter
		if f, ok := sub.(filtered); ok {
			filter = f.Filter()
		}
		subscription, err := r.hub.Subscribe(filter)
		if err != nil {
			for _, s := range attached {
				r.hub.Unsubscribe(s)
			}
			return err
		}
		attached = append(attached, subscription)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i, sub := range r.subscribers {
		subscription := attached[i]
		g.Go(func() error {
			defer r.hub.Unsubscribe(subscription)
			return r.forward(ctx, sub, subscription)
		})
	}
	return g.Wait()
}

func (r *Relay) forward(ctx context.Context, sub subscribers.Subscriber, subscription *hub.Subscription) error {
	for {
		d, err := subscription.Next(ctx)
		if err != nil {
			if errors.Is(err, hub.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if d.DroppedSinceLast > 0 {
			r.logger.Warn("forwarder fell behind", "subscriber", sub.Name(), "dropped", d.DroppedSinceLast)
		}
		r.dispatchOne(ctx, sub, d.Event)
	}
}

func (r *Relay) dispatchOne(ctx context.Context, sub subscribers.Subscriber, ev event.Event) {
	for attempt := 1; attempt <= r.retryCount; attempt++ {
		err := sub.Handle(ctx, ev)
		if err == nil {
			return
		}

		wait, retry := subscribers.RetryDelay(err, r.retryBackoff, r.maxRetryAfter)
		r.logger.Warn("forward failed", "subscriber", sub.Name(), "event_id", ev.ID, "sequence", ev.Sequence, "attempt", attempt, "retry", retry, "err", err)
		if !retry || attempt == r.retryCount {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
