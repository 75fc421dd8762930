package subscribers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crabstack.local/projects/crab-observer/internal/event"
)

type Subscriber interface {
	Name() string
	Handle(context.Context, event.Event) error
}

// DeliveryError is a delivery the receiving end answered with a failure.
type DeliveryError struct {
	Status int
	Body   string
	// Permanent failures are not worth retrying, e.g. a 404 or 400.
	Permanent bool
	// RetryAfter is the wait the receiver asked for, zero when it gave none.
	RetryAfter time.Duration
}

func (e *DeliveryError) Error() string {
	msg := fmt.Sprintf("delivery status=%d", e.Status)
	if e.Body != "" {
		msg += fmt.Sprintf(" body=%q", e.Body)
	}
	if e.RetryAfter > 0 {
		msg += " retry_after=" + e.RetryAfter.String()
	}
	return msg
}

// RetryDelay reports whether err is worth another attempt and how long to
// wait first: the receiver's Retry-After when it is longer than backoff,
// capped at maxWait.
func RetryDelay(err error, backoff, maxWait time.Duration) (time.Duration, bool) {
	var derr *DeliveryError
	if !errors.As(err, &derr) {
		return backoff, true
	}
	if derr.Permanent {
		return 0, false
	}
	wait := max(backoff, derr.RetryAfter)
	if maxWait > 0 && wait > maxWait {
		wait = maxWait
	}
	return wait, true
}
