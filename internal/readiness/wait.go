package readiness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrTimeout is returned by WaitReady when the deadline passes without a
// successful check.
var ErrTimeout = errors.New("readiness timeout")

const (
	DefaultTimeout  = 30 * time.Second
	DefaultInterval = time.Second
)

// Options bound a WaitReady call.
type Options struct {
	Timeout  time.Duration
	Interval time.Duration
	// Deadline, when set, overrides Timeout so several checks can share
	// one budget.
	Deadline time.Time
	// Name labels progress lines, usually the service name.
	Name   string
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type abortError struct{ err error }

func (a abortError) Error() string { return a.err.Error() }
func (a abortError) Unwrap() error { return a.err }

// Abort marks err as permanent: a Check returning it stops WaitReady
// immediately instead of polling until the deadline.
func Abort(err error) error { return abortError{err: err} }

// WaitReady polls c once per interval until it reports ready or the timeout
// elapses. Transient failures never end the wait early; only success, an
// Abort error, the deadline, or ctx cancellation do. Each attempt runs under
// the deadline, and a success that lands after it still counts as a timeout.
func WaitReady(ctx context.Context, c Check, opts Options) error {
	opts = opts.withDefaults()
	log := opts.Logger.With("check", c.Describe())
	if opts.Name != "" {
		log = log.With("service", opts.Name)
	}
	deadline := opts.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(opts.Timeout)
	}
	budget := time.Until(deadline).Round(time.Millisecond)
	maxAttempts := int((budget + opts.Interval - 1) / opts.Interval)
	timedOut := func() error {
		return fmt.Errorf("%w: %s not ready after %s", ErrTimeout, c.Describe(), budget)
	}

	for attempt := 1; ; attempt++ {
		if !time.Now().Before(deadline) {
			return timedOut()
		}
		actx, cancel := context.WithDeadline(ctx, deadline)
		ok, err := c.Ready(actx)
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var ab abortError
		if errors.As(err, &ab) {
			return ab.err
		}
		if !time.Now().Before(deadline) {
			return timedOut()
		}
		if ok {
			log.Info("ready", "attempt", attempt)
			return nil
		}
		log.Info("waiting", "attempt", fmt.Sprintf("%d/%d", attempt, max(maxAttempts, attempt)), "reason", errString(err))

		wait := opts.Interval
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Ready is the boolean form of WaitReady.
func Ready(ctx context.Context, c Check, timeout time.Duration) bool {
	return WaitReady(ctx, c, Options{Timeout: timeout}) == nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
