package process

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loykin/itharness/internal/metrics"
)

// Handle is a running (or finished) instance of a Spec. It is owned by the
// Supervisor that started it; callers hold references for readiness probing,
// state marking and output inspection.
type Handle struct {
	spec Spec
	log  *slog.Logger

	mu        sync.Mutex
	state     State
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	exitErr   error

	out        *tailBuffer
	outR       *os.File
	closers    []io.Closer
	echo       *prefixWriter
	done       chan struct{} // closed by the waiter goroutine after cmd.Wait
	readerDone chan struct{} // closed when the output reader drains

	stopOnce sync.Once
	stopErr  error
}

func newHandle(spec Spec, log *slog.Logger, bufSize int) *Handle {
	return &Handle{
		spec:       spec,
		log:        log.With("service", spec.Name),
		state:      StateStarting,
		out:        newTailBuffer(bufSize),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
}

func (h *Handle) Name() string { return h.spec.Name }

// Spec returns a copy of the spec the handle was started from.
func (h *Handle) Spec() Spec { return h.spec }

func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) StartedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startedAt
}

// Output returns the captured combined stdout/stderr (bounded tail).
func (h *Handle) Output() string { return h.out.String() }

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether the process has been reaped.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the cmd.Wait result once the process exited.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

func (h *Handle) MarkReady() error   { return h.transition(StateReady) }
func (h *Handle) MarkRunning() error { return h.transition(StateRunning) }
func (h *Handle) MarkFailed() error  { return h.transition(StateFailed) }

func (h *Handle) transition(next State) error {
	h.mu.Lock()
	from := h.state
	if !from.CanTransitionTo(next) {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, h.spec.Name, from, next)
	}
	h.state = next
	h.mu.Unlock()

	metrics.RecordStateTransition(h.spec.Name, from.String(), next.String())
	metrics.SetCurrentState(h.spec.Name, from.String(), false)
	metrics.SetCurrentState(h.spec.Name, next.String(), true)
	h.log.Debug("State transition", "from", from, "to", next)
	return nil
}

// WaitForOutput blocks until substr appears in the combined output, the
// process exits, timeout elapses or ctx is cancelled.
func (h *Handle) WaitForOutput(ctx context.Context, substr string, timeout time.Duration) error {
	seen := h.out.watch(substr)
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-seen:
		return nil
	case <-h.done:
		// The reader may still hold the last bytes written before exit.
		select {
		case <-h.readerDone:
		case <-time.After(100 * time.Millisecond):
		}
		select {
		case <-seen:
			return nil
		default:
		}
		return fmt.Errorf("%w: %s exited before printing %q: %v", ErrExitedEarly, h.spec.Name, substr, h.ExitErr())
	case <-timer.C:
		return fmt.Errorf("%w: %s did not print %q within %s", ErrOutputTimeout, h.spec.Name, substr, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closeOutput stops the reader (waiting briefly for it to drain) and closes
// the file writers. Safe to call once the process has exited.
func (h *Handle) closeOutput(drain time.Duration) {
	select {
	case <-h.readerDone:
	case <-time.After(drain):
		// A grandchild may still hold the write end; force the reader out.
		if h.outR != nil {
			_ = h.outR.Close()
		}
		<-h.readerDone
	}
	if h.echo != nil {
		h.echo.Flush()
	}
	for _, c := range h.closers {
		_ = c.Close()
	}
	h.closers = nil
}
