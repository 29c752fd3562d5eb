package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/itharness/internal/env"
	"github.com/loykin/itharness/internal/metrics"
)

const (
	// reapWindow bounds the wait for the kernel to reap a SIGKILLed group.
	reapWindow = 2 * time.Second
	// drainWindow bounds the wait for the output reader after exit.
	drainWindow = 500 * time.Millisecond
)

// Options configures a Supervisor.
type Options struct {
	Logger     *slog.Logger
	Env        *env.Env  // environment composed for every service; nil = OS environment
	Echo       io.Writer // when set, service output is mirrored here as "[name] line"
	BufferSize int       // captured output bound per service (default 1 MiB)
}

// Supervisor launches service processes, tracks their handles in start
// order and guarantees they can be torn down.
type Supervisor struct {
	opts   Options
	log    *slog.Logger
	echoMu sync.Mutex

	mu      sync.Mutex
	handles []*Handle
}

func NewSupervisor(opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Env == nil {
		opts.Env = env.New()
	}
	return &Supervisor{opts: opts, log: opts.Logger}
}

// Handles returns the launched handles in start order.
func (s *Supervisor) Handles() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Handle, len(s.handles))
	copy(out, s.handles)
	return out
}

// Start launches spec. It returns once the process is running, or, when
// WaitForOutput is set, once the substring appeared. A non-nil handle is
// returned alongside most errors so callers can surface the captured output;
// launched handles are always tracked and must be stopped.
func (s *Supervisor) Start(ctx context.Context, spec Spec) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	h := newHandle(spec, s.log, s.opts.BufferSize)

	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	cmd.Env = s.opts.Env.Merge(spec.Env)
	configureSysProcAttr(cmd)

	pr, pw, err := os.Pipe()
	if err != nil {
		_ = h.MarkFailed()
		return h, fmt.Errorf("%w: %s: output pipe: %v", ErrStartFailed, spec.Name, err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	writers := []io.Writer{h.out}
	fw, err := spec.Log.OutputWriter(spec.Name)
	if err != nil {
		s.log.Warn("Service output log unavailable", "service", spec.Name, "error", err)
	} else if fw != nil {
		writers = append(writers, fw)
		h.closers = append(h.closers, fw)
	}
	if s.opts.Echo != nil {
		h.echo = newPrefixWriter(&s.echoMu, s.opts.Echo, spec.Name)
		writers = append(writers, h.echo)
	}

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		for _, c := range h.closers {
			_ = c.Close()
		}
		_ = h.MarkFailed()
		close(h.readerDone)
		close(h.done)
		return h, fmt.Errorf("%w: %s: %v", ErrStartFailed, spec.Name, err)
	}
	// The child holds its own copy of the write end.
	_ = pw.Close()

	h.mu.Lock()
	h.cmd = cmd
	h.pid = cmd.Process.Pid
	h.startedAt = time.Now()
	h.outR = pr
	h.mu.Unlock()

	go func() {
		_, _ = io.Copy(io.MultiWriter(writers...), pr)
		_ = pr.Close()
		close(h.readerDone)
	}()
	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		h.exitErr = err
		h.mu.Unlock()
		close(h.done)
	}()

	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.mu.Unlock()
	metrics.IncStart(spec.Name)
	h.log.Info("Service started", "pid", h.pid, "command", spec.Command)

	if spec.WaitForOutput != "" {
		if err := h.WaitForOutput(ctx, spec.WaitForOutput, spec.readyTimeout()); err != nil {
			_ = h.MarkFailed()
			return h, err
		}
	}
	if err := s.enforceStartupGrace(ctx, h); err != nil {
		_ = h.MarkFailed()
		return h, err
	}
	return h, nil
}

// enforceStartupGrace waits StartupGrace and fails if the process died within it.
func (s *Supervisor) enforceStartupGrace(ctx context.Context, h *Handle) error {
	d := h.spec.StartupGrace
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-h.done:
		return fmt.Errorf("%w: %s exited within %s startup grace: %v", ErrExitedEarly, h.spec.Name, d, h.ExitErr())
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsAlive reports whether the handle's process exists and is not a zombie.
func (s *Supervisor) IsAlive(h *Handle) bool {
	if h == nil || h.PID() == 0 || h.Exited() {
		return false
	}
	return processExists(h.PID())
}

// Stop terminates the handle's process group: SIGTERM, then SIGKILL after the
// stop grace period. It is idempotent; repeated calls return the first result.
func (s *Supervisor) Stop(h *Handle) error {
	if h == nil {
		return nil
	}
	h.stopOnce.Do(func() { h.stopErr = s.stop(h) })
	return h.stopErr
}

func (s *Supervisor) stop(h *Handle) error {
	if h.State() == StateStopped {
		return nil
	}
	pid := h.PID()
	if pid == 0 {
		// Never launched; nothing to signal.
		if h.State() != StateFailed {
			_ = h.MarkFailed()
		}
		return h.transition(StateStopped)
	}
	_ = h.transition(StateStopping)

	var stopErr error
	if !h.Exited() {
		grace := h.spec.stopGrace()
		if err := signalGroup(pid, syscall.SIGTERM); err != nil && !isNoSuchProcess(err) {
			h.log.Warn("SIGTERM failed, escalating", "pid", pid, "error", err)
			grace = 0
		}
		timer := time.NewTimer(grace)
		select {
		case <-h.done:
			timer.Stop()
		case <-timer.C:
			h.log.Warn("Service ignored SIGTERM, sending SIGKILL", "pid", pid, "grace", grace)
			metrics.IncForcedKill(h.spec.Name)
			if err := signalGroup(pid, syscall.SIGKILL); err != nil && !isNoSuchProcess(err) {
				stopErr = fmt.Errorf("%w: %s: SIGKILL pid %d: %v", ErrCleanup, h.spec.Name, pid, err)
			}
			select {
			case <-h.done:
			case <-time.After(reapWindow):
				stopErr = errors.Join(stopErr, fmt.Errorf("%w: %s (pid %d) still running after SIGKILL", ErrCleanup, h.spec.Name, pid))
			}
		}
	}
	// Sweep anything left in the group after the leader exited.
	_ = signalGroup(pid, syscall.SIGKILL)

	if !h.Exited() {
		return stopErr
	}
	h.closeOutput(drainWindow)
	metrics.IncStop(h.spec.Name)
	h.log.Info("Service stopped", "pid", pid, "exit", h.ExitErr())
	if err := h.transition(StateStopped); err != nil {
		stopErr = errors.Join(stopErr, err)
	}
	return stopErr
}

// StopAll stops every tracked handle in reverse start order and joins the errors.
func (s *Supervisor) StopAll() error {
	hs := s.Handles()
	var errs []error
	for i := len(hs) - 1; i >= 0; i-- {
		if err := s.Stop(hs[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
