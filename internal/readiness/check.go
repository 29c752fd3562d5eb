package readiness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Check decides whether a dependency is ready to accept requests.
// A (false, err) result means "not yet ready"; err only explains why.
// Implementations must be safe for concurrent use.
type Check interface {
	Ready(ctx context.Context) (bool, error)
	// Describe returns a human-readable description of the check.
	Describe() string
}

const (
	DefaultDialTimeout    = time.Second
	DefaultRequestTimeout = 5 * time.Second

	commandWaitDelay = 500 * time.Millisecond
)

// PortCheck is ready once a TCP connection to Host:Port succeeds.
type PortCheck struct {
	Host        string
	Port        int
	DialTimeout time.Duration
}

func (p PortCheck) addr() string {
	host := p.Host
	if host == "" {
		host = "localhost"
	}
	return net.JoinHostPort(host, strconv.Itoa(p.Port))
}

func (p PortCheck) Ready(ctx context.Context) (bool, error) {
	timeout := p.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", p.addr())
	if err != nil {
		return false, err
	}
	_ = conn.Close()
	return true, nil
}

func (p PortCheck) Describe() string { return "tcp:" + p.addr() }

// HTTPCheck is ready once a GET on URL answers with ExpectStatus, or with
// any 2xx status when ExpectStatus is zero.
type HTTPCheck struct {
	URL          string
	ExpectStatus int
	Client       *http.Client
}

func (h HTTPCheck) Ready(ctx context.Context) (bool, error) {
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultRequestTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return false, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if h.ExpectStatus != 0 {
		if resp.StatusCode == h.ExpectStatus {
			return true, nil
		}
		return false, fmt.Errorf("status %d, want %d", resp.StatusCode, h.ExpectStatus)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, nil
	}
	return false, fmt.Errorf("status %d", resp.StatusCode)
}

func (h HTTPCheck) Describe() string { return "http:" + h.URL }

// CommandCheck runs a command that exits 0 once the dependency is ready.
type CommandCheck struct{ Command string }

func (c CommandCheck) Ready(ctx context.Context) (bool, error) {
	cmd := buildShellAwareCommand(ctx, c.Command)
	cmd.WaitDelay = commandWaitDelay
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return false, fmt.Errorf("exit code %d", ee.ExitCode())
	}
	return false, err
}

func (c CommandCheck) Describe() string { return "cmd:" + c.Command }

// buildShellAwareCommand avoids a shell unless metacharacters are present.
func buildShellAwareCommand(ctx context.Context, cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		// #nosec G204
		return exec.CommandContext(ctx, "/bin/true")
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.CommandContext(ctx, "/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.CommandContext(ctx, parts[0], parts[1:]...)
}
