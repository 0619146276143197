// SPDX-License-Identifier: MIT

package pipeline

import (
	"bufio"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/picamctl/picamctl/internal/log"
	"github.com/picamctl/picamctl/internal/metrics"
	"github.com/picamctl/picamctl/internal/procgroup"
)

// Handle is the externally visible identity of a managed process.
type Handle struct {
	Role      string    `json:"role"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Running   bool      `json:"running"`
	ExitCode  int       `json:"exit_code"` // -1 while running
}

// proc is a single supervised child. It is owned exclusively by the
// Supervisor and never escapes it.
type proc struct {
	role      string
	cmd       *exec.Cmd
	ring      *LineRing
	startedAt time.Time

	// done is closed by the reaper goroutine after it records the
	// cmd.Wait result; finished and waitErr are valid once done is closed.
	done chan struct{}

	mu       sync.Mutex
	finished bool
	waitErr  error
}

// spawn starts cmd in its own process group with stderr drained into a ring
// buffer and the exit reaped by a background goroutine. Stdin and stdout stay
// closed so the child can never block on an unread pipe.
func spawn(role string, cmd *exec.Cmd) (*proc, error) {
	procgroup.Set(cmd)

	ring := NewLineRing(128)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		metrics.IncProcSpawn(role, "error")
		return nil, fmt.Errorf("%s stderr pipe: %w", role, err)
	}

	if err := cmd.Start(); err != nil {
		metrics.IncProcSpawn(role, "error")
		return nil, fmt.Errorf("start %s: %w", role, err)
	}
	metrics.IncProcSpawn(role, "ok")

	p := &proc{
		role:      role,
		cmd:       cmd,
		ring:      ring,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}

	var ioWg sync.WaitGroup
	ioWg.Add(1)
	go func() {
		defer ioWg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			_, _ = ring.Write(scanner.Bytes())
			_, _ = ring.Write([]byte("\n"))
		}
	}()

	// Reaper: Wait must not run before the stderr pipe is drained. The
	// reaper is the sole writer of finished and waitErr; poll and terminate
	// only read the recorded result.
	go func() {
		ioWg.Wait()
		err := cmd.Wait()
		p.mu.Lock()
		p.finished = true
		p.waitErr = err
		p.mu.Unlock()
		close(p.done)
	}()

	logger := log.WithComponent("pipeline")
	logger.Info().
		Str("role", role).
		Int(log.FieldPID, cmd.Process.Pid).
		Str("command", cmd.String()).
		Msg("process started")
	return p, nil
}

// poll reports whether the process has exited, without blocking.
func (p *proc) poll() (exited bool, waitErr error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finished, p.waitErr
}

// terminate stops the process group: SIGTERM, grace wait, SIGKILL. The
// overall operation is bounded; a child that survives SIGKILL surfaces as
// ErrStopTimeout. A process that already exited terminates trivially.
func (p *proc) terminate(grace, bound time.Duration) error {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	// Forward the recorded wait result on a per-call channel so concurrent
	// pollers never race Terminate for the exit status.
	waitCh := make(chan error, 1)
	go func() {
		<-p.done
		_, err := p.poll()
		waitCh <- err
	}()

	term := make(chan error, 1)
	go func() {
		term <- procgroup.Terminate(p.cmd, waitCh, grace)
	}()

	select {
	case <-term:
		// A signal-exit after SIGTERM is the expected stop outcome, not a failure.
		return nil
	case <-time.After(bound):
		return fmt.Errorf("%w: %s", ErrStopTimeout, p.role)
	}
}

// handle returns the process identity for status reporting.
func (p *proc) handle() Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := Handle{
		Role:      p.role,
		PID:       p.cmd.Process.Pid,
		StartedAt: p.startedAt,
		Running:   !p.finished,
		ExitCode:  -1,
	}
	if p.finished {
		h.ExitCode = exitCode(p.waitErr)
	}
	return h
}

// tail returns the last lines of the process's stderr.
func (p *proc) tail(n int) []string {
	return p.ring.LastN(n)
}

func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}
