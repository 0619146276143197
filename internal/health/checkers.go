// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/picamctl/picamctl/internal/fsm"
)

// StateFunc reports the current stream state.
type StateFunc func() fsm.State

// PipelineChecker reports the stream state machine's condition. A crashed
// pipeline sitting in Error is degraded rather than unhealthy: the daemon
// still serves control requests and a manual recover clears it.
type PipelineChecker struct {
	state StateFunc
}

// NewPipelineChecker creates a checker backed by the state machine.
func NewPipelineChecker(state StateFunc) *PipelineChecker {
	return &PipelineChecker{state: state}
}

func (c *PipelineChecker) Name() string { return "pipeline" }

func (c *PipelineChecker) Check(context.Context) CheckResult {
	state := c.state()
	switch state {
	case fsm.Error:
		return CheckResult{
			Status:  StatusDegraded,
			Message: "pipeline in error state, manual recover required",
		}
	case fsm.Rebooting:
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "device is rebooting",
		}
	default:
		return CheckResult{
			Status:  StatusHealthy,
			Message: string(state),
		}
	}
}

// DirChecker verifies a directory exists and is writable.
type DirChecker struct {
	name string
	path string
}

// NewDirChecker creates a checker for a writable directory.
func NewDirChecker(name, path string) *DirChecker {
	return &DirChecker{name: name, path: path}
}

func (c *DirChecker) Name() string { return c.name }

func (c *DirChecker) Check(context.Context) CheckResult {
	info, err := os.Stat(c.path)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	if !info.IsDir() {
		return CheckResult{Status: StatusUnhealthy, Error: fmt.Sprintf("%s is not a directory", c.path)}
	}

	probe := filepath.Join(c.path, ".health-probe")
	if err := os.WriteFile(probe, nil, 0o600); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: fmt.Sprintf("not writable: %v", err)}
	}
	_ = os.Remove(probe)

	return CheckResult{Status: StatusHealthy, Message: "writable"}
}

// BinaryChecker verifies an external binary is resolvable on PATH. A missing
// camera binary is degraded, not unhealthy: the control surface still works
// and the failure surfaces on the first start attempt.
type BinaryChecker struct {
	name string
	bin  string
	look func(string) (string, error)
}

// NewBinaryChecker creates a checker for an external binary.
func NewBinaryChecker(name, bin string, look func(string) (string, error)) *BinaryChecker {
	return &BinaryChecker{name: name, bin: bin, look: look}
}

func (c *BinaryChecker) Name() string { return c.name }

func (c *BinaryChecker) Check(context.Context) CheckResult {
	if _, err := c.look(c.bin); err != nil {
		return CheckResult{
			Status:  StatusDegraded,
			Error:   err.Error(),
			Message: c.bin,
		}
	}
	return CheckResult{Status: StatusHealthy, Message: c.bin}
}
