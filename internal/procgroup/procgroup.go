// SPDX-License-Identifier: MIT

// Package procgroup spawns external processes into their own process group
// and guarantees the whole group is terminated and reaped.
package procgroup

import (
	"os/exec"
	"syscall"
)

// Set configures the command to start in a new process group.
// Mandatory for Kill to reach the whole group.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

// Kill sends a signal to the process group of the command.
// If the command or process is nil, or if the process has already exited,
// it returns nil.
func Kill(cmd *exec.Cmd, sig syscall.Signal) error {
	return kill(cmd, sig)
}
