// SPDX-License-Identifier: MIT

package pipeline

import "errors"

var (
	// ErrResourceBusy means the sink address is already bound by another process.
	ErrResourceBusy = errors.New("sink address already in use")

	// ErrStartupTimeout means the pipeline did not produce a playlist within the startup timeout.
	ErrStartupTimeout = errors.New("pipeline startup timed out")

	// ErrStopTimeout means a child survived SIGKILL within the stop window.
	ErrStopTimeout = errors.New("pipeline stop timed out")

	// ErrProcessCrashed means a managed child exited unexpectedly.
	ErrProcessCrashed = errors.New("pipeline process exited unexpectedly")

	// ErrAlreadyRunning means start was attempted on a running pipeline.
	ErrAlreadyRunning = errors.New("pipeline already running")
)
