// SPDX-License-Identifier: MIT

// Package camera implements the device control surface: stream lifecycle,
// still capture, crash recovery, and reboot coordination.
package camera

import "errors"

var (
	// ErrDeviceBusy indicates the camera hardware is claimed by another
	// exclusive operation (snapshot or restart).
	ErrDeviceBusy = errors.New("camera device is busy")

	// ErrInvalidState indicates the operation is not valid in the current
	// stream state.
	ErrInvalidState = errors.New("operation not valid in current state")

	// ErrCaptureTimeout indicates the still capture exceeded its deadline.
	ErrCaptureTimeout = errors.New("still capture timed out")

	// ErrCaptureFailed indicates the still capture process exited with an error.
	ErrCaptureFailed = errors.New("still capture failed")
)
