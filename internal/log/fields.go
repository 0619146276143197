// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldPID       = "pid"
	FieldExitCode  = "exit_code"
	FieldAttempt   = "attempt"

	// Media / stream fields
	FieldResolution = "resolution"
	FieldFPS        = "fps"
	FieldDevice     = "device"
	FieldSink       = "sink"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldOp       = "op"

	// Path fields
	FieldPath         = "path"
	FieldPlaylistPath = "playlist_path"
	FieldSegmentDir   = "segment_dir"
)
