// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldCorrelationID = "correlation_id"
	FieldRequestID     = "request_id"
	FieldJobID         = "job_id"

	// Domain fields
	FieldStreamerName = "streamer_name"
	FieldRoomID       = "room_id"
	FieldSessionID    = "session_id"
	FieldFilename     = "filename"
	FieldBVID         = "bvid"
	FieldComponent    = "component"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
)
