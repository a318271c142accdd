// Copyright (C) 2026 Lantern Contributors (dev@lanternhq.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// frameValidate is the validator instance for channel frames.
// Initialized in init() with the custom byte-size validator.
var frameValidate *validator.Validate

func init() {
	frameValidate = validator.New()
	_ = frameValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces MaxMessageContentBytes on a string field.
// Checks byte length, not rune count, to bound memory for large payloads.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Pipeline Stages
// =============================================================================

// PipelineStage is the tagged stage carried by inbound stage frames.
//
// # Description
//
// The backend generation pipeline reports its progress through a small,
// closed set of stages. Handlers switch exhaustively on this type; an
// unrecognized stage is a protocol error, not a silently ignored string.
type PipelineStage string

const (
	// StageSending acknowledges that the request reached the pipeline.
	StageSending PipelineStage = "sending"

	// StageTokenReceived accompanies each incremental text fragment.
	StageTokenReceived PipelineStage = "token"

	// StageDone signals normal completion. The frame may carry the
	// server-assigned session id, message id, and a full-text fallback.
	StageDone PipelineStage = "done"

	// StageError signals a pipeline failure. The send is failed, not
	// partially succeeded.
	StageError PipelineStage = "error"

	// StageStopped signals a server-initiated or server-acknowledged
	// cancellation. Treated like a local stop for display purposes,
	// never raised as an error.
	StageStopped PipelineStage = "stopped"
)

// Valid reports whether s is a known pipeline stage.
func (s PipelineStage) Valid() bool {
	switch s {
	case StageSending, StageTokenReceived, StageDone, StageError, StageStopped:
		return true
	}
	return false
}

// =============================================================================
// Outbound Frames (client → server)
// =============================================================================

// FrameAction names the outbound frame types the client may emit.
type FrameAction string

const (
	// ActionChatNew creates a session server-side and streams into it.
	ActionChatNew FrameAction = "chat_new"

	// ActionChat streams onto an existing session.
	ActionChat FrameAction = "chat"

	// ActionStop requests server-side cancellation of the in-flight
	// generation on this connection.
	ActionStop FrameAction = "stop"
)

// ChatFrame is the outbound request to start a generation.
//
// # Description
//
// Exactly one of SessionID (ActionChat) or TempRef (ActionChatNew) is set.
// Images and Documents carry permanent URLs only; uploads are awaited before
// the frame is built. RequestID correlates log lines across client and
// server.
//
// # Validation
//
//   - Content: required, max 32KB (byte length)
//   - Images: each entry must be a URL
type ChatFrame struct {
	Action    FrameAction   `json:"action" validate:"required"`
	RequestID string        `json:"request_id" validate:"required,uuid4"`
	SessionID string        `json:"session_id,omitempty"`
	TempRef   string        `json:"temp_ref,omitempty"`
	Content   string        `json:"content" validate:"required,maxbytes"`
	Images    []string      `json:"images,omitempty" validate:"omitempty,dive,url"`
	Documents []DocumentRef `json:"documents,omitempty"`
	CreatedAt int64         `json:"created_at"`
}

// Validate checks the frame against its validation tags.
func (f *ChatFrame) Validate() error {
	return frameValidate.Struct(f)
}

// StopFrame is the outbound cancellation request.
type StopFrame struct {
	Action    FrameAction `json:"action"`
	SessionID string      `json:"session_id,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// =============================================================================
// Inbound Frames (server → client)
// =============================================================================

// ServerFrame is the envelope for every inbound channel message.
//
// # Description
//
// The channel guarantees in-order delivery per connection, so token frames
// for a message id are applied in arrival order with no client-side
// reordering. RequestID echoes the originating ChatFrame's request id; a
// stream can keep emitting frames after a stop request until the server
// acknowledges it, and the echo is what lets receivers tell a residual frame
// of a stopped stream apart from the current one. Fields are populated per
// stage:
//
//   - StageSending: MessageID (server echo of the assistant placeholder).
//   - StageTokenReceived: MessageID + Content fragment.
//   - StageDone: optional SessionID, MessageID, Title and FullText fallback
//     (used when the client buffer may be incomplete, e.g. after a
//     reconnect mid-stream).
//   - StageError: Error.
//   - StageStopped: no payload.
//
// A ready frame (Ready=true, UserID set) is sent once after the connection
// is associated with an authenticated user; sends before it are rejected.
type ServerFrame struct {
	Stage     PipelineStage `json:"stage,omitempty"`
	Ready     bool          `json:"ready,omitempty"`
	UserID    string        `json:"user_id,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
	MessageID string        `json:"message_id,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Content   string        `json:"content,omitempty"`
	FullText  string        `json:"full_text,omitempty"`
	Title     string        `json:"title,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp int64         `json:"timestamp,omitempty"`
}

// At returns the frame timestamp, falling back to now for frames without one.
func (f *ServerFrame) At() time.Time {
	if f.Timestamp == 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(f.Timestamp).UTC()
}
