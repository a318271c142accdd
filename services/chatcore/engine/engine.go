// Copyright (C) 2026 Lantern Contributors (dev@lanternhq.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine orchestrates streaming chat sends.
//
// # Description
//
// The engine owns the send pipeline: optimistic store updates, attachment
// staging, frame dispatch, token routing, cancellation, and the final
// reconciliation against the session API. It is the only writer of in-flight
// state; renderers read through the session store and the token accumulator.
//
// # Architecture
//
//	Send → uploads.Uploader → store (optimistic) → channel.StreamChannel
//	                                                      ↓ frames
//	HandleFrame → accumulator → [done] → sessionapi → store (canonical)
//	      ↑
//	   Stop (any goroutine)
//
// Frames arrive serialized from the channel's read pump. Stop may be called
// from any goroutine; the engine mutex serializes it against frame handling,
// so every state transition observes a consistent in-flight record.
//
// # Limitations
//
//   - One send may be in flight at a time. A second Send while one is
//     active fails with ErrSendInFlight rather than queueing.
//   - Store listeners must not call back into the engine synchronously.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lanternhq/lantern/services/chatcore/accumulator"
	"github.com/lanternhq/lantern/services/chatcore/channel"
	"github.com/lanternhq/lantern/services/chatcore/datatypes"
	"github.com/lanternhq/lantern/services/chatcore/observability"
	"github.com/lanternhq/lantern/services/chatcore/sessionapi"
	"github.com/lanternhq/lantern/services/chatcore/store"
	"github.com/lanternhq/lantern/services/chatcore/uploads"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrSendInFlight is returned when a send is attempted while another
	// generation is active.
	ErrSendInFlight = errors.New("engine: a send is already in flight")

	// ErrNoChannel is returned when no stream channel is attached.
	ErrNoChannel = errors.New("engine: no stream channel attached")

	// ErrNoActiveConversation is returned by edit operations when the
	// store holds no active conversation.
	ErrNoActiveConversation = errors.New("engine: no active conversation")

	// ErrMessageNotFound is returned when an edit targets an id the
	// active conversation does not contain.
	ErrMessageNotFound = errors.New("engine: message not found")

	// ErrNotUserMessage is returned when an edit targets an assistant
	// message.
	ErrNotUserMessage = errors.New("engine: only user messages can be edited")
)

// =============================================================================
// TYPES
// =============================================================================

// Phase is the position of the current send in its lifecycle.
type Phase int

const (
	// PhaseIdle means no send is in flight.
	PhaseIdle Phase = iota

	// PhaseSending means optimistic state is installed and the frame has
	// been (or is being) dispatched.
	PhaseSending

	// PhaseStreaming means at least one server frame for this send has
	// arrived.
	PhaseStreaming

	// PhaseStopping means a stop was issued and convergence is underway.
	PhaseStopping

	// PhaseCompleting means the done frame arrived and reconciliation
	// against the session API is in progress.
	PhaseCompleting
)

// String implements fmt.Stringer.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSending:
		return "sending"
	case PhaseStreaming:
		return "streaming"
	case PhaseStopping:
		return "stopping"
	case PhaseCompleting:
		return "completing"
	default:
		return "unknown"
	}
}

// Result is the terminal outcome of one send, delivered exactly once on the
// channel returned by Send or EditAndResend.
type Result struct {
	Outcome   observability.Outcome
	SessionID string
	Text      string
	Err       error
}

// SendRequest describes one outbound user message.
type SendRequest struct {
	// ConversationKey selects the target conversation by store key.
	// Empty starts a new conversation.
	ConversationKey string

	// Content is the user's message text.
	Content string

	// Files are attachments staged before dispatch.
	Files []uploads.File
}

// inFlight is the explicit state record for the single active send.
type inFlight struct {
	convKey        string
	userMsgID      string
	assistantMsgID string
	requestID      string
	phase          Phase
	stopIssued     bool
	startedAt      time.Time
	sawFirstToken  bool

	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span

	result    chan Result
	delivered bool
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds engine construction parameters.
type Config struct {
	Store    *store.SessionStore
	API      sessionapi.SessionAPI
	Uploader uploads.Uploader

	// Accumulator is optional; nil creates a plain one.
	Accumulator *accumulator.Accumulator

	// Metrics is optional; nil disables metric recording.
	Metrics *observability.ChatMetrics

	// Logger receives pipeline events. Nil uses slog.Default.
	Logger *slog.Logger
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine coordinates the streaming send pipeline.
type Engine struct {
	mu sync.Mutex

	store    *store.SessionStore
	api      sessionapi.SessionAPI
	uploader uploads.Uploader
	acc      *accumulator.Accumulator
	metrics  *observability.ChatMetrics
	logger   *slog.Logger
	tracer   trace.Tracer

	channel channel.StreamChannel

	cur *inFlight

	// pendingStopAck marks that a server stop acknowledgement is expected
	// for an already locally-converged stop.
	pendingStopAck bool
}

// New creates an Engine. Attach a channel before sending.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if cfg.API == nil {
		return nil, fmt.Errorf("engine: session api is required")
	}
	acc := cfg.Accumulator
	if acc == nil {
		acc = accumulator.New(accumulator.Options{})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    cfg.Store,
		api:      cfg.API,
		uploader: cfg.Uploader,
		acc:      acc,
		metrics:  cfg.Metrics,
		logger:   logger,
		tracer:   otel.Tracer("lantern/chatcore/engine"),
	}, nil
}

// Attach wires the stream channel. The channel must have been dialed with
// the engine's HandleFrame as its handler.
func (e *Engine) Attach(ch channel.StreamChannel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.channel = ch
}

// Accumulator exposes the token accumulator for renderers that display live
// partial text.
func (e *Engine) Accumulator() *accumulator.Accumulator {
	return e.acc
}

// InFlight reports the current phase and in-flight assistant message id.
// PhaseIdle with an empty id means nothing is streaming.
func (e *Engine) InFlight() (Phase, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil {
		return PhaseIdle, ""
	}
	return e.cur.phase, e.cur.assistantMsgID
}

// Send runs one user message through the full pipeline.
//
// # Description
//
// Stages attachments, installs the optimistic user message and assistant
// placeholder, waits for channel readiness, and dispatches the chat frame.
// The returned channel delivers exactly one Result when the send reaches a
// terminal state (reconciled, stopped, or failed).
//
// # Inputs
//
//   - ctx: bounds staging and dispatch. Cancellation after dispatch does
//     not abort the stream; use Stop for that.
//   - req: conversation key, content, and attachments.
//
// # Outputs
//
//   - <-chan Result: buffered; safe to abandon.
//   - error: non-nil when the send never started. ErrSendInFlight when
//     another generation is active; upload and dispatch failures leave no
//     optimistic messages behind.
func (e *Engine) Send(ctx context.Context, req SendRequest) (<-chan Result, error) {
	if req.Content == "" {
		return nil, fmt.Errorf("engine: message content must not be empty")
	}
	if len(req.Content) > datatypes.MaxMessageContentBytes {
		return nil, fmt.Errorf("engine: message content exceeds %d bytes", datatypes.MaxMessageContentBytes)
	}

	fl, base, err := e.reserve(ctx, req.ConversationKey)
	if err != nil {
		return nil, err
	}

	// Attachments are staged before anything becomes visible, so an
	// upload failure aborts the send without a dangling optimistic
	// message. Staging is bounded by the caller's ctx; only the stream
	// itself outlives it.
	var batch uploads.Batch
	if len(req.Files) > 0 {
		if e.uploader == nil {
			e.release(fl)
			return nil, fmt.Errorf("engine: attachments given but no uploader configured")
		}
		batch, err = e.uploader.UploadAll(ctx, req.Files)
		if err != nil {
			e.release(fl)
			return nil, fmt.Errorf("engine: staging attachments: %w", err)
		}
	}

	if err := e.dispatch(ctx, fl, base, req.Content, batch, true); err != nil {
		e.release(fl)
		return nil, err
	}
	return fl.result, nil
}

// =============================================================================
// SEND PIPELINE
// =============================================================================

// reserve claims the single in-flight slot and resolves the base
// conversation. The slot is held from here until release or a terminal
// transition, which is what makes a concurrent second send observable.
func (e *Engine) reserve(ctx context.Context, convKey string) (*inFlight, datatypes.Conversation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cur != nil {
		return nil, datatypes.Conversation{}, ErrSendInFlight
	}
	if e.channel == nil {
		return nil, datatypes.Conversation{}, ErrNoChannel
	}

	var base datatypes.Conversation
	if convKey == "" {
		now := time.Now().UTC()
		base = datatypes.Conversation{
			TempRef:   datatypes.NewTempID(),
			Title:     "New conversation",
			CreatedAt: now,
			UpdatedAt: now,
		}
	} else {
		found, ok := e.lookup(convKey)
		if !ok {
			return nil, datatypes.Conversation{}, fmt.Errorf("engine: unknown conversation %q", convKey)
		}
		base = found
	}

	fl := e.newInFlightLocked(ctx, base.Key())
	return fl, base, nil
}

// newInFlightLocked installs a fresh in-flight record. Callers hold e.mu and
// have verified e.cur is nil.
func (e *Engine) newInFlightLocked(ctx context.Context, convKey string) *inFlight {
	flCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	fl := &inFlight{
		convKey:   convKey,
		requestID: uuid.NewString(),
		phase:     PhaseSending,
		startedAt: time.Now(),
		ctx:       flCtx,
		cancel:    cancel,
		result:    make(chan Result, 1),
	}
	e.cur = fl
	return fl
}

// dispatch installs the optimistic messages and sends the chat frame.
// appendUser is false on the edit/regenerate path, where the (edited) user
// message is already the conversation tail.
//
// All in-flight record mutation and stream bookkeeping happen under e.mu
// before the frame goes on the wire: with a real socket the read pump can
// invoke HandleFrame the instant the frame is written, so nothing may touch
// fl after the channel send except under the lock.
func (e *Engine) dispatch(ctx context.Context, fl *inFlight, base datatypes.Conversation, content string, batch uploads.Batch, appendUser bool) error {
	ready, cancelWait := context.WithTimeout(ctx, 30*time.Second)
	defer cancelWait()
	if err := e.channel.WaitReady(ready); err != nil {
		return fmt.Errorf("engine: channel not ready: %w", err)
	}

	e.mu.Lock()
	conv := base.Clone()
	if appendUser {
		user := datatypes.NewUserMessage(content, batch.Images, batch.Documents)
		conv.Messages = append(conv.Messages, user)
		fl.userMsgID = user.ID
	} else {
		idx := conv.LastUserMessage()
		if idx < 0 {
			e.mu.Unlock()
			return fmt.Errorf("engine: conversation has no user message to resend")
		}
		fl.userMsgID = conv.Messages[idx].ID
	}
	assistant := datatypes.NewAssistantPlaceholder()
	conv.Messages = append(conv.Messages, assistant)
	conv.UpdatedAt = time.Now().UTC()
	fl.assistantMsgID = assistant.ID

	e.store.ReplaceActive(conv)

	_, span := e.tracer.Start(fl.ctx, "chat.send",
		trace.WithAttributes(
			attribute.String("conversation.key", fl.convKey),
			attribute.Bool("conversation.persisted", conv.Persisted()),
			attribute.Int("attachments.images", len(batch.Images)),
			attribute.Int("attachments.documents", len(batch.Documents)),
		))
	fl.span = span
	if e.metrics != nil {
		e.metrics.ActiveStreams.Inc()
	}
	e.mu.Unlock()

	frame := datatypes.ChatFrame{
		RequestID: fl.requestID,
		Content:   content,
		Images:    batch.Images,
		Documents: batch.Documents,
		CreatedAt: time.Now().UnixMilli(),
	}

	var err error
	if conv.Persisted() {
		frame.SessionID = conv.ID
		err = e.channel.Send(ctx, frame)
	} else {
		frame.TempRef = conv.TempRef
		err = e.channel.SendNew(ctx, frame)
	}
	if err != nil {
		// Roll the optimistic messages back so a failed dispatch
		// leaves the conversation as it was. The frame never went out,
		// so no handler can be racing these writes.
		e.mu.Lock()
		span.End()
		if e.metrics != nil {
			e.metrics.ActiveStreams.Dec()
		}
		rolled := conv.Clone()
		rolled.Messages = rolled.Messages[:len(rolled.Messages)-1]
		if appendUser {
			rolled.Messages = rolled.Messages[:len(rolled.Messages)-1]
		}
		if len(rolled.Messages) > 0 || rolled.Persisted() {
			e.store.ReplaceActive(rolled)
		} else {
			e.store.Remove(rolled.Key())
		}
		e.mu.Unlock()
		return fmt.Errorf("engine: dispatching frame: %w", err)
	}

	e.logger.Info("send dispatched",
		"conversation", fl.convKey,
		"request_id", fl.requestID,
		"assistant_message", fl.assistantMsgID,
	)
	return nil
}

// release abandons a reserved slot before any optimistic state was
// installed.
func (e *Engine) release(fl *inFlight) {
	fl.cancel()
	e.mu.Lock()
	if e.cur == fl {
		e.cur = nil
	}
	e.mu.Unlock()
}

// lookup resolves a store key to a conversation, preferring the active one.
func (e *Engine) lookup(key string) (datatypes.Conversation, bool) {
	if active := e.store.Active(); active != nil && active.Key() == key {
		return *active, true
	}
	for _, c := range e.store.List() {
		if c.Key() == key {
			return c, true
		}
	}
	return datatypes.Conversation{}, false
}

// deliver hands the terminal result to the waiter exactly once. Callers
// hold e.mu.
func (e *Engine) deliver(fl *inFlight, res Result) {
	if fl.delivered {
		return
	}
	fl.delivered = true
	fl.result <- res
	fl.cancel()
	if fl.span != nil {
		fl.span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
		if res.Err != nil {
			fl.span.RecordError(res.Err)
		}
		fl.span.End()
	}
	if e.metrics != nil {
		e.metrics.ActiveStreams.Dec()
		e.metrics.StreamsTotal.WithLabelValues(string(res.Outcome)).Inc()
		e.metrics.StreamDurationSeconds.WithLabelValues(string(res.Outcome)).
			Observe(time.Since(fl.startedAt).Seconds())
	}
}
