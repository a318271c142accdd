// Copyright (C) 2026 Lantern Contributors (dev@lanternhq.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package channel provides the streaming transport between the chat core and
// the Lantern server.
//
// The package exposes a small StreamChannel contract and one implementation
// backed by a WebSocket connection. A single read pump goroutine delivers
// server frames to the registered handler in arrival order, so downstream
// consumers never need to reorder or lock against concurrent frame delivery.
//
// # Architecture
//
//	Engine → StreamChannel Interface → WSChannel → gorilla/websocket
//	              ↑                        ↓
//	         Handler(frame)           read pump (one goroutine)
//
// The channel is not ready for outbound traffic until the server's readiness
// frame arrives; sends before that point fail with ErrNotReady rather than
// racing the handshake.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lanternhq/lantern/services/chatcore/datatypes"
)

// =============================================================================
// INTERFACES
// =============================================================================

// Handler receives server frames in arrival order.
//
// The read pump invokes the handler synchronously, one frame at a time. A
// slow handler backpressures the socket; handlers must not block on work
// that itself waits for another frame.
type Handler func(datatypes.ServerFrame)

// StreamChannel defines the contract for the bidirectional streaming
// transport.
//
// # Description
//
// Outbound methods carry user actions to the server; inbound frames arrive
// through the Handler registered at dial time. All outbound methods are safe
// for concurrent use.
//
// # Outputs
//
// Outbound methods return ErrNotReady before the server handshake completes
// and ErrClosed after Close or a terminal read error.
//
// # Limitations
//
//   - The channel does not reconnect. Callers that want resumption dial a
//     fresh channel and reconcile state through the session API.
type StreamChannel interface {
	// WaitReady blocks until the server's readiness frame arrives, the
	// channel closes, or ctx is done.
	WaitReady(ctx context.Context) error

	// SendNew starts a conversation that has no server-side session yet.
	// The frame's TempRef lets the done frame be matched back to the
	// optimistic conversation.
	SendNew(ctx context.Context, frame datatypes.ChatFrame) error

	// Send continues an existing session. The frame's SessionID must be a
	// persisted session id.
	Send(ctx context.Context, frame datatypes.ChatFrame) error

	// RequestStop asks the server to halt generation for a session. The
	// server acknowledges with a stopped frame; callers must not assume
	// the stream halts before that acknowledgement.
	RequestStop(ctx context.Context, frame datatypes.StopFrame) error

	// Close tears down the connection and stops the read pump. Safe to
	// call more than once.
	Close() error
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotReady is returned by outbound methods before the server's
	// readiness frame has arrived.
	ErrNotReady = errors.New("channel: server handshake not complete")

	// ErrClosed is returned after Close or after the read pump exits on a
	// terminal error.
	ErrClosed = errors.New("channel: connection closed")
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds WSChannel construction parameters.
type Config struct {
	// URL is the websocket endpoint, e.g. "ws://localhost:8080/api/chat/ws".
	URL string

	// Dialer overrides the websocket dialer. Nil uses a default with
	// HandshakeTimeout applied.
	Dialer *websocket.Dialer

	// HandshakeTimeout bounds the websocket upgrade. Zero means 10s.
	HandshakeTimeout time.Duration

	// PingInterval is the heartbeat period. Zero means 30s.
	PingInterval time.Duration

	// PongWait is how long a read may go without traffic before the
	// connection is considered dead. Zero means 2.5x PingInterval.
	PongWait time.Duration

	// Logger receives connection lifecycle events. Nil uses slog.Default.
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongWait == 0 {
		c.PongWait = c.PingInterval * 5 / 2
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// =============================================================================
// IMPLEMENTATION
// =============================================================================

// WSChannel is the WebSocket-backed StreamChannel.
type WSChannel struct {
	conn    *websocket.Conn
	handler Handler
	logger  *slog.Logger
	cfg     Config

	writeMu sync.Mutex // gorilla allows one concurrent writer

	ready     chan struct{}
	readyOnce sync.Once

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var _ StreamChannel = (*WSChannel)(nil)

// Dial connects to cfg.URL, registers handler for inbound frames, and starts
// the read pump and heartbeat.
//
// # Inputs
//
//   - ctx: bounds the websocket upgrade only; it does not govern the
//     lifetime of the connection.
//   - cfg: endpoint and timing configuration.
//   - handler: invoked serially for every non-handshake frame. Must be
//     non-nil.
//
// # Outputs
//
//   - *WSChannel: connected channel. WaitReady gates outbound use.
//   - error: non-nil on dial failure.
func Dial(ctx context.Context, cfg Config, handler Handler) (*WSChannel, error) {
	if handler == nil {
		return nil, fmt.Errorf("channel: handler must not be nil")
	}
	cfg.applyDefaults()

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	}

	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("channel: dial %s: %w", cfg.URL, err)
	}

	ch := &WSChannel{
		conn:    conn,
		handler: handler,
		logger:  cfg.Logger,
		cfg:     cfg,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	go ch.readPump()
	go ch.heartbeat()

	ch.logger.Info("stream channel connected", "url", cfg.URL)
	return ch, nil
}

// WaitReady implements StreamChannel.
func (ch *WSChannel) WaitReady(ctx context.Context) error {
	select {
	case <-ch.ready:
		return nil
	case <-ch.done:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("channel: waiting for readiness: %w", ctx.Err())
	}
}

// SendNew implements StreamChannel.
func (ch *WSChannel) SendNew(ctx context.Context, frame datatypes.ChatFrame) error {
	frame.Action = datatypes.ActionChatNew
	frame.SessionID = ""
	return ch.writeFrame(ctx, frame)
}

// Send implements StreamChannel.
func (ch *WSChannel) Send(ctx context.Context, frame datatypes.ChatFrame) error {
	frame.Action = datatypes.ActionChat
	if frame.SessionID == "" {
		return fmt.Errorf("channel: continuation frame requires a session id")
	}
	return ch.writeFrame(ctx, frame)
}

// RequestStop implements StreamChannel.
func (ch *WSChannel) RequestStop(ctx context.Context, frame datatypes.StopFrame) error {
	frame.Action = datatypes.ActionStop
	if err := ch.guard(ctx); err != nil {
		return err
	}
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	if err := ch.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("channel: write stop frame: %w", err)
	}
	return nil
}

// Close implements StreamChannel.
func (ch *WSChannel) Close() error {
	ch.closeOnce.Do(func() {
		ch.writeMu.Lock()
		ch.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		ch.writeMu.Unlock()
		ch.closeErr = ch.conn.Close()
		ch.logger.Info("stream channel closed")
	})
	return ch.closeErr
}

// =============================================================================
// INTERNAL
// =============================================================================

func (ch *WSChannel) writeFrame(ctx context.Context, frame datatypes.ChatFrame) error {
	if err := frame.Validate(); err != nil {
		return fmt.Errorf("channel: invalid chat frame: %w", err)
	}
	if err := ch.guard(ctx); err != nil {
		return err
	}
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	if err := ch.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("channel: write chat frame: %w", err)
	}
	return nil
}

// guard rejects writes before readiness and after close without blocking.
func (ch *WSChannel) guard(ctx context.Context) error {
	select {
	case <-ch.done:
		return ErrClosed
	default:
	}
	select {
	case <-ch.ready:
	default:
		return ErrNotReady
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// readPump reads frames until the connection dies. It is the only reader,
// and the only goroutine that invokes the handler.
func (ch *WSChannel) readPump() {
	defer close(ch.done)
	for {
		var frame datatypes.ServerFrame
		if err := ch.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ch.logger.Warn("stream channel read failed", "error", err)
			} else {
				ch.logger.Debug("stream channel disconnected", "error", err)
			}
			return
		}

		if frame.Ready {
			ch.readyOnce.Do(func() { close(ch.ready) })
			continue
		}
		ch.handler(frame)
	}
}

func (ch *WSChannel) heartbeat() {
	ticker := time.NewTicker(ch.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ch.done:
			return
		case <-ticker.C:
			ch.writeMu.Lock()
			err := ch.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			ch.writeMu.Unlock()
			if err != nil {
				ch.logger.Debug("heartbeat ping failed", "error", err)
				return
			}
		}
	}
}
