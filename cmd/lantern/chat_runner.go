// Copyright (C) 2026 Lantern Contributors (dev@lanternhq.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package main contains the Lantern CLI: the interactive chat runner and the
// session management commands.
//
// Architecture:
//
//	commands.go → ChatRunner → engine.Engine
//	                           channel.WSChannel (frame source)
//	                           sessionapi.SessionAPI (reconciliation)
//	                           InputReader (stdin abstraction)
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lanternhq/lantern/cmd/lantern/config"
	"github.com/lanternhq/lantern/pkg/ux"
	"github.com/lanternhq/lantern/services/chatcore/accumulator"
	"github.com/lanternhq/lantern/services/chatcore/channel"
	"github.com/lanternhq/lantern/services/chatcore/datatypes"
	"github.com/lanternhq/lantern/services/chatcore/engine"
	"github.com/lanternhq/lantern/services/chatcore/observability"
	"github.com/lanternhq/lantern/services/chatcore/sessionapi"
	"github.com/lanternhq/lantern/services/chatcore/store"
	"github.com/lanternhq/lantern/services/chatcore/uploads"
)

// =============================================================================
// ChatRunner Interface
// =============================================================================

// ChatRunner runs an interactive chat session until exit, error, or context
// cancellation. Callers must Close after Run returns.
type ChatRunner interface {
	// Run executes the chat loop. Normal exit ("exit"/"quit" or EOF)
	// returns nil; context cancellation returns context.Canceled.
	Run(ctx context.Context) error

	// Close releases the stream channel and other resources. Safe to call
	// more than once.
	Close() error
}

// =============================================================================
// StreamChatRunner
// =============================================================================

// RunnerConfig holds chat runner construction parameters.
type RunnerConfig struct {
	Config config.LanternConfig

	// SessionID resumes an existing session when set.
	SessionID string

	// Input defaults to an interactive reader when nil.
	Input InputReader

	// Out receives streamed tokens and status lines. Defaults to stdout.
	Out io.Writer

	Logger *slog.Logger
}

// StreamChatRunner drives the send/stream/reconcile pipeline from a terminal.
type StreamChatRunner struct {
	cfg    config.LanternConfig
	eng    *engine.Engine
	ch     channel.StreamChannel
	api    sessionapi.SessionAPI
	store  *store.SessionStore
	input  InputReader
	out    io.Writer
	ui     *ux.ChatUI
	logger *slog.Logger

	// convKey tracks the store key of the conversation the loop is
	// appending to. Empty means the next send starts a new one.
	convKey string

	resumeID  string
	stats     ux.SessionStats
	closeOnce sync.Once
	closeErr  error
}

var _ ChatRunner = (*StreamChatRunner)(nil)

// NewStreamChatRunner assembles the full pipeline and dials the stream
// channel. The returned runner owns the channel connection.
func NewStreamChatRunner(ctx context.Context, rc RunnerConfig) (*StreamChatRunner, error) {
	logger := rc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	out := rc.Out
	if out == nil {
		out = os.Stdout
	}
	input := rc.Input
	if input == nil {
		input = NewInteractiveInputReader(rc.Config.Chat.HistorySize)
	}

	st := store.New()
	acc := accumulator.New(accumulator.Options{Secure: rc.Config.Chat.SecureBuffers})
	api := sessionapi.New(sessionapi.Config{
		BaseURL: rc.Config.Server.BaseURL,
		Logger:  logger,
	})
	up := uploads.New(uploads.Config{
		BaseURL:     rc.Config.Server.BaseURL,
		Concurrency: rc.Config.Chat.UploadConcurrency,
		Logger:      logger,
	})
	metrics := observability.NewChatMetrics(prometheus.NewRegistry())

	eng, err := engine.New(engine.Config{
		Store:       st,
		API:         api,
		Uploader:    up,
		Accumulator: acc,
		Metrics:     metrics,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}

	r := &StreamChatRunner{
		cfg:      rc.Config,
		eng:      eng,
		api:      api,
		store:    st,
		input:    input,
		out:      out,
		ui:       ux.New(out),
		logger:   logger,
		resumeID: rc.SessionID,
	}

	// The channel handler prints token fragments before forwarding, so
	// text appears as it streams rather than after reconciliation.
	ch, err := channel.Dial(ctx, channel.Config{
		URL:    rc.Config.StreamURL(),
		Logger: logger,
	}, r.onFrame)
	if err != nil {
		return nil, fmt.Errorf("dial stream channel: %w", err)
	}
	r.ch = ch
	eng.Attach(ch)
	return r, nil
}

// onFrame renders streaming output and forwards every frame to the engine.
func (r *StreamChatRunner) onFrame(f datatypes.ServerFrame) {
	switch f.Stage {
	case datatypes.StageTokenReceived:
		fmt.Fprint(r.out, f.Content)
	case datatypes.StageStopped:
		r.ui.Stopped()
	}
	r.eng.HandleFrame(f)
}

// Run implements ChatRunner.
func (r *StreamChatRunner) Run(ctx context.Context) error {
	r.stats = ux.SessionStats{StartedAt: time.Now()}

	// Ask the server to finalize any messages left dangling by a previous
	// crash or disconnect. Best effort: a failure only warrants a warning.
	cleanupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := r.api.CleanupStoppedMessages(cleanupCtx); err != nil {
		r.logger.Warn("startup cleanup failed", "error", err)
	}
	cancel()

	if r.resumeID != "" {
		if err := r.loadHistory(ctx); err != nil {
			return fmt.Errorf("resume session %s: %w", r.resumeID, err)
		}
	}

	r.ui.Header(r.resumeID)

	for {
		select {
		case <-ctx.Done():
			return r.shutdown(ctx)
		default:
		}

		// The interactive reader renders its own prompt.
		if _, interactive := r.input.(*InteractiveInputReader); !interactive {
			fmt.Fprint(r.out, r.ui.Prompt())
		}
		line, err := r.input.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(r.out)
				r.ui.SessionEnd(r.stats)
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}
		if line == "" {
			continue
		}
		if isExitCommand(line) {
			r.ui.SessionEnd(r.stats)
			return nil
		}

		if strings.HasPrefix(line, "/") {
			if err := r.handleCommand(ctx, line); err != nil {
				r.ui.Error(err)
			}
			continue
		}

		if err := r.handleMessage(ctx, line); err != nil {
			if ctx.Err() != nil {
				return r.shutdown(ctx)
			}
			r.ui.Error(err)
		}
	}
}

// handleMessage sends one user message and blocks until the terminal result.
// Context cancellation mid-stream issues a stop and still waits for the
// result so the loop never leaves a send dangling.
func (r *StreamChatRunner) handleMessage(ctx context.Context, content string) error {
	res, err := r.eng.Send(ctx, engine.SendRequest{
		ConversationKey: r.convKey,
		Content:         content,
	})
	if err != nil {
		return err
	}
	return r.awaitResult(ctx, res)
}

// awaitResult consumes a send's result channel, translating a context
// cancellation into a stop first.
func (r *StreamChatRunner) awaitResult(ctx context.Context, res <-chan engine.Result) error {
	var result engine.Result
	select {
	case result = <-res:
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.eng.Stop(stopCtx); err != nil {
			r.logger.Warn("stop on shutdown failed", "error", err)
		}
		result = <-res
	}

	if result.SessionID != "" {
		r.convKey = result.SessionID
	}

	switch result.Outcome {
	case observability.OutcomeError:
		return result.Err
	case observability.OutcomeStopped:
		r.stats.Exchanges++
		r.stats.Stopped++
	case observability.OutcomeComplete:
		r.stats.Exchanges++
		fmt.Fprintln(r.out)
	}
	return nil
}

// handleCommand dispatches slash commands.
func (r *StreamChatRunner) handleCommand(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/stop":
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return r.eng.Stop(stopCtx)

	case "/new":
		r.convKey = ""
		r.store.ClearActive()
		r.ui.Info("Starting a new conversation.")
		return nil

	case "/messages":
		return r.printMessages()

	case "/edit":
		if len(fields) < 3 {
			return fmt.Errorf("usage: /edit <message-id> <new content>")
		}
		newContent := strings.TrimSpace(strings.TrimPrefix(line, "/edit "+fields[1]))
		res, err := r.eng.EditAndResend(ctx, fields[1], newContent)
		if err != nil {
			return err
		}
		return r.awaitResult(ctx, res)

	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}

// printMessages lists the active conversation's message ids, which /edit
// takes as its target argument.
func (r *StreamChatRunner) printMessages() error {
	conv := r.store.Active()
	if conv == nil {
		return fmt.Errorf("no active conversation")
	}
	for _, m := range conv.Messages {
		preview := m.Content
		if len(preview) > 60 {
			preview = preview[:60] + "…"
		}
		flag := ""
		if m.IsStopped {
			flag = " [stopped]"
		}
		fmt.Fprintf(r.out, "%s  %-9s %s%s\n", m.ID, m.Role, preview, flag)
	}
	return nil
}

// loadHistory fetches the resumed session and installs it as the active
// conversation.
func (r *StreamChatRunner) loadHistory(ctx context.Context) error {
	fetchCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	conv, err := r.api.GetSession(fetchCtx, r.resumeID)
	if err != nil {
		return err
	}
	r.store.ReplaceActive(conv)
	r.convKey = conv.Key()
	r.ui.Resumed(conv.Title, len(conv.Messages))
	return nil
}

// shutdown stops any in-flight generation before returning the cancellation.
func (r *StreamChatRunner) shutdown(ctx context.Context) error {
	phase, _ := r.eng.InFlight()
	if phase != engine.PhaseIdle {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.eng.Stop(stopCtx); err != nil {
			r.logger.Warn("stop on shutdown failed", "error", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return context.Canceled
}

// Close implements ChatRunner.
func (r *StreamChatRunner) Close() error {
	r.closeOnce.Do(func() {
		if r.ch != nil {
			r.closeErr = r.ch.Close()
		}
	})
	return r.closeErr
}

// isExitCommand reports whether input ends the chat loop.
func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "quit", ":q":
		return true
	}
	return false
}
