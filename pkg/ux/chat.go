// Copyright (C) 2026 Lantern Contributors (dev@lanternhq.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders terminal output for the Lantern chat client.
//
// All methods write to the writer supplied at construction, so tests can
// assert on rendered output without a terminal. Token fragments bypass this
// package and are written raw by the runner; ux renders only the framing
// around them (header, prompt, status and error lines).
package ux

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// =============================================================================
// Styles
// =============================================================================

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	noticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	promptText  = lipgloss.NewStyle().Bold(true).Render("> ")
)

// =============================================================================
// SessionStats
// =============================================================================

// SessionStats aggregates counters across one chat session for the end
// summary.
type SessionStats struct {
	Exchanges int
	Stopped   int
	StartedAt time.Time
}

// =============================================================================
// ChatUI
// =============================================================================

// ChatUI renders chat framing to a writer.
type ChatUI struct {
	out io.Writer
}

// New creates a ChatUI writing to out.
func New(out io.Writer) *ChatUI {
	return &ChatUI{out: out}
}

// Header prints the session banner shown when the chat loop starts.
func (u *ChatUI) Header(sessionID string) {
	fmt.Fprintln(u.out, titleStyle.Render("Lantern"))
	if sessionID != "" {
		fmt.Fprintln(u.out, dimStyle.Render("session: "+sessionID))
	}
	fmt.Fprintln(u.out, dimStyle.Render("'exit' quits · /stop cancels a stream · /new starts over · /edit <id> <text> revises"))
}

// Prompt returns the input prompt string.
func (u *ChatUI) Prompt() string {
	return promptText
}

// Resumed announces a successfully resumed session.
func (u *ChatUI) Resumed(title string, messages int) {
	if title == "" {
		title = "(untitled)"
	}
	fmt.Fprintf(u.out, "%s\n", dimStyle.Render(fmt.Sprintf("resumed %q, %d messages", title, messages)))
}

// Stopped marks a cancelled generation. Printed on its own line since the
// partial response precedes it without a trailing newline.
func (u *ChatUI) Stopped() {
	fmt.Fprintf(u.out, "\n%s\n", noticeStyle.Render("[stopped]"))
}

// Info prints a dim status line.
func (u *ChatUI) Info(msg string) {
	fmt.Fprintln(u.out, dimStyle.Render(msg))
}

// Error prints a non-fatal error and returns control to the prompt.
func (u *ChatUI) Error(err error) {
	fmt.Fprintf(u.out, "%s\n", errorStyle.Render("error: "+err.Error()))
}

// SessionEnd prints the closing summary.
func (u *ChatUI) SessionEnd(stats SessionStats) {
	if stats.Exchanges == 0 {
		return
	}
	dur := time.Since(stats.StartedAt).Round(time.Second)
	line := fmt.Sprintf("%d exchanges in %s", stats.Exchanges, dur)
	if stats.Stopped > 0 {
		line += fmt.Sprintf(", %d stopped", stats.Stopped)
	}
	fmt.Fprintln(u.out, dimStyle.Render(line))
}
