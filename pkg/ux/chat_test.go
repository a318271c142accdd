// Copyright (C) 2026 Lantern Contributors (dev@lanternhq.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHeaderIncludesSessionID(t *testing.T) {
	var buf bytes.Buffer
	u := New(&buf)

	u.Header("sess-42")

	out := buf.String()
	assert.Contains(t, out, "Lantern")
	assert.Contains(t, out, "sess-42")
}

func TestHeaderOmitsEmptySession(t *testing.T) {
	var buf bytes.Buffer
	New(&buf).Header("")

	assert.NotContains(t, buf.String(), "session:")
}

func TestStoppedOnOwnLine(t *testing.T) {
	var buf bytes.Buffer
	New(&buf).Stopped()

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "\n"), "stopped marker must break the partial response line")
	assert.Contains(t, out, "[stopped]")
}

func TestErrorRendersMessage(t *testing.T) {
	var buf bytes.Buffer
	New(&buf).Error(errors.New("boom"))

	assert.Contains(t, buf.String(), "boom")
}

func TestSessionEndSummary(t *testing.T) {
	var buf bytes.Buffer
	u := New(&buf)

	u.SessionEnd(SessionStats{Exchanges: 3, Stopped: 1, StartedAt: time.Now().Add(-2 * time.Minute)})

	out := buf.String()
	assert.Contains(t, out, "3 exchanges")
	assert.Contains(t, out, "1 stopped")
}

func TestSessionEndSilentWhenNoExchanges(t *testing.T) {
	var buf bytes.Buffer
	New(&buf).SessionEnd(SessionStats{StartedAt: time.Now()})

	assert.Empty(t, buf.String())
}

func TestResumedUntitledFallback(t *testing.T) {
	var buf bytes.Buffer
	New(&buf).Resumed("", 4)

	assert.Contains(t, buf.String(), "(untitled)")
}
