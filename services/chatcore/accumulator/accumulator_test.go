// Copyright (C) 2026 Lantern Contributors (dev@lanternhq.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package accumulator

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
)

func TestAppendReportsFirstTokenOnce(t *testing.T) {
	a := New(Options{})

	first, err := a.Append("msg-1", "Hel")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if !first {
		t.Error("expected first=true on initial fragment")
	}

	first, err = a.Append("msg-1", "lo")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if first {
		t.Error("expected first=false on subsequent fragment")
	}

	// A different message id gets its own first-token transition.
	first, _ = a.Append("msg-2", "Hi")
	if !first {
		t.Error("expected first=true for a new message id")
	}
}

func TestCurrentTextJoinsFragmentsInOrder(t *testing.T) {
	a := New(Options{})

	fragments := []string{"The ", "quick ", "brown ", "fox"}
	for _, f := range fragments {
		if _, err := a.Append("msg-1", f); err != nil {
			t.Fatalf("Append(%q): %v", f, err)
		}
	}

	want := "The quick brown fox"
	if got := a.CurrentText("msg-1"); got != want {
		t.Errorf("CurrentText = %q, want %q", got, want)
	}

	// Cached join stays correct across interleaved reads and writes.
	a.Append("msg-1", "!")
	if got := a.CurrentText("msg-1"); got != want+"!" {
		t.Errorf("CurrentText after append = %q, want %q", got, want+"!")
	}
}

func TestCurrentTextUnknownID(t *testing.T) {
	a := New(Options{})
	if got := a.CurrentText("nope"); got != "" {
		t.Errorf("CurrentText for unknown id = %q, want empty", got)
	}
}

func TestTakeReturnsTextAndHashThenClears(t *testing.T) {
	a := New(Options{})
	a.Append("msg-1", "hello ")
	a.Append("msg-1", "world")

	text, sum := a.Take("msg-1")
	if text != "hello world" {
		t.Errorf("Take text = %q, want %q", text, "hello world")
	}
	wantSum := sha256.Sum256([]byte("hello world"))
	if sum != hex.EncodeToString(wantSum[:]) {
		t.Errorf("Take hash = %s, want %s", sum, hex.EncodeToString(wantSum[:]))
	}

	if a.Len() != 0 {
		t.Errorf("Len after Take = %d, want 0", a.Len())
	}
	if got := a.CurrentText("msg-1"); got != "" {
		t.Errorf("CurrentText after Take = %q, want empty", got)
	}

	// Appending again after Take starts a fresh buffer and transition.
	first, _ := a.Append("msg-1", "again")
	if !first {
		t.Error("expected first=true after Take")
	}
}

func TestClearDiscardsBuffer(t *testing.T) {
	a := New(Options{})
	a.Append("msg-1", "partial")
	a.Clear("msg-1")

	if a.HasTokens("msg-1") {
		t.Error("HasTokens after Clear = true, want false")
	}
	if a.Len() != 0 {
		t.Errorf("Len after Clear = %d, want 0", a.Len())
	}

	// Clearing an unknown id is a no-op.
	a.Clear("never-seen")
}

func TestHasTokens(t *testing.T) {
	a := New(Options{})
	if a.HasTokens("msg-1") {
		t.Error("HasTokens before any append = true, want false")
	}
	a.Append("msg-1", "x")
	if !a.HasTokens("msg-1") {
		t.Error("HasTokens after append = false, want true")
	}
}

func TestOverflowRejectsFurtherAppends(t *testing.T) {
	a := New(Options{Secure: true})

	big := strings.Repeat("a", BufferCapacity)
	if _, err := a.Append("msg-1", big); err != nil {
		t.Fatalf("fill to capacity: %v", err)
	}
	if _, err := a.Append("msg-1", "b"); err == nil {
		t.Fatal("expected overflow error, got nil")
	}
	// Content up to the overflow point is preserved.
	if got := len(a.CurrentText("msg-1")); got != BufferCapacity {
		t.Errorf("CurrentText length after overflow = %d, want %d", got, BufferCapacity)
	}
	a.Clear("msg-1")
}

func TestSecureAndPlainAgree(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts Options
	}{
		{"plain", Options{}},
		{"secure", Options{Secure: true}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			a := New(tc.opts)
			a.Append("m", "alpha ")
			a.Append("m", "beta")
			if got := a.CurrentText("m"); got != "alpha beta" {
				t.Errorf("CurrentText = %q, want %q", got, "alpha beta")
			}
			text, sum := a.Take("m")
			if text != "alpha beta" {
				t.Errorf("Take = %q, want %q", text, "alpha beta")
			}
			want := sha256.Sum256([]byte("alpha beta"))
			if sum != hex.EncodeToString(want[:]) {
				t.Errorf("hash mismatch for %s buffer", tc.name)
			}
		})
	}
}
