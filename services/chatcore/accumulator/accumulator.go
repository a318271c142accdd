// Copyright (C) 2026 Lantern Contributors (dev@lanternhq.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package accumulator buffers streamed tokens per in-flight message.
//
// The accumulator owns the live partial text of an in-flight assistant
// message. The message held by the session store keeps an empty Content while
// streaming; renderers read the running text from here, which keeps the store
// snapshot small and avoids replacing the whole conversation on every token.
//
// Two buffer implementations back the same contract:
//
//   - secure: an mlocked memguard buffer. Token data never swaps to disk and
//     is wiped on clear. Fixed capacity.
//   - plain: an array-of-fragments buffer with a lazily joined, cached text.
//     Used when locked memory is unavailable or disabled. Appends are O(1);
//     the join cost is paid only when the text is read, and the cache makes
//     repeated reads between tokens free.
//
// Every buffer hashes tokens incrementally (SHA-256) as they arrive, so the
// final text can be integrity-checked against server-side records.
package accumulator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// BufferCapacity is the fixed capacity of a secure buffer. Roughly
	// 131k tokens at 4 bytes/token; overflow marks the buffer failed
	// rather than silently truncating.
	BufferCapacity = 512 * 1024 // 512 KB
)

// =============================================================================
// Accumulator
// =============================================================================

// Accumulator tracks one buffer per in-flight message id.
//
// # Thread Safety
//
// Safe for concurrent use. Token appends for a single message id arrive in
// order from the channel's read pump; the accumulator does not reorder.
//
// # Limitations
//
//   - A message id can hold at most one buffer; appending after Take or
//     Clear for that id starts a fresh buffer.
type Accumulator struct {
	mu      sync.Mutex
	buffers map[string]*buffer
	secure  bool
}

// Options configures accumulator construction.
type Options struct {
	// Secure requests mlocked buffers. When locked memory cannot be
	// allocated the accumulator falls back to plain buffers and logs
	// the downgrade once.
	Secure bool
}

// New creates an Accumulator.
func New(opts Options) *Accumulator {
	if opts.Secure {
		memguard.CatchInterrupt()
	}
	return &Accumulator{
		buffers: make(map[string]*buffer),
		secure:  opts.Secure,
	}
}

// Append adds a token fragment to the buffer for messageID, creating the
// buffer on first use.
//
// # Outputs
//
//   - bool: true exactly once per message id, on the first fragment. The
//     caller uses this to flip the UI from waiting-indicator to live text.
//   - error: non-nil on buffer overflow; the buffer keeps its content up to
//     the overflow point and rejects further appends.
func (a *Accumulator) Append(messageID, fragment string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.buffers[messageID]
	if !ok {
		b = newBuffer(messageID, a.secure)
		a.buffers[messageID] = b
	}
	first := !b.sawToken
	b.sawToken = true

	if err := b.append(fragment); err != nil {
		return first, fmt.Errorf("append to %s: %w", messageID, err)
	}
	return first, nil
}

// CurrentText returns the accumulated text for messageID, or "" when no
// buffer exists.
func (a *Accumulator) CurrentText(messageID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.buffers[messageID]
	if !ok {
		return ""
	}
	return b.text()
}

// HasTokens reports whether at least one fragment arrived for messageID.
func (a *Accumulator) HasTokens(messageID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.buffers[messageID]
	return ok && b.sawToken
}

// Take returns the accumulated text and its SHA-256, then removes and wipes
// the buffer in the same critical section.
//
// The caller installs the final message content in the same synchronous
// update, so there is no interval in which both the buffer text and the
// canonical content are observable (the double-render flash in §4.2 of the
// design notes).
func (a *Accumulator) Take(messageID string) (string, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.buffers[messageID]
	if !ok {
		return "", ""
	}
	text := b.text()
	sum := hex.EncodeToString(b.hasher.Sum(nil))
	b.wipe()
	delete(a.buffers, messageID)
	return text, sum
}

// Clear removes and wipes the buffer for messageID without returning its
// content. Used by the cancellation path after the partial text has been
// captured, and by the error path where partial text is discarded.
func (a *Accumulator) Clear(messageID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.buffers[messageID]; ok {
		b.wipe()
		delete(a.buffers, messageID)
	}
}

// Len reports the number of live buffers. In steady state this is 0 or 1;
// anything higher indicates an in-flight tracking leak.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}

// =============================================================================
// Buffers
// =============================================================================

// buffer is one message's token storage. Exactly one of locked/fragments is
// in use, chosen at creation.
type buffer struct {
	id       string
	sawToken bool
	hasher   hash.Hash
	size     int
	overflow bool

	// secure storage
	locked *memguard.LockedBuffer
	offset int

	// plain storage
	fragments []string
	joined    string
	dirty     bool
}

func newBuffer(id string, secure bool) *buffer {
	b := &buffer{id: id, hasher: sha256.New()}
	if secure {
		if lb := memguard.NewBuffer(BufferCapacity); lb != nil {
			lb.Melt()
			b.locked = lb
			return b
		}
		slog.Warn("locked buffer allocation failed, falling back to plain memory",
			"message_id", id,
			"capacity", BufferCapacity,
		)
	}
	return b
}

func (b *buffer) append(fragment string) error {
	if b.overflow {
		return fmt.Errorf("buffer overflowed at %d bytes", BufferCapacity)
	}
	raw := []byte(fragment)
	if b.size+len(raw) > BufferCapacity {
		b.overflow = true
		return fmt.Errorf("buffer overflowed at %d bytes", BufferCapacity)
	}
	b.size += len(raw)
	b.hasher.Write(raw)

	if b.locked != nil {
		copy(b.locked.Bytes()[b.offset:], raw)
		b.offset += len(raw)
		return nil
	}

	b.fragments = append(b.fragments, fragment)
	b.dirty = true
	return nil
}

func (b *buffer) text() string {
	if b.locked != nil {
		return string(b.locked.Bytes()[:b.offset])
	}
	if b.dirty {
		var sb strings.Builder
		for _, f := range b.fragments {
			sb.WriteString(f)
		}
		b.joined = sb.String()
		b.dirty = false
	}
	return b.joined
}

func (b *buffer) wipe() {
	if b.locked != nil {
		b.locked.Destroy()
		b.locked = nil
		b.offset = 0
		return
	}
	b.fragments = nil
	b.joined = ""
	b.dirty = false
}
