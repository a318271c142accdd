// Copyright (C) 2026 Lantern Contributors (dev@lanternhq.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the data model shared by the chat front-end core.
//
// This file contains the Conversation and Message types and the identity
// helpers (temporary ids, stable keys, content fingerprints) used by the
// reconciliation engine. Wire frame types for the streaming channel live in
// frames.go; REST request/response types live in api.go.
package datatypes

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// TempIDPrefix marks client-generated identifiers that have not been
	// acknowledged by the server. A temp id is used exactly once, at
	// creation; after reconciliation all addressing uses the server id.
	TempIDPrefix = "temp-"

	// MaxMessageContentBytes is the maximum size of a single outbound
	// message content. Checked in bytes, not runes, to bound memory.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// FingerprintPrefixLen is the number of leading bytes of message
	// content included in a content fingerprint. Long enough to make
	// accidental collisions between distinct messages in one conversation
	// unrealistic, short enough to keep fingerprints cheap.
	FingerprintPrefixLen = 48
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// =============================================================================
// Message
// =============================================================================

// Message is a single entry in a conversation.
//
// # Description
//
// A Message is created optimistically the instant a send is initiated: the
// user message with its full content, the assistant message as an empty
// placeholder that streams into the token accumulator. When the canonical
// conversation is fetched, the server-assigned id replaces the temporary one
// while StableKey is preserved so the rendering layer never remounts the
// element.
//
// # Fields
//
//   - ID: Temporary client id (TempIDPrefix + uuid) or server-assigned id.
//   - StableKey: UI identity key, independent of ID. Survives the temp→real
//     id handoff.
//   - Role: RoleUser or RoleAssistant.
//   - Content: Message text. Empty for an in-flight assistant message; the
//     live partial text is owned by the token accumulator until completion.
//   - Timestamp: Creation time (client clock for optimistic messages,
//     server clock after reconciliation).
//   - Images: Permanent URLs of uploaded images. Never client-local refs.
//   - Documents: Attachment descriptors for non-image uploads.
//   - IsStopped: True if generation was cancelled before completion. On an
//     assistant message this implies the preceding user message is also
//     stopped, which makes it eligible for edit/regenerate.
type Message struct {
	ID        string        `json:"id"`
	StableKey string        `json:"stable_key,omitempty"`
	Role      Role          `json:"role"`
	Content   string        `json:"content"`
	Timestamp time.Time     `json:"timestamp"`
	Images    []string      `json:"images,omitempty"`
	Documents []DocumentRef `json:"documents,omitempty"`
	IsStopped bool          `json:"is_stopped,omitempty"`
}

// DocumentRef describes a non-image attachment by its permanent location.
type DocumentRef struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int64  `json:"size,omitempty"`
}

// IsTemp reports whether the message still carries a client-generated id.
func (m *Message) IsTemp() bool {
	return IsTempID(m.ID)
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	c := m
	if m.Images != nil {
		c.Images = append([]string(nil), m.Images...)
	}
	if m.Documents != nil {
		c.Documents = append([]DocumentRef(nil), m.Documents...)
	}
	return c
}

// Fingerprint returns a content fingerprint used to match an optimistic
// message against its canonical counterpart when ids differ.
//
// # Description
//
// The fingerprint combines role, content length, and a bounded content
// prefix. It deliberately ignores ids and timestamps: the server rewrites
// both, but it persists the text the client streamed, so length+prefix is a
// stable join key across the temp→real id handoff.
func (m *Message) Fingerprint() string {
	prefix := m.Content
	if len(prefix) > FingerprintPrefixLen {
		prefix = prefix[:FingerprintPrefixLen]
	}
	return fmt.Sprintf("%s:%d:%s", m.Role, len(m.Content), prefix)
}

// =============================================================================
// Conversation
// =============================================================================

// Conversation is an ordered message sequence with its list metadata.
//
// # Description
//
// An empty ID denotes a conversation that has not been persisted yet; such a
// conversation is correlated with its eventual server record via TempRef.
// Title may be overwritten asynchronously by the server (summary generation);
// the client must accept that overwrite unconditionally.
//
// # Fields
//
//   - ID: Server identifier. Empty until the server creates the session.
//   - TempRef: Client-generated placeholder ref, used exactly once at
//     creation to correlate the optimistic conversation with the
//     server-created one.
//   - Title: Human label. Server-owned once assigned.
//   - Messages: Insertion order is conversation order.
//   - CreatedAt, UpdatedAt: UpdatedAt drives conversation-list sort order.
type Conversation struct {
	ID        string    `json:"id"`
	TempRef   string    `json:"temp_ref,omitempty"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the identifier used for in-flight tracking: the server id when
// known, otherwise the temporary ref.
func (c *Conversation) Key() string {
	if c.ID != "" {
		return c.ID
	}
	return c.TempRef
}

// Persisted reports whether the conversation has a server id.
func (c *Conversation) Persisted() bool {
	return c.ID != ""
}

// Clone returns a deep copy. The store hands out and accepts only whole
// conversation values, so every mutation path starts from a clone.
func (c Conversation) Clone() Conversation {
	cp := c
	cp.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		cp.Messages[i] = m.Clone()
	}
	return cp
}

// MessageIndex returns the index of the message with the given id, or -1.
func (c *Conversation) MessageIndex(messageID string) int {
	for i := range c.Messages {
		if c.Messages[i].ID == messageID {
			return i
		}
	}
	return -1
}

// LastUserMessage returns the index of the most recent user message, or -1.
func (c *Conversation) LastUserMessage() int {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == RoleUser {
			return i
		}
	}
	return -1
}

// =============================================================================
// Identity helpers
// =============================================================================

// NewTempID generates a temporary client-side identifier.
func NewTempID() string {
	return TempIDPrefix + uuid.New().String()
}

// NewStableKey generates a UI identity key. Stable keys are never sent to the
// server and never compared against server ids.
func NewStableKey() string {
	return "sk-" + uuid.New().String()
}

// IsTempID reports whether id is a client-generated temporary identifier.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// NewUserMessage builds an optimistic user message with full content.
func NewUserMessage(content string, images []string, documents []DocumentRef) Message {
	return Message{
		ID:        NewTempID(),
		StableKey: NewStableKey(),
		Role:      RoleUser,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Images:    images,
		Documents: documents,
	}
}

// NewAssistantPlaceholder builds the empty assistant message that fronts an
// in-flight generation. Content stays empty until reconciliation; the live
// text is owned by the token accumulator.
func NewAssistantPlaceholder() Message {
	return Message{
		ID:        NewTempID(),
		StableKey: NewStableKey(),
		Role:      RoleAssistant,
		Timestamp: time.Now().UTC(),
	}
}
