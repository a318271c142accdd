// Copyright (C) 2026 Lantern Contributors (dev@lanternhq.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"strings"
	"testing"
)

func TestTempIDs(t *testing.T) {
	t.Run("temp ids carry the prefix", func(t *testing.T) {
		id := NewTempID()
		if !IsTempID(id) {
			t.Errorf("expected temp id, got %q", id)
		}
	})

	t.Run("server ids are not temp", func(t *testing.T) {
		if IsTempID("abc123") {
			t.Error("server id misclassified as temp")
		}
	})

	t.Run("stable keys are distinct from ids", func(t *testing.T) {
		m := NewUserMessage("hello", nil, nil)
		if m.StableKey == "" || m.StableKey == m.ID {
			t.Errorf("stable key must be independent of id: key=%q id=%q", m.StableKey, m.ID)
		}
	})
}

func TestFingerprint(t *testing.T) {
	t.Run("ignores id and timestamp", func(t *testing.T) {
		a := NewUserMessage("same content", nil, nil)
		b := NewUserMessage("same content", nil, nil)
		if a.Fingerprint() != b.Fingerprint() {
			t.Error("fingerprints of identical content differ")
		}
	})

	t.Run("distinguishes roles", func(t *testing.T) {
		u := Message{Role: RoleUser, Content: "x"}
		a := Message{Role: RoleAssistant, Content: "x"}
		if u.Fingerprint() == a.Fingerprint() {
			t.Error("role must be part of the fingerprint")
		}
	})

	t.Run("bounds long content by prefix and length", func(t *testing.T) {
		long := strings.Repeat("a", 10_000)
		m := Message{Role: RoleAssistant, Content: long}
		fp := m.Fingerprint()
		if len(fp) > FingerprintPrefixLen+32 {
			t.Errorf("fingerprint not bounded: %d bytes", len(fp))
		}
		longer := Message{Role: RoleAssistant, Content: long + "b"}
		if longer.Fingerprint() == fp {
			t.Error("length must disambiguate same-prefix content")
		}
	})
}

func TestConversationClone(t *testing.T) {
	conv := Conversation{
		ID:    "abc",
		Title: "t",
		Messages: []Message{
			NewUserMessage("hi", []string{"https://cdn/img.png"}, nil),
		},
	}
	cp := conv.Clone()
	cp.Messages[0].Content = "mutated"
	cp.Messages[0].Images[0] = "https://cdn/other.png"

	if conv.Messages[0].Content != "hi" {
		t.Error("clone shares message backing array")
	}
	if conv.Messages[0].Images[0] != "https://cdn/img.png" {
		t.Error("clone shares image slice")
	}
}

func TestConversationLookups(t *testing.T) {
	conv := Conversation{Messages: []Message{
		{ID: "u1", Role: RoleUser},
		{ID: "a1", Role: RoleAssistant},
		{ID: "u2", Role: RoleUser},
		{ID: "a2", Role: RoleAssistant},
	}}

	if got := conv.MessageIndex("u2"); got != 2 {
		t.Errorf("MessageIndex: got %d, want 2", got)
	}
	if got := conv.MessageIndex("missing"); got != -1 {
		t.Errorf("MessageIndex missing: got %d, want -1", got)
	}
	if got := conv.LastUserMessage(); got != 2 {
		t.Errorf("LastUserMessage: got %d, want 2", got)
	}
}

func TestConversationKey(t *testing.T) {
	c := Conversation{TempRef: "temp-ref-1"}
	if c.Key() != "temp-ref-1" {
		t.Errorf("unpersisted conversation should key by temp ref, got %q", c.Key())
	}
	c.ID = "srv-1"
	if c.Key() != "srv-1" {
		t.Errorf("persisted conversation should key by server id, got %q", c.Key())
	}
}
