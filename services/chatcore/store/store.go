// Copyright (C) 2026 Lantern Contributors (dev@lanternhq.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store holds the in-memory session state that renderers read.
//
// The store is the single source of truth for the conversation list and the
// active conversation. All mutations are whole-object replacements: callers
// clone, modify, and hand back a complete Conversation. Renderers never see a
// half-applied update, and the stable keys carried by messages are the only
// mechanism for preserving element identity across replacements.
package store

import (
	"sort"
	"sync"

	"github.com/lanternhq/lantern/services/chatcore/datatypes"
)

// Snapshot is an immutable view handed to change listeners.
type Snapshot struct {
	Conversations []datatypes.Conversation
	Active        *datatypes.Conversation
}

// Listener receives a snapshot after every store mutation. Listeners are
// invoked synchronously, in registration order, on the mutating goroutine.
type Listener func(Snapshot)

// SessionStore is the shared mutable session state.
//
// All methods are safe for concurrent use. Reads return deep copies, so a
// caller can never mutate store state through a returned value.
type SessionStore struct {
	mu        sync.RWMutex
	list      []datatypes.Conversation
	active    *datatypes.Conversation
	listeners []Listener
}

// New creates an empty SessionStore.
func New() *SessionStore {
	return &SessionStore{}
}

// Subscribe registers a change listener and returns an unsubscribe func.
func (s *SessionStore) Subscribe(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
	idx := len(s.listeners) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.listeners[idx] = nil
	}
}

// ReplaceList installs a new conversation list (e.g. after a list fetch).
// The list is re-sorted by UpdatedAt descending regardless of input order.
func (s *SessionStore) ReplaceList(convs []datatypes.Conversation) {
	s.mu.Lock()
	s.list = make([]datatypes.Conversation, len(convs))
	for i, c := range convs {
		s.list[i] = c.Clone()
	}
	s.sortLocked()
	snap := s.snapshotLocked()
	ls := s.listenersLocked()
	s.mu.Unlock()
	notify(ls, snap)
}

// ReplaceActive installs a complete replacement of the active conversation
// and upserts its summary into the list. This is the only way the active
// conversation changes; partial in-place mutation is not expressible.
func (s *SessionStore) ReplaceActive(conv datatypes.Conversation) {
	s.mu.Lock()
	c := conv.Clone()
	s.active = &c
	s.upsertLocked(c)
	s.sortLocked()
	snap := s.snapshotLocked()
	ls := s.listenersLocked()
	s.mu.Unlock()
	notify(ls, snap)
}

// ClearActive drops the active conversation without touching the list.
func (s *SessionStore) ClearActive() {
	s.mu.Lock()
	s.active = nil
	snap := s.snapshotLocked()
	ls := s.listenersLocked()
	s.mu.Unlock()
	notify(ls, snap)
}

// Remove deletes a conversation from the list (and the active slot if it is
// the same conversation). Used by the delete-session flow.
func (s *SessionStore) Remove(key string) {
	s.mu.Lock()
	out := s.list[:0]
	for _, c := range s.list {
		if c.Key() != key {
			out = append(out, c)
		}
	}
	s.list = out
	if s.active != nil && s.active.Key() == key {
		s.active = nil
	}
	snap := s.snapshotLocked()
	ls := s.listenersLocked()
	s.mu.Unlock()
	notify(ls, snap)
}

// Active returns a deep copy of the active conversation, or nil.
func (s *SessionStore) Active() *datatypes.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return nil
	}
	c := s.active.Clone()
	return &c
}

// List returns a deep copy of the conversation list, most recent first.
func (s *SessionStore) List() []datatypes.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]datatypes.Conversation, len(s.list))
	for i, c := range s.list {
		out[i] = c.Clone()
	}
	return out
}

// Rekey records a temp→real identity transition: the list entry and active
// conversation currently keyed by oldKey are re-addressed by the conversation
// value passed in (which carries the server id). Messages and title come from
// conv wholesale, matching the whole-object replacement rule.
func (s *SessionStore) Rekey(oldKey string, conv datatypes.Conversation) {
	s.mu.Lock()
	c := conv.Clone()
	replaced := false
	for i := range s.list {
		if s.list[i].Key() == oldKey {
			s.list[i] = c
			replaced = true
			break
		}
	}
	if !replaced {
		s.list = append(s.list, c)
	}
	if s.active != nil && s.active.Key() == oldKey {
		cc := c.Clone()
		s.active = &cc
	}
	s.sortLocked()
	snap := s.snapshotLocked()
	ls := s.listenersLocked()
	s.mu.Unlock()
	notify(ls, snap)
}

func (s *SessionStore) upsertLocked(c datatypes.Conversation) {
	for i := range s.list {
		if s.list[i].Key() == c.Key() {
			s.list[i] = c
			return
		}
	}
	s.list = append(s.list, c)
}

func (s *SessionStore) sortLocked() {
	sort.SliceStable(s.list, func(i, j int) bool {
		return s.list[i].UpdatedAt.After(s.list[j].UpdatedAt)
	})
}

func (s *SessionStore) snapshotLocked() Snapshot {
	snap := Snapshot{Conversations: make([]datatypes.Conversation, len(s.list))}
	for i, c := range s.list {
		snap.Conversations[i] = c.Clone()
	}
	if s.active != nil {
		a := s.active.Clone()
		snap.Active = &a
	}
	return snap
}

func (s *SessionStore) listenersLocked() []Listener {
	return append([]Listener(nil), s.listeners...)
}

// notify runs outside the store lock so a listener may read the store.
func notify(ls []Listener, snap Snapshot) {
	for _, l := range ls {
		if l != nil {
			l(snap)
		}
	}
}
