// Copyright (C) 2026 Lantern Contributors (dev@lanternhq.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/lanternhq/lantern/services/chatcore/datatypes"
	"github.com/lanternhq/lantern/services/chatcore/observability"
)

const reconcileTimeout = 15 * time.Second

// reconcile replaces the optimistic conversation with the server's
// canonical record after a successful stream.
//
// # Description
//
// Runs in its own goroutine because the canonical fetch is a network call;
// the critical section resumes once the fetch settles. A failed fetch is not
// a failed send: the streamed text stays visible and only a log line and a
// metric record the failure.
//
// # Inputs
//
//   - fl: the in-flight record that reached the done frame.
//   - doneSessionID: session id from the done frame, empty when the server
//     did not assign one synchronously.
//   - fullText: full-text fallback from the done frame. Used only when the
//     local buffer is empty (disconnect-and-reconnect mid-stream).
func (e *Engine) reconcile(fl *inFlight, doneSessionID, fullText string) {
	ctx, cancel := context.WithTimeout(fl.ctx, reconcileTimeout)
	defer cancel()

	canonical, err := e.fetchCanonical(ctx, fl, doneSessionID)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cur != fl {
		// Converged by another path while the fetch was pending.
		e.acc.Clear(fl.assistantMsgID)
		return
	}

	finalText, hash := e.acc.Take(fl.assistantMsgID)
	if finalText == "" {
		finalText = fullText
	}

	local, ok := e.lookup(fl.convKey)
	if !ok {
		// Conversation was deleted mid-stream; nothing to install.
		e.deliver(fl, Result{Outcome: observability.OutcomeComplete, Text: finalText})
		e.cur = nil
		return
	}

	if err != nil {
		// Resilience path: keep the streamed content. The accumulator
		// swap and the content install happen in this same critical
		// section, so no reader sees both at once.
		e.logger.Warn("reconciliation failed, keeping streamed content",
			"conversation", fl.convKey,
			"error", err,
		)
		if e.metrics != nil {
			e.metrics.ReconcileFailuresTotal.Inc()
		}
		fallback := local.Clone()
		if idx := fallback.MessageIndex(fl.assistantMsgID); idx >= 0 {
			fallback.Messages[idx].Content = finalText
		}
		if fl.stopIssued {
			fallback = markStopped(fallback)
		}
		fallback.UpdatedAt = time.Now().UTC()
		e.store.ReplaceActive(fallback)
		e.deliver(fl, Result{Outcome: observability.OutcomeComplete, SessionID: local.ID, Text: finalText})
		e.cur = nil
		return
	}

	merged := mergeCanonical(local, canonical, fl.assistantMsgID, finalText, fl.stopIssued)
	e.store.Rekey(fl.convKey, merged)

	e.logger.Info("conversation reconciled",
		"session_id", merged.ID,
		"messages", len(merged.Messages),
		"text_sha256", hash,
	)
	e.deliver(fl, Result{Outcome: observability.OutcomeComplete, SessionID: merged.ID, Text: finalText})
	e.cur = nil
}

// fetchCanonical resolves the target session id and fetches the full
// conversation.
//
// For a conversation that already has a server id the fetch is direct. A
// new conversation may not have received its id synchronously; the done
// frame's session id is preferred, and listing the most recent session is
// the last resort.
func (e *Engine) fetchCanonical(ctx context.Context, fl *inFlight, doneSessionID string) (datatypes.Conversation, error) {
	sessionID := ""
	e.mu.Lock()
	if conv, ok := e.lookup(fl.convKey); ok && conv.Persisted() {
		sessionID = conv.ID
	}
	e.mu.Unlock()

	if sessionID == "" {
		sessionID = doneSessionID
	}
	if sessionID == "" {
		page, err := e.api.ListSessions(ctx, 1, 1)
		if err != nil {
			return datatypes.Conversation{}, fmt.Errorf("locating new session: %w", err)
		}
		if len(page.Chats) == 0 {
			return datatypes.Conversation{}, fmt.Errorf("locating new session: server lists no sessions")
		}
		sessionID = page.Chats[0].ID
	}

	canonical, err := e.api.GetSession(ctx, sessionID)
	if err != nil {
		return datatypes.Conversation{}, err
	}
	return canonical, nil
}

// mergeCanonical folds the canonical conversation over the optimistic one.
//
// # Description
//
// Identity: every canonical message is matched against the optimistic
// messages by content fingerprint and inherits the matched message's stable
// key, so the temp→real id swap never changes UI identity. Unmatched
// canonical messages get fresh keys.
//
// Defensive merge: the session API has an eventual-consistency gap where a
// just-sent user message can be missing from the canonical fetch. Any local
// user message whose fingerprint is absent from the canonical list is
// re-inserted at its original position.
//
// Title: the canonical title wins whenever the server set one; local
// placeholder titles never survive a server overwrite.
func mergeCanonical(local, canonical datatypes.Conversation, assistantID, finalText string, stopIssued bool) datatypes.Conversation {
	optimistic := local.Clone()
	if idx := optimistic.MessageIndex(assistantID); idx >= 0 {
		optimistic.Messages[idx].Content = finalText
	}

	// Stable keys queue per fingerprint: duplicate contents hand out
	// their keys in order.
	keysByFP := make(map[string][]string)
	for _, m := range optimistic.Messages {
		fp := m.Fingerprint()
		keysByFP[fp] = append(keysByFP[fp], m.StableKey)
	}

	merged := canonical.Clone()
	canonicalFPs := make(map[string]int)
	for i := range merged.Messages {
		m := &merged.Messages[i]
		// The server can persist the assistant row before its text
		// settles; the accumulator is authoritative then.
		if m.Role == datatypes.RoleAssistant && m.Content == "" && i == len(merged.Messages)-1 {
			m.Content = finalText
		}
		fp := m.Fingerprint()
		canonicalFPs[fp]++
		if q := keysByFP[fp]; len(q) > 0 {
			m.StableKey = q[0]
			keysByFP[fp] = q[1:]
		} else if m.StableKey == "" {
			m.StableKey = datatypes.NewStableKey()
		}
	}

	for i, lm := range optimistic.Messages {
		if lm.Role != datatypes.RoleUser {
			continue
		}
		fp := lm.Fingerprint()
		if canonicalFPs[fp] > 0 {
			canonicalFPs[fp]--
			continue
		}
		pos := i
		if pos > len(merged.Messages) {
			pos = len(merged.Messages)
		}
		merged.Messages = append(merged.Messages[:pos],
			append([]datatypes.Message{lm.Clone()}, merged.Messages[pos:]...)...)
	}

	if canonical.Title == "" {
		merged.Title = local.Title
	}
	merged.TempRef = ""
	if merged.UpdatedAt.IsZero() {
		merged.UpdatedAt = time.Now().UTC()
	}

	if stopIssued {
		merged = markStopped(merged)
	}
	return merged
}

// markStopped preserves a user-issued stop on the reconciled record: the
// final assistant message and its preceding user message keep their stopped
// display even when the server recorded a normal completion.
func markStopped(conv datatypes.Conversation) datatypes.Conversation {
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		if conv.Messages[i].Role == datatypes.RoleAssistant {
			conv.Messages[i].IsStopped = true
			break
		}
	}
	if idx := conv.LastUserMessage(); idx >= 0 {
		conv.Messages[idx].IsStopped = true
	}
	return conv
}
