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
	"time"

	"github.com/lanternhq/lantern/services/chatcore/datatypes"
	"github.com/lanternhq/lantern/services/chatcore/observability"
)

// Stop halts the in-flight generation.
//
// # Description
//
// Every step is best-effort and all of them run regardless of earlier
// failures:
//
//  1. Ask the server to stop via the stream channel.
//  2. Cancel the send's local context (aborts pending uploads or a
//     reconciliation fetch).
//  3. Clear the accumulator for the in-flight message.
//  4. Remove the assistant placeholder if it has no content, otherwise
//     mark it stopped with the partial text; mark the preceding user
//     message stopped unconditionally so it becomes editable.
//  5. Publish the converged conversation to the store.
//
// Steps 3-5 happen in one critical section, so readers see "stopped" in a
// single update without waiting on any network round-trip. A failure to
// notify the server is logged only; local state always converges.
//
// # Outputs
//
//   - error: always nil today; reserved for future preconditions. Stop
//     with nothing in flight is a no-op, which covers the
//     stop-after-completion race.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	fl := e.cur
	if fl == nil {
		e.mu.Unlock()
		return nil
	}
	if fl.stopIssued {
		e.mu.Unlock()
		return nil
	}
	fl.stopIssued = true

	if fl.phase == PhaseCompleting {
		// The stream already finished; reconciliation is in progress.
		// The flag makes the reconciled message keep its stopped
		// display, and the server is told in case it is still
		// persisting.
		e.mu.Unlock()
		e.notifyStop(ctx, fl)
		return nil
	}

	fl.phase = PhaseStopping
	e.mu.Unlock()

	// Step 1: server notify, outside the lock so a slow socket cannot
	// delay local convergence observers waiting on the mutex.
	e.notifyStop(ctx, fl)

	// Step 2: local abort.
	fl.cancel()

	// Steps 3-5: synchronous convergence.
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur != fl {
		// A serialized frame handler converged this send first.
		return nil
	}
	e.convergeStoppedLocked(fl, false, nil)
	return nil
}

// notifyStop sends the stop frame and records whether an acknowledgement
// should be expected.
func (e *Engine) notifyStop(ctx context.Context, fl *inFlight) {
	e.mu.Lock()
	ch := e.channel
	e.mu.Unlock()
	if ch == nil {
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := ch.RequestStop(sendCtx, datatypes.StopFrame{RequestID: fl.requestID, SessionID: e.sessionIDFor(fl)})

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.logger.Warn("server stop notify failed, converging locally",
			"request_id", fl.requestID, "error", err)
		if e.metrics != nil {
			e.metrics.StopsTotal.WithLabelValues(string(observability.StopResultForced)).Inc()
		}
		return
	}
	e.pendingStopAck = true
}

func (e *Engine) sessionIDFor(fl *inFlight) string {
	if conv, ok := e.lookup(fl.convKey); ok && conv.Persisted() {
		return conv.ID
	}
	return ""
}

// convergeStoppedLocked applies the terminal stopped state. Callers hold
// e.mu.
func (e *Engine) convergeStoppedLocked(fl *inFlight, discardPartial bool, streamErr error) {
	partial := ""
	if !discardPartial {
		partial = e.acc.CurrentText(fl.assistantMsgID)
	}
	e.acc.Clear(fl.assistantMsgID)

	if conv, ok := e.lookup(fl.convKey); ok {
		e.store.ReplaceActive(applyStopped(conv, fl.assistantMsgID, partial))
	}

	if streamErr != nil {
		e.deliver(fl, Result{Outcome: observability.OutcomeError, Err: streamErr})
	} else {
		e.deliver(fl, Result{Outcome: observability.OutcomeStopped, Text: partial})
	}
	e.cur = nil
}

// failStreamLocked is the transport/pipeline error path: the send failed, so
// partial text is discarded rather than kept. The preceding user message is
// still marked stopped so the user can edit and resend it.
func (e *Engine) failStreamLocked(fl *inFlight, streamErr error) {
	e.logger.Error("stream failed",
		"conversation", fl.convKey,
		"request_id", fl.requestID,
		"error", streamErr,
	)
	e.convergeStoppedLocked(fl, true, streamErr)
}

// applyStopped rewrites a conversation into its stopped shape: the assistant
// placeholder is removed when it never produced text, kept with the partial
// text and a stopped mark otherwise, and the preceding user message is
// marked stopped unconditionally.
func applyStopped(conv datatypes.Conversation, assistantID, partial string) datatypes.Conversation {
	out := conv.Clone()
	idx := out.MessageIndex(assistantID)
	if idx >= 0 {
		if partial == "" {
			out.Messages = append(out.Messages[:idx], out.Messages[idx+1:]...)
		} else {
			out.Messages[idx].Content = partial
			out.Messages[idx].IsStopped = true
		}
	}
	if uidx := out.LastUserMessage(); uidx >= 0 {
		out.Messages[uidx].IsStopped = true
	}
	out.UpdatedAt = time.Now().UTC()
	return out
}
