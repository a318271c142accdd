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
	"errors"
	"time"

	"github.com/lanternhq/lantern/services/chatcore/datatypes"
	"github.com/lanternhq/lantern/services/chatcore/observability"
)

// HandleFrame routes one server frame into the pipeline. It is the channel's
// frame handler; the read pump calls it serially.
//
// # Description
//
// Frames for a send that has already reached a terminal state are dropped
// and counted, never applied: a late token after a stop must not resurrect
// cleared state, and a late done after a stop must not un-stop a message the
// user already saw as stopped. A stopped stream can keep emitting until the
// server acknowledges the stop, so a frame whose request id echo does not
// match the in-flight request is residue of an earlier send and must never
// touch the current one's state — a new send may already be streaming into
// the accumulator the residual tokens would otherwise land in.
func (e *Engine) HandleFrame(f datatypes.ServerFrame) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fl := e.cur
	if fl == nil {
		// A stop acknowledgement for an already locally-converged stop
		// is expected here, not a stray frame.
		if f.Stage == datatypes.StageStopped && e.pendingStopAck {
			e.consumeStopAckLocked()
			return
		}
		e.dropFrame(f)
		return
	}

	if f.RequestID != "" && f.RequestID != fl.requestID {
		// Residue of a previous send. Its stop acknowledgement still
		// settles the pending stop; everything else is dropped.
		if f.Stage == datatypes.StageStopped && e.pendingStopAck {
			e.consumeStopAckLocked()
			return
		}
		e.dropFrame(f)
		return
	}

	switch f.Stage {
	case datatypes.StageSending:
		if fl.phase == PhaseSending {
			fl.phase = PhaseStreaming
		}

	case datatypes.StageTokenReceived:
		if fl.stopIssued {
			e.dropFrame(f)
			return
		}
		first, err := e.acc.Append(fl.assistantMsgID, f.Content)
		if err != nil {
			e.logger.Warn("token append failed", "message_id", fl.assistantMsgID, "error", err)
			return
		}
		if first {
			fl.sawFirstToken = true
			fl.phase = PhaseStreaming
			if e.metrics != nil {
				e.metrics.TimeToFirstTokenSeconds.Observe(time.Since(fl.startedAt).Seconds())
			}
		}
		if e.metrics != nil {
			e.metrics.TokensTotal.Inc()
		}

	case datatypes.StageDone:
		if fl.stopIssued {
			// The server completed after a local stop. The stop was
			// already shown to the user; the late completion is
			// discarded for display purposes.
			e.dropFrame(f)
			return
		}
		fl.phase = PhaseCompleting
		if f.Title != "" {
			e.applyTitleLocked(fl.convKey, f.Title)
		}
		go e.reconcile(fl, f.SessionID, f.FullText)

	case datatypes.StageStopped:
		if fl.stopIssued {
			// Acknowledgement of our own stop request.
			e.consumeStopAckLocked()
			return
		}
		if e.pendingStopAck && f.RequestID == "" {
			// An unechoed stopped frame while an earlier stop is still
			// awaiting its acknowledgement settles that stop; it must
			// not read as a server-initiated stop of the current send.
			e.consumeStopAckLocked()
			return
		}
		// Server-initiated stop: converge exactly like a local stop,
		// and not as an error.
		fl.stopIssued = true
		fl.phase = PhaseStopping
		e.convergeStoppedLocked(fl, false, nil)

	case datatypes.StageError:
		msg := f.Error
		if msg == "" {
			msg = "stream failed"
		}
		e.failStreamLocked(fl, errors.New(msg))

	default:
		e.logger.Warn("unknown pipeline stage", "stage", string(f.Stage))
	}
}

// consumeStopAckLocked settles the server acknowledgement of an
// already-converged local stop. Callers hold e.mu.
func (e *Engine) consumeStopAckLocked() {
	e.pendingStopAck = false
	if e.metrics != nil {
		e.metrics.StopsTotal.WithLabelValues(string(observability.StopResultConverged)).Inc()
	}
}

// applyTitleLocked installs a server-pushed title ahead of the canonical
// fetch. Server titles overwrite local placeholders unconditionally.
func (e *Engine) applyTitleLocked(convKey, title string) {
	conv, ok := e.lookup(convKey)
	if !ok {
		return
	}
	updated := conv.Clone()
	updated.Title = title
	e.store.ReplaceActive(updated)
}

func (e *Engine) dropFrame(f datatypes.ServerFrame) {
	if e.metrics != nil {
		e.metrics.DroppedFramesTotal.Inc()
	}
	e.logger.Debug("dropped frame for inactive stream",
		"stage", string(f.Stage),
		"message_id", f.MessageID,
	)
}
