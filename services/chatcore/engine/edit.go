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
	"github.com/lanternhq/lantern/services/chatcore/uploads"
)

// EditAndResend rewrites a user message and regenerates from that point.
//
// # Description
//
// The active conversation is truncated locally first: the target message
// takes the new content, loses its stopped mark, and every message after it
// is dropped. That truncation is visible before any network call settles.
// When the conversation is persisted and the message has a real id, the
// session API's edit endpoint is told to truncate server-side too; that call
// is best-effort, and a failure does not roll back the local truncation.
// The send pipeline then re-enters with the edited message as the outbound
// content.
//
// # Inputs
//
//   - ctx: bounds the server edit call and dispatch.
//   - messageID: id of the user message to edit. Must belong to the active
//     conversation.
//   - newContent: replacement text.
//
// # Outputs
//
//   - <-chan Result: terminal result of the regeneration, as in Send.
//   - error: ErrSendInFlight, ErrNoActiveConversation, ErrMessageNotFound,
//     or ErrNotUserMessage when the edit cannot start.
func (e *Engine) EditAndResend(ctx context.Context, messageID, newContent string) (<-chan Result, error) {
	if newContent == "" {
		return nil, fmt.Errorf("engine: edited content must not be empty")
	}
	if len(newContent) > datatypes.MaxMessageContentBytes {
		return nil, fmt.Errorf("engine: edited content exceeds %d bytes", datatypes.MaxMessageContentBytes)
	}

	e.mu.Lock()
	if e.cur != nil {
		e.mu.Unlock()
		return nil, ErrSendInFlight
	}
	if e.channel == nil {
		e.mu.Unlock()
		return nil, ErrNoChannel
	}
	active := e.store.Active()
	if active == nil {
		e.mu.Unlock()
		return nil, ErrNoActiveConversation
	}
	idx := active.MessageIndex(messageID)
	if idx < 0 {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	if active.Messages[idx].Role != datatypes.RoleUser {
		e.mu.Unlock()
		return nil, ErrNotUserMessage
	}

	truncated := active.Clone()
	truncated.Messages = truncated.Messages[:idx+1]
	truncated.Messages[idx].Content = newContent
	truncated.Messages[idx].IsStopped = false
	truncated.UpdatedAt = time.Now().UTC()
	e.store.ReplaceActive(truncated)

	fl := e.newInFlightLocked(ctx, truncated.Key())
	e.mu.Unlock()

	if truncated.Persisted() && !datatypes.IsTempID(messageID) {
		editCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := e.api.EditMessage(editCtx, truncated.ID, messageID,
			datatypes.EditMessageRequest{Content: newContent})
		cancel()
		if err != nil {
			// Server truncation is best-effort; the local truncation
			// already reflects user intent.
			e.logger.Warn("server edit failed, continuing with local truncation",
				"session_id", truncated.ID,
				"message_id", messageID,
				"error", err,
			)
		}
	}

	if err := e.dispatch(ctx, fl, truncated, newContent, uploads.Batch{}, false); err != nil {
		e.release(fl)
		return nil, err
	}
	return fl.result, nil
}
