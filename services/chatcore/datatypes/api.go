// Copyright (C) 2026 Lantern Contributors (dev@lanternhq.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// This file contains request/response types for the collaborating session
// REST API. The API is consumed, not implemented, by this repo; these types
// define the interface boundary only.

// Pagination describes a page of the conversation list.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalPages int `json:"total_pages"`
	TotalItems int `json:"total_items"`
}

// SessionPage is the response of the list-sessions endpoint. Chats are
// summaries: the server omits Messages for list responses.
type SessionPage struct {
	Chats      []Conversation `json:"chats"`
	Pagination Pagination     `json:"pagination"`
}

// UpdateSessionRequest carries a partial session update. Nil fields are
// left unchanged by the server.
type UpdateSessionRequest struct {
	Title  *string `json:"title,omitempty"`
	Status *string `json:"status,omitempty"`
}

// EditMessageRequest replaces a user message's content. The server is
// responsible for truncating every subsequent message in the session.
//
// # Validation
//
//   - Content: required, max 32KB (byte length)
type EditMessageRequest struct {
	Content string `json:"content" validate:"required,maxbytes"`
}

// Validate checks the request against its validation tags.
func (r *EditMessageRequest) Validate() error {
	return frameValidate.Struct(r)
}
