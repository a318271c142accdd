// Copyright (C) 2026 Lantern Contributors (dev@lanternhq.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sessionapi is the HTTP client for the Lantern session REST API.
//
// The session API is the source of truth for persisted conversations. The
// streaming channel carries live generations; everything durable — listing,
// fetching, renaming, deleting, editing — goes through here. The engine uses
// this client for reconciliation after every completed stream.
//
// # Architecture
//
//	Engine → SessionAPI Interface → httpSessionAPI → HTTPClient → http.Client
//
// The HTTPClient seam exists so tests can inject failures without a network.
package sessionapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/lanternhq/lantern/services/chatcore/datatypes"
)

// =============================================================================
// INTERFACES
// =============================================================================

// HTTPClient abstracts http.Client for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// SessionAPI defines the contract for persisted-conversation operations.
//
// # Description
//
// All methods take a context for cancellation and return typed errors:
// ErrSessionExpired when the server rejects the caller's credentials,
// ErrNotFound for missing sessions or messages, and *APIError for other
// non-2xx responses.
//
// # Assumptions
//
//   - The server truncates subsequent messages itself on EditMessage; the
//     client mirrors that truncation locally but never relies on it.
type SessionAPI interface {
	// ListSessions fetches one page of conversation summaries, newest
	// first. Summaries carry no messages.
	ListSessions(ctx context.Context, page, limit int) (datatypes.SessionPage, error)

	// GetSession fetches a full conversation including messages.
	GetSession(ctx context.Context, sessionID string) (datatypes.Conversation, error)

	// UpdateSession applies a partial update (title, status) to a session.
	UpdateSession(ctx context.Context, sessionID string, req datatypes.UpdateSessionRequest) error

	// DeleteSession removes a session and its messages.
	DeleteSession(ctx context.Context, sessionID string) error

	// EditMessage replaces a user message's content. The server drops
	// every message after it in the same call.
	EditMessage(ctx context.Context, sessionID, messageID string, req datatypes.EditMessageRequest) error

	// CleanupStoppedMessages asks the server to finalize any messages
	// left dangling by interrupted generations. Called once at startup.
	CleanupStoppedMessages(ctx context.Context) error
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrSessionExpired indicates the server no longer accepts the
	// caller's credentials. Callers surface this as a re-auth prompt,
	// not a retry.
	ErrSessionExpired = errors.New("sessionapi: session expired")

	// ErrNotFound indicates the session or message does not exist.
	ErrNotFound = errors.New("sessionapi: not found")
)

// APIError carries a non-2xx response that is not covered by a sentinel.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sessionapi: server returned %d: %s", e.Status, e.Message)
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds client construction parameters.
type Config struct {
	// BaseURL is the API root, e.g. "http://localhost:8080".
	BaseURL string

	// Timeout bounds each request. Zero means 30s.
	Timeout time.Duration

	// Logger receives request failures. Nil uses slog.Default.
	Logger *slog.Logger
}

// =============================================================================
// IMPLEMENTATION
// =============================================================================

type httpSessionAPI struct {
	baseURL string
	client  HTTPClient
	logger  *slog.Logger
}

var _ SessionAPI = (*httpSessionAPI)(nil)

// New creates a SessionAPI backed by a default http.Client.
func New(cfg Config) SessionAPI {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return NewWithClient(cfg, &http.Client{Timeout: timeout})
}

// NewWithClient creates a SessionAPI with an injected HTTP client. Tests use
// this to simulate server failures.
func NewWithClient(cfg Config, client HTTPClient) SessionAPI {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &httpSessionAPI{
		baseURL: cfg.BaseURL,
		client:  client,
		logger:  logger,
	}
}

// ListSessions implements SessionAPI.
func (s *httpSessionAPI) ListSessions(ctx context.Context, page, limit int) (datatypes.SessionPage, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := s.baseURL + "/api/sessions"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	var out datatypes.SessionPage
	if err := s.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return datatypes.SessionPage{}, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// GetSession implements SessionAPI.
func (s *httpSessionAPI) GetSession(ctx context.Context, sessionID string) (datatypes.Conversation, error) {
	if sessionID == "" {
		return datatypes.Conversation{}, fmt.Errorf("get session: empty session id")
	}
	var out datatypes.Conversation
	endpoint := s.baseURL + "/api/sessions/" + url.PathEscape(sessionID)
	if err := s.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return datatypes.Conversation{}, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return out, nil
}

// UpdateSession implements SessionAPI.
func (s *httpSessionAPI) UpdateSession(ctx context.Context, sessionID string, req datatypes.UpdateSessionRequest) error {
	if sessionID == "" {
		return fmt.Errorf("update session: empty session id")
	}
	endpoint := s.baseURL + "/api/sessions/" + url.PathEscape(sessionID)
	if err := s.do(ctx, http.MethodPatch, endpoint, req, nil); err != nil {
		return fmt.Errorf("update session %s: %w", sessionID, err)
	}
	return nil
}

// DeleteSession implements SessionAPI.
func (s *httpSessionAPI) DeleteSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("delete session: empty session id")
	}
	endpoint := s.baseURL + "/api/sessions/" + url.PathEscape(sessionID)
	if err := s.do(ctx, http.MethodDelete, endpoint, nil, nil); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

// EditMessage implements SessionAPI.
func (s *httpSessionAPI) EditMessage(ctx context.Context, sessionID, messageID string, req datatypes.EditMessageRequest) error {
	if sessionID == "" || messageID == "" {
		return fmt.Errorf("edit message: session and message ids are required")
	}
	if err := req.Validate(); err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	endpoint := s.baseURL + "/api/sessions/" + url.PathEscape(sessionID) +
		"/messages/" + url.PathEscape(messageID)
	if err := s.do(ctx, http.MethodPatch, endpoint, req, nil); err != nil {
		return fmt.Errorf("edit message %s in %s: %w", messageID, sessionID, err)
	}
	return nil
}

// CleanupStoppedMessages implements SessionAPI.
func (s *httpSessionAPI) CleanupStoppedMessages(ctx context.Context) error {
	endpoint := s.baseURL + "/api/sessions/cleanup"
	if err := s.do(ctx, http.MethodPost, endpoint, nil, nil); err != nil {
		return fmt.Errorf("cleanup stopped messages: %w", err)
	}
	return nil
}

// =============================================================================
// INTERNAL
// =============================================================================

// do issues one request and decodes the response into out (when non-nil).
//
// Step 1: marshal the body, if any.
// Step 2: send with the caller's context attached.
// Step 3: map the status code to the error taxonomy.
// Step 4: decode the body.
func (s *httpSessionAPI) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrSessionExpired
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg := readErrorMessage(resp.Body)
		s.logger.Warn("session api request failed",
			"method", method,
			"endpoint", endpoint,
			"status", resp.StatusCode,
			"message", msg,
		)
		return &APIError{Status: resp.StatusCode, Message: msg}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// readErrorMessage extracts {"error": "..."} bodies, falling back to the raw
// text, capped so a misbehaving server cannot flood the logs.
func readErrorMessage(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var parsed struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &parsed) == nil && parsed.Error != "" {
		return parsed.Error
	}
	return string(raw)
}
