// Copyright (C) 2026 Lantern Contributors (dev@lanternhq.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package uploads stages message attachments before a chat frame is sent.
//
// Attachments are uploaded in parallel, but the chat frame must not leave
// until every upload has finished: a frame referencing a URL the server has
// not stored yet would race the generation. UploadAll therefore blocks until
// the whole batch settles and returns results in the caller's selection
// order, regardless of upload completion order.
package uploads

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/lanternhq/lantern/services/chatcore/datatypes"
)

// =============================================================================
// INTERFACES
// =============================================================================

// File is one attachment selected by the user.
type File struct {
	Name string
	MIME string
	Data []byte
}

// Batch is the settled result of a full upload round. Images and Documents
// preserve the order the files were passed in.
type Batch struct {
	Images    []string
	Documents []datatypes.DocumentRef
}

// Uploader defines the contract for staging attachments.
type Uploader interface {
	// UploadAll stages every file and returns only when the whole batch
	// has settled. Any single failure fails the batch; partial results
	// are discarded so a frame never references a half-staged set.
	UploadAll(ctx context.Context, files []File) (Batch, error)
}

// HTTPClient abstracts http.Client for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds uploader construction parameters.
type Config struct {
	// BaseURL is the API root, e.g. "http://localhost:8080".
	BaseURL string

	// Concurrency caps parallel uploads. Zero means 4.
	Concurrency int

	// RateLimit caps uploads per second across the client. Zero means
	// no pacing.
	RateLimit rate.Limit

	// Timeout bounds each individual upload. Zero means 60s.
	Timeout time.Duration

	// Logger receives upload failures. Nil uses slog.Default.
	Logger *slog.Logger
}

// =============================================================================
// IMPLEMENTATION
// =============================================================================

type httpUploader struct {
	baseURL string
	client  HTTPClient
	limiter *rate.Limiter
	workers int
	logger  *slog.Logger
}

var _ Uploader = (*httpUploader)(nil)

// New creates an Uploader backed by a default http.Client.
func New(cfg Config) Uploader {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return NewWithClient(cfg, &http.Client{Timeout: timeout})
}

// NewWithClient creates an Uploader with an injected HTTP client.
func NewWithClient(cfg Config, client HTTPClient) Uploader {
	workers := cfg.Concurrency
	if workers <= 0 {
		workers = 4
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(cfg.RateLimit, workers)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &httpUploader{
		baseURL: cfg.BaseURL,
		client:  client,
		limiter: limiter,
		workers: workers,
		logger:  logger,
	}
}

// UploadAll implements Uploader.
func (u *httpUploader) UploadAll(ctx context.Context, files []File) (Batch, error) {
	if len(files) == 0 {
		return Batch{}, nil
	}

	// Results land at their input index so selection order survives
	// whatever order the uploads finish in.
	refs := make([]datatypes.DocumentRef, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.workers)
	for i, f := range files {
		g.Go(func() error {
			if err := u.limiter.Wait(gctx); err != nil {
				return err
			}
			ref, err := u.uploadOne(gctx, f)
			if err != nil {
				u.logger.Warn("attachment upload failed", "name", f.Name, "error", err)
				return fmt.Errorf("upload %s: %w", f.Name, err)
			}
			refs[i] = ref
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Batch{}, err
	}

	var batch Batch
	for i, f := range files {
		if strings.HasPrefix(f.MIME, "image/") {
			batch.Images = append(batch.Images, refs[i].URL)
		} else {
			batch.Documents = append(batch.Documents, refs[i])
		}
	}
	return batch, nil
}

func (u *httpUploader) uploadOne(ctx context.Context, f File) (datatypes.DocumentRef, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", f.Name)
	if err != nil {
		return datatypes.DocumentRef{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(f.Data); err != nil {
		return datatypes.DocumentRef{}, fmt.Errorf("write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return datatypes.DocumentRef{}, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/api/uploads", &body)
	if err != nil {
		return datatypes.DocumentRef{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := u.client.Do(req)
	if err != nil {
		return datatypes.DocumentRef{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return datatypes.DocumentRef{}, fmt.Errorf("server returned %d: %s", resp.StatusCode, raw)
	}

	var ref datatypes.DocumentRef
	if err := json.NewDecoder(resp.Body).Decode(&ref); err != nil {
		return datatypes.DocumentRef{}, fmt.Errorf("decode response: %w", err)
	}
	return ref, nil
}
