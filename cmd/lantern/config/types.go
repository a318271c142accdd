// Copyright (C) 2026 Lantern Contributors (dev@lanternhq.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the Lantern CLI configuration file.
package config

// LanternConfig is the on-disk CLI configuration, stored at
// ~/.lantern/lantern.yaml.
type LanternConfig struct {
	// Server locates the Lantern backend.
	Server ServerConfig `yaml:"server"`

	// Logging controls CLI log output.
	Logging LoggingConfig `yaml:"logging"`

	// Chat tunes the streaming chat pipeline.
	Chat ChatConfig `yaml:"chat"`
}

type ServerConfig struct {
	// BaseURL is the REST API root, e.g. http://localhost:8080
	BaseURL string `yaml:"base_url"`

	// WSURL is the streaming endpoint. Empty derives it from BaseURL.
	WSURL string `yaml:"ws_url,omitempty"`
}

type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Dir enables file logging when set. Supports ~ expansion.
	Dir string `yaml:"dir,omitempty"`

	// JSON switches stderr output to JSON.
	JSON bool `yaml:"json,omitempty"`
}

type ChatConfig struct {
	// SecureBuffers requests mlocked token buffers.
	SecureBuffers bool `yaml:"secure_buffers"`

	// UploadConcurrency caps parallel attachment uploads.
	UploadConcurrency int `yaml:"upload_concurrency"`

	// HistorySize is the interactive input history depth.
	HistorySize int `yaml:"history_size"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() LanternConfig {
	return LanternConfig{
		Server: ServerConfig{
			BaseURL: "http://localhost:8080",
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "~/.lantern/logs",
		},
		Chat: ChatConfig{
			SecureBuffers:     true,
			UploadConcurrency: 4,
			HistorySize:       50,
		},
	}
}

// StreamURL returns the websocket endpoint, deriving it from BaseURL when no
// explicit ws_url is configured.
func (c *LanternConfig) StreamURL() string {
	if c.Server.WSURL != "" {
		return c.Server.WSURL
	}
	base := c.Server.BaseURL
	switch {
	case len(base) > 8 && base[:8] == "https://":
		return "wss://" + base[8:] + "/api/chat/ws"
	case len(base) > 7 && base[:7] == "http://":
		return "ws://" + base[7:] + "/api/chat/ws"
	default:
		return base + "/api/chat/ws"
	}
}
