// Copyright (C) 2026 Lantern Contributors (dev@lanternhq.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads the config at path, creating it with defaults on first run.
// Empty path uses ~/.lantern/lantern.yaml.
func Load(path string) (LanternConfig, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return LanternConfig{}, fmt.Errorf("locating home directory: %w", err)
		}
		path = filepath.Join(home, ".lantern", "lantern.yaml")
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "First run detected, creating config at %s\n", path)
		if err := writeDefault(path); err != nil {
			return LanternConfig{}, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return LanternConfig{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return LanternConfig{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.Chat.UploadConcurrency <= 0 {
		cfg.Chat.UploadConcurrency = 4
	}
	if cfg.Chat.HistorySize <= 0 {
		cfg.Chat.HistorySize = 50
	}
	return cfg, nil
}

func writeDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}
