// Copyright (C) 2026 Lantern Contributors (dev@lanternhq.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lanternhq/lantern/cmd/lantern/config"
	"github.com/lanternhq/lantern/pkg/logging"
	"github.com/lanternhq/lantern/services/chatcore/sessionapi"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	configPath string
	logLevel   string
	sessionID  string
	jsonLogs   bool

	appConfig config.LanternConfig
	appLogger *logging.Logger

	rootCmd = &cobra.Command{
		Use:   "lantern",
		Short: "Streaming chat client for the Lantern stack",
		Long: `Lantern is a terminal chat client that streams responses token by
token, supports mid-stream cancellation, and keeps the local view
reconciled with the server's canonical session history.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			if jsonLogs {
				cfg.Logging.JSON = true
			}
			appConfig = cfg
			appLogger = logging.New(logging.Config{
				Level:   logging.ParseLevel(cfg.Logging.Level),
				LogDir:  cfg.Logging.Dir,
				Service: "lantern",
				JSON:    cfg.Logging.JSON,
				Quiet:   true, // keep stderr clean for the chat UI
			})
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if appLogger != nil {
				_ = appLogger.Close()
			}
		},
	}

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive streaming chat session",
		RunE:  runChat,
	}

	sessionsCmd = &cobra.Command{
		Use:   "sessions",
		Short: "Manage server-side chat sessions",
	}

	sessionsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List chat sessions, newest first",
		RunE:  runSessionsList,
	}

	sessionsDeleteCmd = &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a chat session and its messages",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionsDelete,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the lantern version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("lantern", Version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.lantern/lantern.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug/info/warn/error)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "emit JSON logs on stderr")

	chatCmd.Flags().StringVar(&sessionID, "session", "", "resume an existing session by id")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsDeleteCmd)
	rootCmd.AddCommand(chatCmd, sessionsCmd, versionCmd)
}

// runChat wires the runner and blocks until the loop exits. SIGINT cancels
// the context; the runner turns that into a stop before shutting down.
func runChat(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runner, err := NewStreamChatRunner(ctx, RunnerConfig{
		Config:    appConfig,
		SessionID: sessionID,
		Logger:    appLogger.Slog(),
	})
	if err != nil {
		return err
	}
	defer runner.Close()

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	api := sessionapi.New(sessionapi.Config{
		BaseURL: appConfig.Server.BaseURL,
		Logger:  appLogger.Slog(),
	})
	page, err := api.ListSessions(ctx, 1, 50)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(page.Chats) == 0 {
		fmt.Println("No sessions.")
		return nil
	}
	for _, c := range page.Chats {
		title := c.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%s  %s  %s\n", c.ID, c.UpdatedAt.Local().Format("2006-01-02 15:04"), title)
	}
	if page.Pagination.TotalPages > 1 {
		fmt.Printf("Showing page 1 of %d.\n", page.Pagination.TotalPages)
	}
	return nil
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	api := sessionapi.New(sessionapi.Config{
		BaseURL: appConfig.Server.BaseURL,
		Logger:  appLogger.Slog(),
	})
	if err := api.DeleteSession(ctx, args[0]); err != nil {
		if errors.Is(err, sessionapi.ErrNotFound) {
			return fmt.Errorf("session %s not found", args[0])
		}
		return fmt.Errorf("delete session: %w", err)
	}
	fmt.Println("Deleted", args[0])
	return nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
