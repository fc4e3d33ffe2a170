// Command ra-mcp-bridge exposes an external language-analysis subprocess's
// LSP capabilities as MCP tool calls over stdio.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmccarthy/ra-mcp-bridge/config"
	"github.com/dmccarthy/ra-mcp-bridge/server"
	"github.com/dmccarthy/ra-mcp-bridge/session"
	"github.com/dmccarthy/ra-mcp-bridge/tools"
	"github.com/dmccarthy/ra-mcp-bridge/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		return fmt.Errorf("parse configuration: %w", err)
	}

	logger := buildLogger(cfg)

	workspace := cfg.Workspace
	if workspace == "" {
		workspace, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve workspace: %w", err)
		}
	}

	sessOpts := session.Options{
		AnalyzerBinary:        cfg.AnalyzerBinary,
		AnalyzerArgs:          cfg.AnalyzerArgs,
		EnvPassthrough:        cfg.EnvPassthrough,
		RequestTimeout:        cfg.RequestTimeout(),
		DocumentOpenDelay:     cfg.DocumentOpenDelay(),
		DiagnosticsPoll:       cfg.DiagnosticsPoll(),
		DiagnosticsDeadline:   cfg.DiagnosticsDeadline(),
		KillDeadline:          cfg.KillDeadline(),
		PostInitNotification:  cfg.PostInitNotification,
		FallbackSweepCap:      cfg.FallbackSweepCap,
	}
	// A nil map assigned to the `any` field would still compare non-nil
	// (typed-nil interface), so only wire it through when the TOML file
	// actually set one.
	if len(cfg.WorkspaceConfig) > 0 {
		sessOpts.WorkspaceConfig = cfg.WorkspaceConfig
	}

	sess := session.New(sessOpts, logger)
	dispatcher := tools.NewDispatcher(sess, workspace)
	stream := transport.NewStream(os.Stdin, os.Stdout)
	srv := server.New(stream, dispatcher, sess, logger, server.Options{
		Name:    cfg.ServerName,
		Version: cfg.ServerVersion,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting bridge", "workspace", workspace, "analyzer_binary", cfg.AnalyzerBinary)
	return srv.Run(ctx)
}

func buildLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
