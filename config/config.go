// Package config builds the bridge's runtime configuration from defaults,
// an optional TOML file, and CLI flags (highest precedence), mirroring
// nevindra-oasis's defaults -> TOML -> override layering and
// jinterlante1206-AleutianLocal's cobra root-command-with-flags shape.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
)

// Config is every reliability knob spec.md §9 calls out as
// environment-sensitive, plus the supplemented features from
// original_source (env passthrough, post-init notification, TOML file
// config).
type Config struct {
	Workspace string `toml:"-"`

	AnalyzerBinary string   `toml:"analyzer_binary"`
	AnalyzerArgs   []string `toml:"analyzer_args"`

	RequestTimeoutMS      int `toml:"request_timeout_ms"`
	DocumentOpenDelayMS   int `toml:"document_open_delay_ms"`
	DiagnosticsPollMS     int `toml:"diagnostics_poll_ms"`
	DiagnosticsDeadlineMS int `toml:"diagnostics_deadline_ms"`
	KillDeadlineMS        int `toml:"kill_deadline_ms"`
	FallbackSweepCap      int `toml:"fallback_sweep_cap"`

	EnvPassthrough []string `toml:"env_passthrough"`

	PostInitNotification string         `toml:"post_init_notification"`
	WorkspaceConfig      map[string]any `toml:"workspace_config"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	ServerName    string `toml:"server_name"`
	ServerVersion string `toml:"server_version"`

	ConfigFile string `toml:"-"`
}

// Default mirrors original_source's reliability-knob constants and the
// teacher's unconfigured defaults where the teacher took none.
func Default() Config {
	return Config{
		AnalyzerBinary:        "rust-analyzer",
		RequestTimeoutMS:      30_000,
		DocumentOpenDelayMS:   300,
		DiagnosticsPollMS:     150,
		DiagnosticsDeadlineMS: 5_000,
		KillDeadlineMS:        3_000,
		FallbackSweepCap:      128,
		LogLevel:              "info",
		LogFormat:             "text",
		ServerName:            "ra-mcp-bridge",
		ServerVersion:         "0.1.0",
	}
}

// RequestTimeout and friends expose the millisecond fields as
// time.Duration for callers building session.Options.
func (c Config) RequestTimeout() time.Duration      { return time.Duration(c.RequestTimeoutMS) * time.Millisecond }
func (c Config) DocumentOpenDelay() time.Duration   { return time.Duration(c.DocumentOpenDelayMS) * time.Millisecond }
func (c Config) DiagnosticsPoll() time.Duration     { return time.Duration(c.DiagnosticsPollMS) * time.Millisecond }
func (c Config) DiagnosticsDeadline() time.Duration { return time.Duration(c.DiagnosticsDeadlineMS) * time.Millisecond }
func (c Config) KillDeadline() time.Duration        { return time.Duration(c.KillDeadlineMS) * time.Millisecond }

// SlogLevel maps the string LogLevel flag to a slog.Level, defaulting to
// Info for anything unrecognized rather than failing startup over a typo.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// mergeTOML loads path (if it exists) over cfg, the same defaults -> file
// precedence nevindra-oasis's Load uses; a missing file is not an error.
func mergeTOML(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// configFlagValue scans args for --config (or --config=value) ahead of the
// full flag parse, so the TOML file can be merged into cfg before cobra
// binds the rest of the flags to it — that ordering is what lets an
// explicit CLI flag win over the file and the file win over Default()
// (spec §6), instead of the file stomping flag values set during Execute.
func configFlagValue(args []string) string {
	for i, a := range args {
		switch {
		case a == "--config" && i+1 < len(args):
			return args[i+1]
		case len(a) > len("--config=") && a[:len("--config=")] == "--config=":
			return a[len("--config="):]
		}
	}
	return ""
}

// Parse builds a cobra root command around cfg's flags, executes it
// against args (typically os.Args[1:]), and returns the resulting Config.
// The positional workspace argument and every flag win over the TOML file,
// which wins over Default() (spec §6 — "a single optional positional
// argument names a workspace directory").
func Parse(args []string) (Config, error) {
	cfg := Default()
	cfg.ConfigFile = configFlagValue(args)
	if err := mergeTOML(&cfg, cfg.ConfigFile); err != nil {
		return Config{}, err
	}

	var result Config

	root := &cobra.Command{
		Use:          "ra-mcp-bridge [workspace]",
		Short:        "Bridges MCP tool calls to an external language-analysis subprocess over LSP",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, positional []string) error {
			if len(positional) == 1 {
				cfg.Workspace = positional[0]
			}
			result = cfg
			return nil
		},
	}

	flags := root.Flags()
	flags.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "optional TOML config file")
	flags.StringVar(&cfg.AnalyzerBinary, "analyzer-binary", cfg.AnalyzerBinary, "path to the analyzer subprocess binary")
	flags.StringSliceVar(&cfg.AnalyzerArgs, "analyzer-arg", cfg.AnalyzerArgs, "extra argument passed to the analyzer subprocess (repeatable)")
	flags.IntVar(&cfg.RequestTimeoutMS, "request-timeout-ms", cfg.RequestTimeoutMS, "pending LSP request deadline in milliseconds")
	flags.IntVar(&cfg.DocumentOpenDelayMS, "document-open-delay-ms", cfg.DocumentOpenDelayMS, "delay after opening a document before issuing the next request")
	flags.IntVar(&cfg.DiagnosticsPollMS, "diagnostics-poll-ms", cfg.DiagnosticsPollMS, "diagnostics cache poll interval in milliseconds")
	flags.IntVar(&cfg.DiagnosticsDeadlineMS, "diagnostics-deadline-ms", cfg.DiagnosticsDeadlineMS, "overall diagnostics wait deadline in milliseconds")
	flags.IntVar(&cfg.KillDeadlineMS, "kill-deadline-ms", cfg.KillDeadlineMS, "grace period before forcibly killing the analyzer on shutdown")
	flags.IntVar(&cfg.FallbackSweepCap, "fallback-sweep-cap", cfg.FallbackSweepCap, "max files opened by the workspace diagnostics fallback sweep")
	flags.StringSliceVar(&cfg.EnvPassthrough, "env-passthrough", cfg.EnvPassthrough, "environment variable name forwarded to the analyzer subprocess (repeatable)")
	flags.StringVar(&cfg.PostInitNotification, "post-init-notification", cfg.PostInitNotification, "best-effort notification method sent right after initialize")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn, or error")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json")

	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		return Config{}, err
	}
	return result, nil
}
