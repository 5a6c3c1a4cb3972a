// Command pocketpawd is the process entry point for the pocketpaw personal
// agent runtime: it loads configuration, wires the gateway (bus, channel
// adapters, agent loop, HTTP/SSE/WS surface) and runs it until a shutdown
// signal arrives.
//
// Exit codes match the spec's CLI contract: 0 on a clean shutdown, 1 on a
// configuration error, 2 when a required dependency is missing.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pocketpaw/pocketpaw/internal/channels"
	"github.com/pocketpaw/pocketpaw/internal/config"
	"github.com/pocketpaw/pocketpaw/internal/gateway"
	"github.com/pocketpaw/pocketpaw/internal/security"
	"github.com/pocketpaw/pocketpaw/internal/workspace"
)

// Build information, populated by ldflags during release builds.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// exitError carries a process exit code alongside the error message Cobra
// prints, so runE handlers can distinguish a configuration error (1) from a
// missing dependency (2) without main() re-classifying the error string.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pocketpawd",
		Short:         "pocketpaw self-hosted agent runtime",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(
		buildServeCmd(),
		buildBotCmd(),
		buildSetupCmd(),
		buildDoctorCmd(),
	)
	return root
}

// buildServeCmd starts the API-only HTTP/SSE/WS surface plus every channel
// configured in the config file. This is the "serve" form named in the
// spec's CLI surface (§6): `serve [--host H] [--port P] [--dev]`.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		host       string
		port       int
		dev        bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway: channel adapters, agent loop, and HTTP/SSE/WS API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), serveOptions{
				configPath: configPath,
				host:       host,
				port:       port,
				dev:        dev,
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", security.DefaultConfigPath(), "path to the YAML configuration file")
	cmd.Flags().StringVar(&host, "host", "", "override server.host from the config")
	cmd.Flags().IntVar(&port, "port", 0, "override server.http_port from the config")
	cmd.Flags().BoolVar(&dev, "dev", false, "enable verbose debug logging")
	return cmd
}

// buildBotCmd runs the gateway restricted to a single named channel, for
// operators who front one transport with its own process/container rather
// than the all-in-one `serve`.
func buildBotCmd() *cobra.Command {
	var (
		configPath string
		channel    string
		dev        bool
	)
	cmd := &cobra.Command{
		Use:   "bot",
		Short: "Run a single channel adapter against the agent loop",
		Long: `bot runs the same gateway as serve but disables every configured
channel except the one named by --channel, and always disables the
HTTP/SSE/WS surface. Useful for running one transport per process or
container.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd.Context(), botOptions{
				configPath: configPath,
				channel:    channel,
				dev:        dev,
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", security.DefaultConfigPath(), "path to the YAML configuration file")
	cmd.Flags().StringVar(&channel, "channel", "", "channel tag to run exclusively (telegram, discord, slack, whatsapp, signal, matrix, teams, google_chat)")
	cmd.Flags().BoolVar(&dev, "dev", false, "enable verbose debug logging")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}

// buildSetupCmd seeds a fresh workspace with the identity bootstrap files
// (AGENTS.md, SOUL.md, USER.md, IDENTITY.md, TOOLS.md, HEARTBEAT.md,
// MEMORY.md) the Agent Loop reads into its system prompt.
func buildSetupCmd() *cobra.Command {
	var (
		configPath   string
		workspaceDir string
		overwrite    bool
	)
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Seed a workspace with identity bootstrap files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				cfg = &config.Config{Workspace: config.DefaultWorkspaceConfig()}
			}
			if workspaceDir != "" {
				cfg.Workspace.Path = workspaceDir
			}
			files := workspace.BootstrapFilesForConfig(cfg)
			result, err := workspace.EnsureWorkspaceFiles(cfg.Workspace.Path, files, overwrite)
			if err != nil {
				return &exitError{code: 1, err: err}
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "workspace ready: %s\n", cfg.Workspace.Path)
			for _, p := range result.Created {
				fmt.Fprintf(out, "  created %s\n", p)
			}
			for _, p := range result.Skipped {
				fmt.Fprintf(out, "  skipped %s (exists)\n", p)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", security.DefaultConfigPath(), "path to the YAML configuration file")
	cmd.Flags().StringVar(&workspaceDir, "workspace", "", "workspace directory to initialize (overrides config)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "overwrite existing bootstrap files")
	return cmd
}

// buildDoctorCmd validates the config and repairs over-permissive state
// file modes (token stores must be 0600; §5 refuses to read anything wider).
func buildDoctorCmd() *cobra.Command {
	var (
		configPath string
		repair     bool
	)
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Validate configuration and state-file permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return &exitError{code: 1, err: fmt.Errorf("load config: %w", err)}
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config ok: %s\n", configPath)
			fmt.Fprintf(out, "workspace: %s\n", cfg.Workspace.Path)

			opts := security.FixOptions{
				StateDir:   security.DefaultStateDir(),
				ConfigPath: configPath,
				DryRun:     !repair,
			}
			result := security.Fix(opts)
			verb := "would fix"
			if repair {
				verb = "fixed"
			}
			fmt.Fprintf(out, "%s %d issue(s), skipped %d\n", verb, result.FixedCount, result.SkippedCount)
			for _, action := range result.Actions {
				if action.Error != "" {
					fmt.Fprintf(out, "  ERROR %s: %s\n", action.Path, action.Error)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", security.DefaultConfigPath(), "path to the YAML configuration file")
	cmd.Flags().BoolVar(&repair, "repair", false, "apply fixes instead of reporting them")
	return cmd
}

type serveOptions struct {
	configPath string
	host       string
	port       int
	dev        bool
}

func runServe(ctx context.Context, opts serveOptions) error {
	if opts.dev {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return &exitError{code: 1, err: fmt.Errorf("load config: %w", err)}
	}
	if opts.host != "" {
		cfg.Server.Host = opts.host
	}
	if opts.port != 0 {
		cfg.Server.HTTPPort = opts.port
	}

	server, err := gateway.NewManagedServer(gateway.ManagedServerConfig{
		Config:     cfg,
		Logger:     slog.Default(),
		ConfigPath: opts.configPath,
	})
	if err != nil {
		return classifyStartupError(err)
	}

	return runUntilSignal(ctx, server)
}

type botOptions struct {
	configPath string
	channel    string
	dev        bool
}

func runBot(ctx context.Context, opts botOptions) error {
	if opts.dev {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return &exitError{code: 1, err: fmt.Errorf("load config: %w", err)}
	}

	if err := restrictToChannel(cfg, opts.channel); err != nil {
		return &exitError{code: 1, err: err}
	}
	// A single-channel runner has no business exposing the REST/SSE/WS
	// surface unless the operator explicitly asked for it elsewhere; this
	// command always disables it so one adapter per process never fights
	// another process for the same port.
	cfg.Server.HTTPPort = 0

	server, err := gateway.NewManagedServer(gateway.ManagedServerConfig{
		Config:     cfg,
		Logger:     slog.Default(),
		ConfigPath: opts.configPath,
	})
	if err != nil {
		return classifyStartupError(err)
	}

	return runUntilSignal(ctx, server)
}

// restrictToChannel disables every configured channel except the one named,
// returning an error if the name is not a known channel.
func restrictToChannel(cfg *config.Config, channel string) error {
	allOff := func() {
		cfg.Channels.Telegram.Enabled = false
		cfg.Channels.Discord.Enabled = false
		cfg.Channels.Slack.Enabled = false
		cfg.Channels.WhatsApp.Enabled = false
		cfg.Channels.Signal.Enabled = false
		cfg.Channels.Matrix.Enabled = false
		cfg.Channels.Teams.Enabled = false
	}
	allOff()
	switch channel {
	case "telegram":
		cfg.Channels.Telegram.Enabled = true
	case "discord":
		cfg.Channels.Discord.Enabled = true
	case "slack":
		cfg.Channels.Slack.Enabled = true
	case "whatsapp":
		cfg.Channels.WhatsApp.Enabled = true
	case "signal":
		cfg.Channels.Signal.Enabled = true
	case "matrix":
		cfg.Channels.Matrix.Enabled = true
	case "teams":
		cfg.Channels.Teams.Enabled = true
	case "google_chat", "googlechat":
		// Google Chat has no enable flag of its own yet; see
		// gateway.buildChannels, which activates it purely from an
		// environment-provided service account.
	default:
		return fmt.Errorf("unknown channel %q", channel)
	}
	return nil
}

// classifyStartupError maps a gateway construction failure onto the spec's
// exit codes: a missing optional dependency (e.g. signal-cli not on PATH)
// is exit 2, everything else (bad config, bad credentials) is exit 1.
func classifyStartupError(err error) error {
	if errors.Is(err, channels.ErrDependencyMissing) {
		return &exitError{code: 2, err: err}
	}
	return &exitError{code: 1, err: fmt.Errorf("start gateway: %w", err)}
}

// runUntilSignal starts server and blocks until SIGINT/SIGTERM or a fatal
// startup error, then drains every subsystem within a bounded deadline.
func runUntilSignal(ctx context.Context, server *gateway.Server) error {
	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := server.Start(runCtx); err != nil {
		return classifyStartupError(err)
	}

	<-runCtx.Done()
	slog.Info("shutdown signal received")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := server.Stop(stopCtx); err != nil {
		return &exitError{code: 1, err: fmt.Errorf("shutdown: %w", err)}
	}
	return nil
}
