// Package gateway wires every subsystem (bus, channels, tools, agent loop,
// auth, audit, memory, cron) into one process and exposes it over HTTP.
//
// server.go holds the Server struct and its constructor. Unlike the
// teacher's gRPC gateway, which delegates component startup/shutdown to an
// infra.ComponentManager, this Server owns its subsystems directly: there
// is only one of each, none are hot-swappable at runtime, and a flat
// struct with an explicit Start/Stop keeps that visible instead of hiding
// it behind a generic component registry built for a much larger gateway.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pocketpaw/pocketpaw/internal/agent"
	"github.com/pocketpaw/pocketpaw/internal/agent/providers"
	"github.com/pocketpaw/pocketpaw/internal/agent/routing"
	"github.com/pocketpaw/pocketpaw/internal/audit"
	"github.com/pocketpaw/pocketpaw/internal/auth"
	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/internal/channels"
	"github.com/pocketpaw/pocketpaw/internal/channels/webhook"
	"github.com/pocketpaw/pocketpaw/internal/config"
	"github.com/pocketpaw/pocketpaw/internal/cron"
	"github.com/pocketpaw/pocketpaw/internal/guardian"
	"github.com/pocketpaw/pocketpaw/internal/memory"
	"github.com/pocketpaw/pocketpaw/internal/plan"
	"github.com/pocketpaw/pocketpaw/internal/ratelimit"
	"github.com/pocketpaw/pocketpaw/internal/sessions"
	"github.com/pocketpaw/pocketpaw/internal/shell"
	"github.com/pocketpaw/pocketpaw/internal/tools/policy"
)

// Server is the pocketpaw gateway: the bus, every configured channel
// adapter, the tool registry, the single Agent Loop, and the HTTP surface
// (REST, SSE, WS) that fronts all of it.
type Server struct {
	config     *config.Config
	configPath string
	logger     *slog.Logger
	startTime  time.Time

	bus      *bus.Bus
	channels *channels.Registry
	mounts   map[string]httpMountable
	webhook  *webhook.Adapter

	channelSettingsMu sync.Mutex
	channelSettings   map[string]map[string]string

	sessionTokens *auth.SessionTokens
	apiKeys       *auth.APIKeyStore
	oauth         *auth.OAuthServer
	limiter       *ratelimit.Limiter

	auditLog  *audit.Logger
	planMgr   *plan.Manager
	memoryMgr *memory.Manager
	scheduler *cron.Scheduler
	sessions  *sessions.Store
	procs     *shell.ProcessRegistry
	guardian  *guardian.Scanner
	resolver  *policy.Resolver
	toolPol   *policy.Policy

	loop       *agent.Loop
	loopCancel context.CancelFunc

	httpServer   *http.Server
	httpListener net.Listener

	mu sync.Mutex
}

// ManagedServerConfig configures a Server. The name and field set mirror
// the teacher's ManagedServerConfig so the CLI entrypoint constructs the
// gateway the same way regardless of which gateway package it is built
// against.
type ManagedServerConfig struct {
	Config     *config.Config
	Logger     *slog.Logger
	ConfigPath string
}

// NewManagedServer builds every gateway subsystem from cfg and returns a
// Server ready to Start. Nothing is started yet: construction only wires
// dependencies and opens the durable stores (audit log, API key store,
// OAuth token store, session log) that must exist before Start can accept
// traffic.
func NewManagedServer(cfg ManagedServerConfig) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	conf := cfg.Config
	if conf == nil {
		return nil, fmt.Errorf("gateway: config is required")
	}

	stateDir := stateDirFor(conf)
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("gateway: create state directory: %w", err)
	}

	messageBus := bus.New()
	if err := prometheus.Register(messageBus); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			return nil, fmt.Errorf("gateway: register bus metrics: %w", err)
		}
		// A prior Bus already exposes these series (e.g. a second
		// NewManagedServer in the same test binary); this Bus's own
		// metrics simply won't appear on /metrics for that case.
	}

	channelRegistry, mounts, webhookAdapter, err := buildChannels(messageBus, conf, logger)
	if err != nil {
		return nil, fmt.Errorf("gateway: build channels: %w", err)
	}

	if conf.Auth.MasterToken == "" {
		token, genErr := generateMasterToken()
		if genErr != nil {
			return nil, fmt.Errorf("gateway: generate master token: %w", genErr)
		}
		conf.Auth.MasterToken = token
		logger.Warn("no auth.master_token configured; generated one for this process",
			"master_token", token)
	}
	sessionTokens := auth.NewSessionTokens(conf.Auth.MasterToken)

	apiKeys, err := auth.NewAPIKeyStore(filepath.Join(stateDir, "api_keys.json"))
	if err != nil {
		return nil, fmt.Errorf("gateway: open api key store: %w", err)
	}

	oauthServer, err := auth.NewOAuthServer(filepath.Join(stateDir, "oauth_tokens.json"))
	if err != nil {
		return nil, fmt.Errorf("gateway: open oauth store: %w", err)
	}

	limiter := ratelimit.NewLimiter(conf.RateLimit)

	auditLog, err := audit.NewLogger(filepath.Join(stateDir, "audit.jsonl"), logger.With("component", "audit"))
	if err != nil {
		return nil, fmt.Errorf("gateway: open audit log: %w", err)
	}

	memoryMgr, err := memory.NewManager(&conf.VectorMemory)
	if err != nil {
		return nil, fmt.Errorf("gateway: open memory manager: %w", err)
	}

	scheduler, err := cron.NewScheduler(conf.Cron, cron.WithMessageSender(reminderMessageSender{bus: messageBus}))
	if err != nil {
		return nil, fmt.Errorf("gateway: build cron scheduler: %w", err)
	}

	sessionStore, err := sessions.New(filepath.Join(stateDir, "sessions"))
	if err != nil {
		return nil, fmt.Errorf("gateway: open session store: %w", err)
	}

	procs := shell.NewProcessRegistry(logger.With("component", "shell"))

	toolRegistry, err := buildToolRegistry(conf, memoryMgr, scheduler, procs)
	if err != nil {
		return nil, fmt.Errorf("gateway: build tool registry: %w", err)
	}

	providerCfg, ok := conf.LLM.Providers[conf.LLM.DefaultProvider]
	if !ok && conf.LLM.DefaultProvider != "" {
		return nil, fmt.Errorf("gateway: llm provider %q not configured", conf.LLM.DefaultProvider)
	}
	anthropicProvider, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
		APIKey:       providerCfg.APIKey,
		BaseURL:      providerCfg.BaseURL,
		DefaultModel: providerCfg.DefaultModel,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: build llm provider: %w", err)
	}

	modelRouter := routing.NewModelRouter(routing.TierModels{
		Simple:   conf.LLM.Tiers.Simple,
		Moderate: conf.LLM.Tiers.Moderate,
		Complex:  conf.LLM.Tiers.Complex,
		Default:  providerCfg.DefaultModel,
	})

	planMgr := plan.NewManager()
	guardianScanner := guardian.NewScanner(agent.NewGuardianProvider(anthropicProvider), providerCfg.DefaultModel, auditLog)
	resolver := policy.NewResolver()
	toolPolicy := &policy.Policy{
		Profile: conf.Tools.Execution.Approval.Profile,
		Allow:   conf.Tools.Execution.Approval.Allowlist,
		Deny:    conf.Tools.Execution.Approval.Denylist,
	}

	execCfg := conf.Tools.Execution
	loop := agent.NewLoop(agent.LoopConfig{
		Bus:      messageBus,
		Provider: anthropicProvider,
		Registry: toolRegistry,
		Store:    sessionStore,
		AuditLog: auditLog,
		PlanMgr:  planMgr,
		Guardian: guardianScanner,
		Resolver: resolver,
		Policy:   toolPolicy,
		Model:    providerCfg.DefaultModel,
		Router:   modelRouter.ModelFor,
		Options: agent.RuntimeOptions{
			MaxIterations:    execCfg.MaxIterations,
			ToolParallelism:  execCfg.Parallelism,
			ToolTimeout:      execCfg.Timeout,
			ToolMaxAttempts:  execCfg.MaxAttempts,
			ToolRetryBackoff: execCfg.RetryBackoff,
			DisableToolEvents: execCfg.DisableEvents,
			MaxToolCalls:     execCfg.MaxToolCalls,
			RequireApproval:  execCfg.RequireApproval,
			Logger:           logger,
			ToolResultGuard: agent.ToolResultGuard{
				Enabled:         execCfg.ResultGuard.Enabled,
				MaxChars:        execCfg.ResultGuard.MaxChars,
				Denylist:        execCfg.ResultGuard.Denylist,
				RedactPatterns:  execCfg.ResultGuard.RedactPatterns,
				RedactionText:   execCfg.ResultGuard.RedactionText,
				TruncateSuffix:  execCfg.ResultGuard.TruncateSuffix,
				SanitizeSecrets: execCfg.ResultGuard.SanitizeSecrets,
				ScanInjection:   execCfg.ResultGuard.ScanInjection,
			},
		},
	})

	return &Server{
		config:          conf,
		configPath:      cfg.ConfigPath,
		logger:          logger,
		bus:             messageBus,
		channels:        channelRegistry,
		mounts:          mounts,
		webhook:         webhookAdapter,
		channelSettings: make(map[string]map[string]string),
		sessionTokens:   sessionTokens,
		apiKeys:         apiKeys,
		oauth:           oauthServer,
		limiter:         limiter,
		auditLog:        auditLog,
		planMgr:         planMgr,
		memoryMgr:       memoryMgr,
		scheduler:       scheduler,
		sessions:        sessionStore,
		procs:           procs,
		guardian:        guardianScanner,
		resolver:        resolver,
		toolPol:         toolPolicy,
		loop:            loop,
	}, nil
}

// generateMasterToken produces a random 32-byte hex bearer token for
// processes started without an explicit auth.master_token.
func generateMasterToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// stateDirFor picks where the gateway keeps its own durable state (audit
// log, key stores, session log). There is no dedicated config field for
// this yet, so it nests under the configured workspace, falling back to
// "./data" when workspace support is disabled entirely.
func stateDirFor(cfg *config.Config) string {
	root := cfg.Workspace.Path
	if root == "" {
		root = "./data"
	}
	return filepath.Join(root, ".pocketpaw", "state")
}

// Start brings up the bus consumers: every enabled channel adapter, the
// cron scheduler, the Agent Loop, and the HTTP listener. It returns once
// the HTTP listener is accepting connections; everything else runs in
// background goroutines until Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.startTime = time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	s.loopCancel = cancel

	if err := s.channels.StartAll(runCtx); err != nil {
		cancel()
		return fmt.Errorf("gateway: start channels: %w", err)
	}

	if err := s.scheduler.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("gateway: start scheduler: %w", err)
	}

	go s.loop.Run(runCtx)

	if err := s.startHTTPServer(runCtx); err != nil {
		cancel()
		return err
	}

	s.logger.Info("gateway started", "http_addr", s.httpAddr())
	return nil
}

// Stop shuts down the HTTP listener, the cron scheduler, every channel
// adapter, and the audit log writer, in roughly the reverse order Start
// brought them up.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopHTTPServer(ctx)

	if s.loopCancel != nil {
		s.loopCancel()
	}

	if err := s.scheduler.Stop(ctx); err != nil {
		s.logger.Warn("error stopping scheduler", "error", err)
	}

	if err := s.channels.StopAll(ctx); err != nil {
		s.logger.Warn("error stopping channels", "error", err)
	}

	if err := s.auditLog.Close(); err != nil {
		s.logger.Warn("error closing audit log", "error", err)
	}

	return nil
}

func (s *Server) httpAddr() string {
	return fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.HTTPPort)
}

func (s *Server) startHTTPServer(ctx context.Context) error {
	if s.config.Server.HTTPPort == 0 {
		return nil
	}

	addr := s.httpAddr()
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	s.registerRoutes(mux)

	for name, mountable := range s.mounts {
		path := "/channels/hooks/" + name
		mux.Handle(path, mountable)
		mux.Handle(path+"/", mountable)
	}

	// The webhook channel mounts at its spec-fixed paths rather than under
	// the generic /channels/hooks/ prefix, since its named-slot routing
	// needs the {name} path segment instead of a single catch-all handler.
	if s.webhook != nil {
		mux.HandleFunc("/webhooks", s.webhook.ListSlots)
		mux.HandleFunc("/webhook/inbound/{name}", s.webhook.ServeSlot)
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway: listen on %s: %w", addr, err)
	}

	s.httpServer = server
	s.httpListener = listener

	go func() {
		if serveErr := server.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", serveErr)
		}
	}()

	return nil
}

func (s *Server) stopHTTPServer(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	shutdownCtx := ctx
	var cancel context.CancelFunc
	if shutdownCtx == nil {
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
	s.httpServer = nil
	s.httpListener = nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","uptime_seconds":%d}`, int(time.Since(s.startTime).Seconds()))
}
