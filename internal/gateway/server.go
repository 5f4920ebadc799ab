// Package gateway wires the five core subsystems (session store, engine,
// coordinator, snapshot core, LSP/terminal supervisors) into one process and
// exposes them over HTTP, gRPC health checks, and a Prometheus metrics
// endpoint. Grounded on haasonsaas-nexus's internal/gateway.ManagedServer,
// trimmed down from its channel/plugin/RAG surface to this module's scope.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/nexus-assist/core/internal/bus"
	"github.com/nexus-assist/core/internal/compaction"
	"github.com/nexus-assist/core/internal/config"
	"github.com/nexus-assist/core/internal/coordinator"
	"github.com/nexus-assist/core/internal/engine"
	"github.com/nexus-assist/core/internal/lspsuper"
	"github.com/nexus-assist/core/internal/observability"
	"github.com/nexus-assist/core/internal/pipeline"
	"github.com/nexus-assist/core/internal/providers"
	"github.com/nexus-assist/core/internal/roundtrip"
	"github.com/nexus-assist/core/internal/session"
	"github.com/nexus-assist/core/internal/snapshot"
	"github.com/nexus-assist/core/internal/stream"
	"github.com/nexus-assist/core/internal/termsuper"
	"github.com/nexus-assist/core/internal/toolkit"
)

// Server is the assembled core daemon: every subsystem plus the transports
// that expose them.
type Server struct {
	cfg    *config.Config
	logger *observability.Logger

	sessions    session.Store
	bus         *bus.Bus
	registry    *toolkit.Registry
	pipeline    *pipeline.Pipeline
	provider    providers.LLMProvider
	compaction  *compaction.Manager
	engine      *engine.Engine
	coordinator *coordinator.Coordinator
	snapshots   *snapshot.Core
	lsp         *lspsuper.Workspace
	terminals   *termsuper.Supervisor
	metrics     *observability.Metrics
	events      *observability.EventRecorder

	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
}

// Config configures a new Server.
type Config struct {
	Config *config.Config
	Logger *observability.Logger

	// Provider is the LLM backend selected for cfg.LLM.DefaultProvider.
	Provider providers.LLMProvider

	// Tools are registered into the toolkit.Registry before the pipeline
	// is constructed. Registration failures abort startup.
	Tools []toolkit.Tool

	// LSPLauncher resolves a language to a language server launch spec.
	// Nil disables the LSP Supervisor regardless of cfg.Supervisors.LSP.Enabled.
	LSPLauncher lspsuper.Launcher

	// Workspace is the root directory tools, snapshots, and the LSP
	// Supervisor operate against.
	Workspace string
}

// New assembles every subsystem described in the expanded specification and
// returns a Server ready to Start.
func New(sc Config) (*Server, error) {
	cfg := sc.Config
	logger := sc.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
	}

	eventBus := bus.New()
	sessions := session.NewMemoryStore()
	registry := toolkit.NewRegistry()
	for _, tool := range sc.Tools {
		if err := registry.Register(tool); err != nil {
			return nil, fmt.Errorf("register tool %q: %w", tool.Name(), err)
		}
	}

	pipelineCfg := pipeline.DefaultConfig()
	pipelineCfg.MaxConcurrency = cfg.Tools.Execution.Parallelism
	pipelineCfg.DefaultTimeout = cfg.Tools.Execution.Timeout
	pipelineCfg.DefaultRetries = cfg.Tools.Execution.MaxAttempts
	pipelineCfg.RetryBackoff = cfg.Tools.Execution.RetryBackoff
	pl := pipeline.New(registry, pipelineCfg, eventBus, approvalConfirmFunc(cfg.Tools.Execution.Approval))

	streamer := stream.New(eventBus)
	executor := roundtrip.New(sc.Provider, streamer, pl)

	summarizer := &compaction.ProviderSummarizer{Provider: sc.Provider, Model: cfg.Compaction.SummaryModel}
	manager := compaction.NewManager(summarizer)

	specs := toolSpecs(registry)
	windowTokens, defaultModel := providerWindow(sc.Provider)
	view := compaction.NewView(sessions, manager, "", defaultModel, windowTokens, defaultMaxTokens, specs)
	if pruning := config.EffectiveContextPruningSettings(cfg.Session.ContextPruning); pruning != nil {
		view.WithPruning(*pruning)
	}

	eng := engine.New(executor, sessions, view, cfg.Tools.Execution.MaxIterations)
	coord := coordinator.New(sessions, eng, pl)

	var snapCore *snapshot.Core
	if cfg.Snapshot.Enabled {
		var err error
		snapCore, err = snapshot.NewCore(cfg.Snapshot.StorePath)
		if err != nil {
			return nil, fmt.Errorf("open snapshot core: %w", err)
		}
	}

	var lspWorkspace *lspsuper.Workspace
	if cfg.Supervisors.LSP.Enabled && sc.LSPLauncher != nil {
		lspWorkspace = lspsuper.NewWorkspace(sc.Workspace, sc.LSPLauncher, eventBus, logger.Slog())
	}

	var termSupervisor *termsuper.Supervisor
	if cfg.Supervisors.Terminal.Enabled {
		termSupervisor = termsuper.NewSupervisor(eventBus, logger.Slog())
	}

	metrics := observability.NewMetrics()
	events := observability.NewEventRecorder(observability.NewMemoryEventStore(1000), logger)

	return &Server{
		cfg:         cfg,
		logger:      logger,
		sessions:    sessions,
		bus:         eventBus,
		registry:    registry,
		pipeline:    pl,
		provider:    sc.Provider,
		compaction:  manager,
		engine:      eng,
		coordinator: coord,
		snapshots:   snapCore,
		lsp:         lspWorkspace,
		terminals:   termSupervisor,
		metrics:     metrics,
		events:      events,
		health:      health.NewServer(),
	}, nil
}

// defaultMaxTokens bounds a single completion's output when the provider's
// default model doesn't say otherwise.
const defaultMaxTokens = 4096

// defaultWindowTokens is used when a provider reports no models (e.g. a
// fresh Bedrock discovery that hasn't run yet).
const defaultWindowTokens = 200000

// providerWindow picks the context window and model id of the provider's
// first advertised model, falling back to conservative defaults.
func providerWindow(p providers.LLMProvider) (window int, model string) {
	if p == nil {
		return defaultWindowTokens, ""
	}
	models := p.Models()
	if len(models) == 0 {
		return defaultWindowTokens, ""
	}
	if models[0].ContextSize > 0 {
		return models[0].ContextSize, models[0].ID
	}
	return defaultWindowTokens, models[0].ID
}

// toolSpecs projects the registry's tools into the provider-neutral specs a
// CompletionRequest advertises.
func toolSpecs(registry *toolkit.Registry) []providers.ToolSpec {
	tools := registry.All()
	specs := make([]providers.ToolSpec, 0, len(tools))
	for _, t := range tools {
		specs = append(specs, providers.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return specs
}

// approvalConfirmFunc turns the static approval policy into a
// pipeline.ConfirmFunc. Denylisted tools are left to the pipeline/registry
// to reject outright; this only decides whether a human must confirm an
// otherwise-runnable call.
func approvalConfirmFunc(cfg config.ApprovalConfig) pipeline.ConfirmFunc {
	required := make(map[string]bool, len(cfg.RequireApproval))
	for _, name := range cfg.RequireApproval {
		required[name] = true
	}
	allowed := make(map[string]bool, len(cfg.Allowlist))
	for _, name := range cfg.Allowlist {
		allowed[name] = true
	}
	return func(toolName string) bool {
		if required[toolName] {
			return true
		}
		if allowed["*"] || allowed[toolName] {
			return false
		}
		return cfg.Profile != "full"
	}
}

// Start brings up the HTTP, gRPC health, and metrics listeners and marks
// every registered service healthy. It does not block.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/v1/sessions", s.handleSessions)
	mux.HandleFunc("/v1/sessions/", s.handleSessionTurn)

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.HTTPPort)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsAddr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.MetricsPort)
	metricsServer := &http.Server{Addr: metricsAddr, Handler: metricsMux}

	grpcAddr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.GRPCPort)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	s.grpcServer = grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("core", grpc_health_v1.HealthCheckResponse_SERVING)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error(ctx, "http server exited", "error", err)
		}
	}()
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error(ctx, "metrics server exited", "error", err)
		}
	}()
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			s.logger.Error(ctx, "grpc server exited", "error", err)
		}
	}()

	if s.lsp != nil {
		s.logger.Info(ctx, "lsp supervisor enabled")
	}
	if s.terminals != nil {
		s.logger.Info(ctx, "terminal supervisor enabled")
	}

	s.logger.Info(ctx, "core server started", "http_addr", addr, "grpc_addr", grpcAddr, "metrics_addr", metricsAddr)
	return nil
}

// Stop drains every transport within the deadline carried by ctx.
func (s *Server) Stop(ctx context.Context) error {
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.grpcServer.Stop()
		}
	}
	if s.terminals != nil {
		s.terminals.Shutdown(5 * time.Second)
	}
	if s.lsp != nil {
		s.lsp.Shutdown()
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
	}
	return nil
}

// Coordinator exposes the assembled Coordinator for callers that need
// direct programmatic access (tests, embedding).
func (s *Server) Coordinator() *coordinator.Coordinator { return s.coordinator }
