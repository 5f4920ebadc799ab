package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nexus-assist/core/internal/config"
	"github.com/nexus-assist/core/internal/gateway"
	"github.com/nexus-assist/core/internal/lspsuper"
	"github.com/nexus-assist/core/internal/observability"
	"github.com/nexus-assist/core/internal/providers"
	"github.com/nexus-assist/core/internal/toolkit"
	execTool "github.com/nexus-assist/core/internal/tools/exec"
	"github.com/nexus-assist/core/internal/tools/files"
)

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logLevel := cfg.Logging.Level
	if debug {
		logLevel = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  logLevel,
		Format: cfg.Logging.Format,
	})

	var tracerShutdown func(context.Context) error
	if cfg.Observability.Tracing.Enabled {
		_, shutdown := observability.NewTracer(observability.TraceConfig{
			ServiceName:    cfg.Observability.Tracing.ServiceName,
			ServiceVersion: cfg.Observability.Tracing.ServiceVersion,
			Environment:    cfg.Observability.Tracing.Environment,
			Endpoint:       cfg.Observability.Tracing.Endpoint,
			SamplingRate:   cfg.Observability.Tracing.SamplingRate,
			Attributes:     cfg.Observability.Tracing.Attributes,
			EnableInsecure: cfg.Observability.Tracing.Insecure,
		})
		tracerShutdown = shutdown
	}

	provider, err := selectProvider(ctx, cfg.LLM)
	if err != nil {
		return fmt.Errorf("select llm provider: %w", err)
	}

	workspace, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve workspace: %w", err)
	}

	server, err := gateway.New(gateway.Config{
		Config:      cfg,
		Logger:      logger,
		Provider:    provider,
		Tools:       buildTools(cfg, workspace),
		LSPLauncher: buildLSPLauncher(cfg),
		Workspace:   workspace,
	})
	if err != nil {
		return fmt.Errorf("assemble server: %w", err)
	}

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	sigCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-sigCtx.Done()

	logger.Info(ctx, "shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stop server: %w", err)
	}
	if tracerShutdown != nil {
		_ = tracerShutdown(shutdownCtx)
	}
	return nil
}

// selectProvider builds the LLMProvider named by cfg.DefaultProvider from
// its entry in cfg.Providers.
func selectProvider(ctx context.Context, cfg config.LLMConfig) (providers.LLMProvider, error) {
	entry, ok := cfg.Providers[cfg.DefaultProvider]
	if !ok {
		return nil, fmt.Errorf("no provider configured for %q", cfg.DefaultProvider)
	}

	switch cfg.DefaultProvider {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       entry.APIKey,
			BaseURL:      entry.BaseURL,
			DefaultModel: entry.DefaultModel,
		})
	case "openai":
		return providers.NewOpenAIProvider(entry.APIKey), nil
	case "bedrock":
		return providers.NewBedrockProvider(ctx, providers.BedrockConfig{
			Region:       cfg.Bedrock.Region,
			DefaultModel: entry.DefaultModel,
		})
	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.DefaultProvider)
	}
}

// buildTools registers the Tool Pipeline's built-in tools: shell execution,
// background process management, and workspace-scoped file operations.
func buildTools(cfg *config.Config, workspace string) []toolkit.Tool {
	execManager := execTool.NewManager(workspace)
	filesCfg := files.Config{Workspace: workspace}

	return []toolkit.Tool{
		execTool.NewExecTool("exec", execManager),
		execTool.NewProcessTool(execManager),
		files.NewReadTool(filesCfg),
		files.NewWriteTool(filesCfg),
		files.NewEditTool(filesCfg),
		files.NewApplyPatchTool(filesCfg),
	}
}

// buildLSPLauncher turns the static per-language server config into a
// lspsuper.Launcher. Returns nil when no servers are configured, which
// disables the LSP Supervisor regardless of cfg.Supervisors.LSP.Enabled.
func buildLSPLauncher(cfg *config.Config) lspsuper.Launcher {
	servers := cfg.Supervisors.LSP.Servers
	if len(servers) == 0 {
		return nil
	}
	return func(language string) (lspsuper.LaunchSpec, error) {
		server, ok := servers[language]
		if !ok {
			return lspsuper.LaunchSpec{}, fmt.Errorf("no language server configured for %q", language)
		}
		return lspsuper.LaunchSpec{
			Command: server.Command,
			Args:    server.Args,
		}, nil
	}
}
