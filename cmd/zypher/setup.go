package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zypherlabs/zypher/pkg/agent"
	"github.com/zypherlabs/zypher/pkg/attachments"
	"github.com/zypherlabs/zypher/pkg/checkpoint"
	"github.com/zypherlabs/zypher/pkg/config"
	"github.com/zypherlabs/zypher/pkg/interceptor"
	"github.com/zypherlabs/zypher/pkg/mcp"
	"github.com/zypherlabs/zypher/pkg/model/anthropic"
	"github.com/zypherlabs/zypher/pkg/observability"
	"github.com/zypherlabs/zypher/pkg/tools"
)

const clientVersion = "1.0"

// runtime bundles the wired agent with what the commands need to tear it
// down again.
type runtime struct {
	cfg     *config.Config
	agent   *agent.Agent
	metrics prometheus.Gatherer

	logClose io.Closer
}

func (rt *runtime) close(ctx context.Context) {
	if err := rt.agent.Dispose(ctx); err != nil {
		slog.Warn("dispose agent", "error", err)
	}
	if rt.logClose != nil {
		_ = rt.logClose.Close()
	}
}

// buildRuntime loads the config and wires every collaborator into an agent.
func buildRuntime(ctx context.Context, cli *CLI) (*runtime, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}

	logClose, err := initLogger(cli, cfg)
	if err != nil {
		return nil, err
	}

	provider, err := anthropic.New(&cfg.Model)
	if err != nil {
		return nil, err
	}

	var (
		metrics prometheus.Gatherer
		rec     *observability.Recorder
	)
	if cfg.Server.Metrics {
		reg := prometheus.NewRegistry()
		rec, err = observability.NewRecorder(reg)
		if err != nil {
			return nil, err
		}
		metrics = reg
	}

	flow := mcp.NewOAuthFlow(mcp.NewMemoryTokenStore())
	connector := mcp.NewTransportConnector(
		mcp.WithClientInfo("zypher", clientVersion),
		mcp.WithOAuthFlow(flow),
	)
	manager := mcp.NewManager(connector,
		mcp.WithRegistry(mcp.NewRegistryClient(cfg.MCP.RegistryURL)),
		mcp.WithRecorder(rec),
	)

	for _, srv := range cfg.MCP.Servers {
		client, err := manager.RegisterServer(ctx, srv.Endpoint, mcp.RegisterOptions{
			Enabled: srv.IsEnabled(),
		})
		if err != nil {
			// A registered server that failed to connect stays in the
			// fleet and can be retried; only registration itself is fatal.
			if client == nil {
				return nil, fmt.Errorf("register MCP server %q: %w", srv.ID, err)
			}
			slog.Warn("MCP server not connected", "server", srv.ID, "error", err)
		}
	}

	if lt := cfg.Agent.LocalTools; lt != nil {
		locals, err := tools.NewLocalTools(cfg.Agent.Workspace, &tools.LocalOptions{
			AllowedCommands: lt.AllowedCommands,
			CommandTimeout:  lt.CommandTimeout.Std(),
		})
		if err != nil {
			return nil, err
		}
		for _, tool := range locals {
			if err := manager.RegisterTool(tool); err != nil {
				return nil, err
			}
		}
	}

	store := checkpoint.NewStore(cfg.Agent.Workspace, cfg.Checkpoints.Dir)

	chain := interceptor.NewChain(interceptor.NewToolExecution(manager))
	if cfg.Agent.MaxTokenContinuations != 0 {
		chain.Append(interceptor.NewContinueOnMaxTokens(cfg.Agent.MaxTokenContinuations))
	}
	if det := cfg.Agent.ErrorDetector; det != nil {
		ed := interceptor.NewErrorDetector(cfg.Agent.Workspace, det.Command, det.Args...)
		if det.Description != "" {
			ed.Description = det.Description
		}
		chain.Append(ed)
	}

	var prompts agent.PromptLoader = agent.StaticPrompt(cfg.Agent.SystemPrompt)
	if cfg.Agent.SystemPromptPath != "" {
		prompts = &agent.FilePromptLoader{
			Path:      cfg.Agent.SystemPromptPath,
			SkillsDir: cfg.Agent.SkillsDir,
		}
	}

	opts := []agent.RunnerOption{
		agent.WithMaxIterations(cfg.Agent.MaxIterations),
		agent.WithTaskTimeout(cfg.Agent.TaskTimeout.Std()),
		agent.WithRecorder(rec),
	}

	if s3cfg := cfg.Attachments.S3; s3cfg != nil {
		storage, err := attachments.NewS3Storage(ctx, s3cfg)
		if err != nil {
			return nil, fmt.Errorf("attachment storage: %w", err)
		}
		cache, err := attachments.NewCache(storage, cfg.Attachments.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("attachment cache: %w", err)
		}
		opts = append(opts, agent.WithAttachmentCache(cache))
	}

	runner := agent.NewRunner(provider, manager, chain, store, prompts, opts...)
	return &runtime{
		cfg:      cfg,
		agent:    agent.New(runner),
		metrics:  metrics,
		logClose: logClose,
	}, nil
}
