package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ent0n29/mnemo/internal/agent"
	"github.com/ent0n29/mnemo/internal/approval"
	"github.com/ent0n29/mnemo/internal/auth"
	"github.com/ent0n29/mnemo/internal/config"
	"github.com/ent0n29/mnemo/internal/conversation"
	"github.com/ent0n29/mnemo/internal/httpapi"
	"github.com/ent0n29/mnemo/internal/logging"
	"github.com/ent0n29/mnemo/internal/memctx"
	"github.com/ent0n29/mnemo/internal/memory"
	"github.com/ent0n29/mnemo/internal/observability"
	"github.com/ent0n29/mnemo/internal/reliability"
)

var storeBackoff = reliability.Backoff{
	Attempts: 4,
	Base:     250 * time.Millisecond,
	Cap:      4 * time.Second,
}

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Store        memory.Store
	Orchestrator *conversation.Orchestrator
	Metrics      *observability.Metrics
	AgentDetail  string

	// Cleanup should be called on shutdown to release external resources (DB pools, files).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	logger = logging.OrNop(logger)
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	invoker, err := agent.NewInvoker(agent.Config{
		Mode:          cfg.AgentMode,
		HTTPURL:       cfg.AgentHTTPURL,
		Token:         cfg.AgentToken,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		Model:         cfg.AgentModel,
		Timeout:       cfg.AgentCallTimeout,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("agent invoker init failed: %w", err)
	}
	detail := agent.Describe(invoker)

	policy := approval.AllowList(cfg.ApprovalAllowedTools).WithScreening(cfg.ApprovalScreenArguments)
	loop := approval.NewLoop(agent.Traced(invoker), approval.Options{
		MaxIterations: cfg.ApprovalMaxIterations,
		Policy:        policy,
		Logger:        logger,
		Metrics:       metrics,
	})

	orchestrator := conversation.New(
		store,
		memctx.NewBuilder(store, cfg.MemoryMaxFacts, cfg.MemoryMaxChars),
		loop,
		conversation.Config{
			DefaultUserID:  cfg.DefaultUserID,
			HistoryTurns:   cfg.MemoryHistoryTurns,
			RequestTimeout: cfg.ChatRequestTimeout,
		},
		logger,
		metrics,
	)

	verifier := auth.NewVerifier(cfg.AuthJWTSecret, cfg.AuthRequired)
	api := httpapi.New(cfg, orchestrator, store, verifier, metrics, logger)

	logger.Info("components ready",
		"store", store.Mode(),
		"agent", detail,
		"approval_max_iterations", loop.MaxIterations(),
		"approval_allowed_tools", policy.Tools(),
		"approval_screening", cfg.ApprovalScreenArguments,
		"auth_jwt", cfg.AuthJWTSecret != "",
		"auth_required", cfg.AuthRequired,
	)

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Store:        store,
		Orchestrator: orchestrator,
		Metrics:      metrics,
		AgentDetail:  detail,
		Cleanup:      store.Close,
	}, nil
}

// OpenStore connects the configured store, retrying transient failures with
// capped exponential backoff.
func OpenStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (memory.Store, error) {
	logger = logging.OrNop(logger)
	storeCfg := memory.Config{
		Driver:      cfg.StoreDriver,
		DatabaseURL: cfg.DatabaseURL,
		SQLitePath:  cfg.SQLitePath,
	}

	var store memory.Store
	err := reliability.Retry(ctx, storeBackoff, func(ctx context.Context) error {
		s, err := memory.NewStore(ctx, storeCfg)
		if errors.Is(err, memory.ErrStoreConfig) {
			return reliability.Permanent(err)
		}
		store = s
		return err
	}, func(attempt int, wait time.Duration, err error) {
		logger.Warn("memory store not reachable, retrying", "attempt", attempt, "wait", wait, "err", err)
	})
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}
	return store, nil
}
