// Kestrel - Fraud risk scoring with explainable decisions.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/chat"
	"github.com/opensource-finance/kestrel/internal/dataset"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/nlp"
	"github.com/opensource-finance/kestrel/internal/registry"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/telemetry"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := domain.LoadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"default_algorithm", cfg.Model.DefaultAlgorithm,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Tracing, Version)
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Initialize Repository
	repo, err := repository.New(ctx, cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	if cfg.Repository.SeedDemo {
		users, txns, err := repo.Seed(ctx, cfg.Model.Seed, time.Now())
		if err != nil {
			slog.Error("failed to seed demo data", "error", err)
			os.Exit(1)
		}
		slog.Info("demo data seeded", "users", users, "transactions", txns)
	}
	go telemetry.StartDBStatsCollector(ctx, repo.DB(), 15*time.Second)

	// Initialize Cache
	cacheImpl, err := cache.New(ctx, cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(ctx, cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Audit worker persists every published decision.
	auditWorker := worker.NewWorker(busImpl, repo)
	if err := auditWorker.Start(); err != nil {
		slog.Error("failed to start audit worker", "error", err)
		os.Exit(1)
	}

	reg := registry.New(cfg.Model, dataset.NewLoader(), registry.WithEventBus(busImpl))

	engines, policies, err := loadPolicies(cfg.Policy)
	if err != nil {
		slog.Error("failed to load policies", "error", err)
		os.Exit(1)
	}
	scoreOverlay, scorePolicy, err := surface(engines, policies, cfg.Policy.ScoreRuleSet, cfg.Policy.ScorePolicy)
	if err != nil {
		slog.Error("invalid score surface", "error", err)
		os.Exit(1)
	}
	chatOverlay, chatPolicy, err := surface(engines, policies, cfg.Policy.ChatRuleSet, cfg.Policy.ChatPolicy)
	if err != nil {
		slog.Error("invalid chat surface", "error", err)
		os.Exit(1)
	}
	slog.Info("policies loaded",
		"score_policy", scorePolicy.Name,
		"score_rule_set", scoreOverlay.Name(),
		"chat_policy", chatPolicy.Name,
		"chat_rule_set", chatOverlay.Name(),
	)

	scorer := scoring.New(reg, scoreOverlay, scorePolicy,
		scoring.WithSource(scoring.SourceAPI),
		scoring.WithCache(cacheImpl, cfg.Cache.ScoreTTL),
		scoring.WithEventBus(busImpl),
	)
	chatScorer := scoring.New(reg, chatOverlay, chatPolicy,
		scoring.WithSource(scoring.SourceChat),
		scoring.WithEventBus(busImpl),
		scoring.WithFallback(scoring.Fallback{
			Score:      cfg.Chat.FallbackScore,
			Confidence: cfg.Chat.FallbackConfidence,
		}),
	)
	sessions := chat.NewSessions(cfg.Chat.SessionTTL, cfg.Chat.RatePerMinute, cfg.Chat.Burst)
	chatSvc := chat.New(nlp.NewExtractor(chatOverlay.Catalog()), chatScorer, reg, repo, sessions, cfg.Chat)

	// Initialize Server
	srv := api.NewServer(cfg.Server, api.Deps{
		Registry:  reg,
		Scorer:    scorer,
		Chat:      chatSvc,
		Policies:  policies,
		RuleSets:  engines,
		Users:     repo,
		Decisions: repo,
		Cache:     cacheImpl,
		Bus:       busImpl,
		Version:   Version,
	})

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	if len(cfg.Model.TrainOnStart) > 0 {
		go trainOnStart(ctx, reg, cfg.Model.TrainOnStart)
	}

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop audit worker first
	if err := auditWorker.Stop(); err != nil {
		slog.Error("failed to stop audit worker", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("failed to flush traces", "error", err)
	}

	stats := auditWorker.GetStats()
	slog.Info("kestrel shutdown complete",
		"decisions_saved", stats.Saved,
		"decisions_failed", stats.Failed,
	)
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// loadPolicies builds the rule engines and decision regimes, applying the
// optional policy file on top of the built-in ones.
func loadPolicies(cfg domain.PolicyConfigs) (map[string]*rules.Engine, *decision.Set, error) {
	var pf *domain.PolicyFile
	if cfg.File != "" {
		var err error
		pf, err = rules.LoadFile(cfg.File)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("policy file loaded",
			"path", cfg.File,
			"policies", len(pf.Policies),
			"rule_sets", len(pf.RuleSets),
		)
	}

	engines, err := rules.BuildEngines(pf)
	if err != nil {
		return nil, nil, err
	}
	var overrides []domain.PolicyConfig
	if pf != nil {
		overrides = pf.Policies
	}
	policies, err := decision.NewSet(overrides)
	if err != nil {
		return nil, nil, err
	}
	return engines, policies, nil
}

func surface(engines map[string]*rules.Engine, policies *decision.Set, ruleSet, policy string) (*rules.Engine, *decision.Policy, error) {
	overlay, ok := engines[ruleSet]
	if !ok {
		return nil, nil, fmt.Errorf("unknown rule set %q", ruleSet)
	}
	p, err := policies.Get(policy)
	if err != nil {
		return nil, nil, err
	}
	return overlay, p, nil
}

// trainOnStart trains the listed algorithms concurrently. Each algorithm has
// its own training lock, so distinct names never wait on each other.
func trainOnStart(ctx context.Context, reg *registry.Registry, names []string) {
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		g.Go(func() error {
			m, err := reg.Train(gctx, name)
			if err != nil {
				return fmt.Errorf("train %s: %w", name, err)
			}
			slog.Info("startup training complete",
				"algorithm", name,
				"f1_score", m.F1Score,
				"roc_auc", m.ROCAUC,
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		slog.Error("startup training failed", "error", err)
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║                 KESTREL                   ║")
	fmt.Println("  ║       Fraud Risk Scoring Engine           ║")
	fmt.Println("  ║     Every decision comes with reasons.    ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST   /score                          - Score a transaction")
	fmt.Println("    GET    /algorithms                     - List algorithms")
	fmt.Println("    POST   /train/{algorithm}              - Train an algorithm")
	fmt.Println("    POST   /select/{algorithm}             - Switch the active algorithm")
	fmt.Println("    GET    /metrics                        - Active model metrics")
	fmt.Println("    POST   /chatbot/message                - Chat with the assistant")
	fmt.Println("    GET    /chatbot/user/{id}/info         - Account info")
	fmt.Println("    GET    /chatbot/user/{id}/transactions - Flagged history")
	fmt.Println("    GET    /chatbot/user/{id}/fraud-summary")
	fmt.Println("    GET    /decisions/{id}                 - Audit lookup")
	fmt.Println("    GET    /policies                       - Regimes and rule sets")
	fmt.Println("    GET    /health                         - Health check")
	fmt.Println()
}
