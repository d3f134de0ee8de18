package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/aiox-platform/kbchat/internal/api"
	"github.com/aiox-platform/kbchat/internal/audit"
	"github.com/aiox-platform/kbchat/internal/config"
	"github.com/aiox-platform/kbchat/internal/conversation"
	"github.com/aiox-platform/kbchat/internal/database"
	"github.com/aiox-platform/kbchat/internal/kb"
	"github.com/aiox-platform/kbchat/internal/llm"
	"github.com/aiox-platform/kbchat/internal/middleware"
	inats "github.com/aiox-platform/kbchat/internal/nats"
	"github.com/aiox-platform/kbchat/internal/orchestrator"
	"github.com/aiox-platform/kbchat/internal/profile"
	"github.com/aiox-platform/kbchat/internal/prompts"
	iredis "github.com/aiox-platform/kbchat/internal/redis"
	"github.com/aiox-platform/kbchat/internal/server"
	"github.com/aiox-platform/kbchat/internal/tokens"
	"github.com/aiox-platform/kbchat/internal/transcript"
	"github.com/aiox-platform/kbchat/internal/worker"
)

// app holds the connections shared by every command.
type app struct {
	cfg     *config.Config
	store   kb.Store
	redis   *redis.Client
	nats    *inats.Client
	checks  map[string]api.HealthCheck
	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, checks: map[string]api.HealthCheck{}}

	embedder := newEmbedder(cfg)
	store, err := a.openStore(ctx, embedder)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = store
	a.checks["kb"] = func(ctx context.Context) error {
		_, err := store.Count(ctx)
		return err
	}

	rc, err := iredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	if rc != nil {
		a.redis = rc
		a.closers = append(a.closers, func() { rc.Close() })
		a.checks["redis"] = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
	}

	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func openAIConfig(cfg *config.Config) llm.OpenAIConfig {
	return llm.OpenAIConfig{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Timeout: cfg.LLM.RequestTimeout,
	}
}

func newEmbedder(cfg *config.Config) kb.Embedder {
	if cfg.KB.Embedder == "hash" {
		return kb.NewHashEmbedder(cfg.KB.EmbeddingDims)
	}
	return kb.NewOpenAIEmbedder(cfg.LLM.EmbeddingModel, cfg.KB.EmbeddingDims, llm.OpenAIOptions(openAIConfig(cfg))...)
}

func (a *app) openStore(ctx context.Context, embedder kb.Embedder) (kb.Store, error) {
	switch a.cfg.KB.Backend {
	case "postgres":
		if err := database.RunMigrations(a.cfg.DB.DSN(), a.cfg.KB.MigrationsPath); err != nil {
			return nil, err
		}
		pool, err := database.NewPostgresPool(ctx, a.cfg.DB)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		a.checks["postgres"] = func(ctx context.Context) error { return database.HealthCheck(ctx, pool) }
		return kb.NewPGVectorStore(pool, embedder), nil

	default:
		db, err := kb.OpenSQLite(a.cfg.KB.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { db.Close() })
		return kb.NewSQLiteStore(ctx, db, embedder, slog.Default())
	}
}

func (a *app) transcriptStore() *transcript.RedisStore {
	return transcript.NewRedisStore(a.redis, transcript.DefaultKey, transcript.DefaultMaxEntries, transcript.DefaultTTL)
}

func (a *app) profileStore() (profile.Store, error) {
	if a.cfg.Profile.Backend == "redis" {
		if a.redis == nil {
			return nil, fmt.Errorf("profile backend redis requires REDIS_ENABLED")
		}
		return profile.NewRedisStore(a.redis, a.cfg.Profile.Key), nil
	}
	return profile.NewFileStore(a.cfg.Profile.Path), nil
}

// auditSink writes KB changes to db_logs and, when NATS is configured, publishes them.
func (a *app) auditSink(ctx context.Context) (audit.Sink, error) {
	sinks := audit.MultiSink{audit.NewFileSink(a.cfg.Paths.DBLogsDir)}

	nc, err := inats.NewClient(ctx, a.cfg.NATS)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	if nc != nil {
		a.nats = nc
		a.closers = append(a.closers, nc.Close)
		a.checks["nats"] = func(context.Context) error {
			if !nc.Healthy() {
				return fmt.Errorf("nats disconnected")
			}
			return nil
		}
		sinks = append(sinks, audit.NewNATSSink(inats.NewPublisher(nc.JetStream())))
	}
	return sinks, nil
}

type chatRuntime struct {
	orch     *orchestrator.Orchestrator
	pool     *worker.Pool
	profiles profile.Store
	history  api.TranscriptReader
}

func (a *app) newChat() (*chatRuntime, error) {
	ctx := context.Background()
	cfg := a.cfg

	svc, err := llm.NewOpenAIService(openAIConfig(cfg))
	if err != nil {
		return nil, err
	}
	client := llm.NewClient(svc,
		llm.WithRecorder(llm.NewFileRecorder(cfg.Paths.APILogsDir)),
		llm.WithRetries(cfg.LLM.MaxRetries, cfg.LLM.BackoffBase),
	)

	profiles, err := a.profileStore()
	if err != nil {
		return nil, err
	}
	sink, err := a.auditSink(ctx)
	if err != nil {
		return nil, err
	}

	recorders := transcript.Multi{transcript.NewFileRecorder(cfg.Paths.ChatLogsDir)}
	var history api.TranscriptReader
	if a.redis != nil {
		rs := a.transcriptStore()
		recorders = append(recorders, rs)
		history = rs
	}

	templates := prompts.New(cfg.Paths.PromptsDir)
	estimator := tokens.New()

	if err := kb.SyncArticleGauge(ctx, a.store); err != nil {
		slog.Warn("reading kb article count failed", "error", err)
	}

	pool := worker.NewPool(cfg.Memory.Workers, cfg.Memory.QueueSize, slog.Default())
	session := orchestrator.NewSession(
		conversation.NewWindow("", estimator, cfg.LLM.Model, cfg.Memory.TokenThreshold),
		conversation.NewScratchpad(cfg.Memory.ScratchpadTurns, cfg.Memory.ProfileUtterances),
	)

	orch := orchestrator.NewOrchestrator(session, orchestrator.Deps{
		LLM:       client,
		Templates: templates,
		Store:     a.store,
		Profiles:  profiles,
		Profile:   profile.NewConsolidator(client, templates, cfg.LLM.Model, cfg.LLM.Temperature),
		KB: kb.NewConsolidator(a.store, client, templates, cfg.LLM.Model, cfg.LLM.Temperature,
			kb.WithSplitWords(cfg.KB.SplitWordThreshold),
			kb.WithRelevanceThreshold(cfg.KB.RelevanceThreshold),
			kb.WithAuditSink(sink),
		),
		Pool:       pool,
		Transcript: recorders,
		Validator:  orchestrator.NewValidator(estimator, cfg.LLM.Model, cfg.Memory.TokenThreshold),
	}, orchestrator.Options{
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		Width:       cfg.Console.Width,
	})

	return &chatRuntime{orch: orch, pool: pool, profiles: profiles, history: history}, nil
}

func (a *app) newAdminServer(profiles profile.Store, history api.TranscriptReader) *server.Server {
	var rcfg api.RouterConfig
	if a.redis != nil {
		rcfg.RateLimiter = middleware.NewRateLimiter(a.redis, 60, 60).Middleware
	}

	router := api.NewRouter(api.Deps{
		Store:      a.store,
		Profile:    profiles,
		Transcript: history,
		Checks:     a.checks,
	}, rcfg)
	return server.New(a.cfg.Metrics, router)
}
