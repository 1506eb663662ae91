package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/episteme-ai/episteme/internal/pipeline"
	"github.com/episteme-ai/episteme/internal/sources"
	"github.com/episteme-ai/episteme/internal/store"
	"github.com/episteme-ai/episteme/internal/task"
	anthropicpkg "github.com/episteme-ai/episteme/pkg/anthropic"
	"github.com/episteme-ai/episteme/pkg/jina"
	"github.com/episteme-ai/episteme/pkg/openai"
)

// analysisEnv holds the initialized store, tracker, and pipeline shared by the
// serve/analyze commands.
type analysisEnv struct {
	Store    store.Store
	Tracker  task.Tracker
	Pipeline *pipeline.Pipeline
}

// Close releases resources held by the environment.
func (e *analysisEnv) Close() {
	if e.Tracker != nil {
		_ = e.Tracker.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv sets up the store, task tracker, API clients, content sources, and
// the pipeline. Callers should defer env.Close().
func initEnv(ctx context.Context) (*analysisEnv, error) {
	st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.MaxConns, cfg.Store.MinConns)
	if err != nil {
		return nil, eris.Wrap(err, "init store")
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	tracker, err := task.NewRedisTracker(ctx, cfg.Redis.URL, cfg.Redis.TaskTTL, cfg.Redis.TerminalTTL)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "init task tracker")
	}

	anthropicClient := anthropicpkg.NewClient(cfg.Anthropic.Key, cfg.Anthropic.RequestsPerSecond)
	embedder := openai.NewEmbedder(cfg.OpenAI.Key, cfg.OpenAI.EmbeddingModel)

	jinaOpts := []jina.Option{jina.WithBaseURL(cfg.Jina.BaseURL)}
	if cfg.Jina.SearchBaseURL != "" {
		jinaOpts = append(jinaOpts, jina.WithSearchBaseURL(cfg.Jina.SearchBaseURL))
	}
	jinaClient := jina.NewClient(cfg.Jina.Key, jinaOpts...)

	srcs := []sources.Source{
		sources.NewReddit(cfg.Reddit),
		sources.NewAnalyst(cfg.Analyst, jinaClient),
	}

	extractor, arbiter, critic, describer := pipeline.NewCapabilities(anthropicClient, cfg.Anthropic)
	dedup := pipeline.NewDeduplicator(embedder, arbiter, st, cfg.Analysis)

	p := pipeline.New(cfg.Analysis, st, tracker, srcs, extractor, dedup, critic, describer)

	return &analysisEnv{
		Store:    st,
		Tracker:  tracker,
		Pipeline: p,
	}, nil
}
