// Package pipeline implements the analysis run: a fixed sequence of stages
// that fetches fresh commentary for a ticker, distills it into deduplicated
// thesis points with criticism attached, and refreshes the ticker's aggregate
// sentiment. Progress is reported through the task tracker at every stage
// boundary so a detached run stays observable.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/config"
	"github.com/episteme-ai/episteme/internal/model"
	"github.com/episteme-ai/episteme/internal/sources"
	"github.com/episteme-ai/episteme/internal/store"
	"github.com/episteme-ai/episteme/internal/task"
)

// Request names the stock to analyze plus optional per-run source overrides.
type Request struct {
	Symbol string
	Name   string

	Subreddits  []string
	Timeframe   string
	PostLimit   int
	MaxArticles int
}

// Pipeline wires the stages to their collaborators. One Pipeline serves many
// concurrent runs; all per-run state lives on the stack of Run.
type Pipeline struct {
	cfg       config.AnalysisConfig
	store     store.Store
	tracker   task.Tracker
	sources   []sources.Source
	extractor ThesisExtractor
	dedup     *Deduplicator
	critic    CriticismAnalyzer
	describer Describer
}

// New builds a Pipeline.
func New(
	cfg config.AnalysisConfig,
	st store.Store,
	tracker task.Tracker,
	srcs []sources.Source,
	extractor ThesisExtractor,
	dedup *Deduplicator,
	critic CriticismAnalyzer,
	describer Describer,
) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		store:     st,
		tracker:   tracker,
		sources:   srcs,
		extractor: extractor,
		dedup:     dedup,
		critic:    critic,
		describer: describer,
	}
}

// stageError attributes a failure to the stage it happened in. The tracker
// gets the attribution; the raw cause stays in the logs.
type stageError struct {
	stage model.Stage
	err   error
}

func (e *stageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.stage, e.err)
}

func (e *stageError) Unwrap() error { return e.err }

// Run executes a full analysis for one ticker. On failure the tracker is left
// in the Failed status with progress frozen at the failing stage's ordinal and
// a sanitized, stage-attributed error message.
func (p *Pipeline) Run(ctx context.Context, runID string, req Request) error {
	symbol := model.NormalizeSymbol(req.Symbol)

	zap.L().Info("analysis run starting",
		zap.String("run_id", runID),
		zap.String("ticker", symbol),
	)

	err := p.run(ctx, runID, symbol, req)
	if err == nil {
		zap.L().Info("analysis run completed",
			zap.String("run_id", runID),
			zap.String("ticker", symbol),
		)
		return nil
	}

	stage := model.StageInitialization
	var se *stageError
	if errors.As(err, &se) {
		stage = se.stage
	}

	zap.L().Error("analysis run failed",
		zap.String("run_id", runID),
		zap.String("ticker", symbol),
		zap.String("stage", stage.String()),
		zap.Error(err),
	)

	msg := fmt.Sprintf("%s stage failed", stage)
	if errors.Is(err, context.DeadlineExceeded) {
		msg = fmt.Sprintf("%s stage timed out", stage)
	}

	// The failure record must land even when the run's own context is what
	// died, so the write uses a detached context.
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	writeErr := p.tracker.Write(failCtx, runID, model.TaskState{
		Status:   model.StatusFailed,
		Progress: stage.Ordinal(),
		Ticker:   symbol,
		Error:    msg,
	})
	if writeErr != nil {
		zap.L().Error("failed to record run failure",
			zap.String("run_id", runID),
			zap.Error(writeErr),
		)
	}
	return err
}

func (p *Pipeline) run(ctx context.Context, runID, symbol string, req Request) error {
	var ticker *model.Ticker
	err := p.stage(ctx, runID, symbol, model.StageInitialization, func(ctx context.Context) error {
		var err error
		ticker, err = p.store.UpsertTicker(ctx, symbol, req.Name)
		return err
	})
	if err != nil {
		return err
	}

	name := ticker.Name
	if name == "" {
		name = symbol
	}

	err = p.stage(ctx, runID, symbol, model.StageUpdatingDescription, func(ctx context.Context) error {
		refreshDescription(ctx, p.store, p.describer, ticker, p.cfg.DescriptionMaxAge)
		return nil
	})
	if err != nil {
		return err
	}

	query := sources.Query{
		Symbol:      symbol,
		Name:        name,
		Subreddits:  req.Subreddits,
		Timeframe:   req.Timeframe,
		PostLimit:   req.PostLimit,
		MaxArticles: req.MaxArticles,
	}

	var fetched []model.Post
	err = p.stage(ctx, runID, symbol, model.StageScraping, func(ctx context.Context) error {
		var err error
		fetched, err = fetchAll(ctx, p.sources, query)
		return err
	})
	if err != nil {
		return err
	}

	var novel []model.Post
	err = p.stage(ctx, runID, symbol, model.StageFilteringContent, func(ctx context.Context) error {
		var err error
		novel, err = filterNovelPosts(ctx, p.store, ticker.ID, fetched)
		return err
	})
	if err != nil {
		return err
	}

	var saved []model.Post
	err = p.stage(ctx, runID, symbol, model.StageSavingPosts, func(ctx context.Context) error {
		if len(novel) == 0 {
			return nil
		}
		var err error
		saved, err = p.store.SavePosts(ctx, ticker.ID, novel)
		return err
	})
	if err != nil {
		return err
	}

	var extracted []model.ExtractedPoint
	err = p.stage(ctx, runID, symbol, model.StageExtractingTheses, func(ctx context.Context) error {
		extracted = extractAll(ctx, p.extractor, symbol, saved, p.cfg.MaxConcurrentPosts)
		return ctx.Err()
	})
	if err != nil {
		return err
	}

	var existing []model.ThesisPoint
	var novelPoints []model.ExtractedPoint
	err = p.stage(ctx, runID, symbol, model.StageFilteringDuplicates, func(ctx context.Context) error {
		var err error
		existing, err = p.store.ListPoints(ctx, ticker.ID)
		if err != nil {
			return eris.Wrap(err, "list existing points")
		}
		novelPoints, err = p.dedup.Filter(ctx, extracted, existing)
		return err
	})
	if err != nil {
		return err
	}

	var validated []model.ThesisPoint
	err = p.stage(ctx, runID, symbol, model.StageValidatingCriticism, func(ctx context.Context) error {
		validated = validateCriticism(ctx, p.critic, symbol, novelPoints, saved, p.cfg.MaxConcurrentPosts)
		return ctx.Err()
	})
	if err != nil {
		return err
	}

	err = p.stage(ctx, runID, symbol, model.StageSavingPoints, func(ctx context.Context) error {
		if len(validated) == 0 {
			return nil
		}
		for i := range validated {
			validated[i].TickerID = ticker.ID
		}
		return p.store.SavePoints(ctx, ticker.ID, validated)
	})
	if err != nil {
		return err
	}

	err = p.stage(ctx, runID, symbol, model.StageCalculatingSentiment, func(ctx context.Context) error {
		all, err := p.store.ListPoints(ctx, ticker.ID)
		if err != nil {
			return eris.Wrap(err, "list points for aggregate")
		}
		score := OverallSentiment(all)
		return p.store.UpdateTickerSentiment(ctx, ticker.ID, score, time.Now().UTC())
	})
	if err != nil {
		return err
	}

	// Completed is announced, not executed: the final tracker write is the
	// run's last act.
	done := model.TaskState{
		Status:   model.StageCompleted.String(),
		Progress: model.StageCompleted.Ordinal(),
		Ticker:   symbol,
	}
	if err := p.tracker.Write(ctx, runID, done); err != nil {
		return &stageError{stage: model.StageCalculatingSentiment, err: eris.Wrap(err, "write completed state")}
	}
	return nil
}

// stage announces the stage through the tracker, then runs fn under the
// configured stage timeout. The announcement happens before the work so a
// poller always sees the stage that is currently executing, including the one
// that fails.
func (p *Pipeline) stage(ctx context.Context, runID, symbol string, stage model.Stage, fn func(ctx context.Context) error) error {
	state := model.TaskState{
		Status:   stage.String(),
		Progress: stage.Ordinal(),
		Ticker:   symbol,
	}
	if err := p.tracker.Write(ctx, runID, state); err != nil {
		return &stageError{stage: stage, err: eris.Wrap(err, "write tracker state")}
	}

	zap.L().Debug("stage starting",
		zap.String("run_id", runID),
		zap.String("ticker", symbol),
		zap.String("stage", stage.String()),
	)

	stageCtx := ctx
	if p.cfg.StageTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, p.cfg.StageTimeout)
		defer cancel()
	}

	if err := fn(stageCtx); err != nil {
		return &stageError{stage: stage, err: err}
	}
	return nil
}
