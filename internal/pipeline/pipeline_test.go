package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/episteme-ai/episteme/internal/config"
	"github.com/episteme-ai/episteme/internal/model"
	"github.com/episteme-ai/episteme/internal/sources"
)

func pipelineCfg() config.AnalysisConfig {
	return config.AnalysisConfig{
		SimilarityThreshold: 0.4,
		ArbitrationPolicy:   config.ArbitrationFailClosed,
		DescriptionMaxAge:   60 * 24 * time.Hour,
		StageTimeout:        time.Minute,
		MaxConcurrentPosts:  2,
		MaxConcurrentEmbeds: 2,
	}
}

func freshTicker() *model.Ticker {
	recent := time.Now().Add(-time.Hour)
	return &model.Ticker{
		ID:                      7,
		Symbol:                  "AAPL",
		Name:                    "Apple",
		Description:             "Designs phones.",
		DescriptionLastAnalyzed: &recent,
	}
}

func TestRunHappyPath(t *testing.T) {
	st := &mockStore{}
	tracker := &recordingTracker{}
	describer := &mockDescriber{}
	extractor := &mockExtractor{}
	critic := &mockCritic{}

	st.On("UpsertTicker", mock.Anything, "AAPL", "Apple").Return(freshTicker(), nil)

	// Two posts fetched, one already stored from a previous run.
	src := &mockSource{name: "reddit"}
	src.On("Fetch", mock.Anything, mock.Anything).Return([]model.Post{
		{Permalink: "p/old", Content: "seen before"},
		{Permalink: "p/new", Content: "fresh take", Comments: []model.Comment{{Content: "disagree"}}},
	}, nil)

	st.On("ExistingPermalinks", mock.Anything, int64(7), []string{"p/old", "p/new"}).
		Return(map[string]bool{"p/old": true}, nil)

	savedPost := model.Post{
		ID: 100, TickerID: 7, Permalink: "p/new", Content: "fresh take",
		Comments: []model.Comment{{ID: 200, PostID: 100, Content: "disagree"}},
	}
	st.On("SavePosts", mock.Anything, int64(7), mock.MatchedBy(func(posts []model.Post) bool {
		return len(posts) == 1 && posts[0].Permalink == "p/new"
	})).Return([]model.Post{savedPost}, nil)

	extractor.On("ExtractTheses", mock.Anything, "AAPL", mock.MatchedBy(func(p model.Post) bool { return p.ID == 100 })).
		Return([]model.ExtractedPoint{
			{Text: "installed base keeps growing", SentimentScore: 60},
			{Text: "china exposure is a drag", SentimentScore: 40},
		}, nil)

	// No stored points yet: first ListPoints feeds the deduplicator.
	st.On("ListPoints", mock.Anything, int64(7)).Return([]model.ThesisPoint{}, nil).Once()

	embedder := &mockEmbedder{}
	embedder.On("Embed", mock.Anything, mock.Anything).Return([][]float32{{1, 0}, {0, 1}}, nil)
	arbiter := &mockArbitrator{}

	critic.On("AnalyzeCriticism", mock.Anything, "AAPL", mock.Anything, mock.Anything).
		Return([]model.CriticismFinding{
			{Text: "installed base keeps growing", SentimentScore: 60},
			{Text: "china exposure is a drag", SentimentScore: 40, CriticismExists: true,
				Criticisms: []model.CriticismSummary{{Text: "india offsets china", ValidityScore: 60, SourceCommentID: 200}}},
		}, nil)

	st.On("SavePoints", mock.Anything, int64(7), mock.MatchedBy(func(points []model.ThesisPoint) bool {
		return len(points) == 2 && points[0].TickerID == 7
	})).Return(nil)

	// Second ListPoints feeds the aggregate.
	st.On("ListPoints", mock.Anything, int64(7)).Return([]model.ThesisPoint{
		{SentimentScore: 60}, {SentimentScore: 40},
	}, nil).Once()
	st.On("UpdateTickerSentiment", mock.Anything, int64(7), 50.0, mock.Anything).Return(nil)

	p := New(pipelineCfg(), st, tracker, []sources.Source{src},
		extractor, NewDeduplicator(embedder, arbiter, st, pipelineCfg()), critic, describer)

	err := p.Run(context.Background(), "run-1", Request{Symbol: "aapl", Name: "Apple"})
	require.NoError(t, err)

	st.AssertExpectations(t)
	// Description was fresh, so no regeneration happened.
	describer.AssertNotCalled(t, "GenerateDescription", mock.Anything, mock.Anything, mock.Anything)

	// Every stage was announced in order, ending in Completed.
	require.Len(t, tracker.states, 11)
	for i, state := range tracker.states {
		assert.Equal(t, i, state.Progress)
		assert.Equal(t, "AAPL", state.Ticker)
	}
	last := tracker.last()
	assert.Equal(t, model.StageCompleted.String(), last.Status)
	assert.True(t, last.Terminal())
}

func TestRunFailureIsAttributedToStage(t *testing.T) {
	st := &mockStore{}
	tracker := &recordingTracker{}
	describer := &mockDescriber{}

	st.On("UpsertTicker", mock.Anything, "AAPL", "").Return(freshTicker(), nil)

	src := &mockSource{name: "reddit"}
	src.On("Fetch", mock.Anything, mock.Anything).Return([]model.Post{{Permalink: "p/1", Content: "x"}}, nil)

	st.On("ExistingPermalinks", mock.Anything, int64(7), mock.Anything).
		Return(map[string]bool{}, nil)
	st.On("SavePosts", mock.Anything, int64(7), mock.Anything).
		Return(nil, eris.New("pq: connection refused, password=hunter2"))

	p := New(pipelineCfg(), st, tracker, []sources.Source{src},
		&mockExtractor{}, NewDeduplicator(&mockEmbedder{}, &mockArbitrator{}, st, pipelineCfg()),
		&mockCritic{}, describer)

	err := p.Run(context.Background(), "run-2", Request{Symbol: "AAPL"})
	require.Error(t, err)

	last := tracker.last()
	assert.Equal(t, model.StatusFailed, last.Status)
	assert.Equal(t, model.StageSavingPosts.Ordinal(), last.Progress)
	assert.Equal(t, "SavingPosts stage failed", last.Error)
	// The raw cause never reaches pollers.
	assert.NotContains(t, last.Error, "hunter2")
	assert.True(t, last.Terminal())
}

func TestRunSourceFailureFailsScrapingStage(t *testing.T) {
	st := &mockStore{}
	tracker := &recordingTracker{}

	st.On("UpsertTicker", mock.Anything, "AAPL", "").Return(freshTicker(), nil)

	src := &mockSource{name: "analyst"}
	src.On("Fetch", mock.Anything, mock.Anything).Return(nil, eris.New("search unavailable"))

	p := New(pipelineCfg(), st, tracker, []sources.Source{src},
		&mockExtractor{}, NewDeduplicator(&mockEmbedder{}, &mockArbitrator{}, st, pipelineCfg()),
		&mockCritic{}, &mockDescriber{})

	err := p.Run(context.Background(), "run-3", Request{Symbol: "AAPL"})
	require.Error(t, err)

	last := tracker.last()
	assert.Equal(t, model.StatusFailed, last.Status)
	assert.Equal(t, model.StageScraping.Ordinal(), last.Progress)
	assert.Equal(t, "Scraping stage failed", last.Error)
}

// stalledSource blocks until the stage deadline expires.
type stalledSource struct{}

func (stalledSource) Name() string { return "stalled" }

func (stalledSource) Fetch(ctx context.Context, _ sources.Query) ([]model.Post, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunStageTimeoutIsReported(t *testing.T) {
	st := &mockStore{}
	tracker := &recordingTracker{}

	st.On("UpsertTicker", mock.Anything, "AAPL", "").Return(freshTicker(), nil)

	cfg := pipelineCfg()
	cfg.StageTimeout = 10 * time.Millisecond

	p := New(cfg, st, tracker, []sources.Source{stalledSource{}},
		&mockExtractor{}, NewDeduplicator(&mockEmbedder{}, &mockArbitrator{}, st, cfg),
		&mockCritic{}, &mockDescriber{})

	err := p.Run(context.Background(), "run-6", Request{Symbol: "AAPL"})
	require.Error(t, err)

	last := tracker.last()
	assert.Equal(t, model.StatusFailed, last.Status)
	assert.Equal(t, model.StageScraping.Ordinal(), last.Progress)
	assert.Equal(t, "Scraping stage timed out", last.Error)
	assert.True(t, last.Terminal())
}

func TestRunNoNovelPostsStillCompletes(t *testing.T) {
	st := &mockStore{}
	tracker := &recordingTracker{}

	st.On("UpsertTicker", mock.Anything, "AAPL", "").Return(freshTicker(), nil)

	src := &mockSource{name: "reddit"}
	src.On("Fetch", mock.Anything, mock.Anything).Return([]model.Post{{Permalink: "p/1", Content: "x"}}, nil)

	st.On("ExistingPermalinks", mock.Anything, int64(7), mock.Anything).
		Return(map[string]bool{"p/1": true}, nil)
	st.On("ListPoints", mock.Anything, int64(7)).Return([]model.ThesisPoint{
		{SentimentScore: 80},
	}, nil)
	st.On("UpdateTickerSentiment", mock.Anything, int64(7), 80.0, mock.Anything).Return(nil)

	embedder := &mockEmbedder{}
	p := New(pipelineCfg(), st, tracker, []sources.Source{src},
		&mockExtractor{}, NewDeduplicator(embedder, &mockArbitrator{}, st, pipelineCfg()),
		&mockCritic{}, &mockDescriber{})

	err := p.Run(context.Background(), "run-4", Request{Symbol: "AAPL"})
	require.NoError(t, err)

	// Nothing new to analyze, but the aggregate is still refreshed from the
	// stored points and the run completes.
	st.AssertNotCalled(t, "SavePosts", mock.Anything, mock.Anything, mock.Anything)
	st.AssertNotCalled(t, "SavePoints", mock.Anything, mock.Anything, mock.Anything)
	embedder.AssertNotCalled(t, "Embed", mock.Anything, mock.Anything)
	assert.Equal(t, model.StageCompleted.String(), tracker.last().Status)
}

func TestRunRegeneratesStaleDescription(t *testing.T) {
	st := &mockStore{}
	tracker := &recordingTracker{}

	stale := time.Now().Add(-90 * 24 * time.Hour)
	ticker := &model.Ticker{
		ID: 7, Symbol: "AAPL", Name: "Apple",
		Description: "old profile", DescriptionLastAnalyzed: &stale,
	}
	st.On("UpsertTicker", mock.Anything, "AAPL", "").Return(ticker, nil)

	describer := &mockDescriber{}
	describer.On("GenerateDescription", mock.Anything, "AAPL", "Apple").
		Return("Apple designs consumer devices.", nil)
	st.On("UpdateTickerDescription", mock.Anything, int64(7), "Apple designs consumer devices.", mock.Anything).
		Return(nil)

	src := &mockSource{name: "reddit"}
	src.On("Fetch", mock.Anything, mock.Anything).Return([]model.Post{}, nil)
	st.On("ListPoints", mock.Anything, int64(7)).Return([]model.ThesisPoint{}, nil)
	st.On("UpdateTickerSentiment", mock.Anything, int64(7), 0.0, mock.Anything).Return(nil)

	p := New(pipelineCfg(), st, tracker, []sources.Source{src},
		&mockExtractor{}, NewDeduplicator(&mockEmbedder{}, &mockArbitrator{}, st, pipelineCfg()),
		&mockCritic{}, describer)

	err := p.Run(context.Background(), "run-5", Request{Symbol: "AAPL"})
	require.NoError(t, err)
	describer.AssertExpectations(t)
	st.AssertExpectations(t)
}
