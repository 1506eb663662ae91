package pipeline

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/episteme-ai/episteme/internal/model"
	"github.com/episteme-ai/episteme/internal/sources"
	"github.com/episteme-ai/episteme/pkg/anthropic"
)

// --- Store Mock ---

type mockStore struct {
	mock.Mock
}

func (m *mockStore) UpsertTicker(ctx context.Context, symbol, name string) (*model.Ticker, error) {
	args := m.Called(ctx, symbol, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Ticker), args.Error(1)
}

func (m *mockStore) GetTicker(ctx context.Context, symbol string) (*model.Ticker, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Ticker), args.Error(1)
}

func (m *mockStore) GetTickerDetail(ctx context.Context, symbol string) (*model.TickerDetail, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TickerDetail), args.Error(1)
}

func (m *mockStore) UpdateTickerSentiment(ctx context.Context, tickerID int64, score float64, analyzedAt time.Time) error {
	args := m.Called(ctx, tickerID, score, analyzedAt)
	return args.Error(0)
}

func (m *mockStore) UpdateTickerDescription(ctx context.Context, tickerID int64, description string, analyzedAt time.Time) error {
	args := m.Called(ctx, tickerID, description, analyzedAt)
	return args.Error(0)
}

func (m *mockStore) ExistingPermalinks(ctx context.Context, tickerID int64, permalinks []string) (map[string]bool, error) {
	args := m.Called(ctx, tickerID, permalinks)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]bool), args.Error(1)
}

func (m *mockStore) SavePosts(ctx context.Context, tickerID int64, posts []model.Post) ([]model.Post, error) {
	args := m.Called(ctx, tickerID, posts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Post), args.Error(1)
}

func (m *mockStore) ListPoints(ctx context.Context, tickerID int64) ([]model.ThesisPoint, error) {
	args := m.Called(ctx, tickerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ThesisPoint), args.Error(1)
}

func (m *mockStore) SavePoints(ctx context.Context, tickerID int64, points []model.ThesisPoint) error {
	args := m.Called(ctx, tickerID, points)
	return args.Error(0)
}

func (m *mockStore) UpdatePointEmbedding(ctx context.Context, pointID int64, embedding []float32) error {
	args := m.Called(ctx, pointID, embedding)
	return args.Error(0)
}

func (m *mockStore) Migrate(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

// --- Tracker Mock ---

// recordingTracker captures every state written during a run, in order, so
// tests can assert on the full stage progression without Redis.
type recordingTracker struct {
	states []model.TaskState
}

func (t *recordingTracker) Write(_ context.Context, _ string, state model.TaskState) error {
	t.states = append(t.states, state)
	return nil
}

func (t *recordingTracker) Read(_ context.Context, _ string) (*model.TaskState, error) {
	if len(t.states) == 0 {
		return nil, nil
	}
	last := t.states[len(t.states)-1]
	return &last, nil
}

func (t *recordingTracker) Close() error { return nil }

func (t *recordingTracker) last() model.TaskState {
	return t.states[len(t.states)-1]
}

// --- Source Mock ---

type mockSource struct {
	mock.Mock
	name string
}

func (m *mockSource) Name() string { return m.name }

func (m *mockSource) Fetch(ctx context.Context, q sources.Query) ([]model.Post, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Post), args.Error(1)
}

// --- Anthropic Mock ---

type mockAnthropicClient struct {
	mock.Mock
}

func (m *mockAnthropicClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

// --- Embedder Mock ---

type mockEmbedder struct {
	mock.Mock
}

func (m *mockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	args := m.Called(ctx, texts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([][]float32), args.Error(1)
}

// --- Capability Mocks ---

type mockExtractor struct {
	mock.Mock
}

func (m *mockExtractor) ExtractTheses(ctx context.Context, symbol string, post model.Post) ([]model.ExtractedPoint, error) {
	args := m.Called(ctx, symbol, post)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ExtractedPoint), args.Error(1)
}

type mockArbitrator struct {
	mock.Mock
}

func (m *mockArbitrator) FilterNovel(ctx context.Context, candidates []model.ExtractedPoint, existing []string) ([]model.ExtractedPoint, error) {
	args := m.Called(ctx, candidates, existing)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ExtractedPoint), args.Error(1)
}

type mockCritic struct {
	mock.Mock
}

func (m *mockCritic) AnalyzeCriticism(ctx context.Context, symbol string, points []model.ExtractedPoint, comments []model.Comment) ([]model.CriticismFinding, error) {
	args := m.Called(ctx, symbol, points, comments)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.CriticismFinding), args.Error(1)
}

type mockDescriber struct {
	mock.Mock
}

func (m *mockDescriber) GenerateDescription(ctx context.Context, symbol, name string) (string, error) {
	args := m.Called(ctx, symbol, name)
	return args.String(0), args.Error(1)
}
