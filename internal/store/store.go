package store

import (
	"context"
	"time"

	"github.com/episteme-ai/episteme/internal/model"
)

// Store defines the persistence gateway for the analysis pipeline. Every
// method runs in its own short-lived transaction or single statement; no
// session spans multiple pipeline stages.
type Store interface {
	// Tickers
	// UpsertTicker provisions a ticker idempotently: insert under the unique
	// symbol constraint or fetch the existing row in one statement, so two
	// concurrent runs for a brand-new symbol cannot both create it.
	UpsertTicker(ctx context.Context, symbol, name string) (*model.Ticker, error)
	GetTicker(ctx context.Context, symbol string) (*model.Ticker, error)
	GetTickerDetail(ctx context.Context, symbol string) (*model.TickerDetail, error)
	UpdateTickerSentiment(ctx context.Context, tickerID int64, score float64, analyzedAt time.Time) error
	UpdateTickerDescription(ctx context.Context, tickerID int64, description string, analyzedAt time.Time) error

	// Posts
	// ExistingPermalinks returns the subset of the given permalinks already
	// stored for the ticker, as a single set-membership query.
	ExistingPermalinks(ctx context.Context, tickerID int64, permalinks []string) (map[string]bool, error)
	// SavePosts inserts posts and their comments transactionally and returns
	// the saved records with database IDs assigned.
	SavePosts(ctx context.Context, tickerID int64, posts []model.Post) ([]model.Post, error)

	// Points
	ListPoints(ctx context.Context, tickerID int64) ([]model.ThesisPoint, error)
	// SavePoints inserts points and their criticisms transactionally.
	SavePoints(ctx context.Context, tickerID int64, points []model.ThesisPoint) error
	// UpdatePointEmbedding persists an embedding backfilled for a point that
	// was stored before embeddings were recorded.
	UpdatePointEmbedding(ctx context.Context, pointID int64, embedding []float32) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
