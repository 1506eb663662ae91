// Package sources implements the content fetcher contract: each source pulls
// raw posts with comments for a ticker from one external site. Sources are
// read-only; persistence happens downstream.
package sources

import (
	"context"

	"github.com/episteme-ai/episteme/internal/model"
)

// Query identifies the stock being analyzed plus per-run overrides. Zero
// values fall back to each source's configured defaults.
type Query struct {
	Symbol string
	Name   string

	// Reddit overrides
	Subreddits []string
	Timeframe  string
	PostLimit  int

	// Analyst overrides
	MaxArticles int
}

// Source fetches posts for a ticker from one external content site. A failure
// must be signaled distinctly from zero results: an empty slice with a nil
// error means the source genuinely had nothing.
type Source interface {
	Name() string
	Fetch(ctx context.Context, q Query) ([]model.Post, error)
}
