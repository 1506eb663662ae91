package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/model"
	"github.com/episteme-ai/episteme/internal/store"
)

// filterNovelPosts drops posts whose permalink is already stored for the
// ticker. Membership is resolved with a single set query rather than one
// lookup per post. Running twice over the same fetch results yields nothing
// the second time.
func filterNovelPosts(ctx context.Context, st store.Store, tickerID int64, posts []model.Post) ([]model.Post, error) {
	if len(posts) == 0 {
		return nil, nil
	}

	permalinks := make([]string, len(posts))
	for i, p := range posts {
		permalinks[i] = p.Permalink
	}

	existing, err := st.ExistingPermalinks(ctx, tickerID, permalinks)
	if err != nil {
		return nil, eris.Wrap(err, "look up existing permalinks")
	}

	seen := make(map[string]bool, len(posts))
	novel := make([]model.Post, 0, len(posts))
	for _, p := range posts {
		if existing[p.Permalink] || seen[p.Permalink] {
			continue
		}
		seen[p.Permalink] = true
		novel = append(novel, p)
	}

	zap.L().Info("novelty filter applied",
		zap.Int64("ticker_id", tickerID),
		zap.Int("fetched", len(posts)),
		zap.Int("novel", len(novel)),
	)
	return novel, nil
}
