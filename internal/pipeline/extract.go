package pipeline

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/episteme-ai/episteme/internal/model"
)

// extractAll runs thesis extraction over every post concurrently. A failed
// post is logged and excluded rather than failing the stage: losing one post's
// points degrades the analysis, losing the run throws away everything already
// extracted.
func extractAll(ctx context.Context, extractor ThesisExtractor, symbol string, posts []model.Post, maxConcurrent int) []model.ExtractedPoint {
	g, ctx := errgroup.WithContext(ctx)
	if maxConcurrent > 0 {
		g.SetLimit(maxConcurrent)
	}

	var mu sync.Mutex
	var points []model.ExtractedPoint

	for _, post := range posts {
		g.Go(func() error {
			extracted, err := extractor.ExtractTheses(ctx, symbol, post)
			if err != nil {
				zap.L().Warn("thesis extraction failed for post",
					zap.Int64("post_id", post.ID),
					zap.String("permalink", post.Permalink),
					zap.Error(err),
				)
				return nil
			}

			for i := range extracted {
				extracted[i].PostID = post.ID
			}

			mu.Lock()
			points = append(points, extracted...)
			mu.Unlock()
			return nil
		})
	}

	// Workers never return errors, so Wait only propagates ctx cancellation,
	// which the orchestrator surfaces at the stage boundary.
	_ = g.Wait()

	zap.L().Info("thesis extraction finished",
		zap.String("ticker", symbol),
		zap.Int("posts", len(posts)),
		zap.Int("points", len(points)),
	)
	return points
}
