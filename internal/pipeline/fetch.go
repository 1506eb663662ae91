package pipeline

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/episteme-ai/episteme/internal/model"
	"github.com/episteme-ai/episteme/internal/sources"
)

// fetchAll fans out to every configured content source concurrently and
// collects their posts. Any source failure fails the whole fetch: a run that
// silently analyzed half its sources would report a sentiment score built on
// an incomplete picture.
func fetchAll(ctx context.Context, srcs []sources.Source, q sources.Query) ([]model.Post, error) {
	g, ctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	var posts []model.Post

	for _, src := range srcs {
		g.Go(func() error {
			found, err := src.Fetch(ctx, q)
			if err != nil {
				return eris.Wrapf(err, "fetch source %s", src.Name())
			}

			zap.L().Info("source fetched",
				zap.String("source", src.Name()),
				zap.String("ticker", q.Symbol),
				zap.Int("posts", len(found)),
			)

			mu.Lock()
			posts = append(posts, found...)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return posts, nil
}
