package sources

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/config"
	"github.com/episteme-ai/episteme/internal/model"
	"github.com/episteme-ai/episteme/pkg/jina"
)

// SourceAnalyst is the source identifier stored on posts fetched from the
// analyst site.
const SourceAnalyst = "analyst"

// AnalystSource discovers recent analyst articles for a ticker via
// site-filtered search and fetches each article's content through the reader
// API. Analyst articles carry no comment thread, so the criticism stage has
// nothing to validate for them.
type AnalystSource struct {
	cfg  config.AnalystConfig
	jina jina.Client
}

// NewAnalyst creates an AnalystSource.
func NewAnalyst(cfg config.AnalystConfig, client jina.Client) *AnalystSource {
	return &AnalystSource{cfg: cfg, jina: client}
}

func (s *AnalystSource) Name() string { return SourceAnalyst }

func (s *AnalystSource) Fetch(ctx context.Context, q Query) ([]model.Post, error) {
	maxArticles := q.MaxArticles
	if maxArticles <= 0 {
		maxArticles = s.cfg.MaxPosts
	}

	query := fmt.Sprintf("%s (%s) stock analysis", q.Name, q.Symbol)
	results, err := s.jina.Search(ctx, query, s.cfg.Site)
	if err != nil {
		return nil, err
	}

	var posts []model.Post
	for _, r := range results.Data {
		if len(posts) >= maxArticles {
			break
		}

		article, err := s.jina.Read(ctx, r.URL)
		if err != nil {
			// One unreadable article should not sink the source; the search
			// result set usually has more than we need.
			zap.L().Warn("analyst: reading article failed",
				zap.String("url", r.URL),
				zap.Error(err),
			)
			continue
		}
		if article.Data.Content == "" {
			continue
		}

		posts = append(posts, model.Post{
			Source:      SourceAnalyst,
			Title:       article.Data.Title,
			Permalink:   r.URL,
			PublishedAt: time.Now().UTC(),
			Content:     article.Data.Content,
		})
	}

	return posts, nil
}
