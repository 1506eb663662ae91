package pipeline

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/episteme-ai/episteme/internal/model"
)

type pointKey struct {
	text      string
	sentiment int
}

// validateCriticism checks every point against the comment thread of its
// originating post and attaches the surviving criticisms. Points the analyzer
// judges completely invalidated come back absent and are dropped. The analyzer
// only sees claim text and sentiment, so findings are merged back onto the
// local records by that composite key, restoring post association and
// embedding.
func validateCriticism(ctx context.Context, analyzer CriticismAnalyzer, symbol string, points []model.ExtractedPoint, posts []model.Post, maxConcurrent int) []model.ThesisPoint {
	commentsByPost := make(map[int64][]model.Comment, len(posts))
	for _, p := range posts {
		commentsByPost[p.ID] = p.Comments
	}

	grouped := make(map[int64][]model.ExtractedPoint)
	for _, p := range points {
		grouped[p.PostID] = append(grouped[p.PostID], p)
	}

	g, ctx := errgroup.WithContext(ctx)
	if maxConcurrent > 0 {
		g.SetLimit(maxConcurrent)
	}

	var mu sync.Mutex
	var validated []model.ThesisPoint

	for postID, group := range grouped {
		comments := commentsByPost[postID]

		g.Go(func() error {
			result := validateGroup(ctx, analyzer, symbol, postID, group, comments)

			mu.Lock()
			validated = append(validated, result...)
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()

	zap.L().Info("criticism validation finished",
		zap.String("ticker", symbol),
		zap.Int("points_in", len(points)),
		zap.Int("points_out", len(validated)),
	)
	return validated
}

func validateGroup(ctx context.Context, analyzer CriticismAnalyzer, symbol string, postID int64, group []model.ExtractedPoint, comments []model.Comment) []model.ThesisPoint {
	// Nothing to argue against: the points stand as-is.
	if len(comments) == 0 {
		out := make([]model.ThesisPoint, len(group))
		for i, p := range group {
			out[i] = model.ThesisPoint{
				PostID:         p.PostID,
				Text:           p.Text,
				SentimentScore: p.SentimentScore,
				Embedding:      p.Embedding,
			}
		}
		return out
	}

	findings, err := analyzer.AnalyzeCriticism(ctx, symbol, group, comments)
	if err != nil {
		// One post's points are lost; the rest of the batch proceeds.
		zap.L().Warn("criticism analysis failed for post",
			zap.Int64("post_id", postID),
			zap.Int("points", len(group)),
			zap.Error(err),
		)
		return nil
	}

	byKey := make(map[pointKey][]model.ExtractedPoint, len(group))
	for _, p := range group {
		k := pointKey{text: p.Text, sentiment: p.SentimentScore}
		byKey[k] = append(byKey[k], p)
	}

	var out []model.ThesisPoint
	for _, f := range findings {
		k := pointKey{text: f.Text, sentiment: f.SentimentScore}
		queue := byKey[k]
		if len(queue) == 0 {
			zap.L().Warn("criticism finding matches no point",
				zap.Int64("post_id", postID),
				zap.String("point", f.Text),
			)
			continue
		}
		src := queue[0]
		byKey[k] = queue[1:]

		point := model.ThesisPoint{
			PostID:          src.PostID,
			Text:            src.Text,
			SentimentScore:  src.SentimentScore,
			CriticismExists: f.CriticismExists,
			Embedding:       src.Embedding,
		}
		for _, c := range f.Criticisms {
			crit := model.Criticism{
				Text:          c.Text,
				ValidityScore: c.ValidityScore,
			}
			if c.SourceCommentID > 0 {
				id := c.SourceCommentID
				crit.CommentID = &id
			}
			point.Criticisms = append(point.Criticisms, crit)
		}
		out = append(out, point)
	}
	return out
}
