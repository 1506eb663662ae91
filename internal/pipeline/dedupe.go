package pipeline

import (
	"context"
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/episteme-ai/episteme/internal/config"
	"github.com/episteme-ai/episteme/internal/model"
	"github.com/episteme-ai/episteme/pkg/openai"
)

// embedBatchSize bounds one embedding request; batches run concurrently.
const embedBatchSize = 64

// EmbeddingWriter persists embeddings computed for stored points that predate
// embedding persistence.
type EmbeddingWriter interface {
	UpdatePointEmbedding(ctx context.Context, pointID int64, embedding []float32) error
}

// Deduplicator filters candidate points in two tiers: a cheap cosine
// similarity screen over embeddings, then language arbitration for the points
// the screen flags as likely duplicates. The screen decides who pays for the
// expensive tier, never who gets discarded.
type Deduplicator struct {
	embedder openai.Embedder
	arbiter  Arbitrator
	points   EmbeddingWriter
	cfg      config.AnalysisConfig
}

// NewDeduplicator builds a Deduplicator.
func NewDeduplicator(embedder openai.Embedder, arbiter Arbitrator, points EmbeddingWriter, cfg config.AnalysisConfig) *Deduplicator {
	return &Deduplicator{embedder: embedder, arbiter: arbiter, points: points, cfg: cfg}
}

// Filter returns the subset of points that are novel relative to the existing
// point list and to each other. Survivors keep their post association and
// embedding. An empty batch returns immediately without any network traffic.
func (d *Deduplicator) Filter(ctx context.Context, points []model.ExtractedPoint, existing []model.ThesisPoint) ([]model.ExtractedPoint, error) {
	if len(points) == 0 {
		return nil, nil
	}

	if err := d.embedNew(ctx, points); err != nil {
		return nil, eris.Wrap(err, "dedupe: embed new points")
	}
	if err := d.embedMissing(ctx, existing); err != nil {
		return nil, eris.Wrap(err, "dedupe: embed existing points")
	}

	reference := make([][]float32, 0, len(existing))
	for _, p := range existing {
		if len(p.Embedding) > 0 {
			reference = append(reference, p.Embedding)
		}
	}

	// First tier: points below the threshold against everything seen so far
	// are admitted outright; the rest go to arbitration. Admitted points join
	// the reference set immediately so near-identical points inside one batch
	// screen each other.
	var admitted, candidates []model.ExtractedPoint
	for _, p := range points {
		maxSim := 0.0
		for _, ref := range reference {
			if sim := CosineSimilarity(p.Embedding, ref); sim > maxSim {
				maxSim = sim
			}
		}

		if maxSim >= d.cfg.SimilarityThreshold {
			candidates = append(candidates, p)
			continue
		}
		admitted = append(admitted, p)
		reference = append(reference, p.Embedding)
	}

	zap.L().Info("similarity screen applied",
		zap.Int("points", len(points)),
		zap.Int("admitted", len(admitted)),
		zap.Int("candidates", len(candidates)),
		zap.Float64("threshold", d.cfg.SimilarityThreshold),
	)

	if len(candidates) == 0 {
		return admitted, nil
	}

	survivors, err := d.arbitrate(ctx, candidates, existing)
	if err != nil {
		switch d.cfg.ArbitrationPolicy {
		case config.ArbitrationFailOpen:
			zap.L().Warn("arbitration unavailable, admitting candidates",
				zap.Int("candidates", len(candidates)),
				zap.Error(err),
			)
			return append(admitted, candidates...), nil
		default:
			zap.L().Warn("arbitration unavailable, discarding candidates",
				zap.Int("candidates", len(candidates)),
				zap.Error(err),
			)
			return admitted, nil
		}
	}

	return append(admitted, survivors...), nil
}

// arbitrate runs the language tier. The arbiter returns the surviving subset
// of the candidate records themselves, so post attribution and embeddings
// need no re-matching here.
func (d *Deduplicator) arbitrate(ctx context.Context, candidates []model.ExtractedPoint, existing []model.ThesisPoint) ([]model.ExtractedPoint, error) {
	existingTexts := make([]string, len(existing))
	for i, p := range existing {
		existingTexts[i] = p.Text
	}
	return d.arbiter.FilterNovel(ctx, candidates, existingTexts)
}

// embedNew computes embeddings for all new points in concurrent batches.
func (d *Deduplicator) embedNew(ctx context.Context, points []model.ExtractedPoint) error {
	g, ctx := errgroup.WithContext(ctx)
	if d.cfg.MaxConcurrentEmbeds > 0 {
		g.SetLimit(d.cfg.MaxConcurrentEmbeds)
	}

	for start := 0; start < len(points); start += embedBatchSize {
		end := min(start+embedBatchSize, len(points))
		batch := points[start:end]

		g.Go(func() error {
			texts := make([]string, len(batch))
			for i, p := range batch {
				texts[i] = p.Text
			}

			vectors, err := d.embedder.Embed(ctx, texts)
			if err != nil {
				return err
			}
			for i := range batch {
				batch[i].Embedding = vectors[i]
			}
			return nil
		})
	}

	return g.Wait()
}

// embedMissing backfills embeddings for stored points that predate embedding
// persistence, so they still participate in the similarity screen.
func (d *Deduplicator) embedMissing(ctx context.Context, existing []model.ThesisPoint) error {
	var idx []int
	var texts []string
	for i, p := range existing {
		if len(p.Embedding) == 0 {
			idx = append(idx, i)
			texts = append(texts, p.Text)
		}
	}
	if len(texts) == 0 {
		return nil
	}

	vectors, err := d.embedder.Embed(ctx, texts)
	if err != nil {
		return err
	}
	for i, j := range idx {
		existing[j].Embedding = vectors[i]
		if existing[j].ID == 0 {
			continue
		}
		// Best effort: the in-memory copy still screens this run, only the
		// next run pays for the recomputation.
		if err := d.points.UpdatePointEmbedding(ctx, existing[j].ID, vectors[i]); err != nil {
			zap.L().Warn("persist backfilled embedding",
				zap.Int64("point_id", existing[j].ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched lengths or zero vectors score 0, which means "not similar" and
// therefore never suppresses a point by accident.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
