package pipeline

import "github.com/episteme-ai/episteme/internal/model"

// OverallSentiment is the arithmetic mean of every stored point's sentiment
// score. It is recomputed from the full point set each run, so deleting or
// adding points never leaves a stale aggregate. No points means no signal,
// reported as 0 rather than a fabricated neutral 50.
func OverallSentiment(points []model.ThesisPoint) float64 {
	if len(points) == 0 {
		return 0
	}

	sum := 0
	for _, p := range points {
		sum += p.SentimentScore
	}
	return float64(sum) / float64(len(points))
}
