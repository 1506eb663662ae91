package model

// ThesisPoint is a single extracted claim about a stock with a bullish/bearish
// sentiment score (1-100, 50 neutral). The embedding is persisted alongside the
// text so future runs can deduplicate against it without recomputation.
type ThesisPoint struct {
	ID              int64       `json:"id"`
	TickerID        int64       `json:"ticker_id"`
	PostID          int64       `json:"post_id"`
	Text            string      `json:"text"`
	SentimentScore  int         `json:"sentiment_score"`
	CriticismExists bool        `json:"criticism_exists"`
	Embedding       []float32   `json:"-"`
	Criticisms      []Criticism `json:"criticisms,omitempty"`
}

// Criticism is a counter-argument to a thesis point sourced from a discussion
// comment. CommentID is nil when the originating comment could not be
// attributed.
type Criticism struct {
	ID            int64  `json:"id"`
	PointID       int64  `json:"point_id"`
	CommentID     *int64 `json:"comment_id,omitempty"`
	Text          string `json:"text"`
	ValidityScore int    `json:"validity_score"`
}

// ExtractedPoint is a (claim, sentiment) pair produced by the thesis
// extraction capability for one post, before deduplication. PostID tags the
// point with its originating post so downstream stages can re-associate it.
type ExtractedPoint struct {
	Text           string    `json:"point"`
	SentimentScore int       `json:"sentiment_score"`
	PostID         int64     `json:"-"`
	Embedding      []float32 `json:"-"`
}

// CriticismFinding is the per-point response of the criticism-analysis
// capability. Points are matched back to their full records by the
// (Text, SentimentScore) composite key.
type CriticismFinding struct {
	Text            string             `json:"point"`
	SentimentScore  int                `json:"sentiment_score"`
	CriticismExists bool               `json:"criticism_exists"`
	Criticisms      []CriticismSummary `json:"criticisms"`
}

// CriticismSummary is one succinct criticism with a validity score and the
// comment it was derived from.
type CriticismSummary struct {
	Text            string `json:"criticism"`
	ValidityScore   int    `json:"validity_score"`
	SourceCommentID int64  `json:"comment_id"`
}
