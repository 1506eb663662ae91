package model

import (
	"strings"
	"time"
)

// Ticker is a stock symbol tracked by the analysis pipeline. The overall
// sentiment score is recomputed from scratch on every run, never maintained
// incrementally.
type Ticker struct {
	ID                      int64      `json:"id"`
	Symbol                  string     `json:"symbol"`
	Name                    string     `json:"name"`
	Description             string     `json:"description,omitempty"`
	OverallSentimentScore   float64    `json:"overall_sentiment_score"`
	LastAnalyzed            *time.Time `json:"last_analyzed,omitempty"`
	DescriptionLastAnalyzed *time.Time `json:"description_last_analyzed,omitempty"`
}

// NormalizeSymbol canonicalizes a ticker symbol for storage and lookup.
// Symbols are case-insensitive; the stored form is upper-case.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Post is one piece of commentary fetched from a content source. The
// permalink is the novelty key: unique per ticker, so re-fetching the same
// thread on a later run never ingests it twice.
type Post struct {
	ID          int64     `json:"id"`
	TickerID    int64     `json:"ticker_id"`
	Source      string    `json:"source"`
	Title       string    `json:"title"`
	Permalink   string    `json:"permalink"`
	Author      string    `json:"author,omitempty"`
	PublishedAt time.Time `json:"published_at"`
	Content     string    `json:"content"`
	Comments    []Comment `json:"comments,omitempty"`
}

// Comment is a discussion reply attached to a Post at ingestion time.
type Comment struct {
	ID        int64  `json:"id"`
	PostID    int64  `json:"post_id"`
	Author    string `json:"author,omitempty"`
	Content   string `json:"content"`
	Permalink string `json:"permalink,omitempty"`
}

// TickerDetail is a ticker with its full point and criticism tree, as served
// by the read API.
type TickerDetail struct {
	Ticker Ticker        `json:"ticker"`
	Points []ThesisPoint `json:"points"`
}
