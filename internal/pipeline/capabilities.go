package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/config"
	"github.com/episteme-ai/episteme/internal/model"
	"github.com/episteme-ai/episteme/pkg/anthropic"
)

// ThesisExtractor turns one post's raw text into zero or more thesis points.
type ThesisExtractor interface {
	ExtractTheses(ctx context.Context, symbol string, post model.Post) ([]model.ExtractedPoint, error)
}

// Arbitrator judges which candidate duplicates express a core idea not
// already present in the existing point list. It returns the surviving subset
// of the candidate records themselves, so post attribution and embeddings
// survive the round trip.
type Arbitrator interface {
	FilterNovel(ctx context.Context, candidates []model.ExtractedPoint, existing []string) ([]model.ExtractedPoint, error)
}

// CriticismAnalyzer labels which of a post's points are contested by its
// comment thread and summarizes the criticisms.
type CriticismAnalyzer interface {
	AnalyzeCriticism(ctx context.Context, symbol string, points []model.ExtractedPoint, comments []model.Comment) ([]model.CriticismFinding, error)
}

// Describer generates a long-term company profile for a ticker.
type Describer interface {
	GenerateDescription(ctx context.Context, symbol, name string) (string, error)
}

const extractionPrompt = `You are an investment analysis assistant. You are given one post about the stock %s. Extract the key investment thesis points made about the stock.

Rules:
- Each point must be a short, one-sentence statement that clearly summarizes one core argument.
- Use simple and direct language; remove unnecessary adjectives.
- Do not summarize the whole post; only extract individual investment points.
- If the post contains no relevant investment points, return an empty list.
- Score each point's sentiment from 1 to 100, where 50 is neutral, above 50 is bullish, and below 50 is bearish.

Return only a JSON object of the form:
{"thesis_points": [{"point": "...", "sentiment_score": 72}]}

POST TITLE: %s

POST:
%s`

const arbitrationPrompt = `Below are two lists of thesis points about a stock. Each point in List A is an object with "id", "point", and "sentiment_score" fields; List B is plain text.

List A (new thesis points extracted from the latest posts):
%s

List B (existing thesis points already in the database):
%s

Filter out any thesis point from List A that is semantically similar to any point in List B. A point is semantically similar if it expresses the same core idea, even if the wording is different. Only include points from List A that are unique compared to every point in List B.

Return only a JSON object of the form, keeping each surviving point's original "id" value unchanged:
{"thesis_points": [{"id": 0, "point": "...", "sentiment_score": 72}]}`

const criticismSystemPrompt = `You are a financial analysis assistant. You are given an array of minimal thesis points (each with 'point' and 'sentiment_score'), an array of comment objects (each with 'comment_id' and 'content'), and the ticker of the stock the post is about.

For each thesis point:
1. If no valid criticism is found in the comments, output the point with 'criticism_exists' false and 'criticisms' as an empty array.
2. If valid criticism is found and the point remains viable, output the point with 'criticism_exists' true and attach a very succinct, headline-style summary of each criticism along with a validity score (an integer from 1 to 100) and the 'comment_id' it is derived from.
3. If any criticism is so strong that it completely invalidates the point, do not include that point in the output.

Return only a JSON object of the form:
{"results": [{"point": "...", "sentiment_score": 72, "criticism_exists": true, "criticisms": [{"criticism": "...", "validity_score": 80, "comment_id": 3}]}]}`

const descriptionPrompt = `You are an investment analysis assistant. Generate a comprehensive company profile for the stock %s (%s).

Describe what the company does, its primary industry and business model, its flagship products or services, its target market and competitive positioning, and its long-term outlook. Emphasize stable, long-term characteristics rather than recent news. Use easy-to-understand language and avoid complicated jargon.

Present the profile as a single, clear, concise paragraph. Return only the paragraph, no preamble.`

// claudeCapabilities implements all four language capabilities on one Claude
// client.
type claudeCapabilities struct {
	client anthropic.Client
	cfg    config.AnthropicConfig
}

// NewCapabilities builds the pipeline's language capabilities.
func NewCapabilities(client anthropic.Client, cfg config.AnthropicConfig) (ThesisExtractor, Arbitrator, CriticismAnalyzer, Describer) {
	c := &claudeCapabilities{client: client, cfg: cfg}
	return c, c, c, c
}

type thesisPointsDoc struct {
	ThesisPoints []model.ExtractedPoint `json:"thesis_points"`
}

func (c *claudeCapabilities) ExtractTheses(ctx context.Context, symbol string, post model.Post) ([]model.ExtractedPoint, error) {
	resp, err := c.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     c.cfg.Model,
		MaxTokens: c.cfg.MaxTokens,
		Messages: []anthropic.Message{{
			Role:    "user",
			Content: fmt.Sprintf(extractionPrompt, symbol, post.Title, post.Content),
		}},
	})
	if err != nil {
		return nil, eris.Wrap(err, "capabilities: extract theses")
	}

	var doc thesisPointsDoc
	if err := unmarshalResponse(resp.Text(), &doc); err != nil {
		return nil, eris.Wrap(err, "capabilities: parse extraction response")
	}
	return doc.ThesisPoints, nil
}

func (c *claudeCapabilities) FilterNovel(ctx context.Context, candidates []model.ExtractedPoint, existing []string) ([]model.ExtractedPoint, error) {
	type arbPoint struct {
		ID             int    `json:"id"`
		Text           string `json:"point"`
		SentimentScore int    `json:"sentiment_score"`
	}

	// Candidates go out with positional ids so survivors come back as exact
	// references rather than text to re-match: two same-worded candidates
	// from different posts keep their own attribution.
	wire := make([]arbPoint, len(candidates))
	for i, p := range candidates {
		wire[i] = arbPoint{ID: i, Text: p.Text, SentimentScore: p.SentimentScore}
	}
	listA, err := json.Marshal(wire)
	if err != nil {
		return nil, eris.Wrap(err, "capabilities: marshal candidates")
	}
	listB, err := json.Marshal(existing)
	if err != nil {
		return nil, eris.Wrap(err, "capabilities: marshal existing points")
	}

	resp, err := c.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     c.cfg.Model,
		MaxTokens: c.cfg.MaxTokens,
		Messages: []anthropic.Message{{
			Role:    "user",
			Content: fmt.Sprintf(arbitrationPrompt, listA, listB),
		}},
	})
	if err != nil {
		return nil, eris.Wrap(err, "capabilities: arbitrate duplicates")
	}

	var doc struct {
		ThesisPoints []arbPoint `json:"thesis_points"`
	}
	if err := unmarshalResponse(resp.Text(), &doc); err != nil {
		return nil, eris.Wrap(err, "capabilities: parse arbitration response")
	}

	survivors := make([]model.ExtractedPoint, 0, len(doc.ThesisPoints))
	seen := make(map[int]bool, len(doc.ThesisPoints))
	for _, v := range doc.ThesisPoints {
		if v.ID < 0 || v.ID >= len(candidates) || seen[v.ID] {
			zap.L().Warn("arbitration verdict references no candidate",
				zap.Int("id", v.ID),
				zap.String("point", v.Text),
			)
			continue
		}
		seen[v.ID] = true
		survivors = append(survivors, candidates[v.ID])
	}
	return survivors, nil
}

func (c *claudeCapabilities) AnalyzeCriticism(ctx context.Context, symbol string, points []model.ExtractedPoint, comments []model.Comment) ([]model.CriticismFinding, error) {
	type minimalPoint struct {
		Text           string `json:"point"`
		SentimentScore int    `json:"sentiment_score"`
	}
	type commentDoc struct {
		CommentID int64  `json:"comment_id"`
		Content   string `json:"content"`
	}

	// Only claim text and sentiment go out; embeddings and post ids stay
	// local and are merged back after the response returns.
	minimal := make([]minimalPoint, len(points))
	for i, p := range points {
		minimal[i] = minimalPoint{Text: p.Text, SentimentScore: p.SentimentScore}
	}
	commentDocs := make([]commentDoc, len(comments))
	for i, cm := range comments {
		commentDocs[i] = commentDoc{CommentID: cm.ID, Content: cm.Content}
	}

	pointsJSON, err := json.Marshal(minimal)
	if err != nil {
		return nil, eris.Wrap(err, "capabilities: marshal minimal points")
	}
	commentsJSON, err := json.Marshal(commentDocs)
	if err != nil {
		return nil, eris.Wrap(err, "capabilities: marshal comments")
	}

	resp, err := c.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     c.cfg.Model,
		MaxTokens: c.cfg.MaxTokens,
		System:    criticismSystemPrompt,
		Messages: []anthropic.Message{{
			Role:    "user",
			Content: fmt.Sprintf("Ticker: %s\nPoints: %s\nComments: %s", symbol, pointsJSON, commentsJSON),
		}},
	})
	if err != nil {
		return nil, eris.Wrap(err, "capabilities: analyze criticism")
	}

	var doc struct {
		Results []model.CriticismFinding `json:"results"`
	}
	if err := unmarshalResponse(resp.Text(), &doc); err != nil {
		return nil, eris.Wrap(err, "capabilities: parse criticism response")
	}
	return doc.Results, nil
}

func (c *claudeCapabilities) GenerateDescription(ctx context.Context, symbol, name string) (string, error) {
	resp, err := c.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     c.cfg.Model,
		MaxTokens: c.cfg.MaxTokens,
		Messages: []anthropic.Message{{
			Role:    "user",
			Content: fmt.Sprintf(descriptionPrompt, symbol, name),
		}},
	})
	if err != nil {
		return "", eris.Wrap(err, "capabilities: generate description")
	}
	return strings.TrimSpace(resp.Text()), nil
}

// unmarshalResponse parses a JSON document from a model response, tolerating
// markdown code fences around the payload.
func unmarshalResponse(text string, out any) error {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		return eris.Wrapf(err, "unmarshal model response: %s", truncate(cleaned, 200))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
