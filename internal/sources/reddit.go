package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/config"
	"github.com/episteme-ai/episteme/internal/model"
	"github.com/episteme-ai/episteme/internal/resilience"
)

// SourceReddit is the source identifier stored on posts fetched from Reddit.
const SourceReddit = "reddit"

// minSelftextLen filters out link posts and low-effort text posts before any
// expensive processing happens.
const minSelftextLen = 100

// RedditSource fetches discussion threads from the public Reddit JSON API.
type RedditSource struct {
	cfg  config.RedditConfig
	http *http.Client
}

// NewReddit creates a RedditSource.
func NewReddit(cfg config.RedditConfig) *RedditSource {
	return &RedditSource{
		cfg: cfg,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NewRedditWithHTTPClient creates a RedditSource with a custom HTTP client,
// used by tests.
func NewRedditWithHTTPClient(cfg config.RedditConfig, hc *http.Client) *RedditSource {
	return &RedditSource{cfg: cfg, http: hc}
}

func (s *RedditSource) Name() string { return SourceReddit }

// redditListing is the envelope Reddit wraps every collection in.
type redditListing struct {
	Data struct {
		Children []struct {
			Data redditThing `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type redditThing struct {
	Title         string  `json:"title"`
	Author        string  `json:"author"`
	Selftext      string  `json:"selftext"`
	Body          string  `json:"body"`
	Permalink     string  `json:"permalink"`
	CreatedUTC    float64 `json:"created_utc"`
	Score         int     `json:"score"`
	LinkFlairText string  `json:"link_flair_text"`
}

// Fetch searches each configured subreddit for the ticker and returns the
// qualifying posts with their top comments attached.
func (s *RedditSource) Fetch(ctx context.Context, q Query) ([]model.Post, error) {
	subreddits := q.Subreddits
	if len(subreddits) == 0 {
		subreddits = s.cfg.Subreddits
	}
	timeframe := q.Timeframe
	if timeframe == "" {
		timeframe = s.cfg.Timeframe
	}
	limit := q.PostLimit
	if limit <= 0 {
		limit = s.cfg.PostsPerQuery
	}

	var posts []model.Post
	for _, sub := range subreddits {
		found, err := s.searchSubreddit(ctx, sub, q, timeframe, limit)
		if err != nil {
			return nil, eris.Wrapf(err, "reddit: search r/%s", sub)
		}

		for _, p := range found {
			comments, err := s.topComments(ctx, p.Permalink)
			if err != nil {
				// A post without comments is still analyzable; the criticism
				// stage just has nothing to validate against.
				zap.L().Warn("reddit: fetching comments failed",
					zap.String("permalink", p.Permalink),
					zap.Error(err),
				)
			}
			p.Comments = comments
			posts = append(posts, p)
		}
	}

	return posts, nil
}

func (s *RedditSource) searchSubreddit(ctx context.Context, subreddit string, q Query, timeframe string, limit int) ([]model.Post, error) {
	reqURL := fmt.Sprintf("%s/r/%s/search.json?%s", s.cfg.BaseURL, url.PathEscape(subreddit), url.Values{
		"q":           {fmt.Sprintf("%s OR %s", q.Name, q.Symbol)},
		"restrict_sr": {"1"},
		"sort":        {"relevance"},
		"t":           {timeframe},
		"limit":       {strconv.Itoa(limit)},
	}.Encode())

	var listing redditListing
	if err := s.getJSON(ctx, reqURL, &listing); err != nil {
		return nil, err
	}

	var posts []model.Post
	for _, child := range listing.Data.Children {
		thing := child.Data
		if len(thing.Selftext) < minSelftextLen {
			continue
		}
		// r/wallstreetbets is mostly noise; only due-diligence posts qualify.
		if subreddit == "wallstreetbets" && thing.LinkFlairText != "DD" {
			continue
		}
		posts = append(posts, model.Post{
			Source:      SourceReddit,
			Title:       thing.Title,
			Permalink:   s.cfg.BaseURL + thing.Permalink,
			Author:      thing.Author,
			PublishedAt: time.Unix(int64(thing.CreatedUTC), 0).UTC(),
			Content:     thing.Selftext,
		})
	}
	return posts, nil
}

// topComments fetches a thread's comments and keeps the top quartile by
// score, capped at the configured comment limit.
func (s *RedditSource) topComments(ctx context.Context, permalink string) ([]model.Comment, error) {
	reqURL := permalink + ".json"

	// The thread endpoint returns two listings: the post and its comments.
	var listings []redditListing
	if err := s.getJSON(ctx, reqURL, &listings); err != nil {
		return nil, err
	}
	if len(listings) < 2 {
		return nil, nil
	}

	var things []redditThing
	for _, child := range listings[1].Data.Children {
		if child.Data.Body == "" {
			continue
		}
		things = append(things, child.Data)
	}

	sort.Slice(things, func(i, j int) bool { return things[i].Score > things[j].Score })

	keep := len(things) / 4
	if keep < 1 {
		keep = 1
	}
	if keep > len(things) {
		keep = len(things)
	}
	if s.cfg.CommentLimit > 0 && keep > s.cfg.CommentLimit {
		keep = s.cfg.CommentLimit
	}

	comments := make([]model.Comment, 0, keep)
	for _, thing := range things[:keep] {
		comments = append(comments, model.Comment{
			Author:    thing.Author,
			Content:   thing.Body,
			Permalink: s.cfg.BaseURL + thing.Permalink,
		})
	}
	return comments, nil
}

func (s *RedditSource) getJSON(ctx context.Context, reqURL string, out any) error {
	return resilience.Do(ctx, resilience.DefaultPolicy(), func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return eris.Wrap(err, "reddit: create request")
		}
		req.Header.Set("User-Agent", s.cfg.UserAgent)

		resp, err := s.http.Do(req)
		if err != nil {
			return resilience.NewTransientError(eris.Wrap(err, "reddit: request"), 0)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return eris.Wrap(err, "reddit: read response body")
		}

		if resilience.TransientStatus(resp.StatusCode) {
			return resilience.NewTransientError(
				eris.Errorf("reddit: status %d", resp.StatusCode), resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return eris.Errorf("reddit: unexpected status %d: %s", resp.StatusCode, string(body))
		}

		if err := json.Unmarshal(body, out); err != nil {
			return eris.Wrap(err, "reddit: unmarshal response")
		}
		return nil
	})
}
