package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/episteme-ai/episteme/internal/model"
)

// ErrNotFound is returned when a requested ticker does not exist.
var ErrNotFound = eris.New("store: not found")

// DB is the subset of pgxpool.Pool the store uses. pgxmock satisfies it in
// tests.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	db DB
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, maxConns, minConns int32) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	if maxConns > 0 {
		pgxCfg.MaxConns = maxConns
	}
	if minConns > 0 {
		pgxCfg.MinConns = minConns
	}
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{db: pool}, nil
}

// NewPostgresWithDB wraps an existing DB, used by tests.
func NewPostgresWithDB(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS tickers (
	id                        BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	symbol                    TEXT NOT NULL UNIQUE,
	name                      TEXT NOT NULL DEFAULT '',
	description               TEXT NOT NULL DEFAULT '',
	overall_sentiment_score   DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_analyzed             TIMESTAMPTZ,
	description_last_analyzed TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS posts (
	id           BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	ticker_id    BIGINT NOT NULL REFERENCES tickers(id) ON DELETE CASCADE,
	source       TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	permalink    TEXT NOT NULL,
	author       TEXT NOT NULL DEFAULT '',
	published_at TIMESTAMPTZ,
	content      TEXT NOT NULL DEFAULT '',
	UNIQUE (ticker_id, permalink)
);

CREATE TABLE IF NOT EXISTS comments (
	id        BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	post_id   BIGINT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
	author    TEXT NOT NULL DEFAULT '',
	content   TEXT NOT NULL DEFAULT '',
	permalink TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS points (
	id               BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	ticker_id        BIGINT NOT NULL REFERENCES tickers(id) ON DELETE CASCADE,
	post_id          BIGINT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
	text             TEXT NOT NULL,
	sentiment_score  INT NOT NULL CHECK (sentiment_score BETWEEN 1 AND 100),
	criticism_exists BOOLEAN NOT NULL DEFAULT FALSE,
	embedding        REAL[] NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS criticisms (
	id             BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	point_id       BIGINT NOT NULL REFERENCES points(id) ON DELETE CASCADE,
	comment_id     BIGINT REFERENCES comments(id) ON DELETE SET NULL,
	text           TEXT NOT NULL,
	validity_score INT NOT NULL CHECK (validity_score BETWEEN 1 AND 100)
);

CREATE INDEX IF NOT EXISTS idx_posts_ticker_id ON posts(ticker_id);
CREATE INDEX IF NOT EXISTS idx_comments_post_id ON comments(post_id);
CREATE INDEX IF NOT EXISTS idx_points_ticker_id ON points(ticker_id);
CREATE INDEX IF NOT EXISTS idx_criticisms_point_id ON criticisms(point_id);
`

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresMigration); err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

const upsertTickerSQL = `
INSERT INTO tickers (symbol, name) VALUES ($1, $2)
ON CONFLICT (symbol) DO UPDATE
SET name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE tickers.name END
RETURNING id, symbol, name, description, overall_sentiment_score, last_analyzed, description_last_analyzed`

// UpsertTicker inserts the ticker or returns the existing row, atomically
// under the symbol uniqueness constraint.
func (s *PostgresStore) UpsertTicker(ctx context.Context, symbol, name string) (*model.Ticker, error) {
	row := s.db.QueryRow(ctx, upsertTickerSQL, model.NormalizeSymbol(symbol), name)
	t, err := scanTicker(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert ticker %s", symbol)
	}
	return t, nil
}

const getTickerSQL = `
SELECT id, symbol, name, description, overall_sentiment_score, last_analyzed, description_last_analyzed
FROM tickers WHERE symbol = $1`

// GetTicker fetches a ticker by symbol (case-insensitive).
func (s *PostgresStore) GetTicker(ctx context.Context, symbol string) (*model.Ticker, error) {
	row := s.db.QueryRow(ctx, getTickerSQL, model.NormalizeSymbol(symbol))
	t, err := scanTicker(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get ticker %s", symbol)
	}
	return t, nil
}

// GetTickerDetail fetches a ticker with its full point and criticism tree.
func (s *PostgresStore) GetTickerDetail(ctx context.Context, symbol string) (*model.TickerDetail, error) {
	ticker, err := s.GetTicker(ctx, symbol)
	if err != nil {
		return nil, err
	}

	points, err := s.ListPoints(ctx, ticker.ID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, `
		SELECT c.id, c.point_id, c.comment_id, c.text, c.validity_score
		FROM criticisms c
		JOIN points p ON p.id = c.point_id
		WHERE p.ticker_id = $1
		ORDER BY c.id`, ticker.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list criticisms for ticker %d", ticker.ID)
	}
	defer rows.Close()

	byPoint := make(map[int64][]model.Criticism)
	for rows.Next() {
		var c model.Criticism
		if err := rows.Scan(&c.ID, &c.PointID, &c.CommentID, &c.Text, &c.ValidityScore); err != nil {
			return nil, eris.Wrap(err, "postgres: scan criticism")
		}
		byPoint[c.PointID] = append(byPoint[c.PointID], c)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate criticisms")
	}

	for i := range points {
		points[i].Criticisms = byPoint[points[i].ID]
	}

	return &model.TickerDetail{Ticker: *ticker, Points: points}, nil
}

// UpdateTickerSentiment writes the recomputed overall score and run timestamp.
func (s *PostgresStore) UpdateTickerSentiment(ctx context.Context, tickerID int64, score float64, analyzedAt time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE tickers SET overall_sentiment_score = $1, last_analyzed = $2 WHERE id = $3`,
		score, analyzedAt, tickerID)
	if err != nil {
		return eris.Wrapf(err, "postgres: update sentiment for ticker %d", tickerID)
	}
	return nil
}

// UpdateTickerDescription writes a regenerated description and its timestamp.
func (s *PostgresStore) UpdateTickerDescription(ctx context.Context, tickerID int64, description string, analyzedAt time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE tickers SET description = $1, description_last_analyzed = $2 WHERE id = $3`,
		description, analyzedAt, tickerID)
	if err != nil {
		return eris.Wrapf(err, "postgres: update description for ticker %d", tickerID)
	}
	return nil
}

// ExistingPermalinks returns which of the given permalinks are already stored
// for the ticker. One set-membership query, not one lookup per post.
func (s *PostgresStore) ExistingPermalinks(ctx context.Context, tickerID int64, permalinks []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(permalinks))
	if len(permalinks) == 0 {
		return existing, nil
	}

	rows, err := s.db.Query(ctx,
		`SELECT permalink FROM posts WHERE ticker_id = $1 AND permalink = ANY($2)`,
		tickerID, permalinks)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: existing permalinks for ticker %d", tickerID)
	}
	defer rows.Close()

	for rows.Next() {
		var link string
		if err := rows.Scan(&link); err != nil {
			return nil, eris.Wrap(err, "postgres: scan permalink")
		}
		existing[link] = true
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate permalinks")
	}
	return existing, nil
}

// SavePosts inserts posts and their comments in one transaction and returns
// the records with assigned IDs so later stages can attribute comments.
func (s *PostgresStore) SavePosts(ctx context.Context, tickerID int64, posts []model.Post) ([]model.Post, error) {
	if len(posts) == 0 {
		return nil, nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin save posts")
	}
	defer tx.Rollback(ctx)

	saved := make([]model.Post, 0, len(posts))
	for _, p := range posts {
		p.TickerID = tickerID
		err := tx.QueryRow(ctx, `
			INSERT INTO posts (ticker_id, source, title, permalink, author, published_at, content)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id`,
			tickerID, p.Source, p.Title, p.Permalink, p.Author, p.PublishedAt, p.Content,
		).Scan(&p.ID)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: insert post %s", p.Permalink)
		}

		for i := range p.Comments {
			c := &p.Comments[i]
			c.PostID = p.ID
			err := tx.QueryRow(ctx, `
				INSERT INTO comments (post_id, author, content, permalink)
				VALUES ($1, $2, $3, $4)
				RETURNING id`,
				p.ID, c.Author, c.Content, c.Permalink,
			).Scan(&c.ID)
			if err != nil {
				return nil, eris.Wrapf(err, "postgres: insert comment for post %d", p.ID)
			}
		}
		saved = append(saved, p)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit save posts")
	}
	return saved, nil
}

// ListPoints returns all stored points for the ticker with their persisted
// embeddings, so deduplication never recomputes them.
func (s *PostgresStore) ListPoints(ctx context.Context, tickerID int64) ([]model.ThesisPoint, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, ticker_id, post_id, text, sentiment_score, criticism_exists, embedding
		FROM points WHERE ticker_id = $1 ORDER BY id`, tickerID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list points for ticker %d", tickerID)
	}
	defer rows.Close()

	var points []model.ThesisPoint
	for rows.Next() {
		var p model.ThesisPoint
		if err := rows.Scan(&p.ID, &p.TickerID, &p.PostID, &p.Text, &p.SentimentScore, &p.CriticismExists, &p.Embedding); err != nil {
			return nil, eris.Wrap(err, "postgres: scan point")
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate points")
	}
	return points, nil
}

// SavePoints inserts points and their criticisms in one transaction.
func (s *PostgresStore) SavePoints(ctx context.Context, tickerID int64, points []model.ThesisPoint) error {
	if len(points) == 0 {
		return nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin save points")
	}
	defer tx.Rollback(ctx)

	for _, p := range points {
		var pointID int64
		err := tx.QueryRow(ctx, `
			INSERT INTO points (ticker_id, post_id, text, sentiment_score, criticism_exists, embedding)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			tickerID, p.PostID, p.Text, p.SentimentScore, p.CriticismExists, p.Embedding,
		).Scan(&pointID)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert point for post %d", p.PostID)
		}

		for _, c := range p.Criticisms {
			_, err := tx.Exec(ctx, `
				INSERT INTO criticisms (point_id, comment_id, text, validity_score)
				VALUES ($1, $2, $3, $4)`,
				pointID, c.CommentID, c.Text, c.ValidityScore)
			if err != nil {
				return eris.Wrapf(err, "postgres: insert criticism for point %d", pointID)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit save points")
	}
	return nil
}

// UpdatePointEmbedding persists an embedding backfilled for a point stored
// before embeddings were recorded.
func (s *PostgresStore) UpdatePointEmbedding(ctx context.Context, pointID int64, embedding []float32) error {
	_, err := s.db.Exec(ctx, `
		UPDATE points SET embedding = $1 WHERE id = $2`, embedding, pointID)
	if err != nil {
		return eris.Wrapf(err, "postgres: update embedding for point %d", pointID)
	}
	return nil
}

func scanTicker(row pgx.Row) (*model.Ticker, error) {
	var t model.Ticker
	err := row.Scan(&t.ID, &t.Symbol, &t.Name, &t.Description, &t.OverallSentimentScore,
		&t.LastAnalyzed, &t.DescriptionLastAnalyzed)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
