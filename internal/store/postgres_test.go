package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func tickerColumns() []string {
	return []string{"id", "symbol", "name", "description", "overall_sentiment_score",
		"last_analyzed", "description_last_analyzed"}
}

func TestMigrate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS tickers").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	st := NewPostgresWithDB(mock)
	require.NoError(t, st.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertTickerNormalizesSymbol(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("INSERT INTO tickers").
		WithArgs("AAPL", "Apple").
		WillReturnRows(pgxmock.NewRows(tickerColumns()).
			AddRow(int64(1), "AAPL", "Apple", "", 0.0, nil, nil))

	st := NewPostgresWithDB(mock)
	ticker, err := st.UpsertTicker(context.Background(), "aapl", "Apple")
	require.NoError(t, err)
	assert.Equal(t, int64(1), ticker.ID)
	assert.Equal(t, "AAPL", ticker.Symbol)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTickerNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM tickers WHERE symbol").
		WithArgs("ZZZZ").
		WillReturnRows(pgxmock.NewRows(tickerColumns()))

	st := NewPostgresWithDB(mock)
	_, err = st.GetTicker(context.Background(), "zzzz")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTickerSentiment(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE tickers SET overall_sentiment_score").
		WithArgs(62.5, at, int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	st := NewPostgresWithDB(mock)
	require.NoError(t, st.UpdateTickerSentiment(context.Background(), 3, 62.5, at))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExistingPermalinks(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	links := []string{"p/1", "p/2", "p/3"}
	mock.ExpectQuery("SELECT permalink FROM posts").
		WithArgs(int64(7), links).
		WillReturnRows(pgxmock.NewRows([]string{"permalink"}).AddRow("p/2"))

	st := NewPostgresWithDB(mock)
	existing, err := st.ExistingPermalinks(context.Background(), 7, links)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"p/2": true}, existing)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExistingPermalinksEmptyInputSkipsQuery(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	st := NewPostgresWithDB(mock)
	existing, err := st.ExistingPermalinks(context.Background(), 7, nil)
	require.NoError(t, err)
	assert.Empty(t, existing)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePostsTransactional(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	published := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	posts := []model.Post{
		{
			Source: "reddit", Title: "Long AAPL", Permalink: "p/1",
			Author: "u/bull", PublishedAt: published, Content: "thesis",
			Comments: []model.Comment{{Author: "u/bear", Content: "counter", Permalink: "p/1/c1"}},
		},
	}

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO posts").
		WithArgs(int64(7), "reddit", "Long AAPL", "p/1", "u/bull", published, "thesis").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(100)))
	mock.ExpectQuery("INSERT INTO comments").
		WithArgs(int64(100), "u/bear", "counter", "p/1/c1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(200)))
	mock.ExpectCommit()

	st := NewPostgresWithDB(mock)
	saved, err := st.SavePosts(context.Background(), 7, posts)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, int64(100), saved[0].ID)
	require.Len(t, saved[0].Comments, 1)
	assert.Equal(t, int64(200), saved[0].Comments[0].ID)
	assert.Equal(t, int64(100), saved[0].Comments[0].PostID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePostsRollsBackOnError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO posts").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(fmt.Errorf("duplicate key value violates unique constraint"))
	mock.ExpectRollback()

	st := NewPostgresWithDB(mock)
	_, err = st.SavePosts(context.Background(), 7, []model.Post{{Permalink: "p/1"}})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePointsWithCriticisms(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	commentID := int64(200)
	points := []model.ThesisPoint{
		{
			PostID: 100, Text: "installed base keeps growing", SentimentScore: 70,
			CriticismExists: true, Embedding: []float32{0.1, 0.2},
			Criticisms: []model.Criticism{
				{CommentID: &commentID, Text: "saturation risk", ValidityScore: 55},
			},
		},
	}

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO points").
		WithArgs(int64(7), int64(100), "installed base keeps growing", 70, true, []float32{0.1, 0.2}).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(300)))
	mock.ExpectExec("INSERT INTO criticisms").
		WithArgs(int64(300), &commentID, "saturation risk", 55).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	st := NewPostgresWithDB(mock)
	require.NoError(t, st.SavePoints(context.Background(), 7, points))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdatePointEmbedding(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE points SET embedding").
		WithArgs([]float32{0.3, 0.4}, int64(300)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	st := NewPostgresWithDB(mock)
	require.NoError(t, st.UpdatePointEmbedding(context.Background(), 300, []float32{0.3, 0.4}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListPoints(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM points WHERE ticker_id").
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "ticker_id", "post_id", "text", "sentiment_score", "criticism_exists", "embedding",
		}).
			AddRow(int64(1), int64(7), int64(100), "a", 60, false, []float32{1, 0}).
			AddRow(int64(2), int64(7), int64(100), "b", 40, true, []float32{0, 1}))

	st := NewPostgresWithDB(mock)
	points, err := st.ListPoints(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, []float32{1, 0}, points[0].Embedding)
	assert.True(t, points[1].CriticismExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}
