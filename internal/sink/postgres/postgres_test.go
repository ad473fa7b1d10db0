package postgres

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/render-crawler/internal/crawler"
)

func sampleReport() crawler.Report {
	now := time.Unix(1700000000, 0).UTC()
	return crawler.Report{
		RunID:        "run-1",
		Key:          "example.com/",
		URL:          "https://example.com/",
		FinalURL:     "https://example.com/",
		State:        crawler.StateDone,
		Class:        crawler.OutcomeSuccess,
		StatusCode:   200,
		ContentType:  "text/html",
		ContentHash:  "sha256:abc",
		Attempts:     1,
		Headers:      http.Header{"Content-Type": {"text/html"}},
		Body:         []byte("<html></html>"),
		DurationMs:   120,
		DiscoveredAt: now.Add(-time.Minute),
		FinishedAt:   now,
		Visit:        2,
		Changed:      true,
	}
}

func TestReportUpsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewWithPool(mock, "crawl_results", false)
	require.NoError(t, err)

	r := sampleReport()
	mock.ExpectExec("INSERT INTO crawl_results").
		WithArgs(
			r.RunID,
			"example.com/",
			r.URL,
			r.FinalURL,
			"done",
			"success",
			r.StatusCode,
			r.ContentType,
			r.ContentHash,
			r.Attempts,
			r.Depth,
			r.Reason,
			[]byte(`{"Content-Type":["text/html"]}`),
			[]byte(nil),
			r.DurationMs,
			r.DiscoveredAt,
			r.FinishedAt,
			2,
			true,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Report(context.Background(), r))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportStoresBodyWhenEnabled(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewWithPool(mock, "", true)
	require.NoError(t, err)

	r := sampleReport()
	args := make([]any, 19)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	args[13] = r.Body
	mock.ExpectExec("INSERT INTO crawl_results").WithArgs(args...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Report(context.Background(), r))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportWrapsExecError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewWithPool(mock, "results", false)
	require.NoError(t, err)

	boom := errors.New("connection reset")
	mock.ExpectExec("INSERT INTO results").WillReturnError(boom)

	err = s.Report(context.Background(), sampleReport())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "example.com/")
}

func TestNewWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "results; DROP TABLE x", false)
	assert.Error(t, err)

	_, err = NewWithPool(nil, "results", false)
	assert.Error(t, err)
}

func TestReportRequiresKey(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewWithPool(mock, "", false)
	require.NoError(t, err)
	assert.Error(t, s.Report(context.Background(), crawler.Report{}))
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}
