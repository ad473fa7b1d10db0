package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/render-crawler/internal/crawler"
)

func changedReport() crawler.Report {
	return crawler.Report{
		RunID:   "run-1",
		Key:     "a.test/tickets",
		URL:     "https://a.test/tickets",
		State:   crawler.StateDone,
		Visit:   4,
		Changed: true,
	}
}

func TestReportPostsMessageField(t *testing.T) {
	t.Parallel()

	got := make(chan map[string]string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		got <- body
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s, err := New(Config{URL: srv.URL, Field: "text", Timeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, s.Report(context.Background(), changedReport()))

	body := <-got
	assert.Equal(t, map[string]string{"text": "Content changed: https://a.test/tickets (visit 4)"}, body)
}

func TestReportFailsOnErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := NewWithClient(Config{URL: srv.URL}, srv.Client())
	err := s.Report(context.Background(), changedReport())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestNewRequiresURL(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	assert.Error(t, err)
}

func TestMessage(t *testing.T) {
	t.Parallel()

	abandoned := crawler.Report{URL: "https://a.test/x", State: crawler.StateAbandoned, Reason: "retries exhausted"}
	assert.Equal(t, "Crawl abandoned: https://a.test/x (retries exhausted)", Message(abandoned))
	assert.Equal(t, "Crawled: https://a.test/y", Message(crawler.Report{URL: "https://a.test/y", State: crawler.StateDone}))
}
