package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if crawlerFetchesTotal == nil || crawlerReportsTotal == nil ||
		httpRequestsTotal == nil || crawlerFrontierEntries == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveFetch(t *testing.T) {
	Init()
	before := testutil.ToFloat64(crawlerFetchesTotal.WithLabelValues("metrics-fetch.test", "success"))
	ObserveFetch("metrics-fetch.test", "success", 128, 250*time.Millisecond)
	ObserveFetch("metrics-fetch.test", "success", 0, time.Second)

	if got := testutil.ToFloat64(crawlerFetchesTotal.WithLabelValues("metrics-fetch.test", "success")); got != before+2 {
		t.Errorf("crawler_fetches_total = %f, want %f", got, before+2)
	}
	if got := testutil.ToFloat64(crawlerBytesTotal.WithLabelValues("metrics-fetch.test")); got != 128 {
		t.Errorf("crawler_bytes_total = %f, want 128", got)
	}
}

func TestObserveReportCountsSinkErrors(t *testing.T) {
	Init()
	before := testutil.ToFloat64(crawlerSinkErrorsTotal)
	ObserveReport("done", nil)
	ObserveReport("abandoned", errors.New("sink down"))

	if got := testutil.ToFloat64(crawlerSinkErrorsTotal); got != before+1 {
		t.Errorf("crawler_sink_errors_total = %f, want %f", got, before+1)
	}
}

func TestGauges(t *testing.T) {
	SetFrontierEntries("pending", 7)
	SetSessionsCheckedOut(3)

	if got := testutil.ToFloat64(crawlerFrontierEntries.WithLabelValues("pending")); got != 7 {
		t.Errorf("crawler_frontier_entries{pending} = %f, want 7", got)
	}
	if got := testutil.ToFloat64(crawlerSessionsCheckedOut); got != 3 {
		t.Errorf("crawler_sessions_checked_out = %f, want 3", got)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
