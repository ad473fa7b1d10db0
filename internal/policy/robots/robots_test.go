package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func robotsServer(t *testing.T, body string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			if hits != nil {
				hits.Add(1)
			}
			fmt.Fprint(w, body)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAllowAllWhenNotRespecting(t *testing.T) {
	t.Parallel()
	policy := New(false, Options{})
	require.True(t, policy.Check(context.Background(), "https://example.com/anything").Allowed)
}

func TestEnforcerHonoursDisallow(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := robotsServer(t, "User-agent: *\nDisallow: /blocked\n", &hits)

	policy := New(true, Options{UserAgent: "render-crawler", Logger: zap.NewNop()})
	ctx := context.Background()
	require.True(t, policy.Check(ctx, srv.URL+"/allowed").Allowed)
	require.False(t, policy.Check(ctx, srv.URL+"/blocked").Allowed)
	require.False(t, policy.Check(ctx, srv.URL+"/blocked/deeper?x=1").Allowed)
	assert.Equal(t, int32(1), hits.Load(), "robots.txt is cached per host")
}

func TestEnforcerAllowsWhenRobotsMissing(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	policy := New(true, Options{UserAgent: "render-crawler"})
	require.True(t, policy.Check(context.Background(), srv.URL+"/page").Allowed)
}

func TestEnforcerAllowsOnFetchError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	policy := New(true, Options{UserAgent: "render-crawler", Client: &http.Client{Timeout: time.Second}})
	require.True(t, policy.Check(context.Background(), addr+"/page").Allowed)
}

func TestEnforcerRejectsInvalidURL(t *testing.T) {
	t.Parallel()
	policy := New(true, Options{})
	require.False(t, policy.Check(context.Background(), "ftp://example.com/file").Allowed)
}

func TestEnforcerReportsCrawlDelay(t *testing.T) {
	t.Parallel()
	srv := robotsServer(t, "User-agent: *\nCrawl-delay: 2\nDisallow: /private\n", nil)

	policy := New(true, Options{UserAgent: "render-crawler"})
	ctx := context.Background()

	v := policy.Check(ctx, srv.URL+"/a")
	assert.True(t, v.Allowed)
	assert.Equal(t, 2*time.Second, v.CrawlDelay)

	v = policy.Check(ctx, srv.URL+"/private/x")
	assert.False(t, v.Allowed)
	assert.Equal(t, 2*time.Second, v.CrawlDelay, "cached group keeps the delay")
}
