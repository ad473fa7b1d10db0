package cmd

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/render-crawler/internal/config"
)

type stubApp struct {
	runErr error
	ran    bool
	closed bool
}

func (s *stubApp) Run(context.Context) error {
	s.ran = true
	return s.runErr
}

func (s *stubApp) Close() { s.closed = true }

func stubFactories(t *testing.T, stub *stubApp, got *config.Config) {
	t.Helper()
	origLoad, origApp := loadConfig, newApp
	t.Cleanup(func() { loadConfig, newApp = origLoad, origApp })

	loadConfig = func(string) (config.Config, error) {
		cfg, err := config.Load("")
		if err != nil {
			return config.Config{}, err
		}
		cfg.Crawler.Seeds = []config.Seed{{URL: "https://from-config.test/", Priority: 1}}
		return cfg, nil
	}
	newApp = func(_ context.Context, cfg config.Config, _ *zap.Logger) (crawlApp, error) {
		*got = cfg
		return stub, nil
	}
}

func TestCrawlAppliesFlags(t *testing.T) {
	stub := &stubApp{}
	var got config.Config
	stubFactories(t, stub, &got)

	root := newRootCmd()
	root.SetArgs([]string{"crawl", "--seed", "https://a.test/", "--seed", "https://b.test/|7", "--run-id", "r1", "--sessions", "6", "--addr", ""})
	require.NoError(t, root.ExecuteContext(context.Background()))

	assert.True(t, stub.ran)
	assert.True(t, stub.closed)
	assert.Equal(t, []config.Seed{
		{URL: "https://from-config.test/", Priority: 1},
		{URL: "https://a.test/"},
		{URL: "https://b.test/", Priority: 7},
	}, got.Crawler.Seeds)
	assert.Equal(t, "r1", got.Crawler.RunID)
	assert.Equal(t, 6, got.Sessions.MaxSessions)
	assert.Empty(t, got.Server.Addr)
}

func TestCrawlRejectsInvalidFlags(t *testing.T) {
	stub := &stubApp{}
	var got config.Config
	stubFactories(t, stub, &got)

	root := newRootCmd()
	root.SetArgs([]string{"crawl", "--sessions", "0"})
	assert.Error(t, root.ExecuteContext(context.Background()))
	assert.False(t, stub.ran)

	root = newRootCmd()
	root.SetArgs([]string{"crawl", "--seed", "https://a.test/|urgent"})
	assert.Error(t, root.ExecuteContext(context.Background()))
	assert.False(t, stub.ran)
}

func TestCrawlTreatsCancellationAsClean(t *testing.T) {
	stub := &stubApp{runErr: errors.Join(errors.New("crawl cancelled"), context.Canceled)}
	var got config.Config
	stubFactories(t, stub, &got)

	root := newRootCmd()
	root.SetArgs([]string{"crawl"})
	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.True(t, stub.closed)
}

func TestCrawlSurfacesRunErrors(t *testing.T) {
	stub := &stubApp{runErr: errors.New("sink exploded")}
	var got config.Config
	stubFactories(t, stub, &got)

	root := newRootCmd()
	root.SetArgs([]string{"crawl"})
	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink exploded")
}
