// Package robots enforces robots.txt directives per host.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/render-crawler/internal/crawler"
	"github.com/JakeFAU/render-crawler/internal/metrics"
)

// Options configures an Enforcer.
type Options struct {
	UserAgent string
	Client    *http.Client
	Logger    *zap.Logger
}

// Enforcer fetches and caches robots.txt per host. A failed fetch allows
// the host and is not cached, so the next URL tries again.
type Enforcer struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger

	mu    sync.Mutex
	cache map[string]*robotstxt.Group
}

// New returns a crawler.RobotsPolicy. When respect is false every URL is allowed.
func New(respect bool, opts Options) crawler.RobotsPolicy {
	if !respect {
		return AllowAll{}
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enforcer{
		client:    client,
		userAgent: opts.UserAgent,
		logger:    logger.Named("robots"),
		cache:     make(map[string]*robotstxt.Group),
	}
}

// Check implements crawler.RobotsPolicy. The host's Crawl-delay is returned
// with every verdict; applying it is left to the caller.
func (r *Enforcer) Check(ctx context.Context, rawURL string) crawler.RobotsVerdict {
	parsed, err := crawler.ParseHTTPURL(rawURL)
	if err != nil {
		return crawler.RobotsVerdict{}
	}
	group, err := r.group(ctx, parsed)
	if err != nil {
		metrics.ObserveRobotsFetchError()
		r.logger.Warn("robots fetch failed; allowing access", zap.String("host", parsed.Host), zap.Error(err))
		return crawler.RobotsVerdict{Allowed: true}
	}
	if group == nil {
		return crawler.RobotsVerdict{Allowed: true}
	}
	target := parsed.EscapedPath()
	if target == "" {
		target = "/"
	}
	if parsed.RawQuery != "" {
		target += "?" + parsed.RawQuery
	}
	return crawler.RobotsVerdict{Allowed: group.Test(target), CrawlDelay: group.CrawlDelay}
}

func (r *Enforcer) group(ctx context.Context, parsed *url.URL) (*robotstxt.Group, error) {
	hostKey := strings.ToLower(parsed.Host)
	r.mu.Lock()
	group, ok := r.cache[hostKey]
	r.mu.Unlock()
	if ok {
		return group, nil
	}

	data, err := r.fetch(ctx, parsed)
	if err != nil {
		return nil, err
	}
	group = data.FindGroup(r.userAgent)

	r.mu.Lock()
	if cached, ok := r.cache[hostKey]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.cache[hostKey] = group
	r.mu.Unlock()
	return group, nil
}

func (r *Enforcer) fetch(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			r.logger.Debug("close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}

// AllowAll permits every URL.
type AllowAll struct{}

// Check implements crawler.RobotsPolicy.
func (AllowAll) Check(context.Context, string) crawler.RobotsVerdict {
	return crawler.RobotsVerdict{Allowed: true}
}
