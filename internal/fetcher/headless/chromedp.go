// Package headless implements the render capability with headless Chrome via chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/render-crawler/internal/crawler"
)

// Config controls how browsers are launched and pages rendered.
type Config struct {
	UserAgent string
	// ExecPath points at a Chrome binary; empty uses chromedp's lookup.
	ExecPath      string
	Headless      bool
	NoSandbox     bool
	DisableDevShm bool
	// Settle is an extra pause after the body is ready so late scripts can run.
	Settle       time.Duration
	ExtraHeaders http.Header
	// StartTimeout bounds browser launch when the caller's context has no deadline.
	StartTimeout time.Duration
}

// Factory launches one browser process per session.
type Factory struct {
	cfg    Config
	logger *zap.Logger
}

// NewFactory returns a crawler.SessionFactory backed by chromedp.
func NewFactory(cfg Config, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 30 * time.Second
	}
	return &Factory{cfg: cfg, logger: logger.Named("chromedp")}
}

// NewSession starts a browser and waits until it accepts commands.
func (f *Factory) NewSession(ctx context.Context) (crawler.Session, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(f.cfg)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	startCtx, cancelStart := context.WithTimeout(ctx, f.cfg.StartTimeout)
	defer cancelStart()
	stopForward := forwardCancel(startCtx, browserCancel)
	err := chromedp.Run(browserCtx)
	stopForward()
	if err != nil {
		browserCancel()
		allocCancel()
		if startCtx.Err() != nil {
			return nil, fmt.Errorf("chromedp warmup: %w", startCtx.Err())
		}
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	return &Session{
		cfg:           f.cfg,
		logger:        f.logger,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
	}, nil
}

// Session is one browser process. Each render opens a fresh tab.
type Session struct {
	cfg           Config
	logger        *zap.Logger
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	closeOnce     sync.Once
}

// Render navigates to rawURL in a new tab and returns the rendered DOM.
// The tab is bound to ctx: cancellation or deadline closes only the tab and
// the browser stays usable. Only an exited browser wraps
// crawler.ErrSessionUnusable.
func (s *Session) Render(ctx context.Context, rawURL string) (crawler.Rendered, error) {
	if err := s.browserCtx.Err(); err != nil {
		return crawler.Rendered{}, fmt.Errorf("%w: browser gone: %w", crawler.ErrSessionUnusable, err)
	}

	tabCtx, cancelTab := chromedp.NewContext(s.browserCtx)
	defer cancelTab()

	var (
		taskCtx    context.Context
		cancelTask context.CancelFunc
	)
	if deadline, ok := ctx.Deadline(); ok {
		taskCtx, cancelTask = context.WithDeadline(tabCtx, deadline)
	} else {
		taskCtx, cancelTask = context.WithCancel(tabCtx)
	}
	defer cancelTask()

	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	html, finalURL, err := s.run(taskCtx, rawURL)
	if err != nil {
		return crawler.Rendered{}, renderError(s.browserCtx, ctx, err)
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(rawURL, finalURL)
	if headers == nil {
		headers = http.Header{}
	}
	return crawler.Rendered{
		FinalURL:    responseURL,
		StatusCode:  status,
		ContentType: headers.Get("Content-Type"),
		Headers:     headers,
		Body:        []byte(html),
	}, nil
}

// renderError keeps the session for tab-level aborts and flags it only when
// the browser itself is gone.
func renderError(browserCtx, callerCtx context.Context, err error) error {
	switch {
	case browserCtx.Err() != nil:
		return fmt.Errorf("%w: browser exited: %w", crawler.ErrSessionUnusable, err)
	case callerCtx.Err() != nil:
		return fmt.Errorf("render aborted: %w", callerCtx.Err())
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("render timed out: %w", err)
	}
	return err
}

func (s *Session) run(ctx context.Context, rawURL string) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		s.networkSetupAction(),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if s.cfg.Settle > 0 {
		actions = append(actions, chromedp.Sleep(s.cfg.Settle))
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (s *Session) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(s.cfg.ExtraHeaders) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(s.cfg.ExtraHeaders)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// Close shuts the browser down. It is safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if cerr := chromedp.Cancel(s.browserCtx); cerr != nil && !errors.Is(cerr, context.Canceled) {
			err = fmt.Errorf("close browser: %w", cerr)
		}
		s.browserCancel()
		s.allocCancel()
	})
	return err
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	for name, value := range browserFlags(cfg) {
		opts = append(opts, chromedp.Flag(name, value))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

// browserFlags lists the Chrome switches layered over chromedp's defaults.
func browserFlags(cfg Config) map[string]any {
	flags := map[string]any{
		"headless":          cfg.Headless,
		"disable-gpu":       true,
		"hide-scrollbars":   true,
		"enable-automation": false,
	}
	if cfg.Headless {
		flags["headless"] = "new"
	}
	if cfg.NoSandbox {
		flags["no-sandbox"] = true
	}
	if cfg.DisableDevShm {
		flags["disable-dev-shm-usage"] = true
	}
	return flags
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

type responseMeta struct {
	mu      sync.RWMutex
	seen    bool
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

// capture records the first document response; later documents (iframes,
// client-side navigations) do not overwrite the page status.
func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen {
		return
	}
	m.seen = true
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, cloneHeader(m.headers), m.url
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

// snapshotWithFallbacks prefers the browser's final location over the
// document response URL so redirects are reflected.
func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, url := m.snapshot()
	switch {
	case finalURL != "":
		url = finalURL
	case url != "":
	default:
		url = requestURL
	}

	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	dst := make(http.Header, len(src))
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
	return dst
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
