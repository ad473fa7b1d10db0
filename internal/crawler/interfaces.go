package crawler

import (
	"context"
	"time"
)

// Session is a live headless-browser session. It is owned by the session pool
// and lent to one worker at a time.
type Session interface {
	// Render navigates to rawURL, waits for load and returns the DOM snapshot.
	// Errors wrapping ErrSessionUnusable mean the session must be replaced.
	Render(ctx context.Context, rawURL string) (Rendered, error)
	Close() error
}

// SessionFactory creates browser sessions for the pool.
type SessionFactory interface {
	NewSession(ctx context.Context) (Session, error)
}

// ResultSink receives each terminal report for persistence.
type ResultSink interface {
	Report(ctx context.Context, report Report) error
}

// LinkExtractor finds outbound links in rendered content.
type LinkExtractor interface {
	Extract(baseURL string, body []byte) []string
}

// RobotsVerdict is the robots.txt answer for one URL.
type RobotsVerdict struct {
	Allowed bool
	// CrawlDelay is the host's declared Crawl-delay, zero when absent.
	CrawlDelay time.Duration
}

// RobotsPolicy decides whether a URL may be fetched.
type RobotsPolicy interface {
	Check(ctx context.Context, rawURL string) RobotsVerdict
}

// Hasher computes digests for change detection.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time and timers (useful for testing).
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// IDGenerator produces crawl run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
