// Package sink holds result sinks that fan terminal crawl reports out to
// logs, memory and the persistence backends in its subpackages.
package sink

import (
	"context"
	"crypto/sha1" // #nosec G505 -- used for stable file names, not security.
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/render-crawler/internal/crawler"
)

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// ObjectBase returns a filesystem and bucket safe name for a report:
// host, path and a short digest of the key.
func ObjectBase(r crawler.Report) string {
	raw := r.FinalURL
	if raw == "" {
		raw = r.URL
	}
	sum := sha1.Sum([]byte(r.Key)) // #nosec G401
	digest := hex.EncodeToString(sum[:])[:16]

	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return digest
	}
	host := invalidNameChars.ReplaceAllString(u.Hostname(), "_")
	p := strings.Trim(u.EscapedPath(), "/")
	if p == "" {
		p = "root"
	}
	p = invalidNameChars.ReplaceAllString(p, "_")
	if len(p) > 100 {
		p = p[:100]
	}
	return fmt.Sprintf("%s_%s_%s", host, p, digest)
}

// Multi delivers each report to every sink in order and joins their errors.
type Multi []crawler.ResultSink

// Report implements crawler.ResultSink.
func (m Multi) Report(ctx context.Context, r crawler.Report) error {
	var errs []error
	for _, s := range m {
		if err := s.Report(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ChangesOnly forwards reports flagged as changed and drops the rest.
type ChangesOnly struct {
	Next crawler.ResultSink
}

// Report implements crawler.ResultSink.
func (c ChangesOnly) Report(ctx context.Context, r crawler.Report) error {
	if !r.Changed || c.Next == nil {
		return nil
	}
	return c.Next.Report(ctx, r)
}

// Log writes one structured line per report.
type Log struct {
	logger *zap.Logger
}

// NewLog returns a zap-backed sink.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger.Named("results")}
}

// Report implements crawler.ResultSink.
func (l *Log) Report(_ context.Context, r crawler.Report) error {
	fields := []zap.Field{
		zap.String("run_id", r.RunID),
		zap.String("key", r.Key.String()),
		zap.String("url", r.URL),
		zap.String("state", string(r.State)),
		zap.String("class", string(r.Class)),
		zap.Int("status", r.StatusCode),
		zap.Int("attempts", r.Attempts),
		zap.Int("depth", r.Depth),
		zap.Int("bytes", len(r.Body)),
		zap.Int64("duration_ms", r.DurationMs),
	}
	if r.ContentHash != "" {
		fields = append(fields, zap.String("content_hash", r.ContentHash))
	}
	if r.Visit > 1 {
		fields = append(fields, zap.Int("visit", r.Visit), zap.Bool("changed", r.Changed))
	}
	if r.Reason != "" {
		fields = append(fields, zap.String("reason", r.Reason))
	}
	switch {
	case r.Changed:
		l.logger.Info("page changed", append(fields, zap.String("previous_hash", r.PreviousHash))...)
	case r.State == crawler.StateDone:
		l.logger.Info("page crawled", fields...)
	default:
		l.logger.Warn("page abandoned", fields...)
	}
	return nil
}

// Memory keeps reports in process, keyed by URL key.
type Memory struct {
	mu      sync.RWMutex
	reports []crawler.Report
	byKey   map[crawler.URLKey]int
}

// NewMemory returns an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{byKey: make(map[crawler.URLKey]int)}
}

// Report implements crawler.ResultSink. A key reported again after an
// abandoned entry was revived replaces the earlier report.
func (m *Memory) Report(_ context.Context, r crawler.Report) error {
	r.Body = append([]byte(nil), r.Body...)
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.byKey[r.Key]; ok {
		m.reports[i] = r
		return nil
	}
	m.byKey[r.Key] = len(m.reports)
	m.reports = append(m.reports, r)
	return nil
}

// Reports returns the recorded reports in arrival order.
func (m *Memory) Reports() []crawler.Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]crawler.Report, len(m.reports))
	copy(out, m.reports)
	return out
}

// Get returns the report for key.
func (m *Memory) Get(key crawler.URLKey) (crawler.Report, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.byKey[key]
	if !ok {
		return crawler.Report{}, false
	}
	return m.reports[i], true
}

// Len reports how many distinct keys were recorded.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.reports)
}
