// Package worker performs one render attempt and classifies its outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/render-crawler/internal/crawler"
	"github.com/JakeFAU/render-crawler/internal/metrics"
)

// Options configures a Worker.
type Options struct {
	// RenderTimeout bounds one navigation. Zero means 45s.
	RenderTimeout time.Duration
	// AbandonGrace is how long to wait for a render to honour cancellation
	// before giving up on it and flagging the session unusable.
	AbandonGrace time.Duration
	// AcceptedTypes lists media types treated as crawlable documents.
	// An empty Content-Type is always accepted.
	AcceptedTypes []string
	Robots        crawler.RobotsPolicy
	Hasher        crawler.Hasher
	Clock         crawler.Clock
	Logger        *zap.Logger
	// Tracer records one span per render. Nil uses the global provider.
	Tracer trace.Tracer
}

// DefaultAcceptedTypes are the document types a browser renders as pages.
var DefaultAcceptedTypes = []string{"text/html", "application/xhtml+xml"}

// Worker renders a frontier entry with a borrowed session. It holds no
// per-fetch state and is safe for concurrent use.
type Worker struct {
	renderTimeout time.Duration
	grace         time.Duration
	accepted      map[string]struct{}
	robots        crawler.RobotsPolicy
	hasher        crawler.Hasher
	clock         crawler.Clock
	logger        *zap.Logger
	tracer        trace.Tracer
}

// New constructs a Worker.
func New(opts Options) *Worker {
	if opts.RenderTimeout <= 0 {
		opts.RenderTimeout = 45 * time.Second
	}
	if opts.AbandonGrace <= 0 {
		opts.AbandonGrace = 5 * time.Second
	}
	types := opts.AcceptedTypes
	if len(types) == 0 {
		types = DefaultAcceptedTypes
	}
	accepted := make(map[string]struct{}, len(types))
	for _, t := range types {
		accepted[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/JakeFAU/render-crawler/internal/worker")
	}
	return &Worker{
		tracer:        tracer,
		renderTimeout: opts.RenderTimeout,
		grace:         opts.AbandonGrace,
		accepted:      accepted,
		robots:        opts.Robots,
		hasher:        opts.Hasher,
		clock:         opts.Clock,
		logger:        logger.Named("worker"),
	}
}

type renderOutcome struct {
	content crawler.Rendered
	err     error
}

// Preflight consults robots.txt before a session is borrowed. It returns
// false with the final result when entry must not be rendered. The host's
// Crawl-delay rides along on the result in both cases.
func (w *Worker) Preflight(ctx context.Context, entry crawler.FrontierEntry) (crawler.FetchResult, bool) {
	result := crawler.FetchResult{Key: entry.Key}
	if w.robots == nil {
		return result, true
	}
	start := w.now()
	verdict := w.robots.Check(ctx, entry.RawURL)
	result.CrawlDelay = verdict.CrawlDelay
	if verdict.Allowed {
		return result, true
	}
	result.Class = crawler.OutcomePermanent
	result.Err = crawler.NewFetchError(crawler.OutcomePermanent, 0, crawler.ErrDisallowed)
	result.Duration = w.now().Sub(start)
	w.observe(entry, result)
	return result, false
}

// Fetch renders entry.RawURL and returns exactly one classified result.
func (w *Worker) Fetch(ctx context.Context, entry crawler.FrontierEntry, session crawler.Session) crawler.FetchResult {
	ctx, span := w.tracer.Start(ctx, "render", trace.WithAttributes(
		attribute.String("crawler.url", entry.RawURL),
		attribute.String("crawler.host", entry.Host),
		attribute.Int("crawler.attempt", entry.AttemptCount),
	))
	defer span.End()

	result := w.fetch(ctx, entry, session)
	span.SetAttributes(
		attribute.String("crawler.outcome", string(result.Class)),
		attribute.Int("http.status_code", result.Status),
	)
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, string(result.Class))
	}
	return result
}

func (w *Worker) fetch(ctx context.Context, entry crawler.FrontierEntry, session crawler.Session) crawler.FetchResult {
	start := w.now()

	renderCtx, cancel := context.WithTimeout(ctx, w.renderTimeout)
	defer cancel()

	done := make(chan renderOutcome, 1)
	go func() {
		content, err := session.Render(renderCtx, entry.RawURL)
		done <- renderOutcome{content: content, err: err}
	}()

	var out renderOutcome
	select {
	case out = <-done:
	case <-renderCtx.Done():
		grace := time.NewTimer(w.grace)
		select {
		case out = <-done:
			grace.Stop()
		case <-grace.C:
			w.logger.Warn("render ignored cancellation; abandoning session",
				zap.String("url", entry.RawURL), zap.Duration("grace", w.grace))
			out = renderOutcome{err: fmt.Errorf("%w: render did not stop: %w", crawler.ErrSessionUnusable, renderCtx.Err())}
		}
	}

	result := w.classify(entry, out)
	result.Duration = w.now().Sub(start)
	w.observe(entry, result)
	return result
}

func (w *Worker) classify(entry crawler.FrontierEntry, out renderOutcome) crawler.FetchResult {
	result := crawler.FetchResult{Key: entry.Key, Content: out.content, Status: out.content.StatusCode}

	if out.err != nil {
		switch {
		case errors.Is(out.err, crawler.ErrUnsupportedContent):
			result.Class = crawler.OutcomePermanent
		case errors.Is(out.err, crawler.ErrSessionUnusable):
			result.Class = crawler.OutcomeTransient
			result.SessionUnusable = true
		default:
			result.Class = crawler.OutcomeTransient
		}
		result.Err = crawler.NewFetchError(result.Class, result.Status, out.err)
		return result
	}

	status := out.content.StatusCode
	switch {
	case status == http.StatusTooManyRequests:
		result.Class = crawler.OutcomeTransient
	case status >= 500:
		result.Class = crawler.OutcomeTransient
	case status >= 400:
		result.Class = crawler.OutcomePermanent
	case status >= 300:
		result.Class = crawler.OutcomePermanent
	case status >= 200:
		return w.classifyContent(result)
	default:
		result.Class = crawler.OutcomeTransient
	}
	result.Err = crawler.NewFetchError(result.Class, status, fmt.Errorf("http status %d %s", status, http.StatusText(status)))
	return result
}

func (w *Worker) classifyContent(result crawler.FetchResult) crawler.FetchResult {
	if !w.acceptable(result.Content.ContentType) {
		result.Class = crawler.OutcomePermanent
		result.Err = crawler.NewFetchError(crawler.OutcomePermanent, result.Status,
			fmt.Errorf("%w: %s", crawler.ErrUnsupportedContent, result.Content.ContentType))
		return result
	}
	if len(result.Content.Body) == 0 {
		result.Class = crawler.OutcomePermanent
		result.Err = crawler.NewFetchError(crawler.OutcomePermanent, result.Status,
			fmt.Errorf("%w: empty document", crawler.ErrUnsupportedContent))
		return result
	}
	result.Class = crawler.OutcomeSuccess
	if w.hasher != nil {
		sum, err := w.hasher.Hash(result.Content.Body)
		if err != nil {
			w.logger.Warn("content hash failed", zap.String("key", result.Key.String()), zap.Error(err))
		} else {
			result.ContentHash = sum
		}
	}
	return result
}

func (w *Worker) acceptable(contentType string) bool {
	if strings.TrimSpace(contentType) == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	_, ok := w.accepted[mediaType]
	return ok
}

func (w *Worker) observe(entry crawler.FrontierEntry, result crawler.FetchResult) {
	metrics.ObserveFetch(entry.Host, string(result.Class), len(result.Content.Body), result.Duration)
	fields := []zap.Field{
		zap.String("key", entry.Key.String()),
		zap.String("host", entry.Host),
		zap.Int("attempt", entry.AttemptCount),
		zap.String("class", string(result.Class)),
		zap.Int("status", result.Status),
		zap.Duration("duration", result.Duration),
	}
	if result.Err != nil {
		fields = append(fields, zap.Error(result.Err))
	}
	w.logger.Debug("render finished", fields...)
}

func (w *Worker) now() time.Time {
	if w.clock == nil {
		return time.Now()
	}
	return w.clock.Now()
}
