// Package dispatcher runs the crawl control loop. The loop goroutine is the
// only writer of frontier and politeness state; render workers talk to it
// through job and result channels.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/render-crawler/internal/crawler"
	"github.com/JakeFAU/render-crawler/internal/frontier"
	"github.com/JakeFAU/render-crawler/internal/hash/sha256"
	"github.com/JakeFAU/render-crawler/internal/metrics"
	"github.com/JakeFAU/render-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/render-crawler/internal/policy/retry"
	"github.com/JakeFAU/render-crawler/internal/policy/scope"
	"github.com/JakeFAU/render-crawler/internal/session"
)

var (
	// ErrAlreadyRunning is returned by a second concurrent Run.
	ErrAlreadyRunning = errors.New("dispatcher already running")
	// ErrStopped is returned by Submit once the loop has exited.
	ErrStopped = errors.New("dispatcher stopped")
	// ErrOutOfScope is returned by Submit for URLs the scope filter refuses.
	ErrOutOfScope = errors.New("url out of crawl scope")
)

// Fetcher performs one render attempt with a borrowed session. Preflight
// runs first, without a session, and may settle the attempt on its own.
type Fetcher interface {
	Preflight(ctx context.Context, entry crawler.FrontierEntry) (crawler.FetchResult, bool)
	Fetch(ctx context.Context, entry crawler.FrontierEntry, session crawler.Session) crawler.FetchResult
}

// PriorityMode selects how discovered links are prioritized.
type PriorityMode string

// Discovered-link priority modes.
const (
	// PriorityFixed gives every discovered link the same priority.
	PriorityFixed PriorityMode = "fixed"
	// PriorityInherit gives a link its parent's priority minus a decay.
	PriorityInherit PriorityMode = "inherit"
)

// Config holds loop settings.
type Config struct {
	// ShutdownGrace bounds the wait for in-flight renders after cancellation.
	ShutdownGrace time.Duration
	// SinkTimeout bounds each result sink call.
	SinkTimeout time.Duration
	// Persistent keeps the loop alive after the frontier drains so Submit
	// can feed it until the context is cancelled.
	Persistent bool
	// RevisitInterval, when positive, refetches every Done entry that long
	// after its last success. The crawl then runs until ctx is cancelled.
	RevisitInterval time.Duration
	PriorityMode    PriorityMode
	FixedPriority   int
	PriorityDecay   int
	RunID           string
	Seeds           []crawler.Seed
}

// Options bundles the collaborators of a Dispatcher.
type Options struct {
	Config    Config
	Frontier  *frontier.Frontier
	Gate      *ratelimit.Gate
	Pool      *session.Pool
	Fetcher   Fetcher
	Retry     *retry.Controller
	Sink      crawler.ResultSink
	Extractor crawler.LinkExtractor
	Scope     *scope.Filter
	Clock     crawler.Clock
	Logger    *zap.Logger
}

// Snapshot is an immutable view of the crawl published after every loop turn.
type Snapshot struct {
	RunID     string              `json:"run_id"`
	Running   bool                `json:"running"`
	InFlight  int                 `json:"in_flight"`
	Frontier  frontier.Stats      `json:"frontier"`
	Sessions  session.Stats       `json:"sessions"`
	Hosts     []crawler.HostState `json:"hosts"`
	UpdatedAt time.Time           `json:"updated_at"`
}

type job struct {
	entry crawler.FrontierEntry
	token ratelimit.Token
}

type outcome struct {
	entry  crawler.FrontierEntry
	token  ratelimit.Token
	result crawler.FetchResult
	links  []string
}

// visit is the loop's memory of the last successful fetch of a key.
type visit struct {
	count int
	hash  string
}

// revision describes where a report sits in its key's fetch history.
type revision struct {
	visit    int
	changed  bool
	previous string
}

type submission struct {
	seed  crawler.Seed
	reply chan submitReply
}

type submitReply struct {
	added bool
	err   error
}

// Dispatcher drives frontier entries through the gate, the session pool and
// the workers, and routes every result to done, retry or abandon.
type Dispatcher struct {
	cfg       Config
	frontier  *frontier.Frontier
	gate      *ratelimit.Gate
	pool      *session.Pool
	fetcher   Fetcher
	retry     *retry.Controller
	sink      crawler.ResultSink
	extractor crawler.LinkExtractor
	scope     *scope.Filter
	clock     crawler.Clock
	logger    *zap.Logger
	slots     int
	visits    map[crawler.URLKey]visit

	submissions chan submission
	stopped     chan struct{}
	running     atomic.Bool
	snapshot    atomic.Pointer[Snapshot]
}

// New validates opts and builds a Dispatcher. The worker count and in-flight
// cap both equal the pool size.
func New(opts Options) (*Dispatcher, error) {
	switch {
	case opts.Frontier == nil:
		return nil, errors.New("dispatcher: frontier is required")
	case opts.Gate == nil:
		return nil, errors.New("dispatcher: politeness gate is required")
	case opts.Pool == nil:
		return nil, errors.New("dispatcher: session pool is required")
	case opts.Fetcher == nil:
		return nil, errors.New("dispatcher: fetcher is required")
	case opts.Retry == nil:
		return nil, errors.New("dispatcher: retry controller is required")
	case opts.Sink == nil:
		return nil, errors.New("dispatcher: result sink is required")
	case opts.Clock == nil:
		return nil, errors.New("dispatcher: clock is required")
	}
	cfg := opts.Config
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = 30 * time.Second
	}
	if cfg.PriorityMode == "" {
		cfg.PriorityMode = PriorityFixed
	}
	if cfg.PriorityMode != PriorityFixed && cfg.PriorityMode != PriorityInherit {
		return nil, fmt.Errorf("dispatcher: unknown priority mode %q", cfg.PriorityMode)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		cfg:         cfg,
		frontier:    opts.Frontier,
		gate:        opts.Gate,
		pool:        opts.Pool,
		fetcher:     opts.Fetcher,
		retry:       opts.Retry,
		sink:        opts.Sink,
		extractor:   opts.Extractor,
		scope:       opts.Scope,
		clock:       opts.Clock,
		logger:      logger.Named("dispatcher"),
		slots:       opts.Pool.Size(),
		visits:      make(map[crawler.URLKey]visit),
		submissions: make(chan submission),
		stopped:     make(chan struct{}),
	}
	d.snapshot.Store(&Snapshot{RunID: cfg.RunID})
	return d, nil
}

// Run admits the configured seeds and loops until the frontier drains (unless
// persistent) or ctx is cancelled. After cancellation no frontier entry
// changes state: in-flight results are awaited for ShutdownGrace only so
// their politeness tokens and sessions are returned. Run can be called once.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(d.stopped)

	for _, seed := range d.cfg.Seeds {
		if _, err := d.admit(seed, ""); err != nil {
			d.logger.Warn("seed rejected", zap.String("url", seed.URL), zap.Error(err))
		}
	}

	jobs := make(chan job, d.slots)
	results := make(chan outcome, d.slots)
	var wg sync.WaitGroup
	for i := 0; i < d.slots; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				results <- d.execute(ctx, j)
			}
		}()
	}

	d.logger.Info("crawl started",
		zap.String("run_id", d.cfg.RunID),
		zap.Int("workers", d.slots),
		zap.Int("seeds", d.frontier.Stats().Pending))

	inFlight := 0
	for ctx.Err() == nil {
		readiness := d.fill(jobs, &inFlight)
		d.publish(inFlight, true)

		if d.frontier.Drained() && !d.cfg.Persistent {
			break
		}

		var wake <-chan time.Time
		if readiness.Status == frontier.Waiting && !readiness.WakeAt.IsZero() {
			wake = d.clock.After(readiness.WakeAt.Sub(d.clock.Now()))
		}

		select {
		case <-ctx.Done():
		case out := <-results:
			inFlight--
			if ctx.Err() != nil {
				d.release(out.token)
				continue
			}
			d.handle(ctx, out)
		case sub := <-d.submissions:
			added, err := d.admit(sub.seed, "")
			sub.reply <- submitReply{added: added, err: err}
		case <-wake:
		}
	}

	if ctx.Err() != nil {
		d.drain(results, &inFlight)
	}
	close(jobs)
	wg.Wait()
	d.publish(inFlight, false)

	stats := d.frontier.Stats()
	d.logger.Info("crawl finished",
		zap.String("run_id", d.cfg.RunID),
		zap.Int("done", stats.Done),
		zap.Int("abandoned", stats.Abandoned),
		zap.Int("pending", stats.Pending),
		zap.Bool("cancelled", ctx.Err() != nil))
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("crawl cancelled: %w", err)
	}
	return nil
}

// Submit offers a URL to the running loop at depth zero. It reports whether
// a new entry was created; false with a nil error means a duplicate.
func (d *Dispatcher) Submit(ctx context.Context, rawURL string, priority int) (bool, error) {
	sub := submission{
		seed:  crawler.Seed{URL: rawURL, Priority: priority},
		reply: make(chan submitReply, 1),
	}
	select {
	case d.submissions <- sub:
	case <-d.stopped:
		return false, ErrStopped
	case <-ctx.Done():
		return false, fmt.Errorf("submit: %w", ctx.Err())
	}
	select {
	case r := <-sub.reply:
		return r.added, r.err
	case <-ctx.Done():
		return false, fmt.Errorf("submit: %w", ctx.Err())
	}
}

// Snapshot returns the latest published crawl state.
func (d *Dispatcher) Snapshot() Snapshot {
	return *d.snapshot.Load()
}

// Done is closed when Run returns.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.stopped
}

// fill dispatches ready entries until the frontier has none or every worker
// is busy. It returns the readiness that stopped it.
func (d *Dispatcher) fill(jobs chan<- job, inFlight *int) frontier.Readiness {
	for *inFlight < d.slots {
		entry, readiness := d.frontier.NextReady()
		if readiness.Status != frontier.Ready {
			return readiness
		}

		tok, verdict := d.gate.TryAcquire(entry.Host)
		if !verdict.Allowed {
			d.deferEntry(entry, verdict)
			continue
		}

		inflight, err := d.frontier.MarkInFlight(entry.Key)
		if err != nil {
			d.logger.Error("mark in flight", zap.String("key", entry.Key.String()), zap.Error(err))
			d.release(tok)
			continue
		}
		jobs <- job{entry: inflight, token: tok}
		*inFlight++
		d.logger.Debug("dispatched",
			zap.String("key", inflight.Key.String()),
			zap.String("host", inflight.Host),
			zap.Int("attempt", inflight.AttemptCount))
	}
	return frontier.Readiness{Status: frontier.Ready}
}

func (d *Dispatcher) deferEntry(entry crawler.FrontierEntry, verdict ratelimit.Verdict) {
	metrics.ObserveDeferral(string(verdict.Reason))
	var err error
	if verdict.Reason == ratelimit.ReasonConcurrency {
		err = d.frontier.Park(entry.Key)
	} else {
		err = d.frontier.Postpone(entry.Key, verdict.RetryAt)
	}
	if err != nil {
		d.logger.Error("defer entry", zap.String("key", entry.Key.String()), zap.Error(err))
	}
}

// execute runs on a worker goroutine. The session is checked in before the
// outcome is handed back, so the loop never sees a result whose session is
// still out. Robots is consulted before checkout so a slow robots.txt fetch
// never holds a browser.
func (d *Dispatcher) execute(ctx context.Context, j job) outcome {
	out := outcome{entry: j.entry, token: j.token}
	pre, proceed := d.fetcher.Preflight(ctx, j.entry)
	if !proceed {
		out.result = pre
		return out
	}
	h, err := d.pool.Checkout(ctx)
	if err != nil {
		out.result = crawler.FetchResult{
			Key:        j.entry.Key,
			Class:      crawler.OutcomeTransient,
			Err:        crawler.NewFetchError(crawler.OutcomeTransient, 0, err),
			CrawlDelay: pre.CrawlDelay,
		}
		return out
	}

	out.result = d.fetcher.Fetch(ctx, j.entry, h.Session())
	out.result.CrawlDelay = pre.CrawlDelay
	if err := d.pool.Checkin(ctx, h, !out.result.SessionUnusable); err != nil {
		d.logger.Error("session checkin", zap.Int("slot", h.Slot()), zap.Error(err))
	}

	if out.result.Class == crawler.OutcomeSuccess && d.extractor != nil {
		base := out.result.Content.FinalURL
		if base == "" {
			base = j.entry.RawURL
		}
		out.links = d.extractor.Extract(base, out.result.Content.Body)
	}
	return out
}

func (d *Dispatcher) handle(ctx context.Context, out outcome) {
	d.release(out.token)
	if delay := out.result.CrawlDelay; delay > 0 && d.gate.RaiseInterval(out.entry.Host, delay) {
		d.logger.Info("honouring crawl-delay", zap.String("host", out.entry.Host), zap.Duration("delay", delay))
	}
	d.frontier.Unpark(out.token.Host())

	key := out.entry.Key
	res := out.result
	switch res.Class {
	case crawler.OutcomeSuccess:
		entry, err := d.frontier.MarkDone(key)
		if err != nil {
			d.logger.Error("mark done", zap.String("key", key.String()), zap.Error(err))
			return
		}
		d.report(ctx, entry, res, d.recordVisit(key, res.ContentHash))
		d.discover(entry, out.links)
		if d.cfg.RevisitInterval > 0 {
			if err := d.frontier.ScheduleRevisit(key, d.clock.Now().Add(d.cfg.RevisitInterval)); err != nil {
				d.logger.Error("schedule revisit", zap.String("key", key.String()), zap.Error(err))
			}
		}
	default:
		decision := d.retry.Decide(out.entry, res)
		if decision.Retry {
			if _, err := d.frontier.MarkRetry(key, decision.Delay, res.Err); err != nil {
				d.logger.Error("mark retry", zap.String("key", key.String()), zap.Error(err))
				return
			}
			metrics.ObserveRetry()
			d.logger.Info("retry scheduled",
				zap.String("key", key.String()),
				zap.Int("attempt", out.entry.AttemptCount),
				zap.Duration("delay", decision.Delay),
				zap.Error(res.Err))
			return
		}
		reason := decision.Reason
		if errors.Is(reason, crawler.ErrRetryBudgetExhausted) && res.Err != nil {
			reason = fmt.Errorf("%w after %d attempts: %w", crawler.ErrRetryBudgetExhausted, out.entry.AttemptCount, res.Err)
		}
		entry, err := d.frontier.MarkAbandoned(key, reason)
		if err != nil {
			d.logger.Error("mark abandoned", zap.String("key", key.String()), zap.Error(err))
			return
		}
		d.logger.Info("abandoned", zap.String("key", key.String()), zap.Int("attempts", entry.AttemptCount), zap.Error(reason))
		prev := d.visits[key]
		d.report(ctx, entry, res, revision{visit: prev.count, previous: prev.hash})
	}
}

// recordVisit counts a successful fetch of key and compares its digest with
// the previous success. A missing digest on either side is never a change.
func (d *Dispatcher) recordVisit(key crawler.URLKey, hash string) revision {
	prev, seen := d.visits[key]
	rev := revision{visit: prev.count + 1, previous: prev.hash}
	if seen {
		rev.changed = prev.hash != "" && hash != "" && !sha256.Equal(prev.hash, hash)
		metrics.ObserveRevisit(rev.changed)
		if rev.changed {
			d.logger.Info("content changed",
				zap.String("key", key.String()),
				zap.Int("visit", rev.visit),
				zap.String("previous_hash", prev.hash),
				zap.String("content_hash", hash))
		}
	}
	next := visit{count: rev.visit, hash: hash}
	if hash == "" {
		next.hash = prev.hash
	}
	d.visits[key] = next
	return rev
}

func (d *Dispatcher) report(ctx context.Context, entry crawler.FrontierEntry, res crawler.FetchResult, rev revision) {
	r := crawler.Report{
		RunID:        d.cfg.RunID,
		Key:          entry.Key,
		URL:          entry.RawURL,
		FinalURL:     res.Content.FinalURL,
		State:        entry.State,
		Class:        res.Class,
		StatusCode:   res.Status,
		ContentType:  res.Content.ContentType,
		ContentHash:  res.ContentHash,
		Attempts:     entry.AttemptCount,
		Depth:        entry.Depth,
		Reason:       entry.AbandonedReason,
		Headers:      res.Content.Headers,
		Body:         res.Content.Body,
		DurationMs:   res.Duration.Milliseconds(),
		DiscoveredAt: entry.DiscoveredAt,
		FinishedAt:   d.clock.Now(),
		Visit:        rev.visit,
		Changed:      rev.changed,
		PreviousHash: rev.previous,
	}
	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.SinkTimeout)
	defer cancel()
	err := d.sink.Report(sinkCtx, r)
	metrics.ObserveReport(string(entry.State), err)
	if err != nil {
		d.logger.Error("result sink failed",
			zap.String("key", entry.Key.String()),
			zap.String("state", string(entry.State)),
			zap.Error(err))
	}
}

func (d *Dispatcher) discover(parent crawler.FrontierEntry, links []string) {
	if len(links) == 0 {
		return
	}
	child := crawler.Seed{Priority: d.childPriority(parent), Depth: parent.Depth + 1, Parent: parent.Key}
	admitted := 0
	for _, link := range links {
		child.URL = link
		added, err := d.admit(child, parent.Host)
		metrics.ObserveDiscoveredLink(added)
		if err != nil {
			continue
		}
		if added {
			admitted++
		}
	}
	d.logger.Debug("links discovered",
		zap.String("key", parent.Key.String()),
		zap.Int("found", len(links)),
		zap.Int("admitted", admitted))
}

func (d *Dispatcher) childPriority(parent crawler.FrontierEntry) int {
	if d.cfg.PriorityMode == PriorityInherit {
		return parent.Priority - d.cfg.PriorityDecay
	}
	return d.cfg.FixedPriority
}

func (d *Dispatcher) admit(seed crawler.Seed, parentHost string) (bool, error) {
	if d.scope != nil {
		if verdict := d.scope.Check(seed.URL, seed.Depth, parentHost); verdict != scope.Admitted {
			if verdict == scope.Invalid {
				return false, fmt.Errorf("%w: %s", crawler.ErrInvalidURL, seed.URL)
			}
			return false, fmt.Errorf("%w: %s", ErrOutOfScope, verdict)
		}
	}
	added, err := d.frontier.Add(seed)
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", seed.URL, err)
	}
	return added, nil
}

// drain waits up to ShutdownGrace for in-flight results, returning only
// their politeness tokens.
func (d *Dispatcher) drain(results <-chan outcome, inFlight *int) {
	if *inFlight == 0 {
		return
	}
	d.logger.Info("cancellation observed; waiting for in-flight renders",
		zap.Int("in_flight", *inFlight), zap.Duration("grace", d.cfg.ShutdownGrace))
	grace := d.clock.After(d.cfg.ShutdownGrace)
	for *inFlight > 0 {
		select {
		case out := <-results:
			*inFlight--
			d.release(out.token)
		case <-grace:
			d.logger.Warn("in-flight renders outlived shutdown grace", zap.Int("in_flight", *inFlight))
			return
		}
	}
}

func (d *Dispatcher) release(tok ratelimit.Token) {
	if err := d.gate.Release(tok); err != nil {
		d.logger.Error("release politeness token", zap.String("host", tok.Host()), zap.Error(err))
	}
}

func (d *Dispatcher) publish(inFlight int, running bool) {
	stats := d.frontier.Stats()
	metrics.SetFrontierEntries(string(crawler.StatePending), stats.Pending)
	metrics.SetFrontierEntries(string(crawler.StateInFlight), stats.InFlight)
	metrics.SetFrontierEntries(string(crawler.StateDone), stats.Done)
	metrics.SetFrontierEntries(string(crawler.StateAbandoned), stats.Abandoned)
	d.snapshot.Store(&Snapshot{
		RunID:     d.cfg.RunID,
		Running:   running,
		InFlight:  inFlight,
		Frontier:  stats,
		Sessions:  d.pool.Stats(),
		Hosts:     d.gate.Snapshot(),
		UpdatedAt: d.clock.Now(),
	})
}
