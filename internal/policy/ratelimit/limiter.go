// Package ratelimit implements the politeness gate: per-host concurrency caps,
// per-host minimum dispatch intervals and an optional global request rate.
package ratelimit

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/render-crawler/internal/crawler"
)

// Config holds politeness settings.
type Config struct {
	// MaxPerHost caps concurrent dispatches to one host. Values below 1 mean 1.
	MaxPerHost int
	// MinInterval is the minimum time between two dispatch starts to one host.
	MinInterval time.Duration
	// HostIntervals overrides MinInterval for specific hosts.
	HostIntervals map[string]time.Duration
	// GlobalRPS caps dispatch starts across all hosts. Zero disables the cap.
	GlobalRPS   float64
	GlobalBurst int
}

// Reason explains a refusal.
type Reason string

// Refusal reasons.
const (
	ReasonNone        Reason = ""
	ReasonConcurrency Reason = "concurrency"
	ReasonInterval    Reason = "interval"
	ReasonGlobal      Reason = "global"
)

// Verdict is the answer to TryAcquire. RetryAt is set for time-based
// refusals and zero for concurrency refusals, which clear on Release.
type Verdict struct {
	Allowed bool
	Reason  Reason
	RetryAt time.Time
}

// Token is issued for each granted dispatch and must be released exactly once.
type Token struct {
	id   uint64
	host string
}

// Host returns the host the token was issued for.
func (t Token) Host() string {
	return t.host
}

type hostEntry struct {
	active       int
	lastDispatch time.Time
	dispatched   bool
	interval     time.Duration
}

// Gate tracks politeness state for every host it has seen. It is safe for
// concurrent use.
type Gate struct {
	mu       sync.Mutex
	clock    crawler.Clock
	cfg      Config
	global   *rate.Limiter
	hosts    map[string]*hostEntry
	issued   map[uint64]string
	nextID   uint64
	inFlight int
}

// New creates a Gate.
func New(cfg Config, clock crawler.Clock) *Gate {
	if cfg.MaxPerHost < 1 {
		cfg.MaxPerHost = 1
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	limit := rate.Inf
	if cfg.GlobalRPS > 0 {
		limit = rate.Limit(cfg.GlobalRPS)
	}
	burst := cfg.GlobalBurst
	if burst <= 0 {
		burst = 1
	}
	overrides := make(map[string]time.Duration, len(cfg.HostIntervals))
	for host, d := range cfg.HostIntervals {
		overrides[strings.ToLower(host)] = d
	}
	cfg.HostIntervals = overrides
	return &Gate{
		clock:  clock,
		cfg:    cfg,
		global: rate.NewLimiter(limit, burst),
		hosts:  make(map[string]*hostEntry),
		issued: make(map[uint64]string),
	}
}

// TryAcquire asks permission to dispatch to host now. On success the host's
// active count and last dispatch time are updated atomically with the check.
func (g *Gate) TryAcquire(host string) (Token, Verdict) {
	g.mu.Lock()
	defer g.mu.Unlock()

	h := g.host(host)
	if h.active >= g.cfg.MaxPerHost {
		return Token{}, Verdict{Reason: ReasonConcurrency}
	}

	now := g.clock.Now()
	if h.dispatched {
		if next := h.lastDispatch.Add(h.interval); now.Before(next) {
			return Token{}, Verdict{Reason: ReasonInterval, RetryAt: next}
		}
	}

	if !g.global.AllowN(now, 1) {
		r := g.global.ReserveN(now, 1)
		delay := r.DelayFrom(now)
		r.CancelAt(now)
		return Token{}, Verdict{Reason: ReasonGlobal, RetryAt: now.Add(delay)}
	}

	h.active++
	h.lastDispatch = now
	h.dispatched = true
	g.nextID++
	g.issued[g.nextID] = host
	g.inFlight++
	return Token{id: g.nextID, host: host}, Verdict{Allowed: true}
}

// Release returns a token. Releasing an unknown or already released token
// fails with ErrUnknownToken and changes nothing.
func (g *Gate) Release(tok Token) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	host, ok := g.issued[tok.id]
	if !ok {
		return fmt.Errorf("release %q: %w", tok.host, crawler.ErrUnknownToken)
	}
	delete(g.issued, tok.id)
	g.inFlight--
	if h, ok := g.hosts[host]; ok && h.active > 0 {
		h.active--
	}
	return nil
}

// RaiseInterval lengthens host's minimum interval to d if d is larger than
// the current one and reports whether it changed. robots.txt Crawl-delay
// values arrive through here.
func (g *Gate) RaiseInterval(host string, d time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	h := g.host(host)
	if d <= h.interval {
		return false
	}
	h.interval = d
	return true
}

// Outstanding returns the number of tokens not yet released.
func (g *Gate) Outstanding() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

// HostState returns the bookkeeping for host.
func (g *Gate) HostState(host string) crawler.HostState {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.hosts[host]
	if !ok {
		return crawler.HostState{Host: host, MinInterval: g.intervalFor(host)}
	}
	return g.stateOf(host, h)
}

// Snapshot returns every known host, sorted by name.
func (g *Gate) Snapshot() []crawler.HostState {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]crawler.HostState, 0, len(g.hosts))
	for host, h := range g.hosts {
		out = append(out, g.stateOf(host, h))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

func (g *Gate) stateOf(host string, h *hostEntry) crawler.HostState {
	return crawler.HostState{
		Host:             host,
		ActiveCount:      h.active,
		LastDispatchTime: h.lastDispatch,
		MinInterval:      h.interval,
	}
}

func (g *Gate) host(host string) *hostEntry {
	h, ok := g.hosts[host]
	if !ok {
		h = &hostEntry{interval: g.intervalFor(host)}
		g.hosts[host] = h
	}
	return h
}

func (g *Gate) intervalFor(host string) time.Duration {
	if d, ok := g.cfg.HostIntervals[strings.ToLower(host)]; ok && d >= 0 {
		return d
	}
	return g.cfg.MinInterval
}
