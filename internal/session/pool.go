// Package session implements a bounded pool of headless-browser sessions.
//
// The pool owns a fixed number of slots. A slot holds at most one live
// session, created lazily on first checkout and recreated after a worker
// reports it unhealthy. At any instant checked-out plus available slots
// equals the pool size.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/render-crawler/internal/crawler"
	"github.com/JakeFAU/render-crawler/internal/metrics"
)

// ErrStaleHandle is returned when a handle is checked in twice.
var ErrStaleHandle = errors.New("stale session handle")

// Options configures a Pool.
type Options struct {
	MaxSessions int
	// CreateTimeout bounds browser creation during Checkout and Checkin.
	CreateTimeout time.Duration
	Logger        *zap.Logger
}

// Stats describes pool occupancy.
type Stats struct {
	Max        int `json:"max"`
	CheckedOut int `json:"checked_out"`
	Available  int `json:"available"`
	Live       int `json:"live"`
	Created    int `json:"created"`
	Discarded  int `json:"discarded"`
}

type slot struct {
	id      int
	session crawler.Session
	gen     uint64
	out     bool
}

// Handle is an exclusive lease on one session.
type Handle struct {
	slot    *slot
	gen     uint64
	session crawler.Session
}

// Session returns the leased session.
func (h *Handle) Session() crawler.Session {
	return h.session
}

// Slot returns the slot index, stable across recreations.
func (h *Handle) Slot() int {
	return h.slot.id
}

// Pool lends sessions to workers.
type Pool struct {
	factory       crawler.SessionFactory
	logger        *zap.Logger
	max           int
	createTimeout time.Duration

	slots chan *slot
	done  chan struct{}

	mu         sync.Mutex
	closed     bool
	checkedOut int
	live       int
	created    int
	discarded  int
}

// NewPool builds a pool of opts.MaxSessions empty slots.
func NewPool(factory crawler.SessionFactory, opts Options) *Pool {
	size := opts.MaxSessions
	if size < 1 {
		size = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.CreateTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	p := &Pool{
		factory:       factory,
		logger:        logger.Named("pool"),
		max:           size,
		createTimeout: timeout,
		slots:         make(chan *slot, size),
		done:          make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		p.slots <- &slot{id: i}
	}
	return p
}

// Size returns the configured number of slots.
func (p *Pool) Size() int {
	return p.max
}

// Checkout blocks until a slot is free, creating its session if needed.
func (p *Pool) Checkout(ctx context.Context) (*Handle, error) {
	var s *slot
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("checkout: %w", ctx.Err())
	case <-p.done:
		return nil, crawler.ErrPoolClosed
	case s = <-p.slots:
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.retire(s)
		return nil, crawler.ErrPoolClosed
	}
	s.out = true
	p.checkedOut++
	metrics.SetSessionsCheckedOut(p.checkedOut)
	p.mu.Unlock()

	if s.session == nil {
		createCtx, cancel := context.WithTimeout(ctx, p.createTimeout)
		sess, err := p.factory.NewSession(createCtx)
		cancel()
		if err != nil {
			p.release(s)
			return nil, fmt.Errorf("create session: %w", err)
		}
		p.mu.Lock()
		s.session = sess
		p.live++
		p.created++
		p.mu.Unlock()
		p.logger.Debug("session created", zap.Int("slot", s.id))
	}
	return &Handle{slot: s, gen: s.gen, session: s.session}, nil
}

// Checkin returns a lease. An unhealthy session is closed and replaced
// before the slot becomes available again. The slot goes back empty, to be
// filled on its next checkout, when replacement fails or ctx is already done.
func (p *Pool) Checkin(ctx context.Context, h *Handle, healthy bool) error {
	if h == nil || h.slot == nil {
		return ErrStaleHandle
	}
	s := h.slot

	p.mu.Lock()
	if !s.out || s.gen != h.gen {
		p.mu.Unlock()
		return ErrStaleHandle
	}
	s.gen++
	closed := p.closed
	p.mu.Unlock()

	if !healthy && s.session != nil {
		p.discard(s)
		if !closed && ctx.Err() == nil {
			p.recreate(ctx, s)
		}
	}

	p.release(s)
	return nil
}

// release marks s idle and hands it back, or retires it once the pool is
// closed. The send happens under mu so Close never misses a slot.
func (p *Pool) release(s *slot) {
	p.mu.Lock()
	s.out = false
	p.checkedOut--
	metrics.SetSessionsCheckedOut(p.checkedOut)
	if !p.closed {
		p.slots <- s
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.retire(s)
}

func (p *Pool) retire(s *slot) {
	if err := p.closeSlot(s); err != nil {
		p.logger.Debug("close session after pool close", zap.Error(err))
	}
}

// Warm creates sessions for up to n idle slots so the first renders do not
// pay browser startup. It stops at the first failure.
func (p *Pool) Warm(ctx context.Context, n int) error {
	if n > p.max {
		n = p.max
	}
	handles := make([]*Handle, 0, n)
	defer func() {
		for _, h := range handles {
			if err := p.Checkin(ctx, h, true); err != nil {
				p.logger.Warn("checkin after warm", zap.Error(err))
			}
		}
	}()
	for i := 0; i < n; i++ {
		h, err := p.Checkout(ctx)
		if err != nil {
			return fmt.Errorf("warm session %d: %w", i, err)
		}
		handles = append(handles, h)
	}
	return nil
}

// Stats returns a consistent snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Max:        p.max,
		CheckedOut: p.checkedOut,
		Available:  p.max - p.checkedOut,
		Live:       p.live,
		Created:    p.created,
		Discarded:  p.discarded,
	}
}

// Close stops lending and closes every idle session. Sessions still checked
// out are closed when they are checked in.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	var errs []error
	for {
		select {
		case s := <-p.slots:
			if err := p.closeSlot(s); err != nil {
				errs = append(errs, err)
			}
		default:
			return errors.Join(errs...)
		}
	}
}

func (p *Pool) recreate(parent context.Context, s *slot) {
	ctx, cancel := context.WithTimeout(parent, p.createTimeout)
	defer cancel()
	sess, err := p.factory.NewSession(ctx)
	if err != nil {
		p.logger.Warn("session recreate failed; slot left empty", zap.Int("slot", s.id), zap.Error(err))
		return
	}
	p.mu.Lock()
	s.session = sess
	p.live++
	p.created++
	p.mu.Unlock()
	p.logger.Info("session recreated", zap.Int("slot", s.id))
}

func (p *Pool) discard(s *slot) {
	sess := s.session
	s.session = nil
	p.mu.Lock()
	p.live--
	p.discarded++
	p.mu.Unlock()
	metrics.ObserveSessionRecreated()
	if err := sess.Close(); err != nil {
		p.logger.Debug("close unusable session", zap.Int("slot", s.id), zap.Error(err))
	}
}

func (p *Pool) closeSlot(s *slot) error {
	if s.session == nil {
		return nil
	}
	sess := s.session
	s.session = nil
	p.mu.Lock()
	p.live--
	p.mu.Unlock()
	if err := sess.Close(); err != nil {
		return fmt.Errorf("close session %d: %w", s.id, err)
	}
	return nil
}
