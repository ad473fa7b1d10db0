// Package frontier implements the authoritative registry of every URL the
// crawl has seen, its crawl state and the priority queue of pending work.
//
// A Frontier is not safe for concurrent use. It is owned by the dispatcher
// loop, which is the only goroutine allowed to call its methods.
package frontier

import (
	"fmt"
	"time"

	"github.com/JakeFAU/render-crawler/internal/crawler"
)

// Status tells the caller of NextReady what to do next.
type Status int

// NextReady statuses.
const (
	// Empty means no Pending entries remain.
	Empty Status = iota
	// Waiting means Pending entries exist but none is eligible yet.
	Waiting
	// Ready means the returned entry may be dispatched now.
	Ready
)

func (s Status) String() string {
	switch s {
	case Ready:
		return "ready"
	case Waiting:
		return "waiting"
	default:
		return "empty"
	}
}

// Readiness is the second return value of NextReady. WakeAt is the earliest
// time a delayed entry becomes eligible; it is zero when the only pending
// entries are parked behind a busy host.
type Readiness struct {
	Status Status
	WakeAt time.Time
}

// Stats is a point-in-time summary of the frontier.
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InFlight   int `json:"in_flight"`
	Done       int `json:"done"`
	Abandoned  int `json:"abandoned"`
	Delayed    int `json:"delayed"`
	Parked     int `json:"parked"`
	Duplicates int `json:"duplicates"`
	Revived    int `json:"revived"`
	// Scheduled counts Done entries waiting for their revisit.
	Scheduled int `json:"scheduled"`
	Revisited int `json:"revisited"`
}

type entry struct {
	crawler.FrontierEntry
	seq   uint64
	index int
	loc   location
}

// Frontier holds every entry ever admitted. Entries are never deleted.
type Frontier struct {
	clock   crawler.Clock
	entries map[crawler.URLKey]*entry
	ready   *entryHeap
	delayed *entryHeap
	parked  map[string][]*entry
	// revisits holds Done entries ordered by when they fall due again.
	revisits *entryHeap

	seq         uint64
	pending     int
	inFlight    int
	done        int
	abandoned   int
	parkedCount int
	duplicates  int
	revived     int
	revisited   int
}

// New creates an empty Frontier using clock for eligibility decisions.
func New(clock crawler.Clock) *Frontier {
	return &Frontier{
		clock:    clock,
		entries:  make(map[crawler.URLKey]*entry),
		ready:    newReadyHeap(),
		delayed:  newDelayedHeap(),
		parked:   make(map[string][]*entry),
		revisits: newDelayedHeap(),
	}
}

// Enqueue offers rawURL at priority. It returns false without error when the
// normalized key is already live (any state but Abandoned).
func (f *Frontier) Enqueue(rawURL string, priority int) (bool, error) {
	return f.Add(crawler.Seed{URL: rawURL, Priority: priority})
}

// Add is Enqueue with depth and parent information. An Abandoned entry with
// the same key is revived as Pending with a fresh attempt budget.
func (f *Frontier) Add(seed crawler.Seed) (bool, error) {
	key, err := crawler.NormalizeURL(seed.URL)
	if err != nil {
		return false, err
	}
	host, err := crawler.HostOf(seed.URL)
	if err != nil {
		return false, err
	}
	now := f.clock.Now()

	if e, ok := f.entries[key]; ok {
		if e.State != crawler.StateAbandoned {
			f.duplicates++
			return false, nil
		}
		f.abandoned--
		f.revived++
		f.reset(e, seed, host, now)
		f.pending++
		f.ready.add(e)
		e.loc = inReady
		return true, nil
	}

	e := &entry{index: -1}
	e.Key = key
	f.reset(e, seed, host, now)
	f.entries[key] = e
	f.pending++
	f.ready.add(e)
	e.loc = inReady
	return true, nil
}

func (f *Frontier) reset(e *entry, seed crawler.Seed, host string, now time.Time) {
	f.seq++
	e.seq = f.seq
	e.RawURL = seed.URL
	e.Host = host
	e.Priority = seed.Priority
	e.Depth = seed.Depth
	e.Parent = seed.Parent
	e.AttemptCount = 0
	e.State = crawler.StatePending
	e.NextEligibleAt = now
	e.DiscoveredAt = now
	e.LastError = ""
	e.AbandonedReason = ""
}

// NextReady returns the highest-priority Pending entry whose eligibility time
// has passed. Ties go to the earliest discovered entry. The entry stays
// Pending until MarkInFlight, Postpone or Park is called for it. Done entries
// whose revisit has fallen due are requeued first.
func (f *Frontier) NextReady() (crawler.FrontierEntry, Readiness) {
	now := f.clock.Now()
	for {
		top := f.revisits.peek()
		if top == nil || top.NextEligibleAt.After(now) {
			break
		}
		f.revisits.popTop()
		top.loc = nowhere
		f.requeue(top)
	}
	for {
		top := f.delayed.peek()
		if top == nil || top.NextEligibleAt.After(now) {
			break
		}
		f.delayed.popTop()
		f.ready.add(top)
		top.loc = inReady
	}

	if top := f.ready.peek(); top != nil {
		return top.FrontierEntry, Readiness{Status: Ready}
	}
	var wake time.Time
	for _, h := range []*entryHeap{f.delayed, f.revisits} {
		if top := h.peek(); top != nil && (wake.IsZero() || top.NextEligibleAt.Before(wake)) {
			wake = top.NextEligibleAt
		}
	}
	if !wake.IsZero() {
		return crawler.FrontierEntry{}, Readiness{Status: Waiting, WakeAt: wake}
	}
	if f.parkedCount > 0 {
		return crawler.FrontierEntry{}, Readiness{Status: Waiting}
	}
	return crawler.FrontierEntry{}, Readiness{Status: Empty}
}

// MarkInFlight moves a Pending entry to InFlight and counts the attempt.
func (f *Frontier) MarkInFlight(key crawler.URLKey) (crawler.FrontierEntry, error) {
	e, err := f.expect(key, crawler.StatePending, "mark_in_flight")
	if err != nil {
		return crawler.FrontierEntry{}, err
	}
	f.detach(e)
	e.State = crawler.StateInFlight
	e.AttemptCount++
	f.pending--
	f.inFlight++
	return e.FrontierEntry, nil
}

// MarkDone records a successful fetch.
func (f *Frontier) MarkDone(key crawler.URLKey) (crawler.FrontierEntry, error) {
	e, err := f.expect(key, crawler.StateInFlight, "mark_done")
	if err != nil {
		return crawler.FrontierEntry{}, err
	}
	e.State = crawler.StateDone
	e.LastError = ""
	f.inFlight--
	f.done++
	return e.FrontierEntry, nil
}

// ScheduleRevisit arranges for a Done entry to be fetched again at at. The
// entry stays Done until then; NextReady moves it back to Pending with a
// fresh attempt budget.
func (f *Frontier) ScheduleRevisit(key crawler.URLKey, at time.Time) error {
	e, err := f.expect(key, crawler.StateDone, "schedule_revisit")
	if err != nil {
		return err
	}
	f.detach(e)
	e.NextEligibleAt = at
	f.revisits.add(e)
	e.loc = inRevisit
	return nil
}

func (f *Frontier) requeue(e *entry) {
	e.State = crawler.StatePending
	e.AttemptCount = 0
	e.LastError = ""
	f.done--
	f.pending++
	f.revisited++
	f.ready.add(e)
	e.loc = inReady
}

// MarkRetry returns an InFlight entry to Pending, eligible after delay.
func (f *Frontier) MarkRetry(key crawler.URLKey, delay time.Duration, cause error) (crawler.FrontierEntry, error) {
	e, err := f.expect(key, crawler.StateInFlight, "mark_retry")
	if err != nil {
		return crawler.FrontierEntry{}, err
	}
	if delay < 0 {
		delay = 0
	}
	e.State = crawler.StatePending
	e.NextEligibleAt = f.clock.Now().Add(delay)
	if cause != nil {
		e.LastError = cause.Error()
	}
	f.inFlight--
	f.pending++
	if delay == 0 {
		f.ready.add(e)
		e.loc = inReady
	} else {
		f.delayed.add(e)
		e.loc = inDelayed
	}
	return e.FrontierEntry, nil
}

// MarkAbandoned gives up on an InFlight entry.
func (f *Frontier) MarkAbandoned(key crawler.URLKey, reason error) (crawler.FrontierEntry, error) {
	e, err := f.expect(key, crawler.StateInFlight, "mark_abandoned")
	if err != nil {
		return crawler.FrontierEntry{}, err
	}
	e.State = crawler.StateAbandoned
	if reason != nil {
		e.AbandonedReason = reason.Error()
		e.LastError = reason.Error()
	}
	f.inFlight--
	f.abandoned++
	return e.FrontierEntry, nil
}

// Postpone pushes a Pending entry's eligibility to until without counting an
// attempt. Used when the politeness gate refuses a host for its interval.
func (f *Frontier) Postpone(key crawler.URLKey, until time.Time) error {
	e, err := f.expect(key, crawler.StatePending, "postpone")
	if err != nil {
		return err
	}
	f.detach(e)
	e.NextEligibleAt = until
	f.delayed.add(e)
	e.loc = inDelayed
	return nil
}

// Park holds a Pending entry aside until Unpark is called for its host.
// Used when the host is at its concurrency cap.
func (f *Frontier) Park(key crawler.URLKey) error {
	e, err := f.expect(key, crawler.StatePending, "park")
	if err != nil {
		return err
	}
	f.detach(e)
	f.parked[e.Host] = append(f.parked[e.Host], e)
	e.loc = inParked
	f.parkedCount++
	return nil
}

// Unpark makes every entry parked for host ready again and returns how many moved.
func (f *Frontier) Unpark(host string) int {
	list := f.parked[host]
	if len(list) == 0 {
		return 0
	}
	delete(f.parked, host)
	for _, e := range list {
		f.ready.add(e)
		e.loc = inReady
	}
	f.parkedCount -= len(list)
	return len(list)
}

// Get returns a copy of the entry for key.
func (f *Frontier) Get(key crawler.URLKey) (crawler.FrontierEntry, bool) {
	e, ok := f.entries[key]
	if !ok {
		return crawler.FrontierEntry{}, false
	}
	return e.FrontierEntry, true
}

// Drained reports whether no Pending or InFlight entries remain and no
// revisit is scheduled.
func (f *Frontier) Drained() bool {
	return f.pending == 0 && f.inFlight == 0 && f.revisits.Len() == 0
}

// Len returns the number of entries ever admitted.
func (f *Frontier) Len() int {
	return len(f.entries)
}

// Stats returns counters for every state.
func (f *Frontier) Stats() Stats {
	return Stats{
		Total:      len(f.entries),
		Pending:    f.pending,
		InFlight:   f.inFlight,
		Done:       f.done,
		Abandoned:  f.abandoned,
		Delayed:    f.delayed.Len(),
		Parked:     f.parkedCount,
		Duplicates: f.duplicates,
		Revived:    f.revived,
		Scheduled:  f.revisits.Len(),
		Revisited:  f.revisited,
	}
}

func (f *Frontier) expect(key crawler.URLKey, want crawler.State, op string) (*entry, error) {
	e, ok := f.entries[key]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", op, key, crawler.ErrUnknownKey)
	}
	if e.State != want {
		return nil, &crawler.TransitionError{Key: key, From: e.State, Op: op}
	}
	return e, nil
}

func (f *Frontier) detach(e *entry) {
	switch e.loc {
	case inReady:
		f.ready.remove(e)
	case inDelayed:
		f.delayed.remove(e)
	case inRevisit:
		f.revisits.remove(e)
	case inParked:
		list := f.parked[e.Host]
		for i, p := range list {
			if p == e {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(f.parked, e.Host)
		} else {
			f.parked[e.Host] = list
		}
		f.parkedCount--
	}
	e.loc = nowhere
}
