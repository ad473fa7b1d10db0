// Package crawler defines core types shared across subsystems.
package crawler

import (
	"net/http"
	"time"
)

// URLKey is the normalized dedup identity of a URL: host + path + sorted query.
type URLKey string

// String implements fmt.Stringer.
func (k URLKey) String() string {
	return string(k)
}

// State represents the lifecycle state of a frontier entry.
type State string

// Frontier entry states. Done and Abandoned are terminal.
const (
	StatePending   State = "pending"
	StateInFlight  State = "in_flight"
	StateDone      State = "done"
	StateAbandoned State = "abandoned"
)

// Terminal reports whether no further transitions are expected for s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateAbandoned
}

// Seed describes a URL offered to the frontier, either from the seed list or
// discovered in fetched content.
type Seed struct {
	URL      string `json:"url"`
	Priority int    `json:"priority"`
	Depth    int    `json:"depth"`
	Parent   URLKey `json:"parent,omitempty"`
}

// FrontierEntry is the frontier's record for one URLKey. Values handed out by
// the frontier are copies; mutation happens only through frontier transitions.
type FrontierEntry struct {
	Key             URLKey
	RawURL          string
	Host            string
	Priority        int
	Depth           int
	Parent          URLKey
	AttemptCount    int
	State           State
	NextEligibleAt  time.Time
	DiscoveredAt    time.Time
	LastError       string
	AbandonedReason string
}

// HostState is the politeness bookkeeping kept per distinct host.
type HostState struct {
	Host             string        `json:"host"`
	ActiveCount      int           `json:"active_count"`
	LastDispatchTime time.Time     `json:"last_dispatch_time"`
	MinInterval      time.Duration `json:"min_interval"`
}

// OutcomeClass groups fetch outcomes for scheduling decisions.
type OutcomeClass string

// Fetch outcome classes.
const (
	OutcomeSuccess   OutcomeClass = "success"
	OutcomeTransient OutcomeClass = "transient"
	OutcomePermanent OutcomeClass = "permanent"
)

// Rendered is what the render capability returns for one navigation.
type Rendered struct {
	FinalURL    string
	StatusCode  int
	ContentType string
	Headers     http.Header
	Body        []byte
}

// FetchResult is produced by a worker for exactly one render attempt and
// consumed once by the dispatcher.
type FetchResult struct {
	Key      URLKey
	Class    OutcomeClass
	Content  Rendered
	Status   int
	Err      error
	Duration time.Duration
	// SessionUnusable asks the pool to discard and recreate the session.
	SessionUnusable bool
	ContentHash     string
	// CrawlDelay carries the host's robots.txt Crawl-delay back to the loop.
	CrawlDelay time.Duration
}

// Reason returns the failure text for non-success results.
func (r FetchResult) Reason() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Report is delivered to the result sink once per terminal frontier entry.
type Report struct {
	RunID        string       `json:"run_id"`
	Key          URLKey       `json:"key"`
	URL          string       `json:"url"`
	FinalURL     string       `json:"final_url,omitempty"`
	State        State        `json:"state"`
	Class        OutcomeClass `json:"class"`
	StatusCode   int          `json:"status_code"`
	ContentType  string       `json:"content_type,omitempty"`
	ContentHash  string       `json:"content_hash,omitempty"`
	Attempts     int          `json:"attempts"`
	Depth        int          `json:"depth"`
	Reason       string       `json:"reason,omitempty"`
	Headers      http.Header  `json:"headers,omitempty"`
	Body         []byte       `json:"-"`
	DurationMs   int64        `json:"duration_ms"`
	DiscoveredAt time.Time    `json:"discovered_at"`
	FinishedAt   time.Time    `json:"finished_at"`
	// Visit counts successful fetches of Key in this run, including this one.
	Visit int `json:"visit"`
	// Changed is set on a revisit whose content digest differs from the
	// previous successful fetch.
	Changed      bool   `json:"changed"`
	PreviousHash string `json:"previous_hash,omitempty"`
}
