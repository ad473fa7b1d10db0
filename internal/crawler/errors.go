package crawler

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the crawl engine.
var (
	// ErrDuplicateURL signals that an enqueue was a no-op because the key is already live.
	ErrDuplicateURL = errors.New("duplicate url")
	// ErrInvalidURL is returned for URLs that cannot be normalized or are not http(s).
	ErrInvalidURL = errors.New("invalid url")
	// ErrUnknownKey is returned when a transition names a key the frontier never saw.
	ErrUnknownKey = errors.New("unknown frontier key")
	// ErrInvalidTransition is returned when a transition's source state does not match.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrSessionUnusable marks render errors after which the browser session must be replaced.
	ErrSessionUnusable = errors.New("session unusable")
	// ErrUnsupportedContent marks documents that can never be processed.
	ErrUnsupportedContent = errors.New("unsupported content")
	// ErrRetryBudgetExhausted is the abandon reason once max attempts are spent.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
	// ErrDisallowed is returned when robots.txt forbids the URL.
	ErrDisallowed = errors.New("disallowed by robots.txt")
	// ErrPoolClosed is returned by checkout after the pool has been closed.
	ErrPoolClosed = errors.New("session pool closed")
	// ErrUnknownToken is returned when a politeness token is released twice or was never issued.
	ErrUnknownToken = errors.New("unknown politeness token")
)

// FetchError describes a classified fetch failure.
type FetchError struct {
	Class  OutcomeClass
	Status int
	Err    error
}

// NewFetchError wraps err with a failure class and HTTP-equivalent status.
func NewFetchError(class OutcomeClass, status int, err error) *FetchError {
	return &FetchError{Class: class, Status: status, Err: err}
}

func (e *FetchError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s failure (status %d): %v", e.Class, e.Status, e.Err)
	}
	return fmt.Sprintf("%s failure: %v", e.Class, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// TransitionError reports a rejected frontier transition.
type TransitionError struct {
	Key  URLKey
	From State
	Op   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: entry is %s", e.Op, e.Key, e.From)
}

// Is lets errors.Is match ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
