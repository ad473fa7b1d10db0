// Package scope decides which discovered links are admitted to the frontier.
package scope

import (
	"strings"

	"github.com/JakeFAU/render-crawler/internal/crawler"
)

// Config bounds the crawl.
type Config struct {
	// MaxDepth limits link distance from a seed. Negative means unlimited.
	MaxDepth int
	// AllowDomains restricts the crawl to these hosts. Empty allows all.
	AllowDomains []string
	// DenyDomains is checked after AllowDomains.
	DenyDomains []string
	// SameHost keeps discovered links on the parent's host.
	SameHost bool
}

// Verdict names why a link was refused; empty means admitted.
type Verdict string

// Refusal reasons.
const (
	Admitted   Verdict = ""
	TooDeep    Verdict = "too_deep"
	NotAllowed Verdict = "not_allowed"
	Denied     Verdict = "denied"
	OffHost    Verdict = "off_host"
	Invalid    Verdict = "invalid"
)

// Filter applies Config to candidate links.
type Filter struct {
	maxDepth int
	sameHost bool
	allow    *patternSet
	deny     *patternSet
}

// New builds a Filter.
func New(cfg Config) *Filter {
	return &Filter{
		maxDepth: cfg.MaxDepth,
		sameHost: cfg.SameHost,
		allow:    newPatternSet(cfg.AllowDomains),
		deny:     newPatternSet(cfg.DenyDomains),
	}
}

// Check decides whether rawURL at depth, found on parentHost, may be enqueued.
// Seeds are checked with an empty parentHost.
func (f *Filter) Check(rawURL string, depth int, parentHost string) Verdict {
	host, err := crawler.HostOf(rawURL)
	if err != nil {
		return Invalid
	}
	if f.maxDepth >= 0 && depth > f.maxDepth {
		return TooDeep
	}
	name := hostname(host)
	if f.allow != nil && !f.allow.matches(name) {
		return NotAllowed
	}
	if f.deny.matches(name) {
		return Denied
	}
	if f.sameHost && parentHost != "" && host != parentHost {
		return OffHost
	}
	return Admitted
}

func hostname(host string) string {
	if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.Contains(host[i:], "]") {
		return strings.Trim(host[:i], "[]")
	}
	return strings.Trim(host, "[]")
}

// patternSet stores exact hosts and suffix wildcards derived from configuration.
type patternSet struct {
	exact    map[string]struct{}
	suffixes []string
}

func newPatternSet(patterns []string) *patternSet {
	set := &patternSet{
		exact: make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*."):
			set.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			set.addSuffix(strings.TrimPrefix(value, "."))
		default:
			set.exact[value] = struct{}{}
		}
	}
	if len(set.exact) == 0 && len(set.suffixes) == 0 {
		return nil
	}
	return set
}

func (s *patternSet) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range s.suffixes {
		if existing == suffix {
			return
		}
	}
	s.suffixes = append(s.suffixes, suffix)
}

func (s *patternSet) matches(host string) bool {
	if s == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, exact := s.exact[host]; exact {
		return true
	}
	for _, suffix := range s.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
