// Package crawler holds the types, interfaces and sentinel errors shared by
// the frontier, politeness gate, session pool, workers and dispatcher, plus
// the URL normalizer that produces frontier dedup keys.
package crawler
