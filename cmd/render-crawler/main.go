// Package main is the render-crawler entrypoint.
//
// Architecture overview:
//   - Dispatcher: a single loop goroutine owns the frontier and the politeness gate. Each turn it hands ready
//     entries to a fixed set of render workers, one per browser session, and routes results to done, retry or
//     abandon.
//   - Sessions: a bounded pool of chromedp browsers. A session that fails in a way that leaves it unusable is
//     closed and recreated in place.
//   - Politeness: per-host concurrency caps and minimum intervals, robots.txt Crawl-delay, and an optional
//     crawl-wide request rate.
//   - Results: every terminal outcome goes to the configured sinks (log, fs, Postgres, GCS, Pub/Sub, Redis).
//   - Admin: a chi HTTP server exposes health, Prometheus metrics, frontier and host stats, and URL submission.
//     A Kafka consumer can feed URLs into a persistent crawl.
//
// Quick checklist:
//   - Run locally: go run ./cmd/render-crawler crawl --config config.yaml --seed https://example.com/
//   - Env overrides use the CRAWLER_ prefix, e.g. CRAWLER_SESSIONS_MAX_SESSIONS=8.
//   - SIGINT/SIGTERM stop dispatching; in-flight renders get sessions.shutdown_grace to return their sessions.
package main

import "github.com/JakeFAU/render-crawler/cmd"

func main() {
	cmd.Execute()
}
