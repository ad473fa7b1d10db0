// Package api hosts the admin HTTP server. Routes:
//   - GET /healthz and /readyz for probes; readyz fails once the crawl loop exits.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/frontier for frontier, session and in-flight counts.
//   - GET /v1/hosts for per-host politeness state.
//   - POST /v1/urls to submit URLs to a running crawl.
package api
