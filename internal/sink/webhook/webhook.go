// Package webhook posts a short chat message for each report it receives.
// Discord ("content") and Slack ("text") incoming webhooks are both served
// by choosing the JSON field that carries the message.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/JakeFAU/render-crawler/internal/crawler"
)

// Config describes the webhook endpoint.
type Config struct {
	URL string `mapstructure:"url"`
	// Field names the JSON property holding the message text.
	Field   string        `mapstructure:"field"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Sink sends one POST per report.
type Sink struct {
	url    string
	field  string
	client *http.Client
}

// New validates cfg and builds a sink with its own HTTP client.
func New(cfg Config) (*Sink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("notify.webhook.url is required")
	}
	return NewWithClient(cfg, &http.Client{Timeout: cfg.Timeout}), nil
}

// NewWithClient builds a sink over an existing client.
func NewWithClient(cfg Config, client *http.Client) *Sink {
	field := cfg.Field
	if field == "" {
		field = "content"
	}
	return &Sink{url: cfg.URL, field: field, client: client}
}

// Message renders the text posted for r.
func Message(r crawler.Report) string {
	if r.Changed {
		return fmt.Sprintf("Content changed: %s (visit %d)", r.URL, r.Visit)
	}
	if r.State == crawler.StateAbandoned {
		return fmt.Sprintf("Crawl abandoned: %s (%s)", r.URL, r.Reason)
	}
	return fmt.Sprintf("Crawled: %s", r.URL)
}

// Report implements crawler.ResultSink.
func (s *Sink) Report(ctx context.Context, r crawler.Report) error {
	payload, err := json.Marshal(map[string]string{s.field: Message(r)})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook for %s: %w", r.Key, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("post webhook for %s: unexpected status %d", r.Key, resp.StatusCode)
	}
	return nil
}
