// Package pubsub announces terminal crawl reports on a Google Cloud Pub/Sub
// topic.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/render-crawler/internal/crawler"
)

// Config names the project and topic.
type Config struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Sink publishes one JSON message per report. The rendered body is not
// included; pair this sink with a blob sink when consumers need it.
type Sink struct {
	topic *pubsub.Topic
}

// New wraps an existing topic handle.
func New(topic *pubsub.Topic) (*Sink, error) {
	if topic == nil {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	return &Sink{topic: topic}, nil
}

// Report implements crawler.ResultSink. It waits for the server to
// acknowledge the publish.
func (s *Sink) Report(ctx context.Context, r crawler.Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"run_id": r.RunID,
			"key":    r.Key.String(),
			"state":  string(r.State),
		},
	}
	if _, err := s.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish report %s: %w", r.Key, err)
	}
	return nil
}

// Close flushes pending publishes.
func (s *Sink) Close() {
	s.topic.Stop()
}
