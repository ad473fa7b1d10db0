// Package kafka consumes URLs from a Kafka topic and submits them to the
// running crawl.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/render-crawler/internal/dispatcher"
)

// Config names the brokers, topic and consumer group.
type Config struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
	// DefaultPriority applies to messages that carry a bare URL.
	DefaultPriority int `mapstructure:"default_priority"`
}

// Submitter accepts URLs into the crawl. dispatcher.Dispatcher implements it.
type Submitter interface {
	Submit(ctx context.Context, rawURL string, priority int) (bool, error)
}

// Reader is the subset of *kafka.Reader the feed uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Message is the JSON form of a feed record. A message whose value is not
// a JSON object is treated as a bare URL.
type Message struct {
	URL      string `json:"url"`
	Priority *int   `json:"priority,omitempty"`
}

// Stats counts what the feed has done.
type Stats struct {
	Received   int
	Submitted  int
	Duplicates int
	Rejected   int
}

// Feed reads messages until its context is cancelled or the submitter stops.
type Feed struct {
	reader      Reader
	submitter   Submitter
	defaultPrio int
	logger      *zap.Logger
	stats       Stats
}

// NewReader builds a consumer-group reader for cfg.
func NewReader(cfg Config) (*kafkago.Reader, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("feed.kafka.brokers is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("feed.kafka.topic is required")
	}
	return kafkago.NewReader(kafkago.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
	}), nil
}

// New wires a reader to a submitter.
func New(reader Reader, submitter Submitter, defaultPriority int, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		reader:      reader,
		submitter:   submitter,
		defaultPrio: defaultPriority,
		logger:      logger.Named("feed"),
	}
}

// Run consumes until ctx is done. A message is committed once the crawl has
// accepted, deduplicated or rejected it; a submit that fails because the
// crawl stopped leaves it uncommitted for the next consumer.
func (f *Feed) Run(ctx context.Context) error {
	for {
		msg, err := f.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}
		f.stats.Received++

		rawURL, prio, perr := f.decode(msg.Value)
		if perr != nil {
			f.stats.Rejected++
			f.logger.Warn("skipping malformed feed message",
				zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset), zap.Error(perr))
		} else {
			added, serr := f.submitter.Submit(ctx, rawURL, prio)
			switch {
			case serr != nil && (errors.Is(serr, dispatcher.ErrStopped) || ctx.Err() != nil):
				return nil
			case serr != nil:
				f.stats.Rejected++
				f.logger.Info("feed url rejected", zap.String("url", rawURL), zap.Error(serr))
			case added:
				f.stats.Submitted++
			default:
				f.stats.Duplicates++
			}
		}

		if err := f.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
		}
	}
}

// Stats returns counters. It is not safe to call while Run is active.
func (f *Feed) Stats() Stats {
	return f.stats
}

// Close closes the reader.
func (f *Feed) Close() error {
	if err := f.reader.Close(); err != nil {
		return fmt.Errorf("close kafka reader: %w", err)
	}
	return nil
}

func (f *Feed) decode(value []byte) (string, int, error) {
	trimmed := strings.TrimSpace(string(value))
	if trimmed == "" {
		return "", 0, errors.New("empty message")
	}
	if !strings.HasPrefix(trimmed, "{") {
		return trimmed, f.defaultPrio, nil
	}
	var m Message
	if err := json.Unmarshal([]byte(trimmed), &m); err != nil {
		return "", 0, fmt.Errorf("decode message: %w", err)
	}
	if strings.TrimSpace(m.URL) == "" {
		return "", 0, errors.New("message has no url")
	}
	prio := f.defaultPrio
	if m.Priority != nil {
		prio = *m.Priority
	}
	return m.URL, prio, nil
}
