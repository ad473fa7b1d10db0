// Package redis pushes terminal crawl reports onto a Redis list and keeps
// the latest report per URL key in a hash.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/render-crawler/internal/crawler"
)

// Config captures connection and key settings.
type Config struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// Prefix namespaces keys: <prefix>:<run>:results (list) and
	// <prefix>:<run>:latest (hash keyed by URL key).
	Prefix string `mapstructure:"prefix"`
	// TTL expires both keys after the last write. Zero keeps them.
	TTL time.Duration `mapstructure:"ttl"`
}

// pipeliner is the slice of the go-redis client the sink uses.
type pipeliner interface {
	TxPipelined(ctx context.Context, fn func(goredis.Pipeliner) error) ([]goredis.Cmder, error)
	Close() error
}

// Sink writes reports to Redis.
type Sink struct {
	client pipeliner
	prefix string
	ttl    time.Duration
}

// New connects a go-redis client.
func New(cfg Config) (*Sink, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("sink.redis.addr is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewWithClient builds a sink over an existing client.
func NewWithClient(client pipeliner, prefix string, ttl time.Duration) *Sink {
	if prefix == "" {
		prefix = "crawler"
	}
	return &Sink{client: client, prefix: prefix, ttl: ttl}
}

// ListKey is the list that receives every report for runID.
func (s *Sink) ListKey(runID string) string {
	return fmt.Sprintf("%s:%s:results", s.prefix, runID)
}

// LatestKey is the hash of the newest report per URL key for runID.
func (s *Sink) LatestKey(runID string) string {
	return fmt.Sprintf("%s:%s:latest", s.prefix, runID)
}

// Report implements crawler.ResultSink. The list push and hash update run
// in one MULTI/EXEC transaction.
func (s *Sink) Report(ctx context.Context, r crawler.Report) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	list, latest := s.ListKey(r.RunID), s.LatestKey(r.RunID)
	_, err = s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.RPush(ctx, list, payload)
		p.HSet(ctx, latest, r.Key.String(), payload)
		if s.ttl > 0 {
			p.Expire(ctx, list, s.ttl)
			p.Expire(ctx, latest, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis write report %s: %w", r.Key, err)
	}
	return nil
}

// Close releases the client.
func (s *Sink) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}
