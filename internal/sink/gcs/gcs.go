// Package gcs stores rendered documents and report metadata in a Google
// Cloud Storage bucket.
package gcs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/render-crawler/internal/crawler"
	"github.com/JakeFAU/render-crawler/internal/sink"
)

// Config captures the bucket and object prefix.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// Sink writes <prefix>/<run>/<name>.html and .json objects.
type Sink struct {
	client *storage.Client
	bucket string
	prefix string
}

type metadata struct {
	crawler.Report
	HTMLObject string `json:"html_object,omitempty"`
}

// New creates a GCS-backed sink. Authentication follows Application
// Default Credentials unless client was built otherwise.
func New(client *storage.Client, cfg Config) (*Sink, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Sink{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Report implements crawler.ResultSink.
func (s *Sink) Report(ctx context.Context, r crawler.Report) error {
	base := s.objectBase(r)
	meta := metadata{Report: r}
	if r.State == crawler.StateDone && len(r.Body) > 0 {
		contentType := r.ContentType
		if contentType == "" {
			contentType = "text/html"
		}
		uri, err := s.put(ctx, base+".html", contentType, bytes.NewReader(r.Body))
		if err != nil {
			return err
		}
		meta.HTMLObject = uri
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if _, err := s.put(ctx, base+".json", "application/json", bytes.NewReader(payload)); err != nil {
		return err
	}
	return nil
}

// put uploads data and returns a gs:// URI.
func (s *Sink) put(ctx context.Context, name, contentType string, r io.Reader) (string, error) {
	writer := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	writer.ContentType = contentType
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object %s: %w (close writer: %v)", name, err, closeErr)
		}
		return "", fmt.Errorf("copy object %s: %w", name, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer for %s: %w", name, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, name), nil
}

func (s *Sink) objectBase(r crawler.Report) string {
	parts := make([]string, 0, 3)
	if s.prefix != "" {
		parts = append(parts, s.prefix)
	}
	if r.RunID != "" {
		parts = append(parts, r.RunID)
	}
	parts = append(parts, sink.ObjectBase(r))
	return path.Join(parts...)
}
