// Package fs writes crawl reports to the local filesystem: the rendered
// document as .html and the report as .json next to it.
package fs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/render-crawler/internal/crawler"
	"github.com/JakeFAU/render-crawler/internal/sink"
)

// Config captures the parameters for the filesystem sink.
type Config struct {
	// Root is the directory reports are written under, one subdirectory per run.
	Root string `mapstructure:"root"`
	// MaxBytes skips writing documents larger than this. Zero means unlimited.
	MaxBytes int64 `mapstructure:"max_bytes"`
}

// Sink saves HTML snapshots and report metadata to disk.
type Sink struct {
	root     string
	maxBytes int64
}

type metadata struct {
	crawler.Report
	HTMLPath string `json:"html_path,omitempty"`
	Skipped  string `json:"skipped,omitempty"`
}

// New creates the root directory if needed and checks it is writable.
func New(cfg Config) (*Sink, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("sink root directory is required")
	}
	info, err := os.Stat(cfg.Root)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.Root, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create sink dir %s: %w", cfg.Root, mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat sink dir %s: %w", cfg.Root, err)
	case !info.IsDir():
		return nil, fmt.Errorf("sink root %s is not a directory", cfg.Root)
	}

	marker := filepath.Join(cfg.Root, ".writable_test")
	if err := os.WriteFile(marker, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("sink dir %s is not writable: %w", cfg.Root, err)
	}
	if err := os.Remove(marker); err != nil {
		return nil, fmt.Errorf("clean up writable check file: %w", err)
	}
	return &Sink{root: cfg.Root, maxBytes: cfg.MaxBytes}, nil
}

// Report implements crawler.ResultSink.
func (s *Sink) Report(ctx context.Context, r crawler.Report) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled: %w", err)
	}
	dir := s.dir(r.RunID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create run dir %s: %w", dir, err)
	}
	base := filepath.Join(dir, sink.ObjectBase(r))
	meta := metadata{Report: r}

	if r.State == crawler.StateDone && len(r.Body) > 0 {
		if s.maxBytes > 0 && int64(len(r.Body)) > s.maxBytes {
			meta.Skipped = fmt.Sprintf("document size %d exceeds max %d", len(r.Body), s.maxBytes)
		} else {
			target := base + ".html"
			if err := os.WriteFile(target, r.Body, 0o600); err != nil {
				return fmt.Errorf("write html %s: %w", target, err)
			}
			meta.HTMLPath = target
		}
	}

	payload, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(base+".json", payload, 0o600); err != nil {
		return fmt.Errorf("write report %s: %w", base+".json", err)
	}
	return nil
}

func (s *Sink) dir(runID string) string {
	if runID == "" {
		return s.root
	}
	clean := filepath.Base(filepath.Clean("/" + runID))
	return filepath.Join(s.root, clean)
}
