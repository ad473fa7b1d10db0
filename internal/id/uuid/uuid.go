// Package uuid generates crawl run identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUIDv7 strings, which sort by creation time.
type Generator struct{}

// New creates a Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// RunID returns override when it is a valid UUID, or a fresh one when
// override is empty. Operators pass an override to resume a run's reports.
func (g Generator) RunID(override string) (string, error) {
	if override == "" {
		return g.NewID()
	}
	id, err := uuid.Parse(override)
	if err != nil {
		return "", fmt.Errorf("parse run id %q: %w", override, err)
	}
	return id.String(), nil
}
