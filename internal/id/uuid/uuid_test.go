package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
)

// TestGeneratorNewID ensures generated IDs are unique version 7 UUIDs.
func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	id2, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected unique IDs, got %s and %s", id1, id2)
	}
	parsed, err := goUUID.Parse(id1)
	if err != nil {
		t.Fatalf("id1 not valid UUID: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected version 7, got %d", parsed.Version())
	}
}

func TestGeneratorRunID(t *testing.T) {
	t.Parallel()

	gen := New()
	fresh, err := gen.RunID("")
	if err != nil || fresh == "" {
		t.Fatalf("RunID(\"\") = %q, %v", fresh, err)
	}

	const fixed = "0190b6c2-7c4e-7d2a-9f1e-3b5a1c2d4e6f"
	got, err := gen.RunID(fixed)
	if err != nil {
		t.Fatalf("RunID(fixed) error = %v", err)
	}
	if got != fixed {
		t.Fatalf("expected %s, got %s", fixed, got)
	}

	if _, err := gen.RunID("not-a-uuid"); err == nil {
		t.Fatal("expected error for invalid override")
	}
}
