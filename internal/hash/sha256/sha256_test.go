package sha256

import "testing"

// TestHasherHashDeterministic ensures repeated hashing yields the same digest.
func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	want := "sha256:b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	again, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() repeat error = %v", err)
	}
	if !Equal(again, got) {
		t.Fatalf("expected deterministic hash, got %s vs %s", got, again)
	}
}

func TestEqual(t *testing.T) {
	t.Parallel()

	if Equal("", "") {
		t.Fatal("empty digests must not compare equal")
	}
	if !Equal("sha256:ABCD", "sha256:abcd") {
		t.Fatal("hex case must not matter")
	}
	if Equal("sha256:abcd", "sha256:abce") {
		t.Fatal("different digests compared equal")
	}
}
