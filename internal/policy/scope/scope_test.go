package scope

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterDepth(t *testing.T) {
	t.Parallel()
	f := New(Config{MaxDepth: 2})

	assert.Equal(t, Admitted, f.Check("https://a.test/x", 0, ""))
	assert.Equal(t, Admitted, f.Check("https://a.test/x", 2, "a.test"))
	assert.Equal(t, TooDeep, f.Check("https://a.test/x", 3, "a.test"))

	unlimited := New(Config{MaxDepth: -1})
	assert.Equal(t, Admitted, unlimited.Check("https://a.test/x", 1000, "a.test"))
}

func TestFilterDomainPatterns(t *testing.T) {
	t.Parallel()
	f := New(Config{
		MaxDepth:     -1,
		AllowDomains: []string{"*.example.com", "a.test"},
		DenyDomains:  []string{"private.example.com", ".ads.example.com"},
	})

	cases := map[string]Verdict{
		"https://example.com/":                Admitted,
		"https://www.example.com/page":        Admitted,
		"https://A.TEST:8443/x":               Admitted,
		"https://b.test/x":                    NotAllowed,
		"https://private.example.com/":        Denied,
		"https://cdn.ads.example.com/img.png": Denied,
		"mailto:someone@example.com":          Invalid,
	}
	for raw, want := range cases {
		assert.Equal(t, want, f.Check(raw, 0, ""), raw)
	}
}

func TestFilterSameHost(t *testing.T) {
	t.Parallel()
	f := New(Config{MaxDepth: -1, SameHost: true})

	assert.Equal(t, Admitted, f.Check("https://a.test/next", 1, "a.test"))
	assert.Equal(t, OffHost, f.Check("https://b.test/next", 1, "a.test"))
	assert.Equal(t, Admitted, f.Check("https://b.test/seed", 0, ""), "seeds have no parent host")
}

func TestPatternSetEmptyIsNil(t *testing.T) {
	t.Parallel()
	assert.Nil(t, newPatternSet([]string{" ", "*.", "."}))
	assert.False(t, (*patternSet)(nil).matches("a.test"))
}
