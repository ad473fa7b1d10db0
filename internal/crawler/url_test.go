package crawler

import (
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURLEquivalentForms(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		a, b string
	}{
		{"trailing slash", "https://a.test/x", "https://a.test/x/"},
		{"fragment", "https://a.test/x", "https://a.test/x#section"},
		{"default https port", "https://a.test/x", "https://a.test:443/x"},
		{"default http port", "http://a.test/x", "http://a.test:80/x"},
		{"host case", "https://a.test/x", "https://A.TEST/x"},
		{"query order", "https://a.test/x?b=2&a=1", "https://a.test/x?a=1&b=2"},
		{"dot segments", "https://a.test/x", "https://a.test/y/../x"},
		{"empty path", "https://a.test", "https://a.test/"},
		{"scheme", "http://a.test/x", "https://a.test/x"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ka, err := NormalizeURL(tc.a)
			require.NoError(t, err)
			kb, err := NormalizeURL(tc.b)
			require.NoError(t, err)
			require.Equal(t, ka, kb)
		})
	}
}

func TestNormalizeURLKeyShape(t *testing.T) {
	t.Parallel()

	key, err := NormalizeURL("https://a.test/x")
	require.NoError(t, err)
	require.Equal(t, URLKey("a.test/x"), key)

	key, err = NormalizeURL("https://a.test:8443/x/?q=1#frag")
	require.NoError(t, err)
	require.Equal(t, URLKey("a.test:8443/x?q=1"), key)
}

func TestNormalizeURLDistinguishesPaths(t *testing.T) {
	t.Parallel()

	a, err := NormalizeURL("https://a.test/x")
	require.NoError(t, err)
	b, err := NormalizeURL("https://a.test/X")
	require.NoError(t, err)
	require.NotEqual(t, a, b, "paths are case sensitive")
}

func TestNormalizeURLRejectsInvalid(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "   ", "ftp://a.test/x", "mailto:me@a.test", "/relative/path", "https://"} {
		_, err := NormalizeURL(raw)
		require.Error(t, err, raw)
		require.True(t, errors.Is(err, ErrInvalidURL), raw)
	}
}

func TestHostOf(t *testing.T) {
	t.Parallel()

	host, err := HostOf("https://WWW.Example.com:443/path")
	require.NoError(t, err)
	require.Equal(t, "www.example.com", host)

	host, err = HostOf("http://example.com:8080/")
	require.NoError(t, err)
	require.Equal(t, "example.com:8080", host)
}

func TestResolveReference(t *testing.T) {
	t.Parallel()

	base, err := url.Parse("https://a.test/dir/page")
	require.NoError(t, err)

	got, ok := ResolveReference(base, "../other#frag")
	require.True(t, ok)
	require.Equal(t, "https://a.test/other", got)

	_, ok = ResolveReference(base, "#top")
	require.False(t, ok)
	_, ok = ResolveReference(base, "javascript:void(0)")
	require.False(t, ok)
	_, ok = ResolveReference(base, "mailto:x@a.test")
	require.False(t, ok)
}

func TestFetchErrorUnwrap(t *testing.T) {
	t.Parallel()

	err := NewFetchError(OutcomeTransient, 503, ErrSessionUnusable)
	require.ErrorIs(t, err, ErrSessionUnusable)
	require.Contains(t, err.Error(), "status 503")

	terr := &TransitionError{Key: "a.test/x", From: StateDone, Op: "mark_done"}
	require.ErrorIs(t, terr, ErrInvalidTransition)
}
