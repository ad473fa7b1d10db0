package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const page = `<!doctype html>
<html><head><title>t</title></head>
<body>
  <a href="/a">A</a>
  <a href="b?x=1#frag">B</a>
  <a href="/a#again">A again</a>
  <a href="https://other.test/c">C</a>
  <a href="mailto:me@a.test">mail</a>
  <a href="javascript:void(0)">js</a>
  <a href="#top">top</a>
  <a href="/private" rel="external NoFollow">hidden</a>
  <a href="/file.zip" download>zip</a>
  <map><area href="/area" alt="x"></map>
</body></html>`

func TestExtractResolvesAndFilters(t *testing.T) {
	t.Parallel()

	got := New(Options{}).Extract("https://a.test/dir/page", []byte(page))
	assert.Equal(t, []string{
		"https://a.test/a",
		"https://a.test/dir/b?x=1",
		"https://other.test/c",
		"https://a.test/area",
	}, got)
}

func TestExtractFollowNoFollow(t *testing.T) {
	t.Parallel()

	got := New(Options{FollowNoFollow: true}).Extract("https://a.test/dir/page", []byte(page))
	assert.Contains(t, got, "https://a.test/private")
}

func TestExtractHonoursBaseHref(t *testing.T) {
	t.Parallel()

	body := `<html><head><base href="https://cdn.a.test/root/"></head><body><a href="x">x</a></body></html>`
	got := New(Options{}).Extract("https://a.test/page", []byte(body))
	assert.Equal(t, []string{"https://cdn.a.test/root/x"}, got)
}

func TestExtractMetaRobotsNoFollow(t *testing.T) {
	t.Parallel()

	body := `<html><head><meta name="ROBOTS" content="noindex, nofollow"></head><body><a href="/a">a</a></body></html>`
	assert.Empty(t, New(Options{}).Extract("https://a.test/", []byte(body)))
	assert.Len(t, New(Options{FollowNoFollow: true}).Extract("https://a.test/", []byte(body)), 1)
}

func TestExtractMaxLinks(t *testing.T) {
	t.Parallel()

	got := New(Options{MaxLinks: 2}).Extract("https://a.test/dir/page", []byte(page))
	assert.Len(t, got, 2)
}

func TestExtractInvalidBase(t *testing.T) {
	t.Parallel()

	assert.Nil(t, New(Options{}).Extract("not a url", []byte(page)))
}
