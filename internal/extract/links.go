// Package extract finds outbound links in rendered documents.
package extract

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/render-crawler/internal/crawler"
)

// Options configures the link extractor.
type Options struct {
	// FollowNoFollow includes links marked rel="nofollow" and pages whose
	// robots meta tag says nofollow.
	FollowNoFollow bool
	// MaxLinks caps links returned per document. Zero means unlimited.
	MaxLinks int
	Logger   *zap.Logger
}

// Links implements crawler.LinkExtractor with goquery.
type Links struct {
	opts   Options
	logger *zap.Logger
}

// New returns a link extractor.
func New(opts Options) *Links {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Links{opts: opts, logger: logger.Named("extract")}
}

// Extract returns absolute http(s) links from body in document order,
// without fragments or duplicates. A <base href> overrides baseURL.
func (l *Links) Extract(baseURL string, body []byte) []string {
	base, err := crawler.ParseHTTPURL(baseURL)
	if err != nil {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		l.logger.Debug("parse document", zap.String("url", baseURL), zap.Error(err))
		return nil
	}

	if !l.opts.FollowNoFollow && metaNoFollow(doc) {
		return nil
	}

	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if ref, perr := url.Parse(strings.TrimSpace(href)); perr == nil {
			base = base.ResolveReference(ref)
		}
	}

	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href], area[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !l.opts.FollowNoFollow && hasToken(s.AttrOr("rel", ""), "nofollow") {
			return true
		}
		if _, download := s.Attr("download"); download {
			return true
		}
		abs, ok := crawler.ResolveReference(base, s.AttrOr("href", ""))
		if !ok {
			return true
		}
		if _, dup := seen[abs]; dup {
			return true
		}
		seen[abs] = struct{}{}
		links = append(links, abs)
		return l.opts.MaxLinks <= 0 || len(links) < l.opts.MaxLinks
	})
	return links
}

func metaNoFollow(doc *goquery.Document) bool {
	noFollow := false
	doc.Find(`meta[name]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !strings.EqualFold(s.AttrOr("name", ""), "robots") {
			return true
		}
		content := strings.ToLower(s.AttrOr("content", ""))
		if strings.Contains(content, "nofollow") || strings.Contains(content, "none") {
			noFollow = true
			return false
		}
		return true
	})
	return noFollow
}

func hasToken(list, token string) bool {
	for _, f := range strings.Fields(strings.ToLower(list)) {
		if f == token {
			return true
		}
	}
	return false
}
