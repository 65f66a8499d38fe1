// Package linkextract discovers candidate URLs from a fetched document,
// combining a DOM traversal with a text-pattern scan, mirroring
// original_source/darc/parse.py's extract_links and the href/src walk the
// teacher's internal/extractor package performs for its own, differently
// purposed, content isolation.
package linkextract

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rohmanhakim/darc-crawler/internal/link"
	"github.com/rohmanhakim/darc-crawler/pkg/urlutil"
)

// hrefAttrs lists the element/attribute pairs the DOM walk collects,
// covering the href/src surface real pages actually use for navigation and
// sub-resource loading.
var hrefAttrs = []struct {
	selector string
	attr     string
}{
	{"a", "href"},
	{"link", "href"},
	{"img", "src"},
	{"script", "src"},
	{"iframe", "src"},
	{"frame", "src"},
	{"form", "action"},
}

// textPatterns are the default regular expressions run over a document's
// text content, grounded on parse.py's URL_PAT table: bare links that never
// appear as an href (addresses printed as text, not anchors).
var textPatterns = []*regexp.Regexp{
	regexp.MustCompile(`https?://[^\s"'<>]+`),
	regexp.MustCompile(`wss?://[^\s"'<>]+`),
	regexp.MustCompile(`irc://[^\s"'<>]+`),
	regexp.MustCompile(`mailto:[^\s"'<>]+`),
	regexp.MustCompile(`\bbitcoin:[^\s"'<>]+`),
	regexp.MustCompile(`\bethereum:[^\s"'<>]+`),
	regexp.MustCompile(`\b(?:bc1|[13])[a-km-zA-HJ-NP-Z1-9]{25,39}\b`),
	regexp.MustCompile(`\b0x[a-fA-F0-9]{40}\b`),
}

// Extract walks htmlBody's DOM for href/src-bearing elements and scans the
// raw document bytes against textPatterns, resolving every candidate against
// baseURL and classifying it with the given backref. Results are
// deduplicated by URL; extraPatterns is appended to textPatterns when
// non-empty (it extends, never replaces, the default table).
func Extract(dataRoot string, baseURL string, htmlBody []byte, backref link.Link, extraPatterns ...*regexp.Regexp) []link.Link {
	seen := make(map[string]struct{})
	var out []link.Link

	add := func(raw string) {
		resolved := urlutil.Resolve(baseURL, strings.TrimSpace(raw))
		if resolved == "" {
			return
		}
		if _, ok := seen[resolved]; ok {
			return
		}
		seen[resolved] = struct{}{}
		out = append(out, link.Classify(dataRoot, resolved, &backref))
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(htmlBody))
	if err == nil {
		for _, pair := range hrefAttrs {
			doc.Find(pair.selector).Each(func(_ int, sel *goquery.Selection) {
				if val, ok := sel.Attr(pair.attr); ok && val != "" {
					add(val)
				}
			})
		}
	}

	patterns := textPatterns
	if len(extraPatterns) > 0 {
		patterns = append(append([]*regexp.Regexp{}, textPatterns...), extraPatterns...)
	}
	text := string(htmlBody)
	for _, pat := range patterns {
		for _, match := range pat.FindAllString(text, -1) {
			add(match)
		}
	}

	return out
}

// CompilePatterns compiles a list of extra regular expressions into the form
// Extract expects.
func CompilePatterns(raw []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(raw))
	for _, p := range raw {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}
