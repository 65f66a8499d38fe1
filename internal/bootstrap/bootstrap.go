// Package bootstrap runs the once-per-host setup darc performs before the
// first fetch against a new hostname: read robots.txt, walk any sitemaps it
// advertises, and, for I2P hosts, fetch the host's hosts.txt addressbook
// into the result. It never decides
// whether to run at all; callers gate that with a Queue Store's
// HaveHostname so exactly one goroutine bootstraps a given host per cache
// window (see SPEC_FULL.md §4.8, §9).
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Result is what a completed bootstrap pass learned about a host.
type Result struct {
	Host         string
	Rules        ruleSet
	SitemapLinks []string
	RobotsFound  bool

	// RobotsRaw, SitemapDocs and HostsRaw carry the fetched bytes back to the
	// caller so it can persist them via archive.Writer and fold them into a
	// new_host submission record; bootstrap itself never touches the archive.
	RobotsRaw   []byte
	SitemapDocs []SitemapDoc
	HostsRaw    []byte
	// I2PLinks are the hosts named on a "host=destination" line of an I2P
	// host's hosts.txt, ready to be classified and enqueued as fetch work.
	I2PLinks []string
}

// Disallowed reports whether path is blocked by the host's robots.txt rules.
// A host with no robots.txt (RobotsFound == false) disallows nothing.
func (r Result) Disallowed(path string) bool {
	if !r.RobotsFound {
		return false
	}
	return r.Rules.Disallowed(path)
}

// Bootstrapper fetches robots.txt and sitemaps for a host through a given
// HTTP client, letting callers supply a proxy-scoped client (Tor, I2P, clear
// web) per SPEC_FULL.md §4.3/§4.8.
type Bootstrapper struct {
	userAgent string
}

func NewBootstrapper(userAgent string) *Bootstrapper {
	return &Bootstrapper{userAgent: userAgent}
}

// Bootstrap fetches scheme://host/robots.txt and walks its Sitemap
// directives. A missing or unreachable robots.txt is not an error: it simply
// means the host permits everything, matching how real crawlers (and darc)
// treat a 404 on robots.txt.
func (b *Bootstrapper) Bootstrap(ctx context.Context, client *http.Client, scheme string, host string) (Result, error) {
	result := Result{Host: host}

	if err := b.fetchRobots(ctx, client, scheme, host, &result); err != nil {
		return result, err
	}

	// hosts.txt is an I2P addressbook concern independent of robots.txt: an
	// I2P host may publish one without the other.
	if strings.HasSuffix(host, ".i2p") {
		if raw, links, err := fetchHostsTxt(client, scheme, host); err == nil {
			result.HostsRaw = raw
			result.I2PLinks = links
		}
	}

	return result, nil
}

// fetchRobots fetches and parses scheme://host/robots.txt into result, then
// walks every Sitemap directive it declares. A missing or unreachable
// robots.txt is not an error: it simply means the host permits everything,
// matching how real crawlers (and darc) treat a 404 on robots.txt.
func (b *Bootstrapper) fetchRobots(ctx context.Context, client *http.Client, scheme string, host string, result *Result) error {
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", scheme, host)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return fmt.Errorf("bootstrap: build robots.txt request: %w", err)
	}
	req.Header.Set("User-Agent", b.userAgent)

	resp, err := client.Do(req)
	if err != nil {
		// Network failure for a bootstrap probe degrades to "no rules"
		// rather than failing the whole crawl.
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		return fmt.Errorf("bootstrap: read robots.txt: %w", err)
	}

	groups, sitemaps := parseRobotsTxt(string(body))
	result.RobotsFound = true
	result.RobotsRaw = body
	result.Rules = resolveRuleSet(host, groups, sitemaps, b.userAgent)

	for _, sm := range result.Rules.Sitemaps() {
		links, docs, err := fetchSitemap(client, sm)
		if err != nil {
			continue
		}
		result.SitemapLinks = append(result.SitemapLinks, links...)
		result.SitemapDocs = append(result.SitemapDocs, docs...)
	}

	return nil
}
