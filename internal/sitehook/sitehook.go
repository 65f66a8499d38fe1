// Package sitehook implements the per-link filtering and dispatch stage that
// runs immediately before a fetch/render worker would otherwise do network
// I/O, mirroring sites/__init__.py's dispatch table, sites/_abc.py's
// BaseSite.crawler/loader pair, and parse.py's match_proxy/match_host/
// match_mime gates.
package sitehook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/rohmanhakim/darc-crawler/internal/link"
	"github.com/rohmanhakim/darc-crawler/pkg/failure"
)

// ErrLinkNoReturn is a sentinel signalling that a link was handled entirely
// by its site hook (e.g. a mailto:/magnet: sink) and must not be queued for
// fetch or render. It is not a failure.
var ErrLinkNoReturn = errors.New("sitehook: link has no fetch/render return")

// ErrWorkerBreak is a sentinel a site hook can return to ask the worker loop
// to stop pulling new work and unwind cleanly, e.g. after detecting a
// platform-specific rate-limit page that no retry will get past.
var ErrWorkerBreak = errors.New("sitehook: worker requested to break")

// ErrFiltered is returned by Dispatch when a link is rejected by the proxy,
// host or MIME allow/deny lists rather than by a site hook.
var ErrFiltered = errors.New("sitehook: link rejected by filter")

// Filters holds the §4.5 allow/deny configuration. An empty white list means
// "no restriction"; Fallback controls whether an unmatched link is allowed
// (true) or rejected (false) when only a black list is configured.
type Filters struct {
	LinkWhiteList  []*regexp.Regexp
	LinkBlackList  []*regexp.Regexp
	LinkFallback   bool
	MimeWhiteList  []string
	MimeBlackList  []string
	MimeFallback   bool
	ProxyWhiteList map[link.Proxy]struct{}
	ProxyBlackList map[link.Proxy]struct{}
	ProxyFallback  bool
}

// CompileFilters builds a Filters from the raw string patterns/lists the CLI
// and environment variables carry (LINK_WHITE_LIST etc., SPEC_FULL.md §6).
func CompileFilters(linkWhite, linkBlack []string, linkFallback bool, mimeWhite, mimeBlack []string, mimeFallback bool, proxyWhite, proxyBlack []string, proxyFallback bool) (Filters, error) {
	f := Filters{
		LinkFallback:   linkFallback,
		MimeWhiteList:  mimeWhite,
		MimeBlackList:  mimeBlack,
		MimeFallback:   mimeFallback,
		ProxyWhiteList: toProxySet(proxyWhite),
		ProxyBlackList: toProxySet(proxyBlack),
		ProxyFallback:  proxyFallback,
	}
	var err error
	if f.LinkWhiteList, err = compileAll(linkWhite); err != nil {
		return Filters{}, err
	}
	if f.LinkBlackList, err = compileAll(linkBlack); err != nil {
		return Filters{}, err
	}
	return f, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func toProxySet(kinds []string) map[link.Proxy]struct{} {
	set := make(map[link.Proxy]struct{}, len(kinds))
	for _, k := range kinds {
		set[link.Proxy(k)] = struct{}{}
	}
	return set
}

// AllowLink applies the link white/black list + fallback rule to a URL.
func (f Filters) AllowLink(rawURL string) bool {
	return matchAllowDeny(rawURL, f.LinkWhiteList, f.LinkBlackList, f.LinkFallback, matchRegex)
}

// AllowProxy applies the proxy white/black list + fallback rule to a Proxy kind.
func (f Filters) AllowProxy(kind link.Proxy) bool {
	_, whited := f.ProxyWhiteList[kind]
	_, blacked := f.ProxyBlackList[kind]
	return decide(len(f.ProxyWhiteList) > 0, whited, len(f.ProxyBlackList) > 0, blacked, f.ProxyFallback)
}

// AllowMime applies the MIME white/black list + fallback rule to a
// Content-Type value, matching on prefix since Content-Type headers carry
// parameters (e.g. "text/html; charset=utf-8").
func (f Filters) AllowMime(contentType string) bool {
	return matchAllowDeny(contentType, stringsToRegexPrefixes(f.MimeWhiteList), stringsToRegexPrefixes(f.MimeBlackList), f.MimeFallback, matchRegex)
}

func stringsToRegexPrefixes(prefixes []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(prefixes))
	for _, p := range prefixes {
		out = append(out, regexp.MustCompile("^"+regexp.QuoteMeta(p)))
	}
	return out
}

func matchRegex(value string, re *regexp.Regexp) bool { return re.MatchString(value) }

func matchAllowDeny(value string, white []*regexp.Regexp, black []*regexp.Regexp, fallback bool, match func(string, *regexp.Regexp) bool) bool {
	whited := anyMatch(value, white, match)
	blacked := anyMatch(value, black, match)
	return decide(len(white) > 0, whited, len(black) > 0, blacked, fallback)
}

func anyMatch(value string, patterns []*regexp.Regexp, match func(string, *regexp.Regexp) bool) bool {
	for _, p := range patterns {
		if match(value, p) {
			return true
		}
	}
	return false
}

// decide implements the shared white/black/fallback precedence used by all
// three filter dimensions: an explicit white-list match always allows: an
// explicit black-list match always denies (unless also white-listed); a value
// missing from a configured white list is denied; otherwise fallback decides.
func decide(hasWhite bool, whited bool, hasBlack bool, blacked bool, fallback bool) bool {
	if hasWhite && whited {
		return true
	}
	if hasBlack && blacked {
		return false
	}
	if hasWhite && !whited {
		return false
	}
	return fallback
}

// FetchResult is the result of a Site's Crawl: the raw body plus the
// response metadata the fetch worker archives.
type FetchResult struct {
	Body        []byte
	StatusCode  int
	ContentType string
	Headers     map[string]string
}

// RenderResult is the result of a Site's Render: the rendered DOM plus,
// when captured, a screenshot.
type RenderResult struct {
	HTML       string
	Screenshot []byte
}

// RenderDriver drives a single headless render of url, satisfied by
// internal/renderer.Driver.
type RenderDriver interface {
	Render(ctx context.Context, url string) (html string, screenshot []byte, err error)
}

// Site is a per-host or per-scheme hook that can crawl or render a link
// itself instead of letting the DefaultSite do it, mirroring sites/_abc.py's
// BaseSite.crawler/loader pair.
type Site interface {
	// Match reports whether this Site claims l. Only consulted for the
	// built-in scheme sentinels; host-registered overrides are matched
	// directly by Registry.Register and need not rely on Match.
	Match(l link.Link) bool
	// Crawl performs (or short-circuits) the HTTP fetch for l. Returning
	// ErrLinkNoReturn tells the dispatcher the link is fully handled and
	// must not be archived or queued for render.
	Crawl(ctx context.Context, client *http.Client, l link.Link) (FetchResult, error)
	// Render performs (or short-circuits) the headless render for l. Same
	// ErrLinkNoReturn contract as Crawl.
	Render(ctx context.Context, driver RenderDriver, l link.Link) (RenderResult, error)
}

// Registry is a host(case-insensitive)->Site map, read-only after warm-up
// apart from Register, with an ordered scheme-sentinel list and a
// DefaultSite fallback, mirroring sites/__init__.py's dispatch table.
type Registry struct {
	mu        sync.RWMutex
	hosts     map[string]Site
	sentinels []Site
	fallback  Site
}

// NewRegistry builds a Registry backed by fallback (the DefaultSite) and an
// ordered list of scheme sentinels, first-match winning among the sentinels.
func NewRegistry(fallback Site, sentinels ...Site) *Registry {
	return &Registry{hosts: make(map[string]Site), sentinels: sentinels, fallback: fallback}
}

// Register installs site as the override for each of hosts (case-insensitive
// exact match), taking priority over the scheme sentinels and the
// DefaultSite. Safe for concurrent use; intended to be called during
// warm-up before workers start.
func (r *Registry) Register(site Site, hosts ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range hosts {
		r.hosts[strings.ToLower(h)] = site
	}
}

// lookupSentinel returns the host override or scheme sentinel claiming l, if
// any, without falling back to the DefaultSite.
func (r *Registry) lookupSentinel(l link.Link) (Site, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if site, ok := r.hosts[strings.ToLower(l.Host())]; ok {
		return site, true
	}
	for _, s := range r.sentinels {
		if s.Match(l) {
			return s, true
		}
	}
	return nil, false
}

// resolve returns the Site that should handle l: an exact host override,
// else a matching scheme sentinel, else the DefaultSite.
func (r *Registry) resolve(l link.Link) Site {
	if site, ok := r.lookupSentinel(l); ok {
		return site
	}
	return r.fallback
}

// Dispatcher applies the §4.5 filters, then resolves and invokes the Site
// registered for a link's host.
type Dispatcher struct {
	filters  Filters
	registry *Registry
}

// NewDispatcher builds a Dispatcher over filters and registry.
func NewDispatcher(filters Filters, registry *Registry) *Dispatcher {
	return &Dispatcher{filters: filters, registry: registry}
}

func (d *Dispatcher) allow(l link.Link) error {
	if !d.filters.AllowProxy(l.Proxy()) {
		return ErrFiltered
	}
	if !d.filters.AllowLink(l.URL()) {
		return ErrFiltered
	}
	return nil
}

// Terminal reports whether l is claimed by a host override or scheme
// sentinel, without touching a client or driver. Address-only schemes
// (mailto:, bitcoin:, ...) have no real host to bootstrap or check robots
// for, so a worker uses this to skip that pipeline entirely rather than
// running it against a sentinel placeholder host.
func (d *Dispatcher) Terminal(l link.Link) bool {
	_, ok := d.registry.lookupSentinel(l)
	return ok
}

// Crawl applies the §4.5 filters, then resolves l's Site and calls its
// Crawl.
func (d *Dispatcher) Crawl(ctx context.Context, client *http.Client, l link.Link) (FetchResult, error) {
	if err := d.allow(l); err != nil {
		return FetchResult{}, err
	}
	return d.registry.resolve(l).Crawl(ctx, client, l)
}

// Render applies the §4.5 filters, then resolves l's Site and calls its
// Render.
func (d *Dispatcher) Render(ctx context.Context, driver RenderDriver, l link.Link) (RenderResult, error) {
	if err := d.allow(l); err != nil {
		return RenderResult{}, err
	}
	return d.registry.resolve(l).Render(ctx, driver, l)
}

// sentinelSite claims links whose scheme matches one of a fixed set and
// always returns ErrLinkNoReturn from both Crawl and Render, the Go
// rendition of darc's mail/bitcoin/ethereum/ed2k/magnet/tel/irc/ws/script
// no-op sinks: there is nothing to fetch or render, only a URL to record.
type sentinelSite struct {
	schemes map[string]struct{}
}

// NewSentinelSite builds a Site that matches any of the given URL schemes
// and terminates the link immediately without fetching or rendering it.
func NewSentinelSite(schemes ...string) Site {
	set := make(map[string]struct{}, len(schemes))
	for _, s := range schemes {
		set[strings.ToLower(s)] = struct{}{}
	}
	return &sentinelSite{schemes: set}
}

func (s *sentinelSite) Match(l link.Link) bool {
	_, ok := s.schemes[l.Scheme()]
	return ok
}

func (s *sentinelSite) Crawl(context.Context, *http.Client, link.Link) (FetchResult, error) {
	return FetchResult{}, ErrLinkNoReturn
}

func (s *sentinelSite) Render(context.Context, RenderDriver, link.Link) (RenderResult, error) {
	return RenderResult{}, ErrLinkNoReturn
}

// DefaultSites returns the sentinel sites for every scheme darc treats as a
// no-fetch sink: data URIs, inline scripts, and the address-only protocols.
func DefaultSites() []Site {
	return []Site{
		NewSentinelSite("data", "javascript", "bitcoin", "btc", "ethereum", "eth",
			"ed2k", "magnet", "mailto", "tel", "irc", "ws", "wss"),
	}
}

// CrawlErrorCause is a closed taxonomy of the DefaultSite's Crawl failure
// modes.
type CrawlErrorCause string

const (
	ErrCauseNetworkFailure        CrawlErrorCause = "network issues"
	ErrCauseReadResponseBodyError CrawlErrorCause = "failed to read response body"
	ErrCauseRequestForbidden      CrawlErrorCause = "forbidden"
	ErrCauseRequestTooMany        CrawlErrorCause = "too many requests"
	ErrCauseRequest5xx            CrawlErrorCause = "5xx"
)

// CrawlError is returned by the DefaultSite's Crawl.
type CrawlError struct {
	Message   string
	Retryable bool
	Cause     CrawlErrorCause
}

func (e *CrawlError) Error() string {
	return fmt.Sprintf("sitehook: crawl: %s: %s", e.Cause, e.Message)
}

func (e *CrawlError) Severity() failure.Severity {
	if e.Retryable {
		return failure.SeverityRecoverable
	}
	return failure.SeverityFatal
}

func (e *CrawlError) IsRetryable() bool {
	return e.Retryable
}

// RenderErrorCause mirrors CrawlErrorCause for the DefaultSite's Render path.
type RenderErrorCause string

// ErrCauseNavigationFailed is the only cause the DefaultSite's Render
// currently reports; a headless driver's own cause taxonomy (empty
// document, driver unavailable) lives in internal/renderer instead, since
// those failures are detected after Render returns, not by the Site itself.
const ErrCauseNavigationFailed RenderErrorCause = "navigation failed"

// RenderError is returned by the DefaultSite's Render.
type RenderError struct {
	Message   string
	Retryable bool
	Cause     RenderErrorCause
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("sitehook: render: %s: %s", e.Cause, e.Message)
}

func (e *RenderError) Severity() failure.Severity {
	if e.Retryable {
		return failure.SeverityRecoverable
	}
	return failure.SeverityFatal
}

func (e *RenderError) IsRetryable() bool {
	return e.Retryable
}

// defaultSite is the DefaultSite fallback used when no host override or
// scheme sentinel claims a link: a plain HTTP GET for Crawl (the caller
// supplies a proxy-scoped client), and a headless render via the
// caller-supplied driver for Render.
type defaultSite struct {
	userAgent string
}

// NewDefaultSite builds the DefaultSite fallback Site, grounded on
// crawl.py's inline requests.get call and loader.py's driver.get(url).
func NewDefaultSite(userAgent string) Site {
	return &defaultSite{userAgent: userAgent}
}

func (s *defaultSite) Match(link.Link) bool { return true }

func (s *defaultSite) Crawl(ctx context.Context, client *http.Client, l link.Link) (FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.URL(), nil)
	if err != nil {
		return FetchResult{}, &CrawlError{Message: err.Error(), Retryable: false, Cause: ErrCauseNetworkFailure}
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return FetchResult{}, &CrawlError{Message: err.Error(), Retryable: true, Cause: ErrCauseNetworkFailure}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return FetchResult{}, &CrawlError{Message: fmt.Sprintf("server error %d", resp.StatusCode), Retryable: true, Cause: ErrCauseRequest5xx}
	case resp.StatusCode == 429:
		return FetchResult{}, &CrawlError{Message: "rate limited", Retryable: true, Cause: ErrCauseRequestTooMany}
	case resp.StatusCode == 403:
		return FetchResult{}, &CrawlError{Message: "forbidden", Retryable: false, Cause: ErrCauseRequestForbidden}
	case resp.StatusCode >= 400:
		return FetchResult{}, &CrawlError{Message: fmt.Sprintf("client error %d", resp.StatusCode), Retryable: false, Cause: ErrCauseRequestForbidden}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return FetchResult{}, &CrawlError{Message: err.Error(), Retryable: true, Cause: ErrCauseReadResponseBodyError}
	}

	headers := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	return FetchResult{
		Body:        body,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Headers:     headers,
	}, nil
}

func (s *defaultSite) Render(ctx context.Context, driver RenderDriver, l link.Link) (RenderResult, error) {
	html, screenshot, err := driver.Render(ctx, l.URL())
	if err != nil {
		return RenderResult{}, &RenderError{Message: err.Error(), Retryable: true, Cause: ErrCauseNavigationFailed}
	}
	return RenderResult{HTML: html, Screenshot: screenshot}, nil
}

var (
	_ Site = (*sentinelSite)(nil)
	_ Site = (*defaultSite)(nil)
)
