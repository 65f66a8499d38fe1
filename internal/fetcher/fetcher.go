// Package fetcher implements the §4.6 fetch-worker main loop: drain the
// request queue, bootstrap unseen hosts, honor robots.txt, fetch through the
// link's proxy kind, archive the result, extract links, and re-enqueue.
// It generalizes the teacher's HtmlFetcher (retry-wrapped HTTP GET with a
// closed FetchError cause taxonomy) from an HTML-only pipeline coupled to
// internal/metadata into a MIME-agnostic one gated by sitehook.Filters and
// observed through internal/metrics.
package fetcher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rohmanhakim/darc-crawler/internal/archive"
	"github.com/rohmanhakim/darc-crawler/internal/bootstrap"
	"github.com/rohmanhakim/darc-crawler/internal/link"
	"github.com/rohmanhakim/darc-crawler/internal/linkextract"
	"github.com/rohmanhakim/darc-crawler/internal/metrics"
	"github.com/rohmanhakim/darc-crawler/internal/queue"
	"github.com/rohmanhakim/darc-crawler/internal/sitehook"
	"github.com/rohmanhakim/darc-crawler/pkg/failure"
	"github.com/rohmanhakim/darc-crawler/pkg/limiter"
	"github.com/rohmanhakim/darc-crawler/pkg/retry"
)

// ClientResolver resolves an *http.Client scoped to a Link's proxy kind.
// internal/proxyregistry.Registry satisfies this.
type ClientResolver interface {
	Client(kind link.Proxy) (*http.Client, error)
}

// HostBootstrapper performs the §4.8 robots/sitemap walk for a host.
// internal/bootstrap.Bootstrapper satisfies this.
type HostBootstrapper interface {
	Bootstrap(ctx context.Context, client *http.Client, scheme string, host string) (bootstrap.Result, error)
}

// Options configures a Worker, mirroring the subset of internal/config.Config
// the fetch loop consults directly.
type Options struct {
	DataRoot       string
	UserAgent      string
	Force          bool
	TimeCache      time.Duration
	MaxPool        int
	EmptyQueueWait time.Duration
	Reboot         bool
	RetryParam     retry.RetryParam
}

// TorRenewer requests a fresh Tor circuit, satisfied by
// internal/proxysupervisor.Supervisor. A Worker with a nil TorRenewer simply
// skips the renewal step, which is the correct behavior for a run with no
// Tor proxy configured.
type TorRenewer interface {
	NewIdentity(ctx context.Context) error
}

// Worker runs the fetch-queue main loop against one Queue Store.
type Worker struct {
	opts      Options
	store     queue.Store
	clients   ClientResolver
	bootstrap HostBootstrapper
	filters   sitehook.Filters
	dispatch  *sitehook.Dispatcher
	writer    *archive.Writer
	submitter *archive.Submitter
	pacer     limiter.RateLimiter
	tor       TorRenewer
	log       *slog.Logger

	robotsMu sync.RWMutex
	robots   map[string]bootstrap.Result
}

func NewWorker(
	opts Options,
	store queue.Store,
	clients ClientResolver,
	bootstrapper HostBootstrapper,
	filters sitehook.Filters,
	dispatch *sitehook.Dispatcher,
	writer *archive.Writer,
	submitter *archive.Submitter,
	pacer limiter.RateLimiter,
	tor TorRenewer,
	log *slog.Logger,
) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		opts:      opts,
		store:     store,
		clients:   clients,
		bootstrap: bootstrapper,
		filters:   filters,
		dispatch:  dispatch,
		writer:    writer,
		submitter: submitter,
		pacer:     pacer,
		tor:       tor,
		log:       log,
		robots:    make(map[string]bootstrap.Result),
	}
}

// Run executes the worker loop until ctx is cancelled or, when
// opts.Reboot is set, after one round with no remaining queue contention.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		pool, err := w.store.LoadRequests(ctx, time.Now(), w.opts.MaxPool, w.opts.TimeCache)
		if err != nil {
			w.log.Error("load requests failed", "error", err)
			return err
		}

		metrics.QueueDepth.WithLabelValues("requests").Set(float64(len(pool)))

		if len(pool) == 0 {
			if w.opts.Reboot {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.opts.EmptyQueueWait):
			}
			continue
		}

		for _, entry := range pool {
			w.processOne(ctx, entry.Link)
		}

		if w.opts.Reboot {
			return nil
		}
		w.renewTorIdentity(ctx)
	}
}

// renewTorIdentity requests a fresh Tor circuit between rounds, per §4.6 step
// 4. A nil TorRenewer (no Tor proxy configured for this run) is a no-op.
func (w *Worker) renewTorIdentity(ctx context.Context) {
	if w.tor == nil {
		return
	}
	if err := w.tor.NewIdentity(ctx); err != nil {
		w.log.Warn("tor identity renewal failed", "error", err)
	}
}

// processOne implements §4.6 steps 2a-2j for a single link.
func (w *Worker) processOne(ctx context.Context, l link.Link) {
	if !w.filters.AllowProxy(l.Proxy()) || !w.filters.AllowLink(l.URL()) {
		w.log.Debug("link filtered", "url", l.URL())
		return
	}

	if w.dispatch.Terminal(l) {
		_ = w.writer.AppendMisc(l)
		_ = w.writer.AppendLinkCSV(l)
		metrics.FetchTotal.WithLabelValues("no_return").Inc()
		return
	}

	now := time.Now()

	if body, ok := w.writer.CachedRawHTML(l, now, w.opts.TimeCache); ok {
		w.log.Debug("cache hit", "url", l.URL())
		w.extractAndEnqueue(ctx, l, body)
		return
	}

	if w.pacer != nil {
		if delay := w.pacer.ResolveDelay(l.Host()); delay > 0 {
			time.Sleep(delay)
		}
	}

	known, _, err := w.store.HaveHostname(ctx, l.Host(), now, w.opts.TimeCache)
	if err != nil {
		w.log.Error("hostname check failed", "host", l.Host(), "error", err)
		return
	}
	client, err := w.clients.Client(l.Proxy())
	if err != nil {
		w.log.Warn("no client for proxy kind", "proxy", l.Proxy(), "error", err)
		return
	}
	if !known {
		w.bootstrapHost(ctx, client, l)
	}

	if !w.opts.Force && w.isDisallowed(l) {
		metrics.FetchTotal.WithLabelValues("robots_disallowed").Inc()
		return
	}

	result, fetchErr := w.fetchWithRetry(ctx, client, l)
	if w.pacer != nil {
		w.pacer.MarkLastFetchAsNow(l.Host())
	}
	if fetchErr != nil {
		if fetchErr.IsRetryable() {
			metrics.FetchTotal.WithLabelValues("transient_failure").Inc()
			_ = w.store.SaveRequests(ctx, []link.Link{l}, queue.SaveOptions{})
		} else {
			metrics.FetchTotal.WithLabelValues("permanent_failure").Inc()
		}
		return
	}
	metrics.FetchTotal.WithLabelValues("success").Inc()

	w.archiveResult(ctx, l, now, result)
	w.extractAndEnqueue(ctx, l, result.body)

	if isHTML(result.contentType) {
		_ = w.store.SaveSelenium(ctx, []link.Link{l}, queue.SaveOptions{NX: true})
	}
}

func (w *Worker) isDisallowed(l link.Link) bool {
	w.robotsMu.RLock()
	res, ok := w.robots[l.Host()]
	w.robotsMu.RUnlock()
	if !ok {
		return false
	}
	return res.Disallowed(l.Path())
}

func (w *Worker) bootstrapHost(ctx context.Context, client *http.Client, l link.Link) {
	res, err := w.bootstrap.Bootstrap(ctx, client, l.Scheme(), l.Host())
	if err != nil {
		metrics.BootstrapTotal.WithLabelValues("error").Inc()
		w.log.Warn("host bootstrap failed", "host", l.Host(), "error", err)
		return
	}
	metrics.BootstrapTotal.WithLabelValues("ok").Inc()

	w.robotsMu.Lock()
	w.robots[l.Host()] = res
	w.robotsMu.Unlock()

	w.archiveBootstrap(ctx, l, res)

	for _, sitemapURL := range res.SitemapLinks {
		sitemapLink := link.Classify(w.opts.DataRoot, sitemapURL, &l)
		_ = w.store.SaveRequests(ctx, []link.Link{sitemapLink}, queue.SaveOptions{NX: true})
	}

	for _, i2pHost := range res.I2PLinks {
		i2pLink := link.Classify(w.opts.DataRoot, "http://"+i2pHost, &l)
		_ = w.store.SaveRequests(ctx, []link.Link{i2pLink}, queue.SaveOptions{NX: true})
	}
}

// archiveBootstrap persists §4.8's robots.txt/sitemap/hosts.txt artifacts
// under the host's base directory and, when the worker has a submitter,
// emits a new_host submission record carrying their base64 bodies.
func (w *Worker) archiveBootstrap(ctx context.Context, l link.Link, res bootstrap.Result) {
	base := l.Base()

	if res.RobotsFound {
		if _, err := w.writer.WriteRobots(base, res.RobotsRaw); err != nil {
			w.log.Warn("write robots.txt failed", "host", l.Host(), "error", err)
		}
	}
	for _, doc := range res.SitemapDocs {
		if _, err := w.writer.WriteSitemap(base, doc.Name, doc.Raw); err != nil {
			w.log.Warn("write sitemap failed", "host", l.Host(), "error", err)
		}
	}
	if res.HostsRaw != nil {
		if _, err := w.writer.WriteHostsTxt(base, res.HostsRaw); err != nil {
			w.log.Warn("write hosts.txt failed", "host", l.Host(), "error", err)
		}
	}

	if w.submitter == nil {
		return
	}

	rec := archive.NewHostSubmission{
		Partial:   !res.RobotsFound,
		Force:     w.opts.Force,
		Timestamp: time.Now(),
		URL:       l.URL(),
	}
	if res.RobotsFound {
		rec.Robots = base64.StdEncoding.EncodeToString(res.RobotsRaw)
	}
	for _, doc := range res.SitemapDocs {
		rec.Sitemaps = append(rec.Sitemaps, base64.StdEncoding.EncodeToString(doc.Raw))
	}
	if res.HostsRaw != nil {
		rec.Hosts = base64.StdEncoding.EncodeToString(res.HostsRaw)
	}
	_ = w.submitter.SubmitNewHost(ctx, string(l.Proxy()), l.Host(), rec)
}

type fetchResult struct {
	body        []byte
	statusCode  int
	contentType string
	headers     map[string]string
}

func (w *Worker) fetchWithRetry(ctx context.Context, client *http.Client, l link.Link) (fetchResult, *FetchError) {
	task := func() (fetchResult, failure.ClassifiedError) {
		return w.performFetch(ctx, client, l)
	}
	res := retry.Retry(w.opts.RetryParam, task)
	if res.IsFailure() {
		var fetchErr *FetchError
		if errors.As(res.Err(), &fetchErr) {
			return fetchResult{}, fetchErr
		}
		return fetchResult{}, &FetchError{Message: res.Err().Error(), Retryable: true, Cause: ErrCauseNetworkFailure}
	}
	return res.Value(), nil
}

// performFetch delegates the actual request to the site hook dispatcher,
// which resolves l to either a registered override, a scheme sentinel, or
// the DefaultSite's plain HTTP GET, and translates whatever it returns into
// this package's own FetchError taxonomy for the retry/archival logic below.
func (w *Worker) performFetch(ctx context.Context, client *http.Client, l link.Link) (fetchResult, failure.ClassifiedError) {
	res, err := w.dispatch.Crawl(ctx, client, l)
	if err != nil {
		if errors.Is(err, sitehook.ErrFiltered) {
			return fetchResult{}, &FetchError{Message: err.Error(), Retryable: false, Cause: ErrCauseRequestPageForbidden}
		}
		if errors.Is(err, sitehook.ErrLinkNoReturn) {
			return fetchResult{}, &FetchError{Message: err.Error(), Retryable: false, Cause: ErrCauseNetworkFailure}
		}
		var crawlErr *sitehook.CrawlError
		if errors.As(err, &crawlErr) {
			return fetchResult{}, &FetchError{Message: crawlErr.Message, Retryable: crawlErr.Retryable, Cause: FetchErrorCause(crawlErr.Cause)}
		}
		return fetchResult{}, &FetchError{Message: err.Error(), Retryable: true, Cause: ErrCauseNetworkFailure}
	}

	return fetchResult{
		body:        res.Body,
		statusCode:  res.StatusCode,
		contentType: res.ContentType,
		headers:     res.Headers,
	}, nil
}

func (w *Worker) archiveResult(ctx context.Context, l link.Link, ts time.Time, result fetchResult) {
	headerJSON := encodeHeaders(result)
	docPath, _ := w.writer.WriteHeaders(l, ts, headerJSON)
	_ = w.writer.AppendLinkCSV(l)

	if isHTML(result.contentType) {
		_, _ = w.writer.WriteRawHTML(l, ts, result.body)
	} else if w.filters.AllowMime(result.contentType) {
		_, _ = w.writer.WriteDat(l, ts, result.body)
	}

	if w.submitter != nil {
		rec := archive.RequestsSubmission{
			Timestamp:   ts,
			URL:         l.URL(),
			Method:      http.MethodGet,
			StatusCode:  result.statusCode,
			ContentType: result.contentType,
			Document:    archive.NewDocumentRef(docPath, result.body),
		}
		_ = w.submitter.SubmitRequests(ctx, string(l.Proxy()), l.Host(), rec)
	}
}

func (w *Worker) extractAndEnqueue(ctx context.Context, l link.Link, body []byte) {
	if len(body) == 0 {
		return
	}
	found := linkextract.Extract(w.opts.DataRoot, l.URL(), body, l)
	if len(found) == 0 {
		return
	}
	metrics.LinksExtracted.Add(float64(len(found)))
	_ = w.store.SaveRequests(ctx, found, queue.SaveOptions{NX: true})
}

func isHTML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

type headersRecord struct {
	StatusCode  int               `json:"status_code"`
	ContentType string            `json:"content_type"`
	Headers     map[string]string `json:"headers"`
}

func encodeHeaders(result fetchResult) []byte {
	data, err := json.Marshal(headersRecord{
		StatusCode:  result.statusCode,
		ContentType: result.contentType,
		Headers:     result.headers,
	})
	if err != nil {
		return []byte("{}")
	}
	return data
}
