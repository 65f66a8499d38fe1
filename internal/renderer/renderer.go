// Package renderer implements the §4.7 render-worker main loop, symmetric to
// internal/fetcher: drain the render queue, acquire a headless-browser
// session scoped to the link's proxy kind, drive it, save the rendered DOM
// plus a screenshot, extract links, and feed the fetch queue.
package renderer

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/rohmanhakim/darc-crawler/internal/archive"
	"github.com/rohmanhakim/darc-crawler/internal/link"
	"github.com/rohmanhakim/darc-crawler/internal/linkextract"
	"github.com/rohmanhakim/darc-crawler/internal/metrics"
	"github.com/rohmanhakim/darc-crawler/internal/queue"
	"github.com/rohmanhakim/darc-crawler/internal/sitehook"
	"github.com/rohmanhakim/darc-crawler/pkg/failure"
	"github.com/rohmanhakim/darc-crawler/pkg/retry"
)

// emptyDocumentHTML is the sentinel darc treats as "the driver produced no
// content": a page source that never got past the bare document skeleton.
const emptyDocumentHTML = "<html><head></head><body></body></html>"

// Driver drives a single render of url and returns the resulting page
// source and, if captured, a screenshot. Implementations are scoped to one
// proxy kind; a chromedp-backed Driver lives in chromedriver.go.
type Driver interface {
	Render(ctx context.Context, url string) (html string, screenshot []byte, err error)
	Close() error
}

// DriverResolver resolves a Driver for a Link's proxy kind, mirroring
// fetcher.ClientResolver for the render path.
type DriverResolver interface {
	Driver(kind link.Proxy) (Driver, error)
}

// TorRenewer requests a fresh Tor circuit, satisfied by
// internal/proxysupervisor.Supervisor. A nil TorRenewer skips the renewal
// step, which is correct for a run with no Tor proxy configured.
type TorRenewer interface {
	NewIdentity(ctx context.Context) error
}

// Options configures a Worker, mirroring the subset of internal/config.Config
// the render loop consults directly.
type Options struct {
	DataRoot       string
	TimeCache      time.Duration
	MaxPool        int
	EmptyQueueWait time.Duration
	Reboot         bool
	RetryParam     retry.RetryParam
}

// Worker runs the render-queue main loop against one Queue Store.
type Worker struct {
	opts      Options
	store     queue.Store
	drivers   DriverResolver
	filters   sitehook.Filters
	dispatch  *sitehook.Dispatcher
	writer    *archive.Writer
	submitter *archive.Submitter
	tor       TorRenewer
	log       *slog.Logger
}

func NewWorker(
	opts Options,
	store queue.Store,
	drivers DriverResolver,
	filters sitehook.Filters,
	dispatch *sitehook.Dispatcher,
	writer *archive.Writer,
	submitter *archive.Submitter,
	tor TorRenewer,
	log *slog.Logger,
) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		opts: opts, store: store, drivers: drivers,
		filters: filters, dispatch: dispatch,
		writer: writer, submitter: submitter, tor: tor, log: log,
	}
}

// Run executes the render loop until ctx is cancelled or, when opts.Reboot
// is set, after one round with no remaining queue contention.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		pool, err := w.store.LoadSelenium(ctx, time.Now(), w.opts.MaxPool, w.opts.TimeCache)
		if err != nil {
			w.log.Error("load selenium queue failed", "error", err)
			return err
		}

		metrics.QueueDepth.WithLabelValues("selenium").Set(float64(len(pool)))

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

// renewTorIdentity requests a fresh Tor circuit between rounds, per §4.7's
// loop continuation (identical to §4.6 step 4). A nil TorRenewer is a no-op.
func (w *Worker) renewTorIdentity(ctx context.Context) {
	if w.tor == nil {
		return
	}
	if err := w.tor.NewIdentity(ctx); err != nil {
		w.log.Warn("tor identity renewal failed", "error", err)
	}
}

// processOne implements §4.7 step 2 for a single link.
func (w *Worker) processOne(ctx context.Context, l link.Link) {
	if !w.filters.AllowProxy(l.Proxy()) || !w.filters.AllowLink(l.URL()) {
		w.log.Debug("render link filtered", "url", l.URL())
		return
	}

	if w.dispatch.Terminal(l) {
		return
	}

	now := time.Now()

	if body, ok := w.writer.CachedRenderedHTML(l, now, w.opts.TimeCache); ok {
		w.log.Debug("render cache hit", "url", l.URL())
		w.extractAndEnqueue(ctx, l, body)
		return
	}

	driver, err := w.drivers.Driver(l.Proxy())
	if err != nil {
		w.log.Warn("no driver for proxy kind", "proxy", l.Proxy(), "error", err)
		return
	}
	defer driver.Close()

	html, screenshot, renderErr := w.renderWithRetry(ctx, driver, l)
	if renderErr != nil {
		if renderErr.IsRetryable() {
			metrics.RenderTotal.WithLabelValues("transient_failure").Inc()
			_ = w.store.SaveSelenium(ctx, []link.Link{l}, queue.SaveOptions{})
		} else {
			metrics.RenderTotal.WithLabelValues("permanent_failure").Inc()
		}
		return
	}

	if isEmptyDocument(html) {
		metrics.RenderTotal.WithLabelValues("empty_document").Inc()
		_ = w.store.SaveSelenium(ctx, []link.Link{l}, queue.SaveOptions{})
		return
	}
	metrics.RenderTotal.WithLabelValues("success").Inc()

	body := []byte(html)
	w.archiveResult(ctx, l, now, body, screenshot)
	w.extractAndEnqueue(ctx, l, body)
}

func (w *Worker) renderWithRetry(ctx context.Context, driver Driver, l link.Link) (string, []byte, *RenderError) {
	type renderResult struct {
		html       string
		screenshot []byte
	}
	task := func() (renderResult, failure.ClassifiedError) {
		res, err := w.dispatch.Render(ctx, driver, l)
		if err != nil {
			if errors.Is(err, sitehook.ErrFiltered) {
				return renderResult{}, &RenderError{Message: err.Error(), Retryable: false, Cause: ErrCauseDriverUnavailable}
			}
			if errors.Is(err, sitehook.ErrLinkNoReturn) {
				return renderResult{}, &RenderError{Message: err.Error(), Retryable: false, Cause: ErrCauseNavigationFailed}
			}
			var renderErr *sitehook.RenderError
			if errors.As(err, &renderErr) {
				return renderResult{}, &RenderError{Message: renderErr.Message, Retryable: renderErr.Retryable, Cause: RenderErrorCause(renderErr.Cause)}
			}
			return renderResult{}, &RenderError{Message: err.Error(), Retryable: true, Cause: ErrCauseNavigationFailed}
		}
		return renderResult{html: res.HTML, screenshot: res.Screenshot}, nil
	}
	res := retry.Retry(w.opts.RetryParam, task)
	if res.IsFailure() {
		var renderErr *RenderError
		if errors.As(res.Err(), &renderErr) {
			return "", nil, renderErr
		}
		return "", nil, &RenderError{Message: res.Err().Error(), Retryable: true, Cause: ErrCauseNavigationFailed}
	}
	return res.Value().html, res.Value().screenshot, nil
}

func (w *Worker) archiveResult(ctx context.Context, l link.Link, ts time.Time, body []byte, screenshot []byte) {
	docPath, _ := w.writer.WriteRenderedHTML(l, ts, body)
	_ = w.writer.AppendLinkCSV(l)

	var screenshotPath string
	if len(screenshot) > 0 {
		screenshotPath, _ = w.writer.WriteScreenshot(l, ts, screenshot)
	}

	if w.submitter != nil {
		rec := archive.SeleniumSubmission{
			Timestamp: ts,
			URL:       l.URL(),
			Document:  archive.NewDocumentRef(docPath, body),
		}
		if screenshotPath != "" {
			ref := archive.NewDocumentRef(screenshotPath, screenshot)
			rec.Screenshot = &ref
		}
		_ = w.submitter.SubmitSelenium(ctx, string(l.Proxy()), l.Host(), rec)
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

func isEmptyDocument(html string) bool {
	trimmed := strings.TrimSpace(html)
	return trimmed == "" || strings.EqualFold(trimmed, emptyDocumentHTML)
}
