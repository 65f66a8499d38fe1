// Package supervisor wires the Queue Store, Proxy Registry, proxy daemon
// lifecycle, site-hook dispatch, and the fetch/render workers into the one
// long-running process §4.10 describes: a single PID, a shared cancellation
// context instead of the reference design's process tree, and a goroutine
// pool sized by DARC_CPU.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rohmanhakim/darc-crawler/internal/archive"
	"github.com/rohmanhakim/darc-crawler/internal/bootstrap"
	"github.com/rohmanhakim/darc-crawler/internal/config"
	"github.com/rohmanhakim/darc-crawler/internal/fetcher"
	"github.com/rohmanhakim/darc-crawler/internal/link"
	"github.com/rohmanhakim/darc-crawler/internal/metrics"
	"github.com/rohmanhakim/darc-crawler/internal/proxyregistry"
	"github.com/rohmanhakim/darc-crawler/internal/proxysupervisor"
	"github.com/rohmanhakim/darc-crawler/internal/queue"
	"github.com/rohmanhakim/darc-crawler/internal/renderer"
	"github.com/rohmanhakim/darc-crawler/internal/sitehook"
	"github.com/rohmanhakim/darc-crawler/pkg/limiter"
	"github.com/rohmanhakim/darc-crawler/pkg/retry"
	"github.com/rohmanhakim/darc-crawler/pkg/timeutil"
)

const (
	defaultTorBinary      = "tor"
	defaultTorSOCKSPort   = 9050
	defaultTorControlPort = 9051
)

// Supervisor owns the worker pool and the proxy daemons it depends on. One
// Supervisor corresponds to one darc.pid.
type Supervisor struct {
	cfg  config.Config
	log  *slog.Logger
	seed []link.Link

	store    queue.Store
	registry *proxyregistry.Registry
	tor      *proxysupervisor.Supervisor

	fetchWorker  *fetcher.Worker
	renderWorker *renderer.Worker
}

// New builds a Supervisor from a resolved Config and Queue Store, seeding the
// fetch queue with cfg.SeedURLs() classified relative to dataRoot.
func New(cfg config.Config, store queue.Store, log *slog.Logger) (*Supervisor, error) {
	if log == nil {
		log = slog.Default()
	}

	filters, err := sitehook.CompileFilters(
		cfg.LinkWhiteList(), cfg.LinkBlackList(), cfg.LinkFallback(),
		cfg.MimeWhiteList(), cfg.MimeBlackList(), cfg.MimeFallback(),
		cfg.ProxyWhiteList(), cfg.ProxyBlackList(), cfg.ProxyFallback(),
	)
	if err != nil {
		return nil, fmt.Errorf("supervisor: compile filters: %w", err)
	}
	siteRegistry := sitehook.NewRegistry(sitehook.NewDefaultSite(cfg.UserAgent()), sitehook.DefaultSites()...)
	dispatch := sitehook.NewDispatcher(filters, siteRegistry)

	registry := proxyregistry.New(
		proxyregistry.WithTorSOCKS(fmt.Sprintf("127.0.0.1:%d", defaultTorSOCKSPort)),
	)
	tor := proxysupervisor.New(defaultTorBinary, defaultTorSOCKSPort, defaultTorControlPort, cfg.DataRoot())

	writer := archive.NewWriter(cfg.DataRoot())
	var submitter *archive.Submitter
	if cfg.APINewHost() != "" || cfg.APIRequests() != "" || cfg.APISelenium() != "" {
		submitter = archive.NewSubmitter(cfg.DataRoot(), &http.Client{Timeout: cfg.Timeout()}, cfg.APINewHost(), cfg.APIRequests(), cfg.APISelenium())
	}

	retryParam := retry.NewRetryParam(
		cfg.BackoffInitialDuration(), cfg.Jitter(), cfg.RandomSeed(), cfg.MaxAttempt(),
		timeutil.NewBackoffParam(cfg.BackoffInitialDuration(), cfg.BackoffMultiplier(), cfg.BackoffMaxDuration()),
	)

	pacer := limiter.NewConcurrentRateLimiter()
	pacer.SetBaseDelay(cfg.CrawlWait())
	pacer.SetJitter(cfg.Jitter())
	pacer.SetRandomSeed(cfg.RandomSeed())

	fetchWorker := fetcher.NewWorker(
		fetcher.Options{
			DataRoot: cfg.DataRoot(), UserAgent: cfg.UserAgent(), Force: cfg.Force(),
			TimeCache: cfg.TimeCache(), MaxPool: cfg.MaxPool(),
			EmptyQueueWait: cfg.CrawlWait(), Reboot: cfg.Reboot(), RetryParam: retryParam,
		},
		store, registry, bootstrap.NewBootstrapper(cfg.UserAgent()), filters, dispatch, writer, submitter, pacer, tor, log,
	)

	renderWorker := renderer.NewWorker(
		renderer.Options{
			DataRoot: cfg.DataRoot(), TimeCache: cfg.TimeCache(), MaxPool: cfg.MaxPool(),
			EmptyQueueWait: cfg.CrawlWait(), Reboot: cfg.Reboot(), RetryParam: retryParam,
		},
		store, renderer.NewChromeDriverResolver(cfg.SeleniumWait()), filters, dispatch, writer, submitter, tor, log,
	)

	seeds := make([]link.Link, 0, len(cfg.SeedURLs()))
	for _, u := range cfg.SeedURLs() {
		seeds = append(seeds, link.Classify(cfg.DataRoot(), u.String(), nil))
	}

	return &Supervisor{
		cfg: cfg, log: log, seed: seeds,
		store: store, registry: registry, tor: tor,
		fetchWorker: fetchWorker, renderWorker: renderWorker,
	}, nil
}

// Run executes §4.10: bootstrap proxy daemons, seed the fetch queue, spawn
// DARC_CPU workers, and block until ctx is cancelled or a shutdown signal
// arrives. It always removes the PID file before returning.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := archive.WritePID(s.cfg.DataRoot(), os.Getpid()); err != nil {
		return fmt.Errorf("supervisor: write pid file: %w", err)
	}
	defer archive.RemovePID(s.cfg.DataRoot())

	if err := s.tor.Start(ctx, s.cfg.BootstrapWait()); err != nil {
		s.log.Warn("tor daemon did not start; .onion links will fail", "error", err)
		metrics.ProxyBootstrapTotal.WithLabelValues("tor", "error").Inc()
	} else {
		metrics.ProxyBootstrapTotal.WithLabelValues("tor", "ok").Inc()
		defer s.tor.Stop()
	}

	if err := s.store.SaveRequests(ctx, s.seed, queue.SaveOptions{NX: true}); err != nil {
		return fmt.Errorf("supervisor: seed fetch queue: %w", err)
	}

	cpu := s.cfg.CPU()
	if cpu < 1 {
		cpu = 1
	}
	fetchWorkers := (cpu + 1) / 2
	renderWorkers := cpu - fetchWorkers
	if renderWorkers < 1 {
		renderWorkers = 1
	}

	var wg sync.WaitGroup
	metrics.WorkersActive.Set(float64(fetchWorkers + renderWorkers))

	for i := 0; i < fetchWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.fetchWorker.Run(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("fetch worker exited", "error", err)
			}
		}()
	}
	for i := 0; i < renderWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.renderWorker.Run(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("render worker exited", "error", err)
			}
		}()
	}

	wg.Wait()
	metrics.WorkersActive.Set(0)
	return nil
}
