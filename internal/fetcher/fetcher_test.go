package fetcher_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rohmanhakim/darc-crawler/internal/archive"
	"github.com/rohmanhakim/darc-crawler/internal/bootstrap"
	"github.com/rohmanhakim/darc-crawler/internal/fetcher"
	"github.com/rohmanhakim/darc-crawler/internal/link"
	"github.com/rohmanhakim/darc-crawler/internal/queue"
	"github.com/rohmanhakim/darc-crawler/internal/sitehook"
	"github.com/rohmanhakim/darc-crawler/pkg/retry"
	"github.com/rohmanhakim/darc-crawler/pkg/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu       sync.Mutex
	requests []queue.Entry
	selenium []queue.Entry
	known    map[string]bool
}

func newFakeStore(initial ...queue.Entry) *fakeStore {
	return &fakeStore{requests: initial, known: make(map[string]bool)}
}

func (s *fakeStore) HaveHostname(_ context.Context, host string, _ time.Time, _ time.Duration) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	known := s.known[host]
	s.known[host] = true
	return known, false, nil
}

func (s *fakeStore) SaveRequests(_ context.Context, links []link.Link, _ queue.SaveOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range links {
		s.requests = append(s.requests, queue.Entry{Link: l})
	}
	return nil
}

func (s *fakeStore) SaveSelenium(_ context.Context, links []link.Link, _ queue.SaveOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range links {
		s.selenium = append(s.selenium, queue.Entry{Link: l})
	}
	return nil
}

func (s *fakeStore) LoadRequests(_ context.Context, _ time.Time, maxPool int, _ time.Duration) ([]queue.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) > maxPool {
		out := s.requests[:maxPool]
		s.requests = s.requests[maxPool:]
		return out, nil
	}
	out := s.requests
	s.requests = nil
	return out, nil
}

func (s *fakeStore) LoadSelenium(_ context.Context, _ time.Time, maxPool int, _ time.Duration) ([]queue.Entry, error) {
	return nil, nil
}

func (s *fakeStore) DropRequests(context.Context, link.Link) error { return nil }
func (s *fakeStore) DropSelenium(context.Context, link.Link) error { return nil }

func (s *fakeStore) count() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests), len(s.selenium)
}

type fakeClientResolver struct {
	client *http.Client
}

func (f fakeClientResolver) Client(link.Proxy) (*http.Client, error) { return f.client, nil }

type fakeBootstrapper struct {
	calls  int
	result bootstrap.Result
}

func (f *fakeBootstrapper) Bootstrap(context.Context, *http.Client, string, string) (bootstrap.Result, error) {
	f.calls++
	return f.result, nil
}

func testRetryParam() retry.RetryParam {
	return retry.NewRetryParam(0, 0, 1, 2, timeutil.NewBackoffParam(0, 2, 0))
}

func newWorker(t *testing.T, store *fakeStore, client *http.Client, bs *fakeBootstrapper, root string) *fetcher.Worker {
	t.Helper()
	filters, err := sitehook.CompileFilters(nil, nil, true, nil, nil, true, nil, nil, true)
	require.NoError(t, err)
	registry := sitehook.NewRegistry(sitehook.NewDefaultSite("darc-crawler-test"), sitehook.DefaultSites()...)
	dispatch := sitehook.NewDispatcher(filters, registry)

	return fetcher.NewWorker(
		fetcher.Options{
			DataRoot:       root,
			UserAgent:      "darc-crawler-test",
			TimeCache:      time.Minute,
			MaxPool:        10,
			EmptyQueueWait: time.Millisecond,
			Reboot:         true,
			RetryParam:     testRetryParam(),
		},
		store,
		fakeClientResolver{client: client},
		bs,
		filters,
		dispatch,
		archive.NewWriter(root),
		nil,
		nil,
		nil,
		slog.Default(),
	)
}

func TestWorker_FetchesSavesAndExtractsLinks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body><a href="/next">next</a></body></html>`))
	}))
	defer srv.Close()

	root := t.TempDir()
	seed := link.Classify(root, srv.URL+"/", nil)
	store := newFakeStore(queue.Entry{Link: seed})
	bs := &fakeBootstrapper{}
	w := newWorker(t, store, srv.Client(), bs, root)

	require.NoError(t, w.Run(context.Background()))

	reqCount, selCount := store.count()
	assert.Equal(t, 1, reqCount, "extracted /next link should be enqueued")
	assert.Equal(t, 1, selCount, "html page should be enqueued for render")
	assert.Equal(t, 1, bs.calls, "unseen host should be bootstrapped once")
}

func TestWorker_SentinelLinkNeverFetches(t *testing.T) {
	root := t.TempDir()
	seed := link.Classify(root, "mailto:a@b.com", nil)
	store := newFakeStore(queue.Entry{Link: seed})
	bs := &fakeBootstrapper{}
	w := newWorker(t, store, http.DefaultClient, bs, root)

	require.NoError(t, w.Run(context.Background()))

	assert.Equal(t, 0, bs.calls, "sentinel links must never trigger host bootstrap")
}

func TestWorker_BootstrapPersistsArtifactsAndEnqueuesI2PHosts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body>ok</body></html>`))
	}))
	defer srv.Close()

	root := t.TempDir()
	seed := link.Classify(root, "http://example.i2p/", nil)
	store := newFakeStore(queue.Entry{Link: seed})
	bs := &fakeBootstrapper{result: bootstrap.Result{
		Host:        "example.i2p",
		RobotsFound: true,
		RobotsRaw:   []byte("User-agent: *\nAllow: /\n"),
		SitemapDocs: []bootstrap.SitemapDoc{{Name: "deadbeef", Raw: []byte("<urlset></urlset>")}},
		HostsRaw:    []byte("peer.i2p=AAAA\n"),
		I2PLinks:    []string{"peer.i2p"},
	}}
	w := newWorker(t, store, srv.Client(), bs, root)

	require.NoError(t, w.Run(context.Background()))

	base := seed.Base()
	assert.FileExists(t, filepath.Join(base, "robots.txt"))
	assert.FileExists(t, filepath.Join(base, "sitemap_deadbeef.xml"))
	assert.FileExists(t, filepath.Join(base, "hosts.txt"))

	found := false
	for _, e := range store.requests {
		if e.Link.URL() == "http://peer.i2p" {
			found = true
		}
	}
	assert.True(t, found, "a hosts.txt entry should be enqueued as a fetch request")
}

type fakeTorRenewer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeTorRenewer) NewIdentity(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func (f *fakeTorRenewer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestWorker_RenewsTorIdentityAfterEachRound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body>ok</body></html>`))
	}))
	defer srv.Close()

	root := t.TempDir()
	seed := link.Classify(root, srv.URL+"/", nil)
	store := newFakeStore(queue.Entry{Link: seed})
	filters, err := sitehook.CompileFilters(nil, nil, true, nil, nil, true, nil, nil, true)
	require.NoError(t, err)
	registry := sitehook.NewRegistry(sitehook.NewDefaultSite("darc-crawler-test"), sitehook.DefaultSites()...)
	dispatch := sitehook.NewDispatcher(filters, registry)
	tor := &fakeTorRenewer{}

	w := fetcher.NewWorker(
		fetcher.Options{
			DataRoot: root, UserAgent: "darc-crawler-test", TimeCache: time.Minute,
			MaxPool: 10, EmptyQueueWait: time.Millisecond, Reboot: false,
			RetryParam: testRetryParam(),
		},
		store,
		fakeClientResolver{client: srv.Client()},
		&fakeBootstrapper{},
		filters,
		dispatch,
		archive.NewWriter(root),
		nil,
		nil,
		tor,
		slog.Default(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return tor.count() >= 1 }, time.Second, time.Millisecond,
		"Tor identity should be renewed after the first non-empty round")
	cancel()
	<-done
}

func TestWorker_ServerErrorReenqueues(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	root := t.TempDir()
	seed := link.Classify(root, srv.URL+"/", nil)
	store := newFakeStore(queue.Entry{Link: seed})
	bs := &fakeBootstrapper{}
	w := newWorker(t, store, srv.Client(), bs, root)

	require.NoError(t, w.Run(context.Background()))

	assert.GreaterOrEqual(t, hits, 1)
	reqCount, _ := store.count()
	assert.Equal(t, 1, reqCount, "5xx failure re-enqueues the original URL")
}
