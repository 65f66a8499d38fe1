package renderer

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/rohmanhakim/darc-crawler/internal/link"
)

// ChromeDriverResolver builds a headless-Chrome Driver per proxy kind,
// grounded on the reference corpus's render_headless.go: a fresh chromedp
// allocator per proxy (so the SOCKS5/HTTP proxy flag is scoped correctly),
// a post-navigation settle matching SE_WAIT, and a full-page screenshot.
type ChromeDriverResolver struct {
	navigateTimeout time.Duration
	settleWait      time.Duration
	torSOCKSAddr    string
	i2pHTTPProxyURL string
}

type ChromeDriverOption func(*ChromeDriverResolver)

func WithNavigateTimeout(d time.Duration) ChromeDriverOption {
	return func(r *ChromeDriverResolver) { r.navigateTimeout = d }
}

func WithTorSOCKS(addr string) ChromeDriverOption {
	return func(r *ChromeDriverResolver) { r.torSOCKSAddr = addr }
}

func WithI2PHTTPProxy(addr string) ChromeDriverOption {
	return func(r *ChromeDriverResolver) { r.i2pHTTPProxyURL = addr }
}

// NewChromeDriverResolver builds a resolver; settleWait mirrors SE_WAIT, the
// fixed pause given to a page's own JS after load before page source and
// screenshot are captured.
func NewChromeDriverResolver(settleWait time.Duration, opts ...ChromeDriverOption) *ChromeDriverResolver {
	r := &ChromeDriverResolver{
		navigateTimeout: 30 * time.Second,
		settleWait:      settleWait,
		torSOCKSAddr:    "127.0.0.1:9050",
		i2pHTTPProxyURL: "http://127.0.0.1:4444",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *ChromeDriverResolver) Driver(kind link.Proxy) (Driver, error) {
	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)

	switch kind {
	case link.ProxyTor:
		allocOpts = append(allocOpts, chromedp.ProxyServer("socks5://"+r.torSOCKSAddr))
	case link.ProxyI2P:
		allocOpts = append(allocOpts, chromedp.ProxyServer(r.i2pHTTPProxyURL))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	ctx, cancel := chromedp.NewContext(allocCtx)

	return &chromeDriver{
		ctx: ctx, cancel: func() { cancel(); allocCancel() },
		navigateTimeout: r.navigateTimeout, settleWait: r.settleWait,
	}, nil
}

type chromeDriver struct {
	ctx             context.Context
	cancel          context.CancelFunc
	navigateTimeout time.Duration
	settleWait      time.Duration
}

// Render navigates to url, blocking image/stylesheet/media/font requests to
// keep the render lean, waits settleWait for the page's own JS to run, then
// captures the outer HTML and a full-page screenshot.
func (d *chromeDriver) Render(ctx context.Context, url string) (string, []byte, error) {
	runCtx, cancel := context.WithTimeout(d.ctx, d.navigateTimeout)
	defer cancel()

	if err := chromedp.Run(runCtx,
		network.Enable(),
		fetch.Enable().WithPatterns([]*fetch.RequestPattern{{URLPattern: "*"}}),
	); err != nil {
		return "", nil, fmt.Errorf("renderer: enable network/fetch domains: %w", err)
	}

	chromedp.ListenTarget(runCtx, func(ev interface{}) {
		e, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		go func() {
			switch e.ResourceType {
			case network.ResourceTypeImage, network.ResourceTypeStylesheet,
				network.ResourceTypeMedia, network.ResourceTypeFont:
				_ = fetch.FailRequest(e.RequestID, network.ErrorReasonBlockedByClient).Do(runCtx)
			default:
				_ = fetch.ContinueRequest(e.RequestID).Do(runCtx)
			}
		}()
	})

	var html string
	var screenshot []byte
	err := chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.Sleep(d.settleWait),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.FullScreenshot(&screenshot, 90),
	)
	if err != nil {
		return "", nil, fmt.Errorf("renderer: render %s: %w", url, err)
	}
	return html, screenshot, nil
}

func (d *chromeDriver) Close() error {
	d.cancel()
	return nil
}
