// Package proxyregistry maps a Link's proxy kind to the *http.Client that
// should carry its requests, mirroring darc's proxy.LINK_MAP dispatch table:
// clear web and unknown schemes get the default transport, .onion addresses
// route through the local Tor SOCKS port, I2P addresses through the local
// I2P HTTP proxy, and ZeroNet/Freenet talk to their local gateway directly
// (the endpoint IS the proxy, so no extra hop is needed).
package proxyregistry

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/net/proxy"

	"github.com/rohmanhakim/darc-crawler/internal/link"
)

// Registry resolves a proxy kind to a ready-to-use HTTP client. It is safe
// for concurrent use; clients are built lazily and cached.
type Registry struct {
	mu      sync.RWMutex
	clients map[link.Proxy]*http.Client

	torSOCKSAddr    string
	i2pHTTPProxyURL string
}

// Option configures a Registry's upstream proxy endpoints.
type Option func(*Registry)

// WithTorSOCKS sets the local Tor SocksPort address (e.g. "127.0.0.1:9050").
func WithTorSOCKS(addr string) Option {
	return func(r *Registry) { r.torSOCKSAddr = addr }
}

// WithI2PHTTPProxy sets the local I2P HTTP proxy address (e.g.
// "http://127.0.0.1:4444").
func WithI2PHTTPProxy(addr string) Option {
	return func(r *Registry) { r.i2pHTTPProxyURL = addr }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		clients:         make(map[link.Proxy]*http.Client),
		torSOCKSAddr:    "127.0.0.1:9050",
		i2pHTTPProxyURL: "http://127.0.0.1:4444",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Client returns the *http.Client to use for a given proxy kind, building
// and caching it on first use.
func (r *Registry) Client(kind link.Proxy) (*http.Client, error) {
	r.mu.RLock()
	if c, ok := r.clients[kind]; ok {
		r.mu.RUnlock()
		return c, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[kind]; ok {
		return c, nil
	}

	c, err := r.build(kind)
	if err != nil {
		return nil, err
	}
	r.clients[kind] = c
	return c, nil
}

func (r *Registry) build(kind link.Proxy) (*http.Client, error) {
	switch kind {
	case link.ProxyTor:
		dialer, err := proxy.SOCKS5("tcp", r.torSOCKSAddr, nil, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("proxyregistry: build tor dialer: %w", err)
		}
		contextDialer, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("proxyregistry: tor dialer does not support contexts")
		}
		return &http.Client{
			Transport: &http.Transport{DialContext: contextDialer.DialContext},
		}, nil

	case link.ProxyI2P:
		proxyURL, err := url.Parse(r.i2pHTTPProxyURL)
		if err != nil {
			return nil, fmt.Errorf("proxyregistry: parse i2p proxy url: %w", err)
		}
		return &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}, nil

	case link.ProxyTor2web, link.ProxyZeroNet, link.ProxyFreenet, link.ProxyNull:
		// tor2web gateways, ZeroNet/Freenet local gateways, and the clear
		// web all speak to a plain reachable endpoint directly.
		return &http.Client{}, nil

	default:
		return &http.Client{}, nil
	}
}
