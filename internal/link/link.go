// Package link implements the classification of a raw URL string into a
// content-addressed Link value, mirroring darc's proxy-kind dispatch table.
package link

import (
	"net/url"
	"path"
	"strings"

	"github.com/rohmanhakim/darc-crawler/pkg/hashutil"
)

// Proxy is a tagged value from a closed set describing which anonymity
// network or special handler a URL belongs to.
type Proxy string

const (
	ProxyNull     Proxy = "null"
	ProxyTor      Proxy = "tor"
	ProxyTor2web  Proxy = "tor2web"
	ProxyI2P      Proxy = "i2p"
	ProxyZeroNet  Proxy = "zeronet"
	ProxyFreenet  Proxy = "freenet"
	ProxyData     Proxy = "data"
	ProxyScript   Proxy = "script"
	ProxyBitcoin  Proxy = "bitcoin"
	ProxyEthereum Proxy = "ethereum"
	ProxyEd2k     Proxy = "ed2k"
	ProxyMagnet   Proxy = "magnet"
	ProxyMail     Proxy = "mail"
	ProxyTel      Proxy = "tel"
	ProxyIRC      Proxy = "irc"
	ProxyWS       Proxy = "ws"
	ProxyWSS      Proxy = "wss"
)

// Sentinel hosts used for schemes that carry no real hostname.
const (
	sentinelData = "(data)"
)

// Link is an immutable, content-addressed value identifying a crawl target.
// Two Links with equal URL compare equal and hash equal; Name is a pure
// function of URL.
type Link struct {
	url      string
	scheme   string
	host     string
	path     string
	query    string
	fragment string
	proxy    Proxy
	name     string
	base     string
	backref  *Link
}

func (l Link) URL() string      { return l.url }
func (l Link) Scheme() string   { return l.scheme }
func (l Link) Host() string     { return l.host }
func (l Link) Path() string     { return l.path }
func (l Link) Query() string    { return l.query }
func (l Link) Fragment() string { return l.fragment }
func (l Link) Proxy() Proxy     { return l.proxy }
func (l Link) Name() string     { return l.name }
func (l Link) Base() string     { return l.base }
func (l Link) Backref() *Link   { return l.backref }

// HasHost reports whether classification produced a usable hostname.
func (l Link) HasHost() bool { return l.host != "" }

// Equal compares two Links by URL, per the spec's content-addressing invariant.
func (l Link) Equal(other Link) bool { return l.url == other.url }

// Classify parses rawURL and returns a Link, applying the §4.1 first-match-
// wins proxy-kind dispatch table. It never fails: an unparseable URL still
// produces a Link, with an empty host and ProxyNull, so callers never need to
// special-case a classification error.
func Classify(dataRoot string, rawURL string, backref *Link) Link {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Link{
			url:     rawURL,
			proxy:   ProxyNull,
			name:    hashName(rawURL),
			base:    path.Join(dataRoot, string(ProxyNull), "invalid", "(invalid)"),
			backref: backref,
		}
	}

	scheme := strings.ToLower(parsed.Scheme)
	host := strings.ToLower(parsed.Hostname())
	hostPort := strings.ToLower(parsed.Host)
	proxy, resolvedHost := classifyProxy(scheme, host, hostPort, parsed.Path)

	hostOrSentinel := resolvedHost
	if hostOrSentinel == "" {
		hostOrSentinel = sentinelHost(scheme, proxy)
	}

	l := Link{
		url:      rawURL,
		scheme:   scheme,
		host:     resolvedHost,
		path:     parsed.Path,
		query:    parsed.RawQuery,
		fragment: parsed.Fragment,
		proxy:    proxy,
		name:     hashName(rawURL),
		backref:  backref,
	}
	l.base = path.Join(dataRoot, string(proxy), scheme, hostOrSentinel)
	return l
}

// classifyProxy applies the ordered classification rules from SPEC_FULL.md
// §4.1. It returns the proxy kind and, when the classification rewrites the
// host (ZeroNet/Freenet path-segment substitution), the resolved host.
// hostPort carries the port back (url.Parse's Host field, lowercased) since
// the I2P/ZeroNet/Freenet local-gateway rules key off a fixed host:port.
func classifyProxy(scheme string, host string, hostPort string, urlPath string) (Proxy, string) {
	switch scheme {
	case "data":
		return ProxyData, ""
	case "javascript":
		return ProxyScript, ""
	case "bitcoin", "btc":
		return ProxyBitcoin, host
	case "ethereum", "eth":
		return ProxyEthereum, host
	case "ed2k":
		return ProxyEd2k, host
	case "magnet":
		return ProxyMagnet, host
	case "mailto":
		return ProxyMail, host
	case "tel":
		return ProxyTel, host
	case "irc":
		return ProxyIRC, host
	case "ws":
		return ProxyWS, host
	case "wss":
		return ProxyWSS, host
	}

	if scheme != "http" && scheme != "https" {
		return Proxy(scheme), host
	}

	switch {
	case strings.HasSuffix(host, ".onion"):
		return ProxyTor, host
	case strings.HasSuffix(host, ".onion.sh"):
		return ProxyTor2web, host
	case strings.HasSuffix(host, ".i2p"), hostPort == "localhost:7657", hostPort == "localhost:7658":
		return ProxyI2P, host
	}

	if isZeroNetEndpoint(hostPort) && urlPath != "/" && urlPath != "" {
		return ProxyZeroNet, firstPathSegment(urlPath)
	}
	if isFreenetEndpoint(hostPort) && urlPath != "/" && urlPath != "" {
		return ProxyFreenet, firstPathSegment(urlPath)
	}

	return ProxyNull, host
}

// isZeroNetEndpoint reports whether hostPort is the conventional local
// ZeroNet gateway (127.0.0.1:43110), the only endpoint darc ever proxies
// ZeroNet requests through.
func isZeroNetEndpoint(hostPort string) bool {
	return hostPort == "127.0.0.1:43110" || hostPort == "localhost:43110"
}

// isFreenetEndpoint reports whether hostPort is the conventional local
// Freenet gateway (127.0.0.1:8888).
func isFreenetEndpoint(hostPort string) bool {
	return hostPort == "127.0.0.1:8888" || hostPort == "localhost:8888"
}

func firstPathSegment(urlPath string) string {
	trimmed := strings.TrimPrefix(urlPath, "/")
	if idx := strings.Index(trimmed, "/"); idx >= 0 {
		return trimmed[:idx]
	}
	return trimmed
}

func sentinelHost(scheme string, proxy Proxy) string {
	if proxy == ProxyData {
		return sentinelData
	}
	return "(" + scheme + ")"
}

// hashName computes the content-addressed name: SHA-256 of the URL, hex
// encoded. This is a pure function of the URL string alone.
func hashName(rawURL string) string {
	name, _ := hashutil.HashBytes([]byte(rawURL), hashutil.HashAlgoSHA256)
	return name
}
