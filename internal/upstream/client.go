// Package upstream builds the pooled HTTP client used to reach backend
// services and resolves upstream identifiers to base URLs.
package upstream

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Options tunes the outbound connection pool.
type Options struct {
	// Scheme and DefaultPort complete bare host upstreams such as "service".
	Scheme      string
	DefaultPort int

	MaxConnsPerHost     int
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	ConnectTimeout      time.Duration
	IdleConnTimeout     time.Duration
	KeepAlive           time.Duration
	DisableCompression  bool
}

// DefaultOptions mirrors the pool the gateway has always run with: 100
// connections per host, 5s connect timeout, 60s idle timeout and 30s TCP
// keep-alive.
func DefaultOptions() Options {
	return Options{
		Scheme:              "http",
		DefaultPort:         8080,
		MaxConnsPerHost:     100,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		ConnectTimeout:      5 * time.Second,
		IdleConnTimeout:     60 * time.Second,
		KeepAlive:           30 * time.Second,
	}
}

// NewClient returns an *http.Client backed by a tuned transport. It has no
// overall timeout: every call is bounded by its circuit breaker instead.
// Redirects are returned to the caller rather than followed.
func NewClient(o Options) *http.Client {
	dialer := &net.Dialer{
		Timeout:   o.ConnectTimeout,
		KeepAlive: o.KeepAlive,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxConnsPerHost:       o.MaxConnsPerHost,
		MaxIdleConns:          o.MaxIdleConns,
		MaxIdleConnsPerHost:   o.MaxIdleConnsPerHost,
		IdleConnTimeout:       o.IdleConnTimeout,
		TLSHandshakeTimeout:   o.ConnectTimeout,
		ExpectContinueTimeout: time.Second,
		DisableCompression:    o.DisableCompression,
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Resolve turns an upstream identifier into a base URL. Full URLs are used as
// given; a bare host ("service") or host:port gets the default scheme and,
// when missing, the default port.
func Resolve(upstream string, o Options) (*url.URL, error) {
	upstream = strings.TrimSpace(upstream)
	if upstream == "" {
		return nil, fmt.Errorf("empty upstream")
	}

	if strings.Contains(upstream, "://") {
		u, err := url.Parse(upstream)
		if err != nil {
			return nil, fmt.Errorf("parsing upstream %q: %w", upstream, err)
		}
		if u.Host == "" {
			return nil, fmt.Errorf("upstream %q has no host", upstream)
		}
		u.Path = strings.TrimRight(u.Path, "/")
		return u, nil
	}

	if strings.ContainsAny(upstream, "/?#") {
		return nil, fmt.Errorf("upstream %q must be a host or a URL", upstream)
	}
	scheme := o.Scheme
	if scheme == "" {
		scheme = "http"
	}
	host := upstream
	if _, _, err := net.SplitHostPort(upstream); err != nil && o.DefaultPort > 0 {
		host = net.JoinHostPort(upstream, strconv.Itoa(o.DefaultPort))
	}
	return &url.URL{Scheme: scheme, Host: host}, nil
}
