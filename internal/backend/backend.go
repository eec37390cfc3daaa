package backend

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"
)

const ewmaAlpha = 0.2

// Backend is one upstream target reachable through a shared keep-alive transport.
type Backend struct {
	url               *url.URL
	proxy             *httputil.ReverseProxy
	mutex             sync.Mutex
	isHealthy         bool
	activeConnections int
	ewmaResponseTime  time.Duration
	hasEWMA           bool
}

// New creates a Backend forwarding to target through transport. The request
// path is appended to the target's path and X-Forwarded-* headers are set.
// The backend starts out healthy.
func New(target *url.URL, transport http.RoundTripper) *Backend {
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		Transport: transport,
	}

	return &Backend{
		url:       target,
		proxy:     proxy,
		isHealthy: true,
	}
}

// ReverseProxy returns the HTTP reverse proxy for this backend.
func (b *Backend) ReverseProxy() *httputil.ReverseProxy {
	return b.proxy
}

// URL returns the target base URL.
func (b *Backend) URL() *url.URL {
	return b.url
}

func (b *Backend) IncrementConn() {
	b.mutex.Lock()
	b.activeConnections++
	b.mutex.Unlock()
}

func (b *Backend) DecrementConn() {
	b.mutex.Lock()
	if b.activeConnections > 0 {
		b.activeConnections--
	}
	b.mutex.Unlock()
}

func (b *Backend) ActiveConnections() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.activeConnections
}

func (b *Backend) IsHealthy() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.isHealthy
}

// SetHealthy updates the health flag and reports whether it changed.
func (b *Backend) SetHealthy(healthy bool) (changed bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.isHealthy == healthy {
		return false
	}

	b.isHealthy = healthy
	return true
}

// RecordResponse folds duration into the exponentially weighted moving average.
func (b *Backend) RecordResponse(duration time.Duration) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.hasEWMA {
		b.ewmaResponseTime = duration
		b.hasEWMA = true
		return
	}
	//ewma = (1 - α) * ewma + α * latest
	b.ewmaResponseTime = time.Duration((1-ewmaAlpha)*float64(b.ewmaResponseTime) + ewmaAlpha*float64(duration))
}

// EWMATime returns 0 until the first response is recorded.
func (b *Backend) EWMATime() time.Duration {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.ewmaResponseTime
}

// Status is a point-in-time view of a backend.
type Status struct {
	URL               string        `json:"url"`
	Healthy           bool          `json:"healthy"`
	ActiveConnections int           `json:"active_connections"`
	EWMAResponse      time.Duration `json:"ewma_response"`
}

func (b *Backend) Status() Status {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return Status{
		URL:               b.url.String(),
		Healthy:           b.isHealthy,
		ActiveConnections: b.activeConnections,
		EWMAResponse:      b.ewmaResponseTime,
	}
}
