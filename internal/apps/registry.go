// Package apps implements the local application registry: requests
// addressed to a registered (host, port) are dispatched straight to a local
// http.Handler, bypassing the controller channel and any upstream dial
// entirely.
package apps

import (
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/kamilstanek/wiretap/internal/helper"
)

// Registry maps (host, port) pairs to local handlers.
type Registry struct {
	mu     sync.RWMutex
	byAddr map[string]http.Handler
}

func NewRegistry() *Registry {
	return &Registry{byAddr: make(map[string]http.Handler)}
}

// Add registers handler for host:port. host is IDNA-normalized so lookups
// are case- and encoding-insensitive.
func (r *Registry) Add(host string, port int, handler http.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byAddr[key(host, port)] = handler
}

// Get resolves the app for an incoming request: an exact (host, port) match
// first, then the first Host header value paired with the request's own
// port.
func (r *Registry) Get(host string, port int, headerHost string) (http.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.byAddr[key(host, port)]; ok {
		return h, true
	}
	if headerHost == "" {
		return nil, false
	}
	h, ok := r.byAddr[key(hostHeaderName(headerHost), port)]
	return h, ok
}

func key(host string, port int) string {
	return fmt.Sprintf("%s:%d", helper.NormalizeHost(host), port)
}

// hostHeaderName strips any port embedded in a Host header value. The
// lookup always pairs the header's host with the request's own port; a port
// the client put in the header has no say in dispatch.
func hostHeaderName(headerHost string) string {
	host, _, err := net.SplitHostPort(headerHost)
	if err != nil {
		return headerHost
	}
	return host
}
