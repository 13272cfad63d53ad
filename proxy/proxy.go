// Package proxy implements the intercepting HTTP/HTTPS proxy core: the
// per-connection state machine (handler.go), the listener that feeds it
// (entry.go), and the out-of-band replay path (replay.go).
package proxy

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/kamilstanek/wiretap/cert"
	"github.com/kamilstanek/wiretap/internal/apps"
	"github.com/kamilstanek/wiretap/internal/certstore"
	"github.com/kamilstanek/wiretap/internal/controller"
	"github.com/kamilstanek/wiretap/internal/helper"
	"github.com/kamilstanek/wiretap/internal/transparent"
	"github.com/kamilstanek/wiretap/version"
)

// Controller consumes the event stream published by every connection
// handler. The default, controller.Logger, only observes; a real
// inspection/mutation UI implements the same interface and answers with
// Modify/Replace/Drop dispositions.
type Controller interface {
	Run(ch *controller.Channel)
}

// Proxy owns everything shared, read-only-after-start, across every
// connection handler: the immutable Config, the CertStore (internally
// synchronized), the app registry, and the controller implementation. One
// Proxy serves one listener.
type Proxy struct {
	Version string

	config     Config
	ca         cert.CA
	certStore  *certstore.Store
	certFinder *certstore.Finder

	apps *apps.Registry

	transparentResolver transparent.Resolver

	controller Controller

	// shouldIntercept, when set, gates TLS interception independent of
	// mode: a host that doesn't match is tunneled opaquely instead of
	// MITM'd.
	shouldIntercept func(host string) bool

	log *slog.Logger

	listener  net.Listener
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewProxy builds a Proxy from config and ca. ca is typically a
// *cert.SelfSignCA created by cert.NewSelfSignCA, but any cert.CA works;
// SAN-aware forging additionally requires DummyCert(cn, sans...).
func NewProxy(config Config, ca cert.CA) (*Proxy, error) {
	if config.Mode == ModeReverse && (config.Reverse == ReverseTarget{}) {
		return nil, fmt.Errorf("proxy: reverse mode requires a Reverse target")
	}

	store := certstore.New(ca, config.DummyCertsDir)

	var userCert *tls.Certificate
	if config.CertPath != "" {
		loaded, err := tls.LoadX509KeyPair(config.CertPath, config.CertPath)
		if err != nil {
			return nil, fmt.Errorf("proxy: load --cert %q: %w", config.CertPath, err)
		}
		userCert = &loaded
	}

	finder := &certstore.Finder{
		Store:          store,
		UserCert:       userCert,
		NoUpstreamCert: config.NoUpstreamCert,
		Fetcher:        &certstore.UpstreamCertFetcher{InsecureSkipVerify: config.InsecureSkipVerify},
	}

	var resolver transparent.Resolver
	if config.Mode == ModeTransparent {
		resolver = transparent.NewResolver()
	}

	log := slog.Default().With("in", "Proxy", "addr", config.Addr)

	p := &Proxy{
		Version:             version.Version,
		config:              config,
		ca:                  ca,
		certStore:           store,
		certFinder:          finder,
		apps:                apps.NewRegistry(),
		transparentResolver: resolver,
		log:                 log,
		done:                make(chan struct{}),
	}
	p.controller = controller.NewLogger(log)
	return p, nil
}

// SetController replaces the default logging-only Controller with one that
// can modify, replace, or drop exchanges.
func (p *Proxy) SetController(c Controller) {
	p.controller = c
}

// AddApp registers a local application at host:port: matching requests are
// dispatched to handler directly, bypassing the controller channel and the
// upstream dial entirely.
func (p *Proxy) AddApp(host string, port int, handler http.Handler) {
	p.apps.Add(host, port, handler)
}

// SetTransparentResolver replaces the platform original-destination resolver
// used in transparent mode, e.g. with a test double or an alternative NAT
// bookkeeping source.
func (p *Proxy) SetTransparentResolver(r transparent.Resolver) {
	p.transparentResolver = r
}

// SetShouldInterceptRule restricts TLS interception to hosts for which rule
// returns true; unset, every CONNECT/TLS-port destination is intercepted.
func (p *Proxy) SetShouldInterceptRule(rule func(host string) bool) {
	p.shouldIntercept = rule
}

// SetInterceptHosts restricts interception to hosts matching one of the
// glob patterns; the zero value (no patterns) intercepts everything. Patterns
// are matched against the bare host with no port, so a pattern that carries
// a port never matches.
func (p *Proxy) SetInterceptHosts(patterns []string) {
	if len(patterns) == 0 {
		p.shouldIntercept = nil
		return
	}
	p.shouldIntercept = func(host string) bool { return helper.MatchHost(host, patterns) }
}

// SetNoInterceptHosts is SetInterceptHosts's complement: hosts matching one
// of the patterns are tunneled opaquely instead of MITM'd.
func (p *Proxy) SetNoInterceptHosts(patterns []string) {
	if len(patterns) == 0 {
		p.shouldIntercept = nil
		return
	}
	p.shouldIntercept = func(host string) bool { return !helper.MatchHost(host, patterns) }
}

// GetRootCertificate returns the proxy's CA certificate, e.g. for export to
// a client trust store.
func (p *Proxy) GetRootCertificate() *x509.Certificate {
	return p.ca.GetRootCA()
}

func (p *Proxy) runController(ch *controller.Channel) {
	p.controller.Run(ch)
}
