// Package connpool implements the per-handler upstream connection
// cache-of-one: at most one live server connection, evicted on host/port
// change, never shared across clients.
package connpool

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"

	"github.com/kamilstanek/wiretap/internal/helper"
	"github.com/kamilstanek/wiretap/internal/model"
)

// Conn is a live upstream connection plus its identifying (scheme, host,
// port) and, for TLS connections, the certificate the origin presented.
type Conn struct {
	Scheme string
	Host   string
	Port   int

	// Requests counts how many exchanges have been sent over this
	// connection, including the one the current Get call serves.
	Requests int

	net.Conn
	OriginCert *x509.Certificate
}

// Pool holds at most one live upstream connection for the handler that owns
// it; a pool is never shared across clients.
type Pool struct {
	ClientCertDir      string // per-host client certs, {dir}/{idna-host}.pem
	InsecureSkipVerify bool
	Dialer             net.Dialer

	// UpstreamProxy, when set, chains every upstream connection through a
	// SOCKS5 or HTTPS CONNECT proxy (--upstream-proxy) instead of dialing
	// the origin directly.
	UpstreamProxy *url.URL

	current *Conn
}

// Get returns a connection usable for (scheme, host, port): the cached one
// if it already matches, otherwise a freshly dialed one after terminating
// any mismatched cached connection.
func (p *Pool) Get(ctx context.Context, scheme, host string, port int) (*Conn, error) {
	if p.current != nil {
		if p.current.Host == host && p.current.Port == port && p.current.Scheme == scheme {
			p.current.Requests++
			return p.current, nil
		}
		p.current.Close()
		p.current = nil
	}

	c, err := p.dial(ctx, scheme, host, port)
	if err != nil {
		return nil, &model.ProxyError{Code: 502, Msg: fmt.Sprintf("connect to upstream %s:%d: %v", host, port, err)}
	}
	c.Requests = 1
	p.current = c
	return c, nil
}

// Evict terminates and forgets the current connection without dialing a
// replacement; used when the upstream side of an exchange failed mid-flight
// and the handler must not reuse it for the next request.
func (p *Pool) Evict() {
	if p.current != nil {
		p.current.Close()
		p.current = nil
	}
}

// Forget releases the current connection without closing it, for when
// ownership has passed elsewhere (an opaque WebSocket tunnel splicing it to
// the client directly) and the pool must not touch it again.
func (p *Pool) Forget() {
	p.current = nil
}

func (p *Pool) dial(ctx context.Context, scheme, host string, port int) (*Conn, error) {
	addr := net.JoinHostPort(host, fmt.Sprint(port))

	var raw net.Conn
	var err error
	if p.UpstreamProxy != nil {
		raw, err = helper.GetProxyConn(ctx, p.UpstreamProxy, addr, p.InsecureSkipVerify)
	} else {
		raw, err = p.Dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}

	if scheme != "https" {
		return &Conn{Scheme: scheme, Host: host, Port: port, Conn: raw}, nil
	}

	cfg := &tls.Config{
		ServerName:         helper.NormalizeHost(host),
		InsecureSkipVerify: p.InsecureSkipVerify, //nolint:gosec // operator-requested via --ssl-insecure
	}
	if cert, ok := p.clientCert(host); ok {
		cfg.Certificates = []tls.Certificate{cert}
	}

	tlsConn := tls.Client(raw, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, err
	}

	var originCert *x509.Certificate
	if state := tlsConn.ConnectionState(); len(state.PeerCertificates) > 0 {
		originCert = state.PeerCertificates[0]
	}

	return &Conn{Scheme: scheme, Host: host, Port: port, Conn: tlsConn, OriginCert: originCert}, nil
}

// clientCert loads a per-host client certificate from
// {ClientCertDir}/{idna-host}.pem, if configured and present.
func (p *Pool) clientCert(host string) (tls.Certificate, bool) {
	if p.ClientCertDir == "" {
		return tls.Certificate{}, false
	}
	path := filepath.Join(p.ClientCertDir, helper.NormalizeHost(host)+".pem")
	if _, err := os.Stat(path); err != nil {
		return tls.Certificate{}, false
	}
	cert, err := tls.LoadX509KeyPair(path, path)
	if err != nil {
		return tls.Certificate{}, false
	}
	return cert, true
}
