package certstore

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/kamilstanek/wiretap/internal/helper"
)

// UpstreamCertFetcher opens a throwaway TLS connection to the origin to
// harvest its CN and SANs, so forged leaves mirror the real certificate's
// identity.
type UpstreamCertFetcher struct {
	InsecureSkipVerify bool
	Dialer             net.Dialer
}

// Fetch dials host:port with the given SNI and returns the effective host
// (the certificate's CN, IDNA-normalized) and its SAN list. If sni is
// empty, host is used as the SNI value.
func (f *UpstreamCertFetcher) Fetch(ctx context.Context, host string, port int, sni string) (effectiveHost string, sans []string, err error) {
	if sni == "" {
		sni = host
	}
	addr := net.JoinHostPort(host, fmt.Sprint(port))
	rawConn, err := f.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("dial upstream for cert: %w", err)
	}
	defer rawConn.Close()

	conn := tls.Client(rawConn, &tls.Config{
		ServerName:         sni,
		InsecureSkipVerify: f.InsecureSkipVerify, //nolint:gosec // harvesting only, never used to authenticate data
	})
	if err := conn.HandshakeContext(ctx); err != nil {
		return "", nil, fmt.Errorf("upstream tls handshake: %w", err)
	}
	defer conn.Close()

	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return "", nil, fmt.Errorf("upstream presented no certificate")
	}
	leaf := state.PeerCertificates[0]

	effectiveHost = helper.NormalizeHost(leaf.Subject.CommonName)
	if effectiveHost == "" {
		effectiveHost = helper.NormalizeHost(host)
	}
	for _, name := range leaf.DNSNames {
		sans = append(sans, helper.NormalizeHost(name))
	}
	for _, ip := range leaf.IPAddresses {
		sans = append(sans, ip.String())
	}
	return effectiveHost, sans, nil
}
