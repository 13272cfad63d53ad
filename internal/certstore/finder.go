package certstore

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/samber/lo"

	"github.com/kamilstanek/wiretap/internal/helper"
)

// Finder resolves the certificate presented for a TLS interception: it
// either hands back a user-supplied certificate verbatim, or harvests the
// upstream's SANs (unless disabled) and mints/memoizes a forged leaf
// through Store.
type Finder struct {
	Store *Store

	// UserCert, if set, is returned for every host: the operator supplied
	// a single certificate file via --cert.
	UserCert *tls.Certificate

	// NoUpstreamCert disables the throwaway TLS dial to the origin; the
	// forged leaf then carries the CN as its only SAN.
	NoUpstreamCert bool
	Fetcher        *UpstreamCertFetcher
}

// FindCert resolves the certificate to present to the client for host:port,
// optionally guided by the client's SNI value.
func (f *Finder) FindCert(ctx context.Context, host string, port int, sni string) (*tls.Certificate, error) {
	if f.UserCert != nil {
		return f.UserCert, nil
	}

	effectiveHost := helper.NormalizeHost(host)
	var sans []string
	if !f.NoUpstreamCert {
		got, harvested, err := f.Fetcher.Fetch(ctx, host, port, sni)
		if err != nil {
			return nil, fmt.Errorf("unable to get remote cert: %w", err)
		}
		effectiveHost = got
		sans = harvested

		// The name the client actually asked for must verify against the
		// forged leaf even when the upstream certificate doesn't carry it
		// (SNI mismatch, default vhost).
		requested := helper.NormalizeHost(host)
		if sni != "" {
			requested = helper.NormalizeHost(sni)
		}
		if !lo.Contains(sans, requested) {
			sans = append(sans, requested)
		}
	}

	leaf, err := f.Store.Get(ctx, Key{CommonName: effectiveHost, SANs: sans})
	if err != nil {
		return nil, fmt.Errorf("mint dummy cert: %w", err)
	}
	return leaf, nil
}
