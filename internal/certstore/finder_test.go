package certstore_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/kamilstanek/wiretap/cert"
	"github.com/kamilstanek/wiretap/internal/certstore"
)

func TestFindCertReturnsUserCertVerbatim(t *testing.T) {
	c := qt.New(t)

	ca, err := cert.NewSelfSignCAMemory()
	c.Assert(err, qt.IsNil)
	userCert, err := ca.GetCert("example.test")
	c.Assert(err, qt.IsNil)

	f := &certstore.Finder{Store: certstore.New(ca, ""), UserCert: userCert}

	leaf, err := f.FindCert(context.Background(), "anything.test", 443, "")
	c.Assert(err, qt.IsNil)
	c.Assert(leaf, qt.Equals, userCert)
}

func TestFindCertNoUpstreamCertMintsCNOnly(t *testing.T) {
	c := qt.New(t)

	ca, err := cert.NewSelfSignCAMemory()
	c.Assert(err, qt.IsNil)

	f := &certstore.Finder{Store: certstore.New(ca, ""), NoUpstreamCert: true}

	leaf, err := f.FindCert(context.Background(), "no-upstream.test", 443, "")
	c.Assert(err, qt.IsNil)
	c.Assert(leaf.Leaf.Subject.CommonName, qt.Equals, "no-upstream.test")
}

func TestFindCertHarvestsUpstreamSANs(t *testing.T) {
	c := qt.New(t)

	origin := httptest.NewTLSServer(http.NotFoundHandler())
	defer origin.Close()

	host, portStr, err := net.SplitHostPort(origin.Listener.Addr().String())
	c.Assert(err, qt.IsNil)
	port, err := strconv.Atoi(portStr)
	c.Assert(err, qt.IsNil)

	ca, err := cert.NewSelfSignCAMemory()
	c.Assert(err, qt.IsNil)

	f := &certstore.Finder{
		Store:   certstore.New(ca, ""),
		Fetcher: &certstore.UpstreamCertFetcher{InsecureSkipVerify: true},
	}

	leaf, err := f.FindCert(context.Background(), host, port, "")
	c.Assert(err, qt.IsNil)
	c.Assert(leaf, qt.IsNotNil)
}

func TestUpstreamCertFetcherRejectsPlaintext(t *testing.T) {
	c := qt.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, qt.IsNil)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	c.Assert(err, qt.IsNil)
	port, err := strconv.Atoi(portStr)
	c.Assert(err, qt.IsNil)

	fetcher := &certstore.UpstreamCertFetcher{InsecureSkipVerify: true}
	_, _, err = fetcher.Fetch(context.Background(), host, port, "")
	c.Assert(err, qt.ErrorMatches, ".*tls handshake.*")
}
