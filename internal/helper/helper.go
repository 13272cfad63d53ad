// Package helper carries small shared utilities: host normalization and
// matching, proxy-chain dialing, and buffered-read helpers used by the wire
// codec.
package helper

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/match"
	"golang.org/x/net/idna"
)

// ReaderToBuffer reads r fully into memory as long as it stays under limit
// bytes. When the limit is reached the buffered prefix is stitched back onto
// the remaining stream and returned as a new reader, with a nil buffer.
func ReaderToBuffer(r io.Reader, limit int64) ([]byte, io.Reader, error) {
	buf := bytes.NewBuffer(make([]byte, 0))
	lr := io.LimitReader(r, limit)

	_, err := io.Copy(buf, lr)
	if err != nil {
		return nil, nil, err
	}

	if int64(buf.Len()) == limit {
		return nil, io.MultiReader(bytes.NewBuffer(buf.Bytes()), r), nil
	}

	return buf.Bytes(), nil, nil
}

var portMap = map[string]string{
	"http":   "80",
	"https":  "443",
	"socks5": "1080",
}

// CanonicalAddr returns url.Host but always with a ":port" suffix.
func CanonicalAddr(u *url.URL) string {
	port := u.Port()
	if port == "" {
		port = portMap[u.Scheme]
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// IsTLS reports whether buf (at least 3 bytes) starts with a TLS handshake
// record: content type 0x16, protocol major version 3.
func IsTLS(buf []byte) bool {
	return buf[0] == 0x16 && buf[1] == 0x03 && buf[2] <= 0x03
}

// ResponseCheck wraps an http.ResponseWriter and records whether the handler
// behind it ever produced output.
type ResponseCheck struct {
	http.ResponseWriter
	Wrote bool
}

func NewResponseCheck(r http.ResponseWriter) http.ResponseWriter {
	return &ResponseCheck{
		ResponseWriter: r,
	}
}

func (r *ResponseCheck) WriteHeader(statusCode int) {
	r.Wrote = true
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *ResponseCheck) Write(b []byte) (int, error) {
	r.Wrote = true
	return r.ResponseWriter.Write(b)
}

// MatchHost reports whether address (host or host:port) matches one of the
// glob patterns in hosts. A pattern without a port matches address on any
// port; a pattern with a port requires an exact port match.
func MatchHost(address string, hosts []string) bool {
	addrHost, addrPort, err := net.SplitHostPort(address)
	if err != nil {
		addrHost = address
		addrPort = ""
	}
	for _, h := range hosts {
		patHost, patPort, err := net.SplitHostPort(h)
		if err != nil {
			patHost = h
			patPort = ""
		}
		if patPort != "" && patPort != addrPort {
			continue
		}
		if match.Match(addrHost, patHost) {
			return true
		}
	}
	return false
}

// NormalizeHost converts host to its ASCII (IDNA) form so it can be used
// consistently as a certificate subject and as a CertStore cache key.
// Hosts that are already ASCII, or that fail IDNA conversion (e.g. bare IP
// literals), are returned lower-cased and otherwise unchanged.
func NormalizeHost(host string) string {
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return strings.ToLower(host)
	}
	return ascii
}
