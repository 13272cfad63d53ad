// Package model holds the wire-independent data types that flow between the
// proxy core and the controller: requests, responses, errors, and the
// per-connection lifecycle markers.
package model

import (
	"crypto/x509"
	"fmt"
	"net/http"
	"strings"
	"time"

	uuid "github.com/satori/go.uuid"
)

// Request is a canonical, immutable-after-intake HTTP request as read by
// RequestReader. It is published to the controller before forwarding.
type Request struct {
	ID uuid.UUID

	ClientID uuid.UUID // back-reference to the owning ClientConnect, resolved via registry rather than a pointer

	Proto  string
	Scheme string // "http" or "https"
	Host   string
	Port   int
	Method string
	Path   string

	// Header keeps every value of a repeated header, in the order received.
	// As an http.Header map it does not keep the order of distinct header
	// names.
	Header http.Header

	Body []byte

	FirstByteTime time.Time
	DoneTime      time.Time
}

// URL renders the absolute-form URL for this request, used for logging and
// to build the net/http request handed to local applications.
func (r *Request) URL() string {
	return fmt.Sprintf("%s://%s:%d%s", r.Scheme, r.Host, r.Port, r.Path)
}

// Response is the canonical response returned to the client, either read
// from the origin or substituted wholesale by the controller.
type Response struct {
	ID uuid.UUID

	RequestID uuid.UUID

	Proto      string
	StatusCode int
	Reason     string
	Header     http.Header
	Body       []byte

	// OriginCert is set when the response arrived over a TLS connection the
	// proxy terminated on the upstream side.
	OriginCert *x509.Certificate

	FirstByteTime time.Time
	DoneTime      time.Time
}

// Close reports whether this response's framing requires the handler to
// close the client connection (HTTP/1.0 default-close semantics, or an
// explicit Connection: close).
func (r *Response) Close() bool {
	return connectionClose(r.Proto, r.Header)
}

// ProxyError is a client-facing protocol error: a coded failure that the
// handler can synthesize into an HTTP error response for the client.
type ProxyError struct {
	Code   int
	Msg    string
	Header http.Header
}

func NewProxyError(code int, msg string) *ProxyError {
	return &ProxyError{Code: code, Msg: msg}
}

func (e *ProxyError) Error() string {
	return fmt.Sprintf("ProxyError(%d, %s)", e.Code, e.Msg)
}

// Error is the published event for any failure encountered while handling
// an exchange, whether or not it carries an HTTP code.
type Error struct {
	// RequestID is the zero UUID (and HasRequest false) if the failure
	// predates a successfully parsed request.
	RequestID  uuid.UUID
	HasRequest bool

	Message string
	Code    int // 0 if the failure has no client-visible HTTP code
}

// ClientConnect is published exactly once per accepted socket.
type ClientConnect struct {
	ID       uuid.UUID
	PeerAddr string
	requests *atomicCounter
}

func NewClientConnect(peerAddr string) *ClientConnect {
	return &ClientConnect{
		ID:       uuid.NewV4(),
		PeerAddr: peerAddr,
		requests: newAtomicCounter(),
	}
}

// IncRequestCount records that one more request was handled on this
// connection and returns the updated count. The counter is owned by the
// handler; the controller only ever observes a copy via RequestCount.
func (c *ClientConnect) IncRequestCount() uint32 {
	return c.requests.inc()
}

func (c *ClientConnect) RequestCount() uint32 {
	return c.requests.load()
}

// ClientDisconnect is published exactly once per accepted socket, always
// after the corresponding ClientConnect and after every exchange on that
// connection has been resolved.
type ClientDisconnect struct {
	ID           uuid.UUID
	ClientID     uuid.UUID
	RequestCount uint32
	Err          string // empty on clean close
}

func NewClientDisconnect(cc *ClientConnect, err string) *ClientDisconnect {
	return &ClientDisconnect{
		ID:           uuid.NewV4(),
		ClientID:     cc.ID,
		RequestCount: cc.RequestCount(),
		Err:          err,
	}
}

func connectionClose(proto string, header http.Header) bool {
	conn := header.Get("Connection")
	if conn == "" {
		// HTTP/1.0 and earlier default to close; HTTP/1.1 defaults to
		// keep-alive.
		return proto == "HTTP/1.0" || proto == ""
	}
	for _, tok := range strings.Split(conn, ",") {
		if strings.EqualFold(strings.TrimSpace(tok), "close") {
			return true
		}
	}
	return false
}

// RequestConnectionClose mirrors connectionClose for Request values, kept
// as a free function since Request has no Close method (the handler needs
// it before a Response exists).
func RequestConnectionClose(proto string, header http.Header) bool {
	return connectionClose(proto, header)
}
