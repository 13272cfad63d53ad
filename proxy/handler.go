package proxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kamilstanek/wiretap/internal/connpool"
	"github.com/kamilstanek/wiretap/internal/controller"
	"github.com/kamilstanek/wiretap/internal/helper"
	"github.com/kamilstanek/wiretap/internal/model"
	"github.com/kamilstanek/wiretap/internal/reqio"
)

// maxPeekedRequestLine bounds how far peekLine will grow its lookahead
// before giving up; it also sizes the handler's read buffer so that bound
// is actually reachable (bufio.Reader.Peek cannot look further ahead than
// its buffer's capacity).
const maxPeekedRequestLine = 8 << 10

// state tracks where a connection is in its request/response cycle.
type state int

const (
	stateAwaitRequest state = iota
	stateTunnelEstablishing
	stateTlsHandshaking
	stateForwardingRequest
	stateAwaitingResponse
	stateWritingResponse
	stateClosing
)

// handler runs the full request/response loop for one accepted socket: one
// handler per connection, one goroutine, covering explicit, transparent, and
// reverse intake.
type handler struct {
	proxy *Proxy
	raw   net.Conn
	log   *slog.Logger

	state state

	scheme string
	host   string
	port   int
	tls    bool

	r *bufio.Reader
	w io.Writer

	pool *connpool.Pool

	cc   *model.ClientConnect
	ctrl *controller.Channel

	// pendingTunnel is set by forward when the origin answers with "101
	// Switching Protocols"; exchange hands the connection off to an
	// opaque byte tunnel instead of the normal keep-alive loop.
	pendingTunnel *tunnelConn
}

func newHandler(p *Proxy, raw net.Conn) *handler {
	cc := model.NewClientConnect(raw.RemoteAddr().String())
	return &handler{
		proxy: p,
		raw:   raw,
		log:   p.log.With("in", "handler.run", "clientId", cc.ID),
		r:     newBufferedReader(raw),
		w:     raw,
		pool: &connpool.Pool{
			ClientCertDir:      p.config.ClientCertsDir,
			InsecureSkipVerify: p.config.InsecureSkipVerify,
			UpstreamProxy:      p.config.UpstreamProxy,
		},
		cc:   cc,
		ctrl: controller.NewChannel(),
	}
}

// run drives the handler to completion. It always publishes exactly one
// ClientConnect followed eventually by exactly one ClientDisconnect,
// regardless of how the loop exits.
func (h *handler) run() {
	defer h.raw.Close()
	go h.proxy.runController(h.ctrl)

	h.ctrl.PublishClientConnect(h.cc)

	var loopErr error
	if !h.ctrl.CloseRequested() {
		// The controller may have asserted close on ClientConnect itself,
		// before any exchange ran; otherwise proceed to intake as usual.
		loopErr = h.seedDestination()
		if loopErr == nil {
			loopErr = h.loop()
		}
	}
	h.pool.Evict()

	errMsg := ""
	if loopErr != nil && !errors.Is(loopErr, io.EOF) {
		errMsg = loopErr.Error()
		var perr *model.ProxyError
		if errors.As(loopErr, &perr) {
			// Coded failures that escaped the exchange loop (intake
			// resolution, TLS upgrade) still get a synthetic response if the
			// socket is writable at all; write errors here are swallowed.
			_ = writeProxyError(h.w, perr)
			h.ctrl.PublishError(&model.Error{Message: perr.Msg, Code: perr.Code})
		} else {
			// Transport-level failures have no HTTP code to synthesize;
			// publish the Error event and close silently.
			h.ctrl.PublishError(&model.Error{Message: errMsg})
		}
	}
	h.ctrl.PublishClientDisconnect(model.NewClientDisconnect(h.cc, errMsg))
	h.ctrl.Close()
}

// seedDestination resolves the initial (scheme, host, port) per intake
// mode; transparent connections destined for a TLS port upgrade immediately,
// before any request is read.
func (h *handler) seedDestination() error {
	switch h.proxy.config.Mode {
	case ModeReverse:
		// The configured scheme applies to the upstream side only; the
		// client side stays plaintext regardless.
		h.scheme = h.proxy.config.Reverse.Scheme
		h.host = h.proxy.config.Reverse.Host
		h.port = h.proxy.config.Reverse.Port
		return nil

	case ModeTransparent:
		host, port, err := h.proxy.transparentResolver.OriginalAddr(h.raw)
		if err != nil {
			return model.NewProxyError(502, fmt.Sprintf("transparent resolution failed: %v", err))
		}
		h.host, h.port = host, port
		h.scheme = "http"
		isTLS := h.proxy.config.isTransparentTLSPort(port)
		if !isTLS {
			// TLS on a non-standard port still gets intercepted when the
			// first bytes carry a handshake record.
			if buf, err := h.r.Peek(3); err == nil && helper.IsTLS(buf) {
				isTLS = true
			}
		}
		if isTLS {
			h.scheme = "https"
			if h.proxy.shouldIntercept != nil && !h.proxy.shouldIntercept(host) {
				if err := h.tunnelPassthrough(host, port); err != nil {
					return err
				}
				return io.EOF // tunnel consumed the connection; signal a clean exit to run()
			}
			return h.upgradeTLS(host)
		}
		return nil

	default: // ModeExplicit: resolved per-request from the request line / CONNECT
		return nil
	}
}

// loop is the AwaitRequest/ForwardingRequest/AwaitingResponse/WritingResponse
// cycle, repeated until keep-alive says stop.
func (h *handler) loop() error {
	for {
		skipBlankLine(h.r)

		h.setReadDeadline()
		req, perr, err := h.readRequest()
		if err != nil {
			return err
		}
		if perr != nil {
			_ = writeProxyError(h.w, perr)
			h.ctrl.PublishError(&model.Error{Message: perr.Msg, Code: perr.Code})
			return nil
		}

		if h.proxy.config.Mode == ModeExplicit && req.Method == http.MethodConnect {
			if done, err := h.handleConnect(req); done || err != nil {
				return err
			}
			continue
		}

		if h.proxy.config.Authenticator != nil && h.proxy.config.Mode == ModeExplicit && h.cc.RequestCount() == 0 {
			if !h.proxy.config.Authenticator.Authenticate(req.Header) {
				h.writeChallenge()
				return nil
			}
			h.proxy.config.Authenticator.Clean(req.Header)
		}

		h.cc.IncRequestCount()

		if a, ok := h.proxy.apps.Get(req.Host, req.Port, req.Header.Get("Host")); ok {
			if err := h.serveApp(a, req); err != nil {
				// Application failure closes the connection regardless of
				// the request's own keep-alive semantics.
				return nil
			}
			if model.RequestConnectionClose(req.Proto, req.Header) || h.ctrl.CloseRequested() {
				return nil
			}
			continue
		}

		closeAfter, err := h.exchange(req)
		if err != nil {
			return err
		}
		if closeAfter || h.ctrl.CloseRequested() {
			return nil
		}
	}
}

// readRequest parses one request in the handler's current mode, seeding
// scheme/host/port for explicit-mode absolute-form and CONNECT-tunnelled
// requests from the request line/current TLS binding.
func (h *handler) readRequest() (*model.Request, *model.ProxyError, error) {
	scheme, host, port := h.scheme, h.host, h.port

	if h.proxy.config.Mode == ModeExplicit && !h.tls {
		// Peek the request line to discover (scheme, host, port) for
		// absolute-form and CONNECT requests before handing off to
		// http.ReadRequest, which doesn't expose the authority separately
		// for CONNECT.
		line, err := peekLine(h.r)
		if err != nil {
			return nil, nil, err
		}
		method, authority, ok := parseRequestLine(line)
		if !ok {
			return nil, model.NewProxyError(400, "malformed request line"), nil
		}
		if method == http.MethodConnect {
			host, port, ok = splitAuthority(authority, 443)
			if !ok {
				return nil, model.NewProxyError(400, "malformed CONNECT target"), nil
			}
			scheme = "https"
		} else if u, err := url.ParseRequestURI(authority); err == nil && u.IsAbs() && u.Host != "" {
			scheme = u.Scheme
			host, port, ok = splitAuthority(helper.CanonicalAddr(u), 0)
			if !ok {
				return nil, model.NewProxyError(400, "malformed absolute-form host"), nil
			}
		} else {
			return nil, model.NewProxyError(400, "proxy received non-absolute-form request"), nil
		}
	}

	req, err := reqio.ReadRequest(h.r, scheme, host, port, h.cc.ID, h.proxy.config.BodySizeLimit)
	if err != nil {
		if errors.Is(err, reqio.ErrBodyTooLarge) {
			return nil, model.NewProxyError(413, err.Error()), nil
		}
		var perr *model.ProxyError
		if errors.As(err, &perr) {
			return nil, perr, nil
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, nil, err
		}
		// Any other parse failure (malformed request line, bad header
		// framing, unsupported Transfer-Encoding) is a client protocol
		// error.
		return nil, model.NewProxyError(400, err.Error()), nil
	}
	return req, nil, nil
}

// handleConnect answers a CONNECT with "200 Connection established" and
// upgrades the connection to TLS, binding all subsequent requests to the
// tunnelled (host, port) with scheme https.
func (h *handler) handleConnect(req *model.Request) (done bool, err error) {
	h.state = stateTunnelEstablishing
	host, port, ok := splitAuthority(req.Path, 443)
	if !ok {
		_ = writeProxyError(h.w, model.NewProxyError(400, "malformed CONNECT target"))
		return true, nil
	}

	if h.proxy.config.Authenticator != nil && h.cc.RequestCount() == 0 {
		if !h.proxy.config.Authenticator.Authenticate(req.Header) {
			h.writeChallenge()
			return true, nil
		}
		h.proxy.config.Authenticator.Clean(req.Header)
	}
	h.cc.IncRequestCount()

	if _, err := io.WriteString(h.w, "HTTP/1.1 200 Connection established\r\n\r\n"); err != nil {
		return true, err
	}

	if h.proxy.shouldIntercept != nil && !h.proxy.shouldIntercept(host) {
		return true, h.tunnelPassthrough(host, port)
	}

	h.port = port
	if err := h.upgradeTLS(host); err != nil {
		return true, err
	}
	return false, nil
}

// upgradeTLS performs the server-side TLS handshake using a forged leaf
// for host, replacing h.r/h.w with the TLS-wrapped versions.
func (h *handler) upgradeTLS(host string) error {
	h.state = stateTlsHandshaking

	cert, err := h.proxy.certFinder.FindCert(context.Background(), host, h.port, "")
	if err != nil {
		return model.NewProxyError(502, fmt.Sprintf("certificate forge failed: %v", err))
	}

	tlsConn := tls.Server(&peekedConn{Conn: h.raw, r: h.r}, &tls.Config{
		Certificates: []tls.Certificate{*cert},
		GetCertificate: func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
			name := chi.ServerName
			if name == "" {
				name = host
			}
			return h.proxy.certFinder.FindCert(context.Background(), host, h.port, name)
		},
		KeyLogWriter: helper.GetTLSKeyLogWriter(),
	})
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return model.NewProxyError(502, fmt.Sprintf("TLS handshake failed: %v", err))
	}

	h.raw = tlsConn
	h.r = bufio.NewReader(tlsConn)
	h.w = tlsConn
	h.tls = true
	h.scheme = "https"
	h.host = host
	h.state = stateAwaitRequest
	return nil
}

// exchange runs one Request -> controller -> forward -> Response ->
// controller -> write cycle, returning whether the handler should close
// the connection afterward.
func (h *handler) exchange(req *model.Request) (closeAfter bool, err error) {
	h.state = stateForwardingRequest

	fwd, replacement, perr := h.ctrl.PublishRequest(req)
	if perr != nil {
		if errors.Is(perr, controller.ErrDropped) {
			// The controller asked for a silent teardown; no error event,
			// nothing written to the client.
			return true, nil
		}
		h.ctrl.PublishError(&model.Error{RequestID: req.ID, HasRequest: true, Message: perr.Error()})
		return true, nil
	}

	var resp *model.Response
	upstreamTerminated := false
	if replacement != nil {
		resp = replacement
	} else {
		resp, upstreamTerminated, err = h.forward(fwd)
		if err != nil {
			var perr *model.ProxyError
			if errors.As(err, &perr) {
				_ = writeProxyError(h.w, perr)
				h.ctrl.PublishError(&model.Error{RequestID: req.ID, HasRequest: true, Message: perr.Msg, Code: perr.Code})
				return true, nil
			}
			h.ctrl.PublishError(&model.Error{RequestID: req.ID, HasRequest: true, Message: err.Error()})
			return true, nil
		}
	}

	h.state = stateAwaitingResponse
	out, derr := h.ctrl.PublishResponse(resp)
	if derr != nil {
		if errors.Is(derr, controller.ErrDropped) {
			return true, nil
		}
		h.ctrl.PublishError(&model.Error{RequestID: req.ID, HasRequest: true, Message: derr.Error()})
		return true, nil
	}

	h.state = stateWritingResponse
	h.setWriteDeadline()
	if err := reqio.WriteResponse(h.w, out); err != nil {
		return false, err
	}

	if h.pendingTunnel != nil {
		t := h.pendingTunnel
		h.pendingTunnel = nil
		h.tunnelOpaque(t)
		return true, nil
	}

	return model.RequestConnectionClose(req.Proto, req.Header) || out.Close() || upstreamTerminated, nil
}

// forward obtains an upstream connection from the pool, writes fwd, and
// reads the response. The second return value reports whether the upstream
// connection was terminated mid-exchange: it is true when the response body
// was framed by "read until the connection closes" (no Content-Length, no
// chunked Transfer-Encoding), meaning the socket is already unusable even
// though a complete response was parsed. The handler must then close the
// client connection too, regardless of what either side's headers said.
func (h *handler) forward(fwd *model.Request) (resp *model.Response, upstreamTerminated bool, err error) {
	scheme, host, port := fwd.Scheme, fwd.Host, fwd.Port
	if h.proxy.config.Mode == ModeReverse {
		scheme, host, port = h.proxy.config.Reverse.Scheme, h.proxy.config.Reverse.Host, h.proxy.config.Reverse.Port
	}

	conn, err := h.pool.Get(context.Background(), scheme, host, port)
	if err != nil {
		return nil, false, err
	}

	if err := reqio.WriteRequest(conn, fwd); err != nil {
		h.pool.Evict()
		return nil, false, model.NewProxyError(502, fmt.Sprintf("write to upstream failed: %v", err))
	}

	r := bufio.NewReader(conn)
	resp, err = reqio.ReadResponse(r, fwd.Method, fwd.ID, h.proxy.config.BodySizeLimit)
	if err != nil {
		h.pool.Evict()
		return nil, false, model.NewProxyError(502, fmt.Sprintf("read from upstream failed: %v", err))
	}
	resp.OriginCert = conn.OriginCert

	if resp.StatusCode == http.StatusSwitchingProtocols {
		h.log.Debug("upgrading to opaque tunnel", "websocket", isWebSocketUpgrade(fwd.Header))
		// The pool's notion of "current connection" no longer applies:
		// this socket now belongs exclusively to the opaque tunnel.
		h.pool.Forget()
		h.pendingTunnel = &tunnelConn{conn: conn, reader: r}
		return resp, false, nil
	}

	upstreamTerminated = framedByConnectionClose(fwd.Method, resp)
	if resp.Close() || upstreamTerminated {
		h.pool.Evict()
	}
	return resp, upstreamTerminated, nil
}

// framedByConnectionClose reports whether resp's body had to be read until
// the upstream connection closed rather than by an explicit Content-Length
// or chunked framing, per RFC 7230 §3.3.3: no Content-Length, no chunked
// Transfer-Encoding, and a status that permits a body at all. The upstream
// socket is dead once such a response has been read in full, independent
// of any Connection header either side sent.
func framedByConnectionClose(method string, resp *model.Response) bool {
	if method == http.MethodHead {
		return false
	}
	if resp.StatusCode/100 == 1 || resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotModified {
		return false
	}
	if resp.Header.Get("Content-Length") != "" {
		return false
	}
	for _, tok := range strings.Split(resp.Header.Get("Transfer-Encoding"), ",") {
		if strings.EqualFold(strings.TrimSpace(tok), "chunked") {
			return false
		}
	}
	return true
}

// setReadDeadline and setWriteDeadline apply the configured per-request
// timeouts (--read-timeout/--write-timeout), if any. A zero value leaves
// the connection's deadline untouched, i.e. no timeout.
func (h *handler) setReadDeadline() {
	if s := h.proxy.config.ReadTimeoutSeconds; s > 0 {
		h.raw.SetReadDeadline(time.Now().Add(time.Duration(s) * time.Second))
	}
}

func (h *handler) setWriteDeadline() {
	if s := h.proxy.config.WriteTimeoutSeconds; s > 0 {
		h.raw.SetWriteDeadline(time.Now().Add(time.Duration(s) * time.Second))
	}
}

func (h *handler) writeChallenge() {
	header := h.proxy.config.Authenticator.ChallengeHeaders()
	perr := &model.ProxyError{Code: 407, Msg: "Proxy Authentication Required", Header: header}
	_ = writeProxyError(h.w, perr)
}

func splitAuthority(authority string, defaultPort int) (host string, port int, ok bool) {
	h, p, err := net.SplitHostPort(authority)
	if err != nil {
		return authority, defaultPort, authority != ""
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, false
	}
	return h, n, true
}

// peekLine returns the request line without consuming it: the caller still
// needs the full wire request (request line included) to be available for
// reqio.ReadRequest's subsequent http.ReadRequest call, so this must inspect
// via bufio.Reader.Peek rather than ReadString, which would advance the
// reader past the line it returns.
func peekLine(r *bufio.Reader) (string, error) {
	for n := 1; n <= maxPeekedRequestLine; n++ {
		// Peek blocks until n bytes are buffered, so only ask for one byte
		// beyond what has already arrived.
		if b := r.Buffered(); b > n {
			n = min(b, maxPeekedRequestLine)
		}
		buf, err := r.Peek(n)
		if idx := bytes.IndexByte(buf, '\n'); idx >= 0 {
			return string(buf[:idx+1]), nil
		}
		if err != nil {
			if len(buf) == 0 {
				return "", err
			}
			return "", fmt.Errorf("malformed request line: %w", err)
		}
	}
	return "", fmt.Errorf("request line exceeds %d bytes", maxPeekedRequestLine)
}

func newBufferedReader(raw net.Conn) *bufio.Reader {
	return bufio.NewReaderSize(raw, maxPeekedRequestLine)
}

func parseRequestLine(line string) (method, target string, ok bool) {
	var rest string
	method, rest, ok = strings.Cut(line, " ")
	if !ok {
		return "", "", false
	}
	target, _, ok = strings.Cut(rest, " ")
	return method, target, ok
}

func skipBlankLine(r *bufio.Reader) {
	for {
		b, err := r.Peek(2)
		if err != nil {
			return
		}
		if b[0] == '\r' && b[1] == '\n' {
			r.Discard(2)
			continue
		}
		return
	}
}

// peekedConn lets a bufio.Reader that already buffered bytes off the raw
// socket sit in front of the TLS server handshake without losing them.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (p *peekedConn) Read(b []byte) (int, error) {
	return p.r.Read(b)
}
