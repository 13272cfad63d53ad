package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
)

// tunnelConn pairs an upstream connection with the bufio.Reader that was
// used to parse its response headers, so bytes already buffered past the
// "101 Switching Protocols" header block (the start of a WebSocket frame,
// typically) aren't dropped when the handler switches to opaque copying.
type tunnelConn struct {
	conn   net.Conn
	reader *bufio.Reader
}

// bufferedConn lets an opaque tunnel read through a bufio.Reader that may
// already hold buffered bytes, then fall through to the raw connection once
// drained.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

// isWebSocketUpgrade reports whether header carries the Connection/Upgrade
// tokens of a genuine WebSocket handshake, using gorilla/websocket's own
// token matching rather than a naive substring check (RFC 6455 allows a
// comma-separated Connection header with Upgrade as one of several tokens).
// It is used only to tag the opaque tunnel in logs; the tunnel itself never
// parses frames.
func isWebSocketUpgrade(header http.Header) bool {
	return websocket.IsWebSocketUpgrade(&http.Request{Header: header})
}

// tunnelOpaque splices the client connection and the upstream connection
// together after a successful protocol upgrade. Frames are never parsed,
// only forwarded byte-for-byte until one side closes.
func (h *handler) tunnelOpaque(t *tunnelConn) {
	logger := h.log.With("in", "handler.tunnelOpaque")
	client := io.ReadWriteCloser(&bufferedConn{Conn: h.raw, r: h.r})
	server := io.ReadWriteCloser(&bufferedConn{Conn: t.conn, r: t.reader})
	splice(logger, server, client)
}

// tunnelPassthrough dials host:port and splices it directly to the client
// connection without TLS interception, for hosts excluded via
// SetInterceptHosts/SetNoInterceptHosts. Unlike the normal CONNECT flow,
// the proxy never sees cleartext: it only relays the TLS bytes.
func (h *handler) tunnelPassthrough(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := (&net.Dialer{}).DialContext(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect to upstream %s: %w", addr, err)
	}
	logger := h.log.With("in", "handler.tunnelPassthrough", "host", addr)
	// The client side reads through h.r so bytes already buffered (a sniffed
	// ClientHello, pipelined data after CONNECT) are relayed, not dropped.
	splice(logger, conn, &bufferedConn{Conn: h.raw, r: h.r})
	return nil
}
