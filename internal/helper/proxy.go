package helper

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

const connectTimeout = 1 * time.Minute

type contextDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// GetProxyConn opens a connection to address through the proxy at proxyURL.
// socks5:// URLs dial through a SOCKS5 dialer; http:// and https:// URLs
// issue a CONNECT to the proxy (over TLS for https). Credentials embedded in
// the URL are forwarded as the appropriate auth mechanism.
func GetProxyConn(ctx context.Context, proxyURL *url.URL, address string, sslInsecure bool) (net.Conn, error) {
	if proxyURL.Scheme == "socks5" {
		return dialSOCKS5(ctx, proxyURL, address)
	}
	return dialHTTPConnect(ctx, proxyURL, address, sslInsecure)
}

func dialSOCKS5(ctx context.Context, proxyURL *url.URL, address string) (net.Conn, error) {
	var auth *proxy.Auth
	if proxyURL.User != nil {
		pass, _ := proxyURL.User.Password()
		auth = &proxy.Auth{User: proxyURL.User.Username(), Password: pass}
	}
	dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, proxy.Direct)
	if err != nil {
		return nil, err
	}
	dc, ok := dialer.(contextDialer)
	if !ok {
		return nil, errors.New("SOCKS5 dialer does not support DialContext")
	}
	return dc.DialContext(ctx, "tcp", address)
}

func dialHTTPConnect(ctx context.Context, proxyURL *url.URL, address string, sslInsecure bool) (net.Conn, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", proxyURL.Host)
	if err != nil {
		return nil, err
	}
	if proxyURL.Scheme == "https" {
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         proxyURL.Hostname(),
			InsecureSkipVerify: sslInsecure, //nolint:gosec // operator-requested via --ssl-insecure
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}

	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: address},
		Host:   address,
		Header: make(http.Header),
	}
	if proxyURL.User != nil {
		connectReq.Header.Set("Proxy-Authorization",
			"Basic "+base64.StdEncoding.EncodeToString([]byte(proxyURL.User.String())))
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	type connectResult struct {
		resp *http.Response
		err  error
	}
	done := make(chan connectResult, 1)
	go func() {
		if err := connectReq.Write(conn); err != nil {
			done <- connectResult{err: err}
			return
		}
		// A buffered reader is safe to discard: the tunneled server will not
		// speak until spoken to, so nothing beyond the CONNECT response is
		// buffered here.
		br := bufio.NewReader(conn)
		resp, err := http.ReadResponse(br, connectReq)
		done <- connectResult{resp: resp, err: err}
	}()

	select {
	case <-connectCtx.Done():
		conn.Close()
		<-done
		return nil, connectCtx.Err()
	case res := <-done:
		if res.err != nil {
			conn.Close()
			return nil, res.err
		}
		if res.resp.StatusCode != http.StatusOK {
			_, text, ok := strings.Cut(res.resp.Status, " ")
			conn.Close()
			if !ok {
				return nil, errors.New("unknown status code")
			}
			return nil, fmt.Errorf("proxy CONNECT refused: %s", text)
		}
		return conn, nil
	}
}
