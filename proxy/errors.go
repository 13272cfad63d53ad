package proxy

import (
	"fmt"
	"io"
	"net/http"

	"github.com/kamilstanek/wiretap/internal/model"
)

// serverBanner is the Server: header value on every synthesized error
// response.
const serverBanner = "wiretap"

// writeProxyError synthesizes and writes the client-facing HTML error
// response for a ProxyError.
func writeProxyError(w io.Writer, e *model.ProxyError) error {
	reason := http.StatusText(e.Code)
	if reason == "" {
		reason = "Error"
	}
	body := fmt.Sprintf(
		"<html><head><title>%d %s</title></head><body><h1>%d %s</h1><p>%s</p></body></html>",
		e.Code, reason, e.Code, reason, htmlEscape(e.Msg),
	)

	header := make(http.Header)
	for k, vs := range e.Header {
		header[k] = vs
	}
	header.Set("Server", serverBanner)
	header.Set("Content-Type", "text/html; charset=utf-8")
	header.Set("Content-Length", fmt.Sprint(len(body)))
	header.Set("Connection", "close")

	if _, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", e.Code, reason); err != nil {
		return err
	}
	if err := header.Write(w); err != nil {
		return err
	}
	if _, err := w.Write([]byte("\r\n")); err != nil {
		return err
	}
	_, err := w.Write([]byte(body))
	return err
}

func htmlEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '<':
			out = append(out, "&lt;"...)
		case '>':
			out = append(out, "&gt;"...)
		case '&':
			out = append(out, "&amp;"...)
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}
