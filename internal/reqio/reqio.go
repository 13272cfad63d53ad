// Package reqio parses and serializes the HTTP/1.x wire grammar shared by
// all three intake modes (explicit, transparent, reverse). It leans on
// net/http's own reader rather than a hand-rolled request-line lexer.
package reqio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/kamilstanek/wiretap/internal/helper"
	"github.com/kamilstanek/wiretap/internal/model"
)

// ErrBodyTooLarge is returned by ReadRequest/ReadResponse when the body
// exceeds the configured limit; an oversized request is never published,
// it turns into a coded error response.
var ErrBodyTooLarge = errors.New("reqio: body exceeds configured limit")

// ReadRequest parses one HTTP/1.x request from r. scheme/host/port are the
// effective destination for this exchange: for explicit-proxy absolute-form
// requests and CONNECT tunnels they come from the request line/SNI; for
// transparent and reverse intake they are seeded before this call from the
// OS resolver or the fixed upstream target, since the request line itself
// is origin-form and carries no destination.
func ReadRequest(r *bufio.Reader, scheme, host string, port int, clientID uuid.UUID, bodyLimit int64) (*model.Request, error) {
	start := time.Now()
	raw, err := http.ReadRequest(r)
	if err != nil {
		return nil, err
	}
	defer raw.Body.Close()

	body, err := readLimited(raw.Body, bodyLimit)
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}

	path := raw.URL.RequestURI()
	if raw.Method == http.MethodConnect {
		path = raw.URL.Host
	}

	// net/http lifts Host out of the header map; put it back so the
	// published header set is complete and WriteRequest forwards it.
	if raw.Host != "" {
		raw.Header.Set("Host", raw.Host)
	}

	return &model.Request{
		ID:            uuid.NewV4(),
		ClientID:      clientID,
		Proto:         raw.Proto,
		Scheme:        scheme,
		Host:          host,
		Port:          port,
		Method:        raw.Method,
		Path:          path,
		Header:        raw.Header,
		Body:          body,
		FirstByteTime: start,
		DoneTime:      time.Now(),
	}, nil
}

// WriteRequest serializes req onto w in origin-form, the form upstream
// servers and CONNECT-tunnelled origins expect (never absolute-form, even
// if the client sent it that way to the proxy).
func WriteRequest(w io.Writer, req *model.Request) error {
	path := req.Path
	if path == "" {
		path = "/"
	}
	if _, err := fmt.Fprintf(w, "%s %s %s\r\n", req.Method, path, req.Proto); err != nil {
		return err
	}
	if err := writeHeader(w, req.Header, int64(len(req.Body))); err != nil {
		return err
	}
	_, err := w.Write(req.Body)
	return err
}

// ReadResponse parses one HTTP/1.x response from r, matching it against the
// request method (HEAD responses carry no body per RFC 7230 §3.3.3).
func ReadResponse(r *bufio.Reader, requestMethod string, requestID uuid.UUID, bodyLimit int64) (*model.Response, error) {
	start := time.Now()
	raw, err := http.ReadResponse(r, &http.Request{Method: requestMethod})
	if err != nil {
		return nil, err
	}
	defer raw.Body.Close()

	body, err := readLimited(raw.Body, bodyLimit)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	return &model.Response{
		ID:            uuid.NewV4(),
		RequestID:     requestID,
		Proto:         raw.Proto,
		StatusCode:    raw.StatusCode,
		Reason:        httpReason(raw.Status, raw.StatusCode),
		Header:        raw.Header,
		Body:          body,
		FirstByteTime: start,
		DoneTime:      time.Now(),
	}, nil
}

// WriteResponse serializes resp onto w exactly as read (or as substituted
// by the controller), recomputing Content-Length from the buffered body.
func WriteResponse(w io.Writer, resp *model.Response) error {
	reason := resp.Reason
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}
	proto := resp.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}
	if _, err := fmt.Fprintf(w, "%s %d %s\r\n", proto, resp.StatusCode, reason); err != nil {
		return err
	}
	contentLength := int64(len(resp.Body))
	if resp.StatusCode/100 == 1 || resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotModified {
		// RFC 7230 §3.3.2: these statuses carry no message body framing.
		contentLength = -1
	}
	if err := writeHeader(w, resp.Header, contentLength); err != nil {
		return err
	}
	_, err := w.Write(resp.Body)
	return err
}

// writeHeader serializes header with the body framing normalized to a plain
// Content-Length (the body is fully buffered by the time anything is
// written). A negative contentLength omits the header entirely.
func writeHeader(w io.Writer, header http.Header, contentLength int64) error {
	h := header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	h.Del("Transfer-Encoding")
	if contentLength >= 0 {
		h.Set("Content-Length", fmt.Sprint(contentLength))
	} else {
		h.Del("Content-Length")
	}
	if err := h.Write(w); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

func httpReason(status string, code int) string {
	prefix := fmt.Sprintf("%d ", code)
	if len(status) > len(prefix) && status[:len(prefix)] == prefix {
		return status[len(prefix):]
	}
	return http.StatusText(code)
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	buf, _, err := helper.ReaderToBuffer(r, limit+1)
	if err != nil {
		return nil, err
	}
	if buf == nil {
		return nil, fmt.Errorf("%w: %d byte limit", ErrBodyTooLarge, limit)
	}
	return buf, nil
}
