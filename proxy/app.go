package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/kamilstanek/wiretap/internal/helper"
	"github.com/kamilstanek/wiretap/internal/model"
)

// appResponseWriter buffers a local application's response in full. Nothing
// reaches the client socket until the application has returned cleanly, so a
// failing app never leaves partial data on the wire.
type appResponseWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newAppResponseWriter() *appResponseWriter {
	return &appResponseWriter{header: make(http.Header)}
}

func (w *appResponseWriter) Header() http.Header {
	return w.header
}

func (w *appResponseWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
}

func (w *appResponseWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.body.Write(b)
}

// flushTo writes the buffered response to out as a complete HTTP/1.1 message
// with a recomputed Content-Length.
func (w *appResponseWriter) flushTo(out io.Writer) error {
	status := w.status
	if status == 0 {
		status = http.StatusOK
	}
	reason := http.StatusText(status)
	if _, err := fmt.Fprintf(out, "HTTP/1.1 %d %s\r\n", status, reason); err != nil {
		return err
	}
	h := w.header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	h.Set("Content-Length", fmt.Sprint(w.body.Len()))
	if err := h.Write(out); err != nil {
		return err
	}
	if _, err := io.WriteString(out, "\r\n"); err != nil {
		return err
	}
	_, err := out.Write(w.body.Bytes())
	return err
}

// toHTTPRequest converts a canonical Request into the net/http form local
// applications expect.
func toHTTPRequest(req *model.Request) (*http.Request, error) {
	r, err := http.NewRequest(req.Method, req.URL(), bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	r.Header = req.Header.Clone()
	if host := req.Header.Get("Host"); host != "" {
		r.Host = host
	}
	return r, nil
}

// serveApp dispatches req to a local application. A non-nil error means the
// exchange failed (nothing, or only part of a response, reached the client)
// and the caller must close the connection.
func (h *handler) serveApp(a http.Handler, req *model.Request) error {
	log := h.log.With("in", "handler.serveApp", "host", req.Host, "port", req.Port)

	httpReq, err := toHTTPRequest(req)
	if err != nil {
		log.Error("local app request conversion failed", "error", err)
		return err
	}

	rw := newAppResponseWriter()
	checked := helper.NewResponseCheck(rw)
	if err := serveAppSafely(a, checked, httpReq); err != nil {
		// Close without writing anything: the client must never see a
		// half-finished local-app response.
		log.Error("local app failed", "error", err)
		return err
	}
	if rc, ok := checked.(*helper.ResponseCheck); ok && !rc.Wrote {
		rw.WriteHeader(http.StatusNotFound)
	}

	h.setWriteDeadline()
	if err := rw.flushTo(h.w); err != nil {
		logNetErr(log, "local app response write failed", err)
		return err
	}
	return nil
}

func serveAppSafely(a http.Handler, w http.ResponseWriter, r *http.Request) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("local app panic: %v", rec)
		}
	}()
	a.ServeHTTP(w, r)
	return nil
}
