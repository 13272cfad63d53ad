package reqio_test

import (
	"bufio"
	"bytes"
	"net/http"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"
	uuid "github.com/satori/go.uuid"

	"github.com/kamilstanek/wiretap/internal/model"
	"github.com/kamilstanek/wiretap/internal/reqio"
)

func TestReadRequestParsesAbsoluteFormFields(t *testing.T) {
	c := qt.New(t)

	raw := "GET http://example.test/ HTTP/1.1\r\nHost: example.test\r\nContent-Length: 2\r\n\r\nhi"
	r := bufio.NewReader(strings.NewReader(raw))

	req, err := reqio.ReadRequest(r, "http", "example.test", 80, uuid.NewV4(), 0)
	c.Assert(err, qt.IsNil)
	c.Assert(req.Method, qt.Equals, http.MethodGet)
	c.Assert(req.Scheme, qt.Equals, "http")
	c.Assert(req.Host, qt.Equals, "example.test")
	c.Assert(req.Port, qt.Equals, 80)
	c.Assert(string(req.Body), qt.Equals, "hi")
}

func TestReadRequestEnforcesBodyLimit(t *testing.T) {
	c := qt.New(t)

	raw := "POST / HTTP/1.1\r\nHost: example.test\r\nContent-Length: 5\r\n\r\nhello"
	r := bufio.NewReader(strings.NewReader(raw))

	_, err := reqio.ReadRequest(r, "http", "example.test", 80, uuid.NewV4(), 3)
	c.Assert(err, qt.ErrorMatches, ".*body exceeds configured limit.*")
}

func TestWriteRequestUsesOriginForm(t *testing.T) {
	c := qt.New(t)

	header := make(http.Header)
	header.Set("Host", "example.test")
	req := &model.Request{
		ID:     uuid.NewV4(),
		Proto:  "HTTP/1.1",
		Method: http.MethodGet,
		Path:   "/path",
		Header: header,
		Body:   []byte("hi"),
	}

	var buf bytes.Buffer
	c.Assert(reqio.WriteRequest(&buf, req), qt.IsNil)

	out := buf.String()
	c.Assert(strings.HasPrefix(out, "GET /path HTTP/1.1\r\n"), qt.IsTrue)
	c.Assert(strings.Contains(out, "Content-Length: 2"), qt.IsTrue)
	c.Assert(strings.HasSuffix(out, "hi"), qt.IsTrue)
}

func TestReadResponseParsesStatusAndBody(t *testing.T) {
	c := qt.New(t)

	raw := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi"
	r := bufio.NewReader(strings.NewReader(raw))

	resp, err := reqio.ReadResponse(r, http.MethodGet, uuid.NewV4(), 0)
	c.Assert(err, qt.IsNil)
	c.Assert(resp.StatusCode, qt.Equals, 200)
	c.Assert(resp.Reason, qt.Equals, "OK")
	c.Assert(string(resp.Body), qt.Equals, "hi")
}

func TestReadResponseHeadHasNoBody(t *testing.T) {
	c := qt.New(t)

	raw := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\n"
	r := bufio.NewReader(strings.NewReader(raw))

	resp, err := reqio.ReadResponse(r, http.MethodHead, uuid.NewV4(), 0)
	c.Assert(err, qt.IsNil)
	c.Assert(len(resp.Body), qt.Equals, 0)
}

func TestWriteResponseRoundTrips(t *testing.T) {
	c := qt.New(t)

	raw := "HTTP/1.1 201 Created\r\nContent-Length: 3\r\n\r\nfoo"
	r := bufio.NewReader(strings.NewReader(raw))
	resp, err := reqio.ReadResponse(r, http.MethodGet, uuid.NewV4(), 0)
	c.Assert(err, qt.IsNil)

	var buf bytes.Buffer
	c.Assert(reqio.WriteResponse(&buf, resp), qt.IsNil)

	r2 := bufio.NewReader(&buf)
	resp2, err := reqio.ReadResponse(r2, http.MethodGet, uuid.NewV4(), 0)
	c.Assert(err, qt.IsNil)
	c.Assert(resp2.StatusCode, qt.Equals, 201)
	c.Assert(string(resp2.Body), qt.Equals, "foo")
}

func TestDecodeBodyIdentityPassesThrough(t *testing.T) {
	c := qt.New(t)

	plain, err := reqio.DecodeBody("identity", []byte("hello"))
	c.Assert(err, qt.IsNil)
	c.Assert(string(plain), qt.Equals, "hello")
}

func TestDecodeBodyRejectsUnsupportedEncoding(t *testing.T) {
	c := qt.New(t)

	_, err := reqio.DecodeBody("br-lzma-unknown", []byte("x"))
	c.Assert(err, qt.ErrorMatches, ".*unsupported Content-Encoding.*")
}
