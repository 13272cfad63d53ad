package proxy_test

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	uuid "github.com/satori/go.uuid"

	"github.com/kamilstanek/wiretap/cert"
	"github.com/kamilstanek/wiretap/internal/auth"
	"github.com/kamilstanek/wiretap/internal/controller"
	"github.com/kamilstanek/wiretap/internal/model"
	"github.com/kamilstanek/wiretap/proxy"
)

// startProxy builds and runs a Proxy with cfg (Addr/Mode left to the caller,
// everything else defaulted), returning it and its base URL; the proxy is
// closed by t.Cleanup.
func startProxy(t *testing.T, cfg proxy.Config) (*proxy.Proxy, *url.URL) {
	t.Helper()
	c := qt.New(t)

	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	ca, err := cert.NewSelfSignCAMemory()
	c.Assert(err, qt.IsNil)

	p, err := proxy.NewProxy(cfg, ca)
	c.Assert(err, qt.IsNil)

	go p.Start()
	t.Cleanup(func() { p.Close() })

	var addr string
	for i := 0; i < 100; i++ {
		if a := p.Addr(); a != nil {
			addr = a.String()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.Assert(addr, qt.Not(qt.Equals), "")

	u, err := url.Parse("http://" + addr)
	c.Assert(err, qt.IsNil)
	return p, u
}

func TestForwardPlainHTTPRequest(t *testing.T) {
	c := qt.New(t)

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "hello from origin")
	}))
	defer origin.Close()

	_, proxyURL := startProxy(t, proxy.Config{Mode: proxy.ModeExplicit})

	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	resp, err := client.Get(origin.URL)
	c.Assert(err, qt.IsNil)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	c.Assert(err, qt.IsNil)
	c.Assert(resp.StatusCode, qt.Equals, http.StatusOK)
	c.Assert(string(body), qt.Equals, "hello from origin")
}

func TestConnectAndInterceptTLS(t *testing.T) {
	c := qt.New(t)

	origin := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "decrypted response")
	}))
	defer origin.Close()

	p, proxyURL := startProxy(t, proxy.Config{Mode: proxy.ModeExplicit, InsecureSkipVerify: true})

	pool := x509.NewCertPool()
	pool.AddCert(p.GetRootCertificate())

	client := &http.Client{Transport: &http.Transport{
		Proxy:           http.ProxyURL(proxyURL),
		TLSClientConfig: &tls.Config{RootCAs: pool},
	}}

	resp, err := client.Get(origin.URL)
	c.Assert(err, qt.IsNil)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	c.Assert(err, qt.IsNil)
	c.Assert(resp.StatusCode, qt.Equals, http.StatusOK)
	c.Assert(string(body), qt.Equals, "decrypted response")
}

func TestMissingProxyAuthReturnsChallenge(t *testing.T) {
	c := qt.New(t)

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "should not be reached")
	}))
	defer origin.Close()

	_, proxyURL := startProxy(t, proxy.Config{
		Mode:          proxy.ModeExplicit,
		Authenticator: auth.NewSingleUser("alice", "secret"),
	})

	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	resp, err := client.Get(origin.URL)
	c.Assert(err, qt.IsNil)
	defer resp.Body.Close()

	c.Assert(resp.StatusCode, qt.Equals, http.StatusProxyAuthRequired)
	c.Assert(resp.Header.Get("Proxy-Authenticate"), qt.Contains, "mitmproxy")
}

func TestValidProxyAuthSucceeds(t *testing.T) {
	c := qt.New(t)

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "authorized")
	}))
	defer origin.Close()

	_, proxyURL := startProxy(t, proxy.Config{
		Mode:          proxy.ModeExplicit,
		Authenticator: auth.NewSingleUser("alice", "secret"),
	})
	proxyURL.User = url.UserPassword("alice", "secret")

	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	resp, err := client.Get(origin.URL)
	c.Assert(err, qt.IsNil)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	c.Assert(err, qt.IsNil)
	c.Assert(resp.StatusCode, qt.Equals, http.StatusOK)
	c.Assert(string(body), qt.Equals, "authorized")
}

// substitutingController always answers Continue, except it rewrites every
// response body to a fixed payload.
type substitutingController struct{ body string }

func (s *substitutingController) Run(ch *controller.Channel) {
	for ev := range ch.Events() {
		switch ev.Kind {
		case controller.KindResponse:
			substituted := *ev.Response
			substituted.Body = []byte(s.body)
			ev.Answer(controller.Reply{Disposition: controller.Modify, Response: &substituted})
		default:
			ev.Answer(controller.Reply{Disposition: controller.Continue})
		}
	}
}

func TestControllerCanSubstituteResponse(t *testing.T) {
	c := qt.New(t)

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "original body")
	}))
	defer origin.Close()

	p, proxyURL := startProxy(t, proxy.Config{Mode: proxy.ModeExplicit})
	p.SetController(&substitutingController{body: "substituted body"})

	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	resp, err := client.Get(origin.URL)
	c.Assert(err, qt.IsNil)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	c.Assert(err, qt.IsNil)
	c.Assert(string(body), qt.Equals, "substituted body")
}

func TestUnreachableUpstreamReturnsBadGateway(t *testing.T) {
	c := qt.New(t)

	_, proxyURL := startProxy(t, proxy.Config{Mode: proxy.ModeExplicit})

	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	// Port 1 is a privileged, conventionally-unbound port; connection is
	// refused immediately on loopback.
	resp, err := client.Get("http://127.0.0.1:1/")
	c.Assert(err, qt.IsNil)
	defer resp.Body.Close()

	c.Assert(resp.StatusCode, qt.Equals, http.StatusBadGateway)
}

func TestKeepAliveConnectionSwitchesUpstreamHost(t *testing.T) {
	c := qt.New(t)

	originA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "from a")
	}))
	defer originA.Close()
	originB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "from b")
	}))
	defer originB.Close()

	_, proxyURL := startProxy(t, proxy.Config{Mode: proxy.ModeExplicit})

	// A single Transport reuses its idle client<->proxy socket across both
	// requests, forcing the handler's
	// cache-of-one pool to evict and redial between origins.
	transport := &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	client := &http.Client{Transport: transport}

	respA, err := client.Get(originA.URL)
	c.Assert(err, qt.IsNil)
	bodyA, _ := io.ReadAll(respA.Body)
	respA.Body.Close()
	c.Assert(string(bodyA), qt.Equals, "from a")

	respB, err := client.Get(originB.URL)
	c.Assert(err, qt.IsNil)
	bodyB, _ := io.ReadAll(respB.Body)
	respB.Body.Close()
	c.Assert(string(bodyB), qt.Equals, "from b")
}

func TestReverseModeForwardsToFixedUpstream(t *testing.T) {
	c := qt.New(t)

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "reverse target: "+r.URL.Path)
	}))
	defer origin.Close()

	target, err := proxy.ParseReverseTarget(origin.URL)
	c.Assert(err, qt.IsNil)

	_, proxyURL := startProxy(t, proxy.Config{Mode: proxy.ModeReverse, Reverse: target})

	// Reverse mode clients talk to the proxy as if it were the origin: a
	// plain origin-form request, no proxy configuration.
	resp, err := http.Get(proxyURL.String() + "/some/path")
	c.Assert(err, qt.IsNil)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	c.Assert(err, qt.IsNil)
	c.Assert(string(body), qt.Equals, "reverse target: /some/path")
}

func TestLocalAppAnswersWithoutUpstream(t *testing.T) {
	c := qt.New(t)

	p, proxyURL := startProxy(t, proxy.Config{Mode: proxy.ModeExplicit})
	p.AddApp("app.internal", 80, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-App", "registry")
		io.WriteString(w, "served locally")
	}))

	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	resp, err := client.Get("http://app.internal/")
	c.Assert(err, qt.IsNil)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	c.Assert(err, qt.IsNil)
	c.Assert(resp.StatusCode, qt.Equals, http.StatusOK)
	c.Assert(resp.Header.Get("X-App"), qt.Equals, "registry")
	c.Assert(string(body), qt.Equals, "served locally")
}

func TestLocalAppFailureClosesWithoutPartialData(t *testing.T) {
	c := qt.New(t)

	p, proxyURL := startProxy(t, proxy.Config{Mode: proxy.ModeExplicit})
	p.AddApp("broken.internal", 80, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("app blew up")
	}))

	conn, err := net.Dial("tcp", proxyURL.Host)
	c.Assert(err, qt.IsNil)
	defer conn.Close()

	_, err = io.WriteString(conn, "GET http://broken.internal/ HTTP/1.1\r\nHost: broken.internal\r\n\r\n")
	c.Assert(err, qt.IsNil)

	// The handler must tear the connection down without writing anything:
	// no synthetic error response, no partial data, no keep-alive.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := conn.Read(make([]byte, 1))
	c.Assert(n, qt.Equals, 0)
	c.Assert(err, qt.Equals, io.EOF)
}

func TestReplayPublishesResponseOutOfBand(t *testing.T) {
	c := qt.New(t)

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "replayed")
	}))
	defer origin.Close()

	p, _ := startProxy(t, proxy.Config{Mode: proxy.ModeExplicit})

	u, err := url.Parse(origin.URL)
	c.Assert(err, qt.IsNil)
	port, err := strconv.Atoi(u.Port())
	c.Assert(err, qt.IsNil)

	header := make(http.Header)
	header.Set("Host", u.Host)
	req := &model.Request{
		ID:     uuid.NewV4(),
		Proto:  "HTTP/1.1",
		Scheme: "http",
		Host:   u.Hostname(),
		Port:   port,
		Method: http.MethodGet,
		Path:   "/",
		Header: header,
	}

	ch := controller.NewChannel()
	published := make(chan *model.Response, 1)
	go func() {
		for ev := range ch.Events() {
			if ev.Kind == controller.KindResponse {
				published <- ev.Response
			}
			ev.Answer(controller.Reply{Disposition: controller.Continue})
		}
	}()

	p.Replay(context.Background(), req, ch)

	select {
	case resp := <-published:
		c.Assert(resp.StatusCode, qt.Equals, http.StatusOK)
		c.Assert(string(resp.Body), qt.Equals, "replayed")
	case <-time.After(5 * time.Second):
		c.Fatal("no response published by replay")
	}
}

// exchangeRewritingController exercises both substitution directions: it
// rewrites every request body to "X" before forwarding, and forces every
// response's status to 418 before it reaches the client.
type exchangeRewritingController struct{}

func (exchangeRewritingController) Run(ch *controller.Channel) {
	for ev := range ch.Events() {
		switch ev.Kind {
		case controller.KindRequest:
			mod := *ev.Request
			mod.Body = []byte("X")
			ev.Answer(controller.Reply{Disposition: controller.Modify, Request: &mod})
		case controller.KindResponse:
			sub := *ev.Response
			sub.StatusCode = http.StatusTeapot
			sub.Reason = "I'm a teapot"
			ev.Answer(controller.Reply{Disposition: controller.Modify, Response: &sub})
		default:
			ev.Answer(controller.Reply{Disposition: controller.Continue})
		}
	}
}

func TestControllerSubstitutesRequestAndResponse(t *testing.T) {
	c := qt.New(t)

	var upstreamBody []byte
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamBody, _ = io.ReadAll(r.Body)
		io.WriteString(w, "ok")
	}))
	defer origin.Close()

	p, proxyURL := startProxy(t, proxy.Config{Mode: proxy.ModeExplicit})
	p.SetController(exchangeRewritingController{})

	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	resp, err := client.Post(origin.URL, "text/plain", strings.NewReader("original body"))
	c.Assert(err, qt.IsNil)
	defer resp.Body.Close()

	c.Assert(string(upstreamBody), qt.Equals, "X")
	c.Assert(resp.StatusCode, qt.Equals, http.StatusTeapot)
}

// replacingController answers every request with a canned response, so the
// upstream is never contacted.
type replacingController struct{}

func (replacingController) Run(ch *controller.Channel) {
	for ev := range ch.Events() {
		if ev.Kind == controller.KindRequest {
			header := make(http.Header)
			header.Set("X-Short-Circuit", "1")
			ev.Answer(controller.Reply{Disposition: controller.Replace, Response: &model.Response{
				RequestID:  ev.Request.ID,
				Proto:      "HTTP/1.1",
				StatusCode: http.StatusOK,
				Header:     header,
				Body:       []byte("from controller"),
			}})
			continue
		}
		ev.Answer(controller.Reply{Disposition: controller.Continue})
	}
}

func TestControllerReplaceShortCircuitsUpstream(t *testing.T) {
	c := qt.New(t)

	p, proxyURL := startProxy(t, proxy.Config{Mode: proxy.ModeExplicit})
	p.SetController(replacingController{})

	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	// The target is never dialed: port 1 would refuse instantly if it were.
	resp, err := client.Get("http://127.0.0.1:1/")
	c.Assert(err, qt.IsNil)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	c.Assert(err, qt.IsNil)
	c.Assert(resp.StatusCode, qt.Equals, http.StatusOK)
	c.Assert(resp.Header.Get("X-Short-Circuit"), qt.Equals, "1")
	c.Assert(string(body), qt.Equals, "from controller")
}

// recordingController appends every observed event kind, closing done when
// the handler closes its channel.
type recordingController struct {
	mu    sync.Mutex
	kinds []controller.Kind
	done  chan struct{}
}

func (r *recordingController) Run(ch *controller.Channel) {
	for ev := range ch.Events() {
		r.mu.Lock()
		r.kinds = append(r.kinds, ev.Kind)
		r.mu.Unlock()
		ev.Answer(controller.Reply{Disposition: controller.Continue})
	}
	close(r.done)
}

func TestLifecycleEventsPublishedInOrder(t *testing.T) {
	c := qt.New(t)

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	defer origin.Close()

	rec := &recordingController{done: make(chan struct{})}
	p, proxyURL := startProxy(t, proxy.Config{Mode: proxy.ModeExplicit})
	p.SetController(rec)

	transport := &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	client := &http.Client{Transport: transport}
	resp, err := client.Get(origin.URL)
	c.Assert(err, qt.IsNil)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	// Hanging up the client<->proxy socket ends the handler loop, which must
	// publish ClientDisconnect last and then close the channel.
	transport.CloseIdleConnections()

	select {
	case <-rec.done:
	case <-time.After(5 * time.Second):
		c.Fatal("controller channel never closed")
	}

	rec.mu.Lock()
	kinds := append([]controller.Kind(nil), rec.kinds...)
	rec.mu.Unlock()
	c.Assert(kinds, qt.DeepEquals, []controller.Kind{
		controller.KindClientConnect,
		controller.KindRequest,
		controller.KindResponse,
		controller.KindClientDisconnect,
	})
}

// fixedResolver is a transparent.Resolver test double pinning every
// connection's original destination to one address.
type fixedResolver struct {
	host string
	port int
}

func (f fixedResolver) OriginalAddr(net.Conn) (string, int, error) {
	return f.host, f.port, nil
}

func TestTransparentModeRecoversOriginalDestination(t *testing.T) {
	c := qt.New(t)

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "transparent hit")
	}))
	defer origin.Close()

	u, err := url.Parse(origin.URL)
	c.Assert(err, qt.IsNil)
	port, err := strconv.Atoi(u.Port())
	c.Assert(err, qt.IsNil)

	p, proxyURL := startProxy(t, proxy.Config{Mode: proxy.ModeTransparent})
	p.SetTransparentResolver(fixedResolver{host: u.Hostname(), port: port})

	// The client believes it is talking to the origin directly; the proxy
	// recovers the destination from the (faked) NAT bookkeeping.
	resp, err := http.Get(proxyURL.String() + "/")
	c.Assert(err, qt.IsNil)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	c.Assert(err, qt.IsNil)
	c.Assert(string(body), qt.Equals, "transparent hit")
}
