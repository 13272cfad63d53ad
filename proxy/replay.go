package proxy

import (
	"bufio"
	"context"
	"fmt"

	"github.com/kamilstanek/wiretap/internal/connpool"
	"github.com/kamilstanek/wiretap/internal/controller"
	"github.com/kamilstanek/wiretap/internal/model"
	"github.com/kamilstanek/wiretap/internal/reqio"
)

// Replay re-issues a previously captured request out-of-band: it opens a
// fresh, unpooled upstream connection, sends req, reads the response bounded
// by the proxy's body-size limit, and publishes the outcome on ch. Replay is
// meant to be run in its own goroutine; a failure here never affects any
// live handler.
func (p *Proxy) Replay(ctx context.Context, req *model.Request, ch *controller.Channel) {
	log := p.log.With("in", "Proxy.Replay", "requestId", req.ID, "url", req.URL())

	// A Pool instance that lives only for this one call is, by
	// construction, never reused across requests: replays never pool.
	pool := &connpool.Pool{
		ClientCertDir:      p.config.ClientCertsDir,
		InsecureSkipVerify: p.config.InsecureSkipVerify,
		UpstreamProxy:      p.config.UpstreamProxy,
	}
	defer pool.Evict()

	conn, err := pool.Get(ctx, req.Scheme, req.Host, req.Port)
	if err != nil {
		log.Error("replay dial failed", "error", err)
		ch.PublishError(&model.Error{RequestID: req.ID, HasRequest: true, Message: err.Error()})
		return
	}

	if err := reqio.WriteRequest(conn, req); err != nil {
		log.Error("replay write failed", "error", err)
		ch.PublishError(&model.Error{RequestID: req.ID, HasRequest: true, Message: fmt.Sprintf("replay write: %v", err)})
		return
	}

	r := bufio.NewReader(conn)
	resp, err := reqio.ReadResponse(r, req.Method, req.ID, p.config.BodySizeLimit)
	if err != nil {
		log.Error("replay read failed", "error", err)
		ch.PublishError(&model.Error{RequestID: req.ID, HasRequest: true, Message: fmt.Sprintf("replay read: %v", err)})
		return
	}
	resp.OriginCert = conn.OriginCert

	if _, perr := ch.PublishResponse(resp); perr != nil {
		log.Error("replay response publish failed", "error", perr)
	}
}
