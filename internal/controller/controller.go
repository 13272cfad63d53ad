// Package controller implements the publish/await-disposition rendezvous
// between a connection handler and an external controller: a pair of
// channels per handler, carrying one event at a time and blocking the
// handler until a disposition comes back.
package controller

import (
	"errors"
	"log/slog"

	"go.uber.org/atomic"

	"github.com/kamilstanek/wiretap/internal/model"
)

// ErrDropped is the error PublishRequest/PublishResponse return when the
// controller answered Drop without supplying its own error: the handler must
// tear the connection down silently.
var ErrDropped = errors.New("controller: exchange dropped")

// Kind identifies which field of Event is populated.
type Kind int

const (
	KindClientConnect Kind = iota
	KindClientDisconnect
	KindRequest
	KindResponse
	KindError
	KindLog
)

// Disposition is the controller's verdict on a published event.
type Disposition int

const (
	// Continue forwards the event's payload unchanged.
	Continue Disposition = iota
	// Modify forwards Reply.Request (for a Request event) instead of the
	// published one.
	Modify
	// Replace short-circuits a Request event with Reply.Response, skipping
	// the upstream exchange entirely.
	Replace
	// Drop aborts the exchange with Reply.Err.
	Drop
)

// Event is one published occurrence. Exactly one of the payload fields is
// set, matching Kind. The zero value of reply is never sent to a consumer;
// publish always wires it up.
type Event struct {
	Kind Kind

	ClientConnect    *model.ClientConnect
	ClientDisconnect *model.ClientDisconnect
	Request          *model.Request
	Response         *model.Response
	Err              *model.Error

	LogLevel slog.Level
	LogMsg   string
	LogArgs  []any

	reply chan Reply
}

// Reply answers a published Event with a disposition.
type Reply struct {
	Disposition Disposition
	Request     *model.Request
	Response    *model.Response
	Err         error

	// Close, once set on the reply to any event, tells the handler to close
	// the connection after its current exchange finishes, regardless of
	// keep-alive semantics. The controller answers an event rather than
	// reaching into shared handler state.
	Close bool
}

// Answer sends r back to the handler awaiting this event. It must be called
// exactly once per received Event; the handler blocks until it is.
func (e Event) Answer(r Reply) {
	e.reply <- r
}

// continueReply is the disposition every event kind except Request/Response
// always receives when nothing wants to intervene.
var continueReply = Reply{Disposition: Continue}

// Channel is the per-handler rendezvous: one unbuffered event channel, with
// a fresh one-slot reply channel minted per publish so the handler's
// goroutine and the controller's goroutine never need a second lock.
type Channel struct {
	events chan Event

	closeRequested atomic.Bool
}

// NewChannel allocates a rendezvous pair for one connection handler.
func NewChannel() *Channel {
	return &Channel{events: make(chan Event)}
}

// Events returns the receive side consumed by a Controller implementation
// (see Logger for the default one).
func (c *Channel) Events() <-chan Event {
	return c.events
}

// Close signals the controller side that no more events will be published
// on this channel for the lifetime of the connection.
func (c *Channel) Close() {
	close(c.events)
}

func (c *Channel) publish(ev Event) Reply {
	reply := make(chan Reply, 1)
	ev.reply = reply
	c.events <- ev
	r := <-reply
	if r.Close {
		c.closeRequested.Store(true)
	}
	return r
}

// CloseRequested reports whether the controller has asserted Reply.Close on
// any event published so far on this channel. It is checked by the handler
// at every keep-alive decision point.
func (c *Channel) CloseRequested() bool {
	return c.closeRequested.Load()
}

// PublishClientConnect announces a newly accepted connection. The
// disposition's Close field can be asserted immediately, before any
// exchange has happened, terminating the loop as soon as the handler next
// checks CloseRequested.
func (c *Channel) PublishClientConnect(cc *model.ClientConnect) {
	c.publish(Event{Kind: KindClientConnect, ClientConnect: cc})
}

// PublishClientDisconnect announces that the connection has ended.
func (c *Channel) PublishClientDisconnect(cd *model.ClientDisconnect) {
	c.publish(Event{Kind: KindClientDisconnect, ClientDisconnect: cd})
}

// PublishRequest hands req to the controller and blocks for its
// disposition. Continue forwards req unchanged; Modify forwards the
// returned request; Replace returns a response to send directly to the
// client with no upstream exchange; Drop aborts the exchange.
func (c *Channel) PublishRequest(req *model.Request) (fwd *model.Request, replacement *model.Response, err error) {
	r := c.publish(Event{Kind: KindRequest, Request: req})
	switch r.Disposition {
	case Drop:
		if r.Err == nil {
			return nil, nil, ErrDropped
		}
		return nil, nil, r.Err
	case Replace:
		return nil, r.Response, nil
	case Modify:
		if r.Request != nil {
			return r.Request, nil, nil
		}
		return req, nil, nil
	default:
		return req, nil, nil
	}
}

// PublishResponse hands resp to the controller and blocks for its
// disposition. Continue/Modify forward resp (possibly substituted); Drop
// aborts the exchange, leaving the handler to synthesize its own error.
func (c *Channel) PublishResponse(resp *model.Response) (*model.Response, error) {
	r := c.publish(Event{Kind: KindResponse, Response: resp})
	switch r.Disposition {
	case Drop:
		if r.Err == nil {
			return nil, ErrDropped
		}
		return nil, r.Err
	case Modify, Replace:
		if r.Response != nil {
			return r.Response, nil
		}
		return resp, nil
	default:
		return resp, nil
	}
}

// PublishError announces a failure encountered while handling an exchange.
func (c *Channel) PublishError(e *model.Error) {
	c.publish(Event{Kind: KindError, Err: e})
}

// PublishLog forwards a structured log line through the same rendezvous,
// so a controller that wants to correlate logs with flows can see both on
// one channel.
func (c *Channel) PublishLog(level slog.Level, msg string, args ...any) {
	c.publish(Event{Kind: KindLog, LogLevel: level, LogMsg: msg, LogArgs: args})
}
