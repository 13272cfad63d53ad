package controller

import (
	"context"
	"log/slog"
	"time"

	"github.com/kamilstanek/wiretap/internal/reqio"
)

// Logger is the default controller: it never modifies, replaces, or drops
// anything, it only observes and logs, one structured line per lifecycle
// event.
type Logger struct {
	log *slog.Logger
}

// NewLogger wraps log (an instance-scoped *slog.Logger, see
// proxy.NewInstanceLogger) as a Controller. A single Logger may serve many
// channels concurrently; per-connection state lives inside each Run call.
func NewLogger(log *slog.Logger) *Logger {
	return &Logger{log: log}
}

// Run consumes ch until the handler closes it, answering every event with
// Continue. It is meant to be run in its own goroutine, one per connection
// handler, mirroring the one-goroutine-per-connection model the rest of the
// proxy follows.
func (l *Logger) Run(ch *Channel) {
	// RequestID.String() -> FirstByteTime, cleared on the matching Response.
	requestStart := make(map[string]time.Time)
	for ev := range ch.Events() {
		l.handle(ev, requestStart)
		ev.Answer(continueReply)
	}
}

func (l *Logger) handle(ev Event, requestStart map[string]time.Time) {
	log := l.log.With("in", "Logger.handle")
	switch ev.Kind {
	case KindClientConnect:
		log.Info("client connected", "clientId", ev.ClientConnect.ID, "remoteAddr", ev.ClientConnect.PeerAddr)
	case KindClientDisconnect:
		fields := []any{"clientId", ev.ClientDisconnect.ClientID, "requests", ev.ClientDisconnect.RequestCount}
		if ev.ClientDisconnect.Err != "" {
			fields = append(fields, "error", ev.ClientDisconnect.Err)
		}
		log.Info("client disconnected", fields...)
	case KindRequest:
		requestStart[ev.Request.ID.String()] = ev.Request.FirstByteTime
		log.Info("request",
			"requestId", ev.Request.ID,
			"method", ev.Request.Method,
			"url", ev.Request.URL(),
		)
	case KindResponse:
		fields := []any{
			"requestId", ev.Response.RequestID,
			"status", ev.Response.StatusCode,
			"contentLength", len(ev.Response.Body),
		}
		if enc := ev.Response.Header.Get("Content-Encoding"); enc != "" && enc != "identity" {
			// Decoded length gives a truthful size for compressed bodies;
			// the wire body itself is never rewritten.
			if decoded, err := reqio.DecodeBody(enc, ev.Response.Body); err == nil {
				fields = append(fields, "contentEncoding", enc, "decodedLength", len(decoded))
			}
		}
		if start, ok := requestStart[ev.Response.RequestID.String()]; ok {
			fields = append(fields, "durationMs", ev.Response.DoneTime.Sub(start).Milliseconds())
			delete(requestStart, ev.Response.RequestID.String())
		}
		log.Info("response completed", fields...)
	case KindError:
		fields := []any{"message", ev.Err.Message}
		if ev.Err.Code != 0 {
			fields = append(fields, "code", ev.Err.Code)
		}
		if ev.Err.HasRequest {
			fields = append(fields, "requestId", ev.Err.RequestID)
		}
		log.Error("proxy error", fields...)
	case KindLog:
		log.Log(context.Background(), ev.LogLevel, ev.LogMsg, ev.LogArgs...)
	}
}
