package proxy

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"syscall"
)

// isQuietNetError reports whether err is part of a connection's ordinary
// end-of-life (either side hanging up, a deadline firing) rather than
// something an operator should see at error level.
func isQuietNetError(err error) bool {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE)
}

// logNetErr logs err at error level unless it is a quiet hang-up, which
// only shows up when debugging.
func logNetErr(logger *slog.Logger, msg string, err error) {
	if isQuietNetError(err) {
		logger.Debug(msg, "error", err)
		return
	}
	logger.Error(msg, "error", err)
}

// splice pumps bytes between client and server in both directions until
// either side closes. The direction that finishes first tears down both
// ends, which unblocks the opposite copy; one direction runs on the calling
// goroutine so a tunnel costs a single extra goroutine.
func splice(logger *slog.Logger, server, client io.ReadWriteCloser) {
	var wg sync.WaitGroup
	pump := func(dst, src io.ReadWriteCloser, dir string) {
		defer wg.Done()
		_, err := io.Copy(dst, src)
		src.Close()
		dst.Close()
		l := logger.With("direction", dir)
		if err != nil {
			logNetErr(l, "tunnel copy ended", err)
			return
		}
		l.Debug("tunnel copy drained")
	}
	wg.Add(2)
	go pump(server, client, "client->server")
	pump(client, server, "server->client")
	wg.Wait()
}
