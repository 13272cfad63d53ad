package helper

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	tlsKeyLogWriter io.Writer
	tlsKeyLogOnce   sync.Once
)

// GetTLSKeyLogWriter returns a writer for TLS session keys when the standard
// SSLKEYLOGFILE environment variable is set, so intercepted traffic can be
// decrypted in Wireshark. Returns nil (key logging disabled) otherwise.
func GetTLSKeyLogWriter() io.Writer {
	tlsKeyLogOnce.Do(func() {
		logfile := os.Getenv("SSLKEYLOGFILE")
		if logfile == "" {
			return
		}
		w, err := os.OpenFile(logfile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			slog.Debug("SSLKEYLOGFILE open failed", "file", logfile, "error", err)
			return
		}
		tlsKeyLogWriter = w
	})
	return tlsKeyLogWriter
}
