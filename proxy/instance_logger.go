package proxy

import (
	"log/slog"
	"net"
	"os"
	"strings"

	uuid "github.com/satori/go.uuid"
)

// InstanceLogger stamps every log line a proxy instance emits with a stable
// identity (short random id, name, listen port), so several instances
// sharing one process or one log file stay attributable.
type InstanceLogger struct {
	InstanceID   string
	InstanceName string
	Port         string
	LogFilePath  string

	logger *slog.Logger
}

// NewInstanceLogger derives instance identity from addr and logs through the
// process-default slog handler.
func NewInstanceLogger(addr, instanceName string) *InstanceLogger {
	return NewInstanceLoggerWithFile(addr, instanceName, "")
}

// NewInstanceLoggerWithFile is NewInstanceLogger with an optional JSON log
// file destination; an empty logFilePath falls back to the default handler.
func NewInstanceLoggerWithFile(addr, instanceName, logFilePath string) *InstanceLogger {
	il := &InstanceLogger{
		InstanceID:   uuid.NewV4().String()[:8],
		InstanceName: instanceName,
		Port:         instancePort(addr),
		LogFilePath:  logFilePath,
	}
	if il.InstanceName == "" {
		il.InstanceName = "proxy-" + il.Port
	}
	il.logger = il.destination().With(
		"instance_id", il.InstanceID,
		"instance_name", il.InstanceName,
		"port", il.Port,
	)
	return il
}

// destination picks where this instance logs: a JSON file when configured
// and writable, the process default handler otherwise.
func (il *InstanceLogger) destination() *slog.Logger {
	if il.LogFilePath == "" {
		return slog.Default()
	}
	file, err := os.OpenFile(il.LogFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		slog.Error("failed to open log file", "file", il.LogFilePath, "error", err)
		return slog.Default()
	}
	return slog.New(slog.NewJSONHandler(file, nil))
}

// instancePort extracts the port used for the default instance name. A bare
// ":port" or "host:port" both yield the port; anything unparseable is used
// as-is so the name is still stable.
func instancePort(addr string) string {
	if _, port, err := net.SplitHostPort(addr); err == nil && port != "" {
		return port
	}
	return strings.TrimPrefix(addr, ":")
}

// For returns the instance logger scoped to one component, following the
// repo-wide `"in", "<Type>.<Method>"` field convention.
func (il *InstanceLogger) For(in string) *slog.Logger {
	return il.logger.With("in", in)
}

// WithFields returns the instance logger with extra bound fields.
func (il *InstanceLogger) WithFields(args ...any) *slog.Logger {
	return il.logger.With(args...)
}

// GetLogger returns the underlying slog logger.
func (il *InstanceLogger) GetLogger() *slog.Logger {
	return il.logger
}
