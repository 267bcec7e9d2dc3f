package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/checkproof/go-checkout-attest/pkg/defs"
)

const (
	ServiceKey  = "service"
	ErrorKey    = "error"
	MerchantKey = "merchant"
	ReasonKey   = "reason"
)

// Child returns a new logger with the given service name added to the logger attrs.
func Child(logger *slog.Logger, serviceName string) *slog.Logger {
	return DefaultIfNil(logger).With(
		slog.String(ServiceKey, serviceName),
	)
}

func Error(err error) slog.Attr {
	return slog.String(ErrorKey, err.Error())
}

func Merchant(merchantID string) slog.Attr {
	return slog.String(MerchantKey, merchantID)
}

func Reason(reason string) slog.Attr {
	return slog.String(ReasonKey, reason)
}

// Fatalf logs the error and exits the program.
func Fatalf(logger *slog.Logger, err error, format string, args ...any) {
	logger.Error("Fatal error: "+fmt.Sprintf(format, args...), Error(err))
	os.Exit(1)
}

// DefaultIfNil returns the default logger if the given logger is nil.
func DefaultIfNil(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// New builds a slog.Logger writing to w with the configured level and handler type.
func New(w io.Writer, level defs.LogLevel, handlerType defs.LogHandler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slogLevel(level)}

	switch handlerType {
	case defs.JSONHandler:
		return slog.New(slog.NewJSONHandler(w, opts))
	default:
		return slog.New(slog.NewTextHandler(w, opts))
	}
}

func slogLevel(level defs.LogLevel) slog.Level {
	switch level {
	case defs.LogLevelDebug:
		return slog.LevelDebug
	case defs.LogLevelWarn:
		return slog.LevelWarn
	case defs.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
