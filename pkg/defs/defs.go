package defs

import (
	"fmt"
	"strings"
)

// StoreBackend represents the backing store used for replay and rate-limit state.
type StoreBackend string

// Supported store backends.
const (
	StoreBackendMemory StoreBackend = "memory"
	StoreBackendRedis  StoreBackend = "redis"
)

// ParseStoreBackendStr parses a string into a StoreBackend (case-insensitive).
func ParseStoreBackendStr(backend string) (StoreBackend, error) {
	return parseEnumCaseInsensitive(backend, StoreBackendMemory, StoreBackendRedis)
}

// LogLevel is a configurable slog level for the service logger.
type LogLevel string

// Supported log levels.
const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// ParseLogLevelStr parses a string into a LogLevel (case-insensitive).
func ParseLogLevelStr(level string) (LogLevel, error) {
	return parseEnumCaseInsensitive(level, LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError)
}

// LogHandler selects the slog handler encoding for the service logger.
type LogHandler string

// Supported handler encodings.
const (
	JSONHandler LogHandler = "json"
	TextHandler LogHandler = "text"
)

// ParseHandlerTypeStr parses a string into a LogHandler (case-insensitive).
func ParseHandlerTypeStr(handlerType string) (LogHandler, error) {
	return parseEnumCaseInsensitive(handlerType, JSONHandler, TextHandler)
}

func parseEnumCaseInsensitive[T ~string](value string, allowed ...T) (T, error) {
	for _, candidate := range allowed {
		if strings.EqualFold(value, string(candidate)) {
			return candidate, nil
		}
	}

	var zero T
	return zero, fmt.Errorf("invalid value %q, expected one of %v", value, allowed)
}
