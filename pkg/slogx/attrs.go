package slogx

import (
	"log/slog"
	"time"
)

// Error returns a slog.Attr representing the provided error.
// The attribute key is "error" and the value is the error's message.
func Error(err error) slog.Attr {
	return slog.String("error", err.Error())
}

// ByteString creates a slog.Attr with the given key and a string representation of the byte slice value.
func ByteString(key string, value []byte) slog.Attr {
	return slog.String(key, string(value))
}

// Topic groups the logical and the wire form of a topic under "topic".
func Topic(logical, wire string) slog.Attr {
	return slog.Group("topic", slog.String("name", logical), slog.String("wire", wire))
}

// Handler returns an attribute naming the handler being invoked.
func Handler(name string) slog.Attr {
	return slog.String("handler", name)
}

// Elapsed returns the time a handler took next to the budget it declared.
func Elapsed(took, budget time.Duration) slog.Attr {
	return slog.Group("elapsed", slog.Duration("took", took), slog.Duration("timeout", budget))
}

const (
	// KeyLoggerName is the key for the logger name attribute.
	KeyLoggerName = "logger"
)

// LoggerName creates a slog.Attr with the provided logger name.
// The attribute key is defined by KeyLoggerName.
func LoggerName(name string) slog.Attr {
	return slog.String(KeyLoggerName, name)
}
