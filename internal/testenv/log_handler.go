// Package testenv holds helpers shared by the package tests.
package testenv

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/surrealdb/surrealsync/pkg/logger"
)

// LogHandler is a slog.Handler that records every message as
// "LEVEL: message key=value, ..." without timestamps, so tests can assert
// on what a component logged.
type LogHandler struct {
	sink                *sink
	attrs               []slog.Attr
	groups              []string // current group path
	ignoreErrorPrefixes []string // prefixes of error messages to ignore
	ignoreDebug         bool     // whether to ignore DEBUG level messages
}

type sink struct {
	mu    sync.Mutex
	lines []string
}

// LogHandlerOption is a function that configures a LogHandler
type LogHandlerOption func(*LogHandler)

// WithIgnoreErrorPrefixes sets prefixes for error messages that should be ignored
func WithIgnoreErrorPrefixes(prefixes ...string) LogHandlerOption {
	return func(h *LogHandler) {
		h.ignoreErrorPrefixes = append(h.ignoreErrorPrefixes, prefixes...)
	}
}

// WithIgnoreDebug configures the handler to ignore DEBUG level messages
func WithIgnoreDebug() LogHandlerOption {
	return func(h *LogHandler) {
		h.ignoreDebug = true
	}
}

func NewLogHandler(opts ...LogHandlerOption) *LogHandler {
	h := &LogHandler{sink: &sink{}}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewLogger returns a Logger writing to a new LogHandler, and the handler.
func NewLogger(opts ...LogHandlerOption) (logger.Logger, *LogHandler) {
	h := NewLogHandler(opts...)
	return slog.New(h), h
}

//nolint:gocritic
func (h *LogHandler) Handle(_ context.Context, r slog.Record) error {
	if r.Level == slog.LevelDebug && h.ignoreDebug {
		return nil
	}

	if r.Level == slog.LevelError {
		for _, prefix := range h.ignoreErrorPrefixes {
			if strings.HasPrefix(r.Message, prefix) {
				return nil
			}
		}
	}

	line := fmt.Sprintf("%s: %s", r.Level, r.Message)
	if attrs := h.attrsToString(&r); attrs != "" {
		line += " " + attrs
	}

	h.sink.mu.Lock()
	h.sink.lines = append(h.sink.lines, line)
	h.sink.mu.Unlock()
	return nil
}

// Lines returns a copy of everything recorded so far.
func (h *LogHandler) Lines() []string {
	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	return append([]string(nil), h.sink.lines...)
}

// Count returns how many recorded lines contain substr.
func (h *LogHandler) Count(substr string) int {
	n := 0
	for _, l := range h.Lines() {
		if strings.Contains(l, substr) {
			n++
		}
	}
	return n
}

func (h *LogHandler) Contains(substr string) bool {
	return h.Count(substr) > 0
}

func (h *LogHandler) attrsToString(r *slog.Record) string {
	var sb strings.Builder

	for i, attr := range h.attrs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(formatAttr(attr, ""))
	}

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	r.Attrs(func(a slog.Attr) bool {
		if sb.Len() > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(formatAttr(a, prefix))
		return true
	})
	return sb.String()
}

func formatAttr(a slog.Attr, prefix string) string {
	if a.Value.Kind() == slog.KindGroup {
		groupPrefix := prefix + a.Key + "."
		var parts []string
		for _, ga := range a.Value.Group() {
			parts = append(parts, formatAttr(ga, groupPrefix))
		}
		return strings.Join(parts, ", ")
	}
	return fmt.Sprintf("%s%s=%v", prefix, a.Key, a.Value)
}

func (h *LogHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	newAttrs := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		if prefix != "" {
			attr = slog.Attr{Key: prefix + attr.Key, Value: attr.Value}
		}
		newAttrs = append(newAttrs, attr)
	}

	cp := *h
	cp.attrs = append(h.attrs[:len(h.attrs):len(h.attrs)], newAttrs...)
	return &cp
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	cp := *h
	cp.groups = append(h.groups[:len(h.groups):len(h.groups)], name)
	return &cp
}
