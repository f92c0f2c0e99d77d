// Package logging mirrors log records onto the internal event bus so
// operators can stream a component's logs live without shell access to
// the host. Local logging is never blocked or failed by the mirror.
package logging

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gatewatch/gatewatch/natsclient"
)

// Bus is the slice of the event bus client the mirror needs.
type Bus interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
}

// Entry is one mirrored log record.
type Entry struct {
	Timestamp string `json:"timestamp"` // RFC3339Nano
	Level     string `json:"level"`
	Component string `json:"component"`
	Platform  string `json:"platform"`
	Message   string `json:"message"`
	Error     string `json:"error,omitempty"`
}

// Handler wraps another slog.Handler and republishes each record to
// gatewatch.logs.<component>. Records pass through to the inner
// handler unchanged.
type Handler struct {
	inner     slog.Handler
	bus       Bus
	platform  string
	component string
}

// NewHandler creates a mirroring handler. Records that carry no
// "component" attribute publish under "platform".
func NewHandler(inner slog.Handler, bus Bus, platform string) *Handler {
	return &Handler{
		inner:     inner,
		bus:       bus,
		platform:  platform,
		component: "platform",
	}
}

// Enabled defers to the inner handler.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle passes the record through and, when the bus is up, publishes
// a JSON entry. Publish failures are swallowed: mirroring must never
// break local logging.
func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	err := h.inner.Handle(ctx, record)

	if h.bus != nil && h.bus.IsConnected() {
		entry := h.buildEntry(record)
		if data, merr := json.Marshal(entry); merr == nil {
			_ = h.bus.Publish(natsclient.SubjectLogs+"."+entry.Component, data)
		}
	}
	return err
}

// WithAttrs tracks the component attribute so records publish under
// the right subject.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.inner = h.inner.WithAttrs(attrs)
	for _, a := range attrs {
		if a.Key == "component" {
			next.component = a.Value.String()
		}
	}
	return &next
}

// WithGroup defers to the inner handler.
func (h *Handler) WithGroup(name string) slog.Handler {
	next := *h
	next.inner = h.inner.WithGroup(name)
	return &next
}

func (h *Handler) buildEntry(record slog.Record) Entry {
	entry := Entry{
		Timestamp: record.Time.UTC().Format(time.RFC3339Nano),
		Level:     record.Level.String(),
		Component: h.component,
		Platform:  h.platform,
		Message:   record.Message,
	}
	record.Attrs(func(a slog.Attr) bool {
		switch a.Key {
		case "component":
			entry.Component = a.Value.String()
		case "error":
			entry.Error = a.Value.String()
		}
		return true
	})
	return entry
}
