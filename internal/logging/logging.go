// Package logging provides the query engine's structured logging
// conventions.
//
// Design principles:
//   - Logging is dependency-injected, never global
//   - Each component (jobserver, resultbus, storage engine) owns its own
//     scoped logger, tagged with a "component" attribute via slog.With()
//   - If no logger is provided, a discard logger is used
//
// Global configuration (output format, level, destination) belongs only in
// cmd/qeserver's main(). Components must never call slog.SetDefault or
// reach for a global logger.
//
// Logging is intentionally sparse: lifecycle boundaries (pipeline start/
// stop, query admit/fail/finish) are the intended log points, not the
// inner loop of a chunk scan or a row fetch.
package logging

import (
	"context"
	"log/slog"
)

// discardHandler is a handler that discards all log records.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that discards all output.
// Use this as a default when no logger is provided.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns the provided logger if non-nil, otherwise a discard
// logger. The standard pattern for an optional constructor parameter:
//
//	func New(logger *slog.Logger) *Coordinator {
//	    logger = logging.Default(logger)
//	    return &Coordinator{logger: logger.With("component", "jobserver")}
//	}
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// ComponentFilterHandler wraps an slog.Handler and applies a single minimum
// level across every component, deferring the actual cutoff decision to
// Handle() so the base handler (e.g. slog.NewTextHandler) can be opened at
// slog.LevelDebug and filtered centrally instead of per-component.
//
// qeserver's coordinator, result bus, and storage engine all scope their
// own loggers with logger.With("component", "..."); this handler is where
// that attribute could later be used to raise or lower one component's
// verbosity independently, without each component needing to know about
// level configuration itself.
type ComponentFilterHandler struct {
	next         slog.Handler
	defaultLevel slog.Level
}

// NewComponentFilterHandler creates a handler that enforces defaultLevel
// as the minimum level for every record the wrapped handler sees.
func NewComponentFilterHandler(next slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	return &ComponentFilterHandler{next: next, defaultLevel: defaultLevel}
}

// Enabled always returns true; Handle is where the level cutoff is
// enforced, since Enabled alone can't see a record's attributes.
func (h *ComponentFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

// Handle drops records below defaultLevel, then defers to next.
func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level < h.defaultLevel {
		return nil
	}
	if !h.next.Enabled(ctx, r.Level) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

// WithAttrs returns a new handler with the given attributes.
func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return &ComponentFilterHandler{next: h.next.WithAttrs(attrs), defaultLevel: h.defaultLevel}
}

// WithGroup returns a new handler with the given group name.
func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &ComponentFilterHandler{next: h.next.WithGroup(name), defaultLevel: h.defaultLevel}
}

// DefaultLevel returns the minimum level this handler enforces.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	return h.defaultLevel
}
