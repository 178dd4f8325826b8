// Package obslog provides a small structured-event logging seam for the
// storage engine, in the spirit of tailored-agentic-units-kernel's
// observability package: subsystems emit typed Events instead of calling a
// global logger directly, so a caller can swap in tracing or metrics later
// without touching the engine.
package obslog

import (
	"context"
	"log/slog"
	"time"
)

// Level is an event severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// EventType identifies the kind of event a subsystem emits, e.g.
// "recovery.skip", "compact.done", "read.decode_failed".
type EventType string

// Event is one observability event.
type Event struct {
	Type      EventType
	Level     Level
	Timestamp time.Time
	Source    string // truck id, or "registry"
	Data      map[string]any
}

// Observer receives events emitted by the engine.
type Observer interface {
	OnEvent(ctx context.Context, event Event)
}

// Noop discards every event. Used by default in tests and by callers that
// don't want logging.
type Noop struct{}

func (Noop) OnEvent(context.Context, Event) {}

// SlogObserver emits events through a slog.Logger.
type SlogObserver struct {
	logger *slog.Logger
}

// NewSlogObserver wraps logger. A nil logger falls back to slog.Default().
func NewSlogObserver(logger *slog.Logger) *SlogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogObserver{logger: logger}
}

func (o *SlogObserver) OnEvent(ctx context.Context, event Event) {
	attrs := make([]slog.Attr, 0, len(event.Data)+1)
	attrs = append(attrs, slog.String("source", event.Source))
	for k, v := range event.Data {
		attrs = append(attrs, slog.Any(k, v))
	}
	o.logger.LogAttrs(ctx, event.Level.slogLevel(), string(event.Type), attrs...)
}

// Emit is a convenience helper: build and dispatch an Event in one call.
// stamp is supplied by the caller since this module may not call time.Now
// from generated/replayed code paths; production callers pass time.Now().
func Emit(obs Observer, stamp time.Time, source string, typ EventType, level Level, data map[string]any) {
	if obs == nil {
		return
	}
	obs.OnEvent(context.Background(), Event{
		Type:      typ,
		Level:     level,
		Timestamp: stamp,
		Source:    source,
		Data:      data,
	})
}
