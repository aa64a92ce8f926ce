package stacking

import (
	"log/slog"

	"astrostack/internal/registration"
)

// EventKind identifies a progress event
type EventKind string

const (
	StackStarted    EventKind = "stack_started"
	FrameLoaded     EventKind = "frame_loaded"
	FrameRegistered EventKind = "frame_registered"
	FrameStacked    EventKind = "frame_stacked"
	FrameSkipped    EventKind = "frame_skipped"
	StackComplete   EventKind = "stack_complete"
)

// Event is a progress notification from a stacking run
type Event struct {
	Kind      EventKind               `json:"kind"`
	Index     int                     `json:"index"`
	Path      string                  `json:"path,omitempty"`
	Total     int                     `json:"total"`
	Stacked   int                     `json:"stacked"`
	Alignment *registration.Alignment `json:"alignment,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

// EventSink receives progress events. Emit is always called from the
// goroutine running Stack.
type EventSink interface {
	Emit(Event)
}

// SinkFunc adapts a function to EventSink
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// MultiSink fans events out to every non-nil sink
type MultiSink []EventSink

func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

type discard struct{}

func (discard) Emit(Event) {}

// Discard drops all events
var Discard EventSink = discard{}

// LogSink writes events to log
func LogSink(log *slog.Logger) EventSink {
	return SinkFunc(func(e Event) {
		switch e.Kind {
		case StackStarted:
			log.Info("Stacking started", "frames", e.Total, "reference", e.Index)
		case FrameLoaded:
			log.Debug("Frame loaded", "index", e.Index, "path", e.Path)
		case FrameRegistered:
			attrs := []any{"index", e.Index, "path", e.Path}
			if a := e.Alignment; a != nil {
				attrs = append(attrs, "rotation", a.RotationDegrees, "dx", a.DX, "dy", a.DY, "shifted", a.Shifted)
			}
			log.Info("Frame registered", attrs...)
		case FrameStacked:
			log.Debug("Frame stacked", "index", e.Index, "stacked", e.Stacked, "total", e.Total)
		case FrameSkipped:
			log.Warn("Frame skipped", "index", e.Index, "path", e.Path, "error", e.Error)
		case StackComplete:
			log.Info("Stacking complete", "stacked", e.Stacked, "total", e.Total)
		}
	})
}
