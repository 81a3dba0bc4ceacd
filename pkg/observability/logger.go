package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// Logger emits structured events to an underlying sink.
type Logger interface {
	Log(context.Context, Event) error
}

// LoggerFunc adapts a function into a Logger.
type LoggerFunc func(context.Context, Event) error

// Log implements Logger.
func (f LoggerFunc) Log(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Scoped binds a Logger to a fixed cluster and component so call sites only
// name the event itself. Emit errors are dropped: logging never fails a run.
type Scoped struct {
	base      Logger
	cluster   string
	component string
}

// NewScoped builds a scoped logger. A nil base discards everything.
func NewScoped(base Logger, cluster, component string) *Scoped {
	if base == nil {
		base = LoggerFunc(func(context.Context, Event) error { return nil })
	}
	return &Scoped{base: base, cluster: cluster, component: component}
}

// Emit logs one event stamped with the scope's cluster and component.
func (s *Scoped) Emit(ctx context.Context, level Level, event string, fields map[string]interface{}) {
	s.EmitMessage(ctx, level, event, "", fields)
}

// EmitMessage is Emit with a human-readable message attached.
func (s *Scoped) EmitMessage(ctx context.Context, level Level, event, message string, fields map[string]interface{}) {
	_ = s.base.Log(ctx, Event{
		Level:     level,
		Cluster:   s.cluster,
		Component: s.component,
		Event:     event,
		Message:   message,
		Fields:    fields,
	})
}

// JSONLogger writes each event as a single JSON object on its own line.
type JSONLogger struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

// NewJSONLogger builds a JSONLogger writing to the provided io.Writer.
func NewJSONLogger(w io.Writer) *JSONLogger {
	return &JSONLogger{w: w, now: time.Now}
}

// Log implements Logger by emitting a JSON representation of the event.
func (l *JSONLogger) Log(_ context.Context, event Event) error {
	if l == nil || l.w == nil {
		return fmt.Errorf("json logger is not configured")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := l.w.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	return nil
}
