// Package events carries run lifecycle events from the runtime to whoever
// is watching: a terminal, the IDE stream, the log.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mpataki/tactus/internal/models"
)

type Sink interface {
	Emit(ev models.Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(models.Event)

func (f SinkFunc) Emit(ev models.Event) { f(ev) }

// Emitter stamps events of one run with a sequence number, the procedure id
// and a timestamp before handing them to a sink.
type Emitter struct {
	procedureID string
	sink        Sink
	seq         atomic.Int64
	now         func() time.Time
}

// NewEmitter returns an emitter for one run. A nil sink discards events.
func NewEmitter(procedureID string, sink Sink) *Emitter {
	return &Emitter{procedureID: procedureID, sink: sink, now: time.Now}
}

func (e *Emitter) Emit(typ models.EventType, stage models.Stage, details map[string]any) models.Event {
	ev := models.Event{
		Seq:         e.seq.Add(1),
		Type:        typ,
		Stage:       stage,
		ProcedureID: e.procedureID,
		Timestamp:   e.now().UTC(),
		Details:     details,
	}
	if e.sink != nil {
		e.sink.Emit(ev)
	}
	return ev
}

func (e *Emitter) ProcedureID() string { return e.procedureID }

// ChannelSink is a producer/consumer queue. Emit blocks while the buffer is
// full and gives up once the consumer context is done.
type ChannelSink struct {
	ch   chan models.Event
	done <-chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewChannelSink(ctx context.Context, buffer int) *ChannelSink {
	return &ChannelSink{ch: make(chan models.Event, buffer), done: ctx.Done()}
}

func (s *ChannelSink) Emit(ev models.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	case <-s.done:
	}
}

// Events is the consumer side. It is closed by Close.
func (s *ChannelSink) Events() <-chan models.Event { return s.ch }

func (s *ChannelSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// LogSink writes events to a zerolog logger.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Emit(ev models.Event) {
	level := zerolog.DebugLevel
	switch {
	case ev.Stage == models.StageError:
		level = zerolog.WarnLevel
	case ev.Type == models.EventLog:
		level = logLevel(ev.Details)
	case ev.Type == models.EventExecution:
		level = zerolog.InfoLevel
	}
	e := s.Log.WithLevel(level).
		Int64("seq", ev.Seq).
		Str("event_type", string(ev.Type)).
		Str("stage", string(ev.Stage)).
		Str("procedure_id", ev.ProcedureID)
	if len(ev.Details) > 0 {
		e = e.Fields(ev.Details)
	}
	e.Msg("event")
}

func logLevel(details map[string]any) zerolog.Level {
	lvl, _ := details["level"].(string)
	switch lvl {
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "debug":
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}

// MemorySink keeps every event. Safe for concurrent use.
type MemorySink struct {
	mu     sync.Mutex
	events []models.Event
}

func (s *MemorySink) Emit(ev models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// Events returns a snapshot.
func (s *MemorySink) Events() []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Event, len(s.events))
	copy(out, s.events)
	return out
}

// Multi fans an event out to every non-nil sink in order.
type Multi []Sink

func (m Multi) Emit(ev models.Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ev)
		}
	}
}
