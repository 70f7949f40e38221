// Package observe carries progress and lifecycle events out of the upload
// engine to whoever is watching: logs, metrics, a status page.
package observe

import (
	"strings"
	"sync"
	"time"
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

type Field struct {
	Key   string
	Value any
}

func F(key string, value any) Field { return Field{Key: key, Value: value} }

type EventKind string

const (
	EventUploadStarted   EventKind = "upload_started"
	EventUploadCompleted EventKind = "upload_completed"
	EventUploadFailed    EventKind = "upload_failed"
	EventAlreadyUploaded EventKind = "already_uploaded"
	EventPartialSuccess  EventKind = "partial_success"
	EventMoveFailed      EventKind = "move_failed"
	EventQuotaExceeded   EventKind = "quota_exceeded"
	EventRecovered       EventKind = "recovered"
	EventBatchCompleted  EventKind = "batch_completed"
	EventReorderCommit   EventKind = "reorder_commit"
	EventReorderDone     EventKind = "reorder_done"
)

type Event struct {
	Kind     EventKind
	At       time.Time
	Path     string
	RemoteID string
	Bytes    int64
	Count    int
	Message  string
	Err      error
}

// Operation folds a progress label to its operation kind: per-file labels
// like "upload clip.mp4" become "upload".
func Operation(label string) string {
	op, _, _ := strings.Cut(label, " ")
	return op
}

// LogLine is one status line handed to an observer's log sink.
type LogLine struct {
	Level   Level
	Message string
	Fields  []Field
}

type Observer interface {
	Log(level Level, msg string, fields ...Field)
	// Progress reports current of total units of the operation named label.
	Progress(current, total int64, label string)
	Notify(ev Event)
}

type nop struct{}

func (nop) Log(Level, string, ...Field)  {}
func (nop) Progress(int64, int64, string) {}
func (nop) Notify(Event)                  {}

// Nop discards everything.
var Nop Observer = nop{}

type multi []Observer

// Multi fans every call out to each non-nil observer in order.
func Multi(observers ...Observer) Observer {
	var m multi
	for _, o := range observers {
		if o != nil {
			m = append(m, o)
		}
	}
	if len(m) == 0 {
		return Nop
	}
	return m
}

func (m multi) Log(level Level, msg string, fields ...Field) {
	for _, o := range m {
		o.Log(level, msg, fields...)
	}
}

func (m multi) Progress(current, total int64, label string) {
	for _, o := range m {
		o.Progress(current, total, label)
	}
}

func (m multi) Notify(ev Event) {
	for _, o := range m {
		o.Notify(ev)
	}
}

// Recorder keeps what it sees. Used by tests and the status page.
type Recorder struct {
	mu     sync.Mutex
	limit  int
	events []Event
	lines  []LogLine
	last   map[string][2]int64 // by Operation
}

// NewRecorder keeps at most limit events and limit log lines; limit <= 0
// keeps all.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit, last: make(map[string][2]int64)}
}

func (r *Recorder) Log(level Level, msg string, fields ...Field) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, LogLine{Level: level, Message: msg, Fields: append([]Field(nil), fields...)})
	if r.limit > 0 && len(r.lines) > r.limit {
		r.lines = r.lines[len(r.lines)-r.limit:]
	}
}

func (r *Recorder) Progress(current, total int64, label string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last[Operation(label)] = [2]int64{current, total}
}

func (r *Recorder) Notify(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	r.events = append(r.events, ev)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = r.events[len(r.events)-r.limit:]
	}
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the kinds of the recorded events in order.
func (r *Recorder) Kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *Recorder) Lines() []LogLine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LogLine(nil), r.lines...)
}

// Messages returns the recorded log messages in order.
func (r *Recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	for i, l := range r.lines {
		out[i] = l.Message
	}
	return out
}

// LastProgress returns the most recent progress report for the operation
// label belongs to.
func (r *Recorder) LastProgress(label string) (current, total int64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.last[Operation(label)]
	return p[0], p[1], ok
}
