package trace

import (
	"fmt"
	"sync"

	"axbuild/internal/fsutil"
)

// Sink receives pipeline decisions. Record must not fail; callers may assume
// it is a no-op.
type Sink interface {
	Record(event Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Record(Event) {}

// SafeRecord records an event and swallows panics from a buggy sink.
func SafeRecord(s Sink, event Event) {
	if s == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	s.Record(event)
}

// Recorder is a concurrency-safe in-memory collector.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Record(event Event) {
	if r == nil {
		return
	}
	defer func() {
		_ = recover()
	}()

	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Snapshot returns a point-in-time copy of all recorded events.
func (r *Recorder) Snapshot() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Report builds a canonical BuildReport from the recorded events.
func (r *Recorder) Report(command, graphHash string) BuildReport {
	rep := BuildReport{Command: command, GraphHash: graphHash}
	rep.Events = r.Snapshot()
	rep.Canonicalize()
	return rep
}

// WriteFile writes the canonical JSON of the report to path atomically.
func (r *Recorder) WriteFile(path, command, graphHash string) error {
	rep := r.Report(command, graphHash)
	b, err := rep.CanonicalJSON()
	if err != nil {
		return fmt.Errorf("encode build report: %w", err)
	}
	return fsutil.WriteFileAtomic(path, append(b, '\n'), 0o644)
}
