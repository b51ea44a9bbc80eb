// Package simstation is an in-memory station: a scripted hardware
// dispatcher and a collecting result sink. It backs local dry runs and the
// engine's tests, where real devices are replaced by a scripted sequence of
// responses.
package simstation

import (
	"context"
	"sync"
	"time"

	"github.com/zclconf/go-cty/cty"

	"github.com/protolab/trialgrid/internal/ctxlog"
	"github.com/protolab/trialgrid/internal/hardware"
)

// TriggeredAction is one hardware action the engine asked the station to
// perform, in call order.
type TriggeredAction struct {
	Name     string
	Resource string
	Args     map[string]cty.Value
}

// Dispatcher records every triggered action and can be scripted to fail.
type Dispatcher struct {
	mu      sync.Mutex
	actions []TriggeredAction
	faults  map[string][]error // per action name, consumed in order
}

// NewDispatcher creates a dispatcher that accepts every action.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{faults: make(map[string][]error)}
}

// FailNext scripts errors for the next calls of the named action, consumed
// one per call before the dispatcher goes back to succeeding.
func (d *Dispatcher) FailNext(action string, errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[action] = append(d.faults[action], errs...)
}

// Trigger implements hardware.Dispatcher.
func (d *Dispatcher) Trigger(ctx context.Context, action hardware.ActionSpec) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if errs := d.faults[action.Name]; len(errs) > 0 {
		err := errs[0]
		d.faults[action.Name] = errs[1:]
		ctxlog.FromContext(ctx).Debug("Simulated hardware fault.", "action", action.Name, "error", err)
		return err
	}
	d.actions = append(d.actions, TriggeredAction{
		Name:     action.Name,
		Resource: action.Resource,
		Args:     action.Args,
	})
	return nil
}

// Actions returns a copy of every successfully triggered action.
func (d *Dispatcher) Actions() []TriggeredAction {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]TriggeredAction, len(d.actions))
	copy(out, d.actions)
	return out
}

// Sink collects results and progress events in memory. Writes can be
// scripted to fail, which exercises the engine's buffering path.
type Sink struct {
	mu       sync.Mutex
	records  []hardware.ResultRecord
	progress []hardware.ProgressEvent
	failures int
}

// NewSink creates an always-succeeding sink.
func NewSink() *Sink {
	return &Sink{}
}

// FailNextWrites scripts the next n Record calls to fail.
func (s *Sink) FailNextWrites(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

// Record implements hardware.Sink.
func (s *Sink) Record(ctx context.Context, rec hardware.ResultRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return &hardware.SinkError{Err: context.DeadlineExceeded}
	}
	s.records = append(s.records, rec)
	return nil
}

// EmitProgress implements hardware.Sink.
func (s *Sink) EmitProgress(ev hardware.ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, ev)
}

// Records returns a copy of every persisted result, in write order.
func (s *Sink) Records() []hardware.ResultRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]hardware.ResultRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Progress returns a copy of every emitted progress event.
func (s *Sink) Progress() []hardware.ProgressEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]hardware.ProgressEvent, len(s.progress))
	copy(out, s.progress)
	return out
}

// Event builds a hardware event for test delivery.
func Event(kind, deviceID string, ts time.Time, payload map[string]cty.Value) hardware.Event {
	return hardware.Event{Kind: kind, DeviceID: deviceID, Timestamp: ts, Payload: payload}
}
