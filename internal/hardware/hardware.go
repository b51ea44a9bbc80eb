// Package hardware declares the narrow contracts between the execution
// engine and the station's device-control and persistence layers. The
// engine only ever talks to these interfaces; concrete implementations
// (GPIO/sensor bridges, socket.io emitters, Redis persistence) live under
// modules/ and are wired in by the host.
package hardware

import (
	"context"
	"fmt"
	"time"

	"github.com/zclconf/go-cty/cty"
)

// ActionSpec is one abstract hardware action the engine asks the station to
// perform, such as displaying a stimulus or dispensing a reward.
type ActionSpec struct {
	Name     string
	Resource string
	Args     map[string]cty.Value
}

// Event is one asynchronous occurrence reported by the station: a touch, a
// beam break, an RFID read. Delivery is at-least-once; the engine
// deduplicates.
type Event struct {
	Kind      string
	DeviceID  string
	Timestamp time.Time
	Payload   map[string]cty.Value
}

// PayloadValue converts an event payload to a single cty object value for
// binding into session variables.
func (e Event) PayloadValue() cty.Value {
	if len(e.Payload) == 0 {
		return cty.EmptyObjectVal
	}
	return cty.ObjectVal(e.Payload)
}

// Dispatcher triggers hardware actions. Implementations must respect the
// context deadline; the engine never waits on a trigger unboundedly.
type Dispatcher interface {
	Trigger(ctx context.Context, action ActionSpec) error
}

// DispatchError reports a failed hardware action. Retryable errors are
// retried with backoff up to a bounded count; permanent ones fail the
// session immediately.
type DispatchError struct {
	Action    string
	Resource  string
	Retryable bool
	Err       error
}

// Error implements the error interface.
func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s on %s: %v", e.Action, e.Resource, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *DispatchError) Unwrap() error { return e.Err }

// ResultRecord is one trial's captured outcome, shaped by the program's
// result schema. Consumers must treat unknown extra fields as opaque.
type ResultRecord struct {
	SessionID   string
	TrialNumber int
	Timestamp   time.Time
	Fields      map[string]cty.Value
}

// ProgressEvent is a lightweight notification for observers watching a
// session: status changes and trial boundaries.
type ProgressEvent struct {
	SessionID string
	Kind      string
	Trial     int
	Status    string
	Timestamp time.Time
}

// Progress event kinds.
const (
	ProgressStatusChanged = "status_changed"
	ProgressTrialStarted  = "trial_started"
)

// Sink receives trial results and progress events. Record is called
// synchronously in instruction order, so record order matches trial order;
// implementations that persist asynchronously must preserve that order.
type Sink interface {
	Record(ctx context.Context, rec ResultRecord) error
	EmitProgress(ev ProgressEvent)
}

// SinkError reports a failed result write. The engine buffers and retries;
// it never silently drops a record.
type SinkError struct {
	Err error
}

// Error implements the error interface.
func (e *SinkError) Error() string { return fmt.Sprintf("result sink: %v", e.Err) }

// Unwrap exposes the underlying cause.
func (e *SinkError) Unwrap() error { return e.Err }
