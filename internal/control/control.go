// Package control is the station's session control surface: it owns the
// registry of live sessions, enforces the one-active-session-per-device
// rule, and routes hardware events and timer ticks to the right session.
//
// The controller serializes all access with a single mutex because the
// runtime engine is deliberately not thread-safe; every engine call passes
// through here.
package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/protolab/trialgrid/internal/ctxlog"
	"github.com/protolab/trialgrid/internal/hardware"
	"github.com/protolab/trialgrid/internal/program"
	"github.com/protolab/trialgrid/internal/progcache"
	"github.com/protolab/trialgrid/internal/runtime"
)

// ErrUnknownSession is returned for operations on a session ID the
// controller has never seen.
var ErrUnknownSession = errors.New("unknown session")

// SessionConflictError is returned by Start when the device already has a
// non-terminal session. The caller must cancel the existing session first;
// the controller never preempts.
type SessionConflictError struct {
	DeviceID  string
	SessionID string
}

// Error implements the error interface.
func (e *SessionConflictError) Error() string {
	return fmt.Sprintf("device %q is busy with session %s", e.DeviceID, e.SessionID)
}

// SessionStatus is a point-in-time snapshot of one session.
type SessionStatus struct {
	SessionID   string
	DeviceID    string
	ProgramID   string
	Status      runtime.Status
	Trial       int
	Seed        int64
	Failure     string
	ResultsLost bool
}

// Controller manages session lifecycles across devices.
type Controller struct {
	cache *progcache.Cache

	mu       sync.Mutex
	byDevice map[string]*entry          // active (non-terminal) session per device
	byID     map[string]*entry          // every session ever started, by ID
}

type entry struct {
	sess      *runtime.Session
	programID string
}

// New creates a controller backed by the given program cache.
func New(cache *progcache.Cache) *Controller {
	return &Controller{
		cache:    cache,
		byDevice: make(map[string]*entry),
		byID:     make(map[string]*entry),
	}
}

// Start creates and runs a new session for the program with the given hash
// on the device named in cfg. It returns SessionConflictError when the
// device already has a non-terminal session.
func (c *Controller) Start(ctx context.Context, programID string, cfg runtime.Config) (string, error) {
	p, ok := c.cache.Get(programID)
	if !ok {
		return "", fmt.Errorf("program %s is not cached", programID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, busy := c.byDevice[cfg.DeviceID]; busy {
		if !cur.sess.Status().Terminal() {
			return "", &SessionConflictError{DeviceID: cfg.DeviceID, SessionID: cur.sess.ID()}
		}
		delete(c.byDevice, cfg.DeviceID)
	}

	id := uuid.NewString()
	sess, err := runtime.NewSession(ctx, id, p, cfg)
	if err != nil {
		return "", err
	}
	e := &entry{sess: sess, programID: programID}
	c.byDevice[cfg.DeviceID] = e
	c.byID[id] = e

	ctxlog.FromContext(ctx).Info("Starting session.",
		"sessionID", id, "deviceID", cfg.DeviceID, "program", programID)
	if err := sess.Run(ctx); err != nil {
		c.retire(cfg.DeviceID, e)
		return id, err
	}
	if sess.Status().Terminal() {
		c.retire(cfg.DeviceID, e)
	}
	return id, nil
}

// StartProgram caches the program and starts a session over it in one call.
func (c *Controller) StartProgram(ctx context.Context, p *program.Program, cfg runtime.Config) (string, error) {
	cached, err := c.cache.Put(p)
	if err != nil {
		return "", err
	}
	return c.Start(ctx, cached.ID(), cfg)
}

// Cancel requests cooperative abort of a session. Cancelling an unknown ID
// is an error; cancelling a terminal session is a no-op, so retries and
// duplicate cancel requests are safe.
func (c *Controller) Cancel(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.byID[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	e.sess.Cancel(ctx)
	if e.sess.Status().Terminal() {
		c.retire(e.sess.DeviceID(), e)
	}
	return nil
}

// Status returns a snapshot of the session, live or archived.
func (c *Controller) Status(sessionID string) (SessionStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.byID[sessionID]
	if !ok {
		return SessionStatus{}, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	st := SessionStatus{
		SessionID:   e.sess.ID(),
		DeviceID:    e.sess.DeviceID(),
		ProgramID:   e.programID,
		Status:      e.sess.Status(),
		Trial:       e.sess.Trial(),
		Seed:        e.sess.Seed(),
		ResultsLost: e.sess.ResultsLost(),
	}
	if err := e.sess.Failure(); err != nil {
		st.Failure = err.Error()
	}
	return st, nil
}

// Deliver routes a hardware event to the device's active session. It
// reports whether any session consumed the event.
func (c *Controller) Deliver(ctx context.Context, ev hardware.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.byDevice[ev.DeviceID]
	if !ok {
		return false
	}
	consumed := e.sess.Deliver(ctx, ev)
	if e.sess.Status().Terminal() {
		c.retire(ev.DeviceID, e)
	}
	return consumed
}

// Tick advances timer state on every active session. The host calls it from
// its timer loop; NextDeadline tells it when the next call is due.
func (c *Controller) Tick(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for deviceID, e := range c.byDevice {
		e.sess.Tick(ctx)
		if e.sess.Status().Terminal() {
			c.retire(deviceID, e)
		}
	}
}

// NextDeadline returns the earliest pending wait deadline across active
// sessions, if any.
func (c *Controller) NextDeadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var next time.Time
	for _, e := range c.byDevice {
		if d, ok := e.sess.Deadline(); ok && (next.IsZero() || d.Before(next)) {
			next = d
		}
	}
	return next, !next.IsZero()
}

// retire frees the device slot. The session stays in byID so Status keeps
// answering for finished sessions.
func (c *Controller) retire(deviceID string, e *entry) {
	if cur, ok := c.byDevice[deviceID]; ok && cur == e {
		delete(c.byDevice, deviceID)
	}
}
