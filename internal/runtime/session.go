// Package runtime is the execution engine: a deterministic, single-threaded
// interpreter that runs one compiled program per session, issuing hardware
// actions and collecting trial results.
//
// A session suspends only at wait instructions and is resumed by explicit
// calls from the host: Deliver for hardware events, Tick for timers. It
// never busy-waits and never blocks inside Run beyond the bounded dispatch
// and sink timeouts, so the engine can be driven by an event loop, a timer
// wheel, or plain test code interchangeably.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/zclconf/go-cty/cty"

	"github.com/protolab/trialgrid/internal/ctxlog"
	"github.com/protolab/trialgrid/internal/hardware"
	"github.com/protolab/trialgrid/internal/program"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusRunning            Status = "running"
	StatusWaitingForHardware Status = "waiting_for_hardware"
	StatusWaitingForTimer    Status = "waiting_for_timer"
	StatusCompleted          Status = "completed"
	StatusAborted            Status = "aborted"
	StatusFailed             Status = "failed"
)

// Terminal reports whether the status is final. A terminal session is
// immutable and only readable for its outcome.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted || s == StatusFailed
}

// ErrWaitTimeout is the failure recorded when a fatal-policy wait expires.
var ErrWaitTimeout = errors.New("timed out waiting for hardware event")

// ErrResultsLost is the failure recorded when the local result buffer
// overflows: the engine fails the session rather than corrupting result
// ordering or dropping records silently.
var ErrResultsLost = errors.New("result buffer overflow, results lost")

// Config carries a session's collaborators and tuning.
type Config struct {
	DeviceID string

	// Seed initializes the session's pseudo-random generator. Zero means
	// derive one from the clock; the effective seed is always logged so a
	// session can be replayed.
	Seed int64

	Dispatcher hardware.Dispatcher
	Sink       hardware.Sink
	Clock      Clock

	// MaxDispatchRetries bounds retries of a retryable hardware fault
	// before the session fails.
	MaxDispatchRetries uint64
	// RetryInitialInterval is the first backoff delay between retries.
	RetryInitialInterval time.Duration
	// SinkTimeout bounds each result write.
	SinkTimeout time.Duration
	// ResultBufferLimit bounds how many unpersisted records the session
	// holds before failing with ErrResultsLost.
	ResultBufferLimit int
}

func (c *Config) applyDefaults() {
	if c.Clock == nil {
		c.Clock = SystemClock
	}
	if c.MaxDispatchRetries == 0 {
		c.MaxDispatchRetries = 3
	}
	if c.RetryInitialInterval == 0 {
		c.RetryInitialInterval = 200 * time.Millisecond
	}
	if c.SinkTimeout == 0 {
		c.SinkTimeout = 5 * time.Second
	}
	if c.ResultBufferLimit == 0 {
		c.ResultBufferLimit = 64
	}
}

// pendingWait is the suspension point of a waiting session.
type pendingWait struct {
	event     string
	seq       uint64
	deadline  time.Time
	timeoutMS int64
	policy    program.TimeoutPolicy
	target    string
	timer     bool
}

// Session is the runtime state of one running program instance. All methods
// must be called from a single goroutine; the engine is cooperative, not
// thread-safe.
type Session struct {
	id   string
	cfg  Config
	prog *program.Program

	ip        int
	stack     []cty.Value
	globals   map[string]cty.Value
	trialVars map[string]cty.Value
	trial     int

	status  Status
	pending *pendingWait
	waitSeq uint64
	failure error
	cancel  bool

	seed int64
	rng  *rand.Rand

	// Identity of the last consumed event and the wait that consumed it,
	// for dropping at-least-once redeliveries.
	lastEventKind string
	lastEventTS   time.Time
	consumedSeq   uint64

	resultBuf   []hardware.ResultRecord
	resultsLost bool
	records     int
}

// NewSession prepares a session over a sealed program. It fails closed on
// unsealed programs and unsupported artifact versions.
func NewSession(ctx context.Context, id string, p *program.Program, cfg Config) (*Session, error) {
	if p == nil || !p.Sealed() {
		return nil, program.ErrNotSealed
	}
	if p.ArtifactVersion != program.ArtifactVersion {
		return nil, fmt.Errorf("%w: artifact version %d", program.ErrUnsupportedVersion, p.ArtifactVersion)
	}
	if cfg.Dispatcher == nil || cfg.Sink == nil {
		return nil, errors.New("session config needs a dispatcher and a sink")
	}
	cfg.applyDefaults()

	seed := cfg.Seed
	if seed == 0 {
		seed = cfg.Clock.Now().UnixNano()
	}

	s := &Session{
		id:        id,
		cfg:       cfg,
		prog:      p,
		ip:        p.Entry,
		globals:   make(map[string]cty.Value),
		trialVars: make(map[string]cty.Value),
		trial:     1,
		status:    StatusRunning,
		seed:      seed,
		rng:       rand.New(rand.NewSource(seed)),
	}

	ctxlog.FromContext(ctx).Info("Session created.",
		"sessionID", id, "deviceID", cfg.DeviceID, "program", p.ID(), "seed", seed)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// DeviceID returns the device the session runs on.
func (s *Session) DeviceID() string { return s.cfg.DeviceID }

// Status returns the current lifecycle state.
func (s *Session) Status() Status { return s.status }

// Trial returns the current trial number, starting at 1.
func (s *Session) Trial() int { return s.trial }

// Seed returns the effective random seed, for replay.
func (s *Session) Seed() int64 { return s.seed }

// Failure returns the recorded error of a failed session.
func (s *Session) Failure() error { return s.failure }

// ResultsLost reports whether the session failed dropping buffered results.
func (s *Session) ResultsLost() bool { return s.resultsLost }

// Deadline returns the pending wait's deadline, if any. The host uses it to
// schedule the next Tick.
func (s *Session) Deadline() (time.Time, bool) {
	if s.pending == nil || s.pending.deadline.IsZero() {
		return time.Time{}, false
	}
	return s.pending.deadline, true
}

// Run executes instructions until the session suspends on a wait or reaches
// a terminal state. The returned error is the session failure, if any;
// suspension and completion return nil.
func (s *Session) Run(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx).With("sessionID", s.id)
	for s.status == StatusRunning {
		if s.cancel {
			s.abort(ctx)
			return nil
		}
		if err := ctx.Err(); err != nil {
			s.abort(ctx)
			return nil
		}
		if err := s.step(ctx); err != nil {
			s.fail(ctx, err)
			return err
		}
	}
	logger.Debug("Run suspended.", "status", s.status, "ip", s.ip, "trial", s.trial)
	return nil
}

// Deliver resumes a hardware wait with an event. It reports whether the
// event was consumed: deliveries while not waiting, for a different kind,
// or duplicating the previously consumed event are ignored, which gives the
// engine its at-least-once tolerance. Each wait carries a sequence number,
// so a dropped redelivery can be attributed to the wait that consumed it.
func (s *Session) Deliver(ctx context.Context, ev hardware.Event) bool {
	if s.status != StatusWaitingForHardware || s.pending == nil {
		return false
	}
	if ev.Kind != s.pending.event {
		return false
	}
	if ev.Kind == s.lastEventKind && ev.Timestamp.Equal(s.lastEventTS) {
		ctxlog.FromContext(ctx).Debug("Duplicate hardware event dropped.",
			"sessionID", s.id, "kind", ev.Kind,
			"consumedByWait", s.consumedSeq, "currentWait", s.pending.seq)
		return false
	}
	if !s.pending.deadline.IsZero() && s.cfg.Clock.Now().After(s.pending.deadline) {
		s.expireWait(ctx)
		return false
	}

	s.consumedSeq = s.pending.seq
	s.lastEventKind, s.lastEventTS = ev.Kind, ev.Timestamp
	if s.pending.target != "" {
		s.trialVars[s.pending.target] = ev.PayloadValue()
	}
	s.push(cty.True)
	s.pending = nil
	s.setStatus(ctx, StatusRunning)
	_ = s.Run(ctx)
	return true
}

// Tick advances time-dependent state: it resumes an elapsed timer wait and
// expires an overdue hardware wait. Hosts call it from their timer
// facility; calling it early or repeatedly is harmless.
func (s *Session) Tick(ctx context.Context) {
	if s.pending == nil || s.pending.deadline.IsZero() {
		return
	}
	if s.cfg.Clock.Now().Before(s.pending.deadline) {
		return
	}
	switch s.status {
	case StatusWaitingForTimer:
		s.pending = nil
		s.setStatus(ctx, StatusRunning)
		_ = s.Run(ctx)
	case StatusWaitingForHardware:
		s.expireWait(ctx)
	}
}

// expireWait applies the instruction's timeout policy.
func (s *Session) expireWait(ctx context.Context) {
	wait := s.pending
	s.pending = nil
	if wait.policy == program.TimeoutOutcome {
		// Timeout is a legitimate outcome: the wait yields false and the
		// captured value stays null.
		if wait.target != "" {
			s.trialVars[wait.target] = cty.NullVal(cty.DynamicPseudoType)
		}
		s.push(cty.False)
		s.setStatus(ctx, StatusRunning)
		_ = s.Run(ctx)
		return
	}
	s.fail(ctx, fmt.Errorf("%w: %q after %dms", ErrWaitTimeout, wait.event, wait.timeoutMS))
}

// Cancel requests cooperative abort. A waiting session aborts immediately
// at its instruction boundary; cancelling a terminal session is a no-op.
func (s *Session) Cancel(ctx context.Context) {
	if s.status.Terminal() {
		return
	}
	s.cancel = true
	if s.status != StatusRunning {
		s.abort(ctx)
	}
}

func (s *Session) abort(ctx context.Context) {
	s.pending = nil
	s.setStatus(ctx, StatusAborted)
	ctxlog.FromContext(ctx).Info("Session aborted.", "sessionID", s.id, "trial", s.trial)
}

func (s *Session) fail(ctx context.Context, err error) {
	s.failure = err
	s.pending = nil
	s.setStatus(ctx, StatusFailed)
	ctxlog.FromContext(ctx).Error("Session failed.", "sessionID", s.id, "trial", s.trial, "error", err)
}

func (s *Session) setStatus(ctx context.Context, st Status) {
	if s.status == st {
		return
	}
	s.status = st
	s.cfg.Sink.EmitProgress(hardware.ProgressEvent{
		SessionID: s.id,
		Kind:      hardware.ProgressStatusChanged,
		Trial:     s.trial,
		Status:    string(st),
		Timestamp: s.cfg.Clock.Now(),
	})
}
