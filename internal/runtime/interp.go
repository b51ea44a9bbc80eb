package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function/stdlib"

	"github.com/protolab/trialgrid/internal/ctxlog"
	"github.com/protolab/trialgrid/internal/hardware"
	"github.com/protolab/trialgrid/internal/program"
)

// errFault marks interpreter-level faults: stack underflow, bad operands,
// out-of-range instruction pointers. These indicate a compiler or engine
// bug, not a protocol outcome, and always fail the session.
var errFault = errors.New("interpreter fault")

// step executes exactly one instruction. The instruction pointer is
// advanced before dispatch so wait resumption continues at the right place;
// jumps overwrite it.
func (s *Session) step(ctx context.Context) error {
	if s.ip < 0 || s.ip >= len(s.prog.Instructions) {
		return fmt.Errorf("%w: instruction pointer %d out of range", errFault, s.ip)
	}
	ins := s.prog.Instructions[s.ip]
	s.ip++

	switch ins.Op {
	case program.OpPush:
		v := s.prog.Constant(ins.Const)
		if v == cty.NilVal {
			return fmt.Errorf("%w: constant index %d out of range", errFault, ins.Const)
		}
		s.push(v)

	case program.OpPop:
		_, err := s.pop()
		return err

	case program.OpJump:
		s.ip = ins.Target

	case program.OpJumpIfFalse:
		v, err := s.pop()
		if err != nil {
			return err
		}
		if !truthy(v) {
			s.ip = ins.Target
		}

	case program.OpBinary:
		return s.binary(ins.BinOp)

	case program.OpUnary:
		return s.unary(ins.UnOp)

	case program.OpAttr:
		v, err := s.pop()
		if err != nil {
			return err
		}
		s.push(attrOf(v, ins.Attr))

	case program.OpRandom:
		return s.random()

	case program.OpStoreVar:
		v, err := s.pop()
		if err != nil {
			return err
		}
		if ins.Scope == program.ScopeTrial {
			s.trialVars[ins.Var] = v
		} else {
			s.globals[ins.Var] = v
		}

	case program.OpLoadVar:
		s.push(s.lookup(ins.Var))

	case program.OpCallHardware:
		return s.callHardware(ctx, ins)

	case program.OpWaitForEvent:
		s.beginWait(ctx, ins)

	case program.OpBeginTrial:
		s.trial++
		s.trialVars = make(map[string]cty.Value)
		s.cfg.Sink.EmitProgress(hardware.ProgressEvent{
			SessionID: s.id,
			Kind:      hardware.ProgressTrialStarted,
			Trial:     s.trial,
			Status:    string(s.status),
			Timestamp: s.cfg.Clock.Now(),
		})

	case program.OpRecordResult:
		return s.recordResult(ctx, ins.Fields)

	case program.OpHalt:
		return s.halt(ctx)

	default:
		return fmt.Errorf("%w: unknown opcode %q", errFault, ins.Op)
	}
	return nil
}

func (s *Session) push(v cty.Value) {
	s.stack = append(s.stack, v)
}

func (s *Session) pop() (cty.Value, error) {
	if len(s.stack) == 0 {
		return cty.NilVal, fmt.Errorf("%w: stack underflow at instruction %d", errFault, s.ip-1)
	}
	v := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	return v, nil
}

// lookup resolves a variable: trial scope shadows globals, and an unset
// name reads as null so conditions over not-yet-captured values are false
// rather than faults.
func (s *Session) lookup(name string) cty.Value {
	if v, ok := s.trialVars[name]; ok {
		return v
	}
	if v, ok := s.globals[name]; ok {
		return v
	}
	return cty.NullVal(cty.DynamicPseudoType)
}

// truthy maps a value to branch truth: true booleans only; null and
// everything else are false.
func truthy(v cty.Value) bool {
	if v == cty.NilVal || v.IsNull() {
		return false
	}
	if v.Type() == cty.Bool {
		return v.True()
	}
	return false
}

func (s *Session) binary(op program.BinOp) error {
	rhs, err := s.pop()
	if err != nil {
		return err
	}
	lhs, err := s.pop()
	if err != nil {
		return err
	}

	switch op {
	case program.BinAnd:
		s.push(cty.BoolVal(truthy(lhs) && truthy(rhs)))
		return nil
	case program.BinOr:
		s.push(cty.BoolVal(truthy(lhs) || truthy(rhs)))
		return nil
	case program.BinEq:
		s.push(lhs.Equals(rhs))
		return nil
	case program.BinNeq:
		s.push(cty.BoolVal(lhs.Equals(rhs).False()))
		return nil
	}

	// Remaining operators need non-null operands; comparisons against a
	// missing value are false, arithmetic on one is a fault.
	if lhs.IsNull() || rhs.IsNull() {
		switch op {
		case program.BinLt, program.BinLte, program.BinGt, program.BinGte:
			s.push(cty.False)
			return nil
		}
		return fmt.Errorf("%w: arithmetic %s on null operand", errFault, op)
	}

	var fn func(a, b cty.Value) (cty.Value, error)
	switch op {
	case program.BinAdd:
		fn = stdlib.Add
	case program.BinSub:
		fn = stdlib.Subtract
	case program.BinMul:
		fn = stdlib.Multiply
	case program.BinDiv:
		fn = stdlib.Divide
	case program.BinMod:
		fn = stdlib.Modulo
	case program.BinLt:
		fn = stdlib.LessThan
	case program.BinLte:
		fn = stdlib.LessThanOrEqualTo
	case program.BinGt:
		fn = stdlib.GreaterThan
	case program.BinGte:
		fn = stdlib.GreaterThanOrEqualTo
	default:
		return fmt.Errorf("%w: unknown binary operator %q", errFault, op)
	}
	out, err := fn(lhs, rhs)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", errFault, op, err)
	}
	s.push(out)
	return nil
}

func (s *Session) unary(op program.UnOp) error {
	v, err := s.pop()
	if err != nil {
		return err
	}
	switch op {
	case program.UnNot:
		s.push(cty.BoolVal(!truthy(v)))
		return nil
	case program.UnNeg:
		out, err := stdlib.Negate(v)
		if err != nil {
			return fmt.Errorf("%w: neg: %v", errFault, err)
		}
		s.push(out)
		return nil
	}
	return fmt.Errorf("%w: unknown unary operator %q", errFault, op)
}

// attrOf reads an attribute off an object or map value, yielding null for
// anything absent so downstream comparisons see a missing value, not a
// fault.
func attrOf(v cty.Value, name string) cty.Value {
	if v == cty.NilVal || v.IsNull() {
		return cty.NullVal(cty.DynamicPseudoType)
	}
	ty := v.Type()
	switch {
	case ty.IsObjectType() && ty.HasAttribute(name):
		return v.GetAttr(name)
	case ty.IsMapType():
		key := cty.StringVal(name)
		if v.HasIndex(key).True() {
			return v.Index(key)
		}
	}
	return cty.NullVal(cty.DynamicPseudoType)
}

// random pops an inclusive [min, max] integer range and pushes a uniform
// draw from the session generator. All randomness flows through this one
// seeded generator, which is what makes seeded replay exact.
func (s *Session) random() error {
	maxV, err := s.pop()
	if err != nil {
		return err
	}
	minV, err := s.pop()
	if err != nil {
		return err
	}
	if minV.IsNull() || maxV.IsNull() {
		return fmt.Errorf("%w: random range operand is null", errFault)
	}
	lo, _ := minV.AsBigFloat().Int64()
	hi, _ := maxV.AsBigFloat().Int64()
	if hi < lo {
		return fmt.Errorf("%w: random range [%d,%d] is inverted", errFault, lo, hi)
	}
	s.push(cty.NumberIntVal(lo + s.rng.Int63n(hi-lo+1)))
	return nil
}

// callHardware resolves the action's arguments and triggers it through the
// dispatcher, retrying retryable faults with bounded exponential backoff.
func (s *Session) callHardware(ctx context.Context, ins program.Instruction) error {
	args := make(map[string]cty.Value, len(ins.Args))
	for _, ref := range ins.Args {
		if ref.Var != "" {
			args[ref.Name] = s.lookup(ref.Var)
			continue
		}
		args[ref.Name] = s.prog.Constant(ref.Const)
	}
	spec := hardware.ActionSpec{Name: ins.Action, Resource: ins.Resource, Args: args}

	logger := ctxlog.FromContext(ctx).With("sessionID", s.id, "action", ins.Action, "resource", ins.Resource)
	logger.Debug("Triggering hardware action.")

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.RetryInitialInterval
	op := func() error {
		err := s.cfg.Dispatcher.Trigger(ctx, spec)
		if err == nil {
			return nil
		}
		var de *hardware.DispatchError
		if errors.As(err, &de) && !de.Retryable {
			return backoff.Permanent(err)
		}
		logger.Warn("Hardware action failed, will retry.", "error", err)
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, s.cfg.MaxDispatchRetries), ctx)); err != nil {
		return fmt.Errorf("hardware action %q on %q: %w", ins.Action, ins.Resource, err)
	}
	return nil
}

// beginWait suspends the session on a wait instruction. Timer waits are
// resumed by Tick; event waits by Deliver, or by Tick when the deadline
// passes first.
func (s *Session) beginWait(ctx context.Context, ins program.Instruction) {
	var deadline time.Time
	if ins.TimeoutMS > 0 {
		deadline = s.cfg.Clock.Now().Add(time.Duration(ins.TimeoutMS) * time.Millisecond)
	}
	s.waitSeq++
	s.pending = &pendingWait{
		event:     ins.Event,
		seq:       s.waitSeq,
		deadline:  deadline,
		timeoutMS: ins.TimeoutMS,
		policy:    ins.Policy,
		target:    ins.Var,
		timer:     ins.Event == program.EventTimer,
	}
	if s.pending.timer {
		s.setStatus(ctx, StatusWaitingForTimer)
	} else {
		s.setStatus(ctx, StatusWaitingForHardware)
	}
}

// recordResult assembles a record from the current bindings and hands it to
// the sink synchronously, preserving trial order. Failed writes are
// buffered and retried on the next record; overflowing the buffer fails the
// session explicitly instead of dropping data.
func (s *Session) recordResult(ctx context.Context, fields []program.FieldRef) error {
	rec := hardware.ResultRecord{
		SessionID:   s.id,
		TrialNumber: s.trial,
		Timestamp:   s.cfg.Clock.Now(),
		Fields:      make(map[string]cty.Value, len(fields)),
	}
	for _, f := range fields {
		rec.Fields[f.Name] = s.lookup(f.Var)
	}
	s.resultBuf = append(s.resultBuf, rec)
	s.flushResults(ctx)
	if len(s.resultBuf) > s.cfg.ResultBufferLimit {
		s.resultsLost = true
		return &hardware.SinkError{Err: ErrResultsLost}
	}
	return nil
}

// flushResults drains the buffer in order, stopping at the first failure so
// ordering is never violated.
func (s *Session) flushResults(ctx context.Context) {
	for len(s.resultBuf) > 0 {
		writeCtx, cancel := context.WithTimeout(ctx, s.cfg.SinkTimeout)
		err := s.cfg.Sink.Record(writeCtx, s.resultBuf[0])
		cancel()
		if err != nil {
			ctxlog.FromContext(ctx).Warn("Result write failed, buffering.",
				"sessionID", s.id, "buffered", len(s.resultBuf), "error", err)
			return
		}
		s.resultBuf = s.resultBuf[1:]
		s.records++
	}
}

// halt finishes the session, flushing any buffered results first. Results
// that still cannot be persisted fail the session with an explicit
// results-lost marker.
func (s *Session) halt(ctx context.Context) error {
	s.flushResults(ctx)
	if len(s.resultBuf) > 0 {
		s.resultsLost = true
		return &hardware.SinkError{Err: ErrResultsLost}
	}
	s.setStatus(ctx, StatusCompleted)
	ctxlog.FromContext(ctx).Info("Session completed.", "sessionID", s.id, "trials", s.trial, "records", s.records)
	return nil
}
