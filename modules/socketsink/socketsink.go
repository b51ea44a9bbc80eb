// Package socketsink streams session progress to observers over socket.io.
// It decorates another sink: result records pass through to the wrapped
// sink unchanged, while progress events are additionally emitted as
// socket.io events so a monitoring UI can follow a session live.
package socketsink

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"

	"github.com/protolab/trialgrid/internal/ctxlog"
	"github.com/protolab/trialgrid/internal/hardware"
)

// ProgressEventName is the socket.io event carrying progress payloads.
const ProgressEventName = "session_progress"

// Sink emits progress over a socket.io connection and forwards results to
// the wrapped sink.
type Sink struct {
	inner hardware.Sink
	io    *socket.Socket
}

// New connects to the socket.io endpoint and wraps the inner sink. The
// namespace comes from the URL path; connection setup is bounded by the
// context deadline only through the library's own handshake timeout.
func New(ctx context.Context, rawURL, namespace string, inner hardware.Sink) (*Sink, error) {
	logger := ctxlog.FromContext(ctx).With("url", rawURL, "namespace", namespace)

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing socket URL: %w", err)
	}
	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)

	opts := socket.DefaultOptions()
	opts.SetTransports(types.NewSet(transports.WebSocket))

	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket(namespace, opts)

	io.On(types.EventName("connect"), func(...any) {
		logger.Info("Progress socket connected.", "sid", io.Id())
	})
	io.On(types.EventName("connect_error"), func(errs ...any) {
		logger.Warn("Progress socket connection error.", "error", errs)
	})
	io.Connect()

	return &Sink{inner: inner, io: io}, nil
}

// Record implements hardware.Sink by delegating to the wrapped sink.
func (s *Sink) Record(ctx context.Context, rec hardware.ResultRecord) error {
	return s.inner.Record(ctx, rec)
}

// EmitProgress implements hardware.Sink. Emission is fire-and-forget over
// the socket; the wrapped sink sees the event too.
func (s *Sink) EmitProgress(ev hardware.ProgressEvent) {
	s.io.Emit(ProgressEventName, map[string]any{
		"session_id": ev.SessionID,
		"kind":       ev.Kind,
		"trial":      ev.Trial,
		"status":     ev.Status,
		"timestamp":  ev.Timestamp.Format(time.RFC3339Nano),
	})
	s.inner.EmitProgress(ev)
}

// Close disconnects the progress socket.
func (s *Sink) Close() {
	s.io.Disconnect()
}
