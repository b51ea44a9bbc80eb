// Package redissink persists trial results to a Redis stream. Each result
// record becomes one XADD entry, so the stream preserves the engine's write
// order and downstream consumers can replay a session's results with
// consumer groups.
package redissink

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/protolab/trialgrid/internal/ctxlog"
	"github.com/protolab/trialgrid/internal/hardware"
)

const defaultStream = "trialgrid:results"

// Sink writes results to a Redis stream and mirrors progress events onto a
// companion pub/sub channel.
type Sink struct {
	client *redis.Client
	stream string
}

// New connects to Redis at the given URL (redis://...) and verifies the
// connection with a ping.
func New(ctx context.Context, redisURL, stream string) (*Sink, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	if stream == "" {
		stream = defaultStream
	}
	return &Sink{client: client, stream: stream}, nil
}

// Record implements hardware.Sink.
func (s *Sink) Record(ctx context.Context, rec hardware.ResultRecord) error {
	fields, err := encodeFields(rec)
	if err != nil {
		return &hardware.SinkError{Err: err}
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: fields,
	}).Err()
	if err != nil {
		return &hardware.SinkError{Err: fmt.Errorf("xadd to %s: %w", s.stream, err)}
	}
	return nil
}

// EmitProgress implements hardware.Sink. Progress is fire-and-forget: a
// failed publish is logged and dropped, never surfaced to the engine.
func (s *Sink) EmitProgress(ev hardware.ProgressEvent) {
	ctx := context.Background()
	payload, err := sonic.Marshal(map[string]any{
		"session_id": ev.SessionID,
		"kind":       ev.Kind,
		"trial":      ev.Trial,
		"status":     ev.Status,
		"timestamp":  ev.Timestamp,
	})
	if err != nil {
		return
	}
	channel := fmt.Sprintf("trialgrid:progress:%s", ev.SessionID)
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		ctxlog.FromContext(ctx).Warn("Progress publish failed.", "channel", channel, "error", err)
	}
}

// Close releases the Redis connection.
func (s *Sink) Close() error {
	return s.client.Close()
}

// encodeFields flattens a record into stream entry values. Result fields
// are JSON-encoded one by one so consumers read them without a schema.
func encodeFields(rec hardware.ResultRecord) (map[string]any, error) {
	out := map[string]any{
		"session_id": rec.SessionID,
		"trial":      rec.TrialNumber,
		"timestamp":  rec.Timestamp.UnixMilli(),
	}
	for name, v := range rec.Fields {
		data, err := ctyjson.Marshal(v, v.Type())
		if err != nil {
			return nil, fmt.Errorf("encoding result field %q: %w", name, err)
		}
		out["field:"+name] = string(data)
	}
	return out, nil
}
