package stationcfg

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protolab/trialgrid/internal/validate"
)

const fullStation = `
station "box-07" {
  conflict_policy = "reject"
  seed            = 42

  resource "screen" {
    exclusive = true
  }
  resource "feeder" {
    exclusive = true
  }
  resource "house_light" {}

  dispatch {
    max_retries            = 5
    retry_initial_interval = "250ms"
  }

  sink {
    timeout      = "2s"
    buffer_limit = 16
    redis_addr   = "localhost:6379"
    redis_stream = "trialgrid:results"
  }
}
`

func TestLoadBytesFullStation(t *testing.T) {
	cfg, err := LoadBytes(context.Background(), []byte(fullStation), "station.hcl")
	require.NoError(t, err)

	assert.Equal(t, "box-07", cfg.Station.DeviceID)
	assert.Equal(t, int64(42), cfg.Station.Seed)
	assert.Equal(t, validate.ConflictReject, cfg.ConflictPolicy)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryInitialInterval)
	assert.Equal(t, 2*time.Second, cfg.SinkTimeout)

	require.NotNil(t, cfg.Station.Dispatch)
	assert.Equal(t, uint64(5), cfg.Station.Dispatch.MaxRetries)
	require.NotNil(t, cfg.Station.Sink)
	assert.Equal(t, 16, cfg.Station.Sink.BufferLimit)
	assert.Equal(t, "localhost:6379", cfg.Station.Sink.RedisAddr)

	assert.Equal(t, map[string]bool{"screen": true, "feeder": true}, cfg.Exclusive())

	opts := cfg.ValidateOptions()
	assert.Equal(t, validate.ConflictReject, opts.ConflictPolicy)
	assert.True(t, opts.Exclusive["screen"])
	assert.False(t, opts.Exclusive["house_light"])
}

func TestLoadBytesDefaults(t *testing.T) {
	cfg, err := LoadBytes(context.Background(), []byte(`station "box-01" {}`), "station.hcl")
	require.NoError(t, err)

	assert.Equal(t, validate.ConflictWarn, cfg.ConflictPolicy)
	assert.Zero(t, cfg.RetryInitialInterval)
	assert.Empty(t, cfg.Exclusive())
}

func TestLoadBytesRejectsUnknownPolicy(t *testing.T) {
	_, err := LoadBytes(context.Background(), []byte(`
station "box-01" {
  conflict_policy = "ignore"
}`), "station.hcl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conflict_policy")
}

func TestLoadBytesRejectsBadDuration(t *testing.T) {
	_, err := LoadBytes(context.Background(), []byte(`
station "box-01" {
  dispatch {
    retry_initial_interval = "soon"
  }
}`), "station.hcl")
	require.Error(t, err)
}

func TestLoadBytesRequiresSingleStation(t *testing.T) {
	_, err := LoadBytes(context.Background(), []byte(`
station "a" {}
station "b" {}
`), "station.hcl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one station")
}

func TestLoadBytesRejectsInvalidHCL(t *testing.T) {
	_, err := LoadBytes(context.Background(), []byte(`station {`), "station.hcl")
	require.Error(t, err)
}
