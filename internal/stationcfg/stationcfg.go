// Package stationcfg loads the station configuration file: the HCL
// document that describes one physical station, its hardware resources,
// and the operational tuning for sessions running on it.
//
// A station file looks like:
//
//	station "box-07" {
//	  conflict_policy = "warn"
//
//	  resource "screen" {
//	    exclusive = true
//	  }
//	  resource "feeder" {
//	    exclusive = true
//	  }
//
//	  dispatch {
//	    max_retries            = 3
//	    retry_initial_interval = "200ms"
//	  }
//
//	  sink {
//	    timeout      = "5s"
//	    buffer_limit = 64
//	    redis_addr   = "localhost:6379"
//	    redis_stream = "trialgrid:results"
//	  }
//	}
package stationcfg

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/protolab/trialgrid/internal/ctxlog"
	"github.com/protolab/trialgrid/internal/validate"
)

// Resource declares one hardware resource of the station. Exclusive
// resources can serve only one node at a time, which is what the graph
// validator's conflict analysis checks against.
type Resource struct {
	Name      string `hcl:"name,label"`
	Exclusive bool   `hcl:"exclusive,optional"`
}

// Dispatch tunes hardware action retry behavior.
type Dispatch struct {
	MaxRetries           uint64 `hcl:"max_retries,optional"`
	RetryInitialInterval string `hcl:"retry_initial_interval,optional"`
}

// Sink tunes result persistence and names the optional external backends.
type Sink struct {
	Timeout     string `hcl:"timeout,optional"`
	BufferLimit int    `hcl:"buffer_limit,optional"`
	RedisAddr   string `hcl:"redis_addr,optional"`
	RedisStream string `hcl:"redis_stream,optional"`
	SocketURL   string `hcl:"socket_url,optional"`
}

// Station is one decoded station block.
type Station struct {
	DeviceID       string     `hcl:"device_id,label"`
	ConflictPolicy string     `hcl:"conflict_policy,optional"`
	Seed           int64      `hcl:"seed,optional"`
	Resources      []Resource `hcl:"resource,block"`
	Dispatch       *Dispatch  `hcl:"dispatch,block"`
	Sink           *Sink      `hcl:"sink,block"`
}

type root struct {
	Stations []Station `hcl:"station,block"`
}

// Config is the fully decoded and defaulted station configuration.
type Config struct {
	Station              Station
	ConflictPolicy       validate.ConflictPolicy
	RetryInitialInterval time.Duration
	SinkTimeout          time.Duration
}

// Load parses and validates a station file. The file must declare exactly
// one station.
func Load(ctx context.Context, path string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing station file %s: %w", path, diags)
	}
	return decode(ctx, file.Body, path)
}

// LoadBytes parses a station document from memory, for tests and embedded
// defaults.
func LoadBytes(ctx context.Context, src []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing station config %s: %w", filename, diags)
	}
	return decode(ctx, file.Body, filename)
}

func decode(ctx context.Context, body hcl.Body, name string) (*Config, error) {
	var r root
	if diags := gohcl.DecodeBody(body, nil, &r); diags.HasErrors() {
		return nil, fmt.Errorf("decoding station config %s: %w", name, diags)
	}
	if len(r.Stations) != 1 {
		return nil, fmt.Errorf("station config %s must declare exactly one station, found %d", name, len(r.Stations))
	}

	cfg := &Config{Station: r.Stations[0]}
	if err := cfg.applyDefaults(); err != nil {
		return nil, fmt.Errorf("station config %s: %w", name, err)
	}

	ctxlog.FromContext(ctx).Debug("Station config loaded.",
		"deviceID", cfg.Station.DeviceID,
		"resources", len(cfg.Station.Resources),
		"conflictPolicy", cfg.ConflictPolicy)
	return cfg, nil
}

func (c *Config) applyDefaults() error {
	switch c.Station.ConflictPolicy {
	case "", string(validate.ConflictWarn):
		c.ConflictPolicy = validate.ConflictWarn
	case string(validate.ConflictReject):
		c.ConflictPolicy = validate.ConflictReject
	case string(validate.ConflictSerialize):
		c.ConflictPolicy = validate.ConflictSerialize
	default:
		return fmt.Errorf("unknown conflict_policy %q", c.Station.ConflictPolicy)
	}

	if c.Station.Dispatch != nil && c.Station.Dispatch.RetryInitialInterval != "" {
		d, err := time.ParseDuration(c.Station.Dispatch.RetryInitialInterval)
		if err != nil {
			return fmt.Errorf("retry_initial_interval: %w", err)
		}
		c.RetryInitialInterval = d
	}
	if c.Station.Sink != nil && c.Station.Sink.Timeout != "" {
		d, err := time.ParseDuration(c.Station.Sink.Timeout)
		if err != nil {
			return fmt.Errorf("sink timeout: %w", err)
		}
		c.SinkTimeout = d
	}
	return nil
}

// Exclusive returns the set of exclusive resource names, in the shape the
// validator's conflict options take.
func (c *Config) Exclusive() map[string]bool {
	out := make(map[string]bool, len(c.Station.Resources))
	for _, r := range c.Station.Resources {
		if r.Exclusive {
			out[r.Name] = true
		}
	}
	return out
}

// ValidateOptions builds validator options from the station's declarations.
func (c *Config) ValidateOptions() validate.Options {
	return validate.Options{
		ConflictPolicy: c.ConflictPolicy,
		Exclusive:      c.Exclusive(),
	}
}
