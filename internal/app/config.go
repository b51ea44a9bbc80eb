package app

import "errors"

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	GraphPath   string // task graph JSON document
	StationPath string // optional station HCL file
	ArtifactOut string // optional path to write the compiled artifact

	CheckOnly bool  // validate and compile, do not execute
	Seed      int64 // random seed for execution, 0 derives one

	LogFormat       string
	LogLevel        string
	HealthcheckPort int
}

// NewConfig validates a Config and returns it.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.GraphPath == "" {
		return nil, errors.New("GraphPath is a required configuration field and cannot be empty")
	}
	return &cfg, nil
}
