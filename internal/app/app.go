// Package app wires the trialgrid components into a runnable application:
// it loads the task graph and station configuration, validates and compiles
// the graph, and optionally executes the program against the simulated
// station.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/protolab/trialgrid/internal/ctxlog"
	"github.com/protolab/trialgrid/internal/graph"
	"github.com/protolab/trialgrid/internal/progcache"
	"github.com/protolab/trialgrid/internal/stationcfg"
	"github.com/protolab/trialgrid/internal/validate"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW    io.Writer
	logger  *slog.Logger
	graph   *graph.TaskGraph
	station *stationcfg.Config
	cache   *progcache.Cache
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App instance, including its own isolated logger. Startup
// errors are fatal and panic; main recovers them into a clean exit.
func NewApp(outW io.Writer, appConfig *Config) *App {
	logger := newLogger(appConfig.LogLevel, appConfig.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	// Environment overrides come from .env when present; a missing file is
	// the normal production case, not an error.
	if err := godotenv.Load(); err == nil {
		logger.Debug("Environment loaded from .env file.")
	}

	data, err := os.ReadFile(appConfig.GraphPath)
	if err != nil {
		panic(fmt.Errorf("failed to read task graph: %w", err))
	}
	g, err := graph.Decode(data)
	if err != nil {
		panic(fmt.Errorf("failed to decode task graph: %w", err))
	}
	logger.Debug("Task graph loaded.", "path", appConfig.GraphPath,
		"name", g.Meta.Name, "nodes", len(g.Nodes), "edges", len(g.Edges))

	var station *stationcfg.Config
	if appConfig.StationPath != "" {
		station, err = stationcfg.Load(ctx, appConfig.StationPath)
		if err != nil {
			panic(fmt.Errorf("failed to load station config: %w", err))
		}
	}

	return &App{
		outW:    outW,
		logger:  logger,
		graph:   g,
		station: station,
		cache:   progcache.New(),
	}
}

// Graph returns the loaded task graph. This is primarily for testing.
func (a *App) Graph() *graph.TaskGraph {
	return a.graph
}

// validateOptions resolves the validator options from the station config,
// falling back to defaults when no station file was given.
func (a *App) validateOptions() validate.Options {
	if a.station != nil {
		return a.station.ValidateOptions()
	}
	return validate.Options{}
}
