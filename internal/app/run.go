package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/protolab/trialgrid/internal/compiler"
	"github.com/protolab/trialgrid/internal/control"
	"github.com/protolab/trialgrid/internal/ctxlog"
	"github.com/protolab/trialgrid/internal/hardware"
	"github.com/protolab/trialgrid/internal/program"
	"github.com/protolab/trialgrid/internal/runtime"
	"github.com/protolab/trialgrid/internal/validate"
	"github.com/protolab/trialgrid/modules/redissink"
	"github.com/protolab/trialgrid/modules/simstation"
	"github.com/protolab/trialgrid/modules/socketsink"
)

// Run executes the main application logic based on the provided configuration.
func (a *App) Run(ctx context.Context, appConfig *Config) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	if appConfig.HealthcheckPort > 0 {
		go a.startHealthcheckServer(appConfig.HealthcheckPort)
	}

	a.logger.Debug("Validating task graph...")
	validated, issues := validate.Validate(a.graph, a.validateOptions())
	for _, issue := range issues {
		fmt.Fprintln(a.outW, issue.Error())
	}
	if validate.HasErrors(issues) {
		return fmt.Errorf("task graph %q failed validation with %d issue(s)", a.graph.Meta.Name, len(issues))
	}
	a.logger.Info("Task graph is valid.", "name", a.graph.Meta.Name, "warnings", len(issues))

	prog, err := compiler.Compile(validated)
	if err != nil {
		return fmt.Errorf("compilation failed: %w", err)
	}
	a.logger.Info("Program compiled.", "program", prog.ID(), "instructions", len(prog.Instructions))

	if appConfig.ArtifactOut != "" {
		data, err := prog.Encode()
		if err != nil {
			return fmt.Errorf("encoding artifact: %w", err)
		}
		if err := os.WriteFile(appConfig.ArtifactOut, data, 0o644); err != nil {
			return fmt.Errorf("writing artifact: %w", err)
		}
		a.logger.Info("Artifact written.", "path", appConfig.ArtifactOut)
	}

	if appConfig.CheckOnly {
		a.logger.Debug("Check-only mode, skipping execution.")
		return nil
	}

	p, err := a.cache.Put(prog)
	if err != nil {
		return err
	}
	return a.execute(ctx, appConfig, p)
}

// execute runs the compiled program on the simulated station. Timer waits
// elapse against the real clock; hardware waits rely on their timeouts,
// since the simulator generates no spontaneous events.
func (a *App) execute(ctx context.Context, appConfig *Config, p *program.Program) error {
	deviceID := "sim-station"
	if a.station != nil {
		deviceID = a.station.Station.DeviceID
	}

	sink, closeSink, err := a.buildSink(ctx)
	if err != nil {
		return err
	}
	defer closeSink()

	cfg := runtime.Config{
		DeviceID:   deviceID,
		Seed:       appConfig.Seed,
		Dispatcher: simstation.NewDispatcher(),
		Sink:       sink,
	}
	if a.station != nil {
		cfg.Seed = firstNonZero(appConfig.Seed, a.station.Station.Seed)
		cfg.RetryInitialInterval = a.station.RetryInitialInterval
		cfg.SinkTimeout = a.station.SinkTimeout
		if a.station.Station.Dispatch != nil {
			cfg.MaxDispatchRetries = a.station.Station.Dispatch.MaxRetries
		}
		if a.station.Station.Sink != nil {
			cfg.ResultBufferLimit = a.station.Station.Sink.BufferLimit
		}
	}

	ctrl := control.New(a.cache)
	sessionID, err := ctrl.Start(ctx, p.ID(), cfg)
	if err != nil {
		return fmt.Errorf("execution failed: %w", err)
	}

	a.logger.Info("🚀 Session running.", "sessionID", sessionID, "deviceID", deviceID)
	if err := a.driveTimers(ctx, ctrl, sessionID); err != nil {
		return err
	}

	status, err := ctrl.Status(sessionID)
	if err != nil {
		return err
	}
	a.logger.Info("🏁 Session finished.", "sessionID", sessionID, "status", status.Status, "trial", status.Trial)
	if status.Status == runtime.StatusFailed {
		return fmt.Errorf("session failed: %s", status.Failure)
	}
	return nil
}

// driveTimers sleeps until each pending deadline and ticks the controller,
// until the session reaches a terminal state.
func (a *App) driveTimers(ctx context.Context, ctrl *control.Controller, sessionID string) error {
	for {
		status, err := ctrl.Status(sessionID)
		if err != nil {
			return err
		}
		if status.Status.Terminal() {
			return nil
		}
		next, ok := ctrl.NextDeadline()
		if !ok {
			return fmt.Errorf("session %s is waiting for hardware with no timeout; aborting dry run", sessionID)
		}
		select {
		case <-ctx.Done():
			_ = ctrl.Cancel(ctx, sessionID)
			return ctx.Err()
		case <-time.After(time.Until(next)):
		}
		ctrl.Tick(ctx)
	}
}

// buildSink assembles the result sink chain the station config declares:
// Redis persistence when redis_addr is set, a socket.io progress decorator
// when socket_url is set, and the in-memory simulator sink otherwise.
func (a *App) buildSink(ctx context.Context) (hardware.Sink, func(), error) {
	var sink hardware.Sink = simstation.NewSink()
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if a.station == nil || a.station.Station.Sink == nil {
		return sink, closeAll, nil
	}
	sc := a.station.Station.Sink

	if sc.RedisAddr != "" {
		rs, err := redissink.New(ctx, redisURL(sc.RedisAddr), sc.RedisStream)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting result sink: %w", err)
		}
		a.logger.Info("Result sink connected.", "backend", "redis", "addr", sc.RedisAddr)
		sink = rs
		closers = append(closers, func() { _ = rs.Close() })
	}

	if sc.SocketURL != "" {
		ss, err := socketsink.New(ctx, sc.SocketURL, "/", sink)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("connecting progress sink: %w", err)
		}
		a.logger.Info("Progress sink connected.", "backend", "socket.io", "url", sc.SocketURL)
		sink = ss
		closers = append(closers, ss.Close)
	}

	return sink, closeAll, nil
}

// redisURL accepts both a bare host:port and a full redis:// URL.
func redisURL(addr string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	return "redis://" + addr
}

func firstNonZero(vals ...int64) int64 {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}
