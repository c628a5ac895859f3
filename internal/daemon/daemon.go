// Package daemon assembles the file tracking pipeline and runs it over a
// capture.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"firestige.xyz/filetrace/internal/analyzer"
	"firestige.xyz/filetrace/internal/config"
	"firestige.xyz/filetrace/internal/core"
	"firestige.xyz/filetrace/internal/engine"
	"firestige.xyz/filetrace/internal/eventbus"
	"firestige.xyz/filetrace/internal/files"
	logpkg "firestige.xyz/filetrace/internal/log"
	"firestige.xyz/filetrace/internal/metrics"
	"firestige.xyz/filetrace/internal/source/pcap"
	"firestige.xyz/filetrace/internal/timer"
)

// Daemon owns every component of one filetrace run.
type Daemon struct {
	// Configuration
	config *config.GlobalConfig

	// Core components
	timers        *timer.Manager
	bus           *eventbus.InMemoryEventBus
	files         *files.Manager
	engine        *engine.Engine
	metricsServer *metrics.Server // nil if metrics disabled

	// Lifecycle management
	ctx     context.Context
	cancel  context.CancelFunc
	sigChan chan os.Signal
}

// New initializes logging and builds the pipeline described by cfg.
func New(cfg *config.GlobalConfig) (*Daemon, error) {
	d := &Daemon{config: cfg}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	if err := d.initLogging(); err != nil {
		d.cancel()
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	var timerOpts []timer.Option
	if len(cfg.Timers.Delays) > 0 {
		timerOpts = append(timerOpts, timer.WithFixedDelays(cfg.Timers.Delays...))
	}
	d.timers = timer.NewManager(timerOpts...)
	d.bus = eventbus.New()
	if err := d.initSinks(); err != nil {
		d.cancel()
		return nil, err
	}

	registry := analyzer.NewBuiltinRegistry(analyzer.BuiltinOptions{
		ExtractDir:   cfg.Files.Extract.Dir,
		ExtractLimit: cfg.Files.Extract.Limit,
	})
	specs, err := analyzerSpecs(registry, cfg.Files.DefaultAnalyzers)
	if err != nil {
		d.cancel()
		_ = d.bus.Close()
		return nil, err
	}

	d.files = files.NewManager(d.timers, d.bus,
		files.WithRegistry(registry),
		files.WithTimeoutInterval(cfg.Files.TimeoutInterval),
		files.WithBOFBufferSize(cfg.Files.BOFBufferSize),
		files.WithDefaultAnalyzers(specs...),
	)
	d.engine = engine.New(engine.Config{
		MaxExpirePerCycle:     cfg.Timers.MaxExpirePerCycle,
		ConnInactivityTimeout: cfg.Connections.InactivityTimeout,
	}, d.timers, d.files, d.bus)

	return d, nil
}

func (d *Daemon) initSinks() error {
	if d.config.Events.Log {
		d.bus.AddSink(eventbus.NewLogSink(slog.Default(), slog.LevelInfo))
	}

	nc := d.config.Events.NATS
	if !nc.Enabled {
		return nil
	}
	sink, err := eventbus.NewNATSSink(eventbus.NATSConfig{
		URL:           nc.URL,
		SubjectPrefix: nc.SubjectPrefix,
		Partitions:    nc.Partitions,
	})
	if err != nil {
		return fmt.Errorf("failed to connect nats sink: %w", err)
	}
	d.bus.AddSink(sink)
	slog.Info("nats event sink enabled", "url", nc.URL, "subject_prefix", nc.SubjectPrefix)
	return nil
}

// analyzerSpecs resolves configured default analyzers against the registry.
func analyzerSpecs(r *analyzer.Registry, cfgs []config.AnalyzerConfig) ([]files.AnalyzerSpec, error) {
	known := r.Tags()
	specs := make([]files.AnalyzerSpec, 0, len(cfgs))
	for _, c := range cfgs {
		tag := analyzer.Tag(c.Tag)
		if !slices.Contains(known, tag) {
			return nil, fmt.Errorf("default analyzer %q: %w", c.Tag, core.ErrAnalyzerNotFound)
		}
		specs = append(specs, files.AnalyzerSpec{Tag: tag, Args: analyzer.Args(c.Args)})
	}
	return specs, nil
}

// Engine exposes the engine for status reporting.
func (d *Daemon) Engine() *engine.Engine { return d.engine }

// Start starts the auxiliary services.
func (d *Daemon) Start() error {
	slog.Info("starting filetrace",
		"timeout_interval", d.config.Files.TimeoutInterval,
		"bof_buffer_size", d.config.Files.BOFBufferSize,
		"max_expire_per_cycle", d.config.Timers.MaxExpirePerCycle,
	)

	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	return nil
}

// Replay feeds the capture at path through the engine, then ends every
// remaining file. SIGINT and SIGTERM stop the replay early; files seen so far
// are still ended.
func (d *Daemon) Replay(path string) error {
	src, err := pcap.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case sig := <-d.sigChan:
			slog.Info("received shutdown signal", "signal", sig)
			d.cancel()
		case <-d.ctx.Done():
		}
	}()

	slog.Info("replaying capture", "path", path)
	start := time.Now()

	runErr := d.engine.Run(d.ctx, src)
	if errors.Is(runErr, context.Canceled) {
		slog.Info("replay interrupted")
		runErr = nil
	}
	d.engine.Shutdown()

	srcStats := src.Stats()
	st := d.engine.Stats()
	slog.Info("replay finished",
		"elapsed", time.Since(start),
		"packets", srcStats.Packets,
		"segments", srcStats.Segments,
		"skipped", srcStats.Skipped,
		"timers_dispatched", st.TimersDispatched,
		"timers_peak", st.TimersPeak,
		"events", st.EventsProcessed,
	)
	return runErr
}

// Stop performs graceful shutdown of all components.
func (d *Daemon) Stop() {
	slog.Info("initiating graceful shutdown")

	// 1. Flush and close event sinks
	if err := d.bus.Close(); err != nil {
		slog.Error("error closing event sinks", "error", err)
	}

	// 2. Stop metrics server
	if d.metricsServer != nil {
		slog.Info("stopping metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			slog.Error("error stopping metrics server", "error", err)
		}
	}

	// 3. Cancel context to signal all goroutines
	d.cancel()

	// 4. Unregister signal handler to prevent goroutine leak
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	slog.Info("filetrace stopped")
}

// initLogging initializes the logging system from config.
func (d *Daemon) initLogging() error {
	if err := logpkg.Init(d.config.Log); err != nil {
		return err
	}

	slog.Debug("logging initialized",
		"level", d.config.Log.Level,
		"format", d.config.Log.Format,
	)
	return nil
}

// startMetrics starts the metrics HTTP server if enabled.
func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}

	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path,
		func() any { return d.engine.Stats() })
	if err := d.metricsServer.Start(d.ctx); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	slog.Info("metrics server started",
		"addr", d.config.Metrics.Listen,
		"path", d.config.Metrics.Path,
	)
	return nil
}
