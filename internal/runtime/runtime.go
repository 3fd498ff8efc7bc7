package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/aggregator"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/observe"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/queue"
	"github.com/loqalabs/loqa-scribe/internal/status"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/worker"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

type Runtime struct {
	cfg         config.Config
	version     string
	logger      *slog.Logger
	httpServer  *http.Server
	metricsSrv  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	history  *eventstore.Store
	pool     *worker.Pool
	pipe     *pipeline.Pipeline
	reporter *status.Reporter
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

// Start wires the pipeline and blocks until ctx is done or the pipeline
// fails. A failed pipeline is returned as an error so the process exits
// non-zero.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.closeAll()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	if err := r.startBus(ctx); err != nil {
		return err
	}

	var sinks pipeline.MultiSink
	if r.cfg.Output.Bus {
		sinks = append(sinks, pipeline.NewBusSink(r.bus.Conn()))
	}
	if r.cfg.Output.History {
		r.history, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
		if err != nil {
			return fmt.Errorf("failed to open history: %w", err)
		}
		sinks = append(sinks, r.history)
	}
	if r.cfg.Output.Log {
		sinks = append(sinks, pipeline.LogSink{Log: r.logger})
	}

	backend, err := stt.NewBackend(r.cfg.Engine, r.logger)
	if err != nil {
		return fmt.Errorf("failed to create stt backend: %w", err)
	}
	poolOpts := worker.OptionsFromConfig(r.cfg.Engine)
	poolOpts.Metrics = metrics
	if pre := audio.NewPreprocessor(r.cfg.Audio); pre.Enabled() {
		poolOpts.Preprocess = pre.Process
	}
	r.pool, err = worker.New(ctx, backend, poolOpts, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	ch, err := pipeline.NewChunker(ctx, r.cfg, r.pool, r.logger)
	if err != nil {
		return err
	}

	q := queue.New(queue.OptionsFromConfig(r.cfg.Queue), r.logger)
	agg := aggregator.New(aggregator.OptionsFromConfig(r.cfg))
	r.pipe = pipeline.New(pipeline.Options{
		DrainTimeout: time.Duration(r.cfg.Engine.TranscribeTimeoutMS) * time.Millisecond,
		Node:         r.cfg.Node.ID,
		Version:      r.version,
		TriggerMode:  r.cfg.Trigger.Mode,
		Metrics:      metrics,
	}, q, r.pool, agg, ch, sinks, r.logger)
	if _, err := metrics.ObserveGauges(r.pipe.Gauges); err != nil {
		r.logger.Warn("failed to register gauges", slog.String("error", err.Error()))
	}

	captureOpts := capture.OptionsFromConfig(r.cfg)
	captureOpts.Metrics = metrics
	captureOpts.OnError = r.pipe.ReportError
	ext := capture.New(captureOpts, audio.NewRing(r.cfg.Audio.SampleRate, r.cfg.Audio.RingBufferSeconds), q, r.logger)

	captureCtx, stopCapture := context.WithCancel(ctx)
	defer stopCapture()
	binding, err := capture.Bind(captureCtx, r.bus.Conn(), ext)
	if err != nil {
		return fmt.Errorf("failed to bind capture: %w", err)
	}
	defer binding.Close()

	r.reporter, err = status.New(ctx, r.cfg.Node, r.bus.Conn(), r.pipe.Snapshot, r.pool.Reload, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start status reporter: %w", err)
	}

	r.startHTTP(metricsHandler)

	// The pipeline outlives capture so a voice segment flushed on the way
	// out still reaches the queue before admission stops.
	pipeCtx, stopPipe := context.WithCancel(context.Background())
	defer stopPipe()
	g, gctx := errgroup.WithContext(captureCtx)
	g.Go(func() error {
		defer stopPipe()
		return ext.Run(gctx)
	})
	g.Go(func() error {
		return r.pipe.Run(pipeCtx)
	})
	if r.history != nil {
		g.Go(func() error {
			r.history.RunPruner(gctx, time.Hour)
			return nil
		})
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("node", r.cfg.Node.ID),
		slog.String("trigger_mode", r.cfg.Trigger.Mode),
		slog.Duration("chunk_interval", ch.Interval()),
	)

	err = g.Wait()
	r.ready.Store(false)
	if err != nil {
		return fmt.Errorf("pipeline stopped: %w", err)
	}
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	srv, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	r.nats = srv
	busCfg := r.cfg.Bus
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return err
	}
	if name := r.cfg.Bus.TranscriptStream; name != "" {
		maxAge := time.Duration(r.cfg.Bus.StreamMaxAgeH) * time.Hour
		if err := r.bus.EnsureStream(name, []string{protocol.SubjectTranscriptFinal}, maxAge); err != nil {
			r.logger.Warn("transcript stream unavailable", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (r *Runtime) startHTTP(metricsHandler http.Handler) {
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer)

	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsSrv = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsSrv)
	}
	r.logger.Info("http listening", slog.String("addr", addr), slog.String("metrics", r.cfg.Telemetry.PrometheusBind))
}

func (r *Runtime) serve(srv *http.Server) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
		}
	}()
}

// closeAll releases everything Start created, in reverse order.
func (r *Runtime) closeAll() {
	r.logger.Info("runtime stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, srv := range []*http.Server{r.httpServer, r.metricsSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.reporter != nil {
		r.reporter.Close()
	}
	if r.pool != nil {
		if err := r.pool.Close(shutdownCtx); err != nil {
			r.logger.Warn("worker pool close", slog.String("error", err.Error()))
		}
	}
	if r.history != nil {
		if err := r.history.Close(); err != nil {
			r.logger.Warn("history close", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
