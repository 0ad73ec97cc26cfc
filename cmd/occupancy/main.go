package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/hau2park/parking-monitor/internal/annotate"
	"github.com/hau2park/parking-monitor/internal/config"
	"github.com/hau2park/parking-monitor/internal/logger"
	"github.com/hau2park/parking-monitor/internal/metrics"
	"github.com/hau2park/parking-monitor/internal/occupancy"
	"github.com/hau2park/parking-monitor/internal/pipeline"
	"github.com/hau2park/parking-monitor/internal/recorder"
	"github.com/hau2park/parking-monitor/internal/source"
	"github.com/hau2park/parking-monitor/internal/store"
	"github.com/hau2park/parking-monitor/internal/webmonitor"
	"github.com/hau2park/parking-monitor/internal/webrtc"
)

var (
	// Command-line flags
	configPath     = flag.String("config", "parking.json", "Parking configuration file (.json)")
	httpAddr       = flag.String("http", ":8080", "Web monitor address (empty to disable)")
	metricsAddr    = flag.String("metrics", ":9090", "Metrics server address (empty to disable)")
	pprofAddr      = flag.String("pprof", "", "pprof server address (empty to disable)")
	dbPath         = flag.String("db", "", "SQLite database path (overrides the config store)")
	screenshotPath = flag.String("screenshots", "", "Screenshot directory (overrides the config)")
	record         = flag.Bool("record", false, "Start saving screenshots immediately")
	assetsDir      = flag.String("assets", "./web_assets", "Extra web assets directory")
	maxClients     = flag.Int("max-clients", 8, "Maximum WebRTC clients")
	stunServers    = flag.String("stun", "stun:stun.l.google.com:19302", "STUN server URLs (comma-separated)")
	logLevel       = flag.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
	logColor       = flag.Bool("log-color", true, "Enable colored log output")
)

// App wires the estimator pipeline to its store, source and HTTP surfaces.
type App struct {
	cfg      *config.File
	metrics  *metrics.Metrics
	store    store.Store
	writer   *store.Writer
	source   source.Source
	runner   *pipeline.Runner
	monitor  *webmonitor.Server
	webrtc   *webrtc.Server
	recorder *recorder.Recorder

	httpServer    *http.Server
	metricsServer *http.Server
}

func main() {
	flag.Parse()

	// Initialize logger
	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, *logColor)

	logger.Info("Main", "Parking occupancy monitor starting...")
	logger.Info("Main", "Log level: %s", level)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *dbPath != "" {
		cfg.Store.Driver = config.StoreSQLite
		cfg.Store.Path = *dbPath
	}
	if *screenshotPath != "" {
		cfg.Screenshots.Dir = *screenshotPath
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}

	runErr := app.Run(ctx)
	logger.Info("Main", "Shutting down...")

	if err := app.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}
	if runErr != nil {
		logger.Error("Main", "Pipeline stopped: %v", runErr)
		os.Exit(1)
	}
	logger.Info("Main", "Stopped")
}

// NewApp opens the store and source and seeds the estimator.
func NewApp(ctx context.Context, cfg *config.File) (*App, error) {
	occCfg, err := cfg.Occupancy()
	if err != nil {
		return nil, err
	}

	st, err := cfg.OpenStore()
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	loadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	seed := pipeline.Seed(loadCtx, st)
	cancel()

	est, err := occupancy.NewEstimator(occCfg, seed)
	if err != nil {
		st.Close()
		return nil, err
	}

	src, err := cfg.OpenSource()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to open source: %w", err)
	}

	m := metrics.New()
	m.SeedSpaces(est.Spaces())

	var writer *store.Writer
	writer = store.NewWriter(st, cfg.Writer(), store.WithResultHook(func(u store.Update, err error) {
		m.ObserveWrite(err)
		m.StorePending.Store(int64(writer.Pending()))
	}))

	preview := annotate.DefaultOptions()
	rec := recorder.NewRecorder(cfg.Screenshots.Dir, cfg.Screenshots.EveryEpochs, preview)
	rec.OnSaved(func(string) { m.Screenshots.Add(1) })
	if *record {
		if err := rec.Start(); err != nil {
			logger.Warn("Main", "Failed to start screenshots: %v", err)
		}
	}

	rtc := webrtc.NewServer(webrtc.Config{
		STUNServers: splitList(*stunServers),
		MaxClients:  *maxClients,
	})
	rtc.OnClientCount(func(active, total int) {
		m.ActiveClients.Store(uint64(active))
		m.TotalClients.Store(uint64(total))
	})

	monCfg := webmonitor.DefaultConfig()
	monCfg.Addr = *httpAddr
	monCfg.AssetsDir = *assetsDir
	monCfg.ScreenshotDir = cfg.Screenshots.Dir
	var monOpts []webmonitor.Option
	monOpts = append(monOpts, webmonitor.WithRecorder(rec), webmonitor.WithWebRTC(rtc))
	if h, ok := st.(store.History); ok {
		monOpts = append(monOpts, webmonitor.WithHistory(h))
	}
	monitor := webmonitor.NewServer(monCfg, monOpts...)

	runner := pipeline.New(est, src, writer,
		pipeline.WithTiming(pipeline.Timing(cfg.Timing)),
		pipeline.WithMetrics(m),
		pipeline.WithMonitor(monitor, preview),
		pipeline.WithBroadcaster(rtc),
		pipeline.WithRecorder(rec),
	)

	app := &App{
		cfg:      cfg,
		metrics:  m,
		store:    st,
		writer:   writer,
		source:   src,
		runner:   runner,
		monitor:  monitor,
		webrtc:   rtc,
		recorder: rec,
	}
	if *httpAddr != "" {
		app.httpServer = &http.Server{
			Addr:              *httpAddr,
			Handler:           monitor.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	if *metricsAddr != "" {
		app.metricsServer = m.NewServer(*metricsAddr)
	}

	logger.Info("Main", "  Spaces: %d, epoch %s, timing %s", len(occCfg.Spaces), occCfg.Epoch, cfg.Timing)
	logger.Info("Main", "  Store: %s, source: %s", cfg.Store.Driver, cfg.Source.Kind)
	return app, nil
}

// Run serves HTTP and processes frames until ctx ends or the source is
// exhausted.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if *pprofAddr != "" {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				logger.Warn("Main", "pprof server error: %v", err)
			}
		}()
	}

	for _, srv := range []*http.Server{a.httpServer, a.metricsServer} {
		if srv == nil {
			continue
		}
		srv := srv
		g.Go(func() error {
			logger.Info("Main", "Starting HTTP server on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer cancel()
		return a.runner.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		var errs error
		for _, srv := range []*http.Server{a.httpServer, a.metricsServer} {
			if srv != nil {
				errs = multierr.Append(errs, srv.Shutdown(shutdownCtx))
			}
		}
		return errs
	})

	return g.Wait()
}

// Shutdown flushes pending writes and closes every component.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs error
	errs = multierr.Append(errs, a.writer.Close(ctx))
	errs = multierr.Append(errs, a.recorder.Close())
	errs = multierr.Append(errs, a.webrtc.Close())
	a.monitor.Close()
	errs = multierr.Append(errs, a.source.Close())
	errs = multierr.Append(errs, a.store.Close())

	status := a.recorder.GetStatus()
	logger.Info("Main", "Processed %d frames, %d epochs, %d transitions, %d screenshots",
		a.metrics.FramesProcessed.Load(), a.metrics.Epochs.Load(), a.metrics.Transitions.Load(), status.Screenshots)
	return errs
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
