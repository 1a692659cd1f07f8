package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ddsnet/nodex/go/panel"
	"github.com/ddsnet/nodex/go/reconcile"
	"github.com/ddsnet/nodex/go/runtime"
	"github.com/ddsnet/nodex/go/state"
	"github.com/ddsnet/nodex/go/traffic"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Database paths of deployments that predate the data directory. A missing
// database is adopted from the first of these that exists.
var legacyDBPaths = []string{
	"/app/traffic_state.db",
	"/app/src/traffic_state.db",
}

type cmdServe struct {
	Config      string                `long:"config" env:"CONFIG_FILE" default:"/app/config/config.json" description:"Path of the fleet configuration file (JSON or YAML)"`
	DataDir     string                `long:"data-dir" env:"DATA_DIR" default:"/app/data" description:"Directory holding the state database, heartbeat, and log files"`
	DB          string                `long:"db" env:"DB_FILE" description:"Path of the state database. Defaults to <data-dir>/traffic_state.db"`
	FileLog     bool                  `long:"file-log" env:"ENABLE_FILE_LOG" description:"Also log to a rotating file under the data directory"`
	MetricsPort uint16                `long:"metrics.port" env:"METRICS_PORT" description:"Port for serving Prometheus metrics. Disabled when zero"`
	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

func (cmd cmdServe) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(cmd.Diagnostics)()
	mbp.InitLog(cmd.Log)
	initFileLog(cmd.FileLog, cmd.DataDir)

	log.WithFields(log.Fields{
		"config":    cmd,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("nodex-worker configuration")

	var w, err = openWorker(cmd.Config, cmd.DataDir, cmd.DB)
	if err != nil {
		return err
	}
	defer w.close()

	if cmd.MetricsPort != 0 {
		go serveMetrics(cmd.MetricsPort)
	}

	var ctx, stop = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	return w.driver.Run(ctx)
}

// worker bundles the wired process singletons: configuration, the state
// store, the panel session registry, and the cycle driver over them.
type worker struct {
	cfg    *runtime.Config
	store  *state.Store
	api    *panel.Manager
	driver *runtime.Driver
}

func openWorker(configPath, dataDir, dbPath string) (*worker, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	var cfg, err = runtime.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "traffic_state.db")
	}
	if err = state.MigrateLegacy(dbPath, legacyDBPaths); err != nil {
		return nil, err
	}

	store, err := state.Open(dbPath, cfg.DBOptions())
	if err != nil {
		return nil, err
	}

	var api = panel.NewManager(cfg.NetOptions())
	var agg = &traffic.Aggregator{
		API:           api,
		Store:         store,
		ParallelReads: cfg.Net.ParallelNodeCalls,
		MaxWorkers:    cfg.Net.MaxWorkers,
	}
	return &worker{
		cfg:    cfg,
		store:  store,
		api:    api,
		driver: runtime.NewDriver(cfg, reconcile.NewReconciler(api), agg, dataDir),
	}, nil
}

func (w *worker) close() {
	w.api.Close()
	if err := w.store.Close(); err != nil {
		log.WithField("error", err).Error("failed to close state database")
	}
}

// initFileLog tees logging into <data-dir>/sync.log, rotated at 10MiB with
// five backups kept.
func initFileLog(enabled bool, dataDir string) {
	if !enabled {
		return
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.WithField("error", err).Error("failed to create data directory for file log")
		return
	}
	log.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
		Filename:   filepath.Join(dataDir, "sync.log"),
		MaxSize:    10, // MiB.
		MaxBackups: 5,
	}))
}

func serveMetrics(port uint16) {
	var mux = http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	var addr = fmt.Sprintf(":%d", port)
	log.WithField("addr", addr).Info("serving Prometheus metrics")

	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithField("error", err).Error("metrics server failed")
	}
}
