package main

import (
	"context"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
)

type cmdSync struct {
	Config      string                `long:"config" env:"CONFIG_FILE" default:"/app/config/config.json" description:"Path of the fleet configuration file (JSON or YAML)"`
	DataDir     string                `long:"data-dir" env:"DATA_DIR" default:"/app/data" description:"Directory holding the state database, heartbeat, and log files"`
	DB          string                `long:"db" env:"DB_FILE" description:"Path of the state database. Defaults to <data-dir>/traffic_state.db"`
	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

func (cmd cmdSync) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(cmd.Diagnostics)()
	mbp.InitLog(cmd.Log)

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

	var ctx, stop = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	return w.driver.RunOnce(ctx)
}
