package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ddsnet/nodex/go/panel"
	log "github.com/sirupsen/logrus"
)

// HeartbeatFile is written under the data directory on every tick,
// independent of cycle success, so liveness probes watch file mtime rather
// than cycle health.
const HeartbeatFile = ".heartbeat"

// Reconciler converges node panel inventories onto the central panel's.
type Reconciler interface {
	Reconcile(ctx context.Context, central panel.Server, nodes []panel.Server) error
}

// Aggregator folds per-client traffic from every panel into running totals.
type Aggregator interface {
	Aggregate(ctx context.Context, central panel.Server, nodes []panel.Server) error
}

// Driver runs the worker's periodic cycle: reconcile inventory, then
// aggregate traffic. A failed cycle is logged and the next tick retries;
// recovery is re-running, never rollback.
type Driver struct {
	Config     *Config
	Reconciler Reconciler
	Aggregator Aggregator
	// DataDir holds the heartbeat file.
	DataDir string
	// Interval between cycle starts. Zero means Config.Interval().
	Interval time.Duration

	nowFn func() time.Time
}

// NewDriver returns a Driver ticking at the configured interval.
func NewDriver(cfg *Config, rec Reconciler, agg Aggregator, dataDir string) *Driver {
	return &Driver{
		Config:     cfg,
		Reconciler: rec,
		Aggregator: agg,
		DataDir:    dataDir,
		Interval:   cfg.Interval(),
		nowFn:      time.Now,
	}
}

// Run cycles until the context is cancelled. Cycle failures are logged and
// counted but never stop the loop.
func (d *Driver) Run(ctx context.Context) error {
	log.WithFields(log.Fields{
		"interval": d.Interval,
		"central":  d.Config.CentralServer.Key(),
		"nodes":    len(d.Config.Nodes),
	}).Info("starting sync loop")

	for {
		if err := d.RunOnce(ctx); err != nil && ctx.Err() != nil {
			// Cancelled mid-cycle; the partial cycle is repaired next start.
			log.Info("sync loop stopped")
			return nil
		}

		select {
		case <-ctx.Done():
			log.Info("sync loop stopped")
			return nil
		case <-time.After(d.Interval):
		}
	}
}

// RunOnce executes a single cycle: heartbeat, reconcile, aggregate. Step
// failures are logged, don't abort the remaining steps, and surface in the
// returned error.
func (d *Driver) RunOnce(ctx context.Context) error {
	d.writeHeartbeat()

	var started = d.nowFn()
	log.Info("starting sync cycle")

	var reconcileErr = d.Reconciler.Reconcile(ctx, d.Config.CentralServer, d.Config.Nodes)
	if reconcileErr != nil {
		log.WithField("error", reconcileErr).Error("inventory reconciliation failed")
	}

	var aggregateErr error
	if ctx.Err() == nil {
		aggregateErr = d.Aggregator.Aggregate(ctx, d.Config.CentralServer, d.Config.Nodes)
		if aggregateErr != nil {
			log.WithField("error", aggregateErr).Error("traffic aggregation failed")
		}
	}

	var elapsed = d.nowFn().Sub(started)
	cycleDuration.Observe(elapsed.Seconds())

	if reconcileErr != nil || aggregateErr != nil {
		cyclesTotal.WithLabelValues("error").Inc()
		if reconcileErr != nil {
			return fmt.Errorf("reconciling inventory: %w", reconcileErr)
		}
		return fmt.Errorf("aggregating traffic: %w", aggregateErr)
	}

	cyclesTotal.WithLabelValues("ok").Inc()
	log.WithField("took", elapsed).Info("sync cycle completed")
	return nil
}

// writeHeartbeat stamps the heartbeat file with the current unix time.
// Failures are logged only: liveness reporting must not fail the cycle.
func (d *Driver) writeHeartbeat() {
	if d.DataDir == "" {
		return
	}
	var path = filepath.Join(d.DataDir, HeartbeatFile)
	var stamp = strconv.FormatInt(d.nowFn().Unix(), 10)

	if err := os.WriteFile(path, []byte(stamp), 0o644); err != nil {
		log.WithFields(log.Fields{
			"path":  path,
			"error": err,
		}).Error("failed to write heartbeat")
	}
}
