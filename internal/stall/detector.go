// Package stall watches heartbeat ages and recovers work whose run died
// without reaching a terminal status. Generic jobs are cancelled outright;
// user-owned call analyses are only surfaced, because destroying a user's
// run from a background scanner is worse than letting an admin decide.
package stall

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/callsight/callsight/internal/config"
	"github.com/callsight/callsight/internal/store"
)

// Detector runs the periodic stall scan.
type Detector struct {
	store store.Store
	cfg   config.StallConfig
	cron  *cron.Cron
}

func NewDetector(st store.Store, cfg config.StallConfig) *Detector {
	return &Detector{
		store: st,
		cfg:   cfg,
		cron:  cron.New(),
	}
}

// Start schedules the scan and returns immediately. Call Stop to shut down.
func (d *Detector) Start() error {
	schedule := fmt.Sprintf("@every %s", d.cfg.ScanInterval)
	if _, err := d.cron.AddFunc(schedule, d.scan); err != nil {
		return fmt.Errorf("schedule stall scan: %w", err)
	}
	d.cron.Start()
	slog.Info("stall detector started",
		"scan_interval", d.cfg.ScanInterval,
		"job_threshold", d.cfg.JobThreshold,
		"call_threshold", d.cfg.CallThreshold)
	return nil
}

// Stop halts the schedule and waits for a running scan to finish.
func (d *Detector) Stop() {
	<-d.cron.Stop().Done()
}

func (d *Detector) scan() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cancelled, err := d.store.CancelStalledJobs(ctx, d.cfg.JobThreshold)
	if err != nil {
		slog.Error("stalled job scan failed", "error", err)
	} else if cancelled > 0 {
		slog.Warn("cancelled stalled jobs", "count", cancelled, "threshold", d.cfg.JobThreshold)
	}

	stalled, err := d.store.ListStalledCalls(ctx, d.cfg.CallThreshold)
	if err != nil {
		slog.Error("stalled call scan failed", "error", err)
		return
	}
	for _, call := range stalled {
		slog.Warn("call analysis appears stalled",
			"call_id", call.ID,
			"owner_id", call.OwnerID,
			"status", call.Status,
			"heartbeat_age", time.Since(call.UpdatedAt).Round(time.Second))
	}
}
