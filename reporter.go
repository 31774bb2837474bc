package main

import (
	"context"
	"fmt"
	"time"

	"ecu-sentinel/anomaly"
	"ecu-sentinel/blackbox"
	"ecu-sentinel/ecu"
	"ecu-sentinel/state"
)

const reporterRecentDTCs = 5

type snapshotter interface {
	Snapshot() state.Snapshot
}

type blackboxStats interface {
	Stats() blackbox.Stats
}

// Reporter periodically logs one status line per ECU, keyed by CAN id,
// followed by the blackbox counters and the newest trouble codes.
type Reporter struct {
	log      ecu.Logger
	state    snapshotter
	blackbox blackboxStats
	interval time.Duration
}

func NewReporter(logger ecu.Logger, st snapshotter, bb blackboxStats, interval time.Duration) *Reporter {
	return &Reporter{log: logger, state: st, blackbox: bb, interval: interval}
}

func (r *Reporter) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Report()
		}
	}
}

func (r *Reporter) Report() {
	snap := r.state.Snapshot()
	for _, id := range snap.IDs() {
		r.log.Info("%s", formatStatusLine(snap.Records[id]))
	}

	counts := snap.CountByStatus()
	r.log.Info("Network: %d normal, %d warning, %d critical, %d DTCs (%d active)",
		counts[anomaly.StatusNormal], counts[anomaly.StatusWarning], counts[anomaly.StatusCritical],
		len(snap.DTCs), len(snap.Active))

	if r.blackbox != nil {
		s := r.blackbox.Stats()
		r.log.Info("Blackbox: %d enqueued, %d persisted, %d pending, %d retries, %d dead letters",
			s.Enqueued, s.Persisted, s.Pending, s.Retries, s.DeadLetters)
	}

	for _, dtc := range snap.Recent(reporterRecentDTCs) {
		r.log.Info("  %s", formatDTCLine(dtc))
	}
}

func formatStatusLine(rec ecu.Record) string {
	if rec.Tick == 0 {
		return fmt.Sprintf("[0x%04X] %-12s waiting for first tick", rec.CANID, rec.ECUID)
	}
	line := fmt.Sprintf("[0x%04X] %-12s tick=%-6d %-8s %s=%.2f z=%+.2f",
		rec.CANID, rec.ECUID, rec.Tick, rec.Status, rec.Signal, rec.RawValue, rec.ZScore)
	if rec.DTC != nil {
		line += " DTC " + rec.DTC.Code
	}
	return line
}

func formatDTCLine(dtc ecu.DTC) string {
	return fmt.Sprintf("%s %s %s (%s) %s=%.2f z=%+.2f",
		dtc.Timestamp.Format("15:04:05.000"), dtc.OBDCode, dtc.Code, dtc.Severity, dtc.Signal, dtc.Value, dtc.ZScore)
}
