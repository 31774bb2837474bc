package main

import (
	"context"
	"fmt"
	"sync"

	"ecu-sentinel/ecu"

	"github.com/go-redis/redis/v8"
)

const (
	diagGroupName           = "ecu-sentinel"
	diagActiveSetKey        = "ecu-sentinel:dtc"
	diagEventStream         = "events:faults"
	diagEventStreamMaxLen   = 1000
	diagNotificationChannel = "ecu-sentinel"
)

// DTCSource is the part of state.State the mirror reads.
type DTCSource interface {
	DTCsSince(n int) ([]ecu.DTC, int)
	ActiveDTCs() []ecu.DTC
}

// Diag mirrors trouble codes into Redis: every raised DTC becomes a stream
// event, the active set tracks codes until they clear, and listeners get a
// notification whenever either changes.
type Diag struct {
	log    ecu.Logger
	redis  *redis.Client
	source DTCSource

	mu     sync.Mutex
	cursor int
	active map[string]ecu.DTC
}

func NewDiag(logger ecu.Logger, redis *redis.Client, source DTCSource) *Diag {
	return &Diag{
		log:    logger,
		redis:  redis,
		source: source,
		active: make(map[string]ecu.DTC),
	}
}

func (d *Diag) Destroy() {}

// Sync pushes everything that changed since the previous call. The cursor
// only advances when the pipeline succeeded, so a Redis outage delays the
// mirror but loses nothing.
func (d *Diag) Sync(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	raised, total := d.source.DTCsSince(d.cursor)

	current := make(map[string]ecu.DTC)
	for _, dtc := range d.source.ActiveDTCs() {
		current[dtc.Code] = dtc
	}

	var set, cleared []ecu.DTC
	for code, dtc := range current {
		if _, ok := d.active[code]; !ok {
			set = append(set, dtc)
		}
	}
	for code, dtc := range d.active {
		if _, ok := current[code]; !ok {
			cleared = append(cleared, dtc)
		}
	}

	if len(raised) == 0 && len(set) == 0 && len(cleared) == 0 {
		return nil
	}

	pipe := d.redis.Pipeline()
	for _, dtc := range raised {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: diagEventStream,
			MaxLen: diagEventStreamMaxLen,
			Values: map[string]interface{}{
				"group":       diagGroupName,
				"ecu":         dtc.ECUID,
				"code":        dtc.Code,
				"obd-code":    dtc.OBDCode,
				"severity":    dtc.Severity.String(),
				"signal":      dtc.Signal,
				"value":       fmt.Sprintf("%.3f", dtc.Value),
				"z-score":     fmt.Sprintf("%.3f", dtc.ZScore),
				"description": dtc.Description,
			},
		})
	}
	for _, dtc := range set {
		pipe.SAdd(ctx, diagActiveSetKey, dtc.Code)
	}
	for _, dtc := range cleared {
		pipe.SRem(ctx, diagActiveSetKey, dtc.Code)
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: diagEventStream,
			MaxLen: diagEventStreamMaxLen,
			Values: map[string]interface{}{
				"group":   diagGroupName,
				"ecu":     dtc.ECUID,
				"code":    dtc.Code,
				"cleared": "true",
			},
		})
	}
	pipe.Publish(ctx, diagNotificationChannel, "fault")

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mirror DTCs: %v", err)
	}

	for _, dtc := range set {
		d.log.Info("Fault set: code=%s obd=%s description=%s", dtc.Code, dtc.OBDCode, dtc.Description)
	}
	for _, dtc := range cleared {
		d.log.Info("Fault cleared: code=%s", dtc.Code)
	}

	d.cursor = total
	d.active = current
	return nil
}

// Clear removes the active set so a restarted sentinel does not report
// codes from a previous run.
func (d *Diag) Clear(ctx context.Context) error {
	if err := d.redis.Del(ctx, diagActiveSetKey).Err(); err != nil {
		return fmt.Errorf("failed to clear active DTC set: %v", err)
	}
	return nil
}
