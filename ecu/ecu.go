package ecu

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"ecu-sentinel/anomaly"

	gometrics "github.com/rcrowley/go-metrics"
)

const (
	DefaultTickInterval = time.Second

	// A worker whose last tick is older than this many intervals is stale.
	staleTickFactor = 3
)

var (
	ErrNoSamples            = errors.New("reading contains no samples")
	ErrInjectionUnsupported = errors.New("source does not support fault injection")
)

// FaultInjector is implemented by sources that can be told to emit an
// outlier on their next reading.
type FaultInjector interface {
	ForceFault()
}

// WorkerState is the lifecycle of a Worker.
type WorkerState int32

const (
	WorkerIdle WorkerState = iota
	WorkerRunning
	WorkerShuttingDown
	WorkerStopped
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerRunning:
		return "running"
	case WorkerShuttingDown:
		return "shutting-down"
	case WorkerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type workerMetrics struct {
	ticks        gometrics.Counter
	tickErrors   gometrics.Counter
	warnings     gometrics.Counter
	criticals    gometrics.Counter
	frameErrors  gometrics.Counter
	tickDuration gometrics.Timer
}

func newWorkerMetrics(ecuID string, r gometrics.Registry) *workerMetrics {
	prefix := "ecu." + ecuID + "."
	return &workerMetrics{
		ticks:        gometrics.GetOrRegisterCounter(prefix+"ticks", r),
		tickErrors:   gometrics.GetOrRegisterCounter(prefix+"tick_errors", r),
		warnings:     gometrics.GetOrRegisterCounter(prefix+"records.warning", r),
		criticals:    gometrics.GetOrRegisterCounter(prefix+"records.critical", r),
		frameErrors:  gometrics.GetOrRegisterCounter(prefix+"frame_errors", r),
		tickDuration: gometrics.GetOrRegisterTimer(prefix+"tick_duration", r),
	}
}

// Worker runs the simulation loop of one ECU: read telemetry, classify every
// signal, build the tick's Record and publish it.
type Worker struct {
	cfg       ECUConfig
	profile   Profile
	source    Source
	detectors map[string]*anomaly.Detector
	publisher Publisher
	frames    FrameSink
	logger    Logger
	metrics   *workerMetrics
	now       func() time.Time

	state    atomic.Int32
	tick     uint64
	lastTick atomic.Int64
}

type WorkerOption func(*Worker)

// WithSource replaces the synthetic telemetry source.
func WithSource(src Source) WorkerOption {
	return func(w *Worker) { w.source = src }
}

// WithProfile replaces the kind's default signal profile.
func WithProfile(p Profile) WorkerOption {
	return func(w *Worker) { w.profile = p }
}

func WithFrameSink(sink FrameSink) WorkerOption {
	return func(w *Worker) { w.frames = sink }
}

func WithRegistry(r gometrics.Registry) WorkerOption {
	return func(w *Worker) { w.metrics = newWorkerMetrics(w.cfg.ID, r) }
}

func WithClock(now func() time.Time) WorkerOption {
	return func(w *Worker) { w.now = now }
}

func NewWorker(cfg ECUConfig, publisher Publisher, logger Logger, opts ...WorkerOption) (*Worker, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("ECU id is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("ECU %s: publisher is required", cfg.ID)
	}
	if logger == nil {
		logger = NopLogger{}
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}

	w := &Worker{
		cfg:       cfg,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}

	if len(w.profile.Signals) == 0 {
		profile, err := NewProfile(cfg)
		if err != nil {
			return nil, err
		}
		w.profile = profile
	}
	if w.source == nil {
		w.source = NewSyntheticSource(w.profile, cfg.FaultProbability, DeriveSeed(cfg.Seed, cfg.ID))
	}
	if w.metrics == nil {
		w.metrics = newWorkerMetrics(cfg.ID, gometrics.NewRegistry())
	}

	w.detectors = make(map[string]*anomaly.Detector, len(w.profile.Signals))
	for _, sig := range w.profile.Signals {
		det, err := anomaly.NewDetector(cfg.Detector)
		if err != nil {
			return nil, fmt.Errorf("ECU %s signal %s: %w", cfg.ID, sig.Name, err)
		}
		w.detectors[sig.Name] = det
	}

	return w, nil
}

func (w *Worker) ID() string {
	return w.cfg.ID
}

func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

// Run ticks until ctx is cancelled. A tick that fails or panics is logged
// and skipped; cancellation is the only way out. The tick in progress when
// ctx is cancelled completes before Run returns.
func (w *Worker) Run(ctx context.Context) {
	w.state.Store(int32(WorkerRunning))
	w.logger.Info("ECU %s (%s, CAN ID 0x%X) running every %v", w.cfg.ID, w.cfg.Kind, w.cfg.CANID, w.cfg.TickInterval)

	// A tick still in progress at cancellation runs out as ShuttingDown.
	stop := context.AfterFunc(ctx, func() {
		w.state.CompareAndSwap(int32(WorkerRunning), int32(WorkerShuttingDown))
	})
	defer stop()

	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.state.CompareAndSwap(int32(WorkerRunning), int32(WorkerShuttingDown))
			w.logger.Info("ECU %s stopping after %d ticks", w.cfg.ID, w.tick)
			w.state.Store(int32(WorkerStopped))
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				continue
			}
			if _, err := w.Step(); err != nil {
				w.logger.Error("ECU %s tick %d failed: %v", w.cfg.ID, w.tick, err)
			}
		}
	}
}

// Step runs one tick synchronously and returns the published record.
func (w *Worker) Step() (rec Record, err error) {
	start := w.now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panicked: %v", r)
		}
		if err != nil {
			w.metrics.tickErrors.Inc(1)
		}
		w.metrics.ticks.Inc(1)
		w.metrics.tickDuration.UpdateSince(start)
		w.lastTick.Store(start.UnixNano())
	}()

	w.tick++
	rec, err = w.buildRecord(w.source.Next(), start)
	if err != nil {
		return Record{}, err
	}

	switch rec.Status {
	case anomaly.StatusWarning:
		w.metrics.warnings.Inc(1)
	case anomaly.StatusCritical:
		w.metrics.criticals.Inc(1)
		w.logger.Warn("ECU %s raised %s (%s): %s=%.2f z=%.2f", w.cfg.ID, rec.DTC.Code, rec.DTC.OBDCode, rec.Signal, rec.RawValue, rec.ZScore)
	}

	if err := w.publisher.Publish(w.cfg.ID, rec, rec.DTC); err != nil {
		return rec, fmt.Errorf("failed to publish record: %w", err)
	}

	if w.frames != nil {
		if err := w.frames.SendFrame(rec); err != nil {
			w.metrics.frameErrors.Inc(1)
			w.logger.Debug("ECU %s failed to send status frame: %v", w.cfg.ID, err)
		}
	}

	return rec, nil
}

func (w *Worker) buildRecord(reading Reading, ts time.Time) (Record, error) {
	if len(reading.Samples) == 0 {
		return Record{}, ErrNoSamples
	}

	rec := Record{
		ECUID:     w.cfg.ID,
		CANID:     w.cfg.CANID,
		Tick:      w.tick,
		Timestamp: ts,
		Signals:   make([]SignalReading, 0, len(reading.Samples)),
	}

	worst := -1
	for _, sample := range reading.Samples {
		det, ok := w.detectors[sample.Signal]
		if !ok {
			return Record{}, fmt.Errorf("unknown signal %q", sample.Signal)
		}
		if math.IsNaN(sample.Value) || math.IsInf(sample.Value, 0) {
			return Record{}, fmt.Errorf("signal %s produced non-finite value %v", sample.Signal, sample.Value)
		}

		z, status := det.Classify(sample.Value)
		rec.Signals = append(rec.Signals, SignalReading{
			Signal:  sample.Signal,
			Value:   sample.Value,
			ZScore:  z,
			Status:  status,
			Summary: det.Summary(),
		})

		cur := rec.Signals[len(rec.Signals)-1]
		if worst < 0 || worse(cur, rec.Signals[worst]) {
			worst = len(rec.Signals) - 1
		}
	}

	top := rec.Signals[worst]
	rec.Signal = top.Signal
	rec.RawValue = top.Value
	rec.ZScore = top.ZScore
	rec.Status = top.Status

	if rec.Status == anomaly.StatusCritical {
		dtc := NewDTC(w.cfg.ID, top.Signal, w.profile.Class(top.Signal), top.Value, top.ZScore, ts)
		rec.DTC = &dtc
	}

	return rec, nil
}

// worse orders readings by status, then by |z|.
func worse(a, b SignalReading) bool {
	if a.Status != b.Status {
		return a.Status > b.Status
	}
	return math.Abs(a.ZScore) > math.Abs(b.ZScore)
}

// InjectFault asks the worker's source to emit an outlier on the next tick.
func (w *Worker) InjectFault() error {
	inj, ok := w.source.(FaultInjector)
	if !ok {
		return fmt.Errorf("ECU %s: %w", w.cfg.ID, ErrInjectionUnsupported)
	}
	inj.ForceFault()
	w.logger.Info("ECU %s: fault injection requested", w.cfg.ID)
	return nil
}

// IsStale returns true if the worker has not completed a tick within a few
// tick intervals.
func (w *Worker) IsStale() bool {
	last := w.lastTick.Load()
	if last == 0 {
		return false
	}
	return w.now().Sub(time.Unix(0, last)) > staleTickFactor*w.cfg.TickInterval
}
