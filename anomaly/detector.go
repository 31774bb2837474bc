package anomaly

import (
	"fmt"
	"math"

	"github.com/caio/go-tdigest/v4"
)

const (
	DefaultWindowSize     = 20
	DefaultMinSamples     = 5
	DefaultWarningZ       = 2.0
	DefaultCriticalZ      = 3.5
	DefaultEpsilon        = 1e-6
	DefaultRecomputeEvery = 64
)

// Status is the classification of a single reading.
type Status int

const (
	StatusNormal Status = iota
	StatusWarning
	StatusCritical
)

func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusWarning:
		return "warning"
	case StatusCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "normal":
		return StatusNormal, nil
	case "warning":
		return StatusWarning, nil
	case "critical":
		return StatusCritical, nil
	}
	return StatusNormal, fmt.Errorf("unknown status %q", s)
}

// Thresholds are the |z| boundaries of the Warning and Critical bands.
type Thresholds struct {
	Warning  float64
	Critical float64
}

func (t Thresholds) Validate() error {
	if !(t.Warning > 0) {
		return fmt.Errorf("warning threshold must be > 0, got %v", t.Warning)
	}
	if !(t.Critical > t.Warning) {
		return fmt.Errorf("critical threshold %v must be greater than warning threshold %v", t.Critical, t.Warning)
	}
	return nil
}

// Classify maps a z-score onto a status band.
func (t Thresholds) Classify(z float64) Status {
	a := math.Abs(z)
	switch {
	case a >= t.Critical:
		return StatusCritical
	case a >= t.Warning:
		return StatusWarning
	default:
		return StatusNormal
	}
}

// Config tunes a Detector for one signal.
type Config struct {
	WindowSize     int
	MinSamples     int
	Thresholds     Thresholds
	Epsilon        float64
	RecomputeEvery int
}

// DefaultConfig returns the stock tuning: 20 samples, 5 warm-up samples,
// thresholds 2 / 3.5.
func DefaultConfig() Config {
	return Config{
		WindowSize:     DefaultWindowSize,
		MinSamples:     DefaultMinSamples,
		Thresholds:     Thresholds{Warning: DefaultWarningZ, Critical: DefaultCriticalZ},
		Epsilon:        DefaultEpsilon,
		RecomputeEvery: DefaultRecomputeEvery,
	}
}

func (c Config) Validate() error {
	if c.WindowSize < 2 {
		return fmt.Errorf("window size must be >= 2, got %d", c.WindowSize)
	}
	if c.MinSamples < 2 || c.MinSamples > c.WindowSize {
		return fmt.Errorf("min samples must be within [2, %d], got %d", c.WindowSize, c.MinSamples)
	}
	if !(c.Epsilon > 0) {
		return fmt.Errorf("epsilon must be > 0, got %v", c.Epsilon)
	}
	return c.Thresholds.Validate()
}

// Summary describes a signal's rolling baseline and its long-run
// distribution since the detector was created.
type Summary struct {
	Count  uint64
	Mean   float64
	StdDev float64
	P50    float64
	P95    float64
	P99    float64
}

// Detector classifies a single signal against a rolling z-score baseline.
// A Detector belongs to one worker and is not safe for concurrent use.
type Detector struct {
	cfg    Config
	window *Window
	digest *tdigest.TDigest
}

func NewDetector(cfg Config) (*Detector, error) {
	if cfg.RecomputeEvery == 0 {
		cfg.RecomputeEvery = DefaultRecomputeEvery
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	digest, err := tdigest.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create digest: %w", err)
	}
	return &Detector{
		cfg:    cfg,
		window: NewWindow(cfg.WindowSize, cfg.RecomputeEvery),
		digest: digest,
	}, nil
}

// Classify scores value against the current window and then adds it to the
// window. Until MinSamples values have been seen every reading is Normal
// with a zero score. Non-finite values are neither scored nor stored.
func (d *Detector) Classify(value float64) (float64, Status) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, StatusNormal
	}
	defer d.observe(value)

	if d.window.Len() < d.cfg.MinSamples {
		return 0, StatusNormal
	}

	sigma := d.window.StdDev()
	if sigma < d.cfg.Epsilon {
		sigma = d.cfg.Epsilon
	}
	z := (value - d.window.Mean()) / sigma
	return z, d.cfg.Thresholds.Classify(z)
}

func (d *Detector) observe(value float64) {
	d.window.Push(value)
	_ = d.digest.Add(value)
}

// Window exposes the detector's rolling window for inspection.
func (d *Detector) Window() *Window {
	return d.window
}

func (d *Detector) Config() Config {
	return d.cfg
}

func (d *Detector) Summary() Summary {
	s := Summary{
		Count:  d.digest.Count(),
		Mean:   d.window.Mean(),
		StdDev: d.window.StdDev(),
	}
	if s.Count > 0 {
		s.P50 = d.digest.Quantile(0.50)
		s.P95 = d.digest.Quantile(0.95)
		s.P99 = d.digest.Quantile(0.99)
	}
	return s
}
