package main

import (
	"fmt"
	"os"
	"time"

	"ecu-sentinel/anomaly"
	"ecu-sentinel/blackbox"
	"ecu-sentinel/ecu"

	"github.com/hashicorp/go-multierror"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

const (
	DefaultTickIntervalMs   = 1000
	DefaultFaultProbability = 0.05
	DefaultSeed             = 42
	DefaultBlackboxPath     = "blackbox.ql"
	DefaultDrainTimeoutMs   = 10000
	DefaultHTTPAddr         = ":8080"
	DefaultReportIntervalMs = 10000
)

// SentinelConfig tunes every worker unless an [[ecu]] entry overrides it.
type SentinelConfig struct {
	TickIntervalMs   int     `toml:"tick_interval_ms"`
	FaultProbability float64 `toml:"fault_probability"`
	Seed             int64   `toml:"seed"`
	WindowSize       int     `toml:"window_size"`
	MinSamples       int     `toml:"min_samples"`
	WarningZ         float64 `toml:"warning_z"`
	CriticalZ        float64 `toml:"critical_z"`
	Epsilon          float64 `toml:"epsilon"`
	ReportIntervalMs int     `toml:"report_interval_ms"`
}

type BlackboxConfig struct {
	Path             string `toml:"path"`
	MaxAttempts      int    `toml:"max_attempts"`
	InitialBackoffMs int    `toml:"initial_backoff_ms"`
	MaxBackoffMs     int    `toml:"max_backoff_ms"`
	AttemptTimeoutMs int    `toml:"attempt_timeout_ms"`
	DrainTimeoutMs   int    `toml:"drain_timeout_ms"`
}

type ECUEntry struct {
	ID     string `toml:"id"`
	Kind   string `toml:"kind"`
	CANID  uint32 `toml:"can_id"`
	Module string `toml:"module"`

	// Zero values inherit from [sentinel].
	WindowSize       int     `toml:"window_size"`
	WarningZ         float64 `toml:"warning_z"`
	CriticalZ        float64 `toml:"critical_z"`
	FaultProbability float64 `toml:"fault_probability"`
}

type RedisConfig struct {
	Enabled bool   `toml:"enabled"`
	Server  string `toml:"server"`
	Port    int    `toml:"port"`
}

type CANConfig struct {
	Enabled bool   `toml:"enabled"`
	Device  string `toml:"device"`
}

type HTTPConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// Config is the file configuration of the sentinel.
type Config struct {
	Sentinel SentinelConfig `toml:"sentinel"`
	Blackbox BlackboxConfig `toml:"blackbox"`
	ECUs     []ECUEntry     `toml:"ecu"`
	Redis    RedisConfig    `toml:"redis"`
	CAN      CANConfig      `toml:"can"`
	HTTP     HTTPConfig     `toml:"http"`
}

// DefaultConfig reproduces the reference four-ECU network.
func DefaultConfig() *Config {
	det := anomaly.DefaultConfig()
	return &Config{
		Sentinel: SentinelConfig{
			TickIntervalMs:   DefaultTickIntervalMs,
			FaultProbability: DefaultFaultProbability,
			Seed:             DefaultSeed,
			WindowSize:       det.WindowSize,
			MinSamples:       det.MinSamples,
			WarningZ:         det.Thresholds.Warning,
			CriticalZ:        det.Thresholds.Critical,
			Epsilon:          det.Epsilon,
			ReportIntervalMs: DefaultReportIntervalMs,
		},
		Blackbox: BlackboxConfig{
			Path:             DefaultBlackboxPath,
			MaxAttempts:      blackbox.DefaultMaxAttempts,
			InitialBackoffMs: int(blackbox.DefaultInitialBackoff / time.Millisecond),
			MaxBackoffMs:     int(blackbox.DefaultMaxBackoff / time.Millisecond),
			AttemptTimeoutMs: int(blackbox.DefaultAttemptTimeout / time.Millisecond),
			DrainTimeoutMs:   DefaultDrainTimeoutMs,
		},
		ECUs: []ECUEntry{
			{ID: "bms-1", Kind: "bms", CANID: 0x186A},
			{ID: "adas-front", Kind: "adas", CANID: 0x2901, Module: "front_radar"},
			{ID: "bms-2", Kind: "bms", CANID: 0x186B},
			{ID: "adas-lane", Kind: "adas", CANID: 0x2902, Module: "lane_cam"},
		},
		Redis: RedisConfig{Server: "127.0.0.1", Port: 6379},
		CAN:   CANConfig{Device: "can0"},
		HTTP:  HTTPConfig{Enabled: true, Addr: DefaultHTTPAddr},
	}
}

// LoadConfig reads path over the defaults. An empty path yields the
// defaults. A file that lists [[ecu]] entries replaces the default network.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config %s", path)
	}

	defaultECUs := cfg.ECUs
	cfg.ECUs = nil
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config %s", path)
	}
	if len(cfg.ECUs) == 0 {
		cfg.ECUs = defaultECUs
	}

	return cfg, nil
}

func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Sentinel.TickIntervalMs) * time.Millisecond
}

func (c *Config) ReportInterval() time.Duration {
	return time.Duration(c.Sentinel.ReportIntervalMs) * time.Millisecond
}

func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.Blackbox.DrainTimeoutMs) * time.Millisecond
}

func (c *Config) BlackboxConfig(bootID string) blackbox.Config {
	return blackbox.Config{
		MaxAttempts:    c.Blackbox.MaxAttempts,
		InitialBackoff: time.Duration(c.Blackbox.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(c.Blackbox.MaxBackoffMs) * time.Millisecond,
		AttemptTimeout: time.Duration(c.Blackbox.AttemptTimeoutMs) * time.Millisecond,
		BootID:         bootID,
	}
}

// ECUConfigs resolves the per-ECU overrides into worker configs.
func (c *Config) ECUConfigs() ([]ecu.ECUConfig, error) {
	out := make([]ecu.ECUConfig, 0, len(c.ECUs))
	for _, e := range c.ECUs {
		kind, err := ecu.ParseECUKind(e.Kind)
		if err != nil {
			return nil, fmt.Errorf("ECU %s: %w", e.ID, err)
		}

		det := anomaly.Config{
			WindowSize: c.Sentinel.WindowSize,
			MinSamples: c.Sentinel.MinSamples,
			Thresholds: anomaly.Thresholds{
				Warning:  c.Sentinel.WarningZ,
				Critical: c.Sentinel.CriticalZ,
			},
			Epsilon:        c.Sentinel.Epsilon,
			RecomputeEvery: anomaly.DefaultRecomputeEvery,
		}
		if e.WindowSize > 0 {
			det.WindowSize = e.WindowSize
		}
		if det.MinSamples > det.WindowSize {
			det.MinSamples = det.WindowSize
		}
		if e.WarningZ > 0 {
			det.Thresholds.Warning = e.WarningZ
		}
		if e.CriticalZ > 0 {
			det.Thresholds.Critical = e.CriticalZ
		}

		faultProb := c.Sentinel.FaultProbability
		if e.FaultProbability > 0 {
			faultProb = e.FaultProbability
		}

		out = append(out, ecu.ECUConfig{
			ID:               e.ID,
			Kind:             kind,
			CANID:            e.CANID,
			Module:           e.Module,
			TickInterval:     c.TickInterval(),
			FaultProbability: faultProb,
			Seed:             c.Sentinel.Seed,
			Detector:         det,
		})
	}
	return out, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.Sentinel.TickIntervalMs <= 0 {
		result = multierror.Append(result, fmt.Errorf("sentinel.tick_interval_ms must be > 0, got %d", c.Sentinel.TickIntervalMs))
	}
	if c.Sentinel.FaultProbability < 0 || c.Sentinel.FaultProbability > 1 {
		result = multierror.Append(result, fmt.Errorf("sentinel.fault_probability must be within [0, 1], got %v", c.Sentinel.FaultProbability))
	}
	if c.Sentinel.ReportIntervalMs < 0 {
		result = multierror.Append(result, fmt.Errorf("sentinel.report_interval_ms must be >= 0, got %d", c.Sentinel.ReportIntervalMs))
	}
	if c.Blackbox.Path == "" {
		result = multierror.Append(result, fmt.Errorf("blackbox.path is required"))
	}
	if c.Blackbox.MaxAttempts < 1 {
		result = multierror.Append(result, fmt.Errorf("blackbox.max_attempts must be >= 1, got %d", c.Blackbox.MaxAttempts))
	}
	if c.Blackbox.InitialBackoffMs <= 0 || c.Blackbox.MaxBackoffMs < c.Blackbox.InitialBackoffMs {
		result = multierror.Append(result, fmt.Errorf("blackbox backoff must satisfy 0 < initial_backoff_ms <= max_backoff_ms"))
	}
	if c.Blackbox.DrainTimeoutMs <= 0 {
		result = multierror.Append(result, fmt.Errorf("blackbox.drain_timeout_ms must be > 0, got %d", c.Blackbox.DrainTimeoutMs))
	}
	if len(c.ECUs) == 0 {
		result = multierror.Append(result, fmt.Errorf("at least one [[ecu]] is required"))
	}

	ids := make(map[string]bool, len(c.ECUs))
	canIDs := make(map[uint32]string, len(c.ECUs))
	for i, e := range c.ECUs {
		if e.ID == "" {
			result = multierror.Append(result, fmt.Errorf("ecu[%d]: id is required", i))
			continue
		}
		if ids[e.ID] {
			result = multierror.Append(result, fmt.Errorf("ecu %s: duplicate id", e.ID))
		}
		ids[e.ID] = true
		if other, ok := canIDs[e.CANID]; ok {
			result = multierror.Append(result, fmt.Errorf("ecu %s: CAN id 0x%X already used by %s", e.ID, e.CANID, other))
		}
		canIDs[e.CANID] = e.ID
		if e.CANID > 0x1FFFFFFF {
			result = multierror.Append(result, fmt.Errorf("ecu %s: CAN id 0x%X exceeds 29 bits", e.ID, e.CANID))
		}
		if e.FaultProbability < 0 || e.FaultProbability > 1 {
			result = multierror.Append(result, fmt.Errorf("ecu %s: fault_probability must be within [0, 1]", e.ID))
		}
	}

	ecus, err := c.ECUConfigs()
	if err != nil {
		result = multierror.Append(result, err)
	}
	for _, e := range ecus {
		if err := e.Detector.Validate(); err != nil {
			result = multierror.Append(result, fmt.Errorf("ecu %s: %w", e.ID, err))
		}
		if _, err := ecu.NewProfile(e); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if c.Redis.Enabled && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
		result = multierror.Append(result, fmt.Errorf("redis.port out of range: %d", c.Redis.Port))
	}
	if c.CAN.Enabled && c.CAN.Device == "" {
		result = multierror.Append(result, fmt.Errorf("can.device is required when CAN is enabled"))
	}
	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		result = multierror.Append(result, fmt.Errorf("http.addr is required when HTTP is enabled"))
	}

	return result.ErrorOrNil()
}
