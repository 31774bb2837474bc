package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"ecu-sentinel/ecu"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sentinel.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfig_IsValidFourECUNetwork(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	ecus, err := cfg.ECUConfigs()
	require.NoError(t, err)
	require.Len(t, ecus, 4)

	canIDs := []uint32{0x186A, 0x2901, 0x186B, 0x2902}
	kinds := []ecu.ECUKind{ecu.ECUKindBMS, ecu.ECUKindADAS, ecu.ECUKindBMS, ecu.ECUKindADAS}
	for i, e := range ecus {
		assert.Equal(t, canIDs[i], e.CANID)
		assert.Equal(t, kinds[i], e.Kind)
		assert.Equal(t, time.Second, e.TickInterval)
		assert.Equal(t, 20, e.Detector.WindowSize)
		assert.Equal(t, 3.5, e.Detector.Thresholds.Critical)
	}
}

func TestLoadConfig_OverridesAndECUs(t *testing.T) {
	path := writeConfig(t, `
[sentinel]
tick_interval_ms = 250
warning_z = 2.5
critical_z = 4.0
seed = 7

[blackbox]
path = "/var/lib/sentinel/bb.ql"
max_attempts = 8

[[ecu]]
id = "pack-a"
kind = "bms"
can_id = 0x300

[[ecu]]
id = "cam"
kind = "adas"
can_id = 0x18FF0001
module = "mirror_cam"
window_size = 50
critical_z = 5.0

[redis]
enabled = true
server = "10.0.0.2"
port = 6380
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 250*time.Millisecond, cfg.TickInterval())
	assert.Equal(t, "/var/lib/sentinel/bb.ql", cfg.Blackbox.Path)
	assert.Equal(t, 8, cfg.Blackbox.MaxAttempts)
	// Untouched keys keep their defaults.
	assert.Equal(t, DefaultDrainTimeoutMs, cfg.Blackbox.DrainTimeoutMs)
	assert.True(t, cfg.HTTP.Enabled)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 6380, cfg.Redis.Port)

	ecus, err := cfg.ECUConfigs()
	require.NoError(t, err)
	require.Len(t, ecus, 2)

	assert.Equal(t, "pack-a", ecus[0].ID)
	assert.Equal(t, uint32(0x300), ecus[0].CANID)
	assert.Equal(t, 4.0, ecus[0].Detector.Thresholds.Critical)
	assert.Equal(t, 2.5, ecus[0].Detector.Thresholds.Warning)
	assert.Equal(t, int64(7), ecus[0].Seed)

	assert.Equal(t, ecu.ECUKindADAS, ecus[1].Kind)
	assert.Equal(t, "mirror_cam", ecus[1].Module)
	assert.Equal(t, uint32(0x18FF0001), ecus[1].CANID)
	assert.Equal(t, 50, ecus[1].Detector.WindowSize)
	assert.Equal(t, 5.0, ecus[1].Detector.Thresholds.Critical)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "[sentinel\ntick_interval_ms = "))
	assert.Error(t, err)

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Len(t, cfg.ECUs, 4)
}

func TestValidate_CollectsEveryError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sentinel.TickIntervalMs = 0
	cfg.Sentinel.FaultProbability = 2
	cfg.Sentinel.WarningZ = 5
	cfg.Blackbox.Path = ""
	cfg.ECUs = append(cfg.ECUs,
		ECUEntry{ID: "bms-1", Kind: "bms", CANID: 0x999},
		ECUEntry{ID: "dup-can", Kind: "bms", CANID: 0x186A},
		ECUEntry{ID: "radar", Kind: "adas", CANID: 0x500},
	)

	err := cfg.Validate()
	require.Error(t, err)

	msg := err.Error()
	for _, want := range []string{
		"tick_interval_ms",
		"fault_probability",
		"blackbox.path",
		"bms-1: duplicate id",
		"already used by bms-1",
		"needs a module name",
		"warning threshold",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidate_UnknownKind(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ECUs = []ECUEntry{{ID: "x", Kind: "inverter", CANID: 1}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid ECU kind")
}
