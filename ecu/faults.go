package ecu

import (
	"strings"
	"time"
)

type FaultSeverity int

const (
	SeverityWarning FaultSeverity = iota
	SeverityCritical
)

func (s FaultSeverity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity is the inverse of FaultSeverity.String. Unknown strings map
// to SeverityCritical.
func ParseSeverity(s string) FaultSeverity {
	if s == "warning" {
		return SeverityWarning
	}
	return SeverityCritical
}

// Signal classes. A profile signal belongs to exactly one class and the class
// selects its DTC catalogue entries.
const (
	ClassCellVoltage     = "cell_voltage"
	ClassCellTemperature = "cell_temperature"
	ClassConfidence      = "confidence"
)

type FaultConfig struct {
	OBDCode     string
	Mnemonic    string
	Description string
	Severity    FaultSeverity
}

type faultKey struct {
	class string
	mode  FailureMode
}

var faultConfigs = map[faultKey]FaultConfig{
	{ClassCellVoltage, FailureModeLow}:      {"P0A80", "CELL_IMBALANCE", "Cell imbalance / undervoltage detected", SeverityCritical},
	{ClassCellVoltage, FailureModeHigh}:     {"P0A81", "CELL_OVERVOLTAGE", "Cell overvoltage detected", SeverityCritical},
	{ClassCellTemperature, FailureModeHigh}: {"P0A7E", "THERMAL_RUNAWAY", "Battery pack over-temperature", SeverityCritical},
	{ClassCellTemperature, FailureModeLow}:  {"P0A7F", "CELL_UNDERTEMPERATURE", "Battery pack under-temperature", SeverityWarning},
	{ClassConfidence, FailureModeLow}:       {"C1A67", "SENSOR_BLIND", "Sensor blind / occluded", SeverityCritical},
	{ClassConfidence, FailureModeHigh}:      {"C1A68", "SENSOR_IMPLAUSIBLE", "Sensor confidence implausible", SeverityWarning},
}

const unknownOBDCode = "U0000"

// GetFaultConfig returns the catalogue entry for a signal class and failure
// mode.
func GetFaultConfig(class string, mode FailureMode) (FaultConfig, bool) {
	config, ok := faultConfigs[faultKey{class, mode}]
	return config, ok
}

// ModeForZScore maps the sign of a z-score onto a failure mode.
func ModeForZScore(z float64) FailureMode {
	if z < 0 {
		return FailureModeLow
	}
	return FailureModeHigh
}

// NewDTC builds the trouble code for a critical reading. The code depends
// only on the ECU id, the signal class and the failure mode, so the same
// fault on the same ECU always yields the same code.
func NewDTC(ecuID string, signal string, class string, value float64, z float64, ts time.Time) DTC {
	mode := ModeForZScore(z)
	config, ok := GetFaultConfig(class, mode)
	if !ok {
		config = FaultConfig{
			OBDCode:     unknownOBDCode,
			Mnemonic:    codeTag(signal) + "_" + string(mode),
			Description: "Unclassified " + signal + " deviation",
			Severity:    SeverityCritical,
		}
	}

	return DTC{
		Code:        config.Mnemonic + "_" + codeTag(ecuID),
		OBDCode:     config.OBDCode,
		Description: config.Description,
		ECUID:       ecuID,
		Signal:      signal,
		Mode:        mode,
		Severity:    config.Severity,
		Timestamp:   ts,
		Value:       value,
		ZScore:      z,
	}
}

// codeTag upper-cases s and replaces everything but letters and digits
// with underscores.
func codeTag(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s)
}
