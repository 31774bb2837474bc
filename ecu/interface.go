package ecu

import (
	"fmt"
	"strings"
	"time"

	"ecu-sentinel/anomaly"
)

// ECUKind represents the type of simulated ECU
type ECUKind int

const (
	ECUKindBMS ECUKind = iota
	ECUKindADAS
)

func (k ECUKind) String() string {
	switch k {
	case ECUKindBMS:
		return "bms"
	case ECUKindADAS:
		return "adas"
	default:
		return "unknown"
	}
}

// ParseECUKind accepts "bms" or "adas" in any case.
func ParseECUKind(s string) (ECUKind, error) {
	switch strings.ToLower(s) {
	case "bms":
		return ECUKindBMS, nil
	case "adas":
		return ECUKindADAS, nil
	default:
		return 0, fmt.Errorf("invalid ECU kind: %s (must be 'bms' or 'adas')", s)
	}
}

// ECUConfig describes one simulated ECU of the network.
type ECUConfig struct {
	ID    string
	Kind  ECUKind
	CANID uint32
	// Module names the ADAS sensor, e.g. "front_radar".
	Module string

	TickInterval     time.Duration
	FaultProbability float64
	Seed             int64
	Detector         anomaly.Config
}

// Source produces the raw telemetry of one ECU, one Reading per tick.
type Source interface {
	// Next never fails.
	Next() Reading
}

// Publisher receives each tick's record. state.State implements it.
type Publisher interface {
	Publish(ecuID string, rec Record, dtc *DTC) error
}

// FrameSink receives the CAN status frame of each tick.
type FrameSink interface {
	SendFrame(rec Record) error
}

// NewProfile returns the signal profile for an ECU kind.
func NewProfile(cfg ECUConfig) (Profile, error) {
	switch cfg.Kind {
	case ECUKindBMS:
		return NewBMSProfile(), nil
	case ECUKindADAS:
		if cfg.Module == "" {
			return Profile{}, fmt.Errorf("ADAS ECU %s needs a module name", cfg.ID)
		}
		return NewADASProfile(cfg.Module), nil
	default:
		return Profile{}, fmt.Errorf("unknown ECU kind: %v", cfg.Kind)
	}
}
