package ecu

import (
	"time"

	"ecu-sentinel/anomaly"
)

// Sample is one raw value of one signal.
type Sample struct {
	Signal string
	Value  float64
	// Injected marks values produced by fault injection.
	Injected bool
}

// Reading is everything a Source produced for one tick.
type Reading struct {
	Samples []Sample
}

// SignalReading is the classified form of a Sample.
type SignalReading struct {
	Signal  string
	Value   float64
	ZScore  float64
	Status  anomaly.Status
	Summary anomaly.Summary
}

// Record is the diagnostic snapshot an ECU worker produces each tick.
// RawValue, ZScore and Signal describe the worst classified signal.
// A Record is never modified after it has been published.
type Record struct {
	ECUID     string
	CANID     uint32
	Tick      uint64
	Timestamp time.Time
	Signal    string
	RawValue  float64
	ZScore    float64
	Status    anomaly.Status
	Signals   []SignalReading
	DTC       *DTC
}

// Clone returns a copy of r that shares no slice or pointer with it.
func (r Record) Clone() Record {
	if r.Signals != nil {
		r.Signals = append([]SignalReading(nil), r.Signals...)
	}
	if r.DTC != nil {
		dtc := *r.DTC
		r.DTC = &dtc
	}
	return r
}

// FailureMode tells which side of the baseline a reading fell on.
type FailureMode string

const (
	FailureModeLow  FailureMode = "LOW"
	FailureModeHigh FailureMode = "HIGH"
)

// DTC is a diagnostic trouble code raised for a critical reading.
type DTC struct {
	Code        string
	OBDCode     string
	Description string
	ECUID       string
	Signal      string
	Mode        FailureMode
	Severity    FaultSeverity
	Timestamp   time.Time
	Value       float64
	ZScore      float64
}

// InitialRecord is the placeholder held for an ECU that has not ticked yet.
func InitialRecord(ecuID string, canID uint32, ts time.Time) Record {
	return Record{
		ECUID:     ecuID,
		CANID:     canID,
		Timestamp: ts,
		Status:    anomaly.StatusNormal,
	}
}
