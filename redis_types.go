package main

import (
	"fmt"
	"time"

	"ecu-sentinel/ecu"
)

// RedisECUStatus is the hash written per ECU under redisECUKey(id).
type RedisECUStatus struct {
	CANID     string
	Status    string
	Tick      uint64
	Signal    string
	Value     float64
	ZScore    float64
	Timestamp time.Time
}

func NewRedisECUStatus(rec ecu.Record) RedisECUStatus {
	return RedisECUStatus{
		CANID:     fmt.Sprintf("0x%X", rec.CANID),
		Status:    rec.Status.String(),
		Tick:      rec.Tick,
		Signal:    rec.Signal,
		Value:     rec.RawValue,
		ZScore:    rec.ZScore,
		Timestamp: rec.Timestamp,
	}
}

func (s RedisECUStatus) fields() map[string]interface{} {
	return map[string]interface{}{
		"can-id":    s.CANID,
		"status":    s.Status,
		"tick":      s.Tick,
		"signal":    s.Signal,
		"value":     fmt.Sprintf("%.3f", s.Value),
		"z-score":   fmt.Sprintf("%.3f", s.ZScore),
		"timestamp": s.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}
