package ecu

import (
	"encoding/binary"
	"fmt"
	"math"

	"ecu-sentinel/anomaly"

	"github.com/brutella/can"
)

const (
	// StatusFrameLength is the payload size of a diagnostic status frame.
	StatusFrameLength = 8

	// canEFFFlag marks a 29-bit identifier (SocketCAN CAN_EFF_FLAG).
	canEFFFlag = 0x80000000
	canSFFMask = 0x7FF
	canEFFMask = 0x1FFFFFFF

	// Scale applied to value and z-score before packing into int16.
	frameValueScale = 100

	frameDTCFlag    = 0x80
	frameStatusMask = 0x03
)

// StatusFrame is the decoded form of a diagnostic status frame.
//
// Layout:
//
//	byte 0     status (bits 0-1), DTC present (bit 7)
//	byte 1     tick counter, low 8 bits
//	bytes 2-3  raw value * 100, int16 big endian, saturated
//	bytes 4-5  z-score * 100, int16 big endian, saturated
//	byte 6     index of the reported signal
//	byte 7     number of signals in the record
type StatusFrame struct {
	CANID       uint32
	Status      anomaly.Status
	HasDTC      bool
	Counter     uint8
	Value       float64
	ZScore      float64
	SignalIndex uint8
	SignalCount uint8
}

// EncodeStatusFrame packs a record into a single CAN frame addressed by the
// record's CAN id.
func EncodeStatusFrame(rec Record) can.Frame {
	data := make([]byte, StatusFrameLength)

	data[0] = byte(rec.Status) & frameStatusMask
	if rec.DTC != nil {
		data[0] |= frameDTCFlag
	}
	data[1] = byte(rec.Tick)
	binary.BigEndian.PutUint16(data[2:4], uint16(saturateInt16(rec.RawValue*frameValueScale)))
	binary.BigEndian.PutUint16(data[4:6], uint16(saturateInt16(rec.ZScore*frameValueScale)))

	for i, s := range rec.Signals {
		if s.Signal == rec.Signal {
			data[6] = byte(i)
			break
		}
	}
	data[7] = byte(len(rec.Signals))

	return packFrame(frameID(rec.CANID), data)
}

// DecodeStatusFrame is the inverse of EncodeStatusFrame, up to the int16
// quantisation of value and z-score.
func DecodeStatusFrame(frame can.Frame) (StatusFrame, error) {
	if frame.Length < StatusFrameLength {
		return StatusFrame{}, fmt.Errorf("status frame too short: %d bytes", frame.Length)
	}
	status := anomaly.Status(frame.Data[0] & frameStatusMask)
	if status > anomaly.StatusCritical {
		return StatusFrame{}, fmt.Errorf("invalid status %d in frame 0x%X", status, frame.ID)
	}

	id := frame.ID
	if id&canEFFFlag != 0 {
		id &= canEFFMask
	} else {
		id &= canSFFMask
	}

	return StatusFrame{
		CANID:       id,
		Status:      status,
		HasDTC:      frame.Data[0]&frameDTCFlag != 0,
		Counter:     frame.Data[1],
		Value:       float64(int16(binary.BigEndian.Uint16(frame.Data[2:4]))) / frameValueScale,
		ZScore:      float64(int16(binary.BigEndian.Uint16(frame.Data[4:6]))) / frameValueScale,
		SignalIndex: frame.Data[6],
		SignalCount: frame.Data[7],
	}, nil
}

// frameID sets the extended-frame flag for identifiers that do not fit in
// 11 bits.
func frameID(canID uint32) uint32 {
	if canID > canSFFMask {
		return (canID & canEFFMask) | canEFFFlag
	}
	return canID
}

func saturateInt16(v float64) int16 {
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt16:
		return math.MaxInt16
	case v <= math.MinInt16:
		return math.MinInt16
	default:
		return int16(math.Round(v))
	}
}

// packFrame creates a CAN frame with the given ID and data
func packFrame(id uint32, data []byte) can.Frame {
	var frameData [8]byte
	copy(frameData[:], data)
	return can.Frame{
		ID:     id,
		Length: uint8(len(data)),
		Flags:  0,
		Data:   frameData,
	}
}
