package main

import (
	"fmt"
	"sync"

	"ecu-sentinel/ecu"

	"github.com/brutella/can"
)

// frameBus is the part of *can.Bus the sender needs.
type frameBus interface {
	Publish(frame can.Frame) error
}

// CANTx puts one diagnostic status frame per ECU tick on the bus and traces
// status frames heard from other nodes.
type CANTx struct {
	log ecu.Logger
	bus frameBus

	mu       sync.Mutex
	sent     uint64
	received map[uint32]ecu.StatusFrame
}

func NewCANTx(logger ecu.Logger, bus frameBus) *CANTx {
	return &CANTx{
		log:      logger,
		bus:      bus,
		received: make(map[uint32]ecu.StatusFrame),
	}
}

// SendFrame implements ecu.FrameSink.
func (tx *CANTx) SendFrame(rec ecu.Record) error {
	frame := ecu.EncodeStatusFrame(rec)
	ecu.DebugCANFrame(tx.log, "TX", frame)

	if err := tx.bus.Publish(frame); err != nil {
		return fmt.Errorf("failed to publish status frame 0x%X: %v", frame.ID, err)
	}

	tx.mu.Lock()
	tx.sent++
	tx.mu.Unlock()
	return nil
}

// Handle implements can.Handler. Frames that do not decode as status
// frames are ignored.
func (tx *CANTx) Handle(frame can.Frame) {
	ecu.DebugCANFrame(tx.log, "RX", frame)

	sf, err := ecu.DecodeStatusFrame(frame)
	if err != nil {
		return
	}

	tx.mu.Lock()
	prev, seen := tx.received[sf.CANID]
	tx.received[sf.CANID] = sf
	tx.mu.Unlock()

	if !seen || prev.Status != sf.Status {
		tx.log.Debug("CAN node 0x%X reports %s (value %.2f, z %.2f)", sf.CANID, sf.Status, sf.Value, sf.ZScore)
	}
}

// Sent returns the number of frames published.
func (tx *CANTx) Sent() uint64 {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.sent
}

// Heard returns the last status frame received from canID.
func (tx *CANTx) Heard(canID uint32) (ecu.StatusFrame, bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	sf, ok := tx.received[canID]
	return sf, ok
}
