// Package state holds the diagnostic state shared by all ECU workers and
// their readers.
package state

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"ecu-sentinel/anomaly"
	"ecu-sentinel/ecu"

	gometrics "github.com/rcrowley/go-metrics"
)

var (
	ErrUnknownECU   = errors.New("unknown ECU")
	ErrStaleRecord  = errors.New("record is not newer than the stored one")
	ErrDuplicateECU = errors.New("duplicate ECU id")
)

// DTCSink takes trouble codes off the publish path. Enqueue must not block.
type DTCSink interface {
	Enqueue(dtc ecu.DTC)
}

// ECU identifies one entry of the state.
type ECU struct {
	ID    string
	CANID uint32
}

// Snapshot is a point-in-time copy of the state. It shares nothing mutable
// with the State it came from.
type Snapshot struct {
	TakenAt time.Time
	Records map[string]ecu.Record
	// DTCs holds every trouble code raised since start, oldest first.
	DTCs []ecu.DTC
	// Active holds the trouble codes not yet cleared by a normal record,
	// sorted by ECU id and code.
	Active []ecu.DTC
}

// IDs returns the ECU ids of the snapshot in sorted order.
func (s Snapshot) IDs() []string {
	ids := make([]string, 0, len(s.Records))
	for id := range s.Records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Recent returns at most n of the newest trouble codes, oldest first.
func (s Snapshot) Recent(n int) []ecu.DTC {
	if n <= 0 {
		return nil
	}
	if len(s.DTCs) <= n {
		return s.DTCs
	}
	return s.DTCs[len(s.DTCs)-n:]
}

// CountByStatus tallies the latest record of every ECU by status.
func (s Snapshot) CountByStatus() map[anomaly.Status]int {
	out := make(map[anomaly.Status]int, 3)
	for _, rec := range s.Records {
		out[rec.Status]++
	}
	return out
}

// State is the single consistency boundary between ECU workers and readers.
// All access goes through Publish and the read methods.
type State struct {
	mu      sync.RWMutex
	records map[string]ecu.Record
	dtcs    []ecu.DTC
	active  map[string]map[string]ecu.DTC // ecu id -> code -> dtc

	sink      DTCSink
	publishes gometrics.Counter
	raised    gometrics.Counter
	rejected  gometrics.Counter
}

type Option func(*State)

// WithDTCSink forwards every published DTC to sink after the state lock has
// been released.
func WithDTCSink(sink DTCSink) Option {
	return func(s *State) { s.sink = sink }
}

func WithRegistry(r gometrics.Registry) Option {
	return func(s *State) {
		s.publishes = gometrics.GetOrRegisterCounter("state.publishes", r)
		s.raised = gometrics.GetOrRegisterCounter("state.dtcs", r)
		s.rejected = gometrics.GetOrRegisterCounter("state.rejected", r)
	}
}

// New creates the state with one Normal entry per ECU.
func New(ecus []ECU, opts ...Option) (*State, error) {
	if len(ecus) == 0 {
		return nil, fmt.Errorf("at least one ECU is required")
	}

	s := &State{
		records: make(map[string]ecu.Record, len(ecus)),
		active:  make(map[string]map[string]ecu.DTC, len(ecus)),
	}
	WithRegistry(gometrics.NewRegistry())(s)
	for _, opt := range opts {
		opt(s)
	}

	now := time.Now()
	for _, e := range ecus {
		if _, ok := s.records[e.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateECU, e.ID)
		}
		s.records[e.ID] = ecu.InitialRecord(e.ID, e.CANID, now)
	}

	return s, nil
}

// Publish stores rec as the latest record of ecuID and, when dtc is not nil,
// appends it to the trouble code list and marks it active. A Normal record
// clears the ECU's active codes. Records must arrive in tick order per ECU.
func (s *State) Publish(ecuID string, rec ecu.Record, dtc *ecu.DTC) error {
	if err := s.publish(ecuID, rec, dtc); err != nil {
		s.rejected.Inc(1)
		return err
	}

	s.publishes.Inc(1)
	if dtc != nil {
		s.raised.Inc(1)
		if s.sink != nil {
			s.sink.Enqueue(*dtc)
		}
	}
	return nil
}

func (s *State) publish(ecuID string, rec ecu.Record, dtc *ecu.DTC) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[ecuID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownECU, ecuID)
	}
	if rec.Tick <= cur.Tick {
		return fmt.Errorf("%w: %s tick %d <= %d", ErrStaleRecord, ecuID, rec.Tick, cur.Tick)
	}

	s.records[ecuID] = rec.Clone()

	if dtc != nil {
		s.dtcs = append(s.dtcs, *dtc)
		codes := s.active[ecuID]
		if codes == nil {
			codes = make(map[string]ecu.DTC)
			s.active[ecuID] = codes
		}
		codes[dtc.Code] = *dtc
	} else if rec.Status == anomaly.StatusNormal {
		delete(s.active, ecuID)
	}

	return nil
}

// Snapshot copies the whole state. No lock is held once it returns.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	records := make(map[string]ecu.Record, len(s.records))
	for id, rec := range s.records {
		records[id] = rec.Clone()
	}
	dtcs := make([]ecu.DTC, len(s.dtcs))
	copy(dtcs, s.dtcs)
	active := s.collectActive()
	s.mu.RUnlock()

	sortDTCs(active)

	return Snapshot{
		TakenAt: time.Now(),
		Records: records,
		DTCs:    dtcs,
		Active:  active,
	}
}

// ActiveDTCs returns the trouble codes not yet cleared, sorted by ECU id
// and code.
func (s *State) ActiveDTCs() []ecu.DTC {
	s.mu.RLock()
	active := s.collectActive()
	s.mu.RUnlock()

	sortDTCs(active)
	return active
}

// collectActive must be called with s.mu held.
func (s *State) collectActive() []ecu.DTC {
	var active []ecu.DTC
	for _, codes := range s.active {
		for _, dtc := range codes {
			active = append(active, dtc)
		}
	}
	return active
}

func sortDTCs(dtcs []ecu.DTC) {
	sort.Slice(dtcs, func(i, j int) bool {
		if dtcs[i].ECUID != dtcs[j].ECUID {
			return dtcs[i].ECUID < dtcs[j].ECUID
		}
		return dtcs[i].Code < dtcs[j].Code
	})
}

// Record returns the latest record of one ECU.
func (s *State) Record(ecuID string) (ecu.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[ecuID]
	return rec.Clone(), ok
}

// DTCsSince returns the trouble codes with index >= n together with the
// total count, so incremental readers can resume from the returned total.
func (s *State) DTCsSince(n int) ([]ecu.DTC, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := len(s.dtcs)
	if n < 0 {
		n = 0
	}
	if n >= total {
		return nil, total
	}
	out := make([]ecu.DTC, total-n)
	copy(out, s.dtcs[n:])
	return out, total
}
