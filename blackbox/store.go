package blackbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"ecu-sentinel/ecu"
)

// Entry is one persisted trouble code.
type Entry struct {
	Seq         uint64
	Code        string
	OBDCode     string
	ECUID       string
	Signal      string
	Mode        string
	Severity    string
	Timestamp   time.Time
	Value       float64
	ZScore      float64
	Description string
	BootID      string
}

// NewEntry converts a DTC into an unsequenced row.
func NewEntry(dtc ecu.DTC, bootID string) Entry {
	return Entry{
		Code:        dtc.Code,
		OBDCode:     dtc.OBDCode,
		ECUID:       dtc.ECUID,
		Signal:      dtc.Signal,
		Mode:        string(dtc.Mode),
		Severity:    dtc.Severity.String(),
		Timestamp:   dtc.Timestamp,
		Value:       dtc.Value,
		ZScore:      dtc.ZScore,
		Description: dtc.Description,
		BootID:      bootID,
	}
}

// Filter selects rows for post-incident queries. Zero fields match
// everything; To is exclusive.
type Filter struct {
	ECUID string
	From  time.Time
	To    time.Time
	Limit int
}

func (f Filter) match(e Entry) bool {
	if f.ECUID != "" && e.ECUID != f.ECUID {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.Timestamp.Before(f.To) {
		return false
	}
	return true
}

// Store is the durable side of the blackbox.
type Store interface {
	// Append commits e durably. Appending a Seq that is already stored is a
	// no-op, which makes retries safe.
	Append(ctx context.Context, e Entry) error
	// MaxSeq returns the highest stored sequence number, 0 when empty.
	MaxSeq(ctx context.Context) (uint64, error)
	Count(ctx context.Context) (int, error)
	// Query returns matching rows ordered by Seq.
	Query(ctx context.Context, f Filter) ([]Entry, error)
	Close() error
}

// MemStore keeps entries in memory. It is meant for tests and for running
// without a blackbox file.
type MemStore struct {
	mu      sync.Mutex
	entries map[uint64]Entry
}

func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[uint64]Entry)}
}

func (m *MemStore) Append(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[e.Seq]; !ok {
		m.entries[e.Seq] = e
	}
	return nil
}

func (m *MemStore) MaxSeq(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var max uint64
	for seq := range m.entries {
		if seq > max {
			max = seq
		}
	}
	return max, nil
}

func (m *MemStore) Count(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), nil
}

func (m *MemStore) Query(ctx context.Context, f Filter) ([]Entry, error) {
	m.mu.Lock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if f.match(e) {
			out = append(out, e)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemStore) Close() error {
	return nil
}
