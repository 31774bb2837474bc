package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"ecu-sentinel/anomaly"
	"ecu-sentinel/blackbox"
	"ecu-sentinel/ecu"

	"github.com/gorilla/mux"
)

// RecentDTCs is how many trouble codes the snapshot view carries.
const RecentDTCs = 20

type SignalView struct {
	Signal string  `json:"signal"`
	Value  float64 `json:"value"`
	ZScore float64 `json:"zScore"`
	Status string  `json:"status"`
	Count  uint64  `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
	P50    float64 `json:"p50"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
}

type RecordView struct {
	ECUID     string       `json:"ecuId"`
	CANID     string       `json:"canId"`
	Tick      uint64       `json:"tick"`
	Timestamp time.Time    `json:"timestamp"`
	Signal    string       `json:"signal,omitempty"`
	Value     float64      `json:"value"`
	ZScore    float64      `json:"zScore"`
	Status    string       `json:"status"`
	Signals   []SignalView `json:"signals,omitempty"`
	DTC       *DTCView     `json:"dtc,omitempty"`
}

type DTCView struct {
	Seq         uint64    `json:"seq,omitempty"`
	Code        string    `json:"code"`
	OBDCode     string    `json:"obdCode"`
	Description string    `json:"description,omitempty"`
	ECUID       string    `json:"ecuId"`
	Signal      string    `json:"signal"`
	Mode        string    `json:"mode,omitempty"`
	Severity    string    `json:"severity"`
	Timestamp   time.Time `json:"timestamp"`
	Value       float64   `json:"value"`
	ZScore      float64   `json:"zScore"`
	BootID      string    `json:"bootId,omitempty"`
}

type SnapshotView struct {
	TakenAt  time.Time      `json:"takenAt"`
	ECUs     []RecordView   `json:"ecus"`
	Counts   map[string]int `json:"counts"`
	TotalDTC int            `json:"totalDtcs"`
	Recent   []DTCView      `json:"recentDtcs"`
	Active   []DTCView      `json:"activeDtcs"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func newRecordView(rec ecu.Record) RecordView {
	v := RecordView{
		ECUID:     rec.ECUID,
		CANID:     fmt.Sprintf("0x%X", rec.CANID),
		Tick:      rec.Tick,
		Timestamp: rec.Timestamp,
		Signal:    rec.Signal,
		Value:     rec.RawValue,
		ZScore:    rec.ZScore,
		Status:    rec.Status.String(),
	}
	for _, s := range rec.Signals {
		v.Signals = append(v.Signals, SignalView{
			Signal: s.Signal,
			Value:  s.Value,
			ZScore: s.ZScore,
			Status: s.Status.String(),
			Count:  s.Summary.Count,
			Mean:   s.Summary.Mean,
			StdDev: s.Summary.StdDev,
			P50:    s.Summary.P50,
			P95:    s.Summary.P95,
			P99:    s.Summary.P99,
		})
	}
	if rec.DTC != nil {
		d := newDTCView(*rec.DTC)
		v.DTC = &d
	}
	return v
}

func newDTCView(d ecu.DTC) DTCView {
	return DTCView{
		Code:        d.Code,
		OBDCode:     d.OBDCode,
		Description: d.Description,
		ECUID:       d.ECUID,
		Signal:      d.Signal,
		Mode:        string(d.Mode),
		Severity:    d.Severity.String(),
		Timestamp:   d.Timestamp,
		Value:       d.Value,
		ZScore:      d.ZScore,
	}
}

func newEntryView(e blackbox.Entry) DTCView {
	return DTCView{
		Seq:         e.Seq,
		Code:        e.Code,
		OBDCode:     e.OBDCode,
		Description: e.Description,
		ECUID:       e.ECUID,
		Signal:      e.Signal,
		Mode:        e.Mode,
		Severity:    e.Severity,
		Timestamp:   e.Timestamp,
		Value:       e.Value,
		ZScore:      e.ZScore,
		BootID:      e.BootID,
	}
}

func dtcViews(dtcs []ecu.DTC) []DTCView {
	out := make([]DTCView, 0, len(dtcs))
	for _, d := range dtcs {
		out = append(out, newDTCView(d))
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeJSON(w, status, errorResponse{Error: fmt.Sprintf(format, args...)})
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	var stale []string
	for _, wk := range s.workers {
		if wk.IsStale() {
			stale = append(stale, wk.ID())
		}
	}
	if len(stale) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "degraded", "stale": stale})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) snapshotHandler(w http.ResponseWriter, _ *http.Request) {
	snap := s.state.Snapshot()

	view := SnapshotView{
		TakenAt:  snap.TakenAt,
		ECUs:     make([]RecordView, 0, len(snap.Records)),
		Counts:   make(map[string]int, 3),
		TotalDTC: len(snap.DTCs),
		Recent:   dtcViews(snap.Recent(RecentDTCs)),
		Active:   dtcViews(snap.Active),
	}
	for _, id := range snap.IDs() {
		view.ECUs = append(view.ECUs, newRecordView(snap.Records[id]))
	}
	for _, st := range []anomaly.Status{anomaly.StatusNormal, anomaly.StatusWarning, anomaly.StatusCritical} {
		view.Counts[st.String()] = 0
	}
	for st, n := range snap.CountByStatus() {
		view.Counts[st.String()] = n
	}

	writeJSON(w, http.StatusOK, view)
}

func (s *Server) ecuHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, ok := s.state.Record(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown ECU %q", id)
		return
	}
	writeJSON(w, http.StatusOK, newRecordView(rec))
}

func (s *Server) dtcsHandler(w http.ResponseWriter, r *http.Request) {
	if s.log == nil {
		writeError(w, http.StatusServiceUnavailable, "blackbox not available")
		return
	}

	q := r.URL.Query()
	f := blackbox.Filter{ECUID: q.Get("ecu")}

	var err error
	if v := q.Get("from"); v != "" {
		if f.From, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid from: %v", err)
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if f.To, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid to: %v", err)
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit %q", v)
			return
		}
	}

	entries, err := s.log.Query(r.Context(), f)
	if err != nil {
		s.logger.Error("DTC query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	out := make([]DTCView, 0, len(entries))
	for _, e := range entries {
		out = append(out, newEntryView(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) metricsHandler(w http.ResponseWriter, _ *http.Request) {
	if s.registry == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, s.registry.GetAll())
}
