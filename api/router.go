// Package api serves the read-only HTTP view of the diagnostic state.
package api

import (
	"context"
	"net/http"

	"ecu-sentinel/blackbox"
	"ecu-sentinel/ecu"
	"ecu-sentinel/state"

	"github.com/gorilla/mux"
	gometrics "github.com/rcrowley/go-metrics"
)

// StateReader is the part of state.State the API reads.
type StateReader interface {
	Snapshot() state.Snapshot
	Record(ecuID string) (ecu.Record, bool)
}

// DTCLog answers post-incident queries. blackbox.Blackbox implements it.
type DTCLog interface {
	Query(ctx context.Context, f blackbox.Filter) ([]blackbox.Entry, error)
}

// Liveness reports a worker that stopped ticking.
type Liveness interface {
	ID() string
	IsStale() bool
}

type Server struct {
	state    StateReader
	log      DTCLog
	registry gometrics.Registry
	workers  []Liveness
	logger   ecu.Logger
}

func NewServer(st StateReader, log DTCLog, registry gometrics.Registry, workers []Liveness, logger ecu.Logger) *Server {
	if logger == nil {
		logger = ecu.NopLogger{}
	}
	return &Server{
		state:    st,
		log:      log,
		registry: registry,
		workers:  workers,
		logger:   logger,
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/snapshot", s.snapshotHandler).Methods(http.MethodGet)
	v1.HandleFunc("/ecus/{id}", s.ecuHandler).Methods(http.MethodGet)
	v1.HandleFunc("/dtcs", s.dtcsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/metrics", s.metricsHandler).Methods(http.MethodGet)

	return r
}
