package ecu

import (
	"hash/fnv"
	"math/rand"
	"sync/atomic"
)

// SignalProfile bounds the synthetic values of one signal.
type SignalProfile struct {
	Name  string
	Class string
	Unit  string
	Min   float64
	Max   float64
	// FaultMin..FaultMax is the outlier band used by fault injection.
	FaultMin float64
	FaultMax float64
}

// Profile is the set of signals an ECU kind reports.
type Profile struct {
	Kind    ECUKind
	Signals []SignalProfile
}

// Class returns the signal class of the named signal, or "" when the
// profile does not contain it.
func (p Profile) Class(signal string) string {
	for _, s := range p.Signals {
		if s.Name == signal {
			return s.Class
		}
	}
	return ""
}

// SyntheticSource draws uniform values from a Profile and, with probability
// FaultProbability per tick, replaces one signal with an outlier.
type SyntheticSource struct {
	profile   Profile
	faultProb float64
	rng       *rand.Rand
	forced    atomic.Bool
}

func NewSyntheticSource(profile Profile, faultProbability float64, seed int64) *SyntheticSource {
	return &SyntheticSource{
		profile:   profile,
		faultProb: faultProbability,
		rng:       rand.New(rand.NewSource(seed)),
	}
}

func (s *SyntheticSource) Next() Reading {
	samples := make([]Sample, len(s.profile.Signals))
	for i, sig := range s.profile.Signals {
		samples[i] = Sample{
			Signal: sig.Name,
			Value:  sig.Min + s.rng.Float64()*(sig.Max-sig.Min),
		}
	}

	inject := s.faultProb > 0 && s.rng.Float64() < s.faultProb
	if s.forced.Swap(false) {
		inject = true
	}
	if len(samples) > 0 && inject {
		i := s.rng.Intn(len(samples))
		sig := s.profile.Signals[i]
		samples[i].Value = sig.FaultMin + s.rng.Float64()*(sig.FaultMax-sig.FaultMin)
		samples[i].Injected = true
	}

	return Reading{Samples: samples}
}

// ForceFault makes the next reading carry an outlier regardless of the
// fault probability. Safe to call from any goroutine.
func (s *SyntheticSource) ForceFault() {
	s.forced.Store(true)
}

// ScriptedSource replays fixed per-signal values. After the script runs out
// the last value of each signal repeats.
type ScriptedSource struct {
	signals []string
	values  [][]float64
	pos     int
}

// NewScriptedSource takes one value slice per signal; all slices should
// have the same length.
func NewScriptedSource(signals []string, values ...[]float64) *ScriptedSource {
	return &ScriptedSource{signals: signals, values: values}
}

func (s *ScriptedSource) Next() Reading {
	samples := make([]Sample, len(s.signals))
	for i, name := range s.signals {
		var v float64
		if i < len(s.values) && len(s.values[i]) > 0 {
			series := s.values[i]
			if s.pos < len(series) {
				v = series[s.pos]
			} else {
				v = series[len(series)-1]
			}
		}
		samples[i] = Sample{Signal: name, Value: v}
	}
	s.pos++
	return Reading{Samples: samples}
}

// DeriveSeed mixes a base seed with the ECU id so that every ECU draws from
// an independent stream even when they share the base seed.
func DeriveSeed(base int64, ecuID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(ecuID))
	return base ^ int64(h.Sum64())
}
