package ecu

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"ecu-sentinel/anomaly"

	"github.com/brutella/can"
	gometrics "github.com/rcrowley/go-metrics"
)

// testLogger implements Logger for testing
type testLogger struct{}

func (l *testLogger) Printf(format string, v ...interface{}) {}
func (l *testLogger) Debug(format string, v ...interface{})  {}
func (l *testLogger) Info(format string, v ...interface{})   {}
func (l *testLogger) Warn(format string, v ...interface{})   {}
func (l *testLogger) Error(format string, v ...interface{})  {}
func (l *testLogger) DebugCAN(direction string, id uint32, data []byte, length uint8) {
}

// recorder implements Publisher and FrameSink.
type recorder struct {
	mu      sync.Mutex
	records []Record
	dtcs    []DTC
	frames  []can.Frame
	err     error
}

func (r *recorder) Publish(ecuID string, rec Record, dtc *DTC) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.records = append(r.records, rec)
	if dtc != nil {
		r.dtcs = append(r.dtcs, *dtc)
	}
	return nil
}

func (r *recorder) SendFrame(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, EncodeStatusFrame(rec))
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

type panicSource struct{}

func (panicSource) Next() Reading { panic("sensor bus gone") }

func singleSignalProfile(name, class string) Profile {
	return Profile{Kind: ECUKindBMS, Signals: []SignalProfile{{Name: name, Class: class}}}
}

func testConfig(id string) ECUConfig {
	return ECUConfig{
		ID:           id,
		Kind:         ECUKindBMS,
		CANID:        0x101,
		TickInterval: 10 * time.Millisecond,
		Detector:     anomaly.DefaultConfig(),
	}
}

// --- Worker tests ---

func TestWorker_SpikeRaisesExactlyOneDTC(t *testing.T) {
	values := make([]float64, 0, 11)
	for i := 0; i < 10; i++ {
		values = append(values, 10)
	}
	values = append(values, 100)

	pub := &recorder{}
	w, err := NewWorker(testConfig("bms-1"), pub, &testLogger{},
		WithProfile(singleSignalProfile(ClassCellVoltage, ClassCellVoltage)),
		WithSource(NewScriptedSource([]string{ClassCellVoltage}, values)),
		WithFrameSink(pub),
	)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}

	for i := 0; i < 10; i++ {
		rec, err := w.Step()
		if err != nil {
			t.Fatalf("tick %d: %v", i+1, err)
		}
		if rec.Status != anomaly.StatusNormal {
			t.Errorf("tick %d: expected normal, got %s", i+1, rec.Status)
		}
	}

	rec, err := w.Step()
	if err != nil {
		t.Fatalf("spike tick: %v", err)
	}
	if rec.Status != anomaly.StatusCritical {
		t.Fatalf("expected critical, got %s (z=%f)", rec.Status, rec.ZScore)
	}
	if rec.Tick != 11 {
		t.Errorf("expected tick 11, got %d", rec.Tick)
	}
	if rec.DTC == nil || rec.DTC.Code != "CELL_OVERVOLTAGE_BMS_1" {
		t.Fatalf("unexpected DTC: %+v", rec.DTC)
	}
	if len(pub.dtcs) != 1 {
		t.Errorf("expected exactly 1 DTC, got %d", len(pub.dtcs))
	}
	if len(pub.frames) != 11 {
		t.Errorf("expected 11 frames, got %d", len(pub.frames))
	}
	if pub.frames[10].Data[0]&frameDTCFlag == 0 {
		t.Error("spike frame should carry the DTC flag")
	}
}

func TestWorker_WorstSignalWins(t *testing.T) {
	steady := []float64{3.8, 3.9, 3.8, 3.9, 3.8, 3.9, 3.85}
	temps := []float64{30, 31, 30, 31, 30, 31, 90}

	pub := &recorder{}
	w, err := NewWorker(testConfig("bms-2"), pub, &testLogger{},
		WithSource(NewScriptedSource([]string{ClassCellVoltage, ClassCellTemperature}, steady, temps)))
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}

	var rec Record
	for range temps {
		if rec, err = w.Step(); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}

	if rec.Signal != ClassCellTemperature {
		t.Errorf("expected %s to be reported, got %s", ClassCellTemperature, rec.Signal)
	}
	if len(rec.Signals) != 2 {
		t.Fatalf("expected 2 classified signals, got %d", len(rec.Signals))
	}
	if rec.DTC == nil || rec.DTC.OBDCode != "P0A7E" {
		t.Errorf("expected thermal runaway DTC, got %+v", rec.DTC)
	}
	if rec.Signals[0].Status != anomaly.StatusNormal {
		t.Errorf("voltage should stay normal, got %s", rec.Signals[0].Status)
	}
	if len(pub.dtcs) != 1 {
		t.Errorf("expected 1 DTC, got %d", len(pub.dtcs))
	}
}

func TestWorker_PanicIsRecovered(t *testing.T) {
	registry := gometrics.NewRegistry()
	pub := &recorder{}
	w, err := NewWorker(testConfig("bms-3"), pub, &testLogger{},
		WithSource(panicSource{}), WithRegistry(registry))
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}

	if _, err := w.Step(); err == nil {
		t.Fatal("expected an error from a panicking source")
	}
	if pub.count() != 0 {
		t.Errorf("nothing should be published, got %d records", pub.count())
	}
	if n := registry.Get("ecu.bms-3.tick_errors").(gometrics.Counter).Count(); n != 1 {
		t.Errorf("expected 1 tick error, got %d", n)
	}
}

func TestWorker_PublishErrorIsReturned(t *testing.T) {
	pub := &recorder{err: errors.New("state closed")}
	w, err := NewWorker(testConfig("bms-4"), pub, nil)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	if _, err := w.Step(); !errors.Is(err, pub.err) {
		t.Errorf("expected wrapped publish error, got %v", err)
	}
}

func TestWorker_RejectsUnknownSignal(t *testing.T) {
	w, err := NewWorker(testConfig("bms-5"), &recorder{}, nil,
		WithSource(NewScriptedSource([]string{"oil_pressure"}, []float64{1})))
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	if _, err := w.Step(); err == nil {
		t.Error("expected error for a signal outside the profile")
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	pub := &recorder{}
	w, err := NewWorker(testConfig("bms-6"), pub, &testLogger{})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	if w.State() != WorkerIdle {
		t.Fatalf("expected idle, got %s", w.State())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for pub.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if pub.count() < 3 {
		t.Fatalf("expected at least 3 ticks, got %d", pub.count())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Run did not return within the tick budget")
	}
	if w.State() != WorkerStopped {
		t.Errorf("expected stopped, got %s", w.State())
	}

	// Ticks are strictly increasing.
	for i := 1; i < len(pub.records); i++ {
		if pub.records[i].Tick <= pub.records[i-1].Tick {
			t.Fatalf("tick went from %d to %d", pub.records[i-1].Tick, pub.records[i].Tick)
		}
	}
}

// gatedSource blocks in Next until released.
type gatedSource struct {
	inner   Source
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSource) Next() Reading {
	g.entered <- struct{}{}
	<-g.release
	return g.inner.Next()
}

func TestWorker_ShuttingDownDuringLastTick(t *testing.T) {
	src := &gatedSource{
		inner:   NewScriptedSource([]string{"cell_voltage"}, []float64{3.9}),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	pub := &recorder{}
	w, err := NewWorker(testConfig("bms-8"), pub, &testLogger{}, WithSource(src))
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case <-src.entered:
	case <-time.After(time.Second):
		t.Fatal("worker never ticked")
	}
	if w.State() != WorkerRunning {
		t.Fatalf("expected running, got %s", w.State())
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for w.State() != WorkerShuttingDown && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if w.State() != WorkerShuttingDown {
		t.Fatalf("expected shutting down while the tick is in flight, got %s", w.State())
	}

	close(src.release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	if w.State() != WorkerStopped {
		t.Errorf("expected stopped, got %s", w.State())
	}
	if pub.count() != 1 {
		t.Errorf("the in-flight tick must still be published, got %d records", pub.count())
	}
}

func TestWorker_IsStale(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	w, err := NewWorker(testConfig("bms-7"), &recorder{}, nil, WithClock(clock))
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	if w.IsStale() {
		t.Error("a worker that never ticked is not stale")
	}
	if _, err := w.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}

	now = now.Add(20 * time.Millisecond)
	if w.IsStale() {
		t.Error("two intervals late should not be stale")
	}
	now = now.Add(20 * time.Millisecond)
	if !w.IsStale() {
		t.Error("four intervals late should be stale")
	}
}

func TestNewWorker_Validation(t *testing.T) {
	if _, err := NewWorker(ECUConfig{}, &recorder{}, nil); err == nil {
		t.Error("expected error for empty id")
	}
	if _, err := NewWorker(testConfig("x"), nil, nil); err == nil {
		t.Error("expected error for nil publisher")
	}

	cfg := testConfig("adas-1")
	cfg.Kind = ECUKindADAS
	if _, err := NewWorker(cfg, &recorder{}, nil); err == nil {
		t.Error("expected error for ADAS without module")
	}

	cfg = testConfig("bms-8")
	cfg.Detector.WindowSize = 1
	if _, err := NewWorker(cfg, &recorder{}, nil); err == nil {
		t.Error("expected error for invalid detector config")
	}
}

// --- Telemetry tests ---

func TestSyntheticSource_StaysInNominalRange(t *testing.T) {
	profile := NewBMSProfile()
	src := NewSyntheticSource(profile, 0, 1)
	for i := 0; i < 1000; i++ {
		for j, s := range src.Next().Samples {
			sig := profile.Signals[j]
			if s.Value < sig.Min || s.Value > sig.Max {
				t.Fatalf("%s value %f outside [%f, %f]", s.Signal, s.Value, sig.Min, sig.Max)
			}
			if s.Injected {
				t.Fatal("no fault should be injected at probability 0")
			}
		}
	}
}

func TestSyntheticSource_InjectsIntoFaultBand(t *testing.T) {
	profile := NewADASProfile("front_radar")
	src := NewSyntheticSource(profile, 1, 7)
	for i := 0; i < 100; i++ {
		s := src.Next().Samples[0]
		if !s.Injected {
			t.Fatal("expected injected sample at probability 1")
		}
		if s.Value < ADASConfidenceFaultMin || s.Value > ADASConfidenceFaultMax {
			t.Fatalf("fault value %f outside fault band", s.Value)
		}
	}
}

func TestDeriveSeed_IndependentStreams(t *testing.T) {
	profile := NewBMSProfile()
	a1 := NewSyntheticSource(profile, 0.1, DeriveSeed(42, "bms-1"))
	a2 := NewSyntheticSource(profile, 0.1, DeriveSeed(42, "bms-1"))
	b := NewSyntheticSource(profile, 0.1, DeriveSeed(42, "bms-2"))

	same, diff := true, false
	for i := 0; i < 50; i++ {
		x, y, z := a1.Next(), a2.Next(), b.Next()
		if x.Samples[0].Value != y.Samples[0].Value {
			same = false
		}
		if x.Samples[0].Value != z.Samples[0].Value {
			diff = true
		}
	}
	if !same {
		t.Error("same ECU and seed must reproduce the same stream")
	}
	if !diff {
		t.Error("different ECUs must draw different streams")
	}
}

func TestScriptedSource_RepeatsLastValue(t *testing.T) {
	src := NewScriptedSource([]string{"a"}, []float64{1, 2})
	want := []float64{1, 2, 2, 2}
	for i, w := range want {
		if got := src.Next().Samples[0].Value; got != w {
			t.Errorf("step %d: expected %f, got %f", i, w, got)
		}
	}
}

// --- Fault catalogue tests ---

func TestNewDTC_Catalogue(t *testing.T) {
	ts := time.Now()
	tests := []struct {
		ecuID    string
		signal   string
		class    string
		z        float64
		code     string
		obd      string
		severity FaultSeverity
	}{
		{"bms-1", "cell_voltage", ClassCellVoltage, -5, "CELL_IMBALANCE_BMS_1", "P0A80", SeverityCritical},
		{"bms-1", "cell_voltage", ClassCellVoltage, 5, "CELL_OVERVOLTAGE_BMS_1", "P0A81", SeverityCritical},
		{"bms-2", "cell_temperature", ClassCellTemperature, 9, "THERMAL_RUNAWAY_BMS_2", "P0A7E", SeverityCritical},
		{"bms-2", "cell_temperature", ClassCellTemperature, -9, "CELL_UNDERTEMPERATURE_BMS_2", "P0A7F", SeverityWarning},
		{"adas-front", "front_radar_confidence", ClassConfidence, -20, "SENSOR_BLIND_ADAS_FRONT", "C1A67", SeverityCritical},
		{"adas-front", "front_radar_confidence", ClassConfidence, 4, "SENSOR_IMPLAUSIBLE_ADAS_FRONT", "C1A68", SeverityWarning},
		{"x", "oil temp", "", 4, "OIL_TEMP_HIGH_X", "U0000", SeverityCritical},
	}

	for _, tt := range tests {
		dtc := NewDTC(tt.ecuID, tt.signal, tt.class, 1, tt.z, ts)
		if dtc.Code != tt.code {
			t.Errorf("%s/%s z=%f: expected code %s, got %s", tt.ecuID, tt.signal, tt.z, tt.code, dtc.Code)
		}
		if dtc.OBDCode != tt.obd {
			t.Errorf("%s: expected OBD code %s, got %s", tt.code, tt.obd, dtc.OBDCode)
		}
		if dtc.Severity != tt.severity {
			t.Errorf("%s: expected severity %s, got %s", tt.code, tt.severity, dtc.Severity)
		}
	}
}

func TestParseSeverityRoundTrip(t *testing.T) {
	for _, s := range []FaultSeverity{SeverityWarning, SeverityCritical} {
		if got := ParseSeverity(s.String()); got != s {
			t.Errorf("ParseSeverity(%q) = %s", s.String(), got)
		}
	}
}

// --- Status frame tests ---

func TestStatusFrame_RoundTrip(t *testing.T) {
	dtc := NewDTC("bms-1", "cell_voltage", ClassCellVoltage, 2.5, -7.25, time.Now())
	rec := Record{
		ECUID:    "bms-1",
		CANID:    0x101,
		Tick:     0x1FF,
		Signal:   "cell_voltage",
		RawValue: 2.5,
		ZScore:   -7.25,
		Status:   anomaly.StatusCritical,
		Signals: []SignalReading{
			{Signal: "cell_temperature"},
			{Signal: "cell_voltage"},
		},
		DTC: &dtc,
	}

	frame := EncodeStatusFrame(rec)
	if frame.ID != 0x101 {
		t.Errorf("expected standard id 0x101, got 0x%X", frame.ID)
	}
	if frame.Length != StatusFrameLength {
		t.Errorf("expected length %d, got %d", StatusFrameLength, frame.Length)
	}

	sf, err := DecodeStatusFrame(frame)
	if err != nil {
		t.Fatalf("DecodeStatusFrame: %v", err)
	}
	if sf.Status != anomaly.StatusCritical || !sf.HasDTC {
		t.Errorf("unexpected status/DTC: %+v", sf)
	}
	if sf.Counter != 0xFF {
		t.Errorf("expected counter 0xFF, got 0x%X", sf.Counter)
	}
	if math.Abs(sf.Value-2.5) > 0.01 || math.Abs(sf.ZScore+7.25) > 0.01 {
		t.Errorf("unexpected value/z: %f %f", sf.Value, sf.ZScore)
	}
	if sf.SignalIndex != 1 || sf.SignalCount != 2 {
		t.Errorf("unexpected signal index/count: %d/%d", sf.SignalIndex, sf.SignalCount)
	}
}

func TestStatusFrame_ExtendedIDAndSaturation(t *testing.T) {
	rec := Record{CANID: 0x18FF0042, RawValue: 1000, ZScore: -1e9, Status: anomaly.StatusWarning}

	frame := EncodeStatusFrame(rec)
	if frame.ID&canEFFFlag == 0 {
		t.Errorf("expected extended frame flag on 0x%X", frame.ID)
	}

	sf, err := DecodeStatusFrame(frame)
	if err != nil {
		t.Fatalf("DecodeStatusFrame: %v", err)
	}
	if sf.CANID != 0x18FF0042 {
		t.Errorf("expected id 0x18FF0042, got 0x%X", sf.CANID)
	}
	if sf.Value != 327.67 {
		t.Errorf("expected saturated value 327.67, got %f", sf.Value)
	}
	if sf.ZScore != -327.68 {
		t.Errorf("expected saturated z -327.68, got %f", sf.ZScore)
	}
	if sf.HasDTC {
		t.Error("no DTC expected")
	}
}

func TestDecodeStatusFrame_Invalid(t *testing.T) {
	short := packFrame(0x100, []byte{0, 1, 2})
	if _, err := DecodeStatusFrame(short); err == nil {
		t.Error("expected error for short frame")
	}

	bad := packFrame(0x100, []byte{0x03, 0, 0, 0, 0, 0, 0, 0})
	if _, err := DecodeStatusFrame(bad); err == nil {
		t.Error("expected error for invalid status")
	}
}

func TestWorker_InjectFault(t *testing.T) {
	cfg := testConfig("bms-9")
	pub := &recorder{}
	w, err := NewWorker(cfg, pub, &testLogger{})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}

	// Build a baseline, then force one outlier.
	for i := 0; i < 10; i++ {
		if _, err := w.Step(); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}
	if err := w.InjectFault(); err != nil {
		t.Fatalf("InjectFault: %v", err)
	}
	rec, err := w.Step()
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if rec.Status != anomaly.StatusCritical {
		t.Errorf("expected forced fault to be critical, got %s (z=%f)", rec.Status, rec.ZScore)
	}

	scripted, err := NewWorker(testConfig("bms-10"), pub, nil,
		WithSource(NewScriptedSource([]string{ClassCellVoltage}, []float64{1})))
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	if err := scripted.InjectFault(); !errors.Is(err, ErrInjectionUnsupported) {
		t.Errorf("expected ErrInjectionUnsupported, got %v", err)
	}
}
