package anomaly

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDetector(t *testing.T, window int) *Detector {
	t.Helper()
	cfg := DefaultConfig()
	cfg.WindowSize = window
	d, err := NewDetector(cfg)
	require.NoError(t, err)
	return d
}

func TestThresholds_Classify(t *testing.T) {
	th := Thresholds{Warning: 2, Critical: 3.5}
	tests := []struct {
		z        float64
		expected Status
	}{
		{0, StatusNormal},
		{1.99, StatusNormal},
		{-1.99, StatusNormal},
		{2, StatusWarning},
		{-2, StatusWarning},
		{3.49, StatusWarning},
		{3.5, StatusCritical},
		{-3.5, StatusCritical},
		{1e9, StatusCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, th.Classify(tt.z), "z=%v", tt.z)
	}
}

func TestConfig_Validate(t *testing.T) {
	base := DefaultConfig()
	require.NoError(t, base.Validate())

	bad := base
	bad.Thresholds = Thresholds{Warning: 3, Critical: 2}
	assert.Error(t, bad.Validate())

	bad = base
	bad.Thresholds.Warning = 0
	assert.Error(t, bad.Validate())

	bad = base
	bad.WindowSize = 1
	assert.Error(t, bad.Validate())

	bad = base
	bad.MinSamples = base.WindowSize + 1
	assert.Error(t, bad.Validate())

	bad = base
	bad.Epsilon = 0
	assert.Error(t, bad.Validate())
}

func TestDetector_WarmUpIsNormal(t *testing.T) {
	d := newDetector(t, 10)
	for i, v := range []float64{1, 1000, -1000, 5} {
		z, status := d.Classify(v)
		assert.Equal(t, StatusNormal, status, "reading %d", i)
		assert.Zero(t, z, "reading %d", i)
	}
	assert.Equal(t, 4, d.Window().Len())
}

func TestDetector_ExampleScenario(t *testing.T) {
	d := newDetector(t, 10)
	for i := 0; i < 10; i++ {
		_, status := d.Classify(10)
		require.Equal(t, StatusNormal, status, "reading %d", i)
	}

	z, status := d.Classify(100)
	assert.Equal(t, StatusCritical, status)
	assert.Greater(t, z, 3.5)
	assert.False(t, math.IsInf(z, 0))
}

func TestDetector_ConstantSignalUsesEpsilon(t *testing.T) {
	d := newDetector(t, 20)
	for i := 0; i < 20; i++ {
		d.Classify(4.0)
	}

	z, status := d.Classify(4.0)
	assert.Equal(t, StatusNormal, status)
	assert.Zero(t, z)

	z, status = d.Classify(4.001)
	assert.Equal(t, StatusCritical, status)
	assert.InDelta(t, 0.001/DefaultEpsilon, z, 1)
	assert.False(t, math.IsNaN(z))
}

func TestDetector_NegativeDeviation(t *testing.T) {
	d := newDetector(t, 10)
	for i := 0; i < 10; i++ {
		d.Classify(3.9 + float64(i%2)*0.1)
	}
	z, status := d.Classify(2.5)
	assert.Equal(t, StatusCritical, status)
	assert.Less(t, z, 0.0)
}

func TestDetector_NonFiniteIgnored(t *testing.T) {
	d := newDetector(t, 10)
	for i := 0; i < 10; i++ {
		d.Classify(1)
	}
	z, status := d.Classify(math.NaN())
	assert.Equal(t, StatusNormal, status)
	assert.Zero(t, z)
	assert.Equal(t, []float64{1, 1, 1, 1, 1, 1, 1, 1, 1, 1}, d.Window().Values())
}

// For N(0,1) input the share of |z| >= 2 sits near the 4.5% normal tail,
// slightly above it because mean and stddev are estimated from 50 samples.
func TestDetector_GaussianTailRate(t *testing.T) {
	d := newDetector(t, 50)
	rng := rand.New(rand.NewSource(2024))

	const n = 20000
	flagged := 0
	scored := 0
	for i := 0; i < n; i++ {
		_, status := d.Classify(rng.NormFloat64())
		if d.Window().Len() <= DefaultMinSamples {
			continue
		}
		scored++
		if status != StatusNormal {
			flagged++
		}
	}

	rate := float64(flagged) / float64(scored)
	assert.InDelta(t, 0.05, rate, 0.02, "flagged rate %.4f", rate)
}

func TestDetector_AdaptsToDrift(t *testing.T) {
	d := newDetector(t, 20)
	v := 4.1
	for i := 0; i < 500; i++ {
		v -= 0.001
		_, status := d.Classify(v + float64(i%3)*0.002)
		if i > 30 {
			assert.NotEqual(t, StatusCritical, status, "slow drift flagged at %d", i)
		}
	}
}

func TestDetector_Summary(t *testing.T) {
	d := newDetector(t, 10)
	for i := 1; i <= 100; i++ {
		d.Classify(float64(i))
	}
	s := d.Summary()
	assert.Equal(t, uint64(100), s.Count)
	assert.InDelta(t, 95.5, s.Mean, 1e-9)
	assert.InDelta(t, 50, s.P50, 2)
	assert.InDelta(t, 99, s.P99, 2)
}
