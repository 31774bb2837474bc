package anomaly

import "math"

// Window is a fixed capacity FIFO of float64 samples that keeps a running
// mean and sum of squared deviations (M2) using Welford's recurrences.
// Not safe for concurrent use.
type Window struct {
	data  []float64
	head  int
	count int

	mean float64
	m2   float64

	// inserts since the last full recompute
	inserts        int
	recomputeEvery int
}

// NewWindow creates a window holding at most size samples. Every
// size*recomputeEvery inserts the statistics are recomputed from scratch.
func NewWindow(size int, recomputeEvery int) *Window {
	if size < 1 {
		size = 1
	}
	if recomputeEvery < 1 {
		recomputeEvery = DefaultRecomputeEvery
	}
	return &Window{
		data:           make([]float64, size),
		recomputeEvery: recomputeEvery,
	}
}

// Cap returns the window capacity.
func (w *Window) Cap() int {
	return len(w.data)
}

// Len returns the number of samples currently held.
func (w *Window) Len() int {
	return w.count
}

// Push inserts v, evicting the oldest sample when the window is full.
func (w *Window) Push(v float64) {
	if w.count == len(w.data) {
		w.remove(w.data[w.head])
		w.data[w.head] = v
		w.head = (w.head + 1) % len(w.data)
		w.add(v)
	} else {
		w.data[(w.head+w.count)%len(w.data)] = v
		w.count++
		w.add(v)
	}

	w.inserts++
	if w.inserts >= len(w.data)*w.recomputeEvery {
		w.recompute()
	}
}

func (w *Window) add(v float64) {
	n := float64(w.count)
	delta := v - w.mean
	w.mean += delta / n
	w.m2 += delta * (v - w.mean)
}

// remove takes v out of the running statistics of a full window. The count
// is left untouched because the slot is immediately refilled by add.
func (w *Window) remove(v float64) {
	if w.count <= 1 {
		w.mean, w.m2 = 0, 0
		return
	}
	n := float64(w.count - 1)
	delta := v - w.mean
	w.mean -= delta / n
	w.m2 -= delta * (v - w.mean)
	if w.m2 < 0 {
		w.m2 = 0
	}
}

func (w *Window) recompute() {
	w.inserts = 0
	if w.count == 0 {
		w.mean, w.m2 = 0, 0
		return
	}
	var sum float64
	w.each(func(v float64) { sum += v })
	mean := sum / float64(w.count)
	var m2 float64
	w.each(func(v float64) {
		d := v - mean
		m2 += d * d
	})
	w.mean, w.m2 = mean, m2
}

func (w *Window) each(fn func(v float64)) {
	for i := 0; i < w.count; i++ {
		fn(w.data[(w.head+i)%len(w.data)])
	}
}

// Values returns the held samples, oldest first.
func (w *Window) Values() []float64 {
	out := make([]float64, 0, w.count)
	w.each(func(v float64) { out = append(out, v) })
	return out
}

// Mean returns the mean of the held samples.
func (w *Window) Mean() float64 {
	return w.mean
}

// StdDev returns the population standard deviation of the held samples.
func (w *Window) StdDev() float64 {
	if w.count < 2 {
		return 0
	}
	return math.Sqrt(w.m2 / float64(w.count))
}

// Reset drops all samples.
func (w *Window) Reset() {
	w.head, w.count, w.inserts = 0, 0, 0
	w.mean, w.m2 = 0, 0
}
