package queue

import (
	"math"
	"time"
)

type EstimatorConfig struct {
	Capacity   int
	Window     int
	MinMinutes int
	MaxMinutes int
	Default    float64
}

func DefaultEstimatorConfig() EstimatorConfig {
	return EstimatorConfig{Capacity: 10, Window: 3, MinMinutes: 1, MaxMinutes: 120, Default: 15}
}

// History is a fixed-capacity ring buffer of visit durations in minutes. Once
// full, each push evicts the oldest sample.
type History struct {
	buf   []int
	start int
	size  int
}

func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{buf: make([]int, capacity)}
}

func (h *History) Push(v int) {
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = v
		h.size++
		return
	}
	h.buf[h.start] = v
	h.start = (h.start + 1) % len(h.buf)
}

func (h *History) Len() int { return h.size }

func (h *History) Cap() int { return len(h.buf) }

// Values returns the samples oldest first.
func (h *History) Values() []int {
	out := make([]int, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

// Last returns up to n of the newest samples, oldest first.
func (h *History) Last(n int) []int {
	values := h.Values()
	if n < len(values) {
		values = values[len(values)-n:]
	}
	return values
}

// Estimator turns observed visit durations into the rolling average. The
// average covers only the newest Window samples so it follows the doctor's
// current pace; the longer history is kept for transparency.
type Estimator struct {
	cfg EstimatorConfig
}

func NewEstimator(cfg EstimatorConfig) *Estimator {
	def := DefaultEstimatorConfig()
	if cfg.Capacity < 1 {
		cfg.Capacity = def.Capacity
	}
	if cfg.Window < 1 {
		cfg.Window = def.Window
	}
	if cfg.MinMinutes < 1 {
		cfg.MinMinutes = def.MinMinutes
	}
	if cfg.MaxMinutes < cfg.MinMinutes {
		cfg.MaxMinutes = def.MaxMinutes
	}
	if cfg.Default <= 0 {
		cfg.Default = def.Default
	}
	return &Estimator{cfg: cfg}
}

func (e *Estimator) Config() EstimatorConfig { return e.cfg }

// Load rebuilds the ring buffer from stored samples. Stored values outside the
// accepted range are dropped and only the newest Capacity are kept.
func (e *Estimator) Load(samples []int) *History {
	h := NewHistory(e.cfg.Capacity)
	for _, s := range samples {
		if e.Accepts(s) {
			h.Push(s)
		}
	}
	return h
}

func (e *Estimator) Accepts(minutes int) bool {
	return minutes >= e.cfg.MinMinutes && minutes <= e.cfg.MaxMinutes
}

// Observe records a sample if it is in range and reports whether it did.
// Out-of-range samples are noise and are discarded silently.
func (e *Estimator) Observe(h *History, minutes int) bool {
	if !e.Accepts(minutes) {
		return false
	}
	h.Push(minutes)
	return true
}

// Average is the mean of the newest Window samples, or the default when the
// history is empty.
func (e *Estimator) Average(h *History) float64 {
	recent := h.Last(e.cfg.Window)
	if len(recent) == 0 {
		return e.cfg.Default
	}
	sum := 0
	for _, v := range recent {
		sum += v
	}
	return float64(sum) / float64(len(recent))
}

// ElapsedMinutes is the duration sample between two calls, rounded to the
// nearest minute.
func ElapsedMinutes(from, to time.Time) int {
	return int(math.Round(to.Sub(from).Minutes()))
}
