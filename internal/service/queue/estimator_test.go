package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHistory_RingBuffer(t *testing.T) {
	h := NewHistory(3)
	for i := 1; i <= 5; i++ {
		h.Push(i)
	}

	assert.Equal(t, 3, h.Len())
	assert.Equal(t, []int{3, 4, 5}, h.Values())
	assert.Equal(t, []int{4, 5}, h.Last(2))
	assert.Equal(t, []int{3, 4, 5}, h.Last(10))
}

func TestEstimator_AverageUsesNewestThree(t *testing.T) {
	e := NewEstimator(DefaultEstimatorConfig())
	h := e.Load(nil)

	assert.Equal(t, 15.0, e.Average(h), "default when empty")

	samples := []int{10, 20, 30, 40, 50, 60, 70, 80, 90, 100, 110, 120}
	for n, s := range samples {
		assert.True(t, e.Observe(h, s))

		count := n + 1
		window := samples[max(0, count-3):count]
		sum := 0
		for _, v := range window {
			sum += v
		}
		assert.InDelta(t, float64(sum)/float64(len(window)), e.Average(h), 1e-9, "after %d samples", count)
		assert.LessOrEqual(t, h.Len(), 10)
	}

	assert.Equal(t, []int{30, 40, 50, 60, 70, 80, 90, 100, 110, 120}, h.Values())
}

func TestEstimator_RejectsOutOfRange(t *testing.T) {
	e := NewEstimator(DefaultEstimatorConfig())
	h := e.Load([]int{12})

	assert.False(t, e.Observe(h, 0))
	assert.False(t, e.Observe(h, 121))
	assert.False(t, e.Observe(h, -5))
	assert.True(t, e.Observe(h, 1))
	assert.True(t, e.Observe(h, 120))

	assert.Equal(t, []int{12, 1, 120}, h.Values())
}

func TestEstimator_LoadDropsInvalidAndKeepsNewest(t *testing.T) {
	e := NewEstimator(EstimatorConfig{Capacity: 4, Window: 3, MinMinutes: 1, MaxMinutes: 120, Default: 15})

	h := e.Load([]int{5, 500, 6, 0, 7, 8, 9})
	assert.Equal(t, []int{6, 7, 8, 9}, h.Values())
}

func TestElapsedMinutes(t *testing.T) {
	start := time.Date(2024, 3, 9, 9, 0, 0, 0, time.UTC)

	assert.Equal(t, 20, ElapsedMinutes(start, start.Add(20*time.Minute)))
	assert.Equal(t, 20, ElapsedMinutes(start, start.Add(19*time.Minute+31*time.Second)))
	assert.Equal(t, 0, ElapsedMinutes(start, start.Add(20*time.Second)))
}
