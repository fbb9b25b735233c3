// Package smoothing averages raw speed readings over a sliding window.
package smoothing

import (
	"gonum.org/v1/gonum/stat"
)

// DefaultWindowSize is the number of speed readings averaged by default
const DefaultWindowSize = 5

// SpeedSmoother keeps the most recent readings and reports their mean.
// It is not safe for concurrent use; the ingestion goroutine owns it.
type SpeedSmoother struct {
	capacity int
	window   []float64
}

// NewSpeedSmoother creates a smoother holding at most size readings
func NewSpeedSmoother(size int) *SpeedSmoother {
	if size < 1 {
		size = DefaultWindowSize
	}
	return &SpeedSmoother{
		capacity: size,
		window:   make([]float64, 0, size+1),
	}
}

// Ingest adds a reading, evicting the oldest beyond capacity, and returns the current mean
func (s *SpeedSmoother) Ingest(speed float64) float64 {
	s.window = append(s.window, speed)
	if len(s.window) > s.capacity {
		// shift in place so the backing array never grows
		copy(s.window, s.window[1:])
		s.window = s.window[:s.capacity]
	}
	return s.Average()
}

// Average returns the mean of the held readings, 0 when empty
func (s *SpeedSmoother) Average() float64 {
	if len(s.window) == 0 {
		return 0
	}
	return stat.Mean(s.window, nil)
}

// Len returns the number of held readings
func (s *SpeedSmoother) Len() int {
	return len(s.window)
}

// Capacity returns the window size
func (s *SpeedSmoother) Capacity() int {
	return s.capacity
}

// Clear drops all held readings
func (s *SpeedSmoother) Clear() {
	s.window = s.window[:0]
}
