package classifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/drivedetect/pkg"
	"github.com/markus-lassfolk/drivedetect/pkg/smoothing"
)

var testPos = pkg.Position{Latitude: 31.95, Longitude: 34.75}

func TestDrivingClassifier_StartsIdle(t *testing.T) {
	c := NewDrivingClassifier(DefaultThreshold)
	assert.Equal(t, pkg.StateIdle, c.State())

	_, changed := c.Evaluate(0, testPos, time.Now())
	assert.False(t, changed, "idle average must not produce an event from the initial state")
}

func TestDrivingClassifier_ThresholdIsStrict(t *testing.T) {
	c := NewDrivingClassifier(5.0)

	_, changed := c.Evaluate(5.0, testPos, time.Now())
	assert.False(t, changed)
	assert.Equal(t, pkg.StateIdle, c.State())

	ev, changed := c.Evaluate(5.0001, testPos, time.Now())
	require.True(t, changed)
	assert.True(t, ev.IsDriving)
	assert.Equal(t, pkg.StateDriving, c.State())
}

func TestDrivingClassifier_EventCarriesObservation(t *testing.T) {
	c := NewDrivingClassifier(5.0)
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	ev, changed := c.Evaluate(12.5, testPos, at)
	require.True(t, changed)
	assert.Equal(t, pkg.StateTransitionEvent{
		IsDriving:    true,
		AverageSpeed: 12.5,
		Latitude:     31.95,
		Longitude:    34.75,
		Timestamp:    at,
	}, ev)
}

func TestDrivingClassifier_EventIffStateDiffers(t *testing.T) {
	c := NewDrivingClassifier(5.0)
	speeds := []float64{0, 7, 8, 9, 3, 2, 6, 6, 1, 0, 0, 10}

	for i, v := range speeds {
		before := c.State()
		ev, changed := c.Evaluate(v, testPos, time.Now())
		want := v > 5.0

		if want == (before == pkg.StateDriving) {
			assert.False(t, changed, "sample %d", i)
			assert.Equal(t, before, c.State(), "sample %d", i)
			continue
		}
		require.True(t, changed, "sample %d", i)
		assert.Equal(t, want, ev.IsDriving, "sample %d", i)
		assert.Equal(t, ev.State(), c.State(), "sample %d", i)
	}
}

func TestDrivingClassifier_RollingAverageSingleTransition(t *testing.T) {
	s := smoothing.NewSpeedSmoother(5)
	c := NewDrivingClassifier(5.0)

	var events []pkg.StateTransitionEvent
	var firedAt []int
	for i, v := range []float64{0, 0, 0, 6, 6, 6, 6, 6, 6, 6} {
		avg := s.Ingest(v)
		if ev, ok := c.Evaluate(avg, testPos, time.Now()); ok {
			events = append(events, ev)
			firedAt = append(firedAt, i)
		}
	}

	require.Len(t, events, 1, "exactly one transition expected")
	assert.True(t, events[0].IsDriving)
	// window [6,6,6,6,6] at index 7 is the first average above 5.0
	assert.Equal(t, []int{7}, firedAt)
	assert.InDelta(t, 6.0, events[0].AverageSpeed, 1e-9)
}

func TestDrivingClassifier_NoDebounceAtBoundary(t *testing.T) {
	s := smoothing.NewSpeedSmoother(1)
	c := NewDrivingClassifier(5.0)

	samples := []float64{5.1, 4.9, 5.1, 4.9}
	count := 0
	for i, v := range samples {
		ev, ok := c.Evaluate(s.Ingest(v), testPos, time.Now())
		require.True(t, ok, "sample %d should flip the state", i)
		assert.Equal(t, i%2 == 0, ev.IsDriving)
		count++
	}
	assert.Equal(t, len(samples), count)
}

func TestDrivingClassifier_Reset(t *testing.T) {
	c := NewDrivingClassifier(0)
	assert.Equal(t, DefaultThreshold, c.Threshold())

	c.Evaluate(20, testPos, time.Now())
	c.Reset()
	assert.Equal(t, pkg.StateIdle, c.State())
}
