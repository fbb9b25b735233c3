package telem

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/drivedetect/pkg"
	"github.com/markus-lassfolk/drivedetect/pkg/events"
)

func event(at time.Time, driving bool) events.Event {
	return events.NewDrivingStatusChanged(pkg.StateTransitionEvent{IsDriving: driving, AverageSpeed: 6, Timestamp: at})
}

func TestNewStore_Validation(t *testing.T) {
	_, err := NewStore(0, time.Hour)
	assert.Error(t, err)
	_, err = NewStore(10, time.Second)
	assert.Error(t, err)
	_, err = NewStore(10, time.Hour)
	assert.NoError(t, err)
}

func TestRingBuffer_Overwrite(t *testing.T) {
	rb := NewRingBuffer(3)
	base := time.Now()
	for i := 0; i < 5; i++ {
		rb.Add(Record{Timestamp: base.Add(time.Duration(i) * time.Second)})
	}

	assert.Equal(t, 3, rb.Size())
	assert.Equal(t, 3, rb.Capacity())

	got := rb.GetSince(time.Time{})
	require.Len(t, got, 3)
	assert.Equal(t, base.Add(2*time.Second), got[0].Timestamp)
	assert.Equal(t, base.Add(4*time.Second), got[2].Timestamp)

	assert.Len(t, rb.GetSince(base.Add(3*time.Second)), 2)
}

func TestStore_RecordsBusEvents(t *testing.T) {
	s, err := NewStore(100, time.Hour)
	require.NoError(t, err)

	bus := events.NewBus(nil)
	bus.Subscribe(s)

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	bus.Publish(event(base, true))
	bus.Publish(event(base.Add(time.Minute), false))
	bus.Publish(event(base.Add(2*time.Minute), true))

	assert.Equal(t, 3, s.Size())

	all := s.GetEvents(time.Time{}, 0)
	require.Len(t, all, 3)
	assert.Equal(t, pkg.EventDrivingStatusChanged, all[0].Name)
	assert.True(t, all[0].Status.IsDriving)

	last := s.GetEvents(time.Time{}, 2)
	require.Len(t, last, 2)
	assert.False(t, last[0].Status.IsDriving)
	assert.Equal(t, base.Add(2*time.Minute), last[1].Timestamp)
}

func TestStore_Cleanup(t *testing.T) {
	s, err := NewStore(100, time.Hour)
	require.NoError(t, err)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.HandleEvent(event(now.Add(-3*time.Hour), true)))
	require.NoError(t, s.HandleEvent(event(now.Add(-2*time.Hour), false)))
	require.NoError(t, s.HandleEvent(event(now.Add(-time.Minute), true)))

	assert.Equal(t, 2, s.Cleanup())
	assert.Equal(t, 1, s.Size())

	// events without a timestamp are stamped on arrival
	require.NoError(t, s.HandleEvent(events.Event{Name: "x"}))
	got := s.GetEvents(time.Time{}, 0)
	require.Len(t, got, 2)
	assert.Equal(t, now, got[1].Timestamp)
}
