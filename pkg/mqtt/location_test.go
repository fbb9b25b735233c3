package mqtt

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/drivedetect/pkg"
	"github.com/markus-lassfolk/drivedetect/pkg/events"
	"github.com/markus-lassfolk/drivedetect/pkg/location"
)

type fakeTransport struct {
	mu           sync.Mutex
	connected    bool
	handlers     map[string]MessageHandler
	subscribeErr error
	published    map[string]interface{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		connected: true,
		handlers:  make(map[string]MessageHandler),
		published: make(map[string]interface{}),
	}
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Subscribe(topic string, handler MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.handlers[topic] = handler
	return nil
}

func (f *fakeTransport) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, topic)
	return nil
}

func (f *fakeTransport) Publish(topic string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[topic] = payload
	return nil
}

func (f *fakeTransport) deliver(topic, payload string) {
	f.mu.Lock()
	h := f.handlers[topic]
	f.mu.Unlock()
	if h != nil {
		h(topic, []byte(payload))
	}
}

func (f *fakeTransport) topics() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

type recordingListener struct {
	samples []pkg.LocationSample
	faults  []error
}

func (r *recordingListener) OnLocation(s pkg.LocationSample) { r.samples = append(r.samples, s) }
func (r *recordingListener) OnProviderError(_ pkg.ProviderID, err error) {
	r.faults = append(r.faults, err)
}

func TestDecodeFix(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	s, err := DecodeFix(pkg.ProviderGPS, []byte(`{"timestamp":"2024-05-01T09:59:58Z","latitude":31.95,"longitude":34.75,"speed":12.5}`), now)
	require.NoError(t, err)
	assert.Equal(t, pkg.ProviderGPS, s.Provider)
	assert.Equal(t, 31.95, s.Latitude)
	assert.Equal(t, 34.75, s.Longitude)
	require.True(t, s.HasSpeed())
	assert.Equal(t, 12.5, *s.Speed)
	assert.Equal(t, now.Add(-2*time.Second), s.Timestamp)

	s, err = DecodeFix(pkg.ProviderNetwork, []byte(`{"latitude":1,"longitude":2}`), now)
	require.NoError(t, err)
	assert.False(t, s.HasSpeed())
	assert.Equal(t, now, s.Timestamp)

	_, err = DecodeFix(pkg.ProviderGPS, []byte(`{"latitude":91,"longitude":0}`), now)
	assert.Error(t, err)
	_, err = DecodeFix(pkg.ProviderGPS, []byte(`{"latitude":0,"longitude":-181}`), now)
	assert.Error(t, err)
	_, err = DecodeFix(pkg.ProviderGPS, []byte(`not json`), now)
	assert.Error(t, err)
}

func TestLocationCapability_SubscribeAndGate(t *testing.T) {
	tr := newFakeTransport()
	c := newLocationCapability(tr, "drivedetect/", nil)
	l := &recordingListener{}

	require.NoError(t, c.Subscribe(pkg.ProviderGPS, 5*time.Second, 10, l))
	assert.Equal(t, 2, tr.topics())
	assert.Equal(t, "drivedetect/location/gps", c.FixTopic(pkg.ProviderGPS))

	tr.deliver("drivedetect/location/gps", `{"timestamp":"2024-05-01T10:00:00Z","latitude":31.95,"longitude":34.75,"speed":3}`)
	// 1 s later and ~0 m away: filtered
	tr.deliver("drivedetect/location/gps", `{"timestamp":"2024-05-01T10:00:01Z","latitude":31.95,"longitude":34.75,"speed":3}`)
	// 10 s later and ~111 m away: delivered
	tr.deliver("drivedetect/location/gps", `{"timestamp":"2024-05-01T10:00:10Z","latitude":31.951,"longitude":34.75,"speed":11}`)
	// invalid payload dropped
	tr.deliver("drivedetect/location/gps", `{"latitude":500}`)

	require.Len(t, l.samples, 2)
	assert.Equal(t, 11.0, *l.samples[1].Speed)

	// the status topic outlives the listener
	require.NoError(t, c.Unsubscribe(l))
	assert.Equal(t, 1, tr.topics())
}

func TestLocationCapability_NotConnected(t *testing.T) {
	tr := newFakeTransport()
	tr.connected = false
	c := newLocationCapability(tr, "drivedetect", nil)

	assert.False(t, c.ProviderEnabled(pkg.ProviderGPS))
	err := c.Subscribe(pkg.ProviderGPS, 0, 0, &recordingListener{})
	assert.ErrorIs(t, err, location.ErrProviderUnavailable)
}

func TestLocationCapability_SubscribeFailure(t *testing.T) {
	tr := newFakeTransport()
	tr.subscribeErr = errors.New("broker refused")
	c := newLocationCapability(tr, "drivedetect", nil)

	err := c.Subscribe(pkg.ProviderGPS, 0, 0, &recordingListener{})
	assert.ErrorIs(t, err, location.ErrProviderUnavailable)

	tr.subscribeErr = nil
	assert.NoError(t, c.Subscribe(pkg.ProviderGPS, 0, 0, &recordingListener{}))
}

func TestLocationCapability_ProviderStatus(t *testing.T) {
	tr := newFakeTransport()
	c := newLocationCapability(tr, "drivedetect", nil)
	l := &recordingListener{}
	require.NoError(t, c.Subscribe(pkg.ProviderGPS, 0, 0, l))

	tr.deliver("drivedetect/location/gps/status", `{"state":"disabled"}`)
	assert.False(t, c.ProviderEnabled(pkg.ProviderGPS))
	assert.True(t, c.ProviderEnabled(pkg.ProviderNetwork))
	require.Len(t, l.faults, 1)
	assert.ErrorIs(t, l.faults[0], location.ErrProviderUnavailable)

	tr.deliver("drivedetect/location/gps/status", `{"state":"enabled"}`)
	assert.True(t, c.ProviderEnabled(pkg.ProviderGPS))

	tr.deliver("drivedetect/location/gps/status", `{"state":"revoked"}`)
	require.Len(t, l.faults, 2)
	assert.ErrorIs(t, l.faults[1], location.ErrSecurityRevoked)
}

func TestLocationCapability_DisabledSurvivesResubscribe(t *testing.T) {
	tr := newFakeTransport()
	c := newLocationCapability(tr, "drivedetect", nil)
	first := &recordingListener{}
	require.NoError(t, c.Subscribe(pkg.ProviderGPS, 0, 0, first))

	tr.deliver("drivedetect/location/gps/status", `{"state":"disabled"}`)
	require.NoError(t, c.Unsubscribe(first))

	// a restarted session must still see the provider as disabled
	assert.False(t, c.ProviderEnabled(pkg.ProviderGPS))
	err := c.Subscribe(pkg.ProviderGPS, 0, 0, &recordingListener{})
	assert.ErrorIs(t, err, location.ErrProviderUnavailable)

	tr.deliver("drivedetect/location/gps/status", `{"state":"enabled"}`)
	assert.True(t, c.ProviderEnabled(pkg.ProviderGPS))
	assert.NoError(t, c.Subscribe(pkg.ProviderGPS, 0, 0, &recordingListener{}))
	assert.Equal(t, 2, tr.topics())
}

func TestEventPublisher(t *testing.T) {
	tr := newFakeTransport()
	p := &EventPublisher{publisher: tr, prefix: "drivedetect"}

	ev := events.NewDrivingStatusChanged(pkg.StateTransitionEvent{IsDriving: true, AverageSpeed: 7, Latitude: 1, Longitude: 2})
	require.NoError(t, p.HandleEvent(ev))

	got, ok := tr.published["drivedetect/events/DrivingStatusChanged"]
	require.True(t, ok)
	assert.Equal(t, pkg.DrivingStatus{IsDriving: true, Speed: 7, Latitude: 1, Longitude: 2}, got)

	tr.connected = false
	tr.published = make(map[string]interface{})
	require.NoError(t, p.HandleEvent(ev))
	assert.Empty(t, tr.published)
}
