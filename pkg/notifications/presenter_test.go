package notifications

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/drivedetect/pkg"
	"github.com/markus-lassfolk/drivedetect/pkg/logx"
)

type fakePresenter struct {
	presented []string
	updates   []string
	err       error
	panic     bool
}

func (f *fakePresenter) Present(title, body string) error {
	if f.panic {
		panic("no notification permission")
	}
	f.presented = append(f.presented, title+"|"+body)
	return f.err
}

func (f *fakePresenter) UpdateOngoing(body string) error {
	if f.panic {
		panic("no notification permission")
	}
	f.updates = append(f.updates, body)
	return f.err
}

func TestNotifier_StartedAndTransitions(t *testing.T) {
	p := &fakePresenter{}
	n := NewNotifier(p, nil)

	n.Started()
	n.Transition(pkg.StateTransitionEvent{IsDriving: true})
	n.Transition(pkg.StateTransitionEvent{IsDriving: false})

	assert.Equal(t, []string{TitleMonitoring + "|" + BodyStarted}, p.presented)
	assert.Equal(t, []string{BodyDriving, BodyIdle}, p.updates)
}

func TestNotifier_FailuresAreSwallowed(t *testing.T) {
	var buf bytes.Buffer
	logger := logx.NewLogger("debug", "test")
	logger.SetOutput(&buf)

	n := NewNotifier(&fakePresenter{err: errors.New("permission missing")}, logger)
	assert.NotPanics(t, n.Started)
	assert.Contains(t, buf.String(), "permission missing")

	buf.Reset()
	n = NewNotifier(&fakePresenter{panic: true}, logger)
	assert.NotPanics(t, func() { n.Transition(pkg.StateTransitionEvent{IsDriving: true}) })
	assert.Contains(t, buf.String(), "presenter panicked")
}

func TestNotifier_NilPresenter(t *testing.T) {
	var n *Notifier
	assert.NotPanics(t, n.Started)
	assert.NotPanics(t, func() { NewNotifier(nil, nil).Transition(pkg.StateTransitionEvent{}) })
}

func TestStatusFilePresenter_WritesCurrentState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "status.json")
	p := NewStatusFilePresenter(path)
	p.now = func() time.Time { return time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC) }

	require.NoError(t, p.Present(TitleMonitoring, BodyStarted))
	sf, err := p.Read()
	require.NoError(t, err)
	assert.Equal(t, TitleMonitoring, sf.Title)
	assert.Equal(t, BodyStarted, sf.Body)
	assert.True(t, sf.Ongoing)
	assert.Equal(t, "2026-05-04T10:00:00Z", sf.UpdatedAt)

	require.NoError(t, p.UpdateOngoing(BodyDriving))
	sf, err = p.Read()
	require.NoError(t, err)
	assert.Equal(t, TitleMonitoring, sf.Title)
	assert.Equal(t, BodyDriving, sf.Body)
}

func TestMultiPresenter_ContinuesPastFailures(t *testing.T) {
	bad := &fakePresenter{err: errors.New("down")}
	good := &fakePresenter{}

	err := MultiPresenter{bad, good}.UpdateOngoing(BodyIdle)
	assert.ErrorContains(t, err, "down")
	assert.Equal(t, []string{BodyIdle}, good.updates)
}

func TestBodyFor(t *testing.T) {
	assert.Equal(t, BodyDriving, BodyFor(pkg.StateDriving))
	assert.Equal(t, BodyIdle, BodyFor(pkg.StateIdle))
}
