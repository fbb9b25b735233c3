package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/drivedetect/pkg/detection"
)

type fakeController struct {
	mu        sync.Mutex
	startErrs []error
	starts    int
	active    bool
	shutdowns int
}

func (c *fakeController) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	if len(c.startErrs) > 0 {
		err := c.startErrs[0]
		c.startErrs = c.startErrs[1:]
		if err != nil {
			return err
		}
	}
	c.active = true
	return nil
}

func (c *fakeController) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdowns++
	c.active = false
}

func (c *fakeController) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *fakeController) startCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts
}

type flag struct {
	active bool
	err    error
}

func (f flag) IsActive() (bool, error) { return f.active, f.err }

func TestSupervisor_ResumeWhenFlagSet(t *testing.T) {
	c := &fakeController{}
	s := NewSupervisor(c, flag{active: true}, 0, nil)

	running, err := s.Resume(context.Background())
	require.NoError(t, err)
	assert.True(t, running)
	assert.Equal(t, 1, c.startCount())
}

func TestSupervisor_IdleWhenFlagUnset(t *testing.T) {
	c := &fakeController{}
	s := NewSupervisor(c, flag{active: false}, 0, nil)

	running, err := s.Resume(context.Background())
	require.NoError(t, err)
	assert.False(t, running)
	assert.Equal(t, 0, c.startCount())
}

func TestSupervisor_FlagReadError(t *testing.T) {
	c := &fakeController{}
	s := NewSupervisor(c, flag{err: errors.New("db locked")}, 0, nil)

	running, err := s.Resume(context.Background())
	assert.Error(t, err)
	assert.False(t, running)
	assert.Equal(t, 0, c.startCount())
}

func TestSupervisor_RunShutsDownOnCancel(t *testing.T) {
	c := &fakeController{}
	s := NewSupervisor(c, flag{active: true}, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, c.IsActive, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, c.IsActive())
	assert.Equal(t, 1, c.shutdowns)
}

func TestSupervisor_RetriesUntilPermissionGranted(t *testing.T) {
	c := &fakeController{startErrs: []error{detection.ErrPermissionDenied, detection.ErrPermissionDenied}}
	s := NewSupervisor(c, flag{active: true}, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx) //nolint:errcheck

	assert.Eventually(t, c.IsActive, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, c.startCount())
}
