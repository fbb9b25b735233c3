// Package detection is the control surface of the driving detector. It owns
// the location session and fans every transition out to the notification
// presenter, the event bus and the telemetry reporter.
package detection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/markus-lassfolk/drivedetect/pkg"
	"github.com/markus-lassfolk/drivedetect/pkg/events"
	"github.com/markus-lassfolk/drivedetect/pkg/location"
	"github.com/markus-lassfolk/drivedetect/pkg/logx"
	"github.com/markus-lassfolk/drivedetect/pkg/metrics"
	"github.com/markus-lassfolk/drivedetect/pkg/notifications"
)

// ErrPermissionDenied is returned by Start when location permission is missing
var ErrPermissionDenied = location.ErrPermissionDenied

// Synthetic status emitted by TestBroadcast
const (
	TestBroadcastSpeed     = 25.5
	TestBroadcastLatitude  = 31.95
	TestBroadcastLongitude = 34.75
)

// ActivationStore persists whether detection should run
type ActivationStore interface {
	SetActive(active bool) error
	IsActive() (bool, error)
}

// Reporter receives transitions for remote delivery. Report must not block.
type Reporter interface {
	Report(ev pkg.StateTransitionEvent)
}

// Options wires an Engine
type Options struct {
	Session    *location.Config
	Capability location.Capability
	Permission location.PermissionChecker
	Store      ActivationStore
	Presenter  notifications.Presenter
	Bus        *events.Bus
	Reporter   Reporter
	Logger     *logx.Logger
	Metrics    *metrics.Metrics
}

// Engine implements start/stop/isActive on top of a location session
type Engine struct {
	session  *location.Session
	store    ActivationStore
	notifier *notifications.Notifier
	bus      *events.Bus
	reporter Reporter
	logger   *logx.Logger

	mu sync.Mutex
}

// NewEngine creates a stopped engine
func NewEngine(opts Options) *Engine {
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus(opts.Logger)
	}

	e := &Engine{
		store:    opts.Store,
		notifier: notifications.NewNotifier(opts.Presenter, opts.Logger),
		bus:      bus,
		reporter: opts.Reporter,
		logger:   opts.Logger,
	}
	e.session = location.NewSession(opts.Session, opts.Capability, opts.Permission, e.onTransition, opts.Logger, opts.Metrics)
	return e
}

// Bus returns the event bus transitions are published on
func (e *Engine) Bus() *events.Bus {
	return e.bus
}

// Start begins detection and records the activation flag. Without location
// permission it returns ErrPermissionDenied and leaves the flag untouched.
// Starting a running engine only re-affirms the flag.
func (e *Engine) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	wasRunning := e.session.State() != location.Stopped
	if err := e.session.Start(); err != nil {
		return fmt.Errorf("failed to start detection: %w", err)
	}

	if err := e.store.SetActive(true); err != nil {
		if !wasRunning {
			e.session.Stop()
		}
		return fmt.Errorf("failed to start detection: %w", err)
	}

	if !wasRunning {
		e.notifier.Started()
		e.logger.Info("Driving detection started")
	}
	return nil
}

// Stop clears the activation flag and ends detection. Stopping a stopped
// engine is a no-op apart from the flag write.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.store.SetActive(false)
	if err != nil {
		e.logger.Error("Failed to clear activation flag", "error", err)
	}

	if e.session.State() != location.Stopped {
		e.session.Stop()
		e.logger.Info("Driving detection stopped")
	}

	if err != nil {
		return fmt.Errorf("failed to stop detection: %w", err)
	}
	return nil
}

// Shutdown ends detection without touching the activation flag, so the
// next boot resumes where this one left off
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session.Stop()
}

// IsActive reports whether the location session is running
func (e *Engine) IsActive() bool {
	return e.session.State() == location.Active
}

// HasLocationPermission reports whether fine location access is granted
func (e *Engine) HasLocationPermission() bool {
	return e.session.HasPermission()
}

// Stats returns the session counters
func (e *Engine) Stats() location.Stats {
	return e.session.Stats()
}

// TestBroadcast publishes a synthetic driving status on the bus. It does
// not change state and is not reported to telemetry.
func (e *Engine) TestBroadcast() events.Event {
	ev := events.NewDrivingStatusChanged(pkg.StateTransitionEvent{
		IsDriving:    true,
		AverageSpeed: TestBroadcastSpeed,
		Latitude:     TestBroadcastLatitude,
		Longitude:    TestBroadcastLongitude,
		Timestamp:    time.Now(),
	})
	e.logger.Debug("Test broadcast", "status", ev.Status)
	e.bus.Publish(ev)
	return ev
}

// onTransition runs on the session's ingest goroutine. Nothing it calls may
// stop the engine synchronously, see events.Listener.
func (e *Engine) onTransition(ev pkg.StateTransitionEvent) {
	e.notifier.Transition(ev)
	e.bus.Publish(events.NewDrivingStatusChanged(ev))
	if e.reporter != nil {
		e.reporter.Report(ev)
	}
}
