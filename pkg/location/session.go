package location

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/markus-lassfolk/drivedetect/pkg"
	"github.com/markus-lassfolk/drivedetect/pkg/classifier"
	"github.com/markus-lassfolk/drivedetect/pkg/logx"
	"github.com/markus-lassfolk/drivedetect/pkg/metrics"
	"github.com/markus-lassfolk/drivedetect/pkg/smoothing"
)

// SessionState is the lifecycle state of a Session
type SessionState int32

const (
	Stopped SessionState = iota
	Starting
	Active
)

func (s SessionState) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Active:
		return "active"
	default:
		return fmt.Sprintf("SessionState(%d)", int32(s))
	}
}

// Config holds the ingest session parameters
type Config struct {
	Providers       []pkg.ProviderID `json:"providers"`
	MinInterval     time.Duration    `json:"min_interval"`
	MinDistance     float64          `json:"min_distance"` // meters
	WindowSize      int              `json:"window_size"`
	SpeedThreshold  float64          `json:"speed_threshold"` // m/s
	ProviderRecheck time.Duration    `json:"provider_recheck"`
	QueueSize       int              `json:"queue_size"`
}

// DefaultConfig returns the default session configuration
func DefaultConfig() *Config {
	return &Config{
		Providers:       []pkg.ProviderID{pkg.ProviderGPS, pkg.ProviderNetwork},
		MinInterval:     5 * time.Second,
		MinDistance:     10,
		WindowSize:      smoothing.DefaultWindowSize,
		SpeedThreshold:  classifier.DefaultThreshold,
		ProviderRecheck: 30 * time.Second,
		QueueSize:       64,
	}
}

// TransitionHandler receives every classification flip on the ingest goroutine
type TransitionHandler func(pkg.StateTransitionEvent)

// Stats is a snapshot of session counters
type Stats struct {
	State            SessionState     `json:"-"`
	StateName        string           `json:"state"`
	Degraded         bool             `json:"degraded"`
	Providers        []pkg.ProviderID `json:"providers"`
	SamplesReceived  uint64           `json:"samples_received"`
	SamplesDiscarded uint64           `json:"samples_discarded"`
	Transitions      uint64           `json:"transitions"`
	Driving          bool             `json:"driving"`
	AverageSpeed     float64          `json:"average_speed"`
}

type providerFault struct {
	provider pkg.ProviderID
	err      error
}

// sessionListener is created per run so callbacks from a previous run
// never reach a newer one
type sessionListener struct {
	samples chan pkg.LocationSample
	faults  chan providerFault
	done    <-chan struct{}
}

func (l *sessionListener) OnLocation(sample pkg.LocationSample) {
	select {
	case l.samples <- sample:
	case <-l.done:
	}
}

func (l *sessionListener) OnProviderError(provider pkg.ProviderID, err error) {
	select {
	case l.faults <- providerFault{provider: provider, err: err}:
	case <-l.done:
	}
}

// Session owns provider subscriptions and the smoother/classifier chain.
//
// Start and Stop are mutually exclusive and idempotent. Samples from all
// providers are funneled through one channel into a single goroutine, which
// is the only writer of the speed window and the driving state while the
// session runs.
type Session struct {
	config       *Config
	capability   Capability
	permission   PermissionChecker
	logger       *logx.Logger
	metrics      *metrics.Metrics
	onTransition TransitionHandler

	smoother   *smoothing.SpeedSmoother
	classifier *classifier.DrivingClassifier

	mu         sync.Mutex // serializes Start/Stop
	state      atomic.Int32
	generation uint64
	cancel     context.CancelFunc
	done       chan struct{}
	listener   *sessionListener

	provMu     sync.RWMutex
	subscribed map[pkg.ProviderID]bool

	received    atomic.Uint64
	discarded   atomic.Uint64
	transitions atomic.Uint64
	driving     atomic.Bool
	avgBits     atomic.Uint64
}

// NewSession creates a stopped session
func NewSession(config *Config, capability Capability, permission PermissionChecker, onTransition TransitionHandler, logger *logx.Logger, m *metrics.Metrics) *Session {
	if config == nil {
		config = DefaultConfig()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	if config.ProviderRecheck <= 0 {
		config.ProviderRecheck = 30 * time.Second
	}
	if onTransition == nil {
		onTransition = func(pkg.StateTransitionEvent) {}
	}

	return &Session{
		config:       config,
		capability:   capability,
		permission:   permission,
		logger:       logger,
		metrics:      m,
		onTransition: onTransition,
		smoother:     smoothing.NewSpeedSmoother(config.WindowSize),
		classifier:   classifier.NewDrivingClassifier(config.SpeedThreshold),
		subscribed:   make(map[pkg.ProviderID]bool),
	}
}

// State returns the current lifecycle state
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// HasPermission reports whether the fine location permission is granted
func (s *Session) HasPermission() bool {
	return s.permission != nil && s.permission.HasFineLocation()
}

// Start subscribes to the configured providers and begins ingesting.
// Starting a session that is not Stopped is a no-op.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != Stopped {
		s.logger.Debug("Session already running", "state", s.State().String())
		return nil
	}

	if !s.HasPermission() {
		s.logger.Error("No location permission, not starting session")
		return ErrPermissionDenied
	}

	s.setState(Starting, "start requested")

	ctx, cancel := context.WithCancel(context.Background())
	l := &sessionListener{
		samples: make(chan pkg.LocationSample, s.config.QueueSize),
		faults:  make(chan providerFault, len(s.config.Providers)+1),
		done:    ctx.Done(),
	}

	if err := s.subscribeMissing(ctx, l); err != nil {
		cancel()
		s.unsubscribe(l)
		s.setState(Stopped, "subscribe failed")
		return err
	}

	s.generation++
	s.cancel = cancel
	s.listener = l
	s.done = make(chan struct{})

	s.setState(Active, "providers subscribed")
	s.metrics.SessionActive(true)
	if s.subscribedCount() == 0 {
		s.logger.Warn("No location providers available, running degraded",
			"providers", s.config.Providers,
			"recheck", s.config.ProviderRecheck.String())
	}

	go s.run(ctx, s.generation, l, s.done)
	return nil
}

// Stop unsubscribes all providers and clears the smoothing window.
// Stopping a stopped session is a no-op.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == Stopped {
		return
	}
	s.stopLocked("stop requested")
}

func (s *Session) stopLocked(reason string) {
	s.cancel()
	<-s.done

	s.unsubscribe(s.listener)
	s.smoother.Clear()
	s.classifier.Reset()
	s.driving.Store(false)
	s.avgBits.Store(0)

	s.listener = nil
	s.cancel = nil
	s.setState(Stopped, reason)
	s.metrics.SessionActive(false)
}

// stopRevoked tears the session down after the ingest goroutine exited on
// a security failure, unless a newer run has replaced it meanwhile
func (s *Session) stopRevoked(generation uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generation != generation || s.State() == Stopped {
		return
	}
	s.logger.Error("Location access revoked, stopping session", "error", err)
	s.stopLocked("security revoked")
}

func (s *Session) setState(next SessionState, reason string) {
	prev := SessionState(s.state.Swap(int32(next)))
	if prev != next {
		s.logger.LogStateChange("location_session", prev.String(), next.String(), reason, nil)
	}
}

// run is the single consumer of the ingestion channel. Provider rechecks
// happen on their own goroutine so a slow Subscribe never stalls ingestion
// or Stop.
func (s *Session) run(ctx context.Context, generation uint64, l *sessionListener, done chan struct{}) {
	defer close(done)

	revoked := make(chan error, 1)
	go s.recheck(ctx, l, revoked)

	for {
		select {
		case <-ctx.Done():
			return

		case sample := <-l.samples:
			s.ingest(sample)

		case fault := <-l.faults:
			if errors.Is(fault.err, ErrSecurityRevoked) {
				go s.stopRevoked(generation, fault.err)
				return
			}
			s.markUnsubscribed(fault.provider)
			s.logger.Warn("Location provider fault",
				"provider", string(fault.provider),
				"error", fault.err)

		case err := <-revoked:
			go s.stopRevoked(generation, err)
			return
		}
	}
}

// recheck periodically subscribes providers that are missing. Stop does not
// wait for it; a Subscribe that completes after the run ended is rolled
// back by subscribeMissing.
func (s *Session) recheck(ctx context.Context, l *sessionListener, revoked chan<- error) {
	ticker := time.NewTicker(s.config.ProviderRecheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.subscribeMissing(ctx, l); err != nil {
				select {
				case revoked <- err:
				case <-ctx.Done():
				}
				return
			}
		}
	}
}

func (s *Session) ingest(sample pkg.LocationSample) {
	s.received.Add(1)
	s.metrics.SampleReceived(string(sample.Provider))

	if !sample.HasSpeed() {
		s.discarded.Add(1)
		s.metrics.SampleDiscarded("no_speed")
		s.logger.Debug("Location update without speed information", "provider", string(sample.Provider))
		return
	}

	avg := s.smoother.Ingest(*sample.Speed)
	s.avgBits.Store(math.Float64bits(avg))
	s.metrics.SmoothedSpeed(avg)

	at := sample.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	s.logger.Trace("Speed sample",
		"provider", string(sample.Provider),
		"speed", *sample.Speed,
		"average", avg)

	ev, changed := s.classifier.Evaluate(avg, sample.Position(), at)
	if !changed {
		return
	}

	s.transitions.Add(1)
	s.driving.Store(ev.IsDriving)
	s.metrics.Transition(ev.IsDriving)
	s.logger.Info("Driving status changed",
		"is_driving", ev.IsDriving,
		"average_speed", avg,
		"latitude", ev.Latitude,
		"longitude", ev.Longitude)

	s.onTransition(ev)
}

// subscribeMissing subscribes every enabled provider that is not yet
// subscribed. Only a security failure is returned; anything else leaves
// the provider for the next recheck.
func (s *Session) subscribeMissing(ctx context.Context, l *sessionListener) error {
	for _, id := range s.config.Providers {
		if ctx.Err() != nil {
			return nil
		}
		if s.isSubscribed(id) {
			continue
		}

		if !s.capability.ProviderEnabled(id) {
			s.logger.Debug("Location provider disabled", "provider", string(id), "error", ErrProviderUnavailable)
			continue
		}

		err := s.capability.Subscribe(id, s.config.MinInterval, s.config.MinDistance, l)
		if ctx.Err() != nil {
			// the run ended while the request was in flight
			if err == nil {
				if uerr := s.capability.Unsubscribe(l); uerr != nil {
					s.logger.Warn("Failed to remove stale location updates", "provider", string(id), "error", uerr)
				}
			}
			return nil
		}
		if errors.Is(err, ErrSecurityRevoked) {
			s.logger.Error("Security failure subscribing to provider", "provider", string(id), "error", err)
			return fmt.Errorf("subscribe %s: %w", id, err)
		}
		if err != nil {
			s.logger.Warn("Failed to subscribe to location provider", "provider", string(id), "error", err)
			continue
		}

		s.provMu.Lock()
		if ctx.Err() != nil {
			s.provMu.Unlock()
			continue
		}
		s.subscribed[id] = true
		n := len(s.subscribed)
		s.provMu.Unlock()

		s.metrics.ProvidersSubscribed(n)
		s.logger.Info("Location updates requested",
			"provider", string(id),
			"min_interval", s.config.MinInterval.String(),
			"min_distance_m", s.config.MinDistance)
	}
	return nil
}

func (s *Session) unsubscribe(l *sessionListener) {
	if l != nil {
		if err := s.capability.Unsubscribe(l); err != nil {
			s.logger.Warn("Failed to remove location updates", "error", err)
		}
	}

	s.provMu.Lock()
	s.subscribed = make(map[pkg.ProviderID]bool)
	s.provMu.Unlock()
}

func (s *Session) isSubscribed(id pkg.ProviderID) bool {
	s.provMu.RLock()
	defer s.provMu.RUnlock()
	return s.subscribed[id]
}

func (s *Session) markUnsubscribed(id pkg.ProviderID) {
	s.provMu.Lock()
	delete(s.subscribed, id)
	n := len(s.subscribed)
	s.provMu.Unlock()
	s.metrics.ProvidersSubscribed(n)
}

func (s *Session) subscribedCount() int {
	s.provMu.RLock()
	defer s.provMu.RUnlock()
	return len(s.subscribed)
}

// Stats returns a snapshot of the session counters
func (s *Session) Stats() Stats {
	s.provMu.RLock()
	providers := make([]pkg.ProviderID, 0, len(s.subscribed))
	for id := range s.subscribed {
		providers = append(providers, id)
	}
	s.provMu.RUnlock()
	sort.Slice(providers, func(i, j int) bool { return providers[i] < providers[j] })

	state := s.State()
	return Stats{
		State:            state,
		StateName:        state.String(),
		Degraded:         state == Active && len(providers) == 0,
		Providers:        providers,
		SamplesReceived:  s.received.Load(),
		SamplesDiscarded: s.discarded.Load(),
		Transitions:      s.transitions.Load(),
		Driving:          s.driving.Load(),
		AverageSpeed:     math.Float64frombits(s.avgBits.Load()),
	}
}
