package mqtt

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/markus-lassfolk/drivedetect/pkg"
	"github.com/markus-lassfolk/drivedetect/pkg/location"
	"github.com/markus-lassfolk/drivedetect/pkg/logx"
)

// Provider states announced on <prefix>/location/<provider>/status
const (
	ProviderStateEnabled  = "enabled"
	ProviderStateDisabled = "disabled"
	ProviderStateRevoked  = "revoked"
)

// FixMessage is the JSON payload of <prefix>/location/<provider>
type FixMessage struct {
	Timestamp time.Time `json:"timestamp"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Speed     *float64  `json:"speed,omitempty"` // m/s
	Accuracy  *float64  `json:"accuracy,omitempty"`
}

// StatusMessage is the JSON payload of <prefix>/location/<provider>/status
type StatusMessage struct {
	State string `json:"state"`
}

type transport interface {
	IsConnected() bool
	Subscribe(topic string, handler MessageHandler) error
	Unsubscribe(topic string) error
}

type subscription struct {
	listener location.Listener
	gate     *location.UpdateGate
}

// LocationCapability implements location.Capability over MQTT topics fed by
// the host's positioning service
type LocationCapability struct {
	transport transport
	prefix    string
	logger    *logx.Logger
	now       func() time.Time

	mu       sync.Mutex
	disabled map[pkg.ProviderID]bool
	watched  map[pkg.ProviderID]bool // status topic subscribed
	subs     map[pkg.ProviderID][]*subscription
}

// NewLocationCapability creates a capability on top of client
func NewLocationCapability(client *Client, logger *logx.Logger) *LocationCapability {
	c := newLocationCapability(client, client.TopicPrefix(), logger)
	client.OnConnect(c.resubscribe)
	return c
}

func newLocationCapability(t transport, prefix string, logger *logx.Logger) *LocationCapability {
	return &LocationCapability{
		transport: t,
		prefix:    strings.TrimSuffix(prefix, "/"),
		logger:    logger,
		now:       time.Now,
		disabled:  make(map[pkg.ProviderID]bool),
		watched:   make(map[pkg.ProviderID]bool),
		subs:      make(map[pkg.ProviderID][]*subscription),
	}
}

// FixTopic returns the topic fixes of provider are read from
func (c *LocationCapability) FixTopic(provider pkg.ProviderID) string {
	return fmt.Sprintf("%s/location/%s", c.prefix, provider)
}

// StatusTopic returns the topic provider state changes are read from
func (c *LocationCapability) StatusTopic(provider pkg.ProviderID) string {
	return c.FixTopic(provider) + "/status"
}

// ProviderEnabled reports whether the broker is reachable and the provider
// has not announced itself disabled
func (c *LocationCapability) ProviderEnabled(provider pkg.ProviderID) bool {
	if !c.transport.IsConnected() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.disabled[provider]
}

// Subscribe attaches l to provider, filtered by minInterval and minDistance.
// The provider's status topic stays subscribed once watched, so a provider
// that announced itself disabled stays disabled across listener churn.
func (c *LocationCapability) Subscribe(provider pkg.ProviderID, minInterval time.Duration, minDistance float64, l location.Listener) error {
	if !c.ProviderEnabled(provider) {
		return fmt.Errorf("provider %s: %w", provider, location.ErrProviderUnavailable)
	}

	c.mu.Lock()
	first := len(c.subs[provider]) == 0
	for _, sub := range c.subs[provider] {
		if sub.listener == l {
			c.mu.Unlock()
			return nil
		}
	}
	c.subs[provider] = append(c.subs[provider], &subscription{
		listener: l,
		gate:     location.NewUpdateGate(minInterval, minDistance),
	})
	watch := !c.watched[provider]
	c.mu.Unlock()

	if watch {
		if err := c.subscribeStatus(provider); err != nil {
			c.remove(provider, l)
			return fmt.Errorf("provider %s: %w: %v", provider, location.ErrProviderUnavailable, err)
		}
		c.mu.Lock()
		c.watched[provider] = true
		c.mu.Unlock()
	}

	if !first {
		return nil
	}

	if err := c.subscribeFix(provider); err != nil {
		c.remove(provider, l)
		return fmt.Errorf("provider %s: %w: %v", provider, location.ErrProviderUnavailable, err)
	}
	return nil
}

// Unsubscribe detaches l from every provider
func (c *LocationCapability) Unsubscribe(l location.Listener) error {
	c.mu.Lock()
	var idle []pkg.ProviderID
	for provider := range c.subs {
		if c.removeLocked(provider, l) && len(c.subs[provider]) == 0 {
			idle = append(idle, provider)
		}
	}
	c.mu.Unlock()

	var firstErr error
	for _, provider := range idle {
		if err := c.transport.Unsubscribe(c.FixTopic(provider)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *LocationCapability) subscribeFix(provider pkg.ProviderID) error {
	return c.transport.Subscribe(c.FixTopic(provider), func(_ string, payload []byte) {
		c.handleFix(provider, payload)
	})
}

func (c *LocationCapability) subscribeStatus(provider pkg.ProviderID) error {
	return c.transport.Subscribe(c.StatusTopic(provider), func(_ string, payload []byte) {
		c.handleStatus(provider, payload)
	})
}

// resubscribe restores broker subscriptions after a reconnect
func (c *LocationCapability) resubscribe() {
	c.mu.Lock()
	var watched, active []pkg.ProviderID
	for provider := range c.watched {
		watched = append(watched, provider)
	}
	for provider, subs := range c.subs {
		if len(subs) > 0 {
			active = append(active, provider)
		}
	}
	c.mu.Unlock()

	for _, provider := range watched {
		if err := c.subscribeStatus(provider); err != nil {
			c.logger.Warn("Failed to restore provider status subscription", "provider", string(provider), "error", err)
		}
	}
	for _, provider := range active {
		if err := c.subscribeFix(provider); err != nil {
			c.logger.Warn("Failed to restore location subscription", "provider", string(provider), "error", err)
		}
	}
}

func (c *LocationCapability) remove(provider pkg.ProviderID, l location.Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(provider, l)
}

func (c *LocationCapability) removeLocked(provider pkg.ProviderID, l location.Listener) bool {
	subs := c.subs[provider]
	for i, sub := range subs {
		if sub.listener == l {
			c.subs[provider] = append(subs[:i:i], subs[i+1:]...)
			return true
		}
	}
	return false
}

// DecodeFix parses a fix payload into a sample for provider
func DecodeFix(provider pkg.ProviderID, payload []byte, now time.Time) (pkg.LocationSample, error) {
	var msg FixMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return pkg.LocationSample{}, fmt.Errorf("invalid fix payload: %w", err)
	}

	if math.IsNaN(msg.Latitude) || msg.Latitude < -90 || msg.Latitude > 90 {
		return pkg.LocationSample{}, fmt.Errorf("latitude out of range: %v", msg.Latitude)
	}
	if math.IsNaN(msg.Longitude) || msg.Longitude < -180 || msg.Longitude > 180 {
		return pkg.LocationSample{}, fmt.Errorf("longitude out of range: %v", msg.Longitude)
	}
	if msg.Speed != nil && (math.IsNaN(*msg.Speed) || math.IsInf(*msg.Speed, 0)) {
		msg.Speed = nil
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = now
	}

	return pkg.LocationSample{
		Timestamp: ts,
		Latitude:  msg.Latitude,
		Longitude: msg.Longitude,
		Speed:     msg.Speed,
		Provider:  provider,
	}, nil
}

func (c *LocationCapability) handleFix(provider pkg.ProviderID, payload []byte) {
	sample, err := DecodeFix(provider, payload, c.now())
	if err != nil {
		c.logger.Warn("Dropping location fix", "provider", string(provider), "error", err)
		return
	}

	c.mu.Lock()
	var deliver []location.Listener
	for _, sub := range c.subs[provider] {
		if sub.gate.Allow(sample) {
			deliver = append(deliver, sub.listener)
		}
	}
	c.mu.Unlock()

	for _, l := range deliver {
		l.OnLocation(sample)
	}
}

func (c *LocationCapability) handleStatus(provider pkg.ProviderID, payload []byte) {
	var msg StatusMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.logger.Warn("Invalid provider status", "provider", string(provider), "error", err)
		return
	}

	var fault error
	c.mu.Lock()
	switch msg.State {
	case ProviderStateEnabled:
		delete(c.disabled, provider)
	case ProviderStateDisabled:
		c.disabled[provider] = true
		fault = location.ErrProviderUnavailable
	case ProviderStateRevoked:
		c.disabled[provider] = true
		fault = location.ErrSecurityRevoked
	default:
		c.mu.Unlock()
		c.logger.Warn("Unknown provider state", "provider", string(provider), "state", msg.State)
		return
	}

	var notify []location.Listener
	if fault != nil {
		for _, sub := range c.subs[provider] {
			notify = append(notify, sub.listener)
		}
	}
	c.mu.Unlock()

	c.logger.Info("Location provider state changed", "provider", string(provider), "state", msg.State)
	for _, l := range notify {
		l.OnProviderError(provider, fault)
	}
}
