// Package events delivers DrivingStatusChanged events to in-process listeners.
package events

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/markus-lassfolk/drivedetect/pkg"
	"github.com/markus-lassfolk/drivedetect/pkg/logx"
)

// Event is one entry on the DrivingStatusChanged stream
type Event struct {
	Name   string                   `json:"name"`
	Status pkg.DrivingStatus        `json:"status"`
	Source pkg.StateTransitionEvent `json:"source"`
}

// NewDrivingStatusChanged wraps a transition as a bus event
func NewDrivingStatusChanged(ev pkg.StateTransitionEvent) Event {
	return Event{
		Name:   pkg.EventDrivingStatusChanged,
		Status: ev.Status(),
		Source: ev,
	}
}

// Listener receives bus events. Errors are logged by the bus and never
// reach the publisher.
//
// HandleEvent runs on the publisher's goroutine. For driving status changes
// that is the location ingest goroutine, so a listener must not call
// Engine.Stop or Engine.Shutdown synchronously: Stop waits for that goroutine
// to exit and would deadlock. Hand such calls off to another goroutine.
type Listener interface {
	HandleEvent(Event) error
}

// ListenerFunc adapts a function to Listener. The bus identifies funcs by
// code pointer, so closures created from the same literal count as one listener.
type ListenerFunc func(Event) error

// HandleEvent calls f(ev)
func (f ListenerFunc) HandleEvent(ev Event) error {
	return f(ev)
}

// Bus publishes synchronously to listeners in registration order
type Bus struct {
	logger *logx.Logger

	mu        sync.RWMutex
	listeners []Listener
}

// NewBus creates an empty bus
func NewBus(logger *logx.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers l. Registering the same listener twice is a no-op.
func (b *Bus) Subscribe(l Listener) {
	if l == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.indexOf(l) >= 0 {
		return
	}
	b.listeners = append(b.listeners, l)
}

// Unsubscribe removes l. Removing an unknown listener is a no-op.
func (b *Bus) Unsubscribe(l Listener) {
	if l == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	i := b.indexOf(l)
	if i < 0 {
		return
	}
	next := make([]Listener, 0, len(b.listeners)-1)
	next = append(next, b.listeners[:i]...)
	b.listeners = append(next, b.listeners[i+1:]...)
}

// Len returns the number of registered listeners
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Publish delivers ev to every listener on the calling goroutine
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	listeners := b.listeners
	b.mu.RUnlock()

	for i, l := range listeners {
		if err := b.deliver(l, ev); err != nil {
			b.logger.Error("Event listener failed",
				"event", ev.Name,
				"listener", i,
				"error", err)
		}
	}
}

func (b *Bus) deliver(l Listener, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()
	return l.HandleEvent(ev)
}

func (b *Bus) indexOf(l Listener) int {
	for i, existing := range b.listeners {
		if sameListener(existing, l) {
			return i
		}
	}
	return -1
}

// sameListener compares listeners by identity; func values are compared by code pointer
func sameListener(a, b Listener) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}
	if va.Kind() == reflect.Func {
		return va.Pointer() == vb.Pointer()
	}
	if !va.Type().Comparable() {
		return false
	}
	return a == b
}
