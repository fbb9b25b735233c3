// Package location runs the location ingest session: it subscribes to the
// device's location providers, serializes their samples onto one goroutine
// and feeds the speed smoother and driving classifier.
package location

import (
	"errors"
	"time"

	"github.com/markus-lassfolk/drivedetect/pkg"
)

var (
	// ErrPermissionDenied is returned by Start when fine location permission is missing
	ErrPermissionDenied = errors.New("location permission not granted")

	// ErrProviderUnavailable marks a provider that is disabled or cannot be subscribed
	ErrProviderUnavailable = errors.New("location provider unavailable")

	// ErrSecurityRevoked marks a permission revoked while tracking; it stops the session
	ErrSecurityRevoked = errors.New("location access revoked")
)

// Listener receives fixes and provider faults. Implementations may be
// called from any goroutine.
type Listener interface {
	OnLocation(sample pkg.LocationSample)
	OnProviderError(provider pkg.ProviderID, err error)
}

// Capability is the device location service
type Capability interface {
	// ProviderEnabled reports whether the provider can currently deliver fixes
	ProviderEnabled(provider pkg.ProviderID) bool

	// Subscribe requests fixes from provider no more often than minInterval
	// and only after moving at least minDistance meters
	Subscribe(provider pkg.ProviderID, minInterval time.Duration, minDistance float64, l Listener) error

	// Unsubscribe removes l from every provider it was subscribed to
	Unsubscribe(l Listener) error
}

// PermissionChecker reports whether fine-grained location access is granted
type PermissionChecker interface {
	HasFineLocation() bool
}

// PermissionFunc adapts a function to PermissionChecker
type PermissionFunc func() bool

// HasFineLocation calls f()
func (f PermissionFunc) HasFineLocation() bool {
	return f()
}

// StaticPermission is a PermissionChecker with a fixed answer
type StaticPermission bool

// HasFineLocation returns the fixed answer
func (p StaticPermission) HasFineLocation() bool {
	return bool(p)
}
