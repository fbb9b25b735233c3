// Package classifier turns smoothed speed into driving/idle transitions.
package classifier

import (
	"time"

	"github.com/markus-lassfolk/drivedetect/pkg"
)

// DefaultThreshold is the average speed (m/s) above which the device is driving
const DefaultThreshold = 5.0

// DrivingClassifier holds the current DrivingState and reports flips.
//
// The classifier applies no debounce of its own: the only smoothing is the
// upstream speed window, so an average oscillating around the threshold
// produces a transition on every flip.
type DrivingClassifier struct {
	threshold float64
	state     pkg.DrivingState
}

// NewDrivingClassifier creates a classifier starting in StateIdle
func NewDrivingClassifier(threshold float64) *DrivingClassifier {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &DrivingClassifier{
		threshold: threshold,
		state:     pkg.StateIdle,
	}
}

// Evaluate classifies averageSpeed and returns a transition event when the
// classification differs from the current state. The state is updated
// exactly when an event is returned.
func (c *DrivingClassifier) Evaluate(averageSpeed float64, pos pkg.Position, at time.Time) (pkg.StateTransitionEvent, bool) {
	next := pkg.StateIdle
	if averageSpeed > c.threshold {
		next = pkg.StateDriving
	}

	if next == c.state {
		return pkg.StateTransitionEvent{}, false
	}

	c.state = next
	return pkg.StateTransitionEvent{
		IsDriving:    next == pkg.StateDriving,
		AverageSpeed: averageSpeed,
		Latitude:     pos.Latitude,
		Longitude:    pos.Longitude,
		Timestamp:    at,
	}, true
}

// State returns the current classification
func (c *DrivingClassifier) State() pkg.DrivingState {
	return c.state
}

// Threshold returns the configured speed threshold
func (c *DrivingClassifier) Threshold() float64 {
	return c.threshold
}

// Reset returns the classifier to StateIdle without emitting an event
func (c *DrivingClassifier) Reset() {
	c.state = pkg.StateIdle
}
