// Package pkg holds the domain types shared by the driving detection packages.
package pkg

import (
	"fmt"
	"time"
)

// ProviderID names a source of location samples
type ProviderID string

const (
	ProviderGPS     ProviderID = "gps"
	ProviderNetwork ProviderID = "network"
)

// EventDrivingStatusChanged is the name of the event stream exposed to the host
const EventDrivingStatusChanged = "DrivingStatusChanged"

// LocationSample is one timestamped fix delivered by a provider.
// Speed is nil when the provider could not determine it.
type LocationSample struct {
	Timestamp time.Time  `json:"timestamp"`
	Latitude  float64    `json:"latitude"`
	Longitude float64    `json:"longitude"`
	Speed     *float64   `json:"speed,omitempty"` // m/s
	Provider  ProviderID `json:"provider"`
}

// HasSpeed reports whether the sample carries speed information
func (s LocationSample) HasSpeed() bool {
	return s.Speed != nil
}

// Position returns the coordinates of the sample
func (s LocationSample) Position() Position {
	return Position{Latitude: s.Latitude, Longitude: s.Longitude}
}

// Position is a WGS84 coordinate pair
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// DrivingState is the classification of the device
type DrivingState int

const (
	StateIdle DrivingState = iota
	StateDriving
)

func (s DrivingState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDriving:
		return "driving"
	default:
		return fmt.Sprintf("DrivingState(%d)", int(s))
	}
}

// StateTransitionEvent is created exactly once per confirmed classification flip
type StateTransitionEvent struct {
	IsDriving    bool      `json:"is_driving"`
	AverageSpeed float64   `json:"average_speed"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Timestamp    time.Time `json:"timestamp"`
}

// State returns the driving state the event transitioned into
func (e StateTransitionEvent) State() DrivingState {
	if e.IsDriving {
		return StateDriving
	}
	return StateIdle
}

// Status returns the payload delivered to the host and the telemetry endpoint
func (e StateTransitionEvent) Status() DrivingStatus {
	return DrivingStatus{
		IsDriving: e.IsDriving,
		Speed:     e.AverageSpeed,
		Latitude:  e.Latitude,
		Longitude: e.Longitude,
	}
}

// DrivingStatus is the wire shape of a DrivingStatusChanged event
type DrivingStatus struct {
	IsDriving bool    `json:"isDriving"`
	Speed     float64 `json:"speed"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}
