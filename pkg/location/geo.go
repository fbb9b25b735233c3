package location

import (
	"math"
	"time"

	"github.com/markus-lassfolk/drivedetect/pkg"
)

const earthRadiusMeters = 6371000

// Distance returns the great-circle distance in meters between two positions
func Distance(a, b pkg.Position) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// UpdateGate applies a subscription's minimum interval and minimum distance.
// A fix passes when both bounds are met relative to the last delivered fix;
// the first fix always passes. Not safe for concurrent use.
type UpdateGate struct {
	minInterval time.Duration
	minDistance float64

	delivered bool
	lastTime  time.Time
	lastPos   pkg.Position
}

// NewUpdateGate creates a gate for one subscription
func NewUpdateGate(minInterval time.Duration, minDistance float64) *UpdateGate {
	return &UpdateGate{minInterval: minInterval, minDistance: minDistance}
}

// Allow reports whether sample should be delivered and records it if so
func (g *UpdateGate) Allow(sample pkg.LocationSample) bool {
	if g.delivered {
		if sample.Timestamp.Sub(g.lastTime) < g.minInterval {
			return false
		}
		if Distance(g.lastPos, sample.Position()) < g.minDistance {
			return false
		}
	}

	g.delivered = true
	g.lastTime = sample.Timestamp
	g.lastPos = sample.Position()
	return true
}
