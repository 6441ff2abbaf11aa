// Package physics converts station geometry and transporter kinematics into
// movement durations. All functions are pure; results are in seconds.
package physics

import (
	"math"

	"github.com/kilianp07/hoistsched/core/model"
)

// VerticalTime is the time for a full vertical stroke at a station of the
// given type. The stroke is slow through the station slow zone, fast in the
// middle and slow again through the end zone. When the slow zones cover the
// whole stroke it is travelled at slow speed only.
func VerticalTime(t model.Transporter, typ model.StationType) float64 {
	slow := t.SlowZoneDry
	if typ == model.StationWet {
		slow = t.SlowZoneWet
	}
	total := t.VerticalTravel
	if total <= 0 {
		return 0
	}
	if slow+t.SlowZoneEnd >= total {
		return total / t.SlowSpeed
	}
	fast := total - slow - t.SlowZoneEnd
	return slow/t.SlowSpeed + fast/t.FastSpeed + t.SlowZoneEnd/t.SlowSpeed
}

// LiftTime is the time to lift a batch out of s: device delay, the vertical
// stroke and the dropping time spent above the station.
func LiftTime(s model.Station, t model.Transporter) float64 {
	return s.DeviceDelay + VerticalTime(t, s.Type) + s.DroppingTime
}

// SinkTime is the time to sink a batch into s: the vertical stroke and the
// device delay.
func SinkTime(s model.Station, t model.Transporter) float64 {
	return VerticalTime(t, s.Type) + s.DeviceDelay
}

// TravelTime is the horizontal travel time over distance mm. The velocity
// profile is trapezoidal when max speed can be reached and triangular
// otherwise.
func TravelTime(distance float64, t model.Transporter) float64 {
	d := math.Abs(distance)
	if d == 0 {
		return 0
	}
	v := t.MaxSpeed
	ramp := v * (t.AccelTime + t.DecelTime) / 2
	if d >= ramp {
		return t.AccelTime + t.DecelTime + (d-ramp)/v
	}
	if t.AccelTime+t.DecelTime == 0 {
		return d / v
	}
	// Peak speed p satisfies d = p*p*(ta+td)/(2v).
	peak := math.Sqrt(2 * d * v / (t.AccelTime + t.DecelTime))
	return peak * (t.AccelTime + t.DecelTime) / v
}

// TransferTime is the horizontal travel time between two stations.
func TransferTime(from, to model.Station, t model.Transporter) float64 {
	return TravelTime(to.X-from.X, t)
}

// TaskTime is the full lift, move and sink duration.
func TaskTime(from, to model.Station, t model.Transporter) float64 {
	return LiftTime(from, t) + TransferTime(from, to, t) + SinkTime(to, t)
}

// Seconds rounds a physical duration up to whole seconds. A tiny tolerance
// keeps exact integers from being pushed to the next second by float noise.
func Seconds(d float64) int64 {
	return int64(math.Ceil(d - 1e-9))
}
