package fancontrol

import (
	"math"

	"fanspeed/internal/fanproto"
	"fanspeed/internal/tempsource"
)

const NumFans = fanproto.NumFans

// Curve holds the temperature thresholds shared by all fans.
//
// A fan that is off stays off until the temperature rises above MinTempC. A
// fan that is on stays on until it drops to OffTempC. Between the two is the
// dead band, where the fan keeps whatever state it had.
type Curve struct {
	OffTempC float64
	MinTempC float64
	MaxTempC float64

	// NoReadingSpeed is commanded for a fan with no valid temperature.
	NoReadingSpeed byte
}

// State is the per-fan on/off memory. The zero value has every fan off.
type State [NumFans]bool

// Speed maps one reading to a speed inside r and returns the fan's next
// on/off state.
func (c Curve) Speed(r fanproto.Range, on bool, reading tempsource.Reading) (byte, bool) {
	if !reading.Valid {
		return c.NoReadingSpeed, true
	}
	t := reading.TempC

	// The threshold is picked from the state before this reading updates it.
	low := c.MinTempC
	if on {
		low = c.OffTempC
	}

	next := on
	if t <= c.OffTempC {
		next = false
	} else if t >= c.MinTempC {
		next = true
	}

	switch {
	case t <= low:
		return 0, next
	case t >= c.MaxTempC:
		return r.Max, next
	}
	// Ramp is anchored at OffTempC whichever threshold was active.
	span := float64(int(r.Max) - int(r.Min))
	step := math.Floor(span * (t - c.OffTempC) / (c.MaxTempC - c.OffTempC))
	return r.Min + byte(step), next
}

// Compute runs Speed for every fan. It does not modify st; the caller keeps
// the returned State for the next cycle.
func (c Curve) Compute(st State, ranges [NumFans]fanproto.Range, readings [NumFans]tempsource.Reading) ([NumFans]byte, State) {
	var speeds [NumFans]byte
	next := st
	for i := 0; i < NumFans; i++ {
		speeds[i], next[i] = c.Speed(ranges[i], st[i], readings[i])
	}
	return speeds, next
}
