package fanproto

import (
	"errors"
	"fmt"
)

const (
	// NumFans is the number of fan channels on the controller board.
	NumFans = 4

	// PayloadLen is 3 bytes per fan plus the PWM output selector and the
	// fan supply voltage.
	PayloadLen = NumFans*3 + 2
	// FrameLen adds the start marker, checksum and end marker.
	FrameLen = PayloadLen + 3

	DefaultStartMarker = 0x55
	DefaultEndMarker   = 0xAA
)

var (
	ErrFrameLength   = errors.New("fanproto: bad frame length")
	ErrFrameMarkers  = errors.New("fanproto: bad frame markers")
	ErrFrameChecksum = errors.New("fanproto: checksum mismatch")
)

// Range is the speed window the board is allowed to drive one fan through.
type Range struct {
	Min byte
	Max byte
}

// Settings are the static parts of every payload.
type Settings struct {
	Ranges        [NumFans]Range
	PWMOutput     byte
	SupplyVoltage byte
}

// Payload is the semantic content of a frame.
//
// Layout (must match the board firmware parser byte for byte):
//
//	[0..11]  fan1..fan4 as (min, max, speed)
//	[12]     PWM output selector
//	[13]     fan supply voltage
type Payload [PayloadLen]byte

// Encode builds the payload for the commanded speeds.
func Encode(speeds [NumFans]byte, s Settings) Payload {
	var p Payload
	for i := 0; i < NumFans; i++ {
		p[i*3] = s.Ranges[i].Min
		p[i*3+1] = s.Ranges[i].Max
		p[i*3+2] = speeds[i]
	}
	p[NumFans*3] = s.PWMOutput
	p[NumFans*3+1] = s.SupplyVoltage
	return p
}

// Speeds returns the commanded speed bytes carried by the payload.
func (p Payload) Speeds() [NumFans]byte {
	var out [NumFans]byte
	for i := range out {
		out[i] = p[i*3+2]
	}
	return out
}

// Markers delimit a frame on the bus.
type Markers struct {
	Start byte
	End   byte
}

// DefaultMarkers are the markers the board firmware ships with.
var DefaultMarkers = Markers{Start: DefaultStartMarker, End: DefaultEndMarker}

// Frame wraps the payload as [start, payload..., crc7(payload), end].
func (m Markers) Frame(p Payload) []byte {
	out := make([]byte, 0, FrameLen)
	out = append(out, m.Start)
	out = append(out, p[:]...)
	out = append(out, CRC7(p[:]))
	out = append(out, m.End)
	return out
}

// Unframe validates a frame and returns its payload.
func (m Markers) Unframe(frame []byte) (Payload, error) {
	var p Payload
	if len(frame) != FrameLen {
		return p, fmt.Errorf("%w: %d", ErrFrameLength, len(frame))
	}
	if frame[0] != m.Start || frame[FrameLen-1] != m.End {
		return p, fmt.Errorf("%w: 0x%02x..0x%02x", ErrFrameMarkers, frame[0], frame[FrameLen-1])
	}
	copy(p[:], frame[1:1+PayloadLen])
	if got, want := frame[1+PayloadLen], CRC7(p[:]); got != want {
		return p, fmt.Errorf("%w: got 0x%02x want 0x%02x", ErrFrameChecksum, got, want)
	}
	return p, nil
}
