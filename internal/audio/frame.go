package audio

import (
	"fmt"
	"time"
)

// Pipeline audio format: 16-bit little-endian mono PCM at 16 kHz.
const (
	SampleRate    = 16000
	FrameDuration = 20 * time.Millisecond
	FrameSamples  = SampleRate / 50
	FrameBytes    = FrameSamples * 2
)

// Direction of a frame relative to the caller.
type Direction uint8

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// Frame is an immutable chunk of pipeline PCM. Seq is monotonic within a direction.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Direction Direction
	PCM       []byte
}

// Duration of the audio carried by f.
func (f Frame) Duration() time.Duration {
	return time.Duration(len(f.PCM)/2) * time.Second / SampleRate
}
