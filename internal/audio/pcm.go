package audio

import (
	"encoding/binary"
	"math"
)

// Samples decodes 16-bit little-endian PCM.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Bytes encodes samples as 16-bit little-endian PCM.
func Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// RMS is the root-mean-square energy of 16-bit little-endian PCM.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// Resample converts mono 16-bit PCM between sample rates with linear interpolation.
func Resample(pcm []byte, from, to int) []byte {
	if from == to || from <= 0 || to <= 0 || len(pcm) < 2 {
		return append([]byte(nil), pcm...)
	}
	in := Samples(pcm)
	n := len(in) * to / from
	out := make([]int16, n)
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = int16(float64(in[j])*(1-frac) + float64(in[j+1])*frac)
	}
	return Bytes(out)
}

// Framer re-chunks arbitrary PCM writes into fixed-size frames.
type Framer struct {
	size int
	buf  []byte
}

// NewFramer returns a Framer emitting size-byte chunks. Zero means FrameBytes.
func NewFramer(size int) *Framer {
	if size <= 0 {
		size = FrameBytes
	}
	return &Framer{size: size, buf: make([]byte, 0, size*4)}
}

// Write appends pcm and returns every complete frame now available.
func (f *Framer) Write(pcm []byte) [][]byte {
	f.buf = append(f.buf, pcm...)
	var frames [][]byte
	for len(f.buf) >= f.size {
		frame := make([]byte, f.size)
		copy(frame, f.buf[:f.size])
		frames = append(frames, frame)
		f.buf = f.buf[:copy(f.buf, f.buf[f.size:])]
	}
	return frames
}

// Flush returns the buffered remainder zero-padded to a full frame, or nil.
func (f *Framer) Flush() []byte {
	if len(f.buf) == 0 {
		return nil
	}
	frame := make([]byte, f.size)
	copy(frame, f.buf)
	f.buf = f.buf[:0]
	return frame
}

// Reset drops buffered audio.
func (f *Framer) Reset() { f.buf = f.buf[:0] }

// SeqUnwrapper extends 16-bit wire sequence numbers (RTP) into a monotonic 64-bit space.
// Reordered and repeated packets map to values at or below the highest seen so the bus rejects them.
type SeqUnwrapper struct {
	started bool
	cycles  uint64
	last    uint16
}

// Unwrap maps a wire sequence number into the extended space.
func (u *SeqUnwrapper) Unwrap(seq uint16) uint64 {
	if !u.started {
		u.started = true
		u.last = seq
		return uint64(seq) + 1<<16
	}
	delta := int16(seq - u.last)
	ext := u.cycles<<16 + uint64(seq) + 1<<16
	switch {
	case delta > 0 && seq < u.last:
		u.cycles++
		ext += 1 << 16
	case delta < 0 && seq > u.last:
		ext -= 1 << 16
	}
	if delta > 0 {
		u.last = seq
	}
	return ext
}
