package rtc

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/chadiek/call-receptionist/internal/audio"
)

const (
	opusRate         = 48000
	opusFrameSamples = opusRate / 50 // 20ms
	opusMaxPacket    = 4000
)

type sampleWriter interface {
	WriteSample(s media.Sample) error
}

// encoder and decoder are satisfied by *opus.Encoder and *opus.Decoder.
type encoder interface {
	Encode(pcm []int16, data []byte) (int, error)
}

type decoder interface {
	Decode(data []byte, pcm []int16) (int, error)
}

type frameSource interface {
	ReadOutbound(ctx context.Context) (audio.Frame, error)
}

// OpusPacedWriter reads agent frames from the bus, encodes them as 48kHz Opus and
// writes them to the track at real-time pace.
type OpusPacedWriter struct {
	enc   encoder
	track sampleWriter
	buf   []byte
}

func NewOpusPacedWriter(enc encoder, track sampleWriter) *OpusPacedWriter {
	return &OpusPacedWriter{enc: enc, track: track, buf: make([]byte, opusMaxPacket)}
}

// Run pumps frames until ctx ends or the source closes. Frames flushed from the
// bus never reach the writer, so barge-in needs no extra state here.
func (w *OpusPacedWriter) Run(ctx context.Context, src frameSource) error {
	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()
	for {
		f, err := src.ReadOutbound(ctx)
		if err != nil {
			return err
		}
		if err := w.write(f.PCM); err != nil {
			return err
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *OpusPacedWriter) write(pcm16k []byte) error {
	samples := audio.Samples(audio.Resample(pcm16k, audio.SampleRate, opusRate))
	for len(samples) >= opusFrameSamples {
		n, err := w.enc.Encode(samples[:opusFrameSamples], w.buf)
		if err != nil {
			return fmt.Errorf("rtc: opus encode: %w", err)
		}
		samples = samples[opusFrameSamples:]
		if n == 0 {
			continue
		}
		pkt := append([]byte(nil), w.buf[:n]...)
		if err := w.track.WriteSample(media.Sample{Data: pkt, Duration: audio.FrameDuration}); err != nil {
			return fmt.Errorf("rtc: write sample: %w", err)
		}
	}
	return nil
}

// packet is one received RTP payload.
type packet struct {
	seq     uint16
	payload []byte
}

type packetSource func() (packet, error)

type framePublisher interface {
	PublishInbound(f audio.Frame) error
}

// micReader decodes caller Opus packets at the pipeline rate and publishes them.
// Wire sequence numbers are unwrapped so reordered and repeated packets are rejected by the bus.
type micReader struct {
	dec    decoder
	read   packetSource
	pub    framePublisher
	seq    audio.SeqUnwrapper
	pcm    []int16
	onDrop func(err error)
}

func newMicReader(dec decoder, read packetSource, pub framePublisher) *micReader {
	// 120ms is the longest Opus packet
	return &micReader{dec: dec, read: read, pub: pub, pcm: make([]int16, audio.SampleRate*120/1000)}
}

func (m *micReader) run() error {
	for {
		p, err := m.read()
		if err != nil {
			return err
		}
		if len(p.payload) == 0 {
			continue
		}
		n, err := m.dec.Decode(p.payload, m.pcm)
		if err != nil {
			if m.onDrop != nil {
				m.onDrop(fmt.Errorf("rtc: opus decode: %w", err))
			}
			continue
		}
		f := audio.Frame{Seq: m.seq.Unwrap(p.seq), PCM: audio.Bytes(m.pcm[:n])}
		if err := m.pub.PublishInbound(f); err != nil && m.onDrop != nil {
			m.onDrop(err)
		}
	}
}
