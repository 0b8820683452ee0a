package rtc

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/chadiek/call-receptionist/internal/audio"
)

type fakeTrack struct {
	mu      sync.Mutex
	samples []media.Sample
	at      []time.Time
}

func (f *fakeTrack) WriteSample(s media.Sample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, s)
	f.at = append(f.at, time.Now())
	return nil
}

func (f *fakeTrack) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.samples)
}

type fakeEncoder struct{ frames int }

func (e *fakeEncoder) Encode(pcm []int16, data []byte) (int, error) {
	if len(pcm) != opusFrameSamples {
		return 0, errors.New("bad frame size")
	}
	e.frames++
	data[0] = 0xfc
	return 1, nil
}

func TestOpusPacedWriter_EncodesAndPaces(t *testing.T) {
	bus := audio.NewBus(audio.BusConfig{})
	for i := 0; i < 5; i++ {
		if err := bus.PublishOutbound(context.Background(), make([]byte, audio.FrameBytes)); err != nil {
			t.Fatal(err)
		}
	}
	ft := &fakeTrack{}
	w := NewOpusPacedWriter(&fakeEncoder{}, ft)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, bus) }()

	deadline := time.Now().Add(2 * time.Second)
	for ft.count() < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run: %v", err)
	}
	if ft.count() != 5 {
		t.Fatalf("expected 5 samples, got %d", ft.count())
	}
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.samples[0].Duration != audio.FrameDuration {
		t.Fatalf("duration %s", ft.samples[0].Duration)
	}
	// 5 frames must take about 4 ticks, not arrive in one burst
	if span := ft.at[4].Sub(ft.at[0]); span < 60*time.Millisecond {
		t.Fatalf("frames not paced, span %s", span)
	}
}

func TestOpusPacedWriter_StopsWhenBusCloses(t *testing.T) {
	bus := audio.NewBus(audio.BusConfig{})
	w := NewOpusPacedWriter(&fakeEncoder{}, &fakeTrack{})
	bus.Close()
	if err := w.Run(context.Background(), bus); !errors.Is(err, audio.ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
}

type fakeDecoder struct{}

func (fakeDecoder) Decode(data []byte, pcm []int16) (int, error) {
	if data[0] == 0xff {
		return 0, errors.New("corrupt")
	}
	for i := 0; i < audio.FrameSamples; i++ {
		pcm[i] = int16(data[0])
	}
	return audio.FrameSamples, nil
}

func TestMicReader_PublishesInOrderAndRejectsRepeats(t *testing.T) {
	packets := []packet{
		{seq: 65534, payload: []byte{1}},
		{seq: 65535, payload: []byte{2}},
		{seq: 65535, payload: []byte{2}}, // repeat
		{seq: 0, payload: []byte{3}},     // wraps
		{seq: 1, payload: []byte{0xff}},  // undecodable
		{seq: 2, payload: nil},
		{seq: 65533, payload: []byte{9}}, // late
	}
	i := 0
	read := func() (packet, error) {
		if i == len(packets) {
			return packet{}, io.EOF
		}
		p := packets[i]
		i++
		return p, nil
	}
	bus := audio.NewBus(audio.BusConfig{})
	m := newMicReader(fakeDecoder{}, read, bus)
	var drops int
	m.onDrop = func(error) { drops++ }
	if err := m.run(); !errors.Is(err, io.EOF) {
		t.Fatalf("run: %v", err)
	}

	var got []int16
	for len(bus.Inbound()) > 0 {
		f := <-bus.Inbound()
		if len(f.PCM) != audio.FrameBytes {
			t.Fatalf("frame size %d", len(f.PCM))
		}
		got = append(got, audio.Samples(f.PCM)[0])
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("published %v", got)
	}
	if drops != 3 {
		t.Fatalf("drops %d", drops)
	}
}

func TestAuthorized(t *testing.T) {
	if !Authorized(nil, "") {
		t.Fatal("empty password must accept")
	}
	r := httptest.NewRequest("GET", "/ws?password=secret", nil)
	if !Authorized(r, "secret") {
		t.Fatal("query password")
	}
	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "BEARER secret")
	if !Authorized(r, "secret") {
		t.Fatal("bearer prefix is case-insensitive")
	}
	r.Header.Set("Authorization", "Bearer nope")
	if Authorized(r, "secret") {
		t.Fatal("wrong bearer accepted")
	}
}

func TestParseICEServers(t *testing.T) {
	got := parseICEServers(`[{"urls":["turn:turn.example.com:3478"],"username":"u","credential":"p"}]`)
	if len(got) != 1 || got[0].URLs[0] != "turn:turn.example.com:3478" || got[0].Username != "u" {
		t.Fatalf("parsed %+v", got)
	}
	if def := parseICEServers("not json"); len(def) != 1 || def[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Fatalf("default %+v", def)
	}
}
