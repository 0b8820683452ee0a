package audio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type countingObserver struct {
	mu       sync.Mutex
	accepted map[Direction]int
	rejected map[string]int
	dropped  map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{accepted: map[Direction]int{}, rejected: map[string]int{}, dropped: map[string]int{}}
}

func (o *countingObserver) FrameAccepted(dir Direction) {
	o.mu.Lock()
	o.accepted[dir]++
	o.mu.Unlock()
}

func (o *countingObserver) FrameRejected(dir Direction, reason string) {
	o.mu.Lock()
	o.rejected[dir.String()+"/"+reason]++
	o.mu.Unlock()
}

func (o *countingObserver) FrameDropped(dir Direction, reason string) {
	o.mu.Lock()
	o.dropped[dir.String()+"/"+reason]++
	o.mu.Unlock()
}

func pcmFrame() []byte { return make([]byte, FrameBytes) }

func TestBus_InboundRejectsOutOfOrderAndDuplicates(t *testing.T) {
	obs := newCountingObserver()
	b := NewBus(BusConfig{InboundQueue: 16, Observer: obs})
	for _, seq := range []uint64{1, 2, 3} {
		if err := b.PublishInbound(Frame{Seq: seq, PCM: pcmFrame()}); err != nil {
			t.Fatalf("seq %d: %v", seq, err)
		}
	}
	if err := b.PublishInbound(Frame{Seq: 3, PCM: pcmFrame()}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if err := b.PublishInbound(Frame{Seq: 2, PCM: pcmFrame()}); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected out of order, got %v", err)
	}
	if err := b.PublishInbound(Frame{Seq: 7, PCM: pcmFrame()}); err != nil {
		t.Fatalf("gap should be accepted: %v", err)
	}

	var got []uint64
	for len(got) < 4 {
		f := <-b.Inbound()
		got = append(got, f.Seq)
	}
	want := []uint64{1, 2, 3, 7}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery order %v, want %v", got, want)
		}
	}
	st := b.Stats()
	if st.InboundAccepted != 4 || st.InboundRejected != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if obs.rejected["inbound/duplicate"] != 1 || obs.rejected["inbound/out_of_order"] != 1 {
		t.Fatalf("observer not told about rejections: %v", obs.rejected)
	}
}

func TestBus_InboundMonotonicForArbitrarySequences(t *testing.T) {
	seqs := []uint64{5, 3, 5, 6, 1, 9, 9, 8, 10, 2, 11}
	b := NewBus(BusConfig{InboundQueue: len(seqs)})
	for _, s := range seqs {
		_ = b.PublishInbound(Frame{Seq: s})
	}
	var last uint64
	n := int(b.Stats().InboundAccepted)
	for i := 0; i < n; i++ {
		f := <-b.Inbound()
		if f.Seq <= last {
			t.Fatalf("delivered seq %d after %d", f.Seq, last)
		}
		last = f.Seq
	}
	if got := b.Stats().InboundAccepted + b.Stats().InboundRejected; got != uint64(len(seqs)) {
		t.Fatalf("every frame must be accepted or counted as rejected, got %d", got)
	}
}

func TestBus_InboundOverflowDropsOldestAndCounts(t *testing.T) {
	obs := newCountingObserver()
	b := NewBus(BusConfig{InboundQueue: 2, Observer: obs})
	for seq := uint64(1); seq <= 4; seq++ {
		if err := b.PublishInbound(Frame{Seq: seq}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if f := <-b.Inbound(); f.Seq != 3 {
		t.Fatalf("expected oldest frames evicted, first=%d", f.Seq)
	}
	if b.Stats().InboundDropped != 2 || obs.dropped["inbound/overflow"] != 2 {
		t.Fatalf("drops must be counted: %+v", b.Stats())
	}
}

func TestBus_OutboundBlockPolicyHonorsContext(t *testing.T) {
	b := NewBus(BusConfig{OutboundQueue: 1, Overflow: Block})
	ctx := context.Background()
	if err := b.PublishOutbound(ctx, pcmFrame()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := b.PublishOutbound(short, pcmFrame()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected publish to block until deadline, got %v", err)
	}
}

func TestBus_OutboundDropOldest(t *testing.T) {
	b := NewBus(BusConfig{OutboundQueue: 2, Overflow: DropOldest})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := b.PublishOutbound(ctx, pcmFrame()); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	f, err := b.ReadOutbound(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Seq != 4 {
		t.Fatalf("expected seq 4 after evictions, got %d", f.Seq)
	}
	if b.Stats().OutboundDropped != 3 {
		t.Fatalf("expected 3 counted drops, got %+v", b.Stats())
	}
}

func TestBus_FlushDiscardsQueuedAudioAndRunsHooks(t *testing.T) {
	b := NewBus(BusConfig{OutboundQueue: 8})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = b.PublishOutbound(ctx, pcmFrame())
	}
	hooked := 0
	b.OnFlush(func() { hooked++ })
	if n := b.Flush(); n != 3 {
		t.Fatalf("expected 3 frames flushed, got %d", n)
	}
	if hooked != 1 {
		t.Fatalf("flush hook not run")
	}
	_ = b.PublishOutbound(ctx, pcmFrame())
	f, err := b.ReadOutbound(ctx)
	if err != nil || f.Seq != 4 {
		t.Fatalf("expected fresh frame 4 after flush, got %d err=%v", f.Seq, err)
	}
	if st := b.Stats(); st.OutboundFlushed != 3 || st.Flushes != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestBus_ReadyNeedsBothDirections(t *testing.T) {
	b := NewBus(BusConfig{})
	_ = b.PublishInbound(Frame{Seq: 1})
	select {
	case <-b.Ready():
		t.Fatalf("ready before outbound confirmed")
	default:
	}
	b.MarkOutboundReady()
	select {
	case <-b.Ready():
	case <-time.After(time.Second):
		t.Fatalf("expected ready")
	}
}

func TestBus_FailSurfacesError(t *testing.T) {
	b := NewBus(BusConfig{})
	boom := errors.New("socket reset")
	b.Fail(boom)
	b.Close()
	<-b.Done()
	if !errors.Is(b.Err(), boom) {
		t.Fatalf("expected first error kept, got %v", b.Err())
	}
	if err := b.PublishInbound(Frame{Seq: 1}); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("expected closed bus, got %v", err)
	}
	if _, err := b.ReadOutbound(context.Background()); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("expected closed bus on read, got %v", err)
	}
}

func TestParseOverflowPolicy(t *testing.T) {
	if p, err := ParseOverflowPolicy("drop_oldest"); err != nil || p != DropOldest {
		t.Fatalf("got %v %v", p, err)
	}
	if p, err := ParseOverflowPolicy(""); err != nil || p != Block {
		t.Fatalf("got %v %v", p, err)
	}
	if _, err := ParseOverflowPolicy("yolo"); err == nil {
		t.Fatalf("expected error")
	}
}
