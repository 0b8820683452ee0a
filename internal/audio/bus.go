// Package audio carries duplex call audio between a transport binding and the
// conversational pipeline.
package audio

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrOutOfOrder = errors.New("audio: frame out of order")
	ErrDuplicate  = errors.New("audio: duplicate frame")
	ErrBusClosed  = errors.New("audio: bus closed")
)

// OverflowPolicy decides what a full outbound queue does with a new frame.
type OverflowPolicy int

const (
	// Block waits for queue space, bounded by the caller's context.
	Block OverflowPolicy = iota
	// DropOldest evicts the oldest queued frame to make room.
	DropOldest
)

func (p OverflowPolicy) String() string {
	if p == DropOldest {
		return "drop_oldest"
	}
	return "block"
}

// ParseOverflowPolicy accepts "block" or "drop_oldest".
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "block":
		return Block, nil
	case "drop_oldest", "drop-oldest":
		return DropOldest, nil
	default:
		return Block, fmt.Errorf("audio: unknown overflow policy %q", s)
	}
}

// Drop and rejection reasons reported to an Observer.
const (
	ReasonOutOfOrder = "out_of_order"
	ReasonDuplicate  = "duplicate"
	ReasonOverflow   = "overflow"
	ReasonFlushed    = "flushed"
)

// Observer receives per-frame accounting. Implementations must be safe for concurrent use.
type Observer interface {
	FrameAccepted(dir Direction)
	FrameRejected(dir Direction, reason string)
	FrameDropped(dir Direction, reason string)
}

// BusConfig sizes the queues of a Bus.
type BusConfig struct {
	InboundQueue  int
	OutboundQueue int
	// Overflow applies to the outbound queue. The inbound queue always evicts
	// the oldest frame since a live caller cannot be paused.
	Overflow OverflowPolicy
	Observer Observer
}

// Stats is a snapshot of a Bus's counters.
type Stats struct {
	InboundAccepted  uint64
	InboundRejected  uint64
	InboundDropped   uint64
	OutboundAccepted uint64
	OutboundDropped  uint64
	OutboundFlushed  uint64
	Flushes          uint64
}

type outFrame struct {
	Frame
	epoch uint64
}

// Bus is the call-scoped duplex frame channel. Inbound frames are published by the
// transport and consumed by the pipeline; outbound frames flow the other way.
// Each direction supports a single producer.
type Bus struct {
	cfg BusConfig

	mu      sync.Mutex
	lastIn  uint64
	haveIn  bool
	outSeq  uint64
	onFlush []func()

	epoch atomic.Uint64

	inbound  chan Frame
	outbound chan outFrame

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error

	ready      chan struct{}
	readyOnce  sync.Once
	inSeen     atomic.Bool
	outReady   atomic.Bool
	inAccepted atomic.Uint64
	inRejected atomic.Uint64
	inDropped  atomic.Uint64
	outAccept  atomic.Uint64
	outDropped atomic.Uint64
	outFlushed atomic.Uint64
	flushes    atomic.Uint64
}

// NewBus returns a Bus with bounded queues. Zero sizes fall back to 256 inbound and 50 outbound frames.
func NewBus(cfg BusConfig) *Bus {
	if cfg.InboundQueue <= 0 {
		cfg.InboundQueue = 256
	}
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = 50
	}
	return &Bus{
		cfg:      cfg,
		inbound:  make(chan Frame, cfg.InboundQueue),
		outbound: make(chan outFrame, cfg.OutboundQueue),
		done:     make(chan struct{}),
		ready:    make(chan struct{}),
	}
}

// PublishInbound enqueues a caller frame. Frames whose Seq does not strictly increase
// are rejected with ErrDuplicate or ErrOutOfOrder and counted.
func (b *Bus) PublishInbound(f Frame) error {
	select {
	case <-b.done:
		return ErrBusClosed
	default:
	}
	f.Direction = Inbound
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}
	f.PCM = append([]byte(nil), f.PCM...)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.haveIn && f.Seq <= b.lastIn {
		b.inRejected.Add(1)
		if f.Seq == b.lastIn {
			b.observeRejected(Inbound, ReasonDuplicate)
			return fmt.Errorf("%w: seq %d", ErrDuplicate, f.Seq)
		}
		b.observeRejected(Inbound, ReasonOutOfOrder)
		return fmt.Errorf("%w: seq %d after %d", ErrOutOfOrder, f.Seq, b.lastIn)
	}
	b.lastIn, b.haveIn = f.Seq, true

	for {
		select {
		case b.inbound <- f:
			b.inAccepted.Add(1)
			if b.cfg.Observer != nil {
				b.cfg.Observer.FrameAccepted(Inbound)
			}
			if !b.inSeen.Swap(true) {
				b.checkReady()
			}
			return nil
		default:
		}
		select {
		case <-b.inbound:
			b.inDropped.Add(1)
			b.observeDropped(Inbound, ReasonOverflow)
		default:
		}
	}
}

// Inbound is the ordered stream of accepted caller frames. It is never closed; watch Done.
func (b *Bus) Inbound() <-chan Frame { return b.inbound }

// PublishOutbound enqueues agent audio. Under Block it waits for space until ctx ends.
func (b *Bus) PublishOutbound(ctx context.Context, pcm []byte) error {
	b.mu.Lock()
	b.outSeq++
	f := outFrame{
		Frame: Frame{
			Seq:       b.outSeq,
			Timestamp: time.Now(),
			Direction: Outbound,
			PCM:       append([]byte(nil), pcm...),
		},
		epoch: b.epoch.Load(),
	}
	b.mu.Unlock()

	if b.cfg.Overflow == DropOldest {
		for {
			select {
			case <-b.done:
				return ErrBusClosed
			case b.outbound <- f:
				b.acceptOutbound()
				return nil
			default:
			}
			select {
			case <-b.outbound:
				b.outDropped.Add(1)
				b.observeDropped(Outbound, ReasonOverflow)
			default:
			}
		}
	}

	select {
	case b.outbound <- f:
		b.acceptOutbound()
		return nil
	case <-ctx.Done():
		b.outFlushed.Add(1)
		b.observeDropped(Outbound, ReasonFlushed)
		return ctx.Err()
	case <-b.done:
		return ErrBusClosed
	}
}

func (b *Bus) acceptOutbound() {
	b.outAccept.Add(1)
	if b.cfg.Observer != nil {
		b.cfg.Observer.FrameAccepted(Outbound)
	}
}

// ReadOutbound returns the next agent frame for the transport, skipping frames
// queued before the most recent Flush.
func (b *Bus) ReadOutbound(ctx context.Context) (Frame, error) {
	for {
		select {
		case f := <-b.outbound:
			if f.epoch < b.epoch.Load() {
				b.outFlushed.Add(1)
				b.observeDropped(Outbound, ReasonFlushed)
				continue
			}
			return f.Frame, nil
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-b.done:
			return Frame{}, ErrBusClosed
		}
	}
}

// OutboundPending is the number of agent frames waiting for the transport.
func (b *Bus) OutboundPending() int { return len(b.outbound) }

// Flush discards all not-yet-played agent audio and runs the registered flush hooks.
// It returns the number of frames drained from the queue.
func (b *Bus) Flush() int {
	b.mu.Lock()
	b.epoch.Add(1)
	hooks := append([]func(){}, b.onFlush...)
	b.mu.Unlock()

	n := 0
	for {
		select {
		case <-b.outbound:
			n++
			b.outFlushed.Add(1)
			b.observeDropped(Outbound, ReasonFlushed)
			continue
		default:
		}
		break
	}
	b.flushes.Add(1)
	for _, h := range hooks {
		h()
	}
	return n
}

// OnFlush registers a hook run after every Flush, e.g. to drop audio buffered inside a codec.
func (b *Bus) OnFlush(fn func()) {
	b.mu.Lock()
	b.onFlush = append(b.onFlush, fn)
	b.mu.Unlock()
}

// MarkOutboundReady is called by the transport once it can play agent audio.
func (b *Bus) MarkOutboundReady() {
	if !b.outReady.Swap(true) {
		b.checkReady()
	}
}

func (b *Bus) checkReady() {
	if b.inSeen.Load() && b.outReady.Load() {
		b.readyOnce.Do(func() { close(b.ready) })
	}
}

// Ready is closed once audio has been confirmed in both directions.
func (b *Bus) Ready() <-chan struct{} { return b.ready }

// Fail closes the bus with a transport error.
func (b *Bus) Fail(err error) {
	b.closeOnce.Do(func() {
		b.errMu.Lock()
		b.err = err
		b.errMu.Unlock()
		close(b.done)
	})
}

// Close closes the bus without error.
func (b *Bus) Close() { b.Fail(nil) }

// Done is closed when the bus is closed or failed.
func (b *Bus) Done() <-chan struct{} { return b.done }

// Err returns the error passed to Fail, if any.
func (b *Bus) Err() error {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.err
}

// Stats snapshots the bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		InboundAccepted:  b.inAccepted.Load(),
		InboundRejected:  b.inRejected.Load(),
		InboundDropped:   b.inDropped.Load(),
		OutboundAccepted: b.outAccept.Load(),
		OutboundDropped:  b.outDropped.Load(),
		OutboundFlushed:  b.outFlushed.Load(),
		Flushes:          b.flushes.Load(),
	}
}

func (b *Bus) observeRejected(dir Direction, reason string) {
	if b.cfg.Observer != nil {
		b.cfg.Observer.FrameRejected(dir, reason)
	}
}

func (b *Bus) observeDropped(dir Direction, reason string) {
	if b.cfg.Observer != nil {
		b.cfg.Observer.FrameDropped(dir, reason)
	}
}
