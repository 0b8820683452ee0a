package call

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chadiek/call-receptionist/internal/audio"
	"github.com/chadiek/call-receptionist/internal/callerr"
	"github.com/chadiek/call-receptionist/internal/dialogue"
	"github.com/chadiek/call-receptionist/internal/llm"
	"github.com/chadiek/call-receptionist/internal/telephony"
	"github.com/chadiek/call-receptionist/internal/transcript"
)

// journal is a shared, ordered record of side effects across fakes.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	j.entries = append(j.entries, s)
	j.mu.Unlock()
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type fakeRecognizer struct {
	in       chan transcript.Event
	failures int
	attempts atomic.Int32
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{in: make(chan transcript.Event, 16)}
}

func (r *fakeRecognizer) StreamTranscribe(ctx context.Context, frames <-chan audio.Frame) (<-chan transcript.Event, <-chan error) {
	out := make(chan transcript.Event)
	errc := make(chan error, 1)
	if int(r.attempts.Add(1)) <= r.failures {
		close(out)
		errc <- callerr.New(callerr.KindRecognition, "stream", errors.New("socket closed"))
		close(errc)
		return out, errc
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-frames:
			}
		}
	}()
	go func() {
		defer close(errc)
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-r.in:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, errc
}

func (r *fakeRecognizer) final(id, text string) {
	r.in <- transcript.Event{UtteranceID: id, Text: text, IsFinal: true}
}

type fakeSynth struct {
	frames   int
	failures int
	log      *journal

	mu    sync.Mutex
	calls int
	texts []string
}

func (s *fakeSynth) StreamSynthesize(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	if !fail {
		s.texts = append(s.texts, text)
	}
	s.mu.Unlock()
	if s.log != nil && !fail {
		s.log.add("say:" + text)
	}

	out := make(chan []byte)
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		defer close(out)
		if fail {
			errc <- callerr.New(callerr.KindSynthesis, "synthesize", errors.New("503"))
			return
		}
		n := s.frames
		if n <= 0 {
			n = 3
		}
		chunk := make([]byte, audio.FrameBytes)
		for i := 0; i < n; i++ {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, errc
}

func (s *fakeSynth) spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type reply struct {
	text string
	err  error
	// stall holds the stream open without output until its context ends.
	stall bool
}

type fakeModel struct {
	mu      sync.Mutex
	replies []reply
	calls   int
}

func (m *fakeModel) Stream(ctx context.Context, _ llm.Request) (llm.Stream, error) {
	m.mu.Lock()
	r := m.replies[len(m.replies)-1]
	if m.calls < len(m.replies) {
		r = m.replies[m.calls]
	}
	m.calls++
	m.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	if r.stall {
		return &textStream{ctx: ctx, stall: true}, nil
	}
	return &textStream{ctx: ctx, parts: strings.SplitAfter(r.text, " ")}, nil
}

func (m *fakeModel) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type textStream struct {
	ctx   context.Context
	parts []string
	stall bool
}

func (s *textStream) Recv() (string, error) {
	if s.stall {
		<-s.ctx.Done()
		return "", s.ctx.Err()
	}
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if len(s.parts) == 0 {
		return "", io.EOF
	}
	p := s.parts[0]
	s.parts = s.parts[1:]
	return p, nil
}

func (s *textStream) Close() error { return nil }

type telResult struct {
	res telephony.TransferResult
	err error
}

type fakeTel struct {
	log *journal

	mu        sync.Mutex
	results   []telResult
	transfers []telephony.TransferRequest
	hangups   int
}

func (f *fakeTel) Transfer(_ context.Context, req telephony.TransferRequest) (telephony.TransferResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.log != nil {
		f.log.add("transfer")
	}
	f.transfers = append(f.transfers, req)
	r := telResult{res: telephony.TransferResult{Status: telephony.TransferAccepted}}
	if len(f.results) > 0 {
		r = f.results[0]
		f.results = f.results[1:]
	}
	return r.res, r.err
}

func (f *fakeTel) Hangup(context.Context, string) error {
	f.mu.Lock()
	f.hangups++
	f.mu.Unlock()
	return nil
}

func (f *fakeTel) snapshot() ([]telephony.TransferRequest, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]telephony.TransferRequest(nil), f.transfers...), f.hangups
}

// gatedTel holds every transfer attempt until release is called.
type gatedTel struct {
	*fakeTel
	gate chan struct{}
	once sync.Once
}

func newGatedTel(results ...telResult) *gatedTel {
	return &gatedTel{fakeTel: &fakeTel{results: results}, gate: make(chan struct{})}
}

func (g *gatedTel) Transfer(ctx context.Context, req telephony.TransferRequest) (telephony.TransferResult, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return telephony.TransferResult{}, ctx.Err()
	}
	return g.fakeTel.Transfer(ctx, req)
}

func (g *gatedTel) release() { g.once.Do(func() { close(g.gate) }) }

// syncBuffer is a bytes.Buffer safe for a slog handler shared across goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Split(strings.TrimSpace(b.buf.String()), "\n")
}

type recordingObserver struct {
	nopObserver
	mu        sync.Mutex
	bargeIns  []time.Duration
	attempts  []string
	synthFail int
	restarts  int
	ended     []string
}

func (o *recordingObserver) BargeIn(d time.Duration) {
	o.mu.Lock()
	o.bargeIns = append(o.bargeIns, d)
	o.mu.Unlock()
}

func (o *recordingObserver) TransferAttempt(outcome string) {
	o.mu.Lock()
	o.attempts = append(o.attempts, outcome)
	o.mu.Unlock()
}

func (o *recordingObserver) SynthesisFailure() {
	o.mu.Lock()
	o.synthFail++
	o.mu.Unlock()
}

func (o *recordingObserver) RecognizerRestart() {
	o.mu.Lock()
	o.restarts++
	o.mu.Unlock()
}

func (o *recordingObserver) SessionEnded(reason string) {
	o.mu.Lock()
	o.ended = append(o.ended, reason)
	o.mu.Unlock()
}

// harness plays the transport side of a call: it feeds caller frames and reads agent audio.
type harness struct {
	t     *testing.T
	bus   *audio.Bus
	sess  *Session
	voice atomic.Bool
	// played counts agent frames read by the transport.
	played atomic.Int64
	runErr chan error
	cancel context.CancelFunc
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Greeting = ""
	cfg.Turn.EndOfTurnSilence = 50 * time.Millisecond
	cfg.Turn.ContinuationExtension = 50 * time.Millisecond
	cfg.Turn.BargeInMinVoice = 40 * time.Millisecond
	cfg.Turn.IdleTimeout = 0
	cfg.TickInterval = 5 * time.Millisecond
	cfg.RingingTimeout = 2 * time.Second
	cfg.ModelTimeout = 2 * time.Second
	cfg.Transfer.Backoff = 5 * time.Millisecond
	cfg.Transfer.AttemptTimeout = time.Second
	cfg.ForwardingNumber = "+15550001111"
	return cfg
}

type harnessOpts struct {
	pace     time.Duration
	noCaller bool
}

func startCall(t *testing.T, cfg Config, deps Deps, tel telephony.Client, opts harnessOpts) *harness {
	t.Helper()
	if opts.pace == 0 {
		opts.pace = time.Millisecond
	}
	bus := audio.NewBus(audio.BusConfig{})
	h := &harness{t: t, bus: bus, runErr: make(chan error, 1)}
	h.sess = newSession("call-1", bus, tel, cfg, deps)
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.runErr <- h.sess.Run(ctx) }()

	go func() {
		bus.MarkOutboundReady()
		for {
			if _, err := bus.ReadOutbound(ctx); err != nil {
				return
			}
			h.played.Add(1)
			time.Sleep(opts.pace)
		}
	}()
	if !opts.noCaller {
		go h.pump(ctx)
	}
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.sess.Done():
		case <-time.After(5 * time.Second):
			t.Error("session did not stop")
		}
	})
	return h
}

func (h *harness) pump(ctx context.Context) {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	quiet := make([]byte, audio.FrameBytes)
	loud := make([]byte, audio.FrameBytes)
	for i := 0; i < len(loud); i += 2 {
		loud[i+1] = 0x10 // 4096
	}
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.bus.Done():
			return
		case <-tick.C:
		}
		seq++
		pcm := quiet
		if h.voice.Load() {
			pcm = loud
		}
		_ = h.bus.PublishInbound(audio.Frame{Seq: seq, PCM: pcm})
	}
}

func (h *harness) waitEnded() {
	h.t.Helper()
	select {
	case <-h.sess.Done():
	case <-time.After(5 * time.Second):
		h.t.Fatalf("call did not end, state %s", h.sess.State())
	}
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func agentTurns(s *Session) []dialogue.Turn {
	var out []dialogue.Turn
	for _, t := range s.History() {
		if t.Speaker == dialogue.Agent {
			out = append(out, t)
		}
	}
	return out
}

func hasAgentText(s *Session, text string) bool {
	for _, t := range agentTurns(s) {
		if strings.Contains(t.Text, text) {
			return true
		}
	}
	return false
}

func states(s *Session) []string {
	var out []string
	for _, tr := range s.Transitions() {
		out = append(out, tr.From.String()+">"+tr.To.String())
	}
	return out
}
