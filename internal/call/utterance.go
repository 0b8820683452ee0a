package call

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chadiek/call-receptionist/internal/audio"
	"github.com/chadiek/call-receptionist/internal/dialogue"
	"github.com/chadiek/call-receptionist/internal/tts"
)

// utterance is one stretch of agent speech: a model reply or a fixed line.
// It is canceled as a unit on barge-in.
type utterance struct {
	id string
	// trigger is the caller turn being answered, empty for fixed lines.
	trigger string

	s      *Session
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	text   string
	reply  *dialogue.Turn

	// endsCall and endReason are owned by the control loop.
	endsCall  bool
	endReason string

	mu       sync.Mutex
	spoken   []string
	intents  []dialogue.Intent
	stopped  bool
	stoppedT time.Time
}

func (s *Session) newUtterance(ctx context.Context) *utterance {
	uctx, cancel := context.WithCancel(ctx)
	return &utterance{
		id:     uuid.NewString(),
		s:      s,
		ctx:    uctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (s *Session) newSayUtterance(ctx context.Context, text string) *utterance {
	u := s.newUtterance(ctx)
	u.text = text
	return u
}

func (s *Session) newReplyUtterance(ctx context.Context, t dialogue.Turn) *utterance {
	u := s.newUtterance(ctx)
	u.trigger = t.ID
	u.reply = &t
	return u
}

func (u *utterance) interrupt() {
	u.mu.Lock()
	if !u.stopped {
		u.stopped = true
		u.stoppedT = time.Now()
	}
	u.mu.Unlock()
	u.cancel()
}

func (u *utterance) interrupted() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stopped
}

func (u *utterance) interruptedAt() time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stoppedT
}

func (u *utterance) addSpoken(sentence string) {
	u.mu.Lock()
	u.spoken = append(u.spoken, sentence)
	u.mu.Unlock()
}

// spokenText is the text whose audio reached the bus.
func (u *utterance) spokenText() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return strings.Join(u.spoken, " ")
}

func (u *utterance) addIntent(in dialogue.Intent) {
	u.mu.Lock()
	u.intents = append(u.intents, in)
	u.mu.Unlock()
}

func (u *utterance) intentList() []dialogue.Intent {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]dialogue.Intent(nil), u.intents...)
}

// run produces the utterance audio and returns once it has played out or was canceled.
func (u *utterance) run(sessionCtx context.Context) {
	defer close(u.done)
	defer u.cancel()

	sentences := make(chan string, 32)
	var reader sync.WaitGroup
	reader.Add(1)
	go func() {
		defer reader.Done()
		defer close(sentences)
		if u.reply == nil {
			u.s.post(sessionCtx, agentTextEvent{u: u, text: u.text})
			for _, sentence := range tts.SplitSentences(u.text) {
				if !u.queue(sentences, sentence) {
					return
				}
			}
			return
		}
		u.readReply(sessionCtx, sentences)
	}()

	for sentence := range sentences {
		if u.ctx.Err() != nil {
			continue
		}
		u.speak(sentence)
	}
	reader.Wait()
	u.drain()
}

func (u *utterance) readReply(sessionCtx context.Context, sentences chan<- string) {
	stream := u.s.engine.Respond(u.ctx, u.s.history.Snapshot(), *u.reply)
	defer stream.Close()
	var sb tts.SentenceBuffer
	for {
		d, err := stream.Recv()
		if err != nil {
			break
		}
		if d.Intent != nil {
			u.s.post(sessionCtx, intentEvent{u: u, in: d.Intent})
			continue
		}
		u.s.post(sessionCtx, agentTextEvent{u: u, text: d.Text})
		for _, sentence := range sb.Push(d.Text) {
			if !u.queue(sentences, sentence) {
				return
			}
		}
	}
	if tail := sb.Flush(); tail != "" {
		u.queue(sentences, tail)
	}
}

func (u *utterance) queue(sentences chan<- string, sentence string) bool {
	select {
	case sentences <- sentence:
		return true
	case <-u.ctx.Done():
		return false
	}
}

// speak synthesizes one sentence onto the bus. A failed synthesis is retried
// only while none of its audio has been published.
func (u *utterance) speak(sentence string) {
	s := u.s
	if s.deps.Synthesizer == nil {
		u.addSpoken(sentence)
		return
	}
	for attempt := 1; attempt <= s.cfg.SynthMaxAttempts; attempt++ {
		published, err := u.synthesize(sentence)
		if err == nil || u.ctx.Err() != nil {
			return
		}
		s.obs.SynthesisFailure()
		s.logger.Warn("synthesis failed",
			slog.String("utterance_id", u.id),
			slog.Int("attempt", attempt),
			slog.Bool("partial", published),
			slog.Any("err", err))
		if published {
			return
		}
	}
}

func (u *utterance) synthesize(sentence string) (bool, error) {
	ctx, cancel := context.WithCancel(u.ctx)
	defer cancel()
	chunks, errc := u.s.deps.Synthesizer.StreamSynthesize(ctx, sentence)
	framer := audio.NewFramer(audio.FrameBytes)
	published := false
	var pubErr error
	for chunk := range chunks {
		if pubErr != nil {
			continue
		}
		if !published {
			published = true
			u.addSpoken(sentence)
		}
		for _, frame := range framer.Write(chunk) {
			if pubErr = u.s.bus.PublishOutbound(ctx, frame); pubErr != nil {
				cancel()
				break
			}
		}
	}
	err := <-errc
	if pubErr != nil {
		return published, nil
	}
	if err != nil {
		return published, err
	}
	if tail := framer.Flush(); tail != nil {
		_ = u.s.bus.PublishOutbound(ctx, tail)
	}
	return published, nil
}

// drain waits for queued agent audio to be read by the transport.
func (u *utterance) drain() {
	t := time.NewTicker(audio.FrameDuration)
	defer t.Stop()
	for u.s.bus.OutboundPending() > 0 {
		select {
		case <-u.ctx.Done():
			return
		case <-u.s.bus.Done():
			return
		case <-t.C:
		}
	}
}
