// Package call runs one phone call end to end: it owns the call state machine
// and the tasks that connect the audio bus to recognition, dialogue and synthesis.
package call

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chadiek/call-receptionist/internal/audio"
	"github.com/chadiek/call-receptionist/internal/dialogue"
	"github.com/chadiek/call-receptionist/internal/telephony"
	"github.com/chadiek/call-receptionist/internal/transcript"
	"github.com/chadiek/call-receptionist/internal/turn"
)

// Session is the aggregate for one call. Only the control loop mutates call
// state; other tasks talk to it through the events channel.
type Session struct {
	ID string

	bus     *audio.Bus
	tel     telephony.Client
	history *dialogue.History
	machine *Machine
	engine  *dialogue.Engine
	cfg     Config
	deps    Deps
	obs     Observer
	logger  *slog.Logger

	events chan event
	jobs   chan dialogue.Intent
	recIn  chan audio.Frame

	utterances sync.WaitGroup
	done       chan struct{}

	mu        sync.Mutex
	endReason string
}

func newSession(callID string, bus *audio.Bus, tel telephony.Client, cfg Config, deps Deps) *Session {
	cfg = cfg.withDefaults()
	if tel == nil {
		tel = telephony.Noop{}
	}
	obs := deps.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	machine := NewMachine(callID, logger, obs)
	logger = logger.With(slog.String("call_id", callID))
	s := &Session{
		ID:      callID,
		bus:     bus,
		tel:     tel,
		history: dialogue.NewHistory(),
		machine: machine,
		cfg:     cfg,
		deps:    deps,
		obs:     obs,
		logger:  logger,
		events:  make(chan event, 256),
		jobs:    make(chan dialogue.Intent, 16),
		recIn:   make(chan audio.Frame, 256),
		done:    make(chan struct{}),
	}
	s.engine = dialogue.NewEngine(deps.Model, dialogue.Config{
		System:         cfg.SystemPrompt,
		Timeout:        cfg.ModelTimeout,
		MaxFailures:    cfg.MaxModelFailures,
		MaxTokens:      cfg.MaxTokens,
		Budget:         deps.Budget,
		Logger:         logger,
		OnModelFailure: func(error) { obs.ModelFailure() },
	})
	return s
}

// State returns the current call state.
func (s *Session) State() State { return s.machine.State() }

// Transitions returns the accepted state transitions so far.
func (s *Session) Transitions() []Transition { return s.machine.Transitions() }

// History returns a snapshot of the conversation.
func (s *Session) History() []dialogue.Turn { return s.history.Snapshot() }

// Done is closed once the session has ended and released its resources.
func (s *Session) Done() <-chan struct{} { return s.done }

// EndReason is the trigger of the final transition.
func (s *Session) EndReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

// Run drives the call until it ends. It always closes the bus before returning.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	s.obs.SessionStarted()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.feed(gctx) })
	g.Go(func() error { return s.recognize(gctx) })
	g.Go(func() error { return s.work(gctx) })
	g.Go(func() error {
		defer cancel()
		return s.control(gctx)
	})
	err := g.Wait()
	s.utterances.Wait()
	s.bus.Close()
	s.archive()
	s.obs.SessionEnded(s.EndReason())
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// feed splits inbound audio into voice activity for the coordinator and frames for the recognizer.
func (s *Session) feed(ctx context.Context) error {
	vad := turn.NewEnergyVAD(s.cfg.VoiceThreshold)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.bus.Done():
			s.post(ctx, busDoneEvent{err: s.bus.Err()})
			return nil
		case f := <-s.bus.Inbound():
			s.post(ctx, activityEvent{at: time.Now(), voiced: vad.Voiced(f.PCM)})
			select {
			case s.recIn <- f:
			default:
				// recognizer is behind: keep the newest audio
				select {
				case <-s.recIn:
					s.obs.FrameDropped(audio.Inbound, "recognizer_backlog")
				default:
				}
				select {
				case s.recIn <- f:
				default:
				}
			}
		}
	}
}

// recognize keeps a recognizer stream open, restarting it after failures.
func (s *Session) recognize(ctx context.Context) error {
	if s.deps.Recognizer == nil {
		<-ctx.Done()
		return nil
	}
	failures := 0
	for {
		events, errc := s.deps.Recognizer.StreamTranscribe(ctx, s.recIn)
		for ev := range events {
			failures = 0
			s.post(ctx, transcriptEvent{at: time.Now(), ev: ev})
		}
		err := <-errc
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errors.New("recognizer stream closed")
		}
		failures++
		s.logger.Warn("recognizer failure", slog.Int("attempt", failures), slog.Any("err", err))
		if failures >= s.cfg.RecognizerMaxAttempts {
			s.post(ctx, recognizerDownEvent{err: err})
			<-ctx.Done()
			return nil
		}
		s.obs.RecognizerRestart()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Duration(failures) * 100 * time.Millisecond):
		}
	}
}

// work handles appointment and ticket intents apart from the call state machine.
func (s *Session) work(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case in := <-s.jobs:
			if line := s.handleJob(ctx, in); line != "" {
				s.post(ctx, sayEvent{text: line})
			}
		}
	}
}

func (s *Session) handleJob(ctx context.Context, in dialogue.Intent) string {
	switch in := in.(type) {
	case dialogue.AppointmentAction:
		if s.deps.Appointments == nil {
			return noStoreLine
		}
		line, _ := s.deps.Appointments.Handle(ctx, s.ID, in)
		return line
	case dialogue.TicketRequested:
		if s.deps.Tickets == nil {
			return ticketFailLine
		}
		err := s.deps.Tickets.CreateTicket(ctx, telephony.Ticket{
			CallID:      s.ID,
			Subject:     in.Subject,
			Description: in.Description,
			Name:        in.Name,
			Email:       in.Email,
			Phone:       in.Phone,
		})
		if err != nil {
			s.logger.Warn("support ticket failed", slog.Any("err", err))
			return ticketFailLine
		}
		s.logger.Info("support ticket created", slog.String("subject", in.Subject))
		return ticketOKLine
	}
	return ""
}

func (s *Session) post(ctx context.Context, ev event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

func (s *Session) setEndReason(reason string) {
	s.mu.Lock()
	s.endReason = reason
	s.mu.Unlock()
}

type event interface{}

type (
	activityEvent struct {
		at     time.Time
		voiced bool
	}
	transcriptEvent struct {
		at time.Time
		ev transcript.Event
	}
	recognizerDownEvent struct{ err error }
	busDoneEvent        struct{ err error }
	sayEvent            struct{ text string }
	intentEvent         struct {
		u  *utterance
		in dialogue.Intent
	}
	agentTextEvent struct {
		u    *utterance
		text string
	}
	utteranceDoneEvent struct{ u *utterance }
	transferDoneEvent  struct {
		key string
		res telephony.TransferResult
		err error
	}
)

// controller is the state owned by the control loop.
type controller struct {
	s     *Session
	coord *turn.Coordinator

	current      *utterance
	pendingSay   []string
	pendingReply *dialogue.Turn

	transfers map[string]bool
	ending    bool
	endAs     string
}

func (s *Session) control(ctx context.Context) error {
	c := &controller{
		s:         s,
		coord:     turn.NewCoordinator(s.cfg.Turn, time.Now()),
		transfers: make(map[string]bool),
	}
	ringing := time.NewTimer(s.cfg.RingingTimeout)
	defer ringing.Stop()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	ready := s.bus.Ready()

	for {
		if st := s.machine.State(); st == Ended {
			return nil
		}
		select {
		case <-ctx.Done():
			c.abort(ErrorTerminating, "shutdown")
			return nil
		case <-ready:
			ready = nil
			ringing.Stop()
			if s.machine.State() == Ringing {
				if err := s.machine.To(Active, "audio_confirmed"); err == nil && s.cfg.Greeting != "" {
					c.say(s.cfg.Greeting)
				}
			}
		case <-ringing.C:
			if s.machine.State() == Ringing {
				c.abort(ErrorTerminating, "ringing_timeout")
			}
		case now := <-ticker.C:
			c.signals(c.coord.Tick(now))
		case ev := <-s.events:
			c.handle(ctx, ev)
		}
		c.advance(ctx)
	}
}

func (c *controller) handle(ctx context.Context, ev event) {
	s := c.s
	switch ev := ev.(type) {
	case activityEvent:
		if s.machine.State() == Ringing {
			return
		}
		c.signals(c.coord.Activity(ev.at, ev.voiced))
	case transcriptEvent:
		if s.machine.State() == Ringing {
			return
		}
		c.signals(c.coord.Transcript(ev.at, ev.ev))
	case agentTextEvent:
		if ev.u == c.current {
			c.coord.NotifyAgentText(ev.text)
		}
	case intentEvent:
		c.intent(ctx, ev.u, ev.in)
	case utteranceDoneEvent:
		c.utteranceDone(ev.u)
	case sayEvent:
		if s.machine.State() == Active {
			c.say(ev.text)
		}
	case transferDoneEvent:
		c.transferDone(ev)
	case recognizerDownEvent:
		s.logger.Error("recognizer unavailable", slog.Any("err", ev.err))
		if s.machine.State() == Active {
			c.pendingSay = append(c.pendingSay, recognizerDownLine)
			c.end(dialogue.ReasonRecognizerUnavailable)
		} else {
			c.abort(ErrorTerminating, dialogue.ReasonRecognizerUnavailable)
		}
	case busDoneEvent:
		c.busDone(ev.err)
	}
}

func (c *controller) signals(sigs []turn.Signal) {
	s := c.s
	for _, sig := range sigs {
		switch sig.Kind {
		case turn.BargeIn:
			if c.current != nil && !c.current.interrupted() {
				s.logger.Info("barge-in", slog.String("cause", sig.Cause), slog.String("utterance_id", c.current.id))
				c.current.interrupt()
				s.bus.Flush()
			}
		case turn.AgentMaySpeak:
			c.callerTurn(sig)
		case turn.SessionIdle:
			if s.machine.State() != Active || c.ending {
				continue
			}
			s.logger.Info("session idle", slog.Int("count", sig.IdleCount), slog.Bool("exhausted", sig.Exhausted))
			if sig.Exhausted {
				c.pendingSay = append(c.pendingSay, s.cfg.ClosingAnnouncement)
				c.end(dialogue.ReasonIdle)
				continue
			}
			c.say(idlePrompt)
		}
	}
}

func (c *controller) callerTurn(sig turn.Signal) {
	s := c.s
	text := sig.Text()
	if text == "" {
		return
	}
	ids := make([]string, 0, len(sig.Utterances))
	for _, u := range sig.Utterances {
		ids = append(ids, u.UtteranceID)
	}
	t := dialogue.Turn{ID: strings.Join(ids, "+"), Speaker: dialogue.Caller, Text: text, Timestamp: sig.At}
	if !s.history.Append(t) {
		return
	}
	s.logger.Info("caller turn", slog.String("turn_id", t.ID), slog.String("text", text))
	if st := s.machine.State(); (st != Active && st != Transferring) || c.ending {
		return
	}
	// a turn taken while transferring is answered if the call returns to active
	c.pendingReply = &t
}

func (c *controller) intent(ctx context.Context, u *utterance, in dialogue.Intent) {
	s := c.s
	u.addIntent(in)
	switch in := in.(type) {
	case dialogue.TransferRequested:
		c.transfer(ctx, u, in)
	case dialogue.EndCall:
		if s.machine.State() == Active && !c.ending {
			reason := in.Reason
			if reason == "" {
				reason = dialogue.ReasonCallerRequested
			}
			// committed once the utterance plays out without a barge-in
			u.endsCall = true
			u.endReason = reason
		}
	case dialogue.AppointmentAction, dialogue.TicketRequested:
		select {
		case s.jobs <- in:
		default:
			s.logger.Warn("intent queue full", slog.String("intent", in.String()))
		}
	}
}

func (c *controller) transfer(ctx context.Context, u *utterance, in dialogue.TransferRequested) {
	s := c.s
	key := u.trigger
	if key == "" {
		key = u.id
	}
	if c.transfers[key] {
		return
	}
	c.transfers[key] = true
	if s.machine.State() != Active || c.ending {
		return
	}
	target := in.TargetNumber
	if target == "" {
		target = s.cfg.ForwardingNumber
	}
	if _, noLeg := s.tel.(telephony.Noop); noLeg || target == "" {
		c.pendingSay = append(c.pendingSay, noTransferLine)
		return
	}
	if err := s.machine.To(Transferring, "transfer_requested"); err != nil {
		return
	}
	req := telephony.TransferRequest{CallID: s.ID, TargetNumber: target, IdempotencyKey: key}
	go func() {
		res, err := s.runTransfer(ctx, req, u.done)
		s.post(ctx, transferDoneEvent{key: key, res: res, err: err})
	}()
}

func (c *controller) transferDone(ev transferDoneEvent) {
	s := c.s
	if s.machine.State() != Transferring {
		return
	}
	if ev.err == nil && ev.res.Status == telephony.TransferAccepted {
		s.obs.TransferAttempt("accepted")
		c.stopCurrent()
		c.finish(Ended, "transfer_accepted")
		return
	}
	outcome, reason := "failed", ""
	if ev.err == nil {
		outcome, reason = "rejected", ev.res.Reason
	}
	s.obs.TransferAttempt(outcome)
	s.logger.Warn("transfer failed", slog.String("outcome", outcome), slog.String("reason", reason), slog.Any("err", ev.err))
	if s.cfg.Transfer.OnFailure == Terminate {
		c.pendingSay = append(c.pendingSay, transferApology+" Goodbye.")
		c.end("transfer_failed")
		return
	}
	if err := s.machine.To(Active, "transfer_failed"); err == nil {
		c.say(transferApology + transferRemain)
	}
}

// end schedules a graceful close once queued speech has played.
func (c *controller) end(reason string) {
	if c.ending {
		return
	}
	c.ending = true
	c.endAs = reason
	c.pendingReply = nil
}

func (c *controller) busDone(err error) {
	s := c.s
	if err != nil {
		s.logger.Error("transport failure", slog.Any("err", err))
		c.abort(ErrorTerminating, "transport_error")
		return
	}
	c.stopCurrent()
	switch s.machine.State() {
	case Active, Transferring:
		c.finish(Ended, "caller_hangup")
	case Ringing:
		_ = s.machine.To(ErrorTerminating, "caller_hangup")
		c.finish(Ended, "caller_hangup")
	}
}

// abort cancels everything, releases the telephony leg and ends the call through via.
func (c *controller) abort(via State, trigger string) {
	s := c.s
	c.stopCurrent()
	st := s.machine.State()
	if st == Ended {
		return
	}
	if st != ErrorTerminating {
		_ = s.machine.To(via, trigger)
	}
	s.hangup()
	c.finish(Ended, trigger)
}

func (c *controller) finish(to State, trigger string) {
	s := c.s
	if err := s.machine.To(to, trigger); err == nil {
		s.setEndReason(trigger)
	}
}

func (c *controller) stopCurrent() {
	if c.current != nil {
		c.current.interrupt()
	}
}

// advance starts the next utterance when the floor is free, or closes an ending call.
func (c *controller) advance(ctx context.Context) {
	s := c.s
	st := s.machine.State()
	if c.current != nil || (st != Active && st != Transferring) {
		return
	}
	if len(c.pendingSay) > 0 {
		text := c.pendingSay[0]
		c.pendingSay = c.pendingSay[1:]
		c.start(ctx, s.newSayUtterance(ctx, text))
		return
	}
	if c.ending {
		s.hangup()
		c.finish(Ended, c.endAs)
		return
	}
	if st == Active && c.pendingReply != nil && !c.coord.Pending() {
		t := *c.pendingReply
		c.pendingReply = nil
		c.start(ctx, s.newReplyUtterance(ctx, t))
	}
}

func (c *controller) say(text string) {
	if strings.TrimSpace(text) != "" {
		c.pendingSay = append(c.pendingSay, text)
	}
}

func (c *controller) start(ctx context.Context, u *utterance) {
	c.current = u
	c.coord.SetAgentSpeaking(time.Now(), true)
	c.s.utterances.Add(1)
	go func() {
		defer c.s.utterances.Done()
		u.run(ctx)
		c.s.post(ctx, utteranceDoneEvent{u: u})
	}()
}

func (c *controller) utteranceDone(u *utterance) {
	s := c.s
	if u != c.current {
		return
	}
	c.current = nil
	now := time.Now()
	c.coord.SetAgentSpeaking(now, false)
	spoken := u.spokenText()
	if u.interrupted() {
		// drop anything published between the barge-in flush and the producer stopping
		s.bus.Flush()
		latency := now.Sub(u.interruptedAt())
		s.obs.BargeIn(latency)
		if latency > s.cfg.BargeInBudget {
			s.logger.Warn("barge-in exceeded budget", slog.Duration("latency", latency), slog.Duration("budget", s.cfg.BargeInBudget))
		}
	}
	intents := u.intentList()
	if spoken != "" || len(intents) > 0 {
		s.history.Append(dialogue.Turn{
			ID:          u.id,
			Speaker:     dialogue.Agent,
			Text:        spoken,
			Intents:     intents,
			Timestamp:   now,
			Interrupted: u.interrupted(),
		})
	}
	if u.endsCall && !u.interrupted() && s.machine.State() == Active && !c.ending {
		if spoken == "" {
			c.pendingSay = append([]string{s.cfg.ClosingAnnouncement}, c.pendingSay...)
		}
		c.end(u.endReason)
	}
}

// hangup releases the telephony leg. It is bounded and detached from session cancellation.
func (s *Session) hangup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.tel.Hangup(ctx, s.ID); err != nil {
		s.logger.Warn("hangup failed", slog.Any("err", err))
	}
}

func (s *Session) archive() {
	if s.deps.Archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.deps.Archive.Archive(ctx, s.ID, s.history.Snapshot()); err != nil {
		s.logger.Warn("transcript archive failed", slog.Any("err", err))
	}
}
