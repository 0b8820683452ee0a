package dialogue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chadiek/call-receptionist/internal/callerr"
	"github.com/chadiek/call-receptionist/internal/llm"
)

const tracerName = "github.com/chadiek/call-receptionist/internal/dialogue"

type Config struct {
	System string
	// Timeout bounds the wait for the first delta and every gap between deltas.
	Timeout time.Duration
	// MaxFailures consecutive model failures escalate to EndCall{ReasonModelUnavailable}.
	MaxFailures int
	MaxTokens   int
	Budget      *llm.TokenBudget
	Logger      *slog.Logger
	// OnModelFailure is called for every counted failure.
	OnModelFailure func(err error)
}

// Engine produces responses for one call. Failure counting is per engine,
// so a fresh engine is created for every call session.
type Engine struct {
	model  llm.Client
	cfg    Config
	tracer trace.Tracer

	mu       sync.Mutex
	failures int
}

func NewEngine(model llm.Client, cfg Config) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{model: model, cfg: cfg, tracer: otel.Tracer(tracerName)}
}

// Failures returns the current count of consecutive model failures.
func (e *Engine) Failures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures
}

// Delta is one element of a response: either Text or an Intent.
type Delta struct {
	Text   string
	Intent Intent
}

// Stream is a lazily produced response. Text deltas come in order; TransferRequested
// and EndCall intents are emitted as soon as their tag is seen, possibly before
// trailing text, and every other intent follows the text. A response always ends
// with at least one intent.
type Stream struct {
	ID string

	out    chan Delta
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Recv returns the next delta, io.EOF after the last one, or the context error
// if the response was canceled.
func (s *Stream) Recv() (Delta, error) {
	d, ok := <-s.out
	if !ok {
		<-s.done
		return Delta{}, s.err
	}
	return d, nil
}

// Close cancels the response and waits for the producer to stop.
func (s *Stream) Close() {
	s.cancel()
	<-s.done
}

// Respond starts a response to newTurn given the prior history. If the last
// history entry is newTurn itself it is not repeated.
func (e *Engine) Respond(ctx context.Context, history []Turn, newTurn Turn) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		ID:     uuid.NewString(),
		out:    make(chan Delta, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		defer close(s.out)
		defer cancel()
		s.err = e.run(ctx, s, history, newTurn)
	}()
	return s
}

func (e *Engine) run(ctx context.Context, s *Stream, history []Turn, newTurn Turn) error {
	logger := e.cfg.Logger.With(slog.String("response_id", s.ID))
	ctx, span := e.tracer.Start(ctx, "dialogue.respond", trace.WithAttributes(
		attribute.String("response.id", s.ID),
		attribute.Int("history.turns", len(history)),
	))
	defer span.End()

	emit := func(d Delta) error {
		select {
		case s.out <- d:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var (
		parser    TagParser
		deferred  []Intent
		emitted   int
		intents   int
		earlySeen = map[string]bool{}
	)
	handle := func(pieces []Piece) error {
		for _, p := range pieces {
			if p.Intent == nil {
				if p.Text == "" {
					continue
				}
				emitted++
				if err := emit(Delta{Text: p.Text}); err != nil {
					return err
				}
				continue
			}
			if Early(p.Intent) {
				key := fmt.Sprintf("%T", p.Intent)
				if earlySeen[key] {
					continue
				}
				earlySeen[key] = true
				emitted++
				intents++
				if err := emit(Delta{Intent: p.Intent}); err != nil {
					return err
				}
				continue
			}
			deferred = append(deferred, p.Intent)
		}
		return nil
	}
	finish := func() error {
		for _, in := range deferred {
			intents++
			if err := emit(Delta{Intent: in}); err != nil {
				return err
			}
		}
		if intents == 0 {
			return emit(Delta{Intent: None{}})
		}
		return nil
	}

	err := e.stream(ctx, history, newTurn, func(delta string) error {
		return handle(parser.Feed(delta))
	})
	if err == nil {
		e.succeeded()
		if err := handle(parser.Close()); err != nil {
			return err
		}
		if err := finish(); err != nil {
			return err
		}
		span.SetAttributes(attribute.String("outcome", "ok"))
		return io.EOF
	}
	if ctx.Err() != nil {
		// canceled by the caller, not a model failure
		span.SetAttributes(attribute.String("outcome", "canceled"))
		return ctx.Err()
	}

	err = callerr.New(callerr.KindModel, "dialogue.respond", err)
	span.RecordError(err)
	span.SetStatus(codes.Error, "model failure")
	failures := e.failed(err)
	logger.Warn("model failure", slog.Int("consecutive", failures), slog.Int("emitted", emitted), slog.Any("err", err))

	if failures >= e.cfg.MaxFailures {
		span.SetAttributes(attribute.String("outcome", ReasonModelUnavailable))
		if err := emit(Delta{Text: UnavailableMessage}); err != nil {
			return err
		}
		if err := emit(Delta{Intent: EndCall{Reason: ReasonModelUnavailable}}); err != nil {
			return err
		}
		return io.EOF
	}
	span.SetAttributes(attribute.String("outcome", "fallback"))
	if emitted == 0 {
		if err := emit(Delta{Text: FallbackApology}); err != nil {
			return err
		}
		if err := emit(Delta{Intent: None{}}); err != nil {
			return err
		}
		return io.EOF
	}
	// partial reply already spoken: close it out with what was parsed so far
	if err := handle(parser.Close()); err != nil {
		return err
	}
	if err := finish(); err != nil {
		return err
	}
	return io.EOF
}

// stream runs one model completion, calling onDelta for each text delta. A
// stall longer than the configured timeout cancels the completion.
func (e *Engine) stream(ctx context.Context, history []Turn, newTurn Turn, onDelta func(string) error) error {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var timedOut atomic.Bool
	timer := time.AfterFunc(e.cfg.Timeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer timer.Stop()

	req := e.request(history, newTurn)
	st, err := e.model.Stream(reqCtx, req)
	if err != nil {
		if timedOut.Load() {
			return context.DeadlineExceeded
		}
		return err
	}
	defer st.Close()
	for {
		delta, err := st.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if timedOut.Load() {
				return context.DeadlineExceeded
			}
			return err
		}
		timer.Reset(e.cfg.Timeout)
		if err := onDelta(delta); err != nil {
			return err
		}
	}
}

func (e *Engine) request(history []Turn, newTurn Turn) llm.Request {
	msgs := make([]llm.Message, 0, len(history)+1)
	add := func(t Turn) {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			return
		}
		role := llm.RoleUser
		if t.Speaker == Agent {
			role = llm.RoleAssistant
		}
		// providers expect alternating roles; merge runs of the same speaker
		if n := len(msgs); n > 0 && msgs[n-1].Role == role {
			msgs[n-1].Content += " " + text
			return
		}
		msgs = append(msgs, llm.Message{Role: role, Content: text})
	}
	for _, t := range history {
		add(t)
	}
	if n := len(history); n == 0 || history[n-1].ID != newTurn.ID || newTurn.ID == "" {
		add(newTurn)
	}
	return llm.Request{
		System:    e.cfg.System,
		Messages:  e.cfg.Budget.Fit(e.cfg.System, msgs),
		MaxTokens: e.cfg.MaxTokens,
	}
}

func (e *Engine) succeeded() {
	e.mu.Lock()
	e.failures = 0
	e.mu.Unlock()
}

func (e *Engine) failed(err error) int {
	e.mu.Lock()
	e.failures++
	n := e.failures
	e.mu.Unlock()
	if e.cfg.OnModelFailure != nil {
		e.cfg.OnModelFailure(err)
	}
	return n
}
