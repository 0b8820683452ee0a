package call

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chadiek/call-receptionist/internal/appointment"
	"github.com/chadiek/call-receptionist/internal/llm"
	"github.com/chadiek/call-receptionist/internal/telephony"
	"github.com/chadiek/call-receptionist/internal/transcript"
	"github.com/chadiek/call-receptionist/internal/tts"
	"github.com/chadiek/call-receptionist/internal/turn"
)

// FailurePolicy decides what happens when a transfer cannot be completed.
type FailurePolicy string

const (
	// RemainActive apologizes and returns the call to the conversation.
	RemainActive FailurePolicy = "remain_active"
	// Terminate apologizes, releases the phone leg and ends the call.
	Terminate FailurePolicy = "terminate"
)

func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", RemainActive:
		return RemainActive, nil
	case Terminate:
		return Terminate, nil
	default:
		return RemainActive, fmt.Errorf("call: unknown transfer failure policy %q", s)
	}
}

type TransferPolicy struct {
	MaxAttempts int
	// Backoff is the wait before the second attempt; it doubles after each retry.
	Backoff time.Duration
	// Delay is waited after the announcement finished playing, before the first attempt.
	Delay     time.Duration
	OnFailure FailurePolicy
	// AttemptTimeout bounds one request to the switch.
	AttemptTimeout time.Duration
}

// Config holds the per-call tunables. It is shared read-only by all sessions.
type Config struct {
	Turn                  turn.Config
	VoiceThreshold        float64
	BargeInBudget         time.Duration
	RingingTimeout        time.Duration
	ModelTimeout          time.Duration
	MaxModelFailures      int
	MaxTokens             int
	RecognizerMaxAttempts int
	SynthMaxAttempts      int
	Transfer              TransferPolicy
	ForwardingNumber      string
	SystemPrompt          string
	Greeting              string
	ClosingAnnouncement   string
	// TickInterval paces time-based turn decisions.
	TickInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Turn:                  turn.DefaultConfig(),
		VoiceThreshold:        300,
		BargeInBudget:         300 * time.Millisecond,
		RingingTimeout:        10 * time.Second,
		ModelTimeout:          8 * time.Second,
		MaxModelFailures:      3,
		MaxTokens:             300,
		RecognizerMaxAttempts: 3,
		SynthMaxAttempts:      2,
		Transfer: TransferPolicy{
			MaxAttempts:    3,
			Backoff:        250 * time.Millisecond,
			OnFailure:      RemainActive,
			AttemptTimeout: 10 * time.Second,
		},
		Greeting:            "Hello, thank you for calling. How may I help you today?",
		ClosingAnnouncement: "Thank you for calling. Goodbye.",
		TickInterval:        20 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BargeInBudget <= 0 {
		c.BargeInBudget = d.BargeInBudget
	}
	if c.RingingTimeout <= 0 {
		c.RingingTimeout = d.RingingTimeout
	}
	if c.RecognizerMaxAttempts <= 0 {
		c.RecognizerMaxAttempts = d.RecognizerMaxAttempts
	}
	if c.SynthMaxAttempts <= 0 {
		c.SynthMaxAttempts = d.SynthMaxAttempts
	}
	if c.Transfer.MaxAttempts <= 0 {
		c.Transfer.MaxAttempts = d.Transfer.MaxAttempts
	}
	if c.Transfer.AttemptTimeout <= 0 {
		c.Transfer.AttemptTimeout = d.Transfer.AttemptTimeout
	}
	if c.Transfer.OnFailure == "" {
		c.Transfer.OnFailure = RemainActive
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	return c
}

// Deps are the shared, concurrency-safe collaborators injected into every session.
type Deps struct {
	Model       llm.Client
	Recognizer  transcript.Recognizer
	Synthesizer tts.Synthesizer
	Budget      *llm.TokenBudget
	// Appointments may be nil when no record store is configured.
	Appointments *appointment.Processor
	// Tickets may be nil.
	Tickets  telephony.TicketSink
	Archive  Archiver
	Observer Observer
	Logger   *slog.Logger
}

// Spoken lines used by the controller.
const (
	transferApology    = "I'm sorry, I wasn't able to connect you right now."
	transferRemain     = " Is there anything else I can help you with?"
	noTransferLine     = "I'm sorry, I can't transfer this call, but I'm happy to take a message."
	idlePrompt         = "Are you still there?"
	recognizerDownLine = "I'm sorry, I'm having trouble hearing you. Please call back in a few minutes. Goodbye."
	noStoreLine        = "I'm not able to manage appointments on this line, but I can take a message for the office."
	ticketOKLine       = "Thank you, I've passed your message on. Someone will get back to you soon."
	ticketFailLine     = "I'm sorry, I couldn't record your message just now."
)
