// Package turn decides who holds the floor: when the caller finished speaking,
// when the agent may answer, and when the caller barges in on the agent.
package turn

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/chadiek/call-receptionist/internal/transcript"
)

// Kind of a Signal.
type Kind int

const (
	CallerSpeaking Kind = iota + 1
	CallerSilent
	AgentMaySpeak
	BargeIn
	SessionIdle
)

func (k Kind) String() string {
	switch k {
	case CallerSpeaking:
		return "caller_speaking"
	case CallerSilent:
		return "caller_silent"
	case AgentMaySpeak:
		return "agent_may_speak"
	case BargeIn:
		return "barge_in"
	case SessionIdle:
		return "session_idle"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Signal is a turn-taking decision.
type Signal struct {
	Kind Kind
	At   time.Time
	// Silence is set on CallerSilent.
	Silence time.Duration
	// Utterances are the finalized caller utterances that make up the turn (AgentMaySpeak).
	Utterances []transcript.Event
	// Cause of a BargeIn: "voice" or "transcript".
	Cause string
	// IdleCount and Exhausted are set on SessionIdle.
	IdleCount int
	Exhausted bool
}

// Text joins the utterances of an AgentMaySpeak signal.
func (s Signal) Text() string {
	parts := make([]string, 0, len(s.Utterances))
	for _, u := range s.Utterances {
		if t := strings.TrimSpace(u.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// Config holds the turn-taking thresholds.
type Config struct {
	// EndOfTurnSilence is the inbound silence after a final transcript that ends the caller's turn.
	EndOfTurnSilence time.Duration
	// ContinuationExtension is added when the turn ends on a word like "and" or "because".
	ContinuationExtension time.Duration
	// BargeInMinVoice is the sustained caller voice that interrupts the agent.
	BargeInMinVoice time.Duration
	// BargeInTokens is the count of new, non-echo partial transcript words that interrupts the agent.
	BargeInTokens int
	// IdleTimeout is how long without caller activity before SessionIdle.
	IdleTimeout time.Duration
	// MaxIdlePeriods marks SessionIdle as exhausted once reached.
	MaxIdlePeriods int
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		EndOfTurnSilence:      700 * time.Millisecond,
		ContinuationExtension: 1200 * time.Millisecond,
		BargeInMinVoice:       120 * time.Millisecond,
		BargeInTokens:         3,
		IdleTimeout:           15 * time.Second,
		MaxIdlePeriods:        3,
	}
}

// Coordinator is a deterministic turn-taking state machine. Every input carries the
// observation time and returns the signals it caused. It is owned by a single goroutine.
type Coordinator struct {
	cfg Config

	agentSpeaking bool
	barged        bool

	callerVoiced   bool
	voiceStart     time.Time
	lastVoice      time.Time
	lastTranscript time.Time
	silentReported bool

	lastActivity time.Time
	idleCount    int

	pending    []transcript.Event
	seenFinals map[string]struct{}

	// partial-growth barge-in
	partialBase map[string]int
	echo        map[string]struct{}
}

// NewCoordinator returns a Coordinator whose idle clock starts at now.
func NewCoordinator(cfg Config, now time.Time) *Coordinator {
	return &Coordinator{
		cfg:          cfg,
		lastActivity: now,
		seenFinals:   make(map[string]struct{}),
		partialBase:  make(map[string]int),
		echo:         make(map[string]struct{}),
	}
}

// AgentSpeaking reports whether an agent utterance is in flight.
func (c *Coordinator) AgentSpeaking() bool { return c.agentSpeaking }

// SetAgentSpeaking marks the start or end of an agent utterance.
func (c *Coordinator) SetAgentSpeaking(now time.Time, on bool) {
	if on == c.agentSpeaking {
		return
	}
	c.agentSpeaking = on
	c.barged = false
	if on {
		c.partialBase = make(map[string]int)
		c.echo = make(map[string]struct{})
		if c.callerVoiced {
			// voice already running when the agent started does not count toward barge-in
			c.voiceStart = now
		}
		return
	}
	c.lastActivity = now
}

// NotifyAgentText registers words the agent is saying so their echo is not taken for caller speech.
func (c *Coordinator) NotifyAgentText(text string) {
	for _, w := range words(text) {
		c.echo[w] = struct{}{}
	}
}

// Activity feeds one inbound voice-activity observation.
func (c *Coordinator) Activity(now time.Time, voiced bool) []Signal {
	var out []Signal
	if !voiced {
		if c.callerVoiced {
			c.callerVoiced = false
			c.silentReported = false
		}
		return out
	}
	c.lastVoice = now
	c.lastActivity = now
	c.idleCount = 0
	if !c.callerVoiced {
		c.callerVoiced = true
		c.voiceStart = now
		out = append(out, Signal{Kind: CallerSpeaking, At: now})
	}
	if c.agentSpeaking && !c.barged && now.Sub(c.voiceStart) >= c.cfg.BargeInMinVoice {
		out = append(out, c.bargeIn(now, "voice"))
	}
	return out
}

// Transcript feeds one recognizer event.
func (c *Coordinator) Transcript(now time.Time, ev transcript.Event) []Signal {
	var out []Signal
	c.lastActivity = now
	c.idleCount = 0
	if !ev.IsFinal {
		c.lastTranscript = now
		if c.agentSpeaking && !c.barged && c.partialGrowth(ev) {
			out = append(out, c.bargeIn(now, "transcript"))
		}
		return out
	}
	if _, seen := c.seenFinals[ev.UtteranceID]; seen {
		return out
	}
	c.seenFinals[ev.UtteranceID] = struct{}{}
	delete(c.partialBase, ev.UtteranceID)
	if strings.TrimSpace(ev.Text) == "" {
		return out
	}
	c.lastTranscript = now
	c.pending = append(c.pending, ev)
	return out
}

// Tick advances time-based decisions: end of turn and idle detection.
func (c *Coordinator) Tick(now time.Time) []Signal {
	var out []Signal
	if c.callerVoiced {
		return out
	}
	silenceSince := c.lastVoice
	if c.lastTranscript.After(silenceSince) {
		silenceSince = c.lastTranscript
	}

	if len(c.pending) > 0 {
		threshold := c.cfg.EndOfTurnSilence
		if continuationLikely(c.pending[len(c.pending)-1].Text) {
			threshold += c.cfg.ContinuationExtension
		}
		if silence := now.Sub(silenceSince); silence >= threshold {
			utterances := c.pending
			c.pending = nil
			c.silentReported = true
			out = append(out,
				Signal{Kind: CallerSilent, At: now, Silence: silence},
				Signal{Kind: AgentMaySpeak, At: now, Utterances: utterances},
			)
		}
		return out
	}

	if !c.silentReported && !c.lastVoice.IsZero() {
		if silence := now.Sub(silenceSince); silence >= c.cfg.EndOfTurnSilence {
			c.silentReported = true
			out = append(out, Signal{Kind: CallerSilent, At: now, Silence: silence})
		}
	}

	if !c.agentSpeaking && c.cfg.IdleTimeout > 0 && now.Sub(c.lastActivity) >= c.cfg.IdleTimeout {
		c.idleCount++
		c.lastActivity = now
		out = append(out, Signal{
			Kind:      SessionIdle,
			At:        now,
			IdleCount: c.idleCount,
			Exhausted: c.cfg.MaxIdlePeriods > 0 && c.idleCount >= c.cfg.MaxIdlePeriods,
		})
	}
	return out
}

// Pending reports whether finalized caller speech is waiting for end of turn.
func (c *Coordinator) Pending() bool { return len(c.pending) > 0 }

func (c *Coordinator) bargeIn(now time.Time, cause string) Signal {
	c.barged = true
	return Signal{Kind: BargeIn, At: now, Cause: cause}
}

// partialGrowth counts words added to an utterance since the agent started speaking,
// ignoring stopwords and words the agent itself is saying.
func (c *Coordinator) partialGrowth(ev transcript.Event) bool {
	if c.cfg.BargeInTokens <= 0 {
		return false
	}
	tokens := words(ev.Text)
	base, ok := c.partialBase[ev.UtteranceID]
	if !ok {
		base = 0
	}
	fresh := 0
	for i := base; i < len(tokens); i++ {
		w := tokens[i]
		if isStopword(w) {
			continue
		}
		if _, echoed := c.echo[w]; echoed {
			continue
		}
		fresh++
	}
	if fresh >= c.cfg.BargeInTokens {
		c.partialBase[ev.UtteranceID] = len(tokens)
		return true
	}
	return false
}

func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func isStopword(s string) bool {
	switch s {
	case "the", "a", "an", "and", "or", "to", "of", "in", "on", "for", "is", "it", "uh", "um", "yeah", "ok", "okay", "mm", "hmm":
		return true
	}
	return false
}

// continuationLikely reports whether text ends on a word that usually means more is coming.
func continuationLikely(text string) bool {
	w := lastWord(text)
	if w == "" {
		return false
	}
	_, ok := continuationWords[w]
	return ok
}

func lastWord(text string) string {
	fields := strings.FieldsFunc(strings.TrimSpace(text), func(r rune) bool { return !unicode.IsLetter(r) })
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[len(fields)-1])
}

var continuationWords = map[string]struct{}{
	// coordinating conjunctions
	"and": {}, "or": {}, "but": {}, "nor": {}, "yet": {}, "so": {},
	// subordinating conjunctions
	"if": {}, "when": {}, "while": {}, "though": {}, "although": {},
	"because": {}, "since": {}, "unless": {}, "until": {}, "whereas": {},
	// fillers
	"also": {}, "plus": {}, "um": {}, "uh": {}, "like": {},
	// prepositions
	"about": {}, "with": {}, "to": {}, "of": {}, "for": {}, "on": {}, "in": {}, "at": {},
}
