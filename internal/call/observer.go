package call

import (
	"time"

	"github.com/chadiek/call-receptionist/internal/audio"
)

// Observer receives call-level accounting. Implementations must be safe for concurrent use.
type Observer interface {
	audio.Observer
	Transition(from, to State, trigger string)
	BargeIn(latency time.Duration)
	TransferAttempt(outcome string)
	SynthesisFailure()
	RecognizerRestart()
	ModelFailure()
	SessionStarted()
	SessionEnded(reason string)
}

type nopObserver struct{}

func (nopObserver) FrameAccepted(audio.Direction)         {}
func (nopObserver) FrameRejected(audio.Direction, string) {}
func (nopObserver) FrameDropped(audio.Direction, string)  {}
func (nopObserver) Transition(State, State, string)       {}
func (nopObserver) BargeIn(time.Duration)                 {}
func (nopObserver) TransferAttempt(string)                {}
func (nopObserver) SynthesisFailure()                     {}
func (nopObserver) RecognizerRestart()                    {}
func (nopObserver) ModelFailure()                         {}
func (nopObserver) SessionStarted()                       {}
func (nopObserver) SessionEnded(string)                   {}
