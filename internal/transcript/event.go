// Package transcript turns caller audio into incremental and final transcript events.
package transcript

import (
	"context"
	"time"

	"github.com/chadiek/call-receptionist/internal/audio"
)

// Event is one transcript update. Incremental events for an utterance share
// UtteranceID and are superseded by later ones until IsFinal closes it.
type Event struct {
	UtteranceID string
	Text        string
	IsFinal     bool
	Start       time.Duration
	End         time.Duration
	Confidence  float64
}

// Recognizer is the speech-to-text capability. Implementations stop and close both
// channels when ctx is canceled or frames is closed; provider failures arrive on the
// error channel classified as callerr.KindRecognition.
type Recognizer interface {
	StreamTranscribe(ctx context.Context, frames <-chan audio.Frame) (<-chan Event, <-chan error)
}
