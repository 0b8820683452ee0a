// Package tts converts agent text into pipeline PCM.
package tts

import (
	"context"
	"strings"
)

// Synthesizer is the text-to-speech capability. Audio is 16-bit little-endian mono PCM
// at audio.SampleRate. Canceling ctx stops synthesis and closes both channels; provider
// failures arrive on the error channel classified as callerr.KindSynthesis.
type Synthesizer interface {
	StreamSynthesize(ctx context.Context, text string) (<-chan []byte, <-chan error)
}

// SplitSentences splits a reply into sentence-like chunks on '.', '?', '!' and newlines,
// keeping the punctuation.
func SplitSentences(reply string) []string {
	var sb SentenceBuffer
	chunks := sb.Push(reply)
	if tail := sb.Flush(); tail != "" {
		chunks = append(chunks, tail)
	}
	return chunks
}

// SentenceBuffer accumulates streamed text deltas and releases complete sentences so
// synthesis can start before the model finishes.
type SentenceBuffer struct {
	b strings.Builder
}

// Push appends delta and returns the sentences it completed.
func (s *SentenceBuffer) Push(delta string) []string {
	var chunks []string
	for _, r := range delta {
		switch r {
		case '.', '!', '?':
			s.b.WriteRune(r)
			if chunk := strings.TrimSpace(s.b.String()); chunk != "" {
				chunks = append(chunks, chunk)
			}
			s.b.Reset()
		case '\n', '\r':
			if chunk := strings.TrimSpace(s.b.String()); chunk != "" {
				chunks = append(chunks, chunk)
			}
			s.b.Reset()
		default:
			s.b.WriteRune(r)
		}
	}
	return chunks
}

// Flush returns whatever text is buffered.
func (s *SentenceBuffer) Flush() string {
	tail := strings.TrimSpace(s.b.String())
	s.b.Reset()
	return tail
}
