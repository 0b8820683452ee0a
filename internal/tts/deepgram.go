package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"

	"github.com/chadiek/call-receptionist/internal/audio"
	"github.com/chadiek/call-receptionist/internal/callerr"
)

// Deepgram synthesizes over Deepgram's speak websocket as linear16 at the pipeline rate.
type Deepgram struct {
	apiKey string
	model  string
	// IdleWindow ends a stream once audio stopped arriving for this long.
	IdleWindow time.Duration
	// MaxDuration bounds a single sentence.
	MaxDuration time.Duration
	Logger      *slog.Logger
}

func NewDeepgram(apiKey, model string, logger *slog.Logger) *Deepgram {
	if model == "" {
		model = "aura-2-thalia-en"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Deepgram{
		apiKey:      apiKey,
		model:       model,
		IdleWindow:  400 * time.Millisecond,
		MaxDuration: 12 * time.Second,
		Logger:      logger,
	}
}

// StreamSynthesize implements Synthesizer.
func (d *Deepgram) StreamSynthesize(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(pcmCh)
		defer close(errCh)

		if d.apiKey == "" {
			errCh <- callerr.New(callerr.KindSynthesis, "deepgram.connect", errors.New("api key missing"))
			return
		}
		if text == "" {
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		options := &clientinterfaces.WSSpeakOptions{
			Model:      d.model,
			Encoding:   "linear16",
			SampleRate: audio.SampleRate,
		}

		var (
			lastRecv  atomic.Int64
			seenAudio atomic.Bool
			failOnce  sync.Once
			failErr   error
			failed    = make(chan struct{})
		)
		fail := func(err error) {
			failOnce.Do(func() { failErr = err; close(failed) })
		}

		cb := &speakCallback{
			onBinary: func(data []byte) error {
				if len(data) == 0 {
					return nil
				}
				lastRecv.Store(time.Now().UnixNano())
				seenAudio.Store(true)
				b := make([]byte, len(data))
				copy(b, data)
				select {
				case pcmCh <- b:
				case <-ctx.Done():
				}
				return nil
			},
			onError: func(e *msginterfaces.ErrorResponse) {
				fail(fmt.Errorf("deepgram: server error %+v", *e))
			},
		}

		dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
		if err != nil {
			errCh <- callerr.New(callerr.KindSynthesis, "deepgram.client", err)
			return
		}
		var stopOnce sync.Once
		stop := func() { stopOnce.Do(dg.Stop) }
		defer stop()

		if ok := dg.Connect(); !ok {
			errCh <- callerr.New(callerr.KindSynthesis, "deepgram.connect", errors.New("connect failed"))
			return
		}
		if err := dg.SpeakWithText(text); err != nil {
			errCh <- callerr.New(callerr.KindSynthesis, "deepgram.speak", err)
			return
		}
		if err := dg.Flush(); err != nil {
			d.Logger.Warn("deepgram: flush failed", slog.Any("error", err))
		}

		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		deadline := time.Now().Add(d.MaxDuration)
		for {
			select {
			case <-ctx.Done():
				return
			case <-failed:
				errCh <- callerr.New(callerr.KindSynthesis, "deepgram.stream", failErr)
				return
			case <-ticker.C:
				if seenAudio.Load() && time.Since(time.Unix(0, lastRecv.Load())) > d.IdleWindow {
					return
				}
				if time.Now().After(deadline) {
					if !seenAudio.Load() {
						errCh <- callerr.New(callerr.KindSynthesis, "deepgram.stream", errors.New("no audio before deadline"))
					}
					return
				}
			}
		}
	}()

	return pcmCh, errCh
}

type speakCallback struct {
	onBinary func([]byte) error
	onError  func(*msginterfaces.ErrorResponse)
}

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakCallback) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakCallback) UnhandledEvent([]byte) error                    { return nil }

func (s *speakCallback) Error(e *msginterfaces.ErrorResponse) error {
	if s.onError != nil && e != nil {
		s.onError(e)
	}
	return nil
}

func (s *speakCallback) Binary(byMsg []byte) error {
	if s.onBinary != nil {
		return s.onBinary(byMsg)
	}
	return nil
}
