package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chadiek/call-receptionist/internal/audio"
	"github.com/chadiek/call-receptionist/internal/callerr"
)

// DefaultStreamingURL is AssemblyAI's v3 realtime endpoint.
const DefaultStreamingURL = "wss://streaming.assemblyai.com/v3/ws"

// AssemblyAI streams PCM to AssemblyAI Universal Streaming and maps its Turn messages to Events.
// One AssemblyAI value may serve many calls; each StreamTranscribe opens its own socket.
type AssemblyAI struct {
	apiKey string
	// URL overrides the streaming endpoint.
	URL    string
	Dialer *websocket.Dialer
	// Batch is how much audio is sent per websocket message. AssemblyAI accepts 50ms to 1s.
	Batch  time.Duration
	Logger *slog.Logger
}

// NewAssemblyAI returns a recognizer for the given API key.
func NewAssemblyAI(apiKey string, logger *slog.Logger) *AssemblyAI {
	if logger == nil {
		logger = slog.Default()
	}
	return &AssemblyAI{
		apiKey: apiKey,
		URL:    DefaultStreamingURL,
		Dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		Batch:  100 * time.Millisecond,
		Logger: logger,
	}
}

type beginMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type turnWord struct {
	Text        string  `json:"text"`
	Start       int64   `json:"start"`
	End         int64   `json:"end"`
	Confidence  float64 `json:"confidence"`
	WordIsFinal bool    `json:"word_is_final"`
}

type turnMessage struct {
	Type                string     `json:"type"`
	TurnOrder           int        `json:"turn_order"`
	Transcript          string     `json:"transcript"`
	EndOfTurn           bool       `json:"end_of_turn"`
	EndOfTurnConfidence float64    `json:"end_of_turn_confidence"`
	TurnFormatted       bool       `json:"turn_is_formatted"`
	Words               []turnWord `json:"words"`
}

type terminationMessage struct {
	Type                   string  `json:"type"`
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// StreamTranscribe implements Recognizer.
func (a *AssemblyAI) StreamTranscribe(ctx context.Context, frames <-chan audio.Frame) (<-chan Event, <-chan error) {
	events := make(chan Event, 64)
	errc := make(chan error, 1)
	go func() {
		defer close(events)
		defer close(errc)
		if err := a.run(ctx, frames, events); err != nil && ctx.Err() == nil {
			errc <- err
		}
	}()
	return events, errc
}

func (a *AssemblyAI) dial(ctx context.Context) (*websocket.Conn, error) {
	if a.apiKey == "" {
		return nil, callerr.New(callerr.KindRecognition, "assemblyai.connect", errors.New("api key missing"))
	}
	u, err := url.Parse(a.URL)
	if err != nil {
		return nil, callerr.New(callerr.KindRecognition, "assemblyai.connect", err)
	}
	params := u.Query()
	params.Set("sample_rate", strconv.Itoa(audio.SampleRate))
	params.Set("encoding", "pcm_s16le")
	params.Set("format_turns", "false")
	u.RawQuery = params.Encode()

	headers := http.Header{"Authorization": {a.apiKey}}
	keyPreview := a.apiKey
	if len(keyPreview) > 4 {
		keyPreview = keyPreview[:4]
	}
	a.Logger.Debug("assemblyai: connecting", slog.String("url", a.URL), slog.String("key", keyPreview+"..."))

	conn, resp, err := a.Dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("status %d: %w", resp.StatusCode, err)
		}
		return nil, callerr.New(callerr.KindRecognition, "assemblyai.connect", err)
	}
	return conn, nil
}

func (a *AssemblyAI) run(ctx context.Context, frames <-chan audio.Frame, events chan<- Event) error {
	conn, err := a.dial(ctx)
	if err != nil {
		return err
	}

	var (
		readDone = make(chan error, 1)
		closing  sync.Once
	)
	shutdown := func() { closing.Do(func() { _ = conn.Close() }) }
	defer shutdown()

	go func() { readDone <- a.readLoop(ctx, conn, events) }()

	batchBytes := int(a.Batch/audio.FrameDuration) * audio.FrameBytes
	if batchBytes < audio.FrameBytes {
		batchBytes = audio.FrameBytes
	}
	batch := make([]byte, 0, batchBytes)
	send := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := conn.WriteMessage(websocket.BinaryMessage, batch)
		batch = batch[:0]
		return err
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Terminate"}`))
			shutdown()
			<-readDone
			return ctx.Err()
		case err := <-readDone:
			if err == nil {
				return nil
			}
			return callerr.New(callerr.KindRecognition, "assemblyai.read", err)
		case f, ok := <-frames:
			if !ok {
				if err := send(); err != nil {
					shutdown()
					<-readDone
					return callerr.New(callerr.KindRecognition, "assemblyai.send", err)
				}
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Terminate"}`))
				select {
				case err := <-readDone:
					if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
						a.Logger.Debug("assemblyai: read after terminate", slog.Any("error", err))
					}
				case <-time.After(2 * time.Second):
					shutdown()
					<-readDone
				}
				return nil
			}
			batch = append(batch, f.PCM...)
			if len(batch) >= batchBytes {
				if err := send(); err != nil {
					shutdown()
					<-readDone
					return callerr.New(callerr.KindRecognition, "assemblyai.send", err)
				}
			}
		}
	}
}

// readLoop returns nil once the service sends Termination or closes normally.
func (a *AssemblyAI) readLoop(ctx context.Context, conn *websocket.Conn, events chan<- Event) error {
	sessionID := "aai"
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		ev, kind, perr := parseMessage(message, sessionID)
		if perr != nil {
			a.Logger.Warn("assemblyai: bad message", slog.Any("error", perr))
			continue
		}
		switch kind {
		case "Begin":
			var msg beginMessage
			_ = json.Unmarshal(message, &msg)
			if msg.ID != "" {
				sessionID = msg.ID
			}
			a.Logger.Info("assemblyai: session began",
				slog.String("session", msg.ID),
				slog.String("expires_at", time.Unix(msg.ExpiresAt, 0).Format(time.RFC3339)))
		case "Turn":
			if ev == nil {
				continue
			}
			select {
			case events <- *ev:
			case <-ctx.Done():
				return nil
			}
		case "Termination":
			var msg terminationMessage
			_ = json.Unmarshal(message, &msg)
			a.Logger.Info("assemblyai: session terminated",
				slog.Float64("audio_seconds", msg.AudioDurationSeconds),
				slog.Float64("session_seconds", msg.SessionDurationSeconds))
			return nil
		case "Error":
			var msg errorMessage
			_ = json.Unmarshal(message, &msg)
			return fmt.Errorf("assemblyai: %s", msg.Error)
		default:
			a.Logger.Debug("assemblyai: unknown message", slog.String("type", kind))
		}
	}
}

// parseMessage decodes a server message. For Turn messages with text it returns the Event.
func parseMessage(message []byte, sessionID string) (*Event, string, error) {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &base); err != nil {
		return nil, "", err
	}
	if base.Type == "" {
		return nil, "", errors.New("message missing type")
	}
	if base.Type != "Turn" {
		return nil, base.Type, nil
	}
	var msg turnMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return nil, base.Type, err
	}
	if msg.Transcript == "" {
		return nil, base.Type, nil
	}
	ev := &Event{
		UtteranceID: sessionID + ":" + strconv.Itoa(msg.TurnOrder),
		Text:        msg.Transcript,
		IsFinal:     msg.EndOfTurn,
		Confidence:  msg.EndOfTurnConfidence,
	}
	if n := len(msg.Words); n > 0 {
		ev.Start = time.Duration(msg.Words[0].Start) * time.Millisecond
		ev.End = time.Duration(msg.Words[n-1].End) * time.Millisecond
		var sum float64
		for _, w := range msg.Words {
			sum += w.Confidence
		}
		ev.Confidence = sum / float64(n)
	}
	return ev, base.Type, nil
}
