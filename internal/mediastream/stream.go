// Package mediastream carries phone calls over a media-stream WebSocket: JSON
// events with base64 mu-law audio at 8 kHz, as sent by Twilio <Stream> and NextGenSwitch.
package mediastream

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chadiek/call-receptionist/internal/audio"
	"github.com/chadiek/call-receptionist/internal/call"
	"github.com/chadiek/call-receptionist/internal/telephony"
)

const lineRate = 8000

// message is one media-stream event. Twilio names the stream "streamSid";
// NextGenSwitch uses "streamId" and may open with an event-less init payload.
type message struct {
	Event          string      `json:"event,omitempty"`
	StreamSid      string      `json:"streamSid,omitempty"`
	StreamID       string      `json:"streamId,omitempty"`
	CallID         string      `json:"call_id,omitempty"`
	SequenceNumber string      `json:"sequenceNumber,omitempty"`
	Start          *startEvent `json:"start,omitempty"`
	Media          *mediaEvent `json:"media,omitempty"`
	Mark           *markEvent  `json:"mark,omitempty"`
}

type startEvent struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	AccountSid       string            `json:"accountSid,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type mediaEvent struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type markEvent struct {
	Name string `json:"name"`
}

// Sessions starts a call session bound to a bus. *call.Manager satisfies it.
type Sessions interface {
	Start(ctx context.Context, callID string, bus *audio.Bus, tel telephony.Client) (*call.Session, error)
}

type Handler struct {
	ctx      context.Context
	sessions Sessions
	tel      telephony.Client
	busCfg   audio.BusConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler returns a Handler. tel controls the phone leg (transfer, hangup) of every streamed call.
func NewHandler(ctx context.Context, sessions Sessions, tel telephony.Client, busCfg audio.BusConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		ctx:      ctx,
		sessions: sessions,
		tel:      tel,
		busCfg:   busCfg,
		logger:   logger,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) send(m message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteJSON(m)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("media stream upgrade failed", slog.Any("err", err))
		return
	}
	c := &conn{ws: ws}
	defer func() { _ = ws.Close() }()
	if err := h.serve(c); err != nil {
		h.logger.Info("media stream closed", slog.Any("err", err))
	}
}

func (h *Handler) serve(c *conn) error {
	var (
		bus       *audio.Bus
		stream    streamRef
		logger    = h.logger
		writerErr = make(chan error, 1)
		received  uint64
	)
	fail := func(err error) error {
		if bus != nil {
			bus.Fail(err)
		}
		return err
	}
	for {
		var m message
		if err := c.ws.ReadJSON(&m); err != nil {
			if bus == nil {
				return err
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				bus.Close()
				return nil
			}
			return fail(fmt.Errorf("mediastream: read: %w", err))
		}
		if m.Event == "" && m.CallID != "" {
			m = message{Event: "start", StreamID: m.StreamID, Start: &startEvent{CallSid: m.CallID}}
		}
		switch m.Event {
		case "connected":
		case "start":
			if bus != nil || m.Start == nil || m.Start.CallSid == "" {
				return fail(errors.New("mediastream: unexpected start event"))
			}
			stream = refOf(m)
			callID := m.Start.CallSid
			logger = h.logger.With(slog.String("call_id", callID), slog.String("transport", "media_stream"))
			bus = audio.NewBus(h.busCfg)
			if _, err := h.sessions.Start(h.ctx, callID, bus, h.tel); err != nil {
				return err
			}
			ref := stream
			bus.OnFlush(func() {
				if err := c.send(ref.stamp(message{Event: "clear"})); err != nil {
					logger.Warn("clear failed", slog.Any("err", err))
				}
			})
			bus.MarkOutboundReady()
			go func() { writerErr <- h.write(c, bus, ref) }()
			logger.Info("media stream started", slog.String("stream_id", ref.id))
		case "media":
			if bus == nil || m.Media == nil {
				continue
			}
			if m.Media.Track != "" && m.Media.Track != "inbound" {
				continue
			}
			received++
			f, err := decodeMedia(m, received)
			if err != nil {
				logger.Debug("media dropped", slog.Any("err", err))
				continue
			}
			if err := bus.PublishInbound(f); err != nil && !errors.Is(err, audio.ErrBusClosed) {
				logger.Debug("media rejected", slog.Any("err", err))
			}
		case "mark":
		case "stop":
			if bus != nil {
				bus.Close()
				<-writerErr
			}
			return nil
		}
		select {
		case err := <-writerErr:
			// the session ended and closed the bus
			if errors.Is(err, audio.ErrBusClosed) {
				return nil
			}
			return err
		default:
		}
	}
}

// streamRef remembers which key the peer used to name the stream.
type streamRef struct {
	id     string
	twilio bool
}

func refOf(m message) streamRef {
	switch {
	case m.Start != nil && m.Start.StreamSid != "":
		return streamRef{id: m.Start.StreamSid, twilio: true}
	case m.StreamSid != "":
		return streamRef{id: m.StreamSid, twilio: true}
	default:
		return streamRef{id: m.StreamID}
	}
}

func (r streamRef) stamp(m message) message {
	if r.twilio {
		m.StreamSid = r.id
	} else {
		m.StreamID = r.id
	}
	return m
}

func decodeMedia(m message, fallback uint64) (audio.Frame, error) {
	seq := fallback
	if m.SequenceNumber != "" {
		n, err := strconv.ParseUint(m.SequenceNumber, 10, 64)
		if err != nil {
			return audio.Frame{}, fmt.Errorf("mediastream: sequence number %q: %w", m.SequenceNumber, err)
		}
		seq = n
	}
	raw, err := base64.StdEncoding.DecodeString(m.Media.Payload)
	if err != nil {
		return audio.Frame{}, fmt.Errorf("mediastream: payload: %w", err)
	}
	pcm := audio.Resample(audio.Bytes(DecodeMulaw(raw)), lineRate, audio.SampleRate)
	return audio.Frame{Seq: seq, PCM: pcm}, nil
}

// write sends agent audio at real-time pace so the bus stays the only playout queue.
func (h *Handler) write(c *conn, bus *audio.Bus, ref streamRef) error {
	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()
	for {
		f, err := bus.ReadOutbound(h.ctx)
		if err != nil {
			_ = c.ws.Close()
			return err
		}
		law := EncodeMulaw(audio.Samples(audio.Resample(f.PCM, audio.SampleRate, lineRate)))
		err = c.send(ref.stamp(message{
			Event: "media",
			Media: &mediaEvent{Payload: base64.StdEncoding.EncodeToString(law)},
		}))
		if err != nil {
			bus.Fail(fmt.Errorf("mediastream: write: %w", err))
			return err
		}
		select {
		case <-ticker.C:
		case <-bus.Done():
		}
	}
}
