// Package rtc carries browser calls over WebRTC: Opus audio in both directions,
// bridged to a call session through the audio bus.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/chadiek/call-receptionist/internal/audio"
	"github.com/chadiek/call-receptionist/internal/call"
)

// SessionDescription is a small DTO to avoid exposing webrtc types in transport.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type HandlerConfig struct {
	// ICEServersJSON is a JSON array of webrtc.ICEServer; empty falls back to a public STUN server.
	ICEServersJSON string
	Bus            audio.BusConfig
	// Password gates the WebSocket signaling endpoint when set.
	Password string
	Logger   *slog.Logger
}

// Handler negotiates peer connections and starts a call session for each.
type Handler struct {
	ctx        context.Context
	calls      *call.Manager
	iceServers []webrtc.ICEServer
	cfg        HandlerConfig
	logger     *slog.Logger
}

// NewHandler returns a Handler whose sessions live until ctx is canceled or the peer goes away.
func NewHandler(ctx context.Context, calls *call.Manager, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		ctx:        ctx,
		calls:      calls,
		iceServers: parseICEServers(cfg.ICEServersJSON),
		cfg:        cfg,
		logger:     logger,
	}
}

// HandleOffer accepts an SDP offer and returns an SDP answer once ICE gathering completed.
func (h *Handler) HandleOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, errors.New("invalid offer")
	}
	pc, out, err := h.newPeer()
	if err != nil {
		return SessionDescription{}, err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		_ = pc.Close()
		return SessionDescription{}, ctx.Err()
	}
	local := pc.LocalDescription()
	if local == nil {
		_ = pc.Close()
		return SessionDescription{}, errors.New("no local description")
	}
	if err := h.bind(newCallID(), pc, out); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

func (h *Handler) newPeer() (*webrtc.PeerConnection, *webrtc.TrackLocalStaticSample, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: h.iceServers})
	if err != nil {
		return nil, nil, err
	}
	out, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusRate, Channels: 1},
		"agent-audio", "agent",
	)
	if err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	if _, err := pc.AddTrack(out); err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	return pc, out, nil
}

// bind starts a session for the peer and connects its media to the session bus.
func (h *Handler) bind(callID string, pc *webrtc.PeerConnection, out *webrtc.TrackLocalStaticSample) error {
	logger := h.logger.With(slog.String("call_id", callID), slog.String("transport", "webrtc"))
	bus := audio.NewBus(h.cfg.Bus)
	sess, err := h.calls.Start(h.ctx, callID, bus, nil)
	if err != nil {
		return err
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Info("peer connection state", slog.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateFailed:
			bus.Fail(fmt.Errorf("rtc: peer connection %s", state))
		case webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			bus.Close()
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "control" {
			return
		}
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			switch strings.TrimSpace(strings.ToLower(string(msg.Data))) {
			case "stop", "stop-speaking", "cancel", "barge-in":
				n := bus.Flush()
				logger.Info("control flush", slog.Int("frames", n))
			}
		})
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		logger.Info("remote audio track", slog.String("codec", remote.Codec().MimeType))
		dec, err := opus.NewDecoder(audio.SampleRate, 1)
		if err != nil {
			bus.Fail(fmt.Errorf("rtc: opus decoder: %w", err))
			return
		}
		enc, err := opus.NewEncoder(opusRate, 1, opus.AppVoIP)
		if err != nil {
			bus.Fail(fmt.Errorf("rtc: opus encoder: %w", err))
			return
		}

		mic := newMicReader(dec, func() (packet, error) {
			pkt, _, err := remote.ReadRTP()
			if err != nil {
				return packet{}, err
			}
			return packet{seq: pkt.SequenceNumber, payload: pkt.Payload}, nil
		}, bus)
		mic.onDrop = func(err error) { logger.Debug("inbound packet dropped", slog.Any("err", err)) }
		go func() {
			if err := mic.run(); err != nil {
				logger.Info("remote track ended", slog.Any("err", err))
			}
		}()

		writer := NewOpusPacedWriter(enc, out)
		bus.MarkOutboundReady()
		go func() {
			if err := writer.Run(h.ctx, bus); err != nil && !errors.Is(err, audio.ErrBusClosed) && !errors.Is(err, context.Canceled) {
				logger.Warn("agent audio writer stopped", slog.Any("err", err))
			}
		}()
	})

	go func() {
		<-sess.Done()
		_ = pc.Close()
	}()
	return nil
}

func parseICEServers(iceJSON string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if err := json.Unmarshal([]byte(iceJSON), &servers); err == nil && len(servers) > 0 {
		return servers
	}
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}

func newCallID() string { return "web-" + uuid.NewString() }
