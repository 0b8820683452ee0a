package rtc

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
)

// signalMessage is the trickle-ICE signaling format.
// Types: "auth", "offer", "answer", "candidate", "ice-complete", "bye", "error".
type signalMessage struct {
	Type     string `json:"type"`
	Password string `json:"password,omitempty"`
	SDP      string `json:"sdp,omitempty"`

	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`

	Error string `json:"error,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn serializes writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) send(m signalMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.WriteJSON(m)
}

func (c *wsConn) fail(err error) {
	_ = c.send(signalMessage{Type: "error", Error: err.Error()})
}

// Authorized accepts the password from ?password=, an Authorization bearer token or X-Auth-Token.
func Authorized(r *http.Request, password string) bool {
	if password == "" {
		return true
	}
	if r == nil {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && q == password {
		return true
	}
	ah := r.Header.Get("Authorization")
	if len(ah) > len("bearer ") && strings.EqualFold(ah[:len("bearer ")], "bearer ") {
		if strings.TrimSpace(ah[len("bearer "):]) == password {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && x == password {
		return true
	}
	return false
}

// ServeWebSocket upgrades to WebSocket and performs offer/answer with trickle ICE.
// Browsers that cannot set headers may authenticate with a first "auth" message.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	raw, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", slog.Any("err", err))
		return
	}
	conn := &wsConn{Conn: raw}
	defer func() { _ = conn.Close() }()

	if !Authorized(r, h.cfg.Password) {
		m, err := readSignal(conn)
		if err != nil || strings.ToLower(m.Type) != "auth" || m.Password != h.cfg.Password {
			conn.fail(errors.New("unauthorized"))
			return
		}
	}

	var offerSDP string
	for offerSDP == "" {
		m, err := readSignal(conn)
		if err != nil {
			return
		}
		switch strings.ToLower(m.Type) {
		case "offer":
			offerSDP = m.SDP
		case "bye":
			return
		}
	}

	pc, out, err := h.newPeer()
	if err != nil {
		conn.fail(err)
		return
	}
	defer func() { _ = pc.Close() }()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			_ = conn.send(signalMessage{Type: "ice-complete"})
			return
		}
		init := c.ToJSON()
		_ = conn.send(signalMessage{Type: "candidate", Candidate: init.Candidate, SDPMid: init.SDPMid, SDPMLineIndex: init.SDPMLineIndex})
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		conn.fail(err)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		conn.fail(err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		conn.fail(err)
		return
	}
	if err := h.bind(newCallID(), pc, out); err != nil {
		conn.fail(err)
		return
	}
	if err := conn.send(signalMessage{Type: "answer", SDP: pc.LocalDescription().SDP}); err != nil {
		return
	}

	// the socket stays open for remote candidates; closing it ends the call
	for {
		m, err := readSignal(conn)
		if err != nil {
			return
		}
		switch strings.ToLower(m.Type) {
		case "candidate":
			if m.Candidate != "" {
				_ = pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: m.Candidate, SDPMid: m.SDPMid, SDPMLineIndex: m.SDPMLineIndex})
			}
		case "bye":
			return
		}
	}
}

func readSignal(conn *wsConn) (signalMessage, error) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return signalMessage{}, err
		}
		if mt != websocket.TextMessage {
			continue
		}
		var m signalMessage
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		return m, nil
	}
}
