// Package httpserver mounts the receptionist's HTTP surface: health, metrics,
// WebRTC signaling, the switch media stream and the Twilio voice webhook.
package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/chadiek/call-receptionist/internal/config"
	"github.com/chadiek/call-receptionist/internal/middleware"
	"github.com/chadiek/call-receptionist/internal/rtc"
	"github.com/chadiek/call-receptionist/internal/telephony"
)

// OfferHandler negotiates browser calls. *rtc.Handler satisfies it.
type OfferHandler interface {
	HandleOffer(ctx context.Context, offer rtc.SessionDescription) (rtc.SessionDescription, error)
	ServeWebSocket(w http.ResponseWriter, r *http.Request)
}

// Deps are the route handlers. Nil handlers disable their routes.
type Deps struct {
	RTC     OfferHandler
	Media   http.Handler
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server bundles HTTP router and dependencies.
type Server struct {
	Router http.Handler
	Echo   *echo.Echo

	cfg    config.Config
	deps   Deps
	logger *slog.Logger
}

// New constructs the HTTP server with routes.
func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Echo: newRouter(), cfg: cfg, deps: deps, logger: logger}
	e := s.Echo

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	if deps.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(deps.Metrics))
	}

	e.Any("/call", s.handleCall)
	if deps.RTC != nil {
		e.GET("/rtc/ws", echo.WrapHandler(http.HandlerFunc(deps.RTC.ServeWebSocket)))
	}
	if deps.Media != nil {
		e.GET("/ws", echo.WrapHandler(deps.Media))
	}

	tw := e.Group("/twilio", middleware.TwilioAuth(cfg.TwilioAuthToken, cfg.PublicURL))
	tw.POST("/voice", s.handleVoice)
	tw.POST("/status", s.handleStatus)

	s.Router = otelhttp.NewHandler(e, "call-receptionist")
	return s
}

func (s *Server) handleCall(c echo.Context) error {
	// Basic CORS for browser demos
	h := c.Response().Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Auth-Token")
	r := c.Request()
	if r.Method == http.MethodOptions {
		return c.NoContent(http.StatusNoContent)
	}
	if r.Method != http.MethodPost {
		return c.NoContent(http.StatusMethodNotAllowed)
	}
	if !rtcAuthOK(r, s.cfg.RTCAuthPassword) {
		return c.NoContent(http.StatusUnauthorized)
	}

	var offer rtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		s.logger.Info("invalid offer", slog.Any("err", err))
		return c.NoContent(http.StatusBadRequest)
	}
	if s.deps.RTC == nil {
		return c.NoContent(http.StatusServiceUnavailable)
	}
	answer, err := s.deps.RTC.HandleOffer(r.Context(), offer)
	if err != nil {
		s.logger.Warn("webrtc handle offer failed", slog.Any("err", err))
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, answer)
}

const unavailableLine = "Sorry, our phone assistant is unavailable right now. Please call back later."

// handleVoice points an inbound Twilio call at the media-stream endpoint.
func (s *Server) handleVoice(c echo.Context) error {
	params, _ := c.Get(middleware.ParamsKey).(map[string]string)
	s.logger.Info("twilio voice webhook",
		slog.String("call_id", params["CallSid"]),
		slog.String("from", params["From"]),
		slog.String("to", params["To"]))

	var (
		xml string
		err error
	)
	if s.deps.Media == nil {
		// no media stream mounted: tell the caller instead of connecting to a dead socket
		xml, err = telephony.SayTwiML(unavailableLine)
	} else {
		xml, err = telephony.StreamTwiML(streamURL(s.cfg.PublicURL, c.Request().Host))
	}
	if err != nil {
		s.logger.Error("twiml build failed", slog.Any("err", err))
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.Blob(http.StatusOK, "text/xml", []byte(xml))
}

func (s *Server) handleStatus(c echo.Context) error {
	params, _ := c.Get(middleware.ParamsKey).(map[string]string)
	s.logger.Info("twilio call status",
		slog.String("call_id", params["CallSid"]),
		slog.String("status", params["CallStatus"]))
	return c.NoContent(http.StatusNoContent)
}

// streamURL derives the websocket URL of the media stream from the public base URL.
func streamURL(publicURL, host string) string {
	base := strings.TrimRight(publicURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case base == "":
		base = "wss://" + host
	}
	return base + "/ws"
}

func rtcAuthOK(r *http.Request, expected string) bool {
	return rtc.Authorized(r, expected)
}
