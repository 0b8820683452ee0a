package call

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/chadiek/call-receptionist/internal/audio"
	"github.com/chadiek/call-receptionist/internal/dialogue"
	"github.com/chadiek/call-receptionist/internal/telephony"
)

var ErrDuplicateSession = errors.New("call: session already running")

// Archiver stores the transcript of a finished call.
type Archiver interface {
	Archive(ctx context.Context, callID string, turns []dialogue.Turn) error
}

// Manager starts sessions and tracks the ones still running.
type Manager struct {
	cfg  Config
	deps Deps

	mu       sync.Mutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

func NewManager(cfg Config, deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Manager{cfg: cfg, deps: deps, sessions: make(map[string]*Session)}
}

// Start runs a session for callID in the background. The session lives until
// the call ends or ctx is canceled.
func (m *Manager) Start(ctx context.Context, callID string, bus *audio.Bus, tel telephony.Client) (*Session, error) {
	m.mu.Lock()
	if _, ok := m.sessions[callID]; ok {
		m.mu.Unlock()
		return nil, ErrDuplicateSession
	}
	s := newSession(callID, bus, tel, m.cfg, m.deps)
	m.sessions[callID] = s
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer m.remove(s)
		if err := s.Run(ctx); err != nil {
			s.logger.Error("session failed", slog.Any("err", err))
		}
		s.logger.Info("session finished", slog.String("reason", s.EndReason()))
	}()
	return s, nil
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	if m.sessions[s.ID] == s {
		delete(m.sessions, s.ID)
	}
	m.mu.Unlock()
}

func (m *Manager) Get(callID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	return s, ok
}

// Active is the number of running sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown waits for running sessions to finish, or for ctx to end.
// Callers cancel the context passed to Start to make sessions wind down.
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
