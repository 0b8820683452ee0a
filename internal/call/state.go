package call

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type State int

const (
	Ringing State = iota
	Active
	Transferring
	Ended
	ErrorTerminating
)

func (s State) String() string {
	switch s {
	case Ringing:
		return "ringing"
	case Active:
		return "active"
	case Transferring:
		return "transferring"
	case Ended:
		return "ended"
	case ErrorTerminating:
		return "error_terminating"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var ErrInvalidTransition = errors.New("call: invalid state transition")

var transitions = map[State][]State{
	Ringing:          {Active, ErrorTerminating},
	Active:           {Transferring, Ended, ErrorTerminating},
	Transferring:     {Ended, Active, ErrorTerminating},
	ErrorTerminating: {Ended},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Transition struct {
	From    State
	To      State
	Trigger string
	At      time.Time
}

// Machine is the call lifecycle. Every accepted transition is logged and reported.
type Machine struct {
	logger   *slog.Logger
	observer Observer

	mu    sync.Mutex
	state State
	log   []Transition
}

func NewMachine(callID string, logger *slog.Logger, observer Observer) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Machine{logger: logger.With(slog.String("call_id", callID)), observer: observer, state: Ringing}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// To moves the machine to next. Illegal edges return ErrInvalidTransition and leave the state unchanged.
func (m *Machine) To(next State, trigger string) error {
	m.mu.Lock()
	from := m.state
	if !CanTransition(from, next) {
		m.mu.Unlock()
		m.logger.Warn("rejected state transition",
			slog.String("from", from.String()),
			slog.String("to", next.String()),
			slog.String("trigger", trigger))
		return fmt.Errorf("%w: %s -> %s (%s)", ErrInvalidTransition, from, next, trigger)
	}
	m.state = next
	m.log = append(m.log, Transition{From: from, To: next, Trigger: trigger, At: time.Now()})
	m.mu.Unlock()

	m.logger.Info("call state transition",
		slog.String("from", from.String()),
		slog.String("to", next.String()),
		slog.String("trigger", trigger))
	m.observer.Transition(from, next, trigger)
	return nil
}

// Transitions returns the accepted transitions in order.
func (m *Machine) Transitions() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.log...)
}
