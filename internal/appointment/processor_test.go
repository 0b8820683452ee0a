package appointment

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/chadiek/call-receptionist/internal/dialogue"
)

type stubStore struct {
	calls []string
	err   error
}

func (s *stubStore) Book(_ context.Context, req Request) (Confirmation, error) {
	s.calls = append(s.calls, "book:"+req.CallID)
	return Confirmation{Reference: "A-12AB", Status: StatusBooked, Date: req.Details["date"], Time: req.Details["time"]}, s.err
}

func (s *stubStore) Reschedule(_ context.Context, req Request) (Confirmation, error) {
	s.calls = append(s.calls, "reschedule:"+req.CallID)
	return Confirmation{Reference: "A-12AB", Date: req.Details["date"]}, s.err
}

func (s *stubStore) Cancel(_ context.Context, req Request) (Confirmation, error) {
	s.calls = append(s.calls, "cancel:"+req.CallID)
	return Confirmation{Reference: "A-12AB", Status: StatusCancelled}, s.err
}

func TestProcessor_DispatchesByKind(t *testing.T) {
	st := &stubStore{}
	p := NewProcessor(st, nil)
	var outcomes []string
	p.OnResult = func(kind, outcome string) { outcomes = append(outcomes, kind+"="+outcome) }

	say, err := p.Handle(context.Background(), "c1", dialogue.AppointmentAction{Kind: dialogue.AppointmentBook, Details: map[string]string{"date": "Monday", "time": "10am"}})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if say != "You're booked for Monday 10am. Your reference is A 1 2 A B." {
		t.Fatalf("unexpected speech %q", say)
	}
	_, _ = p.Handle(context.Background(), "c1", dialogue.AppointmentAction{Kind: dialogue.AppointmentReschedule})
	_, _ = p.Handle(context.Background(), "c1", dialogue.AppointmentAction{Kind: dialogue.AppointmentCancel})
	if strings.Join(st.calls, ",") != "book:c1,reschedule:c1,cancel:c1" {
		t.Fatalf("unexpected calls %v", st.calls)
	}
	if len(outcomes) != 3 || outcomes[0] != "book=ok" {
		t.Fatalf("unexpected outcomes %v", outcomes)
	}
}

func TestProcessor_FailuresAreSpoken(t *testing.T) {
	p := NewProcessor(&stubStore{err: ErrNotFound}, nil)
	say, err := p.Handle(context.Background(), "c1", dialogue.AppointmentAction{Kind: dialogue.AppointmentCancel})
	if !errors.Is(err, ErrNotFound) || !strings.Contains(say, "couldn't find") {
		t.Fatalf("unexpected %q %v", say, err)
	}
	p = NewProcessor(&stubStore{err: errors.New("disk full")}, nil)
	say, err = p.Handle(context.Background(), "c1", dialogue.AppointmentAction{Kind: dialogue.AppointmentBook})
	if err == nil || say == "" {
		t.Fatalf("expected apology and error, got %q %v", say, err)
	}
}
