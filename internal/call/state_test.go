package call

import (
	"errors"
	"testing"
)

type transitionRecorder struct {
	nopObserver
	got []string
}

func (r *transitionRecorder) Transition(from, to State, trigger string) {
	r.got = append(r.got, from.String()+">"+to.String()+":"+trigger)
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{Ringing, Active, true},
		{Ringing, ErrorTerminating, true},
		{Ringing, Ended, false},
		{Ringing, Transferring, false},
		{Active, Transferring, true},
		{Active, Ended, true},
		{Active, Ringing, false},
		{Transferring, Active, true},
		{Transferring, Ended, true},
		{ErrorTerminating, Ended, true},
		{ErrorTerminating, Active, false},
		{Ended, Active, false},
		{Ended, ErrorTerminating, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("%s -> %s: got %v want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestMachine_RecordsAndRejects(t *testing.T) {
	rec := &transitionRecorder{}
	m := NewMachine("c1", nil, rec)
	if m.State() != Ringing {
		t.Fatalf("initial state %s", m.State())
	}
	if err := m.To(Active, "audio_confirmed"); err != nil {
		t.Fatal(err)
	}
	if err := m.To(Ringing, "bogus"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if m.State() != Active {
		t.Fatalf("rejected transition changed state to %s", m.State())
	}
	if err := m.To(Ended, "caller_hangup"); err != nil {
		t.Fatal(err)
	}
	if err := m.To(Active, "late"); err == nil {
		t.Fatal("ended is terminal")
	}

	trs := m.Transitions()
	if len(trs) != 2 || trs[1].Trigger != "caller_hangup" || trs[1].At.IsZero() {
		t.Fatalf("unexpected log %+v", trs)
	}
	if len(rec.got) != 2 || rec.got[0] != "ringing>active:audio_confirmed" {
		t.Fatalf("observer saw %v", rec.got)
	}
}

func TestParseFailurePolicy(t *testing.T) {
	for in, want := range map[string]FailurePolicy{"": RemainActive, "remain_active": RemainActive, " Terminate ": Terminate} {
		got, err := ParseFailurePolicy(in)
		if err != nil || got != want {
			t.Errorf("%q: got %q %v", in, got, err)
		}
	}
	if _, err := ParseFailurePolicy("hang"); err == nil {
		t.Error("expected error")
	}
}
