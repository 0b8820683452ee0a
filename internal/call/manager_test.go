package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chadiek/call-receptionist/internal/audio"
	"github.com/chadiek/call-receptionist/internal/dialogue"
)

func TestManager_StartGetRemove(t *testing.T) {
	m := NewManager(testConfig(), Deps{Recognizer: newFakeRecognizer()})
	bus := audio.NewBus(audio.BusConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := m.Start(ctx, "call-9", bus, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := m.Get("call-9"); !ok || got != s {
		t.Fatal("session not registered")
	}
	if _, err := m.Start(ctx, "call-9", audio.NewBus(audio.BusConfig{}), nil); !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("expected ErrDuplicateSession, got %v", err)
	}
	if m.Active() != 1 {
		t.Fatalf("active %d", m.Active())
	}

	bus.Close()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not finish")
	}
	eventually(t, func() bool { return m.Active() == 0 }, "removal")
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestManager_ShutdownWaitsForCancel(t *testing.T) {
	m := NewManager(testConfig(), Deps{Recognizer: newFakeRecognizer()})
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := m.Start(ctx, "a", audio.NewBus(audio.BusConfig{}), nil); err != nil {
		t.Fatal(err)
	}

	short, stop := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer stop()
	if err := m.Shutdown(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	cancel()
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.Active() != 0 {
		t.Fatalf("active %d", m.Active())
	}
}

type archiverFunc func(ctx context.Context, callID string, n int) error

func (f archiverFunc) Archive(ctx context.Context, callID string, turns []dialogue.Turn) error {
	return f(ctx, callID, len(turns))
}

func TestSession_ArchivesTranscript(t *testing.T) {
	got := make(chan int, 1)
	deps := Deps{
		Model:       &fakeModel{replies: []reply{{text: "Hi."}}},
		Recognizer:  newFakeRecognizer(),
		Synthesizer: &fakeSynth{},
		Archive:     archiverFunc(func(_ context.Context, callID string, n int) error { got <- n; return nil }),
	}
	cfg := testConfig()
	cfg.Greeting = "Hello."
	h := startCall(t, cfg, deps, &fakeTel{}, harnessOpts{})
	eventually(t, func() bool { return len(agentTurns(h.sess)) == 1 }, "greeting")
	h.bus.Close()
	h.waitEnded()
	select {
	case n := <-got:
		if n != 1 {
			t.Fatalf("archived %d turns", n)
		}
	default:
		t.Fatal("transcript not archived")
	}
}
