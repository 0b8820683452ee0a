package callerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestNew_NilStaysNil(t *testing.T) {
	if New(KindModel, "respond", nil) != nil {
		t.Fatalf("expected nil for nil cause")
	}
}

func TestKindOf_SurvivesWrapping(t *testing.T) {
	base := errors.New("socket closed")
	err := fmt.Errorf("session: %w", New(KindTransport, "read", base))
	if KindOf(err) != KindTransport {
		t.Fatalf("unexpected kind %q", KindOf(err))
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected cause to be reachable")
	}
	if Recoverable(err) {
		t.Fatalf("transport failures must not be recoverable")
	}
}

func TestRecoverable(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{KindRecognition, true},
		{KindSynthesis, true},
		{KindModel, true},
		{KindTransfer, true},
		{KindTransport, false},
		{KindConfiguration, false},
	}
	for _, tc := range cases {
		err := New(tc.kind, "op", errors.New("x"))
		if got := Recoverable(err); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.kind, got, tc.want)
		}
	}
	if Recoverable(errors.New("plain")) {
		t.Fatalf("unclassified errors are fatal")
	}
}

func TestError_Message(t *testing.T) {
	err := New(KindSynthesis, "deepgram.speak", errors.New("401"))
	if got := err.Error(); got != "synthesis failure (deepgram.speak): 401" {
		t.Fatalf("unexpected message %q", got)
	}
}
