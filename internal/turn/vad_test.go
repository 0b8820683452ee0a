package turn

import (
	"testing"

	"github.com/chadiek/call-receptionist/internal/audio"
)

func tone(amp int16) []byte {
	s := make([]int16, audio.FrameSamples)
	for i := range s {
		if i%2 == 0 {
			s[i] = amp
		} else {
			s[i] = -amp
		}
	}
	return audio.Bytes(s)
}

func TestEnergyVAD(t *testing.T) {
	v := NewEnergyVAD(0)
	if v.Voiced(tone(10)) {
		t.Fatalf("quiet frame flagged voiced")
	}
	if v.Voiced(tone(2000)) {
		t.Fatalf("one loud frame out of two is not a majority")
	}
	if !v.Voiced(tone(2000)) {
		t.Fatalf("expected voiced after a loud run")
	}
	if !v.Voiced(tone(2000)) {
		t.Fatalf("expected voiced")
	}
	// window [loud loud loud quiet]
	if !v.Voiced(tone(0)) {
		t.Fatalf("single quiet frame inside speech should be smoothed")
	}
	v.Voiced(tone(0))
	if v.Voiced(tone(0)) {
		t.Fatalf("expected silence after a quiet run")
	}
}

func TestEnergyVAD_ShortInput(t *testing.T) {
	if NewEnergyVAD(1).Voiced([]byte{1}) {
		t.Fatalf("odd single byte is never voiced")
	}
}
