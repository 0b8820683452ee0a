package turn

import "github.com/chadiek/call-receptionist/internal/audio"

// EnergyVAD flags voiced frames by RMS energy with majority smoothing over the last few frames.
type EnergyVAD struct {
	Threshold float64
	Smooth    int
	win       []bool
}

// NewEnergyVAD returns a VAD with the given RMS threshold. Zero means 300.
func NewEnergyVAD(threshold float64) *EnergyVAD {
	if threshold <= 0 {
		threshold = 300
	}
	return &EnergyVAD{Threshold: threshold, Smooth: 4}
}

// Voiced reports whether pcm belongs to a voiced run.
func (v *EnergyVAD) Voiced(pcm []byte) bool {
	if len(pcm) < 2 {
		return false
	}
	v.win = append(v.win, audio.RMS(pcm) >= v.Threshold)
	if n := v.Smooth; n > 0 && len(v.win) > n {
		v.win = v.win[len(v.win)-n:]
	}
	voiced := 0
	for _, b := range v.win {
		if b {
			voiced++
		}
	}
	return voiced*2 > len(v.win)
}
