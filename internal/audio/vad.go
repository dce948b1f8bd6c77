package audio

import (
	"math"
	"time"
)

// VADConfig holds configuration for the energy-based speech detector
type VADConfig struct {
	// EnergyThreshold is the minimum RMS energy to consider as speech
	// Typical values: 0.001 to 0.1 (lower = more sensitive)
	EnergyThreshold float64

	// SpeechHold is how much consecutive speech is needed before speech starts
	SpeechHold time.Duration

	// SilenceHold is how much consecutive silence ends a speech run
	SilenceHold time.Duration
}

// DefaultVADConfig returns a default VAD configuration
func DefaultVADConfig() VADConfig {
	return VADConfig{
		EnergyThreshold: 0.01,
		SpeechHold:      90 * time.Millisecond,
		SilenceHold:     time.Second,
	}
}

// FrameActivity is the detector's verdict for one frame
type FrameActivity struct {
	Energy        float64
	Speaking      bool
	SpeechStarted bool
	SpeechEnded   bool
	// Silence is how long the input has been continuously silent
	Silence time.Duration
}

// SpeechDetector detects speech vs silence in 16-bit mono PCM frames.
// Durations are derived from frame lengths, so it is independent of the
// device period size.
type SpeechDetector struct {
	config     VADConfig
	sampleRate uint32
	speechRun  time.Duration
	silenceRun time.Duration
	speaking   bool
	heard      bool
}

// NewSpeechDetector creates a detector for PCM at the given sample rate
func NewSpeechDetector(config VADConfig, sampleRate uint32) *SpeechDetector {
	if sampleRate == 0 {
		sampleRate = 16000
	}
	return &SpeechDetector{config: config, sampleRate: sampleRate}
}

// ProcessFrame classifies a frame and updates the speech/silence runs
func (d *SpeechDetector) ProcessFrame(pcm []byte) FrameActivity {
	energy := CalculateEnergy(pcm)
	frameDur := time.Duration(len(pcm)/2) * time.Second / time.Duration(d.sampleRate)

	act := FrameActivity{Energy: energy}
	if energy > d.config.EnergyThreshold {
		d.speechRun += frameDur
		d.silenceRun = 0
		if !d.speaking && d.speechRun >= d.config.SpeechHold {
			d.speaking = true
			d.heard = true
			act.SpeechStarted = true
		}
	} else {
		d.silenceRun += frameDur
		d.speechRun = 0
		if d.speaking && d.silenceRun >= d.config.SilenceHold {
			d.speaking = false
			act.SpeechEnded = true
		}
	}

	act.Speaking = d.speaking
	act.Silence = d.silenceRun
	return act
}

// HeardSpeech reports whether any speech run has started since the last Reset
func (d *SpeechDetector) HeardSpeech() bool {
	return d.heard
}

// Reset resets the detector state
func (d *SpeechDetector) Reset() {
	d.speechRun = 0
	d.silenceRun = 0
	d.speaking = false
	d.heard = false
}

// CalculateEnergy returns the RMS energy of 16-bit little-endian PCM, in [0, 1]
func CalculateEnergy(data []byte) float64 {
	sampleCount := len(data) / 2
	if sampleCount == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < sampleCount; i++ {
		sample := int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}
	return math.Sqrt(sum / float64(sampleCount))
}
