package audio

import (
	"fmt"
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// AnalyserConfig configures the frequency analysis graph
type AnalyserConfig struct {
	// FFTSize is the analysis window length in samples; must be a power of two
	FFTSize int

	// Smoothing blends each snapshot with the previous one, in [0, 1)
	Smoothing float64

	// MinDecibels and MaxDecibels map bin magnitude onto the 0..255 byte range
	MinDecibels float64
	MaxDecibels float64
}

// DefaultAnalyserConfig mirrors the defaults of a browser analyser node with a 256-point FFT
func DefaultAnalyserConfig() AnalyserConfig {
	return AnalyserConfig{
		FFTSize:     256,
		Smoothing:   0.8,
		MinDecibels: -100,
		MaxDecibels: -30,
	}
}

// Validate checks the configuration
func (c AnalyserConfig) Validate() error {
	if c.FFTSize < 32 || c.FFTSize&(c.FFTSize-1) != 0 {
		return fmt.Errorf("fft size must be a power of two >= 32, got %d", c.FFTSize)
	}
	if c.Smoothing < 0 || c.Smoothing >= 1 {
		return fmt.Errorf("smoothing must be in [0, 1), got %v", c.Smoothing)
	}
	if c.MaxDecibels <= c.MinDecibels {
		return fmt.Errorf("max decibels (%v) must exceed min decibels (%v)", c.MaxDecibels, c.MinDecibels)
	}
	return nil
}

// Analyser turns live PCM into per-frequency-bin energy snapshots.
// Write is fed from the capture goroutine; ByteFrequencyData is pulled on
// each display refresh.
type Analyser struct {
	mu       sync.Mutex
	config   AnalyserConfig
	window   *SampleWindow
	fft      *fourier.FFT
	blackman []float64
	frame    []float64
	coeffs   []complex128
	smoothed []float64
}

// NewAnalyser builds an analysis graph
func NewAnalyser(config AnalyserConfig) (*Analyser, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	n := config.FFTSize
	blackman := make([]float64, n)
	for i := range blackman {
		x := 2 * math.Pi * float64(i) / float64(n)
		blackman[i] = 0.42 - 0.5*math.Cos(x) + 0.08*math.Cos(2*x)
	}
	return &Analyser{
		config:   config,
		window:   NewSampleWindow(n),
		fft:      fourier.NewFFT(n),
		blackman: blackman,
		frame:    make([]float64, n),
		coeffs:   make([]complex128, n/2+1),
		smoothed: make([]float64, n/2),
	}, nil
}

// Write feeds 16-bit little-endian mono PCM into the analysis window
func (a *Analyser) Write(pcm []byte) {
	a.window.WritePCM16(pcm)
}

// BinCount returns the number of frequency bins (FFTSize/2)
func (a *Analyser) BinCount() int {
	return a.config.FFTSize / 2
}

// ByteFrequencyData computes a new snapshot and writes the lowest len(dst)
// bins into dst, scaled to 0..255. It returns the number of bins written.
func (a *Analyser) ByteFrequencyData(dst []uint8) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.window.CopyTo(a.frame)
	for i := range a.frame {
		a.frame[i] *= a.blackman[i]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.frame)

	n := float64(a.config.FFTSize)
	tau := a.config.Smoothing
	for k := range a.smoothed {
		mag := cmplx.Abs(a.coeffs[k]) / n
		a.smoothed[k] = tau*a.smoothed[k] + (1-tau)*mag
	}

	count := len(dst)
	if count > len(a.smoothed) {
		count = len(a.smoothed)
	}
	scale := 255 / (a.config.MaxDecibels - a.config.MinDecibels)
	for k := 0; k < count; k++ {
		dst[k] = toByte(a.smoothed[k], a.config.MinDecibels, scale)
	}
	return count
}

// Level returns the RMS level of the current window, in [0, 1]
func (a *Analyser) Level() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.window.CopyTo(a.frame)
	var sum float64
	for _, s := range a.frame {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(a.frame)))
}

func toByte(mag, minDB, scale float64) uint8 {
	if mag <= 0 {
		return 0
	}
	v := (20*math.Log10(mag) - minDB) * scale
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v)
	}
}
