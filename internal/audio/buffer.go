package audio

import "sync"

// SampleWindow is a fixed-size circular buffer holding the most recent
// normalized PCM samples. Writes never fail: once full, the oldest samples
// are overwritten, which is exactly what a time-domain analysis window needs.
type SampleWindow struct {
	mu       sync.RWMutex
	buffer   []float64
	size     int
	writePos int
	full     bool
}

// NewSampleWindow creates a window holding size samples
func NewSampleWindow(size int) *SampleWindow {
	return &SampleWindow{
		buffer: make([]float64, size),
		size:   size,
	}
}

// Write appends samples, overwriting the oldest ones when the window is full
func (w *SampleWindow) Write(samples []float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(samples) >= w.size {
		copy(w.buffer, samples[len(samples)-w.size:])
		w.writePos = 0
		w.full = true
		return
	}
	for _, s := range samples {
		w.buffer[w.writePos] = s
		w.writePos = (w.writePos + 1) % w.size
		if w.writePos == 0 {
			w.full = true
		}
	}
}

// WritePCM16 decodes 16-bit little-endian PCM and appends it normalized to [-1, 1)
func (w *SampleWindow) WritePCM16(data []byte) {
	w.Write(decodePCM16(data))
}

// CopyTo copies the window into dst in chronological order (oldest first).
// Missing samples before the window fills up are zero. dst must hold Size() values.
func (w *SampleWindow) CopyTo(dst []float64) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if !w.full {
		pad := w.size - w.writePos
		for i := 0; i < pad; i++ {
			dst[i] = 0
		}
		copy(dst[pad:], w.buffer[:w.writePos])
		return
	}
	n := copy(dst, w.buffer[w.writePos:])
	copy(dst[n:], w.buffer[:w.writePos])
}

// Available returns the number of real samples held (at most Size)
func (w *SampleWindow) Available() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.full {
		return w.size
	}
	return w.writePos
}

// Reset clears the window
func (w *SampleWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.buffer {
		w.buffer[i] = 0
	}
	w.writePos = 0
	w.full = false
}

// Size returns the capacity of the window
func (w *SampleWindow) Size() int {
	return w.size
}

func decodePCM16(data []byte) []float64 {
	n := len(data) / 2
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		sample := int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
		out[i] = float64(sample) / 32768.0
	}
	return out
}
