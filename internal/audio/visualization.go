package audio

import "sync"

// DefaultVisualizationBins is how many low-frequency bins the UI draws
const DefaultVisualizationBins = 40

// VisualizationBuffer holds the latest frequency-bin energies (0..255).
// It is overwritten wholesale on every refresh tick and read by the UI.
type VisualizationBuffer struct {
	mu   sync.RWMutex
	bins []uint8
}

// NewVisualizationBuffer creates a buffer of n bins
func NewVisualizationBuffer(n int) *VisualizationBuffer {
	if n <= 0 {
		n = DefaultVisualizationBins
	}
	return &VisualizationBuffer{bins: make([]uint8, n)}
}

// Overwrite replaces the contents; bins beyond len(src) are zeroed
func (b *VisualizationBuffer) Overwrite(src []uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := copy(b.bins, src)
	for i := n; i < len(b.bins); i++ {
		b.bins[i] = 0
	}
}

// Snapshot returns a copy of the current bins
func (b *VisualizationBuffer) Snapshot() []uint8 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]uint8, len(b.bins))
	copy(out, b.bins)
	return out
}

// Len returns the number of bins
func (b *VisualizationBuffer) Len() int {
	return len(b.bins)
}
