package stt

import "context"

// Result represents a speech recognition result from an Engine
type Result struct {
	// Text is the recognized text
	Text string

	// Partial indicates if this is a partial result (still processing)
	// or a final result (sentence/phrase complete)
	Partial bool

	// Confidence is the recognition confidence (0.0 to 1.0)
	Confidence float64
}

// Config holds configuration for the offline STT engine
type Config struct {
	// ModelPath is the path to the STT model directory
	ModelPath string

	// SampleRate is the audio sample rate in Hz
	SampleRate int

	// MaxAlternatives is the maximum number of alternative results to return
	MaxAlternatives int
}

// Engine is a single-utterance-stream decoder. One Engine serves one
// recognition session; it is not safe to share across sessions.
type Engine interface {
	// ProcessAudio processes 16-bit PCM and returns the current hypothesis
	ProcessAudio(ctx context.Context, audioData []byte) (*Result, error)

	// FinalResult flushes the decoder and returns the final hypothesis
	FinalResult() (*Result, error)

	// Reset discards any buffered audio
	Reset() error

	// Close releases resources
	Close() error
}

// EngineFactory creates a fresh Engine for a new recognition session
type EngineFactory func() (Engine, error)

// DefaultConfig returns a default STT configuration
func DefaultConfig(modelPath string) Config {
	return Config{
		ModelPath:  modelPath,
		SampleRate: 16000,
	}
}
