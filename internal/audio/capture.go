package audio

import (
	"context"
	"errors"
	"time"
)

// ErrDeviceUnavailable is returned when the microphone cannot be opened:
// permission was denied, no capture device exists, or the device failed to start.
var ErrDeviceUnavailable = errors.New("audio: capture device unavailable")

// CaptureConfig holds configuration for audio capture
type CaptureConfig struct {
	// SampleRate is the number of samples per second (Hz)
	// 16000 suits every recognizer backend we ship
	SampleRate uint32

	// Channels is the number of audio channels
	// 1 = mono (required by the analyser and recognizers)
	Channels uint32

	// BufferFrames is the number of frames per device period
	// Smaller = lower latency, higher CPU usage
	BufferFrames uint32

	// SampleBufferSize is the size of the channel buffer for audio samples
	SampleBufferSize int

	// DeviceID is the audio device identifier ("capture-N") or name
	// Empty string = use default device
	DeviceID string
}

// DefaultConfig returns the capture configuration used for practice recordings
func DefaultConfig() CaptureConfig {
	return CaptureConfig{
		SampleRate:       16000, // 16kHz is what the STT backends expect
		Channels:         1,     // Mono
		BufferFrames:     480,   // 30ms at 16kHz
		SampleBufferSize: 50,    // ~1.5 seconds of slack
		DeviceID:         "",    // Default device
	}
}

// AudioSample represents a chunk of captured audio data (16-bit signed little-endian PCM)
type AudioSample struct {
	Data      []byte    // Raw audio data
	Timestamp time.Time // When the sample was captured
	Frames    uint32    // Number of audio frames in this sample
}

// Capturer is the microphone capability. A Capturer is single-use: once
// stopped it cannot be started again, callers create a fresh one per recording.
type Capturer interface {
	// Start opens the device and begins capture. Failures to open the
	// device wrap ErrDeviceUnavailable.
	Start(ctx context.Context) error

	// Stop stops every device track. It is safe to call more than once.
	Stop() error

	// Samples returns a channel that receives audio samples; it is closed on Stop
	Samples() <-chan AudioSample

	// Errors returns a channel that receives non-fatal capture errors
	Errors() <-chan error

	// IsRunning returns true if capture is currently active
	IsRunning() bool
}

// CapturerFactory builds a new, unstarted Capturer.
type CapturerFactory func(config CaptureConfig) (Capturer, error)

// NewCapturer creates a new audio capturer with the given configuration
func NewCapturer(config CaptureConfig) (Capturer, error) {
	return NewMalgoCapturer(config)
}
