package audio

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
)

// MalgoCapturer implements the Capturer interface using malgo
type MalgoCapturer struct {
	config       CaptureConfig
	device       *malgo.Device
	malgoContext *malgo.AllocatedContext
	samples      chan AudioSample
	errors       chan error
	running      bool
	stopped      atomic.Bool
	mu           sync.Mutex
	stopChan     chan struct{}
}

// NewMalgoCapturer creates a new malgo-based audio capturer
func NewMalgoCapturer(config CaptureConfig) (*MalgoCapturer, error) {
	if config.Channels != 1 {
		return nil, fmt.Errorf("unsupported channel count %d: practice capture is mono", config.Channels)
	}
	size := config.SampleBufferSize
	if size <= 0 {
		size = 10
	}
	return &MalgoCapturer{
		config:   config,
		samples:  make(chan AudioSample, size),
		errors:   make(chan error, 10),
		stopChan: make(chan struct{}),
	}, nil
}

// Start opens the capture device and begins streaming samples
func (m *MalgoCapturer) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("capturer is already running")
	}
	if m.stopped.Load() {
		return fmt.Errorf("capturer has been stopped")
	}

	malgoCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("%w: init audio context: %v", ErrDeviceUnavailable, err)
	}

	infos, err := malgoCtx.Devices(malgo.Capture)
	if err != nil {
		freeContext(malgoCtx)
		return fmt.Errorf("%w: enumerate capture devices: %v", ErrDeviceUnavailable, err)
	}
	if len(infos) == 0 {
		freeContext(malgoCtx)
		return fmt.Errorf("%w: no capture devices found", ErrDeviceUnavailable)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = m.config.Channels
	deviceConfig.SampleRate = m.config.SampleRate
	deviceConfig.PeriodSizeInFrames = m.config.BufferFrames
	if m.config.DeviceID != "" {
		idx := matchDevice(infos, m.config.DeviceID)
		if idx < 0 {
			freeContext(malgoCtx)
			return fmt.Errorf("%w: device not found: %s", ErrDeviceUnavailable, m.config.DeviceID)
		}
		deviceConfig.Capture.DeviceID = infos[idx].ID.Pointer()
	}

	var callbacks malgo.DeviceCallbacks
	callbacks.Data = func(_, input []byte, frameCount uint32) {
		if m.stopped.Load() {
			return
		}
		data := make([]byte, len(input))
		copy(data, input)

		select {
		case m.samples <- AudioSample{Data: data, Timestamp: time.Now(), Frames: frameCount}:
		default:
			select {
			case m.errors <- fmt.Errorf("sample buffer overflow, dropping %d frames", frameCount):
			default:
			}
		}
	}

	device, err := malgo.InitDevice(malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		freeContext(malgoCtx)
		return fmt.Errorf("%w: init device: %v", ErrDeviceUnavailable, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		freeContext(malgoCtx)
		return fmt.Errorf("%w: start device: %v", ErrDeviceUnavailable, err)
	}

	m.malgoContext = malgoCtx
	m.device = device
	m.running = true

	go func() {
		select {
		case <-ctx.Done():
			_ = m.Stop()
		case <-m.stopChan:
		}
	}()

	return nil
}

// Stop stops the device, frees the audio context, and closes the sample channels
func (m *MalgoCapturer) Stop() error {
	if !m.stopped.CompareAndSwap(false, true) {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	close(m.stopChan)

	var stopErr error
	if m.device != nil {
		if err := m.device.Stop(); err != nil {
			stopErr = fmt.Errorf("failed to stop device: %w", err)
		}
		m.device.Uninit()
		m.device = nil
	}
	if m.malgoContext != nil {
		freeContext(m.malgoContext)
		m.malgoContext = nil
	}
	m.running = false

	close(m.samples)
	close(m.errors)

	return stopErr
}

// Samples returns a channel that receives audio samples
func (m *MalgoCapturer) Samples() <-chan AudioSample {
	return m.samples
}

// Errors returns a channel that receives capture errors
func (m *MalgoCapturer) Errors() <-chan error {
	return m.errors
}

// IsRunning returns true if capture is currently active
func (m *MalgoCapturer) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func freeContext(ctx *malgo.AllocatedContext) {
	_ = ctx.Uninit()
	ctx.Free()
}

// matchDevice resolves a "capture-N" identifier or a case-insensitive name fragment.
func matchDevice(infos []malgo.DeviceInfo, want string) int {
	for i := range infos {
		if fmt.Sprintf("capture-%d", i) == want {
			return i
		}
	}
	needle := strings.ToLower(want)
	for i := range infos {
		if strings.Contains(strings.ToLower(infos[i].Name()), needle) {
			return i
		}
	}
	return -1
}
