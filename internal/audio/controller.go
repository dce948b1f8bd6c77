package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ControllerConfig holds configuration for the capture controller
type ControllerConfig struct {
	Capture  CaptureConfig
	Analyser AnalyserConfig

	// Bins is the number of visualization bins kept in the buffer
	Bins int

	// RefreshInterval is the period of the visualization refresh callback
	RefreshInterval time.Duration
}

// DefaultControllerConfig returns the controller defaults
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		Capture:         DefaultConfig(),
		Analyser:        DefaultAnalyserConfig(),
		Bins:            DefaultVisualizationBins,
		RefreshInterval: DefaultRefreshInterval,
	}
}

// Controller owns the microphone for the duration of one recording. It
// feeds captured PCM to a frequency analyser, refreshes a VisualizationBuffer
// on every scheduler tick and fans the raw PCM out to subscribers.
//
// A Controller can be acquired again after Release; each acquisition uses a
// fresh Capturer.
type Controller struct {
	config      ControllerConfig
	newCapturer CapturerFactory
	scheduler   FrameScheduler
	logger      *slog.Logger

	mu       sync.Mutex
	capturer Capturer
	analyser *Analyser
	buffer   *VisualizationBuffer
	cancel   func()
	stopPump context.CancelFunc
	pumpDone chan struct{}
	subs     map[int]chan AudioSample
	nextSub  int
	scratch  []uint8
}

// NewController creates a released controller. A nil factory uses the malgo
// backend, a nil scheduler uses a TickerScheduler.
func NewController(config ControllerConfig, newCapturer CapturerFactory, scheduler FrameScheduler, logger *slog.Logger) *Controller {
	if newCapturer == nil {
		newCapturer = NewCapturer
	}
	if scheduler == nil {
		scheduler = NewTickerScheduler()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.Bins <= 0 {
		config.Bins = DefaultVisualizationBins
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = DefaultRefreshInterval
	}
	return &Controller{
		config:      config,
		newCapturer: newCapturer,
		scheduler:   scheduler,
		logger:      logger,
		subs:        make(map[int]chan AudioSample),
	}
}

// Acquire opens the microphone, builds the analysis graph and registers the
// refresh callback. Calling Acquire on an active controller is a no-op.
// Device failures wrap ErrDeviceUnavailable; any failure leaves the
// controller released.
func (c *Controller) Acquire(ctx context.Context) error {
	c.mu.Lock()
	if c.capturer != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	analyser, err := NewAnalyser(c.config.Analyser)
	if err != nil {
		return fmt.Errorf("failed to build analyser: %w", err)
	}

	capturer, err := c.newCapturer(c.config.Capture)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if err := capturer.Start(ctx); err != nil {
		_ = capturer.Stop()
		return err
	}

	pumpCtx, stopPump := context.WithCancel(context.Background())
	pumpDone := make(chan struct{})

	c.mu.Lock()
	if c.capturer != nil {
		// Lost a race with a concurrent Acquire
		c.mu.Unlock()
		stopPump()
		_ = capturer.Stop()
		return nil
	}
	c.capturer = capturer
	c.analyser = analyser
	c.buffer = NewVisualizationBuffer(c.config.Bins)
	c.scratch = make([]uint8, c.config.Bins)
	c.stopPump = stopPump
	c.pumpDone = pumpDone
	c.mu.Unlock()

	go c.pump(pumpCtx, capturer, analyser, pumpDone)

	cancel := c.scheduler.Every(c.config.RefreshInterval, c.Sample)

	c.mu.Lock()
	if c.capturer != capturer {
		// Released while registering the refresh callback
		c.mu.Unlock()
		cancel()
		return nil
	}
	c.cancel = cancel
	c.mu.Unlock()

	c.logger.Debug("audio capture acquired",
		"device", c.config.Capture.DeviceID,
		"sample_rate", c.config.Capture.SampleRate,
		"bins", c.config.Bins)
	return nil
}

func (c *Controller) pump(ctx context.Context, capturer Capturer, analyser *Analyser, done chan struct{}) {
	defer close(done)
	samples := capturer.Samples()
	errs := capturer.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			c.logger.Warn("audio capture error", "error", err)
		case sample, ok := <-samples:
			if !ok {
				return
			}
			analyser.Write(sample.Data)
			c.fanOut(sample)
		}
	}
}

func (c *Controller) fanOut(sample AudioSample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- sample:
		default:
			// Slow subscriber, drop the chunk
		}
	}
}

// Sample pulls the current frequency snapshot into the visualization
// buffer. It is a no-op when the controller is released.
func (c *Controller) Sample() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.analyser == nil || c.buffer == nil {
		return
	}
	n := c.analyser.ByteFrequencyData(c.scratch)
	c.buffer.Overwrite(c.scratch[:n])
}

// Release cancels the refresh callback, stops the device and discards the
// analysis graph and buffer. It is idempotent.
func (c *Controller) Release() {
	c.mu.Lock()
	capturer := c.capturer
	cancel := c.cancel
	stopPump := c.stopPump
	pumpDone := c.pumpDone
	subs := c.subs

	c.capturer = nil
	c.analyser = nil
	c.buffer = nil
	c.scratch = nil
	c.cancel = nil
	c.stopPump = nil
	c.pumpDone = nil
	c.subs = make(map[int]chan AudioSample)
	c.mu.Unlock()

	if capturer == nil {
		return
	}

	if cancel != nil {
		cancel()
	}
	if stopPump != nil {
		stopPump()
	}
	if err := capturer.Stop(); err != nil {
		c.logger.Warn("failed to stop capture device", "error", err)
	}
	if pumpDone != nil {
		<-pumpDone
	}
	for _, ch := range subs {
		close(ch)
	}
	c.logger.Debug("audio capture released")
}

// Scope acquires the controller, runs fn and releases on every exit path
func (c *Controller) Scope(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := c.Acquire(ctx); err != nil {
		return err
	}
	defer c.Release()
	return fn(ctx)
}

// Subscribe returns a channel receiving every captured PCM chunk while the
// controller is acquired. The channel is closed on Release or when the
// returned cancel func is called.
func (c *Controller) Subscribe() (<-chan AudioSample, func()) {
	ch := make(chan AudioSample, c.config.Capture.SampleBufferSize+1)

	c.mu.Lock()
	if c.capturer == nil {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subs[id]; ok && sub == ch {
				delete(c.subs, id)
				close(ch)
			}
		})
	}
}

// Levels returns a copy of the visualization buffer, or nil when released
func (c *Controller) Levels() []uint8 {
	c.mu.Lock()
	buf := c.buffer
	c.mu.Unlock()
	if buf == nil {
		return nil
	}
	return buf.Snapshot()
}

// Level returns the current RMS input level in [0, 1]
func (c *Controller) Level() float64 {
	c.mu.Lock()
	analyser := c.analyser
	c.mu.Unlock()
	if analyser == nil {
		return 0
	}
	return analyser.Level()
}

// Active reports whether the controller currently holds the microphone
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capturer != nil
}

// SampleRate returns the configured capture sample rate
func (c *Controller) SampleRate() uint32 {
	return c.config.Capture.SampleRate
}
