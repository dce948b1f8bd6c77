package audio

import (
	"sync"
	"time"
)

// DefaultRefreshInterval approximates a 60Hz display refresh
const DefaultRefreshInterval = 16 * time.Millisecond

// FrameScheduler runs a callback repeatedly until the returned cancel func is
// called. Cancel must be idempotent and, once it returns, fn must not start again.
type FrameScheduler interface {
	Every(interval time.Duration, fn func()) (cancel func())
}

// TickerScheduler is a FrameScheduler backed by time.Ticker
type TickerScheduler struct{}

// NewTickerScheduler returns a ticker-backed scheduler
func NewTickerScheduler() *TickerScheduler {
	return &TickerScheduler{}
}

// Every starts a goroutine calling fn on each tick
func (TickerScheduler) Every(interval time.Duration, fn func()) func() {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	var mu sync.Mutex
	stopped := false

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				mu.Lock()
				if !stopped {
					fn()
				}
				mu.Unlock()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			mu.Lock()
			stopped = true
			mu.Unlock()
			close(done)
		})
	}
}
