package input

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.design/x/hotkey"
)

// DefaultBinding toggles recording when no binding is configured
const DefaultBinding = "ctrl+shift+space"

// KeySource is a registered global key combination
type KeySource interface {
	Register() error
	Unregister() error
	Keydown() <-chan hotkey.Event
}

// PushToTalk calls onPress for every press of a global key combination.
// The caller decides what a press means for the current practice session.
type PushToTalk struct {
	onPress func()

	mu     sync.Mutex
	source KeySource
	cancel context.CancelFunc
	done   chan struct{}
	count  int
}

// NewPushToTalk creates a push-to-talk listener
func NewPushToTalk(onPress func()) *PushToTalk {
	return &PushToTalk{onPress: onPress}
}

// Start registers the binding and begins listening
func (p *PushToTalk) Start(ctx context.Context, binding string) error {
	mods, key, err := ParseBinding(binding)
	if err != nil {
		return fmt.Errorf("invalid hotkey: %w", err)
	}
	return p.StartWith(ctx, hotkey.New(mods, key))
}

// StartWith listens on an already constructed key source
func (p *PushToTalk) StartWith(ctx context.Context, source KeySource) error {
	if err := source.Register(); err != nil {
		return fmt.Errorf("failed to register hotkey: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	p.mu.Lock()
	p.source = source
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	go func() {
		defer close(done)
		keys := source.Keydown()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-keys:
				if !ok {
					return
				}
				p.mu.Lock()
				p.count++
				p.mu.Unlock()
				if p.onPress != nil {
					p.onPress()
				}
			}
		}
	}()
	return nil
}

// Stop unregisters the binding and waits briefly for the listener to exit
func (p *PushToTalk) Stop() {
	p.mu.Lock()
	source, cancel, done := p.source, p.cancel, p.done
	p.source, p.cancel, p.done = nil, nil, nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if source != nil {
		_ = source.Unregister()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Presses returns how many presses were delivered
func (p *PushToTalk) Presses() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// ParseBinding parses a binding like "ctrl+shift+space" into modifiers and a key
func ParseBinding(s string) ([]hotkey.Modifier, hotkey.Key, error) {
	if strings.TrimSpace(s) == "" {
		return nil, 0, fmt.Errorf("empty hotkey string")
	}

	var mods []hotkey.Modifier
	var key hotkey.Key
	var keyFound bool

	for _, part := range strings.Split(strings.ToLower(s), "+") {
		part = strings.TrimSpace(part)
		switch part {
		case "ctrl", "control":
			mods = append(mods, hotkey.ModCtrl)
		case "shift":
			mods = append(mods, hotkey.ModShift)
		default:
			if mod, ok := platformModifiers[part]; ok {
				mods = append(mods, mod)
				continue
			}
			if keyFound {
				return nil, 0, fmt.Errorf("multiple keys specified")
			}
			k, ok := keyNames[part]
			if !ok {
				return nil, 0, fmt.Errorf("unknown key: %s", part)
			}
			key = k
			keyFound = true
		}
	}

	if !keyFound {
		return nil, 0, fmt.Errorf("no key specified")
	}
	return mods, key, nil
}

var keyNames = map[string]hotkey.Key{
	"space": hotkey.KeySpace, "return": hotkey.KeyReturn, "enter": hotkey.KeyReturn,
	"tab": hotkey.KeyTab, "escape": hotkey.KeyEscape, "esc": hotkey.KeyEscape,

	"a": hotkey.KeyA, "b": hotkey.KeyB, "c": hotkey.KeyC, "d": hotkey.KeyD,
	"e": hotkey.KeyE, "f": hotkey.KeyF, "g": hotkey.KeyG, "h": hotkey.KeyH,
	"i": hotkey.KeyI, "j": hotkey.KeyJ, "k": hotkey.KeyK, "l": hotkey.KeyL,
	"m": hotkey.KeyM, "n": hotkey.KeyN, "o": hotkey.KeyO, "p": hotkey.KeyP,
	"q": hotkey.KeyQ, "r": hotkey.KeyR, "s": hotkey.KeyS, "t": hotkey.KeyT,
	"u": hotkey.KeyU, "v": hotkey.KeyV, "w": hotkey.KeyW, "x": hotkey.KeyX,
	"y": hotkey.KeyY, "z": hotkey.KeyZ,

	"0": hotkey.Key0, "1": hotkey.Key1, "2": hotkey.Key2, "3": hotkey.Key3,
	"4": hotkey.Key4, "5": hotkey.Key5, "6": hotkey.Key6, "7": hotkey.Key7,
	"8": hotkey.Key8, "9": hotkey.Key9,

	"f1": hotkey.KeyF1, "f2": hotkey.KeyF2, "f3": hotkey.KeyF3, "f4": hotkey.KeyF4,
	"f5": hotkey.KeyF5, "f6": hotkey.KeyF6, "f7": hotkey.KeyF7, "f8": hotkey.KeyF8,
	"f9": hotkey.KeyF9, "f10": hotkey.KeyF10, "f11": hotkey.KeyF11, "f12": hotkey.KeyF12,
}
