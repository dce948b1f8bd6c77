package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/emmett/parlo/internal/stt"
)

var (
	// ErrRetryExhausted is wrapped by the fault raised when a recoverable
	// error repeats after the single retry
	ErrRetryExhausted = errors.New("transcription: retry exhausted")

	// ErrStalled is reported when the recognizer goes quiet for longer than
	// the stall timeout
	ErrStalled = errors.New("transcription: recognizer stalled")
)

// Status is the stream's recognition status
type Status int

const (
	StatusInactive Status = iota
	StatusListening
	StatusRecoverableError
	StatusFatalError
)

func (s Status) String() string {
	switch s {
	case StatusInactive:
		return "inactive"
	case StatusListening:
		return "listening"
	case StatusRecoverableError:
		return "recoverable-error"
	case StatusFatalError:
		return "fatal-error"
	default:
		return "unknown"
	}
}

// Fault describes the last recognition failure
type Fault struct {
	Code  stt.ErrorCode
	Fatal bool
	Err   error
}

func (f *Fault) Error() string {
	kind := "recoverable"
	if f.Fatal {
		kind = "fatal"
	}
	if f.Err == nil {
		return fmt.Sprintf("%s recognition fault: %s", kind, f.Code)
	}
	return fmt.Sprintf("%s recognition fault: %s: %v", kind, f.Code, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// Snapshot is a consistent copy of the stream state
type Snapshot struct {
	Status    Status
	Committed []string
	Interim   string
	Fault     *Fault
}

// Transcript joins the committed utterances and the interim hypothesis
func (s Snapshot) Transcript() string {
	parts := make([]string, 0, len(s.Committed)+1)
	parts = append(parts, s.Committed...)
	if s.Interim != "" {
		parts = append(parts, s.Interim)
	}
	return strings.Join(parts, " ")
}

// AfterFunc schedules fn after d; the returned func cancels it
type AfterFunc func(d time.Duration, fn func()) (stop func() bool)

func timeAfterFunc(d time.Duration, fn func()) func() bool {
	return time.AfterFunc(d, fn).Stop
}

// Recorder observes recognizer restarts and faults
type Recorder interface {
	RecognizerRestarted(reason string)
	RecognitionFault(code string, fatal bool)
}

type nopRecorder struct{}

func (nopRecorder) RecognizerRestarted(string) {}
func (nopRecorder) RecognitionFault(string, bool) {}

// Config holds stream configuration
type Config struct {
	Policy RetryPolicy

	// StallTimeout raises a network fault when a listening session produces
	// no callback for this long. Zero disables the watchdog.
	StallTimeout time.Duration
}

// DefaultConfig returns the default stream configuration
func DefaultConfig() Config {
	return Config{Policy: DefaultRetryPolicy()}
}

// Option customizes a Stream
type Option func(*Stream)

// WithAfterFunc replaces the timer used for retries and the stall watchdog
func WithAfterFunc(fn AfterFunc) Option {
	return func(s *Stream) { s.afterFunc = fn }
}

// WithRecorder attaches a restart/fault observer
func WithRecorder(r Recorder) Option {
	return func(s *Stream) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Stream) {
		if l != nil {
			s.logger = l
		}
	}
}

// Stream reconciles interim and final hypotheses from a recognizer into a
// deduplicated transcript and keeps the recognizer running across
// self-terminations and transient faults.
type Stream struct {
	recognizer stt.Recognizer
	config     Config
	afterFunc  AfterFunc
	recorder   Recorder
	logger     *slog.Logger

	mu           sync.Mutex
	status       Status
	committed    []string
	interim      string
	fault        *Fault
	listening    bool
	retryUsed    bool
	idleRestarts int
	generation   uint64
	session      stt.Session
	ctx          context.Context
	retryStop    func() bool
	stallStop    func() bool
	observers    []func(Snapshot)
}

// NewStream creates an inactive stream
func NewStream(recognizer stt.Recognizer, config Config, opts ...Option) *Stream {
	if config.Policy.OnError == nil {
		config.Policy = DefaultRetryPolicy()
	}
	s := &Stream{
		recognizer: recognizer,
		config:     config,
		afterFunc:  timeAfterFunc,
		recorder:   nopRecorder{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnChange registers an observer called after every state change
func (s *Stream) OnChange(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Start clears the transcript and opens a recognition session. A missing
// speech backend returns an error wrapping stt.ErrUnsupportedPlatform and
// leaves the stream in StatusFatalError. Starting a listening stream is a no-op.
func (s *Stream) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.listening {
		s.mu.Unlock()
		return nil
	}
	s.committed = nil
	s.interim = ""
	s.fault = nil
	s.retryUsed = false
	s.idleRestarts = 0
	s.status = StatusListening
	s.listening = true
	s.ctx = ctx
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	s.notify()
	return s.open(ctx, gen, false)
}

// open starts a recognizer session for generation gen. A restart that fails
// with a retryable code gets the same single delayed retry as a session fault.
func (s *Stream) open(ctx context.Context, gen uint64, restart bool) error {
	session, err := s.recognizer.Start(ctx, s.listener(gen))

	s.mu.Lock()
	if err != nil {
		if s.generation != gen {
			s.mu.Unlock()
			return nil
		}
		code := stt.CodeOther
		var rerr *stt.RecognitionError
		if errors.As(err, &rerr) {
			code = rerr.Code
		}
		retryable := restart && s.listening && rerr != nil &&
			!errors.Is(err, stt.ErrUnsupportedPlatform) &&
			s.config.Policy.ErrorAction(code) == ActionRetryOnce
		if retryable && s.retryUsed {
			err = fmt.Errorf("%w: %v", ErrRetryExhausted, err)
		} else if retryable {
			s.scheduleRetryLocked(code, err)
			s.mu.Unlock()
			s.logger.Info("recognizer restart failed, retrying once", "code", code, "delay", s.config.Policy.RetryDelay)
			s.recorder.RecognitionFault(string(code), false)
			s.notify()
			return nil
		}
		stops := s.failLocked(&Fault{Code: code, Fatal: true, Err: err})
		s.mu.Unlock()
		runStops(stops)
		s.recorder.RecognitionFault(string(code), true)
		s.notify()
		return fmt.Errorf("failed to start recognizer: %w", err)
	}
	if s.generation != gen || !s.listening {
		s.mu.Unlock()
		session.Stop()
		return nil
	}
	s.session = session
	s.status = StatusListening
	s.armStallLocked(gen)
	s.mu.Unlock()
	return nil
}

func (s *Stream) listener(gen uint64) stt.Listener {
	return stt.ListenerFuncs{
		Results: func(h []stt.Hypothesis) { s.onResults(gen, h) },
		Error:   func(e *stt.RecognitionError) { s.onError(gen, e) },
		End:     func() { s.onEnd(gen) },
	}
}

func (s *Stream) onResults(gen uint64, hyps []stt.Hypothesis) {
	s.mu.Lock()
	if s.generation != gen || !s.listening {
		s.mu.Unlock()
		return
	}
	s.retryUsed = false
	s.idleRestarts = 0

	var interim []string
	for _, h := range hyps {
		text := strings.TrimSpace(h.Text)
		if text == "" {
			continue
		}
		if !h.Final {
			interim = append(interim, text)
			continue
		}
		if !slices.Contains(s.committed, text) {
			s.committed = append(s.committed, text)
		}
	}
	s.interim = strings.Join(interim, " ")
	s.armStallLocked(gen)
	s.mu.Unlock()

	s.notify()
}

func (s *Stream) onError(gen uint64, rerr *stt.RecognitionError) {
	s.mu.Lock()
	if s.generation != gen || !s.listening {
		s.mu.Unlock()
		return
	}

	action := s.config.Policy.ErrorAction(rerr.Code)
	switch action {
	case ActionIgnore:
		s.mu.Unlock()
		s.logger.Debug("ignoring recognizer error", "code", rerr.Code)
		return

	case ActionRetryOnce:
		if s.retryUsed {
			stops := s.failLocked(&Fault{
				Code:  rerr.Code,
				Fatal: true,
				Err:   fmt.Errorf("%w: %v", ErrRetryExhausted, rerr),
			})
			s.mu.Unlock()
			runStops(stops)
			s.logger.Warn("recognizer retry exhausted", "code", rerr.Code)
			s.recorder.RecognitionFault(string(rerr.Code), true)
			s.notify()
			return
		}
		session := s.scheduleRetryLocked(rerr.Code, rerr)
		s.mu.Unlock()

		if session != nil {
			session.Stop()
		}
		s.logger.Info("recognizer fault, retrying once", "code", rerr.Code, "delay", s.config.Policy.RetryDelay)
		s.recorder.RecognitionFault(string(rerr.Code), false)
		s.notify()

	default:
		stops := s.failLocked(&Fault{Code: rerr.Code, Fatal: true, Err: rerr})
		s.mu.Unlock()
		runStops(stops)
		s.logger.Warn("fatal recognizer fault", "code", rerr.Code, "error", rerr.Err)
		s.recorder.RecognitionFault(string(rerr.Code), true)
		s.notify()
	}
}

func (s *Stream) onEnd(gen uint64) {
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	s.session = nil
	if !s.listening {
		s.mu.Unlock()
		return
	}

	if s.config.Policy.OnEnd != ActionRestart {
		s.listening = false
		s.status = StatusInactive
		s.interim = ""
		s.cancelTimersLocked()
		s.mu.Unlock()
		s.notify()
		return
	}

	s.idleRestarts++
	if limit := s.config.Policy.MaxIdleRestarts; limit > 0 && s.idleRestarts > limit {
		stops := s.failLocked(&Fault{Code: stt.CodeOther, Fatal: true, Err: ErrRetryExhausted})
		s.mu.Unlock()
		runStops(stops)
		s.recorder.RecognitionFault(string(stt.CodeOther), true)
		s.notify()
		return
	}

	s.generation++
	next := s.generation
	ctx := s.ctx
	s.mu.Unlock()

	s.logger.Debug("recognizer session ended, restarting")
	s.recorder.RecognizerRestarted("end")
	_ = s.open(ctx, next, true)
}

func (s *Stream) retry(gen uint64) {
	s.mu.Lock()
	if s.generation != gen || !s.listening {
		s.mu.Unlock()
		return
	}
	s.retryStop = nil
	ctx := s.ctx
	s.mu.Unlock()

	s.recorder.RecognizerRestarted("retry")
	if err := s.open(ctx, gen, true); err == nil {
		s.mu.Lock()
		if s.generation == gen && s.status == StatusListening {
			s.fault = nil
		}
		s.mu.Unlock()
		s.notify()
	}
}

// scheduleRetryLocked moves to StatusRecoverableError, spends the retry and
// arms the retry timer. The detached session is returned for stopping.
func (s *Stream) scheduleRetryLocked(code stt.ErrorCode, err error) stt.Session {
	s.retryUsed = true
	s.status = StatusRecoverableError
	s.fault = &Fault{Code: code, Err: err}
	s.generation++
	next := s.generation
	s.retryStop = s.afterFunc(s.config.Policy.RetryDelay, func() { s.retry(next) })
	return s.detachLocked()
}

func (s *Stream) armStallLocked(gen uint64) {
	if s.config.StallTimeout <= 0 {
		return
	}
	if s.stallStop != nil {
		s.stallStop()
	}
	s.stallStop = s.afterFunc(s.config.StallTimeout, func() {
		s.onError(gen, &stt.RecognitionError{Code: stt.CodeNetwork, Err: ErrStalled})
	})
}

// Stop disables auto-restart, cancels any pending retry, clears the interim
// hypothesis and stops the recognizer session. It is idempotent.
func (s *Stream) Stop() {
	s.mu.Lock()
	if !s.listening && s.session == nil && s.retryStop == nil {
		changed := s.interim != ""
		s.interim = ""
		s.mu.Unlock()
		if changed {
			s.notify()
		}
		return
	}
	s.listening = false
	s.generation++
	s.cancelTimersLocked()
	s.interim = ""
	if s.status != StatusFatalError {
		s.status = StatusInactive
	}
	session := s.detachLocked()
	s.mu.Unlock()

	if session != nil {
		session.Stop()
	}
	s.notify()
}

// failLocked moves the stream to StatusFatalError and returns the cleanup
// to run once the lock is released
func (s *Stream) failLocked(fault *Fault) []func() {
	s.listening = false
	s.status = StatusFatalError
	s.fault = fault
	s.interim = ""
	s.generation++
	s.cancelTimersLocked()
	var stops []func()
	if session := s.detachLocked(); session != nil {
		stops = append(stops, session.Stop)
	}
	return stops
}

func (s *Stream) detachLocked() stt.Session {
	session := s.session
	s.session = nil
	return session
}

func (s *Stream) cancelTimersLocked() {
	if s.retryStop != nil {
		s.retryStop()
		s.retryStop = nil
	}
	if s.stallStop != nil {
		s.stallStop()
		s.stallStop = nil
	}
}

func runStops(stops []func()) {
	for _, stop := range stops {
		stop()
	}
}

func (s *Stream) notify() {
	s.mu.Lock()
	observers := slices.Clone(s.observers)
	s.mu.Unlock()
	if len(observers) == 0 {
		return
	}
	snap := s.Snapshot()
	for _, fn := range observers {
		fn(snap)
	}
}

// Snapshot returns a copy of the current state
func (s *Stream) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Status:    s.status,
		Committed: slices.Clone(s.committed),
		Interim:   s.interim,
		Fault:     s.fault,
	}
}

// Status returns the current status
func (s *Stream) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Committed returns a copy of the finalized utterances
func (s *Stream) Committed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.committed)
}

// Interim returns the current interim hypothesis
func (s *Stream) Interim() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interim
}

// Fault returns the last recognition fault, if any
func (s *Stream) Fault() *Fault {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault
}

// Transcript returns the committed utterances plus the interim hypothesis
func (s *Stream) Transcript() string {
	return s.Snapshot().Transcript()
}
