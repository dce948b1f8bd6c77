package practice

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emmett/parlo/internal/transcription"
	"github.com/google/uuid"
)

// State is the lifecycle state of a practice session
type State int

const (
	StateIdle State = iota
	StateRecording
	StateStopped
	StateSubmitting
	StateSubmitted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateStopped:
		return "stopped"
	case StateSubmitting:
		return "submitting"
	case StateSubmitted:
		return "submitted"
	default:
		return "unknown"
	}
}

// Capture is the microphone side of a recording
type Capture interface {
	Acquire(ctx context.Context) error
	Release()
	Levels() []uint8
}

// Transcriber is the speech-to-text side of a recording
type Transcriber interface {
	Start(ctx context.Context) error
	Stop()
	Transcript() string
	Snapshot() transcription.Snapshot
	OnChange(fn func(transcription.Snapshot))
}

// RecordingFactory builds the capture and transcriber for one recording
type RecordingFactory func() (Capture, Transcriber, error)

// Recorder observes session lifecycle events
type Recorder interface {
	SessionTransition(from, to string)
	RecordingActive(delta float64)
	SubmissionObserved(d time.Duration, err error)
}

type nopRecorder struct{}

func (nopRecorder) SessionTransition(string, string) {}
func (nopRecorder) RecordingActive(float64) {}
func (nopRecorder) SubmissionObserved(time.Duration, error) {}

// Completion is emitted when a submission settles successfully
type Completion struct {
	SessionID  string
	Target     string
	Transcript string
	Feedback   Feedback
}

// Snapshot is a consistent view of a session for display
type Snapshot struct {
	ID               string
	State            State
	Transcript       string
	Levels           []uint8
	HasCapturedAudio bool
	Fault            error
	SubmissionFault  error
	Feedback         *Feedback
}

// Options holds the collaborators of a Session
type Options struct {
	// Target is the phrase the learner is asked to say
	Target       string
	NewRecording RecordingFactory
	Scorer       Scorer
	Recorder     Recorder
	Logger       *slog.Logger
}

// Session is one attempt at saying a phrase: record, stop, submit. It holds
// the microphone and recognizer only while recording.
type Session struct {
	id           string
	target       string
	newRecording RecordingFactory
	scorer       Scorer
	recorder     Recorder
	logger       *slog.Logger

	mu           sync.Mutex
	state        State
	busy         bool
	closed       bool
	capture      Capture
	stream       Transcriber
	cancelRec    context.CancelFunc
	cancelSubmit context.CancelFunc
	transcript   string
	hasCaptured  bool
	fault        error
	submitFault  *SubmissionFault
	feedback     *Feedback
	onComplete   []func(Completion)
}

// NewSession creates an idle session
func NewSession(opts Options) *Session {
	if opts.Scorer == nil {
		opts.Scorer = NewSimulatedScorer(DefaultScoringDelay)
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	id := uuid.NewString()
	return &Session{
		id:           id,
		target:       opts.Target,
		newRecording: opts.NewRecording,
		scorer:       opts.Scorer,
		recorder:     opts.Recorder,
		logger:       opts.Logger.With("session_id", id),
	}
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// Target returns the phrase being practiced
func (s *Session) Target() string {
	return s.target
}

// OnComplete registers a listener for successful submissions
func (s *Session) OnComplete(fn func(Completion)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onComplete = append(s.onComplete, fn)
}

// Start acquires the microphone and starts transcription. It is only
// allowed from idle or stopped; recording again discards the previous
// transcript. On failure the session stays in its prior state and the error
// wraps audio.ErrDeviceUnavailable or stt.ErrUnsupportedPlatform.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || s.busy || (s.state != StateIdle && s.state != StateStopped) {
		state := s.state
		s.mu.Unlock()
		return invalidState("start", state)
	}
	if s.newRecording == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: no recording backend", ErrInvalidState)
	}
	s.busy = true
	s.mu.Unlock()

	capture, stream, err := s.acquire(ctx)

	s.mu.Lock()
	s.busy = false
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("failed to start recording", "error", err)
		return err
	}
	if s.closed {
		s.mu.Unlock()
		stream.Stop()
		capture.Release()
		return invalidState("start", StateIdle)
	}
	from := s.state
	s.state = StateRecording
	s.capture = capture
	s.stream = stream
	s.transcript = ""
	s.fault = nil
	s.submitFault = nil
	s.feedback = nil
	s.mu.Unlock()

	s.recorder.RecordingActive(1)
	s.transition(from, StateRecording)

	if snap := stream.Snapshot(); snap.Status == transcription.StatusFatalError {
		s.onFatal(stream, snap.Fault)
	}
	return nil
}

func (s *Session) acquire(ctx context.Context) (Capture, Transcriber, error) {
	capture, stream, err := s.newRecording()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to prepare recording: %w", err)
	}

	recCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := capture.Acquire(recCtx); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("failed to acquire microphone: %w", err)
	}

	stream.OnChange(func(snap transcription.Snapshot) {
		if snap.Status == transcription.StatusFatalError {
			s.onFatal(stream, snap.Fault)
		}
	})
	if err := stream.Start(recCtx); err != nil {
		stream.Stop()
		capture.Release()
		cancel()
		return nil, nil, fmt.Errorf("failed to start transcription: %w", err)
	}

	s.mu.Lock()
	s.cancelRec = cancel
	s.mu.Unlock()
	return capture, stream, nil
}

// onFatal forces a stop when the current recording's recognizer fails for good
func (s *Session) onFatal(stream Transcriber, fault *transcription.Fault) {
	s.mu.Lock()
	current := s.state == StateRecording && s.stream == stream
	s.mu.Unlock()
	if !current {
		return
	}
	s.logger.Warn("recognition failed, stopping recording", "error", fault)
	if err := s.stop(StateStopped, fault); err != nil {
		s.logger.Debug("forced stop skipped", "error", err)
	}
}

// Stop ends the recording: transcription is stopped first, then the
// microphone is released. Safe to call from any goroutine.
func (s *Session) Stop() error {
	return s.stop(StateStopped, nil)
}

// Cancel abandons the recording and returns to idle, discarding the transcript
func (s *Session) Cancel() error {
	return s.stop(StateIdle, nil)
}

func (s *Session) stop(to State, fault *transcription.Fault) error {
	s.mu.Lock()
	if s.state != StateRecording {
		state := s.state
		s.mu.Unlock()
		return invalidState("stop", state)
	}
	stream := s.stream
	capture := s.capture
	cancel := s.cancelRec
	s.stream = nil
	s.capture = nil
	s.cancelRec = nil
	s.state = to
	s.busy = true
	if to == StateStopped {
		s.transcript = stream.Transcript()
	} else {
		s.transcript = ""
	}
	if fault != nil {
		s.fault = fault
	}
	s.mu.Unlock()

	stream.Stop()
	capture.Release()
	if cancel != nil {
		cancel()
	}

	s.mu.Lock()
	if to == StateStopped {
		s.hasCaptured = true
	}
	s.busy = false
	s.mu.Unlock()

	s.recorder.RecordingActive(-1)
	s.transition(StateRecording, to)
	return nil
}

// EnterText takes typed text as the transcript of an idle or stopped
// session, for learners who cannot record. The session is left stopped,
// ready to Submit. No audio is marked as captured.
func (s *Session) EnterText(text string) error {
	text = strings.TrimSpace(text)
	s.mu.Lock()
	if s.closed || s.busy || (s.state != StateIdle && s.state != StateStopped) {
		state := s.state
		s.mu.Unlock()
		return invalidState("enter text", state)
	}
	if text == "" {
		s.mu.Unlock()
		return fmt.Errorf("%w: empty text", ErrInvalidState)
	}
	from := s.state
	s.state = StateStopped
	s.transcript = text
	s.fault = nil
	s.submitFault = nil
	s.feedback = nil
	s.mu.Unlock()

	if from != StateStopped {
		s.transition(from, StateStopped)
	}
	return nil
}

// Submit scores the stopped recording. It blocks until the scorer settles.
// A concurrent Submit returns ErrInvalidState. On failure the session goes
// back to stopped, keeps its transcript and returns a *SubmissionFault.
func (s *Session) Submit(ctx context.Context) error {
	s.mu.Lock()
	if s.busy || s.state != StateStopped {
		state := s.state
		s.mu.Unlock()
		return invalidState("submit", state)
	}
	s.state = StateSubmitting
	s.submitFault = nil
	subCtx, cancel := context.WithCancel(ctx)
	s.cancelSubmit = cancel
	attempt := Attempt{SessionID: s.id, Target: s.target, Transcript: s.transcript}
	s.mu.Unlock()
	s.transition(StateStopped, StateSubmitting)

	start := time.Now()
	feedback, err := s.scorer.Score(subCtx, attempt)
	cancel()
	s.recorder.SubmissionObserved(time.Since(start), err)

	s.mu.Lock()
	s.cancelSubmit = nil
	if err != nil {
		fault := &SubmissionFault{Err: err}
		s.state = StateStopped
		s.submitFault = fault
		s.mu.Unlock()
		s.logger.Warn("submission failed", "error", err)
		s.transition(StateSubmitting, StateStopped)
		return fault
	}
	s.state = StateSubmitted
	s.feedback = &feedback
	listeners := append([]func(Completion){}, s.onComplete...)
	s.mu.Unlock()

	s.transition(StateSubmitting, StateSubmitted)
	completion := Completion{
		SessionID:  s.id,
		Target:     s.target,
		Transcript: attempt.Transcript,
		Feedback:   feedback,
	}
	for _, fn := range listeners {
		fn(completion)
	}
	return nil
}

// Reset returns a stopped or submitted session to idle for a fresh attempt.
// Transcript and feedback are cleared; HasCapturedAudio stays true once a
// recording has completed.
func (s *Session) Reset() error {
	s.mu.Lock()
	if s.busy || (s.state != StateStopped && s.state != StateSubmitted) {
		state := s.state
		s.mu.Unlock()
		return invalidState("reset", state)
	}
	from := s.state
	s.state = StateIdle
	s.transcript = ""
	s.fault = nil
	s.submitFault = nil
	s.feedback = nil
	s.mu.Unlock()

	s.transition(from, StateIdle)
	return nil
}

// Close tears the session down: a recording is stopped and an in-flight
// submission is cancelled. The session cannot be started again.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	state := s.state
	cancelSubmit := s.cancelSubmit
	s.mu.Unlock()

	switch state {
	case StateRecording:
		_ = s.Stop()
	case StateSubmitting:
		if cancelSubmit != nil {
			cancelSubmit()
		}
	}
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HasCapturedAudio reports whether a start/stop cycle has ever completed
func (s *Session) HasCapturedAudio() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasCaptured
}

// Transcript returns the live transcript while recording, otherwise the
// transcript captured at stop
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRecording && s.stream != nil {
		return s.stream.Transcript()
	}
	return s.transcript
}

// Levels returns the visualization bins while recording, nil otherwise
func (s *Session) Levels() []uint8 {
	s.mu.Lock()
	capture := s.capture
	s.mu.Unlock()
	if capture == nil {
		return nil
	}
	return capture.Levels()
}

// Fault returns the recognition fault that ended the last recording, if any
func (s *Session) Fault() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault
}

// Snapshot returns a consistent view for display
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		ID:               s.id,
		State:            s.state,
		Transcript:       s.transcript,
		HasCapturedAudio: s.hasCaptured,
		Fault:            s.fault,
		Feedback:         s.feedback,
	}
	if s.submitFault != nil {
		snap.SubmissionFault = s.submitFault
	}
	stream := s.stream
	capture := s.capture
	s.mu.Unlock()

	if stream != nil {
		snap.Transcript = stream.Transcript()
	}
	if capture != nil {
		snap.Levels = capture.Levels()
	}
	return snap
}

func (s *Session) transition(from, to State) {
	s.logger.Debug("practice session transition", "from", from.String(), "to", to.String())
	s.recorder.SessionTransition(from.String(), to.String())
}
