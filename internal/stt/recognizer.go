package stt

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnsupportedPlatform is returned when no speech recognizer is available
var ErrUnsupportedPlatform = errors.New("stt: speech recognition unsupported")

// ErrorCode classifies recognizer faults
type ErrorCode string

const (
	CodeAborted      ErrorCode = "aborted"
	CodeNoSpeech     ErrorCode = "no-speech"
	CodeNetwork      ErrorCode = "network"
	CodeNotAllowed   ErrorCode = "not-allowed"
	CodeAudioCapture ErrorCode = "audio-capture"
	CodeOther        ErrorCode = "other"
)

// RecognitionError is a fault reported by a recognition session
type RecognitionError struct {
	Code ErrorCode
	Err  error
}

func (e *RecognitionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("recognition error: %s", e.Code)
	}
	return fmt.Sprintf("recognition error: %s: %v", e.Code, e.Err)
}

func (e *RecognitionError) Unwrap() error {
	return e.Err
}

// Hypothesis is one recognized segment. Interim hypotheses may still change;
// final ones are settled.
type Hypothesis struct {
	Text       string
	Final      bool
	Confidence float64
}

// Listener receives callbacks from a recognition session. Callbacks arrive on
// the recognizer's goroutine. After OnEnd, no further callbacks are delivered.
type Listener interface {
	OnResults(results []Hypothesis)
	OnError(err *RecognitionError)
	OnEnd()
}

// ListenerFuncs adapts plain functions to a Listener; nil fields are ignored
type ListenerFuncs struct {
	Results func([]Hypothesis)
	Error   func(*RecognitionError)
	End     func()
}

func (l ListenerFuncs) OnResults(results []Hypothesis) {
	if l.Results != nil {
		l.Results(results)
	}
}

func (l ListenerFuncs) OnError(err *RecognitionError) {
	if l.Error != nil {
		l.Error(err)
	}
}

func (l ListenerFuncs) OnEnd() {
	if l.End != nil {
		l.End()
	}
}

// Session is a running recognition session
type Session interface {
	// Stop asks the session to finish. Pending results are flushed and OnEnd
	// follows. Stop never blocks on the listener and is safe to call twice.
	Stop()
}

// Recognizer starts continuous recognition sessions with interim results.
// Sessions may end on their own (silence, service limits); callers restart
// them as needed.
type Recognizer interface {
	Start(ctx context.Context, listener Listener) (Session, error)
}

// Unsupported is a Recognizer for installs without any speech backend
type Unsupported struct {
	Reason string
}

func (u Unsupported) Start(context.Context, Listener) (Session, error) {
	if u.Reason == "" {
		return nil, ErrUnsupportedPlatform
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, u.Reason)
}
