package transcription

import (
	"time"

	"github.com/emmett/parlo/internal/stt"
)

// Action is what the stream does in response to a recognizer event
type Action int

const (
	// ActionRestart opens a new recognizer session immediately
	ActionRestart Action = iota
	// ActionIgnore leaves the stream untouched
	ActionIgnore
	// ActionRetryOnce schedules a single delayed restart; a second fault
	// before any result arrives is fatal
	ActionRetryOnce
	// ActionFail stops the stream with a fatal fault
	ActionFail
)

func (a Action) String() string {
	switch a {
	case ActionRestart:
		return "restart"
	case ActionIgnore:
		return "ignore"
	case ActionRetryOnce:
		return "retry-once"
	case ActionFail:
		return "fail"
	default:
		return "unknown"
	}
}

// RetryPolicy maps recognizer events to actions
type RetryPolicy struct {
	// OnError is consulted for recognizer errors; codes missing from the
	// table use Default.
	OnError map[stt.ErrorCode]Action
	Default Action

	// OnEnd applies when a session ends while the stream is still listening
	OnEnd Action

	// RetryDelay is the pause before an ActionRetryOnce restart
	RetryDelay time.Duration

	// MaxIdleRestarts bounds consecutive end-triggered restarts that produce
	// no results. Zero means unbounded.
	MaxIdleRestarts int
}

// DefaultRetryPolicy returns the standard recovery table
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		OnError: map[stt.ErrorCode]Action{
			stt.CodeAborted:  ActionIgnore,
			stt.CodeNoSpeech: ActionRetryOnce,
			stt.CodeNetwork:  ActionRetryOnce,
		},
		Default:         ActionFail,
		OnEnd:           ActionRestart,
		RetryDelay:      time.Second,
		MaxIdleRestarts: 20,
	}
}

// ErrorAction returns the action for an error code
func (p RetryPolicy) ErrorAction(code stt.ErrorCode) Action {
	if a, ok := p.OnError[code]; ok {
		return a
	}
	return p.Default
}
