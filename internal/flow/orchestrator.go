package flow

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/emmett/parlo/internal/curriculum"
	"github.com/emmett/parlo/internal/practice"
	"github.com/emmett/parlo/internal/progress"
)

// LearnerSpeaker labels the learner's turns in the history
const LearnerSpeaker = "You"

// Turn is one line of the conversation history
type Turn struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// Orchestrator runs a scripted role-play. The counterpart's lines sit at the
// even indexes of the dialogue; the learner answers each one in their own
// words, guided by the prompt for that exchange.
type Orchestrator struct {
	lesson *curriculum.Lesson
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	history     []Turn
	dialoguePtr int
	promptPtr   int
	complete    bool
	screen      Screen
	session     *practice.Session
	exchanges   int
}

// NewOrchestrator creates an orchestrator for a role-play lesson. The
// opening line goes into the history straight away. A lesson without
// dialogue or prompts starts complete.
func NewOrchestrator(lesson *curriculum.Lesson, opts Options) (*Orchestrator, error) {
	if lesson.Kind != curriculum.KindRoleplay {
		return nil, fmt.Errorf("lesson %q is %s, not roleplay", lesson.ID, lesson.Kind)
	}
	opts.defaults()
	o := &Orchestrator{
		lesson: lesson,
		opts:   opts,
		logger: opts.Logger.With("lesson_id", lesson.ID),
		screen: ScreenScenarioIntro,
	}
	if len(lesson.Dialogue) > 0 {
		first := lesson.Dialogue[0]
		o.history = append(o.history, Turn{Speaker: first.Speaker, Text: first.Text})
	}
	o.complete = len(lesson.Dialogue) == 0 || len(lesson.Prompts) == 0
	return o, nil
}

// Begin leaves the scenario intro and shows the suggested responses
func (o *Orchestrator) Begin() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.screen == ScreenScenarioIntro && !o.complete {
		o.screen = ScreenSuggestedResponses
	}
}

// Record opens a practice session for the learner's reply
func (o *Orchestrator) Record() (*practice.Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.complete {
		return nil, fmt.Errorf("%w: conversation is complete", practice.ErrInvalidState)
	}
	o.screen = ScreenRecordingStep
	if o.session == nil {
		target := ""
		if o.promptPtr < len(o.lesson.Prompts) && len(o.lesson.Prompts[o.promptPtr].Suggested) > 0 {
			target = o.lesson.Prompts[o.promptPtr].Suggested[0]
		}
		session := o.opts.NewSession(target)
		session.OnComplete(func(c practice.Completion) { o.Submitted(c) })
		o.session = session
	}
	return o.session, nil
}

// Submitted takes the transcript of a settled submission from the current
// session as the learner's turn
func (o *Orchestrator) Submitted(c practice.Completion) bool {
	o.mu.Lock()
	if o.session == nil || o.session.ID() != c.SessionID {
		o.mu.Unlock()
		return false
	}
	o.mu.Unlock()
	return o.Respond(c.Transcript)
}

// Respond records a learner turn and plays the counterpart's next line.
// It returns false once the conversation is complete.
func (o *Orchestrator) Respond(transcript string) bool {
	o.mu.Lock()
	if o.complete {
		o.mu.Unlock()
		return false
	}

	o.history = append(o.history, Turn{Speaker: LearnerSpeaker, Text: transcript})
	o.exchanges++

	next := o.dialoguePtr + 2
	if next < len(o.lesson.Dialogue) {
		line := o.lesson.Dialogue[next]
		o.history = append(o.history, Turn{Speaker: line.Speaker, Text: line.Text})
		o.dialoguePtr = next
		if o.promptPtr+1 < len(o.lesson.Prompts) {
			o.promptPtr++
		} else {
			o.complete = true
		}
	} else {
		o.complete = true
	}

	o.screen = ScreenSuggestedResponses
	old := o.session
	o.session = nil
	done := o.complete
	exchanges := o.exchanges
	o.mu.Unlock()

	if old != nil {
		old.Close()
	}
	o.logger.Debug("conversation exchange", "exchange", exchanges, "complete", done)
	if done {
		o.emit()
	}
	return true
}

func (o *Orchestrator) emit() {
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	event := progress.Event{
		LearnerID: o.opts.LearnerID,
		LessonID:  o.lesson.ID,
		Section:   o.lesson.Section,
		Completed: true,
		At:        time.Now().UTC(),
	}
	if err := o.opts.Sink.SectionCompleted(ctx, event); err != nil {
		o.logger.Error("failed to record section completion", "error", err)
	}
}

// CurrentPrompt returns the instruction and suggestions for the next reply
func (o *Orchestrator) CurrentPrompt() (curriculum.Prompt, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.complete || o.promptPtr >= len(o.lesson.Prompts) {
		return curriculum.Prompt{}, false
	}
	return o.lesson.Prompts[o.promptPtr], true
}

// History returns a copy of the conversation so far
func (o *Orchestrator) History() []Turn {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.history)
}

// Complete reports whether the conversation is over
func (o *Orchestrator) Complete() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.complete
}

// Screen returns the current screen
func (o *Orchestrator) Screen() Screen {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.screen
}

// Pointers returns the dialogue and prompt indexes
func (o *Orchestrator) Pointers() (dialogue, prompt int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dialoguePtr, o.promptPtr
}

// Session returns the session recording the current reply, if any
func (o *Orchestrator) Session() *practice.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

// Lesson returns the role-play lesson
func (o *Orchestrator) Lesson() *curriculum.Lesson {
	return o.lesson
}

// Close releases the current session
func (o *Orchestrator) Close() {
	o.mu.Lock()
	old := o.session
	o.session = nil
	o.mu.Unlock()
	if old != nil {
		old.Close()
	}
}
