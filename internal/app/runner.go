package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emmett/parlo/internal/curriculum"
	"github.com/emmett/parlo/internal/flow"
	"github.com/emmett/parlo/internal/httpapi"
	"github.com/emmett/parlo/internal/output"
	"github.com/emmett/parlo/internal/practice"
	"github.com/emmett/parlo/internal/progress"
)

// ErrNoLesson is returned by commands issued before a lesson is open
var ErrNoLesson = errors.New("no lesson open")

// RunnerOptions holds the collaborators of a Runner
type RunnerOptions struct {
	Catalog    *curriculum.Catalog
	NewSession flow.SessionFactory
	Sink       progress.Sink
	LearnerID  string

	// Attempts receives one record per settled submission; optional
	Attempts output.Formatter
	Logger   *slog.Logger
}

// Runner drives the lesson the learner has open, vocabulary or role-play.
// The terminal loop and the websocket both go through it.
type Runner struct {
	catalog  *curriculum.Catalog
	opts     flow.Options
	attempts output.Formatter
	logger   *slog.Logger

	mu      sync.Mutex
	lesson  *curriculum.Lesson
	machine *flow.Machine
	convo   *flow.Orchestrator
	count   int
}

// NewRunner creates a runner with no lesson open
func NewRunner(opts RunnerOptions) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Runner{
		catalog:  opts.Catalog,
		attempts: opts.Attempts,
		logger:   opts.Logger,
	}
	r.opts = flow.Options{
		Sink:      opts.Sink,
		LearnerID: opts.LearnerID,
		Logger:    opts.Logger,
	}
	if opts.NewSession != nil {
		newSession := opts.NewSession
		r.opts.NewSession = func(target string) *practice.Session {
			s := newSession(target)
			s.OnComplete(r.logAttempt)
			return s
		}
	}
	return r
}

// Open closes the current lesson and starts the one with the given id
func (r *Runner) Open(id string) error {
	lesson, err := r.catalog.Lesson(id)
	if err != nil {
		return err
	}

	var machine *flow.Machine
	var convo *flow.Orchestrator
	switch lesson.Kind {
	case curriculum.KindVocabulary:
		machine, err = flow.NewMachine(lesson, r.opts)
	case curriculum.KindRoleplay:
		convo, err = flow.NewOrchestrator(lesson, r.opts)
	default:
		err = fmt.Errorf("lesson %q has unknown kind %q", lesson.ID, lesson.Kind)
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	oldMachine, oldConvo := r.machine, r.convo
	r.lesson, r.machine, r.convo = lesson, machine, convo
	r.mu.Unlock()

	closeFlows(oldMachine, oldConvo)
	r.logger.Info("lesson opened", "lesson_id", lesson.ID, "kind", lesson.Kind)
	if r.attempts != nil {
		if err := r.attempts.WriteEvent("lesson", lesson.ID); err != nil {
			r.logger.Error("failed to write lesson event", "error", err)
		}
	}
	return nil
}

// Close ends the open lesson
func (r *Runner) Close() {
	r.mu.Lock()
	machine, convo := r.machine, r.convo
	r.lesson, r.machine, r.convo = nil, nil, nil
	r.mu.Unlock()
	closeFlows(machine, convo)
}

// Shutdown lets the injector close the open lesson
func (r *Runner) Shutdown() {
	r.Close()
}

func closeFlows(machine *flow.Machine, convo *flow.Orchestrator) {
	if machine != nil {
		machine.Close()
	}
	if convo != nil {
		convo.Close()
	}
}

// Lesson returns the open lesson, or nil
func (r *Runner) Lesson() *curriculum.Lesson {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lesson
}

func (r *Runner) flows() (*flow.Machine, *flow.Orchestrator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.machine, r.convo
}

// Session returns the session of the current phrase or reply, or nil
func (r *Runner) Session() *practice.Session {
	machine, convo := r.flows()
	switch {
	case machine != nil:
		return machine.Session()
	case convo != nil:
		return convo.Session()
	}
	return nil
}

// Next leaves an intro screen
func (r *Runner) Next() error {
	machine, convo := r.flows()
	switch {
	case machine != nil:
		if machine.Begin() == nil {
			return fmt.Errorf("%w: lesson is complete", practice.ErrInvalidState)
		}
	case convo != nil:
		if convo.Complete() {
			return fmt.Errorf("%w: conversation is complete", practice.ErrInvalidState)
		}
		convo.Begin()
	default:
		return ErrNoLesson
	}
	return nil
}

// Skip moves past the current phrase without a submission
func (r *Runner) Skip() error {
	machine, convo := r.flows()
	switch {
	case machine != nil:
		if !machine.Skip() {
			return fmt.Errorf("%w: lesson is complete", practice.ErrInvalidState)
		}
		return nil
	case convo != nil:
		return fmt.Errorf("%w: replies cannot be skipped", practice.ErrInvalidState)
	}
	return ErrNoLesson
}

// JumpTo returns a vocabulary lesson to an already reached step
func (r *Runner) JumpTo(step int) error {
	machine, _ := r.flows()
	if machine == nil {
		return fmt.Errorf("%w: only vocabulary lessons can jump", practice.ErrInvalidState)
	}
	if !machine.JumpTo(step) {
		return fmt.Errorf("%w: step %d not reached", practice.ErrInvalidState, step+1)
	}
	return nil
}

// recordingSession returns the session to record into, opening one when
// the flow sits on an intro or suggestions screen
func (r *Runner) recordingSession() (*practice.Session, error) {
	machine, convo := r.flows()
	switch {
	case machine != nil:
		if s := machine.Begin(); s != nil {
			return s, nil
		}
		return nil, fmt.Errorf("%w: lesson is complete", practice.ErrInvalidState)
	case convo != nil:
		convo.Begin()
		return convo.Record()
	}
	return nil, ErrNoLesson
}

func (r *Runner) currentSession() (*practice.Session, error) {
	if s := r.Session(); s != nil {
		return s, nil
	}
	if r.Lesson() == nil {
		return nil, ErrNoLesson
	}
	return nil, fmt.Errorf("%w: nothing recorded yet", practice.ErrInvalidState)
}

// Start begins recording the current phrase or reply
func (r *Runner) Start(ctx context.Context) error {
	s, err := r.recordingSession()
	if err != nil {
		return err
	}
	return s.Start(ctx)
}

// Submit stops a running recording and scores it, blocking until the
// scorer settles
func (r *Runner) Submit(ctx context.Context) error {
	s, err := r.currentSession()
	if err != nil {
		return err
	}
	if s.State() == practice.StateRecording {
		if err := s.Stop(); err != nil {
			return err
		}
	}
	return s.Submit(ctx)
}

// Reply submits typed text in place of a recording and blocks until it is
// scored. It is the way through a lesson when recording is unavailable.
// The scored session is returned for display.
func (r *Runner) Reply(ctx context.Context, text string) (*practice.Session, error) {
	s, err := r.enterText(text)
	if err != nil {
		return nil, err
	}
	return s, s.Submit(ctx)
}

func (r *Runner) enterText(text string) (*practice.Session, error) {
	s, err := r.recordingSession()
	if err != nil {
		return nil, err
	}
	if err := s.EnterText(text); err != nil {
		return nil, err
	}
	return s, nil
}

// Apply runs a websocket command. Replies are scored in the background.
func (r *Runner) Apply(ctx context.Context, msg httpapi.ClientMessage) error {
	switch msg.Command {
	case httpapi.CommandJump:
		return r.JumpTo(msg.Step - 1)
	case httpapi.CommandReply:
		s, err := r.enterText(msg.Text)
		if err != nil {
			return err
		}
		r.submitAsync(ctx, s)
		return nil
	}
	return r.Command(ctx, msg.Command)
}

// Command applies a learner action. Submissions are scored in the
// background so the caller keeps receiving updates while they settle.
func (r *Runner) Command(ctx context.Context, cmd httpapi.Command) error {
	switch cmd {
	case httpapi.CommandStart:
		return r.Start(ctx)
	case httpapi.CommandNext:
		return r.Next()
	case httpapi.CommandSkip:
		return r.Skip()
	}

	s, err := r.currentSession()
	if err != nil {
		return err
	}
	switch cmd {
	case httpapi.CommandStop:
		return s.Stop()
	case httpapi.CommandCancel:
		return s.Cancel()
	case httpapi.CommandReset:
		return s.Reset()
	case httpapi.CommandSubmit:
		if state := s.State(); state != practice.StateStopped {
			return fmt.Errorf("%w: cannot submit while %s", practice.ErrInvalidState, state)
		}
		r.submitAsync(ctx, s)
		return nil
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func (r *Runner) submitAsync(ctx context.Context, s *practice.Session) {
	go func() {
		if err := s.Submit(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("submission failed", "session_id", s.ID(), "error", err)
		}
	}()
}

// View describes the open lesson for display; false when none is open
func (r *Runner) View() (httpapi.View, bool) {
	r.mu.Lock()
	lesson, machine, convo := r.lesson, r.machine, r.convo
	r.mu.Unlock()
	if lesson == nil {
		return httpapi.View{}, false
	}

	view := httpapi.View{LessonID: lesson.ID, Kind: string(lesson.Kind)}
	var session *practice.Session
	switch {
	case machine != nil:
		pos := machine.Position()
		view.Screen = pos.Screen
		view.Complete = pos.Complete
		view.Progress = machine.Progress()
		if item, alt, ok := machine.Current(); ok {
			view.Prompt = item.Word
			view.Target = alt.Example
		}
		session = machine.Session()
	case convo != nil:
		view.Screen = convo.Screen()
		view.Complete = convo.Complete()
		view.History = convo.History()
		view.Progress = conversationProgress(lesson, convo)
		if prompt, ok := convo.CurrentPrompt(); ok {
			view.Prompt = prompt.Instruction
			if len(prompt.Suggested) > 0 {
				view.Target = prompt.Suggested[0]
			}
		}
		session = convo.Session()
	}
	if session != nil {
		view.Session = httpapi.NewSessionView(session.Snapshot())
	}
	return view, true
}

func conversationProgress(lesson *curriculum.Lesson, convo *flow.Orchestrator) float64 {
	if convo.Complete() || len(lesson.Prompts) == 0 {
		return 100
	}
	_, prompt := convo.Pointers()
	return float64(prompt) / float64(len(lesson.Prompts)) * 100
}

// Attempts returns how many submissions settled since the runner started
func (r *Runner) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func (r *Runner) logAttempt(c practice.Completion) {
	r.mu.Lock()
	r.count++
	index := r.count
	lessonID := ""
	if r.lesson != nil {
		lessonID = r.lesson.ID
	}
	r.mu.Unlock()

	if r.attempts == nil {
		return
	}
	err := r.attempts.WriteAttempt(output.AttemptRecord{
		Index:      index,
		LessonID:   lessonID,
		SessionID:  c.SessionID,
		Target:     c.Target,
		Transcript: c.Transcript,
		Score:      c.Feedback.Score,
		Missed:     c.Feedback.Missed,
		Timestamp:  time.Now(),
	})
	if err != nil {
		r.logger.Error("failed to write attempt", "error", err)
	}
}
