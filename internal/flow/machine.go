package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emmett/parlo/internal/curriculum"
	"github.com/emmett/parlo/internal/practice"
	"github.com/emmett/parlo/internal/progress"
)

const sinkTimeout = 5 * time.Second

// SessionFactory creates a practice session for a target phrase
type SessionFactory func(target string) *practice.Session

// Options holds the collaborators shared by Machine and Orchestrator
type Options struct {
	NewSession SessionFactory
	Sink       progress.Sink
	LearnerID  string
	Logger     *slog.Logger
}

func (o *Options) defaults() {
	if o.NewSession == nil {
		o.NewSession = func(target string) *practice.Session {
			return practice.NewSession(practice.Options{Target: target, Logger: o.Logger})
		}
	}
	if o.Sink == nil {
		o.Sink = progress.Nop{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Machine walks a vocabulary lesson: every item, every alternative phrasing.
// It owns the practice session for the current alternative and moves on
// when that session's submission settles.
type Machine struct {
	lesson *curriculum.Lesson
	shape  Shape
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	pos       Position
	submitted [][]bool
	skipped   int
	session   *practice.Session
	emitted   bool
}

// NewMachine creates a flow for a vocabulary lesson
func NewMachine(lesson *curriculum.Lesson, opts Options) (*Machine, error) {
	if lesson.Kind != curriculum.KindVocabulary {
		return nil, fmt.Errorf("lesson %q is %s, not vocabulary", lesson.ID, lesson.Kind)
	}
	opts.defaults()
	shape := Shape{TotalSteps: len(lesson.Items), MaxAlternatives: lesson.Alternatives()}
	submitted := make([][]bool, shape.TotalSteps)
	for i := range submitted {
		submitted[i] = make([]bool, shape.MaxAlternatives)
	}
	return &Machine{
		lesson:    lesson,
		shape:     shape,
		opts:      opts,
		logger:    opts.Logger.With("lesson_id", lesson.ID),
		pos:       Start(shape),
		submitted: submitted,
	}, nil
}

// Begin leaves the intro screen and opens a session for the current phrase.
// It returns the current session.
func (m *Machine) Begin() *practice.Session {
	m.mu.Lock()
	if m.pos.Complete {
		m.mu.Unlock()
		return nil
	}
	if m.pos.Screen == ScreenIntro {
		m.pos.Screen = ScreenPracticeExample
	}
	session := m.ensureSessionLocked()
	m.mu.Unlock()
	return session
}

// Session returns the session for the current phrase, or nil on an intro screen
func (m *Machine) Session() *practice.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Submitted records a settled submission. Completions from sessions other
// than the current one are ignored.
func (m *Machine) Submitted(c practice.Completion) bool {
	m.mu.Lock()
	if m.session == nil || m.session.ID() != c.SessionID || m.pos.Complete {
		m.mu.Unlock()
		return false
	}
	m.submitted[m.pos.Step][m.pos.SubStep] = true
	done, old := m.advanceLocked(EventSubmitted)
	m.mu.Unlock()

	m.finish(done, old)
	return true
}

// Skip moves on without a submission. Skipped phrases never count towards
// completion of the lesson.
func (m *Machine) Skip() bool {
	m.mu.Lock()
	if m.pos.Complete {
		m.mu.Unlock()
		return false
	}
	m.skipped++
	done, old := m.advanceLocked(EventSkipped)
	m.mu.Unlock()

	m.finish(done, old)
	return true
}

// advanceLocked applies event and returns whether the flow just completed
// along with the session to close
func (m *Machine) advanceLocked(event Event) (bool, *practice.Session) {
	before := m.pos
	m.pos = Advance(m.shape, m.pos, event)
	old := m.session
	m.session = nil
	if m.pos.Screen == ScreenPracticeExample {
		m.ensureSessionLocked()
	}
	m.logger.Debug("flow advanced",
		"from_step", before.Step, "from_sub", before.SubStep,
		"to_step", m.pos.Step, "to_sub", m.pos.SubStep, "screen", m.pos.Screen)

	done := m.pos.Complete && !m.emitted
	if done {
		m.emitted = true
	}
	return done, old
}

func (m *Machine) finish(done bool, old *practice.Session) {
	if old != nil {
		old.Close()
	}
	if !done {
		return
	}
	event := m.completionEvent()
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	if err := m.opts.Sink.SectionCompleted(ctx, event); err != nil {
		m.logger.Error("failed to record section completion", "error", err)
	}
}

func (m *Machine) completionEvent() progress.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	completed := true
	for _, step := range m.submitted {
		for _, ok := range step {
			completed = completed && ok
		}
	}
	return progress.Event{
		LearnerID: m.opts.LearnerID,
		LessonID:  m.lesson.ID,
		Section:   m.lesson.Section,
		Completed: completed,
		Skipped:   m.skipped,
		At:        time.Now().UTC(),
	}
}

// JumpTo returns to an already reached step. It succeeds only for
// 0 <= step <= current step; otherwise nothing changes. The current
// recording state is discarded.
func (m *Machine) JumpTo(step int) bool {
	m.mu.Lock()
	if step < 0 || step > m.pos.Step || step >= m.shape.TotalSteps {
		m.mu.Unlock()
		return false
	}
	m.pos = Position{Step: step, Screen: ScreenIntro}
	old := m.session
	m.session = nil
	m.emitted = false
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return true
}

func (m *Machine) ensureSessionLocked() *practice.Session {
	if m.session != nil {
		return m.session
	}
	session := m.opts.NewSession(m.targetLocked())
	session.OnComplete(func(c practice.Completion) { m.Submitted(c) })
	m.session = session
	return session
}

func (m *Machine) targetLocked() string {
	if m.pos.Step >= len(m.lesson.Items) {
		return ""
	}
	alts := m.lesson.Items[m.pos.Step].Alternatives
	if m.pos.SubStep >= len(alts) {
		return ""
	}
	return alts[m.pos.SubStep].Example
}

// Current returns the vocabulary item and phrasing at the current position
func (m *Machine) Current() (curriculum.Item, curriculum.Alternative, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pos.Complete || m.pos.Step >= len(m.lesson.Items) {
		return curriculum.Item{}, curriculum.Alternative{}, false
	}
	item := m.lesson.Items[m.pos.Step]
	if m.pos.SubStep >= len(item.Alternatives) {
		return item, curriculum.Alternative{}, false
	}
	return item, item.Alternatives[m.pos.SubStep], true
}

// Position returns the current position
func (m *Machine) Position() Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos
}

// Progress returns the completion percentage
func (m *Machine) Progress() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Progress(m.shape, m.pos)
}

// Done reports whether the lesson is complete
func (m *Machine) Done() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos.Complete
}

// Shape returns the size of the lesson
func (m *Machine) Shape() Shape {
	return m.shape
}

// Lesson returns the lesson being practiced
func (m *Machine) Lesson() *curriculum.Lesson {
	return m.lesson
}

// Close releases the current session
func (m *Machine) Close() {
	m.mu.Lock()
	old := m.session
	m.session = nil
	m.mu.Unlock()
	if old != nil {
		old.Close()
	}
}
