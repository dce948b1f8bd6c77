package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event is emitted when a learner finishes a curriculum section. Completed is
// true only when every step was finished through a submission; skipped steps
// leave it false.
type Event struct {
	LearnerID string    `json:"learner_id"`
	LessonID  string    `json:"lesson_id"`
	Section   string    `json:"section"`
	Completed bool      `json:"completed"`
	Skipped   int       `json:"skipped"`
	At        time.Time `json:"at"`
}

// Sink receives section completion events
type Sink interface {
	SectionCompleted(ctx context.Context, event Event) error
}

// Nop discards events
type Nop struct{}

func (Nop) SectionCompleted(context.Context, Event) error { return nil }

// LogSink writes events to a structured logger
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs every event
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) SectionCompleted(ctx context.Context, event Event) error {
	s.logger.InfoContext(ctx, "section completed",
		"learner_id", event.LearnerID,
		"lesson_id", event.LessonID,
		"section", event.Section,
		"completed", event.Completed,
		"skipped", event.Skipped)
	return nil
}

// MemorySink keeps events in memory and tracks unlocked lessons
type MemorySink struct {
	mu       sync.Mutex
	events   []Event
	unlocked map[string]map[string]bool
}

// NewMemorySink creates an empty in-memory sink
func NewMemorySink() *MemorySink {
	return &MemorySink{unlocked: make(map[string]map[string]bool)}
}

func (s *MemorySink) SectionCompleted(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	if event.Completed {
		if s.unlocked[event.LearnerID] == nil {
			s.unlocked[event.LearnerID] = make(map[string]bool)
		}
		s.unlocked[event.LearnerID][event.LessonID] = true
	}
	return nil
}

// Events returns a copy of the recorded events
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Completed reports whether the learner fully completed the lesson
func (s *MemorySink) Completed(learnerID, lessonID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unlocked[learnerID][lessonID]
}

// Multi fans an event out to several sinks and returns the first error
type Multi []Sink

func (m Multi) SectionCompleted(ctx context.Context, event Event) error {
	var first error
	for _, s := range m {
		if err := s.SectionCompleted(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
