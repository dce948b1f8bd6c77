package flow

// Screen is the stage shown to the learner
type Screen string

const (
	// Vocabulary screens
	ScreenIntro           Screen = "intro"
	ScreenPracticeExample Screen = "practice-example"
	ScreenFeedback        Screen = "feedback"

	// Role-play screens
	ScreenScenarioIntro      Screen = "scenario-intro"
	ScreenSuggestedResponses Screen = "suggested-responses"
	ScreenRecordingStep      Screen = "recording-step"
)

// Event drives the vocabulary flow forward
type Event int

const (
	// EventSubmitted is a successfully scored attempt
	EventSubmitted Event = iota
	// EventSkipped moves on without an attempt
	EventSkipped
)

// Shape is the size of a vocabulary curriculum
type Shape struct {
	TotalSteps      int
	MaxAlternatives int
}

// Empty reports whether there is nothing to practice
func (s Shape) Empty() bool {
	return s.TotalSteps <= 0 || s.MaxAlternatives <= 0
}

// Position is a point in the flow
type Position struct {
	Step     int    `json:"step"`
	SubStep  int    `json:"sub_step"`
	Screen   Screen `json:"screen"`
	Complete bool   `json:"complete"`
}

// Start returns the initial position for a curriculum of the given shape
func Start(shape Shape) Position {
	if shape.Empty() {
		return Position{Screen: ScreenFeedback, Complete: true}
	}
	return Position{Screen: ScreenIntro}
}

// Advance applies an event. Submitted and skipped move identically: to the
// next alternative, then to the next step's intro, then to completion.
// A complete position never changes.
func Advance(shape Shape, pos Position, event Event) Position {
	if pos.Complete || shape.Empty() {
		return pos
	}
	switch event {
	case EventSubmitted, EventSkipped:
	default:
		return pos
	}

	switch {
	case pos.SubStep < shape.MaxAlternatives-1:
		pos.SubStep++
		pos.Screen = ScreenPracticeExample
	case pos.Step < shape.TotalSteps-1:
		pos.Step++
		pos.SubStep = 0
		pos.Screen = ScreenIntro
	default:
		pos.Complete = true
		pos.Screen = ScreenFeedback
	}
	return pos
}

// Progress is the completion percentage of a position, in [0, 100]
func Progress(shape Shape, pos Position) float64 {
	if pos.Complete || shape.Empty() {
		return 100
	}
	done := float64(pos.Step) + float64(pos.SubStep)/float64(shape.MaxAlternatives)
	return done / float64(shape.TotalSteps) * 100
}
