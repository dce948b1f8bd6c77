package practice

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Attempt is what gets scored
type Attempt struct {
	SessionID  string
	Target     string
	Transcript string
}

// Feedback is the scoring verdict for one attempt
type Feedback struct {
	// Score is the share of target words heard, in [0, 1]
	Score   float64  `json:"score"`
	Matched []string `json:"matched,omitempty"`
	Missed  []string `json:"missed,omitempty"`
	Message string   `json:"message"`
}

// Scorer evaluates an attempt
type Scorer interface {
	Score(ctx context.Context, attempt Attempt) (Feedback, error)
}

// ScorerFunc adapts a function to a Scorer
type ScorerFunc func(ctx context.Context, attempt Attempt) (Feedback, error)

func (f ScorerFunc) Score(ctx context.Context, attempt Attempt) (Feedback, error) {
	return f(ctx, attempt)
}

// SimulatedScorer waits for Delay and then compares the transcript with the
// target phrase word by word. No acoustic analysis is done.
type SimulatedScorer struct {
	Delay time.Duration
}

// DefaultScoringDelay is the simulated round-trip time
const DefaultScoringDelay = 1500 * time.Millisecond

// NewSimulatedScorer creates a scorer with the given delay
func NewSimulatedScorer(delay time.Duration) *SimulatedScorer {
	return &SimulatedScorer{Delay: delay}
}

func (s *SimulatedScorer) Score(ctx context.Context, attempt Attempt) (Feedback, error) {
	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Feedback{}, ctx.Err()
		case <-timer.C:
		}
	}
	return compareWords(attempt.Target, attempt.Transcript), nil
}

func compareWords(target, transcript string) Feedback {
	heard := make(map[string]int)
	for _, w := range normalizeWords(transcript) {
		heard[w]++
	}

	targetWords := normalizeWords(target)
	var fb Feedback
	for _, w := range targetWords {
		if heard[w] > 0 {
			heard[w]--
			fb.Matched = append(fb.Matched, w)
		} else {
			fb.Missed = append(fb.Missed, w)
		}
	}

	switch {
	case len(targetWords) == 0:
		fb.Score = 1
		fb.Message = "Nice, keep going."
	default:
		fb.Score = float64(len(fb.Matched)) / float64(len(targetWords))
		switch {
		case fb.Score >= 0.9:
			fb.Message = "Excellent pronunciation!"
		case fb.Score >= 0.6:
			fb.Message = fmt.Sprintf("Good effort. Watch out for: %s", strings.Join(fb.Missed, ", "))
		default:
			fb.Message = "Let's try that one again, slowly."
		}
	}
	return fb
}

func normalizeWords(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	})
}
