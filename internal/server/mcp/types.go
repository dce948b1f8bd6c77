package mcp

import (
	"github.com/emmett/parlo/internal/flow"
	"github.com/emmett/parlo/internal/practice"
)

// ListLessonsArgs filters the lesson catalog
type ListLessonsArgs struct {
	Section string `json:"section,omitempty" jsonschema:"only return lessons from this curriculum section"`
}

// LessonSummary describes one lesson without its content
type LessonSummary struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Section  string `json:"section"`
	Language string `json:"language"`
	Kind     string `json:"kind"`
	Steps    int    `json:"steps"`
}

type ListLessonsResult struct {
	Lessons []LessonSummary `json:"lessons"`
}

// ScoreAttemptArgs scores a transcript that was produced elsewhere
type ScoreAttemptArgs struct {
	Target     string `json:"target" jsonschema:"the phrase the learner was asked to say"`
	Transcript string `json:"transcript" jsonschema:"what the learner actually said"`
}

// ScoreRecordingArgs transcribes and scores raw audio
type ScoreRecordingArgs struct {
	Audio  string `json:"audio" jsonschema:"base64 encoded 16-bit little-endian mono PCM"`
	Target string `json:"target" jsonschema:"the phrase the learner was asked to say"`
}

type ScoreResult struct {
	Transcript   string            `json:"transcript"`
	SpeechHeard  bool              `json:"speech_heard"`
	Confidence   float64           `json:"confidence,omitempty"`
	Feedback     practice.Feedback `json:"feedback"`
	DurationSecs float64           `json:"duration_secs,omitempty"`
}

// StartConversationArgs opens a role-play
type StartConversationArgs struct {
	LessonID string `json:"lesson_id" jsonschema:"id of a roleplay lesson"`
}

// ConversationTurnArgs answers the counterpart's latest line
type ConversationTurnArgs struct {
	ConversationID string `json:"conversation_id" jsonschema:"id returned by start_conversation"`
	Reply          string `json:"reply" jsonschema:"the learner's reply"`
}

// EndConversationArgs discards a role-play
type EndConversationArgs struct {
	ConversationID string `json:"conversation_id" jsonschema:"id returned by start_conversation"`
}

// ConversationResult is the state of a role-play after a call
type ConversationResult struct {
	ConversationID string      `json:"conversation_id"`
	LessonID       string      `json:"lesson_id"`
	History        []flow.Turn `json:"history"`
	Instruction    string      `json:"instruction,omitempty"`
	Suggested      []string    `json:"suggested,omitempty"`
	Complete       bool        `json:"complete"`
}

type EndConversationResult struct {
	Ended bool `json:"ended"`
}

type ListModelsArgs struct{}

// ModelInfo is a catalog model with its install status
type ModelInfo struct {
	Name        string `json:"name"`
	Language    string `json:"language"`
	Size        string `json:"size"`
	Description string `json:"description"`
	Installed   bool   `json:"installed"`
	Default     bool   `json:"default"`
}

type ListModelsResult struct {
	Models []ModelInfo `json:"models"`
}
