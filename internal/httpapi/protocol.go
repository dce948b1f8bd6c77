package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/emmett/parlo/internal/flow"
	"github.com/emmett/parlo/internal/practice"
)

// Command is a learner action sent over the websocket
type Command string

const (
	CommandStart  Command = "start"
	CommandStop   Command = "stop"
	CommandCancel Command = "cancel"
	CommandSubmit Command = "submit"
	CommandReset  Command = "reset"
	CommandSkip   Command = "skip"
	CommandNext   Command = "next"

	// CommandJump returns to an already reached step, numbered from 1
	CommandJump Command = "jump"
	// CommandReply submits typed text in place of a recording
	CommandReply Command = "reply"
)

func (c Command) valid() bool {
	switch c {
	case CommandStart, CommandStop, CommandCancel, CommandSubmit, CommandReset, CommandSkip, CommandNext,
		CommandJump, CommandReply:
		return true
	}
	return false
}

// Server message types
const (
	TypeSnapshot = "snapshot"
	TypeIdle     = "idle"
	TypeAck      = "ack"
	TypeError    = "error"
)

// ClientMessage is the only inbound message shape
type ClientMessage struct {
	Type    string  `json:"type"`
	Command Command `json:"command"`
	Step    int     `json:"step,omitempty"`
	Text    string  `json:"text,omitempty"`
}

// ParseClientMessage decodes and validates an inbound message
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("invalid json: %w", err)
	}
	if msg.Type != "command" {
		return ClientMessage{}, fmt.Errorf("unsupported message type %q", msg.Type)
	}
	msg.Command = Command(strings.ToLower(strings.TrimSpace(string(msg.Command))))
	if !msg.Command.valid() {
		return ClientMessage{}, fmt.Errorf("unknown command %q", msg.Command)
	}
	switch msg.Command {
	case CommandJump:
		if msg.Step < 1 {
			return ClientMessage{}, fmt.Errorf("jump needs a step of 1 or more, got %d", msg.Step)
		}
	case CommandReply:
		msg.Text = strings.TrimSpace(msg.Text)
		if msg.Text == "" {
			return ClientMessage{}, errors.New("reply needs text")
		}
	}
	return msg, nil
}

type ServerMessage struct {
	Type    string  `json:"type"`
	View    *View   `json:"view,omitempty"`
	Command Command `json:"command,omitempty"`
	Code    string  `json:"code,omitempty"`
	Detail  string  `json:"detail,omitempty"`
}

func errorMessage(code string, err error) ServerMessage {
	return ServerMessage{Type: TypeError, Code: code, Detail: err.Error()}
}

// View is what a learner sees of the lesson in progress
type View struct {
	LessonID string       `json:"lesson_id"`
	Kind     string       `json:"kind"`
	Screen   flow.Screen  `json:"screen"`
	Progress float64      `json:"progress"`
	Complete bool         `json:"complete"`
	Target   string       `json:"target,omitempty"`
	Prompt   string       `json:"prompt,omitempty"`
	History  []flow.Turn  `json:"history,omitempty"`
	Session  *SessionView `json:"session,omitempty"`
}

// SessionView is the display form of a practice session
type SessionView struct {
	ID               string             `json:"id"`
	State            string             `json:"state"`
	Transcript       string             `json:"transcript"`
	Levels           []int              `json:"levels"`
	HasCapturedAudio bool               `json:"has_captured_audio"`
	Fault            string             `json:"fault,omitempty"`
	SubmissionFault  string             `json:"submission_fault,omitempty"`
	Feedback         *practice.Feedback `json:"feedback,omitempty"`
}

// NewSessionView converts a session snapshot for display
func NewSessionView(s practice.Snapshot) *SessionView {
	levels := make([]int, len(s.Levels))
	for i, l := range s.Levels {
		levels[i] = int(l)
	}
	v := &SessionView{
		ID:               s.ID,
		State:            s.State.String(),
		Transcript:       s.Transcript,
		Levels:           levels,
		HasCapturedAudio: s.HasCapturedAudio,
		Feedback:         s.Feedback,
	}
	if s.Fault != nil {
		v.Fault = s.Fault.Error()
	}
	if s.SubmissionFault != nil {
		v.SubmissionFault = s.SubmissionFault.Error()
	}
	return v
}
