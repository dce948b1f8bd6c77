package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// AttemptRecord is one submitted attempt in the practice log
type AttemptRecord struct {
	Index      int       `json:"index"`
	LessonID   string    `json:"lesson_id"`
	SessionID  string    `json:"session_id"`
	Target     string    `json:"target"`
	Transcript string    `json:"transcript"`
	Score      float64   `json:"score"`
	Missed     []string  `json:"missed,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Event represents a practice event such as a finished lesson
type Event struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Formatter writes the practice log
type Formatter interface {
	WriteAttempt(record AttemptRecord) error
	WriteEvent(eventType, message string) error
	Close() error
}

// NewFormatter returns the formatter for a format name
func NewFormatter(format string, w io.Writer) (Formatter, error) {
	switch strings.ToLower(format) {
	case "json":
		return NewJSONFormatter(w), nil
	case "text":
		return NewPlainTextFormatter(w), nil
	default:
		return nil, fmt.Errorf("unknown output format: %s (valid: json, text)", format)
	}
}

// JSONFormatter writes one JSON object per line
type JSONFormatter struct {
	encoder *json.Encoder
}

// NewJSONFormatter creates a new JSON formatter
func NewJSONFormatter(writer io.Writer) *JSONFormatter {
	return &JSONFormatter{encoder: json.NewEncoder(writer)}
}

func (j *JSONFormatter) WriteAttempt(record AttemptRecord) error {
	return j.encoder.Encode(record)
}

func (j *JSONFormatter) WriteEvent(eventType, message string) error {
	return j.encoder.Encode(Event{
		Type:      eventType,
		Message:   message,
		Timestamp: time.Now(),
	})
}

func (j *JSONFormatter) Close() error {
	return nil
}

// PlainTextFormatter writes human-readable lines
type PlainTextFormatter struct {
	writer io.Writer
}

// NewPlainTextFormatter creates a new plain text formatter
func NewPlainTextFormatter(writer io.Writer) *PlainTextFormatter {
	return &PlainTextFormatter{writer: writer}
}

func (p *PlainTextFormatter) WriteAttempt(record AttemptRecord) error {
	_, err := fmt.Fprintf(p.writer, "[%s] #%d %s: %q -> %q (%.0f%%)\n",
		record.Timestamp.Format("15:04:05"), record.Index, record.LessonID,
		record.Target, record.Transcript, record.Score*100)
	return err
}

func (p *PlainTextFormatter) WriteEvent(eventType, message string) error {
	_, err := fmt.Fprintf(p.writer, "[%s] [%s] %s\n", time.Now().Format("15:04:05"), eventType, message)
	return err
}

func (p *PlainTextFormatter) Close() error {
	return nil
}
