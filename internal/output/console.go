package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/emmett/parlo/internal/practice"
)

// ConsoleOutput renders the interactive practice screen
type ConsoleOutput struct {
	mu            sync.Mutex
	writer        io.Writer
	errWriter     io.Writer
	showTimestamp bool
	liveWidth     int
}

// ConsoleConfig configures console output behavior
type ConsoleConfig struct {
	// ShowTimestamp prefixes info lines with a timestamp
	ShowTimestamp bool

	// Writer is the output destination (default: os.Stdout)
	Writer io.Writer

	// ErrWriter receives error lines (default: os.Stderr)
	ErrWriter io.Writer
}

// NewConsoleOutput creates a new console output handler
func NewConsoleOutput(config ConsoleConfig) *ConsoleOutput {
	writer := config.Writer
	if writer == nil {
		writer = os.Stdout
	}
	errWriter := config.ErrWriter
	if errWriter == nil {
		errWriter = os.Stderr
	}
	return &ConsoleOutput{
		writer:        writer,
		errWriter:     errWriter,
		showTimestamp: config.ShowTimestamp,
	}
}

// DefaultConsoleOutput creates a console output with default settings
func DefaultConsoleOutput() *ConsoleOutput {
	return NewConsoleOutput(ConsoleConfig{})
}

var levelGlyphs = []rune(" ▁▂▃▄▅▆▇█")

// LevelBar draws one glyph per visualization bin
func LevelBar(levels []uint8) string {
	var b strings.Builder
	b.Grow(len(levels) * 3)
	top := len(levelGlyphs) - 1
	for _, l := range levels {
		b.WriteRune(levelGlyphs[int(l)*top/255])
	}
	return b.String()
}

// Live overwrites the current line with the level bars and the transcript
// heard so far
func (c *ConsoleOutput) Live(levels []uint8, transcript string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	line := fmt.Sprintf("[%s] %s", LevelBar(levels), transcript)
	pad := c.liveWidth - len(line)
	if pad < 0 {
		pad = 0
	}
	fmt.Fprintf(c.writer, "\r%s%s", line, strings.Repeat(" ", pad))
	c.liveWidth = len(line)
}

// EndLive moves past the live line
func (c *ConsoleOutput) EndLive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.liveWidth > 0 {
		fmt.Fprintln(c.writer)
		c.liveWidth = 0
	}
}

// Prompt shows what the learner should say next
func (c *ConsoleOutput) Prompt(label, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.writer, "\n%s: %s\n", label, text)
}

// Line writes a plain line
func (c *ConsoleOutput) Line(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.writer, text)
}

// Feedback prints the score of a submission
func (c *ConsoleOutput) Feedback(f practice.Feedback) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.writer, "Score: %3.0f%%  %s\n", f.Score*100, f.Message)
	if len(f.Missed) > 0 {
		fmt.Fprintf(c.writer, "  missed: %s\n", strings.Join(f.Missed, ", "))
	}
}

// Progress prints a progress bar for the lesson
func (c *ConsoleOutput) Progress(percent float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	width := int(percent / 100 * 30)
	if width > 30 {
		width = 30
	}
	fmt.Fprintf(c.writer, "Progress: [%-30s] %.0f%%\n", strings.Repeat("=", width), percent)
}

// Info writes an informational message
func (c *ConsoleOutput) Info(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.showTimestamp {
		fmt.Fprintf(c.writer, "[%s] [INFO] %s\n", time.Now().Format("15:04:05"), msg)
		return
	}
	fmt.Fprintf(c.writer, "[INFO] %s\n", msg)
}

// Error writes an error message
func (c *ConsoleOutput) Error(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.errWriter, "[ERROR] %s\n", msg)
}

// Status writes a status message (typically overwritten)
func (c *ConsoleOutput) Status(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.writer, "\r[*] %s", msg)
}
