package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/emmett/parlo/internal/audio"
	"github.com/emmett/parlo/internal/flow"
	"github.com/emmett/parlo/internal/httpapi"
	"github.com/emmett/parlo/internal/input"
	"github.com/emmett/parlo/internal/output"
	"github.com/emmett/parlo/internal/practice"
	"github.com/emmett/parlo/internal/stt"
)

const (
	defaultLiveRefresh = 50 * time.Millisecond
	helpLine           = "Enter: record / stop and submit   t TEXT: type a reply   u: submit   s: skip   c: cancel   r: retry   j N: jump   q: quit"
)

// ConsoleConfig configures the terminal practice loop
type ConsoleConfig struct {
	LessonID string

	// Hotkey toggles recording from anywhere; empty disables push-to-talk
	Hotkey string

	// Refresh is how often the live level meter is redrawn
	Refresh time.Duration
}

// Console runs one lesson in the terminal. Enter (or the hotkey) starts a
// recording, and pressing it again stops and submits it.
type Console struct {
	runner *Runner
	out    *output.ConsoleOutput
	in     io.Reader
	config ConsoleConfig
	logger *slog.Logger

	shownTurns int
	lastScreen flow.Screen
	lastTarget string
}

// NewConsole creates a terminal loop over a runner
func NewConsole(runner *Runner, out *output.ConsoleOutput, in io.Reader, config ConsoleConfig, logger *slog.Logger) *Console {
	if config.Refresh <= 0 {
		config.Refresh = defaultLiveRefresh
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{runner: runner, out: out, in: in, config: config, logger: logger}
}

// Run practices the lesson until it is complete, the learner quits or ctx ends
func (c *Console) Run(ctx context.Context) error {
	if err := c.runner.Open(c.config.LessonID); err != nil {
		return err
	}
	defer c.runner.Close()

	lesson := c.runner.Lesson()
	c.out.Line(fmt.Sprintf("\n== %s ==", lesson.Title))
	if lesson.Scenario != "" {
		c.out.Line(lesson.Scenario)
	}
	c.out.Line(helpLine)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := make(chan string)
	go readLines(ctx, c.in, lines)

	presses := make(chan struct{}, 1)
	if c.config.Hotkey != "" {
		ptt := input.NewPushToTalk(func() {
			select {
			case presses <- struct{}{}:
			default:
			}
		})
		if err := ptt.Start(ctx, c.config.Hotkey); err != nil {
			c.out.Error(fmt.Sprintf("push-to-talk disabled: %v", err))
		} else {
			defer ptt.Stop()
			c.out.Info(fmt.Sprintf("Press %s to toggle recording", c.config.Hotkey))
		}
	}

	ticker := time.NewTicker(c.config.Refresh)
	defer ticker.Stop()

	if c.show() {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			c.out.EndLive()
			return nil

		case line, ok := <-lines:
			if !ok {
				c.out.EndLive()
				return nil
			}
			quit, err := c.handle(ctx, line)
			if err != nil {
				c.out.EndLive()
				c.out.Error(err.Error())
			}
			if quit {
				return nil
			}
			if c.show() {
				return nil
			}

		case <-presses:
			if err := c.toggle(ctx); err != nil {
				c.out.Error(err.Error())
			}
			if c.show() {
				return nil
			}

		case <-ticker.C:
			if s := c.runner.Session(); s != nil && s.State() == practice.StateRecording {
				snap := s.Snapshot()
				c.out.Live(snap.Levels, snap.Transcript)
			}
		}
	}
}

func readLines(ctx context.Context, in io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
}

// handle applies one typed command and reports whether the learner quit
func (c *Console) handle(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return false, c.toggle(ctx)
	}

	switch fields[0] {
	case "q", "quit", "exit":
		return true, nil
	case "s", "skip":
		return false, c.runner.Skip()
	case "c", "cancel":
		return false, c.runner.Command(ctx, httpapi.CommandCancel)
	case "r", "retry":
		return false, c.runner.Command(ctx, httpapi.CommandReset)
	case "u", "submit":
		return false, c.submit(ctx, c.runner.Session())
	case "t", "type":
		_, text, _ := strings.Cut(strings.TrimSpace(line), " ")
		if strings.TrimSpace(text) == "" {
			return false, errors.New("usage: t <text>")
		}
		c.out.EndLive()
		s, err := c.runner.Reply(ctx, text)
		if err != nil {
			return false, err
		}
		c.report(s)
		return false, nil
	case "j", "jump":
		if len(fields) < 2 {
			return false, errors.New("usage: j <step>")
		}
		step, err := strconv.Atoi(fields[1])
		if err != nil {
			return false, fmt.Errorf("invalid step %q", fields[1])
		}
		c.lastScreen = ""
		return false, c.runner.JumpTo(step - 1)
	case "?", "h", "help":
		c.out.Line(helpLine)
		return false, nil
	}
	return false, fmt.Errorf("unknown command %q (type ? for help)", line)
}

// toggle leaves an intro, starts a recording or submits the running one
func (c *Console) toggle(ctx context.Context) error {
	view, ok := c.runner.View()
	if !ok {
		return ErrNoLesson
	}
	if view.Screen == flow.ScreenIntro || view.Screen == flow.ScreenScenarioIntro {
		return c.runner.Next()
	}

	s := c.runner.Session()
	if s == nil || s.State() != practice.StateRecording {
		if err := c.runner.Start(ctx); err != nil {
			if errors.Is(err, stt.ErrUnsupportedPlatform) || errors.Is(err, audio.ErrDeviceUnavailable) {
				return fmt.Errorf("%w (type t <text> to reply instead)", err)
			}
			return err
		}
		c.out.Info("Recording... press Enter to stop")
		return nil
	}

	return c.submit(ctx, s)
}

func (c *Console) submit(ctx context.Context, s *practice.Session) error {
	if s == nil {
		return fmt.Errorf("%w: nothing recorded yet", practice.ErrInvalidState)
	}
	c.out.EndLive()
	c.out.Info("Scoring...")
	if err := c.runner.Submit(ctx); err != nil {
		var fault *practice.SubmissionFault
		if errors.As(err, &fault) {
			return fmt.Errorf("%v (press u to submit again or Enter to record again)", err)
		}
		return err
	}
	c.report(s)
	return nil
}

// report prints what was heard and how it scored
func (c *Console) report(s *practice.Session) {
	snap := s.Snapshot()
	if snap.Fault != nil {
		c.out.Error(fmt.Sprintf("recognition stopped early: %v", snap.Fault))
	}
	c.out.Line(fmt.Sprintf("You said: %q", snap.Transcript))
	if snap.Feedback != nil {
		c.out.Feedback(*snap.Feedback)
	}
}

// show prints whatever changed on screen and reports whether the lesson is over
func (c *Console) show() bool {
	view, ok := c.runner.View()
	if !ok {
		return true
	}

	for ; c.shownTurns < len(view.History); c.shownTurns++ {
		turn := view.History[c.shownTurns]
		c.out.Line(fmt.Sprintf("%s: %s", turn.Speaker, turn.Text))
	}

	if view.Complete {
		c.out.Progress(100)
		c.out.Info(fmt.Sprintf("Lesson complete after %d attempt(s)", c.runner.Attempts()))
		return true
	}
	screen := view.Screen
	if screen == flow.ScreenRecordingStep {
		screen = flow.ScreenSuggestedResponses
	}
	if screen == c.lastScreen && view.Target == c.lastTarget {
		return false
	}
	c.lastScreen, c.lastTarget = screen, view.Target

	switch screen {
	case flow.ScreenIntro:
		c.out.Progress(view.Progress)
		c.out.Prompt("New word", view.Prompt)
		c.out.Line("Press Enter to practice it")
	case flow.ScreenScenarioIntro:
		c.out.Line("Press Enter to start the conversation")
	case flow.ScreenPracticeExample:
		c.out.Prompt("Say", view.Target)
	case flow.ScreenSuggestedResponses:
		c.out.Progress(view.Progress)
		c.out.Prompt("Your turn", view.Prompt)
		if view.Target != "" {
			c.out.Line(fmt.Sprintf("  e.g. %q", view.Target))
		}
	}
	return false
}
