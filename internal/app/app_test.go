package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/emmett/parlo/internal/audio"
	"github.com/emmett/parlo/internal/config"
	"github.com/emmett/parlo/internal/curriculum"
	"github.com/emmett/parlo/internal/flow"
	"github.com/emmett/parlo/internal/httpapi"
	"github.com/emmett/parlo/internal/models"
	"github.com/emmett/parlo/internal/output"
	"github.com/emmett/parlo/internal/practice"
	"github.com/emmett/parlo/internal/progress"
	"github.com/emmett/parlo/internal/stt"
	"github.com/emmett/parlo/internal/transcription"
)

type testCapturer struct {
	mu      sync.Mutex
	running bool
	stops   int
	samples chan audio.AudioSample
	errs    chan error
}

func (c *testCapturer) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = true
	return nil
}

func (c *testCapturer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stops == 0 {
		close(c.samples)
		close(c.errs)
	}
	c.stops++
	c.running = false
	return nil
}

func (c *testCapturer) Samples() <-chan audio.AudioSample { return c.samples }
func (c *testCapturer) Errors() <-chan error              { return c.errs }

func (c *testCapturer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

type capturers struct {
	mu  sync.Mutex
	all []*testCapturer
}

func (c *capturers) factory(audio.CaptureConfig) (audio.Capturer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tc := &testCapturer{samples: make(chan audio.AudioSample), errs: make(chan error)}
	c.all = append(c.all, tc)
	return tc, nil
}

// open counts capturers that were started and never stopped
func (c *capturers) open() (opened, running int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tc := range c.all {
		if tc.IsRunning() {
			running++
		}
	}
	return len(c.all), running
}

// newOfflineRunner wires a runner to real recordings with no speech model
func newOfflineRunner(t *testing.T, caps *capturers) (*Runner, *progress.MemorySink) {
	t.Helper()
	catalog, err := curriculum.Default()
	if err != nil {
		t.Fatal(err)
	}
	recordings := NewRecordings(NewRecordingConfig(config.DefaultConfig()),
		WithUnavailableReason("model not installed"),
		WithCapturerFactory(caps.factory),
		WithRecordingLogger(quietLogger()),
	)
	sink := progress.NewMemorySink()
	r := NewRunner(RunnerOptions{
		Catalog: catalog,
		NewSession: func(target string) *practice.Session {
			return practice.NewSession(practice.Options{
				Target:       target,
				NewRecording: recordings.New,
				Scorer:       practice.NewSimulatedScorer(0),
				Logger:       quietLogger(),
			})
		},
		Sink:      sink,
		LearnerID: "learner-1",
		Logger:    quietLogger(),
	})
	t.Cleanup(r.Close)
	return r, sink
}

func TestNewRecordingConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Audio.Device = "usb-mic"
	cfg.VAD.SilenceDelay = 1.5
	cfg.Recognizer.MaxIdleRestarts = 7
	cfg.Recognizer.StallTimeout = 4 * time.Second
	cfg.Cloud.ProjectID = "demo"

	rc := NewRecordingConfig(cfg)
	if rc.Controller.Capture.DeviceID != "usb-mic" || rc.Controller.Bins != cfg.Audio.Bins {
		t.Fatalf("controller = %+v", rc.Controller)
	}
	if rc.Vosk.VAD.SilenceHold != 1500*time.Millisecond || rc.Vosk.NoSpeechTimeout != cfg.Recognizer.NoSpeechTimeout {
		t.Fatalf("vosk = %+v", rc.Vosk)
	}
	if rc.Stream.Policy.MaxIdleRestarts != 7 || rc.Stream.StallTimeout != 4*time.Second {
		t.Fatalf("stream = %+v", rc.Stream)
	}
	if rc.Cloud.ProjectID != "demo" || rc.Cloud.SampleRate != 16000 {
		t.Fatalf("cloud = %+v", rc.Cloud)
	}

	cfg.VAD.Enabled = false
	rc = NewRecordingConfig(cfg)
	if rc.Vosk.NoSpeechTimeout != 0 || rc.Vosk.SilenceTimeout != 0 {
		t.Fatalf("timeouts with VAD disabled = %v / %v", rc.Vosk.NoSpeechTimeout, rc.Vosk.SilenceTimeout)
	}
}

func TestRecordingsWithoutModel(t *testing.T) {
	recordings := NewRecordings(NewRecordingConfig(config.DefaultConfig()),
		WithUnavailableReason("model not installed"),
		WithRecordingLogger(quietLogger()),
	)
	if recordings.Backend() != config.BackendVosk {
		t.Fatalf("Backend() = %q", recordings.Backend())
	}

	capture, transcriber, err := recordings.New()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := capture.(*audio.Controller); !ok {
		t.Fatalf("capture = %T, want *audio.Controller", capture)
	}

	err = transcriber.Start(context.Background())
	if !errors.Is(err, stt.ErrUnsupportedPlatform) || !strings.Contains(err.Error(), "model not installed") {
		t.Fatalf("Start() error = %v", err)
	}
	if snap := transcriber.Snapshot(); snap.Status != transcription.StatusFatalError || snap.Fault == nil {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestSelectDevice(t *testing.T) {
	var out bytes.Buffer
	dm := &DeviceManager{out: &out, list: func() ([]audio.DeviceInfo, error) {
		return []audio.DeviceInfo{
			{ID: "hw:0", Name: "Built-in"},
			{ID: "hw:1", Name: "USB Headset", IsDefault: true},
		}, nil
	}}

	for name, want := range map[string]string{"": "hw:1", "Built-in": "hw:0", "hw:1": "hw:1"} {
		got, err := dm.SelectDevice(name)
		if err != nil || got.ID != want {
			t.Errorf("SelectDevice(%q) = %+v, %v; want %s", name, got, err, want)
		}
	}
	if _, err := dm.SelectDevice("Bluetooth"); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("unknown device error = %v", err)
	}

	if err := dm.ListDevices(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "USB Headset [DEFAULT]") || !strings.Contains(out.String(), "ID: hw:0") {
		t.Fatalf("listing = %q", out.String())
	}

	empty := &DeviceManager{out: &out, list: func() ([]audio.DeviceInfo, error) { return nil, nil }}
	if _, err := empty.SelectDevice(""); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("no devices error = %v", err)
	}
}

func TestModelManager(t *testing.T) {
	store := &models.Store{Dir: t.TempDir()}
	installed := models.Catalog[0].Name
	missing := models.Catalog[1].Name
	if err := os.MkdirAll(filepath.Join(store.Dir, installed), 0755); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	mm := NewModelManager(store, strings.NewReader("n\n"), &out)
	if err := mm.SetDefault(installed); err != nil {
		t.Fatal(err)
	}
	if err := mm.ListInstalled(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), installed+" [DEFAULT]") {
		t.Fatalf("installed listing = %q", out.String())
	}
	if name, err := mm.Resolve(""); err != nil || name != installed {
		t.Fatalf("Resolve(\"\") = %q, %v", name, err)
	}

	ctx := context.Background()
	if err := mm.EnsureModel(ctx, installed, false); err != nil {
		t.Fatalf("EnsureModel(installed) error = %v", err)
	}
	if err := mm.EnsureModel(ctx, missing, false); !errors.Is(err, models.ErrNotInstalled) {
		t.Fatalf("declined download error = %v", err)
	}
	if err := mm.EnsureModel(ctx, "vosk-model-klingon", true); !errors.Is(err, models.ErrUnknownModel) {
		t.Fatalf("unknown model error = %v", err)
	}
	if err := mm.Download(ctx, installed); err != nil {
		t.Fatalf("Download(installed) error = %v", err)
	}
}

func TestClientConfig(t *testing.T) {
	data, err := ClientConfig("/usr/local/bin/parlo-mcp", []string{"--config", "parlo.yaml"})
	if err != nil {
		t.Fatal(err)
	}
	var got mcpClientConfig
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	server, ok := got.MCPServers["parlo"]
	if !ok || server.Command != "/usr/local/bin/parlo-mcp" || len(server.Args) != 2 {
		t.Fatalf("config = %s", data)
	}
}

func TestConsoleVocabularyLesson(t *testing.T) {
	r, sink := newTestRunner(t, nil)

	// Enter leaves each intro, then starts and submits every phrase
	var script strings.Builder
	for item := 0; item < 2; item++ {
		script.WriteString("\n")
		for alt := 0; alt < 3; alt++ {
			script.WriteString("\n\n")
		}
	}

	var stdout, stderr bytes.Buffer
	out := output.NewConsoleOutput(output.ConsoleConfig{Writer: &stdout, ErrWriter: &stderr})
	console := NewConsole(r, out, strings.NewReader(script.String()), ConsoleConfig{LessonID: "greetings-basics"}, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := console.Run(ctx); err != nil {
		t.Fatal(err)
	}

	text := stdout.String()
	for _, want := range []string{"Everyday greetings", "good morning", "nice to meet you", "Lesson complete after 6 attempt(s)"} {
		if !strings.Contains(text, want) {
			t.Errorf("console output missing %q:\n%s", want, text)
		}
	}
	if stderr.Len() != 0 {
		t.Errorf("unexpected errors: %s", stderr.String())
	}
	if len(sink.Events()) != 1 {
		t.Fatalf("sink events = %+v", sink.Events())
	}
	if r.Lesson() != nil {
		t.Fatal("console must close the lesson when it returns")
	}
}

func TestConsoleCommands(t *testing.T) {
	r, _ := newTestRunner(t, nil)

	var stdout, stderr bytes.Buffer
	out := output.NewConsoleOutput(output.ConsoleConfig{Writer: &stdout, ErrWriter: &stderr})
	input := "?\nbogus\nj 2\ns\nq\nnever reached\n"
	console := NewConsole(r, out, strings.NewReader(input), ConsoleConfig{LessonID: "travel-directions"}, quietLogger())

	if err := console.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	errs := stderr.String()
	if !strings.Contains(errs, `unknown command "bogus"`) || !strings.Contains(errs, "step 2 not reached") {
		t.Fatalf("errors = %q", errs)
	}
	if strings.Count(stdout.String(), helpLine) != 2 {
		t.Fatalf("help shown %d times", strings.Count(stdout.String(), helpLine))
	}
	if r.Attempts() != 0 {
		t.Fatal("skipping must not count attempts")
	}
}

func TestConsoleUnknownLesson(t *testing.T) {
	r, _ := newTestRunner(t, nil)
	out := output.NewConsoleOutput(output.ConsoleConfig{Writer: &bytes.Buffer{}, ErrWriter: &bytes.Buffer{}})
	console := NewConsole(r, out, strings.NewReader(""), ConsoleConfig{LessonID: "missing"}, nil)
	if err := console.Run(context.Background()); err == nil {
		t.Fatal("Run() must fail for an unknown lesson")
	}
}

func TestTypedRepliesWithoutModel(t *testing.T) {
	caps := &capturers{}
	r, sink := newOfflineRunner(t, caps)
	ctx := context.Background()

	if err := r.Open("cafe-order"); err != nil {
		t.Fatal(err)
	}
	if err := r.Start(ctx); !errors.Is(err, stt.ErrUnsupportedPlatform) {
		t.Fatalf("Start() error = %v, want ErrUnsupportedPlatform", err)
	}
	if opened, running := caps.open(); opened != 1 || running != 0 {
		t.Fatalf("capturers opened=%d running=%d, the microphone must be released", opened, running)
	}

	replies := []string{"A latte, please.", "Large, thanks.", "Here you go."}
	for i, text := range replies {
		s, err := r.Reply(ctx, text)
		if err != nil {
			t.Fatalf("reply %d: %v", i+1, err)
		}
		if snap := s.Snapshot(); snap.Feedback == nil || snap.HasCapturedAudio {
			t.Fatalf("reply %d snapshot = %+v", i+1, snap)
		}
	}

	view, _ := r.View()
	if !view.Complete || view.History[1].Speaker != flow.LearnerSpeaker || view.History[1].Text != replies[0] {
		t.Fatalf("final view = %+v", view)
	}
	if r.Attempts() != 3 || len(sink.Events()) != 1 {
		t.Fatalf("attempts=%d events=%+v", r.Attempts(), sink.Events())
	}
	if _, err := r.Reply(ctx, "one more"); !errors.Is(err, practice.ErrInvalidState) {
		t.Fatalf("Reply() after completion error = %v", err)
	}
}

func TestTypedVocabularyWithoutModel(t *testing.T) {
	r, _ := newOfflineRunner(t, &capturers{})
	ctx := context.Background()
	if err := r.Open("greetings-basics"); err != nil {
		t.Fatal(err)
	}

	for i := 0; ; i++ {
		view, _ := r.View()
		if view.Complete {
			break
		}
		if i > 10 {
			t.Fatal("typed replies never completed the lesson")
		}
		if err := r.Next(); err != nil {
			t.Fatal(err)
		}
		view, _ = r.View()
		s, err := r.Reply(ctx, view.Target)
		if err != nil {
			t.Fatalf("reply %d: %v", i+1, err)
		}
		if fb := s.Snapshot().Feedback; fb == nil || fb.Score != 1 {
			t.Fatalf("reply %d feedback = %+v", i+1, fb)
		}
	}
	if r.Attempts() != 6 {
		t.Fatalf("Attempts() = %d, want 6", r.Attempts())
	}
}

func TestConsoleTypedReplies(t *testing.T) {
	r, _ := newOfflineRunner(t, &capturers{})

	// Enter leaves the intro, the next Enter fails to record
	input := "\n\nt\nt A latte, please.\nt Large, thanks.\nt Here you go.\n"
	var stdout, stderr bytes.Buffer
	out := output.NewConsoleOutput(output.ConsoleConfig{Writer: &stdout, ErrWriter: &stderr})
	console := NewConsole(r, out, strings.NewReader(input), ConsoleConfig{LessonID: "cafe-order"}, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := console.Run(ctx); err != nil {
		t.Fatal(err)
	}

	errs := stderr.String()
	if !strings.Contains(errs, "type t <text> to reply instead") || !strings.Contains(errs, "usage: t <text>") {
		t.Fatalf("errors = %q", errs)
	}
	text := stdout.String()
	for _, want := range []string{`You said: "A latte, please."`, "Lesson complete after 3 attempt(s)"} {
		if !strings.Contains(text, want) {
			t.Errorf("console output missing %q:\n%s", want, text)
		}
	}
}

func TestPracticeSocketReleasesMicrophone(t *testing.T) {
	catalog, err := curriculum.Default()
	if err != nil {
		t.Fatal(err)
	}
	mic := &countingCapture{}
	r := NewRunner(RunnerOptions{
		Catalog: catalog,
		NewSession: func(target string) *practice.Session {
			return practice.NewSession(practice.Options{
				Target: target,
				NewRecording: func() (practice.Capture, practice.Transcriber, error) {
					return mic, &stubTranscriber{text: target}, nil
				},
				Scorer: practice.NewSimulatedScorer(0),
				Logger: quietLogger(),
			})
		},
		Sink:   progress.NewMemorySink(),
		Logger: quietLogger(),
	})
	defer r.Close()
	if err := r.Open("greetings-basics"); err != nil {
		t.Fatal(err)
	}

	srv := httpapi.New(httpapi.Options{
		Catalog:         catalog,
		Practice:        r,
		RefreshInterval: 5 * time.Millisecond,
		Logger:          quietLogger(),
	})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/practice/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if err := conn.WriteJSON(httpapi.ClientMessage{Type: "command", Command: httpapi.CommandStart}); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg httpapi.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		if msg.Type == httpapi.TypeAck {
			break
		}
		if msg.Type == httpapi.TypeError {
			t.Fatalf("start rejected: %s", msg.Detail)
		}
	}
	if r.Session().State() != practice.StateRecording {
		t.Fatalf("state = %s, want recording", r.Session().State())
	}
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for mic.Released() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("microphone still held after the client disconnected")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if state := r.Session().State(); state != practice.StateIdle {
		t.Fatalf("state after disconnect = %s, want idle", state)
	}
}
