package stt

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/emmett/parlo/internal/audio"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type scriptedEngine struct {
	mu      sync.Mutex
	results []*Result
	final   *Result
	err     error
	closed  bool
}

func (e *scriptedEngine) ProcessAudio(ctx context.Context, _ []byte) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	if len(e.results) == 0 {
		return &Result{Partial: true}, nil
	}
	r := e.results[0]
	e.results = e.results[1:]
	return r, nil
}

func (e *scriptedEngine) FinalResult() (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.final == nil {
		return &Result{}, nil
	}
	return e.final, nil
}

func (e *scriptedEngine) Reset() error { return nil }

func (e *scriptedEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

type chanFeed struct {
	ch           chan audio.AudioSample
	unsubscribed bool
}

func (f *chanFeed) Subscribe() (<-chan audio.AudioSample, func()) {
	return f.ch, func() { f.unsubscribed = true }
}

type recordingListener struct {
	mu      sync.Mutex
	results [][]Hypothesis
	errs    []*RecognitionError
	ended   chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{ended: make(chan struct{})}
}

func (l *recordingListener) OnResults(r []Hypothesis) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, r)
}

func (l *recordingListener) OnError(err *RecognitionError) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *recordingListener) OnEnd() { close(l.ended) }

func (l *recordingListener) wait(t *testing.T) {
	t.Helper()
	select {
	case <-l.ended:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pcm(amp float64, n int) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := amp * math.Sin(2*math.Pi*440*float64(i)/16000)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v*32767)))
	}
	return out
}

func TestVoskSessionDeliversPartialAndFinal(t *testing.T) {
	engine := &scriptedEngine{
		results: []*Result{
			{Text: "hel", Partial: true},
			{Text: "hel", Partial: true},
			{Text: "hello", Confidence: 0.9},
		},
		final: &Result{Text: "world"},
	}
	feed := &chanFeed{ch: make(chan audio.AudioSample, 8)}
	cfg := DefaultVoskRecognizerConfig()
	cfg.NoSpeechTimeout = 0
	r := NewVoskRecognizer(func() (Engine, error) { return engine, nil }, feed, cfg, quietLogger())

	l := newRecordingListener()
	if _, err := r.Start(context.Background(), l); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		feed.ch <- audio.AudioSample{Data: pcm(0.5, 480)}
	}
	close(feed.ch)
	l.wait(t)

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.results) != 3 {
		t.Fatalf("result batches = %d, want 3 (duplicate partial suppressed): %+v", len(l.results), l.results)
	}
	if l.results[0][0].Final || l.results[0][0].Text != "hel" {
		t.Fatalf("first batch = %+v, want interim hel", l.results[0])
	}
	if !l.results[1][0].Final || l.results[1][0].Text != "hello" {
		t.Fatalf("second batch = %+v, want final hello", l.results[1])
	}
	if l.results[2][0].Text != "world" {
		t.Fatalf("flushed batch = %+v, want world", l.results[2])
	}
	if !engine.closed || !feed.unsubscribed {
		t.Fatal("engine and feed must be released when the session ends")
	}
}

func TestVoskSessionNoSpeech(t *testing.T) {
	feed := &chanFeed{ch: make(chan audio.AudioSample, 8)}
	cfg := DefaultVoskRecognizerConfig()
	cfg.NoSpeechTimeout = 60 * time.Millisecond
	r := NewVoskRecognizer(func() (Engine, error) { return &scriptedEngine{}, nil }, feed, cfg, quietLogger())

	l := newRecordingListener()
	if _, err := r.Start(context.Background(), l); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	silence := make([]byte, 960) // 30ms
	feed.ch <- audio.AudioSample{Data: silence}
	feed.ch <- audio.AudioSample{Data: silence}
	l.wait(t)

	if len(l.errs) != 1 || l.errs[0].Code != CodeNoSpeech {
		t.Fatalf("errors = %+v, want one no-speech", l.errs)
	}
}

func TestVoskSessionSilenceEnds(t *testing.T) {
	feed := &chanFeed{ch: make(chan audio.AudioSample, 64)}
	cfg := DefaultVoskRecognizerConfig()
	cfg.VAD = audio.VADConfig{EnergyThreshold: 0.05, SpeechHold: 30 * time.Millisecond, SilenceHold: 30 * time.Millisecond}
	cfg.SilenceTimeout = 90 * time.Millisecond
	engine := &scriptedEngine{final: &Result{Text: "done"}}
	r := NewVoskRecognizer(func() (Engine, error) { return engine, nil }, feed, cfg, quietLogger())

	l := newRecordingListener()
	if _, err := r.Start(context.Background(), l); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	feed.ch <- audio.AudioSample{Data: pcm(0.5, 480)}
	for i := 0; i < 4; i++ {
		feed.ch <- audio.AudioSample{Data: make([]byte, 960)}
	}
	l.wait(t)

	if len(l.errs) != 0 {
		t.Fatalf("errors = %+v, want none", l.errs)
	}
	if len(l.results) != 1 || l.results[0][0].Text != "done" {
		t.Fatalf("results = %+v, want flushed final", l.results)
	}
}

func TestVoskSessionStopAndCancel(t *testing.T) {
	t.Run("stop flushes", func(t *testing.T) {
		feed := &chanFeed{ch: make(chan audio.AudioSample)}
		engine := &scriptedEngine{final: &Result{Text: "bye"}}
		r := NewVoskRecognizer(func() (Engine, error) { return engine, nil }, feed, DefaultVoskRecognizerConfig(), quietLogger())
		l := newRecordingListener()
		s, err := r.Start(context.Background(), l)
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		s.Stop()
		s.Stop()
		l.wait(t)
		if len(l.results) != 1 || len(l.errs) != 0 {
			t.Fatalf("results=%+v errs=%+v, want one flushed final", l.results, l.errs)
		}
	})

	t.Run("cancel aborts", func(t *testing.T) {
		feed := &chanFeed{ch: make(chan audio.AudioSample)}
		r := NewVoskRecognizer(func() (Engine, error) { return &scriptedEngine{}, nil }, feed, DefaultVoskRecognizerConfig(), quietLogger())
		l := newRecordingListener()
		ctx, cancel := context.WithCancel(context.Background())
		if _, err := r.Start(ctx, l); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		cancel()
		l.wait(t)
		if len(l.errs) != 1 || l.errs[0].Code != CodeAborted {
			t.Fatalf("errors = %+v, want aborted", l.errs)
		}
	})
}

func TestVoskRecognizerUnsupported(t *testing.T) {
	r := NewVoskRecognizer(nil, nil, DefaultVoskRecognizerConfig(), quietLogger())
	if _, err := r.Start(context.Background(), newRecordingListener()); !errors.Is(err, ErrUnsupportedPlatform) {
		t.Fatalf("Start() error = %v, want ErrUnsupportedPlatform", err)
	}
	if _, err := LoadVoskModel(Config{ModelPath: "/nonexistent/model"}); !errors.Is(err, ErrUnsupportedPlatform) {
		t.Fatalf("LoadVoskModel() error = %v, want ErrUnsupportedPlatform", err)
	}
}

func TestUnsupported(t *testing.T) {
	_, err := Unsupported{Reason: "no backend"}.Start(context.Background(), ListenerFuncs{})
	if !errors.Is(err, ErrUnsupportedPlatform) {
		t.Fatalf("Start() error = %v, want ErrUnsupportedPlatform", err)
	}
}

func TestCloudRecognizerRequiresProject(t *testing.T) {
	r := NewCloudRecognizer(CloudConfig{}, &chanFeed{}, quietLogger())
	if _, err := r.Start(context.Background(), ListenerFuncs{}); !errors.Is(err, ErrUnsupportedPlatform) {
		t.Fatalf("Start() error = %v, want ErrUnsupportedPlatform", err)
	}
}

func TestClassifyRecvError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  ErrorCode
		wantEnded bool
	}{
		{"eof", io.EOF, "", true},
		{"max duration", status.Error(codes.Aborted, "Max duration of 5 minutes reached"), "", true},
		{"canceled", status.Error(codes.Canceled, "canceled"), CodeAborted, false},
		{"context canceled", context.Canceled, CodeAborted, false},
		{"unavailable", status.Error(codes.Unavailable, "down"), CodeNetwork, false},
		{"deadline", status.Error(codes.DeadlineExceeded, "slow"), CodeNetwork, false},
		{"quota", status.Error(codes.ResourceExhausted, "quota"), CodeNetwork, false},
		{"denied", status.Error(codes.PermissionDenied, "no"), CodeNotAllowed, false},
		{"other abort", status.Error(codes.Aborted, "something else"), CodeOther, false},
		{"plain", errors.New("boom"), CodeOther, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, ended := classifyRecvError(tt.err)
			if code != tt.wantCode || ended != tt.wantEnded {
				t.Fatalf("classifyRecvError() = (%q, %v), want (%q, %v)", code, ended, tt.wantCode, tt.wantEnded)
			}
		})
	}
}

func TestParseVoskResults(t *testing.T) {
	res, err := parseFinal(`{"text":"hello there","result":[{"conf":1.0,"word":"hello"},{"conf":0.5,"word":"there"}]}`)
	if err != nil {
		t.Fatalf("parseFinal() error = %v", err)
	}
	if res.Text != "hello there" || res.Partial || res.Confidence != 0.75 {
		t.Fatalf("parseFinal() = %+v", res)
	}

	res, err = parsePartial(`{"partial":"hel"}`)
	if err != nil {
		t.Fatalf("parsePartial() error = %v", err)
	}
	if res.Text != "hel" || !res.Partial {
		t.Fatalf("parsePartial() = %+v", res)
	}

	if _, err := parseFinal("not json"); err == nil {
		t.Fatal("parseFinal() expected error for invalid json")
	}
}

func TestRecognitionErrorUnwrap(t *testing.T) {
	inner := errors.New("inner")
	err := error(&RecognitionError{Code: CodeNetwork, Err: inner})
	if !errors.Is(err, inner) {
		t.Fatal("RecognitionError must unwrap to its cause")
	}
	var re *RecognitionError
	if !errors.As(err, &re) || re.Code != CodeNetwork {
		t.Fatalf("errors.As() = %v", re)
	}
}
