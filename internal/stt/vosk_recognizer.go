package stt

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emmett/parlo/internal/audio"
)

// Feed supplies live PCM chunks to an offline recognizer
type Feed interface {
	Subscribe() (<-chan audio.AudioSample, func())
}

// VoskRecognizerConfig tunes session self-termination
type VoskRecognizerConfig struct {
	SampleRate uint32

	// NoSpeechTimeout reports no-speech when nothing was said for this long.
	// Zero disables it.
	NoSpeechTimeout time.Duration

	// SilenceTimeout ends the session after this much silence following speech.
	// Zero disables it.
	SilenceTimeout time.Duration

	VAD audio.VADConfig
}

// DefaultVoskRecognizerConfig returns timeouts close to platform recognizers
func DefaultVoskRecognizerConfig() VoskRecognizerConfig {
	return VoskRecognizerConfig{
		SampleRate:      16000,
		NoSpeechTimeout: 8 * time.Second,
		SilenceTimeout:  3 * time.Second,
		VAD:             audio.DefaultVADConfig(),
	}
}

// VoskRecognizer runs offline recognition on PCM from a Feed
type VoskRecognizer struct {
	newEngine EngineFactory
	feed      Feed
	config    VoskRecognizerConfig
	logger    *slog.Logger
}

// NewVoskRecognizer creates a recognizer. A nil engine factory makes every
// Start fail with ErrUnsupportedPlatform.
func NewVoskRecognizer(newEngine EngineFactory, feed Feed, config VoskRecognizerConfig, logger *slog.Logger) *VoskRecognizer {
	if logger == nil {
		logger = slog.Default()
	}
	if config.SampleRate == 0 {
		config.SampleRate = 16000
	}
	return &VoskRecognizer{
		newEngine: newEngine,
		feed:      feed,
		config:    config,
		logger:    logger,
	}
}

// Start opens an engine, subscribes to the feed and begins decoding
func (r *VoskRecognizer) Start(ctx context.Context, listener Listener) (Session, error) {
	if r.newEngine == nil || r.feed == nil {
		return nil, ErrUnsupportedPlatform
	}
	engine, err := r.newEngine()
	if err != nil {
		return nil, err
	}

	samples, unsubscribe := r.feed.Subscribe()
	sessCtx, cancel := context.WithCancel(ctx)
	s := &voskSession{
		engine:      engine,
		samples:     samples,
		unsubscribe: unsubscribe,
		listener:    listener,
		config:      r.config,
		logger:      r.logger,
		ctx:         sessCtx,
		cancel:      cancel,
		stopCh:      make(chan struct{}),
		detector:    audio.NewSpeechDetector(r.config.VAD, r.config.SampleRate),
	}
	go s.run()
	return s, nil
}

type voskSession struct {
	engine      Engine
	samples     <-chan audio.AudioSample
	unsubscribe func()
	listener    Listener
	config      VoskRecognizerConfig
	logger      *slog.Logger
	detector    *audio.SpeechDetector

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	stopCh   chan struct{}

	elapsed     time.Duration
	lastPartial string
}

func (s *voskSession) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *voskSession) run() {
	defer s.cancel()
	defer func() {
		s.unsubscribe()
		if err := s.engine.Close(); err != nil {
			s.logger.Warn("failed to close vosk engine", "error", err)
		}
		s.listener.OnEnd()
	}()

	for {
		select {
		case <-s.stopCh:
			s.flush()
			return
		case <-s.ctx.Done():
			s.listener.OnError(&RecognitionError{Code: CodeAborted, Err: s.ctx.Err()})
			return
		case sample, ok := <-s.samples:
			if !ok {
				s.flush()
				return
			}
			if !s.process(sample) {
				return
			}
		}
	}
}

// process decodes one chunk; it returns false when the session is over
func (s *voskSession) process(sample audio.AudioSample) bool {
	act := s.detector.ProcessFrame(sample.Data)
	s.elapsed += time.Duration(len(sample.Data)/2) * time.Second / time.Duration(s.config.SampleRate)

	res, err := s.engine.ProcessAudio(s.ctx, sample.Data)
	if err != nil {
		if s.ctx.Err() != nil {
			s.listener.OnError(&RecognitionError{Code: CodeAborted, Err: err})
		} else {
			s.listener.OnError(&RecognitionError{Code: CodeOther, Err: err})
		}
		return false
	}
	s.deliver(res)

	heard := s.detector.HeardSpeech()
	if !heard && s.config.NoSpeechTimeout > 0 && s.elapsed >= s.config.NoSpeechTimeout {
		s.listener.OnError(&RecognitionError{Code: CodeNoSpeech})
		return false
	}
	if heard && !act.Speaking && s.config.SilenceTimeout > 0 && act.Silence >= s.config.SilenceTimeout {
		s.flush()
		return false
	}
	return true
}

func (s *voskSession) flush() {
	res, err := s.engine.FinalResult()
	if err != nil {
		s.logger.Warn("failed to flush vosk result", "error", err)
		return
	}
	s.deliver(res)
}

func (s *voskSession) deliver(res *Result) {
	if res == nil {
		return
	}
	text := strings.TrimSpace(res.Text)
	if res.Partial {
		if text == "" || text == s.lastPartial {
			return
		}
		s.lastPartial = text
		s.listener.OnResults([]Hypothesis{{Text: text}})
		return
	}
	s.lastPartial = ""
	if text == "" {
		return
	}
	s.listener.OnResults([]Hypothesis{{Text: text, Final: true, Confidence: res.Confidence}})
}
