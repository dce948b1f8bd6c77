package app

import (
	"log/slog"
	"time"

	"github.com/emmett/parlo/internal/audio"
	"github.com/emmett/parlo/internal/config"
	"github.com/emmett/parlo/internal/practice"
	"github.com/emmett/parlo/internal/stt"
	"github.com/emmett/parlo/internal/transcription"
)

// RecordingConfig describes the capture and recognition pipeline of one
// practice recording
type RecordingConfig struct {
	Backend    string
	Controller audio.ControllerConfig
	Vosk       stt.VoskRecognizerConfig
	Cloud      stt.CloudConfig
	Stream     transcription.Config
}

// NewRecordingConfig derives the pipeline settings from the application config
func NewRecordingConfig(cfg *config.Config) RecordingConfig {
	controller := audio.DefaultControllerConfig()
	controller.Capture.SampleRate = cfg.Audio.SampleRate
	controller.Capture.DeviceID = cfg.Audio.Device
	controller.Bins = cfg.Audio.Bins
	controller.RefreshInterval = cfg.Audio.RefreshInterval

	vosk := stt.DefaultVoskRecognizerConfig()
	vosk.SampleRate = cfg.Audio.SampleRate
	vosk.NoSpeechTimeout = cfg.Recognizer.NoSpeechTimeout
	vosk.SilenceTimeout = cfg.Recognizer.SilenceTimeout
	vosk.VAD.EnergyThreshold = cfg.VAD.Threshold
	vosk.VAD.SilenceHold = time.Duration(cfg.VAD.SilenceDelay * float64(time.Second))
	if !cfg.VAD.Enabled {
		// Without VAD the session only ends on engine finals or Stop
		vosk.NoSpeechTimeout = 0
		vosk.SilenceTimeout = 0
	}

	stream := transcription.DefaultConfig()
	stream.Policy.RetryDelay = cfg.Recognizer.RetryDelay
	stream.Policy.MaxIdleRestarts = cfg.Recognizer.MaxIdleRestarts
	stream.StallTimeout = cfg.Recognizer.StallTimeout

	return RecordingConfig{
		Backend:    cfg.Recognizer.Backend,
		Controller: controller,
		Vosk:       vosk,
		Cloud: stt.CloudConfig{
			ProjectID:       cfg.Cloud.ProjectID,
			CredentialsJSON: cfg.Cloud.CredentialsJSON,
			Language:        cfg.Cloud.Language,
			Location:        cfg.Cloud.Location,
			Model:           cfg.Cloud.Model,
			SampleRate:      int(cfg.Audio.SampleRate),
		},
		Stream: stream,
	}
}

// RecordingOption customizes Recordings
type RecordingOption func(*Recordings)

// WithCapturerFactory replaces the malgo capture backend
func WithCapturerFactory(fn audio.CapturerFactory) RecordingOption {
	return func(r *Recordings) { r.newCapturer = fn }
}

// WithScheduler replaces the ticker driving the level meter
func WithScheduler(s audio.FrameScheduler) RecordingOption {
	return func(r *Recordings) { r.scheduler = s }
}

// WithEngineFactory sets the offline decoder used by the vosk backend
func WithEngineFactory(fn stt.EngineFactory) RecordingOption {
	return func(r *Recordings) { r.newEngine = fn }
}

// WithUnavailableReason explains why the vosk backend has no decoder
func WithUnavailableReason(reason string) RecordingOption {
	return func(r *Recordings) { r.unavailable = reason }
}

// WithStreamRecorder observes recognizer restarts and faults
func WithStreamRecorder(rec transcription.Recorder) RecordingOption {
	return func(r *Recordings) { r.recorder = rec }
}

// WithRecordingLogger sets the logger handed to every pipeline stage
func WithRecordingLogger(logger *slog.Logger) RecordingOption {
	return func(r *Recordings) { r.logger = logger }
}

// Recordings builds a fresh capture controller and transcription stream
// for every practice recording
type Recordings struct {
	config      RecordingConfig
	newCapturer audio.CapturerFactory
	scheduler   audio.FrameScheduler
	newEngine   stt.EngineFactory
	unavailable string
	recorder    transcription.Recorder
	logger      *slog.Logger
}

// NewRecordings creates a recording factory
func NewRecordings(config RecordingConfig, opts ...RecordingOption) *Recordings {
	r := &Recordings{
		config: config,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.scheduler == nil {
		r.scheduler = audio.NewTickerScheduler()
	}
	return r
}

// New satisfies practice.RecordingFactory
func (r *Recordings) New() (practice.Capture, practice.Transcriber, error) {
	controller := audio.NewController(r.config.Controller, r.newCapturer, r.scheduler, r.logger)

	opts := []transcription.Option{transcription.WithLogger(r.logger)}
	if r.recorder != nil {
		opts = append(opts, transcription.WithRecorder(r.recorder))
	}
	stream := transcription.NewStream(r.recognizer(controller), r.config.Stream, opts...)
	return controller, stream, nil
}

func (r *Recordings) recognizer(feed stt.Feed) stt.Recognizer {
	switch r.config.Backend {
	case config.BackendCloud:
		return stt.NewCloudRecognizer(r.config.Cloud, feed, r.logger)
	default:
		if r.newEngine == nil {
			return stt.Unsupported{Reason: r.unavailable}
		}
		return stt.NewVoskRecognizer(r.newEngine, feed, r.config.Vosk, r.logger)
	}
}

// Backend names the recognizer backend in use
func (r *Recordings) Backend() string {
	if r.config.Backend == "" {
		return config.BackendVosk
	}
	return r.config.Backend
}
