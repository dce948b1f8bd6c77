package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/do/v2"

	"github.com/emmett/parlo/internal/config"
	"github.com/emmett/parlo/internal/curriculum"
	"github.com/emmett/parlo/internal/flow"
	"github.com/emmett/parlo/internal/httpapi"
	"github.com/emmett/parlo/internal/models"
	"github.com/emmett/parlo/internal/observability"
	"github.com/emmett/parlo/internal/output"
	"github.com/emmett/parlo/internal/practice"
	"github.com/emmett/parlo/internal/progress"
	"github.com/emmett/parlo/internal/server/mcp"
	"github.com/emmett/parlo/internal/stt"
)

const connectTimeout = 10 * time.Second

// Progress fans section completions out to the log, the metrics and, when
// configured, Postgres
type Progress struct {
	progress.Multi
	postgres *progress.PostgresSink
}

// CompletedLessons returns the lessons a learner has finished. It is empty
// without a database.
func (p *Progress) CompletedLessons(ctx context.Context, learnerID string) ([]string, error) {
	if p.postgres == nil {
		return nil, nil
	}
	return p.postgres.CompletedLessons(ctx, learnerID)
}

func (p *Progress) HealthCheck(ctx context.Context) error {
	if p.postgres == nil {
		return nil
	}
	return p.postgres.Ping(ctx)
}

func (p *Progress) Shutdown() {
	if p.postgres != nil {
		p.postgres.Close()
	}
}

// SpeechModel is the offline model shared by every recording. Reason says
// why it is missing when it is.
type SpeechModel struct {
	Name   string
	Reason string
	model  *stt.VoskModel
}

// EngineFactory returns nil when no model is loaded
func (m *SpeechModel) EngineFactory() stt.EngineFactory {
	if m.model == nil {
		return nil
	}
	return m.model.NewEngine
}

func (m *SpeechModel) Shutdown() error {
	if m.model == nil {
		return nil
	}
	return m.model.Close()
}

// Build identifies the running binary
type Build struct {
	Name    string
	Version string
}

// NewInjector wires the application around a resolved configuration
func NewInjector(cfg *config.Config, logger *slog.Logger, build Build) *do.RootScope {
	injector := do.New()
	do.ProvideValue(injector, cfg)
	do.ProvideValue(injector, logger)
	do.ProvideValue(injector, build)
	RegisterDI(injector)
	return injector
}

// RegisterDI provides every service of the application. Callers may
// provide an output.Formatter beforehand to log attempts.
func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*observability.Metrics, error) {
		return observability.NewMetrics(nil), nil
	})

	do.Provide(injector, func(i do.Injector) (*curriculum.Catalog, error) {
		cfg := do.MustInvoke[*config.Config](i)
		if cfg.Curriculum.Path == "" {
			return curriculum.Default()
		}
		return curriculum.Load(cfg.Curriculum.Path)
	})

	do.Provide(injector, func(i do.Injector) (*models.Store, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return models.NewStore(cfg.Model.Dir)
	})

	do.Provide(injector, func(i do.Injector) (*Progress, error) {
		cfg := do.MustInvoke[*config.Config](i)
		logger := do.MustInvoke[*slog.Logger](i)
		metrics := do.MustInvoke[*observability.Metrics](i)

		p := &Progress{Multi: progress.Multi{progress.NewLogSink(logger), metrics}}
		if cfg.Progress.DatabaseURL == "" {
			return p, nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		pg, err := progress.NewPostgresSink(ctx, cfg.Progress.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open progress database: %w", err)
		}
		p.postgres = pg
		p.Multi = append(p.Multi, pg)
		return p, nil
	})

	do.Provide(injector, func(i do.Injector) (*SpeechModel, error) {
		cfg := do.MustInvoke[*config.Config](i)
		logger := do.MustInvoke[*slog.Logger](i)
		if cfg.Recognizer.Backend == config.BackendCloud {
			return &SpeechModel{Reason: "cloud recognizer in use"}, nil
		}

		store := do.MustInvoke[*models.Store](i)
		name := cfg.Model.Default
		if name == "" {
			var err error
			if name, err = store.Default(); err != nil {
				logger.Warn("failed to read default model", "error", err)
			}
		}
		path, err := store.Path(name)
		if err != nil {
			logger.Warn("speech model unavailable", "model", name, "error", err)
			return &SpeechModel{Name: name, Reason: err.Error()}, nil
		}
		sttConfig := stt.DefaultConfig(path)
		sttConfig.SampleRate = int(cfg.Audio.SampleRate)
		model, err := stt.LoadVoskModel(sttConfig)
		if err != nil {
			logger.Error("failed to load speech model", "model", name, "error", err)
			return &SpeechModel{Name: name, Reason: err.Error()}, nil
		}
		logger.Info("speech model loaded", "model", name, "path", path)
		return &SpeechModel{Name: name, model: model}, nil
	})

	do.Provide(injector, func(i do.Injector) (*Recordings, error) {
		cfg := do.MustInvoke[*config.Config](i)
		logger := do.MustInvoke[*slog.Logger](i)
		metrics := do.MustInvoke[*observability.Metrics](i)
		model := do.MustInvoke[*SpeechModel](i)
		return NewRecordings(NewRecordingConfig(cfg),
			WithEngineFactory(model.EngineFactory()),
			WithUnavailableReason(model.Reason),
			WithStreamRecorder(metrics),
			WithRecordingLogger(logger),
		), nil
	})

	do.Provide(injector, func(i do.Injector) (flow.SessionFactory, error) {
		cfg := do.MustInvoke[*config.Config](i)
		logger := do.MustInvoke[*slog.Logger](i)
		metrics := do.MustInvoke[*observability.Metrics](i)
		recordings := do.MustInvoke[*Recordings](i)
		scorer := practice.NewSimulatedScorer(cfg.Practice.ScoringDelay)
		return func(target string) *practice.Session {
			return practice.NewSession(practice.Options{
				Target:       target,
				NewRecording: recordings.New,
				Scorer:       scorer,
				Recorder:     metrics,
				Logger:       logger,
			})
		}, nil
	})

	do.Provide(injector, func(i do.Injector) (*Runner, error) {
		cfg := do.MustInvoke[*config.Config](i)
		attempts, _ := do.Invoke[output.Formatter](i)
		return NewRunner(RunnerOptions{
			Catalog:    do.MustInvoke[*curriculum.Catalog](i),
			NewSession: do.MustInvoke[flow.SessionFactory](i),
			Sink:       do.MustInvoke[*Progress](i),
			LearnerID:  cfg.Learner.ID,
			Attempts:   attempts,
			Logger:     do.MustInvoke[*slog.Logger](i),
		}), nil
	})

	do.Provide(injector, func(i do.Injector) (*httpapi.Server, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return httpapi.New(httpapi.Options{
			Catalog:         do.MustInvoke[*curriculum.Catalog](i),
			Practice:        do.MustInvoke[*Runner](i),
			Metrics:         do.MustInvoke[*observability.Metrics](i),
			AllowedOrigins:  cfg.Server.AllowedOrigins,
			RefreshInterval: cfg.Audio.RefreshInterval,
			Logger:          do.MustInvoke[*slog.Logger](i),
			Health: func(ctx context.Context) error {
				return healthCheck(ctx, i)
			},
		}), nil
	})

	do.Provide(injector, func(i do.Injector) (*mcp.Server, error) {
		cfg := do.MustInvoke[*config.Config](i)
		build := do.MustInvoke[Build](i)
		vad := NewRecordingConfig(cfg).Vosk.VAD
		return mcp.NewServer(mcp.Config{
			ServerName:    build.Name,
			ServerVersion: build.Version,
			LearnerID:     cfg.Learner.ID,
			SampleRate:    cfg.Audio.SampleRate,
			VAD:           vad,
		}, mcp.Options{
			Catalog: do.MustInvoke[*curriculum.Catalog](i),
			Store:   do.MustInvoke[*models.Store](i),
			Engine:  do.MustInvoke[*SpeechModel](i).EngineFactory(),
			Scorer:  practice.NewSimulatedScorer(0),
			Sink:    do.MustInvoke[*Progress](i),
			Metrics: do.MustInvoke[*observability.Metrics](i),
			Logger:  do.MustInvoke[*slog.Logger](i),
		}), nil
	})
}

// healthCheck runs the health checks of every service built so far
func healthCheck(ctx context.Context, injector do.Injector) error {
	var errs []error
	for name, err := range injector.HealthCheckWithContext(ctx) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
