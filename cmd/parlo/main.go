package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/samber/do/v2"

	"github.com/emmett/parlo/internal/app"
	"github.com/emmett/parlo/internal/config"
	"github.com/emmett/parlo/internal/curriculum"
	"github.com/emmett/parlo/internal/httpapi"
	"github.com/emmett/parlo/internal/models"
	"github.com/emmett/parlo/internal/output"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
	GitBranch = "unknown"
)

var (
	configFile      = flag.String("config", "", "Path to configuration file (default: ~/.parlorc or /etc/parlo/config.yaml)")
	envFile         = flag.String("env-file", "", "Path to a .env file (default: .env)")
	listModels      = flag.Bool("list-models", false, "List all available models for download")
	listDownloaded  = flag.Bool("list-downloaded", false, "List all downloaded models")
	downloadModel   = flag.String("download-model", "", "Download a specific model by name")
	modelName       = flag.String("model", "", "Use a specific model (default: vosk-model-small-en-us-0.15)")
	setDefault      = flag.String("set-default", "", "Set a model as the default")
	autoDownload    = flag.Bool("auto-download", false, "Download the model if it is missing (no prompt)")
	audioDevice     = flag.String("device", "", "Audio input device name or ID (use --list-devices to see available devices)")
	listDevices     = flag.Bool("list-devices", false, "List all available audio input devices")
	listLessons     = flag.Bool("list-lessons", false, "List the lessons of the curriculum")
	lessonID        = flag.String("lesson", "greetings-basics", "Lesson to practice")
	hotkey          = flag.String("hotkey", "", "Global push-to-talk hotkey, e.g. ctrl+shift+space")
	serveHTTP       = flag.Bool("http", false, "Serve the practice API while practicing in the terminal")
	outputFormat    = flag.String("format", "", "Attempt log format: json, text (default: no log)")
	outputFile      = flag.String("output", "", "Attempt log file (default: stdout)")
	enableVAD       = flag.Bool("vad", true, "Enable Voice Activity Detection to end recordings on silence")
	vadThreshold    = flag.Float64("vad-threshold", 0.01, "VAD energy threshold (0.001-0.1, lower=more sensitive)")
	vadSilenceDelay = flag.Float64("vad-silence-delay", 2.5, "Delay in seconds after last speech before returning to silence")
	showVersion     = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("Parlo v%s\n", Version)
		fmt.Printf("  Commit:  %s\n", GitCommit)
		fmt.Printf("  Branch:  %s\n", GitBranch)
		fmt.Printf("  Built:   %s\n", BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Resolve(*configFile, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg)

	logger := cfg.NewLogger(os.Stderr)
	injector := app.NewInjector(cfg, logger, app.Build{Name: "parlo", Version: Version})

	code := 0
	if err := run(cfg, injector, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		code = 1
	}
	if err := injector.Shutdown(); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	os.Exit(code)
}

// applyFlags overrides the configuration with explicitly set flags
func applyFlags(cfg *config.Config) {
	flagsSet := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		flagsSet[f.Name] = true
	})

	if flagsSet["model"] {
		cfg.Model.Default = *modelName
	}
	if flagsSet["device"] {
		cfg.Audio.Device = *audioDevice
	}
	if flagsSet["vad"] {
		cfg.VAD.Enabled = *enableVAD
	}
	if flagsSet["vad-threshold"] {
		cfg.VAD.Threshold = *vadThreshold
	}
	if flagsSet["vad-silence-delay"] {
		cfg.VAD.SilenceDelay = *vadSilenceDelay
	}
}

func run(cfg *config.Config, injector do.Injector, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *listDevices {
		return app.NewDeviceManager(os.Stdout).ListDevices()
	}

	store, err := do.Invoke[*models.Store](injector)
	if err != nil {
		return err
	}
	mgr := app.NewModelManager(store, os.Stdin, os.Stdout)
	switch {
	case *listModels:
		return mgr.ListModels()
	case *listDownloaded:
		return mgr.ListInstalled()
	case *downloadModel != "":
		return mgr.Download(ctx, *downloadModel)
	case *setDefault != "":
		return mgr.SetDefault(*setDefault)
	case *listLessons:
		return printLessons(ctx, cfg, injector)
	}

	fmt.Printf("Parlo v%s (commit: %s, branch: %s, built: %s)\n", Version, GitCommit, GitBranch, BuildTime)

	if cfg.Recognizer.Backend == config.BackendVosk {
		name, err := mgr.Resolve(cfg.Model.Default)
		if err != nil {
			return err
		}
		if err := mgr.EnsureModel(ctx, name, *autoDownload); err != nil {
			return err
		}
		cfg.Model.Default = name
	}

	if cfg.Audio.Device != "" {
		device, err := app.NewDeviceManager(os.Stdout).SelectDevice(cfg.Audio.Device)
		if err != nil {
			return err
		}
		fmt.Printf("Using audio device: %s\n", device.Name)
		cfg.Audio.Device = device.ID
	}

	if *outputFormat != "" {
		formatter, closeLog, err := attemptLog(*outputFormat, *outputFile)
		if err != nil {
			return err
		}
		defer closeLog()
		do.ProvideValue[output.Formatter](injector, formatter)
	}

	runner, err := do.Invoke[*app.Runner](injector)
	if err != nil {
		return err
	}

	if *serveHTTP {
		api, err := do.Invoke[*httpapi.Server](injector)
		if err != nil {
			return err
		}
		srv := &http.Server{Addr: cfg.Addr(), Handler: api.Router(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("practice API listening", "addr", cfg.Addr())
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("practice API stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	console := app.NewConsole(runner, output.DefaultConsoleOutput(), os.Stdin, app.ConsoleConfig{
		LessonID: *lessonID,
		Hotkey:   *hotkey,
		Refresh:  cfg.Audio.RefreshInterval * 3,
	}, logger)
	return console.Run(ctx)
}

func attemptLog(format, path string) (output.Formatter, func(), error) {
	w := os.Stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create output file: %w", err)
		}
		w = f
	}
	formatter, err := output.NewFormatter(format, w)
	if err != nil {
		if w != os.Stdout {
			w.Close()
		}
		return nil, nil, err
	}
	return formatter, func() {
		formatter.Close()
		if w != os.Stdout {
			w.Close()
		}
	}, nil
}

func printLessons(ctx context.Context, cfg *config.Config, injector do.Injector) error {
	catalog, err := do.Invoke[*curriculum.Catalog](injector)
	if err != nil {
		return err
	}
	progress, err := do.Invoke[*app.Progress](injector)
	if err != nil {
		return err
	}
	completed, err := progress.CompletedLessons(ctx, cfg.Learner.ID)
	if err != nil {
		return err
	}

	for _, section := range catalog.Sections() {
		fmt.Printf("%s\n", section)
		for _, l := range catalog.Lessons() {
			if l.Section != section {
				continue
			}
			mark := " "
			if slices.Contains(completed, l.ID) {
				mark = "✓"
			}
			fmt.Printf("  [%s] %-20s %s (%s)\n", mark, l.ID, l.Title, l.Kind)
		}
	}
	fmt.Println()
	fmt.Println("To practice a lesson, run:")
	fmt.Println("  parlo --lesson <lesson-id>")
	return nil
}
