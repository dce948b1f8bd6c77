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
	"syscall"
	"time"

	"github.com/samber/do/v2"

	"github.com/emmett/parlo/internal/app"
	"github.com/emmett/parlo/internal/config"
	"github.com/emmett/parlo/internal/httpapi"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
	GitBranch = "unknown"
)

const shutdownTimeout = 10 * time.Second

var (
	configFile  = flag.String("config", "", "Path to configuration file (default: ~/.parlorc or /etc/parlo/config.yaml)")
	envFile     = flag.String("env-file", "", "Path to a .env file (default: .env)")
	port        = flag.Int("port", 0, "HTTP port (default: server.port from the configuration)")
	modelName   = flag.String("model", "", "STT model name (default: vosk-model-small-en-us-0.15)")
	showVersion = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("Parlo Server v%s\n", Version)
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
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *modelName != "" {
		cfg.Model.Default = *modelName
	}

	logger := cfg.NewLogger(os.Stderr)
	logger.Info("starting parlo server", "version", Version, "commit", GitCommit)
	injector := app.NewInjector(cfg, logger, app.Build{Name: "parlo", Version: Version})

	code := 0
	if err := serve(cfg, injector, logger); err != nil {
		logger.Error("server error", "error", err)
		code = 1
	}
	if err := injector.Shutdown(); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	os.Exit(code)
}

func serve(cfg *config.Config, injector do.Injector, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api, err := do.Invoke[*httpapi.Server](injector)
	if err != nil {
		return err
	}
	model := do.MustInvoke[*app.SpeechModel](injector)
	if model.EngineFactory() == nil {
		logger.Warn("recordings will fail until a speech model is available", "reason", model.Reason)
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Addr())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
