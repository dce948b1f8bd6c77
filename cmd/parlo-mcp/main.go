package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/samber/do/v2"

	"github.com/emmett/parlo/internal/app"
	"github.com/emmett/parlo/internal/config"
	"github.com/emmett/parlo/internal/server/mcp"
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
	modelName       = flag.String("model", "", "Use a specific model (default: vosk-model-small-en-us-0.15)")
	enableVAD       = flag.Bool("vad", true, "Trim leading silence from recordings before decoding")
	vadThreshold    = flag.Float64("vad-threshold", 0.01, "VAD energy threshold (0.001-0.1, lower=more sensitive)")
	vadSilenceDelay = flag.Float64("vad-silence-delay", 2.5, "Delay in seconds after last speech before returning to silence")
	showVersion     = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("Parlo MCP v%s\n", Version)
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
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "model":
			cfg.Model.Default = *modelName
		case "vad":
			cfg.VAD.Enabled = *enableVAD
		case "vad-threshold":
			cfg.VAD.Threshold = *vadThreshold
		case "vad-silence-delay":
			cfg.VAD.SilenceDelay = *vadSilenceDelay
		}
	})

	// stdout carries the protocol
	logger := cfg.NewLogger(os.Stderr)
	injector := app.NewInjector(cfg, logger, app.Build{Name: "parlo", Version: Version})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := 0
	if err := run(ctx, injector); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		code = 1
	}
	stop()
	if err := injector.Shutdown(); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	os.Exit(code)
}

func run(ctx context.Context, injector do.Injector) error {
	server, err := do.Invoke[*mcp.Server](injector)
	if err != nil {
		return err
	}
	model, err := do.Invoke[*app.SpeechModel](injector)
	if err != nil {
		return err
	}
	handler := app.NewMCPHandler(server, model, os.Stderr, do.MustInvoke[*slog.Logger](injector))
	return handler.Run(ctx, os.Args[1:])
}
