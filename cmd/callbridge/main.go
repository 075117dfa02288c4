package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/harunnryd/callbridge/pkg/callbridge"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/runner"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (env only when empty)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(runner.Version)
		return
	}

	cfg, err := callbridge.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	logger := logging.InitLogger(logging.LogConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	engine, err := callbridge.NewEngine(callbridge.EngineOptions{
		Config: cfg,
		Logger: logger,
	})
	if err != nil {
		logger.Error("callbridge_init_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Run(ctx); err != nil {
		logger.Error("callbridge_exit", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
