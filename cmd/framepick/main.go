package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"framepick/internal/cli"
	"framepick/internal/config"
	"framepick/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to setup logging: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.Execute(ctx, cfg, logger, os.Stdout, os.Args[1:]); err != nil {
		stop()
		os.Exit(1)
	}
}
