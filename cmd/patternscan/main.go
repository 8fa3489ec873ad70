package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"patternscan/internal/cli"
	"patternscan/internal/config"
	"patternscan/internal/logging"
)

func main() {
	cfg, err := config.Load(os.Getenv("PATTERNSCAN_CONFIG_DIR"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLoggerWithConfig(cfg.Log.Logging())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCmd(cfg, logger).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
