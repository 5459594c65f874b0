package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"subframeselector/internal/cli"
	"subframeselector/internal/config"
	"subframeselector/internal/logging"
	"subframeselector/pkg/subframe"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, subframe.ErrAborted) {
			fmt.Fprintln(os.Stderr, "Process aborted.")
			os.Exit(130)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, closer, err := logging.Setup(cfg.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return cli.NewRootCmd(cli.NewRoot(cfg, log)).ExecuteContext(ctx)
}
