package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/paradigmxyz/spice/internal/cli/spicecli"
	"github.com/paradigmxyz/spice/internal/config"
)

func main() {
	cfg, err := config.LoadFromEnv("spice")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := spicecli.Run(ctx, os.Args[1:], spicecli.Options{
		Config: cfg,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})
	stop()
	os.Exit(code)
}
