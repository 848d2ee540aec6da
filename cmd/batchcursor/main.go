package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "embed"

	"github.com/tigerroll/batchcursor/internal/cli"
	"github.com/tigerroll/batchcursor/pkg/batch/support/util/logger"
)

// embeddedConfig is the base configuration. A --config file and the environment are layered over it.
//
//go:embed resources/application.yaml
var embeddedConfig []byte

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The engine stops at the next cycle boundary once ctx is cancelled.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Warnf("Received signal '%v'. Stopping after the current batch...", sig)
		cancel()
	}()

	envFilePath := os.Getenv("ENV_FILE_PATH")
	if envFilePath == "" {
		envFilePath = ".env"
	}

	code := cli.Execute(ctx, embeddedConfig, envFilePath, os.Args[1:])
	cancel()
	os.Exit(code)
}
