// chatd is the Softadastra chat relay daemon: WebSocket hub with
// durable history, long-polling fallback and Prometheus metrics.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/softadastra/chatcore/internal/app"
	"github.com/softadastra/chatcore/internal/config"
	"github.com/softadastra/chatcore/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "chatd:", err)
		os.Exit(1)
	}
}

func run() error {
	bootLogger := logging.NewLogger("info", "json")
	cfg, err := config.Load(&bootLogger)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	cfg.LogConfig(logger)

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return a.Run(ctx)
}
