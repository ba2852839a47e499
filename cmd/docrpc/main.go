// Command docrpc serves a document store over JSON-RPC 2.0, either on
// stdin/stdout or over HTTP with Server-Sent Events.
//
//	docrpc -config docrpc.toml
//	docrpc -transport http
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/vinayprograms/docrpc/logging"
	"github.com/vinayprograms/docrpc/server"
	"github.com/vinayprograms/docrpc/shutdown"
)

// version is set at build time.
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	transportName := flag.String("transport", "", "override server.transport (stdio or http)")
	flag.Parse()

	if err := run(*configPath, *transportName); err != nil {
		fmt.Fprintf(os.Stderr, "docrpc: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, transportName string) error {
	cfg, err := loadConfig(configPath, transportName)
	if err != nil {
		return err
	}

	logger := logging.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logging.ParseLevel(cfg.Logging.Level))

	ctx := context.Background()
	app, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}

	coord := shutdown.NewCoordinator(shutdown.Config{
		Timeout:         cfg.Server.ShutdownTimeout,
		DefaultPhase:    shutdown.PhaseBackends,
		ContinueOnError: true,
		Logger:          logger,
	})
	app.register(coord)
	stop := coord.HandleSignals()
	defer stop()

	if err := app.adapter.Initialize(ctx); err != nil {
		coord.ShutdownWithTimeout(cfg.Server.ShutdownTimeout)
		return fmt.Errorf("start transport: %w", err)
	}

	srv, err := server.New(app.serverOptions(cfg, logger))
	if err != nil {
		coord.ShutdownWithTimeout(cfg.Server.ShutdownTimeout)
		return err
	}
	app.server = srv

	// The pipe closing ends the process the same way a signal does.
	go func() {
		if err := srv.Serve(ctx); err != nil {
			logger.Error("serve failed", map[string]interface{}{"error": err.Error()})
		}
		coord.ShutdownWithTimeout(cfg.Server.ShutdownTimeout)
	}()

	<-coord.Done()
	if res := coord.Result(); res.Failed() {
		return fmt.Errorf("shutdown: %w", res.Err)
	}
	return nil
}
