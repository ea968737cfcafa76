package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/honeycombio/otel-config-go/otelconfig"
	"github.com/urfave/cli/v2"

	gantry "github.com/gantrylabs/gantry"
	"github.com/gantrylabs/gantry/exitcodes"
	"github.com/gantrylabs/gantry/flags"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "gantry"
	app.Usage = "Cross-environment web test runner"
	app.Description = "gantry drives one test run across local and remote browser environments"
	app.Flags = flags.Flags
	app.Action = run
	app.ExitErrHandler = func(c *cli.Context, err error) {
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			// Use the exit code from the ExitCoder
			cli.HandleExitCoder(exitErr)
		} else if err != nil {
			// Check for typed runtime errors
			if gantry.IsRuntimeError(err) {
				cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.RuntimeErr))
			} else if gantry.IsTestFailureError(err) {
				cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.TestFailure))
			} else {
				// For other unspecified errors, default to exit code 1
				cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.TestFailure))
			}
		}
	}

	// Start telemetry
	shutdown, err := otelconfig.ConfigureOpenTelemetry(
		otelconfig.WithServiceName(app.Name),
		otelconfig.WithServiceVersion(app.Version),
	)
	if err != nil {
		log.Crit("Failed to setup open telemetry", "message", err)
	}
	defer shutdown()

	// Ctrl-C cancels the in-flight run; teardown still completes before exit.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Crit("Application failed", "message", err)
	}
}

func run(ctx *cli.Context) error {
	logger, err := setupLogging(ctx)
	if err != nil {
		return gantry.NewRuntimeError(err)
	}

	cfg, err := gantry.NewConfig(ctx, logger)
	if err != nil {
		return gantry.NewRuntimeError(fmt.Errorf("failed to create config: %w", err))
	}
	cfg.Log.Debug("Config resolved",
		"basePath", cfg.BasePath,
		"environments", len(cfg.Environments),
		"tunnel", cfg.TunnelName,
		"serveOnly", cfg.ServeOnly)

	g, err := gantry.New(cfg, Version, gantry.Options{})
	if err != nil {
		return gantry.NewRuntimeError(fmt.Errorf("failed to create runner: %w", err))
	}

	_, err = g.Run(ctx.Context)
	return err
}

func setupLogging(ctx *cli.Context) (log.Logger, error) {
	lvl, err := log.LvlFromString(ctx.String(flags.LogLevel.Name))
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	logger := log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, lvl, ctx.Bool(flags.LogColor.Name)))
	log.SetDefault(logger)
	return logger, nil
}
