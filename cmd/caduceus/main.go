// Package main provides the caduceus CLI entrypoint.
//
// Usage:
//
//	caduceus run -config <path> [-environment <name>]
//
// Exit codes:
//   - 0: clean shutdown
//   - 1: configuration error
//   - 2: runtime failure
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/caduceus-io/caduceus/config"
	"github.com/caduceus-io/caduceus/engine"
	"github.com/caduceus-io/caduceus/log"
)

const (
	exitSuccess     = 0
	exitConfigError = 1
	exitRuntime     = 2
)

func main() {
	app := &cli.App{
		Name:    "caduceus",
		Usage:   "Healthcare interoperability engine - HL7 v2 and FHIR message pipeline",
		Version: "0.1.0",
		Commands: []*cli.Command{
			runCommand(),
			validateCommand(),
		},
		ExitErrHandler: exitErrHandler,
	}

	if err := app.Run(os.Args); err != nil {
		// ExitErrHandler already handled the exit; this branch is only
		// reached if it didn't.
		os.Exit(exitRuntime)
	}
}

// exitErrHandler handles errors from the CLI, respecting cli.ExitCoder.
func exitErrHandler(c *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		// cli.Exit("", N).Error() returns "exit status N", so skip those
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(exitRuntime)
}

func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to caduceus.yaml",
			Value:   "caduceus.yaml",
		},
		&cli.StringFlag{
			Name:    "environment",
			Aliases: []string{"e"},
			Usage:   "Environment overlay to apply (overrides global.environment)",
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:   "run",
		Usage:  "Run the engine until interrupted",
		Flags:  configFlags(),
		Action: runAction,
	}
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:   "validate",
		Usage:  "Load and validate the configuration, then exit",
		Flags:  configFlags(),
		Action: validateAction,
	}
}

func runAction(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"), c.String("environment"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("config: %v", err), exitConfigError)
	}

	logger := log.NewLogger(cfg.EngineID, cfg.Global.LogLevel)
	eng, err := engine.New(cfg, logger)
	if err != nil {
		return cli.Exit(fmt.Sprintf("engine: %v", err), exitConfigError)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", map[string]any{"signal": sig.String()})
		cancel()
	}()

	if err := eng.Run(ctx); err != nil {
		return cli.Exit(fmt.Sprintf("engine: %v", err), exitRuntime)
	}
	return cli.Exit("", exitSuccess)
}

func validateAction(c *cli.Context) error {
	path := c.String("config")
	cfg, err := config.Load(path, c.String("environment"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("config: %v", err), exitConfigError)
	}
	fmt.Printf("%s: ok (engine_id=%s, queues=%s)\n", path, cfg.EngineID, cfg.Queues.Type)
	return nil
}
