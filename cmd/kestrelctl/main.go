// Kestrel - Fraud risk scoring with explainable decisions.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

// Version information (set via ldflags)
var (
	Version = "dev"
	Commit  = "none"
)

var (
	debugFlag = &cli.BoolFlag{
		Name:  "debug",
		Usage: "Prints verbose logs",
	}

	urlFlag = &cli.StringFlag{
		Name:    "url",
		Usage:   "Kestrel base URL",
		Value:   "http://localhost:8080",
		Sources: cli.EnvVars("KESTREL_URL"),
	}

	formatFlag = &cli.StringFlag{
		Name:  "format",
		Usage: "Output format [json, yaml]",
		Value: formatJSON,
	}

	waitFlag = &cli.DurationFlag{
		Name:  "wait",
		Usage: "How long to wait for the server to become healthy (0 = fail fast)",
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "kestrelctl",
		Usage:   "Operate a Kestrel fraud scoring server",
		Version: fmt.Sprintf("%s (commit: %s)", Version, Commit),
		Flags: []cli.Flag{
			debugFlag,
			urlFlag,
			formatFlag,
			waitFlag,
		},
		Commands: []*cli.Command{
			trainCmd,
			selectCmd,
			algorithmsCmd,
			scoreCmd,
			chatCmd,
			benchCmd,
			synthCmd,
			seedCmd,
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			level := slog.LevelInfo
			if cmd.Bool(debugFlag.Name) {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			return ctx, nil
		},
	}
}
