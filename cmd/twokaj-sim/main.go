// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmt94800-wq/twokaj/cmd/twokaj-sim/simulator"
)

func main() {
	var (
		scenarioFlag = flag.String("scenario", "all", "scenario to run, or all")
		serverFlag   = flag.String("server", "http://localhost:8080", "server URL")
		dbFlag       = flag.String("db", os.Getenv("DATABASE_URL"), "server database URL for verification (empty skips verification)")
		workDirFlag  = flag.String("work-dir", "", "directory for device databases (temporary when empty)")
		outputFlag   = flag.String("output", "", "write a JSON report to this file")
		verboseFlag  = flag.Bool("verbose", false, "enable debug logging")
		listFlag     = flag.Bool("list", false, "list scenarios and exit")
	)
	flag.Parse()

	logLevel := slog.LevelInfo
	if *verboseFlag {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sim, err := simulator.NewSimulator(ctx, &simulator.Config{
		ServerURL:   *serverFlag,
		DatabaseURL: *dbFlag,
		WorkDir:     *workDirFlag,
		OutputFile:  *outputFlag,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("Failed to create simulator: %v", err)
	}

	if *listFlag {
		for _, name := range sim.Scenarios() {
			fmt.Printf("%-16s %s\n", name, sim.Describe(name))
		}
		_ = sim.Close()
		return
	}

	scenarios := []string{*scenarioFlag}
	if *scenarioFlag == "all" {
		scenarios = sim.Scenarios()
	}

	failed := 0
	for i, name := range scenarios {
		fmt.Printf("[%d/%d] %s\n", i+1, len(scenarios), name)
		if err := sim.RunScenario(ctx, name); err != nil {
			failed++
			fmt.Printf("  FAILED: %v\n", err)
			continue
		}
		fmt.Println("  ok")
	}

	if err := sim.Close(); err != nil {
		logger.Warn("Failed to write report", "error", err)
	}
	if failed > 0 {
		log.Fatalf("%d of %d scenarios failed", failed, len(scenarios))
	}
}
