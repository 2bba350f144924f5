// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

// Package simulator drives real twolite clients against a running server through
// scripted connectivity scenarios and checks the outcome in the server database.
package simulator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"
)

// Config holds simulator settings
type Config struct {
	ServerURL   string
	DatabaseURL string // server database for verification; empty skips verification
	WorkDir     string // local databases; a temporary directory when empty
	OutputFile  string
	Logger      *slog.Logger
}

// Simulator runs registered scenarios
type Simulator struct {
	config    *Config
	logger    *slog.Logger
	verifier  *DatabaseVerifier
	reporter  *Reporter
	scenarios map[string]Scenario
	ownsDir   bool
}

func NewSimulator(ctx context.Context, config *Config) (*Simulator, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Simulator{
		config:    config,
		logger:    logger,
		reporter:  NewReporter(config.OutputFile, logger),
		scenarios: map[string]Scenario{},
	}
	for _, sc := range allScenarios() {
		s.scenarios[sc.Name] = sc
	}

	if config.WorkDir == "" {
		dir, err := os.MkdirTemp("", "twokaj-sim-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create work directory: %w", err)
		}
		config.WorkDir = dir
		s.ownsDir = true
	}

	if config.DatabaseURL != "" {
		v, err := NewDatabaseVerifier(ctx, config.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		s.verifier = v
	}
	return s, nil
}

// Scenarios returns the registered scenario names in order
func (s *Simulator) Scenarios() []string {
	names := make([]string, 0, len(s.scenarios))
	for name := range s.scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns the description of a scenario
func (s *Simulator) Describe(name string) string {
	return s.scenarios[name].Description
}

// RunScenario executes, verifies and cleans up one scenario
func (s *Simulator) RunScenario(ctx context.Context, name string) (err error) {
	sc, ok := s.scenarios[name]
	if !ok {
		return fmt.Errorf("unknown scenario: %s", name)
	}

	report := s.reporter.StartScenario(sc.Name, sc.Description)
	run := &Run{sim: s, report: report, logger: s.logger.With("scenario", name)}
	defer func() {
		if cerr := run.close(); cerr != nil {
			s.logger.Warn("Cleanup failed", "scenario", name, "error", cerr)
		}
		report.finish(err)
	}()

	run.logger.Info("Executing scenario")
	if err := sc.Execute(ctx, run); err != nil {
		return fmt.Errorf("execution failed: %w", err)
	}

	if s.verifier != nil && sc.Verify != nil {
		run.logger.Info("Verifying scenario")
		if err := sc.Verify(ctx, run, s.verifier); err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}
	}
	run.logger.Info("Scenario completed", "duration", time.Since(report.StartTime).String())
	return nil
}

// Close releases the verifier and writes the report
func (s *Simulator) Close() error {
	if s.verifier != nil {
		s.verifier.Close()
	}
	if s.ownsDir {
		_ = os.RemoveAll(s.config.WorkDir)
	}
	return s.reporter.Close()
}

// Summary returns the outcomes so far
func (s *Simulator) Summary() FinalReport {
	return s.reporter.Summary()
}
