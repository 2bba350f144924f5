// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package simulator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Reporter collects scenario outcomes and writes them as JSON
type Reporter struct {
	outputFile string
	logger     *slog.Logger

	mu      sync.Mutex
	reports []*ScenarioReport
}

func NewReporter(outputFile string, logger *slog.Logger) *Reporter {
	return &Reporter{outputFile: outputFile, logger: logger}
}

// ScenarioReport tracks a single scenario run
type ScenarioReport struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	StartTime   time.Time      `json:"start_time"`
	Duration    time.Duration  `json:"duration"`
	Status      string         `json:"status"` // running, success, failed
	Error       string         `json:"error,omitempty"`
	Metrics     map[string]any `json:"metrics"`
}

// FinalReport is the file written on Close
type FinalReport struct {
	GeneratedAt    time.Time         `json:"generated_at"`
	TotalScenarios int               `json:"total_scenarios"`
	SuccessfulRuns int               `json:"successful_runs"`
	FailedRuns     int               `json:"failed_runs"`
	Scenarios      []*ScenarioReport `json:"scenarios"`
}

// StartScenario starts tracking a scenario
func (r *Reporter) StartScenario(name, description string) *ScenarioReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	report := &ScenarioReport{
		Name:        name,
		Description: description,
		StartTime:   time.Now(),
		Status:      "running",
		Metrics:     map[string]any{},
	}
	r.reports = append(r.reports, report)
	return report
}

func (sr *ScenarioReport) finish(err error) {
	sr.Duration = time.Since(sr.StartTime)
	if err != nil {
		sr.Status = "failed"
		sr.Error = err.Error()
		return
	}
	sr.Status = "success"
}

// AddMetric records a named value for the report
func (sr *ScenarioReport) AddMetric(key string, value any) {
	sr.Metrics[key] = value
}

// Summary builds the final report
func (r *Reporter) Summary() FinalReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	final := FinalReport{GeneratedAt: time.Now(), TotalScenarios: len(r.reports), Scenarios: r.reports}
	for _, report := range r.reports {
		switch report.Status {
		case "success":
			final.SuccessfulRuns++
		case "failed":
			final.FailedRuns++
		}
	}
	return final
}

// Close writes the report file if one was configured
func (r *Reporter) Close() error {
	if r.outputFile == "" {
		return nil
	}
	final := r.Summary()
	data, err := json.MarshalIndent(final, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(r.outputFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report file: %w", err)
	}
	r.logger.Info("Report written",
		"file", r.outputFile,
		"scenarios", final.TotalScenarios,
		"successful", final.SuccessfulRuns,
		"failed", final.FailedRuns)
	return nil
}
