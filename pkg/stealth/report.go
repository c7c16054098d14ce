// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package stealth

import "go.uber.org/zap"

// Reporter receives human-readable diagnostics. Every failure inside the
// engine ends up here instead of propagating to the host.
type Reporter interface {
	Report(msg string)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(msg string)

// Report implements Reporter.
func (f ReporterFunc) Report(msg string) { f(msg) }

type logReporter struct {
	logger *zap.Logger
}

// LogReporter writes diagnostics to logger at warn level.
func LogReporter(logger *zap.Logger) Reporter {
	return logReporter{logger: logger}
}

func (r logReporter) Report(msg string) {
	r.logger.Warn(msg, zap.String("component", "stealth"))
}
