// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/mbeema/veil/pkg/hook"
	"github.com/mbeema/veil/pkg/stealth"
)

// Engine is the concealment engine as seen by the status server.
type Engine interface {
	Stats() stealth.Stats
	Sessions() []stealth.Session
}

// Hooks lists installed controller hooks.
type Hooks interface {
	Hooks() []hook.Info
}

// Loop reports debug-loop counters.
type Loop interface {
	Events() uint64
	Surfaced() uint64
}

// Sources are the components Stats reads from. Nil members are skipped.
type Sources struct {
	Engine Engine
	Hooks  Hooks
	Loop   Loop
}

// Stats aggregates self-monitoring counters for the controller.
type Stats struct {
	startTime time.Time
	src       Sources
	self      *process.Process
}

// NewStats creates a new Stats instance.
func NewStats(src Sources) *Stats {
	s := &Stats{startTime: time.Now(), src: src}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.self = p
	}
	return s
}

// Uptime returns controller uptime.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	UptimeSeconds  float64
	Goroutines     int
	MemoryRSSBytes uint64

	Engine         stealth.Stats
	Sessions       int
	HooksInstalled int
	DebugEvents    uint64
	Surfaced       uint64
}

// Snapshot returns current stats.
func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		UptimeSeconds:  s.Uptime().Seconds(),
		Goroutines:     runtime.NumGoroutine(),
		MemoryRSSBytes: s.rss(),
	}
	if s.src.Engine != nil {
		snap.Engine = s.src.Engine.Stats()
		snap.Sessions = len(s.src.Engine.Sessions())
	}
	if s.src.Hooks != nil {
		snap.HooksInstalled = len(s.src.Hooks.Hooks())
	}
	if s.src.Loop != nil {
		snap.DebugEvents = s.src.Loop.Events()
		snap.Surfaced = s.src.Loop.Surfaced()
	}
	return snap
}

func (s *Stats) rss() uint64 {
	if s.self != nil {
		if mi, err := s.self.MemoryInfo(); err == nil {
			return mi.RSS
		}
	}
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	return memStats.Sys
}

// PrometheusMetrics returns stats in Prometheus text exposition format.
func (s *Stats) PrometheusMetrics() string {
	return prometheusFormat(s.Snapshot())
}

func prometheusFormat(snap Snapshot) string {
	e := snap.Engine
	var b []byte
	b = appendMetric(b, "veil_uptime_seconds", "gauge", "Controller uptime in seconds", snap.UptimeSeconds)
	b = appendMetric(b, "veil_goroutines", "gauge", "Number of goroutines", float64(snap.Goroutines))
	b = appendMetric(b, "veil_memory_rss_bytes", "gauge", "Resident memory in bytes", float64(snap.MemoryRSSBytes))
	b = appendMetric(b, "veil_sessions", "gauge", "Live concealment sessions", float64(snap.Sessions))
	b = appendMetric(b, "veil_hooks_installed", "gauge", "Installed controller hooks", float64(snap.HooksInstalled))
	b = appendMetric(b, "veil_attaches_total", "counter", "Sessions attached", float64(e.Attaches))
	b = appendMetric(b, "veil_exceptions_total", "counter", "Exception events handled", float64(e.Exceptions))
	b = appendMetric(b, "veil_exceptions_suppressed_total", "counter", "Exceptions passed without a dialog", float64(e.Suppressed))
	b = appendMetric(b, "veil_breakpoints_total", "counter", "Breakpoint events handled", float64(e.Breakpoints))
	b = appendMetric(b, "veil_debug_prints_hidden_total", "counter", "DBG_PRINTEXCEPTION_C events hidden", float64(e.DebugPrints))
	b = appendMetric(b, "veil_module_restores_total", "counter", "Clean module transplants", float64(e.Restores))
	b = appendMetric(b, "veil_module_restore_failures_total", "counter", "Failed clean module transplants", float64(e.RestoreFailures))
	b = appendMetric(b, "veil_diagnostics_total", "counter", "Diagnostics reported", float64(e.Diagnostics))
	b = appendMetric(b, "veil_debug_events_total", "counter", "Native debug events received", float64(snap.DebugEvents))
	b = appendMetric(b, "veil_exceptions_surfaced_total", "counter", "First-chance exceptions surfaced", float64(snap.Surfaced))
	return string(b)
}

func appendMetric(b []byte, name, typ, help string, value float64) []byte {
	b = append(b, "# HELP "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, help...)
	b = append(b, "\n# TYPE "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, typ...)
	b = append(b, '\n')
	b = append(b, name...)
	b = append(b, ' ')
	b = strconv.AppendFloat(b, value, 'f', -1, 64)
	return append(b, '\n')
}
