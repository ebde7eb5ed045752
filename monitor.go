/*
Copyright © 2024 the hamr authors.
This file is part of hamr.

hamr is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

hamr is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with hamr.  If not, see <http://www.gnu.org/licenses/>.
*/

package hamr

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Timer identifies a timed section of the engine.
type Timer int

// Timed sections.
const (
	TimerTagging Timer = iota
	TimerLocalRegrid
	TimerGlobalRegrid
	TimerFillPatch
	TimerFillIntermediatePatch
	TimerAverageDown
	TimerTruncationError
	TimerRHS
	TimerCheckpoint
	numTimers
)

var timerNames = [numTimers]string{
	"Tagging",
	"LocalRegrid",
	"GlobalRegrid",
	"FillPatch",
	"FillIntermediatePatch",
	"AverageDown",
	"TruncationError",
	"RHS",
	"Checkpoint",
}

func (t Timer) String() string {
	if t < 0 || t >= numTimers {
		return "Timer(" + strconv.Itoa(int(t)) + ")"
	}
	return timerNames[t]
}

type timerKey struct {
	t   Timer
	lev int
}

type timerEntry struct {
	depth int
	start time.Time
	total time.Duration
	count int

	// running mean and sum of squared deviations, in seconds
	mean, m2 float64
}

func (e *timerEntry) add(d time.Duration) {
	x := d.Seconds()
	e.total += d
	e.count++
	delta := x - e.mean
	e.mean += delta / float64(e.count)
	e.m2 += delta * (x - e.mean)
}

// std returns the sample standard deviation of the recorded calls.
func (e *timerEntry) std() float64 {
	if e.count < 2 {
		return 0
	}
	return math.Sqrt(e.m2 / float64(e.count-1))
}

// TimerReport summarizes one timer on one level.
type TimerReport struct {
	Name      string
	Level     int
	Count     int
	Total     time.Duration
	Mean, Std float64 // seconds per call
}

// PerformanceMonitor accumulates wall time per timed section and level.
// It is safe for concurrent use. Nested starts of the same timer on the
// same level are counted once.
type PerformanceMonitor struct {
	mu      sync.Mutex
	entries map[timerKey]*timerEntry

	registry *prometheus.Registry
	hist     *prometheus.HistogramVec
}

// NewPerformanceMonitor returns a monitor for levels up to maxLevel. The
// shadow level is recorded as level -1.
func NewPerformanceMonitor(maxLevel int) *PerformanceMonitor {
	m := &PerformanceMonitor{
		entries:  make(map[timerKey]*timerEntry),
		registry: prometheus.NewRegistry(),
		hist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hamr",
			Name:      "section_duration_seconds",
			Help:      "Wall time spent per call of a timed section.",
			Buckets:   prometheus.ExponentialBuckets(1e-5, 4, 12),
		}, []string{"section", "level"}),
	}
	m.registry.MustRegister(m.hist)
	for lev := -1; lev <= maxLevel; lev++ {
		for t := Timer(0); t < numTimers; t++ {
			m.entries[timerKey{t, lev}] = &timerEntry{}
		}
	}
	return m
}

// Registry returns the registry holding the monitor's histograms.
func (m *PerformanceMonitor) Registry() *prometheus.Registry { return m.registry }

func (m *PerformanceMonitor) entry(t Timer, lev int) *timerEntry {
	k := timerKey{t, lev}
	e, ok := m.entries[k]
	if !ok {
		e = &timerEntry{}
		m.entries[k] = e
	}
	return e
}

// Start starts timer t on level lev.
func (m *PerformanceMonitor) Start(t Timer, lev int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(t, lev)
	if e.depth == 0 {
		e.start = time.Now()
	}
	e.depth++
}

// Stop stops timer t on level lev. Unmatched stops are ignored.
func (m *PerformanceMonitor) Stop(t Timer, lev int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(t, lev)
	if e.depth == 0 {
		return
	}
	e.depth--
	if e.depth > 0 {
		return
	}
	d := time.Since(e.start)
	e.add(d)
	m.hist.WithLabelValues(t.String(), strconv.Itoa(lev)).Observe(d.Seconds())
}

// Running reports whether timer t is running on level lev.
func (m *PerformanceMonitor) Running(t Timer, lev int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[timerKey{t, lev}]
	return ok && e.depth > 0
}

// Report returns the timers that have been stopped at least once, ordered
// by section and level.
func (m *PerformanceMonitor) Report() []TimerReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	var o []TimerReport
	for k, e := range m.entries {
		if e.count == 0 {
			continue
		}
		o = append(o, TimerReport{
			Name:  k.t.String(),
			Level: k.lev,
			Count: e.count,
			Total: e.total,
			Mean:  e.mean,
			Std:   e.std(),
		})
	}
	sort.Slice(o, func(i, j int) bool {
		if o[i].Name != o[j].Name {
			return o[i].Name < o[j].Name
		}
		return o[i].Level < o[j].Level
	})
	return o
}

// Log writes the report to log.
func (m *PerformanceMonitor) Log(log logrus.FieldLogger) {
	for _, r := range m.Report() {
		log.WithFields(logrus.Fields{
			"section": r.Name,
			"level":   r.Level,
			"calls":   r.Count,
			"total":   r.Total.Round(time.Microsecond),
			"mean_s":  r.Mean,
			"std_s":   r.Std,
		}).Info("timer")
	}
}

// WriteMetrics writes the monitor's histograms to filename in the
// Prometheus text format, for collection by a node exporter.
func (m *PerformanceMonitor) WriteMetrics(filename string) error {
	if err := prometheus.WriteToTextfile(filename, m.registry); err != nil {
		return fmt.Errorf("hamr: writing metrics: %v", err)
	}
	return nil
}
