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
	"testing"
	"time"
)

func TestPerformanceMonitor(t *testing.T) {
	m := NewPerformanceMonitor(1)
	m.Start(TimerRHS, 1)
	m.Start(TimerRHS, 1)
	if !m.Running(TimerRHS, 1) || m.Running(TimerRHS, 0) {
		t.Error("wrong timers running")
	}
	time.Sleep(time.Millisecond)
	m.Stop(TimerRHS, 1)
	m.Stop(TimerRHS, 1)
	m.Stop(TimerRHS, 1) // unmatched
	m.Start(TimerFillPatch, -1)
	m.Stop(TimerFillPatch, -1)

	r := m.Report()
	if len(r) != 2 {
		t.Fatalf("%d report entries, want 2: %+v", len(r), r)
	}
	if r[0].Name != "FillPatch" || r[0].Level != -1 || r[0].Count != 1 {
		t.Errorf("first entry %+v", r[0])
	}
	if r[1].Name != "RHS" || r[1].Count != 1 || r[1].Total < time.Millisecond {
		t.Errorf("nested starts not counted once: %+v", r[1])
	}

	mfs, err := m.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(mfs) != 1 || mfs[0].GetName() != "hamr_section_duration_seconds" {
		t.Fatalf("metric families %v", mfs)
	}
	var samples uint64
	for _, metric := range mfs[0].GetMetric() {
		samples += metric.GetHistogram().GetSampleCount()
	}
	if samples != 2 {
		t.Errorf("%d observations, want 2", samples)
	}

	m.Log(quietLogger())
	var nilMonitor *PerformanceMonitor
	nilMonitor.Start(TimerRHS, 0)
	nilMonitor.Stop(TimerRHS, 0)
}

func TestTimerString(t *testing.T) {
	if TimerCheckpoint.String() != "Checkpoint" || Timer(99).String() != "Timer(99)" {
		t.Error("timer names")
	}
}

func TestTimerEntryStats(t *testing.T) {
	var e timerEntry
	for _, d := range []time.Duration{time.Second, 2 * time.Second, 3 * time.Second} {
		e.add(d)
	}
	if e.count != 3 || e.total != 6*time.Second {
		t.Errorf("count %d, total %v", e.count, e.total)
	}
	if !closeTo(e.mean, 2, 1e-12) || !closeTo(e.std(), 1, 1e-12) {
		t.Errorf("mean %g, std %g; want 2, 1", e.mean, e.std())
	}
	var one timerEntry
	one.add(time.Second)
	if one.std() != 0 {
		t.Errorf("std of one call = %g", one.std())
	}
}
