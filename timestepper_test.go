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
	"context"
	"math"
	"testing"
)

func TestSubcycling(t *testing.T) {
	ctx := context.Background()
	c := testConfig()
	p := newCubePhysics(c, 0.1)
	p.decay = 1
	s := newTestSim(t, c, p)
	if s.FinestLevel != 1 {
		t.Fatalf("finest level %d, want 1", s.FinestLevel)
	}
	for step := 1; step <= 3; step++ {
		if err := s.Stepper.Advance(ctx, 0); err != nil {
			t.Fatal(err)
		}
		c0, f1 := s.GridNew[0], s.GridNew[1]
		if c0.IStep != step {
			t.Errorf("level 0 step %d, want %d", c0.IStep, step)
		}
		if f1.IStep != 2*step {
			t.Errorf("level 1 step %d, want %d", f1.IStep, 2*step)
		}
		if f1.T != c0.T {
			t.Errorf("step %d: level 1 at t=%g, level 0 at t=%g", step, f1.T, c0.T)
		}
		want := float64(step) * s.Geom[0].Dt
		if !timesEqual(c0.T, want) {
			t.Errorf("step %d: t=%g, want %g", step, c0.T, want)
		}
	}
	// The old fine state is one fine step behind the new one.
	if d := s.GridNew[1].T - s.GridOld[1].T; !closeTo(d, s.dt(1), 1e-12) {
		t.Errorf("fine old/new separation %g, want %g", d, s.dt(1))
	}
}

func TestStepSize(t *testing.T) {
	c := testConfig()
	s := newTestSim(t, c, newCubePhysics(c, 0.1))
	dt0 := s.Geom[0].Dt
	if want := c.CFL * c.L / float64(c.CoarseLevelGridSize); !closeTo(dt0, want, 1e-14) {
		t.Fatalf("CFL step %g, want %g", dt0, want)
	}
	ts := s.Stepper

	for _, test := range []struct {
		name                     string
		t, tEnd, deadline, chkpt float64
		want                     float64
	}{
		{name: "cfl", t: 0, tEnd: 1, deadline: math.Inf(1), chkpt: math.Inf(1), want: dt0},
		{name: "end", t: 0.5, tEnd: 0.5 + dt0/3, deadline: math.Inf(1), chkpt: math.Inf(1), want: dt0 / 3},
		{name: "deadline", t: 0, tEnd: 1, deadline: dt0 / 2, chkpt: math.Inf(1), want: dt0 / 2},
		{name: "checkpoint", t: 0, tEnd: 1, deadline: dt0 / 2, chkpt: dt0 / 4, want: dt0 / 4},
		{name: "bound reached", t: 0.25, tEnd: 1, deadline: math.Inf(1), chkpt: 0.25, want: dt0},
		{name: "bound passed", t: 0.25, tEnd: 1, deadline: 0.1, chkpt: math.Inf(1), want: dt0},
	} {
		s.Config.TEnd = test.tEnd
		s.Scheduler.ClearDeadline()
		s.Scheduler.SetDeadline(test.deadline)
		ts.NextCheckpoint = test.chkpt
		got := ts.StepSize(test.t)
		if !closeTo(got, test.want, 1e-12) {
			t.Errorf("%s: step %g, want %g", test.name, got, test.want)
		}
		if got > dt0 {
			t.Errorf("%s: step %g exceeds the CFL limit %g", test.name, got, dt0)
		}
	}
}

func TestRunToEnd(t *testing.T) {
	ctx := context.Background()
	c := testConfig()
	c.MaxLevel = 0
	c.TEnd = 3.5 * c.CFL * c.L / float64(c.CoarseLevelGridSize)
	s := newTestSim(t, c, newCubePhysics(c, 0.1))
	s.RunFuncs = []SimManipulator{Step()}
	if err := s.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if !timesEqual(s.Time(), c.TEnd) {
		t.Errorf("stopped at t=%g, want %g", s.Time(), c.TEnd)
	}
	if s.GridNew[0].IStep != 4 {
		t.Errorf("%d steps, want 4", s.GridNew[0].IStep)
	}
}

func TestDecay(t *testing.T) {
	// Forward Euler on u' = -u over one step multiplies u by 1-dt.
	ctx := context.Background()
	c := testConfig()
	c.MaxLevel = 0
	c.Integrator = ForwardEuler
	p := newCubePhysics(c, 0.1)
	p.decay = 1
	s := newTestSim(t, c, p)
	before := validValues(s.GridNew[0])
	if err := s.Stepper.Advance(ctx, 0); err != nil {
		t.Fatal(err)
	}
	after := validValues(s.GridNew[0])
	f := 1 - s.Dt[0]
	for b := range before {
		for i := range before[b] {
			if !closeTo(after[b][i], f*before[b][i], 1e-12) {
				t.Fatalf("value %d of fab %d: %g, want %g", i, b, after[b][i], f*before[b][i])
			}
		}
	}
}
