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

package minimal

import (
	"context"
	"math"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spatialmodel/hamr"
)

func testConfig() *hamr.Config {
	c := hamr.DefaultConfig()
	c.CoarseLevelGridSize = 16
	c.MaxLevel = 1
	c.L = 16
	c.TStart = 0.5
	c.TEnd = 0.5 + 4*c.CFL
	c.MaxGridSize = 16
	c.NGhost = 1
	c.Interpolation = hamr.CellConservativeLinear
	c.Integrator = hamr.Rkn4
	return c
}

func TestUniformRHS(t *testing.T) {
	p := New(1, 0)
	b := hamr.CubeBox(2)
	state := hamr.NewFab(b, 4, 1)
	rhs := hamr.NewFab(b, 4, 1)
	state.Box.Grow(1).ForEach(func(i, j, k int) {
		state.Set(1, iPsi1, i, j, k)
		state.Set(0.5, iPi1, i, j, k)
	})
	const eta = 2.0
	p.RHS(rhs, state, eta, 0, 0.1, 0.5)

	want := -2*0.5/eta - potentialOffset
	b.ForEach(func(i, j, k int) {
		if got := rhs.Get(iPsi1, i, j, k); got != 0.5 {
			t.Errorf("Psi1' at %d,%d,%d: got %g, want 0.5", i, j, k, got)
		}
		if got := rhs.Get(iPi1, i, j, k); math.Abs(got-want) > 1e-14 {
			t.Errorf("Pi1' at %d,%d,%d: got %g, want %g", i, j, k, got, want)
		}
		if got := rhs.Get(iPi2, i, j, k); got != 0 {
			t.Errorf("Pi2' at %d,%d,%d: got %g, want 0", i, j, k, got)
		}
	})
}

func TestLambda(t *testing.T) {
	p := New(1, 0)
	p.Lambda = 2
	b := hamr.CubeBox(1)
	state := hamr.NewFab(b, 4, 1)
	rhs := hamr.NewFab(b, 4, 1)
	state.Box.Grow(1).ForEach(func(i, j, k int) {
		state.Set(1, iPsi2, i, j, k)
	})
	p.RHS(rhs, state, 1, 0, 0.1, 1)
	if got, want := rhs.Get(iPi2, 0, 0, 0), -2*potentialOffset; math.Abs(got-want) > 1e-14 {
		t.Errorf("got %g, want %g", got, want)
	}
}

func TestTagCell(t *testing.T) {
	p := New(1, 0.1)
	b := hamr.CubeBox(4)
	f := hamr.NewFab(b, 4, 1)
	f.Box.Grow(1).ForEach(func(i, j, k int) {
		f.Set(1, iPsi1, i, j, k)
	})
	f.Set(0.5, iPsi1, 2, 2, 2)
	for _, test := range []struct {
		i, j, k int
		want    bool
	}{
		{2, 2, 2, true},
		{1, 2, 2, true},
		{2, 2, 3, true},
		{0, 0, 0, false},
		{1, 1, 2, false},
	} {
		if got := p.TagCell(f, test.i, test.j, test.k, 1, 0); got != test.want {
			t.Errorf("cell %d,%d,%d: got %v, want %v", test.i, test.j, test.k, got, test.want)
		}
	}
	if New(1, 0).TagCell(f, 2, 2, 2, 1, 0) {
		t.Error("tagging should be off without a threshold")
	}
}

func TestInitialState(t *testing.T) {
	c := testConfig()
	p := New(c.L, 0)
	p.Modes = 2
	g := c.LevelGeometry(0)
	f := hamr.NewFab(hamr.CubeBox(g.DimN), 4, 1)
	if err := p.InitialState(0, c.TStart, g, f); err != nil {
		t.Fatal(err)
	}
	f.Box.ForEach(func(i, j, k int) {
		if r := RadialMode(f, i, j, k); math.Abs(r-1) > 1e-12 {
			t.Fatalf("|Psi| at %d,%d,%d = %g, want 1", i, j, k, r)
		}
		if v := AxionVelocitySquared(f, i, j, k); v != 0 {
			t.Fatalf("velocity at %d,%d,%d = %g, want 0", i, j, k, v)
		}
	})
	if err := p.InitialState(0, 0, g, hamr.NewFab(hamr.CubeBox(2), 2, 0)); err == nil {
		t.Error("expected an error for a fab with the wrong number of components")
	}
}

func TestRun(t *testing.T) {
	c := testConfig()
	s, err := hamr.NewSim(c, New(c.L, 0.5))
	if err != nil {
		t.Fatal(err)
	}
	log, _ := test.NewNullLogger()
	s.Log = log
	s.InitFuncs = []hamr.SimManipulator{hamr.FromScratch()}
	s.RunFuncs = []hamr.SimManipulator{hamr.Step()}
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if s.FinestLevel != 1 {
		t.Fatalf("finest level: got %d, want 1", s.FinestLevel)
	}
	if err := s.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if math.Abs(s.Time()-c.TEnd) > 1e-12 {
		t.Errorf("final time: got %g, want %g", s.Time(), c.TEnd)
	}
	for lev := 0; lev <= s.FinestLevel; lev++ {
		for _, f := range s.GridNew[lev].Fabs {
			f.Box.ForEach(func(i, j, k int) {
				for comp := 0; comp < 4; comp++ {
					if v := f.Get(comp, i, j, k); math.IsNaN(v) || math.IsInf(v, 0) {
						t.Fatalf("level %d: non-finite value at %d,%d,%d", lev, i, j, k)
					}
				}
				if r := RadialMode(f, i, j, k); r > 2 {
					t.Fatalf("level %d: |Psi| = %g at %d,%d,%d", lev, r, i, j, k)
				}
			})
		}
	}
}
