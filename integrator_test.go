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

// oscillator is a uniform harmonic oscillator: phi' = pi, pi' = -phi.
type oscillator struct{}

func (oscillator) Fields() []ScalarField {
	return []ScalarField{{Name: "phi"}, {Name: "pi", IsConjugateMomentum: true}}
}

func (oscillator) InitialState(lev int, t float64, g Geometry, f *Fab) error {
	forEachCell(f.Box, func(i, j, k int) {
		f.Set(math.Cos(t), 0, i, j, k)
		f.Set(-math.Sin(t), 1, i, j, k)
	})
	return nil
}

func (oscillator) RHS(rhs, state *Fab, t float64, lev int, dt, dx float64) {
	forEachCell(rhs.Box, func(i, j, k int) {
		rhs.Set(state.Get(1, i, j, k), 0, i, j, k)
		rhs.Set(-state.Get(0, i, j, k), 1, i, j, k)
	})
}

func (oscillator) TagCell(state *Fab, i, j, k int, t float64, lev int) bool { return false }

func oscillatorSim(t *testing.T, it IntegratorType, tab *ButcherTableau) *Sim {
	t.Helper()
	c := DefaultConfig()
	c.CoarseLevelGridSize = 8
	c.MaxGridSize = 8
	c.L = 1
	c.TEnd = 1
	c.Integrator = it
	c.Tableau = tab
	s, err := NewSim(c, oscillator{})
	if err != nil {
		t.Fatal(err)
	}
	s.Log = quietLogger()
	return s
}

// oscillatorError integrates the oscillator to t=1 in n steps and returns
// the error of phi.
func oscillatorError(t *testing.T, s *Sim, n int) float64 {
	ctx := context.Background()
	ba := BoxArray{CubeBox(8)}
	old := NewLevelData(ba, []int{0}, 2, s.Config.NGhost, 0)
	nw := newLike(old)
	if err := (oscillator{}).InitialState(0, 0, s.Geom[0], old.Fabs[0]); err != nil {
		t.Fatal(err)
	}
	dt := 1 / float64(n)
	for i := 0; i < n; i++ {
		if err := s.Integrator.scheme.integrate(ctx, s.Integrator, old, nw, 0, dt, s.Geom[0].Dx); err != nil {
			t.Fatal(err)
		}
		nw.T = old.T + dt
		old, nw = nw, old
	}
	return math.Abs(old.Fabs[0].Get(0, 3, 3, 3) - math.Cos(1))
}

func TestIntegratorOrder(t *testing.T) {
	for _, test := range []struct {
		it    IntegratorType
		order float64
	}{
		{ForwardEuler, 1},
		{Trapezoid, 2},
		{Ssprk3, 3},
		{Rk4, 4},
		{Lsssprk3, 3},
		{Leapfrog, 2},
		{Rkn4, 4},
		{Rkn5, 5},
	} {
		t.Run(Name(test.it), func(t *testing.T) {
			s := oscillatorSim(t, test.it, nil)
			e1 := oscillatorError(t, s, 8)
			e2 := oscillatorError(t, s, 16)
			order := math.Log2(e1 / e2)
			if order < test.order-0.4 {
				t.Errorf("observed order %.2f (errors %g, %g), want %g", order, e1, e2, test.order)
			}
		})
	}
}

func TestUserTableau(t *testing.T) {
	rk4 := builtinRK[Rk4]
	var flat []float64
	for _, row := range rk4.Tableau {
		flat = append(flat, row...)
	}
	tab, err := NewButcherTableau(RKTableau, rk4.Nodes, flat, rk4.Weights, nil)
	if err != nil {
		t.Fatal(err)
	}
	user := oscillatorError(t, oscillatorSim(t, RkButcherTableau, tab), 8)
	builtin := oscillatorError(t, oscillatorSim(t, Rk4, nil), 8)
	if user != builtin {
		t.Errorf("user tableau error %g, built-in %g", user, builtin)
	}

	if _, err := NewButcherTableau(RKTableau, []float64{0, 1}, []float64{0, 1}, []float64{0.5, 0.5}, nil); err == nil {
		t.Error("short tableau accepted")
	}
	if _, err := NewButcherTableau(RKTableau, []float64{0, 1}, []float64{0, 1, 1}, []float64{0.5, 0.5}, nil); err == nil {
		t.Error("implicit tableau accepted")
	}
	if _, err := NewButcherTableau(RKNTableau, []float64{0}, []float64{0}, []float64{1}, nil); err == nil {
		t.Error("RKN tableau without bar weights accepted")
	}
}

func TestIntegratorNeedsMomenta(t *testing.T) {
	c := testConfig()
	for _, it := range []IntegratorType{Leapfrog, Rkn4, Rkn5} {
		c.Integrator = it
		if _, err := NewSim(c, newCubePhysics(c, 0.1)); !IsFatal(err) {
			t.Errorf("%v without momenta: %v", it, err)
		}
	}
	c.Integrator = RkButcherTableau
	if _, err := NewSim(c, newCubePhysics(c, 0.1)); !IsFatal(err) {
		t.Errorf("user tableau without a tableau: %v", err)
	}
}
