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

import "context"

// builtinRK are the explicit RK schemes with fixed coefficients.
var builtinRK = map[IntegratorType]*ButcherTableau{
	ForwardEuler: mustTableau(RKTableau,
		[]float64{0},
		[]float64{0},
		[]float64{1}, nil),
	Trapezoid: mustTableau(RKTableau,
		[]float64{0, 1},
		[]float64{
			0,
			1, 0,
		},
		[]float64{0.5, 0.5}, nil),
	Ssprk3: mustTableau(RKTableau,
		[]float64{0, 1, 0.5},
		[]float64{
			0,
			1, 0,
			0.25, 0.25, 0,
		},
		[]float64{1. / 6, 1. / 6, 2. / 3}, nil),
	Rk4: mustTableau(RKTableau,
		[]float64{0, 0.5, 0.5, 1},
		[]float64{
			0,
			0.5, 0,
			0, 0.5, 0,
			0, 0, 1, 0,
		},
		[]float64{1. / 6, 1. / 3, 1. / 3, 1. / 6}, nil),
}

// rk is an explicit Runge-Kutta scheme acting on all components.
type rk struct {
	tab *ButcherTableau
}

func (r rk) integrate(ctx context.Context, in *Integrator, old, nw *LevelData, lev int, dt, dx float64) error {
	tab := r.tab
	t0 := old.T
	n := old.NComp
	k := make([]*LevelData, len(tab.Nodes))

	for s, c := range tab.Nodes {
		ts := t0 + c*dt
		stage := old
		if s > 0 {
			stage = newLike(old)
			for i, f := range stage.Fabs {
				f.CopyAll(old.Fabs[i])
				for j := 0; j < s; j++ {
					if a := tab.Tableau[s][j]; a != 0 {
						f.Saxpy(dt*a, k[j].Fabs[i], 0, 0, n)
					}
				}
			}
			if err := in.fillIntermediate(ctx, lev, ts, stage); err != nil {
				return err
			}
		}
		k[s] = newLike(old)
		if err := in.rhs(ctx, k[s], stage, ts, lev, dt, dx); err != nil {
			return err
		}
	}

	for i, f := range nw.Fabs {
		f.CopyAll(old.Fabs[i])
		for s, b := range tab.Weights {
			if b != 0 {
				f.Saxpy(dt*b, k[s].Fabs[i], 0, 0, n)
			}
		}
	}
	return in.fillIntermediate(ctx, lev, t0+dt, nw)
}
