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

var rkn4Tableau = mustTableau(RKNTableau,
	[]float64{0, 0.5, 1},
	[]float64{
		0,
		1. / 8, 0,
		0, 0.5, 0,
	},
	[]float64{1. / 6, 4. / 6, 1. / 6},
	[]float64{1. / 6, 1. / 3, 0},
)

var rkn5Tableau = mustTableau(RKNTableau,
	[]float64{0, 1. / 5, 2. / 3, 1},
	[]float64{
		0,
		1. / 50, 0,
		-1. / 27, 7. / 27, 0,
		3. / 10, -2. / 35, 9. / 35, 0,
	},
	[]float64{14. / 336, 125. / 336, 162. / 336, 35. / 336},
	[]float64{14. / 336, 100. / 336, 54. / 336, 0},
)

// rkn is a Runge-Kutta-Nyström scheme for second order systems. The
// first half of the components are positions and the second half their
// conjugate momenta.
type rkn struct {
	tab *ButcherTableau
}

func (r rkn) integrate(ctx context.Context, in *Integrator, old, nw *LevelData, lev int, dt, dx float64) error {
	tab := r.tab
	t0 := old.T
	uN := momentumOffset(old)
	F := make([]*LevelData, len(tab.Nodes))

	for s, c := range tab.Nodes {
		ts := t0 + c*dt
		stage := old
		if s > 0 {
			stage = newLike(old)
			for i, f := range stage.Fabs {
				f.CopyAll(old.Fabs[i])
				f.Saxpy(dt*c, old.Fabs[i], uN, 0, uN)
				for j := 0; j < s; j++ {
					if a := tab.Tableau[s][j]; a != 0 {
						f.Saxpy(dt*dt*a, F[j].Fabs[i], uN, 0, uN)
					}
				}
			}
			if err := in.fillIntermediate(ctx, lev, ts, stage); err != nil {
				return err
			}
		}
		F[s] = newLike(old)
		if err := in.rhs(ctx, F[s], stage, ts, lev, dt, dx); err != nil {
			return err
		}
	}

	for i, f := range nw.Fabs {
		f.CopyAll(old.Fabs[i])
		f.Saxpy(dt, old.Fabs[i], uN, 0, uN)
		for s := range tab.Nodes {
			f.Saxpy(dt*dt*tab.WeightsBar[s], F[s].Fabs[i], uN, 0, uN)
			f.Saxpy(dt*tab.Weights[s], F[s].Fabs[i], uN, uN, uN)
		}
	}
	return in.fillIntermediate(ctx, lev, t0+dt, nw)
}
