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

// lsssprk3 is the three stage strong stability preserving RK scheme with
// a single accumulated stage derivative.
type lsssprk3 struct{}

func (lsssprk3) integrate(ctx context.Context, in *Integrator, old, nw *LevelData, lev int, dt, dx float64) error {
	t0 := old.T
	t1 := t0 + dt
	k := newLike(old)

	if err := in.rhs(ctx, k, old, t0, lev, dt, dx); err != nil {
		return err
	}
	for i, f := range nw.Fabs {
		f.LinComb(1, old.Fabs[i], dt, k.Fabs[i])
	}
	if err := in.fillIntermediate(ctx, lev, t1, nw); err != nil {
		return err
	}

	if err := in.addRHS(ctx, k, 1, nw, t1, lev, dt, dx); err != nil {
		return err
	}
	for i, f := range nw.Fabs {
		f.LinComb(1, old.Fabs[i], dt/4, k.Fabs[i])
	}
	if err := in.fillIntermediate(ctx, lev, t0+dt/2, nw); err != nil {
		return err
	}

	if err := in.addRHS(ctx, k, 0.25, nw, t0+dt/2, lev, dt, dx); err != nil {
		return err
	}
	for i, f := range nw.Fabs {
		f.LinComb(1, old.Fabs[i], 2*dt/3, k.Fabs[i])
	}
	return in.fillIntermediate(ctx, lev, t1, nw)
}
