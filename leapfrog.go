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

// leapfrog is the kick-drift-kick scheme.
type leapfrog struct{}

func (leapfrog) integrate(ctx context.Context, in *Integrator, old, nw *LevelData, lev int, dt, dx float64) error {
	t0 := old.T
	t1 := t0 + dt
	uN := momentumOffset(old)

	a := newLike(old)
	if err := in.rhs(ctx, a, old, t0, lev, dt, dx); err != nil {
		return err
	}
	half := newLike(old)
	for i, f := range half.Fabs {
		f.LinComb(1, old.Fabs[i], dt/2, a.Fabs[i])
	}

	for i, f := range nw.Fabs {
		f.CopyAll(old.Fabs[i])
		f.Saxpy(dt, half.Fabs[i], uN, 0, uN)
	}
	if err := in.fillIntermediate(ctx, lev, t1, nw); err != nil {
		return err
	}

	if err := in.rhs(ctx, a, nw, t1, lev, dt, dx); err != nil {
		return err
	}
	for i, f := range nw.Fabs {
		for c := uN; c < f.NComp; c++ {
			copy(f.Comp(c), half.Fabs[i].Comp(c))
		}
		f.Saxpy(dt/2, a.Fabs[i], uN, uN, uN)
	}
	return in.fillIntermediate(ctx, lev, t1, nw)
}
