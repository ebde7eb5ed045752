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
	"math/rand"
	"testing"
)

func randomFab(b Box, ncomp, nghost int, rng *rand.Rand) *Fab {
	f := NewFab(b, ncomp, nghost)
	for i := range f.Data.Elements {
		f.Data.Elements[i] = rng.Float64()*2 - 1
	}
	return f
}

func TestInterpolationConservative(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	region := NewBox(IntVect{4, 6, 8}, IntVect{19, 13, 15})
	for _, it := range []InterpType{CellConservativeLinear, CellQuadratic, CellConservativeQuartic} {
		t.Run(it.String(), func(t *testing.T) {
			crse := randomFab(region.Coarsen(2), 2, it.radius(), rng)
			fine := NewFab(region, 2, 0)
			interpolate(it, crse, fine, region)
			for c := 0; c < 2; c++ {
				var want, got float64
				forEachCell(region.Coarsen(2), func(i, j, k int) {
					u := crse.Get(c, i, j, k)
					m := mean8(fine, c, i, j, k)
					if !closeTo(u, m, 1e-10) {
						t.Fatalf("comp %d cell (%d,%d,%d): children average %g, parent %g", c, i, j, k, m, u)
					}
					want += 8 * u
				})
				got = fine.Sum(c)
				if !closeTo(want, got, 1e-10) {
					t.Errorf("comp %d: integral %g, want %g", c, got, want)
				}
			}
		})
	}
}

func TestInterpolationLinearData(t *testing.T) {
	// Slopes of linear data are reproduced exactly by every kernel
	// except the piecewise constant one.
	region := NewBox(IntVect{0, 0, 0}, IntVect{7, 7, 7})
	for _, it := range []InterpType{CellConservativeLinear, CellQuadratic, CellConservativeQuartic} {
		r := it.radius()
		crse := NewFab(region.Coarsen(2), 1, r)
		forEachCell(crse.GrownBox(), func(i, j, k int) {
			crse.Set(float64(i)+2*float64(j)-float64(k), 0, i, j, k)
		})
		fine := NewFab(region, 1, 0)
		interpolate(it, crse, fine, region)
		forEachCell(region, func(i, j, k int) {
			x, y, z := (float64(i)+0.5)/2-0.5, (float64(j)+0.5)/2-0.5, (float64(k)+0.5)/2-0.5
			want := x + 2*y - z
			if got := fine.Get(0, i, j, k); !closeTo(got, want, 1e-12) {
				t.Errorf("%v (%d,%d,%d): %g, want %g", it, i, j, k, got, want)
			}
		})
	}
}

func TestMean8Exact(t *testing.T) {
	f := NewFab(NewBox(IntVect{0, 0, 0}, IntVect{1, 1, 1}), 1, 0)
	rng := rand.New(rand.NewSource(5))
	for n := 0; n < 1000; n++ {
		v := rng.Float64()
		f.SetVal(v)
		if m := mean8(f, 0, 0, 0, 0); m != v {
			t.Fatalf("mean of eight copies of %v is %v", v, m)
		}
	}
	f.SetVal(0.11863484302632205)
	if m := mean8(f, 0, 0, 0, 0); m != 0.11863484302632205 {
		t.Errorf("mean is %v", m)
	}
}

func TestAverageDownRefill(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(2))
	crseBoxes := BoxArray{NewBox(IntVect{0, 0, 0}, IntVect{7, 7, 7}), NewBox(IntVect{8, 0, 0}, IntVect{15, 7, 7})}
	fineBoxes := BoxArray{NewBox(IntVect{4, 4, 4}, IntVect{11, 11, 11}), NewBox(IntVect{12, 4, 4}, IntVect{19, 11, 11})}
	crse := NewLevelData(crseBoxes, []int{0, 1}, 1, 0, 0)
	fine := NewLevelData(fineBoxes, []int{1, 0}, 1, 0, 0)

	// Piecewise constant per coarse cell.
	vals := make(map[IntVect]float64)
	for _, f := range fine.Fabs {
		forEachCell(f.Box, func(i, j, k int) {
			ci := IntVect{i / 2, j / 2, k / 2}
			v, ok := vals[ci]
			if !ok {
				v = rng.Float64()
				vals[ci] = v
			}
			f.Set(v, 0, i, j, k)
		})
	}
	if err := averageDown(ctx, fine, crse); err != nil {
		t.Fatal(err)
	}
	for ci, v := range vals {
		for _, f := range crse.Fabs {
			if f.Box.Contains(ci) && f.Get(0, ci[0], ci[1], ci[2]) != v {
				t.Errorf("coarse cell %v: %g, want %g", ci, f.Get(0, ci[0], ci[1], ci[2]), v)
			}
		}
	}

	// Refill the fine level from the coarse one and average down again.
	for _, f := range fine.Fabs {
		tmp := NewFab(f.Box.Coarsen(2), 1, 0)
		for _, cf := range crse.Fabs {
			if x := cf.Box.Intersect(tmp.Box); !x.Empty() {
				tmp.CopyFrom(cf, x, IntVect{})
			}
		}
		interpolate(PCInterp, tmp, f, f.Box)
	}
	before := validValues(crse)
	if err := averageDown(ctx, fine, crse); err != nil {
		t.Fatal(err)
	}
	after := validValues(crse)
	for b := range before {
		for i := range before[b] {
			if before[b][i] != after[b][i] {
				t.Fatalf("box %d value %d: %g after refill, %g before", b, i, after[b][i], before[b][i])
			}
		}
	}
}

func TestInterpTypeValid(t *testing.T) {
	for _, it := range []InterpType{PCInterp, CellConservativeLinear, CellQuadratic, CellConservativeQuartic} {
		if !it.Valid() {
			t.Errorf("%v is not valid", it)
		}
	}
	if InterpType(3).Valid() {
		t.Error("InterpType(3) is valid")
	}
}
