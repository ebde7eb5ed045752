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
	"runtime"

	"golang.org/x/sync/errgroup"
)

// undefinedTime marks LevelData whose contents do not correspond to any
// simulation time, e.g. the old state right after a global regrid or a
// restart.
var undefinedTime = math.Inf(-1)

// LevelData holds the state of one refinement level at a single time.
type LevelData struct {
	Boxes   BoxArray
	DistMap []int // rank owning each box
	Fabs    []*Fab
	T       float64
	IStep   int
	NComp   int
	NGhost  int

	// ContainsTruncationErrors is set when the even cells of this (old)
	// state hold truncation error estimates instead of field values.
	ContainsTruncationErrors bool
}

// NewLevelData allocates zeroed fabs for every box in ba.
func NewLevelData(ba BoxArray, dm []int, ncomp, nghost int, t float64) *LevelData {
	ld := &LevelData{
		Boxes:   append(BoxArray(nil), ba...),
		DistMap: append([]int(nil), dm...),
		Fabs:    make([]*Fab, len(ba)),
		T:       t,
		NComp:   ncomp,
		NGhost:  nghost,
	}
	for i, b := range ba {
		ld.Fabs[i] = NewFab(b, ncomp, nghost)
	}
	return ld
}

// Defined reports whether ld holds any boxes.
func (ld *LevelData) Defined() bool { return ld != nil && len(ld.Boxes) > 0 }

// Clear drops all boxes and data.
func (ld *LevelData) Clear() {
	ld.Boxes = nil
	ld.DistMap = nil
	ld.Fabs = nil
	ld.T = undefinedTime
	ld.ContainsTruncationErrors = false
}

// NumPts returns the number of valid cells.
func (ld *LevelData) NumPts() int { return ld.Boxes.NumPts() }

// Sum returns the sum of component c over all valid cells.
func (ld *LevelData) Sum(c int) float64 {
	var s float64
	for _, f := range ld.Fabs {
		s += f.Sum(c)
	}
	return s
}

// Append adds boxes with their data. The fabs are used, not copied.
func (ld *LevelData) Append(ba BoxArray, dm []int, fabs []*Fab) {
	ld.Boxes = append(ld.Boxes, ba...)
	ld.DistMap = append(ld.DistMap, dm...)
	ld.Fabs = append(ld.Fabs, fabs...)
}

// shallow returns a copy of ld that shares its fabs but not its slices.
func (ld *LevelData) shallow() *LevelData {
	o := *ld
	o.Boxes = append(BoxArray(nil), ld.Boxes...)
	o.DistMap = append([]int(nil), ld.DistMap...)
	o.Fabs = append([]*Fab(nil), ld.Fabs...)
	return &o
}

// Owned returns the indices of the boxes owned by rank.
func (ld *LevelData) Owned(rank int) []int {
	var o []int
	for i, r := range ld.DistMap {
		if r == rank {
			o = append(o, i)
		}
	}
	return o
}

// ForEachFab runs f concurrently on every box index of ld.
func (ld *LevelData) ForEachFab(ctx context.Context, f func(i int) error) error {
	return parallelFor(ctx, len(ld.Fabs), f)
}

// parallelFor runs f for 0 <= i < n over GOMAXPROCS goroutines and
// returns the first error.
func parallelFor(ctx context.Context, n int, f func(i int) error) error {
	nprocs := runtime.GOMAXPROCS(0)
	g, ctx := errgroup.WithContext(ctx)
	for pp := 0; pp < nprocs && pp < n; pp++ {
		pp := pp
		g.Go(func() error {
			for ii := pp; ii < n; ii += nprocs {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := f(ii); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}
