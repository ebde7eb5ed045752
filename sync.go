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
	"fmt"
	"math"
	"sync/atomic"
)

// LevelSynchronizer keeps the levels of the hierarchy consistent: it fills
// ghost cells, averages fine data onto coarse levels and estimates
// truncation errors.
type LevelSynchronizer struct {
	sim    *Sim
	Interp InterpType
}

// NewLevelSynchronizer returns a synchronizer for s.
func NewLevelSynchronizer(s *Sim) *LevelSynchronizer {
	return &LevelSynchronizer{sim: s, Interp: s.Config.Interpolation}
}

// TimeSlice is the data of one level at a given time, either a single
// state or a linear blend of the old and new states.
type TimeSlice struct {
	Old, New   *LevelData
	WOld, WNew float64
}

// GetLevelData returns the data of level lev at time t.
func (ls *LevelSynchronizer) GetLevelData(lev int, t float64) TimeSlice {
	return sliceAt(ls.sim.levelNew(lev), ls.sim.levelOld(lev), t)
}

// sliceAt picks or blends nw and old to match time t. The new state is
// used whenever old cannot serve.
func sliceAt(nw, old *LevelData, t float64) TimeSlice {
	switch {
	case timesEqual(nw.T, t):
		return TimeSlice{New: nw, WNew: 1}
	case !old.Defined() || old.ContainsTruncationErrors || math.IsInf(old.T, -1) ||
		!old.Boxes.Equal(nw.Boxes):
		return TimeSlice{New: nw, WNew: 1}
	case timesEqual(old.T, t):
		return TimeSlice{Old: old, WOld: 1}
	}
	w := (t - old.T) / (nw.T - old.T)
	w = math.Max(0, math.Min(1, w))
	return TimeSlice{Old: old, New: nw, WOld: 1 - w, WNew: w}
}

// data returns ts as a single LevelData, blending if needed.
func (ts TimeSlice) data() *LevelData {
	switch {
	case ts.Old == nil:
		return ts.New
	case ts.New == nil:
		return ts.Old
	}
	o := ts.New.shallow()
	for i, f := range ts.New.Fabs {
		b := f.Clone()
		b.LinComb(ts.WOld, ts.Old.Fabs[i], ts.WNew, f)
		o.Fabs[i] = b
	}
	return o
}

// filler fills fabs on one level from that level and its coarser levels
// at a fixed time.
type filler struct {
	ls    *LevelSynchronizer
	t     float64
	views map[int]*LevelData
}

// newFiller materializes the data of levels lev and coarser at time t.
// The levels must not change while the filler is in use.
func (ls *LevelSynchronizer) newFiller(lev int, t float64) *filler {
	f := &filler{ls: ls, t: t, views: make(map[int]*LevelData)}
	for l := lev; l >= 0; l-- {
		f.views[l] = ls.GetLevelData(l, t).data()
	}
	if lev < 0 {
		f.views[lev] = ls.GetLevelData(lev, t).data()
	}
	return f
}

// covered reports whether region is covered by ba and its periodic images.
func covered(ba BoxArray, region Box, n int) bool {
	vol := 0
	for _, b := range ba {
		for _, sh := range PeriodicShifts(n) {
			vol += b.Shift(sh).Intersect(region).NumPts()
		}
	}
	return vol == region.NumPts()
}

// fill fills dst on level lev. Same-level data comes from src; whatever
// src does not cover is interpolated from the coarser level. With
// keepValid set, the valid region of dst is left untouched.
func (f *filler) fill(lev int, dst *Fab, src *LevelData, keepValid bool) {
	region := dst.GrownBox()
	n := f.ls.sim.dimN(lev)
	if lev > 0 && !covered(src.Boxes, region, n) {
		f.fillFromCoarse(lev, dst, region, keepValid)
	}
	for i, b := range src.Boxes {
		for _, sh := range PeriodicShifts(n) {
			x := b.Shift(sh).Intersect(region)
			if x.Empty() {
				continue
			}
			if keepValid && x.Intersects(dst.Box) {
				continue
			}
			dst.CopyFrom(src.Fabs[i], x, sh)
		}
	}
}

// fillFromCoarse interpolates region of dst from level lev-1.
func (f *filler) fillFromCoarse(lev int, dst *Fab, region Box, keepValid bool) {
	r := f.ls.Interp.radius()
	ctmp := NewFab(region.Coarsen(2).Grow(r), dst.NComp, 0)
	f.fill(lev-1, ctmp, f.views[lev-1], false)
	if !keepValid {
		interpolate(f.ls.Interp, ctmp, dst, region)
		return
	}
	tmp := NewFab(region, dst.NComp, 0)
	interpolate(f.ls.Interp, ctmp, tmp, region)
	copyGhosts(dst, tmp)
}

// copyGhosts copies the cells of src that lie in the ghost region of dst.
func copyGhosts(dst, src *Fab) {
	v := dst.Box
	for c := 0; c < dst.NComp; c++ {
		forEachCell(dst.GrownBox().Intersect(src.GrownBox()), func(i, j, k int) {
			if !v.Contains(IntVect{i, j, k}) {
				dst.Set(src.Get(c, i, j, k), c, i, j, k)
			}
		})
	}
}

// FillPatch fills the valid and ghost cells of every fab of dst with the
// data of level lev at time t. If dst is the stored state of the level,
// only its ghost cells are rewritten.
func (ls *LevelSynchronizer) FillPatch(ctx context.Context, lev int, t float64, dst *LevelData) error {
	ls.sim.Monitor.Start(TimerFillPatch, lev)
	defer ls.sim.Monitor.Stop(TimerFillPatch, lev)
	f := ls.newFiller(lev, t)
	src := f.views[lev]
	keepValid := dst == ls.sim.levelNew(lev) || dst == ls.sim.levelOld(lev)
	return dst.ForEachFab(ctx, func(i int) error {
		f.fill(lev, dst.Fabs[i], src, keepValid)
		return nil
	})
}

// FillCoarsePatch fills dst on level lev entirely by interpolation from
// level lev-1 at time t.
func (ls *LevelSynchronizer) FillCoarsePatch(ctx context.Context, lev int, t float64, dst *LevelData) error {
	if lev < 1 {
		return fmt.Errorf("hamr: FillCoarsePatch needs a level > 0, got %d", lev)
	}
	ls.sim.Monitor.Start(TimerFillPatch, lev)
	defer ls.sim.Monitor.Stop(TimerFillPatch, lev)
	f := ls.newFiller(lev-1, t)
	return dst.ForEachFab(ctx, func(i int) error {
		fab := dst.Fabs[i]
		f.fillFromCoarse(lev, fab, fab.GrownBox(), false)
		return nil
	})
}

// FillIntermediatePatch refreshes the ghost cells of mf, an intermediate
// integrator state of level lev at time t.
func (ls *LevelSynchronizer) FillIntermediatePatch(ctx context.Context, lev int, t float64, mf *LevelData) error {
	ls.sim.Monitor.Start(TimerFillIntermediatePatch, lev)
	defer ls.sim.Monitor.Stop(TimerFillIntermediatePatch, lev)
	var f *filler
	if lev > 0 {
		f = ls.newFiller(lev-1, t)
	} else {
		f = &filler{ls: ls, t: t}
	}
	return mf.ForEachFab(ctx, func(i int) error {
		f.fill(lev, mf.Fabs[i], mf, true)
		return nil
	})
}

// averageDown sets every cell of crse covered by fine to the mean of its
// 8 children.
func averageDown(ctx context.Context, fine, crse *LevelData) error {
	return crse.ForEachFab(ctx, func(ci int) error {
		cf := crse.Fabs[ci]
		for _, ff := range fine.Fabs {
			x := ff.Box.Coarsen(2).Intersect(cf.Box)
			if x.Empty() {
				continue
			}
			for c := 0; c < cf.NComp; c++ {
				forEachCell(x, func(i, j, k int) {
					cf.Set(mean8(ff, c, i, j, k), c, i, j, k)
				})
			}
		}
		return nil
	})
}

// mean8 returns the mean of the fine children of coarse cell (i,j,k). The
// sum is taken pairwise so that eight equal values average to themselves
// exactly.
func mean8(f *Fab, c, i, j, k int) float64 {
	i, j, k = 2*i, 2*j, 2*k
	a := f.Get(c, i, j, k) + f.Get(c, i, j, k+1)
	b := f.Get(c, i, j+1, k) + f.Get(c, i, j+1, k+1)
	d := f.Get(c, i+1, j, k) + f.Get(c, i+1, j, k+1)
	e := f.Get(c, i+1, j+1, k) + f.Get(c, i+1, j+1, k+1)
	return ((a + b) + (d + e)) / 8
}

// AverageDownTo averages the new state of level lev+1 onto level lev.
func (ls *LevelSynchronizer) AverageDownTo(ctx context.Context, lev int) error {
	s := ls.sim
	s.Monitor.Start(TimerAverageDown, lev)
	defer s.Monitor.Stop(TimerAverageDown, lev)
	if err := averageDown(ctx, s.GridNew[lev+1], s.GridNew[lev]); err != nil {
		return err
	}
	s.GridOld[lev+1].ContainsTruncationErrors = false
	return nil
}

// ComputeTruncationErrors compares level lev-1 (or the shadow level for
// lev 0) with the average of level lev. The error of coarse cell (I,J,K)
// is stored in the old state of level lev at cell (2I,2J,2K), after which
// the coarse cell is overwritten by the average.
func (ls *LevelSynchronizer) ComputeTruncationErrors(ctx context.Context, lev int) error {
	s := ls.sim
	s.Monitor.Start(TimerTruncationError, lev)
	defer s.Monitor.Stop(TimerTruncationError, lev)

	fine, te := s.GridNew[lev], s.GridOld[lev]
	crse := s.levelNew(lev - 1)
	if lev == 0 && !timesEqual(crse.T, fine.T) {
		return fatalf("LevelSynchronizer", lev, -1,
			"shadow level is at time %g but level 0 is at time %g", crse.T, fine.T)
	}
	if !te.Boxes.Equal(fine.Boxes) {
		return fatalf("LevelSynchronizer", lev, -1, "old and new states have different layouts")
	}

	var nonFinite int32
	err := crse.ForEachFab(ctx, func(ci int) error {
		cf := crse.Fabs[ci]
		for fi, ff := range fine.Fabs {
			x := ff.Box.Coarsen(2).Intersect(cf.Box)
			if x.Empty() {
				continue
			}
			tf := te.Fabs[fi]
			for c := 0; c < cf.NComp; c++ {
				forEachCell(x, func(i, j, k int) {
					avg := mean8(ff, c, i, j, k)
					e := math.Abs(cf.Get(c, i, j, k) - avg)
					if math.IsNaN(e) || math.IsInf(e, 0) {
						atomic.StoreInt32(&nonFinite, 1)
					}
					tf.Set(e, c, 2*i, 2*j, 2*k)
					cf.Set(avg, c, i, j, k)
				})
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	te.ContainsTruncationErrors = true
	if lev == 0 {
		s.ShadowLevel.Clear()
		s.shadowTmp.Clear()
	}
	if nonFinite != 0 {
		return ErrNonFiniteTruncationError
	}
	return nil
}

// ChangeNGhost rebuilds every level with n ghost cells and refills them.
func (ls *LevelSynchronizer) ChangeNGhost(ctx context.Context, n int) error {
	s := ls.sim
	for lev := 0; lev <= s.FinestLevel; lev++ {
		if n < 0 || n >= s.Config.BlockingFactorAt(lev) {
			return fmt.Errorf("hamr: %d ghost cells do not fit blocking factor %d", n, s.Config.BlockingFactorAt(lev))
		}
	}
	s.Config.NGhost = n
	for lev := 0; lev <= s.FinestLevel; lev++ {
		for _, ld := range []*LevelData{s.GridNew[lev], s.GridOld[lev]} {
			if !ld.Defined() {
				ld.NGhost = n
				continue
			}
			for i, f := range ld.Fabs {
				nf := NewFab(f.Box, f.NComp, n)
				nf.CopyFrom(f, f.Box, IntVect{})
				ld.Fabs[i] = nf
			}
			ld.NGhost = n
		}
		if err := ls.FillPatch(ctx, lev, s.GridNew[lev].T, s.GridNew[lev]); err != nil {
			return err
		}
	}
	for _, ld := range []*LevelData{s.ShadowLevel, s.shadowTmp} {
		ld.Clear()
		ld.NGhost = n
	}
	return nil
}

// IncreaseCoarseLevelResolution refines level 0 by a factor of 2 by
// interpolation. It is only possible before any refinement exists and
// lowers the maximum level by one.
func (ls *LevelSynchronizer) IncreaseCoarseLevelResolution(ctx context.Context) error {
	s := ls.sim
	if s.FinestLevel > 0 {
		return fatalf("LevelSynchronizer", s.FinestLevel, -1,
			"increasing the coarse level resolution is only supported before refinement")
	}
	if s.Config.MaxLevel < 1 {
		return fmt.Errorf("hamr: cannot increase coarse level resolution beyond the maximum level")
	}
	s.logger(0).Info("increasing coarse level resolution")

	crse := s.GridNew[0]
	t := crse.T
	domain := CubeBox(2 * s.Geom[0].DimN)
	ba := ChopGrids(domain, s.Config.MaxGridSize, s.Config.BlockingFactorAt(1), s.Config.NRanks)
	dm := DistributionMap(ba, s.Config.NRanks)
	ld := NewLevelData(ba, dm, crse.NComp, crse.NGhost, t)
	ld.IStep = crse.IStep

	f := &filler{ls: ls, t: t, views: map[int]*LevelData{0: crse}}
	err := ld.ForEachFab(ctx, func(i int) error {
		fab := ld.Fabs[i]
		ctmp := NewFab(fab.GrownBox().Coarsen(2).Grow(ls.Interp.radius()), fab.NComp, 0)
		f.fill(0, ctmp, crse, false)
		interpolate(ls.Interp, ctmp, fab, fab.GrownBox())
		return nil
	})
	if err != nil {
		return err
	}

	s.GridNew[0] = ld
	s.GridOld[0] = NewLevelData(ba, dm, crse.NComp, crse.NGhost, t)
	s.GridOld[0].IStep = crse.IStep

	c := s.Config
	c.MaxLevel--
	c.CoarseLevelGridSize *= 2
	if len(c.BlockingFactor) > 1 {
		c.BlockingFactor = c.BlockingFactor[1:]
	}
	if c.MaxGridSize < c.BlockingFactorAt(0) {
		c.MaxGridSize = c.BlockingFactorAt(0)
	}
	dt0 := s.Dt[0] / 2
	s.setGeometry()
	s.setStepSize(math.Min(dt0, s.Geom[0].Dt))
	s.GridNew = s.GridNew[:c.MaxLevel+1]
	s.GridOld = s.GridOld[:c.MaxLevel+1]
	s.ShadowLevel.Clear()
	s.shadowTmp.Clear()
	s.Layouts.Truncate(0)
	s.Layouts.Set(0, ba)
	s.Scheduler.dropCoarsest()
	s.Regridder.dropCoarsest()
	return nil
}
