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
	"sync"

	"github.com/sirupsen/logrus"
)

// tagBox returns the cells of box bi on level lev that need refinement
// at time t. With a shadow hierarchy, cells are tagged where the
// truncation error of a field reaches its threshold; otherwise the
// physics decides.
func (s *Sim) tagBox(lev, bi int, t float64) ([]IntVect, error) {
	if s.shadow() && timesEqual(t, s.Config.TStart) {
		return nil, nil
	}
	if !s.LevelShouldExist(lev+1, t) {
		return nil, nil
	}
	state := s.GridNew[lev].Fabs[bi]
	b := state.Box
	var tags []IntVect

	te := s.GridOld[lev]
	if s.shadow() && te.ContainsTruncationErrors && te.Boxes.Equal(s.GridNew[lev].Boxes) {
		tf := te.Fabs[bi]
		mod, hasMod := s.Physics.(TruncationModifier)
		var bad bool
		forEachCell(b, func(i, j, k int) {
			if bad || i%2 != 0 || j%2 != 0 || k%2 != 0 {
				return
			}
			tagged := false
			for c, crit := range s.Config.TECrit {
				if math.IsInf(crit, 1) {
					continue
				}
				e := tf.Get(c, i, j, k)
				if hasMod {
					e = mod.TruncationModifier(state, i, j, k, t, lev, c, e)
				}
				if math.IsNaN(e) || math.IsInf(e, 0) {
					bad = true
					return
				}
				if e >= crit {
					tagged = true
				}
			}
			if !tagged {
				return
			}
			forEachCell(Box{Lo: IntVect{i, j, k}, Hi: IntVect{i + 1, j + 1, k + 1}}.Intersect(b), func(ii, jj, kk int) {
				tags = append(tags, IntVect{ii, jj, kk})
			})
		})
		if bad {
			return nil, ErrNonFiniteTruncationError
		}
		return tags, nil
	}

	forEachCell(b, func(i, j, k int) {
		if s.Physics.TagCell(state, i, j, k, t, lev) {
			tags = append(tags, IntVect{i, j, k})
		}
	})
	return tags, nil
}

// tagBlocks tags level lev and returns the blocks of level lev+1 needed to
// cover the tagged cells plus NErrorBuf coarse cells around them.
func (s *Sim) tagBlocks(ctx context.Context, lev int, t float64) (*UniqueLayout, error) {
	s.Monitor.Start(TimerTagging, lev)
	defer s.Monitor.Stop(TimerTagging, lev)

	bf := s.Config.BlockingFactorAt(lev + 1)
	n := s.dimN(lev+1) / bf
	ul := NewUniqueLayout(0, 1, n)
	var mu sync.Mutex
	state := s.GridNew[lev]
	err := state.ForEachFab(ctx, func(bi int) error {
		tags, err := s.tagBox(lev, bi, t)
		if err != nil {
			return err
		}
		var blocks []IntVect
		for _, ci := range tags {
			fb := Box{Lo: ci.Scale(2), Hi: ci.Scale(2).Add(IntVect{1, 1, 1})}.Grow(2 * s.Config.NErrorBuf)
			blocks = append(blocks, blocksCovering(fb, bf, n)...)
		}
		mu.Lock()
		for _, blk := range blocks {
			ul.Add(blk[0], blk[1], blk[2])
		}
		mu.Unlock()
		return nil
	})
	return ul, err
}

// blocksCovering returns the wrapped indices of the blocks of size bf
// that intersect b on a level with n blocks per side.
func blocksCovering(b Box, bf, n int) []IntVect {
	var lo, hi IntVect
	for d := 0; d < 3; d++ {
		lo[d], hi[d] = floorDiv(b.Lo[d], bf), floorDiv(b.Hi[d], bf)
	}
	var o []IntVect
	forEachCell(Box{Lo: lo, Hi: hi}, func(i, j, k int) {
		o = append(o, IntVect{WrapIndex(i, n), WrapIndex(j, n), WrapIndex(k, n)})
	})
	return o
}

// blockBox returns the cells of block blk.
func blockBox(blk IntVect, bf int) Box {
	lo := blk.Scale(bf)
	return Box{Lo: lo, Hi: lo.Add(IntVect{bf - 1, bf - 1, bf - 1})}
}

// trimToNesting drops the blocks of ul whose cells would not be properly
// nested in crse.
func (s *Sim) trimToNesting(ul *UniqueLayout, lev int, crse BoxArray) *UniqueLayout {
	bf := s.Config.BlockingFactorAt(lev)
	o := NewUniqueLayout(0, 1, ul.N)
	for _, blk := range ul.Blocks() {
		if properlyNested(BoxArray{blockBox(blk, bf)}, crse, s.Config.NGhost, s.dimN(lev-1)) == nil {
			o.Add(blk[0], blk[1], blk[2])
		}
	}
	return o
}

// Regrid rebuilds levels lbase+1 and finer at time t from the tags of
// levels lbase and finer. Level lbase and coarser are kept.
func (s *Sim) Regrid(ctx context.Context, lbase int, t float64) error {
	c := s.Config
	newFinest := minInt(s.FinestLevel+1, c.MaxLevel)
	layouts := make([]*UniqueLayout, newFinest+2)

	for l := newFinest - 1; l >= lbase; l-- {
		ul, err := s.tagBlocks(ctx, l, t)
		if err != nil {
			return err
		}
		if fine := layouts[l+2]; fine != nil && fine.SizeAll() > 0 {
			ba := fine.BoxList(c.BlockingFactorAt(l + 2))
			for _, b := range nestingFootprint(ba, c.NGhost, s.dimN(l+1)) {
				for _, blk := range blocksCovering(b, c.BlockingFactorAt(l+1), ul.N) {
					ul.Add(blk[0], blk[1], blk[2])
				}
			}
		}
		layouts[l+1] = ul
	}

	grids := make([]BoxArray, newFinest+1)
	crse := s.GridNew[lbase].Boxes
	for l := lbase + 1; l <= newFinest; l++ {
		ul := s.trimToNesting(layouts[l], l, crse)
		grids[l] = ul.BoxList(c.BlockingFactorAt(l))
		grids[l].Sort()
		if len(grids[l]) == 0 {
			newFinest = l - 1
			break
		}
		crse = grids[l]
	}

	for l := lbase + 1; l <= newFinest; l++ {
		ba := grids[l]
		dm := DistributionMap(ba, c.NRanks)
		var err error
		if l <= s.FinestLevel {
			err = s.RemakeLevel(ctx, l, t, ba, dm)
		} else {
			err = s.MakeNewLevelFromCoarse(ctx, l, t, ba, dm)
		}
		if err != nil {
			return err
		}
		s.Layouts.Set(l, ba)
	}
	for l := newFinest + 1; l <= s.FinestLevel; l++ {
		s.ClearLevel(l)
	}
	s.Layouts.Truncate(newFinest)
	if s.FinestLevel != newFinest {
		s.logger(lbase).WithFields(logrus.Fields{
			"from": s.FinestLevel,
			"to":   newFinest,
		}).Info("finest level changed")
	}
	s.FinestLevel = newFinest
	return nil
}

// RemakeLevel replaces level lev with layout ba, filled from the current
// hierarchy at time t. The old state is left undefined.
func (s *Sim) RemakeLevel(ctx context.Context, lev int, t float64, ba BoxArray, dm []int) error {
	cur := s.GridNew[lev]
	nw := NewLevelData(ba, dm, cur.NComp, s.Config.NGhost, t)
	nw.IStep = cur.IStep
	if err := s.Sync.FillPatch(ctx, lev, t, nw); err != nil {
		return err
	}
	old := NewLevelData(ba, dm, cur.NComp, s.Config.NGhost, undefinedTime)
	old.IStep = cur.IStep
	s.GridNew[lev], s.GridOld[lev] = nw, old
	return nil
}

// MakeNewLevelFromCoarse creates level lev with layout ba by interpolating
// level lev-1 at time t.
func (s *Sim) MakeNewLevelFromCoarse(ctx context.Context, lev int, t float64, ba BoxArray, dm []int) error {
	ncomp := len(s.Fields)
	nw := NewLevelData(ba, dm, ncomp, s.Config.NGhost, t)
	if err := s.Sync.FillCoarsePatch(ctx, lev, t, nw); err != nil {
		return err
	}
	s.GridNew[lev] = nw
	s.GridOld[lev] = NewLevelData(ba, dm, ncomp, s.Config.NGhost, undefinedTime)
	return nil
}

// MakeNewLevelFromScratch creates level lev with layout ba from the
// initial state of the physics at time t.
func (s *Sim) MakeNewLevelFromScratch(ctx context.Context, lev int, t float64, ba BoxArray, dm []int) error {
	ncomp := len(s.Fields)
	nw := NewLevelData(ba, dm, ncomp, s.Config.NGhost, t)
	g := s.Geom[lev]
	err := nw.ForEachFab(ctx, func(i int) error {
		return s.Physics.InitialState(lev, t, g, nw.Fabs[i])
	})
	if err != nil {
		return err
	}
	s.GridNew[lev] = nw
	s.GridOld[lev] = NewLevelData(ba, dm, ncomp, s.Config.NGhost, undefinedTime)
	return s.Sync.FillPatch(ctx, lev, t, nw)
}

// ClearLevel removes all data of level lev.
func (s *Sim) ClearLevel(lev int) {
	s.GridNew[lev].Clear()
	s.GridOld[lev].Clear()
	s.GridNew[lev].IStep = 0
	s.GridOld[lev].IStep = 0
}

// DetermineBoxLayout returns the level 0 boxes of c and their owning
// ranks when run on nranks ranks.
func DetermineBoxLayout(c *Config, nranks int) (BoxArray, []int) {
	ba := ChopGrids(CubeBox(c.CoarseLevelGridSize), c.MaxGridSize, c.BlockingFactorAt(0), nranks)
	return ba, DistributionMap(ba, nranks)
}

// InitFromScratch builds the hierarchy at time t from the initial state of
// the physics. With a shadow hierarchy only level 0 is created, since
// refinement depends on truncation errors that do not exist yet.
func (s *Sim) InitFromScratch(ctx context.Context, t float64) error {
	c := s.Config
	for l := 0; l <= c.MaxLevel; l++ {
		s.ClearLevel(l)
	}
	s.Layouts.Clear()

	ba, dm := DetermineBoxLayout(c, c.NRanks)
	if err := s.MakeNewLevelFromScratch(ctx, 0, t, ba, dm); err != nil {
		return err
	}
	s.FinestLevel = 0
	s.Layouts.Set(0, ba)
	s.logger(0).WithField("boxes", len(ba)).Info("created coarse level")
	if s.shadow() {
		return nil
	}

	for lev := 0; lev < c.MaxLevel; lev++ {
		if !s.LevelShouldExist(lev+1, t) {
			break
		}
		ul, err := s.tagBlocks(ctx, lev, t)
		if err != nil {
			return err
		}
		ul = s.trimToNesting(ul, lev+1, s.GridNew[lev].Boxes)
		fine := ul.BoxList(c.BlockingFactorAt(lev + 1))
		if len(fine) == 0 {
			break
		}
		fine.Sort()
		fdm := DistributionMap(fine, c.NRanks)
		if err := s.MakeNewLevelFromScratch(ctx, lev+1, t, fine, fdm); err != nil {
			return err
		}
		s.FinestLevel = lev + 1
		s.Layouts.Set(lev+1, fine)
		s.logger(lev+1).WithField("boxes", len(fine)).Info("created level")
	}
	return nil
}
