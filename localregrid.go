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
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// vetoResult is the course of action after a local regrid was vetoed.
type vetoResult int

const (
	doGlobalRegrid vetoResult = iota
	doNoRegrid
	doLocalRegrid
)

// LocalRegrid grows the existing refined levels by whole blocks where
// tagged cells come too close to a coarse/fine boundary, instead of
// rebuilding the hierarchy from scratch.
type LocalRegrid struct {
	sim *Sim

	// DoGlobalRegrid requests a global regrid the next time a level is
	// regridded.
	DoGlobalRegrid []bool

	// CommMatrix is the transfer volume of the last local regrid.
	CommMatrix CommMatrix

	noLocalRegrid []bool
	nregrids      int
	lastNumPts    []int
	vetoLevel     int
	postponed     bool

	layouts     [][]*UniqueLayout // [level][rank]
	minDistance []float64
	latest      []float64
}

// NewLocalRegrid returns the local regrid module of s.
func NewLocalRegrid(s *Sim) *LocalRegrid {
	return &LocalRegrid{
		sim:            s,
		DoGlobalRegrid: make([]bool, s.Config.MaxLevel+1),
		noLocalRegrid:  make([]bool, s.Config.MaxLevel+1),
		vetoLevel:      -1,
	}
}

// AttemptRegrid tries to regrid levels lev+1 and finer locally. It
// returns true if nothing else needs to be done, either because the
// levels were grown or because the regrid can safely wait. False means
// a global regrid is needed.
func (r *LocalRegrid) AttemptRegrid(ctx context.Context, lev int) (bool, error) {
	defer func() { r.layouts = nil }()
	r.postponed = false
	if !r.prechecks(lev) {
		return false, nil
	}
	s := r.sim
	log := s.logger(lev)
	log.WithField("from_level", lev+1).Info("attempting local regrid")

	if v, ok := s.Physics.(Vetoer); ok && v.VetoRegrid(lev, s.GridNew[lev].T) {
		r.postponed = true
		return true, nil
	}
	r.initialize()
	if err := r.determineAllBoxArrays(ctx, lev); err != nil {
		return false, err
	}
	if err := r.fixAllNesting(ctx); err != nil {
		return false, err
	}
	boxes := r.joinAll()

	if r.checkForVeto(lev, boxes) {
		switch r.dealWithVeto(lev) {
		case doGlobalRegrid:
			return false, nil
		case doNoRegrid:
			return true, nil
		}
	}
	return r.addAllBoxes(ctx, boxes)
}

// prechecks reports whether a local regrid should be attempted at all.
func (r *LocalRegrid) prechecks(lev int) bool {
	s := r.sim
	c := s.Config
	log := s.logger(lev)
	if r.nregrids >= c.MaxLocalRegrids {
		r.nregrids++
		if c.MaxLocalRegrids > 0 {
			log.WithField("max", c.MaxLocalRegrids).Info("maximum number of local regrids reached")
		}
		return false
	}
	r.nregrids++

	if c.VolumeThresholdWeak <= 1 {
		log.Debug("local regrid disabled")
		r.vetoLevel = lev - 1
		return false
	}
	r.vetoLevel = -1

	if r.DoGlobalRegrid[lev] {
		log.Info("skipping local regrid in favour of a global regrid")
		return false
	}
	if lev == s.FinestLevel {
		log.Debug("skipping local regrid; the level to regrid does not exist yet")
		return false
	}
	if c.ForceGlobalRegridAtRestart {
		log.Info("skipping local regrid after a restart")
		if lev == 0 {
			c.ForceGlobalRegridAtRestart = false
		}
		return false
	}
	return true
}

// initialize records the reference volume of levels seen for the first
// time and sets up empty layouts.
func (r *LocalRegrid) initialize() {
	s := r.sim
	for len(r.lastNumPts) <= s.FinestLevel {
		r.lastNumPts = append(r.lastNumPts, s.GridNew[len(r.lastNumPts)].NumPts())
	}
	n := s.Config.NRanks
	r.layouts = make([][]*UniqueLayout, s.FinestLevel+1)
	for l := 1; l <= s.FinestLevel; l++ {
		np := s.dimN(l) / s.Config.BlockingFactorAt(l)
		r.layouts[l] = make([]*UniqueLayout, n)
		for rank := range r.layouts[l] {
			r.layouts[l][rank] = NewUniqueLayout(rank, n, np)
		}
	}
}

// DidGlobalRegrid resets the bookkeeping after a global regrid of levels
// lev+1 and finer.
func (r *LocalRegrid) DidGlobalRegrid(lev int) {
	s := r.sim
	for l := range r.noLocalRegrid {
		r.noLocalRegrid[l] = false
		r.DoGlobalRegrid[l] = false
	}
	r.nregrids = 0
	s.Scheduler.ClearDeadline()
	for l := lev + 1; l < len(r.lastNumPts); l++ {
		if l <= s.FinestLevel {
			r.lastNumPts[l] = s.GridNew[l].NumPts()
		} else {
			r.lastNumPts[l] = 0
		}
		s.GridOld[l].ContainsTruncationErrors = false
	}
}

// takePostponed reports and resets whether the last attempt was
// postponed by the physics.
func (r *LocalRegrid) takePostponed() bool {
	p := r.postponed
	r.postponed = false
	return p
}

// dropCoarsest forgets level 0 after the coarse level has been refined.
func (r *LocalRegrid) dropCoarsest() {
	r.DoGlobalRegrid = r.DoGlobalRegrid[1:]
	r.noLocalRegrid = r.noLocalRegrid[1:]
	if len(r.lastNumPts) > 0 {
		r.lastNumPts = r.lastNumPts[1:]
	}
}

// forRanks runs f concurrently for every rank.
func (r *LocalRegrid) forRanks(ctx context.Context, f func(ctx context.Context, rank int) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for rank := 0; rank < r.sim.Config.NRanks; rank++ {
		rank := rank
		g.Go(func() error { return f(ctx, rank) })
	}
	return g.Wait()
}

// finalizeLayout distributes the blocks requested for level lev to the
// ranks owning them.
func (r *LocalRegrid) finalizeLayout(ctx context.Context, lev int) error {
	return r.forRanks(ctx, func(ctx context.Context, rank int) error {
		return r.layouts[lev][rank].Distribute(ctx, r.sim.Transport)
	})
}

// determineAllBoxArrays tags every level from lev up and collects the
// blocks each finer level needs. Nesting may still be violated.
func (r *LocalRegrid) determineAllBoxArrays(ctx context.Context, lev int) error {
	s := r.sim
	r.minDistance = make([]float64, s.FinestLevel+1)
	for l := range r.minDistance {
		r.minDistance[l] = -1
	}
	for l := lev; l < s.FinestLevel && !r.noLocalRegrid[l]; l++ {
		d, err := r.determineNewBoxArray(ctx, l)
		if err != nil {
			return err
		}
		r.minDistance[l+1] = d
	}
	return nil
}

// borderMap marks the fine blocks around a coarse box that are not yet
// refined. Blocks are addressed by padded index p, where block p-1 (wrapped)
// is the block holding fine cells [bf*(p-1), bf*p).
type borderMap struct {
	c0, c1 IntVect
	n      int // blocks per side
	set    []bool
}

func (m *borderMap) idx(p IntVect) int {
	xs := m.c1[0] - m.c0[0] + 3
	ys := m.c1[1] - m.c0[1] + 3
	zs := m.c1[2] - m.c0[2] + 3
	i, j, k := p[0]-m.c0[0]+1, p[1]-m.c0[1]+1, p[2]-m.c0[2]+1
	if i < 0 || j < 0 || k < 0 || i >= xs || j >= ys || k >= zs {
		return -1
	}
	return (i*ys+j)*zs + k
}

// block returns the wrapped block index of padded index p.
func (m *borderMap) block(p IntVect) IntVect {
	return IntVect{WrapIndex(p[0]-1, m.n), WrapIndex(p[1]-1, m.n), WrapIndex(p[2]-1, m.n)}
}

// newBorderMap builds the border map of coarse box b, whose fine blocks
// have size bf, against the fine layout fine.
func newBorderMap(b Box, bf, n int, fine BoxArray) (*borderMap, int) {
	m := &borderMap{n: n}
	for d := 0; d < 3; d++ {
		m.c0[d] = b.Lo[d]*2/bf + 1
		m.c1[d] = b.Hi[d]*2/bf + 1
	}
	m.set = make([]bool, (m.c1[0]-m.c0[0]+3)*(m.c1[1]-m.c0[1]+3)*(m.c1[2]-m.c0[2]+3))
	remaining := 0
	pad := Box{Lo: m.c0.Add(IntVect{-1, -1, -1}), Hi: m.c1.Add(IntVect{1, 1, 1})}
	forEachCell(pad, func(i, j, k int) {
		p := IntVect{i, j, k}
		centre := m.block(p).Scale(bf).Add(IntVect{bf / 2, bf / 2, bf / 2})
		if !fine.Contains(centre) {
			m.set[m.idx(p)] = true
			remaining++
		}
	})
	return m, remaining
}

// checkBorders measures the distance of tagged coarse cell ci to every
// unrefined fine block next to it and adds the blocks that are closer
// than threshold (squared, in fine cells) to ul.
func (m *borderMap) checkBorders(ci IntVect, bf, threshold int, remaining *int, loc *Location, ul *UniqueLayout) {
	fi := ci.Scale(2)
	var cfi IntVect
	for d := 0; d < 3; d++ {
		cfi[d] = fi[d]/bf + 1
	}
	for ii := -1; ii <= 1; ii++ {
		for jj := -1; jj <= 1; jj++ {
			for kk := -1; kk <= 1; kk++ {
				p := cfi.Add(IntVect{ii, jj, kk})
				x := m.idx(p)
				if x < 0 || !m.set[x] {
					continue
				}
				dsq := 0
				for d := 0; d < 3; d++ {
					smt, bgt := bf*(p[d]-1), bf*p[d]-1
					if smt < fi[d] && fi[d] < bgt {
						continue
					}
					a, b := fi[d]-smt, fi[d]-bgt
					dsq += minInt(a*a, b*b)
				}
				loc.SelectClosest(ci, dsq)
				if dsq < threshold {
					m.set[x] = false
					*remaining--
					blk := m.block(p)
					ul.Add(blk[0], blk[1], blk[2])
				}
			}
		}
	}
}

// determineNewBoxArray tags level lev and adds the blocks of level lev+1
// that tagged cells are too close to. It returns the shortest distance
// between a tagged cell and an unrefined block, or -1 if nothing was
// tagged near one.
func (r *LocalRegrid) determineNewBoxArray(ctx context.Context, lev int) (float64, error) {
	s := r.sim
	nbuf := s.Config.NErrorBuf
	threshold := (nbuf + 1) * (nbuf + 1)
	bf := s.Config.BlockingFactorAt(lev + 1)
	n := s.dimN(lev+1) / bf
	fine := s.GridNew[lev+1].Boxes
	state := s.GridNew[lev]
	t := state.T

	locs := make([]Location, s.Config.NRanks)
	s.Monitor.Start(TimerTagging, lev)
	err := r.forRanks(ctx, func(ctx context.Context, rank int) error {
		locs[rank] = NewLocation()
		for _, bi := range state.Owned(rank) {
			if err := ctx.Err(); err != nil {
				return err
			}
			m, remaining := newBorderMap(state.Boxes[bi], bf, n, fine)
			if remaining == 0 {
				continue
			}
			tags, err := s.tagBox(lev, bi, t)
			if err != nil {
				return err
			}
			for _, ci := range tags {
				m.checkBorders(ci, bf, threshold, &remaining, &locs[rank], r.layouts[lev+1][rank])
			}
		}
		return nil
	})
	s.Monitor.Stop(TimerTagging, lev)
	if err != nil {
		return -1, err
	}
	if err := r.finalizeLayout(ctx, lev+1); err != nil {
		return -1, err
	}

	closest := NewLocation()
	for _, l := range locs {
		closest.Merge(l)
	}
	log := s.logger(lev)
	if closest.Found() {
		log.WithFields(logrus.Fields{
			"distance": closest.Distance(),
			"cell":     closest.Cell,
		}).Debug("shortest distance to coarse/fine boundary")
	}
	return closest.Distance(), nil
}

// fixAllNesting adds coarse blocks wherever new fine blocks would not be
// properly nested.
func (r *LocalRegrid) fixAllNesting(ctx context.Context) error {
	for l := r.sim.FinestLevel; l > 1; l-- {
		if err := r.fixNesting(ctx, l); err != nil {
			return err
		}
	}
	return nil
}

// fixNesting makes sure the blocks added to level lev will be nested in
// level lev-1.
func (r *LocalRegrid) fixNesting(ctx context.Context, lev int) error {
	s := r.sim
	bf := s.Config.BlockingFactorAt(lev)
	bfc := s.Config.BlockingFactorAt(lev - 1)
	nc := s.dimN(lev - 1)
	existing := s.GridNew[lev-1].Boxes
	err := r.forRanks(ctx, func(ctx context.Context, rank int) error {
		crse := r.layouts[lev-1][rank]
		add := NewUniqueLayout(rank, crse.NRanks, crse.N)
		for _, b := range nestingFootprint(r.layouts[lev][rank].BoxList(bf), s.Config.NGhost, nc) {
			var lo, hi IntVect
			for d := 0; d < 3; d++ {
				lo[d], hi[d] = floorDiv(b.Lo[d], bfc), floorDiv(b.Hi[d], bfc)
			}
			forEachCell(Box{Lo: lo, Hi: hi}, func(i, j, k int) {
				blk := IntVect{WrapIndex(i, crse.N), WrapIndex(j, crse.N), WrapIndex(k, crse.N)}
				centre := blk.Scale(bfc).Add(IntVect{bfc / 2, bfc / 2, bfc / 2})
				if !existing.Contains(centre) {
					add.Add(blk[0], blk[1], blk[2])
				}
			})
		}
		crse.Merge(add)
		return nil
	})
	if err != nil {
		return err
	}
	return r.finalizeLayout(ctx, lev-1)
}

// joinAll gathers the blocks of all ranks into one box array per level.
func (r *LocalRegrid) joinAll() []BoxArray {
	s := r.sim
	boxes := make([]BoxArray, s.FinestLevel+1)
	for l := 1; l <= s.FinestLevel; l++ {
		bf := s.Config.BlockingFactorAt(l)
		for _, ul := range r.layouts[l] {
			boxes[l] = append(boxes[l], ul.BoxList(bf)...)
		}
		boxes[l].Sort()
	}
	return boxes
}

// checkThresholds reports whether adding ba to level lev grows the level
// too much since the last global regrid.
func (r *LocalRegrid) checkThresholds(lev int, ba BoxArray) bool {
	c := r.sim.Config
	nb := float64(ba.NumPts())
	nc := float64(r.sim.GridNew[lev].NumPts())
	nr := float64(r.lastNumPts[lev])
	if nr == 0 {
		nr = nc
	}
	fV := (nb + nc) / nr
	veto := fV > c.VolumeThresholdWeak
	if fV > c.VolumeThresholdStrong && r.vetoLevel == -1 {
		r.vetoLevel = lev - 1
	}
	if len(ba) > 0 {
		r.sim.logger(lev).WithFields(logrus.Fields{
			"boxes":            len(ba),
			"volume_increase":  nb / nc,
			"since_last_total": fV,
		}).Info("additional boxes required")
	}
	return veto
}

// checkForVeto checks the volume thresholds of every level and computes
// the latest time each level above lev can still be regridded.
func (r *LocalRegrid) checkForVeto(lev int, boxes []BoxArray) bool {
	s := r.sim
	r.latest = make([]float64, s.FinestLevel+1)
	veto := false
	for l := 1; l <= s.FinestLevel; l++ {
		if r.checkThresholds(l, boxes[l]) {
			veto = true
		}
		r.latest[l] = math.Inf(-1)
		if l > lev {
			r.latest[l] = s.Scheduler.LatestRegridTime(s.GridNew[l].T, r.minDistance[l], s.Config.NErrorBuf, l)
		}
	}
	return veto
}

// dealWithVeto decides what to do about a vetoed local regrid: a global
// regrid right away, nothing until a global regrid of the veto level
// comes up, or a local regrid now followed by a global one later.
func (r *LocalRegrid) dealWithVeto(lev int) vetoResult {
	s := r.sim
	vl := r.vetoLevel
	log := s.logger(lev).WithField("veto_level", vl)
	if vl >= lev || vl <= 0 {
		log.Info("local regrid vetoed; global regrid now")
		return doGlobalRegrid
	}
	r.DoGlobalRegrid[vl] = true

	nsteps := 2.
	if s.GridNew[vl].IStep%2 == 0 {
		nsteps = 1
	}
	if s.shadow() {
		nsteps = 0
	}
	target := s.GridNew[vl].T + nsteps*s.dt(vl)

	deadline := math.Inf(1)
	for l := lev + 1; l <= s.FinestLevel; l++ {
		if r.latest[l] < target {
			log.WithField("target", target).Info("regrid cannot wait; local regrid followed by global")
			return doLocalRegrid
		}
		deadline = math.Min(deadline, r.latest[l])
	}
	for l := lev; l <= s.FinestLevel; l++ {
		r.noLocalRegrid[l] = true
	}
	s.Scheduler.SetDeadline(deadline)
	log.WithField("target", target).Info("regrid delayed")
	return doNoRegrid
}

// stagedLevel is the new layout of one level before it is committed.
type stagedLevel struct {
	nw, old *LevelData
	added   BoxArray
	dm      []int
}

// ownedAdded returns the added boxes that rank owns.
func (st *stagedLevel) ownedAdded(rank int) BoxArray {
	var ba BoxArray
	for i, b := range st.added {
		if st.dm[i] == rank {
			ba = append(ba, b)
		}
	}
	return ba
}

// addAllBoxes validates the new boxes, fills them with data and adds
// them to their levels. It returns false if the new layout is invalid.
func (r *LocalRegrid) addAllBoxes(ctx context.Context, boxes []BoxArray) (bool, error) {
	s := r.sim
	nranks := s.Config.NRanks
	staged := make([]*stagedLevel, s.FinestLevel+1)
	for l := 0; l <= s.FinestLevel; l++ {
		st := &stagedLevel{nw: s.GridNew[l].shallow(), old: s.GridOld[l].shallow()}
		if l > 0 && len(boxes[l]) > 0 {
			st.added = boxes[l]
			st.dm = DistributionMap(st.added, nranks)
			ncomp, ng := st.nw.NComp, st.nw.NGhost
			nf, of := make([]*Fab, len(st.added)), make([]*Fab, len(st.added))
			for i, b := range st.added {
				nf[i], of[i] = NewFab(b, ncomp, ng), NewFab(b, ncomp, ng)
			}
			st.nw.Append(st.added, st.dm, nf)
			if st.old.Boxes.Equal(s.GridNew[l].Boxes) {
				st.old.Append(st.added, st.dm, of)
			}
		}
		staged[l] = st
	}

	if err := r.validate(staged); err != nil {
		s.logger(-1).WithError(err).Warn("local regrid produced an invalid layout")
		return false, nil
	}

	r.CommMatrix = NewCommMatrix(nranks)
	for l := 1; l <= s.FinestLevel; l++ {
		if len(staged[l].added) == 0 {
			continue
		}
		if err := r.fillNewBoxes(ctx, l, staged[l-1], staged[l]); err != nil {
			return false, err
		}
	}

	for l := 1; l <= s.FinestLevel; l++ {
		st := staged[l]
		if len(st.added) == 0 {
			continue
		}
		st.old.ContainsTruncationErrors = false
		s.GridNew[l], s.GridOld[l] = st.nw, st.old
		if err := s.Layouts.Incorporate(l, st.added); err != nil {
			return false, fatalf("LocalRegrid", l, -1, "%v", err)
		}
		if err := s.Sync.FillPatch(ctx, l, st.nw.T, st.nw); err != nil {
			return false, err
		}
		if !math.IsInf(st.old.T, -1) && st.old.Defined() {
			if err := s.Sync.FillPatch(ctx, l, st.old.T, st.old); err != nil {
				return false, err
			}
		}
		s.logger(l).WithFields(logrus.Fields{
			"added": len(st.added),
			"boxes": len(st.nw.Boxes),
		}).Info("level grown")
	}
	return true, nil
}

// validate checks the staged layout for overlapping boxes, blocking
// factor alignment and proper nesting.
func (r *LocalRegrid) validate(staged []*stagedLevel) error {
	s := r.sim
	for l := 1; l < len(staged); l++ {
		st := staged[l]
		if len(st.added) == 0 {
			continue
		}
		if ov := st.nw.Boxes.Overlaps(); len(ov) > 0 {
			return fmt.Errorf("hamr: level %d: box %v overlaps box %v", l, st.nw.Boxes[ov[0][0]], st.nw.Boxes[ov[0][1]])
		}
		bf := s.Config.BlockingFactorAt(l)
		for _, b := range st.added {
			if !b.Aligned(bf) {
				return fmt.Errorf("hamr: level %d: box %v is not aligned to blocking factor %d", l, b, bf)
			}
		}
		if err := properlyNested(st.nw.Boxes, staged[l-1].nw.Boxes, s.Config.NGhost, s.dimN(l-1)); err != nil {
			return fmt.Errorf("hamr: level %d: %v", l, err)
		}
	}
	return nil
}

// fieldPatch is coarse data sent to the owner of a new fine box.
type fieldPatch struct {
	Dst      int
	Region   Box
	New, Old []float64
}

type fieldMsg struct {
	Patches []fieldPatch
}

// pack returns the values of region r of f, with f's indices shifted by
// s, component by component.
func pack(f *Fab, r Box, s IntVect) []float64 {
	o := make([]float64, 0, r.NumPts()*f.NComp)
	for c := 0; c < f.NComp; c++ {
		forEachCell(r, func(i, j, k int) {
			o = append(o, f.Get(c, i-s[0], j-s[1], k-s[2]))
		})
	}
	return o
}

// unpack is the inverse of pack with a zero shift.
func unpack(f *Fab, r Box, v []float64) {
	n := 0
	for c := 0; c < f.NComp; c++ {
		forEachCell(r, func(i, j, k int) {
			f.Set(v[n], c, i, j, k)
			n++
		})
	}
}

// patchFor cuts the coarse data of transfer tr out of crse, at both time
// levels of the fine level.
func patchFor(tr transfer, crseNew, crseOld *LevelData, fineOldT float64) fieldPatch {
	p := fieldPatch{Dst: tr.Dst, Region: tr.Region}
	p.New = pack(crseNew.Fabs[tr.SrcBox], tr.Region, tr.Shift)
	ts := TimeSlice{New: crseNew, WNew: 1}
	if !math.IsInf(fineOldT, -1) {
		ts = sliceAt(crseNew, crseOld, fineOldT)
	}
	switch {
	case ts.Old == nil:
		p.Old = append([]float64(nil), p.New...)
	case ts.New == nil:
		p.Old = pack(ts.Old.Fabs[tr.SrcBox], tr.Region, tr.Shift)
	default:
		o := pack(ts.Old.Fabs[tr.SrcBox], tr.Region, tr.Shift)
		for i := range o {
			o[i] = ts.WOld*o[i] + ts.WNew*p.New[i]
		}
		p.Old = o
	}
	return p
}

// fillNewBoxes fills the boxes added to level lev by interpolating coarse
// data, which the ranks exchange pairwise over the transport.
func (r *LocalRegrid) fillNewBoxes(ctx context.Context, lev int, crse, fine *stagedLevel) error {
	s := r.sim
	nranks := s.Config.NRanks
	ncomp := fine.nw.NComp
	radius := s.Sync.Interp.radius()
	ts := planTransfers(fine.added, fine.dm, crse.nw.Boxes, crse.nw.DistMap, radius, s.dimN(lev-1))

	sendViews := make([]CommMatrix, nranks)
	recvViews := make([]CommMatrix, nranks)
	for rank := 0; rank < nranks; rank++ {
		sendViews[rank] = commMatrixFor(ts, nranks, rank, ncomp, true)
		recvViews[rank] = receiveView(fine.ownedAdded(rank), nranks, rank, crse.nw.Boxes, crse.nw.DistMap, radius, s.dimN(lev-1), ncomp)
	}
	m := mergeCommMatrices(sendViews, true)
	if mr := mergeCommMatrices(recvViews, false); !m.Equal(mr) {
		return fatalf("LocalRegrid", lev, -1, "send and receive volumes disagree:\n%vvs.\n%v", m, mr)
	}
	for i := range m {
		for j := range m[i] {
			r.CommMatrix[i][j] += m[i][j]
		}
	}

	offset := len(fine.nw.Boxes) - len(fine.added)
	fineOldT := fine.old.T
	sched := CommSchedule(nranks)
	return r.forRanks(ctx, func(ctx context.Context, rank int) error {
		var recv []fieldPatch
		for _, tr := range ts {
			if tr.Src == rank && tr.DstRank == rank {
				recv = append(recv, patchFor(tr, crse.nw, crse.old, fineOldT))
			}
		}
		for c := 1; c < nranks; c++ {
			op := sched[rank][c]
			if m[rank][op] == 0 && m[op][rank] == 0 {
				continue
			}
			var out fieldMsg
			for _, tr := range ts {
				if tr.Src == rank && tr.DstRank == op {
					out.Patches = append(out.Patches, patchFor(tr, crse.nw, crse.old, fineOldT))
				}
			}
			var buf bytes.Buffer
			if err := gob.NewEncoder(&buf).Encode(out); err != nil {
				return fmt.Errorf("hamr: encoding field patches: %v", err)
			}
			b, err := exchange(ctx, s.Transport, rank, op, TagField, buf.Bytes())
			if err != nil {
				return err
			}
			var in fieldMsg
			if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&in); err != nil {
				return fmt.Errorf("hamr: decoding field patches from rank %d: %v", op, err)
			}
			var vol int64
			for _, p := range in.Patches {
				vol += int64(len(p.New) + len(p.Old))
			}
			if vol != m[op][rank] {
				return fatalf("LocalRegrid", lev, rank, "received %d values from rank %d, expected %d", vol, op, m[op][rank])
			}
			recv = append(recv, in.Patches...)
		}

		byDst := make(map[int][]fieldPatch)
		for _, p := range recv {
			byDst[p.Dst] = append(byDst[p.Dst], p)
		}
		for d, b := range fine.added {
			if fine.dm[d] != rank {
				continue
			}
			fp := b.Coarsen(2).Grow(radius)
			cn, co := NewFab(fp, ncomp, 0), NewFab(fp, ncomp, 0)
			for _, p := range byDst[d] {
				unpack(cn, p.Region, p.New)
				unpack(co, p.Region, p.Old)
			}
			interpolate(s.Sync.Interp, cn, fine.nw.Fabs[offset+d], b)
			if len(fine.old.Fabs) == len(fine.nw.Fabs) {
				interpolate(s.Sync.Interp, co, fine.old.Fabs[offset+d], b)
			}
		}
		return nil
	})
}
