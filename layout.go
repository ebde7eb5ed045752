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
	"sort"
	"sync"
)

// UniqueLayout is the set of blocks a rank wants to add to one level.
// Blocks are indexed in units of the blocking factor. Planes of constant
// i are owned by ranks in contiguous chunks; after Distribute every rank
// holds exactly the blocks in the planes it owns.
type UniqueLayout struct {
	Rank, NRanks int
	N            int // blocks per side

	p     []map[[2]int]struct{} // plane i -> {j,k}
	owner [][]int               // planes owned by each rank
}

// NewUniqueLayout returns an empty layout for a level with n blocks per
// side.
func NewUniqueLayout(rank, nranks, n int) *UniqueLayout {
	u := &UniqueLayout{Rank: rank, NRanks: nranks, N: n}
	u.p = make([]map[[2]int]struct{}, n)
	for i := range u.p {
		u.p[i] = make(map[[2]int]struct{})
	}
	npn := 0
	if nranks <= n {
		npn = n / nranks
	}
	u.owner = make([][]int, nranks)
	for op := 0; op < nranks; op++ {
		if npn == 0 {
			if op < n {
				u.owner[op] = []int{op}
			}
			continue
		}
		for cp := 0; cp < npn; cp++ {
			u.owner[op] = append(u.owner[op], cp+npn*op)
		}
	}
	return u
}

// Add adds block (i,j,k).
func (u *UniqueLayout) Add(i, j, k int) { u.p[i][[2]int{j, k}] = struct{}{} }

// Contains reports whether block (i,j,k) is in u.
func (u *UniqueLayout) Contains(i, j, k int) bool {
	_, ok := u.p[i][[2]int{j, k}]
	return ok
}

// Merge adds all blocks of o to u.
func (u *UniqueLayout) Merge(o *UniqueLayout) {
	for i, pl := range o.p {
		for jk := range pl {
			u.p[i][jk] = struct{}{}
		}
	}
}

// Owns reports whether this rank owns plane i.
func (u *UniqueLayout) Owns(i int) bool {
	for _, cp := range u.owner[u.Rank] {
		if cp == i {
			return true
		}
	}
	return false
}

type layoutMsg struct {
	Planes map[int][][2]int
}

// Distribute sends every block to the rank owning its plane, following
// CommSchedule, and drops the blocks this rank does not own. All ranks
// must call it concurrently.
func (u *UniqueLayout) Distribute(ctx context.Context, tr Transport) error {
	sched := CommSchedule(u.NRanks)
	for c := 1; c < u.NRanks; c++ {
		op := sched[u.Rank][c]
		msg := layoutMsg{Planes: make(map[int][][2]int)}
		for _, cp := range u.owner[op] {
			for jk := range u.p[cp] {
				msg.Planes[cp] = append(msg.Planes[cp], jk)
			}
		}
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
			return fmt.Errorf("hamr: encoding layout: %v", err)
		}
		in, err := exchange(ctx, tr, u.Rank, op, TagLayout, buf.Bytes())
		if err != nil {
			return err
		}
		var recv layoutMsg
		if err := gob.NewDecoder(bytes.NewReader(in)).Decode(&recv); err != nil {
			return fmt.Errorf("hamr: decoding layout from rank %d: %v", op, err)
		}
		for cp, jks := range recv.Planes {
			if !u.Owns(cp) {
				return fatalf("UniqueLayout", -1, u.Rank, "received plane %d owned by another rank", cp)
			}
			for _, jk := range jks {
				u.p[cp][jk] = struct{}{}
			}
		}
	}
	for cp := range u.p {
		if !u.Owns(cp) {
			u.p[cp] = make(map[[2]int]struct{})
		}
	}
	return nil
}

// Blocks returns the blocks in the planes this rank owns.
func (u *UniqueLayout) Blocks() []IntVect {
	var o []IntVect
	for _, i := range u.owner[u.Rank] {
		for jk := range u.p[i] {
			o = append(o, IntVect{i, jk[0], jk[1]})
		}
	}
	return o
}

// Size returns the number of blocks in the planes this rank owns.
func (u *UniqueLayout) Size() int {
	n := 0
	for _, cp := range u.owner[u.Rank] {
		n += len(u.p[cp])
	}
	return n
}

// SizeAll returns the number of blocks in all planes.
func (u *UniqueLayout) SizeAll() int {
	n := 0
	for _, pl := range u.p {
		n += len(pl)
	}
	return n
}

// Clear removes all blocks.
func (u *UniqueLayout) Clear() {
	for i := range u.p {
		u.p[i] = make(map[[2]int]struct{})
	}
}

// BoxList returns the blocks of the planes this rank owns as boxes of
// cells, merging runs of consecutive k.
func (u *UniqueLayout) BoxList(bf int) BoxArray {
	var ba BoxArray
	for _, i := range u.owner[u.Rank] {
		jks := make([][2]int, 0, len(u.p[i]))
		for jk := range u.p[i] {
			jks = append(jks, jk)
		}
		sort.Slice(jks, func(a, b int) bool {
			if jks[a][0] != jks[b][0] {
				return jks[a][0] < jks[b][0]
			}
			return jks[a][1] < jks[b][1]
		})
		for s := 0; s < len(jks); {
			e := s
			for e+1 < len(jks) && jks[e+1][0] == jks[s][0] && jks[e+1][1] == jks[e][1]+1 {
				e++
			}
			lo := IntVect{i, jks[s][0], jks[s][1]}
			hi := IntVect{i + 1, jks[s][0] + 1, jks[e][1] + 1}
			ba = append(ba, Box{Lo: lo.Scale(bf), Hi: hi.Scale(bf).Add(IntVect{-1, -1, -1})})
			s = e + 1
		}
	}
	return ba
}

// LayoutTracker holds the authoritative box layout of every level.
type LayoutTracker struct {
	mu     sync.RWMutex
	levels []BoxArray
}

// NewLayoutTracker returns an empty tracker.
func NewLayoutTracker() *LayoutTracker { return &LayoutTracker{} }

// Set replaces the layout of level lev.
func (lt *LayoutTracker) Set(lev int, ba BoxArray) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	for len(lt.levels) <= lev {
		lt.levels = append(lt.levels, nil)
	}
	lt.levels[lev] = append(BoxArray(nil), ba...)
}

// Boxes returns a copy of the layout of level lev.
func (lt *LayoutTracker) Boxes(lev int) BoxArray {
	lt.mu.RLock()
	defer lt.mu.RUnlock()
	if lev < 0 || lev >= len(lt.levels) {
		return nil
	}
	return append(BoxArray(nil), lt.levels[lev]...)
}

// Contains reports whether cell iv of level lev is covered.
func (lt *LayoutTracker) Contains(lev int, iv IntVect) bool {
	lt.mu.RLock()
	defer lt.mu.RUnlock()
	return lev >= 0 && lev < len(lt.levels) && lt.levels[lev].Contains(iv)
}

// Incorporate adds boxes to level lev. It fails without changing the
// layout if any box overlaps another one.
func (lt *LayoutTracker) Incorporate(lev int, boxes BoxArray) error {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	for len(lt.levels) <= lev {
		lt.levels = append(lt.levels, nil)
	}
	all := append(append(BoxArray(nil), lt.levels[lev]...), boxes...)
	if ov := all.Overlaps(); len(ov) > 0 {
		return fmt.Errorf("hamr: level %d: box %v overlaps box %v", lev, all[ov[0][0]], all[ov[0][1]])
	}
	lt.levels[lev] = all
	return nil
}

// Truncate drops all levels above finest.
func (lt *LayoutTracker) Truncate(finest int) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if len(lt.levels) > finest+1 {
		lt.levels = lt.levels[:finest+1]
	}
}

// Clear drops all layouts.
func (lt *LayoutTracker) Clear() {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.levels = nil
}

// Validate checks that the boxes of level lev do not overlap and cover
// exactly the cells of expected.
func (lt *LayoutTracker) Validate(lev int, expected BoxArray) error {
	ba := lt.Boxes(lev)
	if ov := ba.Overlaps(); len(ov) > 0 {
		return fmt.Errorf("hamr: level %d: box %v overlaps box %v", lev, ba[ov[0][0]], ba[ov[0][1]])
	}
	have, want := ba.Cells(), expected.Cells()
	if len(have) != len(want) {
		return fmt.Errorf("hamr: level %d covers %d cells, expected %d", lev, len(have), len(want))
	}
	for c := range want {
		if _, ok := have[c]; !ok {
			return fmt.Errorf("hamr: level %d does not cover cell %v", lev, c)
		}
	}
	return nil
}

// nestingFootprint returns the cells of level lev-1 that must be covered
// for the boxes of ba on level lev to be properly nested.
func nestingFootprint(ba BoxArray, nghost, crseDimN int) BoxArray {
	return ba.Grow(nghost + 4).Coarsen(2).Wrap(crseDimN)
}

// properlyNested returns an error if fine, a level with the given ghost
// width, is not properly nested in crse.
func properlyNested(fine, crse BoxArray, nghost, crseDimN int) error {
	for _, b := range nestingFootprint(fine, nghost, crseDimN) {
		var bad *IntVect
		forEachCell(b, func(i, j, k int) {
			if bad == nil && !crse.Contains(IntVect{i, j, k}) {
				bad = &IntVect{i, j, k}
			}
		})
		if bad != nil {
			return fmt.Errorf("hamr: coarse cell %v is needed for nesting but not covered", *bad)
		}
	}
	return nil
}
