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
	"fmt"
	"sort"
)

// IntVect is a cell index in three dimensions.
type IntVect [3]int

// Add returns v+o.
func (v IntVect) Add(o IntVect) IntVect {
	return IntVect{v[0] + o[0], v[1] + o[1], v[2] + o[2]}
}

// Scale returns v*s.
func (v IntVect) Scale(s int) IntVect {
	return IntVect{v[0] * s, v[1] * s, v[2] * s}
}

// Box is a rectangular region of index space. Both corners are inclusive.
type Box struct {
	Lo, Hi IntVect
}

// NewBox returns the box spanning lo to hi, inclusive.
func NewBox(lo, hi IntVect) Box { return Box{Lo: lo, Hi: hi} }

// CubeBox returns the box covering [0,n)^3.
func CubeBox(n int) Box {
	return Box{Hi: IntVect{n - 1, n - 1, n - 1}}
}

func (b Box) String() string {
	return fmt.Sprintf("((%d,%d,%d) (%d,%d,%d))",
		b.Lo[0], b.Lo[1], b.Lo[2], b.Hi[0], b.Hi[1], b.Hi[2])
}

// Length returns the number of cells along dimension d.
func (b Box) Length(d int) int { return b.Hi[d] - b.Lo[d] + 1 }

// Empty reports whether b contains no cells.
func (b Box) Empty() bool {
	return b.Hi[0] < b.Lo[0] || b.Hi[1] < b.Lo[1] || b.Hi[2] < b.Lo[2]
}

// NumPts returns the number of cells in b.
func (b Box) NumPts() int {
	if b.Empty() {
		return 0
	}
	return b.Length(0) * b.Length(1) * b.Length(2)
}

// Contains reports whether cell v is inside b.
func (b Box) Contains(v IntVect) bool {
	for d := 0; d < 3; d++ {
		if v[d] < b.Lo[d] || v[d] > b.Hi[d] {
			return false
		}
	}
	return true
}

// ContainsBox reports whether o lies entirely within b.
func (b Box) ContainsBox(o Box) bool {
	return b.Contains(o.Lo) && b.Contains(o.Hi)
}

// Intersect returns the overlap of b and o, which may be empty.
func (b Box) Intersect(o Box) Box {
	var r Box
	for d := 0; d < 3; d++ {
		r.Lo[d] = maxInt(b.Lo[d], o.Lo[d])
		r.Hi[d] = minInt(b.Hi[d], o.Hi[d])
	}
	return r
}

// Intersects reports whether b and o share at least one cell.
func (b Box) Intersects(o Box) bool { return !b.Intersect(o).Empty() }

// Grow returns b extended by n cells on every side.
func (b Box) Grow(n int) Box {
	return Box{
		Lo: IntVect{b.Lo[0] - n, b.Lo[1] - n, b.Lo[2] - n},
		Hi: IntVect{b.Hi[0] + n, b.Hi[1] + n, b.Hi[2] + n},
	}
}

// Shift returns b translated by s.
func (b Box) Shift(s IntVect) Box {
	return Box{Lo: b.Lo.Add(s), Hi: b.Hi.Add(s)}
}

// Coarsen returns the smallest box at ratio r coarser resolution that
// covers b.
func (b Box) Coarsen(r int) Box {
	var o Box
	for d := 0; d < 3; d++ {
		o.Lo[d] = floorDiv(b.Lo[d], r)
		o.Hi[d] = floorDiv(b.Hi[d], r)
	}
	return o
}

// Refine returns the box covering b at ratio r finer resolution.
func (b Box) Refine(r int) Box {
	var o Box
	for d := 0; d < 3; d++ {
		o.Lo[d] = b.Lo[d] * r
		o.Hi[d] = (b.Hi[d]+1)*r - 1
	}
	return o
}

// Aligned reports whether both corners of b fall on multiples of bf.
func (b Box) Aligned(bf int) bool {
	for d := 0; d < 3; d++ {
		if b.Lo[d]%bf != 0 || (b.Hi[d]+1)%bf != 0 {
			return false
		}
	}
	return true
}

// PeriodicShifts returns the translations by multiples of n in {-n, 0, n}
// along each axis, starting with the zero shift.
func PeriodicShifts(n int) []IntVect {
	o := []IntVect{{0, 0, 0}}
	for i := -1; i <= 1; i++ {
		for j := -1; j <= 1; j++ {
			for k := -1; k <= 1; k++ {
				if i == 0 && j == 0 && k == 0 {
					continue
				}
				o = append(o, IntVect{i * n, j * n, k * n})
			}
		}
	}
	return o
}

// WrapIndex maps i onto [0,n).
func WrapIndex(i, n int) int {
	i %= n
	if i < 0 {
		i += n
	}
	return i
}

// BoxArray is a list of boxes on one level.
type BoxArray []Box

// NumPts returns the total number of cells in ba.
func (ba BoxArray) NumPts() int {
	n := 0
	for _, b := range ba {
		n += b.NumPts()
	}
	return n
}

// Contains reports whether any box in ba contains v.
func (ba BoxArray) Contains(v IntVect) bool {
	for _, b := range ba {
		if b.Contains(v) {
			return true
		}
	}
	return false
}

// ContainsPeriodic reports whether v, wrapped onto [0,n)^3, is in ba.
func (ba BoxArray) ContainsPeriodic(v IntVect, n int) bool {
	return ba.Contains(IntVect{WrapIndex(v[0], n), WrapIndex(v[1], n), WrapIndex(v[2], n)})
}

// Intersects reports whether b overlaps any box in ba.
func (ba BoxArray) Intersects(b Box) bool {
	for _, o := range ba {
		if o.Intersects(b) {
			return true
		}
	}
	return false
}

// Coarsen returns a copy of ba coarsened by r.
func (ba BoxArray) Coarsen(r int) BoxArray {
	o := make(BoxArray, len(ba))
	for i, b := range ba {
		o[i] = b.Coarsen(r)
	}
	return o
}

// Refine returns a copy of ba refined by r.
func (ba BoxArray) Refine(r int) BoxArray {
	o := make(BoxArray, len(ba))
	for i, b := range ba {
		o[i] = b.Refine(r)
	}
	return o
}

// Grow returns a copy of ba with every box grown by n.
func (ba BoxArray) Grow(n int) BoxArray {
	o := make(BoxArray, len(ba))
	for i, b := range ba {
		o[i] = b.Grow(n)
	}
	return o
}

// Equal reports whether ba and o hold the same boxes in the same order.
func (ba BoxArray) Equal(o BoxArray) bool {
	if len(ba) != len(o) {
		return false
	}
	for i := range ba {
		if ba[i] != o[i] {
			return false
		}
	}
	return true
}

// Wrap folds boxes that extend past the periodic domain [0,n)^3 back into
// it, splitting them where necessary.
func (ba BoxArray) Wrap(n int) BoxArray {
	var o BoxArray
	for _, b := range ba {
		for i := -1; i <= 1; i++ {
			for j := -1; j <= 1; j++ {
				for k := -1; k <= 1; k++ {
					img := Box{
						Lo: IntVect{i * n, j * n, k * n},
						Hi: IntVect{(i+1)*n - 1, (j+1)*n - 1, (k+1)*n - 1},
					}
					x := b.Intersect(img)
					if x.Empty() {
						continue
					}
					o = append(o, x.Shift(IntVect{-i * n, -j * n, -k * n}))
				}
			}
		}
	}
	return o
}

// Overlaps returns the index pairs of boxes in ba that overlap.
func (ba BoxArray) Overlaps() [][2]int {
	var o [][2]int
	for i := range ba {
		for j := i + 1; j < len(ba); j++ {
			if ba[i].Intersects(ba[j]) {
				o = append(o, [2]int{i, j})
			}
		}
	}
	return o
}

// Cells returns the set of cells covered by ba.
func (ba BoxArray) Cells() map[IntVect]struct{} {
	o := make(map[IntVect]struct{}, ba.NumPts())
	for _, b := range ba {
		forEachCell(b, func(i, j, k int) {
			o[IntVect{i, j, k}] = struct{}{}
		})
	}
	return o
}

// Sort orders ba by lower corner, k fastest.
func (ba BoxArray) Sort() {
	sort.Slice(ba, func(a, b int) bool {
		x, y := ba[a].Lo, ba[b].Lo
		for d := 0; d < 3; d++ {
			if x[d] != y[d] {
				return x[d] < y[d]
			}
		}
		return false
	})
}

// ChopGrids splits domain into boxes no longer than maxGridSize along any
// axis, then keeps halving the largest box until there are at least
// nranks boxes or no box can be split without dropping below
// blockingFactor.
func ChopGrids(domain Box, maxGridSize, blockingFactor, nranks int) BoxArray {
	ba := BoxArray{domain}
	for d := 0; d < 3; d++ {
		var next BoxArray
		for _, b := range ba {
			for lo := b.Lo[d]; lo <= b.Hi[d]; lo += maxGridSize {
				nb := b
				nb.Lo[d] = lo
				nb.Hi[d] = minInt(lo+maxGridSize-1, b.Hi[d])
				next = append(next, nb)
			}
		}
		ba = next
	}
	for len(ba) < nranks {
		best, bestDim, bestLen := -1, 0, 0
		for i, b := range ba {
			for d := 0; d < 3; d++ {
				if l := b.Length(d); l > bestLen && l >= 2*blockingFactor {
					best, bestDim, bestLen = i, d, l
				}
			}
		}
		if best < 0 {
			break
		}
		b := ba[best]
		half := (bestLen / 2 / blockingFactor) * blockingFactor
		left, right := b, b
		left.Hi[bestDim] = b.Lo[bestDim] + half - 1
		right.Lo[bestDim] = b.Lo[bestDim] + half
		ba[best] = left
		ba = append(ba, right)
	}
	ba.Sort()
	return ba
}

// DistributionMap assigns each box to a rank, placing larger boxes first
// onto the least loaded rank.
func DistributionMap(ba BoxArray, nranks int) []int {
	idx := make([]int, len(ba))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return ba[idx[a]].NumPts() > ba[idx[b]].NumPts()
	})
	load := make([]int, nranks)
	dm := make([]int, len(ba))
	for _, i := range idx {
		r := 0
		for q := 1; q < nranks; q++ {
			if load[q] < load[r] {
				r = q
			}
		}
		dm[i] = r
		load[r] += ba[i].NumPts()
	}
	return dm
}

// ForEach calls f for every cell of b in i, j, k order.
func (b Box) ForEach(f func(i, j, k int)) { forEachCell(b, f) }

func forEachCell(b Box, f func(i, j, k int)) {
	for i := b.Lo[0]; i <= b.Hi[0]; i++ {
		for j := b.Lo[1]; j <= b.Hi[1]; j++ {
			for k := b.Lo[2]; k <= b.Hi[2]; k++ {
				f(i, j, k)
			}
		}
	}
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
