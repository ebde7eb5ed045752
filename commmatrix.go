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
	"fmt"
)

// CommMatrix holds the number of values each rank sends to each other
// rank during one regrid: M[src][dst].
type CommMatrix [][]int64

// NewCommMatrix returns an all-zero matrix for n ranks.
func NewCommMatrix(n int) CommMatrix {
	m := make(CommMatrix, n)
	for i := range m {
		m[i] = make([]int64, n)
	}
	return m
}

// Total returns the number of values exchanged between different ranks.
func (m CommMatrix) Total() int64 {
	var t int64
	for s, row := range m {
		for d, v := range row {
			if s != d {
				t += v
			}
		}
	}
	return t
}

// Equal reports whether m and o are identical.
func (m CommMatrix) Equal(o CommMatrix) bool {
	if len(m) != len(o) {
		return false
	}
	for i := range m {
		if len(m[i]) != len(o[i]) {
			return false
		}
		for j := range m[i] {
			if m[i][j] != o[i][j] {
				return false
			}
		}
	}
	return true
}

func (m CommMatrix) String() string {
	var b bytes.Buffer
	for _, row := range m {
		fmt.Fprintln(&b, row)
	}
	return b.String()
}

// transfer is a coarse region that rank Src sends to the owner of new
// fine box Dst.
type transfer struct {
	Src, DstRank int
	Dst          int // index of the new fine box
	Region       Box // coarse cells, possibly outside the periodic domain
	SrcBox       int // index of the coarse source box
	Shift        IntVect
}

// planTransfers lists the coarse regions needed to interpolate each of
// the new fine boxes, which are owned by dm. crse is the layout of the
// coarser level and crseDM its distribution.
func planTransfers(newBoxes BoxArray, dm []int, crse BoxArray, crseDM []int, radius, crseDimN int) []transfer {
	var ts []transfer
	for d, b := range newBoxes {
		fp := b.Coarsen(2).Grow(radius)
		for s, cb := range crse {
			for _, sh := range PeriodicShifts(crseDimN) {
				x := cb.Shift(sh).Intersect(fp)
				if x.Empty() {
					continue
				}
				ts = append(ts, transfer{Src: crseDM[s], DstRank: dm[d], Dst: d, Region: x, SrcBox: s, Shift: sh})
			}
		}
	}
	return ts
}

// commMatrixFor builds the matrix of values exchanged by ts, as seen by
// rank. A sender counts its sends and a receiver its receives. Two time
// levels of ncomp components are sent per cell.
func commMatrixFor(ts []transfer, nranks, rank, ncomp int, asSender bool) CommMatrix {
	m := NewCommMatrix(nranks)
	for _, t := range ts {
		if (asSender && t.Src != rank) || (!asSender && t.DstRank != rank) {
			continue
		}
		m[t.Src][t.DstRank] += int64(t.Region.NumPts() * ncomp * 2)
	}
	return m
}

// receiveView is the matrix of values rank expects to receive, planned
// only from owned, the new boxes that rank holds in its own layout. It
// must agree with the senders' view.
func receiveView(owned BoxArray, nranks, rank int, crse BoxArray, crseDM []int, radius, crseDimN, ncomp int) CommMatrix {
	dm := make([]int, len(owned))
	for i := range dm {
		dm[i] = rank
	}
	return commMatrixFor(planTransfers(owned, dm, crse, crseDM, radius, crseDimN), nranks, rank, ncomp, false)
}

// mergeCommMatrices adds the rows a rank is authoritative for as sender,
// or the columns it is authoritative for as receiver.
func mergeCommMatrices(views []CommMatrix, asSender bool) CommMatrix {
	m := NewCommMatrix(len(views))
	for r, v := range views {
		for s := range v {
			for d := range v[s] {
				if (asSender && s == r) || (!asSender && d == r) {
					m[s][d] += v[s][d]
				}
			}
		}
	}
	return m
}
