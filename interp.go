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
	"math"
)

// InterpType selects how coarse data is interpolated onto a finer level.
type InterpType int

// Interpolation kernels. Every kernel except PCInterp is cell-average
// preserving: the mean of the 8 children equals the parent value.
const (
	PCInterp                InterpType = 0 // piecewise constant
	CellConservativeLinear  InterpType = 1 // MC-limited linear
	CellQuadratic           InterpType = 2
	CellConservativeQuartic InterpType = 4
)

func (t InterpType) String() string {
	switch t {
	case PCInterp:
		return "PCInterp"
	case CellConservativeLinear:
		return "CellConservativeLinear"
	case CellQuadratic:
		return "CellQuadratic"
	case CellConservativeQuartic:
		return "CellConservativeQuartic"
	default:
		return fmt.Sprintf("InterpType(%d)", int(t))
	}
}

// Valid reports whether t is a known kernel.
func (t InterpType) Valid() bool {
	switch t {
	case PCInterp, CellConservativeLinear, CellQuadratic, CellConservativeQuartic:
		return true
	}
	return false
}

// radius is the number of coarse cells the stencil reaches past the parent.
func (t InterpType) radius() int {
	switch t {
	case CellConservativeLinear, CellQuadratic:
		return 1
	case CellConservativeQuartic:
		return 2
	default:
		return 0
	}
}

// interpolate fills region of fine, given in fine index space, from crse.
// crse must hold region.Coarsen(2) grown by t.radius().
func interpolate(t InterpType, crse, fine *Fab, region Box) {
	var off [3]IntVect
	for d := 0; d < 3; d++ {
		off[d][d] = 1
	}
	for c := 0; c < fine.NComp; c++ {
		forEachCell(region, func(i, j, k int) {
			fi := IntVect{i, j, k}
			var ci IntVect
			for d := 0; d < 3; d++ {
				ci[d] = floorDiv(fi[d], 2)
			}
			u0 := crse.Get(c, ci[0], ci[1], ci[2])
			v := u0
			if t != PCInterp {
				for d := 0; d < 3; d++ {
					s := -1.
					if fi[d]-2*ci[d] == 1 {
						s = 1
					}
					v += s * slope(t, crse, c, ci, off[d], u0)
				}
			}
			fine.Set(v, c, i, j, k)
		})
	}
}

// slope returns the offset of the upper child from the parent value u0
// along direction o.
func slope(t InterpType, crse *Fab, c int, ci, o IntVect, u0 float64) float64 {
	at := func(n int) float64 {
		return crse.Get(c, ci[0]+n*o[0], ci[1]+n*o[1], ci[2]+n*o[2])
	}
	switch t {
	case CellConservativeLinear:
		l, r := u0-at(-1), at(1)-u0
		if l*r <= 0 {
			return 0
		}
		m := math.Min(math.Abs(l+r)/2, 2*math.Min(math.Abs(l), math.Abs(r)))
		return math.Copysign(m, l) / 4
	case CellQuadratic:
		return (at(1) - at(-1)) / 8
	case CellConservativeQuartic:
		return (22*(at(1)-at(-1)) - 3*(at(2)-at(-2))) / 128
	}
	return 0
}
