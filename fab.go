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
	"github.com/ctessum/sparse"
	"gonum.org/v1/gonum/floats"
)

// Fab holds the field data of a single box, including NGhost layers of
// ghost cells on every side.
type Fab struct {
	Box    Box // valid region
	NComp  int
	NGhost int

	// Data has shape [ncomp, nx, ny, nz] where n is the box length plus
	// twice the ghost width.
	Data *sparse.DenseArray

	nx, ny, nz int
}

// NewFab allocates a zeroed Fab.
func NewFab(b Box, ncomp, nghost int) *Fab {
	f := &Fab{
		Box:    b,
		NComp:  ncomp,
		NGhost: nghost,
		nx:     b.Length(0) + 2*nghost,
		ny:     b.Length(1) + 2*nghost,
		nz:     b.Length(2) + 2*nghost,
	}
	f.Data = sparse.ZerosDense(ncomp, f.nx, f.ny, f.nz)
	return f
}

// GrownBox returns the valid box extended by the ghost width.
func (f *Fab) GrownBox() Box { return f.Box.Grow(f.NGhost) }

func (f *Fab) idx(c, i, j, k int) int {
	ii := i - f.Box.Lo[0] + f.NGhost
	jj := j - f.Box.Lo[1] + f.NGhost
	kk := k - f.Box.Lo[2] + f.NGhost
	return ((c*f.nx+ii)*f.ny+jj)*f.nz + kk
}

// Get returns component c at cell (i,j,k), which may be a ghost cell.
func (f *Fab) Get(c, i, j, k int) float64 { return f.Data.Elements[f.idx(c, i, j, k)] }

// Set sets component c at cell (i,j,k).
func (f *Fab) Set(v float64, c, i, j, k int) { f.Data.Elements[f.idx(c, i, j, k)] = v }

// Comp returns the raw storage of component c, ghost cells included.
func (f *Fab) Comp(c int) []float64 {
	n := f.nx * f.ny * f.nz
	return f.Data.Elements[c*n : (c+1)*n]
}

// Clone returns a deep copy of f.
func (f *Fab) Clone() *Fab {
	o := *f
	o.Data = f.Data.Copy()
	return &o
}

// CopyFrom copies all components of src into f over region r, shifting src
// indices by s, so that f(i) = src(i - s). r is given in f's index space
// and must lie inside both fabs' grown boxes.
func (f *Fab) CopyFrom(src *Fab, r Box, s IntVect) {
	for c := 0; c < f.NComp; c++ {
		forEachCell(r, func(i, j, k int) {
			f.Set(src.Get(c, i-s[0], j-s[1], k-s[2]), c, i, j, k)
		})
	}
}

// Saxpy sets the components [dcomp, dcomp+n) of f to f + a*x[scomp:scomp+n],
// ghost cells included. x must have the same shape as f.
func (f *Fab) Saxpy(a float64, x *Fab, scomp, dcomp, n int) {
	for c := 0; c < n; c++ {
		floats.AddScaled(f.Comp(dcomp+c), a, x.Comp(scomp+c))
	}
}

// LinComb sets f = a*x + b*y over all components, ghost cells included.
func (f *Fab) LinComb(a float64, x *Fab, b float64, y *Fab) {
	floats.ScaleTo(f.Data.Elements, a, x.Data.Elements)
	floats.AddScaled(f.Data.Elements, b, y.Data.Elements)
}

// CopyAll copies src, which must have the same shape, into f.
func (f *Fab) CopyAll(src *Fab) { copy(f.Data.Elements, src.Data.Elements) }

// SetVal sets every value, ghost cells included, to v.
func (f *Fab) SetVal(v float64) {
	for i := range f.Data.Elements {
		f.Data.Elements[i] = v
	}
}

// Sum returns the sum of component c over the valid region.
func (f *Fab) Sum(c int) float64 {
	var s float64
	forEachCell(f.Box, func(i, j, k int) {
		s += f.Get(c, i, j, k)
	})
	return s
}

// ValidValues returns component c over the valid region in i,j,k order.
func (f *Fab) ValidValues(c int) []float64 {
	o := make([]float64, 0, f.Box.NumPts())
	forEachCell(f.Box, func(i, j, k int) {
		o = append(o, f.Get(c, i, j, k))
	})
	return o
}
