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

// Package minimal holds a complex scalar field with a time-dependent
// quartic potential: the simplest physics that exercises every part of
// the engine.
package minimal

import (
	"fmt"
	"math"

	"github.com/spatialmodel/hamr"
)

// Indices of the fields in a Fab.
const (
	iPsi1 int = iota
	iPsi2
	iPi1
	iPi2
)

// potentialOffset is the constant term of the potential.
const potentialOffset = 0.56233

// Physics fulfils the github.com/spatialmodel/hamr.Physics interface.
// It evolves Psi = Psi1 + i Psi2 with conformal time eta = t:
//
//	Psi' = Pi
//	Pi'  = -2 Pi/eta + ∇²Psi - Lambda Psi (eta² (|Psi|² - 1) + 0.56233)
//
// eta must stay positive, so simulations need TStart > 0.
type Physics struct {
	// Lambda scales the potential. Zero is taken to mean 1.
	Lambda float64

	// L is the box side length, used for the initial state.
	L float64

	// Modes is the number of Fourier modes along each axis in the
	// initial phase field. Zero is taken to mean 1.
	Modes int

	// GradientThreshold is the largest change of a field between
	// neighbouring cells, in units of the field's radial amplitude, that
	// does not require refinement. Zero disables tagging.
	GradientThreshold float64
}

// New returns physics for a box of side l that refines where neighbouring
// cells differ by more than grad.
func New(l, grad float64) *Physics {
	return &Physics{Lambda: 1, L: l, Modes: 1, GradientThreshold: grad}
}

// Fields returns Psi1, Psi2 and their momenta.
func (p *Physics) Fields() []hamr.ScalarField {
	return []hamr.ScalarField{
		{Name: "Psi1"},
		{Name: "Psi2"},
		{Name: "Pi1", IsConjugateMomentum: true},
		{Name: "Pi2", IsConjugateMomentum: true},
	}
}

func (p *Physics) lambda() float64 {
	if p.Lambda == 0 {
		return 1
	}
	return p.Lambda
}

// phase returns the phase of Psi at position (x, y, z).
func (p *Physics) phase(x, y, z float64) float64 {
	m := p.Modes
	if m <= 0 {
		m = 1
	}
	k := 2 * math.Pi / p.L
	var th float64
	for n := 1; n <= m; n++ {
		kn := k * float64(n)
		th += (math.Sin(kn*x)*math.Cos(kn*y) + math.Sin(kn*z)) / float64(n)
	}
	return math.Pi * th
}

// InitialState sets Psi to a unit-amplitude field with a smooth, periodic
// phase and the momenta to zero.
func (p *Physics) InitialState(lev int, t float64, g hamr.Geometry, f *hamr.Fab) error {
	if f.NComp != 4 {
		return fmt.Errorf("minimal: fab has %d components, need 4", f.NComp)
	}
	if p.L <= 0 {
		return fmt.Errorf("minimal: box length %g needs to be > 0", p.L)
	}
	f.Box.ForEach(func(i, j, k int) {
		x := (float64(i) + 0.5) * g.Dx
		y := (float64(j) + 0.5) * g.Dx
		z := (float64(k) + 0.5) * g.Dx
		th := p.phase(x, y, z)
		f.Set(math.Cos(th), iPsi1, i, j, k)
		f.Set(math.Sin(th), iPsi2, i, j, k)
		f.Set(0, iPi1, i, j, k)
		f.Set(0, iPi2, i, j, k)
	})
	return nil
}

// laplacian returns the second-order Laplacian of component c at (i,j,k).
func laplacian(f *hamr.Fab, c, i, j, k int, dx2 float64) float64 {
	return (f.Get(c, i+1, j, k) + f.Get(c, i-1, j, k) +
		f.Get(c, i, j+1, k) + f.Get(c, i, j-1, k) +
		f.Get(c, i, j, k+1) + f.Get(c, i, j, k-1) -
		6*f.Get(c, i, j, k)) / dx2
}

// RHS computes the equations of motion.
func (p *Physics) RHS(rhs, state *hamr.Fab, t float64, lev int, dt, dx float64) {
	eta := t
	dx2 := dx * dx
	lambda := p.lambda()
	state.Box.ForEach(func(i, j, k int) {
		psi1 := state.Get(iPsi1, i, j, k)
		psi2 := state.Get(iPsi2, i, j, k)
		pi1 := state.Get(iPi1, i, j, k)
		pi2 := state.Get(iPi2, i, j, k)

		v := lambda * (eta*eta*(psi1*psi1+psi2*psi2-1) + potentialOffset)

		rhs.Set(pi1, iPsi1, i, j, k)
		rhs.Set(pi2, iPsi2, i, j, k)
		rhs.Set(-2*pi1/eta+laplacian(state, iPsi1, i, j, k, dx2)-psi1*v, iPi1, i, j, k)
		rhs.Set(-2*pi2/eta+laplacian(state, iPsi2, i, j, k, dx2)-psi2*v, iPi2, i, j, k)
	})
}

// TagCell tags cells where Psi changes by more than GradientThreshold
// towards any face neighbour. It needs at least one layer of ghost cells.
func (p *Physics) TagCell(state *hamr.Fab, i, j, k int, t float64, lev int) bool {
	if p.GradientThreshold <= 0 || state.NGhost < 1 {
		return false
	}
	for _, c := range []int{iPsi1, iPsi2} {
		v := state.Get(c, i, j, k)
		for _, n := range [][3]int{{1, 0, 0}, {-1, 0, 0}, {0, 1, 0}, {0, -1, 0}, {0, 0, 1}, {0, 0, -1}} {
			if math.Abs(state.Get(c, i+n[0], j+n[1], k+n[2])-v) > p.GradientThreshold {
				return true
			}
		}
	}
	return false
}

// RadialMode returns |Psi| at cell (i,j,k).
func RadialMode(f *hamr.Fab, i, j, k int) float64 {
	return math.Hypot(f.Get(iPsi1, i, j, k), f.Get(iPsi2, i, j, k))
}

// AxionVelocitySquared returns the squared angular velocity of Psi at cell
// (i,j,k), (Psi1 Pi2 - Psi2 Pi1)² / |Psi|⁴.
func AxionVelocitySquared(f *hamr.Fab, i, j, k int) float64 {
	psi1, psi2 := f.Get(iPsi1, i, j, k), f.Get(iPsi2, i, j, k)
	pi1, pi2 := f.Get(iPi1, i, j, k), f.Get(iPi2, i, j, k)
	r2 := psi1*psi1 + psi2*psi2
	a := (psi1*pi2 - psi2*pi1) / r2
	return a * a
}
