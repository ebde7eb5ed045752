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

import "fmt"

// ScalarField is a named field evolved on every level.
type ScalarField struct {
	Name string

	// IsConjugateMomentum marks the time derivative of another field.
	// Momenta are stored after all plain fields, in the same order.
	IsConjugateMomentum bool
}

// Physics holds the problem-specific parts of a simulation.
type Physics interface {
	// Fields returns the evolved fields. Plain fields come first, followed
	// by their conjugate momenta if there are any.
	Fields() []ScalarField

	// InitialState fills the valid region of f on level lev at time t.
	InitialState(lev int, t float64, g Geometry, f *Fab) error

	// RHS fills the valid region of rhs with the time derivative of state.
	// Ghost cells of state are filled.
	RHS(rhs, state *Fab, t float64, lev int, dt, dx float64)

	// TagCell reports whether cell (i,j,k) of state needs refinement.
	TagCell(state *Fab, i, j, k int, t float64, lev int) bool
}

// Vetoer may be implemented by a Physics to refuse a local regrid at
// a given time. A veto postpones the regrid; it does not stop the run.
type Vetoer interface {
	VetoRegrid(lev int, t float64) bool
}

// LevelCreator may be implemented by a Physics to control whether level
// lev should exist at time t.
type LevelCreator interface {
	CreateLevelIf(lev int, t float64) bool
}

// TruncationModifier may be implemented by a Physics to rescale the
// truncation error te of component comp before it is compared to its
// threshold.
type TruncationModifier interface {
	TruncationModifier(state *Fab, i, j, k int, t float64, lev, comp int, te float64) float64
}

// checkFields makes sure momenta come after the plain fields and that
// there are as many of them as plain fields, or none.
func checkFields(fields []ScalarField) error {
	if len(fields) == 0 {
		return fmt.Errorf("hamr: physics declares no fields")
	}
	var nmom int
	seenMom := false
	for _, f := range fields {
		if f.IsConjugateMomentum {
			nmom++
			seenMom = true
		} else if seenMom {
			return fmt.Errorf("hamr: field %s follows a conjugate momentum", f.Name)
		}
	}
	if nmom != 0 && 2*nmom != len(fields) {
		return fmt.Errorf("hamr: %d conjugate momenta for %d fields", nmom, len(fields)-nmom)
	}
	return nil
}
