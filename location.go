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
	"math"
)

// Location is the tagged cell closest to a coarse/fine boundary.
type Location struct {
	Cell       IntVect
	DistanceSq int
}

// NewLocation returns a Location that has not seen any cell.
func NewLocation() Location {
	return Location{Cell: IntVect{-1, -1, -1}, DistanceSq: math.MaxInt64}
}

// SelectClosest keeps cell if it is closer than the current one.
func (l *Location) SelectClosest(cell IntVect, distanceSq int) {
	if distanceSq < l.DistanceSq {
		l.Cell = cell
		l.DistanceSq = distanceSq
	}
}

// Merge keeps the closer of l and o.
func (l *Location) Merge(o Location) { l.SelectClosest(o.Cell, o.DistanceSq) }

// Found reports whether any cell has been selected.
func (l Location) Found() bool { return l.DistanceSq != math.MaxInt64 }

// Distance returns the distance in cells, or -1 if nothing was found.
func (l Location) Distance() float64 {
	if !l.Found() {
		return -1
	}
	return math.Sqrt(float64(l.DistanceSq))
}
