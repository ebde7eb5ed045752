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

import "math"

// Wavenumber projections.
const (
	ContinuumProjection = 0 // 2π n / L
	LatticeProjection   = 1 // 2N/L sin(π n / N)
)

// WaveNumber returns the physical wavenumber of entry index of an FFT of
// length N over a box of side L. Indices above N/2 are negative
// frequencies. Unknown projections return NaN.
func WaveNumber(index, N int, L float64, projection int) float64 {
	n := index
	if index > N/2 {
		n = index - N
	}
	switch projection {
	case ContinuumProjection:
		return 2 * math.Pi / L * float64(n)
	case LatticeProjection:
		return 2 * float64(N) / L * math.Sin(math.Pi*float64(n)/float64(N))
	default:
		return math.NaN()
	}
}
