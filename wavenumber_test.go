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
	"testing"
)

func TestWaveNumber(t *testing.T) {
	const N, L = 8, 2.
	for _, test := range []struct {
		index, projection int
		want              float64
	}{
		{index: 0, projection: ContinuumProjection, want: 0},
		{index: 1, projection: ContinuumProjection, want: math.Pi},
		{index: 4, projection: ContinuumProjection, want: 4 * math.Pi},
		{index: 7, projection: ContinuumProjection, want: -math.Pi},
		{index: 4, projection: LatticeProjection, want: 8},
		{index: 6, projection: LatticeProjection, want: -8 * math.Sqrt2 / 2},
	} {
		if got := WaveNumber(test.index, N, L, test.projection); !closeTo(got, test.want, 1e-12) {
			t.Errorf("%+v: %g", test, got)
		}
	}
}
