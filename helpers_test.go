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
	"context"
	"math"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"go.uber.org/goleak"
)

// ignoreOpenCensus ignores the stats worker that the blob drivers start
// when they are initialized.
var ignoreOpenCensus = goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start")

// cubePhysics evolves a single decaying field and tags the coarse cells
// whose centres lie inside a cube around the middle of the domain.
type cubePhysics struct {
	n0       int     // coarse cells per side
	l        float64 // box side
	halfSide float64 // half side of the tagged cube
	decay    float64
	fields   []ScalarField
}

func newCubePhysics(c *Config, halfSide float64) *cubePhysics {
	return &cubePhysics{
		n0:       c.CoarseLevelGridSize,
		l:        c.L,
		halfSide: halfSide,
		fields:   []ScalarField{{Name: "phi"}},
	}
}

func (p *cubePhysics) Fields() []ScalarField { return p.fields }

func (p *cubePhysics) InitialState(lev int, t float64, g Geometry, f *Fab) error {
	for c := 0; c < f.NComp; c++ {
		forEachCell(f.Box, func(i, j, k int) {
			x, y, z := (float64(i)+0.5)*g.Dx, (float64(j)+0.5)*g.Dx, (float64(k)+0.5)*g.Dx
			v := math.Sin(2*math.Pi*x/p.l) + 0.5*math.Cos(2*math.Pi*y/p.l)*math.Sin(4*math.Pi*z/p.l) + float64(c)
			f.Set(v, c, i, j, k)
		})
	}
	return nil
}

func (p *cubePhysics) RHS(rhs, state *Fab, t float64, lev int, dt, dx float64) {
	for c := 0; c < rhs.NComp; c++ {
		forEachCell(rhs.Box, func(i, j, k int) {
			rhs.Set(-p.decay*state.Get(c, i, j, k), c, i, j, k)
		})
	}
}

func (p *cubePhysics) TagCell(state *Fab, i, j, k int, t float64, lev int) bool {
	dx := p.l / float64(p.n0<<uint(lev))
	for _, ii := range []int{i, j, k} {
		if math.Abs((float64(ii)+0.5)*dx-p.l/2) >= p.halfSide {
			return false
		}
	}
	return true
}

// testConfig returns a small two-level configuration on two ranks.
func testConfig() *Config {
	c := DefaultConfig()
	c.CoarseLevelGridSize = 16
	c.MaxLevel = 1
	c.L = 1
	c.TStart = 0
	c.TEnd = 1
	c.MaxGridSize = 16
	c.NRanks = 2
	c.Interpolation = CellConservativeLinear
	c.VolumeThresholdWeak = 100
	c.VolumeThresholdStrong = 100
	return c
}

// newTestSim builds the initial hierarchy of a simulation of p.
func newTestSim(t *testing.T, c *Config, p Physics) *Sim {
	t.Helper()
	s, err := NewSim(c, p)
	if err != nil {
		t.Fatal(err)
	}
	s.Log = quietLogger()
	if err := s.InitFromScratch(context.Background(), c.TStart); err != nil {
		t.Fatal(err)
	}
	return s
}

// validValues returns all valid values of ld, box by box.
func validValues(ld *LevelData) [][]float64 {
	var o [][]float64
	for _, f := range ld.Fabs {
		for c := 0; c < ld.NComp; c++ {
			o = append(o, f.ValidValues(c))
		}
	}
	return o
}

func closeTo(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}

// quietLogger discards everything it is given.
func quietLogger() logrus.FieldLogger {
	l, _ := test.NewNullLogger()
	return l
}
