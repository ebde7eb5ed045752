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

// Config holds the settings for a simulation.
type Config struct {
	CoarseLevelGridSize int       // cells per side on level 0; a power of two
	MaxLevel            int       // deepest refinement level allowed
	L                   float64   // box side length
	CFL                 float64   // Courant number
	MaxSpeed            float64   // largest characteristic speed; 1 if zero
	TStart, TEnd        float64   // simulation time span
	BlockingFactor      []int     // per level; the last value is reused for deeper levels
	MaxGridSize         int       // longest box side on level 0
	NGhost              int       // ghost cell width
	NRanks              int       // number of ranks; a power of two
	Interpolation       InterpType
	Integrator          IntegratorType
	Tableau             *ButcherTableau // for the user-supplied RKN and RK types

	RegridDt                      float64   // regrid interval on level 0; +Inf disables regridding
	NErrorBuf                     int       // buffer cells around tags
	MaxLocalRegrids               int       // local regrids before a global regrid is forced
	VolumeThresholdStrong         float64   // single-level volume growth prompting a global regrid
	VolumeThresholdWeak           float64   // accumulated volume growth that vetoes a local regrid
	TECrit                        []float64 // per field truncation error threshold; +Inf disables
	ForceGlobalRegridAtRestart    bool
	SemistaticSim                 bool
	IncreaseCoarseLevelResolution bool
}

// DefaultConfig returns a configuration with the default regrid settings
// filled in and everything else left for the caller.
func DefaultConfig() *Config {
	return &Config{
		CFL:                   0.2,
		MaxSpeed:              1,
		BlockingFactor:        []int{8},
		MaxGridSize:           64,
		NGhost:                1,
		NRanks:                1,
		Interpolation:         PCInterp,
		Integrator:            Lsssprk3,
		RegridDt:              math.Inf(1),
		NErrorBuf:             1,
		MaxLocalRegrids:       10,
		VolumeThresholdStrong: 1.05,
		VolumeThresholdWeak:   1.1,
	}
}

// BlockingFactorAt returns the blocking factor of level lev.
func (c *Config) BlockingFactorAt(lev int) int {
	if lev < 0 {
		lev = 0
	}
	if lev >= len(c.BlockingFactor) {
		return c.BlockingFactor[len(c.BlockingFactor)-1]
	}
	return c.BlockingFactor[lev]
}

func isPowerOfTwo(n int) bool { return n > 0 && n&(n-1) == 0 }

// Validate checks c for settings the engine cannot run with.
func (c *Config) Validate() error {
	if !isPowerOfTwo(c.CoarseLevelGridSize) {
		return fmt.Errorf("hamr: CoarseLevelGridSize (%d) needs to be a power of 2", c.CoarseLevelGridSize)
	}
	if !isPowerOfTwo(c.NRanks) {
		return fmt.Errorf("hamr: NRanks (%d) needs to be a power of 2", c.NRanks)
	}
	if c.MaxLevel < 0 {
		return fmt.Errorf("hamr: MaxLevel needs to be >= 0")
	}
	if len(c.BlockingFactor) == 0 {
		return fmt.Errorf("hamr: BlockingFactor is not set")
	}
	for lev := 0; lev <= c.MaxLevel; lev++ {
		bf := c.BlockingFactorAt(lev)
		if !isPowerOfTwo(bf) {
			return fmt.Errorf("hamr: blocking factor %d on level %d needs to be a power of 2", bf, lev)
		}
		if bf < 2 {
			return fmt.Errorf("hamr: blocking factor on level %d needs to be at least 2", lev)
		}
		if c.NGhost < 0 || c.NGhost >= bf {
			return fmt.Errorf("hamr: NGhost (%d) needs to be >= 0 and < blocking factor (%d)", c.NGhost, bf)
		}
		if (c.CoarseLevelGridSize<<uint(lev))%bf != 0 {
			return fmt.Errorf("hamr: level %d size is not a multiple of its blocking factor %d", lev, bf)
		}
	}
	if c.MaxGridSize < c.BlockingFactorAt(0) || c.MaxGridSize%c.BlockingFactorAt(0) != 0 {
		return fmt.Errorf("hamr: MaxGridSize (%d) needs to be a multiple of the level 0 blocking factor", c.MaxGridSize)
	}
	if c.L <= 0 {
		return fmt.Errorf("hamr: L needs to be > 0")
	}
	if c.CFL <= 0 {
		return fmt.Errorf("hamr: CFL needs to be > 0")
	}
	if c.TEnd < c.TStart {
		return fmt.Errorf("hamr: TEnd (%g) is before TStart (%g)", c.TEnd, c.TStart)
	}
	if !c.Interpolation.Valid() {
		return fmt.Errorf("hamr: unknown interpolation type %d", int(c.Interpolation))
	}
	if c.NErrorBuf < 1 {
		return fmt.Errorf("hamr: NErrorBuf needs to be >= 1")
	}
	for i, te := range c.TECrit {
		if !(te > 0) {
			return fmt.Errorf("hamr: TECrit[%d] needs to be > 0", i)
		}
	}
	return nil
}

// ShadowHierarchy reports whether truncation errors drive refinement, which
// is the case when any field has a finite threshold.
func (c *Config) ShadowHierarchy() bool {
	for _, te := range c.TECrit {
		if !math.IsInf(te, 1) {
			return true
		}
	}
	return false
}

func (c *Config) maxSpeed() float64 {
	if c.MaxSpeed <= 0 {
		return 1
	}
	return c.MaxSpeed
}

// Geometry describes the resolution of one level.
type Geometry struct {
	DimN int     // cells per side
	Dx   float64 // cell size
	Dt   float64 // stability-bounded step size
}

// Domain returns the box covering the whole level.
func (g Geometry) Domain() Box { return CubeBox(g.DimN) }

// LevelGeometry returns the geometry of level lev. Negative levels are
// coarser than level 0, so lev = -1 is the shadow level.
func (c *Config) LevelGeometry(lev int) Geometry {
	var n int
	if lev >= 0 {
		n = c.CoarseLevelGridSize << uint(lev)
	} else {
		n = c.CoarseLevelGridSize >> uint(-lev)
	}
	dx := c.L / float64(n)
	return Geometry{DimN: n, Dx: dx, Dt: c.CFL * dx / c.maxSpeed()}
}
