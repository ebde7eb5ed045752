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

// timeTolerance is the relative tolerance used when matching times.
const timeTolerance = 1e-12

// timesEqual reports whether a and b are the same time.
func timesEqual(a, b float64) bool {
	if a == b {
		return true
	}
	if math.IsInf(a, 0) || math.IsInf(b, 0) {
		return false
	}
	scale := math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
	return math.Abs(a-b) <= timeTolerance*scale
}

// RegridAction is the kind of regrid a level needs.
type RegridAction int

// Regrid actions.
const (
	RegridNone RegridAction = iota
	RegridLocal
	RegridGlobal
)

func (a RegridAction) String() string {
	switch a {
	case RegridLocal:
		return "local"
	case RegridGlobal:
		return "global"
	default:
		return "none"
	}
}

type scheduledRegrid struct {
	lowestLevel int
	t           float64
}

// RegridScheduler decides when levels are regridded.
type RegridScheduler struct {
	// RegridDt is the minimum time between regrids of each level.
	RegridDt []float64
	// LastRegridTime is the time each level was last regridded.
	LastRegridTime []float64

	scheduled []scheduledRegrid
	deadline  float64
}

// NewRegridScheduler returns a scheduler for levels 0 to maxLevel where
// level 0 is regridded at most every regridDt.
func NewRegridScheduler(regridDt float64, maxLevel int, tStart float64) *RegridScheduler {
	rs := &RegridScheduler{
		RegridDt:       make([]float64, maxLevel+1),
		LastRegridTime: make([]float64, maxLevel+1),
		deadline:       math.Inf(1),
	}
	for lev := range rs.RegridDt {
		rs.RegridDt[lev] = regridDt / float64(int(1)<<uint(lev))
		rs.LastRegridTime[lev] = tStart
	}
	return rs
}

func (rs *RegridScheduler) find(t float64) int {
	for i, s := range rs.scheduled {
		if timesEqual(s.t, t) {
			return i
		}
	}
	return -1
}

// Schedule requests a regrid at time t starting at level lev. Requests
// for the same time are merged, keeping the lowest level.
func (rs *RegridScheduler) Schedule(lev int, t float64) {
	if i := rs.find(t); i >= 0 {
		if lev < rs.scheduled[i].lowestLevel {
			rs.scheduled[i].lowestLevel = lev
		}
		return
	}
	rs.scheduled = append(rs.scheduled, scheduledRegrid{lowestLevel: lev, t: t})
}

// DoRegrid reports whether level lev is the level to regrid at time t.
func (rs *RegridScheduler) DoRegrid(lev int, t float64) bool {
	i := rs.find(t)
	return i >= 0 && rs.scheduled[i].lowestLevel == lev
}

// NeedTruncationError reports whether truncation errors are needed on
// level lev at time t.
func (rs *RegridScheduler) NeedTruncationError(lev int, t float64) bool {
	i := rs.find(t)
	return i >= 0 && lev >= rs.scheduled[i].lowestLevel
}

// DidRegrid removes the regrid scheduled at time t.
func (rs *RegridScheduler) DidRegrid(t float64) {
	if i := rs.find(t); i >= 0 {
		rs.scheduled = append(rs.scheduled[:i], rs.scheduled[i+1:]...)
	}
}

// Eligible reports whether enough time will have passed since the last
// regrid of level lev after a step of dt from t.
func (rs *RegridScheduler) Eligible(lev int, t, dt float64, forceGlobal bool) bool {
	return forceGlobal || t+dt > rs.LastRegridTime[lev]+rs.RegridDt[lev]
}

// Decide returns the regrid needed at level lev. It has no side effects.
func (rs *RegridScheduler) Decide(lev int, t, dt float64, finest, maxLevel int, forceGlobal bool) RegridAction {
	if lev >= maxLevel || !rs.Eligible(lev, t, dt, forceGlobal) {
		return RegridNone
	}
	if forceGlobal || lev+1 > finest {
		return RegridGlobal
	}
	return RegridLocal
}

// LatestRegridTime returns the latest time level lev can be regridded
// given that the closest tagged cell is minDistance cells inside the
// current refinement. A negative minDistance means nothing was tagged.
func (rs *RegridScheduler) LatestRegridTime(t, minDistance float64, nErrorBuf, lev int) float64 {
	if minDistance < 0 {
		return math.Inf(1)
	}
	return t + minDistance/float64(nErrorBuf)*rs.RegridDt[lev]
}

// Deadline returns the time by which a postponed regrid has to happen,
// or +Inf.
func (rs *RegridScheduler) Deadline() float64 { return rs.deadline }

// SetDeadline records a postponed regrid due at t. Earlier deadlines win.
func (rs *RegridScheduler) SetDeadline(t float64) {
	if t < rs.deadline {
		rs.deadline = t
	}
}

// ClearDeadline drops the deadline of a postponed regrid.
func (rs *RegridScheduler) ClearDeadline() { rs.deadline = math.Inf(1) }

// DidRegridAt records a regrid of levels lev and finer at time t.
func (rs *RegridScheduler) DidRegridAt(lev, finest int, t float64) {
	for l := lev; l <= finest && l < len(rs.LastRegridTime); l++ {
		rs.LastRegridTime[l] = t
	}
}

// dropCoarsest forgets level 0 after the coarse level has been refined.
func (rs *RegridScheduler) dropCoarsest() {
	rs.RegridDt = rs.RegridDt[1:]
	rs.LastRegridTime = rs.LastRegridTime[1:]
}
