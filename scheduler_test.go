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

func TestRegridScheduler(t *testing.T) {
	rs := NewRegridScheduler(1, 2, 0)
	if rs.RegridDt[2] != 0.25 {
		t.Errorf("level 2 regrid interval %g, want 0.25", rs.RegridDt[2])
	}

	rs.Schedule(2, 0.5)
	rs.Schedule(1, 0.5+1e-15)
	rs.Schedule(2, 0.75)
	if !rs.DoRegrid(1, 0.5) || rs.DoRegrid(2, 0.5) {
		t.Error("requests at the same time were not merged to the lowest level")
	}
	if !rs.NeedTruncationError(2, 0.5) || rs.NeedTruncationError(0, 0.5) {
		t.Error("wrong levels need truncation errors at t=0.5")
	}
	rs.DidRegrid(0.5)
	if rs.DoRegrid(1, 0.5) || !rs.DoRegrid(2, 0.75) {
		t.Error("DidRegrid removed the wrong request")
	}

	if rs.Eligible(0, 0.5, 0.25, false) {
		t.Error("level 0 eligible before its interval passed")
	}
	if !rs.Eligible(0, 0.9, 0.2, false) || !rs.Eligible(0, 0, 0.1, true) {
		t.Error("level 0 not eligible")
	}
	for _, test := range []struct {
		lev, finest int
		t, dt       float64
		force       bool
		want        RegridAction
	}{
		{lev: 2, finest: 2, t: 10, dt: 1, want: RegridNone},
		{lev: 0, finest: 2, t: 0, dt: 0.1, want: RegridNone},
		{lev: 0, finest: 2, t: 1, dt: 0.1, want: RegridLocal},
		{lev: 1, finest: 1, t: 1, dt: 0.1, want: RegridGlobal},
		{lev: 0, finest: 2, t: 0, dt: 0.1, force: true, want: RegridGlobal},
	} {
		if got := rs.Decide(test.lev, test.t, test.dt, test.finest, 2, test.force); got != test.want {
			t.Errorf("%+v: %v, want %v", test, got, test.want)
		}
	}

	rs.DidRegridAt(1, 2, 3)
	if rs.LastRegridTime[0] != 0 || rs.LastRegridTime[1] != 3 || rs.LastRegridTime[2] != 3 {
		t.Errorf("last regrid times %v", rs.LastRegridTime)
	}
}

func TestRegridDeadline(t *testing.T) {
	rs := NewRegridScheduler(1, 1, 0)
	if !math.IsInf(rs.Deadline(), 1) {
		t.Fatalf("initial deadline %g", rs.Deadline())
	}
	rs.SetDeadline(2)
	rs.SetDeadline(3)
	if rs.Deadline() != 2 {
		t.Errorf("deadline %g, want the earlier 2", rs.Deadline())
	}
	rs.DidRegridAt(0, 1, 1)
	if rs.Deadline() != 2 {
		t.Error("recording a regrid dropped the deadline")
	}
	rs.ClearDeadline()
	if !math.IsInf(rs.Deadline(), 1) {
		t.Error("deadline not cleared")
	}

	if got := rs.LatestRegridTime(1, -1, 1, 0); !math.IsInf(got, 1) {
		t.Errorf("nothing tagged: latest time %g, want +Inf", got)
	}
	if got := rs.LatestRegridTime(1, 4, 2, 1); got != 2 {
		t.Errorf("latest time %g, want 2", got)
	}
}

func TestTimesEqual(t *testing.T) {
	if !timesEqual(0.1+0.2, 0.3) {
		t.Error("0.1+0.2 != 0.3")
	}
	if timesEqual(1, 1+1e-9) {
		t.Error("1 == 1+1e-9")
	}
	if !timesEqual(math.Inf(-1), math.Inf(-1)) || timesEqual(math.Inf(1), 1e300) {
		t.Error("infinities")
	}
}
