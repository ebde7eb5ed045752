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
	"testing"

	"github.com/kr/pretty"
	"go.uber.org/goleak"
)

func TestChopGridsPartition(t *testing.T) {
	for _, test := range []struct {
		n, maxGrid, bf, nranks int
	}{
		{n: 16, maxGrid: 16, bf: 8, nranks: 1},
		{n: 16, maxGrid: 16, bf: 8, nranks: 2},
		{n: 32, maxGrid: 16, bf: 8, nranks: 4},
		{n: 64, maxGrid: 32, bf: 8, nranks: 16},
	} {
		domain := CubeBox(test.n)
		ba := ChopGrids(domain, test.maxGrid, test.bf, test.nranks)
		if ov := ba.Overlaps(); len(ov) > 0 {
			t.Errorf("%+v: overlapping boxes %v", test, ov)
		}
		if ba.NumPts() != domain.NumPts() {
			t.Errorf("%+v: boxes cover %d cells, want %d", test, ba.NumPts(), domain.NumPts())
		}
		for _, b := range ba {
			if !b.Aligned(test.bf) {
				t.Errorf("%+v: box %v not aligned", test, b)
			}
			for d := 0; d < 3; d++ {
				if b.Length(d) > test.maxGrid {
					t.Errorf("%+v: box %v longer than %d", test, b, test.maxGrid)
				}
			}
		}
		if len(ba) < test.nranks {
			t.Errorf("%+v: %d boxes for %d ranks", test, len(ba), test.nranks)
		}
		dm := DistributionMap(ba, test.nranks)
		load := make([]int, test.nranks)
		for i, r := range dm {
			load[r] += ba[i].NumPts()
		}
		for r, l := range load {
			if l == 0 {
				t.Errorf("%+v: rank %d owns nothing", test, r)
			}
		}
	}
}

func TestUniqueLayoutBoxList(t *testing.T) {
	u := NewUniqueLayout(0, 1, 4)
	blocks := []IntVect{{0, 0, 0}, {0, 0, 1}, {0, 0, 2}, {0, 1, 1}, {3, 3, 3}, {3, 3, 0}}
	want := make(BoxArray, 0, len(blocks))
	for _, b := range blocks {
		u.Add(b[0], b[1], b[2])
		want = append(want, blockBox(b, 8))
	}
	ba := u.BoxList(8)
	if len(ba) != 4 {
		t.Errorf("got %d boxes, want 4 after merging runs in k: %v", len(ba), ba)
	}
	lt := NewLayoutTracker()
	lt.Set(1, ba)
	if err := lt.Validate(1, want); err != nil {
		t.Error(err)
	}
	if u.SizeAll() != len(blocks) {
		t.Errorf("SizeAll = %d, want %d", u.SizeAll(), len(blocks))
	}
}

func TestLayoutTrackerIncorporate(t *testing.T) {
	lt := NewLayoutTracker()
	lt.Set(1, BoxArray{blockBox(IntVect{0, 0, 0}, 8)})
	if err := lt.Incorporate(1, BoxArray{blockBox(IntVect{1, 0, 0}, 8)}); err != nil {
		t.Fatal(err)
	}
	before := lt.Boxes(1)
	bad := NewBox(IntVect{4, 4, 4}, IntVect{11, 11, 11})
	if err := lt.Incorporate(1, BoxArray{bad}); err == nil {
		t.Error("overlapping box was accepted")
	}
	if diff := pretty.Diff(before, lt.Boxes(1)); len(diff) > 0 {
		t.Errorf("failed incorporate changed the layout: %v", diff)
	}
	if !lt.Contains(1, IntVect{15, 7, 7}) || lt.Contains(1, IntVect{16, 0, 0}) {
		t.Error("Contains disagrees with the layout")
	}
	lt.Truncate(0)
	if len(lt.Boxes(1)) != 0 {
		t.Error("Truncate kept level 1")
	}
}

func TestUniqueLayoutDistribute(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreOpenCensus)
	const nranks, n = 4, 8
	tr := NewChanTransport(nranks)
	uls := make([]*UniqueLayout, nranks)
	all := make(map[IntVect]bool)
	for r := range uls {
		uls[r] = NewUniqueLayout(r, nranks, n)
		// Every rank asks for a diagonal of blocks plus one shared block.
		for i := 0; i < n; i++ {
			b := IntVect{i, (i + r) % n, r}
			uls[r].Add(b[0], b[1], b[2])
			all[b] = true
		}
		uls[r].Add(0, 0, 0)
		all[IntVect{0, 0, 0}] = true
	}
	errs := make(chan error, nranks)
	for _, u := range uls {
		go func(u *UniqueLayout) { errs <- u.Distribute(context.Background(), tr) }(u)
	}
	for range uls {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}
	got := make(map[IntVect]bool)
	for r, u := range uls {
		for _, b := range u.Blocks() {
			if !u.Owns(b[0]) {
				t.Errorf("rank %d holds block %v in a plane it does not own", r, b)
			}
			if got[b] {
				t.Errorf("block %v held by more than one rank", b)
			}
			got[b] = true
		}
	}
	if diff := pretty.Diff(all, got); len(diff) > 0 {
		t.Errorf("blocks after Distribute differ: %v", diff)
	}
	if tr.Messages(TagLayout) != nranks*(nranks-1) {
		t.Errorf("%d layout messages, want %d", tr.Messages(TagLayout), nranks*(nranks-1))
	}
}

func TestProperlyNested(t *testing.T) {
	crse := BoxArray{NewBox(IntVect{0, 0, 0}, IntVect{11, 11, 11})}
	inner := BoxArray{NewBox(IntVect{8, 8, 8}, IntVect{15, 15, 15})}
	if err := properlyNested(inner, crse, 1, 16); err != nil {
		t.Errorf("inner box: %v", err)
	}
	edge := BoxArray{NewBox(IntVect{16, 16, 16}, IntVect{23, 23, 23})}
	if err := properlyNested(edge, crse, 1, 16); err == nil {
		t.Error("box next to the coarse boundary counted as nested")
	}
	// The whole domain wraps periodically onto itself.
	full := BoxArray{CubeBox(32)}
	if err := properlyNested(full, BoxArray{CubeBox(16)}, 1, 16); err != nil {
		t.Errorf("full domain: %v", err)
	}
}

func TestCommSchedule(t *testing.T) {
	for _, n := range []int{1, 2, 4, 8} {
		s := CommSchedule(n)
		for r := 0; r < n; r++ {
			seen := make(map[int]bool)
			for c := 0; c < n; c++ {
				p := s[r][c]
				if s[p][c] != r {
					t.Errorf("n=%d: cycle %d pairs %d with %d but not back", n, c, r, p)
				}
				seen[p] = true
			}
			if len(seen) != n {
				t.Errorf("n=%d: rank %d does not meet every rank", n, r)
			}
		}
	}
}
