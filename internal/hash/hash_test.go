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

package hash

import "testing"

type layout struct {
	Lo, Hi [3]int
}

func TestHash(t *testing.T) {
	a := []layout{{Hi: [3]int{7, 7, 7}}, {Lo: [3]int{8, 0, 0}, Hi: [3]int{15, 7, 7}}}
	b := []layout{{Hi: [3]int{7, 7, 7}}, {Lo: [3]int{8, 0, 0}, Hi: [3]int{15, 7, 7}}}
	c := []layout{{Hi: [3]int{7, 7, 7}}}

	if Hash(a) != Hash(b) {
		t.Error("equal values hash differently")
	}
	if Hash(a) == Hash(c) {
		t.Error("different values hash the same")
	}
	if Hash(a, c) == Hash(c, a) {
		t.Error("order of objects is ignored")
	}
	if s := Short(a); len(s) != 12 || s != Hash(a)[:12] {
		t.Errorf("short hash %q", s)
	}
}

func TestHashFallback(t *testing.T) {
	// gob cannot encode a channel.
	v := make(chan int)
	if Hash(v) != Hash(v) {
		t.Error("fallback hash is not deterministic")
	}
}
