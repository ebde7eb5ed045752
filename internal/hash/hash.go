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

// Package hash computes short fingerprints of Go values, used to compare
// box layouts between runs and checkpoints.
package hash

import (
	"encoding/gob"
	"fmt"
	"hash"
	"hash/fnv"

	"github.com/davecgh/go-spew/spew"
)

var printer = spew.ConfigState{
	Indent:                  " ",
	SortKeys:                true,
	DisableMethods:          true,
	SpewKeys:                true,
	DisablePointerAddresses: true,
	DisableCapacities:       true,
}

// write adds object to h. Values gob cannot encode, such as those holding
// NaN map keys or functions, are dumped with spew instead.
func write(h hash.Hash, object interface{}) {
	if err := gob.NewEncoder(h).Encode(object); err != nil {
		printer.Fprintf(h, "%#v", object)
	}
}

// Hash returns a hex fingerprint of objects, in order.
func Hash(objects ...interface{}) string {
	h := fnv.New128a()
	for _, o := range objects {
		write(h, o)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Short returns the first 12 hex digits of Hash(objects...).
func Short(objects ...interface{}) string {
	return Hash(objects...)[:12]
}
