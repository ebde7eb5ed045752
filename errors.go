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
	"errors"
	"fmt"
)

// ErrNonFiniteTruncationError is returned when a truncation error estimate
// is NaN or infinite. Refinement decisions are skipped for that cycle.
var ErrNonFiniteTruncationError = errors.New("hamr: non-finite truncation error")

// FatalError is an error after which the simulation cannot continue.
type FatalError struct {
	Component string
	Level     int // -1 if not level specific
	Rank      int // -1 if not rank specific
	Err       error
}

func (e *FatalError) Error() string {
	s := "hamr: fatal: " + e.Component
	if e.Level >= 0 {
		s += fmt.Sprintf(" (level %d)", e.Level)
	}
	if e.Rank >= 0 {
		s += fmt.Sprintf(" (rank %d)", e.Rank)
	}
	return s + ": " + e.Err.Error()
}

func fatalf(component string, lev, rank int, format string, args ...interface{}) *FatalError {
	return &FatalError{
		Component: component,
		Level:     lev,
		Rank:      rank,
		Err:       fmt.Errorf(format, args...),
	}
}

// IsFatal reports whether err is a *FatalError.
func IsFatal(err error) bool {
	_, ok := err.(*FatalError)
	return ok
}
