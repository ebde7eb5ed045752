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

// Command hamr is a command-line interface for the hamr adaptive mesh
// refinement engine.
package main

import (
	"fmt"
	"os"

	"github.com/spatialmodel/hamr/hamrutil"
)

func main() {
	if err := hamrutil.Root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(-1)
	}
}
