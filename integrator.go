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
	"fmt"
)

// IntegratorType selects the time integration scheme.
type IntegratorType int

// Integration schemes.
const (
	RkButcherTableau  IntegratorType = 0 // explicit RK with a user tableau
	ForwardEuler      IntegratorType = 1
	Trapezoid         IntegratorType = 2
	Ssprk3            IntegratorType = 3
	Rk4               IntegratorType = 4
	Lsssprk3          IntegratorType = 10 // low-storage SSPRK3
	Leapfrog          IntegratorType = 11
	RknButcherTableau IntegratorType = 20 // RKN with a user tableau
	Rkn4              IntegratorType = 21
	Rkn5              IntegratorType = 22
)

// Name returns the display name of integrator type t.
func Name(t IntegratorType) string {
	switch t {
	case RkButcherTableau:
		return "User-defined RK Butcher Tableau"
	case ForwardEuler:
		return "Forward Euler"
	case Trapezoid:
		return "Trapezoid Method"
	case Ssprk3:
		return "SSPRK3"
	case Rk4:
		return "RK4"
	case Lsssprk3:
		return "SSPRK3 (low-storage)"
	case Leapfrog:
		return "Leapfrog"
	case RknButcherTableau:
		return "User-defined RKN Butcher Tableau"
	case Rkn4:
		return "4th order RKN"
	case Rkn5:
		return "5th order RKN"
	default:
		return "Unknown"
	}
}

func (t IntegratorType) String() string { return Name(t) }

// scheme advances old to new by one step of dt.
type scheme interface {
	integrate(ctx context.Context, in *Integrator, old, nw *LevelData, lev int, dt, dx float64) error
}

// Integrator advances single levels in time.
type Integrator struct {
	Type IntegratorType

	sim    *Sim
	scheme scheme
}

// NewIntegrator returns an integrator of type t for s. tab is only used by
// the user-defined tableau types.
func NewIntegrator(s *Sim, t IntegratorType, tab *ButcherTableau) (*Integrator, error) {
	in := &Integrator{Type: t, sim: s}
	needMomenta := false
	switch t {
	case RkButcherTableau:
		if tab == nil || tab.Kind != RKTableau {
			return nil, fatalf("Integrator", -1, -1, "%s needs an RK tableau", Name(t))
		}
		in.scheme = rk{tab: tab}
	case ForwardEuler, Trapezoid, Ssprk3, Rk4:
		in.scheme = rk{tab: builtinRK[t]}
	case Lsssprk3:
		in.scheme = lsssprk3{}
	case Leapfrog:
		in.scheme = leapfrog{}
		needMomenta = true
	case RknButcherTableau:
		if tab == nil || tab.Kind != RKNTableau {
			return nil, fatalf("Integrator", -1, -1, "%s needs an RKN tableau", Name(t))
		}
		in.scheme = rkn{tab: tab}
		needMomenta = true
	case Rkn4:
		in.scheme = rkn{tab: rkn4Tableau}
		needMomenta = true
	case Rkn5:
		in.scheme = rkn{tab: rkn5Tableau}
		needMomenta = true
	default:
		return nil, fatalf("Integrator", -1, -1, "unknown integrator type %d", int(t))
	}
	if needMomenta {
		nmom := 0
		for _, f := range s.Fields {
			if f.IsConjugateMomentum {
				nmom++
			}
		}
		if nmom == 0 {
			return nil, fatalf("Integrator", -1, -1, "%s needs conjugate momenta", Name(t))
		}
	}
	return in, nil
}

// Advance integrates level lev by one step. The old and new states are
// swapped first, so afterwards the old state holds the previous new
// state. Level -1 advances the shadow level by twice the level 0 step.
func (in *Integrator) Advance(ctx context.Context, lev int) error {
	s := in.sim
	var old, nw *LevelData
	if lev >= 0 {
		s.GridOld[lev].ContainsTruncationErrors = false
		s.GridOld[lev], s.GridNew[lev] = s.GridNew[lev], s.GridOld[lev]
		old, nw = s.GridOld[lev], s.GridNew[lev]
	} else {
		old, nw = s.shadowTmp, s.ShadowLevel
	}
	dt, dx := s.dt(lev), s.dx(lev)

	if err := s.Sync.FillPatch(ctx, lev, old.T, old); err != nil {
		return err
	}
	if err := in.scheme.integrate(ctx, in, old, nw, lev, dt, dx); err != nil {
		return fmt.Errorf("hamr: integrating level %d: %v", lev, err)
	}
	nw.T = old.T + dt
	nw.IStep = old.IStep + 1

	if lev < 0 {
		s.shadowTmp.Clear()
	}
	return nil
}

// rhs sets k to the time derivative of state.
func (in *Integrator) rhs(ctx context.Context, k, state *LevelData, t float64, lev int, dt, dx float64) error {
	in.sim.Monitor.Start(TimerRHS, lev)
	defer in.sim.Monitor.Stop(TimerRHS, lev)
	return state.ForEachFab(ctx, func(i int) error {
		in.sim.Physics.RHS(k.Fabs[i], state.Fabs[i], t, lev, dt, dx)
		return nil
	})
}

// addRHS sets k to w*k plus the time derivative of state.
func (in *Integrator) addRHS(ctx context.Context, k *LevelData, w float64, state *LevelData, t float64, lev int, dt, dx float64) error {
	in.sim.Monitor.Start(TimerRHS, lev)
	defer in.sim.Monitor.Stop(TimerRHS, lev)
	return state.ForEachFab(ctx, func(i int) error {
		tmp := NewFab(k.Fabs[i].Box, k.NComp, k.NGhost)
		in.sim.Physics.RHS(tmp, state.Fabs[i], t, lev, dt, dx)
		k.Fabs[i].LinComb(w, k.Fabs[i], 1, tmp)
		return nil
	})
}

// fillIntermediate refreshes the ghost cells of a stage state.
func (in *Integrator) fillIntermediate(ctx context.Context, lev int, t float64, mf *LevelData) error {
	return in.sim.Sync.FillIntermediatePatch(ctx, lev, t, mf)
}

// newLike returns zeroed data with the layout of ld.
func newLike(ld *LevelData) *LevelData {
	return NewLevelData(ld.Boxes, ld.DistMap, ld.NComp, ld.NGhost, ld.T)
}

// momentumOffset returns the index of the first conjugate momentum.
func momentumOffset(ld *LevelData) int { return ld.NComp / 2 }

// TableauKind tells which family of schemes a ButcherTableau belongs to.
type TableauKind int

// Tableau kinds.
const (
	RKTableau TableauKind = iota
	RKNTableau
)

// ButcherTableau holds the coefficients of an explicit RK or RKN scheme.
// Tableau[i] holds the coefficients a_ij for j <= i; the diagonal is zero.
type ButcherTableau struct {
	Kind       TableauKind
	Nodes      []float64
	Tableau    [][]float64
	Weights    []float64
	WeightsBar []float64 // RKN only: weights of the position update
}

// NewButcherTableau builds and checks a tableau. flat holds the lower
// triangle row by row, diagonal included, so it has n(n+1)/2 entries for
// n nodes.
func NewButcherTableau(kind TableauKind, nodes, flat, weights, weightsBar []float64) (*ButcherTableau, error) {
	n := len(nodes)
	if n == 0 {
		return nil, fatalf("Integrator", -1, -1, "butcher tableau has no nodes")
	}
	if len(flat) != n*(n+1)/2 {
		return nil, fatalf("Integrator", -1, -1, "butcher tableau has %d entries; %d nodes need %d", len(flat), n, n*(n+1)/2)
	}
	if len(weights) != n {
		return nil, fatalf("Integrator", -1, -1, "butcher tableau has %d weights for %d nodes", len(weights), n)
	}
	if kind == RKNTableau && len(weightsBar) != n {
		return nil, fatalf("Integrator", -1, -1, "butcher tableau has %d bar weights for %d nodes", len(weightsBar), n)
	}
	bt := &ButcherTableau{
		Kind:       kind,
		Nodes:      append([]float64(nil), nodes...),
		Tableau:    make([][]float64, n),
		Weights:    append([]float64(nil), weights...),
		WeightsBar: append([]float64(nil), weightsBar...),
	}
	p := 0
	for i := 0; i < n; i++ {
		bt.Tableau[i] = append([]float64(nil), flat[p:p+i+1]...)
		p += i + 1
		if bt.Tableau[i][i] != 0 {
			return nil, fatalf("Integrator", -1, -1, "butcher tableau is not explicit: a[%d][%d] = %g", i, i, bt.Tableau[i][i])
		}
	}
	return bt, nil
}

func mustTableau(kind TableauKind, nodes, flat, weights, weightsBar []float64) *ButcherTableau {
	bt, err := NewButcherTableau(kind, nodes, flat, weights, weightsBar)
	if err != nil {
		panic(err)
	}
	return bt
}
