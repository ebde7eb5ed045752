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
)

// TimeStepper advances the hierarchy recursively, subcycling finer levels
// with a refinement ratio of 2 in time, and triggers regrids.
type TimeStepper struct {
	sim *Sim

	// NextCheckpoint is the next time a checkpoint is due. Steps are
	// shortened so that it is hit exactly.
	NextCheckpoint float64
}

// NewTimeStepper returns a time stepper for s.
func NewTimeStepper(s *Sim) *TimeStepper {
	return &TimeStepper{sim: s, NextCheckpoint: math.Inf(1)}
}

// StepSize returns the level 0 step size to use at time t: the CFL
// limit, shortened so as not to step past the end of the simulation, a
// pending regrid deadline or the next checkpoint.
func (ts *TimeStepper) StepSize(t float64) float64 {
	s := ts.sim
	dt := s.Geom[0].Dt
	for _, bound := range []float64{s.Config.TEnd, s.Scheduler.Deadline(), ts.NextCheckpoint} {
		if math.IsInf(bound, 0) || timesEqual(bound, t) {
			continue
		}
		if r := bound - t; r > 0 && r < dt {
			dt = r
		}
	}
	return dt
}

// Advance advances level lev by one step and, recursively, all finer
// levels by two steps each per step of their parent.
func (ts *TimeStepper) Advance(ctx context.Context, lev int) error {
	s := ts.sim
	if lev == 0 {
		if d := s.Scheduler.Deadline(); d <= s.GridNew[0].T && !timesEqual(d, s.GridNew[0].T) {
			s.Scheduler.ClearDeadline()
		}
		s.setStepSize(ts.StepSize(s.GridNew[0].T))
	}

	var err error
	if s.shadow() {
		err = ts.ScheduleRegrid(ctx, lev)
	} else {
		err = ts.NoShadowRegrid(ctx, lev)
	}
	if err != nil {
		return err
	}

	if err := s.Integrator.Advance(ctx, lev); err != nil {
		return err
	}

	for i := 0; i < 2 && lev < s.FinestLevel; i++ {
		if err := ts.Advance(ctx, lev+1); err != nil {
			return err
		}
	}

	if err := ts.SynchronizeLevels(ctx, lev); err != nil {
		return err
	}
	if err := ts.DoRegridIfScheduled(ctx, lev); err != nil {
		return err
	}
	if lev == 0 {
		ts.SynchronizeTimes()
	}
	return nil
}

// SynchronizeLevels averages level lev+1 onto lev, or computes truncation
// errors if a regrid needs them at this time.
func (ts *TimeStepper) SynchronizeLevels(ctx context.Context, lev int) error {
	s := ts.sim
	t := s.GridNew[lev].T
	needTE := s.shadow() && s.Scheduler.NeedTruncationError(lev, t)

	if lev < s.FinestLevel && !needTE {
		if err := s.Sync.AverageDownTo(ctx, lev); err != nil {
			return err
		}
	}
	if !needTE {
		return nil
	}
	err := s.Sync.ComputeTruncationErrors(ctx, lev)
	if err == ErrNonFiniteTruncationError {
		s.logger(lev).Warn("non-finite truncation error; skipping this regrid")
		s.Scheduler.DidRegrid(t)
		return nil
	}
	return err
}

// SynchronizeTimes sets the time of all finer levels to that of level 0.
func (ts *TimeStepper) SynchronizeTimes() {
	s := ts.sim
	for lev := 1; lev <= s.FinestLevel; lev++ {
		s.GridNew[lev].T = s.GridNew[0].T
	}
}

// ScheduleRegrid schedules a regrid of level lev after its next step if
// one is due. At level 0 this also creates the shadow level needed for
// the truncation errors.
func (ts *TimeStepper) ScheduleRegrid(ctx context.Context, lev int) error {
	s := ts.sim
	sc := s.Scheduler
	nw, old := s.GridNew[lev], s.GridOld[lev]
	t, istep := nw.T, nw.IStep
	dt := s.dt(lev)

	switch {
	case sc.DoRegrid(lev, t+dt):
		return nil
	case timesEqual(old.T, t):
		return nil
	case lev >= s.Config.MaxLevel:
		return nil
	case istep%2 == 0 && lev > 0:
		return nil
	}

	// The next opportunity to regrid if this one is skipped.
	next := t + 2*dt
	if lev > 0 {
		next = t + 3*dt
	}
	if !s.LevelShouldExist(lev+1, next) {
		return nil
	}
	if !sc.Eligible(lev, t, next-t, s.Regridder.DoGlobalRegrid[lev]) {
		return nil
	}
	if lev == 0 {
		if math.IsInf(old.T, -1) || old.ContainsTruncationErrors {
			return nil
		}
		// The shadow level spans the previous and the coming step, which
		// only works if both have the same length.
		if !timesEqual(old.T+2*dt, t+dt) {
			return nil
		}
	}

	sc.Schedule(lev, t+dt)
	s.logger(lev).WithField("at", t+dt).Debug("regrid scheduled")
	if lev == 0 {
		return ts.CreateShadowLevel(ctx)
	}
	return nil
}

// NoShadowRegrid regrids level lev right away if it is due. It is used
// when refinement does not depend on truncation errors.
func (ts *TimeStepper) NoShadowRegrid(ctx context.Context, lev int) error {
	s := ts.sim
	t := s.GridNew[lev].T
	dt := s.dt(lev)
	doGlobal := s.Regridder.DoGlobalRegrid[lev]

	if s.Config.SemistaticSim {
		if lev == 0 && s.Scheduler.Eligible(lev, t, dt, doGlobal) {
			return ts.DoRegrid(ctx, lev, t, false)
		}
		return nil
	}

	action := s.Scheduler.Decide(lev, t, dt, s.FinestLevel, s.Config.MaxLevel, doGlobal)
	if action == RegridNone {
		return nil
	}
	if !s.LevelShouldExist(lev+1, t+dt) {
		return nil
	}
	return ts.DoRegrid(ctx, lev, t, action == RegridGlobal)
}

// DoRegridIfScheduled performs the regrid scheduled for level lev at its
// current time.
func (ts *TimeStepper) DoRegridIfScheduled(ctx context.Context, lev int) error {
	s := ts.sim
	t := s.GridNew[lev].T
	if !s.Scheduler.DoRegrid(lev, t) {
		return nil
	}
	err := ts.DoRegrid(ctx, lev, t, false)
	s.Scheduler.DidRegrid(t)
	return err
}

// DoRegrid regrids levels lev+1 and finer at time t. A local regrid is
// attempted first unless global is set.
func (ts *TimeStepper) DoRegrid(ctx context.Context, lev int, t float64, global bool) error {
	s := ts.sim
	log := s.logger(lev)

	if s.Config.SemistaticSim {
		if s.Config.MaxLevel < 1 {
			return nil
		}
		if err := s.Sync.IncreaseCoarseLevelResolution(ctx); err != nil {
			return err
		}
		s.Scheduler.DidRegridAt(0, 0, t)
		return nil
	}

	ok := false
	if !global {
		s.Monitor.Start(TimerLocalRegrid, lev)
		var err error
		ok, err = s.Regridder.AttemptRegrid(ctx, lev)
		s.Monitor.Stop(TimerLocalRegrid, lev)
		switch {
		case err == ErrNonFiniteTruncationError:
			log.Warn("non-finite truncation error; skipping this regrid")
			return nil
		case IsFatal(err):
			return err
		case err != nil:
			log.WithError(err).Warn("local regrid failed")
			ok = false
		}
		if s.Regridder.takePostponed() {
			log.Info("regrid postponed by physics veto")
			return nil
		}
	}

	if !ok {
		log.WithField("from_level", lev+1).Info("global regrid")
		s.Monitor.Start(TimerGlobalRegrid, lev)
		err := s.Regrid(ctx, lev, t)
		s.Monitor.Stop(TimerGlobalRegrid, lev)
		if err == ErrNonFiniteTruncationError {
			log.Warn("non-finite truncation error; skipping this regrid")
			return nil
		}
		if err != nil {
			return err
		}
		s.Regridder.DidGlobalRegrid(lev)
	}

	s.Scheduler.DidRegridAt(lev, s.FinestLevel, t)
	return nil
}

// CreateShadowLevel builds the shadow level from the old state of level
// 0 and advances it by twice the level 0 step.
func (ts *TimeStepper) CreateShadowLevel(ctx context.Context) error {
	s := ts.sim
	old := s.GridOld[0]
	ba := old.Boxes.Coarsen(2)
	s.ShadowLevel = NewLevelData(ba, old.DistMap, old.NComp, old.NGhost, undefinedTime)
	s.shadowTmp = NewLevelData(ba, old.DistMap, old.NComp, old.NGhost, old.T)
	s.shadowTmp.IStep = old.IStep
	if err := averageDown(ctx, old, s.shadowTmp); err != nil {
		return err
	}
	return s.Integrator.Advance(ctx, -1)
}
