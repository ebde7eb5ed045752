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

// Package hamr is an adaptive mesh refinement engine for scalar field
// simulations on periodic cubic lattices.
package hamr

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
)

// Version gives the version number.
const Version = "0.3.0"

// Sim holds the current state of a simulation.
type Sim struct {
	Config  *Config
	Physics Physics
	Fields  []ScalarField

	// Log receives status messages.
	Log logrus.FieldLogger

	Monitor   *PerformanceMonitor
	Transport Transport
	Layouts   *LayoutTracker

	Geom        []Geometry // per level
	Dt          []float64  // current step size per level
	FinestLevel int

	GridNew, GridOld []*LevelData

	// ShadowLevel is level 0 coarsened by 2 and advanced by 2*dt0. It is
	// used to estimate truncation errors on level 0.
	ShadowLevel, shadowTmp *LevelData

	Sync       *LevelSynchronizer
	Integrator *Integrator
	Stepper    *TimeStepper
	Scheduler  *RegridScheduler
	Regridder  *LocalRegrid

	// InitFuncs are run once by Init.
	InitFuncs []SimManipulator
	// RunFuncs are run in order, repeatedly, until Done is set.
	RunFuncs []SimManipulator
	// CleanupFuncs are run once by Cleanup.
	CleanupFuncs []SimManipulator

	// Done is set by a RunFunc when the simulation is finished.
	Done bool
}

// SimManipulator is a function that operates on a simulation.
type SimManipulator func(ctx context.Context, s *Sim) error

// NewSim validates cfg and sets up an empty hierarchy for p.
func NewSim(cfg *Config, p Physics) (*Sim, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fields := p.Fields()
	if err := checkFields(fields); err != nil {
		return nil, err
	}
	if len(cfg.TECrit) != 0 && len(cfg.TECrit) != len(fields) {
		return nil, fmt.Errorf("hamr: %d truncation error thresholds for %d fields", len(cfg.TECrit), len(fields))
	}
	c := *cfg
	c.BlockingFactor = append([]int(nil), cfg.BlockingFactor...)
	c.TECrit = append([]float64(nil), cfg.TECrit...)

	s := &Sim{
		Config:    &c,
		Physics:   p,
		Fields:    fields,
		Log:       logrus.StandardLogger(),
		Monitor:   NewPerformanceMonitor(c.MaxLevel),
		Transport: NewChanTransport(c.NRanks),
		Layouts:   NewLayoutTracker(),
	}
	s.setGeometry()
	s.GridNew = make([]*LevelData, c.MaxLevel+1)
	s.GridOld = make([]*LevelData, c.MaxLevel+1)
	for lev := range s.GridNew {
		s.GridNew[lev] = s.emptyLevel()
		s.GridOld[lev] = s.emptyLevel()
	}
	s.ShadowLevel = s.emptyLevel()
	s.shadowTmp = s.emptyLevel()

	s.Sync = NewLevelSynchronizer(s)
	var err error
	if s.Integrator, err = NewIntegrator(s, c.Integrator, c.Tableau); err != nil {
		return nil, err
	}
	s.Scheduler = NewRegridScheduler(c.RegridDt, c.MaxLevel, c.TStart)
	s.Regridder = NewLocalRegrid(s)
	s.Stepper = NewTimeStepper(s)
	return s, nil
}

func (s *Sim) emptyLevel() *LevelData {
	return &LevelData{T: undefinedTime, NComp: len(s.Fields), NGhost: s.Config.NGhost}
}

// setGeometry recomputes the per-level geometry and resets the step sizes
// to their CFL limits.
func (s *Sim) setGeometry() {
	s.Geom = make([]Geometry, s.Config.MaxLevel+1)
	s.Dt = make([]float64, s.Config.MaxLevel+1)
	for lev := range s.Geom {
		s.Geom[lev] = s.Config.LevelGeometry(lev)
		s.Dt[lev] = s.Geom[lev].Dt
	}
}

// setStepSize sets the level 0 step size and derives the finer ones.
func (s *Sim) setStepSize(dt0 float64) {
	for lev := range s.Dt {
		s.Dt[lev] = dt0 / float64(int(1)<<uint(lev))
	}
}

// shadow reports whether a shadow hierarchy is used.
func (s *Sim) shadow() bool { return s.Config.ShadowHierarchy() }

func (s *Sim) levelNew(lev int) *LevelData {
	if lev < 0 {
		return s.ShadowLevel
	}
	return s.GridNew[lev]
}

func (s *Sim) levelOld(lev int) *LevelData {
	if lev < 0 {
		return s.shadowTmp
	}
	return s.GridOld[lev]
}

func (s *Sim) dimN(lev int) int {
	if lev < 0 {
		return s.Config.LevelGeometry(lev).DimN
	}
	return s.Geom[lev].DimN
}

func (s *Sim) dx(lev int) float64 {
	if lev < 0 {
		return 2 * s.Geom[0].Dx
	}
	return s.Geom[lev].Dx
}

func (s *Sim) dt(lev int) float64 {
	if lev < 0 {
		return 2 * s.Dt[0]
	}
	return s.Dt[lev]
}

func (s *Sim) geometry(lev int) Geometry {
	if lev < 0 {
		return s.Config.LevelGeometry(lev)
	}
	return s.Geom[lev]
}

// LevelShouldExist reports whether level lev may exist at time t.
func (s *Sim) LevelShouldExist(lev int, t float64) bool {
	if lev > s.Config.MaxLevel {
		return false
	}
	if lc, ok := s.Physics.(LevelCreator); ok {
		return lc.CreateLevelIf(lev, t)
	}
	return true
}

// LevelExists reports whether level lev currently holds data.
func (s *Sim) LevelExists(lev int) bool {
	return lev >= 0 && lev <= s.FinestLevel && s.GridNew[lev].Defined()
}

// Time returns the current simulation time.
func (s *Sim) Time() float64 { return s.GridNew[0].T }

func (s *Sim) logger(lev int) logrus.FieldLogger {
	f := logrus.Fields{"level": lev}
	if lev >= 0 && lev < len(s.GridNew) {
		f["step"] = s.GridNew[lev].IStep
		f["t"] = s.GridNew[lev].T
	}
	return s.Log.WithFields(f)
}

// Init runs the InitFuncs.
func (s *Sim) Init(ctx context.Context) error {
	for _, f := range s.InitFuncs {
		if err := f(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// Run runs the RunFuncs until one of them sets Done.
func (s *Sim) Run(ctx context.Context) error {
	for !s.Done {
		for _, f := range s.RunFuncs {
			if err := f(ctx, s); err != nil {
				return err
			}
		}
	}
	return nil
}

// Cleanup runs the CleanupFuncs.
func (s *Sim) Cleanup(ctx context.Context) error {
	for _, f := range s.CleanupFuncs {
		if err := f(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// FromScratch builds the initial hierarchy at TStart.
func FromScratch() SimManipulator {
	return func(ctx context.Context, s *Sim) error {
		if err := s.InitFromScratch(ctx, s.Config.TStart); err != nil {
			return err
		}
		if s.Config.IncreaseCoarseLevelResolution {
			return s.Sync.IncreaseCoarseLevelResolution(ctx)
		}
		return nil
	}
}

// Restore restores the simulation from checkpoint id, or from the latest
// checkpoint if id is empty.
func Restore(m *CheckpointManager, id string) SimManipulator {
	return func(ctx context.Context, s *Sim) error {
		if id == "" {
			var err error
			if id, err = m.Latest(ctx); err != nil {
				return err
			}
		}
		return m.Read(ctx, s, id)
	}
}

// Step advances the hierarchy by one coarse step and sets Done once TEnd
// is reached.
func Step() SimManipulator {
	return func(ctx context.Context, s *Sim) error {
		if s.Time() >= s.Config.TEnd {
			s.Done = true
			return nil
		}
		if err := s.Stepper.Advance(ctx, 0); err != nil {
			return err
		}
		if s.Time() >= s.Config.TEnd || timesEqual(s.Time(), s.Config.TEnd) {
			s.Done = true
		}
		return nil
	}
}

// Log writes a status message after every coarse step.
func Log() SimManipulator {
	start := time.Now()
	last := time.Now()
	return func(ctx context.Context, s *Sim) error {
		s.Log.WithFields(logrus.Fields{
			"step":     s.GridNew[0].IStep,
			"t":        s.Time(),
			"dt":       s.Dt[0],
			"finest":   s.FinestLevel,
			"walltime": time.Since(start).Round(time.Millisecond),
			"Δwall":    time.Since(last).Round(time.Millisecond),
		}).Info("coarse step done")
		last = time.Now()
		return nil
	}
}

// WriteCheckpointEvery writes a checkpoint whenever the simulation time
// passes a multiple of interval. Non-positive intervals disable it.
func WriteCheckpointEvery(m *CheckpointManager, interval float64) SimManipulator {
	next := math.Inf(1)
	return func(ctx context.Context, s *Sim) error {
		if interval <= 0 || math.IsInf(interval, 0) {
			return nil
		}
		if math.IsInf(next, 1) {
			next = s.Config.TStart + interval*(math.Floor((s.Time()-s.Config.TStart)/interval)+1)
			s.Stepper.NextCheckpoint = next
		}
		if s.Time() < next && !timesEqual(s.Time(), next) {
			return nil
		}
		if _, err := m.Write(ctx, s); err != nil {
			return err
		}
		for next <= s.Time() || timesEqual(next, s.Time()) {
			next += interval
		}
		s.Stepper.NextCheckpoint = next
		return nil
	}
}

// FinalCheckpoint writes a checkpoint of the final state.
func FinalCheckpoint(m *CheckpointManager) SimManipulator {
	return func(ctx context.Context, s *Sim) error {
		_, err := m.Write(ctx, s)
		return err
	}
}

// ReportPerformance logs the accumulated timers. If metricsFile is not
// empty, the timer histograms are also written there.
func ReportPerformance(metricsFile string) SimManipulator {
	return func(ctx context.Context, s *Sim) error {
		s.Monitor.Log(s.Log)
		if metricsFile == "" {
			return nil
		}
		return s.Monitor.WriteMetrics(metricsFile)
	}
}
