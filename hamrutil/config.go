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

package hamrutil

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/lnashier/viper"
	"github.com/spatialmodel/hamr"
	"github.com/spatialmodel/hamr/ensemble"
	"github.com/spatialmodel/hamr/physics/minimal"
	"github.com/spf13/cast"
)

// SimConfig creates a new simulation configuration from the given viper
// configuration and checks it for problems.
func SimConfig(cfg *viper.Viper) (*hamr.Config, error) {
	bf, err := toIntSliceE(cfg.Get("BlockingFactor"))
	if err != nil {
		return nil, fmt.Errorf("hamr: BlockingFactor: %v", err)
	}
	teCrit, err := toFloatSliceE(cfg.Get("TECrit"))
	if err != nil {
		return nil, fmt.Errorf("hamr: TECrit: %v", err)
	}
	regridDt := cfg.GetFloat64("RegridDt")
	if regridDt <= 0 {
		regridDt = math.Inf(1)
	}
	c := &hamr.Config{
		CoarseLevelGridSize:           cfg.GetInt("CoarseLevelGridSize"),
		MaxLevel:                      cfg.GetInt("MaxLevel"),
		L:                             cfg.GetFloat64("L"),
		CFL:                           cfg.GetFloat64("CFL"),
		MaxSpeed:                      cfg.GetFloat64("MaxSpeed"),
		TStart:                        cfg.GetFloat64("TStart"),
		TEnd:                          cfg.GetFloat64("TEnd"),
		BlockingFactor:                bf,
		MaxGridSize:                   cfg.GetInt("MaxGridSize"),
		NGhost:                        cfg.GetInt("NGhost"),
		NRanks:                        cfg.GetInt("NRanks"),
		Interpolation:                 hamr.InterpType(cfg.GetInt("InterpolationType")),
		Integrator:                    hamr.IntegratorType(cfg.GetInt("Integrator.Type")),
		RegridDt:                      regridDt,
		NErrorBuf:                     cfg.GetInt("NErrorBuf"),
		MaxLocalRegrids:               cfg.GetInt("MaxLocalRegrids"),
		VolumeThresholdStrong:         cfg.GetFloat64("VolumeThresholdStrong"),
		VolumeThresholdWeak:           cfg.GetFloat64("VolumeThresholdWeak"),
		TECrit:                        teCrit,
		ForceGlobalRegridAtRestart:    cfg.GetBool("ForceGlobalRegridAtRestart"),
		SemistaticSim:                 cfg.GetBool("SemistaticSim"),
		IncreaseCoarseLevelResolution: cfg.GetBool("IncreaseCoarseLevelResolution"),
	}
	if c.Tableau, err = tableau(cfg, c.Integrator); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// tableau reads the user-supplied Butcher tableau if integrator t needs
// one.
func tableau(cfg *viper.Viper, t hamr.IntegratorType) (*hamr.ButcherTableau, error) {
	var kind hamr.TableauKind
	switch t {
	case hamr.RkButcherTableau:
		kind = hamr.RKTableau
	case hamr.RknButcherTableau:
		kind = hamr.RKNTableau
	default:
		return nil, nil
	}
	var v [4][]float64
	for i, name := range []string{"Integrator.Nodes", "Integrator.Tableau", "Integrator.Weights", "Integrator.WeightsBar"} {
		var err error
		if v[i], err = toFloatSliceE(cfg.Get(name)); err != nil {
			return nil, fmt.Errorf("hamr: %s: %v", name, err)
		}
	}
	return hamr.NewButcherTableau(kind, v[0], v[1], v[2], v[3])
}

// toIntSliceE converts s, which may be a slice read from a configuration
// file or a string set from the command line, to a slice of ints.
func toIntSliceE(s interface{}) ([]int, error) {
	switch v := s.(type) {
	case []int:
		return v, nil
	case []interface{}:
		return cast.ToIntSliceE(v)
	case string:
		v = strings.TrimSpace(v)
		if strings.HasPrefix(v, "[") {
			var o []int
			if err := json.Unmarshal([]byte(v), &o); err != nil {
				return nil, err
			}
			return o, nil
		}
		var o []int
		for _, f := range splitList(v) {
			i, err := strconv.Atoi(f)
			if err != nil {
				return nil, err
			}
			o = append(o, i)
		}
		return o, nil
	default:
		return cast.ToIntSliceE(s)
	}
}

// toFloatSliceE converts s to a slice of float64. Strings hold comma
// separated values and may contain "Inf".
func toFloatSliceE(s interface{}) ([]float64, error) {
	switch v := s.(type) {
	case nil:
		return nil, nil
	case []float64:
		return v, nil
	case []interface{}:
		o := make([]float64, len(v))
		for i, x := range v {
			var err error
			if o[i], err = cast.ToFloat64E(x); err != nil {
				return nil, err
			}
		}
		return o, nil
	case string:
		var o []float64
		for _, f := range splitList(strings.Trim(strings.TrimSpace(v), "[]")) {
			x, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, err
			}
			o = append(o, x)
		}
		return o, nil
	default:
		x, err := cast.ToFloat64E(s)
		if err != nil {
			return nil, err
		}
		return []float64{x}, nil
	}
}

func splitList(s string) []string {
	var o []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			o = append(o, f)
		}
	}
	return o
}

// PhysicsParams returns the settings of the physics in cfg.
func PhysicsParams(cfg *viper.Viper) map[string]float64 {
	return map[string]float64{
		"Lambda":            cfg.GetFloat64("Physics.Lambda"),
		"Modes":             cfg.GetFloat64("Physics.Modes"),
		"GradientThreshold": cfg.GetFloat64("Physics.GradientThreshold"),
	}
}

// NewPhysics returns the physics called name for configuration c.
func NewPhysics(name string, c *hamr.Config, params map[string]float64) (hamr.Physics, error) {
	switch name {
	case "minimal":
		p := minimal.New(c.L, params["GradientThreshold"])
		if l, ok := params["Lambda"]; ok {
			p.Lambda = l
		}
		if m, ok := params["Modes"]; ok {
			p.Modes = int(m)
		}
		if c.TStart <= 0 {
			return nil, fmt.Errorf("hamr: the minimal physics needs TStart > 0")
		}
		return p, nil
	default:
		return nil, fmt.Errorf("hamr: unknown physics %q", name)
	}
}

var physicsFunc ensemble.PhysicsFunc = NewPhysics

// CheckpointOptions holds the checkpoint settings of a run.
type CheckpointOptions struct {
	Bucket, Prefix string
	Interval       float64
	Retention      int
	Compress       bool
	Restart        bool
	RestartID      string
}

// CheckpointConfig reads the checkpoint settings in cfg, expanding
// environment variables in the bucket location.
func CheckpointConfig(cfg *viper.Viper) CheckpointOptions {
	return CheckpointOptions{
		Bucket:    os.ExpandEnv(cfg.GetString("Checkpoint.Bucket")),
		Prefix:    os.ExpandEnv(cfg.GetString("Checkpoint.Prefix")),
		Interval:  cfg.GetFloat64("Checkpoint.Interval"),
		Retention: cfg.GetInt("Checkpoint.Retention"),
		Compress:  cfg.GetBool("Checkpoint.Compress"),
		Restart:   cfg.GetBool("Restart"),
		RestartID: cfg.GetString("RestartID"),
	}
}

// EnsembleJobs returns one job per value of Ensemble.Lambdas, all based on
// configuration c.
func EnsembleJobs(cfg *viper.Viper, c *hamr.Config) ([]*ensemble.Job, error) {
	lambdas, err := toFloatSliceE(cfg.Get("Ensemble.Lambdas"))
	if err != nil {
		return nil, fmt.Errorf("hamr: Ensemble.Lambdas: %v", err)
	}
	if len(lambdas) == 0 {
		return nil, fmt.Errorf("hamr: Ensemble.Lambdas is empty")
	}
	ck := CheckpointConfig(cfg)
	jobs := make([]*ensemble.Job, len(lambdas))
	for i, l := range lambdas {
		params := PhysicsParams(cfg)
		params["Lambda"] = l
		jobs[i] = &ensemble.Job{
			Name:               fmt.Sprintf("lambda_%g", l),
			Config:             *c,
			Physics:            cfg.GetString("Physics.Name"),
			Params:             params,
			Bucket:             ck.Bucket,
			Prefix:             ck.Prefix,
			CheckpointInterval: ck.Interval,
			Retention:          ck.Retention,
			Compress:           ck.Compress,
		}
	}
	return jobs, nil
}
