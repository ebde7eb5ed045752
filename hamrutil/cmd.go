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

// Package hamrutil holds the command-line interface and configuration
// handling for hamr.
package hamrutil

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/lnashier/viper"
	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/hamr"
	"github.com/spatialmodel/hamr/ensemble"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Cfg holds configuration information.
var Cfg *viper.Viper

var options []struct {
	name, usage, shorthand string
	defaultVal             interface{}
	flagsets               []*pflag.FlagSet
}

func init() {
	simFlags := func(extra ...*pflag.FlagSet) []*pflag.FlagSet {
		return append([]*pflag.FlagSet{runCmd.Flags(), layoutCmd.Flags(), ensembleCmd.Flags()}, extra...)
	}
	ckptFlags := []*pflag.FlagSet{runCmd.Flags(), checkpointCmd.PersistentFlags(), ensembleCmd.Flags()}

	// Options are the configuration options available to hamr.
	options = []struct {
		name, usage, shorthand string
		defaultVal             interface{}
		flagsets               []*pflag.FlagSet
	}{
		{
			name: "config",
			usage: `
              config specifies the configuration file location.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "LogLevel",
			usage: `
              LogLevel is the minimum severity of log messages to print:
              debug, info, warning or error.`,
			defaultVal: "info",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "CoarseLevelGridSize",
			usage: `
              CoarseLevelGridSize is the number of cells along each side of
              the coarse level. It must be a power of 2.`,
			defaultVal: 64,
			flagsets:   simFlags(),
		},
		{
			name: "MaxLevel",
			usage: `
              MaxLevel is the deepest refinement level allowed. Level 0 is
              the coarse level.`,
			defaultVal: 2,
			flagsets:   simFlags(),
		},
		{
			name: "L",
			usage: `
              L is the side length of the periodic simulation box.`,
			defaultVal: 1.0,
			flagsets:   simFlags(),
		},
		{
			name: "CFL",
			usage: `
              CFL is the Courant number. The coarse level time step is
              CFL * L / CoarseLevelGridSize / MaxSpeed.`,
			defaultVal: 0.2,
			flagsets:   simFlags(),
		},
		{
			name: "MaxSpeed",
			usage: `
              MaxSpeed is the largest characteristic speed of the equations.`,
			defaultVal: 1.0,
			flagsets:   simFlags(),
		},
		{
			name: "TStart",
			usage: `
              TStart is the simulation start time.`,
			defaultVal: 0.0,
			flagsets:   simFlags(),
		},
		{
			name: "TEnd",
			usage: `
              TEnd is the simulation end time.`,
			defaultVal: 1.0,
			flagsets:   simFlags(),
		},
		{
			name: "BlockingFactor",
			usage: `
              BlockingFactor gives the blocking factor of each level. Boxes
              on a level are aligned to and sized in multiples of it. The
              last value is used for deeper levels.`,
			defaultVal: []int{8},
			flagsets:   simFlags(),
		},
		{
			name: "MaxGridSize",
			usage: `
              MaxGridSize is the longest side of a box on the coarse level.`,
			defaultVal: 64,
			flagsets:   simFlags(),
		},
		{
			name: "NGhost",
			usage: `
              NGhost is the number of ghost cells around each box. It needs
              to be smaller than every blocking factor.`,
			defaultVal: 1,
			flagsets:   simFlags(),
		},
		{
			name: "NRanks",
			usage: `
              NRanks is the number of ranks the boxes are distributed over.
              It must be a power of 2.`,
			defaultVal: 1,
			flagsets:   simFlags(),
		},
		{
			name: "InterpolationType",
			usage: `
              InterpolationType selects how new fine cells are filled from
              coarse data: 0=piecewise constant, 1=conservative linear,
              2=quadratic, 4=conservative quartic.`,
			defaultVal: 1,
			flagsets:   simFlags(),
		},
		{
			name: "Integrator.Type",
			usage: `
              Integrator.Type selects the time integrator: 0=user RK
              tableau, 1=forward Euler, 2=trapezoid, 3=SSPRK3, 4=RK4,
              10=low-storage SSPRK3, 11=leapfrog, 20=user RKN tableau,
              21=RKN4, 22=RKN5.`,
			defaultVal: 10,
			flagsets:   simFlags(),
		},
		{
			name: "Integrator.Nodes",
			usage: `
              Integrator.Nodes holds the nodes of a user-supplied tableau,
              as a comma separated list.`,
			defaultVal: "",
			flagsets:   simFlags(),
		},
		{
			name: "Integrator.Tableau",
			usage: `
              Integrator.Tableau holds the lower triangle of a user-supplied
              tableau, diagonal included, row by row as a comma separated list.`,
			defaultVal: "",
			flagsets:   simFlags(),
		},
		{
			name: "Integrator.Weights",
			usage: `
              Integrator.Weights holds the weights of a user-supplied tableau.`,
			defaultVal: "",
			flagsets:   simFlags(),
		},
		{
			name: "Integrator.WeightsBar",
			usage: `
              Integrator.WeightsBar holds the position weights of a
              user-supplied RKN tableau.`,
			defaultVal: "",
			flagsets:   simFlags(),
		},
		{
			name: "RegridDt",
			usage: `
              RegridDt is the simulation time between regrids of the coarse
              level. Finer levels regrid proportionally more often. A
              negative value disables regridding.`,
			defaultVal: -1.0,
			flagsets:   simFlags(),
		},
		{
			name: "NErrorBuf",
			usage: `
              NErrorBuf is the number of buffer cells added around tagged
              cells.`,
			defaultVal: 1,
			flagsets:   simFlags(),
		},
		{
			name: "MaxLocalRegrids",
			usage: `
              MaxLocalRegrids is the number of local regrids after which a
              global regrid is done instead.`,
			defaultVal: 10,
			flagsets:   simFlags(),
		},
		{
			name: "VolumeThresholdStrong",
			usage: `
              VolumeThresholdStrong is the growth of the volume of a single
              level, as a ratio, beyond which a global regrid is done
              instead of a local one.`,
			defaultVal: 1.05,
			flagsets:   simFlags(),
		},
		{
			name: "VolumeThresholdWeak",
			usage: `
              VolumeThresholdWeak is the accumulated growth of the volume of
              a level since the last global regrid beyond which a global
              regrid is done instead of a local one.`,
			defaultVal: 1.1,
			flagsets:   simFlags(),
		},
		{
			name: "TECrit",
			usage: `
              TECrit holds the truncation error threshold of each field as a
              comma separated list. When set, refinement is driven by
              truncation errors instead of the physics' tagging criteria;
              use +Inf to ignore a field.`,
			defaultVal: "",
			flagsets:   simFlags(),
		},
		{
			name: "ForceGlobalRegridAtRestart",
			usage: `
              ForceGlobalRegridAtRestart makes the first regrid after a
              restart a global one.`,
			defaultVal: false,
			flagsets:   simFlags(),
		},
		{
			name: "SemistaticSim",
			usage: `
              SemistaticSim keeps the grid static after it has been created.`,
			defaultVal: false,
			flagsets:   simFlags(),
		},
		{
			name: "IncreaseCoarseLevelResolution",
			usage: `
              IncreaseCoarseLevelResolution doubles the resolution of the
              coarse level after the initial state has been created.`,
			defaultVal: false,
			flagsets:   simFlags(),
		},
		{
			name: "Physics.Name",
			usage: `
              Physics.Name selects the equations to solve. Currently
              'minimal' is the only option.`,
			defaultVal: "minimal",
			flagsets:   simFlags(),
		},
		{
			name: "Physics.Lambda",
			usage: `
              Physics.Lambda scales the potential of the minimal physics.`,
			defaultVal: 1.0,
			flagsets:   simFlags(),
		},
		{
			name: "Physics.Modes",
			usage: `
              Physics.Modes is the number of Fourier modes along each axis
              of the initial phase field of the minimal physics.`,
			defaultVal: 1,
			flagsets:   simFlags(),
		},
		{
			name: "Physics.GradientThreshold",
			usage: `
              Physics.GradientThreshold is the change of a field between
              neighbouring cells above which a cell is refined.`,
			defaultVal: 0.1,
			flagsets:   simFlags(),
		},
		{
			name: "Checkpoint.Bucket",
			usage: `
              Checkpoint.Bucket is the location checkpoints are written to
              and read from, as a URL: file:///path, gs://bucket, s3://bucket
              or mem:// for an in-memory bucket.`,
			defaultVal: "file://${HOME}/hamr",
			flagsets:   ckptFlags,
		},
		{
			name: "Checkpoint.Prefix",
			usage: `
              Checkpoint.Prefix is the directory within the bucket that
              holds the checkpoints of this simulation.`,
			defaultVal: "hamr",
			flagsets:   ckptFlags,
		},
		{
			name: "Checkpoint.Interval",
			usage: `
              Checkpoint.Interval is the simulation time between checkpoints.
              Zero writes only the final one.`,
			defaultVal: 0.0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), ensembleCmd.Flags()},
		},
		{
			name: "Checkpoint.Retention",
			usage: `
              Checkpoint.Retention is the number of checkpoints to keep.
              Zero keeps all of them.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), ensembleCmd.Flags()},
		},
		{
			name: "Checkpoint.Compress",
			usage: `
              Checkpoint.Compress compresses checkpoint data with zstd.`,
			defaultVal: true,
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), ensembleCmd.Flags()},
		},
		{
			name: "Restart",
			usage: `
              Restart continues the simulation from a checkpoint instead of
              starting from the initial state.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "RestartID",
			usage: `
              RestartID is the checkpoint to restart from. The latest one is
              used if it is empty.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "MetricsFile",
			usage: `
              MetricsFile is where the timer histograms are written in the
              Prometheus text format when the run finishes. Nothing is written
              if it is empty.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "layoutranks",
			usage: `
              layoutranks is the number of ranks to compute the coarse level
              layout for.`,
			defaultVal: 1,
			flagsets:   []*pflag.FlagSet{layoutCmd.Flags()},
		},
		{
			name: "rpcport",
			usage: `
              rpcport specifies the port to be used for RPC communication
              with ensemble workers.`,
			defaultVal: ensemble.RPCPort,
			flagsets:   []*pflag.FlagSet{workerCmd.Flags(), ensembleCmd.Flags()},
		},
		{
			name: "Ensemble.Workers",
			usage: `
              Ensemble.Workers lists the hosts running workers. If empty,
              the hosts in $PBS_NODEFILE are used.`,
			defaultVal: []string{},
			flagsets:   []*pflag.FlagSet{ensembleCmd.Flags()},
		},
		{
			name: "Ensemble.Lambdas",
			usage: `
              Ensemble.Lambdas lists the values of Physics.Lambda to
              simulate, one job each, as a comma separated list.`,
			defaultVal: "1",
			flagsets:   []*pflag.FlagSet{ensembleCmd.Flags()},
		},
	}

	Cfg = viper.New()

	// Set the prefix for configuration environment variables.
	Cfg.SetEnvPrefix("HAMR")
	Cfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	Cfg.AutomaticEnv()

	for _, option := range options {
		for i, set := range option.flagsets {
			if i != 0 { // We don't want to create the same flag twice.
				set.AddFlag(option.flagsets[0].Lookup(option.name))
				continue
			}
			switch v := option.defaultVal.(type) {
			case string:
				set.StringP(option.name, option.shorthand, v, option.usage)
			case []string:
				set.StringSliceP(option.name, option.shorthand, v, option.usage)
			case bool:
				set.BoolP(option.name, option.shorthand, v, option.usage)
			case int:
				set.IntP(option.name, option.shorthand, v, option.usage)
			case []int:
				set.IntSliceP(option.name, option.shorthand, v, option.usage)
			case float64:
				set.Float64P(option.name, option.shorthand, v, option.usage)
			default:
				panic("invalid argument type")
			}
			Cfg.BindPFlag(option.name, set.Lookup(option.name))
		}
	}
}

func init() {
	// Link the commands together.
	Root.AddCommand(versionCmd)
	Root.AddCommand(runCmd)
	Root.AddCommand(layoutCmd)
	Root.AddCommand(checkpointCmd)
	checkpointCmd.AddCommand(checkpointListCmd)
	checkpointCmd.AddCommand(checkpointInfoCmd)
	Root.AddCommand(workerCmd)
	Root.AddCommand(ensembleCmd)
}

// setConfig finds and reads in the configuration file, if there is one,
// and sets up logging.
func setConfig() error {
	if cfgpath := os.ExpandEnv(Cfg.GetString("config")); cfgpath != "" {
		Cfg.SetConfigFile(cfgpath)
		if err := Cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("hamr: problem reading configuration file: %v", err)
		}
	}
	lvl, err := logrus.ParseLevel(Cfg.GetString("LogLevel"))
	if err != nil {
		return fmt.Errorf("hamr: invalid LogLevel: %v", err)
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return nil
}

// Root is the main command.
var Root = &cobra.Command{
	Use:   "hamr",
	Short: "An adaptive mesh refinement engine for scalar fields.",
	Long: `hamr evolves scalar fields on a periodic cubic lattice with adaptive,
block-structured mesh refinement and subcycling in time.
Use the subcommands specified below to access the model functionality.

Refer to the subcommand documentation for configuration options and default settings.
Configuration can be changed by using a configuration file (and providing the
path to the file using the --config flag), by using command-line arguments,
or by setting environment variables in the format 'HAMR_var' where 'var' is the
name of the variable to be set, with dots replaced by underscores.
Refer to https://github.com/spf13/viper for additional configuration information.`,
	DisableAutoGenTag: true,
	PersistentPreRunE: func(*cobra.Command, []string) error { return setConfig() },
	SilenceUsage:      true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  "version prints the version number of this version of hamr.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("hamr v%s\n", hamr.Version)
	},
	DisableAutoGenTag: true,
}

// runCmd runs a simulation.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a simulation.",
	Long: `run runs a simulation from TStart to TEnd, writing checkpoints to
Checkpoint.Bucket. With --Restart it continues from a checkpoint instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := SimConfig(Cfg)
		if err != nil {
			return err
		}
		p, err := NewPhysics(Cfg.GetString("Physics.Name"), c, PhysicsParams(Cfg))
		if err != nil {
			return err
		}
		metrics := os.ExpandEnv(Cfg.GetString("MetricsFile"))
		return Run(context.Background(), c, p, CheckpointConfig(Cfg), metrics, logrus.StandardLogger())
	},
	DisableAutoGenTag: true,
}

// layoutCmd prints the coarse level layout.
var layoutCmd = &cobra.Command{
	Use:   "layout",
	Short: "Print the coarse level box layout.",
	Long: `layout prints the boxes the coarse level is divided into and the rank
owning each one when running on --layoutranks ranks.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := SimConfig(Cfg)
		if err != nil {
			return err
		}
		return Layout(cmd.OutOrStdout(), c, Cfg.GetInt("layoutranks"))
	},
	DisableAutoGenTag: true,
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect checkpoints.",
	Long: `checkpoint inspects the checkpoints in Checkpoint.Bucket under
Checkpoint.Prefix.`,
	DisableAutoGenTag: true,
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the checkpoints.",
	Long:  "list prints the id, time and finest level of every checkpoint.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return ListCheckpoints(context.Background(), cmd.OutOrStdout(), CheckpointConfig(Cfg))
	},
	DisableAutoGenTag: true,
}

var checkpointInfoCmd = &cobra.Command{
	Use:   "info [id]",
	Short: "Print the header of a checkpoint.",
	Long: `info prints the header of the checkpoint with the given id, or of the
latest checkpoint if no id is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var id string
		if len(args) == 1 {
			id = args[0]
		}
		return CheckpointInfo(context.Background(), cmd.OutOrStdout(), CheckpointConfig(Cfg), id)
	},
	DisableAutoGenTag: true,
}

// workerCmd starts an ensemble worker.
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start an ensemble worker.",
	Long: `worker starts a worker that listens over RPC for simulation requests,
runs the simulations, and returns a summary of each.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return ensemble.WorkerListen(ensemble.NewWorker(physicsFunc), Cfg.GetString("rpcport"))
	},
	DisableAutoGenTag: true,
}

// ensembleCmd runs an ensemble of simulations on remote workers.
var ensembleCmd = &cobra.Command{
	Use:   "ensemble",
	Short: "Run an ensemble of simulations.",
	Long: `ensemble runs one simulation for each value in Ensemble.Lambdas on the
workers listed in Ensemble.Workers, or on the hosts in $PBS_NODEFILE.
Workers need to be started beforehand with 'hamr worker'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := SimConfig(Cfg)
		if err != nil {
			return err
		}
		jobs, err := EnsembleJobs(Cfg, c)
		if err != nil {
			return err
		}
		workers := Cfg.GetStringSlice("Ensemble.Workers")
		if len(workers) == 0 {
			if workers, err = ensemble.NodeFile(os.Getenv("PBS_NODEFILE")); err != nil {
				return err
			}
		}
		return RunEnsemble(context.Background(), cmd.OutOrStdout(), jobs, workers, Cfg.GetString("rpcport"))
	},
	DisableAutoGenTag: true,
}
