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
	"context"
	"fmt"
	"io"
	"net"
	"text/tabwriter"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/hamr"
	"github.com/spatialmodel/hamr/ensemble"
)

// Run runs a simulation of physics p with configuration c from TStart, or
// from a checkpoint when ck.Restart is set, to TEnd. Timer histograms are
// written to metricsFile if it is not empty.
func Run(ctx context.Context, c *hamr.Config, p hamr.Physics, ck CheckpointOptions, metricsFile string, log logrus.FieldLogger) error {
	s, err := hamr.NewSim(c, p)
	if err != nil {
		return err
	}
	s.Log = log
	bucket, err := hamr.OpenBucket(ctx, ck.Bucket)
	if err != nil {
		return err
	}
	defer bucket.Close()
	m := hamr.NewCheckpointManager(bucket, ck.Prefix, ck.Retention, ck.Compress)
	m.Log = log

	if ck.Restart {
		s.InitFuncs = []hamr.SimManipulator{hamr.Restore(m, ck.RestartID)}
	} else {
		s.InitFuncs = []hamr.SimManipulator{hamr.FromScratch()}
	}
	s.RunFuncs = []hamr.SimManipulator{
		hamr.Step(),
		hamr.Log(),
		hamr.WriteCheckpointEvery(m, ck.Interval),
	}
	s.CleanupFuncs = []hamr.SimManipulator{
		hamr.FinalCheckpoint(m),
		hamr.ReportPerformance(metricsFile),
	}

	log.WithFields(logrus.Fields{
		"physics":    fmt.Sprintf("%T", p),
		"integrator": c.Integrator,
		"grid":       c.CoarseLevelGridSize,
		"maxlevel":   c.MaxLevel,
	}).Info("starting simulation")
	if err = s.Init(ctx); err != nil {
		return err
	}
	if err = s.Run(ctx); err != nil {
		return err
	}
	return s.Cleanup(ctx)
}

// Layout writes the coarse level boxes of c and their ranks when run on
// nranks ranks.
func Layout(w io.Writer, c *hamr.Config, nranks int) error {
	if nranks < 1 {
		return fmt.Errorf("hamr: layoutranks needs to be >= 1")
	}
	ba, dm := hamr.DetermineBoxLayout(c, nranks)
	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	fmt.Fprintln(tw, "box\trank\tcells")
	for i, b := range ba {
		fmt.Fprintf(tw, "%v\t%d\t%d\n", b, dm[i], b.NumPts())
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d boxes on %d ranks\n", len(ba), nranks)
	return err
}

func openCheckpoints(ctx context.Context, ck CheckpointOptions) (*hamr.CheckpointManager, func(), error) {
	bucket, err := hamr.OpenBucket(ctx, ck.Bucket)
	if err != nil {
		return nil, nil, err
	}
	return hamr.NewCheckpointManager(bucket, ck.Prefix, 0, false), func() { bucket.Close() }, nil
}

// ListCheckpoints writes a summary of every checkpoint in ck.Bucket.
func ListCheckpoints(ctx context.Context, w io.Writer, ck CheckpointOptions) error {
	m, done, err := openCheckpoints(ctx, ck)
	if err != nil {
		return err
	}
	defer done()
	ids, err := m.List(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	fmt.Fprintln(tw, "id\ttime\tfinest level\twritten")
	for _, id := range ids {
		h, err := m.ReadHeader(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%g\t%d\t%s\n", id, h.Time, h.FinestLevel, h.Written.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}

// CheckpointInfo writes the header of checkpoint id, or of the latest
// checkpoint if id is empty, in TOML format.
func CheckpointInfo(ctx context.Context, w io.Writer, ck CheckpointOptions, id string) error {
	m, done, err := openCheckpoints(ctx, ck)
	if err != nil {
		return err
	}
	defer done()
	if id == "" {
		if id, err = m.Latest(ctx); err != nil {
			return err
		}
	}
	h, err := m.ReadHeader(ctx, id)
	if err != nil {
		return err
	}
	return toml.NewEncoder(w).Encode(h)
}

// RunEnsemble runs jobs on the workers at hosts, listening on port, and
// writes a summary of the results.
func RunEnsemble(ctx context.Context, w io.Writer, jobs []*ensemble.Job, hosts []string, port string) error {
	if len(hosts) == 0 {
		return fmt.Errorf("hamr: no ensemble workers")
	}
	c := ensemble.NewCluster()
	defer c.Shutdown()
	for _, h := range hosts {
		if err := c.AddWorker(ctx, net.JoinHostPort(h, port)); err != nil {
			return err
		}
	}
	results, err := c.Run(ctx, jobs)
	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	fmt.Fprintln(tw, "job\tcheckpoint\ttime\tfinest level\telapsed\terror")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%g\t%d\t%v\t%s\n", r.Name, r.Checkpoint, r.Time, r.FinestLevel, r.Elapsed, r.PhysicsError)
	}
	if ferr := tw.Flush(); err == nil {
		err = ferr
	}
	return err
}
