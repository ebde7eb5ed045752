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

// Package ensemble runs independent simulations on a pool of remote
// workers over RPC. Each job is a complete simulation that writes its
// checkpoints to a shared bucket; nothing is exchanged between jobs.
package ensemble

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/rpc"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/hamr"
)

// RPCPort is the default port for RPC communication.
const RPCPort = "6061"

// Job describes one simulation of an ensemble.
type Job struct {
	Name   string
	Config hamr.Config

	// Physics names the physics to run, and Params holds its settings.
	Physics string
	Params  map[string]float64

	// Bucket is the URL of the bucket checkpoints are written to, and
	// the checkpoints of this job go under Prefix/Name.
	Bucket, Prefix string

	// CheckpointInterval is the simulation time between checkpoints;
	// zero writes only the final one.
	CheckpointInterval float64
	Retention          int
	Compress           bool
}

// Result is the outcome of a Job.
type Result struct {
	Name         string
	Checkpoint   string // id of the final checkpoint
	Time         float64
	Steps        int
	FinestLevel  int
	NumPts       []int // per level
	Elapsed      time.Duration
	PhysicsError string // set when the simulation failed
}

// Empty is a placeholder for RPC arguments and replies that carry no data.
type Empty struct{}

// PhysicsFunc returns the physics called name with the given settings.
type PhysicsFunc func(name string, c *hamr.Config, params map[string]float64) (hamr.Physics, error)

// Worker runs simulations for remote callers. Its exported methods meet
// the requirements for use with rpc.Call.
type Worker struct {
	NewPhysics PhysicsFunc
	Log        logrus.FieldLogger
}

// NewWorker returns a worker that builds physics with f.
func NewWorker(f PhysicsFunc) *Worker {
	return &Worker{NewPhysics: f, Log: logrus.StandardLogger()}
}

// Ping replies immediately; it lets callers check that the worker is up.
func (w *Worker) Ping(_, _ *Empty) error { return nil }

// Simulate runs job to completion. Errors in the simulation itself are
// reported in result rather than as an RPC failure.
func (w *Worker) Simulate(job *Job, result *Result) error {
	start := time.Now()
	result.Name = job.Name
	log := w.Log.WithField("job", job.Name)
	if err := w.simulate(context.Background(), job, result, log); err != nil {
		log.WithError(err).Error("simulation failed")
		result.PhysicsError = err.Error()
	}
	result.Elapsed = time.Since(start)
	return nil
}

func (w *Worker) simulate(ctx context.Context, job *Job, result *Result, log logrus.FieldLogger) error {
	c := job.Config
	p, err := w.NewPhysics(job.Physics, &c, job.Params)
	if err != nil {
		return err
	}
	s, err := hamr.NewSim(&c, p)
	if err != nil {
		return err
	}
	s.Log = log

	bucket, err := hamr.OpenBucket(ctx, job.Bucket)
	if err != nil {
		return err
	}
	defer bucket.Close()
	m := hamr.NewCheckpointManager(bucket, job.Prefix+"/"+job.Name, job.Retention, job.Compress)
	m.Log = log

	s.InitFuncs = []hamr.SimManipulator{hamr.FromScratch()}
	s.RunFuncs = []hamr.SimManipulator{
		hamr.Step(),
		hamr.Log(),
		hamr.WriteCheckpointEvery(m, job.CheckpointInterval),
	}
	if err = s.Init(ctx); err != nil {
		return err
	}
	if err = s.Run(ctx); err != nil {
		return err
	}
	id, err := s.WriteCheckpoint(ctx, m)
	if err != nil {
		return err
	}
	result.Checkpoint = id
	result.Time = s.Time()
	result.Steps = s.GridNew[0].IStep
	result.FinestLevel = s.FinestLevel
	for lev := 0; lev <= s.FinestLevel; lev++ {
		result.NumPts = append(result.NumPts, s.GridNew[lev].NumPts())
	}
	log.WithField("checkpoint", id).Info("simulation finished")
	return nil
}

// Serve answers RPC requests for w on l until l is closed.
func (w *Worker) Serve(l net.Listener) error {
	srv := rpc.NewServer()
	if err := srv.RegisterName("Worker", w); err != nil {
		return err
	}
	return http.Serve(l, srv)
}

// WorkerListen directs w to listen for requests on port.
func WorkerListen(w *Worker, port string) error {
	l, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return err
	}
	w.Log.WithField("address", l.Addr().String()).Info("worker started")
	return w.Serve(l)
}

// JobError is returned when a simulation of an ensemble fails.
type JobError struct {
	Name, Msg string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("ensemble: job %s failed: %s", e.Name, e.Msg)
}
