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

package ensemble

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/rpc"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
)

// Cluster hands jobs to a pool of workers, one job per worker at a time.
type Cluster struct {
	requestChan chan *request
	wg          sync.WaitGroup

	// DialTimeout is how long to keep trying to reach a worker that is
	// still starting up. The default is one minute.
	DialTimeout time.Duration

	Log logrus.FieldLogger
}

// NewCluster returns a cluster with no workers.
func NewCluster() *Cluster {
	return &Cluster{
		requestChan: make(chan *request),
		DialTimeout: time.Minute,
		Log:         logrus.StandardLogger(),
	}
}

type request struct {
	ctx        context.Context
	job        *Job
	result     Result
	err        error
	returnChan chan *request
}

// AddWorker connects to the worker listening at addr, retrying until it
// answers or DialTimeout passes, and starts feeding it jobs.
func (c *Cluster) AddWorker(ctx context.Context, addr string) error {
	var client *rpc.Client
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.DialTimeout
	err := backoff.RetryNotify(
		func() error {
			var err error
			client, err = rpc.DialHTTP("tcp", addr)
			if err != nil {
				return err
			}
			if err = client.Call("Worker.Ping", &Empty{}, &Empty{}); err != nil {
				client.Close()
				return err
			}
			return nil
		},
		backoff.WithContext(b, ctx),
		func(err error, d time.Duration) {
			c.Log.WithError(err).WithField("worker", addr).Warnf("worker not ready; retrying in %v", d)
		},
	)
	if err != nil {
		return fmt.Errorf("ensemble: dialing %s: %v", addr, err)
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer client.Close()
		for req := range c.requestChan {
			call := client.Go("Worker.Simulate", req.job, &req.result, make(chan *rpc.Call, 1))
			select {
			case <-call.Done:
				req.err = call.Error
			case <-req.ctx.Done():
				req.err = req.ctx.Err()
			}
			req.returnChan <- req
		}
	}()
	c.Log.WithField("worker", addr).Info("worker added")
	return nil
}

// Run runs jobs on the workers and returns their results in the same
// order. It returns the first error, after all jobs have finished.
func (c *Cluster) Run(ctx context.Context, jobs []*Job) ([]*Result, error) {
	reqs := make([]*request, len(jobs))
	for i, j := range jobs {
		reqs[i] = &request{ctx: ctx, job: j, returnChan: make(chan *request, 1)}
	}
	go func() {
		for _, r := range reqs {
			select {
			case c.requestChan <- r:
			case <-ctx.Done():
				r.err = ctx.Err()
				r.returnChan <- r
			}
		}
	}()
	results := make([]*Result, len(jobs))
	var firstErr error
	for i, r := range reqs {
		rr := <-r.returnChan
		res := rr.result
		results[i] = &res
		err := rr.err
		if err == nil && res.PhysicsError != "" {
			err = &JobError{Name: rr.job.Name, Msg: res.PhysicsError}
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
		c.Log.WithFields(logrus.Fields{
			"job":     rr.job.Name,
			"elapsed": res.Elapsed,
		}).Info("job done")
	}
	return results, firstErr
}

// Shutdown disconnects from all workers. It must not be called while Run
// is in progress.
func (c *Cluster) Shutdown() {
	close(c.requestChan)
	c.wg.Wait()
}

// NodeFile returns the unique host names in the first column of the
// comma separated file at path, such as the $PBS_NODEFILE of a batch job.
func NodeFile(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("ensemble: node file not defined")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	lines, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var nodes []string
	for _, l := range lines {
		if len(l) == 0 || seen[l[0]] {
			continue
		}
		seen[l[0]] = true
		nodes = append(nodes, l[0])
	}
	return nodes, nil
}
