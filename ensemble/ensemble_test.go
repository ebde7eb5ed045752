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
	"fmt"
	"io/ioutil"
	"math"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/kr/pretty"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spatialmodel/hamr"
	"github.com/spatialmodel/hamr/physics/minimal"
	"go.uber.org/goleak"
)

// ignoreOpenCensus ignores the stats worker that the blob drivers start
// when they are initialized.
var ignoreOpenCensus = goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start")

func newPhysics(name string, c *hamr.Config, params map[string]float64) (hamr.Physics, error) {
	if name != "minimal" {
		return nil, fmt.Errorf("unknown physics %q", name)
	}
	p := minimal.New(c.L, params["GradientThreshold"])
	return p, nil
}

func testJob(name, bucket string) *Job {
	c := hamr.DefaultConfig()
	c.CoarseLevelGridSize = 8
	c.MaxGridSize = 8
	c.L = 8
	c.TStart = 1
	c.TEnd = 1 + 2*c.CFL
	c.Integrator = hamr.Rkn4
	return &Job{
		Name:    name,
		Config:  *c,
		Physics: "minimal",
		Params:  map[string]float64{"GradientThreshold": 0},
		Bucket:  bucket,
		Prefix:  "ensemble",
	}
}

func startWorker(t *testing.T) (addr string, stop func()) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	w := NewWorker(newPhysics)
	w.Log, _ = test.NewNullLogger()
	done := make(chan struct{})
	go func() {
		w.Serve(l)
		close(done)
	}()
	return l.Addr().String(), func() {
		l.Close()
		<-done
	}
}

func TestCluster(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreOpenCensus)

	dir, err := ioutil.TempDir("", "hamr_ensemble")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	bucket := "file://" + dir

	ctx := context.Background()
	c := NewCluster()
	c.Log, _ = test.NewNullLogger()
	for i := 0; i < 2; i++ {
		addr, stop := startWorker(t)
		defer stop()
		if err := c.AddWorker(ctx, addr); err != nil {
			t.Fatal(err)
		}
	}

	jobs := []*Job{testJob("a", bucket), testJob("b", bucket), testJob("c", bucket)}
	results, err := c.Run(ctx, jobs)
	c.Shutdown()
	if err != nil {
		t.Fatal(err)
	}
	for i, r := range results {
		want := Result{
			Name:        jobs[i].Name,
			Checkpoint:  "00000000",
			Time:        r.Time,
			Steps:       2,
			FinestLevel: 0,
			NumPts:      []int{512},
			Elapsed:     r.Elapsed,
		}
		if math.Abs(r.Time-jobs[i].Config.TEnd) > 1e-12 {
			t.Errorf("job %s: final time %g, want %g", jobs[i].Name, r.Time, jobs[i].Config.TEnd)
		}
		if diff := pretty.Diff(*r, want); len(diff) > 0 {
			t.Errorf("job %s: %v", jobs[i].Name, diff)
		}
		if _, err := os.Stat(filepath.Join(dir, "ensemble", jobs[i].Name, "checkpoints", r.Checkpoint, "Header.toml")); err != nil {
			t.Errorf("job %s: %v", jobs[i].Name, err)
		}
	}
}

func TestClusterJobError(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreOpenCensus)

	ctx := context.Background()
	c := NewCluster()
	c.Log, _ = test.NewNullLogger()
	addr, stop := startWorker(t)
	defer stop()
	if err := c.AddWorker(ctx, addr); err != nil {
		t.Fatal(err)
	}
	job := testJob("bad", "mem://")
	job.Physics = "nonexistent"
	_, err := c.Run(ctx, []*Job{job})
	c.Shutdown()
	if _, ok := err.(*JobError); !ok {
		t.Errorf("expected a *JobError, got %#v", err)
	}
}

func TestNodeFile(t *testing.T) {
	f, err := ioutil.TempFile("", "nodes")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	fmt.Fprint(f, "n1\nn2\nn1\nn3\n")
	f.Close()

	nodes, err := NodeFile(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	if diff := pretty.Diff(nodes, []string{"n1", "n2", "n3"}); len(diff) > 0 {
		t.Error(diff)
	}
	if _, err := NodeFile(""); err == nil {
		t.Error("expected an error for an empty path")
	}
}
