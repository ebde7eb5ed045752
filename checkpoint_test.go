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
	"testing"

	"github.com/kr/pretty"
)

func newTestCheckpointManager(t *testing.T, retention int, compress bool) *CheckpointManager {
	t.Helper()
	b, err := OpenBucket(context.Background(), "mem://")
	if err != nil {
		t.Fatal(err)
	}
	m := NewCheckpointManager(b, "run", retention, compress)
	m.Log = quietLogger()
	return m
}

func TestCheckpointRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		ctx := context.Background()
		c := testConfig()
		p := newCubePhysics(c, 0.1)
		p.decay = 1
		s := newTestSim(t, c, p)
		if err := s.Stepper.Advance(ctx, 0); err != nil {
			t.Fatal(err)
		}
		m := newTestCheckpointManager(t, 0, compress)
		id, err := s.WriteCheckpoint(ctx, m)
		if err != nil {
			t.Fatal(err)
		}

		r, err := NewSim(c, p)
		if err != nil {
			t.Fatal(err)
		}
		r.Log = quietLogger()
		if err := m.Read(ctx, r, id); err != nil {
			t.Fatal(err)
		}
		if r.FinestLevel != s.FinestLevel {
			t.Fatalf("compress=%v: finest level %d, want %d", compress, r.FinestLevel, s.FinestLevel)
		}
		for lev := 0; lev <= s.FinestLevel; lev++ {
			want, got := s.GridNew[lev], r.GridNew[lev]
			if got.T != want.T || got.IStep != want.IStep {
				t.Errorf("level %d: t=%g step %d, want t=%g step %d", lev, got.T, got.IStep, want.T, want.IStep)
			}
			if diff := pretty.Diff(want.Boxes, got.Boxes); len(diff) > 0 {
				t.Errorf("level %d boxes: %v", lev, diff)
			}
			if diff := pretty.Diff(want.DistMap, got.DistMap); len(diff) > 0 {
				t.Errorf("level %d distribution: %v", lev, diff)
			}
			wv, gv := validValues(want), validValues(got)
			for b := range wv {
				for i := range wv[b] {
					if wv[b][i] != gv[b][i] {
						t.Fatalf("level %d array %d value %d: %g, want %g", lev, b, i, gv[b][i], wv[b][i])
					}
				}
			}
		}
		if r.Dt[0] != s.Dt[0] {
			t.Errorf("step size %g, want %g", r.Dt[0], s.Dt[0])
		}
		if !r.Config.ForceGlobalRegridAtRestart {
			t.Error("restart does not force a global regrid")
		}
		h, err := m.ReadHeader(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if h.NRanks != c.NRanks || h.Compressed != compress || h.Time != s.Time() {
			t.Errorf("header: %# v", pretty.Formatter(h))
		}
	}
}

func TestCheckpointRankMismatch(t *testing.T) {
	ctx := context.Background()
	c := testConfig()
	p := newCubePhysics(c, 0.1)
	s := newTestSim(t, c, p)
	m := newTestCheckpointManager(t, 0, false)
	id, err := m.Write(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	c4 := testConfig()
	c4.NRanks = 4
	r, err := NewSim(c4, p)
	if err != nil {
		t.Fatal(err)
	}
	err = m.Read(ctx, r, id)
	if !IsFatal(err) {
		t.Fatalf("reading with a different rank count: %v", err)
	}
	if r.FinestLevel != 0 || r.GridNew[0].Defined() {
		t.Error("a failed restore changed the simulation")
	}
	if _, err := m.ReadHeader(ctx, "99999999"); !IsFatal(err) {
		t.Errorf("missing header: %v", err)
	}
}

func TestCheckpointRetention(t *testing.T) {
	ctx := context.Background()
	c := testConfig()
	c.MaxLevel = 0
	s := newTestSim(t, c, newCubePhysics(c, 0.1))
	const n = 3
	m := newTestCheckpointManager(t, n, true)
	var ids []string
	for i := 0; i < n+1; i++ {
		id, err := m.Write(ctx, s)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
		if err := s.Stepper.Advance(ctx, 0); err != nil {
			t.Fatal(err)
		}
	}
	got, err := m.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := pretty.Diff(ids[1:], got); len(diff) > 0 {
		t.Errorf("remaining checkpoints: %v", diff)
	}
	latest, err := m.Latest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if latest != ids[n] {
		t.Errorf("latest %s, want %s", latest, ids[n])
	}
	if ok, _ := m.Bucket.Exists(ctx, m.key(ids[0], levelDir(0), cellName)+".zst"); ok {
		t.Error("data of the deleted checkpoint is still there")
	}
}

func TestCheckpointMalformedHeader(t *testing.T) {
	ctx := context.Background()
	c := testConfig()
	p := newCubePhysics(c, 0.1)
	s := newTestSim(t, c, p)
	m := newTestCheckpointManager(t, 0, false)
	id, err := m.Write(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	for name, header := range map[string]string{
		"syntax":  "Version = [1\nFinestLevel =",
		"version": "Version = \"999\"\nFinestLevel = 0\n[[Levels]]\nLevel = 0\n",
		"levels":  "FinestLevel = 2\n",
	} {
		t.Run(name, func(t *testing.T) {
			if err := writeBlob(ctx, m.Bucket, m.key(id, headerName), []byte(header)); err != nil {
				t.Fatal(err)
			}
			if _, err := m.ReadHeader(ctx, id); !IsFatal(err) {
				t.Errorf("ReadHeader: %v", err)
			}
			r, err := NewSim(c, p)
			if err != nil {
				t.Fatal(err)
			}
			if err := m.Read(ctx, r, id); !IsFatal(err) {
				t.Errorf("Read: %v", err)
			}
			if r.GridNew[0].Defined() {
				t.Error("a failed restore changed the simulation")
			}
		})
	}
}

func TestCheckpointPruneIncomplete(t *testing.T) {
	ctx := context.Background()
	c := testConfig()
	c.MaxLevel = 0
	s := newTestSim(t, c, newCubePhysics(c, 0.1))
	m := newTestCheckpointManager(t, 0, false)
	first, err := m.Write(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	// The remains of a write that stopped before its header.
	partial := m.key("00000001", boxArraysName)
	if err := writeBlob(ctx, m.Bucket, partial, []byte("partial")); err != nil {
		t.Fatal(err)
	}
	second, err := m.Write(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	if second != "00000002" {
		t.Errorf("new checkpoint %s, want 00000002", second)
	}
	if ok, _ := m.Bucket.Exists(ctx, partial); ok {
		t.Error("incomplete checkpoint was not deleted")
	}
	got, err := m.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := pretty.Diff([]string{first, second}, got); len(diff) > 0 {
		t.Errorf("checkpoints: %v", diff)
	}
}
