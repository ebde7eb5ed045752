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
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/DataDog/zstd"
	"github.com/ctessum/cdf"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gocloud.dev/blob"

	"github.com/spatialmodel/hamr/internal/hash"
)

// CheckpointVersion is the layout version of checkpoints written by this
// package.
const CheckpointVersion = "1"

const (
	headerName    = "Header.toml"
	boxArraysName = "BoxArrays.gob"
	cellName      = "Cell.nc"
)

// LevelHeader describes one level in a checkpoint.
type LevelHeader struct {
	Level    int
	T        float64
	IStep    int
	NumBoxes int
	NumPts   int
}

// CheckpointHeader is the metadata of a checkpoint. It is written last.
type CheckpointHeader struct {
	Version             string
	ID                  string
	RunID               string
	Written             time.Time
	Time                float64
	Dt                  float64 // level 0 step size
	FinestLevel         int
	MaxLevel            int
	CoarseLevelGridSize int
	L                   float64
	NRanks              int
	NGhost              int
	Fields              []string
	Levels              []LevelHeader
	LastRegridTime      []float64
	Compressed          bool
	LayoutHash          string
}

// layoutRecord is the gob-encoded box layout of all levels.
type layoutRecord struct {
	Boxes    []BoxArray
	DistMaps [][]int
}

// CheckpointManager writes and reads snapshots of a simulation in a blob
// bucket. Snapshots live under <Prefix>/checkpoints/<id>/.
type CheckpointManager struct {
	Bucket *blob.Bucket
	Prefix string

	// Retention is the number of snapshots kept; older ones are deleted
	// after each write. Zero keeps all of them.
	Retention int

	// Compress enables zstd compression of the layout and field blobs.
	Compress bool

	// RunID identifies the run that wrote the snapshots.
	RunID string

	Log logrus.FieldLogger
}

// NewCheckpointManager returns a manager storing snapshots in bucket.
func NewCheckpointManager(bucket *blob.Bucket, prefix string, retention int, compress bool) *CheckpointManager {
	return &CheckpointManager{
		Bucket:    bucket,
		Prefix:    strings.Trim(prefix, "/"),
		Retention: retention,
		Compress:  compress,
		RunID:     uuid.New().String(),
		Log:       logrus.StandardLogger(),
	}
}

func (m *CheckpointManager) root() string {
	return path.Join(m.Prefix, "checkpoints") + "/"
}

func (m *CheckpointManager) key(id string, parts ...string) string {
	return path.Join(append([]string{m.root(), id}, parts...)...)
}

func levelDir(lev int) string { return "Level_" + strconv.Itoa(lev) }

func (m *CheckpointManager) put(ctx context.Context, key string, data []byte, compress bool) error {
	if compress {
		var err error
		if data, err = zstd.Compress(nil, data); err != nil {
			return fmt.Errorf("hamr: compressing %s: %v", key, err)
		}
		key += ".zst"
	}
	return retry(ctx, m.Log, func() error { return writeBlob(ctx, m.Bucket, key, data) })
}

func (m *CheckpointManager) get(ctx context.Context, key string, compressed bool) ([]byte, error) {
	if compressed {
		key += ".zst"
	}
	var data []byte
	err := retry(ctx, m.Log, func() error {
		var err error
		data, err = readBlob(ctx, m.Bucket, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	if compressed {
		if data, err = zstd.Decompress(nil, data); err != nil {
			return nil, fmt.Errorf("hamr: decompressing %s: %v", key, err)
		}
	}
	return data, nil
}

// snapshotDirs returns the ids of every snapshot directory in ascending
// order, and the set of those that have a header.
func (m *CheckpointManager) snapshotDirs(ctx context.Context) ([]string, map[string]bool, error) {
	iter := m.Bucket.List(&blob.ListOptions{Prefix: m.root(), Delimiter: "/"})
	var ids []string
	complete := make(map[string]bool)
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("hamr: listing checkpoints: %v", err)
		}
		if !obj.IsDir {
			continue
		}
		id := strings.Trim(strings.TrimPrefix(obj.Key, m.root()), "/")
		ok, err := m.Bucket.Exists(ctx, m.key(id, headerName))
		if err != nil {
			return nil, nil, fmt.Errorf("hamr: checking checkpoint %s: %v", id, err)
		}
		ids = append(ids, id)
		complete[id] = ok
	}
	sort.Strings(ids)
	return ids, complete, nil
}

// List returns the ids of the complete snapshots in ascending order.
func (m *CheckpointManager) List(ctx context.Context) ([]string, error) {
	dirs, complete, err := m.snapshotDirs(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, id := range dirs {
		if complete[id] {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Latest returns the id of the newest complete snapshot.
func (m *CheckpointManager) Latest(ctx context.Context) (string, error) {
	ids, err := m.List(ctx)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", fmt.Errorf("hamr: no checkpoints under %s", m.root())
	}
	return ids[len(ids)-1], nil
}

// nextID returns an id that sorts after every existing snapshot,
// complete or not.
func (m *CheckpointManager) nextID(ctx context.Context) (string, error) {
	iter := m.Bucket.List(&blob.ListOptions{Prefix: m.root(), Delimiter: "/"})
	n := 0
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("hamr: listing checkpoints: %v", err)
		}
		id := strings.Trim(strings.TrimPrefix(obj.Key, m.root()), "/")
		if i, err := strconv.Atoi(id); err == nil && i >= n {
			n = i + 1
		}
	}
	return fmt.Sprintf("%08d", n), nil
}

// Write saves the state of s as a new snapshot and returns its id.
func (m *CheckpointManager) Write(ctx context.Context, s *Sim) (string, error) {
	s.Monitor.Start(TimerCheckpoint, 0)
	defer s.Monitor.Stop(TimerCheckpoint, 0)

	id, err := m.nextID(ctx)
	if err != nil {
		return "", err
	}
	h := CheckpointHeader{
		Version:             CheckpointVersion,
		ID:                  id,
		RunID:               m.RunID,
		Written:             time.Now().UTC(),
		Time:                s.Time(),
		Dt:                  s.Dt[0],
		FinestLevel:         s.FinestLevel,
		MaxLevel:            s.Config.MaxLevel,
		CoarseLevelGridSize: s.Config.CoarseLevelGridSize,
		L:                   s.Config.L,
		NRanks:              s.Config.NRanks,
		NGhost:              s.Config.NGhost,
		LastRegridTime:      append([]float64(nil), s.Scheduler.LastRegridTime...),
		Compressed:          m.Compress,
	}
	for _, f := range s.Fields {
		h.Fields = append(h.Fields, f.Name)
	}

	var lr layoutRecord
	for lev := 0; lev <= s.FinestLevel; lev++ {
		ld := s.GridNew[lev]
		lr.Boxes = append(lr.Boxes, ld.Boxes)
		lr.DistMaps = append(lr.DistMaps, ld.DistMap)
		h.Levels = append(h.Levels, LevelHeader{
			Level:    lev,
			T:        ld.T,
			IStep:    ld.IStep,
			NumBoxes: len(ld.Boxes),
			NumPts:   ld.NumPts(),
		})
	}
	h.LayoutHash = hash.Short(lr.Boxes)

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(lr); err != nil {
		return "", fmt.Errorf("hamr: encoding box arrays: %v", err)
	}
	if err := m.put(ctx, m.key(id, boxArraysName), buf.Bytes(), m.Compress); err != nil {
		return "", err
	}
	for lev := 0; lev <= s.FinestLevel; lev++ {
		data, err := encodeLevel(s.GridNew[lev], s.Fields, lev)
		if err != nil {
			return "", err
		}
		if err := m.put(ctx, m.key(id, levelDir(lev), cellName), data, m.Compress); err != nil {
			return "", err
		}
	}

	buf.Reset()
	if err := toml.NewEncoder(&buf).Encode(h); err != nil {
		return "", fmt.Errorf("hamr: encoding checkpoint header: %v", err)
	}
	if err := m.put(ctx, m.key(id, headerName), buf.Bytes(), false); err != nil {
		return "", err
	}
	m.Log.WithFields(logrus.Fields{
		"id":     id,
		"t":      h.Time,
		"layout": h.LayoutHash,
	}).Info("wrote checkpoint")

	return id, m.prune(ctx)
}

// prune deletes the oldest snapshots beyond the retention count, and the
// remains of interrupted writes that are older than the newest complete
// snapshot. The header goes first so a partly deleted snapshot is never
// listed.
func (m *CheckpointManager) prune(ctx context.Context) error {
	dirs, complete, err := m.snapshotDirs(ctx)
	if err != nil {
		return err
	}
	var ids []string
	newest := ""
	for _, id := range dirs {
		if complete[id] {
			ids = append(ids, id)
			newest = id
		}
	}
	for _, id := range dirs {
		if complete[id] || id > newest {
			continue
		}
		if err := deleteBlobDir(ctx, m.Bucket, m.key(id)); err != nil {
			return err
		}
		m.Log.WithField("id", id).Warn("deleted incomplete checkpoint")
	}
	if m.Retention <= 0 {
		return nil
	}
	for len(ids) > m.Retention {
		id := ids[0]
		ids = ids[1:]
		if err := m.Bucket.Delete(ctx, m.key(id, headerName)); err != nil {
			return fmt.Errorf("hamr: deleting checkpoint %s: %v", id, err)
		}
		if err := deleteBlobDir(ctx, m.Bucket, m.key(id)); err != nil {
			return err
		}
		m.Log.WithField("id", id).Debug("deleted checkpoint")
	}
	return nil
}

// ReadHeader returns the metadata of snapshot id.
func (m *CheckpointManager) ReadHeader(ctx context.Context, id string) (*CheckpointHeader, error) {
	key := m.key(id, headerName)
	ok, err := m.Bucket.Exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("hamr: checking %s: %v", key, err)
	}
	if !ok {
		return nil, fatalf("CheckpointManager", -1, -1, "checkpoint %s has no header", id)
	}
	data, err := m.get(ctx, key, false)
	if err != nil {
		return nil, err
	}
	h := new(CheckpointHeader)
	if _, err := toml.Decode(string(data), h); err != nil {
		return nil, fatalf("CheckpointManager", -1, -1, "malformed header of checkpoint %s: %v", id, err)
	}
	if h.Version != CheckpointVersion || h.FinestLevel < 0 || len(h.Levels) != h.FinestLevel+1 {
		return nil, fatalf("CheckpointManager", -1, -1, "malformed header of checkpoint %s", id)
	}
	return h, nil
}

// Read restores s from snapshot id. The next regrid will be global.
func (m *CheckpointManager) Read(ctx context.Context, s *Sim, id string) error {
	s.Monitor.Start(TimerCheckpoint, 0)
	defer s.Monitor.Stop(TimerCheckpoint, 0)

	h, err := m.ReadHeader(ctx, id)
	if err != nil {
		return err
	}
	c := s.Config
	switch {
	case h.NRanks != c.NRanks:
		return fatalf("CheckpointManager", -1, -1,
			"checkpoint %s was written by %d ranks, this run has %d", id, h.NRanks, c.NRanks)
	case len(h.Fields) != len(s.Fields):
		return fatalf("CheckpointManager", -1, -1,
			"checkpoint %s has %d fields, the physics declares %d", id, len(h.Fields), len(s.Fields))
	case h.CoarseLevelGridSize != c.CoarseLevelGridSize:
		return fatalf("CheckpointManager", 0, -1,
			"checkpoint %s has a coarse grid of %d cells, this run has %d", id, h.CoarseLevelGridSize, c.CoarseLevelGridSize)
	case h.FinestLevel > c.MaxLevel:
		return fatalf("CheckpointManager", h.FinestLevel, -1,
			"checkpoint %s is refined beyond the maximum level %d", id, c.MaxLevel)
	}

	data, err := m.get(ctx, m.key(id, boxArraysName), h.Compressed)
	if err != nil {
		return err
	}
	var lr layoutRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&lr); err != nil {
		return fatalf("CheckpointManager", -1, -1, "decoding box arrays of checkpoint %s: %v", id, err)
	}
	if len(lr.Boxes) != h.FinestLevel+1 || len(lr.DistMaps) != len(lr.Boxes) {
		return fatalf("CheckpointManager", -1, -1, "checkpoint %s has %d box arrays for %d levels", id, len(lr.Boxes), h.FinestLevel+1)
	}
	if hh := hash.Short(lr.Boxes); hh != h.LayoutHash {
		return fatalf("CheckpointManager", -1, -1, "checkpoint %s layout hash %s does not match header %s", id, hh, h.LayoutHash)
	}

	levels := make([]*LevelData, h.FinestLevel+1)
	for lev := range levels {
		data, err := m.get(ctx, m.key(id, levelDir(lev), cellName), h.Compressed)
		if err != nil {
			return err
		}
		lh := h.Levels[lev]
		ld := NewLevelData(lr.Boxes[lev], lr.DistMaps[lev], len(s.Fields), c.NGhost, lh.T)
		ld.IStep = lh.IStep
		if err := decodeLevel(data, ld, s.Fields, lev); err != nil {
			return err
		}
		levels[lev] = ld
	}

	s.Layouts.Clear()
	for lev := 0; lev <= c.MaxLevel; lev++ {
		s.ClearLevel(lev)
	}
	for lev, ld := range levels {
		s.GridNew[lev] = ld
		s.GridOld[lev] = NewLevelData(ld.Boxes, ld.DistMap, ld.NComp, ld.NGhost, undefinedTime)
		s.GridOld[lev].IStep = ld.IStep
		s.Layouts.Set(lev, ld.Boxes)
	}
	s.FinestLevel = h.FinestLevel
	s.ShadowLevel.Clear()
	s.shadowTmp.Clear()
	s.setGeometry()
	if h.Dt > 0 {
		s.setStepSize(h.Dt)
	}
	for lev := 0; lev < len(h.LastRegridTime) && lev < len(s.Scheduler.LastRegridTime); lev++ {
		s.Scheduler.LastRegridTime[lev] = h.LastRegridTime[lev]
	}
	for lev := 0; lev <= s.FinestLevel; lev++ {
		if err := s.Sync.FillPatch(ctx, lev, s.GridNew[lev].T, s.GridNew[lev]); err != nil {
			return err
		}
	}
	s.Regridder = NewLocalRegrid(s)
	c.ForceGlobalRegridAtRestart = true

	m.Log.WithFields(logrus.Fields{
		"id":     id,
		"t":      h.Time,
		"finest": h.FinestLevel,
		"run":    h.RunID,
	}).Info("restored checkpoint")
	return nil
}

// memFile is an in-memory cdf.ReaderWriterAt.
type memFile struct {
	b []byte
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(f.b)) {
		return 0, io.EOF
	}
	n := copy(p, f.b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	if end := off + int64(len(p)); end > int64(len(f.b)) {
		nb := make([]byte, end)
		copy(nb, f.b)
		f.b = nb
	}
	copy(f.b[off:], p)
	return len(p), nil
}

// encodeLevel writes the valid cells of ld as a NetCDF file with one
// variable per field. Cells are ordered box by box.
func encodeLevel(ld *LevelData, fields []ScalarField, lev int) ([]byte, error) {
	n := ld.NumPts()
	h := cdf.NewHeader([]string{"cell"}, []int{n})
	h.AddAttribute("", "comment", "hamr checkpoint level data")
	h.AddAttribute("", "level", []int32{int32(lev)})
	h.AddAttribute("", "time", []float64{ld.T})
	h.AddAttribute("", "istep", []int32{int32(ld.IStep)})
	for _, f := range fields {
		h.AddVariable(f.Name, []string{"cell"}, []float64{0})
		h.AddAttribute(f.Name, "conjugate_momentum", []int32{boolInt32(f.IsConjugateMomentum)})
	}
	h.Define()

	mf := new(memFile)
	f, err := cdf.Create(mf, h)
	if err != nil {
		return nil, fmt.Errorf("hamr: creating level %d data: %v", lev, err)
	}
	for c, fld := range fields {
		vals := make([]float64, 0, n)
		for _, fab := range ld.Fabs {
			vals = append(vals, fab.ValidValues(c)...)
		}
		if n == 0 {
			continue
		}
		w := f.Writer(fld.Name, []int{0}, []int{n})
		if _, err := w.Write(vals); err != nil {
			return nil, fmt.Errorf("hamr: writing field %s of level %d: %v", fld.Name, lev, err)
		}
	}
	return mf.b, nil
}

// decodeLevel fills the valid cells of ld from data written by
// encodeLevel.
func decodeLevel(data []byte, ld *LevelData, fields []ScalarField, lev int) error {
	f, err := cdf.Open(&memFile{b: data})
	if err != nil {
		return fatalf("CheckpointManager", lev, -1, "opening level data: %v", err)
	}
	n := ld.NumPts()
	for c, fld := range fields {
		dims := f.Header.Lengths(fld.Name)
		if len(dims) != 1 || dims[0] != n {
			return fatalf("CheckpointManager", lev, -1, "field %s has shape %v, expected [%d]", fld.Name, dims, n)
		}
		if n == 0 {
			continue
		}
		r := f.Reader(fld.Name, nil, nil)
		buf := make([]float64, n)
		if _, err := r.Read(buf); err != nil && err != io.EOF {
			return fmt.Errorf("hamr: reading field %s of level %d: %v", fld.Name, lev, err)
		}
		p := 0
		for _, fab := range ld.Fabs {
			forEachCell(fab.Box, func(i, j, k int) {
				fab.Set(buf[p], c, i, j, k)
				p++
			})
		}
	}
	return nil
}

func boolInt32(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// WriteCheckpoint writes a snapshot of s using m.
func (s *Sim) WriteCheckpoint(ctx context.Context, m *CheckpointManager) (string, error) {
	return m.Write(ctx, s)
}

// Restore restores s from snapshot id in the bucket at bucketURL, or from
// the newest snapshot if id is empty.
func (s *Sim) Restore(ctx context.Context, bucketURL, prefix, id string) error {
	bucket, err := OpenBucket(ctx, bucketURL)
	if err != nil {
		return err
	}
	defer bucket.Close()
	m := NewCheckpointManager(bucket, prefix, 0, false)
	m.Log = s.Log
	return Restore(m, id)(ctx, s)
}
