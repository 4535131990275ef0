package segment

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	serrors "github.com/xtxerr/timestore/internal/errors"
	"github.com/xtxerr/timestore/internal/storage/lock"
	"github.com/xtxerr/timestore/internal/storage/record"
	"github.com/xtxerr/timestore/internal/storage/types"
)

const hour = 3600000

func newSegment(t *testing.T) *Segment {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "0_3599999_seg"), types.Range{Start: 0, End: hour - 1}, Options{
		Locks:         lock.New(),
		RollupLevels:  []int64{60000, hour},
		MaxRecordSize: 1 << 20,
	})
}

func ent(k types.Key, v string) types.Entity {
	return types.Entity{Key: k, Value: []byte(v)}
}

func writeFile(t *testing.T, path string, mtime time.Time, entities ...types.Entity) {
	t.Helper()
	w, err := record.NewWriter(path, false, 0)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for _, e := range entities {
		w.Write(types.EncodeEntity(e))
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
}

func mustGet(t *testing.T, s *Segment, k types.Key) string {
	t.Helper()
	e, ok, err := s.Get(k)
	if err != nil {
		t.Fatalf("Get(%v): %v", k, err)
	}
	if !ok {
		return "<missing>"
	}
	return string(e.Value)
}

func TestPutGetDelete(t *testing.T) {
	s := newSegment(t)

	for _, ts := range []int64{120000, 5, 70000, 6} {
		if _, err := s.Put(ent(types.PointKey(ts), "v")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	files, _ := s.Files()
	if len(files) != 3 {
		t.Fatalf("expected 3 level-0 files, got %d", len(files))
	}

	replaced, err := s.Put(ent(types.PointKey(5), "v2"))
	if err != nil || !replaced {
		t.Fatalf("expected replace, got %v, %v", replaced, err)
	}
	if got := mustGet(t, s, types.PointKey(5)); got != "v2" {
		t.Errorf("expected v2, got %s", got)
	}

	deleted, err := s.Delete(types.PointKey(5))
	if err != nil || !deleted {
		t.Fatalf("expected delete, got %v, %v", deleted, err)
	}
	if got := mustGet(t, s, types.PointKey(5)); got != "<missing>" {
		t.Errorf("expected missing, got %s", got)
	}
	if deleted, _ := s.Delete(types.PointKey(5)); deleted {
		t.Error("second delete reported a record")
	}

	// Deleting the last record of a file removes it.
	s.Delete(types.PointKey(120000))
	if _, err := os.Stat(filepath.Join(s.Path(), "120000_179999")); !os.IsNotExist(err) {
		t.Error("empty file not removed")
	}

	if s.opts.Locks.Len() != 0 {
		t.Errorf("locks leaked: %d", s.opts.Locks.Len())
	}
}

func TestFileKeepsKeyOrder(t *testing.T) {
	s := newSegment(t)
	for _, id := range []string{"c", "a", "b"} {
		s.Put(ent(types.PointKeyWithID(10, id), id))
	}

	var got []string
	s.Query(0, hour, func(k types.Key, _ []byte) (bool, error) {
		got = append(got, k.ID)
		return true, nil
	})
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("expected [a b c], got %v", got)
	}
}

func TestTieBreak(t *testing.T) {
	s := newSegment(t)
	os.MkdirAll(s.Path(), 0755)
	now := time.Now().Truncate(time.Second)

	wide := filepath.Join(s.Path(), "0_3599999")
	narrow := filepath.Join(s.Path(), "0_59999")

	// Equal times: the narrow file was written after the wide one.
	writeFile(t, wide, now, ent(types.PointKey(5), "wide"))
	writeFile(t, narrow, now, ent(types.PointKey(5), "narrow"))
	if got := mustGet(t, s, types.PointKey(5)); got != "narrow" {
		t.Errorf("equal mtimes: expected narrow, got %s", got)
	}

	// A newer modification time wins regardless of width.
	os.Chtimes(wide, now.Add(time.Second), now.Add(time.Second))
	if got := mustGet(t, s, types.PointKey(5)); got != "wide" {
		t.Errorf("newer file: expected wide, got %s", got)
	}

	// Equal times and widths: the name decides.
	files := []FileInfo{
		{Name: "120000_179999", Range: types.Range{Start: 120000, End: 179999}, ModTime: now},
		{Name: "0_59999", Range: types.Range{Start: 0, End: 59999}, ModTime: now},
		{Name: "0_3599999", Range: types.Range{Start: 0, End: hour - 1}, ModTime: now},
	}
	SortByPriority(files)
	if files[0].Name != "0_3599999" || files[1].Name != "0_59999" || files[2].Name != "120000_179999" {
		t.Errorf("unexpected priority order %v", []string{files[0].Name, files[1].Name, files[2].Name})
	}
}

func TestRollup(t *testing.T) {
	s := newSegment(t)
	for _, ts := range []int64{5, 70000, 130000} {
		s.Put(ent(types.PointKey(ts), "v"))
	}
	s.Put(ent(types.RangeKey(-10, 100), "r"))

	res, err := s.Rollup(types.Range{Start: 0, End: hour - 1})
	if err != nil {
		t.Fatalf("Rollup: %v", err)
	}
	if res.Sources != 3 || res.Records != 4 || res.Skipped {
		t.Errorf("unexpected result %+v", res)
	}

	files, _ := s.Files()
	if len(files) != 1 || files[0].Name != "0_3599999" {
		t.Fatalf("expected a single rolled-up file, got %v", files)
	}

	var keys []types.Key
	s.Query(0, hour, func(k types.Key, _ []byte) (bool, error) {
		keys = append(keys, k)
		return true, nil
	})
	if len(keys) != 4 || keys[0].Kind != types.KindRange || keys[3].Start != 130000 {
		t.Errorf("unexpected keys after rollup %v", keys)
	}

	res, err = s.Rollup(types.Range{Start: 0, End: hour - 1})
	if err != nil || !res.Skipped {
		t.Errorf("second rollup should be a no-op, got %+v, %v", res, err)
	}

	// Writes after a rollup go to the covering file.
	s.Put(ent(types.PointKey(9), "w"))
	files, _ = s.Files()
	if len(files) != 1 {
		t.Errorf("expected write into the rolled-up file, got %d files", len(files))
	}
}

func TestRollupDeduplicates(t *testing.T) {
	s := newSegment(t)
	os.MkdirAll(s.Path(), 0755)
	old := time.Now().Add(-time.Hour)

	writeFile(t, filepath.Join(s.Path(), "0_3599999"), old,
		ent(types.PointKey(1), "old"), ent(types.PointKey(2), "keep"))
	writeFile(t, filepath.Join(s.Path(), "0_59999"), old.Add(time.Minute),
		ent(types.PointKey(1), "new"))

	res, err := s.Rollup(types.Range{Start: 0, End: hour - 1})
	if err != nil {
		t.Fatalf("Rollup: %v", err)
	}
	if res.Records != 2 || res.Duplicates != 1 {
		t.Errorf("expected 2 records and 1 duplicate, got %+v", res)
	}
	if got := mustGet(t, s, types.PointKey(1)); got != "new" {
		t.Errorf("expected newest value, got %s", got)
	}
	if got := mustGet(t, s, types.PointKey(2)); got != "keep" {
		t.Errorf("expected keep, got %s", got)
	}
}

func TestRollupAfterInterruption(t *testing.T) {
	s := newSegment(t)
	os.MkdirAll(s.Path(), 0755)
	base := time.Now().Add(-time.Hour)

	// The merged output was renamed into place but the sources survived.
	writeFile(t, filepath.Join(s.Path(), "0_59999"), base, ent(types.PointKey(1), "a"))
	writeFile(t, filepath.Join(s.Path(), "60000_119999"), base, ent(types.PointKey(60000), "b"))
	writeFile(t, filepath.Join(s.Path(), "0_3599999"), base.Add(time.Second),
		ent(types.PointKey(1), "a"), ent(types.PointKey(60000), "b"))

	res, err := s.Rollup(types.Range{Start: 0, End: hour - 1})
	if err != nil {
		t.Fatalf("Rollup: %v", err)
	}
	if res.Records != 2 {
		t.Errorf("expected 2 records, got %d", res.Records)
	}
	files, _ := s.Files()
	if len(files) != 1 {
		t.Errorf("expected 1 file, got %d", len(files))
	}
}

func TestRollupRejectsBadRange(t *testing.T) {
	s := newSegment(t)
	bad := []types.Range{
		{Start: 0, End: 2 * hour}, // not enclosed
		{Start: 10, End: 59999},   // not aligned
		{Start: 0, End: 119999},   // no such level
		{Start: -60000, End: -1},  // outside
	}
	for _, r := range bad {
		if _, err := s.Rollup(r); !serrors.IsPlacement(err) {
			t.Errorf("Rollup(%v): expected placement error, got %v", r, err)
		}
	}
	if err := s.ValidateRollupRange(types.Range{Start: 60000, End: 119999}); err != nil {
		t.Errorf("aligned level-0 range rejected: %v", err)
	}
}

func TestOwns(t *testing.T) {
	first := newSegment(t)
	second := New("x", types.Range{Start: hour, End: 2*hour - 1}, first.opts)

	k := types.RangeKey(hour-10, hour+10)
	if !first.Owns(k, 0, 2*hour) || second.Owns(k, 0, 2*hour) {
		t.Error("range key must be emitted from the segment holding its start")
	}
	if first.Owns(k, hour, 2*hour) || !second.Owns(k, hour, 2*hour) {
		t.Error("range key must be emitted from the segment holding the query start")
	}
	if first.Placement(types.RangeKey(-50, 10)) != 0 {
		t.Error("range keys starting before the segment are filed at its start")
	}
}

func TestRollupRanges(t *testing.T) {
	s := newSegment(t)
	rs := s.RollupRanges(70000)
	if len(rs) != 1 || rs[0] != (types.Range{Start: 0, End: hour - 1}) {
		t.Errorf("unexpected rollup ranges %v", rs)
	}
	if w := s.WriteRange(70000); w != (types.Range{Start: 60000, End: 119999}) {
		t.Errorf("unexpected write range %v", w)
	}
}
