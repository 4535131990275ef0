package recovery

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	serrors "github.com/xtxerr/timestore/internal/errors"
	"github.com/xtxerr/timestore/internal/storage/fileutil"
	"github.com/xtxerr/timestore/internal/storage/types"
)

// fakeClock returns successive times, one millisecond apart.
func fakeClock(start int64) func() time.Time {
	now := start
	return func() time.Time {
		now++
		return time.UnixMilli(now)
	}
}

func TestEntryEncoding(t *testing.T) {
	batch := NewBatch(
		Change{Key: types.PointKey(5), New: []byte("v")},
		Change{Key: types.RangeKeyWithID(1, 9, "x"), Old: []byte("o"), New: []byte{}},
		Change{Key: types.IDKey("gone"), Old: []byte("o")},
	)
	batch.ID, batch.Created = 7, 1000

	got, err := Decode(Encode(batch))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.ID != 7 || got.Created != 1000 || got.Kind != KindBatch || len(got.Changes) != 3 {
		t.Fatalf("unexpected entry %+v", got)
	}
	if got.Changes[0].Old != nil || !bytes.Equal(got.Changes[0].New, []byte("v")) {
		t.Errorf("change 0: unexpected %+v", got.Changes[0])
	}
	if got.Changes[1].New == nil || len(got.Changes[1].New) != 0 {
		t.Errorf("change 1: empty value must stay present, got %+v", got.Changes[1])
	}
	if !got.Changes[2].IsDelete() {
		t.Errorf("change 2: expected delete")
	}

	rollup := NewRollup(-3600000, types.Range{Start: -3600000, End: -1})
	got, err = Decode(Encode(rollup))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Kind != KindRollup || got.Rollup != rollup.Rollup {
		t.Errorf("expected %+v, got %+v", rollup.Rollup, got.Rollup)
	}
}

func TestDecodeCorrupt(t *testing.T) {
	valid := Encode(NewRollup(0, types.Range{Start: 0, End: 59999}))

	cases := map[string][]byte{
		"empty":     {},
		"garbage":   bytes.Repeat([]byte{0xFF}, 10),
		"truncated": valid[:len(valid)-1],
		"no kind":   Encode(Entry{}),
	}
	for name, b := range cases {
		if _, err := Decode(b); !serrors.IsCorrupt(err) {
			t.Errorf("%s: expected corrupt entry, got %v", name, err)
		}
	}
}

func TestSaveComplete(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".recovery")
	l, err := Open(dir, Options{Now: fakeClock(0)})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	h1, err := l.Save(NewBatch(Change{Key: types.PointKey(1), New: []byte("a")}))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	h2, _ := l.Save(NewRollup(0, types.Range{Start: 0, End: 3599999}))
	if h2.ID <= h1.ID {
		t.Errorf("expected increasing ids, got %d then %d", h1.ID, h2.ID)
	}

	pending, err := l.Pending()
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != h1.ID {
		t.Fatalf("expected 2 pending entries in save order, got %+v", pending)
	}

	if err := l.Complete(h1); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := l.Complete(h1); err != nil {
		t.Errorf("second Complete: %v", err)
	}

	pending, _ = l.Pending()
	if len(pending) != 1 || pending[0].ID != h2.ID {
		t.Errorf("expected only entry %d, got %+v", h2.ID, pending)
	}
}

func TestIDsSeededFromDisk(t *testing.T) {
	dir := t.TempDir()
	l, _ := Open(dir, Options{})
	var last Handle
	for i := 0; i < 3; i++ {
		last, _ = l.Save(NewBatch())
	}

	reopened, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	h, _ := reopened.Save(NewBatch())
	if h.ID <= last.ID {
		t.Errorf("expected id above %d, got %d", last.ID, h.ID)
	}
}

func TestReplayOrderAndRemoval(t *testing.T) {
	dir := t.TempDir()

	// Entries created out of id order.
	times := []int64{300, 100, 200}
	i := 0
	l, _ := Open(dir, Options{Now: func() time.Time {
		ts := times[i]
		i++
		return time.UnixMilli(ts)
	}})
	for range times {
		if _, err := l.Save(NewBatch()); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	// Stale temp file from an interrupted Save.
	stale := filepath.Join(dir, fileutil.TempPrefix+"999_9"+FileSuffix)
	os.WriteFile(stale, []byte("partial"), 0644)

	var order []int64
	n, err := l.Replay(func(e Entry) error {
		order = append(order, e.Created)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 replayed, got %d", n)
	}
	if len(order) != 3 || order[0] != 100 || order[1] != 200 || order[2] != 300 {
		t.Errorf("expected creation order, got %v", order)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale temp file not removed")
	}

	n, err = l.Replay(func(Entry) error {
		t.Error("entry replayed twice")
		return nil
	})
	if err != nil || n != 0 {
		t.Errorf("expected empty second replay, got %d, %v", n, err)
	}
}

func TestReplayApplyFailure(t *testing.T) {
	dir := t.TempDir()
	l, _ := Open(dir, Options{Now: fakeClock(0)})
	l.Save(NewBatch())
	l.Save(NewBatch())

	boom := errors.New("boom")
	calls := 0
	_, err := l.Replay(func(Entry) error {
		calls++
		return boom
	})
	if !serrors.IsRecovery(err) || !errors.Is(err, boom) {
		t.Fatalf("expected recovery failure wrapping boom, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected replay to stop at first failure, got %d calls", calls)
	}

	pending, _ := l.Pending()
	if len(pending) != 2 {
		t.Errorf("failed entries must stay on disk, got %d", len(pending))
	}
}

func TestReplayCorruptEntryIsFatal(t *testing.T) {
	dir := t.TempDir()
	l, _ := Open(dir, Options{Now: fakeClock(0)})
	l.Save(NewBatch())
	os.WriteFile(filepath.Join(dir, "5_99"+FileSuffix), []byte{0xFF, 0xFF}, 0644)

	applied := 0
	_, err := l.Replay(func(Entry) error {
		applied++
		return nil
	})
	if !serrors.IsRecovery(err) || !serrors.IsCorrupt(err) {
		t.Fatalf("expected corrupt recovery failure, got %v", err)
	}
	if applied != 0 {
		t.Errorf("nothing may be applied before every entry decodes, got %d", applied)
	}
}
