package sweep

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/xtxerr/timestore/internal/storage/config"
	"github.com/xtxerr/timestore/internal/storage/fileutil"
	"github.com/xtxerr/timestore/internal/storage/layout"
	"github.com/xtxerr/timestore/internal/storage/lock"
)

func setup(t *testing.T) (*layout.Layout, *lock.Registry) {
	t.Helper()
	l, err := layout.New(t.TempDir(), config.DefaultConfig().Layout, 2)
	if err != nil {
		t.Fatalf("layout.New: %v", err)
	}
	return l, lock.New()
}

func TestRunRemovesTemps(t *testing.T) {
	l, locks := setup(t)

	for _, g := range []int64{0, config.Level3} {
		dir := l.SegmentPath(g)
		os.MkdirAll(dir, 0755)
		os.WriteFile(filepath.Join(dir, "0_59999"), []byte("data"), 0644)
		os.WriteFile(filepath.Join(dir, fileutil.TempPrefix+"0_59999"), []byte("partial"), 0644)
		os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644)
	}

	s := New(l, locks, 2)
	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Segments != 2 || res.Files != 2 || res.Bytes != 8 {
		t.Errorf("unexpected usage %+v", res)
	}
	if res.TempsRemoved != 2 || res.BytesFreed != 14 {
		t.Errorf("expected 2 temps (14 bytes) removed, got %+v", res)
	}
	if res.Err() != nil {
		t.Errorf("unexpected errors: %v", res.Err())
	}

	if _, err := os.Stat(filepath.Join(l.SegmentPath(0), fileutil.TempPrefix+"0_59999")); !os.IsNotExist(err) {
		t.Error("temp file survived")
	}
	if st := s.Stats(); st.Runs != 1 || st.TempsRemoved != 2 {
		t.Errorf("unexpected stats %+v", st)
	}
	if res.Format() == "" {
		t.Error("empty format")
	}
}

func TestRunSkipsBusySegments(t *testing.T) {
	l, locks := setup(t)
	dir := l.SegmentPath(0)
	os.MkdirAll(dir, 0755)
	temp := filepath.Join(dir, fileutil.TempPrefix+"0_59999")
	os.WriteFile(temp, []byte("live"), 0644)

	tok := locks.AcquireRead(dir)
	res, err := New(l, locks, 1).Run(context.Background())
	tok.Release()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Busy != 1 || res.TempsRemoved != 0 {
		t.Errorf("expected busy segment to be skipped, got %+v", res)
	}
	if _, err := os.Stat(temp); err != nil {
		t.Error("temp file of a live writer was removed")
	}
}

func TestFormatBytes(t *testing.T) {
	tests := map[int64]string{
		512:             "512 B",
		2048:            "2.00 KB",
		5 * 1024 * 1024: "5.00 MB",
	}
	for in, want := range tests {
		if got := FormatBytes(in); got != want {
			t.Errorf("FormatBytes(%d): expected %s, got %s", in, want, got)
		}
	}
}
