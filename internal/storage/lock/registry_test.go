package lock

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	testutil "github.com/xtxerr/timestore/internal/testing"
)

func TestConcurrentReaders(t *testing.T) {
	reg := New()
	path := filepath.Join(t.TempDir(), "0_59999")

	a := reg.AcquireRead(path)
	b := reg.AcquireRead(path)

	readers, writer := reg.Holders(path)
	if readers != 2 || writer {
		t.Errorf("expected 2 readers and no writer, got %d/%v", readers, writer)
	}

	a.Release()
	b.Release()

	if reg.Len() != 0 {
		t.Errorf("expected idle registry, got %d entries", reg.Len())
	}
}

func TestWriterWaitsForReader(t *testing.T) {
	reg := New()
	path := filepath.Join(t.TempDir(), "0_59999")

	rd := reg.AcquireRead(path)

	var w *Token
	p := testutil.Start(func() { w = reg.AcquireWrite(path) })
	if !p.StillBlockedAfter(50 * time.Millisecond) {
		t.Fatal("writer acquired while a reader held the path")
	}

	rd.Release()
	if err := p.Wait(time.Second); err != nil {
		t.Fatalf("writer: %v", err)
	}
	if _, writer := reg.Holders(path); !writer {
		t.Error("expected writer to hold the path")
	}
	w.Release()

	if reg.Stats().Contended != 1 {
		t.Errorf("expected 1 contended acquisition, got %d", reg.Stats().Contended)
	}
}

func TestReaderWaitsForWriter(t *testing.T) {
	reg := New()
	path := filepath.Join(t.TempDir(), "seg")

	w := reg.AcquireWrite(path)

	p := testutil.Start(func() { reg.AcquireRead(path).Release() })
	if !p.StillBlockedAfter(50 * time.Millisecond) {
		t.Fatal("reader acquired while a writer held the path")
	}

	w.Release()
	if err := p.Wait(time.Second); err != nil {
		t.Fatalf("reader: %v", err)
	}
}

func TestTryAcquireWrite(t *testing.T) {
	reg := New()
	path := filepath.Join(t.TempDir(), "x")

	rd := reg.AcquireRead(path)
	if _, ok := reg.TryAcquireWrite(path); ok {
		t.Fatal("TryAcquireWrite succeeded with an active reader")
	}
	rd.Release()

	w, ok := reg.TryAcquireWrite(path)
	if !ok {
		t.Fatal("TryAcquireWrite failed on a free path")
	}
	w.Release()

	if reg.Len() != 0 {
		t.Errorf("expected idle registry, got %d entries", reg.Len())
	}
}

func TestDoubleRelease(t *testing.T) {
	reg := New()
	path := filepath.Join(t.TempDir(), "x")

	a := reg.AcquireRead(path)
	b := reg.AcquireRead(path)
	a.Release()
	a.Release()

	if readers, _ := reg.Holders(path); readers != 1 {
		t.Errorf("expected 1 reader after double release, got %d", readers)
	}
	b.Release()

	var nilToken *Token
	nilToken.Release()
}

func TestCanonicalPaths(t *testing.T) {
	reg := New()
	dir := t.TempDir()

	w := reg.AcquireWrite(filepath.Join(dir, "a", "..", "b"))
	if _, ok := reg.TryAcquireWrite(filepath.Join(dir, "b")); ok {
		t.Error("differently spelled paths must contend")
	}
	w.Release()
}

func TestAcquireWriteAllNoDeadlock(t *testing.T) {
	reg := New()
	dir := t.TempDir()

	paths := make([]string, 5)
	for i := range paths {
		paths[i] = filepath.Join(dir, fmt.Sprintf("%d_%d", i*10, i*10+9))
	}
	reversed := make([]string, len(paths))
	for i := range paths {
		reversed[i] = paths[len(paths)-1-i]
	}

	var held atomic.Int32
	gt := testutil.NewGoroutineTestWithTimeout(t, 5*time.Second)
	for i := 0; i < 20; i++ {
		set := paths
		if i%2 == 1 {
			set = append(reversed, reversed[0]) // duplicate is locked once
		}
		gt.Go(func() error {
			tokens := reg.AcquireWriteAll(set)
			if n := held.Add(1); n != 1 {
				return fmt.Errorf("%d holders of an exclusive set", n)
			}
			held.Add(-1)
			ReleaseAll(tokens)
			return nil
		})
	}

	gt.Wait()

	if reg.Len() != 0 {
		t.Errorf("expected idle registry, got %d entries", reg.Len())
	}
}

func TestAcquireReadAll(t *testing.T) {
	reg := New()
	dir := t.TempDir()
	a, b := filepath.Join(dir, "a"), filepath.Join(dir, "b")

	tokens := reg.AcquireReadAll([]string{b, a, b})
	if len(tokens) != 2 {
		t.Fatalf("expected 2 tokens, got %d", len(tokens))
	}
	if _, ok := reg.TryAcquireWrite(a); ok {
		t.Error("write lock granted under a reader")
	}
	ReleaseAll(tokens)
	if reg.Len() != 0 {
		t.Errorf("expected idle registry, got %d entries", reg.Len())
	}
}
