package fileutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTempPath(t *testing.T) {
	got := TempPath(filepath.Join("a", "b", "0_59999"))
	want := filepath.Join("a", "b", "_tmp_0_59999")
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
	if !IsTemp("_tmp_0_59999") || IsTemp("0_59999") {
		t.Error("IsTemp mismatch")
	}
}

func TestCommit(t *testing.T) {
	for _, sync := range []bool{false, true} {
		path := filepath.Join(t.TempDir(), "seg", "0_59999")

		f, err := Create(path, sync)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, err := f.Write([]byte("hello")); err != nil {
			t.Fatalf("Write: %v", err)
		}

		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Fatal("destination visible before Commit")
		}

		if err := f.Commit(); err != nil {
			t.Fatalf("Commit: %v", err)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("ReadFile: %v", err)
		}
		if string(data) != "hello" {
			t.Errorf("expected hello, got %q", data)
		}
		if _, err := os.Stat(TempPath(path)); !os.IsNotExist(err) {
			t.Error("temp file left behind")
		}

		if err := f.Abort(); err != nil {
			t.Errorf("Abort after Commit: %v", err)
		}
		if _, err := os.Stat(path); err != nil {
			t.Error("Abort after Commit removed the destination")
		}
	}
}

func TestAbortKeepsOriginal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0_59999")
	if err := WriteFile(path, []byte("old"), false); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f, err := Create(path, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.Write([]byte("new"))
	if err := f.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	data, _ := os.ReadFile(path)
	if string(data) != "old" {
		t.Errorf("expected old, got %q", data)
	}
	if _, err := os.Stat(TempPath(path)); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

func TestRemoveIfExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x")
	if err := RemoveIfExists(path); err != nil {
		t.Errorf("missing file: %v", err)
	}
	os.WriteFile(path, nil, 0644)
	if err := RemoveIfExists(path); err != nil {
		t.Errorf("RemoveIfExists: %v", err)
	}
}
