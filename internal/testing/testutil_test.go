package testing

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoroutineTestBasic(t *testing.T) {
	var count atomic.Int32

	gt := NewGoroutineTest(t)
	for i := 0; i < 5; i++ {
		gt.Go(func() error {
			count.Add(1)
			return nil
		})
	}
	gt.Wait()

	if count.Load() != 5 {
		t.Errorf("expected 5 goroutines, got %d", count.Load())
	}
}

func TestPending(t *testing.T) {
	release := make(chan struct{})
	p := Start(func() { <-release })

	if !p.StillBlockedAfter(20 * time.Millisecond) {
		t.Fatal("expected call to block")
	}
	if p.Finished() {
		t.Fatal("Finished before release")
	}

	close(release)
	if err := p.Wait(time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !p.Finished() {
		t.Error("expected Finished after Wait")
	}
}

func TestWithTimeout(t *testing.T) {
	want := errors.New("boom")
	if err := WithTimeout(time.Second, func() error { return want }); !errors.Is(err, want) {
		t.Errorf("expected %v, got %v", want, err)
	}

	err := WithTimeout(10*time.Millisecond, func() error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})
	if err == nil {
		t.Error("expected timeout error")
	}
}

func TestEventually(t *testing.T) {
	var n atomic.Int32
	err := Eventually(time.Second, time.Millisecond, func() bool {
		return n.Add(1) >= 3
	})
	if err != nil {
		t.Errorf("Eventually: %v", err)
	}

	if err := Eventually(10*time.Millisecond, time.Millisecond, func() bool { return false }); err == nil {
		t.Error("expected error for unmet condition")
	}
}
