package errors

import (
	"fmt"
	"testing"
)

func TestCategories(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
		want  bool
	}{
		{"wrapped not found", fmt.Errorf("get: %w", ErrNotFound), IsNotFound, true},
		{"duplicate", Wrap(ErrDuplicateKey, "insert"), IsDuplicate, true},
		{"range is placement", NewInvalidRange(5, 1, "min after max"), IsPlacement, true},
		{"config is placement", NewValidation("layout.levels", "not nested"), IsPlacement, true},
		{"corrupt record", NewCorrupt("/tmp/x", fmt.Errorf("bad tag")), IsCorrupt, true},
		{"recovery", Wrapf(ErrRecoveryFailed, "entry %d", 3), IsRecovery, true},
		{"closed", ErrClosed, IsClosed, true},
		{"not found is not placement", ErrNotFound, IsPlacement, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.check(tt.err); got != tt.want {
				t.Errorf("expected %v, got %v for %v", tt.want, got, tt.err)
			}
		})
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "ctx") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	if Wrapf(nil, "ctx %d", 1) != nil {
		t.Error("Wrapf(nil) should be nil")
	}
}
