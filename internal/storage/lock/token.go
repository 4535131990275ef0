package lock

import "sync"

// Token is a held lock on one path in one mode. Release it on every exit
// path; releasing twice is a no-op.
type Token struct {
	reg  *Registry
	path string
	mode Mode
	once sync.Once
}

// Path returns the canonical path the token holds.
func (t *Token) Path() string {
	return t.path
}

// Mode returns the access mode.
func (t *Token) Mode() Mode {
	return t.mode
}

// Release gives up the lock and wakes blocked waiters.
func (t *Token) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.reg.release(t.path, t.mode)
	})
}
