// Package lock implements path-scoped reader/writer mutual exclusion.
//
// A Registry maps canonical file or directory paths to a reader count and a
// writer flag. It is the only thing standing between a reader and a file that
// a rollup is replacing, and between two writers of the same file, so every
// component that touches the data directory shares one Registry.
package lock

import (
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/xtxerr/timestore/internal/logging"
)

var log = logging.Component("lock")

// Mode is the access mode of a Token.
type Mode int

const (
	// Read allows any number of concurrent holders.
	Read Mode = iota
	// Write excludes every other holder.
	Write
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	if m == Write {
		return "write"
	}
	return "read"
}

type entry struct {
	readers int
	writer  bool
	waiters int
}

func (e *entry) idle() bool {
	return e.readers == 0 && !e.writer && e.waiters == 0
}

// Registry is a process-wide path lock table.
type Registry struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries map[string]*entry

	// Statistics
	stats Stats
}

// Stats holds lock statistics.
type Stats struct {
	ReadAcquired  atomic.Int64
	WriteAcquired atomic.Int64
	Contended     atomic.Int64
}

// RegistryStats is a snapshot of Stats.
type RegistryStats struct {
	ReadAcquired  int64
	WriteAcquired int64
	Contended     int64
	Entries       int
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{entries: make(map[string]*entry)}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Canonical returns the key under which path is locked. Two call sites that
// spell the same path differently still contend.
func Canonical(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// AcquireRead blocks while a writer holds path, then registers a reader.
func (r *Registry) AcquireRead(path string) *Token {
	key := Canonical(path)

	r.mu.Lock()
	e := r.entryLocked(key)
	if e.writer {
		r.stats.Contended.Add(1)
		e.waiters++
		for e.writer {
			r.cond.Wait()
		}
		e.waiters--
	}
	e.readers++
	r.mu.Unlock()

	r.stats.ReadAcquired.Add(1)
	return &Token{reg: r, path: key, mode: Read}
}

// AcquireWrite blocks while any reader or writer holds path, then marks it
// as written.
func (r *Registry) AcquireWrite(path string) *Token {
	key := Canonical(path)

	r.mu.Lock()
	e := r.entryLocked(key)
	if e.writer || e.readers > 0 {
		r.stats.Contended.Add(1)
		e.waiters++
		for e.writer || e.readers > 0 {
			r.cond.Wait()
		}
		e.waiters--
	}
	e.writer = true
	r.mu.Unlock()

	r.stats.WriteAcquired.Add(1)
	return &Token{reg: r, path: key, mode: Write}
}

// TryAcquireWrite acquires a write lock only if path is free.
func (r *Registry) TryAcquireWrite(path string) (*Token, bool) {
	key := Canonical(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entryLocked(key)
	if e.writer || e.readers > 0 {
		r.reclaimLocked(key, e)
		return nil, false
	}
	e.writer = true

	r.stats.WriteAcquired.Add(1)
	return &Token{reg: r, path: key, mode: Write}, true
}

// AcquireWriteAll write-locks every path in canonical order, so two callers
// locking overlapping sets cannot deadlock. Duplicates are locked once.
func (r *Registry) AcquireWriteAll(paths []string) []*Token {
	keys := canonicalSet(paths)
	tokens := make([]*Token, 0, len(keys))
	for _, k := range keys {
		tokens = append(tokens, r.AcquireWrite(k))
	}
	return tokens
}

// AcquireReadAll read-locks every path in canonical order.
func (r *Registry) AcquireReadAll(paths []string) []*Token {
	keys := canonicalSet(paths)
	tokens := make([]*Token, 0, len(keys))
	for _, k := range keys {
		tokens = append(tokens, r.AcquireRead(k))
	}
	return tokens
}

func canonicalSet(paths []string) []string {
	keys := make([]string, 0, len(paths))
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		k := Canonical(p)
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Holders reports the current state of path.
func (r *Registry) Holders(path string) (readers int, writer bool) {
	key := Canonical(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		return e.readers, e.writer
	}
	return 0, false
}

// Len returns the number of tracked paths. Uncontended paths are reclaimed
// on release, so an idle registry has length zero.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Stats returns lock statistics.
func (r *Registry) Stats() RegistryStats {
	return RegistryStats{
		ReadAcquired:  r.stats.ReadAcquired.Load(),
		WriteAcquired: r.stats.WriteAcquired.Load(),
		Contended:     r.stats.Contended.Load(),
		Entries:       r.Len(),
	}
}

func (r *Registry) entryLocked(key string) *entry {
	e, ok := r.entries[key]
	if !ok {
		e = &entry{}
		r.entries[key] = e
	}
	return e
}

func (r *Registry) reclaimLocked(key string, e *entry) {
	if e.idle() {
		delete(r.entries, key)
	}
}

func (r *Registry) release(key string, mode Mode) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		log.Error("release of untracked path", "path", key, "mode", mode)
		return
	}

	switch mode {
	case Read:
		e.readers--
	case Write:
		e.writer = false
	}

	if e.waiters > 0 {
		r.cond.Broadcast()
	}
	r.reclaimLocked(key, e)
}

// ReleaseAll releases every token in tokens.
func ReleaseAll(tokens []*Token) {
	for i := len(tokens) - 1; i >= 0; i-- {
		tokens[i].Release()
	}
}
