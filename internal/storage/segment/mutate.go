package segment

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/xtxerr/timestore/internal/storage/fileutil"
	"github.com/xtxerr/timestore/internal/storage/lock"
	"github.com/xtxerr/timestore/internal/storage/record"
	"github.com/xtxerr/timestore/internal/storage/types"
)

// Put stores e, replacing any record with the same key. It reports whether
// a previous record was replaced.
//
// The record goes into the highest-priority file covering its placement,
// or a new smallest-granularity file if none exists. Stale copies in other
// covering files are removed afterwards.
func (s *Segment) Put(e types.Entity) (bool, error) {
	if err := e.Key.Validate(); err != nil {
		return false, err
	}
	g := s.Placement(e.Key)

	dirTok := s.opts.Locks.AcquireRead(s.path)
	defer dirTok.Release()

	if err := os.MkdirAll(s.path, 0755); err != nil {
		return false, fmt.Errorf("create segment dir: %w", err)
	}

	files, err := s.Files()
	if err != nil {
		return false, err
	}
	cover := covering(files, g)

	target := filepath.Join(s.path, s.WriteRange(g).String())
	if len(cover) > 0 {
		target = cover[len(cover)-1].Path
	}

	tokens := s.opts.Locks.AcquireWriteAll(append(paths(cover), target))
	defer lock.ReleaseAll(tokens)

	replaced, err := s.rewrite(target, &e, e.Key)
	if err != nil {
		return false, err
	}
	for _, f := range cover {
		if f.Path == target {
			continue
		}
		found, err := s.rewrite(f.Path, nil, e.Key)
		if err != nil {
			return false, err
		}
		replaced = replaced || found
	}
	return replaced, nil
}

// Delete removes the record with key k from every covering file. It
// reports whether a record was found.
func (s *Segment) Delete(k types.Key) (bool, error) {
	g := s.Placement(k)

	dirTok := s.opts.Locks.AcquireRead(s.path)
	defer dirTok.Release()

	files, err := s.Files()
	if err != nil {
		return false, err
	}
	cover := covering(files, g)
	if len(cover) == 0 {
		return false, nil
	}

	tokens := s.opts.Locks.AcquireWriteAll(paths(cover))
	defer lock.ReleaseAll(tokens)

	var deleted bool
	for _, f := range cover {
		found, err := s.rewrite(f.Path, nil, k)
		if err != nil {
			return false, err
		}
		deleted = deleted || found
	}
	return deleted, nil
}

// Get returns the record with key k.
func (s *Segment) Get(k types.Key) (types.Entity, bool, error) {
	g := s.Placement(k)

	it, err := s.Scan(g, g)
	if err != nil {
		return types.Entity{}, false, err
	}
	defer it.Close()

	for {
		key, raw, ok := it.Next()
		if !ok {
			break
		}
		switch c := key.Compare(k); {
		case c == 0:
			e, err := types.DecodeEntity(raw)
			if err != nil {
				return types.Entity{}, false, err
			}
			return e, true, nil
		case c > 0:
			return types.Entity{}, false, it.Err()
		}
	}
	return types.Entity{}, false, it.Err()
}

// rewrite replaces path with a copy in which the record keyed k is removed,
// or replaced by upsert when upsert is non-nil. A file left empty is
// removed. The caller holds the write lock on path.
func (s *Segment) rewrite(path string, upsert *types.Entity, k types.Key) (bool, error) {
	r, err := record.OpenLocked(path, types.DecodeEntityKey, s.readerOptions()...)
	if err != nil {
		return false, err
	}
	defer r.Close()

	w, err := record.NewWriter(path, s.opts.SyncWrites, s.opts.MaxRecordSize)
	if err != nil {
		return false, err
	}

	var (
		found    bool
		inserted = upsert == nil
	)
	writeNew := func() error {
		inserted = true
		return w.Write(types.EncodeEntity(*upsert))
	}

	for {
		cur, ok := r.Peek()
		if !ok {
			break
		}
		c := cur.Compare(k)
		if c > 0 && !inserted {
			if err := writeNew(); err != nil {
				w.Abort()
				return false, err
			}
		}
		raw, _ := r.NextRaw()
		if c == 0 {
			found = true
			continue
		}
		if err := w.Write(raw); err != nil {
			w.Abort()
			return false, err
		}
	}
	if err := r.Err(); err != nil {
		w.Abort()
		return false, err
	}
	if !inserted {
		if err := writeNew(); err != nil {
			w.Abort()
			return false, err
		}
	}

	if !found && upsert == nil {
		return false, w.Abort()
	}

	if w.Stats().RecordsWritten == 0 {
		if err := w.Abort(); err != nil {
			return false, err
		}
		if err := fileutil.RemoveIfExists(path); err != nil {
			return false, err
		}
		return found, nil
	}

	if err := w.Commit(); err != nil {
		return false, err
	}
	return found, nil
}
