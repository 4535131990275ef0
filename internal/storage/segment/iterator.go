package segment

import (
	"errors"

	"github.com/xtxerr/timestore/internal/storage/lock"
	"github.com/xtxerr/timestore/internal/storage/record"
	"github.com/xtxerr/timestore/internal/storage/types"
)

// Merge yields the records of several key-sorted readers in key order.
// When a key occurs in more than one reader, the record from the reader
// listed last wins and the others are skipped.
type Merge struct {
	readers    []*record.Reader[types.Key]
	duplicates int64
}

// NewMerge merges readers given in ascending priority.
func NewMerge(readers []*record.Reader[types.Key]) *Merge {
	return &Merge{readers: readers}
}

// Next returns the next key and its raw entity payload.
func (m *Merge) Next() (types.Key, []byte, bool) {
	best := -1
	var bestKey types.Key
	for i, r := range m.readers {
		k, ok := r.Peek()
		if !ok {
			continue
		}
		if best < 0 || k.Compare(bestKey) <= 0 {
			best, bestKey = i, k
		}
	}
	if best < 0 {
		return types.Key{}, nil, false
	}

	raw, _ := m.readers[best].NextRaw()
	for _, r := range m.readers {
		for {
			k, ok := r.Peek()
			if !ok || !k.Equal(bestKey) {
				break
			}
			r.NextRaw()
			m.duplicates++
		}
	}
	return bestKey, raw, true
}

// Duplicates returns the number of shadowed records skipped so far.
func (m *Merge) Duplicates() int64 {
	return m.duplicates
}

// Iterator is a merged scan over the files of one segment. It holds the
// segment directory read lock and a read lock per file until Close.
type Iterator struct {
	merge   *Merge
	readers []*record.Reader[types.Key]
	dirTok  *lock.Token
	fileTok []*lock.Token
	files   []FileInfo
}

// Scan opens every file whose range overlaps [from, to].
func (s *Segment) Scan(from, to int64) (*Iterator, error) {
	dirTok := s.opts.Locks.AcquireRead(s.path)

	all, err := s.Files()
	if err != nil {
		dirTok.Release()
		return nil, err
	}
	var files []FileInfo
	for _, f := range all {
		if f.Range.Overlaps(from, to) {
			files = append(files, f)
		}
	}

	it := &Iterator{
		dirTok:  dirTok,
		fileTok: s.opts.Locks.AcquireReadAll(paths(files)),
		files:   files,
	}
	for _, f := range files {
		r, err := record.OpenLocked(f.Path, types.DecodeEntityKey, s.readerOptions()...)
		if err != nil {
			it.Close()
			return nil, err
		}
		it.readers = append(it.readers, r)
	}
	it.merge = NewMerge(it.readers)
	return it, nil
}

// Next returns the next key and its raw entity payload.
func (it *Iterator) Next() (types.Key, []byte, bool) {
	return it.merge.Next()
}

// Files returns the files being scanned in priority order.
func (it *Iterator) Files() []FileInfo {
	return it.files
}

// Err returns the first I/O error hit by any reader.
func (it *Iterator) Err() error {
	var errs []error
	for _, r := range it.readers {
		if err := r.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every reader and releases the locks. Calling it twice is safe.
func (it *Iterator) Close() error {
	var errs []error
	for _, r := range it.readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	it.readers = nil
	lock.ReleaseAll(it.fileTok)
	it.dirTok.Release()
	return errors.Join(errs...)
}
