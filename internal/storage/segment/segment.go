// Package segment manages the data files of one segment directory.
//
// A segment covers one L3 window. Its files are named by the range of
// grouping numbers they hold; each file is sorted by key. New records land
// in a file of the smallest rollup granularity, and rollups later merge the
// files of a wider range into one.
//
// Locking: mutations hold the directory read lock plus write locks on the
// files they rewrite, scans hold the directory read lock plus file read
// locks, and rollups hold the directory write lock. Directory locks are
// always taken before file locks, and file locks in path order.
package segment

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/xtxerr/timestore/internal/logging"
	"github.com/xtxerr/timestore/internal/storage/fileutil"
	"github.com/xtxerr/timestore/internal/storage/layout"
	"github.com/xtxerr/timestore/internal/storage/lock"
	"github.com/xtxerr/timestore/internal/storage/record"
	"github.com/xtxerr/timestore/internal/storage/types"
)

var log = logging.Component("segment")

// Options are shared by every segment of a collection.
type Options struct {
	// Locks is the collection's lock registry.
	Locks *lock.Registry

	// RollupLevels are the file granularities, ascending; the last one
	// equals the segment granularity.
	RollupLevels []int64

	// SyncWrites fsyncs committed files and directories.
	SyncWrites bool

	// MaxRecordSize bounds a single record.
	MaxRecordSize int

	// OnCorrupt is called for every skipped record.
	OnCorrupt func(path string, err error)
}

// Segment is a handle on one segment directory. It holds no open files and
// is cheap to create.
type Segment struct {
	path string
	rng  types.Range
	opts Options
}

// New returns a handle for the segment at path covering rng.
func New(path string, rng types.Range, opts Options) *Segment {
	return &Segment{path: path, rng: rng, opts: opts}
}

// Path returns the segment directory.
func (s *Segment) Path() string {
	return s.path
}

// Range returns the window the segment covers.
func (s *Segment) Range() types.Range {
	return s.rng
}

// GroupingNumber identifies the segment; it is the start of its window.
func (s *Segment) GroupingNumber() int64 {
	return s.rng.Start
}

// Placement returns the grouping number a key is filed under in this
// segment. Range keys that start before the segment are filed at its start.
func (s *Segment) Placement(k types.Key) int64 {
	return s.rng.Clamp(k.GroupingNumber())
}

// WriteRange returns the smallest-granularity file range holding g.
func (s *Segment) WriteRange(g int64) types.Range {
	return layout.RangeFor(g, s.opts.RollupLevels[0])
}

// RollupRanges returns, for every rollup level above the smallest, the
// range containing g. These are the rollup targets a write to g affects.
func (s *Segment) RollupRanges(g int64) []types.Range {
	levels := s.opts.RollupLevels[1:]
	out := make([]types.Range, 0, len(levels))
	for _, l := range levels {
		out = append(out, layout.RangeFor(g, l))
	}
	return out
}

// FileInfo describes a data file.
type FileInfo struct {
	Name    string
	Path    string
	Range   types.Range
	Size    int64
	ModTime time.Time
}

// Files lists the data files of the segment in priority order, oldest
// first. Temp files and names that do not parse are skipped. The caller
// should hold the directory lock for a stable answer.
func (s *Segment) Files() ([]FileInfo, error) {
	entries, err := os.ReadDir(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read segment dir: %w", err)
	}

	var files []FileInfo
	for _, e := range entries {
		if e.IsDir() || fileutil.IsTemp(e.Name()) {
			continue
		}
		r, err := types.ParseRange(e.Name())
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", e.Name(), err)
		}
		files = append(files, FileInfo{
			Name:    e.Name(),
			Path:    filepath.Join(s.path, e.Name()),
			Range:   r,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	SortByPriority(files)
	return files, nil
}

// SortByPriority orders files from lowest to highest priority: the last
// file wins when several hold the same key. Newer modification times win;
// at equal times a narrower range is assumed to have been written after the
// wider file that encloses it, and the name decides the rest.
func SortByPriority(files []FileInfo) {
	sort.SliceStable(files, func(i, j int) bool {
		a, b := files[i], files[j]
		if !a.ModTime.Equal(b.ModTime) {
			return a.ModTime.Before(b.ModTime)
		}
		if la, lb := a.Range.Length(), b.Range.Length(); la != lb {
			return la > lb
		}
		return a.Name < b.Name
	})
}

func covering(files []FileInfo, g int64) []FileInfo {
	var out []FileInfo
	for _, f := range files {
		if f.Range.Contains(g) {
			out = append(out, f)
		}
	}
	return out
}

func paths(files []FileInfo) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Path
	}
	return out
}

func (s *Segment) readerOptions() []record.Option {
	opts := []record.Option{record.WithMaxRecordSize(s.opts.MaxRecordSize)}
	if s.opts.OnCorrupt != nil {
		opts = append(opts, record.WithCorruptHandler(s.opts.OnCorrupt))
	}
	return opts
}
