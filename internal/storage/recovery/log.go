// Package recovery persists pending operations so that an interrupted
// mutation or rollup is completed on the next open.
//
// Every entry is written to its own file in the collection's recovery
// directory before the operation touches data files, and removed once the
// operation has been applied. Entries are idempotent, so replaying one that
// had already been applied is harmless.
package recovery

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	serrors "github.com/xtxerr/timestore/internal/errors"
	"github.com/xtxerr/timestore/internal/logging"
	"github.com/xtxerr/timestore/internal/storage/fileutil"
)

var log = logging.Component("recovery")

// FileSuffix marks pending entry files.
const FileSuffix = ".pending"

// Options configures a Log.
type Options struct {
	// SyncWrites fsyncs each entry and the directory before Save returns.
	SyncWrites bool

	// Now supplies creation timestamps. Default: time.Now.
	Now func() time.Time
}

// Handle identifies a saved entry.
type Handle struct {
	ID      uint64
	Created int64
	path    string
}

// Log is the recovery log of one collection.
type Log struct {
	dir  string
	opts Options

	mu     sync.Mutex
	nextID uint64

	// Statistics
	stats Stats
}

// Stats holds recovery log statistics.
type Stats struct {
	Saved     atomic.Int64
	Completed atomic.Int64
	Replayed  atomic.Int64
}

// LogStats is a snapshot of Stats.
type LogStats struct {
	Saved     int64
	Completed int64
	Replayed  int64
}

// Open opens or creates the recovery directory. The id counter starts past
// the highest id found on disk.
func Open(dir string, opts Options) (*Log, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create recovery dir: %w", err)
	}

	l := &Log{dir: dir, opts: opts}

	names, err := l.list()
	if err != nil {
		return nil, err
	}
	for _, n := range names {
		if n.id >= l.nextID {
			l.nextID = n.id + 1
		}
	}
	if l.nextID == 0 {
		l.nextID = 1
	}

	return l, nil
}

// Dir returns the recovery directory.
func (l *Log) Dir() string {
	return l.dir
}

// Save persists e and returns its handle. The entry is durable when Save
// returns if SyncWrites is set.
func (l *Log) Save(e Entry) (Handle, error) {
	l.mu.Lock()
	e.ID = l.nextID
	l.nextID++
	l.mu.Unlock()

	e.Created = l.opts.Now().UnixMilli()

	h := Handle{ID: e.ID, Created: e.Created, path: l.path(e.Created, e.ID)}
	if err := fileutil.WriteFile(h.path, Encode(e), l.opts.SyncWrites); err != nil {
		return Handle{}, fmt.Errorf("save recovery entry: %w", err)
	}

	l.stats.Saved.Add(1)
	return h, nil
}

// Complete removes a saved entry.
func (l *Log) Complete(h Handle) error {
	if err := fileutil.RemoveIfExists(h.path); err != nil {
		return fmt.Errorf("complete recovery entry %d: %w", h.ID, err)
	}
	if l.opts.SyncWrites {
		if err := fileutil.SyncDir(l.dir); err != nil {
			return err
		}
	}
	l.stats.Completed.Add(1)
	return nil
}

// Pending returns every entry on disk in replay order.
func (l *Log) Pending() ([]Entry, error) {
	names, err := l.list()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(names))
	for _, n := range names {
		data, err := os.ReadFile(n.path)
		if err != nil {
			return nil, fmt.Errorf("read recovery entry %s: %w", n.path, err)
		}
		e, err := Decode(data)
		if err != nil {
			return nil, serrors.Wrap(err, n.path)
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Created != entries[j].Created {
			return entries[i].Created < entries[j].Created
		}
		return entries[i].ID < entries[j].ID
	})
	return entries, nil
}

// Replay applies every pending entry in (created, id) order and removes it.
// Any failure, decoding or applying, stops the replay and wraps
// ErrRecoveryFailed.
func (l *Log) Replay(apply func(Entry) error) (int, error) {
	if err := l.removeTemps(); err != nil {
		return 0, fmt.Errorf("%w: %w", serrors.ErrRecoveryFailed, err)
	}

	entries, err := l.Pending()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", serrors.ErrRecoveryFailed, err)
	}

	for i, e := range entries {
		log.Info("replaying recovery entry", "id", e.ID, "kind", e.Kind, "created", e.Created)
		if err := apply(e); err != nil {
			return i, fmt.Errorf("%w: entry %d: %w", serrors.ErrRecoveryFailed, e.ID, err)
		}
		h := Handle{ID: e.ID, Created: e.Created, path: l.path(e.Created, e.ID)}
		if err := l.Complete(h); err != nil {
			return i, fmt.Errorf("%w: %w", serrors.ErrRecoveryFailed, err)
		}
		l.stats.Replayed.Add(1)
	}
	return len(entries), nil
}

// Stats returns recovery log statistics.
func (l *Log) Stats() LogStats {
	return LogStats{
		Saved:     l.stats.Saved.Load(),
		Completed: l.stats.Completed.Load(),
		Replayed:  l.stats.Replayed.Load(),
	}
}

func (l *Log) path(created int64, id uint64) string {
	return filepath.Join(l.dir, strconv.FormatInt(created, 10)+"_"+strconv.FormatUint(id, 10)+FileSuffix)
}

type entryName struct {
	path    string
	created int64
	id      uint64
}

// list returns pending entry files. Names that do not parse are ignored.
func (l *Log) list() ([]entryName, error) {
	dirEntries, err := os.ReadDir(l.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read recovery dir: %w", err)
	}

	var names []entryName
	for _, de := range dirEntries {
		if de.IsDir() || fileutil.IsTemp(de.Name()) {
			continue
		}
		base, ok := strings.CutSuffix(de.Name(), FileSuffix)
		if !ok {
			continue
		}
		c, i, ok := strings.Cut(base, "_")
		if !ok {
			continue
		}
		created, err := strconv.ParseInt(c, 10, 64)
		if err != nil {
			continue
		}
		id, err := strconv.ParseUint(i, 10, 64)
		if err != nil {
			continue
		}
		names = append(names, entryName{path: filepath.Join(l.dir, de.Name()), created: created, id: id})
	}
	return names, nil
}

func (l *Log) removeTemps() error {
	dirEntries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read recovery dir: %w", err)
	}
	for _, de := range dirEntries {
		if !fileutil.IsTemp(de.Name()) {
			continue
		}
		p := filepath.Join(l.dir, de.Name())
		log.Debug("removing stale temp file", "path", p)
		if err := fileutil.RemoveIfExists(p); err != nil {
			return err
		}
	}
	return nil
}
