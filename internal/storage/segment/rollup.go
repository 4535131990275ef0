package segment

import (
	"fmt"
	"path/filepath"
	"time"

	serrors "github.com/xtxerr/timestore/internal/errors"
	"github.com/xtxerr/timestore/internal/storage/fileutil"
	"github.com/xtxerr/timestore/internal/storage/layout"
	"github.com/xtxerr/timestore/internal/storage/lock"
	"github.com/xtxerr/timestore/internal/storage/record"
	"github.com/xtxerr/timestore/internal/storage/types"
)

// RollupResult describes one rollup.
type RollupResult struct {
	Range      types.Range
	Sources    int
	Records    int64
	Duplicates int64
	Bytes      int64
	Duration   time.Duration

	// Skipped is set when the range already consisted of a single file
	// named by the range.
	Skipped bool
}

// ValidateRollupRange checks that r lies in the segment and is the window of
// one of the rollup levels.
func (s *Segment) ValidateRollupRange(r types.Range) error {
	if !s.rng.Encloses(r) {
		return serrors.NewInvalidRange(r.Start, r.End, "not enclosed by segment "+s.rng.String())
	}
	for _, l := range s.opts.RollupLevels {
		if layout.RangeFor(r.Start, l) == r {
			return nil
		}
	}
	return serrors.NewInvalidRange(r.Start, r.End, "not aligned to a rollup level")
}

// Rollup merges every file enclosed by r into a single file named by r.
// Running it again after an interruption completes the same merge.
func (s *Segment) Rollup(r types.Range) (RollupResult, error) {
	start := time.Now()
	res := RollupResult{Range: r}

	if err := s.ValidateRollupRange(r); err != nil {
		return res, err
	}

	dirTok := s.opts.Locks.AcquireWrite(s.path)
	defer dirTok.Release()

	files, err := s.Files()
	if err != nil {
		return res, err
	}
	var sources []FileInfo
	for _, f := range files {
		if r.Encloses(f.Range) {
			sources = append(sources, f)
		}
	}

	output := filepath.Join(s.path, r.String())
	if len(sources) == 0 || (len(sources) == 1 && sources[0].Path == output) {
		res.Skipped = true
		res.Sources = len(sources)
		return res, nil
	}
	res.Sources = len(sources)

	tokens := s.opts.Locks.AcquireWriteAll(append(paths(sources), output))
	defer lock.ReleaseAll(tokens)

	readers := make([]*record.Reader[types.Key], 0, len(sources))
	defer func() {
		for _, rd := range readers {
			rd.Close()
		}
	}()
	for _, f := range sources {
		rd, err := record.OpenLocked(f.Path, types.DecodeEntityKey, s.readerOptions()...)
		if err != nil {
			return res, err
		}
		readers = append(readers, rd)
	}

	w, err := record.NewWriter(output, s.opts.SyncWrites, s.opts.MaxRecordSize)
	if err != nil {
		return res, err
	}

	merge := NewMerge(readers)
	for {
		_, raw, ok := merge.Next()
		if !ok {
			break
		}
		if err := w.Write(raw); err != nil {
			w.Abort()
			return res, fmt.Errorf("write rollup %s: %w", output, err)
		}
	}
	for _, rd := range readers {
		if err := rd.Err(); err != nil {
			w.Abort()
			return res, err
		}
	}

	res.Records = w.Stats().RecordsWritten
	res.Bytes = w.Stats().BytesWritten
	res.Duplicates = merge.Duplicates()

	if res.Records == 0 {
		w.Abort()
		if err := fileutil.RemoveIfExists(output); err != nil {
			return res, err
		}
	} else if err := w.Commit(); err != nil {
		return res, err
	}

	for _, f := range sources {
		if f.Path == output {
			continue
		}
		if err := fileutil.RemoveIfExists(f.Path); err != nil {
			return res, err
		}
	}
	if s.opts.SyncWrites {
		if err := fileutil.SyncDir(s.path); err != nil {
			return res, err
		}
	}

	res.Duration = time.Since(start)
	log.Info("rollup complete",
		"segment", s.rng.String(),
		"range", r.String(),
		"sources", res.Sources,
		"records", res.Records,
		"duplicates", res.Duplicates,
		"duration", res.Duration)
	return res, nil
}
