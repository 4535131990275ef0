// Package layout maps grouping numbers onto the segment directory tree.
//
// A segment lives at root/L0/L1/L2/L3+suffix where every level is the
// "{low}_{high}" window of the grouping number at that granularity. Windows
// are floor-aligned to the granularity and clamped at the int64 extremes.
package layout

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	serrors "github.com/xtxerr/timestore/internal/errors"
	"github.com/xtxerr/timestore/internal/logging"
	"github.com/xtxerr/timestore/internal/storage/config"
	"github.com/xtxerr/timestore/internal/storage/types"
)

var log = logging.Component("layout")

// RangeFor returns the window of size multiple containing g.
func RangeFor(g, multiple int64) types.Range {
	q := g / multiple
	if g%multiple != 0 && g < 0 {
		q--
	}

	var r types.Range
	if q < math.MinInt64/multiple {
		r.Start = math.MinInt64
	} else {
		r.Start = q * multiple
	}
	if q > math.MaxInt64/multiple-1 {
		r.End = math.MaxInt64
	} else {
		r.End = (q+1)*multiple - 1
	}
	return r
}

// RangeName returns the "{low}_{high}" name of the window containing g.
func RangeName(g, multiple int64) string {
	return RangeFor(g, multiple).String()
}

// Layout resolves segment paths below a collection root.
type Layout struct {
	root        string
	levels      [4]int64
	suffix      string
	concurrency int
}

// New creates a layout rooted at root.
func New(root string, cfg config.LayoutConfig, scanConcurrency int) (*Layout, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", serrors.ErrInvalidConfig, err)
	}
	if scanConcurrency <= 0 {
		scanConcurrency = 1
	}
	l := &Layout{root: root, suffix: cfg.SegmentSuffix, concurrency: scanConcurrency}
	copy(l.levels[:], cfg.Levels)
	return l, nil
}

// Root returns the collection root.
func (l *Layout) Root() string {
	return l.root
}

// SegmentLevel returns the L3 granularity.
func (l *Layout) SegmentLevel() int64 {
	return l.levels[3]
}

// SegmentRange returns the L3 window of g.
func (l *Layout) SegmentRange(g int64) types.Range {
	return RangeFor(g, l.levels[3])
}

// SegmentPath returns the segment directory holding g.
func (l *Layout) SegmentPath(g int64) string {
	parts := make([]string, 0, 5)
	parts = append(parts, l.root)
	for i, m := range l.levels {
		name := RangeName(g, m)
		if i == len(l.levels)-1 {
			name += l.suffix
		}
		parts = append(parts, name)
	}
	return filepath.Join(parts...)
}

// CandidatePaths returns every segment directory a key may be stored in:
// one for point and untimed keys, one per L3 window for range keys.
func (l *Layout) CandidatePaths(k types.Key) []string {
	segs := l.Candidates(k)
	out := make([]string, len(segs))
	for i, s := range segs {
		out[i] = s.Path
	}
	return out
}

// Candidates is CandidatePaths with the window of each segment.
func (l *Layout) Candidates(k types.Key) []SegmentInfo {
	if k.Kind != types.KindRange {
		return []SegmentInfo{l.SegmentAt(k.GroupingNumber())}
	}
	return l.Between(k.Start, k.End)
}

// SegmentAt returns the segment holding g, whether or not it exists.
func (l *Layout) SegmentAt(g int64) SegmentInfo {
	return SegmentInfo{Path: l.SegmentPath(g), Range: l.SegmentRange(g)}
}

// Between returns the segment of every L3 window overlapping [min, max],
// whether or not it exists.
func (l *Layout) Between(min, max int64) []SegmentInfo {
	var out []SegmentInfo
	for g := RangeFor(min, l.levels[3]).Start; ; {
		s := l.SegmentAt(g)
		out = append(out, s)
		if s.Range.End >= max || s.Range.End == math.MaxInt64 {
			break
		}
		g = s.Range.End + 1
	}
	return out
}

// SegmentInfo describes an existing segment directory.
type SegmentInfo struct {
	Path  string
	Range types.Range
}

// ExistingSegments walks the tree and returns segments overlapping
// [min, max], sorted by range start. Entries whose names do not parse are
// skipped.
func (l *Layout) ExistingSegments(ctx context.Context, min, max int64) ([]SegmentInfo, error) {
	if min > max {
		return nil, serrors.NewInvalidRange(min, max, "min after max")
	}

	tops, err := l.overlappingChildren(l.root, min, max, false)
	if err != nil {
		return nil, err
	}

	var (
		mu  sync.Mutex
		out []SegmentInfo
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)
	for _, top := range tops {
		g.Go(func() error {
			found, err := l.walk(ctx, top.path, 1, min, max)
			if err != nil {
				return err
			}
			mu.Lock()
			out = append(out, found...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Range.Compare(out[j].Range) < 0 })
	return out, nil
}

func (l *Layout) walk(ctx context.Context, dir string, depth int, min, max int64) ([]SegmentInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	leaf := depth == len(l.levels)-1
	children, err := l.overlappingChildren(dir, min, max, leaf)
	if err != nil {
		return nil, err
	}

	var out []SegmentInfo
	for _, c := range children {
		if leaf {
			out = append(out, SegmentInfo{Path: c.path, Range: c.rng})
			continue
		}
		found, err := l.walk(ctx, c.path, depth+1, min, max)
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	return out, nil
}

type child struct {
	path string
	rng  types.Range
}

func (l *Layout) overlappingChildren(dir string, min, max int64, leaf bool) ([]child, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}

	var out []child
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if leaf {
			trimmed, ok := strings.CutSuffix(name, l.suffix)
			if !ok {
				continue
			}
			name = trimmed
		}
		r, err := types.ParseRange(name)
		if err != nil {
			log.Debug("skipping unrecognized entry", "dir", dir, "name", e.Name())
			continue
		}
		if r.Overlaps(min, max) {
			out = append(out, child{path: filepath.Join(dir, e.Name()), rng: r})
		}
	}
	return out, nil
}
