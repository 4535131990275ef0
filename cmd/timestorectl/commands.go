package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/xtxerr/timestore/internal/storage"
	"github.com/xtxerr/timestore/internal/storage/config"
	"github.com/xtxerr/timestore/internal/storage/export"
	"github.com/xtxerr/timestore/internal/storage/query"
	"github.com/xtxerr/timestore/internal/storage/recovery"
	"github.com/xtxerr/timestore/internal/storage/sweep"
	"github.com/xtxerr/timestore/internal/storage/types"
)

var (
	errUsage = errors.New("usage")
	errExit  = errors.New("exit")
)

// cli runs commands against one open collection.
type cli struct {
	cfg   *config.Config
	col   *storage.Collection[[]byte]
	out   io.Writer
	width int

	// interrupt is called when a signal arrives while the shell is
	// blocked reading a line.
	interrupt func()
}

func newCLI(cfg *config.Config, col *storage.Collection[[]byte], out io.Writer) *cli {
	return &cli{cfg: cfg, col: col, out: out, width: 80}
}

type command struct {
	name  string
	usage string
	help  string
	run   func(ctx context.Context, args []string) error
}

func (c *cli) commands() []command {
	return []command{
		{"segments", "segments [min max]", "list segments and their files", c.segments},
		{"pending", "pending", "list pending recovery entries", c.pending},
		{"rollup", "rollup", "force all rollups", c.rollup},
		{"sweep", "sweep", "remove temp files and report usage", c.sweep},
		{"export", "export -out file.parquet [min max]", "export records to Parquet", c.export},
		{"sql", "sql -parquet file [-view name] \"SELECT ...\"", "run SQL over Parquet exports", c.sql},
		{"stats", "stats", "show collection statistics", c.stats},
		{"get", "get key", "print the value stored at key", c.get},
		{"put", "put key value", "insert or replace a value", c.put},
		{"delete", "delete key", "delete the record at key", c.del},
		{"query", "query [min max]", "list records overlapping a window", c.query},
		{"help", "help", "show commands", c.help},
	}
}

// exec runs args[0] with the remaining arguments.
func (c *cli) exec(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return nil
	}
	for _, cmd := range c.commands() {
		if cmd.name != args[0] {
			continue
		}
		err := cmd.run(ctx, args[1:])
		if errors.Is(err, errUsage) {
			return fmt.Errorf("usage: %s", cmd.usage)
		}
		return err
	}
	return fmt.Errorf("unknown command %q (try help)", args[0])
}

// =============================================================================
// Maintenance
// =============================================================================

func (c *cli) segments(ctx context.Context, args []string) error {
	min, max, err := parseWindow(args)
	if err != nil {
		return err
	}

	segs, err := c.col.Segments(ctx, min, max)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEGMENT\tFILE\tRANGE\tSIZE\tMODIFIED")
	var total int64
	for _, s := range segs {
		if len(s.Files) == 0 {
			fmt.Fprintf(tw, "%s\t-\t%s\t-\t-\n", s.Path, s.Range)
			continue
		}
		for _, f := range s.Files {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				s.Path, f.Name, f.Range, sweep.FormatBytes(f.Size), f.ModTime.Format(time.RFC3339))
			total += f.Size
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%d segments, %s\n", len(segs), sweep.FormatBytes(total))
	return nil
}

func (c *cli) pending(_ context.Context, args []string) error {
	if len(args) != 0 {
		return errUsage
	}

	entries, err := c.col.RecoveryLog().Pending()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(c.out, "no pending entries")
		return nil
	}

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tKIND\tDETAIL")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n",
			e.ID, time.UnixMilli(e.Created).Format(time.RFC3339), e.Kind, describeEntry(e))
	}
	return tw.Flush()
}

func describeEntry(e recovery.Entry) string {
	if e.Kind == recovery.KindRollup {
		return fmt.Sprintf("segment %d range %s", e.Rollup.SegmentGroupingNumber, e.Rollup.Range)
	}
	var deletes int
	for _, ch := range e.Changes {
		if ch.IsDelete() {
			deletes++
		}
	}
	return fmt.Sprintf("%d changes, %d deletes", len(e.Changes), deletes)
}

func (c *cli) rollup(ctx context.Context, args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	n, err := c.col.ForceRollups(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%d rollups run\n", n)
	return nil
}

func (c *cli) sweep(ctx context.Context, args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	res, err := c.col.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, res.Format())
	return res.Err()
}

func (c *cli) stats(_ context.Context, args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	s := c.col.Stats()

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "collection\t%s\n", s.Name)
	fmt.Fprintf(tw, "layout\t%s\n", c.cfg.CalculateFanout())
	fmt.Fprintf(tw, "inserts\t%d\n", s.Inserts)
	fmt.Fprintf(tw, "updates\t%d\n", s.Updates)
	fmt.Fprintf(tw, "deletes\t%d\n", s.Deletes)
	fmt.Fprintf(tw, "reads\t%d\n", s.Reads)
	fmt.Fprintf(tw, "queries\t%d\n", s.Queries)
	fmt.Fprintf(tw, "rollups\t%d (skipped %d, failed %d)\n", s.Rollups, s.RollupsSkipped, s.RollupErrors)
	fmt.Fprintf(tw, "replayed\t%d\n", s.Replayed)
	fmt.Fprintf(tw, "corrupt records\t%d\n", s.CorruptRecords)
	fmt.Fprintf(tw, "queue depth\t%d\n", s.QueueDepth)
	if s.Failed {
		fmt.Fprintf(tw, "state\tfailed, mutations disabled until reopen\n")
	}
	fmt.Fprintf(tw, "pending targets\t%d\n", s.Scheduler.Pending)
	if s.HasMaxGroupingNumber {
		fmt.Fprintf(tw, "max grouping number\t%d\n", s.MaxGroupingNumber)
	} else {
		fmt.Fprintf(tw, "max grouping number\t-\n")
	}
	if s.RollupLatency.Count > 0 {
		fmt.Fprintf(tw, "rollup latency\tp50=%.1fms p99=%.1fms max=%.1fms\n",
			s.RollupLatency.P50, s.RollupLatency.P99, s.RollupLatency.Max)
	}
	return tw.Flush()
}

// =============================================================================
// Export and SQL
// =============================================================================

func (c *cli) export(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	out := fs.String("out", "", "output Parquet file")
	if err := fs.Parse(args); err != nil || *out == "" {
		return errUsage
	}
	min, max, err := parseWindow(fs.Args())
	if err != nil {
		return err
	}

	res, err := export.Export(ctx, c.col, *out, min, max, export.OptionsFromConfig(c.cfg))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "exported %d records to %s (%s, %s)\n",
		res.Rows, res.Path, sweep.FormatBytes(res.Bytes), res.Duration.Round(time.Millisecond))
	return nil
}

func (c *cli) sql(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sql", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	pattern := fs.String("parquet", "", "Parquet file or glob")
	view := fs.String("view", "records", "view name for the Parquet files")
	if err := fs.Parse(args); err != nil || *pattern == "" || fs.NArg() == 0 {
		return errUsage
	}

	svc, err := query.New(c.cfg.Query)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.RegisterParquet(ctx, *view, *pattern); err != nil {
		return err
	}
	rows, err := svc.ExecuteSQL(ctx, strings.Join(fs.Args(), " "))
	if err != nil {
		return err
	}
	return c.printRows(rows)
}

func (c *cli) printRows(rows []map[string]any) error {
	if len(rows) == 0 {
		fmt.Fprintln(c.out, "(0 rows)")
		return nil
	}

	var columns []string
	for col := range rows[0] {
		columns = append(columns, col)
	}
	slices.Sort(columns)

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(columns, "\t"))
	for _, row := range rows {
		cells := make([]string, len(columns))
		for i, col := range columns {
			switch v := row[col].(type) {
			case []byte:
				cells[i] = formatValue(v, c.width/len(columns))
			case nil:
				cells[i] = "NULL"
			default:
				cells[i] = fmt.Sprint(v)
			}
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "(%d rows)\n", len(rows))
	return nil
}

// =============================================================================
// Records
// =============================================================================

func (c *cli) get(_ context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	key, err := parseKey(args[0])
	if err != nil {
		return err
	}
	v, ok, err := c.col.Get(key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: not found", key)
	}
	fmt.Fprintln(c.out, formatValue(v, 0))
	return nil
}

func (c *cli) put(_ context.Context, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	key, err := parseKey(args[0])
	if err != nil {
		return err
	}
	replaced, err := c.col.Replace(key, []byte(args[1]))
	if err != nil {
		return err
	}
	if replaced {
		fmt.Fprintf(c.out, "replaced %s\n", key)
	} else {
		fmt.Fprintf(c.out, "inserted %s\n", key)
	}
	return nil
}

func (c *cli) del(_ context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	key, err := parseKey(args[0])
	if err != nil {
		return err
	}
	ok, err := c.col.Delete(key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: not found", key)
	}
	fmt.Fprintf(c.out, "deleted %s\n", key)
	return nil
}

func (c *cli) query(_ context.Context, args []string) error {
	min, max, err := parseWindow(args)
	if err != nil {
		return err
	}
	recs, err := c.col.Query(min, max, nil)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tVALUE")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\n", r.Key, formatValue(r.Value, c.width-24))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "(%d records)\n", len(recs))
	return nil
}

func (c *cli) help(_ context.Context, _ []string) error {
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	for _, cmd := range c.commands() {
		fmt.Fprintf(tw, "  %s\t%s\n", cmd.usage, cmd.help)
	}
	return tw.Flush()
}

// =============================================================================
// Parsing and formatting
// =============================================================================

// parseWindow parses an optional "min max" pair. No arguments select
// every grouping number.
func parseWindow(args []string) (int64, int64, error) {
	switch len(args) {
	case 0:
		return math.MinInt64, math.MaxInt64, nil
	case 2:
		min, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("parse min: %w", err)
		}
		max, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("parse max: %w", err)
		}
		return min, max, nil
	default:
		return 0, 0, errUsage
	}
}

// parseKey accepts the forms printed by types.Key.String:
//
//	5 or @5          point key
//	[1..9] or 1..9   range key
//	#name            untimed key
//
// A point or range key may carry an id suffix such as @5#a.
func parseKey(s string) (types.Key, error) {
	if id, ok := strings.CutPrefix(s, "#"); ok {
		k := types.IDKey(id)
		return k, k.Validate()
	}

	body, id, _ := strings.Cut(s, "#")
	body = strings.TrimPrefix(body, "@")

	var k types.Key
	if a, b, ok := strings.Cut(body, ".."); ok {
		start, err := strconv.ParseInt(strings.TrimPrefix(a, "["), 10, 64)
		if err != nil {
			return types.Key{}, fmt.Errorf("parse key %q: %w", s, err)
		}
		end, err := strconv.ParseInt(strings.TrimSuffix(b, "]"), 10, 64)
		if err != nil {
			return types.Key{}, fmt.Errorf("parse key %q: %w", s, err)
		}
		k = types.RangeKeyWithID(start, end, id)
	} else {
		t, err := strconv.ParseInt(body, 10, 64)
		if err != nil {
			return types.Key{}, fmt.Errorf("parse key %q: %w", s, err)
		}
		k = types.PointKeyWithID(t, id)
	}

	if err := k.Validate(); err != nil {
		return types.Key{}, err
	}
	return k, nil
}

// formatValue renders printable UTF-8 as a quoted string and anything else
// as hex, cut to limit runes when limit > 0.
func formatValue(v []byte, limit int) string {
	var s string
	if utf8.Valid(v) && printable(v) {
		s = strconv.Quote(string(v))
	} else {
		s = fmt.Sprintf("0x%x", v)
	}
	if limit > 3 && utf8.RuneCountInString(s) > limit {
		r := []rune(s)
		s = string(r[:limit-3]) + "..."
	}
	return s
}

func printable(v []byte) bool {
	for _, r := range string(v) {
		if !strconv.IsPrint(r) {
			return false
		}
	}
	return true
}

// splitArgs splits a shell line on spaces, keeping double-quoted runs
// together.
func splitArgs(line string) ([]string, error) {
	var (
		args   []string
		cur    strings.Builder
		quoted bool
		inArg  bool
	)
	for _, r := range line {
		switch {
		case r == '"':
			quoted = !quoted
			inArg = true
		case (r == ' ' || r == '\t') && !quoted:
			if inArg {
				args = append(args, cur.String())
				cur.Reset()
				inArg = false
			}
		default:
			cur.WriteRune(r)
			inArg = true
		}
	}
	if quoted {
		return nil, errors.New("unterminated quote")
	}
	if inArg {
		args = append(args, cur.String())
	}
	return args, nil
}
