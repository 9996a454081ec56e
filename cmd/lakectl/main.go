// Command lakectl administers a table on the local filesystem.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/freeeve/lakehouse/internal/config"
	"github.com/freeeve/lakehouse/internal/fileio"
	"github.com/freeeve/lakehouse/internal/logx"
	"github.com/freeeve/lakehouse/internal/mergetree"
	"github.com/freeeve/lakehouse/internal/spec"
	"github.com/freeeve/lakehouse/internal/table"
)

const usage = `Usage: lakectl <command> -table <dir> [options]

Commands:
  create         create a table from a YAML definition (-def)
  describe       print the current schema and table stats
  snapshots      list retained snapshots
  files          list live files of a snapshot
  scan           print the rows of a snapshot (-format text|csv|json)
  changes        print the changes between two snapshots
  compact        compact the table (-full for a full rewrite)
  expire         expire snapshots by the retention options
  clean-orphans  delete files no snapshot references
  alter          change the schema (-add-column, -drop-column, -rename-column, -set, -unset)
`

type command func(ctx context.Context, args []string, log zerolog.Logger) error

var commands = map[string]command{
	"create":        runCreate,
	"describe":      runDescribe,
	"snapshots":     runSnapshots,
	"files":         runFiles,
	"scan":          runScan,
	"changes":       runChanges,
	"compact":       runCompact,
	"expire":        runExpire,
	"clean-orphans": runCleanOrphans,
	"alter":         runAlter,
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	logger, err := logx.NewLoggerWithOptions(os.Stderr, envOr("LAKECTL_LOG_LEVEL", "warn"), false)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cmd(ctx, os.Args[2:], logger); err != nil {
		fmt.Fprintf(os.Stderr, "lakectl %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// newFlags returns a flag set with the -table flag every command takes.
func newFlags(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	dir := fs.String("table", "./data/table", "table root directory")
	return fs, dir
}

func tableConfig(dir string, log zerolog.Logger) table.Config {
	return table.Config{FileIO: fileio.NewLocal(), Root: dir, Logger: log}
}

func openTable(ctx context.Context, dir string, log zerolog.Logger) (*table.Table, error) {
	return table.Open(ctx, tableConfig(dir, log))
}

func runCreate(ctx context.Context, args []string, log zerolog.Logger) error {
	fs, dir := newFlags("create")
	def := fs.String("def", "", "YAML table definition")
	_ = fs.Parse(args)
	if *def == "" {
		return errors.New("-def is required")
	}
	d, err := config.LoadTableDefinition(*def)
	if err != nil {
		return err
	}
	s, err := d.Schema()
	if err != nil {
		return err
	}
	t, err := table.Create(ctx, tableConfig(*dir, log), s)
	if err != nil {
		return err
	}
	defer t.Close()
	fmt.Printf("created table %s with %d columns\n", *dir, len(s.Fields))
	return nil
}

func runDescribe(ctx context.Context, args []string, log zerolog.Logger) error {
	fs, dir := newFlags("describe")
	_ = fs.Parse(args)
	t, err := openTable(ctx, *dir, log)
	if err != nil {
		return err
	}
	defer t.Close()

	s := t.Schema()
	fmt.Printf("schema %d", s.ID)
	if s.Comment != "" {
		fmt.Printf(" (%s)", s.Comment)
	}
	fmt.Println()
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tKEY")
	for _, f := range s.Fields {
		key := ""
		switch {
		case slices.Contains(s.PartitionKeys, f.Name):
			key = "partition"
		case slices.Contains(s.PrimaryKeys, f.Name):
			key = "primary"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", f.ID, f.Name, f.Type, key)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, k := range slices.Sorted(maps.Keys(s.Options)) {
		fmt.Printf("option %s = %s\n", k, s.Options[k])
	}

	st, err := t.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("snapshots %d..%d, %d records in %d files (%d bytes), %d buckets, max %d sorted runs\n",
		st.EarliestSnapshot, st.LatestSnapshot, st.TotalRecords, st.LiveFiles, st.TotalFileSize, st.Buckets, st.MaxSortedRuns)
	return nil
}

func runSnapshots(ctx context.Context, args []string, log zerolog.Logger) error {
	fs, dir := newFlags("snapshots")
	_ = fs.Parse(args)
	t, err := openTable(ctx, *dir, log)
	if err != nil {
		return err
	}
	defer t.Close()
	snaps, err := t.Snapshots(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSCHEMA\tKIND\tUSER\tIDENTIFIER\tTIME\tTOTAL\tDELTA")
	for _, s := range snaps {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%d\t%s\t%d\t%d\n",
			s.ID, s.SchemaID, s.CommitKind, s.CommitUser, s.CommitIdentifier,
			s.Time().Format(time.RFC3339), s.TotalRecordCount, s.DeltaRecordCount)
	}
	return tw.Flush()
}

func runFiles(ctx context.Context, args []string, log zerolog.Logger) error {
	fs, dir := newFlags("files")
	id := fs.Int64("snapshot", 0, "snapshot id (0 = latest)")
	_ = fs.Parse(args)
	t, err := openTable(ctx, *dir, log)
	if err != nil {
		return err
	}
	defer t.Close()
	entries, err := t.Files(ctx, *id, nil)
	if err != nil {
		return err
	}
	paths := mergetree.NewPathFactory(t.Schema())
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PARTITION\tBUCKET\tLEVEL\tROWS\tSIZE\tSEQ\tPATH")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d-%d\t%s\n",
			paths.PartitionDir(e.Partition), e.Bucket, e.File.Level, e.File.RowCount,
			e.File.FileSize, e.File.MinSeq, e.File.MaxSeq, e.File.Path)
	}
	return tw.Flush()
}

func runScan(ctx context.Context, args []string, log zerolog.Logger) error {
	fs, dir := newFlags("scan")
	id := fs.Int64("snapshot", 0, "snapshot id (0 = latest)")
	format := fs.String("format", "text", "output format: text, csv or json")
	limit := fs.Int("limit", 0, "maximum rows to print (0 = unlimited)")
	_ = fs.Parse(args)
	t, err := openTable(ctx, *dir, log)
	if err != nil {
		return err
	}
	defer t.Close()
	it, err := t.Scan(ctx, table.ScanOptions{SnapshotID: *id})
	if err != nil {
		return err
	}
	return printRows(os.Stdout, t.Schema(), it, *format, *limit)
}

func runChanges(ctx context.Context, args []string, log zerolog.Logger) error {
	fs, dir := newFlags("changes")
	from := fs.Int64("from", 0, "exclusive start snapshot")
	to := fs.Int64("to", 0, "inclusive end snapshot (0 = latest)")
	format := fs.String("format", "text", "output format: text, csv or json")
	_ = fs.Parse(args)
	t, err := openTable(ctx, *dir, log)
	if err != nil {
		return err
	}
	defer t.Close()
	if *to == 0 {
		latest, err := t.Snapshot(ctx, 0)
		if err != nil {
			return err
		}
		if latest != nil {
			*to = latest.ID
		}
	}
	it, err := t.IncrementalScan(ctx, *from, *to)
	if err != nil {
		return err
	}
	return printRows(os.Stdout, t.Schema(), it, *format, 0)
}

// printRows writes rows in the chosen format. csv and json carry the row
// kind in a leading _kind column.
func printRows(out io.Writer, s *spec.TableSchema, it *table.RowIterator, format string, limit int) error {
	defer it.Close()
	var emit func(spec.Row) error
	var flush func() error
	switch format {
	case "text":
		emit = func(r spec.Row) error {
			_, err := fmt.Fprintln(out, r.String())
			return err
		}
		flush = func() error { return nil }
	case "csv":
		w := csv.NewWriter(out)
		if err := w.Write(append([]string{"_kind"}, s.FieldNames()...)); err != nil {
			return err
		}
		emit = func(r spec.Row) error {
			rec := make([]string, 0, len(r.Fields)+1)
			rec = append(rec, r.Kind.ShortString())
			for _, v := range r.Fields {
				if v == nil {
					rec = append(rec, "")
					continue
				}
				rec = append(rec, fmt.Sprint(v))
			}
			return w.Write(rec)
		}
		flush = func() error {
			w.Flush()
			return w.Error()
		}
	case "json":
		enc := json.NewEncoder(out)
		emit = func(r spec.Row) error {
			obj := make(map[string]any, len(r.Fields)+1)
			obj["_kind"] = r.Kind.ShortString()
			for i, f := range s.Fields {
				obj[f.Name] = r.Fields[i]
			}
			return enc.Encode(obj)
		}
		flush = func() error { return nil }
	default:
		return errors.Newf("unknown format %q", format)
	}

	n := 0
	for limit == 0 || n < limit {
		row, err := it.Next()
		if err != nil {
			return err
		}
		if row == nil {
			break
		}
		if err := emit(*row); err != nil {
			return err
		}
		n++
	}
	return flush()
}

func runCompact(ctx context.Context, args []string, log zerolog.Logger) error {
	fs, dir := newFlags("compact")
	full := fs.Bool("full", false, "rewrite every bucket into one run")
	_ = fs.Parse(args)
	t, err := openTable(ctx, *dir, log)
	if err != nil {
		return err
	}
	defer t.Close()
	start := time.Now()
	id, err := t.Compact(ctx, *full)
	if err != nil {
		return err
	}
	if id == 0 {
		fmt.Println("nothing to compact")
		return nil
	}
	fmt.Printf("committed snapshot %d in %s\n", id, time.Since(start).Round(time.Millisecond))
	return nil
}

func runExpire(ctx context.Context, args []string, log zerolog.Logger) error {
	fs, dir := newFlags("expire")
	_ = fs.Parse(args)
	t, err := openTable(ctx, *dir, log)
	if err != nil {
		return err
	}
	defer t.Close()
	res, err := t.ExpireSnapshots(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("expired %d snapshots, deleted %d data files and %d manifests\n",
		res.Snapshots, res.DataFiles, res.ManifestFiles)
	return nil
}

func runCleanOrphans(ctx context.Context, args []string, log zerolog.Logger) error {
	fs, dir := newFlags("clean-orphans")
	olderThan := fs.Duration("older-than", -1, "minimum file age (default orphan-file.older-than)")
	_ = fs.Parse(args)
	t, err := openTable(ctx, *dir, log)
	if err != nil {
		return err
	}
	defer t.Close()
	n, err := t.RemoveOrphanFiles(ctx, *olderThan)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d orphan files\n", n)
	return nil
}

// multiFlag collects a repeated string flag.
type multiFlag []string

func (m *multiFlag) String() string     { return strings.Join(*m, ",") }
func (m *multiFlag) Set(v string) error { *m = append(*m, v); return nil }

func runAlter(ctx context.Context, args []string, log zerolog.Logger) error {
	fs, dir := newFlags("alter")
	var adds, drops, renames, sets, unsets multiFlag
	fs.Var(&adds, "add-column", "name:TYPE, repeatable")
	fs.Var(&drops, "drop-column", "name, repeatable")
	fs.Var(&renames, "rename-column", "from:to, repeatable")
	fs.Var(&sets, "set", "key=value option, repeatable")
	fs.Var(&unsets, "unset", "option key, repeatable")
	comment := fs.String("comment", "", "new table comment")
	_ = fs.Parse(args)

	changes, err := schemaChanges(adds, drops, renames, sets, unsets)
	if err != nil {
		return err
	}
	if *comment != "" {
		changes = append(changes, spec.UpdateComment{Comment: *comment})
	}
	if len(changes) == 0 {
		return errors.New("no changes given")
	}

	t, err := openTable(ctx, *dir, log)
	if err != nil {
		return err
	}
	defer t.Close()
	s, err := t.AlterSchema(ctx, changes...)
	if err != nil {
		return err
	}
	fmt.Printf("committed schema %d\n", s.ID)
	return nil
}

func schemaChanges(adds, drops, renames, sets, unsets []string) ([]spec.SchemaChange, error) {
	var changes []spec.SchemaChange
	for _, a := range adds {
		name, typ, ok := strings.Cut(a, ":")
		if !ok {
			return nil, errors.Newf("add-column %q is not name:TYPE", a)
		}
		dt, err := spec.ParseDataType(typ)
		if err != nil {
			return nil, err
		}
		changes = append(changes, spec.AddColumn{Name: name, Type: dt})
	}
	for _, d := range drops {
		changes = append(changes, spec.DropColumn{Name: d})
	}
	for _, r := range renames {
		from, to, ok := strings.Cut(r, ":")
		if !ok {
			return nil, errors.Newf("rename-column %q is not from:to", r)
		}
		changes = append(changes, spec.RenameColumn{From: from, To: to})
	}
	for _, s := range sets {
		k, v, ok := strings.Cut(s, "=")
		if !ok {
			return nil, errors.Newf("set %q is not key=value", s)
		}
		changes = append(changes, spec.SetOption{Key: k, Value: v})
	}
	for _, u := range unsets {
		changes = append(changes, spec.RemoveOption{Key: u})
	}
	return changes, nil
}
