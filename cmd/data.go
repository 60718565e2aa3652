package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/florinutz/icetable"
	"github.com/florinutz/icetable/catalog"
	"github.com/florinutz/icetable/icetableerr"
	"github.com/florinutz/icetable/internal/backoff"
	"github.com/florinutz/icetable/internal/config"
	"github.com/florinutz/icetable/manifest"
	"github.com/florinutz/icetable/schema"
	"github.com/florinutz/icetable/table"
)

var appendCmd = &cobra.Command{
	Use:   "append <namespace.table> <rows.jsonl|->",
	Short: "Append JSON lines to a table as one snapshot",
	Long: `Reads one JSON object per line, writes the rows as data files grouped by
partition, and commits them as a single append snapshot.

A commit that loses the race to another writer is retried against the
refreshed table with the same data files, up to commit.max_retries times.`,
	Example: `  icetable append webapp.user_events events.jsonl
  cat events.jsonl | icetable append webapp.user_events -`,
	Args: cobra.ExactArgs(2),
	RunE: runAppend,
}

var scanCmd = &cobra.Command{
	Use:   "scan <namespace.table>",
	Short: "Read rows from a table snapshot",
	Long: `Prints the rows of the current snapshot, or of the snapshot selected with
--snapshot or --as-of. --filter takes a CEL expression over the row's
columns; rows where it is false or null are skipped.`,
	Example: `  icetable scan webapp.user_events
  icetable scan webapp.user_events --filter 'userid == 2' --columns username,command --format table
  icetable scan webapp.user_events --as-of 2026-10-15T12:00:00Z`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(appendCmd, scanCmd)

	f := scanCmd.Flags()
	f.Int64("snapshot", 0, "read this snapshot id instead of the current one")
	f.String("as-of", "", "read the snapshot current at this RFC 3339 time")
	f.String("filter", "", "CEL row filter")
	f.StringSlice("columns", nil, "columns to project (default: all)")
	f.String("format", "jsonl", "output format: jsonl, table")
	f.Int("limit", 0, "stop after this many rows (0 for all)")
}

// readRecords decodes one JSON object per non-empty line.
func readRecords(r io.Reader) ([]schema.Record, error) {
	var records []schema.Record
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(text))
		dec.UseNumber()
		var rec schema.Record
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	return records, sc.Err()
}

// appendWithRetry writes records once and commits them, re-committing the
// same files against a refreshed table when another writer got there
// first. Files are removed if the commit never lands, and kept when its
// outcome is unknown.
func appendWithRetry(ctx context.Context, e *icetable.Engine, id catalog.Identifier, records []schema.Record, p backoff.Policy) (*table.Table, error) {
	t, err := e.LoadTable(ctx, id)
	if err != nil {
		return nil, err
	}
	files, err := t.WriteDataFiles(ctx, records)
	if err != nil {
		return nil, err
	}

	var committed *table.Table
	err = backoff.Retry(ctx, p, func(err error) bool {
		return errors.Is(err, icetableerr.ErrConcurrentModification)
	}, func(attempt int) error {
		if attempt > 0 {
			slog.Info("commit lost race, retrying", "table", id, "attempt", attempt)
			if t, err = t.Refresh(ctx); err != nil {
				return err
			}
		}
		committed, err = t.NewAppend().AppendFile(files...).Commit(ctx)
		return err
	})
	if err != nil {
		if !errors.Is(err, icetableerr.ErrCommitStateUnknown) {
			removeFiles(e, files)
		}
		return nil, err
	}
	return committed, nil
}

func removeFiles(e *icetable.Engine, files []manifest.DataFile) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, f := range files {
		if err := e.Objects().Delete(ctx, f.Path); err != nil {
			slog.Warn("remove uncommitted data file", "path", f.Path, "error", err)
		}
	}
}

func commitPolicy(cfg config.Config) backoff.Policy {
	return backoff.Policy{
		MaxRetries: cfg.Commit.MaxRetries,
		Base:       cfg.Commit.BackoffBase,
		Cap:        cfg.Commit.BackoffCap,
	}
}

func runAppend(cmd *cobra.Command, args []string) error {
	id, err := catalog.ParseIdentifier(args[0])
	if err != nil {
		return err
	}
	var in io.Reader = cmd.InOrStdin()
	if args[1] != "-" {
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	records, err := readRecords(in)
	if err != nil {
		return fmt.Errorf("read rows: %w", err)
	}
	if len(records) == 0 {
		return fmt.Errorf("no rows in %s", args[1])
	}

	return withEngine(cmd.Context(), func(cfg config.Config, e *icetable.Engine) error {
		t, err := appendWithRetry(cmd.Context(), e, id, records, commitPolicy(cfg))
		if err != nil {
			return err
		}
		snap := t.CurrentSnapshot()
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "appended %d rows in %d files to %s (snapshot %d)\n",
			snap.Summary.Int("added-records"), snap.Summary.Int("added-data-files"), id, snap.SnapshotID)
		return nil
	})
}

func scanOptions(cmd *cobra.Command) ([]table.ScanOption, error) {
	f := cmd.Flags()
	var opts []table.ScanOption
	snapID, _ := f.GetInt64("snapshot")
	asOf, _ := f.GetString("as-of")
	switch {
	case snapID != 0 && asOf != "":
		return nil, fmt.Errorf("--snapshot and --as-of are mutually exclusive")
	case snapID != 0:
		opts = append(opts, table.WithSnapshotID(snapID))
	case asOf != "":
		ts, err := time.Parse(time.RFC3339, asOf)
		if err != nil {
			return nil, fmt.Errorf("--as-of: %w", err)
		}
		opts = append(opts, table.AsOf(ts))
	}
	if filter, _ := f.GetString("filter"); filter != "" {
		opts = append(opts, table.WithRowFilter(filter))
	}
	if cols, _ := f.GetStringSlice("columns"); len(cols) > 0 {
		opts = append(opts, table.Select(cols...))
	}
	return opts, nil
}

func runScan(cmd *cobra.Command, args []string) error {
	id, err := catalog.ParseIdentifier(args[0])
	if err != nil {
		return err
	}
	opts, err := scanOptions(cmd)
	if err != nil {
		return err
	}
	format, _ := cmd.Flags().GetString("format")
	if format != "jsonl" && format != "table" {
		return fmt.Errorf("unknown format %q (expected jsonl, table)", format)
	}
	limit, _ := cmd.Flags().GetInt("limit")

	return withEngine(cmd.Context(), func(_ config.Config, e *icetable.Engine) error {
		ctx := cmd.Context()
		t, err := e.LoadTable(ctx, id)
		if err != nil {
			return err
		}
		scan, err := t.NewScan(opts...)
		if err != nil {
			return err
		}
		if scan.Snapshot() == nil {
			return nil
		}
		return writeRows(cmd.OutOrStdout(), format, scan.Schema().Names(), scan.Records(ctx), limit)
	})
}

func writeRows(out io.Writer, format string, columns []string, rows iter.Seq2[schema.Record, error], limit int) error {
	var (
		enc *json.Encoder
		w   *tabwriter.Writer
	)
	if format == "table" {
		w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, strings.ToUpper(strings.Join(columns, "\t")))
	} else {
		enc = json.NewEncoder(out)
	}

	n := 0
	for rec, err := range rows {
		if err != nil {
			return err
		}
		if w != nil {
			cells := make([]string, len(columns))
			for i, c := range columns {
				if v, ok := rec[c]; ok && v != nil {
					cells[i] = fmt.Sprint(v)
				}
			}
			_, _ = fmt.Fprintln(w, strings.Join(cells, "\t"))
		} else if err := enc.Encode(rec); err != nil {
			return err
		}
		if n++; limit > 0 && n >= limit {
			break
		}
	}
	if w != nil {
		return w.Flush()
	}
	return nil
}
