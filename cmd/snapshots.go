package cmd

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/florinutz/icetable"
	"github.com/florinutz/icetable/catalog"
	"github.com/florinutz/icetable/internal/config"
	"github.com/florinutz/icetable/table"
)

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots <namespace.table>",
	Short: "List a table's snapshots",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshots,
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <namespace.table> <snapshot-id>",
	Short: "Make an ancestor snapshot current again",
	Long: `Points the table back at an ancestor of its current snapshot. No snapshot
is removed; later snapshots stay readable by id until they expire.`,
	Args: cobra.ExactArgs(2),
	RunE: runRollback,
}

var expireCmd = &cobra.Command{
	Use:   "expire <namespace.table>",
	Short: "Expire old snapshots and delete the files only they reference",
	Long: `Removes snapshots older than --older-than that are not among the
--retain-last most recent ancestors of the current snapshot, then deletes
manifest lists, manifests and data files no kept snapshot reaches.
Deletes are rate limited by gc.delete_rate and gc.delete_burst.`,
	Example: `  icetable expire webapp.user_events --older-than 168h --retain-last 10`,
	Args:    cobra.ExactArgs(1),
	RunE:    runExpire,
}

var compactCmd = &cobra.Command{
	Use:   "compact <namespace.table>",
	Short: "Rewrite a table's manifests into one per partition spec",
	Args:  cobra.ExactArgs(1),
	RunE:  runCompact,
}

func init() {
	rootCmd.AddCommand(snapshotsCmd, rollbackCmd, expireCmd, compactCmd)

	f := expireCmd.Flags()
	f.Duration("older-than", 0, "expire snapshots older than this age (0 for all but the retained ones)")
	f.Int("retain-last", 1, "always keep this many most recent ancestors of the current snapshot")
}

func runSnapshots(cmd *cobra.Command, args []string) error {
	id, err := catalog.ParseIdentifier(args[0])
	if err != nil {
		return err
	}
	return withEngine(cmd.Context(), func(_ config.Config, e *icetable.Engine) error {
		t, err := e.LoadTable(cmd.Context(), id)
		if err != nil {
			return err
		}
		var current int64 = -1
		if s := t.CurrentSnapshot(); s != nil {
			current = s.SnapshotID
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "SNAPSHOT\tPARENT\tTIMESTAMP\tOPERATION\tADDED FILES\tRECORDS\tCURRENT")
		for _, s := range t.Snapshots() {
			parent := "-"
			if s.ParentSnapshotID != nil {
				parent = strconv.FormatInt(*s.ParentSnapshotID, 10)
			}
			mark := ""
			if s.SnapshotID == current {
				mark = "*"
			}
			_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\t%s\n",
				s.SnapshotID, parent, s.Timestamp().Format(time.RFC3339), s.Summary.Operation(),
				s.Summary.Int("added-data-files"), s.Summary.Int("total-records"), mark)
		}
		return w.Flush()
	})
}

func runRollback(cmd *cobra.Command, args []string) error {
	id, err := catalog.ParseIdentifier(args[0])
	if err != nil {
		return err
	}
	snapID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("snapshot id %q: %w", args[1], err)
	}
	return withEngine(cmd.Context(), func(_ config.Config, e *icetable.Engine) error {
		t, err := e.LoadTable(cmd.Context(), id)
		if err != nil {
			return err
		}
		if _, err := t.RollbackTo(cmd.Context(), snapID); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "rolled %s back to snapshot %d\n", id, snapID)
		return nil
	})
}

func runExpire(cmd *cobra.Command, args []string) error {
	id, err := catalog.ParseIdentifier(args[0])
	if err != nil {
		return err
	}
	olderThan, _ := cmd.Flags().GetDuration("older-than")
	retainLast, _ := cmd.Flags().GetInt("retain-last")
	if retainLast < 1 {
		return fmt.Errorf("--retain-last must be at least 1")
	}
	return withEngine(cmd.Context(), func(cfg config.Config, e *icetable.Engine) error {
		t, err := e.LoadTable(cmd.Context(), id)
		if err != nil {
			return err
		}
		opts := table.ExpireOptions{
			RetainLast:  retainLast,
			DeleteRate:  cfg.GC.DeleteRate,
			DeleteBurst: cfg.GC.DeleteBurst,
		}
		if olderThan > 0 {
			opts.OlderThan = time.Now().Add(-olderThan)
		}
		_, res, err := t.ExpireSnapshots(cmd.Context(), opts)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(),
			"expired %d snapshots; deleted %d manifest lists, %d manifests, %d data files\n",
			res.ExpiredSnapshots, res.DeletedManifestLists, res.DeletedManifests, res.DeletedDataFiles)
		return nil
	})
}

func runCompact(cmd *cobra.Command, args []string) error {
	id, err := catalog.ParseIdentifier(args[0])
	if err != nil {
		return err
	}
	return withEngine(cmd.Context(), func(_ config.Config, e *icetable.Engine) error {
		t, err := e.LoadTable(cmd.Context(), id)
		if err != nil {
			return err
		}
		if t.CurrentSnapshot() == nil {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s has no snapshots\n", id)
			return nil
		}
		next, err := t.NewRewriteManifests().Commit(cmd.Context())
		if err != nil {
			return err
		}
		snap := next.CurrentSnapshot()
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "rewrote manifests of %s into %d (snapshot %d)\n",
			id, snap.Summary.Int("manifests-created"), snap.SnapshotID)
		return nil
	})
}
