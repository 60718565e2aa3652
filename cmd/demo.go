package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/florinutz/icetable"
	"github.com/florinutz/icetable/catalog"
	"github.com/florinutz/icetable/icetableerr"
	"github.com/florinutz/icetable/internal/config"
	"github.com/florinutz/icetable/partition"
	"github.com/florinutz/icetable/schema"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Create two sample tables, append events and read them back",
	Long: `Creates the namespace webapp with an hourly-partitioned logs table and an
unpartitioned user_events table, appends four events and prints them.
Objects that already exist are reused.`,
	Args: cobra.NoArgs,
	RunE: runDemo,
}

func init() {
	rootCmd.AddCommand(demoCmd)
	demoCmd.Flags().String("namespace", "webapp", "namespace to create the sample tables in")
}

func runDemo(cmd *cobra.Command, args []string) error {
	nsName, _ := cmd.Flags().GetString("namespace")
	ns, err := catalog.ParseNamespace(nsName)
	if err != nil {
		return err
	}
	return withEngine(cmd.Context(), func(cfg config.Config, e *icetable.Engine) error {
		return demo(cmd.Context(), cmd.OutOrStdout(), e, ns, cfg)
	})
}

func demo(ctx context.Context, out io.Writer, e *icetable.Engine, ns catalog.Namespace, cfg config.Config) error {
	if err := ignoreExists(e.CreateNamespace(ctx, ns, map[string]string{"owner": "demo"})); err != nil {
		return err
	}

	logs, err := schema.NewBuilder().
		Required("level", schema.String).
		Required("event_time", schema.TimestampTz).
		Required("message", schema.String).
		Optional("call_stack", &schema.ListType{Element: schema.String, ElementRequired: true}).
		Build()
	if err != nil {
		return err
	}
	hourly, err := partition.NewBuilder(logs).Hour("event_time").Build()
	if err != nil {
		return err
	}
	if _, err := e.CreateTable(ctx, catalog.NewIdentifier(ns, "logs"), logs, hourly, nil); ignoreExists(err) != nil {
		return err
	}

	events, err := schema.NewBuilder().
		Optional("event_id", schema.String).
		Optional("username", schema.String).
		Optional("userid", schema.Int).
		Optional("api_version", schema.String).
		Optional("command", schema.String).
		Build()
	if err != nil {
		return err
	}
	eventsID := catalog.NewIdentifier(ns, "user_events")
	if _, err := e.CreateTable(ctx, eventsID, events, nil, nil); ignoreExists(err) != nil {
		return err
	}

	rows := []schema.Record{
		{"event_id": uuid.NewString(), "username": "Bruce", "userid": 1, "api_version": "1.0", "command": "grapple"},
		{"event_id": uuid.NewString(), "username": "Wayne", "userid": 1, "api_version": "1.0", "command": "glide"},
		{"event_id": uuid.NewString(), "username": "Clark", "userid": 2, "api_version": "2.0", "command": "fly"},
		{"event_id": uuid.NewString(), "username": "Kent", "userid": 2, "api_version": "1.0", "command": "land"},
	}
	t, err := appendWithRetry(ctx, e, eventsID, rows, commitPolicy(cfg))
	if err != nil {
		return err
	}
	snap := t.CurrentSnapshot()
	_, _ = fmt.Fprintf(out, "appended %d events to %s in snapshot %d at %s\n\n",
		len(rows), eventsID, snap.SnapshotID, snap.Timestamp().Format(time.RFC3339))

	ids, err := e.ListTables(ctx, ns)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "tables in %s:\n", ns)
	for _, id := range ids {
		_, _ = fmt.Fprintf(out, "  %s\n", id.Name)
	}
	_, _ = fmt.Fprintln(out)

	scan, err := t.NewScan()
	if err != nil {
		return err
	}
	return writeRows(out, "table", scan.Schema().Names(), scan.Records(ctx), 0)
}

func ignoreExists(err error) error {
	if errors.Is(err, icetableerr.ErrAlreadyExists) {
		return nil
	}
	return err
}
