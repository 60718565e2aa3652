package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/florinutz/icetable"
	"github.com/florinutz/icetable/catalog"
	"github.com/florinutz/icetable/internal/config"
	"github.com/florinutz/icetable/partition"
	"github.com/florinutz/icetable/schema"
)

var tableCmd = &cobra.Command{
	Use:   "table",
	Short: "Create, list, describe, alter and drop tables",
}

var tableCreateCmd = &cobra.Command{
	Use:   "create <namespace.table>",
	Short: "Create an empty table",
	Long: `Creates an empty table from either a YAML definition file or --column flags.

Definition file:

  columns:
    - {name: level, type: string, required: true}
    - {name: event_time, type: timestamptz, required: true}
    - {name: message, type: string, required: true}
    - {name: call_stack, type: list<string>}
  partition:
    - hour(event_time)
  properties:
    owner: web-team

A --column is name:type, with a trailing ! marking the column required.`,
	Example: `  icetable table create webapp.logs --definition logs.yaml
  icetable table create webapp.user_events --column username:string --column userid:int! --partition bucket[16](userid)`,
	Args: cobra.ExactArgs(1),
	RunE: runTableCreate,
}

var tableListCmd = &cobra.Command{
	Use:   "list <namespace>",
	Short: "List the tables in a namespace",
	Args:  cobra.ExactArgs(1),
	RunE:  runTableList,
}

var tableDescribeCmd = &cobra.Command{
	Use:   "describe <namespace.table>",
	Short: "Show a table's schema, partitioning, properties and current snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runTableDescribe,
}

var tableAlterCmd = &cobra.Command{
	Use:   "alter <namespace.table>",
	Short: "Evolve a table's schema, partitioning or properties",
	Long: `Each kind of change is committed as its own metadata version: schema
changes first, then the partition spec, then properties. Data files keep
the partition spec they were written with.`,
	Example: `  icetable table alter webapp.user_events --add-column "tags:list<string>" --rename-column command=action
  icetable table alter webapp.logs --partition "hour(event_time)" --partition level --set-property retention=7d`,
	Args: cobra.ExactArgs(1),
	RunE: runTableAlter,
}

var tableDropCmd = &cobra.Command{
	Use:   "drop <namespace.table>",
	Short: "Drop a table",
	Args:  cobra.ExactArgs(1),
	RunE:  runTableDrop,
}

func init() {
	rootCmd.AddCommand(tableCmd)
	tableCmd.AddCommand(tableCreateCmd, tableListCmd, tableDescribeCmd, tableAlterCmd, tableDropCmd)

	f := tableCreateCmd.Flags()
	f.String("definition", "", "YAML table definition file")
	f.StringArray("column", nil, "column as name:type, suffix ! for required (repeatable)")
	f.StringArray("partition", nil, "partition expression, e.g. day(event_time) or bucket[16](userid) (repeatable)")
	f.StringToString("property", nil, "table property key=value (repeatable)")

	f = tableAlterCmd.Flags()
	f.StringArray("add-column", nil, "add an optional column name:type (repeatable)")
	f.StringArray("drop-column", nil, "drop a column (repeatable)")
	f.StringToString("rename-column", nil, "rename a column old=new (repeatable)")
	f.StringArray("make-optional", nil, "make a required column optional (repeatable)")
	f.StringArray("partition", nil, "replace the partition spec with these expressions (repeatable)")
	f.Bool("unpartitioned", false, "replace the partition spec with an unpartitioned one")
	f.StringToString("set-property", nil, "set a table property key=value (repeatable)")
	f.StringArray("remove-property", nil, "remove a table property (repeatable)")

	tableDropCmd.Flags().Bool("purge", false, "also delete the table's metadata and data files")
}

// tableDefinition is the YAML form accepted by table create.
type tableDefinition struct {
	Columns    []columnDefinition `yaml:"columns"`
	Partition  []string           `yaml:"partition"`
	Properties map[string]string  `yaml:"properties"`
}

type columnDefinition struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Required bool   `yaml:"required"`
}

func parseDefinition(data []byte) (tableDefinition, error) {
	var def tableDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return def, fmt.Errorf("parse table definition: %w", err)
	}
	if len(def.Columns) == 0 {
		return def, fmt.Errorf("table definition has no columns")
	}
	return def, nil
}

// parseColumnFlag parses name:type with an optional trailing ! for required.
func parseColumnFlag(s string) (columnDefinition, error) {
	name, typ, ok := strings.Cut(s, ":")
	if !ok || strings.TrimSpace(name) == "" {
		return columnDefinition{}, fmt.Errorf("column %q: expected name:type", s)
	}
	typ = strings.TrimSpace(typ)
	required := strings.HasSuffix(typ, "!")
	return columnDefinition{
		Name:     strings.TrimSpace(name),
		Type:     strings.TrimSuffix(typ, "!"),
		Required: required,
	}, nil
}

// build turns the definition into a schema and partition spec.
func (d tableDefinition) build() (*schema.Schema, *partition.Spec, error) {
	b := schema.NewBuilder()
	for _, c := range d.Columns {
		t, err := schema.ParseType(c.Type)
		if err != nil {
			return nil, nil, fmt.Errorf("column %q: %w", c.Name, err)
		}
		if c.Required {
			b.Required(c.Name, t)
		} else {
			b.Optional(c.Name, t)
		}
	}
	sc, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	pb := partition.NewBuilder(sc)
	for _, expr := range d.Partition {
		col, tr, err := partition.ParseField(expr)
		if err != nil {
			return nil, nil, err
		}
		pb.Add(col, tr, "")
	}
	spec, err := pb.Build()
	if err != nil {
		return nil, nil, err
	}
	return sc, spec, nil
}

func runTableCreate(cmd *cobra.Command, args []string) error {
	id, err := catalog.ParseIdentifier(args[0])
	if err != nil {
		return err
	}
	f := cmd.Flags()
	defPath, _ := f.GetString("definition")
	columns, _ := f.GetStringArray("column")
	partitions, _ := f.GetStringArray("partition")
	props, _ := f.GetStringToString("property")

	var def tableDefinition
	switch {
	case defPath != "" && len(columns) > 0:
		return fmt.Errorf("--definition and --column are mutually exclusive")
	case defPath != "":
		data, err := os.ReadFile(defPath)
		if err != nil {
			return err
		}
		if def, err = parseDefinition(data); err != nil {
			return err
		}
	case len(columns) > 0:
		for _, c := range columns {
			cd, err := parseColumnFlag(c)
			if err != nil {
				return err
			}
			def.Columns = append(def.Columns, cd)
		}
	default:
		return fmt.Errorf("one of --definition or --column is required")
	}
	def.Partition = append(def.Partition, partitions...)
	if len(props) > 0 && def.Properties == nil {
		def.Properties = make(map[string]string, len(props))
	}
	for k, v := range props {
		def.Properties[k] = v
	}

	sc, spec, err := def.build()
	if err != nil {
		return err
	}
	return withEngine(cmd.Context(), func(_ config.Config, e *icetable.Engine) error {
		t, err := e.CreateTable(cmd.Context(), id, sc, spec, def.Properties)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "created table %s at %s\n", id, t.Location())
		return nil
	})
}

func runTableList(cmd *cobra.Command, args []string) error {
	ns, err := catalog.ParseNamespace(args[0])
	if err != nil {
		return err
	}
	return withEngine(cmd.Context(), func(_ config.Config, e *icetable.Engine) error {
		ids, err := e.ListTables(cmd.Context(), ns)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "TABLE\tSNAPSHOT\tRECORDS\tFILES")
		for _, id := range ids {
			t, err := e.LoadTable(cmd.Context(), id)
			if err != nil {
				return err
			}
			snap := t.CurrentSnapshot()
			if snap == nil {
				_, _ = fmt.Fprintf(w, "%s\t-\t0\t0\n", id)
				continue
			}
			_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", id, snap.SnapshotID,
				snap.Summary.Int("total-records"), snap.Summary.Int("total-data-files"))
		}
		return w.Flush()
	})
}

func runTableDescribe(cmd *cobra.Command, args []string) error {
	id, err := catalog.ParseIdentifier(args[0])
	if err != nil {
		return err
	}
	return withEngine(cmd.Context(), func(_ config.Config, e *icetable.Engine) error {
		t, err := e.LoadTable(cmd.Context(), id)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		meta := t.Metadata()
		_, _ = fmt.Fprintf(out, "Table:      %s\n", id)
		_, _ = fmt.Fprintf(out, "UUID:       %s\n", meta.TableUUID)
		_, _ = fmt.Fprintf(out, "Location:   %s\n", t.Location())
		_, _ = fmt.Fprintf(out, "Metadata:   %s\n", t.MetadataLocation())
		if snap := t.CurrentSnapshot(); snap != nil {
			_, _ = fmt.Fprintf(out, "Snapshot:   %d (%s, %s)\n", snap.SnapshotID, snap.Summary.Operation(),
				snap.Timestamp().Format(time.RFC3339))
		} else {
			_, _ = fmt.Fprintln(out, "Snapshot:   none")
		}

		sc := t.Schema()
		_, _ = fmt.Fprintf(out, "\nSchema (id %d):\n", sc.ID)
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "  ID\tNAME\tTYPE\tREQUIRED")
		for _, c := range sc.Columns {
			_, _ = fmt.Fprintf(w, "  %d\t%s\t%s\t%t\n", c.ID, c.Name, c.Type, c.Required)
		}
		_ = w.Flush()

		spec := t.Spec()
		_, _ = fmt.Fprintf(out, "\nPartition spec (id %d):", spec.ID)
		if spec.IsUnpartitioned() {
			_, _ = fmt.Fprintln(out, " unpartitioned")
		} else {
			_, _ = fmt.Fprintln(out)
			w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, pf := range spec.Fields {
				src, _ := sc.ColumnByID(pf.SourceID)
				_, _ = fmt.Fprintf(w, "  %s\t%s(%s)\n", pf.Name, pf.Transform, src.Name)
			}
			_ = w.Flush()
		}

		if props := t.Properties(); len(props) > 0 {
			_, _ = fmt.Fprintln(out, "\nProperties:")
			printProperties(cmd, props)
		}
		return nil
	})
}

func runTableAlter(cmd *cobra.Command, args []string) error {
	id, err := catalog.ParseIdentifier(args[0])
	if err != nil {
		return err
	}
	f := cmd.Flags()
	addCols, _ := f.GetStringArray("add-column")
	dropCols, _ := f.GetStringArray("drop-column")
	renames, _ := f.GetStringToString("rename-column")
	optional, _ := f.GetStringArray("make-optional")
	parts, _ := f.GetStringArray("partition")
	unpartitioned, _ := f.GetBool("unpartitioned")
	setProps, _ := f.GetStringToString("set-property")
	removeProps, _ := f.GetStringArray("remove-property")

	type addition struct {
		name string
		typ  schema.Type
	}
	var additions []addition
	for _, c := range addCols {
		cd, err := parseColumnFlag(c)
		if err != nil {
			return err
		}
		if cd.Required {
			return fmt.Errorf("column %q: added columns must be optional", cd.Name)
		}
		typ, err := schema.ParseType(cd.Type)
		if err != nil {
			return fmt.Errorf("column %q: %w", cd.Name, err)
		}
		additions = append(additions, addition{cd.Name, typ})
	}
	type field struct {
		column string
		tr     partition.Transform
	}
	var fields []field
	if unpartitioned && len(parts) > 0 {
		return fmt.Errorf("--partition and --unpartitioned are mutually exclusive")
	}
	for _, expr := range parts {
		col, tr, err := partition.ParseField(expr)
		if err != nil {
			return err
		}
		fields = append(fields, field{col, tr})
	}

	schemaChange := len(additions)+len(dropCols)+len(renames)+len(optional) > 0
	specChange := unpartitioned || len(fields) > 0
	if !schemaChange && !specChange && len(setProps)+len(removeProps) == 0 {
		return fmt.Errorf("nothing to change")
	}

	return withEngine(cmd.Context(), func(_ config.Config, e *icetable.Engine) error {
		ctx := cmd.Context()
		t, err := e.LoadTable(ctx, id)
		if err != nil {
			return err
		}
		if schemaChange {
			if t, err = t.UpdateSchema(ctx, func(u *schema.Update) {
				for _, a := range additions {
					u.AddColumn(a.name, a.typ, "")
				}
				for _, c := range dropCols {
					u.DeleteColumn(c)
				}
				for from, to := range renames {
					u.RenameColumn(from, to)
				}
				for _, c := range optional {
					u.MakeOptional(c)
				}
			}); err != nil {
				return fmt.Errorf("update schema: %w", err)
			}
		}
		if specChange {
			if t, err = t.UpdateSpec(ctx, func(b *partition.Builder) {
				for _, pf := range fields {
					b.Add(pf.column, pf.tr, "")
				}
			}); err != nil {
				return fmt.Errorf("update partition spec: %w", err)
			}
		}
		if len(setProps)+len(removeProps) > 0 {
			if t, err = t.SetProperties(ctx, setProps, removeProps); err != nil {
				return fmt.Errorf("update properties: %w", err)
			}
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "altered table %s (schema %d, spec %d)\n", id, t.Schema().ID, t.Spec().ID)
		return nil
	})
}

func runTableDrop(cmd *cobra.Command, args []string) error {
	id, err := catalog.ParseIdentifier(args[0])
	if err != nil {
		return err
	}
	purge, _ := cmd.Flags().GetBool("purge")
	return withEngine(cmd.Context(), func(_ config.Config, e *icetable.Engine) error {
		if err := e.DropTable(cmd.Context(), id, purge); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "dropped table %s\n", id)
		return nil
	})
}
