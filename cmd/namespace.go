package cmd

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/florinutz/icetable"
	"github.com/florinutz/icetable/catalog"
	"github.com/florinutz/icetable/internal/config"
)

var namespaceCmd = &cobra.Command{
	Use:     "namespace",
	Aliases: []string{"ns"},
	Short:   "Create, list, describe and drop namespaces",
}

var namespaceCreateCmd = &cobra.Command{
	Use:   "create <namespace>",
	Short: "Create a namespace",
	Example: `  icetable namespace create webapp
  icetable namespace create webapp --property owner=web-team`,
	Args: cobra.ExactArgs(1),
	RunE: runNamespaceCreate,
}

var namespaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List namespaces",
	Args:  cobra.NoArgs,
	RunE:  runNamespaceList,
}

var namespaceDescribeCmd = &cobra.Command{
	Use:   "describe <namespace>",
	Short: "Show a namespace's properties",
	Args:  cobra.ExactArgs(1),
	RunE:  runNamespaceDescribe,
}

var namespaceDropCmd = &cobra.Command{
	Use:   "drop <namespace>",
	Short: "Drop an empty namespace",
	Args:  cobra.ExactArgs(1),
	RunE:  runNamespaceDrop,
}

func init() {
	rootCmd.AddCommand(namespaceCmd)
	namespaceCmd.AddCommand(namespaceCreateCmd, namespaceListCmd, namespaceDescribeCmd, namespaceDropCmd)

	namespaceCreateCmd.Flags().StringToString("property", nil, "namespace property key=value (repeatable)")
}

func runNamespaceCreate(cmd *cobra.Command, args []string) error {
	ns, err := catalog.ParseNamespace(args[0])
	if err != nil {
		return err
	}
	props, _ := cmd.Flags().GetStringToString("property")
	return withEngine(cmd.Context(), func(_ config.Config, e *icetable.Engine) error {
		if err := e.CreateNamespace(cmd.Context(), ns, props); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "created namespace %s\n", ns)
		return nil
	})
}

func runNamespaceList(cmd *cobra.Command, args []string) error {
	return withEngine(cmd.Context(), func(_ config.Config, e *icetable.Engine) error {
		nss, err := e.ListNamespaces(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "NAMESPACE\tTABLES")
		for _, ns := range nss {
			ids, err := e.ListTables(cmd.Context(), ns)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(w, "%s\t%d\n", ns, len(ids))
		}
		return w.Flush()
	})
}

func runNamespaceDescribe(cmd *cobra.Command, args []string) error {
	ns, err := catalog.ParseNamespace(args[0])
	if err != nil {
		return err
	}
	return withEngine(cmd.Context(), func(_ config.Config, e *icetable.Engine) error {
		props, err := e.NamespaceProperties(cmd.Context(), ns)
		if err != nil {
			return err
		}
		ids, err := e.ListTables(cmd.Context(), ns)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "Namespace: %s\n", ns)
		names := make([]string, 0, len(ids))
		for _, id := range ids {
			names = append(names, id.Name)
		}
		_, _ = fmt.Fprintf(out, "Tables:    %s\n", strings.Join(names, ", "))
		if len(props) > 0 {
			_, _ = fmt.Fprintln(out, "\nProperties:")
			printProperties(cmd, props)
		}
		return nil
	})
}

func runNamespaceDrop(cmd *cobra.Command, args []string) error {
	ns, err := catalog.ParseNamespace(args[0])
	if err != nil {
		return err
	}
	return withEngine(cmd.Context(), func(_ config.Config, e *icetable.Engine) error {
		if err := e.DropNamespace(cmd.Context(), ns); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "dropped namespace %s\n", ns)
		return nil
	})
}

func printProperties(cmd *cobra.Command, props map[string]string) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, k := range slices.Sorted(maps.Keys(props)) {
		_, _ = fmt.Fprintf(w, "  %s\t%s\n", k, props[k])
	}
	_ = w.Flush()
}
