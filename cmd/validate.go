package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/florinutz/icetable/internal/config"
	"github.com/florinutz/icetable/objstore"
)

type validationResult struct {
	component string
	status    string
	message   string
	duration  time.Duration
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration and connectivity to the warehouse and catalog",
	Long:  `Validates the configuration, then reaches the configured object store and catalog backend and reports pass/fail status for each.`,
	Args:  cobra.NoArgs,
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	var results []validationResult
	hasFailure := false
	add := func(r validationResult) {
		results = append(results, r)
		if r.status == "FAIL" {
			hasFailure = true
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		add(validationResult{component: "config", status: "FAIL", message: err.Error()})
	} else {
		add(validationResult{component: "config", status: "OK", message: "structural validation passed"})

		objects, r := validateWarehouse(cmd.Context(), cfg.Warehouse)
		add(r)
		if objects != nil {
			add(validateCatalog(cmd.Context(), cfg.Catalog, objects))
		} else {
			add(validationResult{component: "catalog/" + cfg.Catalog.Type, status: "SKIP", message: "warehouse unavailable"})
		}
		for _, j := range cfg.Server.Jobs {
			add(validationResult{
				component: "job/" + j.Name,
				status:    "OK",
				message:   fmt.Sprintf("%s %s every %s", j.Kind, j.Table, j.Interval),
			})
		}
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "COMPONENT\tSTATUS\tDURATION\tMESSAGE")
	_, _ = fmt.Fprintln(w, "---------\t------\t--------\t-------")
	for _, r := range results {
		dur := "-"
		if r.duration > 0 {
			dur = r.duration.Truncate(time.Millisecond).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.component, r.status, dur, r.message)
	}
	_ = w.Flush()

	if hasFailure {
		return fmt.Errorf("validation failed")
	}
	return nil
}

func validateWarehouse(ctx context.Context, cfg config.WarehouseConfig) (objstore.Store, validationResult) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	r := validationResult{component: "warehouse/" + cfg.Type}
	objects, err := openObjectStore(ctx, cfg, slog.Default())
	if err == nil {
		_, err = objects.Get(ctx, "_health")
		if errors.Is(err, objstore.ErrNotFound) {
			err = nil
		}
	}
	r.duration = time.Since(start)
	if err != nil {
		r.status, r.message = "FAIL", err.Error()
		return nil, r
	}
	r.status, r.message = "OK", objects.URI("")
	return objects, r
}

func validateCatalog(ctx context.Context, cfg config.CatalogConfig, objects objstore.Store) validationResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	r := validationResult{component: "catalog/" + cfg.Type}
	store, err := openCatalogStore(ctx, cfg, objects, slog.Default())
	if err != nil {
		r.status, r.message, r.duration = "FAIL", fmt.Sprintf("open: %s", err), time.Since(start)
		return r
	}
	defer func() { _ = store.Close() }()

	if err := store.Ping(ctx); err != nil {
		r.status, r.message, r.duration = "FAIL", fmt.Sprintf("ping: %s", err), time.Since(start)
		return r
	}
	nss, err := store.ListNamespaces(ctx)
	r.duration = time.Since(start)
	if err != nil {
		r.status, r.message = "FAIL", fmt.Sprintf("list namespaces: %s", err)
		return r
	}
	r.status, r.message = "OK", fmt.Sprintf("%d namespaces", len(nss))
	return r
}
