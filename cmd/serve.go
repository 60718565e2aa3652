package cmd

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/florinutz/icetable"
	"github.com/florinutz/icetable/health"
	"github.com/florinutz/icetable/internal/config"
	"github.com/florinutz/icetable/internal/safegoroutine"
	internalserver "github.com/florinutz/icetable/internal/server"
	"github.com/florinutz/icetable/server"
	"github.com/florinutz/icetable/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the catalog API and run maintenance jobs",
	Long: `Starts an HTTP server exposing the read-only catalog API under /api/v1,
/healthz, /readyz and /metrics, and runs the periodic maintenance jobs listed
under server.jobs.

Example config (icetable.yaml):

  catalog:
    type: postgres
    postgres:
      url: postgres://localhost:5432/icetable
  server:
    addr: :8080
    jobs:
      - name: expire-events
        table: webapp.user_events
        kind: expire
        interval: 1h
        older_than: 168h
        retain_last: 10
      - name: compact-logs
        table: webapp.logs
        kind: compact
        interval: 6h
`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", config.Default().Server.Addr, "listen address (env: ICETABLE_SERVER_ADDR)")
	mustBindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Exporter:       cfg.OTel.Exporter,
		Endpoint:       cfg.OTel.Endpoint,
		SampleRatio:    cfg.OTel.SampleRatio,
		ServiceVersion: Version,

		WarehouseType:     cmp.Or(cfg.Warehouse.Type, "fs"),
		WarehouseLocation: warehouseLocation(cfg.Warehouse),
		Catalog:           cmp.Or(cfg.Catalog.Type, "hadoop"),
	}, logger)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer shutdownTracing()
	tracer := tp.Tracer(tracing.TracerName)

	checker := health.NewChecker()
	readiness := health.NewReadinessChecker()

	e, err := openEngine(ctx, cfg, logger, icetable.WithTracer(tracer), icetable.WithHealthChecker(checker))
	if err != nil {
		return err
	}
	defer e.Close()

	mgr := server.NewManager(e.Catalog, checker, logger)
	for _, j := range cfg.Server.Jobs {
		if err := mgr.Add(jobConfig(j)); err != nil {
			return fmt.Errorf("add job: %w", err)
		}
	}

	srv := internalserver.New(server.APIHandler(e.Catalog, mgr), internalserver.Options{
		CORSOrigins:  cfg.Server.CORSOrigins,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		Checker:      checker,
		Readiness:    readiness,
		Tracer:       tracer,
		Logger:       logger,
	})
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	safegoroutine.Go(g, logger, "http-server", func() error {
		logger.Info("http server started", "addr", ln.Addr().String(), "catalog", cfg.Catalog.Type)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		readiness.SetReady(false)
		mgr.StopAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := mgr.StartAll(gctx); err != nil {
		stop()
		_ = g.Wait()
		return err
	}
	readiness.SetReady(true)

	err = g.Wait()
	logger.Info("server stopped")
	return err
}

func jobConfig(j config.JobConfig) server.JobConfig {
	return server.JobConfig{
		Name:       j.Name,
		Table:      j.Table,
		Kind:       server.JobKind(j.Kind),
		Interval:   j.Interval,
		OlderThan:  j.OlderThan,
		RetainLast: j.RetainLast,
	}
}
