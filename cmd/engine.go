package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/florinutz/icetable"
	"github.com/florinutz/icetable/catalog"
	"github.com/florinutz/icetable/catalog/hadoop"
	"github.com/florinutz/icetable/catalog/mongo"
	"github.com/florinutz/icetable/catalog/nats"
	"github.com/florinutz/icetable/catalog/postgres"
	"github.com/florinutz/icetable/catalog/redis"
	"github.com/florinutz/icetable/catalog/sqlcatalog"
	"github.com/florinutz/icetable/internal/config"
	"github.com/florinutz/icetable/objstore"
)

func loadConfig() (config.Config, error) {
	return config.Load(viper.GetViper())
}

func openObjectStore(ctx context.Context, cfg config.WarehouseConfig, logger *slog.Logger) (objstore.Store, error) {
	switch cfg.Type {
	case "", "fs":
		return objstore.NewFS(afero.NewOsFs(), cfg.Path, logger), nil
	case "s3":
		return objstore.NewS3(ctx, objstore.S3Config{
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		}, logger)
	}
	return nil, fmt.Errorf("unknown warehouse type %q", cfg.Type)
}

// warehouseLocation renders the configured warehouse root as a URI.
func warehouseLocation(cfg config.WarehouseConfig) string {
	if cfg.Type == "s3" {
		return "s3://" + path.Join(cfg.S3.Bucket, cfg.S3.Prefix)
	}
	return "file://" + filepath.ToSlash(cfg.Path)
}

func openCatalogStore(ctx context.Context, cfg config.CatalogConfig, objects objstore.Store, logger *slog.Logger) (catalog.Store, error) {
	switch cfg.Type {
	case "", "hadoop":
		return hadoop.New(objects, hadoop.WithPrefix(cfg.Hadoop.Prefix), hadoop.WithLogger(logger)), nil
	case "postgres":
		opts := []postgres.Option{postgres.WithLogger(logger)}
		if cfg.Postgres.SkipMigrations {
			opts = append(opts, postgres.WithoutMigrations())
		}
		return postgres.Open(ctx, cfg.Postgres.URL, opts...)
	case "sqlite":
		return sqlcatalog.Open(ctx, "sqlite", cfg.SQLite.Path, sqlcatalog.WithLogger(logger))
	case "mysql":
		return sqlcatalog.Open(ctx, "mysql", cfg.MySQL.DSN, sqlcatalog.WithLogger(logger))
	case "redis":
		return redis.Open(ctx, cfg.Redis.URL, redis.WithPrefix(cfg.Redis.Prefix), redis.WithLogger(logger))
	case "nats":
		opts := []nats.Option{nats.WithBucket(cfg.NATS.Bucket), nats.WithLogger(logger)}
		if cfg.NATS.CredsFile != "" {
			opts = append(opts, nats.WithCredentials(cfg.NATS.CredsFile))
		}
		return nats.Open(ctx, cfg.NATS.URL, opts...)
	case "mongodb":
		return mongo.Open(ctx, cfg.MongoDB.URI, mongo.WithDatabase(cfg.MongoDB.Database), mongo.WithLogger(logger))
	}
	return nil, fmt.Errorf("unknown catalog type %q", cfg.Type)
}

// openEngine builds the object store and catalog backend named by cfg and
// opens an engine over them.
func openEngine(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...icetable.Option) (*icetable.Engine, error) {
	objects, err := openObjectStore(ctx, cfg.Warehouse, logger)
	if err != nil {
		return nil, fmt.Errorf("open warehouse: %w", err)
	}
	store, err := openCatalogStore(ctx, cfg.Catalog, objects, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s catalog: %w", cfg.Catalog.Type, err)
	}
	opts = append([]icetable.Option{
		icetable.WithObjectStore(objects),
		icetable.WithCatalogStore(store),
		icetable.WithLogger(logger),
	}, opts...)
	e, err := icetable.Open(ctx, opts...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return e, nil
}

// withEngine loads the config, opens an engine and closes it after fn.
func withEngine(ctx context.Context, fn func(cfg config.Config, e *icetable.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	e, err := openEngine(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(cfg, e)
}
