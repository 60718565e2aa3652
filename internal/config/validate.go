package config

import (
	"fmt"
	"strings"
	"time"
)

var (
	knownWarehouses = map[string]bool{"fs": true, "s3": true}
	knownCatalogs   = map[string]bool{
		"hadoop": true, "postgres": true, "sqlite": true, "mysql": true,
		"redis": true, "nats": true, "mongodb": true,
	}
	knownExporters = map[string]bool{"": true, "none": true, "stdout": true, "otlp": true}
	knownJobKinds  = map[string]bool{"expire": true, "compact": true}
)

// Validate performs structural validation on the config. It reports every
// problem it finds in one error.
func (c Config) Validate() error {
	var errs []string

	// --- Top-level ---
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("unknown log_level %q (expected debug, info, warn, error)", c.LogLevel))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("unknown log_format %q (expected text, json)", c.LogFormat))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, "shutdown_timeout must be > 0")
	}

	checkDur := func(path string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Sprintf("%s must be > 0", path))
		}
	}
	required := func(path, v string) {
		if v == "" {
			errs = append(errs, path+" is required")
		}
	}

	// --- Warehouse ---
	if !knownWarehouses[c.Warehouse.Type] {
		errs = append(errs, fmt.Sprintf("unknown warehouse.type %q (expected fs, s3)", c.Warehouse.Type))
	}
	switch c.Warehouse.Type {
	case "fs":
		required("warehouse.path", c.Warehouse.Path)
	case "s3":
		required("warehouse.s3.bucket", c.Warehouse.S3.Bucket)
		if (c.Warehouse.S3.AccessKeyID == "") != (c.Warehouse.S3.SecretAccessKey == "") {
			errs = append(errs, "warehouse.s3.access_key_id and warehouse.s3.secret_access_key must be set together")
		}
	}

	// --- Catalog ---
	if !knownCatalogs[c.Catalog.Type] {
		errs = append(errs, fmt.Sprintf("unknown catalog.type %q", c.Catalog.Type))
	}
	switch c.Catalog.Type {
	case "postgres":
		required("catalog.postgres.url", c.Catalog.Postgres.URL)
	case "sqlite":
		required("catalog.sqlite.path", c.Catalog.SQLite.Path)
	case "mysql":
		required("catalog.mysql.dsn", c.Catalog.MySQL.DSN)
	case "redis":
		required("catalog.redis.url", c.Catalog.Redis.URL)
	case "nats":
		required("catalog.nats.url", c.Catalog.NATS.URL)
		required("catalog.nats.bucket", c.Catalog.NATS.Bucket)
	case "mongodb":
		required("catalog.mongodb.uri", c.Catalog.MongoDB.URI)
		required("catalog.mongodb.database", c.Catalog.MongoDB.Database)
	}

	// --- Commit retries and GC ---
	if c.Commit.MaxRetries < 0 {
		errs = append(errs, fmt.Sprintf("commit.max_retries must be >= 0, got %d", c.Commit.MaxRetries))
	}
	checkDur("commit.backoff_base", c.Commit.BackoffBase)
	checkDur("commit.backoff_cap", c.Commit.BackoffCap)
	if c.Commit.BackoffCap < c.Commit.BackoffBase {
		errs = append(errs, "commit.backoff_cap must be >= commit.backoff_base")
	}
	if c.GC.DeleteRate > 0 && c.GC.DeleteBurst <= 0 {
		errs = append(errs, "gc.delete_burst must be > 0 when gc.delete_rate is set")
	}

	// --- Server ---
	required("server.addr", c.Server.Addr)
	seen := make(map[string]bool, len(c.Server.Jobs))
	for i, j := range c.Server.Jobs {
		path := fmt.Sprintf("server.jobs[%d]", i)
		if j.Name == "" {
			errs = append(errs, path+".name is required")
		} else if seen[j.Name] {
			errs = append(errs, fmt.Sprintf("%s: duplicate job name %q", path, j.Name))
		}
		seen[j.Name] = true
		required(path+".table", j.Table)
		if !knownJobKinds[j.Kind] {
			errs = append(errs, fmt.Sprintf("%s: unknown kind %q (expected expire, compact)", path, j.Kind))
		}
		checkDur(path+".interval", j.Interval)
	}

	// --- OTel ---
	if !knownExporters[c.OTel.Exporter] {
		errs = append(errs, fmt.Sprintf("unknown otel.exporter %q (expected none, stdout, otlp)", c.OTel.Exporter))
	}
	if c.OTel.SampleRatio < 0 || c.OTel.SampleRatio > 1 {
		errs = append(errs, fmt.Sprintf("otel.sample_ratio must be in [0, 1], got %g", c.OTel.SampleRatio))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation: %s", strings.Join(errs, "; "))
	}
	return nil
}
