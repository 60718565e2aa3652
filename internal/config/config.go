package config

import "time"

type Config struct {
	LogLevel        string          `mapstructure:"log_level"`
	LogFormat       string          `mapstructure:"log_format"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
	Warehouse       WarehouseConfig `mapstructure:"warehouse"`
	Catalog         CatalogConfig   `mapstructure:"catalog"`
	Commit          CommitConfig    `mapstructure:"commit"`
	GC              GCConfig        `mapstructure:"gc"`
	Server          ServerConfig    `mapstructure:"server"`
	OTel            OTelConfig      `mapstructure:"otel"`
}

type OTelConfig struct {
	Exporter    string  `mapstructure:"exporter"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// WarehouseConfig selects the object store holding table metadata and data.
type WarehouseConfig struct {
	Type string            `mapstructure:"type"` // "fs" (default) or "s3"
	Path string            `mapstructure:"path"` // root directory for fs
	S3   S3WarehouseConfig `mapstructure:"s3"`
}

type S3WarehouseConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// CatalogConfig selects the backend holding the table pointers.
type CatalogConfig struct {
	Type     string                `mapstructure:"type"`
	Hadoop   HadoopCatalogConfig   `mapstructure:"hadoop"`
	Postgres PostgresCatalogConfig `mapstructure:"postgres"`
	SQLite   SQLiteCatalogConfig   `mapstructure:"sqlite"`
	MySQL    MySQLCatalogConfig    `mapstructure:"mysql"`
	Redis    RedisCatalogConfig    `mapstructure:"redis"`
	NATS     NATSCatalogConfig     `mapstructure:"nats"`
	MongoDB  MongoDBCatalogConfig  `mapstructure:"mongodb"`
}

type HadoopCatalogConfig struct {
	Prefix string `mapstructure:"prefix"`
}

type PostgresCatalogConfig struct {
	URL            string `mapstructure:"url"`
	SkipMigrations bool   `mapstructure:"skip_migrations"`
}

type SQLiteCatalogConfig struct {
	Path string `mapstructure:"path"`
}

type MySQLCatalogConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisCatalogConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

type NATSCatalogConfig struct {
	URL       string `mapstructure:"url"`
	Bucket    string `mapstructure:"bucket"`
	CredsFile string `mapstructure:"creds_file"`
}

type MongoDBCatalogConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

// CommitConfig drives the CLI's retry loop around commits that lose a race.
type CommitConfig struct {
	MaxRetries  int           `mapstructure:"max_retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`
}

// GCConfig limits how fast snapshot expiry deletes objects.
type GCConfig struct {
	DeleteRate  float64 `mapstructure:"delete_rate"` // per second, <= 0 for unlimited
	DeleteBurst int     `mapstructure:"delete_burst"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	Jobs         []JobConfig   `mapstructure:"jobs"`
}

// JobConfig is a periodic maintenance job run by the server.
type JobConfig struct {
	Name       string        `mapstructure:"name"`
	Table      string        `mapstructure:"table"`
	Kind       string        `mapstructure:"kind"` // "expire" or "compact"
	Interval   time.Duration `mapstructure:"interval"`
	OlderThan  time.Duration `mapstructure:"older_than"`
	RetainLast int           `mapstructure:"retain_last"`
}

func Default() Config {
	return Config{
		LogLevel:        "info",
		LogFormat:       "text",
		ShutdownTimeout: 5 * time.Second,
		Warehouse: WarehouseConfig{
			Type: "fs",
			Path: "./warehouse",
			S3: S3WarehouseConfig{
				Region: "us-east-1",
			},
		},
		Catalog: CatalogConfig{
			Type:   "hadoop",
			Hadoop: HadoopCatalogConfig{Prefix: "_catalog"},
			SQLite: SQLiteCatalogConfig{Path: "./icetable.db"},
			Redis:  RedisCatalogConfig{Prefix: "icetable"},
			NATS:   NATSCatalogConfig{Bucket: "icetable_catalog"},
			MongoDB: MongoDBCatalogConfig{
				Database: "icetable",
			},
		},
		Commit: CommitConfig{
			MaxRetries:  5,
			BackoffBase: 50 * time.Millisecond,
			BackoffCap:  2 * time.Second,
		},
		GC: GCConfig{
			DeleteRate:  100,
			DeleteBurst: 10,
		},
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		OTel: OTelConfig{
			Exporter:    "none",
			SampleRatio: 1.0,
		},
	}
}
