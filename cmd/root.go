package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/florinutz/icetable/internal/config"
	"github.com/florinutz/icetable/tracing"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "icetable",
	Short: "Manage snapshot-isolated tables of immutable data files",
	Long: `icetable keeps tables as immutable Parquet data files tracked by immutable
snapshots. Every change is committed by atomically swapping the table's
metadata pointer in a catalog (object store, PostgreSQL, SQLite, MySQL, Redis,
NATS or MongoDB), so readers always see a consistent snapshot and concurrent
writers never overwrite each other.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogger()
	},
	SilenceUsage: true,
}

// Execute is called by main.go and is the entry point for the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./icetable.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "text", "log format: text, json")
	defaults := config.Default()
	rootCmd.PersistentFlags().String("warehouse", defaults.Warehouse.Path, "warehouse directory for the fs object store (env: ICETABLE_WAREHOUSE_PATH)")
	rootCmd.PersistentFlags().String("catalog", defaults.Catalog.Type, "catalog backend: hadoop, postgres, sqlite, mysql, redis, nats, mongodb")

	mustBindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	mustBindPFlag("warehouse.path", rootCmd.PersistentFlags().Lookup("warehouse"))
	mustBindPFlag("catalog.type", rootCmd.PersistentFlags().Lookup("catalog"))

	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("icetable")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("ICETABLE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Only warn if a config file was explicitly specified but could not be read.
			if cfgFile != "" {
				fmt.Fprintf(os.Stderr, "Warning: could not read config file: %v\n", err)
			}
		}
	}
}

func setupLogger() error {
	logger, err := tracing.NewLogger(os.Stderr, viper.GetString("log_level"), viper.GetString("log_format"))
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}

// mustBindPFlag binds a flag to a viper key. A flag that was not set only
// supplies its default, so its default must match config.Default.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("viper.BindPFlag(%q): %v", key, err))
	}
}
