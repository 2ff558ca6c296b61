package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tingold/pgraster"
)

const version = "0.1.0"

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pgrasterd",
	Short: "Serve PostGIS raster bands over HTTP",
	Long: `pgrasterd reads the tiles of a PostGIS raster column as one virtual raster
and serves windowed reads, band descriptions and web-map tiles over HTTP.

Configuration is read from flags, from PGRASTERD_* environment variables and
from $HOME/.pgrasterd.yaml.

Examples:
  # Serve the rast column of public.dem
  pgrasterd serve --dsn postgres://localhost/gis --table dem --column rast \
    --srid 4326 --geotransform -180,0.01,0,90,0,-0.01 --width 36000 --height 18000

  # Same, with the connection string from the environment
  PGRASTERD_DSN=postgres://localhost/gis pgrasterd serve --config dem.yaml`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(viper.GetString("log-level"))
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.pgrasterd.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug|info|warn|error)")

	// Database options
	rootCmd.PersistentFlags().String("dsn", "", "PostgreSQL connection string")
	rootCmd.PersistentFlags().String("schema", "public", "schema of the raster table")
	rootCmd.PersistentFlags().String("table", "", "raster table (required)")
	rootCmd.PersistentFlags().String("column", "rast", "raster column")
	rootCmd.PersistentFlags().String("where", "", "SQL filter ANDed with the tile query")

	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("dsn", rootCmd.PersistentFlags().Lookup("dsn"))
	viper.BindPFlag("schema", rootCmd.PersistentFlags().Lookup("schema"))
	viper.BindPFlag("table", rootCmd.PersistentFlags().Lookup("table"))
	viper.BindPFlag("column", rootCmd.PersistentFlags().Lookup("column"))
	viper.BindPFlag("where", rootCmd.PersistentFlags().Lookup("where"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".pgrasterd")
	}

	viper.SetEnvPrefix("pgrasterd")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// setupLogging installs a text handler on stderr as the pgraster logger.
func setupLogging(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q", level)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	pgraster.SetLogger(logger)
	return nil
}
