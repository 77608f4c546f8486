package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"telemetry-hub/internal/config"
	"telemetry-hub/internal/database"
	"telemetry-hub/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "telemetry-hub",
	Short: "Telemetry Hub - multi-tenant IoT telemetry ingestion and alerting",
	Long: `Telemetry Hub accepts sensor readings from field devices over SMS
gateways, HTTP and MQTT, attributes them to a tenant device, stores them,
evaluates threshold and anomaly alerts and dispatches batched notifications.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadRuntime loads configuration and builds the logger. The --log-level flag
// wins over the configured level.
func loadRuntime() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	logger := logging.Initialize(level)

	if cfg.LogFile != "" {
		if err := logging.SetupFileLogging(logger, cfg.LogFile); err != nil {
			return nil, nil, fmt.Errorf("failed to set up file logging: %w", err)
		}
	}

	return cfg, logger, nil
}

// openDatabase connects and brings the schema up to date
func openDatabase(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*database.DB, error) {
	db, err := database.NewDB(database.Config{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.ConnectionString(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		MaxLifetime:  cfg.Database.MaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Migrate(ctx, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}
