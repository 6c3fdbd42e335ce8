package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kozaktomas/rollcall/internal/app"
	"github.com/kozaktomas/rollcall/internal/config"
	"github.com/kozaktomas/rollcall/internal/logging"
)

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "rollcall",
	Short: "Camera based attendance with local face recognition",
	Long: `Rollcall watches a camera, recognizes enrolled people with a local LBPH
classifier and records at most one attendance entry per person and day.

People are enrolled from the same camera. Everything is stored under the
data directory (ROLLCALL_DATA_DIR, default ./data).`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file (overrides ROLLCALL_CONFIG)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
	if configPath != "" {
		os.Setenv("ROLLCALL_CONFIG", configPath)
	}
}

// loadConfig reads the configuration and builds the logger for it.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.LogMode, debug)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// openApp loads the configuration and opens the application. The returned
// function closes the app and flushes the logger.
func openApp() (*app.App, *config.Config, *zap.Logger, func(), error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	a, err := app.New(cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, nil, nil, fmt.Errorf("failed to open data directory %s: %w", cfg.DataDir, err)
	}
	closeFn := func() {
		if err := a.Close(); err != nil {
			logger.Warn("close failed", zap.Error(err))
		}
		_ = logger.Sync()
	}
	return a, cfg, logger, closeFn, nil
}

func outputJSON(data any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}
	return nil
}
