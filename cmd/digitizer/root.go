package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/adverant/nexus/digitizer-worker/internal/config"
	"github.com/adverant/nexus/digitizer-worker/internal/logging"
)

var version = "0.1.0"

var (
	cfgFile string
	envFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "digitizer",
	Short: "Batch OCR pipeline for scanned documents",
	Long: `Digitizer turns scanned documents and PDFs into searchable text.

Each file goes through duplicate detection, native PDF text extraction or
page rendering, layout analysis, per-block OCR with two engines fused by
confidence, and table export. Results are stored in the document database
and written next to the processed file as JSON, Markdown and HTML.

Running digitizer without a subcommand is the same as "digitizer batch".`,
	Version:           version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
	RunE:              runBatch,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./digitizer.yaml or ./config/digitizer.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "environment file loaded before the configuration")
	addBatchFlags(rootCmd)

	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(initConfigCmd)
}

// loadConfig runs before every command except init-config
func loadConfig(cmd *cobra.Command, args []string) error {
	if cmd == initConfigCmd {
		return nil
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return configError("failed to load %s: %w", envFile, err)
		}
	}

	loaded, err := config.Load(cfgFile)
	if err != nil {
		return configError("%w", err)
	}
	cfg = loaded

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.App.LogLevel
	logCfg.Format = cfg.App.LogFormat
	if err := logging.Setup(logCfg); err != nil {
		return configError("invalid logging configuration: %w", err)
	}

	source := cfg.Source()
	if source == "" {
		source = "defaults"
	}
	logging.NewLogger("Digitizer").Info("Configuration loaded",
		"source", source,
		"version", version,
		"command", cmd.Name())
	return nil
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config <path>",
	Short: "Write a default configuration file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		if _, err := os.Stat(path); err == nil {
			return configError("%s already exists", path)
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
		return nil
	},
}
