package main

import (
	"fmt"
	"os"

	"github.com/savegress/complycore/internal/config"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "complycore",
		Short:         "AML/CTF compliance decision core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config (defaults to $COMPLYCORE_CONFIG, then environment variables)")

	load := func() (*config.Config, error) {
		return loadConfig(configPath)
	}

	root.AddCommand(
		serveCommand(load),
		batchCommand(load),
		deadlinesCommand(load),
		migrateCommand(load),
	)
	return root
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("COMPLYCORE_CONFIG")
	}
	cfg := config.LoadFromEnv()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
