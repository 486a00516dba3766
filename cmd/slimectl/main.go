// Command slimectl validates configs, runs headless simulations and
// inspects the run registry.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pthm-cable/slime/config"
	"github.com/pthm-cable/slime/storage"
)

var version = "0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "slimectl",
		Short: "Slime simulation control",
		Long: `slimectl runs the pheromone simulation without a window and
manages the runs and checkpoints recorded in the run registry.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "Path to config.yaml (empty = use defaults)")
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")
	rootCmd.PersistentFlags().String("store", "", "Run registry backend: none, memory, sqlite (empty = use config)")
	rootCmd.PersistentFlags().String("store-path", "", "SQLite database path (empty = use config)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newValidateCmd(),
		newRunCmd(),
		newRunsCmd(),
		newRenderCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "slimectl version %s\n", version)
		},
	}
}

// loadConfig reads --config and applies the storage flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	var cfg *config.Config
	var err error
	if path == "" {
		cfg, err = config.Default()
	} else {
		cfg, err = config.Load(path)
	}
	if err != nil {
		return nil, err
	}

	if kind, _ := cmd.Flags().GetString("store"); kind != "" {
		cfg.Storage.Kind = kind
	}
	if p, _ := cmd.Flags().GetString("store-path"); p != "" {
		cfg.Storage.Path = p
	}
	return cfg, nil
}

// openStore opens and initialises the registry described by cfg.
func openStore(cmd *cobra.Command, cfg *config.Config) (storage.Store, error) {
	if cfg.Storage.Kind == "" || cfg.Storage.Kind == "none" {
		return nil, fmt.Errorf("no run registry configured (use --store sqlite)")
	}
	store, err := storage.NewStore(cfg.Storage.Kind, cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	if err := store.Init(cmd.Context()); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open run registry: %w", err)
	}
	return store, nil
}
