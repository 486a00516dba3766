package main

import (
	"fmt"
	"image/png"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/pthm-cable/slime/config"
	"github.com/pthm-cable/slime/logging"
	"github.com/pthm-cable/slime/sim"
	"github.com/pthm-cable/slime/telemetry"
)

func newRenderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render [run-id]",
		Short: "Render a checkpoint or snapshot file to PNG",
		Long: `Render composites the field of a stored checkpoint into a PNG, one
pixel per cell. Given a run id, the run's latest checkpoint and recorded
config are used. With --snapshot, a snapshot file is rendered using --config.

Examples:
  slimectl render 5f0c... --store sqlite --out latest.png
  slimectl render --snapshot snapshots/snapshot_1200.json --out s.png --agents`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outPath, _ := cmd.Flags().GetString("out")
			snapPath, _ := cmd.Flags().GetString("snapshot")
			withAgents, _ := cmd.Flags().GetBool("agents")

			if (len(args) == 1) == (snapPath != "") {
				return fmt.Errorf("give either a run id or --snapshot")
			}

			var cfg *config.Config
			var snap *telemetry.Snapshot
			var err error
			if snapPath != "" {
				if cfg, err = loadConfig(cmd); err != nil {
					return err
				}
				if snap, err = telemetry.LoadSnapshot(snapPath); err != nil {
					return err
				}
			} else {
				if cfg, snap, err = loadCheckpoint(cmd, args[0]); err != nil {
					return err
				}
			}

			// the render is a throwaway simulation and is not registered
			cfg.Storage.Kind = "none"
			logger := logging.NewLogger("warn", cfg.Logging.Format, cmd.ErrOrStderr())
			s, err := sim.New(cfg, sim.Options{Seed: snap.RNGSeed, Logger: logger})
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.Restore(snap); err != nil {
				return err
			}
			img, err := s.Image(withAgents)
			if err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if outPath != "-" {
				f, err := os.Create(outPath)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", outPath, err)
				}
				defer f.Close()
				w = f
			}
			if err := png.Encode(w, img); err != nil {
				return fmt.Errorf("failed to encode png: %w", err)
			}
			if outPath != "-" {
				fmt.Fprintf(cmd.ErrOrStderr(), "tick %d written to %s\n", snap.Tick, outPath)
			}
			return nil
		},
	}

	cmd.Flags().String("out", "render.png", "Output file (- = stdout)")
	cmd.Flags().String("snapshot", "", "Render this snapshot file instead of a stored checkpoint")
	cmd.Flags().Bool("agents", false, "Draw agents over the field")

	return cmd
}

// loadCheckpoint fetches a run's recorded config and latest checkpoint.
func loadCheckpoint(cmd *cobra.Command, runID string) (*config.Config, *telemetry.Snapshot, error) {
	flagsCfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	store, err := openStore(cmd, flagsCfg)
	if err != nil {
		return nil, nil, err
	}
	defer store.Close()

	r, err := store.GetRun(cmd.Context(), runID)
	if err != nil {
		return nil, nil, fmt.Errorf("run %s: %w", runID, err)
	}
	cfg, err := config.Parse(r.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("run %s has an unreadable config: %w", runID, err)
	}
	cp, err := store.LatestCheckpoint(cmd.Context(), runID)
	if err != nil {
		return nil, nil, fmt.Errorf("run %s checkpoint: %w", runID, err)
	}
	snap, err := telemetry.UnmarshalSnapshot(cp.Payload)
	if err != nil {
		return nil, nil, err
	}
	return cfg, snap, nil
}
