package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pthm-cable/slime/logging"
	"github.com/pthm-cable/slime/sim"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a headless simulation",
		Long: `Run steps the simulation without a window for a fixed number of ticks
using the config dt. Logs go to stderr; the run summary goes to stdout.

Interrupting the run stops it at the next tick boundary and still records
it as finished.

Examples:
  slimectl run --ticks 6000
  slimectl run --config big.yaml --store sqlite --checkpoint-every 600
  slimectl run --resume 5f0c... --ticks 600`,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			ticks, _ := cmd.Flags().GetUint64("ticks")
			seed, _ := cmd.Flags().GetInt64("seed")
			outputDir, _ := cmd.Flags().GetString("output-dir")
			snapshotDir, _ := cmd.Flags().GetString("snapshot-dir")
			every, _ := cmd.Flags().GetInt("checkpoint-every")
			resume, _ := cmd.Flags().GetString("resume")
			dumpPNG, _ := cmd.Flags().GetBool("dump-png")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if every >= 0 {
				cfg.Telemetry.CheckpointEvery = every
			}

			logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cmd.ErrOrStderr())
			s, err := sim.New(cfg, sim.Options{
				Seed:        seed,
				OutputDir:   outputDir,
				SnapshotDir: snapshotDir,
				Logger:      logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if resume != "" {
				if err := s.ResumeLatest(ctx, resume); err != nil {
					_ = s.Fail()
					return fmt.Errorf("failed to resume %s: %w", resume, err)
				}
			}

			var limit uint64
			if ticks > 0 {
				limit = s.Tick() + ticks
			}
			err = s.Run(ctx, limit)
			if err != nil && !errors.Is(err, context.Canceled) {
				_ = s.Fail()
				return err
			}

			var preview string
			if dumpPNG {
				if preview, err = s.DumpPNG(true); err != nil {
					_ = s.Fail()
					return err
				}
			}

			result := runResult{
				RunID:   s.RunID(),
				Seed:    s.Seed(),
				Ticks:   s.Tick(),
				SimTime: s.SimTime(),
				Agents:  s.Population().Len(),
				Preview: preview,
			}
			last := s.LastWindow()
			result.TotalIntensity = last.TotalIntensity
			result.HeadingCoherence = last.HeadingCoherence

			if err := s.Close(); err != nil {
				return err
			}

			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(result)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run %s finished\n", result.RunID)
			fmt.Fprintf(out, "  ticks:     %s (%.1fs simulated)\n", humanize.Comma(int64(result.Ticks)), result.SimTime)
			fmt.Fprintf(out, "  agents:    %s\n", humanize.Comma(int64(result.Agents)))
			fmt.Fprintf(out, "  intensity: %.2f\n", result.TotalIntensity)
			fmt.Fprintf(out, "  coherence: %.3f\n", result.HeadingCoherence)
			if preview != "" {
				fmt.Fprintf(out, "  preview:   %s\n", preview)
			}
			return nil
		},
	}

	cmd.Flags().Uint64("ticks", 600, "Number of ticks to run (0 = until interrupted)")
	cmd.Flags().Int64("seed", 0, "RNG seed (0 = use config)")
	cmd.Flags().String("output-dir", "", "Directory for CSV logs, config and PNG previews")
	cmd.Flags().String("snapshot-dir", "", "Directory for snapshot files")
	cmd.Flags().Int("checkpoint-every", -1, "Checkpoint every N ticks (-1 = use config, 0 = off)")
	cmd.Flags().String("resume", "", "Resume from the latest checkpoint of this run id")
	cmd.Flags().Bool("dump-png", false, "Write a PNG preview to the output directory at the end")

	return cmd
}

type runResult struct {
	RunID            string  `json:"run_id"`
	Seed             int64   `json:"seed"`
	Ticks            uint64  `json:"ticks"`
	SimTime          float64 `json:"sim_time"`
	Agents           int     `json:"agents"`
	TotalIntensity   float64 `json:"total_intensity"`
	HeadingCoherence float64 `json:"heading_coherence"`
	Preview          string  `json:"preview,omitempty"`
}
