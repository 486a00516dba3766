package main

import (
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pthm-cable/slime/config"
)

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [config]",
		Short: "Check a config file and summarise it",
		Long: `Validate loads a config file over the built-in defaults and reports
every problem it finds. With no argument the --config flag is used, and with
neither the built-in defaults are checked.

Examples:
  slimectl validate
  slimectl validate runs/big.yaml
  slimectl validate --json runs/big.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			if len(args) == 1 {
				if err := cmd.Flags().Set("config", args[0]); err != nil {
					return err
				}
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			// storage overrides are applied after parsing
			if err := cfg.Validate(); err != nil {
				return err
			}

			summary := summarize(cfg)
			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(summary)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config ok\n")
			fmt.Fprintf(out, "  grid:    %dx%d %s (%s cells)\n",
				cfg.Grid.Width, cfg.Grid.Height, cfg.Grid.Boundary, humanize.Comma(int64(summary.Cells)))
			fmt.Fprintf(out, "  layers:  %d\n", len(cfg.Layers))
			for i, l := range cfg.Layers {
				fmt.Fprintf(out, "    %d %-10s diffusion=%.2f decay=%.2f\n", i, l.Name, l.DiffusionRate, l.DecayRate)
			}
			fmt.Fprintf(out, "  species: %d\n", len(cfg.Species))
			for i, sp := range cfg.Species {
				fmt.Fprintf(out, "    %d %-10s speed=%g turn=%g\n", i, sp.Name, sp.MoveSpeed, sp.TurnSpeed)
			}
			fmt.Fprintf(out, "  agents:  %s\n", humanize.Comma(int64(summary.Agents)))
			fmt.Fprintf(out, "  storage: %s\n", summary.Storage)
			return nil
		},
	}
	return cmd
}

type configSummary struct {
	Width    int      `json:"width"`
	Height   int      `json:"height"`
	Boundary string   `json:"boundary"`
	Cells    int      `json:"cells"`
	Layers   []string `json:"layers"`
	Species  []string `json:"species"`
	Agents   int      `json:"agents"`
	Storage  string   `json:"storage"`
}

func summarize(cfg *config.Config) configSummary {
	s := configSummary{
		Width:    cfg.Grid.Width,
		Height:   cfg.Grid.Height,
		Boundary: cfg.Grid.Boundary.String(),
		Cells:    cfg.Grid.Width * cfg.Grid.Height,
		Layers:   append([]string(nil), cfg.Derived.LayerNames...),
		Agents:   populationSize(cfg),
		Storage:  cfg.Storage.Kind,
	}
	for _, sp := range cfg.Species {
		s.Species = append(s.Species, sp.Name)
	}
	return s
}

func populationSize(cfg *config.Config) int {
	if len(cfg.Population.Groups) == 0 {
		return cfg.Population.Count
	}
	n := 0
	for _, g := range cfg.Population.Groups {
		n += g.Count
	}
	return n
}
