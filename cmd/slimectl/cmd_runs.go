package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pthm-cable/slime/storage"
)

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect the run registry",
	}
	cmd.AddCommand(newRunsListCmd(), newRunsShowCmd())
	return cmd
}

func newRunsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		Long: `List every run in the registry with its status and size.

Examples:
  slimectl runs list --store sqlite --store-path slime.db
  slimectl runs list --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(cmd, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list runs: %w", err)
			}

			if jsonOut {
				entries := make([]runEntry, 0, len(runs))
				for _, r := range runs {
					entries = append(entries, newRunEntry(r))
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(entries)
			}

			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "no runs recorded")
				return nil
			}
			fmt.Fprintf(out, "%-36s  %-8s  %10s  %9s  %s\n", "ID", "STATUS", "TICKS", "AGENTS", "STARTED")
			for _, r := range runs {
				fmt.Fprintf(out, "%-36s  %-8s  %10s  %9s  %s\n",
					r.ID, r.Status,
					humanize.Comma(int64(r.Ticks)),
					humanize.Comma(int64(r.Agents)),
					humanize.Time(r.StartedAt),
				)
			}
			return nil
		},
	}
}

func newRunsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run, its latest checkpoint and its config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(cmd, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			r, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("run %s: %w", args[0], err)
			}
			entry := newRunEntry(r)

			cp, err := store.LatestCheckpoint(cmd.Context(), r.ID)
			switch {
			case err == nil:
				entry.Checkpoint = &checkpointEntry{
					Tick:    cp.Tick,
					SavedAt: cp.SavedAt.Format(time.RFC3339),
					Size:    len(cp.Payload),
				}
			case !errors.Is(err, storage.ErrNotFound):
				return fmt.Errorf("failed to read checkpoint: %w", err)
			}

			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(entry)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run %s\n", r.ID)
			fmt.Fprintf(out, "  status:   %s\n", r.Status)
			fmt.Fprintf(out, "  seed:     %d\n", r.Seed)
			fmt.Fprintf(out, "  grid:     %dx%d %s\n", r.Width, r.Height, r.Boundary)
			fmt.Fprintf(out, "  layers:   %d\n", r.Layers)
			fmt.Fprintf(out, "  species:  %d\n", r.Species)
			fmt.Fprintf(out, "  agents:   %s\n", humanize.Comma(int64(r.Agents)))
			fmt.Fprintf(out, "  ticks:    %s\n", humanize.Comma(int64(r.Ticks)))
			fmt.Fprintf(out, "  started:  %s (%s)\n", entry.StartedAt, humanize.Time(r.StartedAt))
			if entry.FinishedAt != "" {
				fmt.Fprintf(out, "  finished: %s\n", entry.FinishedAt)
			}
			if entry.Checkpoint != nil {
				fmt.Fprintf(out, "  checkpoint: tick %d, %s\n",
					entry.Checkpoint.Tick, humanize.Bytes(uint64(entry.Checkpoint.Size)))
			} else {
				fmt.Fprintln(out, "  checkpoint: none")
			}
			fmt.Fprintf(out, "\n%s", r.Config)
			return nil
		},
	}
}

type runEntry struct {
	ID         string           `json:"id"`
	Status     string           `json:"status"`
	Seed       int64            `json:"seed"`
	Width      int              `json:"width"`
	Height     int              `json:"height"`
	Boundary   string           `json:"boundary"`
	Layers     int              `json:"layers"`
	Species    int              `json:"species"`
	Agents     int              `json:"agents"`
	Ticks      uint64           `json:"ticks"`
	StartedAt  string           `json:"started_at"`
	FinishedAt string           `json:"finished_at,omitempty"`
	Checkpoint *checkpointEntry `json:"checkpoint,omitempty"`
}

type checkpointEntry struct {
	Tick    uint64 `json:"tick"`
	SavedAt string `json:"saved_at"`
	Size    int    `json:"size_bytes"`
}

func newRunEntry(r storage.Run) runEntry {
	e := runEntry{
		ID:        r.ID,
		Status:    r.Status,
		Seed:      r.Seed,
		Width:     r.Width,
		Height:    r.Height,
		Boundary:  r.Boundary,
		Layers:    r.Layers,
		Species:   r.Species,
		Agents:    r.Agents,
		Ticks:     r.Ticks,
		StartedAt: r.StartedAt.Format(time.RFC3339),
	}
	if !r.FinishedAt.IsZero() {
		e.FinishedAt = r.FinishedAt.Format(time.RFC3339)
	}
	return e
}
