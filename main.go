package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	rl "github.com/gen2brain/raylib-go/raylib"

	"github.com/pthm-cable/slime/config"
	"github.com/pthm-cable/slime/logging"
	"github.com/pthm-cable/slime/sim"
	"github.com/pthm-cable/slime/viewer"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "Path to config.yaml (empty = use defaults)")
	headless := flag.Bool("headless", false, "Run without graphics")
	logStats := flag.Bool("log-stats", false, "Output window stats via slog")
	logLevel := flag.String("log-level", "", "Log level: trace, debug, info, warn, error (empty = use config)")
	snapshotDir := flag.String("snapshot-dir", "", "Directory for snapshot files")
	outputDir := flag.String("output-dir", "", "Output directory for CSV logs, config and PNG previews")
	seed := flag.Int64("seed", 0, "RNG seed (0 = use config)")
	maxTicks := flag.Uint64("max-ticks", 0, "Stop after N ticks (0 = unlimited)")
	store := flag.String("store", "", "Run registry backend: none, memory, sqlite (empty = use config)")
	storePath := flag.String("store-path", "", "SQLite database path (empty = use config)")
	checkpointEvery := flag.Int("checkpoint-every", -1, "Checkpoint every N ticks (-1 = use config, 0 = off)")
	resume := flag.String("resume", "", "Resume from the latest checkpoint of this run id")
	dumpPNG := flag.Bool("dump-png", false, "Write a PNG preview when the run ends")

	flag.Parse()

	// Initialize config before anything else
	if err := config.Init(*configPath); err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := config.Cfg()

	if *store != "" {
		cfg.Storage.Kind = *store
	}
	if *storePath != "" {
		cfg.Storage.Path = *storePath
	}
	if *checkpointEvery >= 0 {
		cfg.Telemetry.CheckpointEvery = *checkpointEvery
	}
	level := cfg.Logging.Level
	if *logLevel != "" {
		level = *logLevel
	}

	// Set up slog (JSON to stdout for structured logging)
	logger := logging.NewLogger(level, cfg.Logging.Format, os.Stdout)
	slog.SetDefault(logger)

	opts := sim.Options{
		Seed:        *seed,
		OutputDir:   *outputDir,
		SnapshotDir: *snapshotDir,
		LogStats:    *logStats,
		Logger:      logger,
	}

	if !*headless {
		// The window must exist before the viewer creates its texture
		rl.InitWindow(int32(cfg.Screen.Width), int32(cfg.Screen.Height), "Slime")
		defer rl.CloseWindow()
		rl.SetTargetFPS(int32(cfg.Screen.TargetFPS))
	}

	s, err := sim.New(cfg, opts)
	if err != nil {
		slog.Error("failed to build simulation", "error", err)
		os.Exit(1)
	}

	if *resume != "" {
		if err := s.ResumeLatest(context.Background(), *resume); err != nil {
			slog.Error("failed to resume", "run_id", *resume, "error", err)
			_ = s.Fail()
			os.Exit(1)
		}
	}

	if err := run(s, *headless, *maxTicks, logger); err != nil {
		slog.Error("simulation failed", "tick", s.Tick(), "error", err)
		_ = s.Fail()
		os.Exit(1)
	}

	if *dumpPNG {
		if _, err := s.DumpPNG(true); err != nil {
			slog.Error("failed to write preview", "error", err)
		}
	}
	if err := s.Close(); err != nil {
		slog.Error("failed to close simulation", "error", err)
	}
}

func run(s *sim.Simulation, headless bool, maxTicks uint64, logger *slog.Logger) error {
	if !headless {
		v := viewer.New(s, logger)
		defer v.Unload()
		return v.Run(maxTicks)
	}

	// Headless mode - pure CPU simulation, no raylib needed
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("starting headless simulation",
		"run_id", s.RunID(),
		"seed", s.Seed(),
		"max_ticks", maxTicks,
	)

	err := s.Run(ctx, maxTicks)
	if errors.Is(err, context.Canceled) {
		slog.Info("interrupted", "tick", s.Tick())
		return nil
	}
	if err == nil && maxTicks > 0 {
		slog.Info("max ticks reached", "tick", s.Tick())
	}
	return err
}
