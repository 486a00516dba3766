// Package sim wires the field, species, agents and tick pipeline together
// and runs them with telemetry, checkpoints and an optional run registry.
package sim

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/pthm-cable/slime/agents"
	"github.com/pthm-cable/slime/compositor"
	"github.com/pthm-cable/slime/config"
	"github.com/pthm-cable/slime/field"
	"github.com/pthm-cable/slime/grid"
	"github.com/pthm-cable/slime/logging"
	"github.com/pthm-cable/slime/parallel"
	"github.com/pthm-cable/slime/pipeline"
	"github.com/pthm-cable/slime/species"
	"github.com/pthm-cable/slime/storage"
	"github.com/pthm-cable/slime/telemetry"
)

// Options holds per-run settings that are not part of the config file.
type Options struct {
	Seed        int64  // overrides sim.seed when non-zero
	OutputDir   string // CSV, config and PNG output (empty = off)
	SnapshotDir string // JSON snapshots on bookmarks and checkpoints (empty = off)
	LogStats    bool   // log window stats (ORed with telemetry.log_stats)
	Logger      *slog.Logger

	// Store overrides the store described by the config. The caller keeps
	// ownership and must close it.
	Store storage.Store

	// StatsCallback is called after every telemetry window.
	StatsCallback func(telemetry.WindowStats)
}

// Simulation is one configured run.
type Simulation struct {
	cfg    *config.Config
	logger *slog.Logger
	runID  string
	seed   int64

	grid  grid.Grid
	pool  *parallel.Pool
	field *field.Field
	pop   *agents.Population
	table *species.Table
	pipe  *pipeline.Pipeline

	frame   uint32
	simTime float64
	colors  []color.NRGBA

	collector  *telemetry.Collector
	perf       *telemetry.PerfCollector
	bookmarks  *telemetry.BookmarkDetector
	output     *telemetry.OutputManager
	lastWindow telemetry.WindowStats

	store       storage.Store
	ownsStore   bool
	snapshotDir string
	logStats    bool
	onStats     func(telemetry.WindowStats)
	closed      bool
}

// New builds a simulation from a validated config.
func New(cfg *config.Config, opts Options) (*Simulation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := logging.OrDefault(opts.Logger)

	seed := opts.Seed
	if seed == 0 {
		seed = cfg.Sim.Seed
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	g, err := grid.New(cfg.Grid.Width, cfg.Grid.Height, cfg.Grid.Boundary)
	if err != nil {
		return nil, err
	}

	s := &Simulation{
		cfg:         cfg,
		logger:      logger,
		runID:       storage.NewRunID(),
		seed:        seed,
		grid:        g,
		pool:        parallel.New(cfg.Sim.Workers, parallel.WithThreshold(cfg.Sim.ParallelThreshold)),
		perf:        telemetry.NewPerfCollector(cfg.Telemetry.PerfCollectorWindow),
		bookmarks:   telemetry.NewBookmarkDetector(cfg.Telemetry.BookmarkHistorySize),
		snapshotDir: opts.SnapshotDir,
		logStats:    opts.LogStats || cfg.Telemetry.LogStats,
		onStats:     opts.StatsCallback,
	}

	if err := s.build(); err != nil {
		s.pool.Stop()
		return nil, err
	}

	s.output, err = telemetry.NewOutputManager(opts.OutputDir)
	if err != nil {
		s.pool.Stop()
		return nil, err
	}
	if err := s.output.WriteConfig(cfg); err != nil {
		s.shutdown()
		return nil, err
	}

	if err := s.openStore(opts.Store); err != nil {
		s.shutdown()
		return nil, err
	}

	s.logStartup()
	return s, nil
}

func (s *Simulation) build() error {
	layers := fieldLayers(s.cfg)
	f, err := field.New(s.grid, layers, field.WithPool(s.pool), field.WithHazard(hazard(s.cfg)))
	if err != nil {
		return err
	}

	table, err := buildSpecies(s.cfg)
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(s.seed))
	initial, err := spawnAgents(s.cfg, s.grid, table.Len(), rng)
	if err != nil {
		return err
	}
	pop := agents.New(s.grid, initial, agents.WithPool(s.pool))

	pipe, err := pipeline.New(f, pop, table,
		pipeline.WithFlags(flags(s.cfg)),
		pipeline.WithTimer(tickTimer{s.perf}),
	)
	if err != nil {
		return err
	}

	s.field, s.table, s.pop, s.pipe = f, table, pop, pipe
	s.collector = telemetry.NewCollector(s.cfg.Telemetry.StatsWindowTicks, s.cfg.Derived.LayerNames)
	s.colors = make([]color.NRGBA, len(layers))
	for i, l := range layers {
		s.colors[i] = l.Color
	}
	return nil
}

func (s *Simulation) openStore(override storage.Store) error {
	store := override
	if store == nil {
		kind := strings.ToLower(s.cfg.Storage.Kind)
		if kind == "" || kind == "none" {
			return nil
		}
		var err error
		store, err = storage.NewStore(kind, s.cfg.Storage.Path)
		if err != nil {
			return err
		}
		s.ownsStore = true
	}
	s.store = store

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	cfgYAML, err := yaml.Marshal(s.cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return store.CreateRun(ctx, storage.Run{
		ID:       s.runID,
		Seed:     s.seed,
		Width:    s.grid.Width,
		Height:   s.grid.Height,
		Boundary: s.grid.Boundary.String(),
		Layers:   s.field.LayerCount(),
		Species:  s.table.Len(),
		Agents:   s.pop.Len(),
		Config:   cfgYAML,
	})
}

func (s *Simulation) logStartup() {
	// three field buffers plus the deposit accumulator
	fieldBytes := uint64(s.field.Len()) * 4 * 4
	agentBytes := uint64(s.pop.Len()) * 16

	names := make([]string, 0, s.table.Len())
	for _, sp := range s.table.All() {
		names = append(names, sp.Name)
	}

	s.logger.Info("simulation ready",
		"run_id", s.runID,
		"seed", s.seed,
		"grid", s.grid.String(),
		"layers", strings.Join(s.cfg.Derived.LayerNames, ","),
		"species", strings.Join(names, ","),
		"agents", humanize.Comma(int64(s.pop.Len())),
		"workers", s.pool.Workers(),
		"field_memory", humanize.Bytes(fieldBytes),
		"agent_memory", humanize.Bytes(agentBytes),
	)
}

// tickTimer forwards pipeline stage timing but leaves EndTick to the
// simulation so the telemetry phase is part of the sample.
type tickTimer struct{ perf *telemetry.PerfCollector }

func (t tickTimer) StartTick() { t.perf.StartTick() }
func (t tickTimer) StartPhase(phase string) { t.perf.StartPhase(phase) }
func (t tickTimer) EndTick() {}

// Step advances one tick of length dt with the given pointer state.
// A rejected tick leaves the simulation unchanged.
func (s *Simulation) Step(dt float32, brush field.BrushState) error {
	edits := brush.Edits()
	if err := s.pipe.Step(pipeline.Input{DT: dt, Frame: s.frame + 1, Edits: edits}); err != nil {
		return err
	}
	s.frame++
	s.simTime += float64(dt)

	tick := s.pipe.Ticks()
	if s.pipe.Flags().ApplyEdits {
		for _, e := range edits {
			s.collector.Record(telemetry.NewBrushEvent(tick, e.Layer, e.Mode == field.Erase))
		}
	}

	s.perf.StartPhase(telemetry.PhaseTelemetry)
	s.flushTelemetry()
	err := s.maybeCheckpoint()
	s.perf.EndTick()
	return err
}

// Run steps headless with the configured dt until maxTicks ticks have
// completed (0 = unlimited) or ctx is done. Cancellation is only observed
// between ticks; the context error is returned.
func (s *Simulation) Run(ctx context.Context, maxTicks uint64) error {
	dt := s.cfg.Derived.DT32
	for maxTicks == 0 || s.Tick() < maxTicks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.Step(dt, field.NoBrush); err != nil {
			return fmt.Errorf("tick %d: %w", s.Tick()+1, err)
		}
	}
	return nil
}

// SetLayerRates changes a layer's diffusion and decay between ticks.
func (s *Simulation) SetLayerRates(layer int, diffusion, decay float32) error {
	if err := s.field.SetRates(layer, diffusion, decay); err != nil {
		return err
	}
	s.collector.Record(telemetry.NewRateChangeEvent(s.Tick(), layer))
	return nil
}

// SetSpeciesMotion changes a species' move and turn speed between ticks.
func (s *Simulation) SetSpeciesMotion(id uint32, moveSpeed, turnSpeed float32) error {
	return s.table.SetMotion(id, moveSpeed, turnSpeed)
}

// SetFlags changes which optional passes run.
func (s *Simulation) SetFlags(f pipeline.Flags) { s.pipe.SetFlags(f) }

// Image composites the committed field into an RGBA image, optionally
// with agents drawn on top.
func (s *Simulation) Image(withAgents bool) (*image.RGBA, error) {
	img, err := compositor.Image(s.field, s.colors)
	if err != nil {
		return nil, err
	}
	if withAgents {
		compositor.DrawAgents(img, s.grid, s.pop.Agents(), s.table)
	}
	return img, nil
}

// Composite writes the committed field into dst, one pixel per cell.
func (s *Simulation) Composite(dst []color.RGBA) error {
	return compositor.Composite(s.field, s.colors, dst)
}

// DumpPNG writes the current composite to the output directory.
func (s *Simulation) DumpPNG(withAgents bool) (string, error) {
	if s.output == nil {
		return "", errors.New("sim: no output directory configured")
	}
	img, err := s.Image(withAgents)
	if err != nil {
		return "", err
	}
	path, err := s.output.WriteImage(fmt.Sprintf("frame_%d.png", s.Tick()), img)
	if err != nil {
		return "", err
	}
	s.logger.Info("preview written", "path", path, "tick", s.Tick())
	return path, nil
}

// Accessors.
func (s *Simulation) Config() *config.Config { return s.cfg }
func (s *Simulation) RunID() string { return s.runID }
func (s *Simulation) Seed() int64 { return s.seed }
func (s *Simulation) Grid() grid.Grid { return s.grid }
func (s *Simulation) Field() *field.Field { return s.field }
func (s *Simulation) Population() *agents.Population { return s.pop }
func (s *Simulation) Table() *species.Table { return s.table }
func (s *Simulation) Pipeline() *pipeline.Pipeline { return s.pipe }
func (s *Simulation) Perf() *telemetry.PerfCollector { return s.perf }
func (s *Simulation) Colors() []color.NRGBA { return s.colors }
func (s *Simulation) Tick() uint64 { return s.pipe.Ticks() }
func (s *Simulation) Frame() uint32 { return s.frame }
func (s *Simulation) SimTime() float64 { return s.simTime }
func (s *Simulation) LastWindow() telemetry.WindowStats { return s.lastWindow }

// Close records the run as finished and releases resources.
func (s *Simulation) Close() error {
	return s.finish(storage.StatusFinished)
}

// Fail records the run as failed and releases resources.
func (s *Simulation) Fail() error {
	return s.finish(storage.StatusFailed)
}

func (s *Simulation) finish(status string) error {
	if s.closed {
		return nil
	}
	var errs []error
	if s.store != nil {
		if err := s.store.FinishRun(context.Background(), s.runID, s.Tick(), status); err != nil {
			errs = append(errs, err)
		}
	}
	s.logger.Info("simulation stopped",
		"run_id", s.runID,
		"status", status,
		"ticks", s.Tick(),
		"sim_time", s.simTime,
	)
	errs = append(errs, s.shutdown())
	return errors.Join(errs...)
}

func (s *Simulation) shutdown() error {
	s.closed = true
	s.pool.Stop()
	var errs []error
	if err := s.output.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.ownsStore && s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
