package sim

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/pthm-cable/slime/config"
	"github.com/pthm-cable/slime/field"
	"github.com/pthm-cable/slime/pipeline"
	"github.com/pthm-cable/slime/species"
	"github.com/pthm-cable/slime/storage"
	"github.com/pthm-cable/slime/telemetry"
)

const testConfig = `
grid: {width: 32, height: 24, boundary: wrap}
sim: {seed: 7, workers: 2, parallel_threshold: 8}
population: {count: 60, distribution: uniform}
telemetry: {stats_window_ticks: 5, checkpoint_every: 0}
`

func testSim(t *testing.T, tweak func(*config.Config), opts Options) *Simulation {
	t.Helper()
	cfg, err := config.Parse([]byte(testConfig))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if tweak != nil {
		tweak(cfg)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	}
	s, err := New(cfg, opts)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRun(t *testing.T) {
	s := testSim(t, nil, Options{})
	if s.Population().Len() != 60 || s.Table().Len() != 3 || s.Field().LayerCount() != 5 {
		t.Fatalf("unexpected build: %d agents, %d species, %d layers",
			s.Population().Len(), s.Table().Len(), s.Field().LayerCount())
	}

	if err := s.Run(context.Background(), 20); err != nil {
		t.Fatal(err)
	}
	if s.Tick() != 20 || s.Frame() != 20 {
		t.Errorf("tick=%d frame=%d, want 20", s.Tick(), s.Frame())
	}
	if math.Abs(s.SimTime()-20*float64(s.Config().Derived.DT32)) > 1e-6 {
		t.Errorf("sim time = %v", s.SimTime())
	}
	for i, a := range s.Population().Agents() {
		if a.X < 0 || a.X >= 32 || a.Y < 0 || a.Y >= 24 {
			t.Fatalf("agent %d left the grid: %+v", i, a)
		}
	}
	if s.Field().TotalAll() <= 0 {
		t.Error("agents deposited nothing")
	}
	if s.LastWindow().WindowEndTick != 20 {
		t.Errorf("last window ended at %d", s.LastWindow().WindowEndTick)
	}
}

func TestRunsAreDeterministic(t *testing.T) {
	a := testSim(t, nil, Options{})
	b := testSim(t, func(c *config.Config) { c.Sim.Workers = 1 }, Options{Seed: 7})
	for _, s := range []*Simulation{a, b} {
		if err := s.Run(context.Background(), 25); err != nil {
			t.Fatal(err)
		}
	}
	fa, fb := a.Field().CopyCurrent(), b.Field().CopyCurrent()
	for i := range fa {
		if fa[i] != fb[i] {
			t.Fatalf("field differs at %d: %v vs %v", i, fa[i], fb[i])
		}
	}
	for i, ag := range a.Population().Agents() {
		if ag != b.Population().Agents()[i] {
			t.Fatalf("agent %d differs", i)
		}
	}
}

func TestStepRejectsBadDelta(t *testing.T) {
	s := testSim(t, nil, Options{})
	before := s.Field().CopyCurrent()

	err := s.Step(float32(math.NaN()), field.NoBrush)
	if !errors.Is(err, pipeline.ErrInvalidDelta) {
		t.Fatalf("err = %v, want ErrInvalidDelta", err)
	}
	if s.Tick() != 0 || s.Frame() != 0 {
		t.Errorf("rejected tick advanced the clock")
	}
	after := s.Field().CopyCurrent()
	for i := range before {
		if before[i] != after[i] {
			t.Fatal("rejected tick changed the field")
		}
	}
}

func TestBrushStep(t *testing.T) {
	s := testSim(t, func(c *config.Config) {
		c.Telemetry.StatsWindowTicks = 1
		c.Population.Count = 0
	}, Options{})
	brush := field.BrushState{X: 10, Y: 10, OnGrid: true, Primary: true, Layer: 2, Radius: 4}

	if err := s.Step(0.1, brush); err != nil {
		t.Fatal(err)
	}
	if v := s.Field().Sample(2, 10, 10); v <= 0 {
		t.Errorf("brushed cell = %v, want > 0", v)
	}
	if w := s.LastWindow(); w.Deposits != 1 || w.Erases != 0 {
		t.Errorf("window counted %d deposits, %d erases", w.Deposits, w.Erases)
	}

	brush.Secondary = true
	if err := s.Step(0.1, brush); err != nil {
		t.Fatal(err)
	}
	if w := s.LastWindow(); w.Erases != 1 {
		t.Errorf("erase not counted: %+v", w)
	}
}

func TestSetLayerRates(t *testing.T) {
	s := testSim(t, nil, Options{})
	if err := s.SetLayerRates(2, 0.1, 0.2); err != nil {
		t.Fatal(err)
	}
	if l := s.Field().Layers()[2]; l.DiffusionRate != 0.1 || l.DecayRate != 0.2 {
		t.Errorf("rates = %+v", l)
	}
	if err := s.SetLayerRates(2, 1.5, 0); !errors.Is(err, field.ErrInvalidRate) {
		t.Errorf("err = %v, want ErrInvalidRate", err)
	}
}

func TestSetSpeciesMotion(t *testing.T) {
	s := testSim(t, nil, Options{})
	if err := s.SetSpeciesMotion(1, 12, 2); err != nil {
		t.Fatal(err)
	}
	if sp := s.Table().Get(1); sp.MoveSpeed != 12 || sp.TurnSpeed != 2 {
		t.Errorf("species 1 = %+v", sp)
	}
	if err := s.SetSpeciesMotion(9, 1, 1); !errors.Is(err, species.ErrUnknownSpecies) {
		t.Errorf("err = %v, want ErrUnknownSpecies", err)
	}
}

func TestCheckpointResume(t *testing.T) {
	store := storage.NewMemoryStore()
	s := testSim(t, nil, Options{Store: store})
	ctx := context.Background()

	if err := s.Run(ctx, 10); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Checkpoint(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Run(ctx, 20); err != nil {
		t.Fatal(err)
	}
	want := s.Field().CopyCurrent()

	if err := s.ResumeLatest(ctx, s.RunID()); err != nil {
		t.Fatal(err)
	}
	if s.Tick() != 10 || s.Frame() != 10 {
		t.Fatalf("resumed at tick %d frame %d", s.Tick(), s.Frame())
	}
	if err := s.Run(ctx, 20); err != nil {
		t.Fatal(err)
	}
	got := s.Field().CopyCurrent()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("replay after resume differs at %d: %v vs %v", i, got[i], want[i])
		}
	}
}

func TestCheckpointEvery(t *testing.T) {
	store := storage.NewMemoryStore()
	s := testSim(t, func(c *config.Config) { c.Telemetry.CheckpointEvery = 4 }, Options{Store: store})
	if err := s.Run(context.Background(), 10); err != nil {
		t.Fatal(err)
	}
	cp, err := store.LatestCheckpoint(context.Background(), s.RunID())
	if err != nil {
		t.Fatal(err)
	}
	if cp.Tick != 8 {
		t.Errorf("latest checkpoint at tick %d, want 8", cp.Tick)
	}
}

func TestRestoreRejectsMismatch(t *testing.T) {
	s := testSim(t, nil, Options{})
	tests := []struct {
		name   string
		mutate func(snap *telemetry.Snapshot)
	}{
		{"grid", func(snap *telemetry.Snapshot) {
			snap.Width = 16
			for i := range snap.Layers {
				snap.Layers[i].Data = make([]float32, 16*24)
			}
		}},
		{"boundary", func(snap *telemetry.Snapshot) { snap.Boundary = "reflect" }},
		{"layers", func(snap *telemetry.Snapshot) { snap.Layers = snap.Layers[:2] }},
		{"agent count", func(snap *telemetry.Snapshot) { snap.Agents = snap.Agents[:10] }},
		{"unknown species", func(snap *telemetry.Snapshot) { snap.Agents[0].Species = 99 }},
		{"bad rate", func(snap *telemetry.Snapshot) { snap.Layers[3].DecayRate = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := s.Field().Layers()
			snap := s.Snapshot()
			snap.Frame = 1234
			tt.mutate(snap)
			if err := s.Restore(snap); err == nil {
				t.Fatal("expected error")
			}
			if s.Frame() != 0 {
				t.Error("failed restore moved the frame counter")
			}
			for i, l := range s.Field().Layers() {
				if l != before[i] {
					t.Errorf("failed restore changed layer %d: %+v", i, l)
				}
			}
		})
	}
}

func TestRunHonoursContext(t *testing.T) {
	s := testSim(t, nil, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Run(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if s.Tick() != 0 {
		t.Errorf("ran %d ticks after cancellation", s.Tick())
	}
}

func TestCloseFinishesRun(t *testing.T) {
	store := storage.NewMemoryStore()
	s := testSim(t, nil, Options{Store: store})
	if err := s.Run(context.Background(), 3); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	run, err := store.GetRun(context.Background(), s.RunID())
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != storage.StatusFinished || run.Ticks != 3 || run.Agents != 60 || run.Boundary != "wrap" {
		t.Errorf("run record = %+v", run)
	}
	if len(run.Config) == 0 {
		t.Error("run config not stored")
	}
}

func TestOutputDir(t *testing.T) {
	dir := t.TempDir()
	s := testSim(t, nil, Options{OutputDir: dir, SnapshotDir: filepath.Join(dir, "snapshots")})
	if err := s.Run(context.Background(), 10); err != nil {
		t.Fatal(err)
	}
	path, err := s.DumpPNG(true)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"config.yaml", "telemetry.csv", "layers.csv", "perf.csv"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s missing: %v", name, err)
		}
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("png missing: %v", err)
	}
}

func TestImage(t *testing.T) {
	s := testSim(t, nil, Options{})
	img, err := s.Image(false)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 32 || b.Dy() != 24 {
		t.Errorf("image bounds = %v", b)
	}
}
