package main

import (
	"math"
	"testing"

	"github.com/pthm-cable/slime/config"
	"github.com/pthm-cable/slime/telemetry"
)

const testConfig = `
grid: {width: 32, height: 24, boundary: wrap}
sim: {seed: 7, parallel_threshold: 8}
population: {count: 60, distribution: uniform}
telemetry: {stats_window_ticks: 5}
`

func testConfigFor(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(testConfig))
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestNormalizeRoundTrip(t *testing.T) {
	pv := NewParamVector()
	raw := pv.DefaultVector()
	back := pv.Denormalize(pv.Normalize(raw))
	for i := range raw {
		if math.Abs(raw[i]-back[i]) > 1e-9 {
			t.Errorf("%s: %v -> %v", pv.Specs[i].Name, raw[i], back[i])
		}
	}
}

func TestClamp(t *testing.T) {
	pv := NewParamVector()
	v := make([]float64, pv.Dim())
	for i := range v {
		v[i] = 1e6
	}
	for i, c := range pv.Clamp(v) {
		if c != pv.Specs[i].Max {
			t.Errorf("%s clamped to %v, want %v", pv.Specs[i].Name, c, pv.Specs[i].Max)
		}
	}
}

func TestApplyAndExtract(t *testing.T) {
	pv := NewParamVector()
	cfg := testConfigFor(t)

	values := []float64{40, 3, 45, 10, 2, 0.3, 0.5}
	pv.ApplyToConfig(cfg, values)

	for _, sp := range cfg.Species {
		if sp.MoveSpeed != 40 || sp.TurnSpeed != 3 || sp.SensorAngleDegrees != 45 || sp.SensorOffset != 10 {
			t.Errorf("species %s not updated: %+v", sp.Name, sp)
		}
		for _, e := range sp.Emit {
			if e.Amount != 2 {
				t.Errorf("species %s emit amount %v", sp.Name, e.Amount)
			}
		}
	}
	// love and hate are not emitted into and keep their rates
	if cfg.Layers[0].DecayRate != 0.7 || cfg.Layers[1].DecayRate != 0.7 {
		t.Errorf("shared layers changed: %+v %+v", cfg.Layers[0], cfg.Layers[1])
	}
	for l := 2; l < 5; l++ {
		if cfg.Layers[l].DiffusionRate != 0.3 || cfg.Layers[l].DecayRate != 0.5 {
			t.Errorf("layer %d rates %+v", l, cfg.Layers[l])
		}
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("applied config is invalid: %v", err)
	}

	got := pv.ExtractFromConfig(cfg)
	for i := range values {
		if got[i] != values[i] {
			t.Errorf("%s extracted %v, want %v", pv.Specs[i].Name, got[i], values[i])
		}
	}
}

func TestComputeQuality(t *testing.T) {
	fe := NewFitnessEvaluator(NewParamVector(), 10, []int64{1}, testConfigFor(t))
	cells := 32 * 24

	window := func(occupancy, coherence, intensity float64) telemetry.WindowStats {
		return telemetry.WindowStats{Agents: cells, Occupancy: occupancy, HeadingCoherence: coherence, TotalIntensity: intensity}
	}

	if q := fe.computeQuality([]telemetry.WindowStats{window(0, 1, 1)}); q != 0 {
		t.Errorf("warmup-only run scored %v", q)
	}

	// every agent in its own cell, no alignment, unstable field
	spread := []telemetry.WindowStats{window(1, 0, 1), window(1, 0, 1), window(1, 0, 10), window(1, 0, 1000)}
	// agents packed into a tenth of the cells, aligned, steady field
	packed := []telemetry.WindowStats{window(1, 0, 5), window(1, 0, 5), window(0.1, 0.9, 5), window(0.1, 0.9, 5)}

	qs, qp := fe.computeQuality(spread), fe.computeQuality(packed)
	if qp <= qs {
		t.Errorf("packed run %v should beat spread run %v", qp, qs)
	}
	want := qualityWeightConcentration*0.9 + qualityWeightCoherence*0.9 + qualityWeightStability
	if math.Abs(qp-want) > 1e-9 {
		t.Errorf("packed quality = %v, want %v", qp, want)
	}
}

func TestEvaluate(t *testing.T) {
	pv := NewParamVector()
	cfg := testConfigFor(t)
	fe := NewFitnessEvaluator(pv, 30, []int64{1, 2}, cfg)

	fitness := fe.Evaluate(pv.ExtractFromConfig(cfg))
	if fitness > 0 || fitness < -1 || math.IsNaN(fitness) {
		t.Fatalf("fitness = %v, want in [-1, 0]", fitness)
	}
	if fe.LastQuality() != -fitness {
		t.Errorf("LastQuality = %v, fitness = %v", fe.LastQuality(), fitness)
	}
	// 30 ticks in windows of 5
	if got := len(fe.BestStats()); got != 6 {
		t.Errorf("best run recorded %d windows, want 6", got)
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	pv := NewParamVector()
	cfg := testConfigFor(t)
	x := pv.ExtractFromConfig(cfg)

	a := NewFitnessEvaluator(pv, 20, []int64{3}, cfg).Evaluate(x)
	b := NewFitnessEvaluator(pv, 20, []int64{3}, cfg).Evaluate(x)
	if a != b {
		t.Errorf("same seed gave %v and %v", a, b)
	}
}

func TestFormatDuration(t *testing.T) {
	if got := formatDuration(75_000_000_000); got != "1m15s" {
		t.Errorf("got %q", got)
	}
	if got := formatDuration(3_725_000_000_000); got != "1h02m05s" {
		t.Errorf("got %q", got)
	}
}
