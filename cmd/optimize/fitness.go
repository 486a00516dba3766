package main

import (
	"context"
	"log/slog"
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v3"

	"github.com/pthm-cable/slime/config"
	"github.com/pthm-cable/slime/sim"
	"github.com/pthm-cable/slime/telemetry"
)

// FitnessEvaluator runs headless simulations and computes fitness.
type FitnessEvaluator struct {
	params     *ParamVector
	ticks      uint64
	seeds      []int64
	baseConfig *config.Config

	mu          sync.Mutex
	bestFitness float64
	bestStats   []telemetry.WindowStats
	lastQuality float64 // quality from most recent Evaluate call
}

// NewFitnessEvaluator creates a new evaluator.
func NewFitnessEvaluator(params *ParamVector, ticks uint64, seeds []int64, baseCfg *config.Config) *FitnessEvaluator {
	return &FitnessEvaluator{
		params:      params,
		ticks:       ticks,
		seeds:       seeds,
		baseConfig:  baseCfg,
		bestFitness: math.Inf(1),
	}
}

// BestStats returns the window stats of the best seed of the best evaluation.
func (fe *FitnessEvaluator) BestStats() []telemetry.WindowStats {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.bestStats
}

// LastQuality returns the quality score from the most recent evaluation.
func (fe *FitnessEvaluator) LastQuality() float64 {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.lastQuality
}

type seedResult struct {
	quality float64
	windows []telemetry.WindowStats
}

// Evaluate computes fitness for a raw parameter vector (lower = better).
// Fitness is the negative mean quality over all seeds, so it lies in [-1, 0].
// Parameter sets the simulation rejects score 0.
func (fe *FitnessEvaluator) Evaluate(x []float64) float64 {
	// Run all seeds in parallel
	results := make([]seedResult, len(fe.seeds))
	var wg sync.WaitGroup

	for i, seed := range fe.seeds {
		wg.Add(1)
		go func(idx int, s int64) {
			defer wg.Done()
			windows, err := fe.runSimulation(x, s)
			if err != nil {
				slog.Debug("evaluation rejected", "seed", s, "error", err)
				return
			}
			results[idx] = seedResult{quality: fe.computeQuality(windows), windows: windows}
		}(i, seed)
	}
	wg.Wait()

	var total float64
	best := -1
	for i, r := range results {
		total += r.quality
		if best < 0 || r.quality > results[best].quality {
			best = i
		}
	}
	quality := total / float64(len(fe.seeds))
	fitness := -quality

	fe.mu.Lock()
	if fitness < fe.bestFitness && best >= 0 {
		fe.bestFitness = fitness
		fe.bestStats = results[best].windows
	}
	fe.lastQuality = quality
	fe.mu.Unlock()

	return fitness
}

// runSimulation executes a single headless run and returns its window stats.
func (fe *FitnessEvaluator) runSimulation(x []float64, seed int64) ([]telemetry.WindowStats, error) {
	cfg, err := fe.copyConfig()
	if err != nil {
		return nil, err
	}
	fe.params.ApplyToConfig(cfg, x)

	var windows []telemetry.WindowStats
	s, err := sim.New(cfg, sim.Options{
		Seed:   seed,
		Logger: slog.New(slog.DiscardHandler),
		StatsCallback: func(stats telemetry.WindowStats) {
			windows = append(windows, stats)
		},
	})
	if err != nil {
		return nil, err
	}
	defer s.Close()

	if err := s.Run(context.Background(), fe.ticks); err != nil {
		return nil, err
	}
	return windows, nil
}

// copyConfig creates a deep copy of the base config with registry and
// checkpoint output switched off.
func (fe *FitnessEvaluator) copyConfig() (*config.Config, error) {
	data, err := yaml.Marshal(fe.baseConfig)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.Storage.Kind = "none"
	cfg.Telemetry.CheckpointEvery = 0
	// concurrent seeds already use every core
	cfg.Sim.Workers = 1
	return cfg, nil
}

// Quality component weights.
const (
	qualityWeightConcentration = 0.50
	qualityWeightCoherence     = 0.20
	qualityWeightStability     = 0.30

	qualityWarmupWindows = 2 // skip first N windows (warmup)
)

// computeQuality scores how strongly agents gather into stable trails,
// in [0, 1].
func (fe *FitnessEvaluator) computeQuality(windows []telemetry.WindowStats) float64 {
	if len(windows) <= qualityWarmupWindows {
		return 0
	}
	valid := windows[qualityWarmupWindows:]
	cells := float64(fe.baseConfig.Grid.Width * fe.baseConfig.Grid.Height)

	var concentrationSum, coherenceSum float64
	intensity := make([]float64, 0, len(valid))
	for _, w := range valid {
		if w.Agents == 0 || cells == 0 {
			return 0
		}
		// 1. Concentration: occupied cells relative to the most that could be
		spread := math.Min(1, float64(w.Agents)/cells)
		concentrationSum += clamp01(1 - w.Occupancy/spread)

		// 2. Heading coherence
		coherenceSum += w.HeadingCoherence

		intensity = append(intensity, w.TotalIntensity)
	}
	n := float64(len(valid))

	// 3. Field stability (CV of total intensity across windows)
	stability := 0.0
	if len(intensity) >= 2 {
		mean, std := stat.MeanStdDev(intensity, nil)
		if mean > 0 {
			c := std / mean
			stability = math.Exp(-c * c)
		}
	}

	quality := qualityWeightConcentration*concentrationSum/n +
		qualityWeightCoherence*coherenceSum/n +
		qualityWeightStability*stability

	return clamp01(quality)
}

// clamp01 clamps x to [0, 1].
func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
