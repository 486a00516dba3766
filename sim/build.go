package sim

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pthm-cable/slime/agents"
	"github.com/pthm-cable/slime/config"
	"github.com/pthm-cable/slime/field"
	"github.com/pthm-cable/slime/grid"
	"github.com/pthm-cable/slime/pipeline"
	"github.com/pthm-cable/slime/species"
)

// fieldLayers converts layer config into field layers.
func fieldLayers(cfg *config.Config) []field.Layer {
	out := make([]field.Layer, len(cfg.Layers))
	for i, l := range cfg.Layers {
		out[i] = field.Layer{
			Name:          cfg.Derived.LayerNames[i],
			DiffusionRate: float32(l.DiffusionRate),
			DecayRate:     float32(l.DecayRate),
			Color:         l.Color.NRGBA(),
		}
	}
	return out
}

func hazard(cfg *config.Config) field.Hazard {
	return field.Hazard{
		Enabled: cfg.Hazard.Enabled,
		Layer:   cfg.Hazard.Layer,
		Amount:  float32(cfg.Hazard.Amount),
		Width:   cfg.Hazard.Width,
	}
}

func rules(cfg *config.Config) species.Rules {
	return species.Rules{
		UniversalLove: cfg.Rules.UniversalLove,
		UniversalHate: cfg.Rules.UniversalHate,
		PaintOnly:     cfg.Rules.PaintOnly,
	}
}

// buildSpecies authors every configured species as an entity and freezes
// them into a table. Species ids follow config order.
func buildSpecies(cfg *config.Config) (*species.Table, error) {
	a := species.NewAuthoring()
	for _, s := range cfg.Species {
		def := species.Definition{
			Name:         s.Name,
			MoveSpeed:    float32(s.MoveSpeed),
			TurnSpeed:    float32(s.TurnSpeed),
			SensorAngle:  float32(s.SensorAngleDegrees * math.Pi / 180),
			SensorOffset: float32(s.SensorOffset),
			SensorRadius: s.SensorRadius,
			Color:        s.Color.NRGBA(),
			Follow:       s.Follow,
			Avoid:        s.Avoid,
		}
		if len(s.Weights) > 0 {
			def.Weights = make([]float32, len(s.Weights))
			for i, w := range s.Weights {
				def.Weights[i] = float32(w)
			}
		}
		for _, e := range s.Emit {
			def.Emissions = append(def.Emissions, species.Emission{Layer: e.Layer, Amount: float32(e.Amount)})
		}
		a.Spawn(def)
	}
	return a.Build(len(cfg.Layers), rules(cfg))
}

// spawnAgents places the initial population.
func spawnAgents(cfg *config.Config, g grid.Grid, speciesCount int, rng *rand.Rand) ([]agents.Agent, error) {
	if len(cfg.Population.Groups) == 0 {
		dist, err := agents.ParseDistribution(cfg.Population.Distribution)
		if err != nil {
			return nil, err
		}
		return agents.Spawn(g, dist, cfg.Population.Count, speciesCount, rng)
	}

	groups := make([]agents.Group, len(cfg.Population.Groups))
	for i, gc := range cfg.Population.Groups {
		dist, err := agents.ParseDistribution(gc.Distribution)
		if err != nil {
			return nil, fmt.Errorf("group %d: %w", i, err)
		}
		groups[i] = agents.Group{Species: uint32(gc.Species), Count: gc.Count, Distribution: dist}
	}
	return agents.SpawnGroups(g, groups, rng)
}

func flags(cfg *config.Config) pipeline.Flags {
	return pipeline.Flags{
		ApplyEdits:   cfg.Pipeline.ApplyEdits,
		DiffuseDecay: cfg.Pipeline.DiffuseDecay,
		UpdateAgents: cfg.Pipeline.UpdateAgents,
	}
}
