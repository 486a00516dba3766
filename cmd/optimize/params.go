package main

import (
	"github.com/pthm-cable/slime/config"
)

// ParamSpec defines a single optimizable parameter.
type ParamSpec struct {
	Name    string  // Human-readable name
	Path    string  // Config path for logging
	Min     float64 // Lower bound
	Max     float64 // Upper bound
	Default float64 // Default value
}

// ParamVector holds the set of all optimizable parameters.
type ParamVector struct {
	Specs []ParamSpec
}

// NewParamVector creates the standard set of optimizable parameters. Species
// parameters are shared by every species; trail rates apply to every layer a
// species emits into.
func NewParamVector() *ParamVector {
	return &ParamVector{
		Specs: []ParamSpec{
			// Motion
			{Name: "move_speed", Path: "species[*].move_speed", Min: 5, Max: 80, Default: 30},
			{Name: "turn_speed", Path: "species[*].turn_speed", Min: 0.5, Max: 15, Default: 6},
			// Sensing
			{Name: "sensor_angle", Path: "species[*].sensor_angle_degrees", Min: 5, Max: 90, Default: 30},
			{Name: "sensor_offset", Path: "species[*].sensor_offset", Min: 2, Max: 50, Default: 35},
			// Trails
			{Name: "emit_amount", Path: "species[*].emit[*].amount", Min: 0.1, Max: 5, Default: 1},
			{Name: "trail_diffusion", Path: "layers[emitted].diffusion_rate", Min: 0, Max: 0.95, Default: 0.6},
			{Name: "trail_decay", Path: "layers[emitted].decay_rate", Min: 0.05, Max: 0.98, Default: 0.85},
		},
	}
}

// Dim returns the number of parameters.
func (pv *ParamVector) Dim() int {
	return len(pv.Specs)
}

// DefaultVector returns the default parameter values as a slice.
func (pv *ParamVector) DefaultVector() []float64 {
	v := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		v[i] = spec.Default
	}
	return v
}

// Normalize converts raw parameter values to [0,1] range.
func (pv *ParamVector) Normalize(raw []float64) []float64 {
	normalized := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		normalized[i] = (raw[i] - spec.Min) / (spec.Max - spec.Min)
	}
	return normalized
}

// Denormalize converts [0,1] values back to raw parameter values.
func (pv *ParamVector) Denormalize(normalized []float64) []float64 {
	raw := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		raw[i] = spec.Min + normalized[i]*(spec.Max-spec.Min)
	}
	return raw
}

// Clamp ensures all values are within bounds.
func (pv *ParamVector) Clamp(v []float64) []float64 {
	clamped := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		clamped[i] = min(max(v[i], spec.Min), spec.Max)
	}
	return clamped
}

// ApplyToConfig applies parameter values to a Config struct.
// Order must match Specs order.
func (pv *ParamVector) ApplyToConfig(cfg *config.Config, values []float64) {
	c := pv.Clamp(values)

	for i := range cfg.Species {
		sp := &cfg.Species[i]
		sp.MoveSpeed = c[0]
		sp.TurnSpeed = c[1]
		sp.SensorAngleDegrees = c[2]
		sp.SensorOffset = c[3]
		for j := range sp.Emit {
			sp.Emit[j].Amount = c[4]
		}
	}
	for _, l := range emittedLayers(cfg) {
		cfg.Layers[l].DiffusionRate = c[5]
		cfg.Layers[l].DecayRate = c[6]
	}
}

// ExtractFromConfig reads current parameter values from a Config struct,
// taking the first species and first emitted layer as representative.
// Values the config does not define fall back to the defaults.
func (pv *ParamVector) ExtractFromConfig(cfg *config.Config) []float64 {
	v := pv.DefaultVector()
	if len(cfg.Species) > 0 {
		sp := cfg.Species[0]
		v[0], v[1], v[2], v[3] = sp.MoveSpeed, sp.TurnSpeed, sp.SensorAngleDegrees, sp.SensorOffset
		if len(sp.Emit) > 0 {
			v[4] = sp.Emit[0].Amount
		}
	}
	if layers := emittedLayers(cfg); len(layers) > 0 {
		v[5] = cfg.Layers[layers[0]].DiffusionRate
		v[6] = cfg.Layers[layers[0]].DecayRate
	}
	return pv.Clamp(v)
}

// emittedLayers returns the distinct layers any species emits into, in
// first-seen order.
func emittedLayers(cfg *config.Config) []int {
	seen := make(map[int]bool)
	var out []int
	for _, sp := range cfg.Species {
		for _, e := range sp.Emit {
			if e.Layer >= 0 && e.Layer < len(cfg.Layers) && !seen[e.Layer] {
				seen[e.Layer] = true
				out = append(out, e.Layer)
			}
		}
	}
	return out
}
