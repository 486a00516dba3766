// Package config provides configuration loading and access for the simulation.
package config

import (
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"image/color"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pthm-cable/slime/grid"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// ErrInvalid wraps every problem found by Validate.
var ErrInvalid = errors.New("config: invalid")

// Config holds all simulation configuration parameters.
type Config struct {
	Screen     ScreenConfig     `yaml:"screen"`
	Grid       GridConfig       `yaml:"grid"`
	Sim        SimConfig        `yaml:"sim"`
	Layers     []LayerConfig    `yaml:"layers"`
	Rules      RulesConfig      `yaml:"rules"`
	Hazard     HazardConfig     `yaml:"hazard"`
	Species    []SpeciesConfig  `yaml:"species"`
	Population PopulationConfig `yaml:"population"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Brush      BrushConfig      `yaml:"brush"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Storage    StorageConfig    `yaml:"storage"`
	Logging    LoggingConfig    `yaml:"logging"`

	// Derived values computed after loading
	Derived DerivedConfig `yaml:"-"`
}

// ScreenConfig holds display settings.
type ScreenConfig struct {
	Width     int `yaml:"width"`
	Height    int `yaml:"height"`
	TargetFPS int `yaml:"target_fps"`
}

// GridConfig holds the simulation lattice.
type GridConfig struct {
	Width    int           `yaml:"width"`
	Height   int           `yaml:"height"`
	Boundary grid.Boundary `yaml:"boundary"`
}

// SimConfig holds stepping parameters.
type SimConfig struct {
	DT                float64 `yaml:"dt"`                 // seconds per headless tick
	Seed              int64   `yaml:"seed"`               // spawn RNG seed (0 = time based)
	Workers           int     `yaml:"workers"`            // 0 = GOMAXPROCS
	ParallelThreshold int     `yaml:"parallel_threshold"` // below this many items work runs inline
}

// LayerConfig describes one pheromone layer.
type LayerConfig struct {
	Name          string  `yaml:"name"`
	DiffusionRate float64 `yaml:"diffusion_rate"` // per second, [0, 1)
	DecayRate     float64 `yaml:"decay_rate"`     // per second, [0, 1)
	Color         Color   `yaml:"color"`
}

// RulesConfig holds the layer rules shared by every species.
type RulesConfig struct {
	UniversalLove []int `yaml:"universal_love"`
	UniversalHate []int `yaml:"universal_hate"`
	PaintOnly     []int `yaml:"paint_only"`
}

// HazardConfig seeds a border signal on one layer.
type HazardConfig struct {
	Enabled bool    `yaml:"enabled"`
	Layer   int     `yaml:"layer"`
	Amount  float64 `yaml:"amount"`
	Width   int     `yaml:"width"`
}

// SpeciesConfig describes one species.
type SpeciesConfig struct {
	Name               string       `yaml:"name"`
	Color              Color        `yaml:"color"`
	MoveSpeed          float64      `yaml:"move_speed"`           // cells per second
	TurnSpeed          float64      `yaml:"turn_speed"`           // radians per second
	SensorAngleDegrees float64      `yaml:"sensor_angle_degrees"` // side sensor offset from heading
	SensorOffset       float64      `yaml:"sensor_offset"`        // distance in cells
	SensorRadius       int          `yaml:"sensor_radius"`        // window is (2r+1)^2
	Follow             []int        `yaml:"follow"`
	Avoid              []int        `yaml:"avoid"`
	Weights            []float64    `yaml:"weights"` // overrides follow/avoid when set
	Emit               []EmitConfig `yaml:"emit"`
}

// EmitConfig is one emission of a species.
type EmitConfig struct {
	Layer  int     `yaml:"layer"`
	Amount float64 `yaml:"amount"` // per second
}

// PopulationConfig holds the initial agent population. When Groups is
// non-empty it replaces Count and Distribution.
type PopulationConfig struct {
	Count        int           `yaml:"count"`
	Distribution string        `yaml:"distribution"` // disc, uniform, center
	Groups       []GroupConfig `yaml:"groups"`
}

// GroupConfig spawns count agents of one species.
type GroupConfig struct {
	Species      int    `yaml:"species"`
	Count        int    `yaml:"count"`
	Distribution string `yaml:"distribution"`
}

// PipelineConfig toggles optional tick passes.
type PipelineConfig struct {
	ApplyEdits   bool `yaml:"apply_edits"`
	DiffuseDecay bool `yaml:"diffuse_decay"`
	UpdateAgents bool `yaml:"update_agents"`
}

// BrushConfig holds pointer brush defaults.
type BrushConfig struct {
	Layer     int     `yaml:"layer"`
	Radius    float64 `yaml:"radius"`
	MinRadius float64 `yaml:"min_radius"`
	MaxRadius float64 `yaml:"max_radius"`
}

// TelemetryConfig holds telemetry parameters.
type TelemetryConfig struct {
	StatsWindowTicks    int  `yaml:"stats_window_ticks"`
	BookmarkHistorySize int  `yaml:"bookmark_history_size"`
	PerfCollectorWindow int  `yaml:"perf_collector_window"`
	CheckpointEvery     int  `yaml:"checkpoint_every"` // ticks, 0 = off
	LogStats            bool `yaml:"log_stats"`
}

// StorageConfig selects the run registry backend.
type StorageConfig struct {
	Kind string `yaml:"kind"` // none, memory, sqlite
	Path string `yaml:"path"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// DerivedConfig holds computed values derived from the loaded config.
type DerivedConfig struct {
	DT32       float32  // Sim.DT as float32
	LayerNames []string // Layers[i].Name, index aligned
}

// global holds the loaded configuration.
var global *Config

// Init loads configuration from the given path, or uses embedded defaults if path is empty.
// Must be called before Cfg().
func Init(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	global = cfg
	return nil
}

// MustInit is like Init but panics on error.
func MustInit(path string) {
	if err := Init(path); err != nil {
		panic(fmt.Sprintf("config: failed to initialize: %v", err))
	}
}

// Cfg returns the global configuration. Panics if Init was not called.
func Cfg() *Config {
	if global == nil {
		panic("config: Cfg() called before Init()")
	}
	return global
}

// Default returns the embedded defaults.
func Default() (*Config, error) {
	return Load("")
}

// Load loads configuration from a YAML file, merging with embedded defaults.
// If path is empty, only embedded defaults are used. Lists in the user file
// (layers, species, groups) replace the default lists as a whole.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}
	return Parse(data)
}

// Parse merges YAML data over the embedded defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	// Start with embedded defaults
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}

	if len(data) > 0 {
		// Unmarshal into same struct - only overwrites fields present in file
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Compute derived values
	cfg.computeDerived()

	return cfg, nil
}

// computeDerived calculates values derived from loaded config.
func (c *Config) computeDerived() {
	c.Derived.DT32 = float32(c.Sim.DT)

	c.Derived.LayerNames = make([]string, len(c.Layers))
	for i, l := range c.Layers {
		name := l.Name
		if name == "" {
			name = fmt.Sprintf("layer%d", i)
		}
		c.Derived.LayerNames[i] = name
	}
}

// Validate performs every check that can be made before a run starts.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Grid.Width <= 0 || c.Grid.Height <= 0 {
		add("grid: size %dx%d must be positive", c.Grid.Width, c.Grid.Height)
	}
	if c.Grid.Boundary != grid.Reflect && c.Grid.Boundary != grid.Wrap {
		add("grid: unknown boundary %v", c.Grid.Boundary)
	}
	if !finite(c.Sim.DT) || c.Sim.DT < 0 {
		add("sim: dt %v must be finite and non-negative", c.Sim.DT)
	}
	if c.Sim.Workers < 0 {
		add("sim: workers %d must not be negative", c.Sim.Workers)
	}

	n := len(c.Layers)
	if n == 0 {
		add("layers: at least one layer is required")
	}
	for i, l := range c.Layers {
		if !rate(l.DiffusionRate) {
			add("layers[%d]: diffusion_rate %v must be in [0, 1)", i, l.DiffusionRate)
		}
		if !rate(l.DecayRate) {
			add("layers[%d]: decay_rate %v must be in [0, 1)", i, l.DecayRate)
		}
	}
	inRange := func(l int) bool { return l >= 0 && l < n }

	for name, list := range map[string][]int{
		"universal_love": c.Rules.UniversalLove,
		"universal_hate": c.Rules.UniversalHate,
		"paint_only":     c.Rules.PaintOnly,
	} {
		for _, l := range list {
			if !inRange(l) {
				add("rules: %s layer %d out of range", name, l)
			}
		}
	}
	reserved := make(map[int]bool)
	for _, list := range [][]int{c.Rules.UniversalLove, c.Rules.UniversalHate, c.Rules.PaintOnly} {
		for _, l := range list {
			reserved[l] = true
		}
	}

	if c.Hazard.Enabled {
		if !inRange(c.Hazard.Layer) {
			add("hazard: layer %d out of range", c.Hazard.Layer)
		}
		if !finite(c.Hazard.Amount) || c.Hazard.Amount < 0 {
			add("hazard: amount %v must be finite and non-negative", c.Hazard.Amount)
		}
	}

	for i, s := range c.Species {
		for _, v := range []struct {
			name  string
			value float64
		}{
			{"move_speed", s.MoveSpeed},
			{"turn_speed", s.TurnSpeed},
			{"sensor_offset", s.SensorOffset},
		} {
			if !finite(v.value) || v.value < 0 {
				add("species[%d]: %s %v must be finite and non-negative", i, v.name, v.value)
			}
		}
		if !finite(s.SensorAngleDegrees) {
			add("species[%d]: sensor_angle_degrees must be finite", i)
		}
		if s.SensorRadius < 0 {
			add("species[%d]: sensor_radius %d must not be negative", i, s.SensorRadius)
		}
		for _, l := range append(append([]int(nil), s.Follow...), s.Avoid...) {
			if !inRange(l) {
				add("species[%d]: follow/avoid layer %d out of range", i, l)
			}
		}
		if len(s.Weights) > n {
			add("species[%d]: %d weights for %d layers", i, len(s.Weights), n)
		}
		for j, w := range s.Weights {
			if !finite(w) {
				add("species[%d]: weight %d is not finite", i, j)
			}
		}
		for _, e := range s.Emit {
			switch {
			case !inRange(e.Layer):
				add("species[%d]: emit layer %d out of range", i, e.Layer)
			case reserved[e.Layer]:
				add("species[%d]: emit layer %d is reserved by the layer rules", i, e.Layer)
			}
			if !finite(e.Amount) || e.Amount < 0 {
				add("species[%d]: emit amount %v must be finite and non-negative", i, e.Amount)
			}
		}
	}

	if c.Population.Count < 0 {
		add("population: count %d must not be negative", c.Population.Count)
	}
	if !distribution(c.Population.Distribution) {
		add("population: unknown distribution %q", c.Population.Distribution)
	}
	requested := c.Population.Count > 0
	for i, g := range c.Population.Groups {
		if g.Species < 0 || g.Species >= len(c.Species) {
			add("population: groups[%d] species %d out of range", i, g.Species)
		}
		if g.Count < 0 {
			add("population: groups[%d] count %d must not be negative", i, g.Count)
		}
		if !distribution(g.Distribution) {
			add("population: groups[%d] unknown distribution %q", i, g.Distribution)
		}
		requested = requested || g.Count > 0
	}
	if requested && len(c.Species) == 0 {
		add("population: agents requested but no species defined")
	}

	if !inRange(c.Brush.Layer) {
		add("brush: layer %d out of range", c.Brush.Layer)
	}
	if !finite(c.Brush.Radius) || c.Brush.Radius <= 0 {
		add("brush: radius %v must be positive", c.Brush.Radius)
	}
	if c.Brush.MinRadius > c.Brush.MaxRadius {
		add("brush: min_radius %v exceeds max_radius %v", c.Brush.MinRadius, c.Brush.MaxRadius)
	}

	if c.Telemetry.StatsWindowTicks < 0 || c.Telemetry.CheckpointEvery < 0 {
		add("telemetry: window and checkpoint intervals must not be negative")
	}

	switch strings.ToLower(c.Storage.Kind) {
	case "", "none", "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			add("storage: sqlite requires a path")
		}
	default:
		add("storage: unknown kind %q", c.Storage.Kind)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		add("logging: unknown format %q", c.Logging.Format)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func rate(v float64) bool { return finite(v) && v >= 0 && v < 1 }

func distribution(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "disc", "uniform", "center":
		return true
	}
	return false
}

// Color is an RGBA colour written as "#rrggbb" or "#rrggbbaa".
type Color color.NRGBA

// NRGBA returns the colour as a standard library value.
func (c Color) NRGBA() color.NRGBA { return color.NRGBA(c) }

// String formats the colour as a hex string.
func (c Color) String() string {
	if c.A == 0xff {
		return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
	}
	return fmt.Sprintf("#%02x%02x%02x%02x", c.R, c.G, c.B, c.A)
}

// ParseColor parses "#rrggbb" or "#rrggbbaa" (the leading # is optional).
func ParseColor(s string) (Color, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "#"))
	if err != nil || (len(b) != 3 && len(b) != 4) {
		return Color{}, fmt.Errorf("bad colour %q: want #rrggbb or #rrggbbaa", s)
	}
	c := Color{R: b[0], G: b[1], B: b[2], A: 0xff}
	if len(b) == 4 {
		c.A = b[3]
	}
	return c, nil
}

// MarshalYAML implements yaml.Marshaler.
func (c Color) MarshalYAML() (interface{}, error) {
	return c.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *Color) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseColor(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
