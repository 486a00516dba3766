// Package pipeline runs the fixed per-tick pass order over the field and
// the agent population.
package pipeline

import (
	"errors"
	"fmt"
	"math"

	"github.com/pthm-cable/slime/agents"
	"github.com/pthm-cable/slime/field"
	"github.com/pthm-cable/slime/species"
	"github.com/pthm-cable/slime/tick"
)

var (
	// ErrInvalidDelta is returned for a negative or non-finite tick length.
	ErrInvalidDelta = errors.New("pipeline: delta time must be finite and >= 0")
	// ErrInvariant is returned when simulation state is corrupt.
	ErrInvariant = errors.New("pipeline: invariant violated")
)

// Stage is one pass of a tick.
type Stage uint8

const (
	StageIdle Stage = iota // before the first tick
	StageCopy
	StageApplyEdits
	StageDiffuseDecay
	StageAgentUpdate
	StageMergeDeposits
	StageSwapBuffers
)

var stageNames = [...]string{
	StageIdle:          "idle",
	StageCopy:          "copy",
	StageApplyEdits:    "apply_edits",
	StageDiffuseDecay:  "diffuse_decay",
	StageAgentUpdate:   "agent_update",
	StageMergeDeposits: "merge_deposits",
	StageSwapBuffers:   "swap_buffers",
}

// String implements fmt.Stringer.
func (s Stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", uint8(s))
}

// Stages returns the passes of one tick in execution order.
func Stages() []Stage {
	return []Stage{StageCopy, StageApplyEdits, StageDiffuseDecay, StageAgentUpdate, StageMergeDeposits, StageSwapBuffers}
}

// Flags switch optional passes off. A skipped pass still commits its
// stage: disabled diffusion copies the edited snapshot through unchanged,
// disabled agents deposit nothing.
type Flags struct {
	ApplyEdits   bool `yaml:"apply_edits"`
	DiffuseDecay bool `yaml:"diffuse_decay"`
	UpdateAgents bool `yaml:"update_agents"`
}

// AllStages enables every pass.
var AllStages = Flags{ApplyEdits: true, DiffuseDecay: true, UpdateAgents: true}

// Input is everything a tick consumes from outside.
type Input struct {
	DT    float32
	Frame uint32
	Edits []field.BrushEdit
}

// PhaseTimer receives stage boundaries. telemetry.PerfCollector satisfies it.
type PhaseTimer interface {
	StartTick()
	StartPhase(phase string)
	EndTick()
}

// Pipeline owns the tick order and the deposit accumulator.
type Pipeline struct {
	field *field.Field
	pop   *agents.Population
	table *species.Table

	flags Flags
	timer PhaseTimer
	hook  func(Stage)

	acc   []float32
	stage Stage
	ticks uint64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithFlags sets which optional passes run.
func WithFlags(f Flags) Option {
	return func(p *Pipeline) { p.flags = f }
}

// WithTimer reports stage boundaries to t.
func WithTimer(t PhaseTimer) Option {
	return func(p *Pipeline) { p.timer = t }
}

// WithStageHook calls fn as each stage begins.
func WithStageHook(fn func(Stage)) Option {
	return func(p *Pipeline) { p.hook = fn }
}

// New wires a pipeline. The field and the species table must agree on the
// layer count.
func New(f *field.Field, pop *agents.Population, table *species.Table, opts ...Option) (*Pipeline, error) {
	if f.LayerCount() != table.LayerCount() {
		return nil, fmt.Errorf("pipeline: field has %d layers, species table %d", f.LayerCount(), table.LayerCount())
	}
	p := &Pipeline{
		field: f,
		pop:   pop,
		table: table,
		flags: AllStages,
		acc:   make([]float32, f.Len()),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Field returns the pheromone field.
func (p *Pipeline) Field() *field.Field { return p.field }

// Population returns the agents.
func (p *Pipeline) Population() *agents.Population { return p.pop }

// Table returns the species table.
func (p *Pipeline) Table() *species.Table { return p.table }

// Flags returns the active pass switches.
func (p *Pipeline) Flags() Flags { return p.flags }

// SetFlags changes the pass switches. Only valid between ticks.
func (p *Pipeline) SetFlags(f Flags) { p.flags = f }

// Stage returns the last committed stage.
func (p *Pipeline) Stage() Stage { return p.stage }

// Ticks returns the number of completed ticks.
func (p *Pipeline) Ticks() uint64 { return p.ticks }

// SetTicks resets the completed tick count, for resuming from a checkpoint.
func (p *Pipeline) SetTicks(n uint64) { p.ticks = n }

// Validate checks the inputs and state of a tick without running it.
func (p *Pipeline) Validate(in Input) error {
	if math.IsNaN(float64(in.DT)) || math.IsInf(float64(in.DT), 0) || in.DT < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidDelta, in.DT)
	}
	if err := p.field.ValidateEdits(in.Edits); err != nil {
		return err
	}
	if err := p.pop.Validate(p.table); err != nil {
		return fmt.Errorf("%w: %w", ErrInvariant, err)
	}
	return nil
}

// Step runs one tick. All checks happen before the first pass, so a
// rejected tick leaves the committed field and agents untouched.
func (p *Pipeline) Step(in Input) error {
	if err := p.Validate(in); err != nil {
		return err
	}
	tc := tick.Context{DT: in.DT, Frame: in.Frame}

	if p.timer != nil {
		p.timer.StartTick()
		defer p.timer.EndTick()
	}

	p.enter(StageCopy)
	p.field.Snapshot()

	p.enter(StageApplyEdits)
	if p.flags.ApplyEdits {
		if err := p.field.ApplyEdits(in.Edits); err != nil {
			return err
		}
	}

	p.enter(StageDiffuseDecay)
	if p.flags.DiffuseDecay {
		p.field.DiffuseDecay(tc)
	} else {
		p.field.CopyThrough()
	}

	p.enter(StageAgentUpdate)
	if p.flags.UpdateAgents {
		if err := p.pop.Update(tc, p.field, p.table); err != nil {
			return fmt.Errorf("%w: %w", ErrInvariant, err)
		}
	} else {
		p.pop.ClearIntents()
	}

	p.enter(StageMergeDeposits)
	if err := p.pop.Accumulate(p.acc, p.table, tc.DT); err != nil {
		return err
	}
	if err := p.field.Merge(p.acc); err != nil {
		return err
	}

	p.enter(StageSwapBuffers)
	p.field.Swap()
	p.ticks++
	return nil
}

func (p *Pipeline) enter(s Stage) {
	if p.timer != nil {
		p.timer.StartPhase(s.String())
	}
	if p.hook != nil {
		p.hook(s)
	}
	p.stage = s
}
