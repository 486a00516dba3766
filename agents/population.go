// Package agents implements the fixed-size agent population: sensing,
// steering, movement, boundary resolution and deposit intents.
package agents

import (
	"fmt"
	"math"

	"github.com/pthm-cable/slime/grid"
	"github.com/pthm-cable/slime/parallel"
	"github.com/pthm-cable/slime/species"
	"github.com/pthm-cable/slime/tick"
)

// Agent is one mover. Heading is in radians, normalised to [-pi, pi].
type Agent struct {
	X, Y    float32
	Heading float32
	Species uint32
}

// Sampler is the read-only field view agents sense. Implementations must
// return the committed state of the previous tick.
type Sampler interface {
	Sample(layer, x, y int) float32
	LayerCount() int
}

// intent records where an agent deposits this tick.
type intent struct {
	cell    int // -1 when there is nothing to deposit
	species uint32
}

// Population owns the agent array. Each update writes only the agent's own
// slot and its own deposit intent, so slots can be processed in any order.
type Population struct {
	grid    grid.Grid
	agents  []Agent
	intents []intent
	pool    *parallel.Pool
}

// Option configures a Population.
type Option func(*Population)

// WithPool runs agent updates on a shared worker pool.
func WithPool(p *parallel.Pool) Option {
	return func(pop *Population) { pop.pool = p }
}

// New takes ownership of a copy of the initial agents.
func New(g grid.Grid, initial []Agent, opts ...Option) *Population {
	p := &Population{
		grid:    g,
		agents:  append([]Agent(nil), initial...),
		intents: make([]intent, len(initial)),
	}
	for i := range p.intents {
		p.intents[i].cell = -1
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Len returns the population size.
func (p *Population) Len() int { return len(p.agents) }

// Agents returns the committed agent array. Callers must not modify it.
func (p *Population) Agents() []Agent { return p.agents }

// Snapshot returns a copy of the agent array.
func (p *Population) Snapshot() []Agent { return append([]Agent(nil), p.agents...) }

// Restore replaces every agent. The population size is fixed for a run.
func (p *Population) Restore(agents []Agent) error {
	if len(agents) != len(p.agents) {
		return fmt.Errorf("agents: restore with %d agents, population has %d", len(agents), len(p.agents))
	}
	copy(p.agents, agents)
	for i := range p.intents {
		p.intents[i].cell = -1
	}
	return nil
}

// Validate checks that every agent refers to a species in the table.
func (p *Population) Validate(table *species.Table) error {
	for i := range p.agents {
		if !table.Has(p.agents[i].Species) {
			return fmt.Errorf("%w: agent %d has species %d (table has %d)",
				species.ErrUnknownSpecies, i, p.agents[i].Species, table.Len())
		}
	}
	return nil
}

// Update advances every agent by one tick: sense src, steer, move, resolve
// the boundary and record a deposit intent at the new cell. The species
// invariant is checked before any agent is touched.
func (p *Population) Update(tc tick.Context, src Sampler, table *species.Table) error {
	if err := p.Validate(table); err != nil {
		return err
	}
	if src.LayerCount() != table.LayerCount() {
		return fmt.Errorf("agents: field has %d layers, species table %d", src.LayerCount(), table.LayerCount())
	}

	p.pool.Run(len(p.agents), func(start, end int) {
		for i := start; i < end; i++ {
			a := p.agents[i]
			s := table.Get(a.Species)
			a = p.step(a, s, src, tc)
			p.agents[i] = a

			in := intent{cell: -1, species: a.Species}
			if len(s.Emissions) > 0 {
				cx, cy := p.grid.CellOf(a.X, a.Y)
				in.cell = p.grid.Index(cx, cy)
			}
			p.intents[i] = in
		}
	})
	return nil
}

// Accumulate resets acc and adds emission*dt for every recorded intent.
// acc is layer-major with the same layout as the field. Intents are
// reduced in slot order, so the sum is identical however the update pass
// was scheduled.
func (p *Population) Accumulate(acc []float32, table *species.Table, dt float32) error {
	cells := p.grid.Cells()
	if len(acc) != cells*table.LayerCount() {
		return fmt.Errorf("agents: accumulator has %d values, want %d", len(acc), cells*table.LayerCount())
	}
	clear(acc)
	if dt <= 0 {
		return nil
	}
	for _, in := range p.intents {
		if in.cell < 0 {
			continue
		}
		for _, e := range table.Get(in.species).Emissions {
			acc[e.Layer*cells+in.cell] += e.Amount * dt
		}
	}
	return nil
}

// ClearIntents drops the recorded deposits, used when the update stage is
// skipped.
func (p *Population) ClearIntents() {
	for i := range p.intents {
		p.intents[i].cell = -1
	}
}

// step is the per-agent update. It reads only a, s and src.
func (p *Population) step(a Agent, s *species.Species, src Sampler, tc tick.Context) Agent {
	rnd := Random(a.X, a.Y, tc.Frame)

	forward := p.sense(a, s, 0, src)
	left := p.sense(a, s, s.SensorAngle, src)
	right := p.sense(a, s, -s.SensorAngle, src)

	turn := s.TurnSpeed * tc.DT
	switch {
	case forward > left && forward > right:
		// keep heading
	case forward < left && forward < right:
		a.Heading += (rnd - 0.5) * 2 * turn
	case right > left:
		a.Heading -= rnd * turn
	case left > right:
		a.Heading += rnd * turn
	}
	a.Heading = normalizeAngle(a.Heading)

	dist := s.MoveSpeed * tc.DT
	if dist > 0 {
		sin, cos := math.Sincos(float64(a.Heading))
		a.X += float32(cos) * dist
		a.Y += float32(sin) * dist
	}
	return p.resolve(a)
}

// sense returns the weighted signal of the window around the probe at
// angle offset from the heading.
func (p *Population) sense(a Agent, s *species.Species, offset float32, src Sampler) float32 {
	sin, cos := math.Sincos(float64(a.Heading + offset))
	px := a.X + float32(cos)*s.SensorOffset
	py := a.Y + float32(sin)*s.SensorOffset

	r := s.SensorRadius
	var sum float32
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			cx, cy := p.grid.CellOf(px+float32(dx), py+float32(dy))
			for l, w := range s.Weights {
				if w == 0 {
					continue
				}
				sum += src.Sample(l, cx, cy) * w
			}
		}
	}
	return sum
}

// resolve applies the run's boundary policy so the agent ends inside
// [0,width) x [0,height).
func (p *Population) resolve(a Agent) Agent {
	w, h := p.grid.W32(), p.grid.H32()
	switch p.grid.Boundary {
	case grid.Wrap:
		a.X = wrapAxis(a.X, w)
		a.Y = wrapAxis(a.Y, h)
	default:
		if a.X < 0 || a.X >= w || a.X != a.X {
			a.Heading = normalizeAngle(math.Pi - a.Heading)
			a.X = holdAxis(a.X, w)
		}
		if a.Y < 0 || a.Y >= h || a.Y != a.Y {
			a.Heading = normalizeAngle(-a.Heading)
			a.Y = holdAxis(a.Y, h)
		}
	}
	return a
}

// wrapAxis maps v >= size to 0 and v < 0 to just below size.
func wrapAxis(v, size float32) float32 {
	switch {
	case v >= size:
		return 0
	case v < 0:
		return math.Nextafter32(size, 0)
	case v != v:
		return 0
	}
	return v
}

// holdAxis keeps a reflected coordinate at the bound it crossed.
func holdAxis(v, size float32) float32 {
	if v >= size {
		return math.Nextafter32(size, 0)
	}
	return 0
}

// normalizeAngle wraps a to [-pi, pi].
func normalizeAngle(a float32) float32 {
	if a > math.Pi || a < -math.Pi {
		a = float32(math.Remainder(float64(a), 2*math.Pi))
	}
	if a != a {
		return 0
	}
	return a
}
