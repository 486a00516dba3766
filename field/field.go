// Package field implements the multi-layer pheromone field: ping-pong
// storage, brush edits, and the diffusion/decay update.
package field

import (
	"errors"
	"fmt"
	"image/color"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/pthm-cable/slime/grid"
	"github.com/pthm-cable/slime/parallel"
)

var (
	// ErrLayerOutOfRange is returned when a layer index is not part of the field.
	ErrLayerOutOfRange = errors.New("field: layer out of range")
	// ErrInvalidRate is returned for a per-second rate outside [0, 1).
	ErrInvalidRate = errors.New("field: rate must be in [0, 1)")
	// ErrBufferSize is returned when external data does not match the field size.
	ErrBufferSize = errors.New("field: buffer size mismatch")
)

// Layer holds the configuration of one pheromone channel.
type Layer struct {
	Name          string
	DiffusionRate float32 // per second, [0, 1)
	DecayRate     float32 // per second, [0, 1)
	Color         color.NRGBA
}

// Hazard seeds a fixed signal along the grid border on one layer each tick.
type Hazard struct {
	Enabled bool
	Layer   int
	Amount  float32
	Width   int // border thickness in cells (minimum 1)
}

// Field is an ordered set of scalar layers over a grid.
//
// Storage is layer-major: value (l, x, y) lives at l*cells + y*width + x.
// Two named slots hold the evolving state; front selects which one is
// current and flips on Swap. scratch holds the frozen, edited copy the
// diffusion pass reads from.
type Field struct {
	grid   grid.Grid
	cells  int
	layers []Layer

	slots   [2][]float32
	front   int
	scratch []float32

	hazard Hazard
	pool   *parallel.Pool
}

// Option configures a Field.
type Option func(*Field)

// WithPool runs the cell passes on a shared worker pool.
func WithPool(p *parallel.Pool) Option {
	return func(f *Field) { f.pool = p }
}

// WithHazard enables the border hazard source.
func WithHazard(h Hazard) Option {
	return func(f *Field) { f.hazard = h }
}

// New allocates a zeroed field with the given layers.
func New(g grid.Grid, layers []Layer, opts ...Option) (*Field, error) {
	if g.Cells() <= 0 {
		return nil, fmt.Errorf("%w: %s", grid.ErrInvalidSize, g)
	}
	if len(layers) == 0 {
		return nil, errors.New("field: at least one layer is required")
	}
	for i, l := range layers {
		if !validRate(l.DiffusionRate) || !validRate(l.DecayRate) {
			return nil, fmt.Errorf("%w: layer %d (%s) diffusion=%v decay=%v",
				ErrInvalidRate, i, l.Name, l.DiffusionRate, l.DecayRate)
		}
	}

	cells := g.Cells()
	size := cells * len(layers)
	f := &Field{
		grid:    g,
		cells:   cells,
		layers:  append([]Layer(nil), layers...),
		slots:   [2][]float32{make([]float32, size), make([]float32, size)},
		scratch: make([]float32, size),
	}
	for _, opt := range opts {
		opt(f)
	}

	if f.hazard.Enabled {
		if f.hazard.Layer < 0 || f.hazard.Layer >= len(layers) {
			return nil, fmt.Errorf("%w: hazard layer %d", ErrLayerOutOfRange, f.hazard.Layer)
		}
		if f.hazard.Width < 1 {
			f.hazard.Width = 1
		}
	}
	return f, nil
}

// Grid returns the field's grid.
func (f *Field) Grid() grid.Grid { return f.grid }

// LayerCount returns the number of layers.
func (f *Field) LayerCount() int { return len(f.layers) }

// Layers returns a copy of the layer configuration.
func (f *Field) Layers() []Layer { return append([]Layer(nil), f.layers...) }

// Len returns the total number of scalars across all layers.
func (f *Field) Len() int { return len(f.scratch) }

// current returns the slot holding the committed state.
func (f *Field) current() []float32 { return f.slots[f.front] }

// next returns the slot being written this tick.
func (f *Field) next() []float32 { return f.slots[1-f.front] }

// Front returns which named slot (0 or 1) currently holds the committed state.
func (f *Field) Front() int { return f.front }

// Sample returns the committed value of (layer, x, y). It never observes
// writes made by the tick in progress. The cell must be in range.
func (f *Field) Sample(layer, x, y int) float32 {
	return f.slots[f.front][layer*f.cells+y*f.grid.Width+x]
}

// Layer returns a read-only view of one committed layer.
func (f *Field) Layer(layer int) []float32 {
	base := layer * f.cells
	return f.current()[base : base+f.cells : base+f.cells]
}

// Total returns the summed intensity of one committed layer.
func (f *Field) Total(layer int) float32 {
	return blas32.Asum(vector(f.Layer(layer)))
}

// TotalAll returns the summed intensity of every committed layer.
func (f *Field) TotalAll() float32 {
	return blas32.Asum(vector(f.current()))
}

// Set writes a committed value. Only valid between ticks.
func (f *Field) Set(layer, x, y int, v float32) error {
	if layer < 0 || layer >= len(f.layers) {
		return fmt.Errorf("%w: %d", ErrLayerOutOfRange, layer)
	}
	if !f.grid.Contains(x, y) {
		return fmt.Errorf("field: cell (%d,%d) outside %s", x, y, f.grid)
	}
	f.current()[layer*f.cells+f.grid.Index(x, y)] = v
	return nil
}

// CopyCurrent returns a copy of the committed state of every layer.
func (f *Field) CopyCurrent() []float32 {
	return append([]float32(nil), f.current()...)
}

// Restore replaces the committed state. Only valid between ticks.
func (f *Field) Restore(data []float32) error {
	if len(data) != len(f.scratch) {
		return fmt.Errorf("%w: got %d values, want %d", ErrBufferSize, len(data), len(f.scratch))
	}
	copy(f.current(), data)
	return nil
}

// SetRates retunes a layer's per-second rates. Only valid between ticks.
func (f *Field) SetRates(layer int, diffusion, decay float32) error {
	if layer < 0 || layer >= len(f.layers) {
		return fmt.Errorf("%w: %d", ErrLayerOutOfRange, layer)
	}
	if !validRate(diffusion) || !validRate(decay) {
		return fmt.Errorf("%w: diffusion=%v decay=%v", ErrInvalidRate, diffusion, decay)
	}
	f.layers[layer].DiffusionRate = diffusion
	f.layers[layer].DecayRate = decay
	return nil
}

// Merge adds a deposit accumulator into the next buffer, on top of the
// diffusion/decay result of this tick.
func (f *Field) Merge(acc []float32) error {
	if len(acc) != len(f.scratch) {
		return fmt.Errorf("%w: accumulator has %d values, want %d", ErrBufferSize, len(acc), len(f.scratch))
	}
	blas32.Axpy(1, vector(acc), vector(f.next()))
	return nil
}

// Swap flips the current/next roles of the two slots.
func (f *Field) Swap() {
	f.front = 1 - f.front
}

func vector(data []float32) blas32.Vector {
	return blas32.Vector{N: len(data), Inc: 1, Data: data}
}
