package field

import (
	"github.com/pthm-cable/slime/tick"
)

// Snapshot copies the committed state into the scratch buffer, the frozen
// read source for the rest of the tick.
func (f *Field) Snapshot() {
	copy(f.scratch, f.current())
}

// CopyThrough writes scratch into next unchanged. Used when diffusion is
// disabled so edits still reach the next state.
func (f *Field) CopyThrough() {
	copy(f.next(), f.scratch)
}

// DiffuseDecay computes next from scratch: a 5-point blur blended in by the
// per-tick diffusion factor, then scaled by the decay remainder. Edge
// neighbours clamp to the nearest interior cell. Rows are independent, so the
// pass is split across the worker pool.
func (f *Field) DiffuseDecay(tc tick.Context) {
	nl := len(f.layers)
	diff := make([]float32, nl)
	keep := make([]float32, nl)
	for l, layer := range f.layers {
		diff[l] = PerFrameFactor(layer.DiffusionRate, tc.DT)
		keep[l] = 1 - PerFrameFactor(layer.DecayRate, tc.DT)
	}

	h := f.grid.Height
	f.pool.Run(nl*h, func(start, end int) {
		for r := start; r < end; r++ {
			l := r / h
			f.diffuseRow(l, r%h, diff[l], keep[l])
		}
	})

	if f.hazard.Enabled {
		f.seedHazard()
	}
}

// diffuseRow updates one row of one layer.
func (f *Field) diffuseRow(l, y int, diff, keep float32) {
	w, h := f.grid.Width, f.grid.Height
	base := l * f.cells
	src := f.scratch[base : base+f.cells]
	dst := f.next()[base : base+f.cells]

	yN := y - 1
	if yN < 0 {
		yN = 0
	}
	yS := y + 1
	if yS >= h {
		yS = h - 1
	}

	row := y * w
	rowN := yN * w
	rowS := yS * w
	for x := 0; x < w; x++ {
		xW := x - 1
		if xW < 0 {
			xW = 0
		}
		xE := x + 1
		if xE >= w {
			xE = w - 1
		}

		c := src[row+x]
		blurred := (4*c + src[row+xW] + src[row+xE] + src[rowN+x] + src[rowS+x]) / 8
		dst[row+x] = (c + (blurred-c)*diff) * keep
	}
}

// seedHazard raises border cells of the hazard layer to at least the hazard
// amount in the next buffer.
func (f *Field) seedHazard() {
	w, h := f.grid.Width, f.grid.Height
	bw := f.hazard.Width
	dst := f.next()[f.hazard.Layer*f.cells : (f.hazard.Layer+1)*f.cells]
	amount := f.hazard.Amount

	for y := 0; y < h; y++ {
		edgeRow := y < bw || y >= h-bw
		for x := 0; x < w; x++ {
			if !edgeRow && x >= bw && x < w-bw {
				continue
			}
			i := y*w + x
			if dst[i] < amount {
				dst[i] = amount
			}
		}
	}
}

// Step runs one field-only tick: snapshot, edits, diffusion/decay and swap.
// Agents are not involved; see the pipeline package for the full tick.
func (f *Field) Step(tc tick.Context, edits []BrushEdit) error {
	f.Snapshot()
	if err := f.ApplyEdits(edits); err != nil {
		return err
	}
	f.DiffuseDecay(tc)
	f.Swap()
	return nil
}
