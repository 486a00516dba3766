package field

import (
	"fmt"
	"math"
)

// BrushMode selects what a brush edit does to the addressed layer.
type BrushMode uint8

const (
	Deposit BrushMode = iota // Blend toward 1
	Erase                    // Blend toward 0
)

// String implements fmt.Stringer.
func (m BrushMode) String() string {
	switch m {
	case Deposit:
		return "deposit"
	case Erase:
		return "erase"
	default:
		return "unknown"
	}
}

// target returns the value the brush blends toward.
func (m BrushMode) target() float32 {
	if m == Erase {
		return 0
	}
	return 1
}

// BrushEdit is an ephemeral external edit applied once, in the tick it is
// queued for.
type BrushEdit struct {
	Layer  int
	X, Y   float32 // centre in grid coordinates
	Radius float32
	Mode   BrushMode
}

// BrushState is the raw pointer state handed over by the input layer.
type BrushState struct {
	X, Y      float32
	OnGrid    bool // false is the explicit off-grid sentinel
	Primary   bool // deposit button
	Secondary bool // erase button
	Layer     int
	Radius    float32
}

// NoBrush is the off-grid, released brush.
var NoBrush = BrushState{OnGrid: false}

// Edits turns pointer state into the edits for this tick. An off-grid
// pointer yields nothing; erase wins when both buttons are held.
func (b BrushState) Edits() []BrushEdit {
	if !b.OnGrid || b.Radius <= 0 || isNaN(b.X) || isNaN(b.Y) {
		return nil
	}
	switch {
	case b.Secondary:
		return []BrushEdit{{Layer: b.Layer, X: b.X, Y: b.Y, Radius: b.Radius, Mode: Erase}}
	case b.Primary:
		return []BrushEdit{{Layer: b.Layer, X: b.X, Y: b.Y, Radius: b.Radius, Mode: Deposit}}
	default:
		return nil
	}
}

// ValidateEdits checks that every edit addresses an existing layer.
func (f *Field) ValidateEdits(edits []BrushEdit) error {
	for i, e := range edits {
		if e.Layer < 0 || e.Layer >= len(f.layers) {
			return fmt.Errorf("%w: edit %d targets layer %d of %d", ErrLayerOutOfRange, i, e.Layer, len(f.layers))
		}
		if e.Mode != Deposit && e.Mode != Erase {
			return fmt.Errorf("field: edit %d has unknown mode %d", i, e.Mode)
		}
	}
	return nil
}

// ApplyEdits blends queued brush edits into the scratch buffer. Within the
// radius, strength falls off as (1 - d/R)^2 from the centre. Nothing is
// applied if any edit is invalid.
func (f *Field) ApplyEdits(edits []BrushEdit) error {
	if err := f.ValidateEdits(edits); err != nil {
		return err
	}
	for _, e := range edits {
		f.applyBrush(e)
	}
	return nil
}

func (f *Field) applyBrush(e BrushEdit) {
	if e.Radius <= 0 || isNaN(e.X) || isNaN(e.Y) {
		return
	}
	w, h := f.grid.Width, f.grid.Height
	x0 := clamp(int(math.Floor(float64(e.X-e.Radius))), 0, w-1)
	x1 := clamp(int(math.Ceil(float64(e.X+e.Radius))), 0, w-1)
	y0 := clamp(int(math.Floor(float64(e.Y-e.Radius))), 0, h-1)
	y1 := clamp(int(math.Ceil(float64(e.Y+e.Radius))), 0, h-1)

	dst := f.scratch[e.Layer*f.cells : (e.Layer+1)*f.cells]
	target := e.Mode.target()

	for y := y0; y <= y1; y++ {
		dy := float32(y) + 0.5 - e.Y
		for x := x0; x <= x1; x++ {
			dx := float32(x) + 0.5 - e.X
			d := float32(math.Sqrt(float64(dx*dx + dy*dy)))
			if d >= e.Radius {
				continue
			}
			t := 1 - d/e.Radius
			s := t * t
			i := y*w + x
			dst[i] += (target - dst[i]) * s
		}
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func isNaN(v float32) bool { return v != v }
