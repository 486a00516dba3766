// Package compositor turns committed field layers into pixels.
package compositor

import (
	"fmt"
	"image"
	"image/color"

	"github.com/pthm-cable/slime/agents"
	"github.com/pthm-cable/slime/grid"
	"github.com/pthm-cable/slime/species"
)

// Source is a read-only view of the committed field.
type Source interface {
	Grid() grid.Grid
	LayerCount() int
	Layer(l int) []float32
}

// Composite blends every layer's colour weighted by its intensity. The hue
// is the intensity-weighted mean colour; brightness is the total intensity
// capped at 1. A cell with no intensity is opaque black.
func Composite(src Source, colors []color.NRGBA, dst []color.RGBA) error {
	g := src.Grid()
	n := g.Cells()
	if len(dst) != n {
		return fmt.Errorf("compositor: destination has %d pixels, grid has %d", len(dst), n)
	}
	nl := src.LayerCount()
	if len(colors) < nl {
		return fmt.Errorf("compositor: %d colours for %d layers", len(colors), nl)
	}

	layers := make([][]float32, nl)
	for l := range layers {
		layers[l] = src.Layer(l)
	}

	for i := 0; i < n; i++ {
		var total, r, gr, b float32
		for l, data := range layers {
			v := data[i]
			if v <= 0 {
				continue
			}
			c := colors[l]
			total += v
			r += v * float32(c.R)
			gr += v * float32(c.G)
			b += v * float32(c.B)
		}
		if total == 0 {
			dst[i] = color.RGBA{A: 255}
			continue
		}
		scale := min(total, 1) / total
		dst[i] = color.RGBA{R: channel(r * scale), G: channel(gr * scale), B: channel(b * scale), A: 255}
	}
	return nil
}

func channel(v float32) uint8 {
	if v >= 255 {
		return 255
	}
	if v <= 0 {
		return 0
	}
	return uint8(v + 0.5)
}

// Image composites the field into a new RGBA image of grid size.
func Image(src Source, colors []color.NRGBA) (*image.RGBA, error) {
	g := src.Grid()
	pixels := make([]color.RGBA, g.Cells())
	if err := Composite(src, colors, pixels); err != nil {
		return nil, err
	}
	img := image.NewRGBA(image.Rect(0, 0, g.Width, g.Height))
	for i, p := range pixels {
		o := i * 4
		img.Pix[o] = p.R
		img.Pix[o+1] = p.G
		img.Pix[o+2] = p.B
		img.Pix[o+3] = p.A
	}
	return img, nil
}

// DrawAgents marks each agent's cell with its species colour.
func DrawAgents(dst *image.RGBA, g grid.Grid, list []agents.Agent, table *species.Table) {
	for _, a := range list {
		if !table.Has(a.Species) {
			continue
		}
		c := table.Get(a.Species).Color
		x, y := g.CellOf(a.X, a.Y)
		dst.SetRGBA(x, y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 255})
	}
}
