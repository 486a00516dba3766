// Package grid defines the fixed simulation lattice and its boundary policy.
package grid

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidSize is returned when a grid has a non-positive dimension.
var ErrInvalidSize = errors.New("grid: invalid size")

// Boundary selects how agents that leave the grid are resolved.
// It is a single run-wide choice.
type Boundary uint8

const (
	Reflect Boundary = iota // Bounce heading off the edge
	Wrap                    // Toroidal world
)

// String returns the config name of the policy.
func (b Boundary) String() string {
	switch b {
	case Reflect:
		return "reflect"
	case Wrap:
		return "wrap"
	default:
		return fmt.Sprintf("boundary(%d)", uint8(b))
	}
}

// ParseBoundary maps a config name to a Boundary.
func ParseBoundary(s string) (Boundary, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "reflect", "bounce":
		return Reflect, nil
	case "wrap", "torus":
		return Wrap, nil
	default:
		return 0, fmt.Errorf("unknown boundary policy %q", s)
	}
}

// MarshalYAML implements yaml.Marshaler.
func (b Boundary) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *Boundary) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseBoundary(s)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Grid is the immutable lattice a run is played on.
type Grid struct {
	Width    int
	Height   int
	Boundary Boundary
}

// New creates a grid, rejecting non-positive dimensions.
func New(width, height int, boundary Boundary) (Grid, error) {
	if width <= 0 || height <= 0 {
		return Grid{}, fmt.Errorf("%w: %dx%d", ErrInvalidSize, width, height)
	}
	if boundary != Reflect && boundary != Wrap {
		return Grid{}, fmt.Errorf("grid: unknown boundary %d", uint8(boundary))
	}
	return Grid{Width: width, Height: height, Boundary: boundary}, nil
}

// Cells returns the number of cells in one layer.
func (g Grid) Cells() int { return g.Width * g.Height }

// Index returns the flat row-major index of (x, y). The cell must be in range.
func (g Grid) Index(x, y int) int { return y*g.Width + x }

// Contains reports whether (x, y) addresses a cell.
func (g Grid) Contains(x, y int) bool {
	return x >= 0 && x < g.Width && y >= 0 && y < g.Height
}

// Clamp moves (x, y) to the nearest cell inside the grid.
func (g Grid) Clamp(x, y int) (int, int) {
	return clampInt(x, 0, g.Width-1), clampInt(y, 0, g.Height-1)
}

// Wrap maps (x, y) onto the torus.
func (g Grid) Wrap(x, y int) (int, int) {
	return modInt(x, g.Width), modInt(y, g.Height)
}

// Resolve maps an arbitrary cell coordinate to a valid cell using the
// boundary policy: clamping for reflect, modulo for wrap.
func (g Grid) Resolve(x, y int) (int, int) {
	if g.Boundary == Wrap {
		return g.Wrap(x, y)
	}
	return g.Clamp(x, y)
}

// CellOf returns the resolved cell containing the continuous point (px, py).
func (g Grid) CellOf(px, py float32) (int, int) {
	return g.Resolve(floorInt(px), floorInt(py))
}

// W32 returns the width as float32.
func (g Grid) W32() float32 { return float32(g.Width) }

// H32 returns the height as float32.
func (g Grid) H32() float32 { return float32(g.Height) }

// String implements fmt.Stringer.
func (g Grid) String() string {
	return fmt.Sprintf("%dx%d/%s", g.Width, g.Height, g.Boundary)
}

func floorInt(v float32) int {
	f := math.Floor(float64(v))
	// Far-off or NaN coordinates collapse onto the origin; Resolve then
	// pulls them back into range.
	if math.IsNaN(f) || f > math.MaxInt32 || f < math.MinInt32 {
		return 0
	}
	return int(f)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func modInt(a, m int) int {
	r := a % m
	if r < 0 {
		r += m
	}
	return r
}
