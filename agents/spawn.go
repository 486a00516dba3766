package agents

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"

	"github.com/pthm-cable/slime/grid"
)

// Distribution names an initial placement of agents.
type Distribution string

const (
	Disc    Distribution = "disc"    // filled disc, headings toward the centre
	Uniform Distribution = "uniform" // anywhere, random headings
	Center  Distribution = "center"  // all at the centre, random headings
)

// ParseDistribution accepts a distribution name case-insensitively.
func ParseDistribution(s string) (Distribution, error) {
	switch d := Distribution(strings.ToLower(strings.TrimSpace(s))); d {
	case Disc, Uniform, Center:
		return d, nil
	case "":
		return Disc, nil
	default:
		return "", fmt.Errorf("agents: unknown distribution %q", s)
	}
}

// Group is a block of agents sharing a species and a placement.
type Group struct {
	Species      uint32
	Count        int
	Distribution Distribution
}

// Spawn places count agents, assigning species round-robin over
// speciesCount ids.
func Spawn(g grid.Grid, dist Distribution, count, speciesCount int, rng *rand.Rand) ([]Agent, error) {
	if count < 0 {
		return nil, fmt.Errorf("agents: negative count %d", count)
	}
	if count > 0 && speciesCount <= 0 {
		return nil, errors.New("agents: agents requested but no species defined")
	}
	out := make([]Agent, count)
	for i := range out {
		a, err := place(g, dist, rng)
		if err != nil {
			return nil, err
		}
		a.Species = uint32(i % speciesCount)
		out[i] = a
	}
	return out, nil
}

// SpawnGroups places every group in order.
func SpawnGroups(g grid.Grid, groups []Group, rng *rand.Rand) ([]Agent, error) {
	total := 0
	for i, gr := range groups {
		if gr.Count < 0 {
			return nil, fmt.Errorf("agents: group %d has negative count %d", i, gr.Count)
		}
		total += gr.Count
	}
	out := make([]Agent, 0, total)
	for _, gr := range groups {
		for n := 0; n < gr.Count; n++ {
			a, err := place(g, gr.Distribution, rng)
			if err != nil {
				return nil, err
			}
			a.Species = gr.Species
			out = append(out, a)
		}
	}
	return out, nil
}

func place(g grid.Grid, dist Distribution, rng *rand.Rand) (Agent, error) {
	w, h := g.W32(), g.H32()
	cx, cy := w/2, h/2
	var a Agent

	switch dist {
	case Disc, "":
		radius := 0.4 * float32(math.Min(float64(w), float64(h)))
		r := radius * float32(math.Sqrt(rng.Float64()))
		theta := rng.Float64() * 2 * math.Pi
		a.X = cx + float32(math.Cos(theta))*r
		a.Y = cy + float32(math.Sin(theta))*r
		a.Heading = float32(math.Atan2(float64(cy-a.Y), float64(cx-a.X)))
	case Uniform:
		a.X = rng.Float32() * w
		a.Y = rng.Float32() * h
		a.Heading = randomHeading(rng)
	case Center:
		a.X, a.Y = cx, cy
		a.Heading = randomHeading(rng)
	default:
		return Agent{}, fmt.Errorf("agents: unknown distribution %q", dist)
	}

	a.X = inside(a.X, w)
	a.Y = inside(a.Y, h)
	return a, nil
}

func randomHeading(rng *rand.Rand) float32 {
	return float32(rng.Float64()*2*math.Pi - math.Pi)
}

func inside(v, size float32) float32 {
	if v < 0 {
		return 0
	}
	if v >= size {
		return math.Nextafter32(size, 0)
	}
	return v
}
