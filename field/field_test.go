package field

import (
	"errors"
	"math"
	"testing"

	"github.com/pthm-cable/slime/grid"
	"github.com/pthm-cable/slime/parallel"
	"github.com/pthm-cable/slime/tick"
)

func newTestField(t *testing.T, w, h int, layers []Layer, opts ...Option) *Field {
	t.Helper()
	g, err := grid.New(w, h, grid.Reflect)
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	f, err := New(g, layers, opts...)
	if err != nil {
		t.Fatalf("field: %v", err)
	}
	return f
}

// gaussianBlob fills layer 0 with a smooth bump centred on the grid.
func gaussianBlob(t *testing.T, f *Field, sigma float64) {
	t.Helper()
	g := f.Grid()
	cx, cy := float64(g.Width)/2, float64(g.Height)/2
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			dx, dy := float64(x)-cx, float64(y)-cy
			v := math.Exp(-(dx*dx + dy*dy) / (2 * sigma * sigma))
			if err := f.Set(0, x, y, float32(v)); err != nil {
				t.Fatal(err)
			}
		}
	}
}

func TestPerFrameFactor(t *testing.T) {
	if got := PerFrameFactor(0.5, 0); got != 0 {
		t.Errorf("factor at dt=0 = %v, want 0", got)
	}
	if got := PerFrameFactor(0.5, 1); math.Abs(float64(got)-0.5) > 1e-6 {
		t.Errorf("factor at dt=1 = %v, want rate", got)
	}

	for _, rate := range []float32{0.01, 0.3, 0.7, 0.99} {
		prev := float32(0)
		for _, dt := range []float32{0.001, 0.01, 0.1, 0.5, 1, 2, 5} {
			got := PerFrameFactor(rate, dt)
			if got <= prev {
				t.Errorf("rate %v: factor not increasing at dt=%v (%v <= %v)", rate, dt, got, prev)
			}
			prev = got
		}
		if far := PerFrameFactor(rate, 10000); far < 0.999 {
			t.Errorf("rate %v: factor should approach 1 for large dt, got %v", rate, far)
		}
	}
}

func TestNewRejectsBadRates(t *testing.T) {
	g, _ := grid.New(4, 4, grid.Wrap)
	bad := [][]Layer{
		{{DiffusionRate: 1}},
		{{DecayRate: -0.1}},
		{{DecayRate: float32(math.NaN())}},
	}
	for _, layers := range bad {
		if _, err := New(g, layers); !errors.Is(err, ErrInvalidRate) {
			t.Errorf("layers %+v: expected ErrInvalidRate, got %v", layers, err)
		}
	}
	if _, err := New(g, nil); err == nil {
		t.Error("expected error for zero layers")
	}
}

func TestDecayScenario(t *testing.T) {
	f := newTestField(t, 5, 5, []Layer{{DecayRate: 0.5}})
	if err := f.Set(0, 2, 2, 1); err != nil {
		t.Fatal(err)
	}

	tc := tick.Context{DT: 1}
	for i, want := range []float32{0.5, 0.25} {
		if err := f.Step(tc, nil); err != nil {
			t.Fatal(err)
		}
		if got := f.Sample(0, 2, 2); math.Abs(float64(got-want)) > 1e-6 {
			t.Errorf("tick %d: value = %v, want %v", i+1, got, want)
		}
		tc = tc.Next(1)
	}
}

func TestZeroFieldStaysZero(t *testing.T) {
	f := newTestField(t, 16, 9, []Layer{
		{DiffusionRate: 0.9, DecayRate: 0.2},
		{DiffusionRate: 0.1, DecayRate: 0},
	})
	tc := tick.Context{}
	for i := 0; i < 200; i++ {
		tc = tc.Next(float32(i%7) * 0.05)
		if err := f.Step(tc, nil); err != nil {
			t.Fatal(err)
		}
	}
	for l := 0; l < f.LayerCount(); l++ {
		for i, v := range f.Layer(l) {
			if v != 0 {
				t.Fatalf("layer %d cell %d = %v, want exactly 0", l, i, v)
			}
		}
	}
}

func TestDiffusionConservesWithoutDecay(t *testing.T) {
	f := newTestField(t, 20, 12, []Layer{{DiffusionRate: 0.8}})
	if err := f.Set(0, 0, 0, 4); err != nil { // corner exercises the clamped edges
		t.Fatal(err)
	}
	if err := f.Set(0, 10, 6, 2); err != nil {
		t.Fatal(err)
	}

	before := f.Total(0)
	tc := tick.Context{}
	for i := 0; i < 50; i++ {
		tc = tc.Next(0.1)
		if err := f.Step(tc, nil); err != nil {
			t.Fatal(err)
		}
		after := f.Total(0)
		if after > before*(1+1e-5) {
			t.Fatalf("tick %d: total increased from %v to %v", i, before, after)
		}
	}
	if diff := math.Abs(float64(f.Total(0) - before)); diff > 1e-3 {
		t.Errorf("diffusion should conserve mass, drifted by %v", diff)
	}
}

func TestDecayStrictlyReducesTotal(t *testing.T) {
	f := newTestField(t, 32, 32, []Layer{{DiffusionRate: 0.5, DecayRate: 0.1}})
	gaussianBlob(t, f, 5)

	prev := f.Total(0)
	tc := tick.Context{}
	for i := 0; i < 30; i++ {
		tc = tc.Next(1.0 / 60)
		if err := f.Step(tc, nil); err != nil {
			t.Fatal(err)
		}
		cur := f.Total(0)
		if cur >= prev {
			t.Fatalf("tick %d: total %v did not decrease from %v", i, cur, prev)
		}
		prev = cur
	}
}

func TestSplitTickMatchesSingleTick(t *testing.T) {
	layers := []Layer{{DiffusionRate: 0.5, DecayRate: 0.3}}
	whole := newTestField(t, 48, 48, layers)
	halves := newTestField(t, 48, 48, layers)
	gaussianBlob(t, whole, 8)
	gaussianBlob(t, halves, 8)

	if err := whole.Step(tick.Context{DT: 1}, nil); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := halves.Step(tick.Context{DT: 0.5, Frame: uint32(i)}, nil); err != nil {
			t.Fatal(err)
		}
	}

	a, b := whole.Layer(0), halves.Layer(0)
	for i := range a {
		if d := math.Abs(float64(a[i] - b[i])); d > 1e-3 {
			t.Fatalf("cell %d: single=%v split=%v (diff %v)", i, a[i], b[i], d)
		}
	}
}

func TestSampleReadsCommittedState(t *testing.T) {
	f := newTestField(t, 4, 4, []Layer{{DecayRate: 0.5}})
	if err := f.Set(0, 1, 1, 1); err != nil {
		t.Fatal(err)
	}
	front := f.Front()

	f.Snapshot()
	f.DiffuseDecay(tick.Context{DT: 1})
	if got := f.Sample(0, 1, 1); got != 1 {
		t.Errorf("sample during tick = %v, want committed 1", got)
	}

	f.Swap()
	if f.Front() == front {
		t.Error("Swap did not flip the slot roles")
	}
	if got := f.Sample(0, 1, 1); got != 0.5 {
		t.Errorf("sample after swap = %v, want 0.5", got)
	}
}

func TestBrushDepositAndErase(t *testing.T) {
	f := newTestField(t, 32, 32, []Layer{{}, {}})

	deposit := []BrushEdit{{Layer: 1, X: 16.5, Y: 16.5, Radius: 5, Mode: Deposit}}
	if err := f.Step(tick.Context{}, deposit); err != nil {
		t.Fatal(err)
	}
	if got := f.Sample(1, 16, 16); math.Abs(float64(got-1)) > 1e-6 {
		t.Errorf("centre after deposit = %v, want 1", got)
	}
	if got := f.Sample(1, 19, 16); got <= 0 || got >= 1 {
		t.Errorf("falloff cell = %v, want in (0,1)", got)
	}
	if got := f.Sample(1, 16, 25); got != 0 {
		t.Errorf("cell outside radius = %v, want 0", got)
	}
	if f.Total(0) != 0 {
		t.Error("brush leaked into another layer")
	}

	erase := []BrushEdit{{Layer: 1, X: 16.5, Y: 16.5, Radius: 5, Mode: Erase}}
	if err := f.Step(tick.Context{}, erase); err != nil {
		t.Fatal(err)
	}
	if got := f.Sample(1, 16, 16); got != 0 {
		t.Errorf("centre after erase = %v, want 0", got)
	}
}

func TestBrushRejectsUnknownLayer(t *testing.T) {
	f := newTestField(t, 8, 8, []Layer{{}})
	if err := f.Set(0, 3, 3, 0.25); err != nil {
		t.Fatal(err)
	}
	front := f.Front()

	err := f.Step(tick.Context{DT: 1}, []BrushEdit{{Layer: 3, X: 3, Y: 3, Radius: 2}})
	if !errors.Is(err, ErrLayerOutOfRange) {
		t.Fatalf("expected ErrLayerOutOfRange, got %v", err)
	}
	if f.Front() != front || f.Sample(0, 3, 3) != 0.25 {
		t.Error("failed step must leave the committed state untouched")
	}
}

func TestBrushStateEdits(t *testing.T) {
	tests := []struct {
		name  string
		state BrushState
		want  []BrushMode
	}{
		{"off grid", BrushState{X: 1, Y: 1, Primary: true, Radius: 4}, nil},
		{"released", BrushState{X: 1, Y: 1, OnGrid: true, Radius: 4}, nil},
		{"primary", BrushState{X: 1, Y: 1, OnGrid: true, Primary: true, Radius: 4}, []BrushMode{Deposit}},
		{"secondary", BrushState{X: 1, Y: 1, OnGrid: true, Secondary: true, Radius: 4}, []BrushMode{Erase}},
		{"both", BrushState{X: 1, Y: 1, OnGrid: true, Primary: true, Secondary: true, Radius: 4}, []BrushMode{Erase}},
		{"zero radius", BrushState{X: 1, Y: 1, OnGrid: true, Primary: true}, nil},
		{"sentinel", NoBrush, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.state.Edits()
			if len(got) != len(tt.want) {
				t.Fatalf("got %d edits, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].Mode != tt.want[i] {
					t.Errorf("edit %d mode = %s, want %s", i, got[i].Mode, tt.want[i])
				}
			}
		})
	}
}

func TestMergeAddsOnTopOfNext(t *testing.T) {
	f := newTestField(t, 3, 3, []Layer{{}, {}})
	acc := make([]float32, f.Len())
	acc[f.Grid().Cells()+4] = 0.75 // layer 1, centre

	f.Snapshot()
	f.DiffuseDecay(tick.Context{DT: 1})
	if err := f.Merge(acc); err != nil {
		t.Fatal(err)
	}
	f.Swap()
	if got := f.Sample(1, 1, 1); got != 0.75 {
		t.Errorf("merged value = %v, want 0.75", got)
	}

	if err := f.Merge(make([]float32, 2)); !errors.Is(err, ErrBufferSize) {
		t.Errorf("expected ErrBufferSize, got %v", err)
	}
}

func TestHazardSeedsBorder(t *testing.T) {
	f := newTestField(t, 10, 8, []Layer{{}, {DecayRate: 0.5}},
		WithHazard(Hazard{Enabled: true, Layer: 1, Amount: 0.6, Width: 1}))

	if err := f.Step(tick.Context{DT: 1}, nil); err != nil {
		t.Fatal(err)
	}
	if got := f.Sample(1, 0, 4); got != 0.6 {
		t.Errorf("left border = %v, want 0.6", got)
	}
	if got := f.Sample(1, 9, 7); got != 0.6 {
		t.Errorf("corner = %v, want 0.6", got)
	}
	if got := f.Sample(1, 5, 4); got != 0 {
		t.Errorf("interior = %v, want 0", got)
	}
	if f.Total(0) != 0 {
		t.Error("hazard leaked into another layer")
	}

	g, _ := grid.New(4, 4, grid.Reflect)
	if _, err := New(g, []Layer{{}}, WithHazard(Hazard{Enabled: true, Layer: 2})); !errors.Is(err, ErrLayerOutOfRange) {
		t.Errorf("expected ErrLayerOutOfRange for hazard layer, got %v", err)
	}
}

func TestSetRates(t *testing.T) {
	f := newTestField(t, 4, 4, []Layer{{}})
	if err := f.SetRates(0, 0.2, 0.3); err != nil {
		t.Fatal(err)
	}
	if l := f.Layers()[0]; l.DiffusionRate != 0.2 || l.DecayRate != 0.3 {
		t.Errorf("rates not applied: %+v", l)
	}
	if err := f.SetRates(0, 1.5, 0); !errors.Is(err, ErrInvalidRate) {
		t.Errorf("expected ErrInvalidRate, got %v", err)
	}
	if err := f.SetRates(4, 0, 0); !errors.Is(err, ErrLayerOutOfRange) {
		t.Errorf("expected ErrLayerOutOfRange, got %v", err)
	}
}

func TestParallelMatchesInline(t *testing.T) {
	layers := []Layer{{DiffusionRate: 0.6, DecayRate: 0.2}, {DiffusionRate: 0.3, DecayRate: 0.05}}
	pool := parallel.New(4, parallel.WithThreshold(1))
	defer pool.Stop()

	inline := newTestField(t, 40, 30, layers)
	par := newTestField(t, 40, 30, layers, WithPool(pool))
	gaussianBlob(t, inline, 6)
	gaussianBlob(t, par, 6)

	tc := tick.Context{}
	for i := 0; i < 10; i++ {
		tc = tc.Next(0.03)
		if err := inline.Step(tc, nil); err != nil {
			t.Fatal(err)
		}
		if err := par.Step(tc, nil); err != nil {
			t.Fatal(err)
		}
	}
	a, b := inline.CopyCurrent(), par.CopyCurrent()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("value %d differs: inline=%v parallel=%v", i, a[i], b[i])
		}
	}
}

func TestRestore(t *testing.T) {
	f := newTestField(t, 4, 4, []Layer{{}})
	data := make([]float32, f.Len())
	data[5] = 0.5
	if err := f.Restore(data); err != nil {
		t.Fatal(err)
	}
	if got := f.Sample(0, 1, 1); got != 0.5 {
		t.Errorf("restored value = %v, want 0.5", got)
	}
	if err := f.Restore(data[:3]); !errors.Is(err, ErrBufferSize) {
		t.Errorf("expected ErrBufferSize, got %v", err)
	}
}

func BenchmarkDiffuseDecay(b *testing.B) {
	g, _ := grid.New(512, 512, grid.Wrap)
	pool := parallel.New(0)
	defer pool.Stop()
	f, err := New(g, []Layer{{DiffusionRate: 0.4, DecayRate: 0.7}, {DiffusionRate: 0.5, DecayRate: 0.8}}, WithPool(pool))
	if err != nil {
		b.Fatal(err)
	}
	tc := tick.Context{DT: 1.0 / 60}

	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		f.Snapshot()
		f.DiffuseDecay(tc)
		f.Swap()
	}
}
