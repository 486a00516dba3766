package parallel

import (
	"sync/atomic"
	"testing"
)

func TestRunCoversRangeOnce(t *testing.T) {
	sizes := []int{0, 1, 7, 63, 64, 65, 1000, 4097}
	for _, workers := range []int{1, 3, 8} {
		p := New(workers)
		for _, n := range sizes {
			hits := make([]int32, n)
			p.Run(n, func(start, end int) {
				for i := start; i < end; i++ {
					atomic.AddInt32(&hits[i], 1)
				}
			})
			for i, h := range hits {
				if h != 1 {
					t.Fatalf("workers=%d n=%d: index %d visited %d times", workers, n, i, h)
				}
			}
		}
		p.Stop()
	}
}

func TestRunIsBarrier(t *testing.T) {
	p := New(4, WithThreshold(1))
	defer p.Stop()

	var done int64
	p.Run(1000, func(start, end int) {
		atomic.AddInt64(&done, int64(end-start))
	})
	if got := atomic.LoadInt64(&done); got != 1000 {
		t.Fatalf("Run returned before all chunks finished: %d/1000", got)
	}
}

func TestStopThenReuse(t *testing.T) {
	p := New(2, WithThreshold(1))
	var total int64
	add := func(start, end int) { atomic.AddInt64(&total, int64(end-start)) }

	p.Run(10, add)
	p.Stop()
	p.Stop() // idempotent
	p.Run(10, add)
	p.Stop()

	if total != 20 {
		t.Errorf("expected 20 items processed, got %d", total)
	}
}

func TestNilPoolRunsInline(t *testing.T) {
	var p *Pool
	called := false
	p.Run(5, func(start, end int) {
		called = start == 0 && end == 5
	})
	if !called {
		t.Error("nil pool should run the whole range inline")
	}
	p.Stop()
}
