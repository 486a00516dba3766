// Package parallel provides the persistent worker pool used by the
// data-parallel simulation passes.
package parallel

import (
	"runtime"
	"sync"
)

// DefaultThreshold is the minimum item count dispatched to the workers.
// Below this, single-threaded is faster due to goroutine overhead.
const DefaultThreshold = 64

// workChunk represents a range of items for a worker to process.
type workChunk struct {
	start, end int
	fn         func(start, end int)
}

// Pool runs range functions over [0, n) on a fixed set of goroutines.
// Run returns only after every chunk has finished, which makes each call a
// barrier between simulation stages. Run must not be called concurrently.
type Pool struct {
	numWorkers int
	threshold  int

	// Worker pool channels
	workChan chan workChunk // sends work to workers
	doneChan chan struct{}  // workers signal completion
	stopChan chan struct{}  // signals workers to exit
	wg       sync.WaitGroup // tracks active workers
	running  bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithThreshold sets the item count below which Run stays on the caller's goroutine.
func WithThreshold(n int) Option {
	return func(p *Pool) {
		if n < 1 {
			n = 1
		}
		p.threshold = n
	}
}

// New creates a pool with the given worker count (0 = GOMAXPROCS).
// Workers are started lazily on the first parallel Run.
func New(workers int, opts ...Option) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	p := &Pool{
		numWorkers: workers,
		threshold:  DefaultThreshold,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Workers returns the number of worker goroutines.
func (p *Pool) Workers() int { return p.numWorkers }

// startWorkers launches persistent worker goroutines.
func (p *Pool) startWorkers() {
	if p.running {
		return
	}

	p.workChan = make(chan workChunk, p.numWorkers)
	p.doneChan = make(chan struct{}, p.numWorkers)
	p.stopChan = make(chan struct{})
	p.running = true

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// worker runs in a goroutine, processing chunks until stopped.
func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			return
		case chunk, ok := <-p.workChan:
			if !ok {
				return
			}
			chunk.fn(chunk.start, chunk.end)
			p.doneChan <- struct{}{}
		}
	}
}

// Run calls fn over disjoint ranges covering [0, n). fn must only write
// state owned by its range.
func (p *Pool) Run(n int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	if p == nil || p.numWorkers == 1 || n < p.threshold {
		fn(0, n)
		return
	}

	if !p.running {
		p.startWorkers()
	}

	chunkSize := (n + p.numWorkers - 1) / p.numWorkers

	// Dispatch chunks to workers
	dispatched := 0
	for w := 0; w < p.numWorkers; w++ {
		start := w * chunkSize
		end := start + chunkSize
		if end > n {
			end = n
		}
		if start >= end {
			continue
		}
		p.workChan <- workChunk{start: start, end: end, fn: fn}
		dispatched++
	}

	// Wait for all chunks to complete
	for i := 0; i < dispatched; i++ {
		<-p.doneChan
	}
}

// Stop signals all workers to exit and waits for them. The pool can be
// reused afterwards; workers restart on the next parallel Run.
func (p *Pool) Stop() {
	if p == nil || !p.running {
		return
	}

	close(p.stopChan)
	p.wg.Wait()
	close(p.workChan)
	close(p.doneChan)
	p.running = false
}
