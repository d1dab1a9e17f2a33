// Package device provides the explicit execution context the diffusion core
// runs on, the row-major feature tensor it operates over, and the elementwise
// kernels used by corruption and the reverse samplers.
package device

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/23skdu/longbow-octdiff/internal/metrics"
)

var allocatedBytes int64

func traceAlloc(delta int64) {
	newVal := atomic.AddInt64(&allocatedBytes, delta)
	metrics.RecordTensorBytes(newVal)
}

// AllocatedBytes reports bytes allocated through contexts that have not been
// freed since.
func AllocatedBytes() int64 {
	return atomic.LoadInt64(&allocatedBytes)
}

// minRowsPerWorker keeps tiny fields on the calling goroutine.
const minRowsPerWorker = 256

// Context is the execution context passed explicitly to every tensor
// producing operation. It owns a tensor pool and the worker count used by
// kernels.
type Context struct {
	name       string
	numThreads int

	mu   sync.Mutex
	pool map[int][]*Tensor
	// held counts bytes allocated by this context since the last Free.
	held int64
}

func NewContext() *Context {
	return &Context{
		name:       "cpu",
		numThreads: runtime.NumCPU(),
		pool:       make(map[int][]*Tensor),
	}
}

func (c *Context) Name() string {
	return c.name
}

func (c *Context) SetNumThreads(n int) {
	if n < 1 {
		n = 1
	}
	c.numThreads = n
}

func (c *Context) NumThreads() int {
	return c.numThreads
}

// NewTensor returns a zeroed rows x channels tensor, reusing pooled storage
// when a tensor of the same size was returned with PutTensor.
func (c *Context) NewTensor(name string, rows, channels int) *Tensor {
	size := rows * channels
	c.mu.Lock()
	pool := c.pool[size]
	if len(pool) > 0 {
		t := pool[len(pool)-1]
		c.pool[size] = pool[:len(pool)-1]
		c.mu.Unlock()
		clear(t.data)
		t.rows, t.channels, t.name = rows, channels, name
		return t
	}
	c.held += int64(size) * 4
	c.mu.Unlock()

	traceAlloc(int64(size) * 4)
	return &Tensor{
		data:     make([]float32, size),
		rows:     rows,
		channels: channels,
		name:     name,
		owner:    c,
	}
}

// ZerosLike allocates a tensor with the shape of t.
func (c *Context) ZerosLike(name string, t *Tensor) *Tensor {
	return c.NewTensor(name, t.rows, t.channels)
}

// PutTensor hands t back to the pool of the context that allocated it, which
// need not be c. Tensors not allocated by a context are ignored. t must not
// be used afterwards.
func (c *Context) PutTensor(t *Tensor) {
	if t == nil || t.data == nil || t.owner == nil {
		return
	}
	o := t.owner
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pool[len(t.data)] = append(o.pool[len(t.data)], t)
}

// Free drops every pooled tensor and releases the accounting of everything
// this context allocated, including tensors still held by callers.
func (c *Context) Free() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tensors := range c.pool {
		for _, t := range tensors {
			t.data = nil
		}
	}
	c.pool = make(map[int][]*Tensor)
	if c.held != 0 {
		traceAlloc(-c.held)
		c.held = 0
	}
}

// pooled reports how many tensors are parked in the pool.
func (c *Context) pooled() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ts := range c.pool {
		n += len(ts)
	}
	return n
}

// parallelRows splits [0, rows) into contiguous chunks, one per worker.
// Kernels run through it are elementwise, so the result does not depend on
// the chunking.
func (c *Context) parallelRows(rows int, fn func(lo, hi int)) {
	workers := c.numThreads
	if limit := rows / minRowsPerWorker; limit < workers {
		workers = limit
	}
	if workers <= 1 {
		fn(0, rows)
		return
	}

	chunkSize := (rows + workers - 1) / workers
	var wg sync.WaitGroup
	for lo := 0; lo < rows; lo += chunkSize {
		hi := lo + chunkSize
		if hi > rows {
			hi = rows
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			fn(lo, hi)
		}(lo, hi)
	}
	wg.Wait()
}
