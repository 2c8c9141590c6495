// Package buffer provides the pooled receive buffers and the zero-copy byte sequence
// used to reassemble messages that span more than one buffer.
package buffer

import (
	"sync"

	"go.uber.org/atomic"
)

// Pool rents fixed-size byte buffers. Buffers must be returned exactly once, after the last
// reader of their contents has finished.
type Pool struct {
	size        int
	pool        sync.Pool
	outstanding atomic.Int64
}

func NewPool(size int) *Pool {
	p := &Pool{size: size}
	p.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Size is the length of every buffer handed out by Rent.
func (p *Pool) Size() int {
	return p.size
}

// Rent returns a buffer of length Size. Its contents are unspecified.
func (p *Pool) Rent() []byte {
	p.outstanding.Inc()
	b := p.pool.Get().(*[]byte)
	return (*b)[:p.size]
}

// Return hands b back to the pool. Buffers of a foreign size are dropped.
func (p *Pool) Return(b []byte) {
	p.outstanding.Dec()
	if cap(b) < p.size {
		return
	}
	b = b[:p.size]
	p.pool.Put(&b)
}

// Outstanding is the number of rented buffers not yet returned.
func (p *Pool) Outstanding() int64 {
	return p.outstanding.Load()
}
