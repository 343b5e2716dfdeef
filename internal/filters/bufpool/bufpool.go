// Package bufpool pools the byte buffers the connection server (C6) uses
// to serialize each ICAP response, so a busy server doesn't re-allocate one
// buffer per transaction. Grounded on the pack's fasthttp-lineage repos
// (valyala-fasthttp, ryanbekhen-ngebut), which reach for
// valyala/bytebufferpool rather than a hand-rolled sync.Pool wrapper for
// exactly this job.
package bufpool

import "github.com/valyala/bytebufferpool"

// Pool wraps a bytebufferpool.Pool so callers depend on this package's
// narrower Get/Put contract instead of the library directly.
type Pool struct {
	pool bytebufferpool.Pool
}

// New returns a ready-to-use Pool.
func New() *Pool {
	return &Pool{}
}

// Get returns an empty buffer, reused from the pool when possible.
func (p *Pool) Get() *bytebufferpool.ByteBuffer {
	return p.pool.Get()
}

// Put returns buf to the pool. Callers must not use buf after calling Put.
func (p *Pool) Put(buf *bytebufferpool.ByteBuffer) {
	p.pool.Put(buf)
}
