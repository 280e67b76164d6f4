package protocol

import "sync"

// Frame body size classes. Bodies above the largest class are allocated
// directly and left to the garbage collector.
const (
	smallBodySize  = 4 << 10  // session commands, acks, XA control
	mediumBodySize = 64 << 10 // ordinary message sends
	largeBodySize  = 1 << 20  // large message continuations
)

// bodyPool recycles frame body buffers by size class.
type bodyPool struct {
	classes [3]sizeClass
}

type sizeClass struct {
	size int
	pool sync.Pool
}

func newBodyPool(sizes ...int) *bodyPool {
	p := &bodyPool{}
	for i, size := range sizes {
		c := &p.classes[i]
		c.size = size
		c.pool.New = func() any {
			buf := make([]byte, c.size)
			return &buf
		}
	}
	return p
}

// get returns a slice of length n, pooled when a size class fits it.
func (p *bodyPool) get(n int) []byte {
	for i := range p.classes {
		c := &p.classes[i]
		if n <= c.size {
			return (*c.pool.Get().(*[]byte))[:n]
		}
	}
	return make([]byte, n)
}

// put recycles buf if its capacity matches a size class exactly.
// buf must not be used afterwards.
func (p *bodyPool) put(buf []byte) {
	for i := range p.classes {
		c := &p.classes[i]
		if cap(buf) == c.size {
			full := buf[:c.size]
			c.pool.Put(&full)
			return
		}
	}
}

var frameBodies = newBodyPool(smallBodySize, mediumBodySize, largeBodySize)
