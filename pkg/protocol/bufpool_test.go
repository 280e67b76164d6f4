package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBodyPoolSizeClasses(t *testing.T) {
	p := newBodyPool(16, 64, 256)

	tests := []struct {
		n       int
		wantCap int
	}{
		{0, 16},
		{16, 16},
		{17, 64},
		{256, 256},
		{257, 257},
	}
	for _, tt := range tests {
		buf := p.get(tt.n)
		assert.Len(t, buf, tt.n)
		assert.Equal(t, tt.wantCap, cap(buf), "n=%d", tt.n)
		p.put(buf)
	}
}

func TestBodyPoolReuse(t *testing.T) {
	p := newBodyPool(16, 64, 256)

	buf := p.get(10)
	copy(buf, "0123456789")
	p.put(buf)

	again := p.get(16)
	assert.Len(t, again, 16)

	// Foreign buffers are dropped rather than pooled.
	p.put(make([]byte, 10))
	p.put(nil)
	assert.Equal(t, 16, cap(p.get(1)))
}
