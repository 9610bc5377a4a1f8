package proxy

import (
	"io"
	"sync"
)

// BufferPool hands out scratch read buffers of a fixed size.
type BufferPool struct {
	size int
	pool sync.Pool
}

func NewBufferPool(size int) *BufferPool {
	bp := &BufferPool{size: size}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}

	return bp
}

func (p *BufferPool) Size() int { return p.size }

func (p *BufferPool) Get() []byte {
	b := p.pool.Get().(*[]byte)
	return *b
}

func (p *BufferPool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	b = b[:p.size]
	// This &b forces a 32-byte heap allocation.  There's no way to avoid this when converting a non-pointer to an interface{}.
	p.pool.Put(&b)
}

// ReadPDUData reads once from r into a pooled buffer and returns a copy of
// exactly the bytes read, so the PDU does not pin a full-size buffer.
func (p *BufferPool) ReadPDUData(r io.Reader) ([]byte, error) {
	buf := p.Get()
	defer p.Put(buf)

	n, err := r.Read(buf)
	if n > 0 {
		return append([]byte(nil), buf[:n]...), nil
	}
	return nil, err
}
