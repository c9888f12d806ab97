// buffer_pool.go implements buffer pooling for envelope serialization.
//
// Every outbound frame is encoded into a scratch buffer before it is copied
// out for the writer, so reusing those buffers keeps send bursts from
// producing garbage proportional to traffic.
package protocol

import (
	"bytes"
	"sync"

	"github.com/pzverkov/kyberchat/internal/constants"
)

// BufferPool provides reusable encode buffers. Buffers that grew beyond
// maxRetained are dropped on Put so that one large history frame does not
// pin memory for the life of the process.
type BufferPool struct {
	pool        sync.Pool
	maxRetained int
}

// globalBufferPool is the default buffer pool instance.
var globalBufferPool = NewBufferPool(constants.InitialLineBufferSize)

// NewBufferPool creates a new buffer pool.
func NewBufferPool(maxRetained int) *BufferPool {
	return &BufferPool{
		pool: sync.Pool{
			New: func() any {
				return new(bytes.Buffer)
			},
		},
		maxRetained: maxRetained,
	}
}

// Get returns an empty buffer. The caller must call Put when done with it.
func (p *BufferPool) Get() *bytes.Buffer {
	buf := p.pool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// Put returns a buffer to the pool. After calling Put, the buffer must not be used.
func (p *BufferPool) Put(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > p.maxRetained {
		return
	}
	p.pool.Put(buf)
}

func getBuffer() *bytes.Buffer {
	return globalBufferPool.Get()
}

func putBuffer(buf *bytes.Buffer) {
	globalBufferPool.Put(buf)
}
