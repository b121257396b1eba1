package osal

import (
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/errcode"
)

// Buffer is a fixed-size message buffer from a Memory pool.
type Buffer struct {
	data []byte
	n    int
}

// Bytes is the buffer's content.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.n]
}

// Memory lends message buffers.
type Memory interface {
	// Acquire copies p into a free buffer. No free buffer, or p larger than
	// a buffer, is OutOfMemory.
	Acquire(p []byte) (*Buffer, error)
	Release(*Buffer)
}

type pool struct {
	size int
	free chan *Buffer
}

// NewPool allocates count buffers of size bytes up front.
func NewPool(count, size int) Memory {
	p := &pool{size: size, free: make(chan *Buffer, count)}
	for i := 0; i < count; i++ {
		p.free <- &Buffer{data: make([]byte, size)}
	}
	return p
}

func (p *pool) Acquire(b []byte) (*Buffer, error) {
	if len(b) > p.size {
		return nil, errcode.Errorf(errcode.OutOfMemory, "message of %d bytes exceeds buffer size %d", len(b), p.size)
	}
	select {
	case buf := <-p.free:
		buf.n = copy(buf.data, b)
		return buf, nil
	default:
		return nil, errcode.Errorf(errcode.OutOfMemory, "no free message buffer")
	}
}

func (p *pool) Release(buf *Buffer) {
	if buf == nil {
		return
	}
	buf.n = 0
	select {
	case p.free <- buf:
	default:
	}
}

// OS bundles the capabilities.
type OS struct {
	Event EventQueue
	Timer Timers
	Mem   Memory
}

// Default builds channel, time.AfterFunc and pool backed capabilities.
func Default(depth, buffers, bufferSize int) OS {
	return OS{
		Event: NewQueue(depth),
		Timer: NewTimers(),
		Mem:   NewPool(buffers, bufferSize),
	}
}
