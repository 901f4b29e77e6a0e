package bridge

import (
	"context"
	"errors"
	"sync"
)

var ErrPortClosed = errors.New("port closed")

// Port 调用方一侧的帧通道
type Port interface {
	Send(frame []byte) error
	Frames() <-chan []byte
	// Done 执行上下文终止时关闭
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Conn 执行上下文一侧的帧通道
type Conn interface {
	Inbox() <-chan []byte
	Reply(frame []byte) error
	// Closing 调用方关闭通道时关闭
	Closing() <-chan struct{}
	// Fail 上报不可恢复的故障，调用方会收到上下文丢失
	Fail(err error)
}

// Spawner 创建一个新的执行上下文，ctx 在 bridge 销毁时取消
type Spawner func(ctx context.Context) (Port, error)

const pipeBuffer = 64

// Pipe 进程内的双向帧通道，同时实现 Port 和 Conn
// 帧在两端之间总是复制，不共享内存
type Pipe struct {
	toHost   chan []byte
	toCaller chan []byte

	once    sync.Once
	closing chan struct{}

	failOnce sync.Once
	done     chan struct{}
	mu       sync.Mutex
	err      error
}

func NewPipe() *Pipe {
	return &Pipe{
		toHost:   make(chan []byte, pipeBuffer),
		toCaller: make(chan []byte, pipeBuffer),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (p *Pipe) Send(frame []byte) error {
	select {
	case <-p.done:
		return ErrPortClosed
	case <-p.closing:
		return ErrPortClosed
	default:
	}
	select {
	case p.toHost <- clone(frame):
		return nil
	case <-p.done:
		return ErrPortClosed
	case <-p.closing:
		return ErrPortClosed
	}
}

func (p *Pipe) Frames() <-chan []byte { return p.toCaller }
func (p *Pipe) Done() <-chan struct{} { return p.done }
func (p *Pipe) Inbox() <-chan []byte { return p.toHost }
func (p *Pipe) Closing() <-chan struct{} { return p.closing }

func (p *Pipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close 由调用方关闭，不触发上下文丢失
func (p *Pipe) Close() error {
	p.once.Do(func() { close(p.closing) })
	return nil
}

func (p *Pipe) Reply(frame []byte) error {
	select {
	case <-p.done:
		return ErrPortClosed
	case <-p.closing:
		return ErrPortClosed
	default:
	}
	select {
	case p.toCaller <- clone(frame):
		return nil
	case <-p.done:
		return ErrPortClosed
	case <-p.closing:
		return ErrPortClosed
	}
}

func (p *Pipe) Fail(err error) {
	p.failOnce.Do(func() {
		if err == nil {
			err = ErrPortClosed
		}
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

func clone(frame []byte) []byte {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	return cp
}
