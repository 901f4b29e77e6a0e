package bridge

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
)

// MaxFrameSize 单帧上限，4096x4096 的 RGBA 加上信封开销
const MaxFrameSize = 96 << 20

var ErrFrameTooLarge = errors.New("frame too large")

// WriteFrame 写入 4 字节大端长度前缀和帧内容
func WriteFrame(w io.Writer, frame []byte) error {
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}
	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, uint32(len(frame)))
	if _, err := w.Write(prefix); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame 读取一帧，流正常结束时返回 io.EOF
func ReadFrame(r io.Reader) ([]byte, error) {
	prefix := make([]byte, 4)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix)
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, fmt.Errorf("read frame of %d bytes: %w", n, err)
	}
	return frame, nil
}

// StreamPort 基于字节流的 Port，读端结束即视为上下文终止
type StreamPort struct {
	r      io.ReadCloser
	w      io.WriteCloser
	onStop func()

	wmu    sync.Mutex
	frames chan []byte

	done    chan struct{}
	mu      sync.Mutex
	err     error
	closed  bool
	stopped sync.Once
}

func NewStreamPort(r io.ReadCloser, w io.WriteCloser, onStop func()) *StreamPort {
	p := &StreamPort{
		r:      r,
		w:      w,
		onStop: onStop,
		frames: make(chan []byte, pipeBuffer),
		done:   make(chan struct{}),
	}
	go p.read()
	return p
}

func (p *StreamPort) read() {
	for {
		frame, err := ReadFrame(p.r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			p.fail(fmt.Errorf("worker stream: %w", err))
			return
		}
		select {
		case p.frames <- frame:
		case <-p.done:
			return
		}
	}
}

func (p *StreamPort) fail(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
	p.stop()
}

func (p *StreamPort) stop() {
	p.stopped.Do(func() {
		close(p.done)
		if p.onStop != nil {
			p.onStop()
		}
	})
}

func (p *StreamPort) Send(frame []byte) error {
	select {
	case <-p.done:
		return ErrPortClosed
	default:
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return WriteFrame(p.w, frame)
}

func (p *StreamPort) Frames() <-chan []byte { return p.frames }
func (p *StreamPort) Done() <-chan struct{} { return p.done }

func (p *StreamPort) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *StreamPort) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.err == nil {
		p.err = ErrPortClosed
	}
	p.mu.Unlock()

	err := p.w.Close()
	_ = p.r.Close()
	p.stop()
	return err
}

// StreamConn 基于字节流的 Conn，供 worker 子进程使用
type StreamConn struct {
	w   io.Writer
	wmu sync.Mutex

	inbox   chan []byte
	closing chan struct{}

	failOnce sync.Once
	failed   chan struct{}
	mu       sync.Mutex
	err      error
}

func NewStreamConn(r io.Reader, w io.Writer) *StreamConn {
	c := &StreamConn{
		w:       w,
		inbox:   make(chan []byte, pipeBuffer),
		closing: make(chan struct{}),
		failed:  make(chan struct{}),
	}
	go c.read(r)
	return c
}

func (c *StreamConn) read(r io.Reader) {
	defer close(c.closing)
	for {
		frame, err := ReadFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Error("failed to read frame from caller", "error", err)
			}
			return
		}
		select {
		case c.inbox <- frame:
		case <-c.failed:
			return
		}
	}
}

func (c *StreamConn) Inbox() <-chan []byte     { return c.inbox }
func (c *StreamConn) Closing() <-chan struct{} { return c.closing }

// Failed 上报故障后关闭
func (c *StreamConn) Failed() <-chan struct{} { return c.failed }

func (c *StreamConn) Reply(frame []byte) error {
	select {
	case <-c.failed:
		return ErrPortClosed
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return WriteFrame(c.w, frame)
}

func (c *StreamConn) Fail(err error) {
	c.failOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.failed)
	})
}

func (c *StreamConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// ExecSpawner 以子进程作为执行上下文，帧经由子进程的 stdin/stdout 传输
func ExecSpawner(path string, args ...string) Spawner {
	return func(ctx context.Context) (Port, error) {
		cmd := exec.CommandContext(ctx, path, args...)

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
		}

		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start worker process: %w", err)
		}
		pid := cmd.Process.Pid
		slog.Info("worker process spawned", "pid", pid)

		go logStderr(pid, stderr)

		var waitOnce sync.Once
		wait := func() {
			waitOnce.Do(func() {
				if err := cmd.Wait(); err != nil && ctx.Err() == nil {
					slog.Error("worker process exited unexpectedly", "pid", pid, "error", err)
					return
				}
				slog.Debug("worker process exited", "pid", pid)
			})
		}

		return NewStreamPort(stdout, stdin, func() {
			// 关闭 stdin 后 worker 会自行退出，这里只负责回收
			go wait()
		}), nil
	}
}

func logStderr(pid int, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		slog.Debug("worker log", "pid", pid, "log", scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		slog.Error("error reading worker stderr", "pid", pid, "error", err)
	}
}
