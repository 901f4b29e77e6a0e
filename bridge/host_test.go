package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/chaos-io/cutout/pixel"
	"github.com/chaos-io/cutout/rembg"
)

// fakeHost 按脚本应答的执行上下文
type fakeHost struct {
	t      *testing.T
	handle func(h *hostConn, env Envelope)

	mu      sync.Mutex
	spawned []*hostConn
	spawnFn func() error
}

// hostConn 一个已创建的执行上下文
type hostConn struct {
	t        *testing.T
	pipe     *Pipe
	received chan Envelope
}

func (h *hostConn) reply(id string, typ MessageType, payload any) {
	frame, err := Encode(id, typ, payload)
	require.NoError(h.t, err)
	_ = h.pipe.Reply(frame)
}

func (h *hostConn) replyRaw(id string, typ MessageType, raw []byte) {
	frame, err := msgpack.Marshal(&Envelope{ID: id, Type: typ, Payload: raw})
	require.NoError(h.t, err)
	_ = h.pipe.Reply(frame)
}

// next 等待下一个收到的信封
func (h *hostConn) next() Envelope {
	h.t.Helper()
	select {
	case env := <-h.received:
		return env
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for envelope")
		return Envelope{}
	}
}

func newFakeHost(t *testing.T, handle func(h *hostConn, env Envelope)) *fakeHost {
	return &fakeHost{t: t, handle: handle}
}

func (f *fakeHost) spawner() Spawner {
	return func(ctx context.Context) (Port, error) {
		f.mu.Lock()
		fn := f.spawnFn
		f.mu.Unlock()
		if fn != nil {
			if err := fn(); err != nil {
				return nil, err
			}
		}

		hc := &hostConn{t: f.t, pipe: NewPipe(), received: make(chan Envelope, 64)}
		f.mu.Lock()
		f.spawned = append(f.spawned, hc)
		f.mu.Unlock()

		go func() {
			for {
				select {
				case frame := <-hc.pipe.Inbox():
					f.deliver(hc, frame)
				case <-hc.pipe.Closing():
					f.drain(hc)
					return
				case <-ctx.Done():
					f.drain(hc)
					return
				}
			}
		}()
		return hc.pipe, nil
	}
}

func (f *fakeHost) deliver(hc *hostConn, frame []byte) {
	env, err := Decode(frame)
	if err != nil {
		return
	}
	hc.received <- env
	if f.handle != nil {
		f.handle(hc, env)
	}
}

// drain 关闭前发出的帧仍然收下
func (f *fakeHost) drain(hc *hostConn) {
	for {
		select {
		case frame := <-hc.pipe.Inbox():
			f.deliver(hc, frame)
		default:
			return
		}
	}
}

func (f *fakeHost) conn(i int) *hostConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawned[i]
}

func (f *fakeHost) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawned)
}

func newTestBridge(t *testing.T, f *fakeHost, cfg Config) (*Bridge, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	cfg.Registerer = reg
	b := New(f.spawner(), cfg)
	t.Cleanup(b.Dispose)
	return b, reg
}

// counterValue 读取无标签 counter 或带标签 counter 的合计
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				total += c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				total += g.GetValue()
			}
		}
	}
	return total
}

func testBuffer() *pixel.Buffer {
	buf := pixel.New(4, 4)
	for i := range buf.Pix {
		buf.Pix[i] = 255
	}
	return buf
}

func okResult(h *hostConn, env Envelope) {
	h.reply(env.ID, TypeResult, &rembg.Result{EngineUsed: rembg.BaselineName, MimeType: "image/png", Blob: []byte{1, 2, 3}})
}
