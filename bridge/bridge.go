package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/ksuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/chaos-io/cutout/analyzer"
	"github.com/chaos-io/cutout/pixel"
	"github.com/chaos-io/cutout/rembg"
)

// State bridge 生命周期状态
type State string

const (
	StateUninitialized State = "uninitialized"
	StateSpawning      State = "spawning"
	StateReady         State = "ready"
	StateLost          State = "lost"
	StateDisposed      State = "disposed"
)

const DefaultMaxPending = 64

var (
	ErrDisposed        = errors.New("bridge disposed")
	ErrTooManyRequests = errors.New("too many pending requests")
)

type Config struct {
	// MaxPending 关联表容量，0 使用 DefaultMaxPending
	MaxPending int
	// Registerer 指标注册位置，nil 时不对外暴露
	Registerer prometheus.Registerer
}

// reply 终态应答
type reply struct {
	typ     MessageType
	payload msgpack.RawMessage
	err     error
}

// call 关联表中的一项
type call struct {
	id          string
	typ         MessageType
	done        chan reply
	onProgress  rembg.ProgressFunc
	createdAt   time.Time
	lastPercent float64
}

// Bridge 把请求编码为信封发给隔离的执行上下文，按 id 关联应答
// 上下文故障时拒绝全部挂起请求，下一次调用时重新创建上下文
type Bridge struct {
	spawn      Spawner
	maxPending int
	metrics    *metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	port       Port
	generation string
	spawned    int
	spawning   chan struct{}
	readyKey   string
	pending    map[string]*call
}

func New(spawn Spawner, cfg Config) *Bridge {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		spawn:      spawn,
		maxPending: cfg.MaxPending,
		metrics:    newMetrics(cfg.Registerer),
		ctx:        ctx,
		cancel:     cancel,
		state:      StateUninitialized,
		pending:    make(map[string]*call),
	}
}

func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Pending 关联表中的请求数
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Generation 当前执行上下文的代号，每次重建都会变化
func (b *Bridge) Generation() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation
}

// ensure 返回可用的 port，必要时创建执行上下文
func (b *Bridge) ensure(ctx context.Context) (Port, string, error) {
	for {
		b.mu.Lock()
		switch b.state {
		case StateDisposed:
			b.mu.Unlock()
			return nil, "", ErrDisposed
		case StateReady:
			port, gen := b.port, b.generation
			b.mu.Unlock()
			return port, gen, nil
		case StateSpawning:
			wait := b.spawning
			b.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, "", rembg.NewCancelledError(ctx.Err())
			}
		}

		b.state = StateSpawning
		b.spawning = make(chan struct{})
		b.mu.Unlock()

		port, err := b.spawn(b.ctx)

		b.mu.Lock()
		close(b.spawning)
		if err != nil {
			if b.state != StateDisposed {
				b.state = StateLost
			}
			b.mu.Unlock()
			slog.Error("failed to spawn pipeline context", "error", err)
			return nil, "", rembg.NewContextLostError(fmt.Errorf("spawn: %w", err))
		}
		if b.state == StateDisposed {
			b.mu.Unlock()
			_ = port.Close()
			return nil, "", ErrDisposed
		}

		gen := uuid.NewString()
		b.state, b.port, b.generation, b.readyKey = StateReady, port, gen, ""
		if b.spawned > 0 {
			b.metrics.respawns.Inc()
		}
		b.spawned++
		b.mu.Unlock()

		slog.Info("pipeline context ready", "generation", gen)
		go b.read(port, gen)
		return port, gen, nil
	}
}

// read 每个执行上下文一个读协程
func (b *Bridge) read(port Port, gen string) {
	for {
		select {
		case frame := <-port.Frames():
			b.dispatch(frame)
		case <-port.Done():
			b.drain(port)
			b.lost(port, gen, port.Err())
			return
		case <-b.ctx.Done():
			return
		}
	}
}

// drain 故障前已送达的帧仍然投递
func (b *Bridge) drain(port Port) {
	for {
		select {
		case frame := <-port.Frames():
			b.dispatch(frame)
		default:
			return
		}
	}
}

func (b *Bridge) dispatch(frame []byte) {
	env, err := Decode(frame)
	if err != nil {
		slog.Warn("dropping undecodable frame", "error", err, "bytes", len(frame))
		return
	}

	switch env.Type {
	case TypeProgress:
		var p rembg.Progress
		if err := DecodePayload(env, &p); err != nil {
			b.complete(env.ID, reply{err: err})
			return
		}
		b.progress(env.ID, p)
	case TypeResult, TypeCapabilities:
		b.complete(env.ID, reply{typ: env.Type, payload: env.Payload})
	case TypeError:
		var p ErrorPayload
		if err := DecodePayload(env, &p); err != nil {
			b.complete(env.ID, reply{err: err})
			return
		}
		b.complete(env.ID, reply{typ: env.Type, err: p.Err()})
	default:
		b.complete(env.ID, reply{err: rembg.NewInvalidInputError(fmt.Sprintf("unexpected envelope type %q", env.Type), nil)})
	}
}

// progress 进度不结束请求，低于已见进度的事件被丢弃
func (b *Bridge) progress(id string, p rembg.Progress) {
	b.mu.Lock()
	c, ok := b.pending[id]
	if !ok || p.Percent < c.lastPercent {
		b.mu.Unlock()
		return
	}
	c.lastPercent = p.Percent
	fn := c.onProgress
	b.mu.Unlock()

	if fn != nil {
		fn(p)
	}
}

// complete 移除并结束一项，已被移除时返回 false
func (b *Bridge) complete(id string, r reply) bool {
	b.mu.Lock()
	c, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
		b.metrics.inflight.Dec()
	}
	b.mu.Unlock()

	if !ok {
		slog.Debug("dropping response for unknown request", "request_id", id, "type", r.typ)
		return false
	}
	c.done <- r
	return true
}

// lost 上下文故障，所有挂起请求以 ContextLostError 结束
func (b *Bridge) lost(port Port, gen string, cause error) {
	b.mu.Lock()
	if b.port != port || b.state == StateDisposed {
		b.mu.Unlock()
		return
	}
	b.state, b.port, b.readyKey = StateLost, nil, ""
	calls := b.pending
	b.pending = make(map[string]*call)
	b.metrics.inflight.Sub(float64(len(calls)))
	b.mu.Unlock()

	slog.Error("pipeline context lost", "generation", gen, "pending", len(calls), "error", cause)
	for _, c := range calls {
		c.done <- reply{err: rembg.NewContextLostError(cause)}
	}
	_ = port.Close()
}

// Request 已提交的请求
type Request struct {
	b     *Bridge
	id    string
	typ   MessageType
	gen   string
	port  Port
	c     *call
	start time.Time
	stop  func() bool

	once    sync.Once
	payload msgpack.RawMessage
	err     error
}

func (r *Request) ID() string {
	return r.id
}

// Cancel 立即以 CancelledError 结束请求，并通知执行上下文
func (r *Request) Cancel() {
	r.cancel(context.Canceled)
}

func (r *Request) cancel(cause error) {
	if r.c == nil || !r.b.complete(r.id, reply{err: rembg.NewCancelledError(cause)}) {
		return
	}
	frame, err := Encode(ksuid.New().String(), TypeCancel, CancelPayload{TargetID: r.id})
	if err == nil {
		err = r.port.Send(frame)
	}
	if err != nil {
		slog.Debug("cancel envelope not delivered", "request_id", r.id, "error", err)
	}
}

// Wait 等待 process 请求结束
func (r *Request) Wait() (*rembg.Result, error) {
	res := &rembg.Result{}
	if err := r.await(res); err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Request) await(out any) error {
	r.once.Do(func() {
		if r.err == nil {
			rep := <-r.c.done
			r.payload, r.err = rep.payload, rep.err
		}
		if r.stop != nil {
			r.stop()
		}
		r.b.metrics.seconds.WithLabelValues(string(r.typ)).Observe(time.Since(r.start).Seconds())
		if r.err != nil {
			r.b.metrics.failures.WithLabelValues(string(rembg.CodeOf(r.err))).Inc()
			slog.Debug("request failed", "request_id", r.id, "type", r.typ, "generation", r.gen, "error", r.err)
		}
	})
	if r.err != nil {
		return r.err
	}
	if out == nil || len(r.payload) == 0 {
		return nil
	}
	if err := msgpack.Unmarshal(r.payload, out); err != nil {
		return rembg.NewInvalidInputError(fmt.Sprintf("malformed %s response", r.typ), err)
	}
	return nil
}

// submit 登记并发送一个请求，失败记录在返回的 Request 上
func (b *Bridge) submit(ctx context.Context, t MessageType, payload any, onProgress rembg.ProgressFunc) *Request {
	r := &Request{b: b, id: ksuid.New().String(), typ: t, start: time.Now()}
	b.metrics.requests.WithLabelValues(string(t)).Inc()

	if err := ctx.Err(); err != nil {
		r.err = rembg.NewCancelledError(err)
		return r
	}

	port, gen, err := b.ensure(ctx)
	if err != nil {
		r.err = err
		return r
	}
	r.port, r.gen = port, gen

	frame, err := Encode(r.id, t, payload)
	if err != nil {
		r.err = rembg.NewInvalidInputError("encode request", err)
		return r
	}

	c := &call{id: r.id, typ: t, done: make(chan reply, 1), onProgress: onProgress, createdAt: r.start}
	b.mu.Lock()
	switch {
	case b.state == StateDisposed:
		err = ErrDisposed
	case b.port != port:
		err = rembg.NewContextLostError(ErrPortClosed)
	case len(b.pending) >= b.maxPending:
		err = fmt.Errorf("%w: limit %d", ErrTooManyRequests, b.maxPending)
	default:
		b.pending[r.id] = c
		b.metrics.inflight.Inc()
	}
	b.mu.Unlock()
	if err != nil {
		r.err = err
		return r
	}
	r.c = c

	if err := port.Send(frame); err != nil {
		b.complete(r.id, reply{err: rembg.NewContextLostError(err)})
		return r
	}
	r.stop = context.AfterFunc(ctx, func() { r.cancel(context.Cause(ctx)) })
	return r
}

func (b *Bridge) roundTrip(ctx context.Context, t MessageType, payload any, out any) (string, error) {
	r := b.submit(ctx, t, payload, nil)
	return r.gen, r.await(out)
}

func readyKey(kind rembg.EngineKind, opts rembg.Options) string {
	acc := opts.Acceleration
	if acc == "" {
		acc = rembg.AccelerationAuto
	}
	return fmt.Sprintf("%s|%s|%s", kind, rembg.ResolveModel(kind, opts), acc)
}

func (b *Bridge) markReady(gen, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.generation == gen && b.state == StateReady {
		b.readyKey = key
	}
}

// Initialize 当前上下文已就绪同种类同模型时直接返回
func (b *Bridge) Initialize(ctx context.Context, kind rembg.EngineKind, opts rembg.Options) error {
	if !kind.Valid() {
		return rembg.NewInvalidInputError(fmt.Sprintf("unknown engine kind %q", kind), nil)
	}
	key := readyKey(kind, opts)

	b.mu.Lock()
	ready := b.state == StateReady && b.readyKey == key
	b.mu.Unlock()
	if ready {
		return nil
	}

	gen, err := b.roundTrip(ctx, TypeInitialize, InitializePayload{EngineKind: kind, Options: opts}, &AckPayload{})
	if err != nil {
		return err
	}
	b.markReady(gen, key)
	return nil
}

// Submit 提交 process 请求，返回可取消的句柄
func (b *Bridge) Submit(ctx context.Context, buf *pixel.Buffer, opts rembg.Options, onProgress rembg.ProgressFunc) *Request {
	kind := rembg.SelectKind(opts)
	return b.submit(ctx, TypeProcess, ProcessPayload{EngineKind: kind, PixelBuffer: buf, Options: opts}, onProgress)
}

func (b *Bridge) Process(ctx context.Context, buf *pixel.Buffer, opts rembg.Options, onProgress rembg.ProgressFunc) (*rembg.Result, error) {
	r := b.Submit(ctx, buf, opts, onProgress)
	res, err := r.Wait()
	if err != nil {
		return nil, err
	}
	// 自动检测可能改写模型，按实际使用的模型标记就绪
	used := opts
	if res.ModelUsed != "" {
		used.Model = res.ModelUsed
	}
	b.markReady(r.gen, readyKey(rembg.SelectKind(opts), used))
	return res, nil
}

// Capabilities 每次都由当前上下文重新探测
func (b *Bridge) Capabilities(ctx context.Context) (*rembg.Capabilities, error) {
	caps := &rembg.Capabilities{}
	if _, err := b.roundTrip(ctx, TypeCapabilities, nil, caps); err != nil {
		return nil, err
	}
	return caps, nil
}

// Preload 预先拉取模型到资源缓存
func (b *Bridge) Preload(ctx context.Context, model string) error {
	if model == "" {
		return rembg.NewInvalidInputError("model id is empty", nil)
	}
	_, err := b.roundTrip(ctx, TypePreload, PreloadPayload{Model: model}, &AckPayload{})
	return err
}

func (b *Bridge) Analyze(ctx context.Context, buf *pixel.Buffer) (*analyzer.Analysis, error) {
	a := &analyzer.Analysis{}
	if _, err := b.roundTrip(ctx, TypeAnalyze, AnalyzePayload{PixelBuffer: buf}, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Dispose 拒绝全部挂起请求，通知上下文清理后关闭通道，可重复调用
func (b *Bridge) Dispose() {
	b.mu.Lock()
	if b.state == StateDisposed {
		b.mu.Unlock()
		return
	}
	b.state = StateDisposed
	port := b.port
	b.port, b.readyKey = nil, ""
	calls := b.pending
	b.pending = make(map[string]*call)
	b.metrics.inflight.Sub(float64(len(calls)))
	b.mu.Unlock()

	for _, c := range calls {
		c.done <- reply{err: ErrDisposed}
	}
	if port != nil {
		if frame, err := Encode(ksuid.New().String(), TypeCleanup, nil); err == nil {
			_ = port.Send(frame)
		}
		_ = port.Close()
	}
	b.cancel()
	slog.Info("bridge disposed", "rejected", len(calls))
}
