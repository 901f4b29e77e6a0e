package rembg

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaos-io/cutout/pixel"
)

// spyEngine 记录生命周期事件
type spyEngine struct {
	kind    EngineKind
	events  *eventLog
	initErr error

	active  *atomic.Int32
	maxSeen *atomic.Int32
	hold    time.Duration
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (e *spyEngine) Name() string     { return string(e.kind) }
func (e *spyEngine) Kind() EngineKind { return e.kind }

func (e *spyEngine) Initialize(_ context.Context, opts Options) error {
	e.events.add("init %s %s", e.kind, ResolveModel(e.kind, opts))
	return e.initErr
}

func (e *spyEngine) ProcessImage(ctx context.Context, buf *pixel.Buffer, _ Options, _ ProgressFunc) (*Result, error) {
	if e.active != nil {
		n := e.active.Add(1)
		for {
			seen := e.maxSeen.Load()
			if n <= seen || e.maxSeen.CompareAndSwap(seen, n) {
				break
			}
		}
		defer e.active.Add(-1)
	}
	if e.hold > 0 {
		select {
		case <-time.After(e.hold):
		case <-ctx.Done():
			return nil, NewCancelledError(ctx.Err())
		}
	}
	e.events.add("process %s", e.kind)
	return &Result{EngineUsed: e.Name(), Resolution: Resolution{Width: buf.Width, Height: buf.Height}}, nil
}

func (e *spyEngine) Cleanup() error {
	e.events.add("cleanup %s", e.kind)
	return nil
}

func (e *spyEngine) Capabilities(context.Context) (*Capabilities, error) {
	return &Capabilities{}, nil
}

func spyFactories(log *eventLog, tweak func(*spyEngine)) map[EngineKind]Factory {
	out := make(map[EngineKind]Factory)
	for _, k := range []EngineKind{KindBaseline, KindParametric, KindAlternate} {
		out[k] = func(Deps) Engine {
			log.add("create %s", k)
			e := &spyEngine{kind: k, events: log}
			if tweak != nil {
				tweak(e)
			}
			return e
		}
	}
	return out
}

func TestRegistry_SwitchDisposesFirst(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	log := &eventLog{}
	r := NewRegistry(Deps{}, spyFactories(log, nil))
	buf := pixel.New(2, 2)

	_, err := r.Process(ctx, KindBaseline, buf, Options{}, nil)
	require.NoError(t, err)
	_, err = r.Process(ctx, KindBaseline, buf, Options{}, nil)
	require.NoError(t, err)
	_, err = r.Process(ctx, KindParametric, buf, Options{Model: ModelDetailed}, nil)
	require.NoError(t, err)

	kind, ok := r.Current()
	assert.True(t, ok)
	assert.Equal(t, KindParametric, kind)

	require.NoError(t, r.Dispose())
	require.NoError(t, r.Dispose(), "重复释放无副作用")
	_, ok = r.Current()
	assert.False(t, ok)

	assert.Equal(t, []string{
		"create baseline",
		"init baseline baseline",
		"process baseline",
		"process baseline",
		"cleanup baseline",
		"create parametric",
		"init parametric detailed",
		"process parametric",
		"cleanup parametric",
	}, log.list())
}

func TestRegistry_ReinitializeOnModelChange(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	log := &eventLog{}
	r := NewRegistry(Deps{}, spyFactories(log, nil))

	require.NoError(t, r.Initialize(ctx, KindParametric, Options{Model: ModelDetailed}))
	require.NoError(t, r.Initialize(ctx, KindParametric, Options{Model: "u2net"}), "别名解析后相同，不重复初始化")
	require.NoError(t, r.Initialize(ctx, KindParametric, Options{Model: ModelPortrait}))

	assert.Equal(t, []string{
		"create parametric",
		"init parametric detailed",
		"init parametric portrait",
	}, log.list())
}

func TestRegistry_InitFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	log := &eventLog{}
	var fail atomic.Bool
	fail.Store(true)
	factories := map[EngineKind]Factory{
		KindBaseline: func(Deps) Engine {
			return &flakyInit{spyEngine: spyEngine{kind: KindBaseline, events: log}, fail: &fail}
		},
	}
	r := NewRegistry(Deps{}, factories)

	err := r.Initialize(ctx, KindBaseline, Options{})
	assert.ErrorIs(t, err, ErrInitialization)

	fail.Store(false)
	_, err = r.Process(ctx, KindBaseline, pixel.New(1, 1), Options{}, nil)
	require.NoError(t, err, "失败后下一次请求重新初始化")
	assert.Equal(t, []string{"init baseline baseline", "init baseline baseline", "process baseline"}, log.list())
}

type flakyInit struct {
	spyEngine
	fail *atomic.Bool
}

func (e *flakyInit) Initialize(ctx context.Context, opts Options) error {
	_ = e.spyEngine.Initialize(ctx, opts)
	if e.fail.Load() {
		return NewInitializationError(e.Name(), errors.New("weights unavailable"))
	}
	return nil
}

func TestRegistry_UnknownKind(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Deps{}, spyFactories(&eventLog{}, nil))
	_, err := r.Process(context.Background(), "magic", pixel.New(1, 1), Options{}, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRegistry_Serialized(t *testing.T) {
	t.Parallel()

	var active, maxSeen atomic.Int32
	r := NewRegistry(Deps{}, spyFactories(&eventLog{}, func(e *spyEngine) {
		e.active, e.maxSeen, e.hold = &active, &maxSeen, 5*time.Millisecond
	}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Process(context.Background(), KindBaseline, pixel.New(1, 1), Options{}, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen.Load(), "引擎不可重入")
}

func TestRegistry_CancelWhileQueued(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Deps{}, spyFactories(&eventLog{}, func(e *spyEngine) {
		e.hold = time.Second
	}))

	running, stop := context.WithCancel(context.Background())
	defer stop()
	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = r.Process(running, KindBaseline, pixel.New(1, 1), Options{}, nil)
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Process(ctx, KindBaseline, pixel.New(1, 1), Options{}, nil)
	assert.ErrorIs(t, err, ErrCancelled)
}
