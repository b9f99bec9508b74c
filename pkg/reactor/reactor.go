// Package reactor holds connections that are waiting for bytes so that they
// do not occupy a worker. A single goroutine owns the registry and the
// deadline queue; every callback runs on that goroutine.
//
// Package reactor는 바이트를 기다리는 연결이 워커를 점유하지 않도록 보관합니다.
// 하나의 고루틴이 레지스트리와 데드라인 큐를 소유하며, 모든 콜백은 이 고루틴에서 실행됩니다.
package reactor

import (
	"container/heap"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrRunning is returned by Run when the loop was already started.
var ErrRunning = errors.New("reactor: already running")

// Client is a connection the reactor can hold.
// Client는 리액터가 보관할 수 있는 연결입니다.
type Client interface {
	comparable
	// TimeoutAt returns the absolute deadline. It is read on Add and after
	// every callback that keeps the client registered.
	TimeoutAt() time.Time
}

// Event tells the callback why it was invoked.
// Event는 콜백이 호출된 이유를 알려줍니다.
type Event uint8

const (
	// EventReadable means bytes are buffered on the connection.
	EventReadable Event = iota
	// EventTimeout means the client's deadline has passed.
	EventTimeout
	// EventShutdown means the reactor is stopping and needs a final decision.
	EventShutdown
)

func (e Event) String() string {
	switch e {
	case EventReadable:
		return "readable"
	case EventTimeout:
		return "timeout"
	case EventShutdown:
		return "shutdown"
	}
	return "unknown"
}

// Callback decides the fate of a client. Returning true removes it from the reactor.
// Callback은 클라이언트의 처리를 결정합니다. true를 반환하면 리액터에서 제거됩니다.
type Callback[C Client] func(c C, ev Event) bool

// Option is a function type for configuring the Reactor.
// Option은 Reactor 설정을 위한 함수 타입입니다.
type Option func(*options)

type options struct {
	logger *zap.Logger
}

// WithLogger sets the logger.
// WithLogger는 로거를 설정합니다.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

type wakeRequest[C Client] struct {
	client C
	reply  chan bool
}

// Reactor multiplexes readiness and deadlines of many clients through one goroutine.
// Reactor는 하나의 고루틴으로 많은 클라이언트의 준비 상태와 데드라인을 다중화합니다.
type Reactor[C Client] struct {
	callback Callback[C]
	logger   *zap.Logger

	add   chan C
	added chan struct{}
	wake  chan wakeRequest[C]
	stop  chan struct{}
	done  chan struct{}

	stopOnce sync.Once
	started  atomic.Bool
	size     atomic.Int64
}

// New creates a Reactor. Run must be called to start it.
// New는 Reactor를 생성합니다. 시작하려면 Run을 호출해야 합니다.
func New[C Client](callback Callback[C], opts ...Option) *Reactor[C] {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Reactor[C]{
		callback: callback,
		logger:   o.logger,
		add:      make(chan C),
		added:    make(chan struct{}),
		wake:     make(chan wakeRequest[C]),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Add hands c to the reactor and returns once it is registered. It returns
// false, leaving c with the caller, when the reactor is shutting down.
// Add는 c를 리액터에 넘깁니다. 리액터가 종료 중이면 false를 반환하며 c는 호출자에게 남습니다.
func (r *Reactor[C]) Add(c C) bool {
	select {
	case <-r.stop:
		return false
	default:
	}
	select {
	case r.add <- c:
		<-r.added
		return true
	case <-r.stop:
		return false
	}
}

// Wake reports that c has bytes to read and waits until the callback ran.
// It returns false when c is not registered.
// Wake는 c에 읽을 바이트가 있음을 알리고 콜백이 실행될 때까지 기다립니다.
// c가 등록되어 있지 않으면 false를 반환합니다.
func (r *Reactor[C]) Wake(c C) bool {
	req := wakeRequest[C]{client: c, reply: make(chan bool, 1)}
	select {
	case r.wake <- req:
	case <-r.done:
		return false
	}
	return <-req.reply
}

// Len returns the number of registered clients.
func (r *Reactor[C]) Len() int {
	return int(r.size.Load())
}

// Shutdown asks Run to flush every registered client through the callback
// with EventShutdown and return. It does not wait.
// Shutdown은 Run에게 등록된 모든 클라이언트를 EventShutdown으로 콜백에 전달한 뒤 반환하도록 요청합니다.
func (r *Reactor[C]) Shutdown() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Done is closed when Run has returned.
func (r *Reactor[C]) Done() <-chan struct{} {
	return r.done
}

// Run is the reactor loop. It returns after Shutdown once every client has
// been flushed.
// Run은 리액터 루프입니다. Shutdown 이후 모든 클라이언트가 정리되면 반환합니다.
func (r *Reactor[C]) Run() error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer close(r.done)

	registry := make(map[C]*entry[C])
	var queue timeouts[C]

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	remove := func(e *entry[C]) {
		if e.index >= 0 {
			heap.Remove(&queue, e.index)
		}
		delete(registry, e.client)
		r.size.Store(int64(len(registry)))
	}
	reschedule := func(e *entry[C]) {
		e.deadline = e.client.TimeoutAt()
		if e.index >= 0 {
			heap.Fix(&queue, e.index)
		} else {
			heap.Push(&queue, e)
		}
	}

	for {
		var expired <-chan time.Time
		if queue.Len() > 0 {
			timer.Reset(time.Until(queue[0].deadline))
			expired = timer.C
		} else {
			timer.Stop()
		}

		select {
		case c := <-r.add:
			e, ok := registry[c]
			if !ok {
				e = &entry[C]{client: c, index: -1}
				registry[c] = e
			}
			reschedule(e)
			r.size.Store(int64(len(registry)))
			r.added <- struct{}{}

		case req := <-r.wake:
			e, ok := registry[req.client]
			if !ok {
				req.reply <- false
				continue
			}
			if r.call(e.client, EventReadable) {
				remove(e)
			} else {
				reschedule(e)
			}
			req.reply <- true

		case <-expired:
			now := time.Now()
			var due []*entry[C]
			for queue.Len() > 0 && !queue[0].deadline.After(now) {
				due = append(due, heap.Pop(&queue).(*entry[C]))
			}
			for _, e := range due {
				if r.call(e.client, EventTimeout) {
					remove(e)
				} else {
					reschedule(e)
				}
			}

		case <-r.stop:
			r.logger.Info("reactor flushing clients", zap.Int("clients", len(registry)))
			for c := range registry {
				r.call(c, EventShutdown)
			}
			clear(registry)
			r.size.Store(0)
			r.drainWakes()
			return nil
		}
	}
}

// drainWakes answers Wake calls that raced with shutdown.
func (r *Reactor[C]) drainWakes() {
	for {
		select {
		case req := <-r.wake:
			req.reply <- false
		default:
			return
		}
	}
}

func (r *Reactor[C]) call(c C, ev Event) (done bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("reactor callback panicked",
				zap.Stringer("event", ev),
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
			done = true
		}
	}()
	return r.callback(c, ev)
}
