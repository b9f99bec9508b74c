// Package workerpool provides a bounded, dynamically sized pool of worker
// goroutines that pull units of work from a shared FIFO queue.
//
// Package workerpool은 공유 FIFO 큐에서 작업을 가져오는, 크기가 동적으로 조절되는
// 제한된 워커 고루틴 풀을 제공합니다.
package workerpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"
)

var (
	// ErrShutdown is returned by Submit once Shutdown has begun.
	// ErrShutdown은 Shutdown이 시작된 후 Submit이 반환하는 에러입니다.
	ErrShutdown = errors.New("workerpool: pool is shut down")

	// ErrForceShutdown is the cancellation cause delivered to interruptible
	// work during a forced shutdown.
	// ErrForceShutdown은 강제 종료 시 중단 가능한 작업에 전달되는 취소 원인입니다.
	ErrForceShutdown = errors.New("workerpool: forced shutdown")
)

const defaultGrace = 5 * time.Second

// Func processes one unit of work. buf is owned by the calling worker and is
// reset after Func returns.
// Func는 하나의 작업 단위를 처리합니다. buf는 호출한 워커의 소유이며 Func 반환 후 초기화됩니다.
type Func[T any] func(ctx context.Context, item T, buf *bytebufferpool.ByteBuffer)

type workerState uint8

const (
	stateIdle workerState = iota
	stateRunning
	stateExitRequested
)

type worker struct {
	id   int
	pool regionOwner
	buf  *bytebufferpool.ByteBuffer
	done chan struct{}

	// Guarded by the pool mutex.
	state         workerState
	interruptible bool
	cancel        context.CancelCauseFunc
}

// Stats is a point-in-time snapshot of pool counters.
// Stats는 풀 카운터의 특정 시점 스냅샷입니다.
type Stats struct {
	Backlog      int
	Spawned      int
	Waiting      int
	PoolCapacity int
	MaxThreads   int
}

// Pool runs Func on queued items with between min and max workers.
// All counters live behind a single mutex; Func is never called with it held.
//
// Pool은 min과 max 사이의 워커로 큐에 쌓인 항목에 Func를 실행합니다.
// 모든 카운터는 하나의 뮤텍스로 보호되며, Func 호출 중에는 뮤텍스를 잡지 않습니다.
type Pool[T any] struct {
	work   Func[T]
	min    int
	max    int
	grace  time.Duration
	logger *zap.Logger

	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	todo          []T
	workers       map[*worker]struct{}
	spawned       int
	waiting       int
	trimRequested int
	seq           int
	shutdown      bool
	force         bool
	terminated    bool

	closing   chan struct{}
	closeOnce sync.Once

	// Closed by Interrupt; cuts a running drain wait short.
	escalate     chan struct{}
	escalateOnce sync.Once
}

// New creates a Pool and starts its minimum number of workers.
// New는 Pool을 생성하고 최소 개수의 워커를 시작합니다.
func New[T any](work Func[T], opts ...Option) *Pool[T] {
	cfg := config{
		min:    0,
		max:    16,
		grace:  defaultGrace,
		name:   "pool",
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.max < 1 {
		cfg.max = 1
	}
	if cfg.min > cfg.max {
		cfg.min = cfg.max
	}

	p := &Pool[T]{
		work:    work,
		min:     cfg.min,
		max:     cfg.max,
		grace:   cfg.grace,
		logger:  cfg.logger.With(zap.String("pool", cfg.name)),
		workers: make(map[*worker]struct{}),
		closing:  make(chan struct{}),
		escalate: make(chan struct{}),
	}
	p.notEmpty = sync.NewCond(&p.mu)
	p.notFull = sync.NewCond(&p.mu)

	p.mu.Lock()
	for i := 0; i < p.min; i++ {
		p.spawnLocked()
	}
	p.mu.Unlock()
	return p
}

func (p *Pool[T]) spawnLocked() {
	p.seq++
	w := &worker{
		id:   p.seq,
		pool: p,
		buf:  bytebufferpool.Get(),
		done: make(chan struct{}),
	}
	p.spawned++
	p.workers[w] = struct{}{}
	go p.run(w)
}

func (p *Pool[T]) run(w *worker) {
	exited := false
	defer func() {
		// A worker that leaves without passing through retire is picked up by Reap.
		if !exited {
			close(w.done)
		}
	}()

	var zero T
	for {
		p.mu.Lock()
		for len(p.todo) == 0 {
			if p.trimRequested > 0 {
				p.trimRequested--
				p.retireLocked(w)
				p.mu.Unlock()
				exited = true
				return
			}
			if p.shutdown {
				p.retireLocked(w)
				p.mu.Unlock()
				exited = true
				return
			}
			w.state = stateIdle
			p.waiting++
			p.notFull.Signal()
			p.notEmpty.Wait()
			p.waiting--
		}

		item := p.todo[0]
		p.todo[0] = zero
		p.todo = p.todo[1:]

		ctx, cancel := context.WithCancelCause(context.WithValue(context.Background(), regionKey{}, w))
		w.state = stateRunning
		w.cancel = cancel
		p.mu.Unlock()

		p.execute(ctx, w, item)
		cancel(nil)
		w.buf.Reset()

		p.mu.Lock()
		w.cancel = nil
		w.interruptible = false
		p.mu.Unlock()
	}
}

func (p *Pool[T]) execute(ctx context.Context, w *worker, item T) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("work unit panicked",
				zap.Int("worker", w.id),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()
	p.work(ctx, item, w.buf)
}

func (p *Pool[T]) retireLocked(w *worker) {
	w.state = stateExitRequested
	if !p.terminated {
		p.spawned--
		delete(p.workers, w)
	}
	bytebufferpool.Put(w.buf)
	w.buf = nil
	close(w.done)
	p.notFull.Signal()
}

// Submit queues item, spawning a worker when the queue outgrows the idle ones.
// It never blocks on capacity; use WaitUntilNotFull for admission control.
//
// Submit은 항목을 큐에 넣고, 큐가 유휴 워커보다 많아지면 워커를 생성합니다.
// 용량 때문에 블로킹하지 않으며, 유입 제어에는 WaitUntilNotFull을 사용합니다.
func (p *Pool[T]) Submit(item T) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		return ErrShutdown
	}
	p.todo = append(p.todo, item)
	if p.waiting < len(p.todo) && p.spawned < p.max {
		p.spawnLocked()
	}
	p.notEmpty.Signal()
	return nil
}

// WaitUntilNotFull blocks while every worker up to max is busy or spoken for.
// WaitUntilNotFull은 max까지의 모든 워커가 바쁜 동안 블로킹합니다.
func (p *Pool[T]) WaitUntilNotFull() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for !p.shutdown && p.busyLocked() >= p.max {
		p.notFull.Wait()
	}
}

func (p *Pool[T]) busyLocked() int {
	return p.spawned - p.waiting + len(p.todo)
}

// Trim asks one idle worker above the minimum to exit. With force set the
// request is granted even if no worker is idle right now.
// Trim은 최소 개수를 넘는 유휴 워커 하나에게 종료를 요청합니다.
func (p *Pool[T]) Trim(force bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if (force || p.waiting-len(p.todo) > 0) && p.spawned-p.trimRequested > p.min {
		p.trimRequested++
		p.notEmpty.Signal()
	}
}

// Reap removes workers whose goroutine exited abnormally and returns how many were removed.
// Reap은 비정상 종료된 워커를 제거하고 제거된 수를 반환합니다.
func (p *Pool[T]) Reap() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for w := range p.workers {
		select {
		case <-w.done:
			delete(p.workers, w)
			p.spawned--
			n++
		default:
		}
	}
	if n > 0 {
		p.logger.Warn("reaped dead workers", zap.Int("count", n))
		p.notFull.Broadcast()
	}
	return n
}

// AutoTrim calls Trim every interval until the pool shuts down.
// AutoTrim은 풀이 종료될 때까지 interval마다 Trim을 호출합니다.
func (p *Pool[T]) AutoTrim(interval time.Duration) {
	p.every(interval, func() { p.Trim(false) })
}

// AutoReap calls Reap every interval until the pool shuts down.
// AutoReap은 풀이 종료될 때까지 interval마다 Reap을 호출합니다.
func (p *Pool[T]) AutoReap(interval time.Duration) {
	p.every(interval, func() { p.Reap() })
}

func (p *Pool[T]) every(interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				fn()
			case <-p.closing:
				return
			}
		}
	}()
}

// Shutdown stops the pool. Queued work keeps draining until every worker has
// exited or timeout elapses; a negative timeout waits until Interrupt is
// called. After the timeout, workers inside Interruptible are cancelled with ErrForceShutdown
// and given the grace period, after which any remaining worker is abandoned.
// Items still queued at that point are returned to the caller.
//
// Shutdown은 풀을 중지합니다. 모든 워커가 종료되거나 timeout이 지날 때까지 큐의 작업은 계속 처리되며,
// 음수 timeout은 Interrupt가 호출될 때까지 기다립니다. timeout 이후 Interruptible 안의 워커는 ErrForceShutdown으로 취소되고
// 유예 시간이 주어지며, 그 뒤에도 남은 워커는 포기됩니다. 그때까지 큐에 남은 항목은 호출자에게 반환됩니다.
func (p *Pool[T]) Shutdown(timeout time.Duration) []T {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return nil
	}
	p.shutdown = true
	p.trimRequested = p.spawned
	p.notEmpty.Broadcast()
	p.notFull.Broadcast()
	workers := make([]*worker, 0, len(p.workers))
	for w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()
	p.closeOnce.Do(func() { close(p.closing) })

	p.logger.Info("draining", zap.Int("workers", len(workers)), zap.Duration("timeout", timeout))

	var deadline <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	if !waitAll(workers, deadline, p.escalate) {
		interrupted := p.interrupt()
		p.logger.Warn("forcing shutdown", zap.Int("interrupted", interrupted), zap.Duration("grace", p.grace))
		if !waitFor(workers, p.grace) {
			p.abandon(workers)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = true
	p.spawned = 0
	p.waiting = 0
	p.trimRequested = 0
	p.workers = make(map[*worker]struct{})
	leftover := p.todo
	p.todo = nil
	if len(leftover) > 0 {
		p.logger.Warn("discarding queued work", zap.Int("count", len(leftover)))
	}
	return leftover
}

// Interrupt cancels every worker currently inside Interruptible with
// ErrForceShutdown and makes new regions fail. A Shutdown that is waiting,
// or that starts later, stops waiting for work and gives the remaining
// workers only the grace period before abandoning them.
//
// Interrupt는 Interruptible 안에 있는 모든 워커를 ErrForceShutdown으로 취소하고 새 영역 진입을 막습니다.
// 대기 중이거나 이후에 시작되는 Shutdown은 더 기다리지 않고, 남은 워커에게 유예 시간만 준 뒤 포기합니다.
func (p *Pool[T]) Interrupt() int {
	n := p.interrupt()
	p.escalateOnce.Do(func() { close(p.escalate) })
	return n
}

func (p *Pool[T]) interrupt() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.force = true
	n := 0
	for w := range p.workers {
		if w.interruptible && w.cancel != nil {
			w.cancel(ErrForceShutdown)
			n++
		}
	}
	return n
}

func (p *Pool[T]) abandon(workers []*worker) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, w := range workers {
		select {
		case <-w.done:
			continue
		default:
		}
		if w.cancel != nil {
			w.cancel(ErrForceShutdown)
		}
		n++
	}
	p.logger.Error("abandoning workers that did not stop", zap.Int("count", n))
}

func waitFor(workers []*worker, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	return waitAll(workers, t.C, nil)
}

// waitAll reports whether every worker exited before timeout fired or stop was closed.
func waitAll(workers []*worker, timeout <-chan time.Time, stop <-chan struct{}) bool {
	for _, w := range workers {
		select {
		case <-w.done:
		case <-timeout:
			return false
		case <-stop:
			return false
		}
	}
	return true
}

// Stats returns the current counters.
// Stats는 현재 카운터를 반환합니다.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Backlog:      len(p.todo),
		Spawned:      p.spawned,
		Waiting:      p.waiting,
		PoolCapacity: p.waiting + (p.max - p.spawned),
		MaxThreads:   p.max,
	}
}

// Backlog returns the number of queued items.
func (p *Pool[T]) Backlog() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.todo)
}

// Spawned returns the number of live workers.
func (p *Pool[T]) Spawned() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spawned
}

// Waiting returns the number of idle workers.
func (p *Pool[T]) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiting
}

// ShuttingDown reports whether Shutdown has begun.
func (p *Pool[T]) ShuttingDown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutdown
}

func (p *Pool[T]) enterRegion(w *worker) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.force {
		return ErrForceShutdown
	}
	w.interruptible = true
	return nil
}

func (p *Pool[T]) leaveRegion(w *worker) {
	p.mu.Lock()
	w.interruptible = false
	p.mu.Unlock()
}
