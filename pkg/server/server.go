package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cloudwego/netpoll"
	"github.com/valyala/fasthttp/reuseport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DevNewbie1826/netpoll-httpcore/pkg/appcontext"
	"github.com/DevNewbie1826/netpoll-httpcore/pkg/engine"
	"github.com/DevNewbie1826/netpoll-httpcore/pkg/reactor"
	"github.com/DevNewbie1826/netpoll-httpcore/pkg/request"
	"github.com/DevNewbie1826/netpoll-httpcore/pkg/workerpool"
)

var (
	// ErrRestart is returned by Run after BeginRestart once the server has drained.
	// ErrRestart는 BeginRestart 이후 서버가 정리되면 Run이 반환하는 에러입니다.
	ErrRestart = errors.New("server: restart requested")

	// ErrStarted is returned by Run when the server was already started.
	ErrStarted = errors.New("server: already started")

	// ErrNoListeners is returned by Run when no bind address is configured.
	ErrNoListeners = errors.New("server: no listeners configured")

	errListenerLost = errors.New("listener stopped unexpectedly")
)

type status int32

const (
	statusIdle status = iota
	statusRunning
	statusStopping
	statusHalting
	statusRestarting
)

func (s status) String() string {
	switch s {
	case statusIdle:
		return "idle"
	case statusRunning:
		return "running"
	case statusStopping:
		return "stopping"
	case statusHalting:
		return "halting"
	case statusRestarting:
		return "restarting"
	}
	return "status(" + strconv.Itoa(int(s)) + ")"
}

type command uint8

const (
	cmdStop command = iota + 1
	cmdHalt
	cmdRestart
)

func (c command) String() string {
	switch c {
	case cmdStop:
		return "stop"
	case cmdHalt:
		return "halt"
	case cmdRestart:
		return "restart"
	}
	return "command(" + strconv.Itoa(int(c)) + ")"
}

func (c command) status() status {
	switch c {
	case cmdHalt:
		return statusHalting
	case cmdRestart:
		return statusRestarting
	}
	return statusStopping
}

// Server accepts connections, parks the ones still sending in the reactor and
// runs complete requests on the worker pool.
//
// Server는 연결을 수락하고, 아직 전송 중인 연결은 리액터에 보관하며,
// 완성된 요청은 워커 풀에서 실행합니다.
type Server struct {
	Engine *engine.Engine

	listeners          []appcontext.Listener
	minThreads         int
	maxThreads         int
	queueRequests      bool
	firstDataTimeout   time.Duration
	persistentTimeout  time.Duration
	writeTimeout       time.Duration
	idleTimeout        time.Duration
	maxFastInline      int
	forceShutdownAfter time.Duration
	autoTrim           time.Duration
	reaping            time.Duration
	grace              time.Duration
	reusePort          bool
	limits             request.Limits
	logger             *zap.Logger
	meterProvider      metric.MeterProvider

	pool    *workerpool.Pool[*appcontext.RequestContext]
	reactor *reactor.Reactor[*appcontext.RequestContext]
	metrics *metrics

	status   atomic.Int32
	started  atomic.Bool
	requests atomic.Uint64
	control  chan command
	ready    chan struct{}
	done     chan struct{}
	addrs    []net.Addr
}

// Option is a function type for configuring the Server.
// Option은 서버 설정을 위한 함수 타입입니다.
type Option func(*Server)

// WithBinds sets the addresses to listen on. Peer addresses come from the socket.
// WithBinds는 수신할 주소를 설정합니다. 상대 주소는 소켓에서 가져옵니다.
func WithBinds(addrs ...string) Option {
	return func(s *Server) {
		s.listeners = s.listeners[:0]
		for _, a := range addrs {
			s.listeners = append(s.listeners, appcontext.Listener{Addr: a})
		}
	}
}

// WithListeners sets the binds together with their remote address policy.
// WithListeners는 바인드 주소와 상대 주소 정책을 함께 설정합니다.
func WithListeners(ls ...appcontext.Listener) Option {
	return func(s *Server) {
		s.listeners = append(s.listeners[:0], ls...)
	}
}

// WithThreads sets the minimum and maximum number of workers.
// WithThreads는 워커의 최소 및 최대 개수를 설정합니다.
func WithThreads(min, max int) Option {
	return func(s *Server) {
		s.minThreads = min
		s.maxThreads = max
	}
}

// WithQueueRequests enables or disables the reactor. Without it, workers
// block on the socket until the request is complete.
// WithQueueRequests는 리액터를 켜거나 끕니다. 끄면 워커가 요청이 완성될 때까지 소켓에서 블로킹합니다.
func WithQueueRequests(enabled bool) Option {
	return func(s *Server) {
		s.queueRequests = enabled
	}
}

// WithFirstDataTimeout sets how long a new connection may take to send a request.
// WithFirstDataTimeout은 새 연결이 요청을 보내기까지 허용되는 시간을 설정합니다.
func WithFirstDataTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.firstDataTimeout = d
	}
}

// WithPersistentTimeout sets how long a kept-alive connection may stay idle.
// WithPersistentTimeout은 keep-alive 연결이 유휴 상태로 있을 수 있는 시간을 설정합니다.
func WithPersistentTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.persistentTimeout = d
	}
}

// WithWriteTimeout sets the write timeout.
// WithWriteTimeout은 쓰기 타임아웃을 설정합니다.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.writeTimeout = d
	}
}

// WithIdleTimeout sets netpoll's connection idle timeout. Zero leaves netpoll's default.
// WithIdleTimeout은 netpoll의 연결 유휴 타임아웃을 설정합니다.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.idleTimeout = d
	}
}

// WithMaxFastInline sets how many requests a worker serves back to back on one
// connection before yielding to a backlog.
// WithMaxFastInline은 백로그가 있을 때 양보하기 전까지 한 연결에서 연속으로 처리할 요청 수를 설정합니다.
func WithMaxFastInline(n int) Option {
	return func(s *Server) {
		s.maxFastInline = n
	}
}

// WithForceShutdownAfter sets how long Stop waits for in-flight work before
// interrupting it. A negative value waits forever.
// WithForceShutdownAfter는 Stop이 진행 중인 작업을 중단하기 전까지 기다리는 시간을 설정합니다. 음수는 무한 대기입니다.
func WithForceShutdownAfter(d time.Duration) Option {
	return func(s *Server) {
		s.forceShutdownAfter = d
	}
}

// WithAutoTrim sets the idle worker trim interval. Zero disables it.
func WithAutoTrim(d time.Duration) Option {
	return func(s *Server) {
		s.autoTrim = d
	}
}

// WithReaping sets the dead worker reaping interval. Zero disables it.
func WithReaping(d time.Duration) Option {
	return func(s *Server) {
		s.reaping = d
	}
}

// WithShutdownGrace sets how long interrupted workers and closing connections get before being abandoned.
// WithShutdownGrace는 중단된 워커와 종료 중인 연결에 주어지는 유예 시간을 설정합니다.
func WithShutdownGrace(d time.Duration) Option {
	return func(s *Server) {
		s.grace = d
	}
}

// WithReusePort toggles SO_REUSEPORT listeners.
// WithReusePort는 SO_REUSEPORT 리스너 사용 여부를 설정합니다.
func WithReusePort(enabled bool) Option {
	return func(s *Server) {
		s.reusePort = enabled
	}
}

// WithLimits sets the request parser limits.
// WithLimits는 요청 파서 제한을 설정합니다.
func WithLimits(l request.Limits) Option {
	return func(s *Server) {
		s.limits = l
	}
}

// WithLogger sets the logger.
// WithLogger는 로거를 설정합니다.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMeterProvider sets the provider for the server metrics. The global provider is used by default.
// WithMeterProvider는 서버 메트릭용 provider를 설정합니다. 기본값은 전역 provider입니다.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Server) {
		s.meterProvider = mp
	}
}

// NewServer creates a new Server.
// NewServer는 새로운 Server를 생성합니다.
func NewServer(e *engine.Engine, opts ...Option) *Server {
	s := &Server{
		Engine:             e,
		listeners:          []appcontext.Listener{{Addr: ":8080"}},
		minThreads:         0,
		maxThreads:         16,
		queueRequests:      true,
		firstDataTimeout:   30 * time.Second,
		persistentTimeout:  20 * time.Second,
		writeTimeout:       10 * time.Second,
		maxFastInline:      10,
		forceShutdownAfter: -1,
		autoTrim:           30 * time.Second,
		reaping:            time.Second,
		grace:              5 * time.Second,
		reusePort:          true,
		limits:             request.DefaultLimits(),
		logger:             zap.NewNop(),
		control:            make(chan command, 4),
		ready:              make(chan struct{}),
		done:               make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.meterProvider == nil {
		s.meterProvider = otel.GetMeterProvider()
	}

	s.pool = workerpool.New(s.processClient,
		workerpool.WithMin(s.minThreads),
		workerpool.WithMax(s.maxThreads),
		workerpool.WithShutdownGrace(s.grace),
		workerpool.WithName("http"),
		workerpool.WithLogger(s.logger),
	)
	if s.queueRequests {
		s.reactor = reactor.New(s.reactorWakeup, reactor.WithLogger(s.logger))
	}
	return s
}

// Run binds every listener and serves until Stop, Halt or BeginRestart has
// been handled, or a listener fails. It returns ErrRestart for a restart.
//
// Run은 모든 리스너를 바인드하고 Stop, Halt, BeginRestart가 처리되거나 리스너가 실패할 때까지 서비스합니다.
// 재시작의 경우 ErrRestart를 반환합니다.
func (s *Server) Run() error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	defer close(s.done)

	// Workers started by NewServer must not outlive a Run that never served.
	// 서비스를 시작하지 못한 Run은 NewServer가 시작한 워커를 정리합니다.
	serving := false
	defer func() {
		if !serving {
			s.pool.Shutdown(s.grace)
		}
	}()

	if len(s.listeners) == 0 {
		return ErrNoListeners
	}

	m, err := newMetrics(s.meterProvider, s)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	s.metrics = m
	defer m.unregister()

	type bound struct {
		addr string
		ln   netpoll.Listener
		loop netpoll.EventLoop
	}
	var binds []bound
	closeAll := func() {
		for _, b := range binds {
			_ = b.ln.Close()
		}
	}

	for i := range s.listeners {
		l := &s.listeners[i]
		raw, err := s.listen(l.Addr)
		if err != nil {
			closeAll()
			return fmt.Errorf("listen %s: %w", l.Addr, err)
		}
		ln, err := netpoll.ConvertListener(raw)
		if err != nil {
			_ = raw.Close()
			closeAll()
			return err
		}

		// OnRequest bridges readiness to whoever owns the connection.
		// OnRequest는 준비 상태를 연결의 현재 소유자에게 전달합니다.
		loop, err := netpoll.NewEventLoop(s.onRequest, s.loopOptions(l)...)
		if err != nil {
			_ = ln.Close()
			closeAll()
			return err
		}
		binds = append(binds, bound{addr: l.Addr, ln: ln, loop: loop})
		s.addrs = append(s.addrs, ln.Addr())
		s.logger.Info("listening", zap.String("addr", ln.Addr().String()), zap.Bool("reuseport", s.reusePort))
	}

	loops := make([]netpoll.EventLoop, len(binds))
	for i, b := range binds {
		loops[i] = b.loop
	}

	serving = true
	s.status.Store(int32(statusRunning))
	s.pool.AutoTrim(s.autoTrim)
	s.pool.AutoReap(s.reaping)

	g, ctx := errgroup.WithContext(context.Background())
	if s.reactor != nil {
		g.Go(s.reactor.Run)
	}
	for _, b := range binds {
		b := b
		g.Go(func() error {
			err := b.loop.Serve(b.ln)
			if !s.running() {
				return nil
			}
			if err == nil {
				err = errListenerLost
			}
			s.logger.Error("listener failed", zap.String("addr", b.addr), zap.Error(err))
			return fmt.Errorf("serve %s: %w", b.addr, err)
		})
	}
	g.Go(func() error {
		cmd := cmdStop
		select {
		case cmd = <-s.control:
		case <-ctx.Done():
		}
		return s.drain(cmd, loops)
	})

	close(s.ready)
	return g.Wait()
}

func (s *Server) listen(addr string) (net.Listener, error) {
	if s.reusePort {
		// SO_REUSEPORT improves multi-process binding; reuseport only supports tcp4 and tcp6.
		// SO_REUSEPORT는 다중 프로세스 바인딩 성능을 높입니다.
		return reuseport.Listen("tcp4", addr)
	}
	return net.Listen("tcp", addr)
}

func (s *Server) loopOptions(l *appcontext.Listener) []netpoll.Option {
	opts := []netpoll.Option{
		netpoll.WithOnPrepare(func(conn netpoll.Connection) context.Context {
			if s.writeTimeout > 0 {
				_ = conn.SetWriteTimeout(s.writeTimeout)
			}
			// Creates and registers a cancellable context.
			// 취소 가능한 컨텍스트 생성 및 등록
			ctx, cancel := context.WithCancel(context.Background())
			rc := appcontext.NewRequestContext(conn, ctx, l, s.limits)
			return context.WithValue(ctx, sessionKey, &session{rc: rc, cancel: cancel})
		}),
		netpoll.WithOnConnect(s.onConnect),
		netpoll.WithOnDisconnect(s.onDisconnect),
	}
	if s.idleTimeout > 0 {
		opts = append(opts, netpoll.WithIdleTimeout(s.idleTimeout))
	}
	return opts
}

// drain performs a stop, halt or restart and waits for in-flight work.
func (s *Server) drain(cmd command, loops []netpoll.EventLoop) error {
	s.status.Store(int32(cmd.status()))
	s.logger.Info("shutting down", zap.Stringer("command", cmd))

	escalated := make(chan struct{})
	defer close(escalated)
	if cmd != cmdHalt {
		go func() {
			for {
				select {
				case c := <-s.control:
					if c == cmdHalt {
						s.logger.Warn("halt requested while draining")
						s.status.Store(int32(statusHalting))
						s.pool.Interrupt()
					}
				case <-escalated:
					return
				}
			}
		}()
	}

	// Connections parked in the reactor are either finished by a worker or closed.
	// 리액터에 보관된 연결은 워커가 마무리하거나 닫습니다.
	if s.reactor != nil {
		s.reactor.Shutdown()
		<-s.reactor.Done()
	}

	timeout := s.forceShutdownAfter
	if cmd == cmdHalt {
		timeout = 0
	}
	leftover := s.pool.Shutdown(timeout)
	for _, rc := range leftover {
		_ = rc.WriteError(http.StatusServiceUnavailable)
		_ = rc.Close()
	}
	if len(leftover) > 0 {
		s.logger.Warn("rejected queued requests", zap.Int("count", len(leftover)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.grace)
	defer cancel()
	for _, loop := range loops {
		if err := loop.Shutdown(ctx); err != nil {
			s.logger.Warn("event loop shutdown", zap.Error(err))
		}
	}
	s.logger.Info("stopped", zap.Uint64("requests", s.requests.Load()))

	if cmd == cmdRestart {
		return ErrRestart
	}
	return nil
}

func (s *Server) running() bool {
	return status(s.status.Load()) == statusRunning
}

func (s *Server) notify(c command) {
	select {
	case s.control <- c:
	default:
	}
}

// Stop stops accepting requests and drains in-flight work. It does not wait.
// Stop은 요청 수락을 멈추고 진행 중인 작업을 정리합니다. 기다리지 않습니다.
func (s *Server) Stop() { s.notify(cmdStop) }

// BeginGracefulDrain is Stop.
func (s *Server) BeginGracefulDrain() { s.Stop() }

// Halt interrupts in-flight work immediately. It does not wait.
// Halt는 진행 중인 작업을 즉시 중단합니다. 기다리지 않습니다.
func (s *Server) Halt() { s.notify(cmdHalt) }

// ForceShutdown is Halt.
func (s *Server) ForceShutdown() { s.Halt() }

// BeginRestart drains like Stop and makes Run return ErrRestart.
// BeginRestart는 Stop처럼 정리한 뒤 Run이 ErrRestart를 반환하도록 합니다.
func (s *Server) BeginRestart() { s.notify(cmdRestart) }

// Shutdown gracefully shuts down the server and waits for Run to return.
// If ctx ends first, in-flight work is interrupted and ctx.Err() is returned.
// Shutdown은 서버를 우아하게 종료하고 Run이 반환될 때까지 기다립니다.
// ctx가 먼저 끝나면 진행 중인 작업을 중단하고 ctx.Err()를 반환합니다.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.started.Load() {
		return nil
	}
	s.Stop()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		s.Halt()
		return ctx.Err()
	}
}

// Ready is closed once every listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Done is closed when Run has returned.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Addrs returns the bound addresses. It is valid after Ready is closed.
// Addrs는 바인드된 주소를 반환합니다. Ready가 닫힌 뒤에 유효합니다.
func (s *Server) Addrs() []net.Addr {
	return s.addrs
}

// Stats is a snapshot of server counters.
// Stats는 서버 카운터의 스냅샷입니다.
type Stats struct {
	Backlog       int    `json:"backlog"`
	Running       int    `json:"running"`
	Idle          int    `json:"idle"`
	PoolCapacity  int    `json:"pool_capacity"`
	MaxThreads    int    `json:"max_threads"`
	Reactor       int    `json:"reactor"`
	RequestsCount uint64 `json:"requests_count"`
}

// Stats returns the current counters.
// Stats는 현재 카운터를 반환합니다.
func (s *Server) Stats() Stats {
	ps := s.pool.Stats()
	st := Stats{
		Backlog:       ps.Backlog,
		Running:       ps.Spawned,
		Idle:          ps.Waiting,
		PoolCapacity:  ps.PoolCapacity,
		MaxThreads:    ps.MaxThreads,
		RequestsCount: s.requests.Load(),
	}
	if s.reactor != nil {
		st.Reactor = s.reactor.Len()
	}
	return st
}

type sessionKeyStruct struct{}

var sessionKey = sessionKeyStruct{}

// session is what the event loop carries for one connection.
type session struct {
	rc     *appcontext.RequestContext
	cancel context.CancelFunc
}

func sessionFrom(ctx context.Context) *session {
	sess, _ := ctx.Value(sessionKey).(*session)
	return sess
}
