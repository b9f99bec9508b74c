package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"

	"github.com/DevNewbie1826/netpoll-httpcore/pkg/adaptor"
	"github.com/DevNewbie1826/netpoll-httpcore/pkg/appcontext"
	"github.com/DevNewbie1826/netpoll-httpcore/pkg/workerpool"
)

// Result tells the caller what to do with the connection after a request.
// Result는 요청 처리 후 연결을 어떻게 다룰지 호출자에게 알려줍니다.
type Result uint8

const (
	// ResultClose means the connection must be closed.
	ResultClose Result = iota
	// ResultKeepAlive means the connection may carry the next request.
	ResultKeepAlive
	// ResultHijacked means the handler took the connection over.
	ResultHijacked
)

func (r Result) String() string {
	switch r {
	case ResultClose:
		return "close"
	case ResultKeepAlive:
		return "keep-alive"
	case ResultHijacked:
		return "hijacked"
	}
	return "result(" + strconv.Itoa(int(r)) + ")"
}

// PanicError is a panic recovered from a handler.
// PanicError는 핸들러에서 복구된 패닉입니다.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// Unwrap returns the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// ErrorHandler renders the response for a request whose handler failed.
// It is called only while nothing has been sent yet.
// ErrorHandler는 핸들러가 실패한 요청의 응답을 만듭니다. 아직 아무것도 전송되지 않았을 때만 호출됩니다.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

// Option is a function type for configuring the Engine.
// Option은 Engine 설정을 위한 함수 타입입니다.
type Option func(*Engine)

// WithRequestTimeout sets the request processing timeout.
// WithRequestTimeout은 요청 처리 타임아웃을 설정합니다.
func WithRequestTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.requestTimeout = d
	}
}

// WithLogger sets the logger.
// WithLogger는 로거를 설정합니다.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithErrorHandler replaces the default 500/503 page.
// WithErrorHandler는 기본 500/503 응답을 대체합니다.
func WithErrorHandler(h ErrorHandler) Option {
	return func(e *Engine) {
		e.errorHandler = h
	}
}

// WithLeakErrors includes error details in the default error page. Meant for
// development and test environments only.
// WithLeakErrors는 기본 에러 응답에 에러 상세를 포함합니다. 개발 및 테스트 환경 전용입니다.
func WithLeakErrors(leak bool) Option {
	return func(e *Engine) {
		e.leakErrors = leak
	}
}

// Engine is the core structure for processing HTTP requests.
// Engine은 HTTP 요청을 처리하는 핵심 구조체입니다.
type Engine struct {
	Handler        http.Handler
	requestTimeout time.Duration
	logger         *zap.Logger
	errorHandler   ErrorHandler
	leakErrors     bool
}

// NewEngine creates a new Engine.
// NewEngine은 새로운 Engine을 생성합니다.
func NewEngine(handler http.Handler, opts ...Option) *Engine {
	e := &Engine{
		Handler: handler,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HandleRequest runs the handler for the complete request held by rc and
// writes the response. ctx is the worker's context; the handler runs inside
// an interruptible region so a forced shutdown cancels its request context.
// keepAlive, when not nil, is asked once the handler returns whether the
// connection may stay open; false forces it closed.
// A non-nil error means the request could not be built and nothing was written.
//
// HandleRequest는 rc가 보유한 완성된 요청에 대해 핸들러를 실행하고 응답을 씁니다.
// 핸들러는 중단 가능한 영역에서 실행되므로 강제 종료 시 요청 컨텍스트가 취소됩니다.
// keepAlive가 nil이 아니면 핸들러 반환 후 연결 유지 여부를 묻고, false이면 연결을 닫습니다.
// 에러가 반환되면 요청을 만들 수 없었고 아무것도 쓰지 않은 것입니다.
func (e *Engine) HandleRequest(ctx context.Context, rc *appcontext.RequestContext, buf *bytebufferpool.ByteBuffer, keepAlive func() bool) (Result, error) {
	req, err := adaptor.GetRequest(ctx, rc)
	if err != nil {
		return ResultClose, err
	}

	rw := adaptor.NewResponseWriter(rc, req, buf, adaptor.WantsKeepAlive(req))
	defer rw.Release()

	err = workerpool.Interruptible(ctx, func(ctx context.Context) error {
		reqCtx, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)

		// Cancels the request context on connection disconnect.
		// 연결 종료 시 요청 컨텍스트를 취소합니다.
		stop := context.AfterFunc(rc.Context(), func() { cancel(appcontext.ErrConnectionClosed) })
		defer stop()

		// Apply Request Timeout.
		// 요청 타임아웃 적용.
		if e.requestTimeout > 0 {
			var cancelTimeout context.CancelFunc
			reqCtx, cancelTimeout = context.WithTimeout(reqCtx, e.requestTimeout)
			defer cancelTimeout()
		}

		if err := e.serve(rw, req.WithContext(reqCtx)); err != nil {
			return err
		}
		return ctx.Err()
	})

	switch {
	case rw.Hijacked():
		return ResultHijacked, nil

	case errors.Is(err, http.ErrAbortHandler):
		return ResultClose, nil

	case errors.Is(err, workerpool.ErrForceShutdown):
		e.fail(rw, req, http.StatusServiceUnavailable, err)

	case err != nil:
		var pe *PanicError
		if errors.As(err, &pe) {
			e.logger.Error("handler panicked",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.String("remote", req.RemoteAddr),
				zap.Any("panic", pe.Value),
				zap.ByteString("stack", pe.Stack),
			)
			e.fail(rw, req, http.StatusInternalServerError, err)
		}
	}

	if keepAlive != nil && !keepAlive() {
		rw.ForceClose()
	}
	if err := rw.EndResponse(); err != nil {
		return ResultClose, nil
	}
	if rw.KeepAlive() {
		return ResultKeepAlive, nil
	}
	return ResultClose, nil
}

// serve runs the handler with panic recovery.
// serve는 패닉 복구와 함께 핸들러를 실행합니다.
func (e *Engine) serve(rw *adaptor.ResponseWriter, req *http.Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if r == http.ErrAbortHandler {
				err = r.(error)
				return
			}
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	e.Handler.ServeHTTP(rw, req)
	return nil
}

// fail replaces an uncommitted response with an error page and marks the
// connection for closing.
func (e *Engine) fail(rw *adaptor.ResponseWriter, req *http.Request, status int, err error) {
	rw.ForceClose()
	if !rw.Discard() {
		return
	}
	if e.errorHandler != nil && status == http.StatusInternalServerError {
		if e.customError(rw, req, err) {
			return
		}
		rw.Discard()
	}

	body := http.StatusText(status)
	if e.leakErrors {
		body += "\n\n" + err.Error()
		var pe *PanicError
		if errors.As(err, &pe) {
			body += "\n\n" + string(pe.Stack)
		}
	}
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.Header().Set("X-Content-Type-Options", "nosniff")
	rw.WriteHeader(status)
	_, _ = rw.Write([]byte(body))
}

// customError runs the configured error handler and reports whether it produced a response.
func (e *Engine) customError(rw *adaptor.ResponseWriter, req *http.Request, cause error) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("error handler panicked", zap.Any("panic", r))
			ok = false
		}
	}()
	e.errorHandler(rw, req, cause)
	return rw.Status() != 0 || rw.Committed()
}
