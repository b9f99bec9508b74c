package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/cloudwego/netpoll"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"

	"github.com/DevNewbie1826/netpoll-httpcore/pkg/appcontext"
	"github.com/DevNewbie1826/netpoll-httpcore/pkg/engine"
	"github.com/DevNewbie1826/netpoll-httpcore/pkg/reactor"
	"github.com/DevNewbie1826/netpoll-httpcore/pkg/request"
	"github.com/DevNewbie1826/netpoll-httpcore/pkg/workerpool"
)

// bridgePoll bounds how long the readiness bridge sleeps before re-checking a
// connection whose owner did not signal.
const bridgePoll = 10 * time.Millisecond

// reactorWriteTimeout bounds the socket writes made on the reactor goroutine:
// 100 Continue, 408 and parse error responses.
const reactorWriteTimeout = 50 * time.Millisecond

// onConnect is the acceptor. It answers at once when the first request is
// already buffered and parks the connection in the reactor otherwise.
// onConnect는 수락자입니다. 첫 요청이 이미 버퍼되어 있으면 바로 처리하고, 아니면 리액터에 보관합니다.
func (s *Server) onConnect(ctx context.Context, conn netpoll.Connection) context.Context {
	sess := sessionFrom(ctx)
	if sess == nil {
		_ = conn.Close()
		return ctx
	}
	rc := sess.rc
	if !s.running() {
		_ = rc.Close()
		return ctx
	}

	// Admission control keeps the accept side from outrunning the workers.
	// 유입 제어로 수락 속도가 워커를 앞지르지 않게 합니다.
	s.pool.WaitUntilNotFull()

	ready, err := rc.EagerlyFinish()
	switch {
	case err != nil:
		s.clientError(rc, err)
	case ready || s.reactor == nil:
		s.dispatch(rc)
	default:
		s.watch(rc, s.firstDataTimeout)
	}
	return ctx
}

// onRequest forwards readiness to the current owner and waits until the
// buffered bytes are taken or the connection is gone.
// onRequest는 준비 상태를 현재 소유자에게 전달하고, 버퍼된 바이트가 소비되거나 연결이 사라질 때까지 기다립니다.
func (s *Server) onRequest(ctx context.Context, conn netpoll.Connection) error {
	sess := sessionFrom(ctx)
	if sess == nil {
		return conn.Close()
	}
	rc := sess.rc

	for conn.IsActive() && conn.Reader().Len() > 0 {
		switch rc.Owner() {
		case appcontext.OwnerClosed:
			return nil
		case appcontext.OwnerReactor:
			if s.reactor.Wake(rc) {
				continue
			}
			// Not registered yet, or the reactor is stopping.
			s.await(ctx, rc, time.Millisecond)
		default:
			s.await(ctx, rc, bridgePoll)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

func (s *Server) await(ctx context.Context, rc *appcontext.RequestContext, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-rc.Handback():
	case <-ctx.Done():
	case <-t.C:
	}
}

// onDisconnect cancels the connection context so a running handler sees it.
// onDisconnect는 실행 중인 핸들러가 알 수 있도록 연결 컨텍스트를 취소합니다.
func (s *Server) onDisconnect(ctx context.Context, conn netpoll.Connection) {
	sess := sessionFrom(ctx)
	if sess == nil {
		return
	}
	sess.cancel()
	if sess.rc.Owner() == appcontext.OwnerReactor {
		s.reactor.Wake(sess.rc)
	}
}

// watch parks rc in the reactor until its next request arrives or d elapses.
func (s *Server) watch(rc *appcontext.RequestContext, d time.Duration) {
	rc.SetTimeout(d)
	if !rc.Hand(appcontext.OwnerReactor) {
		return
	}
	if !s.reactor.Add(rc) {
		s.reactorWakeup(rc, reactor.EventShutdown)
	}
}

// reactorWakeup decides what happens to a parked connection. Returning true
// removes it from the reactor.
// reactorWakeup은 보관된 연결의 처리를 결정합니다. true를 반환하면 리액터에서 제거됩니다.
func (s *Server) reactorWakeup(rc *appcontext.RequestContext, ev reactor.Event) bool {
	if rc.Owner() != appcontext.OwnerReactor {
		return true
	}
	// A peer that stops reading must not hold up every other parked connection.
	// 읽지 않는 상대가 다른 보관 연결을 막지 않도록 쓰기 시간을 짧게 제한합니다.
	_ = rc.Conn().SetWriteTimeout(reactorWriteTimeout)

	switch ev {
	case reactor.EventReadable:
		ready, err := rc.TryToFinish()
		if err != nil {
			s.clientError(rc, err)
			return true
		}
		if ready {
			s.dispatch(rc)
			return true
		}
		s.restoreWriteTimeout(rc)
		rc.SetTimeout(s.firstDataTimeout)
		return false

	case reactor.EventTimeout:
		_ = rc.Timeout()
		return true

	default:
		// Idle connections are dropped; a partial request gets a worker to finish it.
		// 유휴 연결은 닫고, 일부만 받은 요청은 워커가 마무리합니다.
		ready, err := rc.TryToFinish()
		switch {
		case err != nil:
			s.clientError(rc, err)
		case ready || !rc.CanClose():
			s.dispatch(rc)
		default:
			_ = rc.Close()
		}
		return true
	}
}

// dispatch hands rc to the worker pool. A pool that no longer accepts work
// answers with 503.
// dispatch는 rc를 워커 풀에 넘깁니다. 풀이 작업을 받지 않으면 503으로 응답합니다.
func (s *Server) dispatch(rc *appcontext.RequestContext) {
	s.restoreWriteTimeout(rc)
	if !rc.Hand(appcontext.OwnerWorker) {
		return
	}
	if err := s.pool.Submit(rc); err != nil {
		_ = rc.WriteError(http.StatusServiceUnavailable)
		_ = rc.Close()
	}
}

func (s *Server) restoreWriteTimeout(rc *appcontext.RequestContext) {
	_ = rc.Conn().SetWriteTimeout(s.writeTimeout)
}

// processClient is the worker body: it serves every request the connection
// has ready, then either parks it or closes it.
//
// processClient는 워커 본체입니다. 연결에 준비된 요청을 모두 처리한 뒤 보관하거나 닫습니다.
func (s *Server) processClient(ctx context.Context, rc *appcontext.RequestContext, buf *bytebufferpool.ByteBuffer) {
	if !rc.Ready() {
		if s.reactor != nil && s.running() {
			s.watch(rc, s.firstDataTimeout)
			return
		}
		err := workerpool.Interruptible(ctx, func(ctx context.Context) error {
			return rc.Finish(ctx, s.firstDataTimeout)
		})
		if err != nil {
			s.clientError(rc, err)
			return
		}
	}

	served := 0
	for {
		res, err := s.Engine.HandleRequest(ctx, rc, buf, s.running)
		buf.Reset()
		if err != nil {
			s.clientError(rc, err)
			return
		}
		served++
		s.requests.Add(1)
		if s.metrics != nil {
			s.metrics.served(ctx)
		}

		switch res {
		case engine.ResultHijacked:
			return
		case engine.ResultClose:
			_ = rc.Close()
			return
		}
		if !s.running() {
			_ = rc.Close()
			return
		}

		// Past max_fast_inline, a waiting backlog gets the worker instead of this connection.
		// max_fast_inline을 넘기면 대기 중인 작업에 워커를 양보합니다.
		fastCheck := served < s.maxFastInline || s.pool.Backlog() == 0
		ready, err := rc.Reset(fastCheck)
		if err != nil {
			s.clientError(rc, err)
			return
		}
		if ready {
			continue
		}

		if s.reactor != nil {
			s.watch(rc, s.persistentTimeout)
			return
		}
		err = workerpool.Interruptible(ctx, func(ctx context.Context) error {
			return rc.Finish(ctx, s.persistentTimeout)
		})
		if err != nil {
			s.clientError(rc, err)
			return
		}
	}
}

// clientError ends a connection after a read or parse failure. Peer I/O
// errors close silently; malformed requests get their status code.
// clientError는 읽기 또는 파싱 실패 후 연결을 종료합니다. 상대방 I/O 에러는 조용히 닫고,
// 잘못된 요청에는 해당 상태 코드로 응답합니다.
func (s *Server) clientError(rc *appcontext.RequestContext, err error) {
	var pe request.ParseError
	switch {
	case errors.Is(err, appcontext.ErrTimeout):
		_ = rc.Timeout()
		return

	case errors.As(err, &pe):
		s.logger.Info("bad request",
			zap.String("remote", rc.RemoteAddr(nil)),
			zap.Int("status", pe.StatusCode()),
			zap.Error(err),
		)
		_ = rc.WriteError(pe.StatusCode())

	case isConnError(err),
		errors.Is(err, workerpool.ErrForceShutdown),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):

	default:
		s.logger.Error("connection error", zap.String("remote", rc.RemoteAddr(nil)), zap.Error(err))
		_ = rc.WriteError(http.StatusInternalServerError)
	}
	_ = rc.Close()
}

func isConnError(err error) bool {
	return errors.Is(err, appcontext.ErrConnectionClosed) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, netpoll.ErrConnClosed) ||
		errors.Is(err, netpoll.ErrEOF)
}
