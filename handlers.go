package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/lxzan/gws"
	"go.uber.org/zap"

	"github.com/DevNewbie1826/netpoll-httpcore/pkg/server"
)

const (
	PingInterval = 5 * time.Second
	PingWait     = 10 * time.Second
)

func newMux(logger *zap.Logger, staticDir string, current *atomic.Pointer[server.Server]) *http.ServeMux {
	upgrader := gws.NewUpgrader(&wsHandler{}, &gws.ServerOption{
		ParallelEnabled:   true,                                 // 병렬 메시지 처리
		Recovery:          gws.Recovery,                         // 패닉 복구
		PermessageDeflate: gws.PermessageDeflate{Enabled: true}, // 압축 활성화
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/", rootHandler)
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.Dir(staticDir))))
	mux.HandleFunc("/sse", sseHandler(logger))
	mux.HandleFunc("/stats", statsHandler(current))
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		socket, err := upgrader.Upgrade(w, r)
		if err != nil {
			logger.Info("websocket upgrade failed", zap.Error(err))
			return
		}
		go socket.ReadLoop()
	})
	return mux
}

// rootHandler는 일반 HTTP 요청을 처리합니다.
func rootHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	fmt.Fprint(w, "Welcome! Try /sse, /ws, /static/ or /stats.")
}

// sseHandler는 Server-Sent Events를 스트리밍합니다.
func sseHandler(logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming not supported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				logger.Debug("sse client gone", zap.String("remote", r.RemoteAddr))
				return
			case t := <-ticker.C:
				// SSE 이벤트 데이터는 "data: 메시지\r\n\r\n" 형식으로 보냅니다.
				if _, err := fmt.Fprintf(w, "data: Server time is %v\r\n\r\n", t); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

// statsHandler reports the running server's counters as JSON.
func statsHandler(current *atomic.Pointer[server.Server]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		srv := current.Load()
		if srv == nil {
			http.Error(w, "stats are only available with --type custom", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(srv.Stats())
	}
}

// wsHandler echoes every message back.
type wsHandler struct{}

func (c *wsHandler) OnOpen(socket *gws.Conn) {
	_ = socket.SetDeadline(time.Now().Add(PingInterval + PingWait))
}

func (c *wsHandler) OnClose(socket *gws.Conn, err error) {}

func (c *wsHandler) OnPing(socket *gws.Conn, payload []byte) {
	_ = socket.SetDeadline(time.Now().Add(PingInterval + PingWait))
	_ = socket.WritePong(nil)
}

func (c *wsHandler) OnPong(socket *gws.Conn, payload []byte) {}

func (c *wsHandler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()
	_ = socket.WriteMessage(message.Opcode, message.Bytes())
}
