package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/adaptor"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"go.uber.org/zap"
)

// runHertz serves the same handler through Hertz for comparison.
// runHertz는 비교를 위해 같은 핸들러를 Hertz로 서비스합니다.
func runHertz(ctx context.Context, addr string, mux http.Handler, logger *zap.Logger) error {
	hlog.SetLevel(hlog.LevelFatal)
	hertzServer := server.Default(
		server.WithHostPorts(addr),
		server.WithSenseClientDisconnection(true),
		server.WithExitWaitTime(5*time.Second),
	)

	// Hertz 어댑터로 http.Handler를 Hertz 핸들러로 래핑
	hertzServer.Any("/*path", adaptor.HertzHandler(mux))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hertzServer.Shutdown(shutdownCtx)
	}()

	logger.Info("hertz server starting", zap.String("addr", addr))
	return hertzServer.Run()
}
