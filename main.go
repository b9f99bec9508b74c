package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/DevNewbie1826/netpoll-httpcore/pkg/config"
	"github.com/DevNewbie1826/netpoll-httpcore/pkg/engine"
	"github.com/DevNewbie1826/netpoll-httpcore/pkg/server"

	_ "net/http/pprof" // pprof 등록
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		serverType string
		configFile string
		staticDir  string
	)

	cmd := &cobra.Command{
		Use:           "httpcore",
		Short:         "HTTP/1.1 server on netpoll with a reactor and a bounded worker pool",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.NewViper(cmd.Flags())
			if err != nil {
				return err
			}
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			var current atomic.Pointer[server.Server]
			mux := newMux(logger, staticDir, &current)

			switch serverType {
			case "hertz":
				return runHertz(cmd.Context(), cfg.Binds[0], mux, logger)
			case "std":
				return runStd(cmd.Context(), cfg.Binds[0], mux, logger)
			case "custom":
				return runCustom(cmd.Context(), cfg, mux, logger, &current)
			}
			return fmt.Errorf("unknown server type %q", serverType)
		},
	}

	cmd.Flags().StringVar(&serverType, "type", "custom", "Server type: custom, hertz, or std")
	cmd.Flags().StringVar(&configFile, "config", "", "config file (yaml, json or toml)")
	cmd.Flags().StringVar(&staticDir, "static", ".", "directory served under /static/")
	config.BindFlags(cmd.Flags())
	return cmd
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.Development() {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// runCustom serves until SIGINT or SIGTERM. A second signal halts in-flight
// work and SIGUSR2 restarts the server in place.
//
// runCustom은 SIGINT 또는 SIGTERM까지 서비스합니다. 두 번째 신호는 진행 중인 작업을 중단하고,
// SIGUSR2는 서버를 재시작합니다.
func runCustom(ctx context.Context, cfg config.Config, h http.Handler, logger *zap.Logger, current *atomic.Pointer[server.Server]) error {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR2)
	defer signal.Stop(sigs)

	eng := engine.NewEngine(h, append(cfg.EngineOptions(), engine.WithLogger(logger.Named("engine")))...)

	for {
		srv := server.NewServer(eng, append(cfg.ServerOptions(), server.WithLogger(logger.Named("server")))...)
		current.Store(srv)

		errc := make(chan error, 1)
		go func() { errc <- srv.Run() }()

		err := supervise(ctx, srv, sigs, errc, logger)
		if errors.Is(err, server.ErrRestart) {
			logger.Info("restarting")
			continue
		}
		return err
	}
}

func supervise(ctx context.Context, srv *server.Server, sigs <-chan os.Signal, errc <-chan error, logger *zap.Logger) error {
	stopping := false
	cancelled := ctx.Done()
	for {
		select {
		case err := <-errc:
			return err
		case <-cancelled:
			cancelled = nil
			srv.Halt()
		case sig := <-sigs:
			switch {
			case sig == syscall.SIGUSR2:
				srv.BeginRestart()
			case stopping:
				logger.Warn("second signal, halting", zap.Stringer("signal", sig))
				srv.Halt()
			default:
				logger.Info("stopping", zap.Stringer("signal", sig))
				stopping = true
				srv.Stop()
			}
		}
	}
}

// runStd serves with net/http for comparison.
func runStd(ctx context.Context, addr string, h http.Handler, logger *zap.Logger) error {
	srv := &http.Server{Addr: addr, Handler: h, ErrorLog: zap.NewStdLog(logger)}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("standard net/http server starting", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
