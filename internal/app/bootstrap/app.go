package bootstrap

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/remoting-gateway/internal/app"
	cfgpkg "github.com/taoyao-code/remoting-gateway/internal/config"
	"github.com/taoyao-code/remoting-gateway/internal/dispatch"
	"github.com/taoyao-code/remoting-gateway/internal/health"
	"github.com/taoyao-code/remoting-gateway/internal/httpserver"
	"github.com/taoyao-code/remoting-gateway/internal/metrics"
	"github.com/taoyao-code/remoting-gateway/internal/packet"
	"github.com/taoyao-code/remoting-gateway/internal/remoting"
	"github.com/taoyao-code/remoting-gateway/internal/tcpserver"
)

// Run 统一启动流程：依赖就绪后再启动 TCP，收到信号后优雅关闭
func Run(cfg *cfgpkg.Config, log *zap.Logger) error {
	serverID := app.ServerID(cfg.App.ServerID, cfg.App.Name)
	log = log.With(zap.String("server_id", serverID))
	log.Info("starting remoting gateway", zap.String("env", cfg.App.Env))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ========== 阶段1: 基础组件 ==========
	if cfg.Packets.CatalogPath != "" {
		catalog, err := packet.LoadCatalog(cfg.Packets.CatalogPath)
		if err != nil {
			return err
		}
		packet.SetCatalog(catalog)
		log.Info("packet catalog loaded", zap.String("path", cfg.Packets.CatalogPath))
	}

	reg := metrics.NewRegistry()
	appm := metrics.NewAppMetrics(reg)

	// ========== 阶段2: 失败通知下游 ==========
	notifiers, err := app.NewNotifiers(ctx, cfg.Notifier, serverID, log.Named("notify"), appm)
	if err != nil {
		log.Error("failure sinks initialization failed", zap.Error(err))
		return err
	}
	defer notifiers.Close()
	// notifiers.Close 等待 webhook worker，须先取消 ctx
	defer cancel()

	// ========== 阶段3: 分发器与桥接器 ==========
	dispatcher := dispatch.New()
	dispatch.RegisterDefaults(dispatcher)
	if cfg.Dispatch.MaxPayload > 0 {
		dispatcher.AddFilter(dispatch.MaxPayload(cfg.Dispatch.MaxPayload))
	}
	dispatcher.AddFilter(dispatch.CountOutbound(appm))

	bridge, err := remoting.New(dispatcher, notifiers.Notifier(), cfg.Bridge.CloseSessionOnException,
		remoting.WithLogger(log.Named("remoting")),
		remoting.WithMetrics(appm),
	)
	if err != nil {
		return err
	}

	// ========== 阶段4: TCP 网关 ==========
	admission := tcpserver.NewAdmission(cfg.TCP.MaxConnections, cfg.TCP.AcquireTimeout, cfg.TCP.AcceptRate, cfg.TCP.AcceptBurst)
	correlator := tcpserver.NewCorrelator(log.Named("correlator"))
	tcpSrv := tcpserver.New(cfg.TCP, bridge,
		tcpserver.WithLogger(log.Named("tcp")),
		tcpserver.WithMetrics(appm),
		tcpserver.WithAdmission(admission),
		tcpserver.WithObserver(tcpserver.NewKeepAliveResponder(log.Named("keepalive")), correlator),
	)
	if err := tcpSrv.Start(); err != nil {
		log.Error("tcp server start failed", zap.Error(err))
		return err
	}

	// ========== 阶段5: 运维 HTTP ==========
	agg := health.NewAggregator(notifiers.Checkers()...)
	agg.AddChecker(health.NewTCPChecker(tcpSrv, admission))

	var metricsHandler http.Handler
	if cfg.Metrics.Enable {
		metricsHandler = metrics.Handler(reg)
	}
	readyFn := func() bool {
		rctx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer rcancel()
		return agg.Ready(rctx)
	}
	httpSrv := httpserver.New(cfg.HTTP, cfg.Metrics.Path, metricsHandler, readyFn,
		httpserver.WithHealth(agg),
		httpserver.WithSessions(tcpSrv.Registry()),
		httpserver.WithRequester(correlator, 0),
	)
	go func() {
		if err := httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", zap.Error(err))
		}
	}()
	log.Info("http server started", zap.String("addr", cfg.HTTP.Addr))
	log.Info("all services ready, waiting for connections")

	// ========== 阶段6: 等待关闭信号 ==========
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("received shutdown signal, gracefully shutting down...")
	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()

	_ = httpSrv.Shutdown(sctx)
	log.Info("http server stopped")

	if err := tcpSrv.Shutdown(sctx); err != nil {
		log.Warn("tcp server shutdown incomplete", zap.Error(err))
	}
	log.Info("tcp server stopped")

	log.Info("shutdown complete")
	return nil
}
