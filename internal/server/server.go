package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pseudocodes/qamd-gateway/internal/config"
	"github.com/pseudocodes/qamd-gateway/internal/dispatch"
	"github.com/pseudocodes/qamd-gateway/internal/instrument"
	"github.com/pseudocodes/qamd-gateway/internal/metrics"
	"github.com/pseudocodes/qamd-gateway/internal/quote"
	"github.com/pseudocodes/qamd-gateway/internal/task"
	"github.com/pseudocodes/qamd-gateway/internal/upstream"
)

// Server 行情网关根对象
// 持有合约目录、行情缓存、连接池、订阅分发器与会话注册表
type Server struct {
	cfg        config.MultiCTPConfig
	logger     *zap.Logger
	instanceID string
	startedAt  time.Time

	dir        *instrument.Directory
	cache      *quote.Cache
	exec       *task.Executor
	pool       *upstream.Pool
	dispatcher *dispatch.Dispatcher
	registry   *Registry

	httpSrv  *http.Server
	listener net.Listener
	running  atomic.Bool
}

// New 组装网关，factory 提供上游厂商接口实例
func New(cfg config.MultiCTPConfig, factory upstream.FeedFactory, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		instanceID: uuid.New().String(),
		dir:        instrument.NewDirectory(),
		exec:       task.NewExecutor(4, 4096),
		registry:   NewRegistry(),
	}

	s.pool = upstream.NewPool(
		time.Duration(cfg.HealthCheckInterval)*time.Second,
		logger.Named("pool"))

	s.dispatcher = dispatch.NewDispatcher(
		s.pool,
		time.Duration(cfg.MaintenanceInterval)*time.Second,
		cfg.MaxRetryCount,
		logger.Named("dispatcher"))

	s.cache = quote.NewCache(quote.DefaultCapacity, s.exec.Post, s.notifyPublish, logger.Named("cache"))

	for _, cc := range cfg.EnabledConnections() {
		conn := upstream.NewConnection(cc, factory, s.dispatcher, s.cache, s.dir,
			s.exec.Post, s.IsRunning, logger.Named("upstream"))
		if err := s.pool.Add(conn); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// IsRunning 服务器是否在运行
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// InstanceID 本实例标识
func (s *Server) InstanceID() string {
	return s.instanceID
}

// Addr 监听地址，Start 之后有效
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Pool 连接池
func (s *Server) Pool() *upstream.Pool {
	return s.pool
}

// Dispatcher 订阅分发器
func (s *Server) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}

// Cache 行情缓存
func (s *Server) Cache() *quote.Cache {
	return s.cache
}

// Start 启动分发器、连接池与前端监听
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	s.startedAt = time.Now()

	s.logger.Info("starting market data server",
		zap.String("instance_id", s.instanceID),
		zap.Int("port", s.cfg.WebsocketPort),
		zap.Int("connections", len(s.cfg.EnabledConnections())))

	s.dispatcher.Start()

	if err := s.pool.StartAll(); err != nil {
		s.logger.Warn("some upstream connections failed to start", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebsocket)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.WebsocketPort))
	if err != nil {
		s.running.Store(false)
		s.pool.StopAll()
		s.dispatcher.Stop()
		return fmt.Errorf("listen on port %d: %w", s.cfg.WebsocketPort, err)
	}
	s.listener = listener
	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", zap.Error(err))
		}
	}()

	s.logger.Info("market data server started", zap.String("addr", listener.Addr().String()))
	return nil
}

// Stop 关闭监听、全部会话、连接池、分发器与执行器
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.logger.Info("stopping market data server")

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = s.httpSrv.Shutdown(ctx)
		cancel()
	}

	for _, sess := range s.registry.Snapshot() {
		sess.Close()
	}

	s.pool.StopAll()
	s.dispatcher.Stop()
	s.exec.Close()

	s.logger.Info("market data server stopped")
}

// upstreamConnected 至少一条上游连接已登录
func (s *Server) upstreamConnected() bool {
	return s.pool.ActiveCount() > 0
}

// removeSession 会话关闭后的清理
func (s *Server) removeSession(sessionID string) {
	s.dispatcher.RemoveAllForSession(sessionID)
	s.registry.Remove(sessionID)
	metrics.OpenSessions.Set(float64(s.registry.Count()))
	s.logger.Info("session removed", zap.String("session_id", sessionID))
}

// handleWebsocket 前端接入：每个连接生成一个 ClientSession
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Error("websocket accept error", zap.Error(err))
		return
	}

	sess := newClientSession(conn, s)
	s.registry.Add(sess)
	metrics.OpenSessions.Set(float64(s.registry.Count()))

	go sess.run()
}

// handleStatus 文本状态页
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var b strings.Builder

	fmt.Fprintf(&b, "QAMD MarketData Server\n")
	fmt.Fprintf(&b, "instance_id: %s\n", s.instanceID)
	fmt.Fprintf(&b, "uptime: %s\n", time.Since(s.startedAt).Round(time.Second))
	fmt.Fprintf(&b, "sessions: %d\n", s.registry.Count())
	fmt.Fprintf(&b, "instruments: %d\n", len(s.dir.All()))
	fmt.Fprintf(&b, "subscriptions: %d\n", s.dispatcher.TotalSubscriptions())
	fmt.Fprintf(&b, "connections:\n")

	for _, conn := range s.pool.All() {
		status := conn.Status()
		if status == upstream.StatusLoggedIn {
			fmt.Fprintf(&b, "  %s: %s (%d subs)\n", conn.ID(), status, conn.SubscriptionCount())
		} else {
			fmt.Fprintf(&b, "  %s: %s\n", conn.ID(), status)
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(b.String()))
}
