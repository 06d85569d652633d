package upstream

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pseudocodes/qamd-gateway/internal/metrics"
)

// 连接重启之间的最小间隔
const restartBackoff = 10 * time.Second

// DISCONNECTED 状态下错误数超过该值才触发重启
const unhealthyErrorCount = 5

// Pool 上游连接池，独占持有全部连接并负责健康监控
type Pool struct {
	mu    sync.Mutex
	conns map[string]*Connection
	order []string // 插入顺序，轮询平手时按此顺序

	restartMu          sync.Mutex
	nextRestartAllowed map[string]time.Time

	healthInterval time.Duration
	running        atomic.Bool
	stopCh         chan struct{}
	wg             sync.WaitGroup

	logger *zap.Logger
}

// NewPool 创建连接池
func NewPool(healthInterval time.Duration, logger *zap.Logger) *Pool {
	if healthInterval <= 0 {
		healthInterval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		conns:              make(map[string]*Connection),
		nextRestartAllowed: make(map[string]time.Time),
		healthInterval:     healthInterval,
		logger:             logger,
	}
}

// Add 注册连接
func (p *Pool) Add(conn *Connection) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.conns[conn.ID()]; ok {
		return fmt.Errorf("connection %s already exists", conn.ID())
	}
	p.conns[conn.ID()] = conn
	p.order = append(p.order, conn.ID())

	p.logger.Info("added upstream connection",
		zap.String("connection_id", conn.ID()),
		zap.String("front_addr", conn.Config().FrontAddr))
	return nil
}

// Remove 停止并移除连接
func (p *Pool) Remove(id string) bool {
	p.mu.Lock()
	conn, ok := p.conns[id]
	if ok {
		delete(p.conns, id)
		for i, cid := range p.order {
			if cid == id {
				p.order = append(p.order[:i], p.order[i+1:]...)
				break
			}
		}
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	conn.Stop()
	p.logger.Info("removed upstream connection", zap.String("connection_id", id))
	return true
}

// StartAll 启动所有未启动的连接并开启健康监控
func (p *Pool) StartAll() error {
	p.mu.Lock()
	conns := p.snapshotLocked()
	p.mu.Unlock()

	var firstErr error
	for _, conn := range conns {
		if conn.Status() != StatusDisconnected {
			continue
		}
		if err := conn.Start(); err != nil {
			p.logger.Error("failed to start connection",
				zap.String("connection_id", conn.ID()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	p.startHealthMonitor()
	p.logger.Info("started upstream connections", zap.Int("count", len(conns)))
	return firstErr
}

// StopAll 停止健康监控与所有连接
func (p *Pool) StopAll() {
	p.stopHealthMonitor()

	p.mu.Lock()
	conns := p.snapshotLocked()
	p.mu.Unlock()

	for _, conn := range conns {
		conn.Stop()
	}
	p.logger.Info("stopped all upstream connections")
}

// Get 按 ID 查连接
func (p *Pool) Get(id string) (*Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.conns[id]
	return conn, ok
}

// All 按插入顺序返回全部连接
func (p *Pool) All() []*Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// Available 已登录且容量未满的连接，按插入顺序
func (p *Pool) Available() []*Connection {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Connection, 0, len(p.order))
	for _, id := range p.order {
		conn := p.conns[id]
		if conn.Status() == StatusLoggedIn && conn.CanAcceptMore() {
			out = append(out, conn)
		}
	}
	return out
}

// ActiveCount 已登录连接数
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, conn := range p.conns {
		if conn.Status() == StatusLoggedIn {
			n++
		}
	}
	return n
}

// TotalSubscriptions 全部连接的订阅数之和
func (p *Pool) TotalSubscriptions() int {
	p.mu.Lock()
	conns := p.snapshotLocked()
	p.mu.Unlock()

	total := 0
	for _, conn := range conns {
		total += conn.SubscriptionCount()
	}
	return total
}

func (p *Pool) snapshotLocked() []*Connection {
	out := make([]*Connection, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.conns[id])
	}
	return out
}

// ==================== 健康监控 ====================

func (p *Pool) startHealthMonitor() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	p.stopCh = make(chan struct{})
	p.wg.Add(1)
	go p.healthLoop()
	p.logger.Info("started connection health monitor",
		zap.Duration("interval", p.healthInterval))
}

func (p *Pool) stopHealthMonitor() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("stopped connection health monitor")
}

// healthLoop 以 1 秒粒度可取消地等待，到期执行一轮检查
func (p *Pool) healthLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	elapsed := time.Duration(0)
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			elapsed += time.Second
			if elapsed < p.healthInterval {
				continue
			}
			elapsed = 0
			p.checkConnections()
		}
	}
}

// checkConnections 重启 ERROR 或错误过多的 DISCONNECTED 连接
// 受每连接 10 秒退避约束，重启在监控线程内同步执行
func (p *Pool) checkConnections() {
	p.mu.Lock()
	conns := p.snapshotLocked()
	p.mu.Unlock()

	metrics.ActiveConnections.Set(float64(p.ActiveCount()))

	for _, conn := range conns {
		status := conn.Status()
		unhealthy := status == StatusError ||
			(status == StatusDisconnected && conn.ErrorCount() > unhealthyErrorCount)
		if !unhealthy {
			continue
		}

		if !p.allowRestart(conn.ID()) {
			continue
		}

		p.logger.Warn("connection is unhealthy, attempting restart",
			zap.String("connection_id", conn.ID()),
			zap.String("status", status.String()),
			zap.Int("error_count", conn.ErrorCount()))

		if err := conn.Restart(); err != nil {
			p.logger.Error("connection restart failed",
				zap.String("connection_id", conn.ID()), zap.Error(err))
		}
	}
}

// allowRestart 退避去重：距上次重启不足 10 秒则跳过
func (p *Pool) allowRestart(id string) bool {
	p.restartMu.Lock()
	defer p.restartMu.Unlock()

	now := time.Now()
	if next, ok := p.nextRestartAllowed[id]; ok && now.Before(next) {
		return false
	}
	p.nextRestartAllowed[id] = now.Add(restartBackoff)
	return true
}
