package upstream

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gookit/goutil/fsutil"
	"go.uber.org/zap"

	"github.com/pseudocodes/qamd-gateway/internal/config"
	"github.com/pseudocodes/qamd-gateway/internal/metrics"
	"github.com/pseudocodes/qamd-gateway/internal/quote"
)

// Status 连接状态
type Status int32

const (
	StatusDisconnected Status = 0
	StatusConnecting   Status = 1
	StatusConnected    Status = 2
	StatusLoggedIn     Status = 3
	StatusError        Status = 4
)

// String 状态名
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "DISCONNECTED"
	case StatusConnecting:
		return "CONNECTING"
	case StatusConnected:
		return "CONNECTED"
	case StatusLoggedIn:
		return "LOGGED_IN"
	case StatusError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// 累计错误超过该值后连接闩锁到 ERROR
const errorLatchThreshold = 10

var (
	// ErrNotLoggedIn 连接未登录，订阅/退订被拒绝
	ErrNotLoggedIn = errors.New("connection not logged in")
	// ErrMaxSubscriptions 连接订阅数已达上限
	ErrMaxSubscriptions = errors.New("max subscriptions reached")
	// ErrServerClosed 服务器正在关闭
	ErrServerClosed = errors.New("server is shutting down")
)

// Connection 一条上游行情连接：连接 -> 登录 -> 订阅 -> 收行情
type Connection struct {
	cfg     config.ConnectionConfig
	factory FeedFactory

	mu  sync.Mutex // 保护 api 生命周期
	api FeedAPI

	status     atomic.Int32
	errorCount atomic.Int32
	requestID  atomic.Int32

	subMu      sync.Mutex
	subscribed map[string]struct{}

	events   DispatcherEvents
	cache    CacheWriter
	resolver DisplayResolver
	post     func(func()) // 分发器事件投递到执行器，避免在回调线程取分发器锁
	running  func() bool

	logger *zap.Logger
}

// NewConnection 创建连接
func NewConnection(cfg config.ConnectionConfig, factory FeedFactory, events DispatcherEvents,
	cache CacheWriter, resolver DisplayResolver, post func(func()), running func() bool,
	logger *zap.Logger) *Connection {

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{
		cfg:        cfg,
		factory:    factory,
		subscribed: make(map[string]struct{}),
		events:     events,
		cache:      cache,
		resolver:   resolver,
		post:       post,
		running:    running,
		logger:     logger.With(zap.String("connection_id", cfg.ConnectionID)),
	}
}

// ID 连接标识
func (c *Connection) ID() string {
	return c.cfg.ConnectionID
}

// Config 连接配置
func (c *Connection) Config() config.ConnectionConfig {
	return c.cfg
}

// Status 当前状态
func (c *Connection) Status() Status {
	return Status(c.status.Load())
}

// ErrorCount 累计错误数
func (c *Connection) ErrorCount() int {
	return int(c.errorCount.Load())
}

func (c *Connection) setStatus(s Status) {
	c.status.Store(int32(s))
}

// addError 累加错误并在超限时闩锁 ERROR
func (c *Connection) addError() {
	if c.errorCount.Add(1) > errorLatchThreshold {
		c.logger.Error("too many errors, latching connection to ERROR")
		c.setStatus(StatusError)
	}
}

// Start 发起连接，DISCONNECTED -> CONNECTING
// 已经启动过时幂等返回
func (c *Connection) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Status() != StatusDisconnected {
		return nil
	}
	c.setStatus(StatusConnecting)

	flowPath := filepath.Join(".", "ctpflow", c.cfg.ConnectionID) + string(os.PathSeparator)
	if err := fsutil.Mkdir(flowPath, os.ModePerm); err != nil {
		c.logger.Warn("failed to create flow directory",
			zap.String("path", flowPath), zap.Error(err))
	}

	api, err := c.factory(flowPath)
	if err != nil {
		c.setStatus(StatusError)
		return fmt.Errorf("create feed api for %s: %w", c.cfg.ConnectionID, err)
	}

	c.api = api
	api.RegisterSpi(c)
	api.RegisterFront(c.cfg.FrontAddr)
	if err := api.Init(); err != nil {
		c.setStatus(StatusError)
		return fmt.Errorf("init feed api for %s: %w", c.cfg.ConnectionID, err)
	}

	c.logger.Info("upstream connection starting", zap.String("front_addr", c.cfg.FrontAddr))
	return nil
}

// Stop 关闭会话并清空订阅集合，回到 DISCONNECTED
func (c *Connection) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.setStatus(StatusDisconnected)

	if c.api != nil {
		c.api.Release()
		c.api = nil
	}

	c.subMu.Lock()
	c.subscribed = make(map[string]struct{})
	c.subMu.Unlock()

	c.logger.Info("upstream connection stopped")
}

// Restart 停止后等待再启动，服务器关闭中则放弃
func (c *Connection) Restart() error {
	c.logger.Info("restarting upstream connection")
	c.Stop()
	time.Sleep(2 * time.Second)

	if c.running != nil && !c.running() {
		c.logger.Info("server is stopping, cancelling restart")
		return ErrServerClosed
	}
	return c.Start()
}

// SubscribeInstrument 订阅合约，要求 LOGGED_IN 且未达容量
// 重复订阅幂等成功，不发起网络调用
func (c *Connection) SubscribeInstrument(instrument string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if c.Status() != StatusLoggedIn {
		c.logger.Warn("connection not ready for subscription", zap.String("instrument", instrument))
		return ErrNotLoggedIn
	}

	if _, ok := c.subscribed[instrument]; ok {
		c.logger.Debug("instrument already subscribed", zap.String("instrument", instrument))
		return nil
	}

	if len(c.subscribed) >= c.cfg.MaxSubscriptions {
		c.logger.Warn("max subscriptions limit reached", zap.String("instrument", instrument),
			zap.Int("max", c.cfg.MaxSubscriptions))
		return ErrMaxSubscriptions
	}

	if err := c.api.SubscribeMarketData([]string{instrument}); err != nil {
		c.logger.Error("failed to subscribe", zap.String("instrument", instrument), zap.Error(err))
		c.addError()
		return err
	}

	c.subscribed[instrument] = struct{}{}
	c.logger.Info("subscribed instrument", zap.String("instrument", instrument))
	return nil
}

// UnsubscribeInstrument 退订合约，未订阅时幂等成功
func (c *Connection) UnsubscribeInstrument(instrument string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if c.Status() != StatusLoggedIn {
		return ErrNotLoggedIn
	}

	if _, ok := c.subscribed[instrument]; !ok {
		return nil
	}

	if err := c.api.UnSubscribeMarketData([]string{instrument}); err != nil {
		c.logger.Error("failed to unsubscribe", zap.String("instrument", instrument), zap.Error(err))
		c.addError()
		return err
	}

	delete(c.subscribed, instrument)
	c.logger.Info("unsubscribed instrument", zap.String("instrument", instrument))
	return nil
}

// SubscriptionCount 当前订阅数
func (c *Connection) SubscriptionCount() int {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return len(c.subscribed)
}

// CanAcceptMore 是否可再接受订阅
func (c *Connection) CanAcceptMore() bool {
	if c.Status() != StatusLoggedIn {
		return false
	}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return len(c.subscribed) < c.cfg.MaxSubscriptions
}

// Subscribed 合约是否在本连接的订阅集合内
func (c *Connection) Subscribed(instrument string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	_, ok := c.subscribed[instrument]
	return ok
}

// login 行情登录只需要 BrokerID，用户名和密码为空
func (c *Connection) login() {
	reqID := int(c.requestID.Add(1))
	if err := c.api.ReqUserLogin(c.cfg.BrokerID, "", "", reqID); err != nil {
		c.logger.Error("failed to send login request", zap.Error(err))
		c.setStatus(StatusError)
		c.addError()
		return
	}
	c.logger.Info("login request sent", zap.Int("request_id", reqID))
}

// dispatch 把分发器事件投递到执行器执行
func (c *Connection) dispatch(fn func()) {
	if fn == nil {
		return
	}
	if c.post != nil {
		c.post(fn)
	} else {
		fn()
	}
}

// ==================== FeedSPI 回调实现 ====================
// 以下回调由厂商库线程调用，除 seqlock 写入外不得取会话/分发器锁

// OnFrontConnected 传输层就绪，发起登录
func (c *Connection) OnFrontConnected() {
	c.logger.Info("front connected")
	c.setStatus(StatusConnected)
	c.login()
}

// OnFrontDisconnected 传输层断开
func (c *Connection) OnFrontDisconnected(reason int) {
	c.logger.Warn("front disconnected", zap.Int("reason", reason))
	c.setStatus(StatusDisconnected)
	c.addError()

	if c.events != nil {
		id := c.cfg.ConnectionID
		c.dispatch(func() { c.events.OnConnectionFailure(id) })
	}
}

// OnRspUserLogin 登录应答
func (c *Connection) OnRspUserLogin(err error) {
	if err != nil {
		c.logger.Error("login failed", zap.Error(err))
		c.setStatus(StatusError)
		c.addError()
		return
	}

	c.logger.Info("login successful")
	c.setStatus(StatusLoggedIn)

	if c.events != nil {
		id := c.cfg.ConnectionID
		c.dispatch(func() { c.events.OnConnectionRecovery(id) })
	}
}

// OnRspSubMarketData 订阅应答
func (c *Connection) OnRspSubMarketData(instrument string, err error) {
	id := c.cfg.ConnectionID

	if err != nil {
		c.logger.Error("subscribe response error", zap.String("instrument", instrument), zap.Error(err))
		c.addError()

		// 连接集合为权威数据：订阅失败即从集合剔除
		c.subMu.Lock()
		delete(c.subscribed, instrument)
		c.subMu.Unlock()

		if c.events != nil {
			c.dispatch(func() { c.events.OnSubscriptionFailed(id, instrument) })
		}
		return
	}

	c.logger.Info("subscribe confirmed", zap.String("instrument", instrument))
	if c.events != nil {
		c.dispatch(func() { c.events.OnSubscriptionSuccess(id, instrument) })
	}
}

// OnRspUnSubMarketData 退订应答
func (c *Connection) OnRspUnSubMarketData(instrument string, err error) {
	id := c.cfg.ConnectionID

	if err != nil {
		c.logger.Error("unsubscribe response error", zap.String("instrument", instrument), zap.Error(err))
		c.addError()
		return
	}

	c.logger.Info("unsubscribe confirmed", zap.String("instrument", instrument))
	if c.events != nil {
		c.dispatch(func() { c.events.OnUnsubscriptionSuccess(id, instrument) })
	}
}

// OnRtnDepthMarketData 行情回调热路径
// 翻译显示代码 -> 构建 Quote -> 写缓存 -> 投递分发器通知
func (c *Connection) OnRtnDepthMarketData(md *quote.DepthMarketData) {
	if md == nil {
		return
	}

	start := time.Now()
	metrics.TicksReceived.Inc()

	raw := md.InstrumentID
	display := raw
	if c.resolver != nil {
		display = c.resolver.Display(raw)
	}

	q := quote.FromDepthMarketData(md, display, time.Now().UnixMilli())

	if c.cache != nil {
		if err := c.cache.Publish(raw, q); err != nil {
			metrics.PublishDropped.Inc()
		}
	}

	if c.events != nil {
		id := c.cfg.ConnectionID
		c.dispatch(func() { c.events.OnTick(id, raw) })
	}

	metrics.PublishDuration.Observe(time.Since(start).Seconds())
}

// OnRspError 通用错误回调
func (c *Connection) OnRspError(err error) {
	if err == nil {
		return
	}
	c.logger.Error("upstream error", zap.Error(err))
	c.addError()
}
