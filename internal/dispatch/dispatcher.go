package dispatch

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pseudocodes/qamd-gateway/internal/metrics"
	"github.com/pseudocodes/qamd-gateway/internal/upstream"
)

// Status 订阅状态
type Status int

const (
	StatusPending     Status = 0 // 等待订阅
	StatusSubscribing Status = 1 // 订阅中
	StatusActive      Status = 2 // 已订阅
	StatusFailed      Status = 3 // 订阅失败
	StatusCancelled   Status = 4 // 已取消
)

// String 状态名
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusSubscribing:
		return "SUBSCRIBING"
	case StatusActive:
		return "ACTIVE"
	case StatusFailed:
		return "FAILED"
	case StatusCancelled:
		return "CANCELLED"
	}
	return "UNKNOWN"
}

// FAILED 记录超过该时长未更新后由维护任务清除
const failedRecordTTL = 10 * time.Minute

// record 单合约的全局订阅记录
type record struct {
	instrument         string
	assignedConnection string
	status             Status
	requestingSessions map[string]struct{}
	createdAt          time.Time
	updatedAt          time.Time
	retryCount         int
}

// RecordView 订阅记录的只读快照
type RecordView struct {
	Instrument         string
	AssignedConnection string
	Status             Status
	RequestingSessions []string
	RetryCount         int
}

// Dispatcher 全局订阅分发器
// 把客户端级订阅映射到上游连接：轮询放置、故障迁移、失败重试
//
// 锁序（多锁必须按此顺序获取）:
//  1. subMu  2. sessMu  3. 连接池锁  4. retryMu
type Dispatcher struct {
	pool   *upstream.Pool
	logger *zap.Logger

	subMu   sync.Mutex
	records map[string]*record // instrument -> record

	sessMu      sync.Mutex
	sessionSubs map[string]map[string]struct{} // session_id -> instruments

	connMu    sync.Mutex
	connIndex map[string]map[string]struct{} // connection_id -> instruments（非权威索引）

	retryMu  sync.Mutex
	retrySet map[string]struct{}

	rr atomic.Uint64 // 轮询计数器

	maxRetryCount       int
	maintenanceInterval time.Duration

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// 行情到达的观察钩子，可为空
	onTick func(connectionID, instrument string)
}

// NewDispatcher 创建分发器
func NewDispatcher(pool *upstream.Pool, maintenanceInterval time.Duration, maxRetryCount int, logger *zap.Logger) *Dispatcher {
	if maintenanceInterval <= 0 {
		maintenanceInterval = 60 * time.Second
	}
	if maxRetryCount <= 0 {
		maxRetryCount = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		pool:                pool,
		logger:              logger,
		records:             make(map[string]*record),
		sessionSubs:         make(map[string]map[string]struct{}),
		connIndex:           make(map[string]map[string]struct{}),
		retrySet:            make(map[string]struct{}),
		maxRetryCount:       maxRetryCount,
		maintenanceInterval: maintenanceInterval,
	}
}

// 静态断言：分发器实现连接事件接口
var _ upstream.DispatcherEvents = (*Dispatcher)(nil)

// Start 启动维护任务
func (d *Dispatcher) Start() {
	if !d.running.CompareAndSwap(false, true) {
		return
	}
	d.stopCh = make(chan struct{})
	d.wg.Add(1)
	go d.maintenanceLoop()

	d.logger.Info("subscription dispatcher started",
		zap.Duration("maintenance_interval", d.maintenanceInterval),
		zap.Int("max_retry_count", d.maxRetryCount))
}

// Stop 停止维护任务并清空全部状态
func (d *Dispatcher) Stop() {
	if !d.running.CompareAndSwap(true, false) {
		return
	}
	close(d.stopCh)
	d.wg.Wait()

	d.subMu.Lock()
	d.sessMu.Lock()
	d.connMu.Lock()
	d.records = make(map[string]*record)
	d.sessionSubs = make(map[string]map[string]struct{})
	d.connIndex = make(map[string]map[string]struct{})
	d.connMu.Unlock()
	d.sessMu.Unlock()
	d.subMu.Unlock()

	d.logger.Info("subscription dispatcher stopped")
}

// SetTickObserver 注册行情观察钩子
func (d *Dispatcher) SetTickObserver(fn func(connectionID, instrument string)) {
	d.onTick = fn
}

// AddSubscription 为 session 增加一个合约订阅
// 已有全局记录时仅加入 session 集合，不发起上游调用
func (d *Dispatcher) AddSubscription(sessionID, instrument string) bool {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	d.sessMu.Lock()
	defer d.sessMu.Unlock()

	if rec, ok := d.records[instrument]; ok {
		rec.requestingSessions[sessionID] = struct{}{}
		d.addSessionSubLocked(sessionID, instrument)
		d.logger.Info("joined existing subscription",
			zap.String("session_id", sessionID), zap.String("instrument", instrument))
		return true
	}

	rec := &record{
		instrument:         instrument,
		status:             StatusPending,
		requestingSessions: map[string]struct{}{sessionID: {}},
		createdAt:          time.Now(),
		updatedAt:          time.Now(),
	}
	d.records[instrument] = rec
	d.addSessionSubLocked(sessionID, instrument)

	conn := d.selectRoundRobin("")
	if conn == nil {
		d.logger.Error("no available connection for subscription",
			zap.String("instrument", instrument))
		rec.status = StatusFailed
		d.enqueueRetry(rec)
		return false
	}

	rec.assignedConnection = conn.ID()
	rec.status = StatusSubscribing

	if err := conn.SubscribeInstrument(instrument); err != nil {
		rec.status = StatusFailed
		d.logger.Error("subscribe failed",
			zap.String("instrument", instrument),
			zap.String("connection_id", conn.ID()),
			zap.Error(err))
		return false
	}

	d.logger.Info("added new subscription",
		zap.String("instrument", instrument),
		zap.String("connection_id", conn.ID()))
	return true
}

// RemoveSubscription 从 session 移除一个合约订阅
// session 集合为空时向上游退订并删除记录
func (d *Dispatcher) RemoveSubscription(sessionID, instrument string) bool {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	d.sessMu.Lock()
	defer d.sessMu.Unlock()

	if subs, ok := d.sessionSubs[sessionID]; ok {
		delete(subs, instrument)
		if len(subs) == 0 {
			delete(d.sessionSubs, sessionID)
		}
	}

	rec, ok := d.records[instrument]
	if !ok {
		return true
	}

	delete(rec.requestingSessions, sessionID)

	if len(rec.requestingSessions) == 0 {
		if conn, ok := d.pool.Get(rec.assignedConnection); ok {
			if err := conn.UnsubscribeInstrument(instrument); err != nil {
				d.logger.Warn("unsubscribe failed",
					zap.String("instrument", instrument),
					zap.String("connection_id", rec.assignedConnection),
					zap.Error(err))
			}
		}
		delete(d.records, instrument)
		d.logger.Info("removed subscription", zap.String("instrument", instrument),
			zap.String("connection_id", rec.assignedConnection))
	} else {
		d.logger.Info("kept subscription",
			zap.String("instrument", instrument),
			zap.Int("remaining_sessions", len(rec.requestingSessions)))
	}
	return true
}

// RemoveAllForSession 清除一个 session 的全部订阅
func (d *Dispatcher) RemoveAllForSession(sessionID string) {
	d.sessMu.Lock()
	instruments := make([]string, 0)
	if subs, ok := d.sessionSubs[sessionID]; ok {
		for instrument := range subs {
			instruments = append(instruments, instrument)
		}
	}
	d.sessMu.Unlock()

	for _, instrument := range instruments {
		d.RemoveSubscription(sessionID, instrument)
	}

	d.logger.Info("removed all subscriptions for session",
		zap.String("session_id", sessionID), zap.Int("count", len(instruments)))
}

// SubscriptionsForSession session 的订阅合约列表
func (d *Dispatcher) SubscriptionsForSession(sessionID string) []string {
	d.sessMu.Lock()
	defer d.sessMu.Unlock()

	out := make([]string, 0)
	for instrument := range d.sessionSubs[sessionID] {
		out = append(out, instrument)
	}
	return out
}

// SessionsForInstrument 请求某合约的 session 列表
func (d *Dispatcher) SessionsForInstrument(instrument string) []string {
	d.subMu.Lock()
	defer d.subMu.Unlock()

	rec, ok := d.records[instrument]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(rec.requestingSessions))
	for sessionID := range rec.requestingSessions {
		out = append(out, sessionID)
	}
	return out
}

// SubscriptionStatus 合约的订阅状态，无记录时返回 CANCELLED
func (d *Dispatcher) SubscriptionStatus(instrument string) Status {
	d.subMu.Lock()
	defer d.subMu.Unlock()

	if rec, ok := d.records[instrument]; ok {
		return rec.status
	}
	return StatusCancelled
}

// Record 订阅记录快照
func (d *Dispatcher) Record(instrument string) (RecordView, bool) {
	d.subMu.Lock()
	defer d.subMu.Unlock()

	rec, ok := d.records[instrument]
	if !ok {
		return RecordView{}, false
	}
	view := RecordView{
		Instrument:         rec.instrument,
		AssignedConnection: rec.assignedConnection,
		Status:             rec.status,
		RetryCount:         rec.retryCount,
	}
	for sessionID := range rec.requestingSessions {
		view.RequestingSessions = append(view.RequestingSessions, sessionID)
	}
	return view, true
}

// TotalSubscriptions 全局订阅记录数
func (d *Dispatcher) TotalSubscriptions() int {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	return len(d.records)
}

// RetryQueueLen 重试队列长度
func (d *Dispatcher) RetryQueueLen() int {
	d.retryMu.Lock()
	defer d.retryMu.Unlock()
	return len(d.retrySet)
}

// ==================== 连接事件 ====================

// OnSubscriptionSuccess 上游订阅确认
// 非当前分配连接发来的确认（如故障连接的迟到应答）被忽略
func (d *Dispatcher) OnSubscriptionSuccess(connectionID, instrument string) {
	d.subMu.Lock()
	defer d.subMu.Unlock()

	rec, ok := d.records[instrument]
	if !ok || rec.assignedConnection != connectionID {
		return
	}
	rec.status = StatusActive
	rec.updatedAt = time.Now()

	d.connMu.Lock()
	if d.connIndex[connectionID] == nil {
		d.connIndex[connectionID] = make(map[string]struct{})
	}
	d.connIndex[connectionID][instrument] = struct{}{}
	d.connMu.Unlock()

	d.logger.Info("subscription active",
		zap.String("instrument", instrument), zap.String("connection_id", connectionID))
}

// OnSubscriptionFailed 上游订阅失败
func (d *Dispatcher) OnSubscriptionFailed(connectionID, instrument string) {
	d.subMu.Lock()
	defer d.subMu.Unlock()

	rec, ok := d.records[instrument]
	if !ok {
		return
	}
	rec.status = StatusFailed
	rec.retryCount++
	rec.updatedAt = time.Now()

	d.enqueueRetry(rec)

	d.logger.Error("subscription failed",
		zap.String("instrument", instrument),
		zap.String("connection_id", connectionID),
		zap.Int("retry_count", rec.retryCount))
}

// OnUnsubscriptionSuccess 上游退订确认，仅清理非权威索引
func (d *Dispatcher) OnUnsubscriptionSuccess(connectionID, instrument string) {
	d.connMu.Lock()
	defer d.connMu.Unlock()

	if idx, ok := d.connIndex[connectionID]; ok {
		delete(idx, instrument)
		if len(idx) == 0 {
			delete(d.connIndex, connectionID)
		}
	}
}

// OnConnectionFailure 连接故障：失效其上全部 ACTIVE 订阅并迁移
func (d *Dispatcher) OnConnectionFailure(connectionID string) {
	d.subMu.Lock()
	defer d.subMu.Unlock()

	d.logger.Warn("handling connection failure", zap.String("connection_id", connectionID))

	affected := make([]*record, 0)
	for _, rec := range d.records {
		if rec.assignedConnection == connectionID && rec.status == StatusActive {
			rec.status = StatusFailed
			rec.updatedAt = time.Now()
			affected = append(affected, rec)
		}
	}

	for _, rec := range affected {
		conn := d.selectRoundRobin(connectionID)
		if conn == nil {
			d.logger.Error("no available connection to migrate subscription",
				zap.String("instrument", rec.instrument))
			d.enqueueRetry(rec)
			continue
		}
		d.migrateLocked(rec, connectionID, conn)
	}

	d.connMu.Lock()
	delete(d.connIndex, connectionID)
	d.connMu.Unlock()

	d.logger.Info("connection failure handled",
		zap.String("connection_id", connectionID), zap.Int("affected", len(affected)))
}

// OnConnectionRecovery 连接恢复：立即处理重试队列
func (d *Dispatcher) OnConnectionRecovery(connectionID string) {
	d.logger.Info("connection recovered", zap.String("connection_id", connectionID))
	d.processRetrySet()
}

// OnTick 行情到达观察钩子
func (d *Dispatcher) OnTick(connectionID, instrument string) {
	if d.onTick != nil {
		d.onTick(connectionID, instrument)
	}
}

// ==================== 内部 ====================

func (d *Dispatcher) addSessionSubLocked(sessionID, instrument string) {
	if d.sessionSubs[sessionID] == nil {
		d.sessionSubs[sessionID] = make(map[string]struct{})
	}
	d.sessionSubs[sessionID][instrument] = struct{}{}
}

// selectRoundRobin 轮询选择可用连接，排除 exclude
func (d *Dispatcher) selectRoundRobin(exclude string) *upstream.Connection {
	available := d.pool.Available()
	if exclude != "" {
		filtered := available[:0]
		for _, conn := range available {
			if conn.ID() != exclude {
				filtered = append(filtered, conn)
			}
		}
		available = filtered
	}
	if len(available) == 0 {
		return nil
	}
	idx := (d.rr.Add(1) - 1) % uint64(len(available))
	return available[idx]
}

// enqueueRetry 重试次数未超限时加入重试队列（retryMu 恒为最后取的锁）
func (d *Dispatcher) enqueueRetry(rec *record) {
	if rec.retryCount >= d.maxRetryCount {
		d.logger.Error("subscription abandoned after max retries",
			zap.String("instrument", rec.instrument),
			zap.Int("retry_count", rec.retryCount))
		return
	}
	d.retryMu.Lock()
	d.retrySet[rec.instrument] = struct{}{}
	d.retryMu.Unlock()
}

// migrateLocked 把订阅迁移到新连接并重新发起订阅，需持有 subMu
func (d *Dispatcher) migrateLocked(rec *record, from string, to *upstream.Connection) {
	d.logger.Info("migrating subscription",
		zap.String("instrument", rec.instrument),
		zap.String("from", from), zap.String("to", to.ID()))

	rec.assignedConnection = to.ID()
	rec.status = StatusSubscribing
	rec.retryCount = 0

	if err := to.SubscribeInstrument(rec.instrument); err != nil {
		d.logger.Error("failed to migrate subscription",
			zap.String("instrument", rec.instrument), zap.Error(err))
		rec.status = StatusFailed
		d.enqueueRetry(rec)
	}
}

// processRetrySet 排干重试队列，逐个重新放置，失败的重新入队
func (d *Dispatcher) processRetrySet() {
	d.retryMu.Lock()
	pending := make([]string, 0, len(d.retrySet))
	for instrument := range d.retrySet {
		pending = append(pending, instrument)
	}
	d.retrySet = make(map[string]struct{})
	d.retryMu.Unlock()

	if len(pending) == 0 {
		return
	}

	failedAgain := make([]string, 0)

	for _, instrument := range pending {
		d.subMu.Lock()
		rec, ok := d.records[instrument]
		if !ok || rec.status != StatusFailed {
			d.subMu.Unlock()
			continue
		}

		conn := d.selectRoundRobin("")
		if conn == nil {
			if rec.retryCount < d.maxRetryCount {
				failedAgain = append(failedAgain, instrument)
			}
			d.subMu.Unlock()
			continue
		}

		rec.assignedConnection = conn.ID()
		rec.status = StatusSubscribing

		if err := conn.SubscribeInstrument(instrument); err != nil {
			rec.status = StatusFailed
			rec.retryCount++
			if rec.retryCount < d.maxRetryCount {
				failedAgain = append(failedAgain, instrument)
			}
			d.subMu.Unlock()
			continue
		}

		rec.retryCount = 0
		d.subMu.Unlock()
		d.logger.Info("retried subscription",
			zap.String("instrument", instrument), zap.String("connection_id", conn.ID()))
	}

	if len(failedAgain) > 0 {
		d.retryMu.Lock()
		for _, instrument := range failedAgain {
			d.retrySet[instrument] = struct{}{}
		}
		d.retryMu.Unlock()
	}
}

// cleanupExpired 清除长时间停留在 FAILED 的记录
func (d *Dispatcher) cleanupExpired() {
	d.subMu.Lock()
	defer d.subMu.Unlock()

	now := time.Now()
	for instrument, rec := range d.records {
		if rec.status == StatusFailed && now.Sub(rec.updatedAt) > failedRecordTTL {
			delete(d.records, instrument)
			d.logger.Info("cleaned up expired subscription", zap.String("instrument", instrument))
		}
	}
}

// maintenanceLoop 以 1 秒粒度可取消地等待，到期跑一轮维护
func (d *Dispatcher) maintenanceLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	elapsed := time.Duration(0)
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			elapsed += time.Second
			if elapsed < d.maintenanceInterval {
				continue
			}
			elapsed = 0

			d.processRetrySet()
			d.cleanupExpired()
			metrics.TotalSubscriptions.Set(float64(d.TotalSubscriptions()))
		}
	}
}
