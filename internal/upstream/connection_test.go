package upstream

import (
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/pseudocodes/qamd-gateway/internal/config"
	"github.com/pseudocodes/qamd-gateway/internal/quote"
)

// chtemp 切换到临时目录，避免测试在仓库内创建 ctpflow 目录
func chtemp(t *testing.T) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(old) })
}

// fakeFeed 厂商行情接口的测试替身，应答由测试显式驱动
type fakeFeed struct {
	mu             sync.Mutex
	spi            FeedSPI
	front          string
	loginRequests  int
	subscribeCalls []string
	unsubCalls     []string
	failSubscribe  bool
	released       bool
}

func (f *fakeFeed) RegisterSpi(spi FeedSPI) { f.spi = spi }
func (f *fakeFeed) RegisterFront(addr string) {
	f.mu.Lock()
	f.front = addr
	f.mu.Unlock()
}
func (f *fakeFeed) Init() error { return nil }
func (f *fakeFeed) ReqUserLogin(brokerID, userID, password string, requestID int) error {
	f.mu.Lock()
	f.loginRequests++
	f.mu.Unlock()
	return nil
}
func (f *fakeFeed) SubscribeMarketData(instruments []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSubscribe {
		return errors.New("wire error")
	}
	f.subscribeCalls = append(f.subscribeCalls, instruments...)
	return nil
}
func (f *fakeFeed) UnSubscribeMarketData(instruments []string) error {
	f.mu.Lock()
	f.unsubCalls = append(f.unsubCalls, instruments...)
	f.mu.Unlock()
	return nil
}
func (f *fakeFeed) Release() {
	f.mu.Lock()
	f.released = true
	f.mu.Unlock()
}

func (f *fakeFeed) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribeCalls)
}

// eventRecorder 记录连接上报的分发器事件
type eventRecorder struct {
	mu       sync.Mutex
	subOK    []string
	subFail  []string
	unsubOK  []string
	connFail []string
	connUp   []string
	ticks    []string
}

func (r *eventRecorder) OnSubscriptionSuccess(connID, inst string) {
	r.mu.Lock()
	r.subOK = append(r.subOK, inst)
	r.mu.Unlock()
}
func (r *eventRecorder) OnSubscriptionFailed(connID, inst string) {
	r.mu.Lock()
	r.subFail = append(r.subFail, inst)
	r.mu.Unlock()
}
func (r *eventRecorder) OnUnsubscriptionSuccess(connID, inst string) {
	r.mu.Lock()
	r.unsubOK = append(r.unsubOK, inst)
	r.mu.Unlock()
}
func (r *eventRecorder) OnConnectionFailure(connID string) {
	r.mu.Lock()
	r.connFail = append(r.connFail, connID)
	r.mu.Unlock()
}
func (r *eventRecorder) OnConnectionRecovery(connID string) {
	r.mu.Lock()
	r.connUp = append(r.connUp, connID)
	r.mu.Unlock()
}
func (r *eventRecorder) OnTick(connID, inst string) {
	r.mu.Lock()
	r.ticks = append(r.ticks, inst)
	r.mu.Unlock()
}

func testConnConfig(id string, maxSubs int) config.ConnectionConfig {
	return config.ConnectionConfig{
		ConnectionID:     id,
		FrontAddr:        "tcp://127.0.0.1:10210",
		BrokerID:         "9999",
		MaxSubscriptions: maxSubs,
		Priority:         1,
		Enabled:          true,
	}
}

// newTestConnection 创建连接与其测试替身
func newTestConnection(t *testing.T, id string, maxSubs int, events DispatcherEvents) (*Connection, *fakeFeed) {
	t.Helper()
	feed := &fakeFeed{}
	factory := func(flowPath string) (FeedAPI, error) { return feed, nil }
	conn := NewConnection(testConnConfig(id, maxSubs), factory, events, nil, nil, nil,
		func() bool { return true }, nil)
	return conn, feed
}

// login 驱动连接走完 连接->登录 流程
func login(t *testing.T, conn *Connection) {
	t.Helper()
	if err := conn.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn.OnFrontConnected()
	conn.OnRspUserLogin(nil)
	if conn.Status() != StatusLoggedIn {
		t.Fatalf("status = %s, want LOGGED_IN", conn.Status())
	}
}

// TestConnectionStateMachine 测试状态机流转
func TestConnectionStateMachine(t *testing.T) {
	chtemp(t)
	events := &eventRecorder{}
	conn, feed := newTestConnection(t, "c1", 10, events)

	if conn.Status() != StatusDisconnected {
		t.Fatalf("initial status = %s", conn.Status())
	}

	if err := conn.Start(); err != nil {
		t.Fatal(err)
	}
	if conn.Status() != StatusConnecting {
		t.Errorf("status = %s, want CONNECTING", conn.Status())
	}

	// Start 幂等
	if err := conn.Start(); err != nil {
		t.Errorf("second Start should be a no-op: %v", err)
	}

	conn.OnFrontConnected()
	if conn.Status() != StatusConnected {
		t.Errorf("status = %s, want CONNECTED", conn.Status())
	}
	if feed.loginRequests != 1 {
		t.Errorf("login requests = %d, want 1", feed.loginRequests)
	}

	conn.OnRspUserLogin(nil)
	if conn.Status() != StatusLoggedIn {
		t.Errorf("status = %s, want LOGGED_IN", conn.Status())
	}
	if len(events.connUp) != 1 {
		t.Errorf("recovery events = %v", events.connUp)
	}

	// 传输断开回到 DISCONNECTED 并通知分发器
	conn.OnFrontDisconnected(1)
	if conn.Status() != StatusDisconnected {
		t.Errorf("status = %s, want DISCONNECTED", conn.Status())
	}
	if conn.ErrorCount() != 1 {
		t.Errorf("error count = %d, want 1", conn.ErrorCount())
	}
	if len(events.connFail) != 1 {
		t.Errorf("failure events = %v", events.connFail)
	}
}

// TestConnectionLoginFailed 测试登录失败
func TestConnectionLoginFailed(t *testing.T) {
	chtemp(t)
	conn, _ := newTestConnection(t, "c1", 10, &eventRecorder{})

	if err := conn.Start(); err != nil {
		t.Fatal(err)
	}
	conn.OnFrontConnected()
	conn.OnRspUserLogin(errors.New("login rejected"))

	if conn.Status() != StatusError {
		t.Errorf("status = %s, want ERROR", conn.Status())
	}
	if conn.ErrorCount() != 1 {
		t.Errorf("error count = %d", conn.ErrorCount())
	}
}

// TestSubscribeRequiresLogin 测试未登录时拒绝订阅
func TestSubscribeRequiresLogin(t *testing.T) {
	chtemp(t)
	conn, _ := newTestConnection(t, "c1", 10, &eventRecorder{})

	if err := conn.SubscribeInstrument("rb2501"); !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("err = %v, want ErrNotLoggedIn", err)
	}
}

// TestSubscribeIdempotent 测试重复订阅不产生第二次网络调用
func TestSubscribeIdempotent(t *testing.T) {
	chtemp(t)
	conn, feed := newTestConnection(t, "c1", 10, &eventRecorder{})
	login(t, conn)

	if err := conn.SubscribeInstrument("rb2501"); err != nil {
		t.Fatal(err)
	}
	if err := conn.SubscribeInstrument("rb2501"); err != nil {
		t.Fatalf("double subscribe should succeed: %v", err)
	}
	if feed.subscribeCount() != 1 {
		t.Errorf("wire calls = %d, want 1", feed.subscribeCount())
	}
	if conn.SubscriptionCount() != 1 {
		t.Errorf("subscription count = %d, want 1", conn.SubscriptionCount())
	}
}

// TestSubscribeCapacity 测试订阅数不超过 max_subscriptions
func TestSubscribeCapacity(t *testing.T) {
	chtemp(t)
	conn, _ := newTestConnection(t, "c1", 2, &eventRecorder{})
	login(t, conn)

	if err := conn.SubscribeInstrument("a"); err != nil {
		t.Fatal(err)
	}
	if err := conn.SubscribeInstrument("b"); err != nil {
		t.Fatal(err)
	}
	if err := conn.SubscribeInstrument("c"); !errors.Is(err, ErrMaxSubscriptions) {
		t.Errorf("err = %v, want ErrMaxSubscriptions", err)
	}
	if conn.SubscriptionCount() != 2 {
		t.Errorf("count = %d, want 2", conn.SubscriptionCount())
	}
	if conn.CanAcceptMore() {
		t.Error("CanAcceptMore should be false at capacity")
	}
}

// TestUnsubscribe 测试退订与幂等
func TestUnsubscribe(t *testing.T) {
	chtemp(t)
	conn, feed := newTestConnection(t, "c1", 10, &eventRecorder{})
	login(t, conn)

	_ = conn.SubscribeInstrument("rb2501")
	if err := conn.UnsubscribeInstrument("rb2501"); err != nil {
		t.Fatal(err)
	}
	if conn.Subscribed("rb2501") {
		t.Error("instrument still subscribed")
	}
	// 已不在集合内时幂等成功
	if err := conn.UnsubscribeInstrument("rb2501"); err != nil {
		t.Fatal(err)
	}
	if len(feed.unsubCalls) != 1 {
		t.Errorf("unsubscribe wire calls = %d, want 1", len(feed.unsubCalls))
	}
}

// TestSubscribeResponseFailure 测试订阅应答失败后从集合剔除
func TestSubscribeResponseFailure(t *testing.T) {
	chtemp(t)
	events := &eventRecorder{}
	conn, _ := newTestConnection(t, "c1", 10, events)
	login(t, conn)

	_ = conn.SubscribeInstrument("rb2501")
	conn.OnRspSubMarketData("rb2501", errors.New("rejected"))

	if conn.Subscribed("rb2501") {
		t.Error("failed instrument should leave the subscribed set")
	}
	if len(events.subFail) != 1 {
		t.Errorf("failure events = %v", events.subFail)
	}
}

// TestErrorLatch 测试错误累计超限后闩锁 ERROR
func TestErrorLatch(t *testing.T) {
	chtemp(t)
	conn, _ := newTestConnection(t, "c1", 10, &eventRecorder{})
	login(t, conn)

	for i := 0; i < 11; i++ {
		conn.OnRspError(errors.New("upstream fault"))
	}
	if conn.Status() != StatusError {
		t.Errorf("status = %s, want ERROR after >10 errors", conn.Status())
	}
}

// TestStopClearsSubscriptions 测试停止后清空订阅并释放接口
func TestStopClearsSubscriptions(t *testing.T) {
	chtemp(t)
	conn, feed := newTestConnection(t, "c1", 10, &eventRecorder{})
	login(t, conn)

	_ = conn.SubscribeInstrument("rb2501")
	conn.Stop()

	if conn.Status() != StatusDisconnected {
		t.Errorf("status = %s, want DISCONNECTED", conn.Status())
	}
	if conn.SubscriptionCount() != 0 {
		t.Errorf("subscriptions not cleared: %d", conn.SubscriptionCount())
	}
	if !feed.released {
		t.Error("feed api not released")
	}
}

// TestRestartAbortsOnShutdown 测试服务器关闭中放弃重启
func TestRestartAbortsOnShutdown(t *testing.T) {
	chtemp(t)
	feed := &fakeFeed{}
	factory := func(string) (FeedAPI, error) { return feed, nil }
	conn := NewConnection(testConnConfig("c1", 10), factory, nil, nil, nil, nil,
		func() bool { return false }, nil)

	if err := conn.Restart(); !errors.Is(err, ErrServerClosed) {
		t.Errorf("err = %v, want ErrServerClosed", err)
	}
	if conn.Status() != StatusDisconnected {
		t.Errorf("status = %s, want DISCONNECTED", conn.Status())
	}
}

// TestTickPublishesQuote 测试行情回调写入缓存
func TestTickPublishesQuote(t *testing.T) {
	chtemp(t)

	cache := quote.NewCache(16, nil, nil, nil)
	events := &eventRecorder{}
	feed := &fakeFeed{}
	factory := func(string) (FeedAPI, error) { return feed, nil }
	conn := NewConnection(testConnConfig("c1", 10), factory, events, cache, nil, nil,
		func() bool { return true }, nil)
	login(t, conn)

	conn.OnRtnDepthMarketData(&quote.DepthMarketData{
		InstrumentID: "rb2501",
		TradingDay:   "20250105",
		UpdateTime:   "21:30:15",
		LastPrice:    3850.0,
	})

	q, version, ok := cache.Read("rb2501")
	if !ok {
		t.Fatal("tick not published to cache")
	}
	if version != 1 {
		t.Errorf("version = %d, want 1", version)
	}
	if q.LastPrice != 3850.0 {
		t.Errorf("LastPrice = %v", q.LastPrice)
	}
	if len(events.ticks) != 1 || events.ticks[0] != "rb2501" {
		t.Errorf("tick events = %v", events.ticks)
	}
}
