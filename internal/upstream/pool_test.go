package upstream

import (
	"testing"
	"time"
)

// TestPoolAddRemove 测试注册与移除
func TestPoolAddRemove(t *testing.T) {
	chtemp(t)
	pool := NewPool(time.Hour, nil)

	conn1, _ := newTestConnection(t, "c1", 10, nil)
	conn2, _ := newTestConnection(t, "c2", 10, nil)

	if err := pool.Add(conn1); err != nil {
		t.Fatal(err)
	}
	if err := pool.Add(conn2); err != nil {
		t.Fatal(err)
	}
	if err := pool.Add(conn1); err == nil {
		t.Error("duplicate add should fail")
	}

	if _, ok := pool.Get("c1"); !ok {
		t.Error("c1 not found")
	}
	if got := len(pool.All()); got != 2 {
		t.Errorf("All() = %d connections, want 2", got)
	}

	if !pool.Remove("c1") {
		t.Error("Remove c1 failed")
	}
	if pool.Remove("c1") {
		t.Error("second Remove should report missing")
	}
	if got := len(pool.All()); got != 1 {
		t.Errorf("All() = %d connections, want 1", got)
	}
}

// TestPoolAvailable 测试可用集合：已登录且容量未满，按插入顺序
func TestPoolAvailable(t *testing.T) {
	chtemp(t)
	pool := NewPool(time.Hour, nil)

	conn1, _ := newTestConnection(t, "c1", 10, nil)
	conn2, _ := newTestConnection(t, "c2", 1, nil)
	conn3, _ := newTestConnection(t, "c3", 10, nil)
	_ = pool.Add(conn1)
	_ = pool.Add(conn2)
	_ = pool.Add(conn3)

	// 未登录时无可用连接
	if got := pool.Available(); len(got) != 0 {
		t.Errorf("Available() = %d, want 0 before login", len(got))
	}

	login(t, conn1)
	login(t, conn2)

	available := pool.Available()
	if len(available) != 2 {
		t.Fatalf("Available() = %d, want 2", len(available))
	}
	if available[0].ID() != "c1" || available[1].ID() != "c2" {
		t.Errorf("available order = %s,%s want c1,c2", available[0].ID(), available[1].ID())
	}

	// c2 填满容量后退出可用集合
	_ = conn2.SubscribeInstrument("rb2501")
	available = pool.Available()
	if len(available) != 1 || available[0].ID() != "c1" {
		t.Errorf("available after capacity fill = %v", available)
	}

	if pool.ActiveCount() != 2 {
		t.Errorf("ActiveCount = %d, want 2", pool.ActiveCount())
	}
	if pool.TotalSubscriptions() != 1 {
		t.Errorf("TotalSubscriptions = %d, want 1", pool.TotalSubscriptions())
	}
}

// TestPoolRestartBackoff 测试重启退避：10 秒内不重复放行
func TestPoolRestartBackoff(t *testing.T) {
	pool := NewPool(time.Hour, nil)

	if !pool.allowRestart("c1") {
		t.Fatal("first restart should be allowed")
	}
	if pool.allowRestart("c1") {
		t.Error("restart within backoff window should be denied")
	}
	if !pool.allowRestart("c2") {
		t.Error("backoff is per connection")
	}
}

// TestPoolHealthCheckRestartsErrorConnection 测试健康检查重启 ERROR 连接
func TestPoolHealthCheckRestartsErrorConnection(t *testing.T) {
	chtemp(t)
	pool := NewPool(time.Hour, nil)

	conn, feed := newTestConnection(t, "c1", 10, nil)
	_ = pool.Add(conn)
	login(t, conn)

	conn.setStatus(StatusError)
	pool.checkConnections()

	// 重启后重新走 连接->登录 流程
	if conn.Status() != StatusConnecting {
		t.Errorf("status = %s, want CONNECTING after restart", conn.Status())
	}
	if !feed.released {
		t.Error("old api instance not released during restart")
	}

	// 退避窗口内不再重启
	conn.setStatus(StatusError)
	pool.checkConnections()
	if conn.Status() != StatusError {
		t.Error("restart should be suppressed inside the backoff window")
	}
}

// TestPoolStartStopAll 测试启停全部连接
func TestPoolStartStopAll(t *testing.T) {
	chtemp(t)
	pool := NewPool(time.Hour, nil)

	conn1, _ := newTestConnection(t, "c1", 10, nil)
	conn2, _ := newTestConnection(t, "c2", 10, nil)
	_ = pool.Add(conn1)
	_ = pool.Add(conn2)

	if err := pool.StartAll(); err != nil {
		t.Fatalf("StartAll failed: %v", err)
	}
	if conn1.Status() != StatusConnecting || conn2.Status() != StatusConnecting {
		t.Error("connections not started")
	}

	pool.StopAll()
	if conn1.Status() != StatusDisconnected || conn2.Status() != StatusDisconnected {
		t.Error("connections not stopped")
	}
}
