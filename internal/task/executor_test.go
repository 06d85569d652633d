package task

import (
	"sync"
	"sync/atomic"
	"testing"
)

// TestExecutorRunsTasks 测试任务投递与执行
func TestExecutorRunsTasks(t *testing.T) {
	exec := NewExecutor(2, 64)

	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		exec.Post(func() {
			count.Add(1)
			wg.Done()
		})
	}
	wg.Wait()

	if count.Load() != 100 {
		t.Errorf("executed = %d, want 100", count.Load())
	}
	exec.Close()
}

// TestExecutorPostNeverBlocks 测试队列满时投递不阻塞
func TestExecutorPostNeverBlocks(t *testing.T) {
	exec := NewExecutor(1, 1)

	release := make(chan struct{})
	var wg sync.WaitGroup

	// 占住唯一的 worker
	wg.Add(1)
	exec.Post(func() { <-release; wg.Done() })

	// 队列容量 1，后续投递应溢出到独立 goroutine 而不是阻塞
	var overflow atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		exec.Post(func() {
			overflow.Add(1)
			wg.Done()
		})
	}

	close(release)
	wg.Wait()

	if overflow.Load() != 10 {
		t.Errorf("overflow tasks executed = %d, want 10", overflow.Load())
	}
	exec.Close()
}

// TestExecutorCloseIdempotent 测试重复关闭安全
func TestExecutorCloseIdempotent(t *testing.T) {
	exec := NewExecutor(1, 4)
	exec.Close()
	exec.Close()
	// 关闭后投递被丢弃，不 panic
	exec.Post(func() {})
}
