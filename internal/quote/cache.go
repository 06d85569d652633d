package quote

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// DefaultCapacity 缓存槽位上限
const DefaultCapacity = 50000

// seqlock 读重试上限，超过后本轮跳过该合约
const maxReadRetries = 100

// ErrCapacityExceeded 缓存容量耗尽，更新被丢弃
var ErrCapacityExceeded = errors.New("quote cache capacity exceeded")

// cacheSlot 单个合约的 seqlock 槽位
// 写入过程: seq+1(奇) -> 拷贝数据 -> seq+1(偶)；对外版本号 = seq/2
type cacheSlot struct {
	seq     atomic.Uint64
	quote   Quote
	hasData bool
}

// Notifier 行情发布后的唤醒回调，必须在上游回调线程之外执行
type Notifier func(rawInstrument string)

// Cache 按合约的行情快照缓存，单写多读
// 槽位数组预分配，raw 合约代码在首次发布时分配固定下标
type Cache struct {
	slots []cacheSlot

	indexMu sync.RWMutex
	index   map[string]int
	dropped map[string]bool // 容量超限只记录一次日志

	post   func(func()) // 通用执行器，投递唤醒任务
	notify Notifier
	logger *zap.Logger
}

// NewCache 创建缓存
// post 用于把唤醒任务投递到执行器线程；notify 为唤醒回调
func NewCache(capacity int, post func(func()), notify Notifier, logger *zap.Logger) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		slots:   make([]cacheSlot, capacity),
		index:   make(map[string]int),
		dropped: make(map[string]bool),
		post:    post,
		notify:  notify,
		logger:  logger,
	}
}

// Publish 写入一条行情并递增版本号，唤醒任务投递到执行器
// 热路径：上游回调线程直接调用，除索引锁外不取任何锁（合约首次发布时取写锁分配槽位，其后只取读锁）
func (c *Cache) Publish(rawInstrument string, q Quote) error {
	idx, err := c.getOrCreateIndex(rawInstrument)
	if err != nil {
		return err
	}

	slot := &c.slots[idx]

	seq := slot.seq.Load()
	slot.seq.Store(seq + 1)
	slot.quote = q
	slot.hasData = true
	slot.seq.Store(seq + 2)

	if c.post != nil && c.notify != nil {
		instrument := rawInstrument
		c.post(func() { c.notify(instrument) })
	}
	return nil
}

// Read 原子读取一条行情，返回 (行情, 版本号, 是否有数据)
// seqlock 读循环：序列号为奇数或前后不一致则重试，超限放弃
func (c *Cache) Read(rawInstrument string) (Quote, uint64, bool) {
	idx, ok := c.IndexOf(rawInstrument)
	if !ok {
		return Quote{}, 0, false
	}
	return c.ReadIndex(idx)
}

// ReadIndex 按槽位下标读取
func (c *Cache) ReadIndex(idx int) (Quote, uint64, bool) {
	if idx < 0 || idx >= len(c.slots) {
		return Quote{}, 0, false
	}
	slot := &c.slots[idx]

	var q Quote
	var hasData bool
	retries := 0

	for {
		seqStart := slot.seq.Load()
		if seqStart%2 != 0 {
			runtime.Gosched()
			retries++
			if retries > maxReadRetries {
				return Quote{}, 0, false
			}
			continue
		}

		q = slot.quote
		hasData = slot.hasData

		seqEnd := slot.seq.Load()
		if seqStart == seqEnd {
			if !hasData {
				return Quote{}, 0, false
			}
			return q, seqEnd / 2, true
		}

		retries++
		if retries > maxReadRetries {
			return Quote{}, 0, false
		}
	}
}

// IndexOf 查找合约槽位，不创建
func (c *Cache) IndexOf(rawInstrument string) (int, bool) {
	c.indexMu.RLock()
	idx, ok := c.index[rawInstrument]
	c.indexMu.RUnlock()
	return idx, ok
}

// Len 已分配槽位数
func (c *Cache) Len() int {
	c.indexMu.RLock()
	n := len(c.index)
	c.indexMu.RUnlock()
	return n
}

// getOrCreateIndex 快路径读锁查找，慢路径写锁分配
func (c *Cache) getOrCreateIndex(rawInstrument string) (int, error) {
	c.indexMu.RLock()
	idx, ok := c.index[rawInstrument]
	c.indexMu.RUnlock()
	if ok {
		return idx, nil
	}

	c.indexMu.Lock()
	defer c.indexMu.Unlock()

	// 双重检查，可能已被其他写入者分配
	if idx, ok := c.index[rawInstrument]; ok {
		return idx, nil
	}

	idx = len(c.index)
	if idx >= len(c.slots) {
		if !c.dropped[rawInstrument] {
			c.dropped[rawInstrument] = true
			c.logger.Error("quote cache capacity exceeded, dropping updates",
				zap.String("instrument", rawInstrument),
				zap.Int("capacity", len(c.slots)))
		}
		return -1, ErrCapacityExceeded
	}

	c.index[rawInstrument] = idx
	return idx, nil
}
