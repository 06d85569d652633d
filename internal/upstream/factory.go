package upstream

import (
	"errors"
	"sync"
)

// ErrNoFeedImplementation 没有注册厂商行情实现
var ErrNoFeedImplementation = errors.New("no feed implementation registered")

var (
	factoryMu      sync.RWMutex
	defaultFactory FeedFactory
)

// RegisterFeedFactory 注册厂商行情实现
// 厂商桥接包在自身 init 中调用，方式同 database/sql 驱动注册
func RegisterFeedFactory(factory FeedFactory) {
	factoryMu.Lock()
	defaultFactory = factory
	factoryMu.Unlock()
}

// DefaultFeedFactory 返回已注册的厂商实现
// 未注册时返回的工厂始终报错，连接将停留在 ERROR 等待健康监控重试
func DefaultFeedFactory() FeedFactory {
	factoryMu.RLock()
	factory := defaultFactory
	factoryMu.RUnlock()

	if factory != nil {
		return factory
	}
	return func(string) (FeedAPI, error) {
		return nil, ErrNoFeedImplementation
	}
}
