package upstream

import (
	"github.com/pseudocodes/qamd-gateway/internal/quote"
)

// FeedSPI 上游行情回调面
// 由 Connection 实现，回调由厂商库的独立线程调用
type FeedSPI interface {
	OnFrontConnected()
	OnFrontDisconnected(reason int)
	OnRspUserLogin(err error)
	OnRspSubMarketData(instrument string, err error)
	OnRspUnSubMarketData(instrument string, err error)
	OnRtnDepthMarketData(md *quote.DepthMarketData)
	OnRspError(err error)
}

// FeedAPI 厂商行情接口的最小表面
type FeedAPI interface {
	RegisterSpi(spi FeedSPI)
	RegisterFront(addr string)
	Init() error
	ReqUserLogin(brokerID, userID, password string, requestID int) error
	SubscribeMarketData(instruments []string) error
	UnSubscribeMarketData(instruments []string) error
	Release()
}

// FeedFactory 按流文件目录创建一个厂商接口实例
type FeedFactory func(flowPath string) (FeedAPI, error)

// DispatcherEvents 连接向订阅分发器上报事件的窄接口
// 打破 连接 <-> 分发器 的环形依赖
type DispatcherEvents interface {
	OnSubscriptionSuccess(connectionID, instrument string)
	OnSubscriptionFailed(connectionID, instrument string)
	OnUnsubscriptionSuccess(connectionID, instrument string)
	OnConnectionFailure(connectionID string)
	OnConnectionRecovery(connectionID string)
	OnTick(connectionID, instrument string)
}

// CacheWriter 行情落缓存的窄接口
type CacheWriter interface {
	Publish(rawInstrument string, q quote.Quote) error
}

// DisplayResolver 原始合约代码到显示代码的翻译
type DisplayResolver interface {
	Display(raw string) string
}
