package quote

import (
	"math"
)

// Depth 盘口档位数；上游只填 1..5 档，6..10 档对外输出 null
const Depth = 10

// DepthMarketData 上游行情回调的原始深度数据
type DepthMarketData struct {
	InstrumentID   string // 合约代码（CTP 原始格式）
	TradingDay     string // 交易日 YYYYMMDD
	UpdateTime     string // 更新时间 HH:MM:SS
	UpdateMillisec int    // 更新毫秒

	LastPrice          float64 // 最新价
	HighestPrice       float64 // 最高价
	LowestPrice        float64 // 最低价
	OpenPrice          float64 // 开盘价
	ClosePrice         float64 // 收盘价
	Volume             int32   // 成交量
	Turnover           float64 // 成交额
	OpenInterest       float64 // 持仓量
	SettlementPrice    float64 // 结算价
	UpperLimitPrice    float64 // 涨停价
	LowerLimitPrice    float64 // 跌停价
	PreOpenInterest    float64 // 昨持仓量
	PreSettlementPrice float64 // 昨结算价
	PreClosePrice      float64 // 昨收盘价

	AskPrice1, AskPrice2, AskPrice3, AskPrice4, AskPrice5      float64
	AskVolume1, AskVolume2, AskVolume3, AskVolume4, AskVolume5 int64
	BidPrice1, BidPrice2, BidPrice3, BidPrice4, BidPrice5      float64
	BidVolume1, BidVolume2, BidVolume3, BidVolume4, BidVolume5 int64
}

// Quote 行情快照，固定形状，可直接用 == 比较
type Quote struct {
	InstrumentID string // 合约代码（显示格式，含交易所前缀）
	Datetime     string // 行情时间 YYYY-MM-DD HH:MM:SS.mmm
	Timestamp    int64  // 接收时间(毫秒)

	AskPrice  [Depth]float64 // 卖价 1..10
	AskVolume [Depth]int64   // 卖量 1..10
	BidPrice  [Depth]float64 // 买价 1..10
	BidVolume [Depth]int64   // 买量 1..10

	LastPrice float64 // 最新价
	Highest   float64 // 最高价
	Lowest    float64 // 最低价
	Open      float64 // 开盘价
	Close     float64 // 收盘价

	Volume       int32   // 成交量
	Amount       float64 // 成交额
	OpenInterest int64   // 持仓量

	Settlement float64 // 结算价
	UpperLimit float64 // 涨停价
	LowerLimit float64 // 跌停价

	PreOpenInterest int64   // 昨持仓量
	PreSettlement   float64 // 昨结算价
	PreClose        float64 // 昨收盘价
}

// validPrice 上游缺失值约定：幅度 ≤1e-6 或 ≥1e300 视为缺失
func validPrice(v float64) bool {
	a := math.Abs(v)
	return a > 1e-6 && a < 1e300
}

// round2 价格统一保留两位小数
func round2(v float64) float64 {
	return math.Round(v*100.0) / 100.0
}

// priceOrZero 缺失价格存 0
func priceOrZero(v float64) float64 {
	if !validPrice(v) {
		return 0.0
	}
	return round2(v)
}

// FromDepthMarketData 由上游深度数据构建 Quote
// display 为带交易所前缀的合约代码，recvMillis 为接收时间(毫秒)
func FromDepthMarketData(md *DepthMarketData, display string, recvMillis int64) Quote {
	q := Quote{
		InstrumentID: display,
		Datetime:     buildDatetime(md.TradingDay, md.UpdateTime, md.UpdateMillisec),
		Timestamp:    recvMillis,
	}

	askPrices := [5]float64{md.AskPrice1, md.AskPrice2, md.AskPrice3, md.AskPrice4, md.AskPrice5}
	askVolumes := [5]int64{md.AskVolume1, md.AskVolume2, md.AskVolume3, md.AskVolume4, md.AskVolume5}
	bidPrices := [5]float64{md.BidPrice1, md.BidPrice2, md.BidPrice3, md.BidPrice4, md.BidPrice5}
	bidVolumes := [5]int64{md.BidVolume1, md.BidVolume2, md.BidVolume3, md.BidVolume4, md.BidVolume5}

	for i := 0; i < 5; i++ {
		if validPrice(askPrices[i]) {
			q.AskPrice[i] = round2(askPrices[i])
			q.AskVolume[i] = askVolumes[i]
		}
		if validPrice(bidPrices[i]) {
			q.BidPrice[i] = round2(bidPrices[i])
			q.BidVolume[i] = bidVolumes[i]
		}
	}

	q.LastPrice = priceOrZero(md.LastPrice)
	q.Highest = priceOrZero(md.HighestPrice)
	q.Lowest = priceOrZero(md.LowestPrice)
	q.Open = priceOrZero(md.OpenPrice)
	q.Close = priceOrZero(md.ClosePrice)

	q.Volume = md.Volume
	q.Amount = md.Turnover
	q.OpenInterest = int64(md.OpenInterest)

	q.Settlement = priceOrZero(md.SettlementPrice)
	q.UpperLimit = priceOrZero(md.UpperLimitPrice)
	q.LowerLimit = priceOrZero(md.LowerLimitPrice)

	q.PreOpenInterest = int64(md.PreOpenInterest)
	q.PreSettlement = priceOrZero(md.PreSettlementPrice)
	q.PreClose = priceOrZero(md.PreClosePrice)

	return q
}

// buildDatetime 拼接 "YYYY-MM-DD HH:MM:SS.mmm"
// 交易日无效时省略日期部分，更新时间为空时返回空串
func buildDatetime(tradingDay, updateTime string, millisec int) string {
	if updateTime == "" {
		return ""
	}

	buf := make([]byte, 0, 24)

	if len(tradingDay) >= 8 && tradingDay[0] >= '0' && tradingDay[0] <= '9' {
		buf = append(buf, tradingDay[0:4]...)
		buf = append(buf, '-')
		buf = append(buf, tradingDay[4:6]...)
		buf = append(buf, '-')
		buf = append(buf, tradingDay[6:8]...)
		buf = append(buf, ' ')
	}

	buf = append(buf, updateTime...)
	buf = append(buf, '.')
	buf = append(buf, byte('0'+millisec/100%10))
	buf = append(buf, byte('0'+millisec/10%10))
	buf = append(buf, byte('0'+millisec%10))
	return string(buf)
}
