package quote

// 预生成的盘口 JSON key，避免热路径上的字符串拼接
var (
	askPriceKeys = [Depth]string{
		"ask_price1", "ask_price2", "ask_price3", "ask_price4", "ask_price5",
		"ask_price6", "ask_price7", "ask_price8", "ask_price9", "ask_price10",
	}
	askVolumeKeys = [Depth]string{
		"ask_volume1", "ask_volume2", "ask_volume3", "ask_volume4", "ask_volume5",
		"ask_volume6", "ask_volume7", "ask_volume8", "ask_volume9", "ask_volume10",
	}
	bidPriceKeys = [Depth]string{
		"bid_price1", "bid_price2", "bid_price3", "bid_price4", "bid_price5",
		"bid_price6", "bid_price7", "bid_price8", "bid_price9", "bid_price10",
	}
	bidVolumeKeys = [Depth]string{
		"bid_volume1", "bid_volume2", "bid_volume3", "bid_volume4", "bid_volume5",
		"bid_volume6", "bid_volume7", "bid_volume8", "bid_volume9", "bid_volume10",
	}
)

// FullFields 全量字段集合
// 盘口 6..10 档与 average 恒为 null
func FullFields(q Quote) map[string]interface{} {
	fields := make(map[string]interface{}, 64)

	fields["instrument_id"] = q.InstrumentID
	fields["datetime"] = q.Datetime
	fields["timestamp"] = q.Timestamp

	for i := 0; i < 5; i++ {
		fields[askPriceKeys[i]] = q.AskPrice[i]
		fields[askVolumeKeys[i]] = q.AskVolume[i]
		fields[bidPriceKeys[i]] = q.BidPrice[i]
		fields[bidVolumeKeys[i]] = q.BidVolume[i]
	}
	for i := 5; i < Depth; i++ {
		fields[askPriceKeys[i]] = nil
		fields[askVolumeKeys[i]] = nil
		fields[bidPriceKeys[i]] = nil
		fields[bidVolumeKeys[i]] = nil
	}

	fields["last_price"] = q.LastPrice
	fields["highest"] = q.Highest
	fields["lowest"] = q.Lowest
	fields["open"] = q.Open
	fields["close"] = q.Close
	fields["average"] = nil
	fields["volume"] = q.Volume
	fields["amount"] = q.Amount
	fields["open_interest"] = q.OpenInterest
	fields["settlement"] = q.Settlement
	fields["upper_limit"] = q.UpperLimit
	fields["lower_limit"] = q.LowerLimit
	fields["pre_open_interest"] = q.PreOpenInterest
	fields["pre_settlement"] = q.PreSettlement
	fields["pre_close"] = q.PreClose

	return fields
}

// Changed 两份快照是否存在差异
// Quote 为固定形状可比较结构体，直接比较
func Changed(old, new Quote) bool {
	return old != new
}

// DiffFields 字段级差异集合，只含发生变化的字段
// 价格在入库时已量化到两位小数，严格相等比较是安全的
func DiffFields(old, new Quote) map[string]interface{} {
	fields := make(map[string]interface{})

	if old.InstrumentID != new.InstrumentID {
		fields["instrument_id"] = new.InstrumentID
	}
	if old.Datetime != new.Datetime {
		fields["datetime"] = new.Datetime
	}
	if old.Timestamp != new.Timestamp {
		fields["timestamp"] = new.Timestamp
	}

	for i := 0; i < Depth; i++ {
		if old.AskPrice[i] != new.AskPrice[i] {
			fields[askPriceKeys[i]] = new.AskPrice[i]
		}
		if old.AskVolume[i] != new.AskVolume[i] {
			fields[askVolumeKeys[i]] = new.AskVolume[i]
		}
		if old.BidPrice[i] != new.BidPrice[i] {
			fields[bidPriceKeys[i]] = new.BidPrice[i]
		}
		if old.BidVolume[i] != new.BidVolume[i] {
			fields[bidVolumeKeys[i]] = new.BidVolume[i]
		}
	}

	if old.LastPrice != new.LastPrice {
		fields["last_price"] = new.LastPrice
	}
	if old.Highest != new.Highest {
		fields["highest"] = new.Highest
	}
	if old.Lowest != new.Lowest {
		fields["lowest"] = new.Lowest
	}
	if old.Open != new.Open {
		fields["open"] = new.Open
	}
	if old.Close != new.Close {
		fields["close"] = new.Close
	}
	if old.UpperLimit != new.UpperLimit {
		fields["upper_limit"] = new.UpperLimit
	}
	if old.LowerLimit != new.LowerLimit {
		fields["lower_limit"] = new.LowerLimit
	}
	if old.PreSettlement != new.PreSettlement {
		fields["pre_settlement"] = new.PreSettlement
	}
	if old.PreClose != new.PreClose {
		fields["pre_close"] = new.PreClose
	}
	if old.Settlement != new.Settlement {
		fields["settlement"] = new.Settlement
	}

	if old.Volume != new.Volume {
		fields["volume"] = new.Volume
	}
	if old.Amount != new.Amount {
		fields["amount"] = new.Amount
	}
	if old.OpenInterest != new.OpenInterest {
		fields["open_interest"] = new.OpenInterest
	}
	if old.PreOpenInterest != new.PreOpenInterest {
		fields["pre_open_interest"] = new.PreOpenInterest
	}

	return fields
}
