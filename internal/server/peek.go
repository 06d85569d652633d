package server

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/pseudocodes/qamd-gateway/internal/metrics"
	"github.com/pseudocodes/qamd-gateway/internal/quote"
)

// snapshotUpdate 一条待下发的合约更新
type snapshotUpdate struct {
	raw     string
	version uint64
	quote   quote.Quote
}

// handlePeek 长轮询快照引擎
// 收集版本号新于会话游标的合约：首帧发全量，其后发字段级增量；
// 无更新时（无论是否已推送过数据）挂起会话，等待行情发布唤醒
func (s *Server) handlePeek(sessionID string) {
	start := time.Now()

	sess, ok := s.registry.Get(sessionID)
	if !ok {
		return
	}

	subscriptions := sess.Subscriptions()
	if len(subscriptions) == 0 {
		return
	}

	lastVersions, lastQuotes, hasSnapshot := s.registry.Cursors(sessionID)

	updates := s.collectUpdates(subscriptions, lastVersions)
	if len(updates) == 0 {
		// 无更新则挂起，下一次行情发布会唤醒并重新执行 peek
		s.registry.Park(sessionID)
		return
	}

	if !hasSnapshot {
		s.sendFullSnapshot(sess, updates)
	} else {
		diffCount := s.sendDiffSnapshot(sess, updates, lastQuotes)
		s.logger.Info("peek_message processed",
			zap.String("session_id", sessionID),
			zap.Duration("elapsed", time.Since(start)),
			zap.Int("diff_count", diffCount))
	}

	cursors := make([]cursorUpdate, 0, len(updates))
	for _, u := range updates {
		cursors = append(cursors, cursorUpdate{instrument: u.raw, version: u.version, quote: u.quote})
	}
	s.registry.UpdateCursors(sessionID, cursors)

	metrics.PeekDuration.Observe(time.Since(start).Seconds())
}

// collectUpdates seqlock 读取所有订阅合约，保留版本号严格大于游标的
// 读重试耗尽的合约本轮跳过
func (s *Server) collectUpdates(subscriptions []string, lastVersions map[string]uint64) []snapshotUpdate {
	updates := make([]snapshotUpdate, 0, len(subscriptions))

	for _, raw := range subscriptions {
		q, version, ok := s.cache.Read(raw)
		if !ok {
			continue
		}

		last, seen := lastVersions[raw]
		if !seen || version > last {
			updates = append(updates, snapshotUpdate{raw: raw, version: version, quote: q})
		}
	}
	return updates
}

// sendFullSnapshot 全量帧：每个合约的全部字段
func (s *Server) sendFullSnapshot(sess *ClientSession, updates []snapshotUpdate) {
	quotes := make(map[string]interface{}, len(updates))
	for _, u := range updates {
		quotes[u.quote.InstrumentID] = quote.FullFields(u.quote)
	}
	sess.Send(buildRtnDataFrame(quotes))
}

// sendDiffSnapshot 增量帧：已有快照的合约只发变化字段，新合约发全量
// 所有合约均无字段变化时不发帧（游标仍会前进）
func (s *Server) sendDiffSnapshot(sess *ClientSession, updates []snapshotUpdate, lastQuotes map[string]quote.Quote) int {
	quotes := make(map[string]interface{})

	for _, u := range updates {
		old, ok := lastQuotes[u.raw]
		if !ok {
			quotes[u.quote.InstrumentID] = quote.FullFields(u.quote)
			continue
		}
		if !quote.Changed(old, u.quote) {
			continue
		}
		quotes[u.quote.InstrumentID] = quote.DiffFields(old, u.quote)
	}

	if len(quotes) == 0 {
		return 0
	}

	sess.Send(buildRtnDataFrame(quotes))
	return len(quotes)
}

// buildRtnDataFrame 组装 rtn_data 帧
// data[0] 为 quotes 对象，data[1] 为固定的元信息对象
func buildRtnDataFrame(quotes map[string]interface{}) string {
	frame := map[string]interface{}{
		"aid": "rtn_data",
		"data": []interface{}{
			map[string]interface{}{"quotes": quotes},
			map[string]interface{}{
				"account_id":      "",
				"ins_list":        "",
				"mdhis_more_data": false,
			},
		},
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return `{"aid":"rtn_data","data":[{"quotes":{}},{"account_id":"","ins_list":"","mdhis_more_data":false}]}`
	}
	return string(data)
}

// notifyPublish 行情发布后的唤醒入口，在执行器线程上运行
// 取出订阅了该合约且挂起的会话，重新执行 peek
func (s *Server) notifyPublish(rawInstrument string) {
	waiters := s.registry.CollectWaiters(rawInstrument)
	for _, sessionID := range waiters {
		s.logger.Debug("waking up pending session",
			zap.String("session_id", sessionID),
			zap.String("instrument", rawInstrument))
		s.handlePeek(sessionID)
	}
}
