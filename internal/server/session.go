package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gookit/goutil/strutil"
	"go.uber.org/zap"

	"github.com/pseudocodes/qamd-gateway/internal/instrument"
	"github.com/pseudocodes/qamd-gateway/internal/metrics"
)

// ClientSession 一条客户端长连接
// 解析请求帧、维护本会话订阅集合、串行写出帧
type ClientSession struct {
	id     string
	conn   *websocket.Conn
	srv    *Server
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	subMu         sync.Mutex
	subscriptions map[string]struct{} // raw 合约集合

	writeMu sync.Mutex
	queue   []string
	writing bool

	closeOnce sync.Once
}

func newClientSession(conn *websocket.Conn, srv *Server) *ClientSession {
	ctx, cancel := context.WithCancel(context.Background())
	id := NewSessionID()
	return &ClientSession{
		id:            id,
		conn:          conn,
		srv:           srv,
		logger:        srv.logger.With(zap.String("session_id", id)),
		ctx:           ctx,
		cancel:        cancel,
		subscriptions: make(map[string]struct{}),
	}
}

// ID 会话标识
func (s *ClientSession) ID() string {
	return s.id
}

// Subscriptions 订阅集合的副本
func (s *ClientSession) Subscriptions() []string {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	out := make([]string, 0, len(s.subscriptions))
	for instrument := range s.subscriptions {
		out = append(out, instrument)
	}
	return out
}

// run 发送欢迎帧并进入读循环，读失败即关闭会话
func (s *ClientSession) run() {
	s.logger.Info("session connected")
	s.sendWelcome()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Info("session read ended", zap.Error(err))
			}
			s.Close()
			return
		}
		s.handleMessage(data)
	}
}

// handleMessage 处理一帧客户端请求
func (s *ClientSession) handleMessage(data []byte) {
	s.logger.Debug("received message", zap.ByteString("message", data))

	var msg map[string]interface{}
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError("Invalid JSON format")
		return
	}

	aid, ok := msg["aid"].(string)
	if !ok {
		s.sendError("Missing or invalid 'aid' field")
		return
	}

	switch aid {
	case "subscribe_quote":
		insList, ok := msg["ins_list"].(string)
		if !ok {
			s.sendError("Missing or invalid 'ins_list' field")
			return
		}
		s.handleSubscribeQuote(insList)

	case "peek_message":
		s.srv.handlePeek(s.id)

	default:
		s.sendError("Unknown aid: " + aid)
	}
}

// handleSubscribeQuote 解析 ins_list 并逐个登记订阅
// 客户端发送带交易所前缀的代码，向上游使用去前缀的原始代码
func (s *ClientSession) handleSubscribeQuote(insList string) {
	for _, ins := range strutil.Split(insList, ",") {
		raw, display := instrument.SplitDisplay(ins)

		s.srv.dir.Record(raw, display)

		s.subMu.Lock()
		s.subscriptions[raw] = struct{}{}
		s.subMu.Unlock()

		s.srv.registry.AddSubscriber(raw, s.id)
		s.srv.dispatcher.AddSubscription(s.id, raw)
	}

	s.sendJSON(map[string]interface{}{
		"aid":    "subscribe_quote",
		"status": "ok",
	})
}

// sendWelcome 会话建立时的欢迎帧
func (s *ClientSession) sendWelcome() {
	s.sendJSON(map[string]interface{}{
		"type":          "welcome",
		"message":       "Connected to QAMD MarketData Server",
		"session_id":    s.id,
		"ctp_connected": s.srv.upstreamConnected(),
		"timestamp":     time.Now().UnixMilli(),
	})
}

// sendError 协议错误帧，通道保持打开
func (s *ClientSession) sendError(message string) {
	s.sendJSON(map[string]interface{}{
		"type":      "error",
		"message":   message,
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *ClientSession) sendJSON(obj map[string]interface{}) {
	data, err := json.Marshal(obj)
	if err != nil {
		s.logger.Error("failed to marshal frame", zap.Error(err))
		return
	}
	s.Send(string(data))
}

// Send 入队一帧并保证同一时刻只有一个写入者
func (s *ClientSession) Send(message string) {
	metrics.FramesSent.Inc()

	s.writeMu.Lock()
	s.queue = append(s.queue, message)
	if !s.writing {
		s.writing = true
		go s.writePump()
	}
	s.writeMu.Unlock()
}

// writePump 按入队顺序串行写出，写失败即关闭会话
func (s *ClientSession) writePump() {
	for {
		s.writeMu.Lock()
		if len(s.queue) == 0 {
			s.writing = false
			s.writeMu.Unlock()
			return
		}
		message := s.queue[0]
		s.queue = s.queue[1:]
		s.writeMu.Unlock()

		if err := s.conn.Write(s.ctx, websocket.MessageText, []byte(message)); err != nil {
			if s.ctx.Err() == nil {
				s.logger.Error("session write error", zap.Error(err))
			}
			s.writeMu.Lock()
			s.writing = false
			s.writeMu.Unlock()
			s.Close()
			return
		}
	}
}

// Close 关闭会话并执行清理：移除订阅、游标与挂起状态
func (s *ClientSession) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "closing")
		s.srv.removeSession(s.id)
		s.logger.Info("session closed")
	})
}
