package server

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/pseudocodes/qamd-gateway/internal/quote"
)

// NewSessionID 生成会话 ID: session_<unix秒>_<毫秒>_<6位随机数>
func NewSessionID() string {
	now := time.Now()
	ms := now.UnixMilli() % 1000
	return fmt.Sprintf("session_%d_%d_%06d", now.Unix(), ms, rand.Intn(900000)+100000)
}

// Registry 会话注册表
// 维护打开的会话、合约订阅者索引、挂起的 peek 会话与每会话的发送游标
type Registry struct {
	sessMu   sync.Mutex
	sessions map[string]*ClientSession

	subMu       sync.Mutex
	subscribers map[string]map[string]struct{} // instrument -> session_ids

	cursorMu     sync.Mutex
	lastVersions map[string]map[string]uint64      // session_id -> instrument -> version
	lastQuotes   map[string]map[string]quote.Quote // session_id -> instrument -> 上次发送的快照

	pendingMu sync.Mutex
	pending   map[string]struct{} // 等待行情更新的挂起会话
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{
		sessions:     make(map[string]*ClientSession),
		subscribers:  make(map[string]map[string]struct{}),
		lastVersions: make(map[string]map[string]uint64),
		lastQuotes:   make(map[string]map[string]quote.Quote),
		pending:      make(map[string]struct{}),
	}
}

// Add 登记会话
func (r *Registry) Add(sess *ClientSession) {
	r.sessMu.Lock()
	r.sessions[sess.ID()] = sess
	r.sessMu.Unlock()
}

// Get 查找会话
func (r *Registry) Get(sessionID string) (*ClientSession, bool) {
	r.sessMu.Lock()
	defer r.sessMu.Unlock()
	sess, ok := r.sessions[sessionID]
	return sess, ok
}

// Count 打开的会话数
func (r *Registry) Count() int {
	r.sessMu.Lock()
	defer r.sessMu.Unlock()
	return len(r.sessions)
}

// Remove 注销会话并清理其订阅者索引、游标与挂起状态
func (r *Registry) Remove(sessionID string) {
	r.sessMu.Lock()
	delete(r.sessions, sessionID)
	r.sessMu.Unlock()

	r.subMu.Lock()
	for instrument, sessions := range r.subscribers {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(r.subscribers, instrument)
		}
	}
	r.subMu.Unlock()

	r.cursorMu.Lock()
	delete(r.lastVersions, sessionID)
	delete(r.lastQuotes, sessionID)
	r.cursorMu.Unlock()

	r.pendingMu.Lock()
	delete(r.pending, sessionID)
	r.pendingMu.Unlock()
}

// AddSubscriber 登记合约订阅者
func (r *Registry) AddSubscriber(instrument, sessionID string) {
	r.subMu.Lock()
	if r.subscribers[instrument] == nil {
		r.subscribers[instrument] = make(map[string]struct{})
	}
	r.subscribers[instrument][sessionID] = struct{}{}
	r.subMu.Unlock()
}

// RemoveSubscriber 移除合约订阅者
func (r *Registry) RemoveSubscriber(instrument, sessionID string) {
	r.subMu.Lock()
	if sessions, ok := r.subscribers[instrument]; ok {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(r.subscribers, instrument)
		}
	}
	r.subMu.Unlock()
}

// Park 把会话挂入等待集合
func (r *Registry) Park(sessionID string) {
	r.pendingMu.Lock()
	r.pending[sessionID] = struct{}{}
	r.pendingMu.Unlock()
}

// IsParked 会话是否处于挂起状态
func (r *Registry) IsParked(sessionID string) bool {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	_, ok := r.pending[sessionID]
	return ok
}

// CollectWaiters 取出订阅了该合约且处于挂起状态的会话，并将其移出挂起集合
func (r *Registry) CollectWaiters(instrument string) []string {
	r.subMu.Lock()
	r.pendingMu.Lock()

	var waiters []string
	if sessions, ok := r.subscribers[instrument]; ok {
		for sessionID := range sessions {
			if _, parked := r.pending[sessionID]; parked {
				waiters = append(waiters, sessionID)
				delete(r.pending, sessionID)
			}
		}
	}

	r.pendingMu.Unlock()
	r.subMu.Unlock()
	return waiters
}

// Cursors 复制会话游标（上次版本号与上次发送快照）
// hasSnapshot 表示该会话已收到过至少一帧快照
func (r *Registry) Cursors(sessionID string) (map[string]uint64, map[string]quote.Quote, bool) {
	r.cursorMu.Lock()
	defer r.cursorMu.Unlock()

	versions := make(map[string]uint64)
	for instrument, v := range r.lastVersions[sessionID] {
		versions[instrument] = v
	}

	quotes := make(map[string]quote.Quote)
	for instrument, q := range r.lastQuotes[sessionID] {
		quotes[instrument] = q
	}

	return versions, quotes, len(quotes) > 0
}

// cursorUpdate 一条游标更新
type cursorUpdate struct {
	instrument string
	version    uint64
	quote      quote.Quote
}

// UpdateCursors 批量更新会话游标
func (r *Registry) UpdateCursors(sessionID string, updates []cursorUpdate) {
	r.cursorMu.Lock()
	defer r.cursorMu.Unlock()

	if r.lastVersions[sessionID] == nil {
		r.lastVersions[sessionID] = make(map[string]uint64)
	}
	if r.lastQuotes[sessionID] == nil {
		r.lastQuotes[sessionID] = make(map[string]quote.Quote)
	}

	for _, u := range updates {
		r.lastVersions[sessionID][u.instrument] = u.version
		r.lastQuotes[sessionID][u.instrument] = u.quote
	}
}

// Snapshot 会话列表快照
func (r *Registry) Snapshot() []*ClientSession {
	r.sessMu.Lock()
	defer r.sessMu.Unlock()

	out := make([]*ClientSession, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}
