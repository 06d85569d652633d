package instrument

import (
	"sort"
	"strings"
	"sync"
)

// Directory 合约目录：维护 CTP 原始代码到带交易所前缀显示代码的映射
// 映射由客户端订阅请求填充，读多写少
type Directory struct {
	mu           sync.RWMutex
	rawToDisplay map[string]string
}

// NewDirectory 创建合约目录
func NewDirectory() *Directory {
	return &Directory{
		rawToDisplay: make(map[string]string),
	}
}

// SplitDisplay 拆分显示代码，如 "SHFE.rb2501" -> ("rb2501", "SHFE.rb2501")
// 无前缀时原样返回
func SplitDisplay(id string) (raw, display string) {
	if dot := strings.IndexByte(id, '.'); dot >= 0 {
		return id[dot+1:], id
	}
	return id, id
}

// Record 记录 raw -> display 映射
func (d *Directory) Record(raw, display string) {
	d.mu.Lock()
	d.rawToDisplay[raw] = display
	d.mu.Unlock()
}

// Display 查找显示代码，未记录时返回 raw 本身
func (d *Directory) Display(raw string) string {
	d.mu.RLock()
	display, ok := d.rawToDisplay[raw]
	d.mu.RUnlock()
	if !ok {
		return raw
	}
	return display
}

// All 返回所有已知合约（raw 形式，按字典序）
func (d *Directory) All() []string {
	d.mu.RLock()
	out := make([]string, 0, len(d.rawToDisplay))
	for raw := range d.rawToDisplay {
		out = append(out, raw)
	}
	d.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Search 大小写不敏感的子串检索
func (d *Directory) Search(pattern string) []string {
	lower := strings.ToLower(pattern)
	d.mu.RLock()
	out := make([]string, 0)
	for raw := range d.rawToDisplay {
		if strings.Contains(strings.ToLower(raw), lower) {
			out = append(out, raw)
		}
	}
	d.mu.RUnlock()
	sort.Strings(out)
	return out
}
