package instrument

import (
	"testing"
)

// TestSplitDisplay 测试交易所前缀拆分
func TestSplitDisplay(t *testing.T) {
	raw, display := SplitDisplay("SHFE.rb2501")
	if raw != "rb2501" || display != "SHFE.rb2501" {
		t.Errorf("got %q/%q", raw, display)
	}

	raw, display = SplitDisplay("rb2501")
	if raw != "rb2501" || display != "rb2501" {
		t.Errorf("got %q/%q", raw, display)
	}
}

// TestDirectory 测试映射记录与回退
func TestDirectory(t *testing.T) {
	dir := NewDirectory()

	// 未记录时返回 raw 本身
	if got := dir.Display("rb2501"); got != "rb2501" {
		t.Errorf("Display = %q, want rb2501", got)
	}

	dir.Record("rb2501", "SHFE.rb2501")
	dir.Record("cu2501", "SHFE.cu2501")

	if got := dir.Display("rb2501"); got != "SHFE.rb2501" {
		t.Errorf("Display = %q", got)
	}

	all := dir.All()
	if len(all) != 2 || all[0] != "cu2501" || all[1] != "rb2501" {
		t.Errorf("All = %v", all)
	}
}

// TestDirectorySearch 测试大小写不敏感检索
func TestDirectorySearch(t *testing.T) {
	dir := NewDirectory()
	dir.Record("rb2501", "SHFE.rb2501")
	dir.Record("rb2505", "SHFE.rb2505")
	dir.Record("cu2501", "SHFE.cu2501")

	if got := dir.Search("RB"); len(got) != 2 {
		t.Errorf("Search(RB) = %v", got)
	}
	if got := dir.Search("2501"); len(got) != 2 {
		t.Errorf("Search(2501) = %v", got)
	}
	if got := dir.Search("ag"); len(got) != 0 {
		t.Errorf("Search(ag) = %v", got)
	}
}
