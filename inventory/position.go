package inventory

import (
	"math"
	"sync"

	"nado-grid-bot/gateway"
)

// State 持仓状态快照。
// 不变量：NetSize != 0 时 CostBasis = |NetSize| * AvgEntryPrice；
// NetSize == 0 时两者均为0。
type State struct {
	NetSize       float64 // 带符号，基础货币单位
	AvgEntryPrice float64
	CostBasis     float64
}

// Tracker 维护净仓位与加权平均进入价。
// 成交回调与tick循环并发读写，内部用互斥锁串行化。
type Tracker struct {
	mu    sync.RWMutex
	state State

	// 会话累计成交额（USD），用于状态汇报
	volumeUSD float64

	// 最近已应用的成交ID，防御交易所at-least-once重复投递
	seen *recentSet
}

// NewTracker 创建仓位跟踪器
func NewTracker() *Tracker {
	return &Tracker{
		seen: newRecentSet(512),
	}
}

// Seed 启动引导时直接写入仓位（仅启动路径调用）
func (t *Tracker) Seed(netSize, avgEntry float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.NetSize = netSize
	t.state.AvgEntryPrice = avgEntry
	t.state.CostBasis = math.Abs(netSize) * avgEntry
	if netSize == 0 {
		t.state.AvgEntryPrice = 0
		t.state.CostBasis = 0
	}
}

// ApplyFill 将一笔成交并入仓位。重复的TradeID被丢弃。
// 更新规则按 prev（原仓位）与 d（本次带符号增量）的关系分四种情况。
func (t *Tracker) ApplyFill(f gateway.FillEvent) bool {
	if f.Size <= 0 || f.Price <= 0 {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if f.TradeID != "" && !t.seen.add(f.TradeID) {
		return false // 重复投递
	}

	d := f.Size
	if f.Side == gateway.SideSell {
		d = -f.Size
	}

	prev := t.state.NetSize
	next := prev + d

	switch {
	case prev == 0 || sameSign(prev, d):
		// 同向加仓（或从零开仓）
		t.state.CostBasis += math.Abs(d) * f.Price
		if next != 0 {
			t.state.AvgEntryPrice = t.state.CostBasis / math.Abs(next)
		}
	case next == 0:
		// 完全平仓
		t.state.CostBasis = 0
		t.state.AvgEntryPrice = 0
	case sameSign(prev, next):
		// 部分平仓：均价不变，成本按平仓比例缩减
		closedRatio := math.Abs(d) / math.Abs(prev)
		t.state.CostBasis *= 1 - closedRatio
	default:
		// 反向穿仓：超出部分按成交价建立新仓
		t.state.CostBasis = math.Abs(next) * f.Price
		t.state.AvgEntryPrice = f.Price
	}

	t.state.NetSize = next
	t.volumeUSD += f.Size * f.Price
	return true
}

// Snapshot 返回当前仓位快照
func (t *Tracker) Snapshot() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// SessionVolumeUSD 返回本会话累计成交额
func (t *Tracker) SessionVolumeUSD() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.volumeUSD
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

// recentSet 有界的最近成交ID集合
type recentSet struct {
	cap   int
	order []string
	set   map[string]struct{}
}

func newRecentSet(cap int) *recentSet {
	return &recentSet{
		cap:   cap,
		order: make([]string, 0, cap),
		set:   make(map[string]struct{}, cap),
	}
}

// add 返回false表示key已存在
func (r *recentSet) add(key string) bool {
	if _, ok := r.set[key]; ok {
		return false
	}
	if len(r.order) >= r.cap {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.set, oldest)
	}
	r.order = append(r.order, key)
	r.set[key] = struct{}{}
	return true
}
