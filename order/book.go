package order

import (
	"sync"
	"time"

	"nado-grid-bot/gateway"
)

// LiveOrder 本地登记的一张在场挂单
type LiveOrder struct {
	SlotKey  string
	VenueID  string
	Side     gateway.Side
	Price    float64
	Size     float64
	PlacedAt time.Time
}

// ActiveBook 按槽位索引的在场挂单登记表。
// 对账循环与成交回调并发访问，内部用互斥锁保护。
type ActiveBook struct {
	mu    sync.RWMutex
	slots map[string]LiveOrder
}

// NewActiveBook 创建空登记表
func NewActiveBook() *ActiveBook {
	return &ActiveBook{slots: make(map[string]LiveOrder)}
}

// Get 按槽位查询
func (b *ActiveBook) Get(slotKey string) (LiveOrder, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.slots[slotKey]
	return o, ok
}

// Put 登记或覆盖槽位
func (b *ActiveBook) Put(o LiveOrder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots[o.SlotKey] = o
}

// Remove 注销槽位
func (b *ActiveBook) Remove(slotKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.slots, slotKey)
}

// RemoveByVenueID 按交易所订单号注销（成交回报路径）。
// 返回被注销的挂单。
func (b *ActiveBook) RemoveByVenueID(venueID string) (LiveOrder, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, o := range b.slots {
		if o.VenueID == venueID {
			delete(b.slots, key)
			return o, true
		}
	}
	return LiveOrder{}, false
}

// Snapshot 返回当前全部挂单的副本
func (b *ActiveBook) Snapshot() []LiveOrder {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]LiveOrder, 0, len(b.slots))
	for _, o := range b.slots {
		out = append(out, o)
	}
	return out
}

// Len 当前挂单数
func (b *ActiveBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.slots)
}
