package market

import "nado-grid-bot/gateway"

// Snapshot 每个tick从交易所订单簿推导出的行情快照。
// 簿为空时Mid为0，调用方据此跳过该tick。
type Snapshot struct {
	Symbol  string
	BestBid float64
	BestAsk float64
	Mid     float64
}

// FromBook 从订单簿顶部构造快照
func FromBook(b gateway.Book) Snapshot {
	s := Snapshot{
		Symbol:  b.Symbol,
		BestBid: b.BestBid,
		BestAsk: b.BestAsk,
	}
	if b.BestBid > 0 && b.BestAsk > 0 {
		s.Mid = (b.BestBid + b.BestAsk) / 2
	}
	return s
}

// Valid 快照是否可用于报价
func (s Snapshot) Valid() bool {
	return s.Mid > 0
}
