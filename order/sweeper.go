package order

import (
	"context"
	"time"

	"go.uber.org/zap"

	"nado-grid-bot/infrastructure/logger"
)

// Sweeper 僵尸单清理器：定期强制撤掉在场时间过长的挂单。
// 对账循环只看价格与数量，长时间既不成交也不触发改价的挂单
// 会一直占着额度，这里兜底回收。
type Sweeper struct {
	symbol string
	maxAge time.Duration
	venue  VenueGateway
	book   *ActiveBook
	log    *logger.Logger

	now func() time.Time
}

// NewSweeper 创建清理器
func NewSweeper(symbol string, maxAge time.Duration, venue VenueGateway, book *ActiveBook, log *logger.Logger) *Sweeper {
	if maxAge <= 0 {
		maxAge = 15 * time.Minute
	}
	return &Sweeper{
		symbol: symbol,
		maxAge: maxAge,
		venue:  venue,
		book:   book,
		log:    log,
		now:    time.Now,
	}
}

// Sweep 撤掉超龄挂单。撤单失败也注销本地登记（fail-open）：
// 宁可下个tick重挂，不让本地状态与交易所长期漂移。
func (s *Sweeper) Sweep(ctx context.Context) int {
	swept := 0
	cutoff := s.now().Add(-s.maxAge)

	for _, live := range s.book.Snapshot() {
		if live.PlacedAt.After(cutoff) {
			continue
		}
		if err := s.venue.CancelOrder(ctx, s.symbol, live.VenueID); err != nil {
			s.log.Warn("Zombie cancel failed",
				zap.String("slot", live.SlotKey),
				zap.String("order_id", live.VenueID),
				zap.Error(err))
		}
		s.book.Remove(live.SlotKey)
		swept++
	}

	if swept > 0 {
		s.log.Info("Swept stale orders", zap.Int("count", swept))
	}
	return swept
}
