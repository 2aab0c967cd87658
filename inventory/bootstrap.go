package inventory

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"nado-grid-bot/gateway"
	"nado-grid-bot/infrastructure/logger"
)

// Bootstrap 冷启动时从交易所恢复仓位。
// 交易所能直接报告均价时直接采用；否则回退到按历史成交倒推。
func (t *Tracker) Bootstrap(ctx context.Context, venue gateway.Venue, symbol string, historyLimit int, log *logger.Logger) error {
	pos, err := venue.Position(ctx, symbol)
	if err != nil {
		return fmt.Errorf("query position: %w", err)
	}
	if pos == nil || pos.Size == 0 {
		log.Info("No existing position found, starting fresh")
		return nil
	}

	if pos.EntryPrice > 0 {
		t.Seed(pos.Size, pos.EntryPrice)
		log.Info("Position loaded from venue",
			zap.Float64("size", pos.Size),
			zap.Float64("avg_entry", pos.EntryPrice))
		return nil
	}

	// 交易所不提供均价：用历史成交倒推
	records, err := venue.TradeHistory(ctx, symbol, historyLimit)
	if err != nil {
		return fmt.Errorf("query trade history: %w", err)
	}
	avg := ReconstructAvgEntry(records, pos.Size)
	t.Seed(pos.Size, avg)
	log.Info("Position reconstructed from trade history",
		zap.Float64("size", pos.Size),
		zap.Float64("avg_entry", avg),
		zap.Int("records", len(records)))
	return nil
}

// ReconstructAvgEntry 从时间倒序的历史成交推导当前仓位的加权平均进入价。
//
// 每条记录携带成交后的余额与带符号的成交量，由此还原成交前余额，
// 并据此区分三类成交：
//   - 纯加仓（成交前余额已在当前方向）：全额计入；
//   - 纯减仓（成交方向与当前仓位相反）：不影响均价，跳过；
//   - 建仓点（成交前余额为零或在另一侧）：只有成交后的余额部分属于当前仓位，
//     反向穿仓中用于平掉旧仓的部分必须排除，随后停止回溯。
//
// 若某条记录的成交后余额与当前方向相反，说明已回溯到上一个已结束的
// 仓位周期，同样停止。无可计入成交时返回0。
func ReconstructAvgEntry(records []gateway.TradeRecord, netSize float64) float64 {
	if netSize == 0 {
		return 0
	}
	dir := 1.0
	if netSize < 0 {
		dir = -1.0
	}

	var totalSize, totalCost float64

	for _, r := range records {
		if r.BaseFilled == 0 {
			continue
		}
		// 与当前方向相反的成交是减仓，不贡献进入成本
		if r.BaseFilled*dir <= 0 {
			continue
		}

		pre := r.Balance - r.BaseFilled
		price := recordPrice(r)
		if price <= 0 {
			continue
		}

		if pre*dir > 0 {
			// 成交前已在当前方向：纯加仓，继续回溯
			totalSize += math.Abs(r.BaseFilled)
			totalCost += math.Abs(r.BaseFilled) * price
			continue
		}

		if r.Balance*dir < 0 {
			// 成交后仍在另一侧：这是更早的无关周期
			break
		}

		// 建仓点：从零开仓或反向穿仓，只计入成交后余额部分
		totalSize += math.Abs(r.Balance)
		totalCost += math.Abs(r.Balance) * price
		break
	}

	if totalSize == 0 {
		return 0
	}
	return totalCost / totalSize
}

// recordPrice 成交价：优先用限价，否则由计价/基础数量推导
func recordPrice(r gateway.TradeRecord) float64 {
	if r.Price != 0 {
		return math.Abs(r.Price)
	}
	if r.BaseFilled == 0 {
		return 0
	}
	return math.Abs(r.QuoteFilled / r.BaseFilled)
}
