package inventory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nado-grid-bot/gateway"
	"nado-grid-bot/infrastructure/logger"
)

// 历史成交按时间倒序（最新在前），与indexer返回一致
func TestReconstructAvgEntryPureAdds(t *testing.T) {
	records := []gateway.TradeRecord{
		{BaseFilled: 1, Price: 110, Balance: 3},
		{BaseFilled: 2, Price: 100, Balance: 2}, // 建仓点
	}
	avg := ReconstructAvgEntry(records, 3)
	assert.InDelta(t, (1*110+2*100)/3.0, avg, 1e-9)
}

func TestReconstructAvgEntrySkipsReduces(t *testing.T) {
	records := []gateway.TradeRecord{
		{BaseFilled: 1, Price: 110, Balance: 2},
		{BaseFilled: -0.5, Price: 120, Balance: 1}, // 减仓，不影响均价
		{BaseFilled: 1.5, Price: 100, Balance: 1.5},
	}
	avg := ReconstructAvgEntry(records, 2)
	// 1@110 + 建仓点1.5@100中属于当前仓位的1.5
	assert.InDelta(t, (1*110+1.5*100)/2.5, avg, 1e-9)
}

func TestReconstructAvgEntryReversalInception(t *testing.T) {
	// 从空头-2买入5穿仓成多头3：只有成交后余额3属于当前仓位
	records := []gateway.TradeRecord{
		{BaseFilled: 5, Price: 98, Balance: 3},
		{BaseFilled: -2, Price: 105, Balance: -2}, // 不应被触及
	}
	avg := ReconstructAvgEntry(records, 3)
	assert.InDelta(t, 98.0, avg, 1e-9)
}

func TestReconstructAvgEntryStopsAtEarlierCycle(t *testing.T) {
	records := []gateway.TradeRecord{
		{BaseFilled: 1, Price: 105, Balance: 2},
		{BaseFilled: 3, Price: 100, Balance: 1}, // pre=-2，穿仓建仓点
		{BaseFilled: 9, Price: 50, Balance: 9},  // 更早周期，必须被忽略
	}
	avg := ReconstructAvgEntry(records, 2)
	assert.InDelta(t, (1*105+1*100)/2.0, avg, 1e-9)
}

func TestReconstructAvgEntryOppositeBalanceBreaks(t *testing.T) {
	// 成交后余额仍在另一侧：已回溯出当前周期
	records := []gateway.TradeRecord{
		{BaseFilled: 0.5, Price: 100, Balance: -0.5},
	}
	assert.Zero(t, ReconstructAvgEntry(records, 1))
}

func TestReconstructAvgEntryDerivesPriceFromQuote(t *testing.T) {
	records := []gateway.TradeRecord{
		{BaseFilled: 2, Price: 0, QuoteFilled: -200, Balance: 2},
	}
	assert.InDelta(t, 100.0, ReconstructAvgEntry(records, 2), 1e-9)
}

func TestReconstructAvgEntryEmptyInputs(t *testing.T) {
	assert.Zero(t, ReconstructAvgEntry(nil, 0))
	assert.Zero(t, ReconstructAvgEntry(nil, 1))
}

type bootstrapVenue struct {
	gateway.Venue
	pos     *gateway.Position
	records []gateway.TradeRecord
}

func (v *bootstrapVenue) Position(context.Context, string) (*gateway.Position, error) {
	return v.pos, nil
}

func (v *bootstrapVenue) TradeHistory(context.Context, string, int) ([]gateway.TradeRecord, error) {
	return v.records, nil
}

func TestBootstrapUsesVenueEntryPrice(t *testing.T) {
	tr := NewTracker()
	venue := &bootstrapVenue{pos: &gateway.Position{Symbol: "BTC-PERP", Size: 1.5, EntryPrice: 101}}

	require.NoError(t, tr.Bootstrap(context.Background(), venue, "BTC-PERP", 100, logger.Nop()))

	s := tr.Snapshot()
	assert.InDelta(t, 1.5, s.NetSize, 1e-12)
	assert.InDelta(t, 101.0, s.AvgEntryPrice, 1e-9)
}

func TestBootstrapFallsBackToHistory(t *testing.T) {
	tr := NewTracker()
	venue := &bootstrapVenue{
		pos: &gateway.Position{Symbol: "BTC-PERP", Size: 2},
		records: []gateway.TradeRecord{
			{BaseFilled: 2, Price: 100, Balance: 2},
		},
	}

	require.NoError(t, tr.Bootstrap(context.Background(), venue, "BTC-PERP", 100, logger.Nop()))

	s := tr.Snapshot()
	assert.InDelta(t, 2.0, s.NetSize, 1e-12)
	assert.InDelta(t, 100.0, s.AvgEntryPrice, 1e-9)
}

func TestBootstrapNoPositionStartsFresh(t *testing.T) {
	tr := NewTracker()
	venue := &bootstrapVenue{}

	require.NoError(t, tr.Bootstrap(context.Background(), venue, "BTC-PERP", 100, logger.Nop()))
	assert.Zero(t, tr.Snapshot().NetSize)
}
