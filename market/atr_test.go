package market

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"nado-grid-bot/gateway"
)

func flatCandles(n int, price, span float64) []gateway.Candle {
	candles := make([]gateway.Candle, n)
	for i := range candles {
		candles[i] = gateway.Candle{High: price + span/2, Low: price - span/2, Close: price}
	}
	return candles
}

func TestFromCandlesNeutralOnInsufficientData(t *testing.T) {
	v := NewVolMultiplier(14, 0.001, 0.5, 2.0)

	assert.Equal(t, 1.0, v.FromCandles(nil, 100))
	assert.Equal(t, 1.0, v.FromCandles(flatCandles(10, 100, 1), 100))
	assert.Equal(t, 1.0, v.FromCandles(flatCandles(30, 100, 1), 0))
}

func TestFromCandlesMatchesBaseSpread(t *testing.T) {
	// 每根K线波幅0.1，价格100：ATR/price = 0.001 = baseSpread → 乘数1.0
	v := NewVolMultiplier(14, 0.001, 0.5, 2.0)
	mult := v.FromCandles(flatCandles(30, 100, 0.1), 100)
	assert.InDelta(t, 1.0, mult, 1e-9)
}

func TestFromCandlesClampsHighVol(t *testing.T) {
	// 波幅1.0：原始乘数10，截断到上限
	v := NewVolMultiplier(14, 0.001, 0.5, 2.0)
	assert.Equal(t, 2.0, v.FromCandles(flatCandles(30, 100, 1.0), 100))
}

func TestFromCandlesClampsLowVol(t *testing.T) {
	// 波幅0.001：原始乘数0.01，截断到下限
	v := NewVolMultiplier(14, 0.001, 0.5, 2.0)
	assert.Equal(t, 0.5, v.FromCandles(flatCandles(30, 100, 0.001), 100))
}

func TestFromCandlesWilderSmoothing(t *testing.T) {
	// 前段平静后段放大：平滑后的ATR介于两段波幅之间
	candles := append(flatCandles(20, 100, 0.1), flatCandles(10, 100, 0.5)...)
	v := NewVolMultiplier(14, 0.001, 0.5, 10.0)

	mult := v.FromCandles(candles, 100)
	assert.Greater(t, mult, 1.0)
	assert.Less(t, mult, 5.0)
}

func TestNewVolMultiplierDefaults(t *testing.T) {
	v := NewVolMultiplier(0, 0, 0, 0)
	assert.Equal(t, 14, v.Period)
	assert.Equal(t, 0.001, v.BaseSpread)
	assert.Equal(t, 0.5, v.Min)
	assert.Equal(t, 2.0, v.Max)
}

func TestFromBookSnapshot(t *testing.T) {
	snap := FromBook(gateway.Book{Symbol: "BTC-PERP", BestBid: 99999.5, BestAsk: 100000.5})
	assert.True(t, snap.Valid())
	assert.InDelta(t, 100000.0, snap.Mid, 1e-9)

	empty := FromBook(gateway.Book{Symbol: "BTC-PERP"})
	assert.False(t, empty.Valid())

	oneSided := FromBook(gateway.Book{Symbol: "BTC-PERP", BestBid: 100})
	assert.False(t, oneSided.Valid())
}
