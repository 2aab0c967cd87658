package market

import (
	"math"

	"nado-grid-bot/gateway"
)

// VolMultiplier 由ATR推导网格价差的波动率乘数。
// mult = (ATR / price) / baseSpread，并限制在 [min, max]。
type VolMultiplier struct {
	Period     int
	BaseSpread float64
	Min        float64
	Max        float64
}

// NewVolMultiplier 创建波动率乘数计算器
func NewVolMultiplier(period int, baseSpread, min, max float64) *VolMultiplier {
	if period <= 0 {
		period = 14
	}
	if baseSpread <= 0 {
		baseSpread = 0.001
	}
	if min <= 0 {
		min = 0.5
	}
	if max <= min {
		max = 2.0
	}
	return &VolMultiplier{Period: period, BaseSpread: baseSpread, Min: min, Max: max}
}

// FromCandles 按Wilder平滑计算ATR并换算成乘数。
// 数据不足或价格非法时返回中性值1.0。
func (v *VolMultiplier) FromCandles(candles []gateway.Candle, currentPrice float64) float64 {
	if currentPrice <= 0 || len(candles) < v.Period+1 {
		return 1.0
	}

	// True Range 序列：需要前一根收盘价，从第二根开始
	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		high := candles[i].High
		low := candles[i].Low
		prevClose := candles[i-1].Close
		tr := math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
		trs = append(trs, tr)
	}
	if len(trs) < v.Period {
		return 1.0
	}

	// 初始ATR取前Period个TR的均值
	atr := 0.0
	for _, tr := range trs[:v.Period] {
		atr += tr
	}
	atr /= float64(v.Period)

	// Wilder平滑
	for _, tr := range trs[v.Period:] {
		atr = tr/float64(v.Period) + atr*(1-1/float64(v.Period))
	}

	mult := (atr / currentPrice) / v.BaseSpread
	return math.Max(v.Min, math.Min(v.Max, mult))
}
