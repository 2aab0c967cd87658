package strategy

import (
	"fmt"
	"math"
	"sync"

	"nado-grid-bot/gateway"
	"nado-grid-bot/inventory"
	"nado-grid-bot/market"
)

// DesiredOrder 一档期望挂单。SlotKey（side_index）是槽位的稳定身份，
// 每个tick整组重算，只有集合本身有意义。
type DesiredOrder struct {
	SlotKey string
	Side    gateway.Side
	Price   float64
	Size    float64
}

// GridConfig 网格策略配置
type GridConfig struct {
	LongSpreads  []float64 // 买侧各档基础价差（比例）
	ShortSpreads []float64 // 卖侧各档基础价差
	OrderRatios  []float64 // 各档下单额占比

	OrderNotionalUSD float64 // 每基准档的下单名义额
	MaxPositionUSD   float64 // 净仓名义额上限
	SkewMultiplier   float64 // 库存倾斜系数
	MinProfitSpread  float64 // 平仓单的最小利润价差
	MinSpreadFloor   float64 // 价差下限

	TickSize       float64 // 交易所价格步长
	StepSize       float64 // 交易所数量步长
	MinNotionalUSD float64 // 交易所最小下单名义额
}

// 持仓名义额达到上限后被压制的内侧档数
const aggressiveLevels = 2

// 超过该倍数的上限后整侧停挂
const hardStopFactor = 1.5

// Generator 按行情、仓位与波动率乘数生成期望挂单集合
type Generator struct {
	mu     sync.RWMutex
	symbol string
	cfg    GridConfig
}

// NewGenerator 创建网格生成器
func NewGenerator(symbol string, cfg GridConfig) (*Generator, error) {
	if err := validateGridConfig(cfg); err != nil {
		return nil, err
	}
	return &Generator{symbol: symbol, cfg: cfg}, nil
}

func validateGridConfig(cfg GridConfig) error {
	if len(cfg.LongSpreads) == 0 || len(cfg.ShortSpreads) == 0 {
		return fmt.Errorf("spread ladders are required")
	}
	if len(cfg.OrderRatios) == 0 {
		return fmt.Errorf("order ratios are required")
	}
	if cfg.OrderNotionalUSD <= 0 {
		return fmt.Errorf("order_notional_usd must be > 0")
	}
	if cfg.MaxPositionUSD <= 0 {
		return fmt.Errorf("max_position_usd must be > 0")
	}
	if cfg.TickSize <= 0 || cfg.StepSize <= 0 {
		return fmt.Errorf("tick_size and step_size must be > 0")
	}
	if cfg.MinSpreadFloor <= 0 {
		return fmt.Errorf("min_spread_floor must be > 0")
	}
	return nil
}

// Config 返回当前配置副本
func (g *Generator) Config() GridConfig {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

// UpdateConfig 热更新策略参数；非法配置被拒绝
func (g *Generator) UpdateConfig(cfg GridConfig) error {
	if err := validateGridConfig(cfg); err != nil {
		return err
	}
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
	return nil
}

// Ladder 生成本tick的期望挂单集合。
// volMult 已由调用方按配置范围截断。
func (g *Generator) Ladder(snap market.Snapshot, pos inventory.State, volMult float64) []DesiredOrder {
	g.mu.RLock()
	cfg := g.cfg
	g.mu.RUnlock()

	if !snap.Valid() {
		return nil
	}

	mid := snap.Mid
	posValue := pos.NetSize * mid
	// 库存倾斜：多头加宽买侧、收窄卖侧，空头相反
	invAdj := posValue / cfg.MaxPositionUSD * cfg.SkewMultiplier

	orders := make([]DesiredOrder, 0, len(cfg.LongSpreads)+len(cfg.ShortSpreads))

	for i, base := range cfg.LongSpreads {
		if i >= len(cfg.OrderRatios) {
			break
		}
		if suppressLevel(posValue, cfg.MaxPositionUSD, i) {
			continue
		}
		spread := math.Max(cfg.MinSpreadFloor, base*(1+invAdj)*volMult)
		price := floorToTick(mid*(1-spread), cfg.TickSize)

		// 利润保护：持空仓时买单是平仓单，进价不得高于保本价
		if pos.NetSize < 0 && pos.AvgEntryPrice > 0 {
			maxPrice := pos.AvgEntryPrice * (1 - cfg.MinProfitSpread)
			if price > maxPrice {
				price = floorToTick(maxPrice, cfg.TickSize)
			}
		}

		if o, ok := g.buildOrder(cfg, gateway.SideBuy, i, price); ok {
			orders = append(orders, o)
		}
	}

	for i, base := range cfg.ShortSpreads {
		if i >= len(cfg.OrderRatios) {
			break
		}
		if suppressLevel(-posValue, cfg.MaxPositionUSD, i) {
			continue
		}
		spread := math.Max(cfg.MinSpreadFloor, base*(1-invAdj)*volMult)
		price := ceilToTick(mid*(1+spread), cfg.TickSize)

		// 利润保护：持多仓时卖单是平仓单，出价不得低于保本价
		if pos.NetSize > 0 && pos.AvgEntryPrice > 0 {
			minPrice := pos.AvgEntryPrice * (1 + cfg.MinProfitSpread)
			if price < minPrice {
				price = ceilToTick(minPrice, cfg.TickSize)
			}
		}

		if o, ok := g.buildOrder(cfg, gateway.SideSell, i, price); ok {
			orders = append(orders, o)
		}
	}

	return orders
}

// suppressLevel 风控压制：sideValue 为该侧方向上的持仓名义额
// （买侧传posValue，卖侧传-posValue）。达到上限压制内侧档，
// 达到1.5倍上限整侧停挂。
func suppressLevel(sideValue, maxPosition float64, index int) bool {
	if sideValue < maxPosition {
		return false
	}
	if sideValue >= maxPosition*hardStopFactor {
		return true
	}
	return index < aggressiveLevels
}

func (g *Generator) buildOrder(cfg GridConfig, side gateway.Side, index int, price float64) (DesiredOrder, bool) {
	if price <= 0 {
		return DesiredOrder{}, false
	}
	usd := cfg.OrderNotionalUSD * cfg.OrderRatios[index]
	if usd < cfg.MinNotionalUSD {
		return DesiredOrder{}, false
	}
	size := ceilToStep(usd/price, cfg.StepSize)
	if size <= 0 {
		return DesiredOrder{}, false
	}
	return DesiredOrder{
		SlotKey: SlotKey(side, index),
		Side:    side,
		Price:   price,
		Size:    size,
	}, true
}

// SlotKey 槽位身份：side_index
func SlotKey(side gateway.Side, index int) string {
	return fmt.Sprintf("%s_%d", side, index)
}

// 浮点除法误差容忍
const roundEps = 1e-9

func floorToTick(price, tick float64) float64 {
	return math.Floor(price/tick+roundEps) * tick
}

func ceilToTick(price, tick float64) float64 {
	return math.Ceil(price/tick-roundEps) * tick
}

func ceilToStep(size, step float64) float64 {
	return math.Ceil(size/step-roundEps) * step
}
