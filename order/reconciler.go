package order

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"nado-grid-bot/gateway"
	"nado-grid-bot/infrastructure/logger"
	"nado-grid-bot/strategy"
)

// VenueGateway 对账所需的最小交易所能力
type VenueGateway interface {
	PlaceOrder(ctx context.Context, o gateway.Order) (string, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// ReconcilerConfig 对账参数
type ReconcilerConfig struct {
	Symbol string

	// 数量相对偏差超过该比例时改价重挂
	SizeTolerance float64
	// 追单死区：期望价向不利方向移动不超过该值时保持原单
	Deadband float64
	// Chase 为true时用方向性死区（只追不利方向），否则用绝对死区
	Chase bool
	// 价格偏离达到该值时无条件重挂
	SafetyDistance float64
	// 在场时间超过该值的挂单强制刷新
	StaleAfter time.Duration
}

// SyncStats 单次对账的动作统计
type SyncStats struct {
	Placed   int
	Repriced int
	Canceled int
	Failed   int
}

// Reconciler 将期望挂单集合与本地登记表对账，驱动交易所达到期望状态。
// 每个动作独立失败：单笔失败不阻断其余槽位。
type Reconciler struct {
	cfg   ReconcilerConfig
	venue VenueGateway
	book  *ActiveBook
	log   *logger.Logger

	// 测试注入
	now func() time.Time
}

// NewReconciler 创建对账器
func NewReconciler(cfg ReconcilerConfig, venue VenueGateway, book *ActiveBook, log *logger.Logger) *Reconciler {
	if cfg.SizeTolerance <= 0 {
		cfg.SizeTolerance = 0.05
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	return &Reconciler{
		cfg:   cfg,
		venue: venue,
		book:  book,
		log:   log,
		now:   time.Now,
	}
}

// Sync 执行一轮对账：改价、补挂、清理消失的槽位
func (r *Reconciler) Sync(ctx context.Context, desired []strategy.DesiredOrder) SyncStats {
	var stats SyncStats
	wanted := make(map[string]struct{}, len(desired))

	for _, d := range desired {
		wanted[d.SlotKey] = struct{}{}

		live, exists := r.book.Get(d.SlotKey)
		if exists {
			if !r.needsReprice(live, d) {
				continue
			}
			if err := r.venue.CancelOrder(ctx, r.cfg.Symbol, live.VenueID); err != nil {
				r.log.Warn("Cancel before reprice failed",
					zap.String("slot", d.SlotKey),
					zap.String("order_id", live.VenueID),
					zap.Error(err))
				// 撤单失败多半是订单已不在场，继续重挂
			}
			r.book.Remove(d.SlotKey)
			if r.place(ctx, d) {
				stats.Repriced++
			} else {
				stats.Failed++
			}
			continue
		}

		if r.place(ctx, d) {
			stats.Placed++
		} else {
			stats.Failed++
		}
	}

	// 期望集合中消失的槽位撤掉
	for _, live := range r.book.Snapshot() {
		if _, ok := wanted[live.SlotKey]; ok {
			continue
		}
		if err := r.venue.CancelOrder(ctx, r.cfg.Symbol, live.VenueID); err != nil {
			r.log.Warn("Cancel orphan slot failed",
				zap.String("slot", live.SlotKey),
				zap.Error(err))
			stats.Failed++
			continue
		}
		r.book.Remove(live.SlotKey)
		stats.Canceled++
	}

	return stats
}

// CancelAll 撤掉全部在场挂单（停机与熔断路径）
func (r *Reconciler) CancelAll(ctx context.Context) int {
	canceled := 0
	for _, live := range r.book.Snapshot() {
		if err := r.venue.CancelOrder(ctx, r.cfg.Symbol, live.VenueID); err != nil {
			r.log.Warn("Cancel failed during flush",
				zap.String("slot", live.SlotKey),
				zap.Error(err))
		}
		// 撤单结果不确定也注销本地登记，避免卡死在旧状态
		r.book.Remove(live.SlotKey)
		canceled++
	}
	return canceled
}

// needsReprice 判断在场挂单是否需要刷新
func (r *Reconciler) needsReprice(live LiveOrder, d strategy.DesiredOrder) bool {
	// 数量偏差
	if live.Size > 0 {
		if math.Abs(d.Size-live.Size)/live.Size > r.cfg.SizeTolerance {
			return true
		}
	}

	delta := d.Price - live.Price
	abs := math.Abs(delta)

	// 偏离过大无条件刷新
	if r.cfg.SafetyDistance > 0 && abs >= r.cfg.SafetyDistance {
		return true
	}

	// 过期挂单强制刷新
	if r.now().Sub(live.PlacedAt) >= r.cfg.StaleAfter {
		return true
	}

	if abs <= r.cfg.Deadband {
		return false
	}

	if !r.cfg.Chase {
		return true
	}

	// 方向性死区：只追向不利方向移动的价格。
	// 买单期望价上移（行情走高）才追，下移任由旧单留在更优价位；卖单相反。
	if live.Side == gateway.SideBuy {
		return delta > 0
	}
	return delta < 0
}

func (r *Reconciler) place(ctx context.Context, d strategy.DesiredOrder) bool {
	id, err := r.venue.PlaceOrder(ctx, gateway.Order{
		Symbol: r.cfg.Symbol,
		Side:   d.Side,
		Type:   gateway.TypePostOnly,
		Price:  d.Price,
		Size:   d.Size,
	})
	if err != nil {
		if gateway.IsRejected(err) {
			r.log.Warn("Order rejected",
				zap.String("slot", d.SlotKey),
				zap.Float64("price", d.Price),
				zap.Float64("size", d.Size),
				zap.Error(err))
		} else {
			r.log.Error("Place order failed",
				zap.String("slot", d.SlotKey),
				zap.Error(err))
		}
		return false
	}

	r.book.Put(LiveOrder{
		SlotKey:  d.SlotKey,
		VenueID:  id,
		Side:     d.Side,
		Price:    d.Price,
		Size:     d.Size,
		PlacedAt: r.now(),
	})
	return true
}
