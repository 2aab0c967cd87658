package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"nado-grid-bot/gateway"
	"nado-grid-bot/infrastructure/alert"
	"nado-grid-bot/infrastructure/logger"
	"nado-grid-bot/inventory"
	"nado-grid-bot/market"
	"nado-grid-bot/metrics"
	"nado-grid-bot/order"
	"nado-grid-bot/risk"
	"nado-grid-bot/strategy"
)

// State 引擎状态
type State int

const (
	// StateIdle 空闲状态
	StateIdle State = iota
	// StateRunning 运行状态
	StateRunning
	// StatePaused 暂停状态
	StatePaused
	// StateStopped 停止状态
	StateStopped
)

// String 返回状态名称
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StatePaused:
		return "PAUSED"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Config 引擎配置
type Config struct {
	Symbol string

	// 每tick后的随机休眠区间，打散与交易所的请求节奏
	JitterMin time.Duration
	JitterMax time.Duration

	// 波动率乘数刷新间隔与K线参数
	VolRefresh  time.Duration
	VolInterval string
	VolCandles  int

	// 僵尸单清理间隔
	SweepInterval time.Duration

	// 距离上次成功tick超过该时长视为不健康
	MaxTickAge time.Duration

	HedgeEnabled      bool
	HedgeSymbol       string
	HedgeThresholdUSD float64
}

// Components 引擎依赖组件
type Components struct {
	Venue      gateway.Venue
	Candles    gateway.CandleSource
	Grid       *strategy.Generator
	VolMult    *market.VolMultiplier
	Inventory  *inventory.Tracker
	Book       *order.ActiveBook
	Reconciler *order.Reconciler
	Sweeper    *order.Sweeper
	Breaker    *risk.EquityBreaker
	Alerts     *alert.Manager
	Metrics    *metrics.Metrics
	Logger     *logger.Logger
	Hedger     *gateway.HyperliquidClient
}

// Engine 网格做市控制引擎。
// 单goroutine的抖动循环驱动 行情快照->期望挂单->对账 流水线，
// 成交流与熔断巡检各自独立运行。
type Engine struct {
	config Config

	venue      gateway.Venue
	candles    gateway.CandleSource
	grid       *strategy.Generator
	volCalc    *market.VolMultiplier
	inventory  *inventory.Tracker
	book       *order.ActiveBook
	reconciler *order.Reconciler
	sweeper    *order.Sweeper
	breaker    *risk.EquityBreaker
	alertMgr   *alert.Manager
	metrics    *metrics.Metrics
	logger     *logger.Logger
	hedger     *gateway.HyperliquidClient

	state State
	mu    sync.RWMutex

	// tick再入保护：上一tick未完成时跳过本tick
	ticking atomic.Bool
	// 在途tick与暂停/熔断清场互斥：清场必须等tick收尾，
	// 否则tick后半段下的单会留在场上无人管理
	tickMu sync.Mutex
	// 最近一次成功tick的unix纳秒，健康检查用
	lastTick atomic.Int64

	// 当前波动率乘数缓存
	volMult        atomic.Value // float64
	lastVolRefresh time.Time
	lastSweep      time.Time

	rng *rand.Rand

	stopChan chan struct{}
	doneChan chan struct{}
	fillDone chan struct{}
}

// New 创建引擎
func New(cfg Config, components Components) (*Engine, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := validateComponents(components); err != nil {
		return nil, fmt.Errorf("invalid components: %w", err)
	}

	if cfg.JitterMin <= 0 {
		cfg.JitterMin = 1500 * time.Millisecond
	}
	if cfg.JitterMax < cfg.JitterMin {
		cfg.JitterMax = cfg.JitterMin
	}
	if cfg.VolRefresh <= 0 {
		cfg.VolRefresh = time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.MaxTickAge <= 0 {
		cfg.MaxTickAge = time.Minute
	}

	e := &Engine{
		config:     cfg,
		venue:      components.Venue,
		candles:    components.Candles,
		grid:       components.Grid,
		volCalc:    components.VolMult,
		inventory:  components.Inventory,
		book:       components.Book,
		reconciler: components.Reconciler,
		sweeper:    components.Sweeper,
		breaker:    components.Breaker,
		alertMgr:   components.Alerts,
		metrics:    components.Metrics,
		logger:     components.Logger,
		hedger:     components.Hedger,
		state:      StateIdle,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
		fillDone:   make(chan struct{}),
	}
	e.volMult.Store(1.0)

	if e.breaker != nil {
		e.setupBreakerCallbacks()
	}

	return e, nil
}

// Start 启动引擎：熔断巡检、成交流消费与主循环
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateIdle {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("engine already started (state: %s)", state)
	}
	e.state = StateRunning
	e.mu.Unlock()

	e.logger.Info("Grid engine starting",
		zap.String("symbol", e.config.Symbol),
		zap.Duration("jitter_min", e.config.JitterMin),
		zap.Duration("jitter_max", e.config.JitterMax))

	if e.breaker != nil {
		if err := e.breaker.Start(ctx); err != nil {
			return fmt.Errorf("start breaker: %w", err)
		}
	}

	go e.fillLoop()
	go e.run(ctx)

	e.logger.Info("Grid engine started")
	return nil
}

// Stop 按依赖顺序停机：主循环、熔断巡检、撤单、断开交易所
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.state == StateStopped || e.state == StateIdle {
		e.mu.Unlock()
		return nil
	}
	e.state = StateStopped
	e.mu.Unlock()

	e.logger.Info("Grid engine stopping...")

	select {
	case <-e.stopChan:
	default:
		close(e.stopChan)
	}

	select {
	case <-e.doneChan:
	case <-time.After(10 * time.Second):
		e.logger.Warn("Timeout waiting for main loop to stop")
	}

	if e.breaker != nil {
		e.breaker.Stop()
	}

	canceled := e.flushOrders()
	e.logger.Info("Resting orders flushed", zap.Int("count", canceled))

	if err := e.venue.Close(); err != nil {
		e.logger.Error("Venue close failed", zap.Error(err))
	}

	select {
	case <-e.fillDone:
	case <-time.After(5 * time.Second):
		e.logger.Warn("Timeout waiting for fill loop to stop")
	}

	e.logger.Info("Grid engine stopped")
	return nil
}

// PauseTrading 暂停报价并撤掉全部挂单
func (e *Engine) PauseTrading(reason string) error {
	e.mu.Lock()
	if e.state != StateRunning {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("engine not running (state: %s)", state)
	}
	e.state = StatePaused
	e.mu.Unlock()

	e.flushOrders()

	e.logger.Warn("Trading paused", zap.String("reason", reason))
	if e.alertMgr != nil {
		e.alertMgr.SendWarning("Trading paused", map[string]interface{}{"reason": reason})
	}
	return nil
}

// flushOrders 撤掉全部挂单。先等在途tick结束再清场，
// 保证清场之后场上不会再出现本轮残留的挂单。
func (e *Engine) flushOrders() int {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return e.reconciler.CancelAll(ctx)
}

// ResumeTrading 恢复报价。熔断未解除时先手动解除（重置权益基准）。
func (e *Engine) ResumeTrading() error {
	if e.breaker != nil && e.breaker.Tripped() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.breaker.Resume(ctx); err != nil {
			return fmt.Errorf("resume breaker: %w", err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StatePaused {
		return fmt.Errorf("engine not paused (state: %s)", e.state)
	}
	e.state = StateRunning
	e.logger.Info("Trading resumed")
	return nil
}

// GetState 获取引擎状态
func (e *Engine) GetState() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// IsHealthy 健康检查：运行中且最近tick未超龄。暂停视为健康。
func (e *Engine) IsHealthy() bool {
	switch e.GetState() {
	case StatePaused:
		return true
	case StateRunning:
		last := e.lastTick.Load()
		if last == 0 {
			// 刚启动还没完成首个tick
			return true
		}
		return time.Since(time.Unix(0, last)) <= e.config.MaxTickAge
	default:
		return false
	}
}

// run 主循环：tick后随机休眠，打散请求节奏
func (e *Engine) run(ctx context.Context) {
	defer close(e.doneChan)

	for {
		e.tick(ctx)

		span := e.config.JitterMax - e.config.JitterMin
		sleep := e.config.JitterMin
		if span > 0 {
			sleep += time.Duration(e.rng.Int63n(int64(span)))
		}

		select {
		case <-ctx.Done():
			e.logger.Info("Context done, stopping main loop")
			return
		case <-e.stopChan:
			return
		case <-time.After(sleep):
		}
	}
}

// tick 单轮控制循环。上一轮未结束则直接跳过。
func (e *Engine) tick(ctx context.Context) {
	if !e.ticking.CompareAndSwap(false, true) {
		e.logger.Warn("Previous tick still in flight, skipping")
		return
	}
	defer e.ticking.Store(false)

	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Tick panicked", zap.Any("panic", r), zap.Stack("stack"))
			if e.alertMgr != nil {
				e.alertMgr.SendError("Tick panicked", map[string]interface{}{"panic": fmt.Sprint(r)})
			}
		}
	}()

	e.mu.RLock()
	state := e.state
	e.mu.RUnlock()
	if state != StateRunning {
		return
	}
	if e.breaker != nil && e.breaker.Tripped() {
		return
	}

	started := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.TickDuration.Observe(time.Since(started).Seconds())
		}
	}()

	book, err := e.venue.OrderBook(e.config.Symbol)
	if err != nil {
		e.logger.Warn("Order book unavailable", zap.Error(err))
		return
	}
	snap := market.FromBook(book)
	if !snap.Valid() {
		e.logger.Debug("Empty book, skipping tick")
		return
	}

	e.refreshVolMult(ctx, snap.Mid)
	volMult := e.volMult.Load().(float64)

	pos := e.inventory.Snapshot()
	desired := e.grid.Ladder(snap, pos, volMult)
	stats := e.reconciler.Sync(ctx, desired)

	e.maybeSweep(ctx)

	e.lastTick.Store(time.Now().UnixNano())

	if e.metrics != nil {
		e.metrics.MidPrice.Set(snap.Mid)
		e.metrics.VolMultiplier.Set(volMult)
		e.metrics.NetPosition.Set(pos.NetSize)
		e.metrics.AvgEntryPrice.Set(pos.AvgEntryPrice)
		e.metrics.ActiveOrders.Set(float64(e.book.Len()))
		e.metrics.OrdersPlaced.Add(float64(stats.Placed))
		e.metrics.OrdersRepriced.Add(float64(stats.Repriced))
		e.metrics.OrdersCanceled.Add(float64(stats.Canceled))
		e.metrics.OrdersRejected.Add(float64(stats.Failed))
	}

	if stats.Placed+stats.Repriced+stats.Canceled+stats.Failed > 0 {
		e.logger.Debug("Tick reconciled",
			zap.Float64("mid", snap.Mid),
			zap.Float64("vol_mult", volMult),
			zap.Int("placed", stats.Placed),
			zap.Int("repriced", stats.Repriced),
			zap.Int("canceled", stats.Canceled),
			zap.Int("failed", stats.Failed))
	}
}

// refreshVolMult 按节流间隔刷新波动率乘数，失败沿用旧值
func (e *Engine) refreshVolMult(ctx context.Context, price float64) {
	if e.candles == nil || e.volCalc == nil {
		return
	}
	if time.Since(e.lastVolRefresh) < e.config.VolRefresh {
		return
	}
	e.lastVolRefresh = time.Now()

	candles, err := e.candles.Candles(ctx, e.volSymbol(), e.config.VolInterval, e.config.VolCandles)
	if err != nil {
		e.logger.Warn("Candle fetch failed, keeping previous vol multiplier", zap.Error(err))
		return
	}
	e.volMult.Store(e.volCalc.FromCandles(candles, price))
}

func (e *Engine) volSymbol() string {
	if e.config.HedgeSymbol != "" {
		return e.config.HedgeSymbol
	}
	return e.config.Symbol
}

func (e *Engine) maybeSweep(ctx context.Context) {
	if e.sweeper == nil || time.Since(e.lastSweep) < e.config.SweepInterval {
		return
	}
	e.lastSweep = time.Now()
	swept := e.sweeper.Sweep(ctx)
	if e.metrics != nil {
		e.metrics.OrdersSwept.Add(float64(swept))
	}
}

// fillLoop 消费交易所成交流。通道按到达顺序投递，串行处理保证
// 仓位更新顺序与交易所一致。
func (e *Engine) fillLoop() {
	defer close(e.fillDone)

	for f := range e.venue.Fills() {
		if !e.inventory.ApplyFill(f) {
			continue
		}
		if f.OrderID != "" {
			if o, ok := e.book.RemoveByVenueID(f.OrderID); ok {
				e.logger.Info("Slot filled",
					zap.String("slot", o.SlotKey),
					zap.String("side", string(f.Side)),
					zap.Float64("price", f.Price),
					zap.Float64("size", f.Size))
			}
		}

		pos := e.inventory.Snapshot()
		if e.metrics != nil {
			e.metrics.Fills.Inc()
			e.metrics.VolumeUSD.Add(f.Size * f.Price)
			e.metrics.NetPosition.Set(pos.NetSize)
			e.metrics.AvgEntryPrice.Set(pos.AvgEntryPrice)
		}
		if e.alertMgr != nil {
			e.alertMgr.SendInfo(fmt.Sprintf("Fill: %s %.6f @ %.2f", f.Side, f.Size, f.Price),
				map[string]interface{}{
					"net_position": pos.NetSize,
					"avg_entry":    pos.AvgEntryPrice,
				})
		}

		e.maybeHedge(pos, f.Price)
	}
}

// maybeHedge 净敞口名义额超过阈值时在对冲所反向吃单拉平
func (e *Engine) maybeHedge(pos inventory.State, refPrice float64) {
	if !e.config.HedgeEnabled || e.hedger == nil || refPrice <= 0 {
		return
	}
	exposure := pos.NetSize * refPrice
	if math.Abs(exposure) < e.config.HedgeThresholdUSD {
		return
	}

	side := gateway.SideSell
	if pos.NetSize < 0 {
		side = gateway.SideBuy
	}
	size := math.Abs(pos.NetSize)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.hedger.PlaceHedge(ctx, e.config.HedgeSymbol, side, size, refPrice); err != nil {
		e.logger.Error("Hedge order failed", zap.Error(err))
		if e.alertMgr != nil {
			e.alertMgr.SendError("Hedge order failed", map[string]interface{}{
				"exposure_usd": exposure,
				"error":        err.Error(),
			})
		}
	}
}

// setupBreakerCallbacks 熔断触发时暂停并清场，恢复时重新开始报价
func (e *Engine) setupBreakerCallbacks() {
	e.breaker.OnTrip(func(drawdown float64) {
		e.mu.Lock()
		if e.state == StateRunning {
			e.state = StatePaused
		}
		e.mu.Unlock()

		e.flushOrders()

		if e.metrics != nil {
			e.metrics.SetBreakerTripped(true)
		}
		if e.alertMgr != nil {
			e.alertMgr.SendCritical("Drawdown circuit breaker tripped", map[string]interface{}{
				"drawdown": fmt.Sprintf("%.2f%%", drawdown*100),
			})
		}
	})

	e.breaker.OnResume(func() {
		e.mu.Lock()
		if e.state == StatePaused {
			e.state = StateRunning
		}
		e.mu.Unlock()

		if e.metrics != nil {
			e.metrics.SetBreakerTripped(false)
		}
		if e.alertMgr != nil {
			e.alertMgr.SendInfo("Circuit breaker resumed, trading restarted", nil)
		}
	})
}

// StatusText 运营状态汇报（Telegram /status）
func (e *Engine) StatusText() string {
	pos := e.inventory.Snapshot()
	vol := e.volMult.Load().(float64)

	text := fmt.Sprintf(
		"State: %s\nSymbol: %s\nNet position: %.6f\nAvg entry: %.2f\nActive orders: %d\nVol multiplier: %.2f\nSession volume: $%.2f",
		e.GetState(), e.config.Symbol,
		pos.NetSize, pos.AvgEntryPrice,
		e.book.Len(), vol,
		e.inventory.SessionVolumeUSD())

	if e.breaker != nil && e.breaker.Tripped() {
		text += fmt.Sprintf("\nBreaker: TRIPPED (resume at %s)",
			e.breaker.ResumeAt().Format("15:04:05"))
	}
	return text
}

// BalanceText 权益汇报（Telegram /balance）
func (e *Engine) BalanceText() string {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	equity, err := e.venue.Balance(ctx)
	if err != nil {
		return fmt.Sprintf("balance query failed: %v", err)
	}
	if e.metrics != nil {
		e.metrics.Equity.Set(equity)
	}

	text := fmt.Sprintf("Equity: $%.2f", equity)
	if e.breaker != nil {
		text += fmt.Sprintf("\nBreaker baseline: $%.2f", e.breaker.Baseline())
	}
	return text
}

// HealthText 健康状况汇报（Telegram /health）
func (e *Engine) HealthText() string {
	last := e.lastTick.Load()
	age := "never"
	if last > 0 {
		age = time.Since(time.Unix(0, last)).Round(time.Millisecond).String()
	}
	return fmt.Sprintf("State: %s\nHealthy: %t\nLast tick: %s ago", e.GetState(), e.IsHealthy(), age)
}

// validateConfig 验证配置
func validateConfig(cfg Config) error {
	if cfg.Symbol == "" {
		return errors.New("symbol is required")
	}
	if cfg.JitterMin < 0 || cfg.JitterMax < 0 {
		return errors.New("jitter bounds must be >= 0")
	}
	if cfg.HedgeEnabled && cfg.HedgeSymbol == "" {
		return errors.New("hedge_symbol is required when hedging is enabled")
	}
	return nil
}

// validateComponents 验证组件
func validateComponents(comp Components) error {
	if comp.Venue == nil {
		return errors.New("venue is required")
	}
	if comp.Grid == nil {
		return errors.New("grid generator is required")
	}
	if comp.Inventory == nil {
		return errors.New("inventory is required")
	}
	if comp.Book == nil {
		return errors.New("active book is required")
	}
	if comp.Reconciler == nil {
		return errors.New("reconciler is required")
	}
	if comp.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}
