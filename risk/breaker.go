package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"nado-grid-bot/infrastructure/logger"
)

// BalanceSource 权益查询来源
type BalanceSource interface {
	Balance(ctx context.Context) (float64, error)
}

// BreakerConfig 回撤熔断配置
type BreakerConfig struct {
	// 相对基准权益的回撤比例阈值，如0.05表示5%
	DrawdownThreshold float64
	// 熔断后的冷却时长，到期自动恢复
	Cooldown time.Duration
	// 权益巡检间隔
	CheckInterval time.Duration
}

// EquityBreaker 权益回撤熔断器。
// 独立于tick循环巡检账户权益，回撤超过阈值即触发熔断，
// 冷却期满自动恢复并以恢复时刻的权益重置基准。
type EquityBreaker struct {
	cfg    BreakerConfig
	source BalanceSource
	log    *logger.Logger

	// 熔断触发回调（撤单、暂停报价），在巡检goroutine中调用
	onTrip   func(drawdown float64)
	onResume func()

	mu          sync.Mutex
	baseline    float64
	tripped     bool
	resumeAt    time.Time
	resumeTimer *time.Timer

	stopChan chan struct{}
	doneChan chan struct{}
	running  bool
}

// NewEquityBreaker 创建熔断器
func NewEquityBreaker(cfg BreakerConfig, source BalanceSource, log *logger.Logger) (*EquityBreaker, error) {
	if cfg.DrawdownThreshold <= 0 || cfg.DrawdownThreshold >= 1 {
		return nil, fmt.Errorf("drawdown_threshold must be in (0, 1)")
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Minute
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if source == nil {
		return nil, fmt.Errorf("balance source is required")
	}
	return &EquityBreaker{
		cfg:      cfg,
		source:   source,
		log:      log,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}, nil
}

// OnTrip 注册熔断回调，须在Start前调用
func (b *EquityBreaker) OnTrip(fn func(drawdown float64)) { b.onTrip = fn }

// OnResume 注册恢复回调，须在Start前调用
func (b *EquityBreaker) OnResume(fn func()) { b.onResume = fn }

// Start 查询初始权益作为基准并启动巡检
func (b *EquityBreaker) Start(ctx context.Context) error {
	equity, err := b.source.Balance(ctx)
	if err != nil {
		return fmt.Errorf("query initial equity: %w", err)
	}
	if equity <= 0 {
		return fmt.Errorf("initial equity must be > 0, got %.2f", equity)
	}

	b.mu.Lock()
	b.baseline = equity
	b.running = true
	b.mu.Unlock()

	b.log.Info("Equity breaker started",
		zap.Float64("baseline", equity),
		zap.Float64("threshold", b.cfg.DrawdownThreshold))

	go b.watchLoop()
	return nil
}

// Stop 停止巡检并取消未到期的自动恢复
func (b *EquityBreaker) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	if b.resumeTimer != nil {
		b.resumeTimer.Stop()
		b.resumeTimer = nil
	}
	b.mu.Unlock()

	close(b.stopChan)
	<-b.doneChan
}

func (b *EquityBreaker) watchLoop() {
	defer close(b.doneChan)

	ticker := time.NewTicker(b.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			equity, err := b.source.Balance(ctx)
			cancel()
			if err != nil {
				b.log.Warn("Equity check failed", zap.Error(err))
				continue
			}
			b.Check(equity)
		}
	}
}

// Check 用最新权益评估回撤。已熔断时不再重复触发。
// 返回true表示本次调用触发了熔断。
func (b *EquityBreaker) Check(equity float64) bool {
	b.mu.Lock()
	if b.tripped || b.baseline <= 0 {
		b.mu.Unlock()
		return false
	}

	drawdown := (b.baseline - equity) / b.baseline
	if drawdown < b.cfg.DrawdownThreshold {
		b.mu.Unlock()
		return false
	}

	b.tripped = true
	b.resumeAt = time.Now().Add(b.cfg.Cooldown)
	b.resumeTimer = time.AfterFunc(b.cfg.Cooldown, b.autoResume)
	onTrip := b.onTrip
	baseline := b.baseline
	b.mu.Unlock()

	b.log.Error("Drawdown circuit breaker tripped",
		zap.Float64("baseline", baseline),
		zap.Float64("equity", equity),
		zap.Float64("drawdown", drawdown),
		zap.Duration("cooldown", b.cfg.Cooldown))

	if onTrip != nil {
		onTrip(drawdown)
	}
	return true
}

// Resume 手动解除熔断：取消冷却定时器并以当前权益重置基准
func (b *EquityBreaker) Resume(ctx context.Context) error {
	b.mu.Lock()
	if !b.tripped {
		b.mu.Unlock()
		return nil
	}
	if b.resumeTimer != nil {
		b.resumeTimer.Stop()
		b.resumeTimer = nil
	}
	b.mu.Unlock()

	return b.rebaseline(ctx, "manual")
}

func (b *EquityBreaker) autoResume() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.rebaseline(ctx, "cooldown"); err != nil {
		b.log.Error("Auto resume failed, retrying next cooldown", zap.Error(err))
		b.mu.Lock()
		b.resumeAt = time.Now().Add(b.cfg.Cooldown)
		b.resumeTimer = time.AfterFunc(b.cfg.Cooldown, b.autoResume)
		b.mu.Unlock()
	}
}

// rebaseline 以当前权益重置基准并解除熔断，避免恢复后立即再次触发
func (b *EquityBreaker) rebaseline(ctx context.Context, reason string) error {
	equity, err := b.source.Balance(ctx)
	if err != nil {
		return fmt.Errorf("query equity for rebaseline: %w", err)
	}

	b.mu.Lock()
	b.baseline = equity
	b.tripped = false
	b.resumeAt = time.Time{}
	onResume := b.onResume
	b.mu.Unlock()

	b.log.Info("Circuit breaker resumed",
		zap.String("reason", reason),
		zap.Float64("new_baseline", equity))

	if onResume != nil {
		onResume()
	}
	return nil
}

// Tripped 当前是否处于熔断状态
func (b *EquityBreaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}

// Baseline 当前基准权益
func (b *EquityBreaker) Baseline() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.baseline
}

// ResumeAt 预计自动恢复时刻；未熔断时为零值
func (b *EquityBreaker) ResumeAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resumeAt
}
