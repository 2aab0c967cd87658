package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nado-grid-bot/gateway"
	"nado-grid-bot/infrastructure/logger"
	"nado-grid-bot/inventory"
	"nado-grid-bot/market"
	"nado-grid-bot/order"
	"nado-grid-bot/risk"
	"nado-grid-bot/strategy"
)

// stubVenue 内存交易所桩
type stubVenue struct {
	mu       sync.Mutex
	book     gateway.Book
	nextID   int
	placed   []gateway.Order
	canceled []string
	fills    chan gateway.FillEvent
	equity   float64

	// 模拟慢速下单，启动goroutine前设置
	placeDelay time.Duration
}

func newStubVenue(mid float64) *stubVenue {
	return &stubVenue{
		book:   gateway.Book{Symbol: "BTC-PERP", BestBid: mid - 0.5, BestAsk: mid + 0.5},
		fills:  make(chan gateway.FillEvent, 16),
		equity: 10000,
	}
}

func (v *stubVenue) Connect(context.Context) error { return nil }

func (v *stubVenue) OrderBook(string) (gateway.Book, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.book, nil
}

func (v *stubVenue) PlaceOrder(_ context.Context, o gateway.Order) (string, error) {
	if v.placeDelay > 0 {
		time.Sleep(v.placeDelay)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nextID++
	v.placed = append(v.placed, o)
	return fmt.Sprintf("oid-%d", v.nextID), nil
}

func (v *stubVenue) CancelOrder(_ context.Context, _, orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.canceled = append(v.canceled, orderID)
	return nil
}

func (v *stubVenue) Position(context.Context, string) (*gateway.Position, error) { return nil, nil }

func (v *stubVenue) Balance(context.Context) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.equity, nil
}

func (v *stubVenue) TradeHistory(context.Context, string, int) ([]gateway.TradeRecord, error) {
	return nil, nil
}

func (v *stubVenue) Fills() <-chan gateway.FillEvent { return v.fills }

func (v *stubVenue) Close() error {
	close(v.fills)
	return nil
}

func (v *stubVenue) placedCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.placed)
}

func (v *stubVenue) canceledCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.canceled)
}

func newTestEngine(t *testing.T, venue *stubVenue) (*Engine, *order.ActiveBook, *inventory.Tracker) {
	t.Helper()

	grid, err := strategy.NewGenerator("BTC-PERP", strategy.GridConfig{
		LongSpreads:      []float64{0.001, 0.002},
		ShortSpreads:     []float64{0.001, 0.002},
		OrderRatios:      []float64{1.0, 1.0},
		OrderNotionalUSD: 1000,
		MaxPositionUSD:   10000,
		SkewMultiplier:   0.5,
		MinProfitSpread:  0.0003,
		MinSpreadFloor:   0.0001,
		TickSize:         0.1,
		StepSize:         0.00005,
		MinNotionalUSD:   10,
	})
	require.NoError(t, err)

	book := order.NewActiveBook()
	log := logger.Nop()
	tracker := inventory.NewTracker()
	rec := order.NewReconciler(order.ReconcilerConfig{
		Symbol:   "BTC-PERP",
		Deadband: 5,
		Chase:    true,
	}, venue, book, log)

	e, err := New(Config{
		Symbol:        "BTC-PERP",
		JitterMin:     10 * time.Millisecond,
		JitterMax:     20 * time.Millisecond,
		MaxTickAge:    time.Minute,
		SweepInterval: time.Hour,
	}, Components{
		Venue:      venue,
		Grid:       grid,
		VolMult:    market.NewVolMultiplier(14, 0.001, 0.5, 2.0),
		Inventory:  tracker,
		Book:       book,
		Reconciler: rec,
		Sweeper:    order.NewSweeper("BTC-PERP", time.Hour, venue, book, log),
		Logger:     log,
	})
	require.NoError(t, err)
	return e, book, tracker
}

func TestTickPlacesLadder(t *testing.T) {
	venue := newStubVenue(100000)
	e, book, _ := newTestEngine(t, venue)
	e.state = StateRunning

	e.tick(context.Background())

	// 2买 + 2卖
	assert.Equal(t, 4, venue.placedCount())
	assert.Equal(t, 4, book.Len())

	// 行情不变：第二个tick幂等
	e.tick(context.Background())
	assert.Equal(t, 4, venue.placedCount())
}

func TestTickSkippedWhenPaused(t *testing.T) {
	venue := newStubVenue(100000)
	e, _, _ := newTestEngine(t, venue)
	e.state = StatePaused

	e.tick(context.Background())
	assert.Zero(t, venue.placedCount())
}

func TestFillLoopUpdatesInventoryAndBook(t *testing.T) {
	venue := newStubVenue(100000)
	e, book, tracker := newTestEngine(t, venue)
	e.state = StateRunning

	e.tick(context.Background())
	require.Equal(t, 4, book.Len())

	var buySlot order.LiveOrder
	for _, o := range book.Snapshot() {
		if o.SlotKey == "buy_0" {
			buySlot = o
		}
	}
	require.NotEmpty(t, buySlot.VenueID)

	go e.fillLoop()
	venue.fills <- gateway.FillEvent{
		TradeID: "t1",
		OrderID: buySlot.VenueID,
		Side:    gateway.SideBuy,
		Price:   buySlot.Price,
		Size:    buySlot.Size,
	}

	assert.Eventually(t, func() bool {
		return tracker.Snapshot().NetSize > 0
	}, time.Second, 5*time.Millisecond)

	pos := tracker.Snapshot()
	assert.InDelta(t, buySlot.Size, pos.NetSize, 1e-12)
	assert.InDelta(t, buySlot.Price, pos.AvgEntryPrice, 1e-9)

	// 成交槽位已注销，下个tick会补挂
	_, exists := book.Get("buy_0")
	assert.False(t, exists)

	require.NoError(t, venue.Close())
	select {
	case <-e.fillDone:
	case <-time.After(time.Second):
		t.Fatal("fill loop did not exit")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	venue := newStubVenue(100000)
	e, _, _ := newTestEngine(t, venue)

	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, StateRunning, e.GetState())

	// 重复启动被拒绝
	assert.Error(t, e.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return venue.placedCount() > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, e.Stop())
	assert.Equal(t, StateStopped, e.GetState())
	// 幂等
	require.NoError(t, e.Stop())
}

func TestPauseCancelsAndResumeRestores(t *testing.T) {
	venue := newStubVenue(100000)
	e, book, _ := newTestEngine(t, venue)
	e.state = StateRunning

	e.tick(context.Background())
	require.Equal(t, 4, book.Len())

	require.NoError(t, e.PauseTrading("test"))
	assert.Equal(t, StatePaused, e.GetState())
	assert.Zero(t, book.Len())

	// 暂停期间tick无动作
	placed := venue.placedCount()
	e.tick(context.Background())
	assert.Equal(t, placed, venue.placedCount())

	require.NoError(t, e.ResumeTrading())
	assert.Equal(t, StateRunning, e.GetState())
	e.tick(context.Background())
	assert.Equal(t, 4, book.Len())
}

func TestPauseDuringTickLeavesNoRestingOrders(t *testing.T) {
	venue := newStubVenue(100000)
	venue.placeDelay = 30 * time.Millisecond
	e, book, _ := newTestEngine(t, venue)
	e.state = StateRunning

	tickDone := make(chan struct{})
	go func() {
		e.tick(context.Background())
		close(tickDone)
	}()

	// 等tick进入下单阶段
	require.Eventually(t, func() bool {
		return venue.placedCount() > 0
	}, time.Second, time.Millisecond)

	// 暂停要等在途tick收尾再清场，场上不能留下本轮挂单
	require.NoError(t, e.PauseTrading("test"))
	<-tickDone

	assert.Equal(t, StatePaused, e.GetState())
	assert.Zero(t, book.Len())
	assert.Equal(t, venue.placedCount(), venue.canceledCount())
}

func TestBreakerTripDuringTickFlushesOrders(t *testing.T) {
	venue := newStubVenue(100000)
	venue.placeDelay = 30 * time.Millisecond
	e, book, _ := newTestEngine(t, venue)

	breaker, err := risk.NewEquityBreaker(risk.BreakerConfig{
		DrawdownThreshold: 0.05,
		Cooldown:          time.Hour,
	}, venue, logger.Nop())
	require.NoError(t, err)
	e.breaker = breaker
	e.setupBreakerCallbacks()
	require.NoError(t, breaker.Start(context.Background()))
	defer breaker.Stop()

	e.state = StateRunning

	tickDone := make(chan struct{})
	go func() {
		e.tick(context.Background())
		close(tickDone)
	}()

	require.Eventually(t, func() bool {
		return venue.placedCount() > 0
	}, time.Second, time.Millisecond)

	// 回撤10%，熔断在tick进行中触发
	require.True(t, breaker.Check(9000))
	<-tickDone

	assert.Equal(t, StatePaused, e.GetState())
	assert.True(t, breaker.Tripped())
	assert.Zero(t, book.Len())
	assert.Equal(t, venue.placedCount(), venue.canceledCount())

	// 熔断期间tick不再补挂
	placed := venue.placedCount()
	e.tick(context.Background())
	assert.Equal(t, placed, venue.placedCount())
}

func TestIsHealthy(t *testing.T) {
	venue := newStubVenue(100000)
	e, _, _ := newTestEngine(t, venue)

	// 未启动不健康
	assert.False(t, e.IsHealthy())

	e.state = StateRunning
	// 尚无tick：宽限
	assert.True(t, e.IsHealthy())

	e.tick(context.Background())
	assert.True(t, e.IsHealthy())

	// 伪造超龄tick
	e.lastTick.Store(time.Now().Add(-2 * time.Minute).UnixNano())
	assert.False(t, e.IsHealthy())

	e.state = StatePaused
	assert.True(t, e.IsHealthy())
}
