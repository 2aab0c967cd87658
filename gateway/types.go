package gateway

import "context"

// Side 订单方向
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite 返回相反方向
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType 订单类型
type OrderType string

const (
	TypeLimit    OrderType = "limit"
	TypeMarket   OrderType = "market"
	TypePostOnly OrderType = "post_only"
)

// Order 下单请求
type Order struct {
	Symbol string
	Side   Side
	Type   OrderType
	Price  float64
	Size   float64
}

// Book 交易所订单簿顶部快照
type Book struct {
	Symbol  string
	BestBid float64
	BestAsk float64
	Mid     float64
}

// Position 交易所侧持仓；EntryPrice 为0表示交易所无法提供均价
type Position struct {
	Symbol     string
	Size       float64 // 带符号，正为多
	EntryPrice float64
}

// FillEvent 成交事件，经由 Fills 通道按到达顺序投递
type FillEvent struct {
	TradeID string // 成交唯一标识，用于去重
	OrderID string
	Side    Side
	Price   float64
	Size    float64
}

// TradeRecord 结算后的历史成交（indexer matches），按时间倒序返回
type TradeRecord struct {
	BaseFilled  float64 // 带符号的成交基础数量
	QuoteFilled float64 // 计价货币变动
	Price       float64 // 限价，可能为0
	Balance     float64 // 成交后的持仓余额
}

// Candle K线，oldest-first
type Candle struct {
	High  float64
	Low   float64
	Close float64
}

// Venue 交易所能力抽象；核心引擎只依赖该接口
type Venue interface {
	Connect(ctx context.Context) error
	OrderBook(symbol string) (Book, error)
	PlaceOrder(ctx context.Context, o Order) (string, error)
	// CancelOrder 幂等：撤销已不存在的订单不视为错误
	CancelOrder(ctx context.Context, symbol, orderID string) error
	Position(ctx context.Context, symbol string) (*Position, error)
	Balance(ctx context.Context) (float64, error)
	TradeHistory(ctx context.Context, symbol string, limit int) ([]TradeRecord, error)
	Fills() <-chan FillEvent
	Close() error
}

// CandleSource 波动率数据来源
type CandleSource interface {
	Candles(ctx context.Context, symbol, interval string, count int) ([]Candle, error)
}
