package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"nado-grid-bot/infrastructure/logger"
)

// Nado链上撮合引擎的数量/价格缩放因子
const nadoScale = 1e18

// NadoConfig Nado接入配置
type NadoConfig struct {
	Symbol         string
	WSURL          string
	EngineURL      string
	IndexerURL     string
	RequestTimeout time.Duration
	FillBuffer     int
	PingInterval   time.Duration
}

// NadoVenue 通过WebSocket维护本地订单簿并接收成交流，
// 下单/撤单/查询走引擎HTTP接口。实现 Venue 接口。
type NadoVenue struct {
	cfg    NadoConfig
	signer Signer
	log    *logger.Logger

	httpClient *http.Client
	limiter    RateLimiter
	dialer     *websocket.Dialer

	conn   *websocket.Conn
	connMu sync.Mutex // 串行化WS写

	// 本地订单簿缓存（原始价格串 -> 数量串），0数量表示删除
	bookMu  sync.RWMutex
	bids    map[string]string
	asks    map[string]string
	topBook Book

	fills     chan FillEvent
	stopChan  chan struct{}
	doneChan  chan struct{}
	connected bool
}

// NewNadoVenue 创建Nado交易所客户端
func NewNadoVenue(cfg NadoConfig, signer Signer, limiter RateLimiter, log *logger.Logger) (*NadoVenue, error) {
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	if cfg.WSURL == "" || cfg.EngineURL == "" {
		return nil, fmt.Errorf("ws_url and engine_url are required")
	}
	if signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.FillBuffer <= 0 {
		cfg.FillBuffer = 256
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}

	return &NadoVenue{
		cfg:        cfg,
		signer:     signer,
		log:        log,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		limiter:    limiter,
		dialer:     websocket.DefaultDialer,
		bids:       make(map[string]string),
		asks:       make(map[string]string),
		fills:      make(chan FillEvent, cfg.FillBuffer),
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}, nil
}

// SetHTTPClient 注入HTTP客户端（测试用httptest）
func (n *NadoVenue) SetHTTPClient(c *http.Client) {
	n.httpClient = c
}

// Connect 建立WS连接、认证并订阅深度与成交流
func (n *NadoVenue) Connect(ctx context.Context) error {
	conn, _, err := n.dialer.DialContext(ctx, n.cfg.WSURL, nil)
	if err != nil {
		return fmt.Errorf("dial ws: %w", err)
	}
	n.conn = conn

	if err := n.authenticate(); err != nil {
		conn.Close()
		return fmt.Errorf("ws authenticate: %w", err)
	}

	// 订阅订单簿深度
	if err := n.writeJSON(map[string]interface{}{
		"method": "subscribe",
		"stream": map[string]interface{}{"type": "book_depth", "symbol": n.cfg.Symbol},
		"id":     100,
	}); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe book: %w", err)
	}

	// 订阅本账户成交
	if err := n.writeJSON(map[string]interface{}{
		"method": "subscribe",
		"stream": map[string]interface{}{"type": "fill", "subaccount": n.signer.Address()},
		"id":     101,
	}); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe fills: %w", err)
	}

	n.connected = true
	go n.readLoop()
	go n.pingLoop()

	n.log.Info("Nado venue connected",
		zap.String("symbol", n.cfg.Symbol),
		zap.String("ws_url", n.cfg.WSURL))
	return nil
}

func (n *NadoVenue) authenticate() error {
	expiration := time.Now().Add(time.Minute).UnixMilli()
	payload := fmt.Sprintf("%s:%d", n.signer.Address(), expiration)
	sig, err := n.signer.Sign([]byte(payload))
	if err != nil {
		return err
	}
	return n.writeJSON(map[string]interface{}{
		"method":     "authenticate",
		"id":         1,
		"sender":     n.signer.Address(),
		"expiration": strconv.FormatInt(expiration, 10),
		"signature":  sig,
	})
}

func (n *NadoVenue) writeJSON(v interface{}) error {
	n.connMu.Lock()
	defer n.connMu.Unlock()
	if n.conn == nil {
		return ErrNotConnected
	}
	return n.conn.WriteJSON(v)
}

// pingLoop 保持WS连接活性
func (n *NadoVenue) pingLoop() {
	ticker := time.NewTicker(n.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopChan:
			return
		case <-ticker.C:
			n.connMu.Lock()
			if n.conn != nil {
				_ = n.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
			n.connMu.Unlock()
		}
	}
}

type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type depthPayload struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
}

type fillPayload struct {
	FillID      string `json:"fill_id"`
	OrderDigest string `json:"order_digest"`
	IsBid       bool   `json:"is_bid"`
	FilledQty   string `json:"filled_qty"`
	Price       string `json:"price"`
}

// readLoop 消费WS消息：深度增量更新本地簿，成交转发到有序通道。
// fills由本goroutine在退出时关闭，投递与关闭不会竞争。
func (n *NadoVenue) readLoop() {
	defer close(n.doneChan)
	defer close(n.fills)
	for {
		select {
		case <-n.stopChan:
			return
		default:
		}

		_, raw, err := n.conn.ReadMessage()
		if err != nil {
			select {
			case <-n.stopChan:
			default:
				n.log.Error("ws read failed", zap.Error(err))
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "ping":
			_ = n.writeJSON(map[string]string{"type": "pong"})
		case "book_depth":
			n.handleDepth(msg.Data)
		case "fill":
			n.handleFill(msg.Data)
		}
	}
}

func (n *NadoVenue) handleDepth(data json.RawMessage) {
	var d depthPayload
	if err := json.Unmarshal(data, &d); err != nil {
		return
	}
	n.bookMu.Lock()
	applyDepthSide(n.bids, d.Bids)
	applyDepthSide(n.asks, d.Asks)
	n.recalcTopLocked()
	n.bookMu.Unlock()
}

func applyDepthSide(book map[string]string, levels [][]string) {
	for _, lvl := range levels {
		if len(lvl) < 2 {
			continue
		}
		price, size := lvl[0], lvl[1]
		if size == "0" || size == "0.0" {
			delete(book, price)
		} else {
			book[price] = size
		}
	}
}

// recalcTopLocked 重算顶档，调用方需持有bookMu
func (n *NadoVenue) recalcTopLocked() {
	bestBid := topPrice(n.bids, true)
	bestAsk := topPrice(n.asks, false)

	book := Book{Symbol: n.cfg.Symbol, BestBid: bestBid, BestAsk: bestAsk}
	if bestBid > 0 && bestAsk > 0 {
		book.Mid = (bestBid + bestAsk) / 2
	}
	n.topBook = book
}

func topPrice(book map[string]string, highest bool) float64 {
	prices := make([]float64, 0, len(book))
	for p := range book {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			continue
		}
		prices = append(prices, v/nadoScale)
	}
	if len(prices) == 0 {
		return 0
	}
	sort.Float64s(prices)
	if highest {
		return prices[len(prices)-1]
	}
	return prices[0]
}

func (n *NadoVenue) handleFill(data json.RawMessage) {
	var f fillPayload
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}
	size := parseScaled(f.FilledQty)
	price := parseScaled(f.Price)
	if size <= 0 || price <= 0 {
		return
	}
	side := SideSell
	if f.IsBid {
		side = SideBuy
	}
	ev := FillEvent{
		TradeID: f.FillID,
		OrderID: f.OrderDigest,
		Side:    side,
		Price:   price,
		Size:    size,
	}
	// 阻塞投递保证顺序；消费端停止后经stopChan退出
	select {
	case n.fills <- ev:
	case <-n.stopChan:
	}
}

func parseScaled(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v / nadoScale
}

// OrderBook 返回本地缓存的订单簿顶部快照
func (n *NadoVenue) OrderBook(symbol string) (Book, error) {
	n.bookMu.RLock()
	defer n.bookMu.RUnlock()
	return n.topBook, nil
}

// Fills 返回有序成交事件通道
func (n *NadoVenue) Fills() <-chan FillEvent {
	return n.fills
}

type placeRequest struct {
	Symbol     string `json:"symbol"`
	Price      string `json:"price"`
	Amount     string `json:"amount"` // 带符号，按1e18缩放
	PostOnly   bool   `json:"post_only"`
	Subaccount string `json:"subaccount"`
	Nonce      int64  `json:"nonce"`
	Signature  string `json:"signature"`
}

type placeResponse struct {
	Digest string `json:"digest"`
	Error  string `json:"error"`
}

// PlaceOrder 提交限价/只挂单订单，返回交易所digest
func (n *NadoVenue) PlaceOrder(ctx context.Context, o Order) (string, error) {
	if !n.connected {
		return "", ErrNotConnected
	}
	if o.Size <= 0 || o.Price <= 0 {
		return "", fmt.Errorf("invalid order price=%f size=%f", o.Price, o.Size)
	}

	signed := o.Size
	if o.Side == SideSell {
		signed = -o.Size
	}
	nonce := time.Now().UnixNano()
	req := placeRequest{
		Symbol:     o.Symbol,
		Price:      formatScaled(o.Price),
		Amount:     formatScaled(signed),
		PostOnly:   o.Type == TypePostOnly,
		Subaccount: n.signer.Address(),
		Nonce:      nonce,
	}
	sig, err := n.signer.Sign([]byte(fmt.Sprintf("%s:%s:%s:%d", req.Symbol, req.Price, req.Amount, nonce)))
	if err != nil {
		return "", fmt.Errorf("sign order: %w", err)
	}
	req.Signature = sig

	var resp placeResponse
	status, err := n.postJSON(ctx, n.cfg.EngineURL+"/orders", req, &resp)
	if err != nil {
		return "", err
	}
	if status >= 400 || resp.Error != "" {
		reason := resp.Error
		if reason == "" {
			reason = fmt.Sprintf("status %d", status)
		}
		return "", &RejectedError{Reason: reason}
	}
	if resp.Digest == "" {
		return "", fmt.Errorf("empty digest in place response")
	}
	return resp.Digest, nil
}

type cancelRequest struct {
	Symbol     string `json:"symbol"`
	Digest     string `json:"digest"`
	Subaccount string `json:"subaccount"`
	Signature  string `json:"signature"`
}

type cancelResponse struct {
	Error string `json:"error"`
}

// CancelOrder 撤单。订单已不存在时视为成功。
func (n *NadoVenue) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if !n.connected {
		return ErrNotConnected
	}
	req := cancelRequest{
		Symbol:     symbol,
		Digest:     orderID,
		Subaccount: n.signer.Address(),
	}
	sig, err := n.signer.Sign([]byte(symbol + ":" + orderID))
	if err != nil {
		return fmt.Errorf("sign cancel: %w", err)
	}
	req.Signature = sig

	var resp cancelResponse
	status, err := n.postJSON(ctx, n.cfg.EngineURL+"/orders/cancel", req, &resp)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound || strings.Contains(strings.ToLower(resp.Error), "not found") {
		// 幂等：目标订单已消失
		return nil
	}
	if status >= 400 || resp.Error != "" {
		return fmt.Errorf("cancel %s: %s (status %d)", orderID, resp.Error, status)
	}
	return nil
}

type positionResponse struct {
	Size       string `json:"size"`
	EntryPrice string `json:"entry_price"`
}

// Position 查询当前持仓；无持仓返回nil
func (n *NadoVenue) Position(ctx context.Context, symbol string) (*Position, error) {
	if !n.connected {
		return nil, ErrNotConnected
	}
	var resp positionResponse
	status, err := n.postJSON(ctx, n.cfg.EngineURL+"/positions", map[string]string{
		"symbol":     symbol,
		"subaccount": n.signer.Address(),
	}, &resp)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status >= 400 {
		return nil, fmt.Errorf("position query status %d", status)
	}
	size := parseScaled(resp.Size)
	if size == 0 {
		return nil, nil
	}
	return &Position{
		Symbol:     symbol,
		Size:       size,
		EntryPrice: parseScaled(resp.EntryPrice),
	}, nil
}

type balanceResponse struct {
	Equity string `json:"equity"`
}

// Balance 查询账户权益
func (n *NadoVenue) Balance(ctx context.Context) (float64, error) {
	if !n.connected {
		return 0, ErrNotConnected
	}
	var resp balanceResponse
	status, err := n.postJSON(ctx, n.cfg.EngineURL+"/subaccount", map[string]string{
		"subaccount": n.signer.Address(),
	}, &resp)
	if err != nil {
		return 0, err
	}
	if status >= 400 {
		return 0, fmt.Errorf("balance query status %d", status)
	}
	return parseScaled(resp.Equity), nil
}

type matchesRequest struct {
	Matches struct {
		Subaccounts []string `json:"subaccounts"`
		Limit       int      `json:"limit"`
	} `json:"matches"`
}

type matchRecord struct {
	BaseFilled  string `json:"base_filled"`
	QuoteFilled string `json:"quote_filled"`
	Price       string `json:"price"`
	Balance     string `json:"balance"`
}

type matchesResponse struct {
	Matches []matchRecord `json:"matches"`
}

// TradeHistory 从indexer拉取历史成交，时间倒序
func (n *NadoVenue) TradeHistory(ctx context.Context, symbol string, limit int) ([]TradeRecord, error) {
	if n.cfg.IndexerURL == "" {
		return nil, fmt.Errorf("indexer_url not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	var req matchesRequest
	req.Matches.Subaccounts = []string{n.signer.Address()}
	req.Matches.Limit = limit

	var resp matchesResponse
	status, err := n.postJSON(ctx, n.cfg.IndexerURL, req, &resp)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, fmt.Errorf("trade history status %d", status)
	}

	records := make([]TradeRecord, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		records = append(records, TradeRecord{
			BaseFilled:  parseScaledSigned(m.BaseFilled),
			QuoteFilled: parseScaledSigned(m.QuoteFilled),
			Price:       parseScaled(m.Price),
			Balance:     parseScaledSigned(m.Balance),
		})
	}
	return records, nil
}

func parseScaledSigned(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v / nadoScale
}

func formatScaled(v float64) string {
	return strconv.FormatFloat(math.Round(v*nadoScale), 'f', 0, 64)
}

// postJSON 带限流与超时的JSON POST
func (n *NadoVenue) postJSON(ctx context.Context, url string, body, out interface{}) (int, error) {
	if n.limiter != nil {
		if err := n.limiter.Wait(ctx); err != nil {
			return 0, err
		}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if out != nil && len(data) > 0 {
		// 错误响应可能不是合法JSON，忽略解析失败
		_ = json.Unmarshal(data, out)
	}
	return resp.StatusCode, nil
}

// Close 停止读循环并关闭连接。Fills通道由读循环退出时关闭。
func (n *NadoVenue) Close() error {
	select {
	case <-n.stopChan:
		return nil // 已关闭
	default:
		close(n.stopChan)
	}
	n.connMu.Lock()
	if n.conn != nil {
		_ = n.conn.Close()
	}
	n.connMu.Unlock()

	if n.connected {
		select {
		case <-n.doneChan:
		case <-time.After(5 * time.Second):
			n.log.Warn("Timeout waiting for ws read loop to exit")
		}
	} else {
		// 读循环从未启动：没有投递方，这里直接关闭
		close(n.fills)
	}
	n.connected = false
	return nil
}
