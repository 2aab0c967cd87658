package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"nado-grid-bot/infrastructure/logger"
)

// HyperliquidClient 仅用于辅助数据（K线）与可选的taker对冲单。
// 实现 CandleSource。
type HyperliquidClient struct {
	APIURL     string
	HTTPClient *http.Client
	log        *logger.Logger
}

// NewHyperliquidClient 创建Hyperliquid客户端
func NewHyperliquidClient(apiURL string, log *logger.Logger) *HyperliquidClient {
	return &HyperliquidClient{
		APIURL:     apiURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		log:        log,
	}
}

type candleSnapshotRequest struct {
	Type string            `json:"type"`
	Req  candleSnapshotReq `json:"req"`
}

type candleSnapshotReq struct {
	Coin      string `json:"coin"`
	Interval  string `json:"interval"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime"`
}

type rawCandle struct {
	High  string `json:"h"`
	Low   string `json:"l"`
	Close string `json:"c"`
}

var intervalMillis = map[string]int64{
	"1m":  60_000,
	"5m":  300_000,
	"15m": 900_000,
	"1h":  3_600_000,
}

// Candles 拉取K线快照，oldest-first
func (h *HyperliquidClient) Candles(ctx context.Context, symbol, interval string, count int) ([]Candle, error) {
	ms, ok := intervalMillis[interval]
	if !ok {
		ms = intervalMillis["5m"]
	}
	end := time.Now().UnixMilli()
	start := end - ms*int64(count)

	body, err := json.Marshal(candleSnapshotRequest{
		Type: "candleSnapshot",
		Req: candleSnapshotReq{
			Coin:      symbol,
			Interval:  interval,
			StartTime: start,
			EndTime:   end,
		},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.APIURL+"/info", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("candle fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("candle fetch status %d", resp.StatusCode)
	}

	var raw []rawCandle
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode candles: %w", err)
	}

	candles := make([]Candle, 0, len(raw))
	for _, c := range raw {
		candles = append(candles, Candle{
			High:  parseDecimal(c.High),
			Low:   parseDecimal(c.Low),
			Close: parseDecimal(c.Close),
		})
	}
	return candles, nil
}

type hedgeOrderRequest struct {
	Coin  string `json:"coin"`
	IsBuy bool   `json:"is_buy"`
	Price string `json:"price"`
	Size  string `json:"size"`
	TIF   string `json:"tif"`
}

// PlaceHedge 以IOC限价单在对冲所反向吃单；返回是否成交提交成功。
// 价格加滑点保护：买单上浮5%，卖单下调5%。
func (h *HyperliquidClient) PlaceHedge(ctx context.Context, symbol string, side Side, size, refPrice float64) error {
	price := refPrice * 0.95
	if side == SideBuy {
		price = refPrice * 1.05
	}
	body, err := json.Marshal(hedgeOrderRequest{
		Coin:  symbol,
		IsBuy: side == SideBuy,
		Price: strconv.FormatFloat(price, 'f', -1, 64),
		Size:  strconv.FormatFloat(size, 'f', -1, 64),
		TIF:   "Ioc",
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.APIURL+"/exchange", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("hedge order: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("hedge order status %d", resp.StatusCode)
	}

	h.log.Info("Hedge order submitted",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("size", size),
		zap.Float64("price", price))
	return nil
}

func parseDecimal(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
