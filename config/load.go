package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"nado-grid-bot/infrastructure/logger"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env      string         `yaml:"env"`
	Symbol   SymbolConfig   `yaml:"symbol"`
	Venue    VenueConfig    `yaml:"venue"`
	Hedge    HedgeConfig    `yaml:"hedge"`
	Strategy StrategyConfig `yaml:"strategy"`
	Risk     RiskConfig     `yaml:"risk"`
	Engine   EngineConfig   `yaml:"engine"`
	Log      logger.Config  `yaml:"log"`
	Alert    AlertConfig    `yaml:"alert"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// SymbolConfig 交易对精度与名义限制
type SymbolConfig struct {
	Name           string  `yaml:"name"`
	TickSize       float64 `yaml:"tickSize"`
	StepSize       float64 `yaml:"stepSize"`
	MinNotionalUSD float64 `yaml:"minNotionalUSD"`
}

// VenueConfig Nado接入配置。PrivateKey 只允许来自环境变量。
type VenueConfig struct {
	WSURL            string `yaml:"wsURL"`
	EngineURL        string `yaml:"engineURL"`
	IndexerURL       string `yaml:"indexerURL"`
	Subaccount       string `yaml:"subaccount"`
	PrivateKey       string `yaml:"-"`
	RequestTimeoutMs int    `yaml:"requestTimeoutMs"`
	FillBuffer       int    `yaml:"fillBuffer"`
	PingIntervalSec  int    `yaml:"pingIntervalSec"`
}

// HedgeConfig 对冲腿配置（Hyperliquid）
type HedgeConfig struct {
	Enabled      bool    `yaml:"enabled"`
	APIURL       string  `yaml:"apiURL"`
	Symbol       string  `yaml:"symbol"`
	ThresholdUSD float64 `yaml:"thresholdUSD"` // 净仓名义额超过该值触发对冲
}

// StrategyConfig 网格与波动率参数
type StrategyConfig struct {
	LongSpreads  []float64 `yaml:"longSpreads"`
	ShortSpreads []float64 `yaml:"shortSpreads"`
	OrderRatios  []float64 `yaml:"orderRatios"`

	OrderNotionalUSD float64 `yaml:"orderNotionalUSD"`
	MaxPositionUSD   float64 `yaml:"maxPositionUSD"`
	SkewMultiplier   float64 `yaml:"skewMultiplier"`
	MinProfitSpread  float64 `yaml:"minProfitSpread"`
	MinSpreadFloor   float64 `yaml:"minSpreadFloor"`

	ATRPeriod   int     `yaml:"atrPeriod"`
	ATRInterval string  `yaml:"atrInterval"`
	ATRCandles  int     `yaml:"atrCandles"`
	VolMin      float64 `yaml:"volMin"`
	VolMax      float64 `yaml:"volMax"`
}

// RiskConfig 回撤熔断参数
type RiskConfig struct {
	DrawdownThreshold float64 `yaml:"drawdownThreshold"`
	CooldownMinutes   int     `yaml:"cooldownMinutes"`
	CheckIntervalSec  int     `yaml:"checkIntervalSec"`
}

// EngineConfig 控制循环与对账参数
type EngineConfig struct {
	JitterMinMs   int `yaml:"jitterMinMs"`
	JitterMaxMs   int `yaml:"jitterMaxMs"`
	VolRefreshSec int `yaml:"volRefreshSec"`
	MaxTickAgeSec int `yaml:"maxTickAgeSec"`
	HistoryLimit  int `yaml:"historyLimit"`

	SizeTolerance   float64 `yaml:"sizeTolerance"`
	Deadband        float64 `yaml:"deadband"`
	Chase           bool    `yaml:"chase"`
	SafetyDistance  float64 `yaml:"safetyDistance"`
	StaleAfterMin   int     `yaml:"staleAfterMin"`
	SweepMaxAgeMin  int     `yaml:"sweepMaxAgeMin"`
	SweepIntervalMs int     `yaml:"sweepIntervalMs"`
}

// AlertConfig 告警配置
type AlertConfig struct {
	ThrottleSec int            `yaml:"throttleSec"`
	Telegram    TelegramConfig `yaml:"telegram"`
}

// TelegramConfig Telegram通道；Token与ChatID只允许来自环境变量
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"-"`
	ChatID  string `yaml:"-"`
}

// MetricsConfig 指标暴露配置
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then fills secrets from env vars.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("NADO_PRIVATE_KEY"); v != "" {
		cfg.Venue.PrivateKey = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Alert.Telegram.Token = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Alert.Telegram.ChatID = v
	}
	return cfg, Validate(cfg)
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Log.Level == "" {
		cfg.Log = logger.DefaultConfig()
	}
	if cfg.Engine.JitterMinMs == 0 {
		cfg.Engine.JitterMinMs = 1500
	}
	if cfg.Engine.JitterMaxMs == 0 {
		cfg.Engine.JitterMaxMs = 4000
	}
	if cfg.Engine.VolRefreshSec == 0 {
		cfg.Engine.VolRefreshSec = 60
	}
	if cfg.Engine.MaxTickAgeSec == 0 {
		cfg.Engine.MaxTickAgeSec = 60
	}
	if cfg.Engine.HistoryLimit == 0 {
		cfg.Engine.HistoryLimit = 200
	}
	if cfg.Engine.SizeTolerance == 0 {
		cfg.Engine.SizeTolerance = 0.05
	}
	if cfg.Engine.StaleAfterMin == 0 {
		cfg.Engine.StaleAfterMin = 5
	}
	if cfg.Engine.SweepMaxAgeMin == 0 {
		cfg.Engine.SweepMaxAgeMin = 15
	}
	if cfg.Risk.CooldownMinutes == 0 {
		cfg.Risk.CooldownMinutes = 30
	}
	if cfg.Risk.CheckIntervalSec == 0 {
		cfg.Risk.CheckIntervalSec = 30
	}
	if cfg.Alert.ThrottleSec == 0 {
		cfg.Alert.ThrottleSec = 300
	}
	if cfg.Strategy.ATRPeriod == 0 {
		cfg.Strategy.ATRPeriod = 14
	}
	if cfg.Strategy.ATRInterval == "" {
		cfg.Strategy.ATRInterval = "1m"
	}
	if cfg.Strategy.ATRCandles == 0 {
		cfg.Strategy.ATRCandles = 60
	}
	if cfg.Strategy.VolMin == 0 {
		cfg.Strategy.VolMin = 0.5
	}
	if cfg.Strategy.VolMax == 0 {
		cfg.Strategy.VolMax = 2.0
	}
	if cfg.Strategy.MinProfitSpread == 0 {
		cfg.Strategy.MinProfitSpread = 0.0003
	}
}

// Validate ensures required fields are present and coherent.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	if cfg.Symbol.Name == "" {
		return errors.New("symbol.name is required")
	}
	if cfg.Symbol.TickSize <= 0 {
		return errors.New("symbol.tickSize must be > 0")
	}
	if cfg.Symbol.StepSize <= 0 {
		return errors.New("symbol.stepSize must be > 0")
	}
	if cfg.Venue.WSURL == "" || cfg.Venue.EngineURL == "" {
		return errors.New("venue.wsURL and venue.engineURL are required")
	}
	if len(cfg.Strategy.LongSpreads) == 0 || len(cfg.Strategy.ShortSpreads) == 0 {
		return errors.New("strategy spread ladders are required")
	}
	if len(cfg.Strategy.OrderRatios) != len(cfg.Strategy.LongSpreads) ||
		len(cfg.Strategy.OrderRatios) != len(cfg.Strategy.ShortSpreads) {
		return errors.New("strategy.orderRatios length must match spread ladders")
	}
	for i, r := range cfg.Strategy.OrderRatios {
		if r <= 0 {
			return fmt.Errorf("strategy.orderRatios[%d] must be > 0", i)
		}
	}
	for i, s := range cfg.Strategy.LongSpreads {
		if s <= 0 {
			return fmt.Errorf("strategy.longSpreads[%d] must be > 0", i)
		}
	}
	for i, s := range cfg.Strategy.ShortSpreads {
		if s <= 0 {
			return fmt.Errorf("strategy.shortSpreads[%d] must be > 0", i)
		}
	}
	if cfg.Strategy.OrderNotionalUSD <= 0 {
		return errors.New("strategy.orderNotionalUSD must be > 0")
	}
	if cfg.Strategy.MaxPositionUSD <= 0 {
		return errors.New("strategy.maxPositionUSD must be > 0")
	}
	if cfg.Strategy.MinSpreadFloor <= 0 {
		return errors.New("strategy.minSpreadFloor must be > 0")
	}
	if cfg.Strategy.VolMax <= cfg.Strategy.VolMin {
		return errors.New("strategy.volMax must be > volMin")
	}
	if cfg.Risk.DrawdownThreshold <= 0 || cfg.Risk.DrawdownThreshold >= 1 {
		return errors.New("risk.drawdownThreshold must be in (0, 1)")
	}
	if cfg.Engine.JitterMinMs <= 0 || cfg.Engine.JitterMaxMs < cfg.Engine.JitterMinMs {
		return errors.New("engine jitter bounds are invalid")
	}
	if cfg.Hedge.Enabled {
		if cfg.Hedge.APIURL == "" || cfg.Hedge.Symbol == "" {
			return errors.New("hedge.apiURL and hedge.symbol are required when hedge is enabled")
		}
		if cfg.Hedge.ThresholdUSD <= 0 {
			return errors.New("hedge.thresholdUSD must be > 0 when hedge is enabled")
		}
	}
	if cfg.Alert.Telegram.Enabled {
		if cfg.Alert.Telegram.Token == "" || cfg.Alert.Telegram.ChatID == "" {
			return errors.New("telegram enabled but TELEGRAM_BOT_TOKEN/TELEGRAM_CHAT_ID not set")
		}
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return errors.New("metrics.addr is required when metrics is enabled")
	}
	return nil
}

// JitterBounds 控制循环休眠区间
func (c EngineConfig) JitterBounds() (time.Duration, time.Duration) {
	return time.Duration(c.JitterMinMs) * time.Millisecond,
		time.Duration(c.JitterMaxMs) * time.Millisecond
}
