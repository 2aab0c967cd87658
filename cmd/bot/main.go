package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"nado-grid-bot/config"
	"nado-grid-bot/gateway"
	"nado-grid-bot/infrastructure/alert"
	"nado-grid-bot/infrastructure/logger"
	"nado-grid-bot/internal/engine"
	"nado-grid-bot/inventory"
	"nado-grid-bot/market"
	"nado-grid-bot/metrics"
	"nado-grid-bot/order"
	"nado-grid-bot/risk"
	"nado-grid-bot/strategy"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	restRate := flag.Float64("restRate", 5, "REST限流：每秒令牌数")
	restBurst := flag.Int("restBurst", 10, "REST限流：最大突发令牌数")
	flag.Parse()

	// .env 可选，缺失时完全依赖进程环境
	_ = godotenv.Load()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logg, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logg.Close()

	logg.Info("Nado grid bot starting",
		zap.String("env", cfg.Env),
		zap.String("symbol", cfg.Symbol.Name))

	m := metrics.New()
	if cfg.Metrics.Enabled {
		go func() {
			logg.Info("Metrics listening", zap.String("addr", cfg.Metrics.Addr))
			if err := m.Serve(cfg.Metrics.Addr); err != nil {
				logg.Error("Metrics server exited", zap.Error(err))
			}
		}()
	}

	signer, err := gateway.NewHMACSigner(cfg.Venue.Subaccount, cfg.Venue.PrivateKey)
	if err != nil {
		logg.Fatal("Init signer failed (set venue.subaccount and NADO_PRIVATE_KEY)", zap.Error(err))
	}

	venue, err := gateway.NewNadoVenue(gateway.NadoConfig{
		Symbol:         cfg.Symbol.Name,
		WSURL:          cfg.Venue.WSURL,
		EngineURL:      cfg.Venue.EngineURL,
		IndexerURL:     cfg.Venue.IndexerURL,
		RequestTimeout: time.Duration(cfg.Venue.RequestTimeoutMs) * time.Millisecond,
		FillBuffer:     cfg.Venue.FillBuffer,
		PingInterval:   time.Duration(cfg.Venue.PingIntervalSec) * time.Second,
	}, signer, gateway.NewTokenBucketLimiter(*restRate, *restBurst), logg)
	if err != nil {
		logg.Fatal("Init venue failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := venue.Connect(ctx); err != nil {
		logg.Fatal("Venue connect failed", zap.Error(err))
	}

	// 冷启动仓位恢复
	tracker := inventory.NewTracker()
	if err := tracker.Bootstrap(ctx, venue, cfg.Symbol.Name, cfg.Engine.HistoryLimit, logg); err != nil {
		logg.Fatal("Position bootstrap failed", zap.Error(err))
	}

	grid, err := strategy.NewGenerator(cfg.Symbol.Name, gridConfig(cfg))
	if err != nil {
		logg.Fatal("Init grid failed", zap.Error(err))
	}

	book := order.NewActiveBook()
	reconciler := order.NewReconciler(order.ReconcilerConfig{
		Symbol:         cfg.Symbol.Name,
		SizeTolerance:  cfg.Engine.SizeTolerance,
		Deadband:       cfg.Engine.Deadband,
		Chase:          cfg.Engine.Chase,
		SafetyDistance: cfg.Engine.SafetyDistance,
		StaleAfter:     time.Duration(cfg.Engine.StaleAfterMin) * time.Minute,
	}, venue, book, logg)
	sweeper := order.NewSweeper(cfg.Symbol.Name,
		time.Duration(cfg.Engine.SweepMaxAgeMin)*time.Minute, venue, book, logg)

	breaker, err := risk.NewEquityBreaker(risk.BreakerConfig{
		DrawdownThreshold: cfg.Risk.DrawdownThreshold,
		Cooldown:          time.Duration(cfg.Risk.CooldownMinutes) * time.Minute,
		CheckInterval:     time.Duration(cfg.Risk.CheckIntervalSec) * time.Second,
	}, venue, logg)
	if err != nil {
		logg.Fatal("Init breaker failed", zap.Error(err))
	}

	alertMgr, tgChannel := buildAlerts(cfg, logg)

	var hedger *gateway.HyperliquidClient
	var candles gateway.CandleSource
	if cfg.Hedge.APIURL != "" {
		hl := gateway.NewHyperliquidClient(cfg.Hedge.APIURL, logg)
		candles = hl
		if cfg.Hedge.Enabled {
			hedger = hl
		}
	}

	jitterMin, jitterMax := cfg.Engine.JitterBounds()
	eng, err := engine.New(engine.Config{
		Symbol:            cfg.Symbol.Name,
		JitterMin:         jitterMin,
		JitterMax:         jitterMax,
		VolRefresh:        time.Duration(cfg.Engine.VolRefreshSec) * time.Second,
		VolInterval:       cfg.Strategy.ATRInterval,
		VolCandles:        cfg.Strategy.ATRCandles,
		SweepInterval:     time.Duration(cfg.Engine.SweepIntervalMs) * time.Millisecond,
		MaxTickAge:        time.Duration(cfg.Engine.MaxTickAgeSec) * time.Second,
		HedgeEnabled:      cfg.Hedge.Enabled,
		HedgeSymbol:       cfg.Hedge.Symbol,
		HedgeThresholdUSD: cfg.Hedge.ThresholdUSD,
	}, engine.Components{
		Venue:      venue,
		Candles:    candles,
		Grid:       grid,
		VolMult:    market.NewVolMultiplier(cfg.Strategy.ATRPeriod, cfg.Strategy.LongSpreads[0], cfg.Strategy.VolMin, cfg.Strategy.VolMax),
		Inventory:  tracker,
		Book:       book,
		Reconciler: reconciler,
		Sweeper:    sweeper,
		Breaker:    breaker,
		Alerts:     alertMgr,
		Metrics:    m,
		Logger:     logg,
		Hedger:     hedger,
	})
	if err != nil {
		logg.Fatal("Init engine failed", zap.Error(err))
	}

	if err := eng.Start(ctx); err != nil {
		logg.Fatal("Engine start failed", zap.Error(err))
	}
	alertMgr.SendInfo("Grid bot started", map[string]interface{}{
		"symbol": cfg.Symbol.Name,
		"env":    cfg.Env,
	})

	var commander *alert.Commander
	if tgChannel != nil {
		commander = alert.NewCommander(tgChannel, eng, logg)
		commander.Start()
	}

	// 配置热更新：只允许策略参数在线调整，其余改动需要重启
	go func() {
		watcher := config.Watcher{Path: *cfgPath, Log: logg}
		err := watcher.Start(ctx, func(next config.AppConfig) {
			if err := grid.UpdateConfig(gridConfig(next)); err != nil {
				logg.Warn("Hot reload rejected", zap.Error(err))
				return
			}
			logg.Info("Strategy parameters updated")
		})
		if err != nil && ctx.Err() == nil {
			logg.Warn("Config watcher stopped", zap.Error(err))
		}
	}()

	go watchdogLoop(ctx, eng, logg)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logg.Info("Shutdown signal received", zap.String("signal", sig.String()))

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	cancel()
	if commander != nil {
		commander.Stop()
	}
	if err := eng.Stop(); err != nil {
		logg.Error("Engine stop failed", zap.Error(err))
	}
	alertMgr.SendInfo("Grid bot stopped", nil)
	logg.Info("Shutdown complete")
}

// gridConfig 把应用配置映射到策略参数
func gridConfig(cfg config.AppConfig) strategy.GridConfig {
	return strategy.GridConfig{
		LongSpreads:      cfg.Strategy.LongSpreads,
		ShortSpreads:     cfg.Strategy.ShortSpreads,
		OrderRatios:      cfg.Strategy.OrderRatios,
		OrderNotionalUSD: cfg.Strategy.OrderNotionalUSD,
		MaxPositionUSD:   cfg.Strategy.MaxPositionUSD,
		SkewMultiplier:   cfg.Strategy.SkewMultiplier,
		MinProfitSpread:  cfg.Strategy.MinProfitSpread,
		MinSpreadFloor:   cfg.Strategy.MinSpreadFloor,
		TickSize:         cfg.Symbol.TickSize,
		StepSize:         cfg.Symbol.StepSize,
		MinNotionalUSD:   cfg.Symbol.MinNotionalUSD,
	}
}

func buildAlerts(cfg config.AppConfig, logg *logger.Logger) (*alert.Manager, *alert.TelegramChannel) {
	channels := []alert.Channel{alert.NewLogChannel("log", os.Stdout)}

	var tg *alert.TelegramChannel
	if cfg.Alert.Telegram.Enabled {
		tg = alert.NewTelegramChannel("telegram", cfg.Alert.Telegram.Token, cfg.Alert.Telegram.ChatID)
		channels = append(channels, tg)
		logg.Info("Telegram alerts enabled")
	}

	return alert.NewManager(channels, time.Duration(cfg.Alert.ThrottleSec)*time.Second), tg
}

// watchdogLoop systemd看门狗：引擎健康才喂狗，卡死时由systemd重启进程
func watchdogLoop(ctx context.Context, eng *engine.Engine, logg *logger.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logg.Warn("sd_notify failed", zap.Error(err))
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		if sent {
			logg.Info("systemd watchdog not configured")
		}
		return
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if eng.IsHealthy() {
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			} else {
				logg.Error("Engine unhealthy, withholding watchdog keepalive")
			}
		}
	}
}
