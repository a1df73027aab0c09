package main

import (
	"binance-hedge-bot-go/internal/alert"
	"binance-hedge-bot-go/internal/arbiter"
	"binance-hedge-bot-go/internal/clock"
	"binance-hedge-bot-go/internal/config"
	"binance-hedge-bot-go/internal/dedup"
	"binance-hedge-bot-go/internal/exchange"
	"binance-hedge-bot-go/internal/logger"
	"binance-hedge-bot-go/internal/marketdata"
	"binance-hedge-bot-go/internal/models"
	"binance-hedge-bot-go/internal/orchestrator"
	"binance-hedge-bot-go/internal/persistence"
	"binance-hedge-bot-go/internal/position"
	"binance-hedge-bot-go/internal/reporter"
	"binance-hedge-bot-go/internal/risk"
	"binance-hedge-bot-go/internal/statemanager"
	"binance-hedge-bot-go/internal/strategy"
	"binance-hedge-bot-go/internal/tradelog"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "", "running mode: sim or live (overrides the config file)")
	report := flag.Bool("report", false, "print the dashboard and trade log, then exit")
	flag.Parse()

	// 加载配置前先用默认配置初始化日志
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	// --- 加载 JSON 配置 ---
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}
	if *mode != "" {
		cfg.Mode = *mode
		if err := config.Validate(cfg); err != nil {
			logger.S().Fatalf("配置校验失败: %v", err)
		}
	}
	runMode, err := models.ParseMode(cfg.Mode)
	if err != nil {
		logger.S().Fatal(err)
	}

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	if *report {
		runReport(cfg)
		return
	}
	run(cfg, runMode, *configPath)
}

// run 启动编排器并阻塞到收到退出信号
func run(cfg *models.Config, mode models.Mode, configPath string) {
	logger.S().Infof("--- 启动 %s 模式, 交易对 %v, 周期 %v ---", mode, cfg.Symbols, cfg.Timeframes)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, err := persistence.NewBadgerRepository(cfg.DBPath)
	if err != nil {
		logger.S().Fatalf("无法打开账本数据库: %v", err)
	}
	defer repo.Close()

	trades, err := tradelog.Open(cfg.TradeLogPath)
	if err != nil {
		logger.S().Fatalf("无法打开成交日志: %v", err)
	}
	defer trades.Close()

	positions := position.NewLedger(repo, logger.L())
	if err := positions.Load(); err != nil {
		logger.S().Fatalf("无法加载持仓组: %v", err)
	}

	// 当日亏损从成交日志恢复, 重启不会清零
	daily := risk.NewDailyLossTracker(nil)
	if pnl, err := trades.RealizedPnLSince(risk.StartOfDay(time.Now())); err != nil {
		logger.S().Warnf("无法从成交日志恢复当日盈亏: %v", err)
	} else {
		daily.Seed(pnl)
	}

	initial, err := repo.LoadState()
	if err != nil {
		logger.S().Warnf("无法加载仪表盘状态: %v，将以全新状态启动。", err)
	}
	sm := statemanager.NewStateManager(initial, repo, logger.L())
	sm.Start()
	defer sm.Stop()
	for _, g := range positions.Groups() {
		sm.RecordGroup(g)
	}
	alerts := alert.NewDispatcher(logger.L(), sm)

	ex := newExchange(ctx, cfg, mode, repo, positions)

	cache := marketdata.NewCache(cfg.MarketData.KlineLimit)
	fetcher := marketdata.NewFetcher(cfg.MarketData.RestURL, cfg.MarketData.KlineLimit, logger.L())
	if err := fetcher.Refresh(ctx, cache, cfg.Symbols, cfg.Timeframes); err != nil {
		logger.S().Warnf("初始K线加载不完整: %v", err)
	}
	if cfg.MarketData.UseStream {
		stream := marketdata.NewStream(cfg.MarketData.WSURL, cfg.Symbols, cfg.Timeframes, cache,
			time.Duration(cfg.MarketData.PingIntervalSec)*time.Second,
			time.Duration(cfg.MarketData.PongTimeoutSec)*time.Second,
			logger.L())
		go stream.Run(ctx)
	}

	signals, err := strategy.NewSet(strategy.NewRegistry(), cfg.Strategies)
	if err != nil {
		logger.S().Fatalf("策略配置错误: %v", err)
	}

	orch, err := orchestrator.New(cfg, mode, cfg.MarketData.UseStream, orchestrator.Deps{
		Cache:     cache,
		Refresher: fetcher,
		Producer:  signals,
		Arbiter:   arbiter.New(cfg.Eligibility),
		Dedup:     dedup.NewLedger(repo, logger.L()),
		Positions: positions,
		Exchange:  ex,
		TradeLog:  trades,
		DailyLoss: daily,
		Dashboard: sm,
		Alerts:    alerts,
		Logger:    logger.L(),
	})
	if err != nil {
		logger.S().Fatalf("初始化编排器失败: %v", err)
	}

	// SIGINT/SIGTERM 优雅退出, SIGHUP 热加载风控配置
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigs {
			if sig == syscall.SIGHUP {
				reloadRisk(orch, configPath)
				continue
			}
			logger.S().Infof("收到信号 %s，正在退出...", sig)
			cancel()
			return
		}
	}()

	go statusLoop(ctx, sm, 15*time.Minute)

	clk := clock.New(cfg.Clock, logger.L())
	if err := clk.Run(ctx, orch.HandleTick); err != nil && !errors.Is(err, context.Canceled) {
		logger.S().Errorf("时钟异常退出: %v", err)
	}
	logger.S().Info("机器人已停止。")
}

func newExchange(ctx context.Context, cfg *models.Config, mode models.Mode,
	store persistence.AccountStore, positions *position.Ledger) exchange.Exchange {
	if mode == models.ModeSim {
		sim, err := exchange.NewSimExchange(cfg.Execution, []string{cfg.MarketData.RestURL, cfg.MarketData.WSURL}, logger.L())
		if err != nil {
			logger.S().Fatalf("初始化模拟盘失败: %v", err)
		}
		// 模拟账户随账本一起恢复, 否则重启后平仓会被拒
		if err := sim.Attach(store, positions.Groups()); err != nil {
			logger.S().Fatalf("恢复模拟账户失败: %v", err)
		}
		logger.S().Infof("模拟盘已就绪, 配置初始资金 %.2f USDT", cfg.Execution.InitialBalance)
		return sim
	}

	apiKey := os.Getenv("BINANCE_API_KEY")
	secretKey := os.Getenv("BINANCE_SECRET_KEY")
	if apiKey == "" || secretKey == "" {
		logger.S().Fatal("错误：BINANCE_API_KEY 和 BINANCE_SECRET_KEY 环境变量必须被设置。")
	}
	live, err := exchange.NewLiveExchange(ctx, apiKey, secretKey, cfg.MarketData.RestURL, logger.L())
	if err != nil {
		logger.S().Fatalf("初始化交易所失败: %v", err)
	}
	if err := live.Prepare(ctx, cfg.Symbols); err != nil {
		logger.S().Fatalf("交易所账户准备失败: %v", err)
	}
	if !cfg.Risk.LiveTradingAllowed {
		logger.S().Warn("live_trading_allowed 未开启, 所有订单都会被风控拦截。")
	}
	return live
}

// statusLoop 定期打印各交易对的对冲组状态
func statusLoop(ctx context.Context, sm *statemanager.StateManager, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state := sm.GetStateSnapshot()
			for _, s := range persistence.SortedSymbols(state.Groups) {
				g := state.Groups[s]
				pending := "none"
				if g.Pending != nil {
					pending = fmt.Sprintf("%s/%s", g.Pending.Kind, g.Pending.Status)
				}
				logger.S().Infof("状态 %s: %s, 挂起: %s", s, g.State(), pending)
			}
		}
	}
}

// reloadRisk 重新读取配置文件, 只替换风控部分
func reloadRisk(orch *orchestrator.Orchestrator, configPath string) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.S().Errorf("热加载配置失败, 保持原配置: %v", err)
		return
	}
	if err := orch.SetRiskConfig(cfg.Risk); err != nil {
		logger.S().Errorf("风控配置无效, 保持原配置: %v", err)
	}
}

// runReport 输出持久化的仪表盘状态和最近的成交日志
func runReport(cfg *models.Config) {
	repo, err := persistence.NewBadgerRepository(cfg.DBPath)
	if err != nil {
		logger.S().Fatalf("无法打开账本数据库: %v", err)
	}
	defer repo.Close()

	state, err := repo.LoadState()
	if err != nil {
		logger.S().Fatalf("无法加载仪表盘状态: %v", err)
	}
	trades, err := tradelog.Open(cfg.TradeLogPath)
	if err != nil {
		logger.S().Fatalf("无法打开成交日志: %v", err)
	}
	defer trades.Close()

	recent, err := trades.Recent(200)
	if err != nil {
		logger.S().Fatalf("无法读取成交日志: %v", err)
	}
	reporter.Report(os.Stdout, state, recent)
}
