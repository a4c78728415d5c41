package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"bot_simulator/config"
	"bot_simulator/internal/analysis"
	"bot_simulator/internal/convergence"
	"bot_simulator/internal/engine"
	"bot_simulator/internal/events"
	"bot_simulator/internal/exchange"
	"bot_simulator/internal/metrics"
	"bot_simulator/internal/models"
	"bot_simulator/internal/storage"
	"bot_simulator/internal/telegram"
	"bot_simulator/internal/web"
)

func main() {
	simulate := flag.Bool("simulate", false, "simulate one UTC day offline and exit")
	botID := flag.String("bot", "", "bot id from the bots file to simulate (default: first)")
	seed := flag.Int64("seed", 1, "random seed for -simulate")
	day := flag.String("day", "", "UTC day to simulate, YYYY-MM-DD (default: today)")
	from := flag.Duration("from", 0, "start the simulated bot this far into the day, e.g. 20h")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("🚀 Starting Bot Simulator...")

	cfg := config.Load()

	logger := newLogger(cfg.LogLevel)
	defer logger.Sync()

	specs, err := config.LoadBots(cfg.BotsFile)
	if err != nil {
		log.Fatalf("Failed to load bots: %v", err)
	}

	if *simulate {
		runSimulation(logger, cfg, specs, *botID, *seed, *day, *from)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sinks := events.Multi{events.NewZapSink(logger), metrics.NewSink()}

	book := exchange.NewPriceBook()
	trends := analysis.NewTrendClassifier()
	store := storage.NewFileStore(cfg.DataDir)

	// the notifier joins the sink list once it exists
	var notifier atomic.Pointer[telegram.Bot]
	sink := events.SinkFunc(func(e events.Event) {
		sinks.Emit(e)
		if tg := notifier.Load(); tg != nil {
			tg.Emit(e)
		}
	})

	manager := engine.NewManager(cfg, book, trends, store, sink)
	for _, spec := range specs {
		if _, err := manager.Create(spec); err != nil {
			log.Fatalf("Failed to create bot: %v", err)
		}
		log.Printf("🤖 Bot %s loaded (start=%v)", spec.ID, spec.Start)
	}

	symbols := manager.Symbols()
	snapshots := exchange.NewSnapshotClient(cfg.Market)
	if missing, err := exchange.Backfill(ctx, snapshots, book, symbols); err != nil {
		log.Printf("⚠️ Initial price snapshot failed: %v", err)
	} else if len(missing) > 0 {
		log.Printf("⚠️ No snapshot price for %v", missing)
	}

	feed := exchange.NewStreamFeed(exchange.StreamURL(cfg.StreamURL, cfg.Market, symbols), book, sink)
	go feed.Run(ctx)
	go exchange.RunSnapshots(ctx, snapshots, book, manager.Symbols, cfg.SnapshotEvery, sink)
	go manager.SampleTrends(ctx, cfg.TrendSampleEvery)

	webServer := web.NewServer(manager, feed, cfg.Port)
	webServer.Start()

	if cfg.TelegramToken != "" {
		tg, err := telegram.NewBot(cfg.TelegramToken, cfg.AuthorizedUserID, cfg.NotifyTrades, manager)
		if err != nil {
			log.Fatalf("Failed to create Telegram bot: %v", err)
		}
		notifier.Store(tg)
		go tg.Start()
		defer tg.Stop()
		log.Println("📱 Telegram bot is ready")
	} else {
		log.Println("⚠️ TELEGRAM_BOT_TOKEN not set, Telegram disabled")
	}

	log.Println("✅ All systems initialized")
	log.Printf("🌐 Web dashboard: http://localhost:%s\n", cfg.Port)

	<-ctx.Done()

	log.Println("🛑 Shutting down...")
	manager.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := webServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Web server shutdown: %v", err)
	}

	log.Println("👋 Goodbye!")
}

func newLogger(level string) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := zcfg.Build()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	return logger
}

func runSimulation(logger *zap.Logger, cfg *config.Config, specs []config.BotSpec, botID string, seed int64, day string, from time.Duration) {
	if len(specs) == 0 {
		log.Fatal("No bots configured")
	}
	spec := specs[0]
	if botID != "" {
		found := false
		for _, s := range specs {
			if s.ID == botID {
				spec, found = s, true
				break
			}
		}
		if !found {
			log.Fatalf("Bot %s not in bots file", botID)
		}
	}

	at := time.Now().UTC()
	if day != "" {
		t, err := time.Parse("2006-01-02", day)
		if err != nil {
			log.Fatalf("Invalid -day: %v", err)
		}
		at = t
	}

	// trade-level events are debug noise for a whole day
	simLogger := logger.WithOptions(zap.IncreaseLevel(zapcore.WarnLevel))
	res, err := engine.SimulateDay(engine.SimConfig{
		Profile:           spec.Profile,
		Seed:              seed,
		Day:               at,
		From:              from,
		PriceDeviationPct: cfg.PriceDeviationPct,
		Sink:              events.NewZapSink(simLogger),
	})
	if err != nil {
		log.Fatalf("Simulation failed: %v", err)
	}

	p := res.Progress
	log.Printf("📊 Simulated %s for %s (seed %d)", at.Format("2006-01-02"), spec.ID, seed)
	log.Printf("💰 P&L: %+.2f / %.2f USDT (%.1f%%), status %s", p.CurrentPnL, p.TargetPnL, p.PercentTarget, p.Status)
	log.Printf("📅 Trades: %d | Win rate: %.1f%% | Avg win %.2f | Avg loss %.2f",
		res.Stats.TotalTrades, res.Stats.WinRate, res.Stats.AvgProfit, res.Stats.AvgLoss)
	log.Printf("⏱️ Deferred closures: %d | Max closures in 30s: %d", res.Deferred, res.MaxClosuresInWindow)
	log.Printf("🧭 Ticks behind: %d | Micro-steering ticks: %d", res.Statuses[models.StatusBehind], res.Layers[convergence.LayerMicroSteering])
	if res.TargetMissed {
		log.Println("⚠️ Target missed")
		os.Exit(2)
	}
}
