package telegram

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v3"

	"bot_simulator/internal/engine"
	"bot_simulator/internal/events"
	"bot_simulator/internal/models"
)

const outboxSize = 64

type Bot struct {
	bot          *tele.Bot
	manager      *engine.Manager
	authorizedID int64
	notifyTrades bool
	startTime    time.Time

	outbox   chan string
	stopOnce sync.Once
	stopChan chan struct{}
}

func NewBot(token string, authorizedID int64, notifyTrades bool, manager *engine.Manager) (*Bot, error) {
	pref := tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	}

	b, err := tele.NewBot(pref)
	if err != nil {
		return nil, err
	}

	bot := &Bot{
		bot:          b,
		manager:      manager,
		authorizedID: authorizedID,
		notifyTrades: notifyTrades,
		startTime:    time.Now(),
		outbox:       make(chan string, outboxSize),
		stopChan:     make(chan struct{}),
	}

	bot.setupHandlers()
	return bot, nil
}

// Start polls for updates until Stop. Blocking.
func (b *Bot) Start() {
	log.Println("📱 Telegram bot started")
	go b.deliver()
	b.bot.Start()
}

func (b *Bot) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopChan)
		b.bot.Stop()
	})
}

func (b *Bot) setupHandlers() {
	// Middleware for authorization
	b.bot.Use(func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			if c.Sender() == nil || c.Sender().ID != b.authorizedID {
				return c.Send("⛔ Unauthorized")
			}
			return next(c)
		}
	})

	b.bot.Handle("/start", b.handleStart)
	b.bot.Handle("/bots", b.handleBots)
	b.bot.Handle("/progress", b.handleProgress)

	b.bot.Handle(&btnBots, b.handleBots)
	b.bot.Handle(&btnRefresh, b.handleBots)
	b.bot.Handle(&btnBack, b.handleStart)
	b.bot.Handle(&tele.Btn{Unique: uniqueStartBot}, b.handleStartBot)
	b.bot.Handle(&tele.Btn{Unique: uniqueStopBot}, b.handleStopBot)
	b.bot.Handle(&tele.Btn{Unique: uniqueProgress}, b.handleProgressButton)
}

const (
	uniqueStartBot = "start_bot"
	uniqueStopBot  = "stop_bot"
	uniqueProgress = "bot_progress"
)

var (
	btnBots    = tele.Btn{Text: "📊 Боты", Unique: "bots"}
	btnRefresh = tele.Btn{Text: "🔄 Обновить", Unique: "refresh"}
	btnBack    = tele.Btn{Text: "🔙 Назад", Unique: "back"}
)

func (b *Bot) handleStart(c tele.Context) error {
	bots := b.manager.List()
	running := 0
	for _, bot := range bots {
		if bot.IsRunning() {
			running++
		}
	}

	menu := &tele.ReplyMarkup{}
	rows := []tele.Row{menu.Row(btnBots)}
	for _, bot := range bots {
		toggle := menu.Data("▶️ "+bot.Name(), uniqueStartBot, bot.ID())
		if bot.IsRunning() {
			toggle = menu.Data("⏸️ "+bot.Name(), uniqueStopBot, bot.ID())
		}
		rows = append(rows, menu.Row(toggle, menu.Data("🎯 Прогресс", uniqueProgress, bot.ID())))
	}
	menu.Inline(rows...)

	msg := fmt.Sprintf(`🤖 *Симулятор торговых ботов*

🔄 Активных ботов: %d из %d
🕐 Время работы: %s

Выберите действие:`, running, len(bots), formatDuration(time.Since(b.startTime)))

	return c.Send(msg, menu, tele.ModeMarkdown)
}

func (b *Bot) handleBots(c tele.Context) error {
	stats := b.manager.Stats()
	if len(stats) == 0 {
		return c.Send("📋 Нет ботов")
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("📊 *Боты (%d)*\n\n", len(stats)))
	for _, s := range stats {
		sb.WriteString(formatStats(s))
		sb.WriteString("\n")
	}
	sb.WriteString(fmt.Sprintf("🕐 Обновлено: %s", time.Now().Format("15:04:05")))

	menu := &tele.ReplyMarkup{}
	menu.Inline(menu.Row(btnRefresh, btnBack))
	return c.Send(sb.String(), menu, tele.ModeMarkdown)
}

// handleProgress answers /progress <id>.
func (b *Bot) handleProgress(c tele.Context) error {
	args := c.Args()
	if len(args) == 0 {
		return c.Send("Использование: /progress <id>")
	}
	return b.sendProgress(c, args[0])
}

func (b *Bot) handleProgressButton(c tele.Context) error {
	c.Respond()
	return b.sendProgress(c, c.Data())
}

func (b *Bot) sendProgress(c tele.Context, id string) error {
	bot, err := b.manager.Get(id)
	if err != nil {
		return c.Send("❌ " + err.Error())
	}
	m := bot.Metrics()
	return c.Send(formatProgress(bot.Name(), bot.Progress(), m, bot.ActiveLayer()), tele.ModeMarkdown)
}

func (b *Bot) handleStartBot(c tele.Context) error {
	c.Respond()
	if err := b.manager.Start(c.Data()); err != nil {
		return c.Send("❌ " + err.Error())
	}
	return b.handleStart(c)
}

func (b *Bot) handleStopBot(c tele.Context) error {
	c.Respond()
	if err := b.manager.Stop(c.Data()); err != nil {
		return c.Send("❌ " + err.Error())
	}
	return b.handleStart(c)
}

// Emit queues notifications for the operator. It never blocks a bot tick;
// messages beyond the outbox capacity are dropped.
func (b *Bot) Emit(e events.Event) {
	msg := b.notification(e)
	if msg == "" {
		return
	}
	select {
	case b.outbox <- msg:
	default:
		log.Printf("⚠️ Telegram outbox full, dropping %s for %s", e.Kind, e.BotID)
	}
}

func (b *Bot) notification(e events.Event) string {
	switch e.Kind {
	case events.TargetReached, events.TargetMissed:
		return formatTargetEvent(e)
	case events.TradeClosed:
		if b.notifyTrades && e.Trade != nil {
			return formatTradeClose(e.BotID, e.Trade)
		}
	}
	return ""
}

func (b *Bot) deliver() {
	to := &tele.User{ID: b.authorizedID}
	for {
		select {
		case msg := <-b.outbox:
			if _, err := b.bot.Send(to, msg, tele.ModeMarkdown); err != nil {
				log.Printf("❌ Telegram send failed: %v", err)
			}
		case <-b.stopChan:
			return
		}
	}
}

func formatStats(s models.BotStats) string {
	status := "⏸️"
	if s.Running {
		status = "▶️"
	}
	plEmoji := "🟢"
	if s.TodayPL < 0 {
		plEmoji = "🔴"
	} else if s.TodayPL == 0 {
		plEmoji = "🟡"
	}
	return fmt.Sprintf(`%s *%s* (%s)
%s Сегодня: %+.2f USDT
💰 Всего: %+.2f USDT | Винрейт: %.1f%%
📋 Позиций: %d | Сделок: %d
🧭 Слой: %s
`, status, s.Name, s.ID, plEmoji, s.TodayPL, s.TotalPL, s.WinRate, s.OpenPositions, s.TotalTrades, s.ActiveLayer)
}

func formatProgress(name string, dp models.DailyProgress, m models.ConvergenceMetrics, layer string) string {
	statusText := map[models.ProgressStatus]string{
		models.StatusAhead:     "🚀 Опережение",
		models.StatusOnTrack:   "✅ По плану",
		models.StatusBehind:    "🐢 Отставание",
		models.StatusCompleted: "🏁 Цель достигнута",
	}[dp.Status]

	extra := ""
	if m.EmergencyMode {
		extra += "\n🚨 Аварийный режим"
	}
	if m.MicroSteeringActive {
		extra += "\n🎛️ Микро-коррекция"
	}

	return fmt.Sprintf(`🎯 *Прогресс: %s*

💰 P&L: %+.2f / %.2f USDT (%.1f%%)
🕐 День пройден: %.1f%%
📊 Статус: %s
📅 Сделок сегодня: %d | Осталось: %d
🧭 Слой: %s%s

💡 %s`,
		name, dp.CurrentPnL, dp.TargetPnL, dp.PercentTarget, dp.PercentComplete,
		statusText, dp.TradesToday, m.TradesRemaining, layer, extra, dp.Recommendation)
}

func formatTargetEvent(e events.Event) string {
	head := "🏁 *ЦЕЛЬ ДНЯ ДОСТИГНУТА*"
	if e.Kind == events.TargetMissed {
		head = "⚠️ *ЦЕЛЬ ДНЯ НЕДОСТИЖИМА*"
	}
	msg := fmt.Sprintf("%s\n\n🤖 Бот: %s", head, e.BotID)
	if dp := e.Progress; dp != nil {
		msg += fmt.Sprintf("\n💰 P&L: %+.2f / %.2f USDT (%.1f%%)\n📅 Сделок: %d",
			dp.CurrentPnL, dp.TargetPnL, dp.PercentTarget, dp.TradesToday)
	}
	if e.Message != "" {
		msg += "\n💬 " + e.Message
	}
	return msg + "\n\n⏰ " + e.Time.Format("15:04:05")
}

func formatTradeClose(botID string, trade *models.Trade) string {
	emoji := "✅"
	plEmoji := "💚"
	if trade.RealizedPL < 0 {
		emoji = "⚠️"
		plEmoji = "❤️"
	}
	sideEmoji := "📈"
	if trade.Side == models.SideShort {
		sideEmoji = "📉"
	}

	return fmt.Sprintf(`%s *ПОЗИЦИЯ ЗАКРЫТА* (%s)

%s *%s %s* закрыт (%s)
%s P&L: %+.2f USDT (%+.2f%%)
⏱️ Длительность: %s
📊 %.4f → %.4f

⏰ %s`,
		emoji, botID,
		sideEmoji, trade.Side, trade.Symbol, trade.CloseReason,
		plEmoji, trade.RealizedPL, trade.PLPercent,
		formatDuration(trade.Duration),
		trade.EntryPrice, trade.ExitPrice,
		trade.CloseTime.Format("15:04:05"),
	)
}

func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	if hours > 0 {
		return fmt.Sprintf("%dч %dмин", hours, minutes)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dмин", minutes)
	}
	return fmt.Sprintf("%dс", int(d.Seconds()))
}
