package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"bot_simulator/config"
	"bot_simulator/internal/analysis"
	"bot_simulator/internal/closure"
	"bot_simulator/internal/events"
	"bot_simulator/internal/exchange"
	"bot_simulator/internal/models"
	"bot_simulator/internal/storage"
)

var (
	ErrBotNotFound = errors.New("bot not found")
	ErrBotExists   = errors.New("bot already exists")
)

// Manager owns every bot of the process and the market data they share.
type Manager struct {
	cfg    *config.Config
	book   *exchange.PriceBook
	trends *analysis.TrendClassifier
	store  storage.Store
	sink   events.Sink

	mu   sync.RWMutex
	bots map[string]*Bot
	seed int64
}

func NewManager(cfg *config.Config, book *exchange.PriceBook, trends *analysis.TrendClassifier,
	store storage.Store, sink events.Sink) *Manager {
	if sink == nil {
		sink = events.Discard
	}
	return &Manager{
		cfg:    cfg,
		book:   book,
		trends: trends,
		store:  store,
		sink:   sink,
		bots:   make(map[string]*Bot),
		seed:   time.Now().UnixNano(),
	}
}

// Create builds a bot from spec and starts it when spec.Start is set.
func (m *Manager) Create(spec config.BotSpec) (*Bot, error) {
	if spec.ID == "" {
		return nil, fmt.Errorf("%w: empty bot id", config.ErrInvalidProfile)
	}

	m.mu.Lock()
	if _, ok := m.bots[spec.ID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrBotExists, spec.ID)
	}
	m.seed++
	seed := m.seed
	m.mu.Unlock()

	bot, err := NewBot(Options{
		ID:      spec.ID,
		Name:    spec.Name,
		Profile: spec.Profile,
		Prices:  m.book,
		Trends:  m.trends,
		Store:   m.store,
		Sink:    m.sink,
		Rand:    rand.New(rand.NewSource(seed)),
		Closure: closure.Config{
			Window:      m.cfg.ClosureWindow,
			MaxClosures: m.cfg.MaxClosures,
			MinDelay:    m.cfg.ClosureMinDelay,
			MaxDelay:    m.cfg.ClosureMaxDelay,
		},
		TickInterval:      m.cfg.TickInterval,
		PriceDeviationPct: m.cfg.PriceDeviationPct,
	})
	if err != nil {
		return nil, fmt.Errorf("bot %s: %w", spec.ID, err)
	}

	m.mu.Lock()
	if _, ok := m.bots[spec.ID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrBotExists, spec.ID)
	}
	m.bots[spec.ID] = bot
	m.mu.Unlock()

	if spec.Start {
		bot.Start()
	}
	return bot, nil
}

func (m *Manager) Get(id string) (*Bot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bot, ok := m.bots[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBotNotFound, id)
	}
	return bot, nil
}

func (m *Manager) Start(id string) error {
	bot, err := m.Get(id)
	if err != nil {
		return err
	}
	bot.Start()
	return nil
}

func (m *Manager) Stop(id string) error {
	bot, err := m.Get(id)
	if err != nil {
		return err
	}
	bot.Stop()
	return nil
}

// Delete stops the bot and forgets it. Persisted state stays on disk.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	bot, ok := m.bots[id]
	delete(m.bots, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrBotNotFound, id)
	}
	bot.Stop()
	return nil
}

// List returns the bots sorted by id.
func (m *Manager) List() []*Bot {
	m.mu.RLock()
	out := make([]*Bot, 0, len(m.bots))
	for _, b := range m.bots {
		out = append(out, b)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (m *Manager) Stats() []models.BotStats {
	bots := m.List()
	out := make([]models.BotStats, len(bots))
	for i, b := range bots {
		out[i] = b.Stats()
	}
	return out
}

// Symbols is the sorted union of every bot's pairs.
func (m *Manager) Symbols() []string {
	seen := make(map[string]bool)
	for _, b := range m.List() {
		for _, s := range b.Profile().Pairs {
			seen[s] = true
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// SampleTrends feeds the shared classifier from the price book every interval
// until ctx is done.
func (m *Manager) SampleTrends(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 3 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce()
		}
	}
}

func (m *Manager) sampleOnce() {
	for _, s := range m.Symbols() {
		if p, ok := m.book.Price(s); ok {
			m.trends.UpdatePrice(s, p)
		}
	}
}

// Shutdown stops every bot.
func (m *Manager) Shutdown() {
	for _, b := range m.List() {
		b.Stop()
	}
}
