package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type MarketMode string

const (
	MarketFutures MarketMode = "FUTURES"
	MarketSpot    MarketMode = "SPOT"
)

type Config struct {
	TelegramToken    string
	AuthorizedUserID int64
	NotifyTrades     bool
	Port             string
	LogLevel         string
	Market           MarketMode
	StreamURL        string // overrides the default Binance stream endpoint
	BotsFile         string
	DataDir          string
	TickInterval     time.Duration
	TrendSampleEvery time.Duration
	SnapshotEvery    time.Duration

	// Closure staggering defaults, overridable per deployment
	ClosureWindow     time.Duration
	MaxClosures       int
	ClosureMinDelay   time.Duration
	ClosureMaxDelay   time.Duration
	PriceDeviationPct float64
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	var userID int64
	if v := os.Getenv("AUTHORIZED_USER_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			log.Fatal("Invalid AUTHORIZED_USER_ID")
		}
		userID = id
	}

	market := MarketFutures
	if os.Getenv("MARKET") == "SPOT" {
		market = MarketSpot
	}

	return &Config{
		TelegramToken:     os.Getenv("TELEGRAM_BOT_TOKEN"),
		AuthorizedUserID:  userID,
		NotifyTrades:      envBool("NOTIFY_TRADES", false),
		Port:              envString("PORT", "8080"),
		LogLevel:          envString("LOG_LEVEL", "info"),
		Market:            market,
		StreamURL:         os.Getenv("STREAM_URL"),
		BotsFile:          envString("BOTS_FILE", "bots.yaml"),
		DataDir:           envString("DATA_DIR", "data"),
		TickInterval:      envDuration("TICK_INTERVAL", 2*time.Second),
		TrendSampleEvery:  envDuration("TREND_SAMPLE_INTERVAL", 3*time.Second),
		SnapshotEvery:     envDuration("SNAPSHOT_INTERVAL", time.Minute),
		ClosureWindow:     envDuration("CLOSURE_WINDOW", 30*time.Second),
		MaxClosures:       envInt("MAX_CLOSURES_IN_WINDOW", 2),
		ClosureMinDelay:   envDuration("CLOSURE_MIN_DELAY", 5*time.Second),
		ClosureMaxDelay:   envDuration("CLOSURE_MAX_DELAY", 15*time.Second),
		PriceDeviationPct: envFloat("PRICE_DEVIATION_PCT", 0.02),
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if val, err := strconv.ParseFloat(v, 64); err == nil {
			return val
		}
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			return val
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	switch os.Getenv(key) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	}
	return def
}

// envDuration accepts Go duration strings ("2s") or plain seconds ("2").
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return def
}
