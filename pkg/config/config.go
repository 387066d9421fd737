package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/openbell/openbell/pkg/questdb"
	"github.com/openbell/openbell/pkg/redis"
)

// Config represents the application configuration.
type Config struct {
	App      AppConfig      `envPrefix:"APP_"`
	QuestDB  questdb.Config `envPrefix:"QUESTDB_"`
	Redis    redis.Config   `envPrefix:"REDIS_"`
	Bus      BusConfig      `envPrefix:"BUS_"`
	Feed     FeedConfig     `envPrefix:"FEED_KAFKA_"`
	Ingestor IngestorConfig `envPrefix:"INGESTOR_"`
	Capture  CaptureConfig  `envPrefix:"CAPTURE_"`
	Grader   GraderConfig   `envPrefix:"GRADER_"`
	Gate     GateConfig     `envPrefix:"GATE_"`

	// MarketsFile points at the JSON file describing markets, schedules and
	// instruments. Too nested for env tags.
	MarketsFile string         `env:"MARKETS_FILE" envDefault:"markets.json"`
	Markets     []MarketConfig `env:"-"`
}

// AppConfig represents the application configuration.
type AppConfig struct {
	Name        string `env:"NAME" envDefault:"openbell"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// BusConfig configures the quote bus.
type BusConfig struct {
	// Backend selects the bus implementation: "redis" or "memory".
	Backend string `env:"BACKEND" envDefault:"redis"`
	// MaxLenPerSymbol bounds each symbol's retained log. Oldest entries are
	// evicted past the bound regardless of consumer lag.
	MaxLenPerSymbol int64         `env:"MAX_LEN_PER_SYMBOL" envDefault:"10000"`
	Block           time.Duration `env:"BLOCK" envDefault:"2s"`
	// ClaimTimeout is how long a fetched-but-unacked entry stays claimed by
	// one consumer before the memory bus redelivers it to the group.
	ClaimTimeout time.Duration `env:"CLAIM_TIMEOUT" envDefault:"30s"`
	StreamPrefix string        `env:"STREAM_PREFIX" envDefault:"quotes:"`
}

// FeedConfig represents the Kafka configuration of the raw quote feed.
type FeedConfig struct {
	Brokers         []string      `env:"BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	Topic           string        `env:"TOPIC" envDefault:"quotes-raw"`
	ConsumerGroup   string        `env:"CONSUMER_GROUP" envDefault:"openbell-feed"`
	PrimarySource   string        `env:"PRIMARY_SOURCE" envDefault:"rtd"`
	SourceStaleness time.Duration `env:"SOURCE_STALENESS" envDefault:"5s"`
}

// IngestorConfig configures the durable ingestor.
type IngestorConfig struct {
	ConsumerGroup string        `env:"CONSUMER_GROUP" envDefault:"durable-ingestor"`
	ConsumerID    string        `env:"CONSUMER_ID" envDefault:"ingestor-1"`
	BatchSize     int           `env:"BATCH_SIZE" envDefault:"100"`
	HighWater     int64         `env:"HIGH_WATER" envDefault:"5000"`
	LowWater      int64         `env:"LOW_WATER" envDefault:"1000"`
	MaxAttempts   int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	RetryBackoff  time.Duration `env:"RETRY_BACKOFF" envDefault:"200ms"`
}

// CaptureConfig configures the session capture scheduler.
type CaptureConfig struct {
	// RetryBackoff applies when the calendar is unreachable; capture fails
	// closed and retries.
	RetryBackoff time.Duration `env:"RETRY_BACKOFF" envDefault:"30s"`
	// MaxSleep caps how long the scheduler sleeps before re-asking the
	// calendar for the next open.
	MaxSleep time.Duration `env:"MAX_SLEEP" envDefault:"1m"`
}

// GraderConfig configures the live grader loop.
type GraderConfig struct {
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"500ms"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"3s"`
	RetryBackoff time.Duration `env:"RETRY_BACKOFF" envDefault:"250ms"`
	MaxAttempts  int           `env:"MAX_ATTEMPTS" envDefault:"5"`
}

// GateConfig configures the shared validation gate.
type GateConfig struct {
	MinPrice float64 `env:"MIN_PRICE" envDefault:"0.0001"`
	MaxPrice float64 `env:"MAX_PRICE" envDefault:"1000000"`
	// MaxSkew bounds how far an event timestamp may sit from wall clock in
	// either direction.
	MaxSkew time.Duration `env:"MAX_SKEW" envDefault:"5m"`
	// BidAskTolerance is the absolute crossing tolerated before a bid>ask
	// event is rejected.
	BidAskTolerance float64 `env:"BID_ASK_TOLERANCE" envDefault:"0.01"`
	// JumpFraction rejects a last price moving more than this fraction away
	// from the previous latest value without corroborating size.
	JumpFraction         float64 `env:"JUMP_FRACTION" envDefault:"0.2"`
	MinCorroboratingSize int64   `env:"MIN_CORROBORATING_SIZE" envDefault:"1"`
}

// MarketConfig describes one market's schedule and instruments.
type MarketConfig struct {
	Name     string `json:"name"`
	Timezone string `json:"timezone"`
	// Open and Close are local wall-clock times, "15:04" layout.
	Open  string `json:"open"`
	Close string `json:"close"`
	// Days lists trading weekdays ("Monday"..). Empty means Monday-Friday.
	Days []string `json:"days,omitempty"`
	// Holidays are closed dates, "2006-01-02" layout, in market local time.
	Holidays    []string           `json:"holidays,omitempty"`
	Instruments []InstrumentConfig `json:"instruments"`
}

// InstrumentConfig carries the per-instrument capture tunables. Signal
// thresholds and target offsets are deliberately configuration, not
// constants.
type InstrumentConfig struct {
	Symbol string  `json:"symbol"`
	Weight float64 `json:"weight"`
	// Critical instruments keep durable writes even in degraded mode.
	Critical bool `json:"critical,omitempty"`
	// TargetMode is "percent" or "absolute".
	TargetMode   string  `json:"target_mode"`
	TargetOffset float64 `json:"target_offset"`
	// BuyThresholdPct/SellThresholdPct compare the captured price against
	// the prior-session reference level.
	BuyThresholdPct  float64 `json:"buy_threshold_pct"`
	SellThresholdPct float64 `json:"sell_threshold_pct"`
}

// Load loads the configuration from the environment.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.MarketsFile != "" {
		markets, err := loadMarkets(cfg.MarketsFile)
		if err != nil {
			return nil, err
		}
		cfg.Markets = markets
	}

	return cfg, nil
}

func loadMarkets(path string) ([]MarketConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read markets file: %w", err)
	}

	var markets []MarketConfig
	if err := json.Unmarshal(data, &markets); err != nil {
		return nil, fmt.Errorf("failed to parse markets file: %w", err)
	}
	return markets, nil
}

// Instrument looks up an instrument's config within a market.
func (m *MarketConfig) Instrument(symbol string) (*InstrumentConfig, bool) {
	for i := range m.Instruments {
		if m.Instruments[i].Symbol == symbol {
			return &m.Instruments[i], true
		}
	}
	return nil, false
}
