package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration. Values come from an optional
// yaml file, overlaid with environment variables. Required settings are
// validated at startup; a missing required setting aborts the process.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	NATS      NATSConfig      `yaml:"nats"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Timer     TimerConfig     `yaml:"timer"`
	Bidding   BiddingConfig   `yaml:"bidding"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int    `yaml:"max_conns"`
}

// DSN renders the postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	StreamName    string `yaml:"stream_name"`
	SubjectPrefix string `yaml:"subject_prefix"`
	TickSubject   string `yaml:"tick_subject"`
}

type SchedulerConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	BatchSize     int           `yaml:"batch_size"`
	PreBidWindow  time.Duration `yaml:"prebid_window"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`
	RelayInterval time.Duration `yaml:"relay_interval"`
}

type TimerConfig struct {
	DefaultTimerSeconds int           `yaml:"default_timer_seconds"`
	TickInterval        time.Duration `yaml:"tick_interval"`
}

type BiddingConfig struct {
	// FallbackStartPrice is assigned, in cents, to lots that enter the
	// pre-bid window without a priced start.
	FallbackStartPrice int64 `yaml:"fallback_start_price"`
	// AbsoluteBidCeiling is the floor of the sanity ceiling, in cents.
	AbsoluteBidCeiling int64 `yaml:"absolute_bid_ceiling"`
	// StartPriceCeilingMultiple scales a lot's start price into its
	// sanity ceiling; the larger of the two ceilings applies.
	StartPriceCeilingMultiple int64 `yaml:"start_price_ceiling_multiple"`
}

// Default returns the configuration baseline applied before file and
// environment overrides.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Password: "postgres",
			Name:     "",
			SSLMode:  "disable",
			MaxConns: 10,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			StreamName:    "AUCTION_EVENTS",
			SubjectPrefix: "auction.events",
			TickSubject:   "auction.ticks",
		},
		Scheduler: SchedulerConfig{
			PollInterval:  5 * time.Second,
			BatchSize:     50,
			PreBidWindow:  24 * time.Hour,
			MaxBackoff:    5 * time.Minute,
			RelayInterval: 500 * time.Millisecond,
		},
		Timer: TimerConfig{
			DefaultTimerSeconds: 30,
			TickInterval:        time.Second,
		},
		Bidding: BiddingConfig{
			FallbackStartPrice:        10_000, // $100
			AbsoluteBidCeiling:        500_000_000,
			StartPriceCeilingMultiple: 100,
		},
	}
}

// Load reads the yaml file at path (if it exists), applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnvAsInt("PORT", c.Server.Port)
	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnvAsInt("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.Name = getEnv("DB_NAME", c.Database.Name)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)
	c.Database.MaxConns = getEnvAsInt("DB_MAX_CONNS", c.Database.MaxConns)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.Scheduler.PollInterval = getEnvAsDuration("SCHEDULER_POLL_INTERVAL", c.Scheduler.PollInterval)
	c.Scheduler.BatchSize = getEnvAsInt("SCHEDULER_BATCH_SIZE", c.Scheduler.BatchSize)
	c.Scheduler.PreBidWindow = getEnvAsDuration("SCHEDULER_PREBID_WINDOW", c.Scheduler.PreBidWindow)
	c.Timer.DefaultTimerSeconds = getEnvAsInt("TIMER_DEFAULT_SECONDS", c.Timer.DefaultTimerSeconds)
}

// Validate enforces the settings the core cannot run without.
func (c *Config) Validate() error {
	if c.Database.Name == "" {
		return fmt.Errorf("database name is required (DB_NAME or database.name)")
	}
	if c.NATS.URL == "" {
		return fmt.Errorf("NATS URL is required (NATS_URL or nats.url)")
	}
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler poll interval must be positive")
	}
	if c.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("scheduler batch size must be positive")
	}
	if c.Timer.DefaultTimerSeconds <= 0 {
		return fmt.Errorf("default timer seconds must be positive")
	}
	if c.Timer.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
