package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Port     string
	Env      string
	LogLevel string

	// Persistence: memory, redis, postgres or sqlite
	Store       string
	DatabaseURL string
	SQLitePath  string
	RedisURL    string
	NATSURL     string

	// Identity
	JWTSecret string

	// Rate limiting
	RateLimitMessages  int      // messages per account per minute
	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting

	// Hot-reloadable values
	Live *Live
}

// Live holds values that may change while the process runs. Readers must go
// through the accessors on every use instead of caching the result.
type Live struct {
	globalCapacity atomic.Int64
	guildCapacity  atomic.Int64
	batchSize      atomic.Int64

	presenceInterval  atomic.Int64
	presenceThreshold atomic.Int64
	stickyInterval    atomic.Int64
	stickyCron        atomic.Value // string
	reaperInterval    atomic.Int64
	reaperThreshold   atomic.Int64
}

// Defaults
const (
	DefaultGlobalCapacity    = 50
	DefaultGuildCapacity     = 100
	DefaultBatchSize         = 1000
	DefaultPresenceInterval  = 60 * time.Second
	DefaultPresenceThreshold = 1800 * time.Second
	DefaultStickyInterval    = 3000 * time.Second
	DefaultReaperInterval    = 60 * time.Second
	DefaultReaperThreshold   = 3600 * time.Second
)

// NewLive returns a Live populated with defaults.
func NewLive() *Live {
	l := &Live{}
	l.globalCapacity.Store(DefaultGlobalCapacity)
	l.guildCapacity.Store(DefaultGuildCapacity)
	l.batchSize.Store(DefaultBatchSize)
	l.presenceInterval.Store(int64(DefaultPresenceInterval))
	l.presenceThreshold.Store(int64(DefaultPresenceThreshold))
	l.stickyInterval.Store(int64(DefaultStickyInterval))
	l.stickyCron.Store("")
	l.reaperInterval.Store(int64(DefaultReaperInterval))
	l.reaperThreshold.Store(int64(DefaultReaperThreshold))
	return l
}

func (l *Live) GlobalCapacity() int { return int(l.globalCapacity.Load()) }
func (l *Live) GuildCapacity() int  { return int(l.guildCapacity.Load()) }
func (l *Live) BatchSize() int      { return int(l.batchSize.Load()) }

func (l *Live) PresenceInterval() time.Duration  { return time.Duration(l.presenceInterval.Load()) }
func (l *Live) PresenceThreshold() time.Duration { return time.Duration(l.presenceThreshold.Load()) }
func (l *Live) StickyInterval() time.Duration    { return time.Duration(l.stickyInterval.Load()) }
func (l *Live) StickyCron() string               { return l.stickyCron.Load().(string) }
func (l *Live) ReaperInterval() time.Duration    { return time.Duration(l.reaperInterval.Load()) }
func (l *Live) ReaperThreshold() time.Duration   { return time.Duration(l.reaperThreshold.Load()) }

// SetGlobalCapacity changes the capacity used for new and existing global rooms.
func (l *Live) SetGlobalCapacity(n int) { l.globalCapacity.Store(int64(n)) }

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		Env:               getEnv("ENV", "development"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		Store:             getEnv("STORE", "memory"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		SQLitePath:        os.Getenv("SQLITE_PATH"),
		RedisURL:          os.Getenv("REDIS_URL"),
		NATSURL:           os.Getenv("NATS_URL"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		RateLimitMessages: getEnvInt("RATE_LIMIT_MESSAGES", 30),
		Live:              NewLive(),
	}

	// Parse whitelist (comma-separated IPs or CIDRs)
	if whitelist := os.Getenv("RATE_LIMIT_WHITELIST"); whitelist != "" {
		for _, entry := range strings.Split(whitelist, ",") {
			entry = strings.TrimSpace(entry)
			if entry != "" {
				cfg.RateLimitWhitelist = append(cfg.RateLimitWhitelist, entry)
			}
		}
	}

	if err := cfg.Live.Reload(); err != nil {
		panic(err)
	}

	// In production, require a shared store and a token secret
	if cfg.Env == "production" {
		if cfg.Store == "memory" {
			panic("STORE=memory is not allowed in production")
		}
		if cfg.Store == "redis" && cfg.RedisURL == "" {
			panic("REDIS_URL is required in production")
		}
		if cfg.Store == "postgres" && cfg.DatabaseURL == "" {
			panic("DATABASE_URL is required in production")
		}
		if cfg.JWTSecret == "" {
			panic("JWT_SECRET is required in production")
		}
	}

	return cfg
}

// Reload re-reads the hot-reloadable values from the environment, picking up
// changes to the .env file. Invalid values leave the previous setting in place
// and are reported together.
func (l *Live) Reload() error {
	_ = godotenv.Overload()

	var errs []string
	setInt := func(dst *atomic.Int64, key string) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Sprintf("%s: must be a positive integer", key))
			return
		}
		dst.Store(int64(n))
	}
	setDur := func(dst *atomic.Int64, key string) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		d, err := parseDuration(v)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Sprintf("%s: must be a positive duration", key))
			return
		}
		dst.Store(int64(d))
	}

	setInt(&l.globalCapacity, "GLOBAL_ROOM_CAPACITY")
	setInt(&l.guildCapacity, "GUILD_ROOM_CAPACITY")
	setInt(&l.batchSize, "SWEEP_BATCH_SIZE")
	setDur(&l.presenceInterval, "PRESENCE_SWEEP_INTERVAL")
	setDur(&l.presenceThreshold, "PRESENCE_IDLE_THRESHOLD")
	setDur(&l.stickyInterval, "STICKY_SWEEP_INTERVAL")
	setDur(&l.reaperInterval, "REAPER_INTERVAL")
	setDur(&l.reaperThreshold, "REAPER_IDLE_THRESHOLD")

	cron := strings.TrimSpace(os.Getenv("STICKY_SWEEP_CRON"))
	if cron != "" && !gronx.New().IsValid(cron) {
		errs = append(errs, "STICKY_SWEEP_CRON: invalid cron expression")
	} else {
		l.stickyCron.Store(cron)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

// parseDuration accepts Go durations ("90s", "30m") and bare seconds ("1800").
func parseDuration(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}
