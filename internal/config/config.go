package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Browser   BrowserConfig
	Refresher RefresherConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Port int
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	MaxConns int32
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type BrowserConfig struct {
	Headless bool
	Timeout  time.Duration
}

// RefresherConfig tunes one refresh batch: how many candidates to pick up,
// how hard to retry a page and how fast to walk the catalog.
type RefresherConfig struct {
	BatchLimit int
	MaxRetries int
	RetryDelay time.Duration
	WaitWindow time.Duration
	PaceMin    time.Duration
	PaceMax    time.Duration
}

type LoggingConfig struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnvInt("PORT", 8084),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Name:     getEnv("DB_NAME", "price_watcher"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 20)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Browser: BrowserConfig{
			// Interactive by default so an operator can solve a CAPTCHA
			// in the visible window.
			Headless: getEnvBool("BROWSER_HEADLESS", false),
			Timeout:  getEnvDuration("BROWSER_TIMEOUT", 30*time.Second),
		},
		Refresher: RefresherConfig{
			BatchLimit: getEnvInt("REFRESH_BATCH_LIMIT", 500),
			MaxRetries: getEnvInt("REFRESH_MAX_RETRIES", 3),
			RetryDelay: getEnvDuration("REFRESH_RETRY_DELAY", 3*time.Second),
			WaitWindow: getEnvDuration("REFRESH_WAIT_WINDOW", 20*time.Second),
			PaceMin:    getEnvDuration("REFRESH_PACE_MIN", 2*time.Second),
			PaceMax:    getEnvDuration("REFRESH_PACE_MAX", 5*time.Second),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Name == "" {
		return fmt.Errorf("database name is required")
	}

	if c.Refresher.BatchLimit < 1 {
		return fmt.Errorf("batch limit must be at least 1")
	}

	if c.Refresher.MaxRetries < 1 {
		return fmt.Errorf("at least 1 fetch attempt is required")
	}

	if c.Refresher.PaceMin > c.Refresher.PaceMax {
		return fmt.Errorf("pace min %s exceeds pace max %s", c.Refresher.PaceMin, c.Refresher.PaceMax)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
