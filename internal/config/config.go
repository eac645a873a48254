// Package config loads the service configuration from a YAML file with
// environment-variable overrides. The mains load .env first via godotenv.
package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	Security  SecurityConfig  `yaml:"security"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Worker    WorkerConfig    `yaml:"worker"`
}

type ServerConfig struct {
	Port           string   `yaml:"port"`
	Env            string   `yaml:"env"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type SecurityConfig struct {
	ConfirmationTTLMinutes int `yaml:"confirmation_ttl_minutes"`
	APIRateLimitPerMinute  int `yaml:"api_rate_limit_per_minute"`
}

type RateLimitConfig struct {
	// FailOpen decides the counter-store outage policy: true lets requests
	// through, false rejects them. Defaults closed.
	FailOpen bool `yaml:"fail_open"`
}

type WorkerConfig struct {
	MaxRetries int `yaml:"max_retries"`
}

// Load reads the config file at path (skipped when empty or missing) and
// applies environment overrides and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("ZIA_ENV"); v != "" {
		c.Server.Env = v
	}
	if v := os.Getenv("ZIA_ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = n
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("MAX_CONFIRMATION_TTL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Security.ConfirmationTTLMinutes = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Security.APIRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_FAIL_OPEN"); v != "" {
		c.RateLimit.FailOpen = v == "true" || v == "1"
	}
	if v := os.Getenv("WORKER_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Worker.MaxRetries = n
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Security.ConfirmationTTLMinutes <= 0 {
		c.Security.ConfirmationTTLMinutes = 5
	}
	if c.Security.APIRateLimitPerMinute <= 0 {
		c.Security.APIRateLimitPerMinute = 60
	}
	if c.Worker.MaxRetries <= 0 {
		c.Worker.MaxRetries = 3
	}
}
