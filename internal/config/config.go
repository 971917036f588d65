// Package config holds node configuration, populated from the environment
// with sensible defaults. A .env file in the working directory is loaded
// first if present.
package config

import (
	"fmt"
	"os"
	"path"
	"strconv"

	"github.com/joho/godotenv"
)

// Store backend selectors.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config stores the parameters shared by every node process.
type Config struct {
	StoreType     string // memory or redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Debug         bool
}

// Load reads the optional .env file, fills in defaults and returns the
// resulting configuration.
func Load() (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}
	setupDefaultEnv()

	db, err := strconv.Atoi(os.Getenv("UTP_REDIS_DB"))
	if err != nil {
		return nil, fmt.Errorf("invalid UTP_REDIS_DB: %w", err)
	}

	cfg := &Config{
		StoreType:     os.Getenv("UTP_STORE_TYPE"),
		RedisAddr:     os.Getenv("UTP_REDIS_HOST") + ":" + os.Getenv("UTP_REDIS_PORT"),
		RedisPassword: os.Getenv("UTP_REDIS_PASSWORD"),
		RedisDB:       db,
		Debug:         os.Getenv("UTP_DEBUG") == "true",
	}

	if cfg.StoreType != StoreMemory && cfg.StoreType != StoreRedis {
		return nil, fmt.Errorf("invalid UTP_STORE_TYPE %q", cfg.StoreType)
	}
	return cfg, nil
}

// loadEnvFile loads environment variables from a .env file in the working
// directory, when one exists.
func loadEnvFile() error {
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getwd: %w", err)
	}
	envFile := path.Join(workDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Overload(envFile); err != nil {
			return fmt.Errorf("load %v: %w", envFile, err)
		}
	}
	return nil
}

func setupDefaultEnv() {
	// The content store backend, memory or redis.
	setEnvDefault("UTP_STORE_TYPE", StoreMemory)
	// The redis server host.
	setEnvDefault("UTP_REDIS_HOST", "127.0.0.1")
	// The redis server port.
	setEnvDefault("UTP_REDIS_PORT", "6379")
	// The redis server password.
	setEnvDefault("UTP_REDIS_PASSWORD", "")
	// The redis server db.
	setEnvDefault("UTP_REDIS_DB", "0")
	// Verbose transport logging.
	setEnvDefault("UTP_DEBUG", "false")
}

func setEnvDefault(key, value string) {
	if os.Getenv(key) == "" {
		os.Setenv(key, value)
	}
}
