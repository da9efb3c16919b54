package database

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// LoadConfigFromEnv loads database configuration from environment variables.
// dataDir anchors the default database location when DB_PATH is unset.
func LoadConfigFromEnv(dataDir string) Config {
	maxOpen, _ := strconv.Atoi(getEnvOrDefault("DB_MAX_OPEN_CONNS", "1"))
	maxIdle, _ := strconv.Atoi(getEnvOrDefault("DB_MAX_IDLE_CONNS", "1"))

	path := os.Getenv("DB_PATH")
	if path == "" {
		path = filepath.Join(dataDir, "orchestrator.db")
	}

	return Config{
		Path:            path,
		BusyTimeout:     5 * time.Second,
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
