package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

func init() {
	// Load env from .env
	godotenv.Load()
	// Do NOT block startup in init() waiting for DB or Redis.
}

func IntFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func BoolFromEnv(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "":
		return def
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	}
	return def
}

func DurationSecondsFromEnv(key string, defSeconds int) time.Duration {
	return time.Duration(IntFromEnv(key, defSeconds)) * time.Second
}

// ReconciliationMappingWorkers is how many mappings of one batch may be processed concurrently.
//
// Set via env:
// - RECONCILIATION_MAPPING_WORKERS=4 (default 1, sequential)
func ReconciliationMappingWorkers() int {
	n := IntFromEnv("RECONCILIATION_MAPPING_WORKERS", 1)
	if n < 1 {
		return 1
	}
	return n
}

// ProjectionRefreshInterval controls the background projection rebuild loop. Zero disables it.
//
// Set via env:
// - PROJECTION_REFRESH_INTERVAL_SECONDS=300
func ProjectionRefreshInterval() time.Duration {
	d := DurationSecondsFromEnv("PROJECTION_REFRESH_INTERVAL_SECONDS", 0)
	if d < 0 {
		return 0
	}
	return d
}

// ProjectionRefreshLockTTL is the redis lock TTL held while rebuilding projections.
func ProjectionRefreshLockTTL() time.Duration {
	d := DurationSecondsFromEnv("PROJECTION_REFRESH_LOCK_SECONDS", 120)
	if d <= 0 {
		return 120 * time.Second
	}
	return d
}

// CacheLifespan is the TTL for cached reference catalogs (CACHE_LIFESPAN, hours).
func CacheLifespan() time.Duration {
	h := IntFromEnv("CACHE_LIFESPAN", 1)
	if h <= 0 {
		h = 1
	}
	return time.Duration(h) * time.Hour
}

func IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production")
}
