package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/warp/billing-engine/config"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "DB_DRIVER", "CACHE_MAX_ITEMS", "CACHE_STALE_AFTER", "SCHEDULER_INTERVAL"} {
		t.Setenv(key, "")
	}
	cfg := config.Load()

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, 100, cfg.CacheMaxItems)
	assert.Equal(t, 30*time.Minute, cfg.CacheStaleAfter)
	assert.Equal(t, time.Minute, cfg.SchedulerInterval)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("CONFIRM_TTL", "2m")
	t.Setenv("BOT_ID", "123456789012")
	t.Setenv("CACHE_MAX_ITEMS", "not-a-number")

	cfg := config.Load()

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, 2*time.Minute, cfg.ConfirmTTL)
	assert.Equal(t, int64(123456789012), cfg.BotID)
	assert.Equal(t, 100, cfg.CacheMaxItems, "unparseable values keep the default")
}

func TestLocation_FallsBackToFixedZone(t *testing.T) {
	t.Setenv("TIMEZONE", "Nowhere/Invalid")
	loc := config.Load().Location()

	_, offset := time.Date(2025, 1, 1, 0, 0, 0, 0, loc).Zone()
	assert.Equal(t, 8*3600, offset)
}
