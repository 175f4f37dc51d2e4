package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"tokoku/backend/internal/domain"
)

func TestNoopCacheAlwaysMisses(t *testing.T) {
	var c SettingsCache = NoopSettingsCache{}
	settings := domain.DefaultSettings()
	if err := c.Set(context.Background(), "acct", &settings, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok, err := c.Get(context.Background(), "acct"); ok || err != nil {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
}

func TestRedisSettingsCacheRoundTrip(t *testing.T) {
	addr := os.Getenv("TOKOKU_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TOKOKU_TEST_REDIS_ADDR to run redis integration test")
	}
	ctx := context.Background()
	c := NewRedisSettingsCache(addr, "", 0)
	t.Cleanup(func() { _ = c.Close() })
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	accountID := "cache-it-" + time.Now().Format("150405.000000")
	settings := domain.DefaultSettings()
	settings.CurrentBusinessCash = 42.5
	if err := c.Set(ctx, accountID, &settings, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := c.Get(ctx, accountID)
	if err != nil || !ok || got.CurrentBusinessCash != 42.5 {
		t.Fatalf("expected cached settings, got %+v ok=%v err=%v", got, ok, err)
	}
	if err := c.Invalidate(ctx, accountID); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok, _ := c.Get(ctx, accountID); ok {
		t.Fatalf("expected miss after invalidate")
	}
}
