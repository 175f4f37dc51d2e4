package cache

import (
	"context"
	"time"

	"tokoku/backend/internal/domain"
)

// SettingsCache holds read copies of an account's settings document. It is
// never consulted inside a transaction.
type SettingsCache interface {
	Get(ctx context.Context, accountID string) (*domain.AppSettings, bool, error)
	Set(ctx context.Context, accountID string, value *domain.AppSettings, ttl time.Duration) error
	Invalidate(ctx context.Context, accountID string) error
}

type NoopSettingsCache struct{}

func (NoopSettingsCache) Get(_ context.Context, _ string) (*domain.AppSettings, bool, error) {
	return nil, false, nil
}

func (NoopSettingsCache) Set(_ context.Context, _ string, _ *domain.AppSettings, _ time.Duration) error {
	return nil
}

func (NoopSettingsCache) Invalidate(_ context.Context, _ string) error {
	return nil
}

func settingsKey(accountID string) string {
	return "tokoku:settings:" + accountID
}
