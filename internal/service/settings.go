package service

import (
	"context"
	"errors"
	"log"
	"strings"

	"tokoku/backend/internal/domain"
	"tokoku/backend/internal/store"
)

// GetSettings returns the account's settings, creating the default document on
// first access. When the store is unreachable it serves the last cached copy,
// or the built-in defaults, instead of failing.
func (s *Service) GetSettings(ctx context.Context, accountID string) (domain.AppSettings, error) {
	if err := requireAccount(accountID); err != nil {
		return domain.AppSettings{}, err
	}

	settings, err := store.Load[domain.AppSettings](ctx, s.docs.Scope(accountID), store.CollectionSettings, domain.SettingsDocumentID)
	if errors.Is(err, store.ErrNotFound) {
		settings, err = s.createDefaultSettings(ctx, accountID)
	}
	if err == nil {
		s.refreshCachedSettings(ctx, accountID, settings)
		return settings, nil
	}
	if !errors.Is(err, store.ErrUnavailable) {
		return domain.AppSettings{}, store.Wrap("getSettings", store.Path(store.CollectionSettings, domain.SettingsDocumentID), err)
	}

	log.Printf("[settings] WARN: store unavailable for account=%s, serving fallback settings: %v", accountID, err)
	if cached, ok, cacheErr := s.cache.Get(ctx, accountID); cacheErr == nil && ok {
		return *cached, nil
	}
	return domain.DefaultSettings(), nil
}

// createDefaultSettings writes the default document unless another request got
// there first, and returns whichever is stored.
func (s *Service) createDefaultSettings(ctx context.Context, accountID string) (domain.AppSettings, error) {
	var settings domain.AppSettings
	err := s.docs.RunTransaction(ctx, accountID, func(ctx context.Context, tx store.Docs) error {
		current, err := store.Load[domain.AppSettings](ctx, tx, store.CollectionSettings, domain.SettingsDocumentID)
		if errors.Is(err, store.ErrNotFound) {
			current = domain.DefaultSettings()
			current.UpdatedAt = s.now()
			if err := store.Save(ctx, tx, store.CollectionSettings, domain.SettingsDocumentID, current); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		settings = current
		return nil
	})
	return settings, err
}

// refreshCachedSettings writes the fallback copy only when it is missing or
// older than what the store returned.
func (s *Service) refreshCachedSettings(ctx context.Context, accountID string, settings domain.AppSettings) {
	cached, ok, err := s.cache.Get(ctx, accountID)
	if err == nil && ok && cached.UpdatedAt.Equal(settings.UpdatedAt) {
		return
	}
	if err := s.cache.Set(ctx, accountID, &settings, s.cacheTTL); err != nil {
		log.Printf("[settings] WARN: failed to cache settings account=%s: %v", accountID, err)
	}
}

// UpdateSettings merges update over current for the preference fields and
// persists the result. Numeric counters, the cash balance and the running
// totals always come from the stored document, never from the caller.
func (s *Service) UpdateSettings(ctx context.Context, accountID string, current domain.AppSettings, update domain.SettingsUpdate) (domain.AppSettings, error) {
	if err := requireAccount(accountID); err != nil {
		return domain.AppSettings{}, err
	}
	if err := validateSettingsUpdate(update); err != nil {
		return domain.AppSettings{}, err
	}

	var merged domain.AppSettings
	err := s.docs.RunTransaction(ctx, accountID, func(ctx context.Context, tx store.Docs) error {
		live, err := loadSettingsTx(ctx, tx)
		if err != nil {
			return err
		}
		merged = mergeSettings(live, current, update)
		merged.UpdatedAt = s.now()
		return store.Save(ctx, tx, store.CollectionSettings, domain.SettingsDocumentID, merged)
	})
	if err != nil {
		return domain.AppSettings{}, store.Wrap("updateSettings", store.Path(store.CollectionSettings, domain.SettingsDocumentID), err)
	}

	if cacheErr := s.cache.Set(ctx, accountID, &merged, s.cacheTTL); cacheErr != nil {
		log.Printf("[settings] WARN: failed to cache settings account=%s: %v", accountID, cacheErr)
	}
	actor := actorName(ctx)
	s.runDeferred("settings-updated-audit", func(ctx context.Context) error {
		s.logActivity(ctx, accountID, domain.ActivitySettingsUpdated, actor, "Settings updated", map[string]any{
			"currency":            merged.Currency,
			"low_stock_threshold": merged.LowStockThreshold,
		})
		return nil
	})
	return merged, nil
}

func validateSettingsUpdate(update domain.SettingsUpdate) error {
	if update.LowStockThreshold != nil && *update.LowStockThreshold < 0 {
		return store.Invalid("low_stock_threshold", "must not be negative")
	}
	if update.Currency != nil && len(strings.TrimSpace(*update.Currency)) != 3 {
		return store.Invalid("currency", "must be a 3-letter code")
	}
	if update.WalkInCustomerName != nil && strings.TrimSpace(*update.WalkInCustomerName) == "" {
		return store.Invalid("walk_in_customer_name", "must not be empty")
	}
	if update.Backup != nil {
		if update.Backup.IntervalHours < 1 {
			return store.Invalid("backup.interval_hours", "must be at least 1")
		}
		if update.Backup.RetentionCount < 1 {
			return store.Invalid("backup.retention_count", "must be at least 1")
		}
	}
	return nil
}

func mergeSettings(live domain.AppSettings, current domain.AppSettings, update domain.SettingsUpdate) domain.AppSettings {
	merged := live

	merged.LowStockThreshold = current.LowStockThreshold
	merged.Currency = current.Currency
	merged.WalkInCustomerName = current.WalkInCustomerName
	merged.Categories = append([]string(nil), current.Categories...)
	merged.ShopNames = append([]string(nil), current.ShopNames...)
	merged.Backup = current.Backup
	merged.Backup.LastBackupAt = live.Backup.LastBackupAt

	if update.LowStockThreshold != nil {
		merged.LowStockThreshold = *update.LowStockThreshold
	}
	if update.Currency != nil {
		merged.Currency = strings.ToUpper(strings.TrimSpace(*update.Currency))
	}
	if update.WalkInCustomerName != nil {
		merged.WalkInCustomerName = strings.TrimSpace(*update.WalkInCustomerName)
	}
	if update.Categories != nil {
		merged.Categories = uniqueFold(*update.Categories)
	}
	if update.ShopNames != nil {
		merged.ShopNames = uniqueFold(*update.ShopNames)
	}
	if update.Backup != nil {
		merged.Backup.Enabled = update.Backup.Enabled
		merged.Backup.IntervalHours = update.Backup.IntervalHours
		merged.Backup.RetentionCount = update.Backup.RetentionCount
	}

	if merged.Currency == "" {
		merged.Currency = live.Currency
	}
	if merged.WalkInCustomerName == "" {
		merged.WalkInCustomerName = live.WalkInCustomerName
	}
	return merged
}

func uniqueFold(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		k := strings.ToLower(trimmed)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

// ensureCategory records a category name in the settings list if it is new.
func ensureCategory(settings *domain.AppSettings, category string) {
	category = strings.TrimSpace(category)
	if category == "" {
		return
	}
	for _, existing := range settings.Categories {
		if strings.EqualFold(existing, category) {
			return
		}
	}
	settings.Categories = append(settings.Categories, category)
}

// ResetAccount wipes every live collection and resets settings to defaults,
// keeping the backup configuration.
func (s *Service) ResetAccount(ctx context.Context, accountID string) error {
	if err := requireAccount(accountID); err != nil {
		return err
	}
	current, err := s.GetSettings(ctx, accountID)
	if err != nil {
		return err
	}

	fresh := domain.DefaultSettings()
	fresh.Backup = current.Backup
	fresh.UpdatedAt = s.now()
	settingsDoc, err := encodeDocument(domain.SettingsDocumentID, fresh)
	if err != nil {
		return err
	}

	replacement := make(map[store.Collection][]store.Document, len(store.LiveCollections)+1)
	for _, c := range store.LiveCollections {
		replacement[c] = nil
	}
	replacement[store.CollectionSettings] = []store.Document{settingsDoc}
	if err := s.docs.ReplaceCollections(ctx, accountID, replacement); err != nil {
		return store.Wrap("resetAccount", accountID, err)
	}
	if err := s.cache.Invalidate(ctx, accountID); err != nil {
		log.Printf("[settings] WARN: failed to invalidate cached settings account=%s: %v", accountID, err)
	}

	s.logActivity(ctx, accountID, domain.ActivityAccountReset, actorName(ctx), "Account data reset", nil)
	return nil
}
