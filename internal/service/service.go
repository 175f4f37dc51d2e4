package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"tokoku/backend/internal/cache"
	"tokoku/backend/internal/domain"
	"tokoku/backend/internal/money"
	"tokoku/backend/internal/store"
	"tokoku/backend/internal/worker"
	"tokoku/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Deferrer runs post-commit bookkeeping without blocking the caller.
type Deferrer interface {
	Submit(name string, run worker.Task)
}

type Service struct {
	docs     store.DocumentStore
	cache    cache.SettingsCache
	deferred Deferrer
	cacheTTL time.Duration
	now      func() time.Time
}

func New(docs store.DocumentStore, settingsCache cache.SettingsCache, deferred Deferrer, cacheTTL time.Duration) *Service {
	if settingsCache == nil {
		settingsCache = cache.NoopSettingsCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	return &Service{
		docs:     docs,
		cache:    settingsCache,
		deferred: deferred,
		cacheTTL: cacheTTL,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.docs.Ping(ctx)
}

func actorName(ctx context.Context) string {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return "system"
	}
	return actor.Username
}

func requireAccount(accountID string) error {
	if strings.TrimSpace(accountID) == "" {
		return store.Invalid("account_id", "is required")
	}
	return nil
}

func loadSettingsTx(ctx context.Context, tx store.Docs) (domain.AppSettings, error) {
	settings, err := store.Load[domain.AppSettings](ctx, tx, store.CollectionSettings, domain.SettingsDocumentID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.DefaultSettings(), nil
	}
	return settings, err
}

func (s *Service) saveSettingsTx(ctx context.Context, tx store.Docs, settings domain.AppSettings) error {
	settings.UpdatedAt = s.now()
	return store.Save(ctx, tx, store.CollectionSettings, domain.SettingsDocumentID, settings)
}

func (s *Service) newLedgerEntry(kind domain.LedgerEntryType, amount float64, relatedID string, notes string) domain.BusinessTransaction {
	return domain.BusinessTransaction{
		ID:                xid.New("btx"),
		Date:              s.now(),
		Type:              kind,
		Amount:            money.Round(amount),
		RelatedDocumentID: relatedID,
		Notes:             notes,
	}
}

func saveLedgerEntry(ctx context.Context, d store.Docs, entry domain.BusinessTransaction) error {
	return store.Save(ctx, d, store.CollectionTransactions, entry.ID, entry)
}

// adjustCash applies a signed delta to the running cash balance as a
// transactional read-modify-write.
func (s *Service) adjustCash(ctx context.Context, accountID string, delta float64) error {
	return s.docs.RunTransaction(ctx, accountID, func(ctx context.Context, tx store.Docs) error {
		settings, err := loadSettingsTx(ctx, tx)
		if err != nil {
			return err
		}
		settings.CurrentBusinessCash = money.Add(settings.CurrentBusinessCash, delta)
		return s.saveSettingsTx(ctx, tx, settings)
	})
}

func (s *Service) logActivity(ctx context.Context, accountID string, kind domain.ActivityType, actor string, description string, details map[string]any) {
	entry := domain.ActivityLogEntry{
		ID:          xid.New("act"),
		Timestamp:   s.now(),
		Type:        kind,
		Description: description,
		Details:     details,
		Actor:       actor,
	}
	if err := store.Save(ctx, s.docs.Scope(accountID), store.CollectionActivity, entry.ID, entry); err != nil {
		log.Printf("[audit] WARN: failed to write activity type=%s account=%s: %v", kind, accountID, err)
	}
}

func (s *Service) recordLedger(ctx context.Context, accountID string, entry domain.BusinessTransaction) error {
	if err := saveLedgerEntry(ctx, s.docs.Scope(accountID), entry); err != nil {
		return fmt.Errorf("ledger %s %s: %w", entry.Type, entry.RelatedDocumentID, err)
	}
	return nil
}

// runDeferred submits fn to the background queue; with no queue configured it runs
// inline and only logs failures.
func (s *Service) runDeferred(name string, fn worker.Task) {
	if s.deferred == nil {
		if err := fn(context.Background()); err != nil {
			log.Printf("[deferred] WARN: task %s failed: %v", name, err)
		}
		return
	}
	s.deferred.Submit(name, fn)
}

func (s *Service) currency(ctx context.Context, accountID string) string {
	settings, err := s.GetSettings(ctx, accountID)
	if err != nil {
		return domain.DefaultSettings().Currency
	}
	return settings.Currency
}

func encodeDocument(id string, v any) (store.Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return store.Document{}, fmt.Errorf("encode %s: %w", id, err)
	}
	return store.Document{ID: id, Data: data}, nil
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
