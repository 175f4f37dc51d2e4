package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"tokoku/backend/internal/domain"
	"tokoku/backend/internal/store"
	"tokoku/backend/internal/xid"
)

// Backup snapshots every live collection plus settings into one immutable
// document. Every read happens in a single transaction so the counters in the
// snapshot always match the documents it holds. The backup configuration itself
// is left out of the snapshot.
func (s *Service) Backup(ctx context.Context, accountID string) (domain.BackupSummary, error) {
	if err := requireAccount(accountID); err != nil {
		return domain.BackupSummary{}, err
	}

	snapshotID := xid.New("bak")
	var snapshot domain.BackupSnapshot
	err := s.docs.RunTransaction(ctx, accountID, func(ctx context.Context, tx store.Docs) error {
		live, err := loadSettingsTx(ctx, tx)
		if err != nil {
			return err
		}
		snapshot = domain.BackupSnapshot{
			ID:          snapshotID,
			CreatedAt:   s.now(),
			Settings:    live,
			Collections: make(map[string][]json.RawMessage, len(store.LiveCollections)),
			Counts:      make(map[string]int, len(store.LiveCollections)),
		}
		snapshot.Settings.Backup = domain.BackupConfig{}
		for _, c := range store.LiveCollections {
			list, err := tx.List(ctx, c)
			if err != nil {
				return store.Wrap("backup", string(c), err)
			}
			raw := make([]json.RawMessage, 0, len(list))
			for _, doc := range list {
				raw = append(raw, json.RawMessage(doc.Data))
			}
			snapshot.Collections[string(c)] = raw
			snapshot.Counts[string(c)] = len(raw)
		}
		if err := store.Save(ctx, tx, store.CollectionBackups, snapshot.ID, snapshot); err != nil {
			return err
		}
		createdAt := snapshot.CreatedAt
		live.Backup.LastBackupAt = &createdAt
		return s.saveSettingsTx(ctx, tx, live)
	})
	if err != nil {
		return domain.BackupSummary{}, store.Wrap("backup", store.Path(store.CollectionBackups, snapshotID), err)
	}
	if err := s.cache.Invalidate(ctx, accountID); err != nil {
		log.Printf("[settings] WARN: failed to invalidate cached settings account=%s: %v", accountID, err)
	}

	s.logActivity(ctx, accountID, domain.ActivityBackupCreated, actorName(ctx),
		"Backup "+snapshot.ID+" created", map[string]any{"backup_id": snapshot.ID, "counts": snapshot.Counts})
	return domain.BackupSummary{ID: snapshot.ID, CreatedAt: snapshot.CreatedAt, Counts: snapshot.Counts}, nil
}

// Restore replaces every live collection and the settings with the contents of
// a snapshot. The backup configuration in force at restore time is kept.
func (s *Service) Restore(ctx context.Context, accountID string, snapshotID string) error {
	if err := requireAccount(accountID); err != nil {
		return err
	}
	docs := s.docs.Scope(accountID)
	snapshot, err := store.Load[domain.BackupSnapshot](ctx, docs, store.CollectionBackups, snapshotID)
	if err != nil {
		return store.Wrap("restore", store.Path(store.CollectionBackups, snapshotID), err)
	}
	current, err := store.Load[domain.AppSettings](ctx, docs, store.CollectionSettings, domain.SettingsDocumentID)
	if errors.Is(err, store.ErrNotFound) {
		current = domain.DefaultSettings()
	} else if err != nil {
		return store.Wrap("restore", store.Path(store.CollectionSettings, domain.SettingsDocumentID), err)
	}

	restored := snapshot.Settings
	restored.Backup = current.Backup
	restored.UpdatedAt = s.now()
	settingsDoc, err := encodeDocument(domain.SettingsDocumentID, restored)
	if err != nil {
		return err
	}

	replacement := make(map[store.Collection][]store.Document, len(store.LiveCollections)+1)
	for _, c := range store.LiveCollections {
		raw := snapshot.Collections[string(c)]
		list := make([]store.Document, 0, len(raw))
		for _, data := range raw {
			id, err := documentID(data)
			if err != nil {
				return store.Wrap("restore", string(c), err)
			}
			list = append(list, store.Document{ID: id, Data: data})
		}
		replacement[c] = list
	}
	replacement[store.CollectionSettings] = []store.Document{settingsDoc}

	if err := s.docs.ReplaceCollections(ctx, accountID, replacement); err != nil {
		return store.Wrap("restore", snapshotID, err)
	}
	if err := s.cache.Invalidate(ctx, accountID); err != nil {
		log.Printf("[settings] WARN: failed to invalidate cached settings account=%s: %v", accountID, err)
	}

	s.logActivity(ctx, accountID, domain.ActivityBackupRestored, actorName(ctx),
		"Backup "+snapshotID+" restored", map[string]any{"backup_id": snapshotID, "counts": snapshot.Counts})
	return nil
}

func documentID(data json.RawMessage) (string, error) {
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", err
	}
	if head.ID == "" {
		return "", fmt.Errorf("%w: snapshot document without id", store.ErrInvalidInput)
	}
	return head.ID, nil
}

// ListBackups returns snapshot summaries, newest first.
func (s *Service) ListBackups(ctx context.Context, accountID string) ([]domain.BackupSummary, error) {
	if err := requireAccount(accountID); err != nil {
		return nil, err
	}
	snapshots, err := store.LoadAll[domain.BackupSummary](ctx, s.docs.Scope(accountID), store.CollectionBackups)
	if err != nil {
		return nil, store.Wrap("listBackups", string(store.CollectionBackups), err)
	}
	sort.SliceStable(snapshots, func(i, j int) bool { return snapshots[i].CreatedAt.After(snapshots[j].CreatedAt) })
	return snapshots, nil
}

// PruneBackups deletes all but the newest retention snapshots and reports how
// many were removed.
func (s *Service) PruneBackups(ctx context.Context, accountID string, retention int) (int, error) {
	if retention < 1 {
		return 0, store.Invalid("retention", "must be at least 1")
	}
	summaries, err := s.ListBackups(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if len(summaries) <= retention {
		return 0, nil
	}
	docs := s.docs.Scope(accountID)
	var removed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, old := range summaries[retention:] {
		g.Go(func() error {
			if err := docs.Delete(gctx, store.CollectionBackups, old.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
				return store.Wrap("pruneBackups", store.Path(store.CollectionBackups, old.ID), err)
			}
			removed.Add(1)
			return nil
		})
	}
	err = g.Wait()
	return int(removed.Load()), err
}

// RunDueBackup takes a backup when the account has automatic backups enabled
// and the last one is older than the configured interval. It reports whether a
// backup was taken.
func (s *Service) RunDueBackup(ctx context.Context, accountID string) (bool, error) {
	settings, err := s.GetSettings(ctx, accountID)
	if err != nil {
		return false, err
	}
	cfg := settings.Backup
	if !cfg.Enabled {
		return false, nil
	}
	interval := time.Duration(cfg.IntervalHours) * time.Hour
	if cfg.LastBackupAt != nil && s.now().Sub(*cfg.LastBackupAt) < interval {
		return false, nil
	}
	if _, err := s.Backup(ctx, accountID); err != nil {
		return false, err
	}
	if cfg.RetentionCount > 0 {
		if _, err := s.PruneBackups(ctx, accountID, cfg.RetentionCount); err != nil {
			return true, err
		}
	}
	return true, nil
}
