package sqlite

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"tokoku/backend/internal/store"
)

type documentRow struct {
	AccountID  string `gorm:"primaryKey;size:64"`
	Collection string `gorm:"primaryKey;size:64"`
	ID         string `gorm:"primaryKey;size:128"`
	Data       string `gorm:"type:text;not null"`
	Version    int64  `gorm:"not null;default:1"`
	UpdatedAt  time.Time
}

func (documentRow) TableName() string { return "documents" }

// collectionVersion is bumped by every write so that transactions which listed
// or queried a collection notice inserts and deletes made after their scan.
type collectionVersion struct {
	AccountID  string `gorm:"primaryKey;size:64"`
	Collection string `gorm:"primaryKey;size:64"`
	Version    int64  `gorm:"not null;default:0"`
}

func (collectionVersion) TableName() string { return "collection_versions" }

// Store is a single-file document store for one-shop installs. It uses the
// same optimistic scheme as the in-memory store, with the version column as
// the concurrency token.
type Store struct {
	db          *gorm.DB
	maxAttempts int
}

func New(dsn string, maxAttempts int) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; a single connection also serialises commits.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&documentRow{}, &collectionVersion{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate sqlite schema: %w", err)
	}
	if maxAttempts < 1 {
		maxAttempts = store.DefaultMaxAttempts
	}
	return &Store{db: db, maxAttempts: maxAttempts}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Scope(accountID string) store.Docs {
	return &scope{s: s, account: accountID}
}

func (s *Store) RunTransaction(ctx context.Context, accountID string, fn store.TxFunc) error {
	return store.Retry(ctx, s.maxAttempts, func() error {
		t := &tx{
			s:       s,
			account: accountID,
			reads:   make(map[key]int64),
			scans:   make(map[store.Collection]int64),
			writes:  make(map[key]pending),
		}
		if err := fn(ctx, t); err != nil {
			return err
		}
		return t.commit(ctx)
	})
}

func (s *Store) ReplaceCollections(ctx context.Context, accountID string, docs map[store.Collection][]store.Document) error {
	return s.db.WithContext(ctx).Transaction(func(g *gorm.DB) error {
		for c, list := range docs {
			if err := g.Where("account_id = ? AND collection = ?", accountID, string(c)).Delete(&documentRow{}).Error; err != nil {
				return err
			}
			if len(list) > 0 {
				rows := make([]documentRow, 0, len(list))
				for _, doc := range list {
					rows = append(rows, documentRow{AccountID: accountID, Collection: string(c), ID: doc.ID, Data: string(doc.Data), Version: 1})
				}
				if err := g.CreateInBatches(rows, 200).Error; err != nil {
					return err
				}
			}
			if err := bumpCollection(g, accountID, c); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) get(ctx context.Context, accountID string, c store.Collection, id string) (documentRow, bool, error) {
	var row documentRow
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND collection = ? AND id = ?", accountID, string(c), id).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return documentRow{}, false, nil
	}
	if err != nil {
		return documentRow{}, false, err
	}
	return row, true, nil
}

func (s *Store) list(ctx context.Context, accountID string, c store.Collection) ([]store.Document, int64, error) {
	var out []store.Document
	var version int64
	err := s.db.WithContext(ctx).Transaction(func(g *gorm.DB) error {
		var rows []documentRow
		if err := g.Where("account_id = ? AND collection = ?", accountID, string(c)).Order("id").Find(&rows).Error; err != nil {
			return err
		}
		var cv collectionVersion
		err := g.Where("account_id = ? AND collection = ?", accountID, string(c)).Take(&cv).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		version = cv.Version
		out = make([]store.Document, 0, len(rows))
		for _, row := range rows {
			out = append(out, store.Document{ID: row.ID, Data: []byte(row.Data)})
		}
		return nil
	})
	return out, version, err
}

func bumpCollection(g *gorm.DB, accountID string, c store.Collection) error {
	return g.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "collection"}},
		DoUpdates: clause.Assignments(map[string]any{"version": gorm.Expr("version + 1")}),
	}).Create(&collectionVersion{AccountID: accountID, Collection: string(c), Version: 1}).Error
}

func upsert(g *gorm.DB, accountID string, c store.Collection, doc store.Document) error {
	return g.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}, {Name: "collection"}, {Name: "id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"data":       string(doc.Data),
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now().UTC(),
		}),
	}).Create(&documentRow{AccountID: accountID, Collection: string(c), ID: doc.ID, Data: string(doc.Data), Version: 1}).Error
}

type scope struct {
	s       *Store
	account string
}

func (d *scope) Get(ctx context.Context, c store.Collection, id string) (store.Document, error) {
	row, ok, err := d.s.get(ctx, d.account, c, id)
	if err != nil {
		return store.Document{}, err
	}
	if !ok {
		return store.Document{}, store.Wrap("get", store.Path(c, id), store.ErrNotFound)
	}
	return store.Document{ID: id, Data: []byte(row.Data)}, nil
}

func (d *scope) List(ctx context.Context, c store.Collection) ([]store.Document, error) {
	docs, _, err := d.s.list(ctx, d.account, c)
	return docs, err
}

func (d *scope) Query(ctx context.Context, q store.Query) ([]store.Document, error) {
	docs, err := d.List(ctx, q.Collection)
	if err != nil {
		return nil, err
	}
	return q.Apply(docs)
}

func (d *scope) Put(ctx context.Context, c store.Collection, doc store.Document) error {
	if doc.ID == "" {
		return store.Invalid("id", "is required")
	}
	return d.s.db.WithContext(ctx).Transaction(func(g *gorm.DB) error {
		if err := upsert(g, d.account, c, doc); err != nil {
			return err
		}
		return bumpCollection(g, d.account, c)
	})
}

func (d *scope) Delete(ctx context.Context, c store.Collection, id string) error {
	return d.s.db.WithContext(ctx).Transaction(func(g *gorm.DB) error {
		result := g.Where("account_id = ? AND collection = ? AND id = ?", d.account, string(c), id).Delete(&documentRow{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return store.Wrap("delete", store.Path(c, id), store.ErrNotFound)
		}
		return bumpCollection(g, d.account, c)
	})
}

type key struct {
	collection store.Collection
	id         string
}

type pending struct {
	data    []byte
	deleted bool
}

type tx struct {
	s       *Store
	account string
	reads   map[key]int64
	scans   map[store.Collection]int64
	writes  map[key]pending
}

func (t *tx) Get(ctx context.Context, c store.Collection, id string) (store.Document, error) {
	k := key{collection: c, id: id}
	if w, ok := t.writes[k]; ok {
		if w.deleted {
			return store.Document{}, store.Wrap("get", store.Path(c, id), store.ErrNotFound)
		}
		return store.Document{ID: id, Data: append([]byte(nil), w.data...)}, nil
	}
	row, ok, err := t.s.get(ctx, t.account, c, id)
	if err != nil {
		return store.Document{}, err
	}
	if _, seen := t.reads[k]; !seen {
		t.reads[k] = row.Version
	}
	if !ok {
		return store.Document{}, store.Wrap("get", store.Path(c, id), store.ErrNotFound)
	}
	return store.Document{ID: id, Data: []byte(row.Data)}, nil
}

func (t *tx) List(ctx context.Context, c store.Collection) ([]store.Document, error) {
	docs, version, err := t.s.list(ctx, t.account, c)
	if err != nil {
		return nil, err
	}
	if _, seen := t.scans[c]; !seen {
		t.scans[c] = version
	}
	byID := make(map[string]store.Document, len(docs))
	for _, doc := range docs {
		byID[doc.ID] = doc
	}
	for k, w := range t.writes {
		if k.collection != c {
			continue
		}
		if w.deleted {
			delete(byID, k.id)
			continue
		}
		byID[k.id] = store.Document{ID: k.id, Data: append([]byte(nil), w.data...)}
	}
	out := make([]store.Document, 0, len(byID))
	for _, doc := range byID {
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) Query(ctx context.Context, q store.Query) ([]store.Document, error) {
	docs, err := t.List(ctx, q.Collection)
	if err != nil {
		return nil, err
	}
	return q.Apply(docs)
}

func (t *tx) Put(_ context.Context, c store.Collection, doc store.Document) error {
	if doc.ID == "" {
		return store.Invalid("id", "is required")
	}
	t.writes[key{collection: c, id: doc.ID}] = pending{data: append([]byte(nil), doc.Data...)}
	return nil
}

func (t *tx) Delete(ctx context.Context, c store.Collection, id string) error {
	if _, err := t.Get(ctx, c, id); err != nil {
		return err
	}
	t.writes[key{collection: c, id: id}] = pending{deleted: true}
	return nil
}

func (t *tx) commit(ctx context.Context) error {
	if len(t.writes) == 0 {
		return nil
	}
	return t.s.db.WithContext(ctx).Transaction(func(g *gorm.DB) error {
		for c, seen := range t.scans {
			var cv collectionVersion
			err := g.Where("account_id = ? AND collection = ?", t.account, string(c)).Take(&cv).Error
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			if cv.Version != seen {
				return store.ErrConflict
			}
		}
		for k, seen := range t.reads {
			if _, written := t.writes[k]; written {
				continue
			}
			var row documentRow
			err := g.Select("version").
				Where("account_id = ? AND collection = ? AND id = ?", t.account, string(k.collection), k.id).
				Take(&row).Error
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			if row.Version != seen {
				return store.ErrConflict
			}
		}

		touched := make(map[store.Collection]struct{})
		for k, w := range t.writes {
			if err := t.apply(g, k, w); err != nil {
				return err
			}
			touched[k.collection] = struct{}{}
		}
		for c := range touched {
			if err := bumpCollection(g, t.account, c); err != nil {
				return err
			}
		}
		return nil
	})
}

func (t *tx) apply(g *gorm.DB, k key, w pending) error {
	seen, wasRead := t.reads[k]
	where := g.Where("account_id = ? AND collection = ? AND id = ?", t.account, string(k.collection), k.id)

	switch {
	case !wasRead && w.deleted:
		return where.Delete(&documentRow{}).Error
	case !wasRead:
		return upsert(g, t.account, k.collection, store.Document{ID: k.id, Data: w.data})
	case seen == 0 && !w.deleted:
		err := g.Create(&documentRow{AccountID: t.account, Collection: string(k.collection), ID: k.id, Data: string(w.data), Version: 1}).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return store.ErrConflict
		}
		return err
	}

	var result *gorm.DB
	if w.deleted {
		result = where.Where("version = ?", seen).Delete(&documentRow{})
	} else {
		result = where.Model(&documentRow{}).Where("version = ?", seen).Updates(map[string]any{
			"data":       string(w.data),
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now().UTC(),
		})
	}
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return store.ErrConflict
	}
	return nil
}
